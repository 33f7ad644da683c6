package internal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _overviewFixture = []byte(`{
	"results": {
		"published_date": "2026-08-23",
		"lists": [
			{
				"list_name_encoded": "hardcover-fiction",
				"display_name": "Hardcover Fiction",
				"books": [
					{
						"title": "DUNE",
						"author": "Frank Herbert",
						"description": "Spice and sand.",
						"publisher": "Ace",
						"primary_isbn10": "0441013597",
						"primary_isbn13": "978-0-441-01359-3",
						"rank": 1,
						"weeks_on_list": 12,
						"book_image": "https://img.example/dune.jpg",
						"amazon_product_url": "https://amazon.example/dune"
					},
					{
						"title": "DUNE MESSIAH",
						"author": "Frank Herbert",
						"primary_isbn13": "9780340960196",
						"rank": 2,
						"weeks_on_list": 3
					}
				]
			},
			{
				"list_name_encoded": "hardcover-nonfiction",
				"display_name": "Hardcover Nonfiction",
				"books": []
			}
		]
	}
}`)

func newIngestFixture(t *testing.T, overview []byte) (*ListIngestor, *memStore, *Breaker) {
	t.Helper()
	st := newMemStore()
	breaker := NewBreaker(time.Minute, 3, 30*time.Second, NewMetrics())
	li := NewListIngestor(&fakeEditorial{overview: overview}, st, NewResolver(st), breaker)
	return li, st, breaker
}

func TestIngestMaterializesListsAndMemberships(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	li, st, _ := newIngestFixture(t, _overviewFixture)

	summary, err := li.Ingest(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Lists)
	assert.Equal(t, 2, summary.Memberships)
	assert.Equal(t, 2, summary.Minted)
	assert.Empty(t, summary.Errors)

	// Entries became canonical books with normalized titles and ISBNs.
	book, err := st.FetchByISBN13(ctx, "9780441013593")
	require.NoError(t, err)
	assert.Equal(t, "Dune", book.Title, "all-caps feed title normalized")
	assert.Equal(t, "0441013597", book.ISBN10)
	assert.Equal(t, "https://img.example/dune.jpg", book.CoverImageURL)

	// The membership carries the provider's ranking.
	st.mu.Lock()
	defer st.mu.Unlock()
	require.Len(t, st.memberships, 2)
	var ranks, weeks []int
	for _, m := range st.memberships {
		ranks = append(ranks, m.Rank)
		weeks = append(weeks, m.WeeksOnList)
	}
	assert.ElementsMatch(t, []int{1, 2}, ranks)
	assert.ElementsMatch(t, []int{12, 3}, weeks)
}

func TestIngestIsIdempotentForKnownBooks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	li, st, _ := newIngestFixture(t, _overviewFixture)

	first, err := li.Ingest(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, first.Minted)

	second, err := li.Ingest(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.Minted, "known ISBNs resolve to existing rows")
	assert.Equal(t, 2, second.Memberships)

	st.mu.Lock()
	defer st.mu.Unlock()
	assert.Len(t, st.books, 2, "no duplicate rows after a re-run")
	assert.Len(t, st.lists, 2)
}

func TestIngestFailsFastWhenBreakerOpen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	li, _, breaker := newIngestFixture(t, _overviewFixture)

	for range 3 {
		breaker.ReportFailure(ProviderEditorial)
	}

	_, err := li.Ingest(ctx)
	assert.ErrorIs(t, err, errTransient)
}

func TestIngestRejectsUnparseableOverview(t *testing.T) {
	t.Parallel()
	li, _, _ := newIngestFixture(t, []byte("<xml>nope</xml>"))

	_, err := li.Ingest(context.Background())
	assert.ErrorIs(t, err, errParse)
}
