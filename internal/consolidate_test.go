package internal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type consolidateFixture struct {
	consolidator *Consolidator
	blobs        *memBlobStore
	store        *memStore
}

func newConsolidateFixture(t *testing.T) *consolidateFixture {
	t.Helper()
	blobs := newMemBlobStore()
	st := newMemStore()
	objects := NewObjectCache(blobs, WritePolicyKeep, 1, time.Millisecond, 1.0)
	return &consolidateFixture{
		consolidator: NewConsolidator(objects, st, NewResolver(st)),
		blobs:        blobs,
		store:        st,
	}
}

func fastConsolidateOpts() ConsolidateOpts {
	return ConsolidateOpts{ThrottleEvery: 1000, ThrottlePause: time.Microsecond}
}

func TestConsolidateMergesLegacyDuplicates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newConsolidateFixture(t)

	// Two legacy keys describe the same book: a canonical-shaped record and a
	// raw provider payload sharing the ISBN.
	fx.blobs.blobs["cached_book:9780441013593"] = []byte(`{
		"id": "legacy-dune", "title": "Dune", "isbn13": "9780441013593",
		"description": "short", "authors": ["Frank Herbert"]
	}`)
	fx.blobs.blobs["book:0441013597"] = volumeJSON("oaijW7sKqTYC", "Dune", "a much longer legacy description", "Frank Herbert", "F. Herbert")

	summary, err := fx.consolidator.Run(ctx, fastConsolidateOpts())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Processed, "two legacy keys, one conceptual book")
	assert.Equal(t, 1, summary.Migrated)
	assert.Equal(t, 1, summary.Merged)
	assert.Equal(t, 1, summary.NewUUIDsGenerated)
	assert.Equal(t, 2, summary.OldKeysDeleted)
	assert.Empty(t, summary.Errors)

	// Both legacy keys are gone; the merged record lives under its UUID.
	assert.NotContains(t, fx.blobs.blobs, "cached_book:9780441013593")
	assert.NotContains(t, fx.blobs.blobs, "book:0441013597")

	book, err := fx.store.FetchByISBN13(ctx, "9780441013593")
	require.NoError(t, err)
	require.Equal(t, idCanonical, classify(book.ID))
	assert.Contains(t, fx.blobs.blobs, BookObjectKey(book.ID))

	// Canonical-shaped fields outrank the provider payload; richness rules
	// still pull in the longer description and the author union.
	assert.Equal(t, "Dune", book.Title)
	stored, err := fx.store.FetchByCanonicalID(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, "short", stored.Description, "canonical record fields win the merge")

	// The mapping now points at the canonical row.
	mapped, err := fx.store.FetchByExternalID(ctx, SourcePrimary, "oaijW7sKqTYC")
	require.NoError(t, err)
	assert.Equal(t, book.ID, mapped.ID)
}

func TestConsolidateDryRunWritesNothing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newConsolidateFixture(t)

	fx.blobs.blobs["cached_book:a"] = []byte(`{"title": "Dune", "isbn13": "9780441013593"}`)
	fx.blobs.blobs["book:b"] = []byte(`{"title": "Dune Messiah", "isbn13": "9780340960196"}`)

	opts := fastConsolidateOpts()
	opts.DryRun = true
	dry, err := fx.consolidator.Run(ctx, opts)
	require.NoError(t, err)

	assert.Equal(t, 2, dry.Processed, "distinct ISBNs are distinct conceptual books")
	assert.Equal(t, 2, dry.Migrated)
	assert.Equal(t, 2, dry.NewUUIDsGenerated)
	assert.Equal(t, 2, dry.OldKeysDeleted)

	// Nothing moved: the legacy keys survive and no UUID key appeared.
	assert.Len(t, fx.blobs.blobs, 2)
	assert.Empty(t, fx.store.books)

	// The real run reports the same counts the dry run predicted.
	opts.DryRun = false
	wet, err := fx.consolidator.Run(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, dry.Processed, wet.Processed)
	assert.Equal(t, dry.Migrated, wet.Migrated)
	assert.Equal(t, dry.NewUUIDsGenerated, wet.NewUUIDsGenerated)
	assert.Equal(t, dry.OldKeysDeleted, wet.OldKeysDeleted)
}

func TestConsolidateReusesExistingCanonicalRow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newConsolidateFixture(t)

	existing := mintCanonicalID()
	require.NoError(t, fx.store.UpsertBook(ctx, &Book{
		ID: existing, Title: "Dune", ISBN13: "9780441013593", Slug: "dune",
	}))
	fx.blobs.blobs["cached_book:9780441013593"] = []byte(`{"title": "Dune", "isbn13": "9780441013593"}`)

	summary, err := fx.consolidator.Run(ctx, fastConsolidateOpts())
	require.NoError(t, err)

	assert.Zero(t, summary.NewUUIDsGenerated, "resolved to the existing row")
	assert.Contains(t, fx.blobs.blobs, BookObjectKey(existing))
}

func TestConsolidateCollectsPerKeyErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newConsolidateFixture(t)

	fx.blobs.blobs["cached_book:bad"] = []byte("<html>not json</html>")
	fx.blobs.blobs["cached_book:anon"] = []byte(`{"title": "No Identifiers At All"}`)
	fx.blobs.blobs["cached_book:ok"] = []byte(`{"title": "Dune", "isbn13": "9780441013593"}`)

	summary, err := fx.consolidator.Run(ctx, fastConsolidateOpts())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Migrated)
	assert.Len(t, summary.Errors, 2)
	// Unprocessable keys are left in place for a later pass.
	assert.Contains(t, fx.blobs.blobs, "cached_book:bad")
	assert.Contains(t, fx.blobs.blobs, "cached_book:anon")
}

func TestConsolidateSkipAndMaxWindowTheRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newConsolidateFixture(t)

	fx.blobs.blobs["cached_book:a"] = []byte(`{"title": "A", "isbn13": "9780441013593"}`)
	fx.blobs.blobs["cached_book:b"] = []byte(`{"title": "B", "isbn13": "9780340960196"}`)
	fx.blobs.blobs["cached_book:c"] = []byte(`{"title": "C", "isbn13": "9780765326355"}`)

	opts := fastConsolidateOpts()
	opts.Skip = 1
	opts.Max = 1
	summary, err := fx.consolidator.Run(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed, "keys are sorted, windowed by skip and max")
}

func TestMergeRecordsPrefersCanonicalThenRicher(t *testing.T) {
	t.Parallel()

	merged := mergeRecords([]legacyRecord{
		{key: "k1", book: &Book{Title: "Dune (provider)", Description: "the longest description of them all", Authors: []string{"Frank Herbert"}}},
		{key: "k2", book: &Book{Title: "Dune", Publisher: "Ace", Qualifiers: map[string]any{"series": "Dune"}}, canonical: true},
		{key: "k3", book: &Book{Description: "mid-length description", Authors: []string{"F. Herbert"}, Qualifiers: map[string]any{"series": "Dune Chronicles"}}},
	})

	assert.Equal(t, "Dune", merged.Title, "canonical record outranks richer provider record")
	assert.Equal(t, "Ace", merged.Publisher)
	assert.Equal(t, "the longest description of them all", merged.Description)
	assert.Equal(t, []string{"Frank Herbert", "F. Herbert"}, merged.Authors)
	assert.Contains(t, merged.Qualifiers, "series")

	// A non-UUID legacy ID never becomes the canonical ID.
	merged = mergeRecords([]legacyRecord{{key: "k", book: &Book{ID: "legacy-123", Title: "X"}}})
	assert.Empty(t, merged.ID)
}

func TestDefinitiveID(t *testing.T) {
	t.Parallel()

	uuid := mintCanonicalID()
	assert.Equal(t, "9780441013593", definitiveID(&Book{ISBN13: "9780441013593", ISBN10: "0441013597", ProviderID: "v1"}))
	assert.Equal(t, "0441013597", definitiveID(&Book{ISBN10: "0441013597", ProviderID: "v1"}))
	assert.Equal(t, "v1", definitiveID(&Book{ProviderID: "v1", ID: uuid}))
	assert.Equal(t, uuid, definitiveID(&Book{ID: uuid}))
	assert.Empty(t, definitiveID(&Book{Title: "nothing to key on"}))
}
