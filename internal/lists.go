package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// overviewPayload mirrors the editorial overview feed.
type overviewPayload struct {
	Results struct {
		PublishedDate string `json:"published_date"`
		Lists         []struct {
			ListNameEncoded string `json:"list_name_encoded"`
			DisplayName     string `json:"display_name"`
			Books           []struct {
				Title         string `json:"title"`
				Author        string `json:"author"`
				Description   string `json:"description"`
				Publisher     string `json:"publisher"`
				PrimaryISBN10 string `json:"primary_isbn10"`
				PrimaryISBN13 string `json:"primary_isbn13"`
				Rank          int    `json:"rank"`
				WeeksOnList   int    `json:"weeks_on_list"`
				BookImage     string `json:"book_image"`
				AmazonURL     string `json:"amazon_product_url"`
			} `json:"books"`
		} `json:"lists"`
	} `json:"results"`
}

// IngestSummary reports one bestseller ingest run.
type IngestSummary struct {
	Lists       int
	Memberships int
	Minted      int
	Errors      []string
}

// ListIngestor pulls the editorial bestseller overview and materializes it
// as lists and memberships, resolving every entry to a canonical book.
type ListIngestor struct {
	editorial editorialAPI
	store     store
	resolver  *Resolver
	breaker   *Breaker
}

// NewListIngestor creates the ingestor.
func NewListIngestor(editorial editorialAPI, st store, resolver *Resolver, breaker *Breaker) *ListIngestor {
	return &ListIngestor{editorial: editorial, store: st, resolver: resolver, breaker: breaker}
}

// Ingest fetches the current overview and upserts every list it carries.
// Per-entry failures are collected; only a failed overview fetch is fatal.
func (li *ListIngestor) Ingest(ctx context.Context) (*IngestSummary, error) {
	if li.breaker != nil && !li.breaker.IsAllowed(ProviderEditorial) {
		return nil, errTransient
	}

	raw, err := li.editorial.FetchBestsellerOverview(ctx)
	if li.breaker != nil {
		if err == nil || errors.Is(err, errNotFound) {
			li.breaker.ReportSuccess(ProviderEditorial)
		} else if transient(err) {
			li.breaker.ReportFailure(ProviderEditorial)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("fetching overview: %w", err)
	}

	var overview overviewPayload
	if err := json.Unmarshal(raw, &overview); err != nil {
		return nil, errors.Join(errParse, err)
	}

	summary := &IngestSummary{}
	for _, l := range overview.Results.Lists {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		list := &BookList{
			ID:            mintCanonicalID(),
			Provider:      SourceEditorial,
			ListCode:      l.ListNameEncoded,
			DisplayName:   l.DisplayName,
			PublishedDate: overview.Results.PublishedDate,
		}
		if listRaw, err := json.Marshal(l); err == nil {
			list.RawJSON = listRaw
		}
		if err := li.store.UpsertList(ctx, list); err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("list %s: %v", l.ListNameEncoded, err))
			continue
		}
		summary.Lists++

		for _, entry := range l.Books {
			if err := ctx.Err(); err != nil {
				return summary, err
			}

			candidate := &Book{
				Title:         titleCase(entry.Title),
				Description:   entry.Description,
				Publisher:     entry.Publisher,
				ISBN10:        sanitizeISBN(entry.PrimaryISBN10),
				ISBN13:        sanitizeISBN(entry.PrimaryISBN13),
				CoverImageURL: entry.BookImage,
				PurchaseLink:  entry.AmazonURL,
			}
			if entry.Author != "" {
				candidate.Authors = []string{entry.Author}
			}

			entryRaw, _ := json.Marshal(entry)
			_, minted, err := li.resolver.Resolve(ctx, candidate)
			if err != nil {
				summary.Errors = append(summary.Errors, fmt.Sprintf("list %s rank %d: %v", l.ListNameEncoded, entry.Rank, err))
				continue
			}
			if minted {
				summary.Minted++
			}
			book, err := li.resolver.Canonicalize(ctx, candidate, []payload{{Source: SourceEditorial, Raw: entryRaw}})
			if err != nil {
				summary.Errors = append(summary.Errors, fmt.Sprintf("list %s rank %d: %v", l.ListNameEncoded, entry.Rank, err))
				continue
			}

			m := ListMembership{
				ListID:      list.ID,
				BookID:      book.ID,
				Rank:        entry.Rank,
				WeeksOnList: entry.WeeksOnList,
				ISBN10:      candidate.ISBN10,
				ISBN13:      candidate.ISBN13,
				ReferralURL: entry.AmazonURL,
			}
			if err := li.store.UpsertListMembership(ctx, m); err != nil {
				summary.Errors = append(summary.Errors, fmt.Sprintf("list %s rank %d: %v", l.ListNameEncoded, entry.Rank, err))
				continue
			}
			summary.Memberships++
		}
	}

	return summary, nil
}
