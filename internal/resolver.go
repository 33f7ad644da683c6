package internal

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Resolver owns book identity: given a candidate record and whatever raw
// identifiers came with it, find the canonical UUID or mint one, then bring
// every mapping, snapshot and link in line with it.
type Resolver struct {
	store store
}

// NewResolver creates a resolver over the relational store.
func NewResolver(store store) *Resolver {
	return &Resolver{store: store}
}

// mintCanonicalID returns a fresh time-ordered UUID.
func mintCanonicalID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Only possible if the OS entropy source is gone.
		panic(fmt.Sprintf("minting uuid: %v", err))
	}
	return id.String()
}

// Resolve finds the canonical ID for the candidate without writing
// anything. The bool reports whether the ID was newly minted.
func (r *Resolver) Resolve(ctx context.Context, candidate *Book) (string, bool, error) {
	// 1. A known provider volume ID is the strongest signal.
	if candidate.ProviderID != "" {
		for _, src := range []Source{SourcePrimaryAuth, SourcePrimary, SourcePrimaryISBN} {
			existing, err := r.store.FetchByExternalID(ctx, src, candidate.ProviderID)
			if err == nil {
				return existing.ID, false, nil
			}
			if !errors.Is(err, errNotFound) {
				return "", false, err
			}
		}
	}

	// 2. The candidate may already carry a canonical UUID. An unknown one is
	// adopted as-is so pre-assigned IDs survive the round trip.
	adopted := ""
	if candidate.ID != "" && classify(candidate.ID) == idCanonical {
		existing, err := r.store.FetchByCanonicalID(ctx, candidate.ID)
		if err == nil {
			return existing.ID, false, nil
		}
		if !errors.Is(err, errNotFound) {
			return "", false, err
		}
		adopted = candidate.ID
	}

	// 3. Fall back to ISBN lookups, which also consult provider-reported
	// ISBNs in the mapping table.
	if candidate.ISBN13 != "" {
		existing, err := r.store.FetchByISBN13(ctx, candidate.ISBN13)
		if err == nil {
			return existing.ID, false, nil
		}
		if !errors.Is(err, errNotFound) {
			return "", false, err
		}
	}
	if candidate.ISBN10 != "" {
		existing, err := r.store.FetchByISBN10(ctx, candidate.ISBN10)
		if err == nil {
			return existing.ID, false, nil
		}
		if !errors.Is(err, errNotFound) {
			return "", false, err
		}
	}

	// 4. Nobody knows this book yet.
	if adopted != "" {
		return adopted, true, nil
	}
	return mintCanonicalID(), true, nil
}

// Canonicalize resolves the candidate's identity and persists everything
// derived from the given payloads: the book row, external-ID mappings, raw
// snapshots, image links and edition-group links. The candidate is returned
// with its ID and slug settled.
func (r *Resolver) Canonicalize(ctx context.Context, candidate *Book, payloads []payload) (*Book, error) {
	canonicalID, minted, err := r.Resolve(ctx, candidate)
	if err != nil {
		return nil, fmt.Errorf("resolving identity: %w", err)
	}
	candidate.ID = canonicalID

	// Existing rows keep their slug; new (or slugless) rows get one derived
	// from the title, deduplicated server-side.
	if !minted {
		if existing, err := r.store.FetchByCanonicalID(ctx, canonicalID); err == nil && existing.Slug != "" {
			candidate.Slug = existing.Slug
		}
	}
	if candidate.Slug == "" {
		slug, err := r.store.EnsureUniqueSlug(ctx, slugFor(candidate.Title, canonicalID))
		if err != nil {
			return nil, fmt.Errorf("assigning slug: %w", err)
		}
		candidate.Slug = slug
	}

	if err := r.store.UpsertBook(ctx, candidate); err != nil {
		return nil, fmt.Errorf("upserting book: %w", err)
	}

	r.syncMappings(ctx, candidate, payloads)

	for _, p := range payloads {
		if err := r.store.UpsertRawSnapshot(ctx, canonicalID, p.Source, p.Raw); err != nil {
			Log(ctx).Warn("problem persisting snapshot", "bookID", canonicalID, "source", p.Source, "err", err)
		}
	}

	if candidate.CoverImageURL != "" {
		if err := r.store.UpsertImageLink(ctx, canonicalID, ImageExternal, candidate.CoverImageURL, SourcePrimary); err != nil {
			Log(ctx).Warn("problem persisting image link", "bookID", canonicalID, "err", err)
		}
	}

	if candidate.EditionGroupKey != "" {
		if err := r.SyncEditionGroup(ctx, candidate.EditionGroupKey); err != nil {
			Log(ctx).Warn("problem syncing edition group", "key", candidate.EditionGroupKey, "err", err)
		}
	}

	return candidate, nil
}

// syncMappings upserts an external-ID mapping for every identifier we know
// the book by.
func (r *Resolver) syncMappings(ctx context.Context, book *Book, payloads []payload) {
	for _, p := range payloads {
		ex, err := extract(p)
		if err != nil {
			continue
		}
		externalID := ex.book.ProviderID
		if externalID == "" {
			// Sources without volume IDs are mapped by ISBN so lookups
			// through their namespace still resolve.
			externalID = firstNonEmpty(ex.book.ISBN13, ex.book.ISBN10)
		}
		if externalID == "" {
			continue
		}
		m := ExternalIDMapping{
			BookID:         book.ID,
			Source:         p.Source,
			ExternalID:     externalID,
			ProviderISBN10: ex.book.ISBN10,
			ProviderISBN13: ex.book.ISBN13,
			InfoLink:       ex.book.InfoLink,
			PreviewLink:    ex.book.PreviewLink,
			PurchaseLink:   ex.book.PurchaseLink,
			WebReaderLink:  ex.book.WebReaderLink,
			AverageRating:  ex.book.AverageRating,
			RatingsCount:   ex.book.RatingsCount,
			PDFAvailable:   ex.book.PDFAvailable,
			EpubAvailable:  ex.book.EpubAvailable,
			ListPrice:      ex.book.ListPrice,
			CurrencyCode:   ex.book.CurrencyCode,
		}
		if err := r.store.UpsertExternalMapping(ctx, m); err != nil {
			Log(ctx).Warn("problem persisting mapping", "bookID", book.ID, "source", p.Source, "err", err)
		}
	}
}

// SyncEditionGroup rewrites ALTERNATE_EDITION links for the cluster sharing
// the key. The highest edition number (ties broken by canonical ID) is
// primary; links run primary→sibling. Clusters of one yield no links.
func (r *Resolver) SyncEditionGroup(ctx context.Context, editionGroupKey string) error {
	books, err := r.store.FetchEditionGroup(ctx, editionGroupKey)
	if err != nil {
		return err
	}
	if len(books) < 2 {
		return nil
	}

	sort.Slice(books, func(i, j int) bool {
		if books[i].EditionNumber != books[j].EditionNumber {
			return books[i].EditionNumber > books[j].EditionNumber
		}
		return books[i].ID < books[j].ID
	})

	primary := books[0]
	siblings := make([]string, 0, len(books)-1)
	for _, b := range books[1:] {
		siblings = append(siblings, b.ID)
	}

	return r.store.ReplaceEditionLinks(ctx, primary.ID, siblings)
}
