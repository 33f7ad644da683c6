package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ohler55/ojg/oj"
)

// Legacy object-cache prefixes still found in the wild.
var _legacyPrefixes = []string{"cached_book:", "book:"}

// ConsolidateOpts tunes one consolidation run.
type ConsolidateOpts struct {
	// Prefixes to scan. Defaults to the known legacy prefixes.
	Prefixes []string
	// Max caps how many keys are processed; 0 means all. Skip offsets into
	// the key listing, for resumable runs.
	Max  int
	Skip int
	// DryRun computes everything but writes and deletes nothing.
	DryRun bool
	// ThrottlePause is slept after every ThrottleEvery keys.
	ThrottleEvery int
	ThrottlePause time.Duration
}

// ConsolidationSummary is the run report.
type ConsolidationSummary struct {
	Processed         int
	Migrated          int
	Merged            int
	OldKeysDeleted    int
	NewUUIDsGenerated int
	Errors            []string
}

// legacyRecord is one parsed blob awaiting grouping.
type legacyRecord struct {
	key       string
	book      *Book
	canonical bool // parsed as a canonical record, not a provider payload
}

// Consolidator migrates a legacy object keyspace into merged, UUID-keyed
// canonical records.
type Consolidator struct {
	objects  *ObjectCache
	store    store
	resolver *Resolver
}

// NewConsolidator creates the engine. The store and resolver may be nil for
// cacheless dry runs; writes then stay in the object tier only.
func NewConsolidator(objects *ObjectCache, store store, resolver *Resolver) *Consolidator {
	return &Consolidator{objects: objects, store: store, resolver: resolver}
}

// Run scans the prefixes, groups records by their definitive identifier,
// merges each group, persists it under its canonical UUID and deletes the
// obsolete keys. Errors are collected per key, never fatal to the run.
func (c *Consolidator) Run(ctx context.Context, opts ConsolidateOpts) (*ConsolidationSummary, error) {
	if !c.objects.Enabled() {
		return nil, errDisabled
	}
	if len(opts.Prefixes) == 0 {
		opts.Prefixes = _legacyPrefixes
	}
	if opts.ThrottleEvery <= 0 {
		opts.ThrottleEvery = 50
	}
	if opts.ThrottlePause <= 0 {
		opts.ThrottlePause = 100 * time.Millisecond
	}

	summary := &ConsolidationSummary{}

	keys, err := c.listKeys(ctx, opts.Prefixes)
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	if opts.Skip > 0 && opts.Skip < len(keys) {
		keys = keys[opts.Skip:]
	} else if opts.Skip >= len(keys) {
		keys = nil
	}
	if opts.Max > 0 && len(keys) > opts.Max {
		keys = keys[:opts.Max]
	}

	groups := map[string][]legacyRecord{}
	for i, key := range keys {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if i > 0 && i%opts.ThrottleEvery == 0 {
			time.Sleep(opts.ThrottlePause)
		}

		rec, err := c.readRecord(ctx, key)
		if err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", key, err))
			continue
		}

		id := definitiveID(rec.book)
		if id == "" {
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: no definitive identifier", key))
			continue
		}
		groups[id] = append(groups[id], rec)
	}

	// Deterministic ordering keeps dry-run output diffable between runs.
	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		c.consolidateGroup(ctx, id, groups[id], opts.DryRun, summary)
	}

	return summary, nil
}

func (c *Consolidator) listKeys(ctx context.Context, prefixes []string) ([]string, error) {
	var keys []string
	seen := newSet[string]()
	for _, prefix := range prefixes {
		listed, err := c.objects.List(ctx, prefix)
		if err != nil {
			return nil, err
		}
		for _, k := range listed {
			if seen.add(k) {
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// readRecord fetches and parses one blob: first as a canonical record, then
// as a provider payload.
func (c *Consolidator) readRecord(ctx context.Context, key string) (legacyRecord, error) {
	res := c.objects.Fetch(ctx, key)
	if res.kind != fetchSuccess {
		if res.err != nil {
			return legacyRecord{}, res.err
		}
		return legacyRecord{}, errNotFound
	}

	// Reject non-JSON garbage up front; oj tolerates more than the stdlib
	// decoder, which matches what legacy writers produced.
	parsed, err := oj.Parse(res.payload)
	if err != nil {
		return legacyRecord{}, fmt.Errorf("not json: %w", err)
	}

	// Provider payloads share top-level keys with canonical records ("id",
	// "title"), so the shape is sniffed off marker keys instead.
	if obj, ok := parsed.(map[string]any); ok {
		if src, ok := providerShape(obj); ok {
			ex, err := extract(payload{Source: src, Raw: res.payload})
			if err != nil || ex.book.Empty() {
				return legacyRecord{}, errParse
			}
			b := ex.book
			return legacyRecord{key: key, book: &b}, nil
		}
	}

	if book, err := unmarshalBook(res.payload); err == nil {
		return legacyRecord{key: key, book: book, canonical: true}, nil
	}
	return legacyRecord{}, errParse
}

// providerShape reports which provider wrote a legacy blob, keyed off fields
// no canonical record carries.
func providerShape(obj map[string]any) (Source, bool) {
	if _, ok := obj["volumeInfo"]; ok {
		return SourcePrimary, true
	}
	for _, marker := range []string{"isbn_13", "isbn_10", "publishers", "by_statement", "number_of_pages"} {
		if _, ok := obj[marker]; ok {
			return SourceSecondary, true
		}
	}
	return "", false
}

// definitiveID picks the strongest identifier a record carries.
func definitiveID(b *Book) string {
	if b.ISBN13 != "" {
		return b.ISBN13
	}
	if b.ISBN10 != "" {
		return b.ISBN10
	}
	if b.ProviderID != "" {
		return b.ProviderID
	}
	if classify(b.ID) == idCanonical {
		return b.ID
	}
	return ""
}

func (c *Consolidator) consolidateGroup(ctx context.Context, id string, records []legacyRecord, dryRun bool, summary *ConsolidationSummary) {
	// Processed counts conceptual books, not legacy keys: duplicates under
	// several prefixes are one book.
	summary.Processed++

	merged := mergeRecords(records)
	if len(records) > 1 {
		summary.Merged++
	}

	canonicalID := merged.ID
	if c.resolver != nil {
		resolved, minted, err := c.resolver.Resolve(ctx, merged)
		if err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: resolving: %v", id, err))
			return
		}
		canonicalID = resolved
		if minted {
			summary.NewUUIDsGenerated++
		}
	} else if classify(canonicalID) != idCanonical {
		canonicalID = mintCanonicalID()
		summary.NewUUIDsGenerated++
	}
	merged.ID = canonicalID

	if dryRun {
		summary.Migrated++
		summary.OldKeysDeleted += countObsolete(records, canonicalID)
		return
	}

	if c.resolver != nil {
		if _, err := c.resolver.Canonicalize(ctx, merged, nil); err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: persisting: %v", id, err))
			return
		}
		c.syncMapping(ctx, merged, summary)
	}

	raw, err := json.Marshal(merged)
	if err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("%s: marshaling: %v", id, err))
		return
	}
	if _, err := c.objects.WriteBack(ctx, canonicalID, raw); err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("%s: uploading: %v", id, err))
		return
	}
	if err := c.objects.UpdateSitemap(ctx, canonicalID); err != nil {
		Log(ctx).Warn("problem updating sitemap", "bookID", canonicalID, "err", err)
	}
	summary.Migrated++

	canonicalKey := BookObjectKey(canonicalID)
	for _, rec := range records {
		if rec.key == canonicalKey {
			continue
		}
		if err := c.objects.Delete(ctx, rec.key); err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: deleting: %v", rec.key, err))
			continue
		}
		summary.OldKeysDeleted++
	}
}

// syncMapping repoints the external-ID mapping at the canonical row.
func (c *Consolidator) syncMapping(ctx context.Context, merged *Book, summary *ConsolidationSummary) {
	if c.store == nil {
		return
	}
	externalID := merged.ProviderID
	if externalID == "" {
		externalID = firstNonEmpty(merged.ISBN13, merged.ISBN10)
	}
	if externalID == "" {
		return
	}
	m := ExternalIDMapping{
		BookID:         merged.ID,
		Source:         SourcePrimary,
		ExternalID:     externalID,
		ProviderISBN10: merged.ISBN10,
		ProviderISBN13: merged.ISBN13,
	}
	if err := c.store.UpsertExternalMapping(ctx, m); err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("%s: mapping: %v", merged.ID, err))
	}
}

func countObsolete(records []legacyRecord, canonicalID string) int {
	n := 0
	for _, rec := range records {
		if rec.key != BookObjectKey(canonicalID) {
			n++
		}
	}
	return n
}

// mergeRecords folds a group into one book. Canonical records outrank
// provider payloads, and among equals the richer record goes first; after
// that, first non-empty wins per field, list fields union, and qualifier
// maps union with later records overwriting on key conflicts.
func mergeRecords(records []legacyRecord) *Book {
	sorted := make([]legacyRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].canonical != sorted[j].canonical {
			return sorted[i].canonical
		}
		return len(sorted[i].book.Description) > len(sorted[j].book.Description)
	})

	out := &Book{Qualifiers: map[string]any{}}
	authors := newSet[string]()
	categories := newSet[string]()

	for _, rec := range sorted {
		b := rec.book
		out.ID = firstNonEmpty(out.ID, b.ID)
		out.Title = firstNonEmpty(out.Title, b.Title)
		out.Subtitle = firstNonEmpty(out.Subtitle, b.Subtitle)
		out.Description = firstNonEmpty(out.Description, b.Description)
		out.Slug = firstNonEmpty(out.Slug, b.Slug)
		out.ISBN10 = firstNonEmpty(out.ISBN10, b.ISBN10)
		out.ISBN13 = firstNonEmpty(out.ISBN13, b.ISBN13)
		out.Publisher = firstNonEmpty(out.Publisher, b.Publisher)
		out.PublishedDate = firstNonEmpty(out.PublishedDate, b.PublishedDate)
		out.Language = firstNonEmpty(out.Language, b.Language)
		out.EditionGroupKey = firstNonEmpty(out.EditionGroupKey, b.EditionGroupKey)
		out.CoverImageURL = firstNonEmpty(out.CoverImageURL, b.CoverImageURL)
		out.ProviderID = firstNonEmpty(out.ProviderID, b.ProviderID)
		out.InfoLink = firstNonEmpty(out.InfoLink, b.InfoLink)
		out.PreviewLink = firstNonEmpty(out.PreviewLink, b.PreviewLink)
		out.PurchaseLink = firstNonEmpty(out.PurchaseLink, b.PurchaseLink)
		out.WebReaderLink = firstNonEmpty(out.WebReaderLink, b.WebReaderLink)
		out.CurrencyCode = firstNonEmpty(out.CurrencyCode, b.CurrencyCode)

		if out.PageCount == 0 {
			out.PageCount = b.PageCount
		}
		if out.EditionNumber == 0 {
			out.EditionNumber = b.EditionNumber
		}
		if out.AverageRating == 0 {
			out.AverageRating = b.AverageRating
			out.RatingsCount = b.RatingsCount
		}
		if out.ListPrice == 0 {
			out.ListPrice = b.ListPrice
		}
		out.PDFAvailable = out.PDFAvailable || b.PDFAvailable
		out.EpubAvailable = out.EpubAvailable || b.EpubAvailable

		for _, a := range b.Authors {
			if a = strings.TrimSpace(a); a != "" && authors.add(a) {
				out.Authors = append(out.Authors, a)
			}
		}
		for _, cat := range b.Categories {
			if cat = strings.TrimSpace(cat); cat != "" && categories.add(cat) {
				out.Categories = append(out.Categories, cat)
			}
		}
		for k, v := range b.Qualifiers {
			out.Qualifiers[k] = v
		}
	}

	// A legacy ID that isn't a UUID can't ride along as the canonical ID.
	if classify(out.ID) != idCanonical {
		out.ID = ""
	}
	return out
}
