package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Tier labels reported to metrics.
const (
	tierL1         = "l1"
	tierRelational = "relational"
	tierObject     = "object"
	tierProvider   = "provider"
	tierMiss       = "miss"
)

// cacheTTL returns the L1 lifetime with a fuzz factor, so entries written
// together don't expire together.
func cacheTTL() time.Duration {
	base := 24 * time.Hour
	fuzz := time.Duration(rand.Int64N(int64(2 * time.Hour)))
	return base + fuzz
}

// FetcherOpts carries the optional tiers and tunables. Nil store or objects
// disables that tier; the fetcher degrades instead of failing.
type FetcherOpts struct {
	Cache    cache[[]byte]
	Store    store
	Objects  *ObjectCache
	Volumes  volumeAPI
	Bib      bibliographicAPI
	Breaker  *Breaker
	Resolver *Resolver
	Bus      *Bus
	Metrics  *fetchMetrics
	Embedder Embedder

	// ExternalFallback gates the provider tier entirely.
	ExternalFallback bool
	// BypassCaches skips L1 and the object cache for reads, for debugging
	// stale data. Writes still happen.
	BypassCaches bool
}

// Fetcher orchestrates the tiered lookup: L1, relational, object cache,
// then providers. It is the only component that knows all tiers.
type Fetcher struct {
	cache    cache[[]byte]
	store    store
	objects  *ObjectCache
	volumes  volumeAPI
	bib      bibliographicAPI
	breaker  *Breaker
	resolver *Resolver
	bus      *Bus
	metrics  *fetchMetrics
	embedder Embedder

	externalFallback bool
	bypassCaches     bool

	group singleflight.Group
	locks *keymutex

	views     *viewbuf
	flushOnce sync.Once
}

// NewFetcher wires the tiers together and subscribes to cover updates so
// stale L1 entries are evicted when covers change.
func NewFetcher(opts FetcherOpts) *Fetcher {
	f := &Fetcher{
		cache:            opts.Cache,
		store:            opts.Store,
		objects:          opts.Objects,
		volumes:          opts.Volumes,
		bib:              opts.Bib,
		breaker:          opts.Breaker,
		resolver:         opts.Resolver,
		bus:              opts.Bus,
		metrics:          opts.Metrics,
		embedder:         opts.Embedder,
		externalFallback: opts.ExternalFallback,
		bypassCaches:     opts.BypassCaches,
		locks:            newKeymutex(),
		views:            &viewbuf{},
	}
	if f.bus != nil {
		f.bus.OnCoverUpdated(f.onCoverUpdated)
	}
	return f
}

// GetBook resolves any supported identifier to a canonical book, walking the
// tiers in order and warming the faster ones on the way back. Concurrent
// requests for the same identifier are coalesced into one lookup.
func (f *Fetcher) GetBook(ctx context.Context, identifier string) (*Book, error) {
	kind := classify(identifier)
	if kind == idUnknown {
		return nil, errBadRequest
	}
	if kind == idISBN13 || kind == idISBN10 {
		identifier = sanitizeISBN(identifier)
	}

	v, err, _ := f.group.Do(identifier, func() (any, error) {
		return f.getBook(ctx, identifier, kind)
	})
	if err != nil {
		return nil, err
	}
	book := v.(*Book)

	if f.store != nil {
		f.recordView(book.ID)
	}
	return book, nil
}

func (f *Fetcher) getBook(ctx context.Context, identifier string, kind idKind) (*Book, error) {
	// L1.
	if f.cache != nil && !f.bypassCaches && kind == idCanonical {
		if raw, ok := f.cache.Get(ctx, bookCacheKey(identifier)); ok {
			book, err := unmarshalBook(raw)
			if err == nil {
				f.metrics.tierHitInc(tierL1)
				return book, nil
			}
			_ = f.cache.Delete(ctx, bookCacheKey(identifier))
		}
	}

	// Relational.
	if f.store != nil {
		book, err := f.fetchRelational(ctx, identifier, kind)
		if err == nil {
			f.metrics.tierHitInc(tierRelational)
			f.warmL1(ctx, book)
			return book, nil
		}
		if !errors.Is(err, errNotFound) {
			Log(ctx).Warn("problem querying relational tier", "identifier", identifier, "err", err)
		}
	}

	// Object cache.
	if f.objects.Enabled() && !f.bypassCaches && kind == idCanonical {
		res := f.objects.Fetch(ctx, BookObjectKey(identifier))
		switch res.kind {
		case fetchSuccess:
			book, err := unmarshalBook(res.payload)
			if err != nil {
				Log(ctx).Warn("unparseable object blob", "identifier", identifier, "err", err)
			} else {
				f.metrics.tierHitInc(tierObject)
				f.warmRelational(ctx, book)
				f.warmL1(ctx, book)
				return book, nil
			}
		case fetchServiceError:
			Log(ctx).Warn("problem querying object tier", "identifier", identifier, "err", res.err)
		}
	}

	// Providers.
	if f.externalFallback {
		book, err := f.fetchExternal(ctx, identifier, kind)
		if err == nil {
			f.metrics.tierHitInc(tierProvider)
			return book, nil
		}
		if !errors.Is(err, errNotFound) {
			Log(ctx).Warn("problem querying providers", "identifier", identifier, "err", err)
		}
	}

	f.metrics.tierHitInc(tierMiss)
	return nil, errNotFound
}

// fetchRelational dispatches the lookup on the identifier's shape. ISBN
// misses also try the converted form before giving up.
func (f *Fetcher) fetchRelational(ctx context.Context, identifier string, kind idKind) (*Book, error) {
	switch kind {
	case idCanonical:
		return f.store.FetchByCanonicalID(ctx, identifier)
	case idISBN13:
		book, err := f.store.FetchByISBN13(ctx, identifier)
		if errors.Is(err, errNotFound) {
			if isbn10 := isbn13to10(identifier); isbn10 != "" {
				return f.store.FetchByISBN10(ctx, isbn10)
			}
		}
		return book, err
	case idISBN10:
		book, err := f.store.FetchByISBN10(ctx, identifier)
		if errors.Is(err, errNotFound) {
			if isbn13 := isbn10to13(identifier); isbn13 != "" {
				return f.store.FetchByISBN13(ctx, isbn13)
			}
		}
		return book, err
	case idSlug:
		return f.store.FetchBySlug(ctx, identifier)
	case idVolume:
		for _, src := range []Source{SourcePrimaryAuth, SourcePrimary, SourcePrimaryISBN} {
			book, err := f.store.FetchByExternalID(ctx, src, identifier)
			if err == nil {
				return book, nil
			}
			if !errors.Is(err, errNotFound) {
				return nil, err
			}
		}
	}
	return nil, errNotFound
}

// fetchExternal fans out to every provider endpoint applicable to the
// identifier, aggregates whatever came back, canonicalizes, and writes the
// result back through the tiers.
func (f *Fetcher) fetchExternal(ctx context.Context, identifier string, kind idKind) (*Book, error) {
	payloads := f.collectPayloads(ctx, identifier, kind)
	if len(payloads) == 0 {
		return nil, errNotFound
	}

	candidate, err := aggregate(payloads)
	if err != nil {
		return nil, fmt.Errorf("aggregating payloads: %w", err)
	}
	if candidate.Empty() {
		return nil, errNotFound
	}

	if f.resolver == nil || f.store == nil {
		// Cacheless mode still serves the merged result.
		if candidate.ID == "" {
			candidate.ID = mintCanonicalID()
		}
		return candidate, nil
	}

	canonicalID, _, err := f.resolver.Resolve(ctx, candidate)
	if err != nil {
		return nil, fmt.Errorf("resolving candidate: %w", err)
	}

	// Writes for the same book are serialized; different books proceed in
	// parallel.
	f.locks.Lock(canonicalID)
	defer f.locks.Unlock(canonicalID)

	f.embedDescription(ctx, candidate)
	book, err := f.resolver.Canonicalize(ctx, candidate, payloads)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing: %w", err)
	}

	f.writeBack(ctx, book)
	return book, nil
}

// collectPayloads runs the applicable provider fetches in parallel, gated by
// the breaker, and keeps whatever succeeded. Individual failures are logged
// and reported to the breaker; they never fail the fan-out.
func (f *Fetcher) collectPayloads(ctx context.Context, identifier string, kind idKind) []payload {
	var mu sync.Mutex
	var payloads []payload
	keep := func(p payload) {
		mu.Lock()
		defer mu.Unlock()
		payloads = append(payloads, p)
	}

	group, gctx := errgroup.WithContext(ctx)

	if kind == idVolume || kind == idCanonical {
		group.Go(func() error {
			f.fetchVolume(gctx, identifier, keep)
			return nil
		})
	}

	if kind == idISBN13 || kind == idISBN10 {
		group.Go(func() error {
			f.fetchPrimaryISBN(gctx, identifier, keep)
			return nil
		})
		group.Go(func() error {
			f.fetchSecondaryISBN(gctx, identifier, keep)
			return nil
		})
	}

	_ = group.Wait()
	return payloads
}

// fetchVolume tries the authenticated volume endpoint, then the
// unauthenticated one, keeping the first hit.
func (f *Fetcher) fetchVolume(ctx context.Context, id string, keep func(payload)) {
	if f.volumes == nil || (f.breaker != nil && !f.breaker.IsAllowed(ProviderPrimary)) {
		return
	}
	for _, attempt := range []struct {
		source        Source
		authenticated bool
	}{
		{SourcePrimaryAuth, true},
		{SourcePrimary, false},
	} {
		raw, err := f.volumes.FetchVolumeByID(ctx, id, attempt.authenticated)
		if err == nil {
			f.reportProvider(ProviderPrimary, nil)
			keep(payload{Source: attempt.source, Raw: raw})
			return
		}
		f.reportProvider(ProviderPrimary, err)
		if !errors.Is(err, errNotFound) {
			Log(ctx).Debug("volume fetch failed", "id", id, "authenticated", attempt.authenticated, "err", err)
		}
	}
}

func (f *Fetcher) fetchPrimaryISBN(ctx context.Context, isbn string, keep func(payload)) {
	if f.volumes == nil || (f.breaker != nil && !f.breaker.IsAllowed(ProviderPrimary)) {
		return
	}
	raw, err := f.volumes.FetchByISBN(ctx, isbn)
	f.reportProvider(ProviderPrimary, err)
	if err != nil {
		if !errors.Is(err, errNotFound) {
			Log(ctx).Debug("primary isbn fetch failed", "isbn", isbn, "err", err)
		}
		return
	}
	keep(payload{Source: SourcePrimaryISBN, Raw: raw})
}

func (f *Fetcher) fetchSecondaryISBN(ctx context.Context, isbn string, keep func(payload)) {
	if f.bib == nil || (f.breaker != nil && !f.breaker.IsAllowed(ProviderSecondary)) {
		return
	}
	raw, err := f.bib.FetchByISBN(ctx, isbn)
	f.reportProvider(ProviderSecondary, err)
	if err != nil {
		if !errors.Is(err, errNotFound) {
			Log(ctx).Debug("secondary isbn fetch failed", "isbn", isbn, "err", err)
		}
		return
	}
	keep(payload{Source: SourceSecondary, Raw: raw})
}

// reportProvider feeds the breaker. Every admitted request reports an
// outcome: only transient failures count against the provider, anything
// else is an answer and releases a pending half-open probe.
func (f *Fetcher) reportProvider(provider string, err error) {
	if f.breaker == nil {
		return
	}
	if err != nil && transient(err) {
		f.breaker.ReportFailure(provider)
		return
	}
	f.breaker.ReportSuccess(provider)
}

// embedDescription attaches a description embedding qualifier before the
// book is persisted, so similarity features have a vector to work with.
func (f *Fetcher) embedDescription(ctx context.Context, b *Book) {
	if f.embedder == nil || b.Description == "" {
		return
	}
	vec, err := f.embedder.Embed(ctx, b.Description)
	if err != nil {
		Log(ctx).Warn("problem embedding description", "bookID", b.ID, "err", err)
		return
	}
	if b.Qualifiers == nil {
		b.Qualifiers = map[string]any{}
	}
	b.Qualifiers["descriptionEmbedding"] = vec
}

// writeBack pushes a freshly canonicalized book out to the object cache, the
// sitemap and L1. All of it is best-effort.
func (f *Fetcher) writeBack(ctx context.Context, book *Book) {
	raw, err := marshalBook(book)
	if err != nil {
		Log(ctx).Warn("problem marshaling book", "bookID", book.ID, "err", err)
		return
	}

	if f.objects.Enabled() {
		authoritative, err := f.objects.WriteBack(ctx, book.ID, raw)
		if err != nil {
			Log(ctx).Warn("problem writing back blob", "bookID", book.ID, "err", err)
		} else {
			raw = authoritative
		}
		if err := f.objects.UpdateSitemap(ctx, book.ID); err != nil {
			Log(ctx).Warn("problem updating sitemap", "bookID", book.ID, "err", err)
		}
	}

	if f.cache != nil {
		f.cache.Set(ctx, bookCacheKey(book.ID), raw, cacheTTL())
	}
}

func (f *Fetcher) warmL1(ctx context.Context, book *Book) {
	if f.cache == nil || book.ID == "" {
		return
	}
	raw, err := marshalBook(book)
	if err != nil {
		return
	}
	f.cache.Set(ctx, bookCacheKey(book.ID), raw, cacheTTL())
}

func (f *Fetcher) warmRelational(ctx context.Context, book *Book) {
	if f.store == nil || book.ID == "" {
		return
	}
	f.locks.Lock(book.ID)
	defer f.locks.Unlock(book.ID)
	if err := f.store.UpsertBook(ctx, book); err != nil {
		Log(ctx).Warn("problem warming relational tier", "bookID", book.ID, "err", err)
	}
}

// SearchRelational serves search from the relational tier only.
func (f *Fetcher) SearchRelational(ctx context.Context, query, language string, limit int) ([]*Book, error) {
	if f.store == nil {
		return nil, nil
	}
	return f.store.SearchBooks(ctx, query, language, limit)
}

// PersistSearchResult canonicalizes and persists one book discovered during
// a background search. The returned book has its identity settled.
func (f *Fetcher) PersistSearchResult(ctx context.Context, p payload) (*Book, error) {
	candidate, err := aggregate([]payload{p})
	if err != nil {
		return nil, err
	}
	if candidate.Empty() {
		return nil, errNotFound
	}
	if f.resolver == nil || f.store == nil {
		if candidate.ID == "" {
			candidate.ID = mintCanonicalID()
		}
		return candidate, nil
	}

	canonicalID, _, err := f.resolver.Resolve(ctx, candidate)
	if err != nil {
		return nil, err
	}
	f.locks.Lock(canonicalID)
	defer f.locks.Unlock(canonicalID)

	f.embedDescription(ctx, candidate)
	book, err := f.resolver.Canonicalize(ctx, candidate, []payload{p})
	if err != nil {
		return nil, err
	}
	f.writeBack(ctx, book)
	return book, nil
}

// onCoverUpdated evicts the cached entry and rewrites the stored cover URL.
func (f *Fetcher) onCoverUpdated(ctx context.Context, ev BookCoverUpdated) {
	if f.cache != nil {
		_ = f.cache.Expire(ctx, bookCacheKey(ev.BookID))
	}
	if f.store == nil {
		return
	}

	f.locks.Lock(ev.BookID)
	defer f.locks.Unlock(ev.BookID)

	book, err := f.store.FetchByCanonicalID(ctx, ev.BookID)
	if err != nil {
		if !errors.Is(err, errNotFound) {
			Log(ctx).Warn("problem loading book for cover update", "bookID", ev.BookID, "err", err)
		}
		return
	}
	book.CoverImageURL = ev.CoverURL
	if err := f.store.UpsertBook(ctx, book); err != nil {
		Log(ctx).Warn("problem persisting cover update", "bookID", ev.BookID, "err", err)
	}
	if err := f.store.UpsertImageLink(ctx, ev.BookID, ImagePreferred, ev.CoverURL, SourcePrimary); err != nil {
		Log(ctx).Warn("problem persisting cover link", "bookID", ev.BookID, "err", err)
	}
}

// recordView enqueues a view event, starting the flusher on first use.
func (f *Fetcher) recordView(bookID string) {
	if bookID == "" {
		return
	}
	f.flushOnce.Do(func() {
		go f.flushViews()
	})
	f.views.push(viewEvent{bookID: bookID})
}

// flushViews drains coalesced view events into the store. It runs for the
// life of the process.
func (f *Fetcher) flushViews() {
	ctx := context.Background()
	for {
		e := f.views.pop()
		for range e.count {
			if err := f.store.RecordView(ctx, e.bookID, SourcePrimary); err != nil {
				Log(ctx).Warn("problem recording view", "bookID", e.bookID, "err", err)
				break
			}
		}
	}
}

func marshalBook(b *Book) ([]byte, error) {
	return json.Marshal(b)
}

func unmarshalBook(raw []byte) (*Book, error) {
	var b Book
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, errors.Join(errParse, err)
	}
	if b.ID == "" && b.Title == "" {
		return nil, errParse
	}
	return &b, nil
}
