package internal

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// queryHash folds the normalized query and its filters into a stable key.
// Queries differing only in whitespace or case share a hash.
func queryHash(query, language, orderBy string) string {
	h := fnv.New64a()
	_, _ = io.WriteString(h, strings.ToLower(strings.Join(strings.Fields(query), " ")))
	_, _ = io.WriteString(h, "\x00"+language)
	_, _ = io.WriteString(h, "\x00"+orderBy)
	return strconv.FormatUint(h.Sum64(), 16)
}

// SearchRequest describes one search invocation.
type SearchRequest struct {
	Query    string
	Language string
	OrderBy  string
	Limit    int

	// BypassExternal serves purely from the relational tier with no
	// background enrichment.
	BypassExternal bool
}

// SearchResponse is the immediate answer. HasMore signals that a background
// job may deliver more rows over the bus under QueryHash.
type SearchResponse struct {
	QueryHash string
	Books     []*Book
	HasMore   bool
}

// SearchEngine answers searches from cached rows immediately and enriches
// them in the background, alternating providers under the breaker.
type SearchEngine struct {
	fetcher *Fetcher
	volumes volumeAPI
	bib     bibliographicAPI
	breaker *Breaker
	bus     *Bus
	metrics *searchMetrics

	// baseCtx scopes background jobs to the process, not the request.
	baseCtx context.Context

	counter atomic.Uint64

	mu     sync.Mutex
	active map[string]struct{}
}

// NewSearchEngine creates the engine. Background jobs stop when ctx is
// cancelled.
func NewSearchEngine(ctx context.Context, fetcher *Fetcher, volumes volumeAPI, bib bibliographicAPI, breaker *Breaker, bus *Bus, metrics *searchMetrics) *SearchEngine {
	return &SearchEngine{
		fetcher: fetcher,
		volumes: volumes,
		bib:     bib,
		breaker: breaker,
		bus:     bus,
		metrics: metrics,
		baseCtx: ctx,
		active:  map[string]struct{}{},
	}
}

// Search returns relational rows immediately. Unless bypassed, it also
// ensures exactly one background job per query hash is running; concurrent
// callers join the existing job's event stream.
func (e *SearchEngine) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}
	hash := queryHash(req.Query, req.Language, req.OrderBy)

	books, err := e.fetcher.SearchRelational(ctx, req.Query, req.Language, req.Limit)
	if err != nil {
		Log(ctx).Warn("problem searching relational tier", "queryHash", hash, "err", err)
		books = nil
	}

	if req.BypassExternal {
		return &SearchResponse{QueryHash: hash, Books: books, HasMore: false}, nil
	}

	e.bus.PublishProgress(SearchProgress{QueryHash: hash, Stage: StageStarting})

	if e.begin(hash) {
		e.metrics.jobStarted()
		go e.run(hash, req)
	} else {
		e.metrics.joinedInc()
	}

	return &SearchResponse{QueryHash: hash, Books: books, HasMore: true}, nil
}

// begin registers the job and reports whether this caller owns it.
func (e *SearchEngine) begin(hash string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.active[hash]; ok {
		return false
	}
	e.active[hash] = struct{}{}
	return true
}

func (e *SearchEngine) end(hash string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, hash)
}

// Active reports whether a background job is running for the hash.
func (e *SearchEngine) Active(hash string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[hash]
	return ok
}

// run is the background job: primary provider first, secondary if the quota
// isn't met, dedupe throughout, events on every transition.
func (e *SearchEngine) run(hash string, req SearchRequest) {
	ctx := withRequestID(e.baseCtx, "search-"+hash)
	defer func() {
		e.end(hash)
		e.metrics.jobFinished()
	}()

	seen := newSet[string]()
	cumulative := 0
	var failure error

	// Rows the caller already has don't get re-announced.
	if existing, err := e.fetcher.SearchRelational(ctx, req.Query, req.Language, req.Limit); err == nil {
		for _, b := range existing {
			seen.add(b.ID)
			cumulative++
		}
	}

	found, err := e.searchPrimary(ctx, hash, req, seen, &cumulative)
	if err != nil {
		failure = err
	}

	if ctx.Err() == nil && found < req.Limit {
		if err := e.searchSecondary(ctx, hash, req, seen, &cumulative); err != nil && failure == nil {
			failure = err
		}
	}

	switch {
	case ctx.Err() != nil:
		e.bus.PublishProgress(SearchProgress{QueryHash: hash, Stage: StageError, Message: "cancelled"})
	case failure != nil && cumulative == 0:
		e.bus.PublishProgress(SearchProgress{QueryHash: hash, Stage: StageError, Message: failure.Error()})
	default:
		e.bus.PublishProgress(SearchProgress{QueryHash: hash, Stage: StageComplete})
	}
}

// searchPrimary queries the volumes API, alternating authenticated and
// unauthenticated invocations so quota drains evenly.
func (e *SearchEngine) searchPrimary(ctx context.Context, hash string, req SearchRequest, seen set[string], cumulative *int) (int, error) {
	if e.volumes == nil {
		return 0, nil
	}
	if e.breaker != nil && !e.breaker.IsAllowed(ProviderPrimary) {
		e.bus.PublishProgress(SearchProgress{QueryHash: hash, Stage: StageRateLimited, Provider: ProviderPrimary})
		return 0, nil
	}

	e.bus.PublishProgress(SearchProgress{QueryHash: hash, Stage: StageSearching, Provider: ProviderPrimary})

	authenticated := e.counter.Add(1)%2 == 0
	raw, err := e.volumes.SearchVolumes(ctx, req.Query, 0, req.OrderBy, req.Language, authenticated)
	e.reportProvider(ProviderPrimary, err)
	if err != nil {
		if errors.Is(err, errNotFound) {
			return 0, nil
		}
		return 0, err
	}

	var page struct {
		Items []json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(raw, &page); err != nil {
		return 0, errors.Join(errParse, err)
	}

	delta := make([]*Book, 0, len(page.Items))
	for _, item := range page.Items {
		if ctx.Err() != nil {
			return len(delta), ctx.Err()
		}
		book, err := e.fetcher.PersistSearchResult(ctx, payload{Source: SourcePrimary, Raw: item})
		if err != nil {
			continue
		}
		if seen.add(book.ID) {
			delta = append(delta, book)
		}
	}

	if len(delta) > 0 {
		*cumulative += len(delta)
		e.bus.PublishResults(SearchResultsUpdated{
			QueryHash:       hash,
			Delta:           delta,
			Source:          SourcePrimary,
			CumulativeCount: *cumulative,
		})
	}
	return len(delta), nil
}

// searchSecondary runs a title search on the bibliographic source, then
// hydrates each hit through its ISBN record.
func (e *SearchEngine) searchSecondary(ctx context.Context, hash string, req SearchRequest, seen set[string], cumulative *int) error {
	if e.bib == nil {
		return nil
	}
	if e.breaker != nil && !e.breaker.IsAllowed(ProviderSecondary) {
		e.bus.PublishProgress(SearchProgress{QueryHash: hash, Stage: StageRateLimited, Provider: ProviderSecondary})
		return nil
	}

	e.bus.PublishProgress(SearchProgress{QueryHash: hash, Stage: StageSearching, Provider: ProviderSecondary})

	raw, err := e.bib.SearchTitles(ctx, req.Query, req.Limit)
	e.reportProvider(ProviderSecondary, err)
	if err != nil {
		if errors.Is(err, errNotFound) {
			return nil
		}
		return err
	}

	var page struct {
		Docs []struct {
			ISBN []string `json:"isbn"`
		} `json:"docs"`
	}
	if err := json.Unmarshal(raw, &page); err != nil {
		return errors.Join(errParse, err)
	}

	var delta []*Book
	for _, doc := range page.Docs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		isbn := firstValidISBN(doc.ISBN)
		if isbn == "" {
			continue
		}
		record, err := e.bib.FetchByISBN(ctx, isbn)
		e.reportProvider(ProviderSecondary, err)
		if err != nil {
			continue
		}
		book, err := e.fetcher.PersistSearchResult(ctx, payload{Source: SourceSecondary, Raw: record})
		if err != nil {
			continue
		}
		if seen.add(book.ID) {
			delta = append(delta, book)
		}
	}

	if len(delta) > 0 {
		*cumulative += len(delta)
		e.bus.PublishResults(SearchResultsUpdated{
			QueryHash:       hash,
			Delta:           delta,
			Source:          SourceSecondary,
			CumulativeCount: *cumulative,
		})
	}
	return nil
}

// reportProvider mirrors the fetcher's breaker feedback: transient failures
// count against the provider, any other answer releases a half-open probe.
func (e *SearchEngine) reportProvider(provider string, err error) {
	if e.breaker == nil {
		return
	}
	if err != nil && transient(err) {
		e.breaker.ReportFailure(provider)
		return
	}
	e.breaker.ReportSuccess(provider)
}

// firstValidISBN prefers ISBN-13s over ISBN-10s.
func firstValidISBN(isbns []string) string {
	var fallback string
	for _, raw := range isbns {
		isbn := sanitizeISBN(raw)
		if validISBN13(isbn) {
			return isbn
		}
		if fallback == "" && validISBN10(isbn) {
			fallback = isbn
		}
	}
	return fallback
}
