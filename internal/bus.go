package internal

import (
	"context"
	"sync"
)

// Search progress stages published over the bus.
const (
	StageStarting    = "STARTING"
	StageSearching   = "SEARCHING"
	StageRateLimited = "RATE_LIMITED"
	StageComplete    = "COMPLETE"
	StageError       = "ERROR"
)

// BookCoverUpdated announces a new cover URL for a book. Subscribers use it
// to invalidate caches.
type BookCoverUpdated struct {
	BookID   string
	CoverURL string
}

// SearchProgress reports background search lifecycle changes. Progress
// events are droppable: a slow subscriber loses the oldest ones.
type SearchProgress struct {
	QueryHash string
	Stage     string
	Provider  string
	Message   string
}

// SearchResultsUpdated delivers newly discovered books. These are never
// dropped and arrive in publish order per query hash.
type SearchResultsUpdated struct {
	QueryHash       string
	Delta           []*Book
	Source          Source
	CumulativeCount int
}

// Bus is the in-process publish/subscribe fabric. Cover handlers are
// registered at construction time; search streams come and go per query.
type Bus struct {
	mu            sync.RWMutex
	coverHandlers []func(context.Context, BookCoverUpdated)
	streams       map[string][]*SearchStream
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{streams: map[string][]*SearchStream{}}
}

// OnCoverUpdated registers a handler invoked for every cover event.
// Handlers run synchronously on the publisher's goroutine, so they must be
// cheap; anything slow should hand off.
func (b *Bus) OnCoverUpdated(fn func(context.Context, BookCoverUpdated)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.coverHandlers = append(b.coverHandlers, fn)
}

// PublishCoverUpdated fans the event out to all registered handlers.
func (b *Bus) PublishCoverUpdated(ctx context.Context, ev BookCoverUpdated) {
	b.mu.RLock()
	handlers := b.coverHandlers
	b.mu.RUnlock()
	for _, fn := range handlers {
		fn(ctx, ev)
	}
}

// _progressBuffer bounds the droppable progress channel per subscriber.
const _progressBuffer = 16

// SearchStream is one subscriber's view of a background search.
type SearchStream struct {
	queryHash string
	bus       *Bus

	progress  chan SearchProgress
	resultsIn chan SearchResultsUpdated
	results   <-chan SearchResultsUpdated

	// sendMu serializes delivery against Close: a publisher holding a
	// pre-Close snapshot must never send on a closed channel.
	sendMu    sync.Mutex
	closed    bool
	closeOnce sync.Once
}

// Progress returns the droppable progress channel.
func (s *SearchStream) Progress() <-chan SearchProgress {
	return s.progress
}

// Results returns the ordered, lossless results channel.
func (s *SearchStream) Results() <-chan SearchResultsUpdated {
	return s.results
}

// Close detaches the stream from the bus and closes its channels.
func (s *SearchStream) Close() {
	s.closeOnce.Do(func() {
		s.bus.detach(s)
		s.sendMu.Lock()
		s.closed = true
		close(s.resultsIn)
		close(s.progress)
		s.sendMu.Unlock()
	})
}

// deliverProgress queues the event, dropping the oldest queued one when the
// subscriber is full. A closed stream swallows the event.
func (s *SearchStream) deliverProgress(ev SearchProgress) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.progress <- ev:
			return
		default:
		}
		// Full: make room by discarding the oldest.
		select {
		case <-s.progress:
		default:
		}
	}
}

// deliverResults hands the event to the stream's accumulator, which never
// blocks on the subscriber.
func (s *SearchStream) deliverResults(ev SearchResultsUpdated) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return
	}
	s.resultsIn <- ev
}

// Subscribe attaches a new stream for the query hash. Result delivery is
// buffered through an accumulator so publishers never block on slow
// subscribers.
func (b *Bus) Subscribe(queryHash string) *SearchStream {
	s := &SearchStream{
		queryHash: queryHash,
		bus:       b,
		progress:  make(chan SearchProgress, _progressBuffer),
		resultsIn: make(chan SearchResultsUpdated),
	}
	s.results = accumulate(s.resultsIn, &slicebuffer[SearchResultsUpdated]{})

	b.mu.Lock()
	defer b.mu.Unlock()
	b.streams[queryHash] = append(b.streams[queryHash], s)
	return s
}

func (b *Bus) detach(s *SearchStream) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.streams[s.queryHash]
	for i, sub := range subs {
		if sub == s {
			b.streams[s.queryHash] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.streams[s.queryHash]) == 0 {
		delete(b.streams, s.queryHash)
	}
}

// PublishProgress delivers the event to every stream for the hash, dropping
// the oldest queued event when a subscriber is full.
func (b *Bus) PublishProgress(ev SearchProgress) {
	b.mu.RLock()
	subs := append([]*SearchStream{}, b.streams[ev.QueryHash]...)
	b.mu.RUnlock()

	for _, s := range subs {
		s.deliverProgress(ev)
	}
}

// PublishResults delivers the delta to every stream for the hash, in order.
func (b *Bus) PublishResults(ev SearchResultsUpdated) {
	b.mu.RLock()
	subs := append([]*SearchStream{}, b.streams[ev.QueryHash]...)
	b.mu.RUnlock()

	for _, s := range subs {
		s.deliverResults(ev)
	}
}

// Subscribers reports how many streams are attached for the hash.
func (b *Bus) Subscribers(queryHash string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.streams[queryHash])
}
