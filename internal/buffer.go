package internal

import (
	"sync"
	"sync/atomic"
)

type bbuffer[T any] interface {
	peek() (T, bool)
	pop() T
	push(T)
	len() int
}

// accumulate reads values produced by the consumer into an in-memory buffer. A
// channel is returned which provides those buffered values for consumption.
//
// This is helpful for smoothing out spikes in activity. Without this we could
// have tens of thousands of idle goroutines, at which point the scheduler can
// eat up CPU trying to find something to run.
func accumulate[T any](producer <-chan T, buf bbuffer[T]) <-chan T {
	c := make(chan T)

	go func() {
		for {
			// If our buffer is empty our consumer<- will just no-op until
			// something is produced.
			var consumer chan T
			var next T
			if t, ok := buf.peek(); ok {
				consumer = c
				next = t
			}

			// Either buffer the next produced element, or pass a buffered
			// entry down to the consumer.
			select {
			case val, ok := <-producer:
				if !ok {
					close(c)
					return
				}
				buf.push(val)
			case consumer <- next:
				_ = buf.pop()
			}
		}
	}()

	return c
}

// slicebuffer is a simple slice buffer. It is not thread safe.
type slicebuffer[T any] []T

//nolint:unused // Linter seems confused by generics.
func (s *slicebuffer[T]) pop() T {
	ss := (*s)[0]
	*s = (*s)[1:]
	return ss
}

//nolint:unused // Linter seems confused by generics.
func (s *slicebuffer[T]) push(t T) {
	if s == nil {
		s = &slicebuffer[T]{}
	}
	*s = append(*s, t)
}

//nolint:unused // Linter seems confused by generics.
func (s *slicebuffer[T]) peek() (T, bool) {
	if s == nil || len(*s) == 0 {
		var t T
		return t, false
	}
	return (*s)[0], true
}

//nolint:unused // Linter seems confused by generics.
func (s *slicebuffer[T]) len() int {
	return len(*s)
}

// viewEvent is one pending view-count increment for a book.
type viewEvent struct {
	bookID string
	count  int
}

// viewbuf collects view events and coalesces repeat views of the same book
// while they wait to be flushed, so a hot book costs one row write per flush
// instead of one per request.
type viewbuf struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*viewEvent
	pending map[string]*viewEvent
	size    atomic.Int32
}

// push enqueues a view of the book. If a view of the same book is already
// waiting, the counts are merged.
func (b *viewbuf) push(e viewEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pending == nil {
		b.pending = map[string]*viewEvent{}
	}
	if b.cond == nil {
		b.cond = sync.NewCond(&b.mu)
	}
	if e.count == 0 {
		e.count = 1
	}

	if existing, ok := b.pending[e.bookID]; ok {
		existing.count += e.count
	} else {
		b.pending[e.bookID] = &e
		b.queue = append(b.queue, &e)
	}
	b.size.Add(int32(e.count))
	b.cond.Signal()
}

// peek returns the next element if there is one, or false if there isn't.
func (b *viewbuf) peek() (viewEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.queue) == 0 {
		return viewEvent{}, false
	}
	return *b.queue[0], true
}

// pop returns the next event in FIFO order, or blocks until one is
// available.
func (b *viewbuf) pop() viewEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cond == nil {
		b.cond = sync.NewCond(&b.mu)
	}

	for len(b.queue) == 0 {
		b.cond.Wait()
	}

	e := b.queue[0]
	b.queue = b.queue[1:]
	delete(b.pending, e.bookID)
	b.size.Add(-int32(e.count))

	return *e
}

// len returns the number of views currently waiting in the buffer.
func (b *viewbuf) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return int(b.size.Load())
}
