package internal

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusCoverHandlersRunSynchronously(t *testing.T) {
	t.Parallel()
	bus := NewBus()

	var got []BookCoverUpdated
	bus.OnCoverUpdated(func(_ context.Context, ev BookCoverUpdated) {
		got = append(got, ev)
	})
	bus.OnCoverUpdated(func(_ context.Context, ev BookCoverUpdated) {
		got = append(got, ev)
	})

	bus.PublishCoverUpdated(context.Background(), BookCoverUpdated{BookID: "b1", CoverURL: "u"})
	assert.Len(t, got, 2, "every handler sees the event")
}

func TestBusResultsDeliveredInOrderWithoutLoss(t *testing.T) {
	t.Parallel()
	bus := NewBus()

	stream := bus.Subscribe("hash")
	defer stream.Close()

	const n = 100
	for i := range n {
		bus.PublishResults(SearchResultsUpdated{QueryHash: "hash", CumulativeCount: i + 1})
	}

	for i := range n {
		select {
		case ev := <-stream.Results():
			require.Equal(t, i+1, ev.CumulativeCount, "ordered, lossless delivery")
		case <-time.After(2 * time.Second):
			t.Fatalf("missing result %d", i+1)
		}
	}
}

func TestBusProgressDropsOldestWhenSlow(t *testing.T) {
	t.Parallel()
	bus := NewBus()

	stream := bus.Subscribe("hash")
	defer stream.Close()

	// Publish twice the buffer without consuming anything.
	total := 2 * _progressBuffer
	for i := range total {
		bus.PublishProgress(SearchProgress{QueryHash: "hash", Message: fmt.Sprintf("%d", i)})
	}

	var got []string
drain:
	for {
		select {
		case ev := <-stream.Progress():
			got = append(got, ev.Message)
		default:
			break drain
		}
	}

	require.Len(t, got, _progressBuffer)
	// The newest event always survives; the oldest were discarded.
	assert.Equal(t, fmt.Sprintf("%d", total-1), got[len(got)-1])
	assert.NotEqual(t, "0", got[0])
}

func TestBusIsolatesQueryHashes(t *testing.T) {
	t.Parallel()
	bus := NewBus()

	a := bus.Subscribe("a")
	defer a.Close()
	b := bus.Subscribe("b")
	defer b.Close()

	bus.PublishProgress(SearchProgress{QueryHash: "a", Stage: StageComplete})

	select {
	case ev := <-a.Progress():
		assert.Equal(t, StageComplete, ev.Stage)
	case <-time.After(time.Second):
		t.Fatal("subscriber a got nothing")
	}
	select {
	case ev := <-b.Progress():
		t.Fatalf("subscriber b leaked event %v", ev)
	default:
	}
}

func TestBusSubscribeAndClose(t *testing.T) {
	t.Parallel()
	bus := NewBus()

	s1 := bus.Subscribe("hash")
	s2 := bus.Subscribe("hash")
	assert.Equal(t, 2, bus.Subscribers("hash"))

	s1.Close()
	s1.Close() // idempotent
	assert.Equal(t, 1, bus.Subscribers("hash"))

	s2.Close()
	assert.Zero(t, bus.Subscribers("hash"))

	// Publishing to a hash with no streams is a no-op.
	bus.PublishResults(SearchResultsUpdated{QueryHash: "hash"})
	bus.PublishProgress(SearchProgress{QueryHash: "hash"})

	// A closed stream's results channel drains and closes.
	_, ok := <-s1.Results()
	assert.False(t, ok)
}

func TestBusPublishRacingCloseDoesNotPanic(t *testing.T) {
	t.Parallel()
	bus := NewBus()

	// Deterministic half of the race: a publisher holding a pre-Close
	// snapshot delivers into an already closed stream.
	s := bus.Subscribe("dune")
	s.Close()
	s.deliverResults(SearchResultsUpdated{QueryHash: "dune"})
	s.deliverProgress(SearchProgress{QueryHash: "dune", Stage: StageSearching})

	// And the concurrent version.
	var wg sync.WaitGroup
	for range 200 {
		sub := bus.Subscribe("dune")
		go func() {
			for range sub.Results() {
			}
		}()
		wg.Add(2)
		go func() {
			defer wg.Done()
			bus.PublishProgress(SearchProgress{QueryHash: "dune", Stage: StageSearching})
			bus.PublishResults(SearchResultsUpdated{QueryHash: "dune", CumulativeCount: 1})
		}()
		go func() {
			defer wg.Done()
			sub.Close()
		}()
	}
	wg.Wait()
	assert.Zero(t, bus.Subscribers("dune"))
}
