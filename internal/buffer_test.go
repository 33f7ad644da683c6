package internal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestViewbufCoalescesRepeatViews(t *testing.T) {
	t.Parallel()
	buf := &viewbuf{}

	buf.push(viewEvent{bookID: "a"})
	buf.push(viewEvent{bookID: "b"})
	buf.push(viewEvent{bookID: "a"})
	buf.push(viewEvent{bookID: "a"})

	assert.Equal(t, 4, buf.len(), "len counts views, not queue entries")

	e := buf.pop()
	assert.Equal(t, "a", e.bookID)
	assert.Equal(t, 3, e.count, "repeat views merged into one event")

	e = buf.pop()
	assert.Equal(t, "b", e.bookID)
	assert.Equal(t, 1, e.count)
	assert.Zero(t, buf.len())

	// Once popped, the book coalesces into a fresh event.
	buf.push(viewEvent{bookID: "a"})
	e = buf.pop()
	assert.Equal(t, 1, e.count)
}

func TestViewbufPopBlocksUntilPush(t *testing.T) {
	t.Parallel()
	buf := &viewbuf{}

	done := make(chan viewEvent)
	go func() {
		done <- buf.pop()
	}()

	select {
	case e := <-done:
		t.Fatalf("pop returned %v before anything was pushed", e)
	case <-time.After(20 * time.Millisecond):
	}

	buf.push(viewEvent{bookID: "a", count: 2})
	select {
	case e := <-done:
		assert.Equal(t, "a", e.bookID)
		assert.Equal(t, 2, e.count)
	case <-time.After(time.Second):
		t.Fatal("pop never woke up")
	}
}

func TestAccumulateSmoothsBursts(t *testing.T) {
	t.Parallel()

	in := make(chan int)
	out := accumulate(in, &slicebuffer[int]{})

	// A burst the consumer isn't reading yet never blocks the producer.
	for i := range 50 {
		in <- i
	}

	for i := range 50 {
		select {
		case v := <-out:
			require.Equal(t, i, v, "order preserved")
		case <-time.After(time.Second):
			t.Fatalf("missing element %d", i)
		}
	}

	close(in)
	_, ok := <-out
	assert.False(t, ok, "closing the producer closes the consumer")
}
