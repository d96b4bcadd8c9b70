package msgqueue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirelabs/coda/pkg/provider"
)

func TestFIFOOrder(t *testing.T) {
	var mu sync.Mutex
	var processed []string
	done := make(chan struct{}, 3)

	q := New(func(ctx context.Context, msg Message, emit func(delta string)) (string, error) {
		mu.Lock()
		processed = append(processed, msg.Content)
		mu.Unlock()
		return "ok", nil
	}, Callbacks{
		OnComplete: func(msg Message, response string) { done <- struct{}{} },
	}, zerolog.Nop())

	q.Enqueue("first", nil, false)
	q.Enqueue("second", nil, false)
	q.Enqueue("third", nil, false)

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for queue to drain")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second", "third"}, processed)
}

func TestMessageIDFormat(t *testing.T) {
	q := New(func(ctx context.Context, msg Message, emit func(delta string)) (string, error) {
		return "", nil
	}, Callbacks{}, zerolog.Nop())

	a := q.Enqueue("one", nil, false)
	b := q.Enqueue("two", nil, false)

	assert.True(t, strings.HasPrefix(a.ID, "msg_1_"))
	assert.True(t, strings.HasPrefix(b.ID, "msg_2_"))
	assert.NotEqual(t, a.ID, b.ID)
}

func TestPlanModeSnapshotAtEnqueue(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var got []bool
	var mu sync.Mutex
	done := make(chan struct{}, 2)

	q := New(func(ctx context.Context, msg Message, emit func(delta string)) (string, error) {
		mu.Lock()
		got = append(got, msg.PlanMode)
		mu.Unlock()
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return "", nil
	}, Callbacks{
		OnComplete: func(msg Message, response string) { done <- struct{}{} },
	}, zerolog.Nop())

	q.Enqueue("while in plan mode", nil, true)
	<-started
	// The mode the user toggles to later must not affect the waiting
	// message; its snapshot was taken above.
	q.Enqueue("still plan mode snapshot", nil, true)
	close(release)

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, true}, got)
}

func TestLenCountsWaitingMessages(t *testing.T) {
	started := make(chan struct{})
	q := New(func(ctx context.Context, msg Message, emit func(delta string)) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}, Callbacks{}, zerolog.Nop())

	q.Enqueue("in flight", nil, false)
	<-started
	q.Enqueue("waiting one", nil, false)
	q.Enqueue("waiting two", nil, false)

	assert.Equal(t, 2, q.Len())
	assert.True(t, q.Busy())

	q.Stop()
}

func TestStopClearsBacklogAndCancelsInFlight(t *testing.T) {
	started := make(chan struct{})
	finished := make(chan struct{})
	var callbackFired bool
	var mu sync.Mutex

	q := New(func(ctx context.Context, msg Message, emit func(delta string)) (string, error) {
		close(started)
		<-ctx.Done()
		close(finished)
		return "partial", provider.ErrCancelled
	}, Callbacks{
		OnComplete: func(msg Message, response string) {
			mu.Lock()
			callbackFired = true
			mu.Unlock()
		},
		OnError: func(msg Message, err error) {
			mu.Lock()
			callbackFired = true
			mu.Unlock()
		},
	}, zerolog.Nop())

	q.Enqueue("in flight", nil, false)
	<-started
	q.Enqueue("never runs", nil, false)
	q.Enqueue("never runs either", nil, false)

	result := q.Stop()
	assert.Equal(t, 2, result.Discarded)
	assert.True(t, result.CancelledInFlight)

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight processor was not cancelled")
	}

	// Give the drain loop a beat to run callbacks if it was going to.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.False(t, callbackFired)
	assert.Zero(t, q.Len())
}

func TestErrorCallbackFiresForRealFailures(t *testing.T) {
	errs := make(chan error, 1)
	q := New(func(ctx context.Context, msg Message, emit func(delta string)) (string, error) {
		return "", errors.New("provider exploded")
	}, Callbacks{
		OnError: func(msg Message, err error) { errs <- err },
	}, zerolog.Nop())

	q.Enqueue("boom", nil, false)

	select {
	case err := <-errs:
		assert.Contains(t, err.Error(), "provider exploded")
	case <-time.After(2 * time.Second):
		t.Fatal("error callback never fired")
	}
}

func TestCancellationNeverHitsErrorCallback(t *testing.T) {
	done := make(chan struct{}, 1)
	var errorFired bool
	var mu sync.Mutex

	q := New(func(ctx context.Context, msg Message, emit func(delta string)) (string, error) {
		if msg.Content == "cancelled" {
			return "", provider.ErrCancelled
		}
		return "ok", nil
	}, Callbacks{
		OnComplete: func(msg Message, response string) { done <- struct{}{} },
		OnError: func(msg Message, err error) {
			mu.Lock()
			errorFired = true
			mu.Unlock()
		},
	}, zerolog.Nop())

	q.Enqueue("cancelled", nil, false)
	q.Enqueue("normal", nil, false)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("queue did not keep draining after a cancelled turn")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, errorFired)
}

func TestChunksForwardedWhileRunning(t *testing.T) {
	var mu sync.Mutex
	var deltas []string
	done := make(chan struct{}, 1)

	q := New(func(ctx context.Context, msg Message, emit func(delta string)) (string, error) {
		emit("hel")
		emit("lo")
		return "hello", nil
	}, Callbacks{
		OnChunk:    func(msg Message, delta string) { mu.Lock(); deltas = append(deltas, delta); mu.Unlock() },
		OnComplete: func(msg Message, response string) { done <- struct{}{} },
	}, zerolog.Nop())

	q.Enqueue("stream it", nil, false)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("turn never completed")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"hel", "lo"}, deltas)
}

func TestStopReportsPartialContent(t *testing.T) {
	streamed := make(chan struct{})
	finished := make(chan struct{})
	var mu sync.Mutex
	var afterStopChunks int

	q := New(func(ctx context.Context, msg Message, emit func(delta string)) (string, error) {
		emit("partial ans")
		close(streamed)
		<-ctx.Done()
		// A late delta racing the cancel must not reach the caller.
		emit("wer")
		close(finished)
		return "", provider.ErrCancelled
	}, Callbacks{
		OnChunk: func(msg Message, delta string) {
			mu.Lock()
			if delta == "wer" {
				afterStopChunks++
			}
			mu.Unlock()
		},
	}, zerolog.Nop())

	q.Enqueue("long answer", nil, false)
	<-streamed

	result := q.Stop()
	assert.True(t, result.CancelledInFlight)
	assert.Equal(t, "partial ans", result.Partial)

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight processor was not cancelled")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, afterStopChunks)
}

func TestOnStartFiresInOrder(t *testing.T) {
	var mu sync.Mutex
	var started []string
	done := make(chan struct{}, 2)

	q := New(func(ctx context.Context, msg Message, emit func(delta string)) (string, error) {
		return "ok", nil
	}, Callbacks{
		OnStart:    func(msg Message) { mu.Lock(); started = append(started, msg.Content); mu.Unlock() },
		OnComplete: func(msg Message, response string) { done <- struct{}{} },
	}, zerolog.Nop())

	q.Enqueue("first", nil, false)
	q.Enqueue("second", nil, false)

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second"}, started)
}

func TestNoChunkCallbackAfterStopReturns(t *testing.T) {
	var mu sync.Mutex
	stopped := false
	late := false
	emitting := make(chan struct{})
	finished := make(chan struct{})

	q := New(func(ctx context.Context, msg Message, emit func(delta string)) (string, error) {
		for i := 0; ctx.Err() == nil; i++ {
			if i == 0 {
				close(emitting)
			}
			emit("x")
		}
		close(finished)
		return "", provider.ErrCancelled
	}, Callbacks{
		OnChunk: func(msg Message, delta string) {
			mu.Lock()
			if stopped {
				late = true
			}
			mu.Unlock()
		},
	}, zerolog.Nop())

	q.Enqueue("spin", nil, false)
	<-emitting

	// Once Stop returns, not a single further chunk may reach the caller,
	// even with the processor still mid-emit on its own goroutine.
	q.Stop()
	mu.Lock()
	stopped = true
	mu.Unlock()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("processor did not observe cancellation")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, late)
}

func TestQueueUsableAfterStop(t *testing.T) {
	done := make(chan string, 1)
	q := New(func(ctx context.Context, msg Message, emit func(delta string)) (string, error) {
		return "ran " + msg.Content, nil
	}, Callbacks{
		OnComplete: func(msg Message, response string) { done <- response },
	}, zerolog.Nop())

	q.Stop()
	q.Enqueue("after stop", nil, false)

	select {
	case response := <-done:
		require.Equal(t, "ran after stop", response)
	case <-time.After(2 * time.Second):
		t.Fatal("queue dead after stop")
	}
}
