// Package msgqueue serializes user messages into a strict FIFO so exactly
// one turn mutates the session at a time. Messages submitted while a turn
// is running wait their turn; Stop discards the backlog and aborts the
// in-flight turn without surfacing the abort as an error.
package msgqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mirelabs/coda/internal/observability"
	"github.com/mirelabs/coda/pkg/provider"
)

// Message is one queued user turn. PlanMode is snapshotted at enqueue time
// so a later mode toggle cannot retroactively change how a waiting message
// will be processed.
type Message struct {
	ID         string
	Content    string
	Files      []string
	PlanMode   bool
	EnqueuedAt time.Time
}

// Processor runs one turn and returns the assistant's final content. It
// should call emit for every streamed content delta so the queue can track
// partial output for an aborted turn.
type Processor func(ctx context.Context, msg Message, emit func(delta string)) (string, error)

// Callbacks observe turn progress and outcomes. After Stop, nothing more
// fires for the aborted turn, chunks included.
type Callbacks struct {
	OnStart    func(msg Message)
	OnChunk    func(msg Message, delta string)
	OnComplete func(msg Message, response string)
	OnError    func(msg Message, err error)
}

// Queue is a single-consumer FIFO with one in-flight turn.
type Queue struct {
	processor Processor
	callbacks Callbacks
	logger    zerolog.Logger

	mu            sync.Mutex
	items         []Message
	counter       int64
	running       bool
	inFlight      *Message
	cancelCurrent context.CancelFunc
	suppress      bool
	partial       strings.Builder

	// emitMu serializes chunk delivery against Stop so that once Stop
	// returns, no further OnChunk can fire. Always acquired before mu.
	emitMu sync.Mutex
}

// New creates an idle queue.
func New(processor Processor, callbacks Callbacks, logger zerolog.Logger) *Queue {
	observability.EnsureRegistered()
	return &Queue{
		processor: processor,
		callbacks: callbacks,
		logger:    logger.With().Str("component", "msgqueue").Logger(),
	}
}

// Enqueue adds a message and starts the drain loop if idle. The returned
// Message carries the assigned id.
func (q *Queue) Enqueue(content string, files []string, planMode bool) Message {
	q.mu.Lock()
	q.counter++
	msg := Message{
		ID:         fmt.Sprintf("msg_%d_%d", q.counter, time.Now().UnixMilli()),
		Content:    content,
		Files:      files,
		PlanMode:   planMode,
		EnqueuedAt: time.Now(),
	}
	q.items = append(q.items, msg)
	observability.SetQueueDepth(len(q.items))
	start := !q.running
	if start {
		q.running = true
	}
	q.mu.Unlock()

	q.logger.Debug().Str("id", msg.ID).Bool("planMode", planMode).Msg("Message enqueued")
	if start {
		go q.drain()
	}
	return msg
}

// Len returns the number of messages waiting behind the in-flight turn.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Busy reports whether a turn is currently running.
func (q *Queue) Busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight != nil
}

// StopResult reports what Stop swept away. Partial holds whatever content
// the cancelled in-flight turn had streamed so far.
type StopResult struct {
	Discarded         int
	CancelledInFlight bool
	Partial           string
}

// Stop clears the backlog and cancels the in-flight turn. The cancelled
// turn's callbacks are suppressed; the queue stays usable for new messages.
func (q *Queue) Stop() StopResult {
	q.emitMu.Lock()
	defer q.emitMu.Unlock()
	q.mu.Lock()
	defer q.mu.Unlock()

	result := StopResult{Discarded: len(q.items)}
	q.items = nil
	observability.SetQueueDepth(0)
	if result.Discarded > 0 {
		observability.RecordQueueDiscarded(result.Discarded)
	}

	if q.cancelCurrent != nil {
		q.suppress = true
		result.CancelledInFlight = true
		result.Partial = q.partial.String()
		q.cancelCurrent()
	}

	q.logger.Info().
		Int("discarded", result.Discarded).
		Bool("cancelledInFlight", result.CancelledInFlight).
		Msg("Queue stopped")
	return result
}

// drain processes messages until the backlog is empty.
func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		msg := q.items[0]
		q.items = q.items[1:]
		observability.SetQueueDepth(len(q.items))

		ctx, cancel := context.WithCancel(context.Background())
		q.inFlight = &msg
		q.cancelCurrent = cancel
		q.suppress = false
		q.partial.Reset()
		q.mu.Unlock()

		if q.callbacks.OnStart != nil {
			q.emitMu.Lock()
			q.mu.Lock()
			suppressed := q.suppress
			q.mu.Unlock()
			if !suppressed {
				q.callbacks.OnStart(msg)
			}
			q.emitMu.Unlock()
		}

		response, err := q.processor(ctx, msg, func(delta string) {
			q.emitMu.Lock()
			defer q.emitMu.Unlock()
			q.mu.Lock()
			suppressed := q.suppress
			if !suppressed {
				q.partial.WriteString(delta)
			}
			q.mu.Unlock()
			if !suppressed && q.callbacks.OnChunk != nil {
				q.callbacks.OnChunk(msg, delta)
			}
		})

		q.mu.Lock()
		suppressed := q.suppress
		q.inFlight = nil
		q.cancelCurrent = nil
		q.suppress = false
		q.mu.Unlock()
		cancel()

		if suppressed {
			q.logger.Debug().Str("id", msg.ID).Msg("Turn aborted by stop")
			continue
		}
		if err != nil {
			// A cancelled turn is an outcome, not a failure.
			if isCancellation(err) {
				q.logger.Debug().Str("id", msg.ID).Msg("Turn cancelled")
				continue
			}
			q.logger.Error().Err(err).Str("id", msg.ID).Msg("Turn failed")
			if q.callbacks.OnError != nil {
				q.callbacks.OnError(msg, err)
			}
			continue
		}
		if q.callbacks.OnComplete != nil {
			q.callbacks.OnComplete(msg, response)
		}
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, provider.ErrCancelled)
}
