// Package subscriber implements the lane subscribers: long-running
// consumers that drain their own fan-out lane from the durable queue,
// apply side effects, and ack/nack with error reasons.
package subscriber

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/busd/internal/bus"
	"github.com/c360studio/busd/internal/queue"
)

// Handler processes one decoded event for a lane, returning an error if the
// message should be nacked.
type Handler func(ctx context.Context, e *bus.Event) error

// Loop polls a single lane for pending messages and dispatches them to
// Handle, acking on success and nacking (with backoff/DLQ per
// internal/queue's fixed schedule) on failure.
type Loop struct {
	Lane     bus.Lane
	Queue    *queue.Queue
	Handle   Handler
	Interval time.Duration
	Log      *slog.Logger
}

// NewLoop constructs a Loop with the default one-second poll interval.
func NewLoop(lane bus.Lane, q *queue.Queue, handle Handler, log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	return &Loop{Lane: lane, Queue: q, Handle: handle, Interval: time.Second, Log: log}
}

// Run polls until ctx is cancelled, draining up to batchSize pending
// messages addressed to this lane on every tick.
func (l *Loop) Run(ctx context.Context, batchSize int) error {
	ticker := time.NewTicker(l.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := l.drain(ctx, batchSize); err != nil {
				l.Log.Error("subscriber drain failed", "lane", l.Lane, "error", err)
			}
		}
	}
}

// Drain processes one batch and returns after a single pass, for callers
// (tests, or a manual admin trigger) that want synchronous draining
// without running the ticking Run loop.
func (l *Loop) Drain(ctx context.Context, batchSize int) error {
	return l.drain(ctx, batchSize)
}

func (l *Loop) drain(ctx context.Context, batchSize int) error {
	msgs, err := l.Queue.GetPendingMessages(ctx, batchSize)
	if err != nil {
		return fmt.Errorf("get pending messages: %w", err)
	}

	for _, msg := range msgs {
		if msg.ToAgent != string(l.Lane) {
			continue
		}

		var e bus.Event
		if err := json.Unmarshal(msg.Payload, &e); err != nil {
			if nackErr := l.Queue.MarkNacked(ctx, msg.MessageID, fmt.Errorf("decode event: %w", err)); nackErr != nil {
				return nackErr
			}
			continue
		}

		if err := l.Handle(ctx, &e); err != nil {
			if nackErr := l.Queue.MarkNacked(ctx, msg.MessageID, err); nackErr != nil {
				return nackErr
			}
			continue
		}
		if err := l.Queue.MarkAcked(ctx, msg.MessageID); err != nil {
			return err
		}
	}
	return nil
}

// ErrUnhandledEventType is returned by a Handler that receives an event
// type it doesn't recognize; handlers that want metrics events acked as
// no-ops simply return nil instead.
var ErrUnhandledEventType = errors.New("subscriber: unhandled event type")
