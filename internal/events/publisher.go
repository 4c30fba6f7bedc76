// Package events implements the event publisher: an append-only JetStream
// KV event store (one document per event_id) plus fan-out into the durable
// queue, one row per subscriber lane. Keeping the lane fan-out in the same
// queue as agent messages gives both the identical retry/DLQ/dedupe
// semantics.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/busd/internal/bus"
	"github.com/c360studio/busd/internal/kvstore"
	"github.com/c360studio/busd/internal/queue"
	"github.com/c360studio/busd/internal/schema"
)

// BucketEvents is the JetStream KV bucket backing the append-only event
// store, keyed by event_id.
const BucketEvents = "BUSD_EVENTS"

// Publisher serializes events to the append-only store and fans them out
// to every subscriber lane via the durable queue.
type Publisher struct {
	store jetstream.KeyValue
	q     *queue.Queue
}

// NewPublisher opens (creating if necessary) the event store bucket and
// returns a Publisher that fans out through q.
func NewPublisher(ctx context.Context, js jetstream.JetStream, q *queue.Queue) (*Publisher, error) {
	store, err := kvstore.GetOrCreateBucket(ctx, js, BucketEvents, 1)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	return &Publisher{store: store, q: q}, nil
}

// PublishEvent validates, persists, and fans out event to every lane in
// bus.AllLanes. A single publisher's writes are observed by each lane in
// enqueue order; no ordering is guaranteed across lanes.
func (p *Publisher) PublishEvent(ctx context.Context, e *bus.Event) error {
	if e.EventID == "" {
		e.EventID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if err := schema.ValidateEvent(e); err != nil {
		return err
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := p.store.Put(ctx, e.EventID, data); err != nil {
		return fmt.Errorf("store event: %w", err)
	}

	for _, lane := range bus.AllLanes {
		msgID := e.LaneMessageID(lane)
		if _, err := p.q.Enqueue(ctx, msgID, e.CorrelationID, string(lane), data); err != nil {
			return fmt.Errorf("enqueue event for lane %s: %w", lane, err)
		}
	}
	return nil
}

func (p *Publisher) publishTyped(ctx context.Context, eventType bus.EventType, correlationID string, payload map[string]any, source string) (*bus.Event, error) {
	e := &bus.Event{Type: eventType, CorrelationID: correlationID, Payload: payload, Source: source}
	if err := p.PublishEvent(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// PublishTaskCreatedEvent assembles and publishes a TaskCreated event.
func (p *Publisher) PublishTaskCreatedEvent(ctx context.Context, taskID string, payload map[string]any, source string) (*bus.Event, error) {
	return p.publishTyped(ctx, bus.EventTaskCreated, taskID, payload, source)
}

// PublishTaskUpdatedEvent assembles and publishes a TaskUpdated event.
func (p *Publisher) PublishTaskUpdatedEvent(ctx context.Context, taskID string, payload map[string]any, source string) (*bus.Event, error) {
	return p.publishTyped(ctx, bus.EventTaskUpdated, taskID, payload, source)
}

// PublishSubtaskCompletedEvent assembles and publishes a SubtaskCompleted event.
func (p *Publisher) PublishSubtaskCompletedEvent(ctx context.Context, taskID string, payload map[string]any, source string) (*bus.Event, error) {
	return p.publishTyped(ctx, bus.EventSubtaskCompleted, taskID, payload, source)
}

// PublishVerdictEvent assembles and publishes a VerdictGenerated event.
func (p *Publisher) PublishVerdictEvent(ctx context.Context, taskID string, payload map[string]any, source string) (*bus.Event, error) {
	return p.publishTyped(ctx, bus.EventVerdictGenerated, taskID, payload, source)
}

// PublishPerfMetric assembles and publishes a PerfMetric event.
func (p *Publisher) PublishPerfMetric(ctx context.Context, payload map[string]any, source string) (*bus.Event, error) {
	return p.publishTyped(ctx, bus.EventPerfMetric, "", payload, source)
}

// PublishDevloopMetric assembles and publishes a DevloopMetric event.
func (p *Publisher) PublishDevloopMetric(ctx context.Context, payload map[string]any, source string) (*bus.Event, error) {
	return p.publishTyped(ctx, bus.EventDevloopMetric, "", payload, source)
}

// Get retrieves a previously published event by ID.
func (p *Publisher) Get(ctx context.Context, eventID string) (*bus.Event, error) {
	entry, err := p.store.Get(ctx, eventID)
	if err != nil {
		if kvstore.IsNotFound(err) {
			return nil, kvstore.ErrNotFound
		}
		return nil, fmt.Errorf("get event: %w", err)
	}
	var e bus.Event
	if err := json.Unmarshal(entry.Value(), &e); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	return &e, nil
}

// ListByCorrelation scans the event store for events whose correlation_id
// matches, oldest first, up to limit. The store is keyed by event_id, so
// this is a full-bucket scan; it serves the external ingress's per-task
// event listing and its create-response event lookup, both of which
// tolerate a directory-scan-shaped read.
func (p *Publisher) ListByCorrelation(ctx context.Context, correlationID string, limit int) ([]*bus.Event, error) {
	keys, err := p.store.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return nil, nil
		}
		return nil, fmt.Errorf("list event keys: %w", err)
	}

	var out []*bus.Event
	for _, key := range keys {
		e, err := p.Get(ctx, key)
		if err != nil {
			continue // Skip entries that fail to load
		}
		if e.CorrelationID != correlationID {
			continue
		}
		out = append(out, e)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
