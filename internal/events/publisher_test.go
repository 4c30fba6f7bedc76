package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/c360studio/busd/internal/bus"
	"github.com/c360studio/busd/internal/natstest"
	"github.com/c360studio/busd/internal/queue"
	"github.com/c360studio/busd/internal/sqlstore"
)

func newTestPublisher(t *testing.T) *Publisher {
	t.Helper()
	ctx := context.Background()

	js := natstest.StartJetStream(t)
	db, err := sqlstore.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	pub, err := NewPublisher(ctx, js, queue.New(db.DB))
	require.NoError(t, err)
	return pub
}

func TestPublishEventFansOutToAllLanes(t *testing.T) {
	ctx := context.Background()
	pub := newTestPublisher(t)

	e, err := pub.PublishTaskCreatedEvent(ctx, "QSYS-20260101-001", map[string]any{"goal": "do it"}, "test")
	require.NoError(t, err)
	require.NotEmpty(t, e.EventID)

	pending, err := pub.q.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, len(bus.AllLanes))

	lanes := map[string]string{}
	for _, m := range pending {
		lanes[m.ToAgent] = m.MessageID
	}
	require.Equal(t, e.EventID, lanes[string(bus.LaneBoard)])
	require.Equal(t, e.EventID+"-orchestrator", lanes[string(bus.LaneOrchestrator)])
	require.Equal(t, e.EventID+"-aws", lanes[string(bus.LaneAWSBridge)])
}

func TestPublishEventPersistsToStore(t *testing.T) {
	ctx := context.Background()
	pub := newTestPublisher(t)

	_, err := pub.PublishPerfMetric(ctx, map[string]any{"latency_ms": 12}, "test")
	require.NoError(t, err)

	pending, err := pub.q.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, pending)

	stored, err := pub.Get(ctx, extractEventID(t, pending[0]))
	require.NoError(t, err)
	require.Equal(t, bus.EventPerfMetric, stored.Type)
}

func TestListByCorrelationReturnsMatchingEventsInOrder(t *testing.T) {
	ctx := context.Background()
	pub := newTestPublisher(t)

	_, err := pub.PublishTaskCreatedEvent(ctx, "QSYS-20260101-001", nil, "test")
	require.NoError(t, err)
	_, err = pub.PublishTaskUpdatedEvent(ctx, "QSYS-20260101-001", map[string]any{"status": "running"}, "test")
	require.NoError(t, err)
	_, err = pub.PublishTaskCreatedEvent(ctx, "QSYS-20260101-002", nil, "test")
	require.NoError(t, err)

	listed, err := pub.ListByCorrelation(ctx, "QSYS-20260101-001", 0)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	require.Equal(t, bus.EventTaskCreated, listed[0].Type)
	require.Equal(t, bus.EventTaskUpdated, listed[1].Type)
}

func extractEventID(t *testing.T, m queue.Message) string {
	t.Helper()
	var e bus.Event
	require.NoError(t, json.Unmarshal(m.Payload, &e))
	return e.EventID
}
