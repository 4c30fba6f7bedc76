package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c360studio/busd/internal/sqlstore"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	db, err := sqlstore.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db.DB)
}

func TestEnqueueAndGetPending(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	inserted, err := q.Enqueue(ctx, "msg-1", "QSYS-20260101-001", "agent-a", []byte(`{"hi":1}`))
	require.NoError(t, err)
	require.True(t, inserted)

	pending, err := q.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "msg-1", pending[0].MessageID)
	require.Equal(t, StatusPending, pending[0].Status)
}

func TestEnqueueRejectsDuplicate(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	inserted, err := q.Enqueue(ctx, "msg-1", "", "agent-a", []byte(`{}`))
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = q.Enqueue(ctx, "msg-1", "", "agent-a", []byte(`{}`))
	require.NoError(t, err)
	require.False(t, inserted)

	pending, err := q.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestMarkSentAndAcked(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "msg-1", "", "agent-a", []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, q.MarkSent(ctx, "msg-1"))
	require.NoError(t, q.MarkAcked(ctx, "msg-1"))

	pending, err := q.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestMarkNackedReschedulesThenDeadLetters(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "msg-1", "", "agent-a", []byte(`{}`))
	require.NoError(t, err)

	sendErr := errors.New("connection refused")
	for i := 0; i < MaxRetries; i++ {
		require.NoError(t, q.MarkNacked(ctx, "msg-1", sendErr))
	}

	dlq, err := q.GetDLQMessages(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, dlq, "should not be dead-lettered before exhausting retries")

	require.NoError(t, q.MarkNacked(ctx, "msg-1", sendErr))

	dlq, err = q.GetDLQMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dlq, 1)
	require.Equal(t, "msg-1", dlq[0].MessageID)
	require.Equal(t, MaxRetries, dlq[0].RetryCount)

	pending, err := q.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestMarkNackedFollowsBackoffSchedule(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "msg-1", "", "agent-a", []byte(`{}`))
	require.NoError(t, err)

	sendErr := errors.New("timeout")
	for k := 1; k <= MaxRetries; k++ {
		before := time.Now().UTC()
		require.NoError(t, q.MarkNacked(ctx, "msg-1", sendErr))

		msg, err := q.Get(ctx, "msg-1")
		require.NoError(t, err)
		require.Equal(t, StatusNacked, msg.Status)
		require.Equal(t, k, msg.RetryCount)
		require.True(t, msg.NextRetryAt.Valid)

		nextRetryAt, err := ParseTime(msg.NextRetryAt.String)
		require.NoError(t, err)
		wantDelay := RetryDelays[min(k, len(RetryDelays)-1)]
		require.WithinDuration(t, before.Add(wantDelay), nextRetryAt, 2*time.Second)
	}

	dlq, err := q.GetDLQMessages(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, dlq, "should still be retryable after exactly MaxRetries failures")

	require.NoError(t, q.MarkNacked(ctx, "msg-1", sendErr))
	dlq, err = q.GetDLQMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dlq, 1)
	require.Equal(t, MaxRetries, dlq[0].RetryCount)
}

func TestReplayDLQMessage(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "msg-1", "", "agent-a", []byte(`{"x":1}`))
	require.NoError(t, err)
	sendErr := errors.New("boom")
	for i := 0; i < MaxRetries+1; i++ {
		require.NoError(t, q.MarkNacked(ctx, "msg-1", sendErr))
	}

	require.NoError(t, q.ReplayDLQMessage(ctx, "msg-1"))

	dlq, err := q.GetDLQMessages(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, dlq)

	pending, err := q.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, 0, pending[0].RetryCount)
}
