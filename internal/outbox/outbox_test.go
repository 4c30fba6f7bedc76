package outbox

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/c360studio/busd/internal/bus"
	"github.com/c360studio/busd/internal/convo"
	"github.com/c360studio/busd/internal/natstest"
	"github.com/c360studio/busd/internal/queue"
	"github.com/c360studio/busd/internal/registry"
	"github.com/c360studio/busd/internal/sqlstore"
)

func newTestOutbox(t *testing.T) (*Outbox, *registry.Registry, *queue.Queue) {
	t.Helper()
	ctx := context.Background()
	js := natstest.StartJetStream(t)

	reg := registry.New(filepath.Join(t.TempDir(), "agents.json"))
	_, err := reg.RegisterAgent("agent-a", "worker", "implementer", nil, 5, 1, nil, "")
	require.NoError(t, err)
	_, err = reg.RegisterAgent("agent-b", "worker", "reviewer", nil, 5, 2, nil, "")
	require.NoError(t, err)

	convoStore, err := convo.NewStore(ctx, js)
	require.NoError(t, err)

	db, err := sqlstore.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	q := queue.New(db.DB)
	mailDir := t.TempDir()
	ob, err := New(ctx, js, reg, convoStore, q, mailDir)
	require.NoError(t, err)
	return ob, reg, q
}

func validPayload(toDisplay string) map[string]any {
	return map[string]any{"message": "@" + toDisplay + " please take a look"}
}

func TestSendRequestRequiresRegisteredAgents(t *testing.T) {
	ob, _, _ := newTestOutbox(t)
	ctx := context.Background()

	_, err := ob.SendRequest(ctx, "QSYS-RESEARCH-v1__20260101", "agent-a", "unknown-agent", "ping",
		validPayload("unknown-agent#02"), bus.PriorityNormal, false, "", "reports/r.md", "logs/s.log", "artifacts/ev")
	require.ErrorIs(t, err, bus.ErrNotRegistered)
}

func TestApproveValidRequestSendsMessage(t *testing.T) {
	ob, reg, q := newTestOutbox(t)
	ctx := context.Background()

	toAgent, _ := reg.Get("agent-b")
	req, err := ob.SendRequest(ctx, "QSYS-RESEARCH-v1__20260101", "agent-a", "agent-b", "ping",
		validPayload(toAgent.DisplayName()), bus.PriorityNormal, false, "", "reports/r.md", "logs/s.log", "artifacts/ev")
	require.NoError(t, err)
	require.Equal(t, bus.OutboxPending, req.Status)
	require.Regexp(t, `^ATA-OUTBOX-\d{14}-[0-9a-f]{10}$`, req.RequestID)

	reviewed, err := ob.Review(ctx, req.RequestID, Approve, "", "admin-1")
	require.NoError(t, err)
	require.Equal(t, bus.OutboxApproved, reviewed.Status)
	require.NotNil(t, reviewed.SendResult)
	require.NotEmpty(t, reviewed.SendResult.SHA256)
	require.Regexp(t, `^ATA-MSG-\d{14}-[0-9a-f]{8}$`, reviewed.SendResult.MsgID)

	_, err = os.Stat(reviewed.SendResult.FilePath)
	require.NoError(t, err)

	var persisted bus.Message
	data, err := os.ReadFile(reviewed.SendResult.FilePath)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &persisted))
	recomputed, err := persisted.CanonicalHash()
	require.NoError(t, err)
	require.Equal(t, persisted.SHA256, recomputed)

	tracked, err := q.Get(ctx, reviewed.SendResult.MsgID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusPending, tracked.Status)
	require.Equal(t, "agent-b", tracked.ToAgent)
}

func TestApproveRejectionNamesRecipientDisplay(t *testing.T) {
	ob, reg, _ := newTestOutbox(t)
	ctx := context.Background()

	req, err := ob.SendRequest(ctx, "QSYS-RESEARCH-v1__20260101", "agent-a", "agent-b", "request",
		map[string]any{"message": "Please run tests"}, bus.PriorityNormal, true, "", "reports/r.md", "logs/s.log", "artifacts/ev")
	require.NoError(t, err)

	reviewed, err := ob.Review(ctx, req.RequestID, Approve, "", "admin-1")
	require.NoError(t, err)
	require.Equal(t, bus.OutboxRejected, reviewed.Status)

	toAgent, _ := reg.Get("agent-b")
	require.Contains(t, reviewed.RejectReason, "must start with '@"+toAgent.DisplayName()+"'")
}

func TestApproveRejectsUnsafeEvidencePath(t *testing.T) {
	ob, reg, _ := newTestOutbox(t)
	ctx := context.Background()

	toAgent, _ := reg.Get("agent-b")
	req, err := ob.SendRequest(ctx, "QSYS-RESEARCH-v1__20260101", "agent-a", "agent-b", "ping",
		validPayload(toAgent.DisplayName()), bus.PriorityNormal, false, "", "/absolute/r.md", "logs/s.log", "artifacts/ev")
	require.NoError(t, err)

	reviewed, err := ob.Review(ctx, req.RequestID, Approve, "", "admin-1")
	require.NoError(t, err)
	require.Equal(t, bus.OutboxRejected, reviewed.Status)
	require.Contains(t, reviewed.RejectReason, "unsafe evidence path")
}

func TestApproveRejectsMissingAtPrefix(t *testing.T) {
	ob, _, _ := newTestOutbox(t)
	ctx := context.Background()

	req, err := ob.SendRequest(ctx, "QSYS-RESEARCH-v1__20260101", "agent-a", "agent-b", "ping",
		map[string]any{"message": "hello there"}, bus.PriorityNormal, false, "", "reports/r.md", "logs/s.log", "artifacts/ev")
	require.NoError(t, err)

	reviewed, err := ob.Review(ctx, req.RequestID, Approve, "", "admin-1")
	require.NoError(t, err)
	require.Equal(t, bus.OutboxRejected, reviewed.Status)
	require.Contains(t, reviewed.RejectReason, "must start with")
}

func TestReviewRejectIsIdempotent(t *testing.T) {
	ob, reg, _ := newTestOutbox(t)
	ctx := context.Background()

	toAgent, _ := reg.Get("agent-b")
	req, err := ob.SendRequest(ctx, "QSYS-RESEARCH-v1__20260101", "agent-a", "agent-b", "ping",
		validPayload(toAgent.DisplayName()), bus.PriorityNormal, false, "", "reports/r.md", "logs/s.log", "artifacts/ev")
	require.NoError(t, err)

	_, err = ob.Review(ctx, req.RequestID, Reject, "not needed", "admin-1")
	require.NoError(t, err)

	_, err = ob.Review(ctx, req.RequestID, Reject, "again", "admin-1")
	require.ErrorIs(t, err, ErrNotPending)
}
