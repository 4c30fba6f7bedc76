package verdict

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/c360studio/busd/internal/bus"
	"github.com/c360studio/busd/internal/events"
	"github.com/c360studio/busd/internal/natstest"
	"github.com/c360studio/busd/internal/orchestrator"
	"github.com/c360studio/busd/internal/queue"
	"github.com/c360studio/busd/internal/sqlstore"
	"github.com/c360studio/busd/internal/taskid"
)

func newTestHandler(t *testing.T) (*Handler, *orchestrator.Orchestrator, *taskid.Manager, *events.Publisher) {
	t.Helper()
	ctx := context.Background()
	js := natstest.StartJetStream(t)

	db, err := sqlstore.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	q := queue.New(db.DB)
	pub, err := events.NewPublisher(ctx, js, q)
	require.NoError(t, err)

	orch, err := orchestrator.New(ctx, js, pub)
	require.NoError(t, err)

	tm := taskid.NewManager(db.DB)

	return NewHandler(tm, orch, pub), orch, tm, pub
}

func TestProcessVerdictNormalizesStatusAndGeneratesRepairSubtasks(t *testing.T) {
	ctx := context.Background()
	h, orch, tm, pub := newTestHandler(t)

	taskID, err := tm.EnsureTaskID(ctx, "QSYS__20260101", "")
	require.NoError(t, err)
	_, err = orch.CreateTask(ctx, taskID, "implement the feature", orchestrator.CreateTaskOptions{})
	require.NoError(t, err)

	raw := []byte(`{"status":"FAIL","task_code":"QSYS__20260101","fail_codes":["STAGE_MISSING","EVIDENCE_SCOPE_VIOLATION"]}`)
	v, err := h.ProcessVerdict(ctx, raw)
	require.NoError(t, err)
	require.Equal(t, bus.VerdictFail, v.Status)
	require.Equal(t, []string{"STAGE_MISSING", "EVIDENCE_SCOPE_VIOLATION"}, v.FailCodes)

	task, err := orch.Get(ctx, taskID)
	require.NoError(t, err)

	var repair *bus.Subtask
	for _, st := range task.Plan.Subtasks {
		if st.SubtaskID == taskID+"-REPAIR-STAGE_MISSING" {
			repair = st
		}
	}
	require.NotNil(t, repair)
	require.Equal(t, "quant_dev_infra", repair.Role)
	require.Equal(t, "high", repair.Priority)
	require.Equal(t, bus.SubtaskPending, repair.Status)
	require.Equal(t, RepairDescription("STAGE_MISSING"), repair.Description)

	listed, err := pub.ListByCorrelation(ctx, taskID, 0)
	require.NoError(t, err)
	created := 0
	for _, e := range listed {
		if e.Type == bus.EventSubtaskCreated {
			created++
		}
	}
	require.Equal(t, 2, created)
}

func TestProcessVerdictIsIdempotentForRepairSubtasks(t *testing.T) {
	ctx := context.Background()
	h, orch, tm, _ := newTestHandler(t)

	taskID, err := tm.EnsureTaskID(ctx, "QSYS__20260102", "")
	require.NoError(t, err)
	_, err = orch.CreateTask(ctx, taskID, "implement the feature", orchestrator.CreateTaskOptions{})
	require.NoError(t, err)

	raw := []byte(`{"status":"fail","task_code":"QSYS__20260102","fail_codes":["STAGE_MISSING"]}`)
	_, err = h.ProcessVerdict(ctx, raw)
	require.NoError(t, err)
	_, err = h.ProcessVerdict(ctx, raw)
	require.NoError(t, err)

	task, err := orch.Get(ctx, taskID)
	require.NoError(t, err)
	count := 0
	for _, st := range task.Plan.Subtasks {
		if st.SubtaskID == taskID+"-REPAIR-STAGE_MISSING" {
			count++
		}
	}
	require.Equal(t, 1, count)
}

func TestDeriveFailCodesFromChecks(t *testing.T) {
	rv := rawVerdict{}
	rv.Checks = append(rv.Checks, struct {
		Name   string `json:"name"`
		Status string `json:"status"`
	}{Name: "evidence scope", Status: "FAIL"})
	rv.Checks = append(rv.Checks, struct {
		Name   string `json:"name"`
		Status string `json:"status"`
	}{Name: "lint", Status: "PASS"})

	codes := deriveFailCodes(rv)
	require.Equal(t, []string{"EVIDENCE_SCOPE"}, codes)
}

func TestRepairDescriptionFallsBackForUnknownCode(t *testing.T) {
	require.Equal(t, "修复 CI 门禁失败：WEIRD_CODE", RepairDescription("WEIRD_CODE"))
}
