package workflowengine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/busd/internal/bus"
	"github.com/c360studio/busd/internal/convo"
	"github.com/c360studio/busd/internal/natstest"
	"github.com/c360studio/busd/internal/outbox"
	"github.com/c360studio/busd/internal/queue"
	"github.com/c360studio/busd/internal/registry"
	"github.com/c360studio/busd/internal/sqlstore"
)

func newTestEngine(t *testing.T) (*Engine, *registry.Registry) {
	t.Helper()
	js := natstest.StartJetStream(t)
	ctx := context.Background()

	reg := registry.New("")
	enabled := true
	_, err := reg.RegisterAgent("researcher-1", "llm", "researcher", nil, 5, 11, &enabled, bus.CategoryUserAI)
	require.NoError(t, err)
	_, err = reg.RegisterAgent("implementer-1", "llm", "implementer", nil, 5, 12, &enabled, bus.CategoryUserAI)
	require.NoError(t, err)
	_, err = reg.RegisterAgent("reviewer-1", "llm", "reviewer", nil, 5, 13, &enabled, bus.CategoryUserAI)
	require.NoError(t, err)

	convoStore, err := convo.NewStore(ctx, js)
	require.NoError(t, err)

	db, err := sqlstore.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ob, err := outbox.New(ctx, js, reg, convoStore, queue.New(db.DB), t.TempDir())
	require.NoError(t, err)

	store := NewTemplateStore()
	eng, err := New(ctx, js, store, reg, ob)
	require.NoError(t, err)
	return eng, reg
}

func TestExecuteWorkflow_DispatchesReadySteps(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	inst, err := eng.ExecuteWorkflow(ctx, "quant_research_to_code", map[string]any{"topic": "momentum"})
	require.NoError(t, err)

	assert.Equal(t, StepRunning, inst.Status)
	assert.Equal(t, StepRunning, inst.Steps["research"].Status)
	assert.Equal(t, "researcher-1", inst.Steps["research"].AgentID)
	assert.NotEmpty(t, inst.Steps["research"].RequestID)
	assert.Equal(t, StepPending, inst.Steps["implement"].Status)
}

func TestExecuteWorkflow_UnknownTemplate(t *testing.T) {
	eng, _ := newTestEngine(t)
	_, err := eng.ExecuteWorkflow(context.Background(), "does_not_exist", nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateStepResult_UnblocksDependents(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	inst, err := eng.ExecuteWorkflow(ctx, "quant_research_to_code", nil)
	require.NoError(t, err)

	inst, err = eng.UpdateStepResult(ctx, inst.InstanceID, "research", StepDone, map[string]any{"findings": "momentum works"}, "")
	require.NoError(t, err)

	assert.Equal(t, StepDone, inst.Steps["research"].Status)
	assert.Equal(t, StepRunning, inst.Steps["implement"].Status)
	assert.Equal(t, "implementer-1", inst.Steps["implement"].AgentID)
	assert.Equal(t, StepPending, inst.Steps["review"].Status)
	assert.Equal(t, StepRunning, inst.Status)
}

func TestUpdateStepResult_FailurePropagatesToInstance(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	inst, err := eng.ExecuteWorkflow(ctx, "quant_research_to_code", nil)
	require.NoError(t, err)

	inst, err = eng.UpdateStepResult(ctx, inst.InstanceID, "research", StepFailed, nil, "timed out")
	require.NoError(t, err)

	assert.Equal(t, StepFailed, inst.Status)
	assert.Equal(t, StepPending, inst.Steps["implement"].Status)
}

func TestExecuteWorkflow_NoAgentForRole(t *testing.T) {
	eng, reg := newTestEngine(t)
	ctx := context.Background()

	_, ok := reg.Get("researcher-1")
	require.True(t, ok)
	require.NoError(t, reg.UpdateAgentStatus("researcher-1", bus.AgentUnavailable, nil))

	inst, err := eng.ExecuteWorkflow(ctx, "quant_research_to_code", nil)
	require.NoError(t, err)
	assert.Equal(t, StepFailed, inst.Steps["research"].Status)
	assert.Contains(t, inst.Steps["research"].Error, "no available agent")
}

func TestResolveInputs_SubstitutesCompletedStepOutput(t *testing.T) {
	inst := &Instance{Steps: map[string]*StepInstance{
		"research": {StepID: "research", Status: StepDone, Outputs: map[string]any{"findings": "x"}},
	}}
	resolved := resolveInputs(map[string]any{"findings": "${research.findings}", "literal": 1}, inst)
	assert.Equal(t, "x", resolved["findings"])
	assert.Equal(t, 1, resolved["literal"])
}

func TestWorkflowTaskcode_UsesPrefixAndShortInstanceID(t *testing.T) {
	inst := &Instance{InstanceID: "0123456789abcdef"}
	code := workflowTaskcode(StepTemplate{ATATaskcodePrefix: "QR2C"}, inst)
	assert.Equal(t, "QR2C-01234567", code)
}
