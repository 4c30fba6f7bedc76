package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/c360studio/busd/internal/bus"
	"github.com/c360studio/busd/internal/events"
	"github.com/c360studio/busd/internal/natstest"
	"github.com/c360studio/busd/internal/queue"
	"github.com/c360studio/busd/internal/sqlstore"
)

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	ctx := context.Background()
	js := natstest.StartJetStream(t)

	db, err := sqlstore.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	pub, err := events.NewPublisher(ctx, js, queue.New(db.DB))
	require.NoError(t, err)

	o, err := New(ctx, js, pub)
	require.NoError(t, err)
	return o
}

func TestAnalyzeInfersRolesAndComplexity(t *testing.T) {
	a := Analyze("Please implement and review the new parser")
	require.Contains(t, a.RequiredRoles, "implementer")
	require.Contains(t, a.RequiredRoles, "reviewer")
	require.Equal(t, ComplexityMedium, a.Complexity)
	require.True(t, a.CanParallelize)
	require.Equal(t, 30*60*2, a.EstimatedDuration)
}

func TestAnalyzeFallsBackToImplementer(t *testing.T) {
	a := Analyze("do the thing")
	require.Equal(t, []string{"implementer"}, a.RequiredRoles)
	require.Equal(t, ComplexitySimple, a.Complexity)
	require.False(t, a.CanParallelize)
}

func TestCreateTaskOneSubtaskPerRole(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t)

	task, err := o.CreateTask(ctx, "QSYS-20260101-001", "implement and test the feature", CreateTaskOptions{CreatedBy: "tester"})
	require.NoError(t, err)
	require.Len(t, task.Plan.Subtasks, 2)
	require.Equal(t, bus.TaskPending, task.Status)

	loaded, err := o.Get(ctx, task.TaskID)
	require.NoError(t, err)
	require.Equal(t, task.Goal, loaded.Goal)
}

func TestCreateTaskWithWorkflowSteps(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t)

	steps := []TemplateStep{
		{StepID: "s1", Role: "architect", Action: "design"},
		{StepID: "s2", Role: "implementer", Action: "build", DependsOn: []string{"s1"}},
	}
	task, err := o.CreateTask(ctx, "QSYS-20260101-002", "anything", CreateTaskOptions{WorkflowSteps: steps})
	require.NoError(t, err)
	require.Len(t, task.Plan.Subtasks, 2)
	require.Equal(t, []string{"s1"}, task.Plan.Dependencies["s2"])
}

func TestUpdateSubtaskStatusRecomputesTaskStatus(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t)

	task, err := o.CreateTask(ctx, "QSYS-20260101-003", "implement the feature", CreateTaskOptions{})
	require.NoError(t, err)
	require.Len(t, task.Plan.Subtasks, 1)
	subtaskID := task.Plan.Subtasks[0].SubtaskID

	updated, err := o.UpdateSubtaskStatus(ctx, task.TaskID, subtaskID, bus.SubtaskRunning, "agent-a", nil, "")
	require.NoError(t, err)
	require.Equal(t, bus.TaskRunning, updated.Status)
	require.NotNil(t, updated.Plan.Subtasks[0].StartedAt)

	updated, err = o.UpdateSubtaskStatus(ctx, task.TaskID, subtaskID, bus.SubtaskCompleted, "", map[string]any{"ok": true}, "")
	require.NoError(t, err)
	require.Equal(t, bus.TaskCompleted, updated.Status)
	require.NotNil(t, updated.Plan.Subtasks[0].CompletedAt)
}

func TestComputeProgress(t *testing.T) {
	task := &bus.Task{Plan: bus.Plan{Subtasks: []*bus.Subtask{
		{Status: bus.SubtaskCompleted},
		{Status: bus.SubtaskFailed},
		{Status: bus.SubtaskPending},
		{Status: bus.SubtaskPending},
	}}}
	p := ComputeProgress(task)
	require.Equal(t, 4, p.Total)
	require.Equal(t, 1, p.Completed)
	require.Equal(t, 1, p.Failed)
	require.Equal(t, 2, p.Pending)
	require.Equal(t, 25.0, p.Percentage)
}
