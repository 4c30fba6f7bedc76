package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func planOf(statuses map[string]SubtaskStatus, deps map[string][]string) *Task {
	t := &Task{Status: TaskPending}
	for id, st := range statuses {
		t.Plan.Subtasks = append(t.Plan.Subtasks, &Subtask{SubtaskID: id, Status: st, DependsOn: deps[id]})
	}
	return t
}

func TestDeriveStatusPrecedence(t *testing.T) {
	tests := []struct {
		name     string
		statuses map[string]SubtaskStatus
		deps     map[string][]string
		want     TaskStatus
	}{
		{
			name:     "any failed wins",
			statuses: map[string]SubtaskStatus{"a": SubtaskCompleted, "b": SubtaskFailed, "c": SubtaskRunning},
			want:     TaskFailed,
		},
		{
			name:     "all completed",
			statuses: map[string]SubtaskStatus{"a": SubtaskCompleted, "b": SubtaskSkipped},
			want:     TaskCompleted,
		},
		{
			name:     "any running",
			statuses: map[string]SubtaskStatus{"a": SubtaskCompleted, "b": SubtaskRunning},
			want:     TaskRunning,
		},
		{
			name:     "pending with unmet deps waits",
			statuses: map[string]SubtaskStatus{"a": SubtaskPending, "b": SubtaskPending},
			deps:     map[string][]string{"b": {"a"}},
			want:     TaskWaiting,
		},
		{
			name:     "all pending no deps",
			statuses: map[string]SubtaskStatus{"a": SubtaskPending, "b": SubtaskPending},
			want:     TaskPending,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, planOf(tt.statuses, tt.deps).DeriveStatus())
		})
	}
}

func TestDeriveStatusEmptyPlanKeepsCurrent(t *testing.T) {
	task := &Task{Status: TaskWaiting}
	assert.Equal(t, TaskWaiting, task.DeriveStatus())
}

func TestReadyToRun(t *testing.T) {
	task := planOf(map[string]SubtaskStatus{"a": SubtaskCompleted, "b": SubtaskPending}, map[string][]string{"b": {"a"}})
	var b *Subtask
	for _, st := range task.Plan.Subtasks {
		if st.SubtaskID == "b" {
			b = st
		}
	}
	require.NotNil(t, b)
	assert.True(t, task.ReadyToRun(b))

	blocked := planOf(map[string]SubtaskStatus{"a": SubtaskRunning, "b": SubtaskPending}, map[string][]string{"b": {"a"}})
	for _, st := range blocked.Plan.Subtasks {
		if st.SubtaskID == "b" {
			assert.False(t, blocked.ReadyToRun(st))
		}
	}
}

func TestHasCycle(t *testing.T) {
	acyclic := []*Subtask{
		{SubtaskID: "a"},
		{SubtaskID: "b", DependsOn: []string{"a"}},
		{SubtaskID: "c", DependsOn: []string{"a", "b"}},
	}
	assert.False(t, HasCycle(acyclic))

	cyclic := []*Subtask{
		{SubtaskID: "a", DependsOn: []string{"c"}},
		{SubtaskID: "b", DependsOn: []string{"a"}},
		{SubtaskID: "c", DependsOn: []string{"b"}},
	}
	assert.True(t, HasCycle(cyclic))
}

func TestLaneMessageIDPatterns(t *testing.T) {
	e := &Event{EventID: "c0a80101-0000-4000-8000-000000000001"}
	assert.Equal(t, e.EventID, e.LaneMessageID(LaneBoard))
	assert.Equal(t, e.EventID+"-orchestrator", e.LaneMessageID(LaneOrchestrator))
	assert.Equal(t, e.EventID+"-aws", e.LaneMessageID(LaneAWSBridge))
}

func TestCanonicalHashStableAcrossMsgIDAndSHAChanges(t *testing.T) {
	msg := &Message{
		MsgID:     "ATA-MSG-20260101000000-abcdef01",
		TaskCode:  "QSYS-RESEARCH-v1__20260101",
		FromAgent: "agent-a",
		ToAgent:   "agent-b",
		Kind:      "request",
		Payload:   map[string]any{"message": "@agent-b#02 hello"},
		Priority:  PriorityNormal,
		Status:    MessagePending,
	}
	first, err := msg.CanonicalHash()
	require.NoError(t, err)

	msg.MsgID = "ATA-MSG-20260101000001-deadbeef"
	msg.SHA256 = first
	second, err := msg.CanonicalHash()
	require.NoError(t, err)
	assert.Equal(t, first, second)

	msg.Payload["message"] = "@agent-b#02 changed"
	third, err := msg.CanonicalHash()
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}
