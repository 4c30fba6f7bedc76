package aggregator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/busd/internal/bus"
)

func TestMerge_Concatenate(t *testing.T) {
	records := []SubtaskRecord{
		{SubtaskID: "t-ST002", CompletedAt: "2026-01-02T00:00:00Z", Result: map[string]any{"v": "b"}},
		{SubtaskID: "t-ST001", CompletedAt: "2026-01-01T00:00:00Z", Result: map[string]any{"v": "a"}},
	}
	out, err := Merge(records, Concatenate, nil)
	require.NoError(t, err)
	assert.Equal(t, "concatenate", out["strategy"])
	content := out["content"].(map[string]any)
	assert.Equal(t, map[string]any{"v": "a"}, content["t-ST001"])
}

func TestMerge_Intelligent_Partitions(t *testing.T) {
	records := []SubtaskRecord{
		{SubtaskID: "a", Result: map[string]any{"code": "package main"}},
		{SubtaskID: "b", Result: map[string]any{"report": "done"}},
		{SubtaskID: "c", Result: map[string]any{"other": 1}},
	}
	out, err := Merge(records, Intelligent, nil)
	require.NoError(t, err)
	assert.Len(t, out["code"], 1)
	assert.Len(t, out["doc"], 1)
	assert.Len(t, out["data"], 1)
}

func TestMerge_Voting_PicksMajority(t *testing.T) {
	records := []SubtaskRecord{
		{SubtaskID: "a", Result: map[string]any{"v": "x"}},
		{SubtaskID: "b", Result: map[string]any{"v": "x"}},
		{SubtaskID: "c", Result: map[string]any{"v": "y"}},
	}
	out, err := Merge(records, Voting, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, out["votes"])
	assert.Equal(t, 1, out["alternatives"])
	assert.Equal(t, map[string]any{"v": "x"}, out["result"])
}

func TestMerge_Weighted_SumsNumericNormalizesByWeight(t *testing.T) {
	records := []SubtaskRecord{
		{SubtaskID: "a", Result: map[string]any{"score": 10.0, "label": "a"}},
		{SubtaskID: "b", Result: map[string]any{"score": 20.0, "label": "b"}},
	}
	weights := map[string]float64{"a": 1.0, "b": 3.0}
	out, err := Merge(records, Weighted, weights)
	require.NoError(t, err)
	content := out["content"].(map[string]any)
	// (10*1/4) + (20*3/4) = 2.5 + 15 = 17.5
	assert.InDelta(t, 17.5, content["score"].(float64), 0.001)
	assert.Equal(t, "b", content["label"])
}

func TestRecords_Projection(t *testing.T) {
	task := &bus.Task{Plan: bus.Plan{Subtasks: []*bus.Subtask{
		{SubtaskID: "t-ST001", Status: bus.SubtaskCompleted, AssignedAgent: "agent-a"},
	}}}
	recs := Records(task)
	require.Len(t, recs, 1)
	assert.Equal(t, "agent-a", recs[0].AgentID)
}
