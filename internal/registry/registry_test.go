package registry

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c360studio/busd/internal/bus"
)

func TestRegisterAgentAllocatesSmallestFreeCode(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "agents.json"))

	a1, err := r.RegisterAgent("agent-a", "worker", "implementer", nil, 5, 0, nil, "")
	require.NoError(t, err)
	require.Equal(t, 1, a1.NumericCode)

	a2, err := r.RegisterAgent("agent-b", "worker", "reviewer", nil, 5, 0, nil, "")
	require.NoError(t, err)
	require.Equal(t, 2, a2.NumericCode)
}

func TestRegisterAgentRejectsUsedCode(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "agents.json"))

	_, err := r.RegisterAgent("agent-a", "worker", "implementer", nil, 5, 3, nil, "")
	require.NoError(t, err)

	_, err = r.RegisterAgent("agent-b", "worker", "reviewer", nil, 5, 3, nil, "")
	require.ErrorIs(t, err, ErrNumericCodeInUse)
}

func TestRegisterAgentDefaultsSendEnabledFalseForCursorAuto(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "agents.json"))

	a, err := r.RegisterAgent("Cursor-Auto", "Cursor-Auto", "implementer", nil, 5, 0, nil, "")
	require.NoError(t, err)
	require.False(t, a.SendEnabled)
}

func TestRegisterAgentDefaultCategoryFromCode(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "agents.json"))

	sys, err := r.RegisterAgent("sys-1", "bot", "implementer", nil, 5, 5, nil, "")
	require.NoError(t, err)
	require.Equal(t, bus.CategorySystemAI, sys.Category)

	user, err := r.RegisterAgent("user-1", "bot", "implementer", nil, 5, 42, nil, "")
	require.NoError(t, err)
	require.Equal(t, bus.CategoryUserAI, user.Category)
}

func TestApplyAndApprove(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "agents.json"))

	_, err := r.Apply("agent-a", "worker", "implementer", []string{"go"})
	require.NoError(t, err)

	agent, err := r.Approve("agent-a", 5, 0, nil, "")
	require.NoError(t, err)
	require.Equal(t, "agent-a", agent.AgentID)
	require.Equal(t, []string{"go"}, agent.Capabilities)

	_, ok := r.Get("agent-a")
	require.True(t, ok)
}

func TestUpdateAgentStatusDerivesFromLoad(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "agents.json"))
	_, err := r.RegisterAgent("agent-a", "worker", "implementer", nil, 2, 0, nil, "")
	require.NoError(t, err)

	full := 2
	require.NoError(t, r.UpdateAgentStatus("agent-a", "", &full))
	a, _ := r.Get("agent-a")
	require.Equal(t, bus.AgentBusy, a.Status)

	zero := 0
	require.NoError(t, r.UpdateAgentStatus("agent-a", "", &zero))
	a, _ = r.Get("agent-a")
	require.Equal(t, bus.AgentAvailable, a.Status)
}

func TestFindAgentsFiltersByRoleAndCapabilities(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "agents.json"))
	_, err := r.RegisterAgent("a1", "worker", "implementer", []string{"go", "python"}, 5, 0, nil, "")
	require.NoError(t, err)
	_, err = r.RegisterAgent("a2", "worker", "reviewer", []string{"go"}, 5, 0, nil, "")
	require.NoError(t, err)

	found := r.FindAgents("implementer", []string{"python"}, true)
	require.Len(t, found, 1)
	require.Equal(t, "a1", found[0].AgentID)

	require.Empty(t, r.FindAgents("implementer", []string{"rust"}, true))
}

func TestGCStaleAgents(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "agents.json"))
	_, err := r.RegisterAgent("a1", "worker", "implementer", nil, 5, 0, nil, "")
	require.NoError(t, err)

	a, _ := r.Get("a1")
	a.LastHeartbeat = time.Now().UTC().Add(-10 * time.Minute)

	changed, err := r.GCStaleAgents(5 * time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, changed)

	a, _ = r.Get("a1")
	require.Equal(t, bus.AgentUnavailable, a.Status)
}

func TestSelectAgentPicksLeastLoaded(t *testing.T) {
	agents := []*bus.Agent{
		{AgentID: "a1", Status: bus.AgentBusy, CurrentLoad: 4, MaxConcurrentTasks: 5},
		{AgentID: "a2", Status: bus.AgentAvailable, CurrentLoad: 1, MaxConcurrentTasks: 5},
		{AgentID: "a3", Status: bus.AgentUnavailable, CurrentLoad: 0, MaxConcurrentTasks: 5},
	}
	best := SelectAgent(agents)
	require.NotNil(t, best)
	require.Equal(t, "a2", best.AgentID)
}

func TestSmartScorePrefersFastSuccessfulAvailableAgent(t *testing.T) {
	fast := &bus.Agent{Status: bus.AgentAvailable, CurrentLoad: 0, MaxConcurrentTasks: 5, ResponseTimeAvg: 10, SuccessRate: 0.95}
	slow := &bus.Agent{Status: bus.AgentBusy, CurrentLoad: 4, MaxConcurrentTasks: 5, ResponseTimeAvg: 120, SuccessRate: 0.5}

	require.Greater(t, SmartScore(fast), SmartScore(slow))
	best := SelectAgentSmart([]*bus.Agent{slow, fast})
	require.Same(t, fast, best)
}

func TestRouteFirstKeywordWins(t *testing.T) {
	rules := []Rule{
		{ID: "r1", Keywords: []string{"review"}, OwnerRole: "reviewer"},
		{ID: "r2", Keywords: []string{"implement"}, OwnerRole: "implementer"},
	}
	find := func(role string) []*bus.Agent {
		return []*bus.Agent{{AgentID: "agent-" + role, Status: bus.AgentAvailable, MaxConcurrentTasks: 1}}
	}

	result := Route(rules, "please review this change", "implementer", find)
	require.Equal(t, "reviewer", result.OwnerRole)
	require.Equal(t, "r1", result.RuleID)
	require.Equal(t, "agent-reviewer", result.AgentID)
}

func TestRouteFallsBackToDefault(t *testing.T) {
	rules := []Rule{{ID: "r1", Keywords: []string{"review"}, OwnerRole: "reviewer"}}
	find := func(role string) []*bus.Agent { return nil }

	result := Route(rules, "do something unrelated", "implementer", find)
	require.Equal(t, "implementer", result.OwnerRole)
	require.Equal(t, "default", result.RuleID)
}
