package bus

import (
	"fmt"
	"time"
)

// AgentCategory distinguishes automated system agents from user-facing AI
// agents; it gates default numeric_code-derived behavior.
type AgentCategory string

const (
	CategorySystemAI AgentCategory = "system_ai"
	CategoryUserAI   AgentCategory = "user_ai"
)

// AgentStatus reflects current availability, driven by heartbeat age and load.
type AgentStatus string

const (
	AgentAvailable   AgentStatus = "available"
	AgentBusy        AgentStatus = "busy"
	AgentUnavailable AgentStatus = "unavailable"
	AgentError       AgentStatus = "error"
)

// Agent is a registered participant in the bus: a human-driven editor, an
// LLM backend, or a script worker.
type Agent struct {
	AgentID             string        `json:"agent_id"`
	AgentType           string        `json:"agent_type"`
	Role                string        `json:"role"`
	Capabilities        []string      `json:"capabilities,omitempty"`
	NumericCode         int           `json:"numeric_code"`
	SendEnabled         bool          `json:"send_enabled"`
	Category            AgentCategory `json:"category"`
	CurrentLoad         int           `json:"current_load"`
	MaxConcurrentTasks  int           `json:"max_concurrent_tasks"`
	Status              AgentStatus   `json:"status"`
	RegisteredAt        time.Time     `json:"registered_at"`
	LastHeartbeat       time.Time     `json:"last_heartbeat"`
	ResponseTimeAvg     float64       `json:"response_time_avg"`
	SuccessRate         float64       `json:"success_rate"`
	TotalTasks          int           `json:"total_tasks"`
	CompletedTasks      int           `json:"completed_tasks"`
}

// DisplayName is the "<agent_id>#<NN>" form used in outbox templates; the
// template check expects it after a leading "@".
func (a *Agent) DisplayName() string {
	return displayName(a.AgentID, a.NumericCode)
}

func displayName(agentID string, numericCode int) string {
	return fmt.Sprintf("%s#%02d", agentID, numericCode)
}

// HasCapabilities reports whether the agent possesses every capability in want.
func (a *Agent) HasCapabilities(want []string) bool {
	have := make(map[string]bool, len(a.Capabilities))
	for _, c := range a.Capabilities {
		have[c] = true
	}
	for _, w := range want {
		if !have[w] {
			return false
		}
	}
	return true
}

// IsAvailableFor reports whether the agent can take on more work.
func (a *Agent) IsAvailableFor() bool {
	if a.Status != AgentAvailable && a.Status != AgentBusy {
		return false
	}
	return a.CurrentLoad < a.MaxConcurrentTasks
}

// LoadRatio is current_load / max_concurrent_tasks, used by the load balancer.
func (a *Agent) LoadRatio() float64 {
	if a.MaxConcurrentTasks <= 0 {
		return 1
	}
	return float64(a.CurrentLoad) / float64(a.MaxConcurrentTasks)
}

// DefaultCategory derives the category default from numeric_code: 1..10 is
// system_ai, everything else is user_ai.
func DefaultCategory(numericCode int) AgentCategory {
	if numericCode >= 1 && numericCode <= 10 {
		return CategorySystemAI
	}
	return CategoryUserAI
}

// DefaultSendEnabled derives send_enabled default: disabled only for the
// Cursor-Auto agent type/id.
func DefaultSendEnabled(agentID, agentType string) bool {
	return agentID != "Cursor-Auto" && agentType != "Cursor-Auto"
}

// IsStale reports whether the agent's last heartbeat is older than timeout.
func (a *Agent) IsStale(now time.Time, timeout time.Duration) bool {
	return now.Sub(a.LastHeartbeat) > timeout
}
