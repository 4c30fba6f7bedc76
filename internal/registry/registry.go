// Package registry implements the agent registry, keyword router, and load
// balancer. The registry is a single mutex-guarded in-memory map
// snapshotted to a JSON file on every mutation; every access serializes
// through the mutex, and readers receive pointers to the live records.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/c360studio/busd/internal/bus"
)

const maxNumericCode = 100

// Application is a pending agent registration awaiting admin approval.
type Application struct {
	AgentID      string    `json:"agent_id"`
	AgentType    string    `json:"agent_type"`
	Role         string    `json:"role"`
	Capabilities []string  `json:"capabilities,omitempty"`
	AppliedAt    time.Time `json:"applied_at"`
}

// Registry holds the agent directory plus pending applications, guarded by
// a single mutex and snapshotted to path on every mutation.
type Registry struct {
	mu           sync.Mutex
	path         string
	agents       map[string]*bus.Agent
	applications map[string]*Application
}

// New constructs an empty Registry backed by the JSON file at path. Load
// must be called separately to populate it from disk.
func New(path string) *Registry {
	return &Registry{
		path:         path,
		agents:       make(map[string]*bus.Agent),
		applications: make(map[string]*Application),
	}
}

type snapshot struct {
	Agents       map[string]*bus.Agent   `json:"agents"`
	Applications map[string]*Application `json:"applications"`
}

// Load reads the registry snapshot from path, if it exists.
func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("unmarshal registry: %w", err)
	}
	if snap.Agents != nil {
		r.agents = snap.Agents
	}
	if snap.Applications != nil {
		r.applications = snap.Applications
	}
	return nil
}

// persist writes the current state to disk. Caller must hold r.mu.
func (r *Registry) persist() error {
	if r.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(snapshot{Agents: r.agents, Applications: r.applications}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	if err := os.WriteFile(r.path, data, 0o644); err != nil {
		return fmt.Errorf("persist registry: %w", err)
	}
	return nil
}

// ErrNumericCodeInUse is returned when a caller-supplied numeric_code is
// already assigned to a different agent.
var ErrNumericCodeInUse = fmt.Errorf("registry: numeric_code already in use")

// ErrNumericCodeExhausted is returned when no numeric_code in [1, 100]
// remains unused.
var ErrNumericCodeExhausted = fmt.Errorf("registry: no numeric_code available in [1, 100]")

// ErrNumericCodeRange is returned when a caller-supplied numeric_code falls
// outside [1, 100].
var ErrNumericCodeRange = fmt.Errorf("registry: numeric_code must be in [1, 100]")

// RegisterAgent creates or updates an agent record. Re-registering an
// existing agent_id updates the record, including reassigning numeric_code
// if a different one is supplied.
func (r *Registry) RegisterAgent(agentID, agentType, role string, capabilities []string, maxConcurrent int, numericCode int, sendEnabled *bool, category bus.AgentCategory) (*bus.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.agents[agentID]

	code := numericCode
	if code != 0 {
		if code < 1 || code > maxNumericCode {
			return nil, ErrNumericCodeRange
		}
		if owner, ok := r.codeOwner(code); ok && owner != agentID {
			return nil, ErrNumericCodeInUse
		}
	} else if existing != nil {
		code = existing.NumericCode
	} else {
		var err error
		code, err = r.allocateCode()
		if err != nil {
			return nil, err
		}
	}

	send := bus.DefaultSendEnabled(agentID, agentType)
	if sendEnabled != nil {
		send = *sendEnabled
	}
	cat := category
	if cat == "" {
		cat = bus.DefaultCategory(code)
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}

	now := time.Now().UTC()
	agent := &bus.Agent{
		AgentID:            agentID,
		AgentType:          agentType,
		Role:               role,
		Capabilities:       capabilities,
		NumericCode:        code,
		SendEnabled:        send,
		Category:           cat,
		MaxConcurrentTasks: maxConcurrent,
		Status:             bus.AgentAvailable,
		RegisteredAt:       now,
		LastHeartbeat:      now,
	}
	if existing != nil {
		agent.RegisteredAt = existing.RegisteredAt
		agent.CurrentLoad = existing.CurrentLoad
		agent.ResponseTimeAvg = existing.ResponseTimeAvg
		agent.SuccessRate = existing.SuccessRate
		agent.TotalTasks = existing.TotalTasks
		agent.CompletedTasks = existing.CompletedTasks
	}

	r.agents[agentID] = agent
	return agent, r.persist()
}

func (r *Registry) codeOwner(code int) (string, bool) {
	for id, a := range r.agents {
		if a.NumericCode == code {
			return id, true
		}
	}
	return "", false
}

func (r *Registry) allocateCode() (int, error) {
	used := make(map[int]bool, len(r.agents))
	for _, a := range r.agents {
		used[a.NumericCode] = true
	}
	for c := 1; c <= maxNumericCode; c++ {
		if !used[c] {
			return c, nil
		}
	}
	return 0, ErrNumericCodeExhausted
}

// Apply records a pending agent application.
func (r *Registry) Apply(agentID, agentType, role string, capabilities []string) (*Application, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	app := &Application{
		AgentID: agentID, AgentType: agentType, Role: role,
		Capabilities: capabilities, AppliedAt: time.Now().UTC(),
	}
	r.applications[agentID] = app
	return app, r.persist()
}

// Approve promotes a pending application into an Agent, optionally
// overriding fields supplied by the admin.
func (r *Registry) Approve(agentID string, maxConcurrent int, numericCode int, sendEnabled *bool, category bus.AgentCategory) (*bus.Agent, error) {
	r.mu.Lock()
	app, ok := r.applications[agentID]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("registry: no pending application for %q", agentID)
	}

	agent, err := r.RegisterAgent(app.AgentID, app.AgentType, app.Role, app.Capabilities, maxConcurrent, numericCode, sendEnabled, category)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	delete(r.applications, agentID)
	err = r.persist()
	r.mu.Unlock()
	return agent, err
}

// UpdateAgentStatus records a heartbeat, derives status from current_load
// when provided, and persists.
func (r *Registry) UpdateAgentStatus(agentID string, status bus.AgentStatus, currentLoad *int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return bus.ErrNotRegistered
	}

	agent.LastHeartbeat = time.Now().UTC()
	if currentLoad != nil {
		agent.CurrentLoad = *currentLoad
		switch {
		case agent.CurrentLoad >= agent.MaxConcurrentTasks:
			status = bus.AgentBusy
		case agent.CurrentLoad == 0:
			status = bus.AgentAvailable
		}
	}
	if status != "" {
		agent.Status = status
	}
	return r.persist()
}

// Get returns the agent record, if registered.
func (r *Registry) Get(agentID string) (*bus.Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	return a, ok
}

// FindAgents filters the registry by role (exact match, empty = any),
// required capabilities (every one must be present), and availability.
func (r *Registry) FindAgents(role string, capabilities []string, availableOnly bool) []*bus.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*bus.Agent
	for _, a := range r.agents {
		if role != "" && a.Role != role {
			continue
		}
		if !a.HasCapabilities(capabilities) {
			continue
		}
		if availableOnly && !a.IsAvailableFor() {
			continue
		}
		out = append(out, a)
	}
	return out
}

// GCStaleAgents marks every agent whose last heartbeat is older than
// timeout as unavailable, returning the number of agents changed.
func (r *Registry) GCStaleAgents(timeout time.Duration) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	changed := 0
	for _, a := range r.agents {
		if a.Status != bus.AgentUnavailable && a.IsStale(now, timeout) {
			a.Status = bus.AgentUnavailable
			changed++
		}
	}
	if changed > 0 {
		return changed, r.persist()
	}
	return 0, nil
}

// Rule is one entry in the keyword router's rule table. The first rule
// whose keyword appears in the normalized task text wins.
type Rule struct {
	ID        string
	Keywords  []string
	OwnerRole string
}

// RouteResult is the outcome of routing a task to an owner role and agent.
type RouteResult struct {
	OwnerRole string
	AgentID   string
	RuleID    string
	Reasoning string
}

// Route classifies a task's owner_role via keyword rules (first match
// wins, falling back to rule "default"), then picks an agent for that role
// via the load balancer.
func Route(rules []Rule, taskText string, fallbackRole string, findAgents func(role string) []*bus.Agent) RouteResult {
	normalized := strings.ToLower(taskText)

	for _, rule := range rules {
		for _, kw := range rule.Keywords {
			if strings.Contains(normalized, strings.ToLower(kw)) {
				result := RouteResult{OwnerRole: rule.OwnerRole, RuleID: rule.ID, Reasoning: fmt.Sprintf("matched keyword %q", kw)}
				if agent := SelectAgent(findAgents(rule.OwnerRole)); agent != nil {
					result.AgentID = agent.AgentID
				}
				return result
			}
		}
	}

	role := fallbackRole
	if role == "" {
		role = "implementer"
	}
	result := RouteResult{OwnerRole: role, RuleID: "default", Reasoning: "no keyword rule matched"}
	if agent := SelectAgent(findAgents(role)); agent != nil {
		result.AgentID = agent.AgentID
	}
	return result
}

// SelectAgent picks the least-loaded eligible agent: minimum current_load /
// max_concurrent_tasks among agents whose status is available or busy and
// who have spare capacity.
func SelectAgent(agents []*bus.Agent) *bus.Agent {
	var best *bus.Agent
	bestRatio := 2.0 // above any possible LoadRatio()
	for _, a := range agents {
		if a.Status != bus.AgentAvailable && a.Status != bus.AgentBusy {
			continue
		}
		if a.CurrentLoad >= a.MaxConcurrentTasks {
			continue
		}
		if ratio := a.LoadRatio(); ratio < bestRatio {
			best, bestRatio = a, ratio
		}
	}
	return best
}

// SmartScore computes the smart-router score for an agent: start at 100,
// subtract 30*load_ratio, subtract (response_time_avg-60)/10 when over 60s,
// add 20*success_rate, +10 if available, -5 if busy; clamped to >= 0.
func SmartScore(a *bus.Agent) float64 {
	score := 100.0
	score -= 30 * a.LoadRatio()
	if a.ResponseTimeAvg > 60 {
		score -= (a.ResponseTimeAvg - 60) / 10
	}
	score += 20 * a.SuccessRate
	switch a.Status {
	case bus.AgentAvailable:
		score += 10
	case bus.AgentBusy:
		score -= 5
	}
	if score < 0 {
		score = 0
	}
	return score
}

// SelectAgentSmart picks the agent with the maximum SmartScore; ties are
// broken by iteration order (first max wins).
func SelectAgentSmart(agents []*bus.Agent) *bus.Agent {
	var best *bus.Agent
	bestScore := -1.0
	for _, a := range agents {
		if s := SmartScore(a); s > bestScore {
			best, bestScore = a, s
		}
	}
	return best
}
