package workflowengine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/busd/internal/bus"
	"github.com/c360studio/busd/internal/kvstore"
	"github.com/c360studio/busd/internal/outbox"
	"github.com/c360studio/busd/internal/registry"
)

// BucketWorkflows is the JetStream KV bucket backing workflow instances.
const BucketWorkflows = "BUSD_WORKFLOWS"

// StepStatus mirrors bus.SubtaskStatus but is kept distinct since a
// workflow step's lifecycle is driven by outbox review outcomes rather than
// direct subtask updates.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepDone    StepStatus = "completed"
	StepFailed  StepStatus = "failed"
)

// StepInstance is the runtime state of one template step within an Instance.
type StepInstance struct {
	StepID      string         `json:"step_id"`
	Status      StepStatus     `json:"status"`
	AgentID     string         `json:"agent_id,omitempty"`
	RequestID   string         `json:"request_id,omitempty"`
	Outputs     map[string]any `json:"outputs,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   string         `json:"started_at,omitempty"`
	CompletedAt string         `json:"completed_at,omitempty"`
}

// Instance is one execution of a named Template.
type Instance struct {
	InstanceID   string                  `json:"instance_id"`
	TemplateName string                  `json:"template_name"`
	Inputs       map[string]any          `json:"inputs,omitempty"`
	Steps        map[string]*StepInstance `json:"steps"`
	Status       StepStatus              `json:"status"`
	CreatedAt    string                  `json:"created_at"`
	UpdatedAt    string                  `json:"updated_at"`
}

// Engine executes named workflow templates by dispatching ready steps
// through the outbox hard-gate: each step becomes an outbox send-request,
// never a direct send. It never marks a step completed itself; that
// transition is driven by UpdateStepResult, called once the assigned
// agent's response has been processed on receipt of the real response
// message.
type Engine struct {
	templates *TemplateStore
	instances jetstream.KeyValue
	registry  *registry.Registry
	outbox    *outbox.Outbox
}

// EngineAgentID is the registered identity every workflow-step dispatch is
// sent from. The outbox gate requires a registered, send-enabled from_agent,
// so New registers it on first use.
const EngineAgentID = "workflow-engine"

// New opens (creating if necessary) the workflow instance bucket and makes
// sure the engine's own sender identity exists in the registry.
func New(ctx context.Context, js jetstream.JetStream, templates *TemplateStore, reg *registry.Registry, ob *outbox.Outbox) (*Engine, error) {
	kv, err := kvstore.GetOrCreateBucket(ctx, js, BucketWorkflows, 10)
	if err != nil {
		return nil, fmt.Errorf("open workflow instance bucket: %w", err)
	}
	if _, ok := reg.Get(EngineAgentID); !ok {
		enabled := true
		if _, err := reg.RegisterAgent(EngineAgentID, "system", "workflow_engine", nil, 0, 0, &enabled, bus.CategorySystemAI); err != nil {
			return nil, fmt.Errorf("register engine agent: %w", err)
		}
	}
	return &Engine{templates: templates, instances: kv, registry: reg, outbox: ob}, nil
}

func (e *Engine) put(ctx context.Context, inst *Instance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("marshal workflow instance: %w", err)
	}
	if _, err := e.instances.Put(ctx, inst.InstanceID, data); err != nil {
		return fmt.Errorf("store workflow instance: %w", err)
	}
	return nil
}

// Get retrieves a workflow instance by id.
func (e *Engine) Get(ctx context.Context, instanceID string) (*Instance, error) {
	entry, err := e.instances.Get(ctx, instanceID)
	if err != nil {
		if kvstore.IsNotFound(err) {
			return nil, bus.ErrNotFound
		}
		return nil, fmt.Errorf("get workflow instance: %w", err)
	}
	var inst Instance
	if err := json.Unmarshal(entry.Value(), &inst); err != nil {
		return nil, fmt.Errorf("unmarshal workflow instance: %w", err)
	}
	return &inst, nil
}

// ExecuteWorkflow starts a new instance of the named template: it creates
// the instance document with every step pending, then dispatches every
// step whose dependencies are already satisfied (i.e. every step with no
// depends_on, on a fresh instance).
func (e *Engine) ExecuteWorkflow(ctx context.Context, templateName string, inputs map[string]any) (*Instance, error) {
	tmpl, err := e.templates.Get(templateName)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	inst := &Instance{
		InstanceID:   uuid.New().String(),
		TemplateName: templateName,
		Inputs:       inputs,
		Steps:        make(map[string]*StepInstance, len(tmpl.Steps)),
		Status:       StepPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for _, step := range tmpl.Steps {
		inst.Steps[step.StepID] = &StepInstance{StepID: step.StepID, Status: StepPending}
	}

	if err := e.put(ctx, inst); err != nil {
		return nil, err
	}

	if err := e.advance(ctx, tmpl, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// advance dispatches every pending step whose dependencies are all
// completed, and recomputes the instance's overall status.
func (e *Engine) advance(ctx context.Context, tmpl Template, inst *Instance) error {
	for _, step := range tmpl.Steps {
		si := inst.Steps[step.StepID]
		if si.Status != StepPending {
			continue
		}
		if !e.depsSatisfied(inst, step.DependsOn) {
			continue
		}
		if err := e.startStep(ctx, tmpl, step, inst); err != nil {
			si.Status = StepFailed
			si.Error = err.Error()
		}
	}

	inst.Status = deriveInstanceStatus(inst)
	inst.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	return e.put(ctx, inst)
}

func (e *Engine) depsSatisfied(inst *Instance, deps []string) bool {
	for _, d := range deps {
		dep, ok := inst.Steps[d]
		if !ok || dep.Status != StepDone {
			return false
		}
	}
	return true
}

// startStep selects an agent for the step's role, resolves ${step.output}
// references in its inputs, and routes the dispatch through
// outbox.SendRequest, never a direct send.
func (e *Engine) startStep(ctx context.Context, tmpl Template, step StepTemplate, inst *Instance) error {
	agents := e.registry.FindAgents(step.Role, nil, true)
	agent := registry.SelectAgent(agents)
	if agent == nil {
		return fmt.Errorf("workflowengine: no available agent for role %q", step.Role)
	}

	resolvedInputs := resolveInputs(step.Inputs, inst)
	taskcode := workflowTaskcode(step, inst)

	payload := map[string]any{
		"message": fmt.Sprintf("@%s %s step %q (workflow %s)", agent.DisplayName(), step.Action, step.StepID, tmpl.Name),
		"inputs":  resolvedInputs,
	}

	kind := step.ATAMessageKind
	if kind == "" {
		kind = "task_assignment"
	}

	reportPath := fmt.Sprintf("reports/%s.md", step.StepID)
	selftestPath := fmt.Sprintf("logs/%s.selftest.log", step.StepID)
	evidenceDir := fmt.Sprintf("artifacts/%s", step.StepID)
	if !step.RequiresAuditTriplet {
		reportPath, selftestPath, evidenceDir = "", "", ""
	}

	req, err := e.outbox.SendRequest(ctx, taskcode, EngineAgentID, agent.AgentID, kind, payload,
		bus.PriorityNormal, true, tmpl.Name, reportPath, selftestPath, evidenceDir)
	if err != nil {
		return fmt.Errorf("dispatch step %q: %w", step.StepID, err)
	}

	si := inst.Steps[step.StepID]
	si.Status = StepRunning
	si.AgentID = agent.AgentID
	si.RequestID = req.RequestID
	si.StartedAt = time.Now().UTC().Format(time.RFC3339Nano)
	return nil
}

// workflowTaskcode builds the ATA taskcode a step's outbox request carries:
// <ata_taskcode_prefix>-<first 8 chars of instance id>.
func workflowTaskcode(step StepTemplate, inst *Instance) string {
	prefix := step.ATATaskcodePrefix
	if prefix == "" {
		prefix = "WF"
	}
	shortID := inst.InstanceID
	if len(shortID) > 8 {
		shortID = shortID[:8]
	}
	return fmt.Sprintf("%s-%s", prefix, shortID)
}

// resolveInputs substitutes "${step_id.output_key}" references against
// already-completed steps' recorded outputs.
func resolveInputs(inputs map[string]any, inst *Instance) map[string]any {
	if inputs == nil {
		return nil
	}
	resolved := make(map[string]any, len(inputs))
	for k, v := range inputs {
		s, ok := v.(string)
		if !ok || !strings.HasPrefix(s, "${") || !strings.HasSuffix(s, "}") {
			resolved[k] = v
			continue
		}
		ref := strings.TrimSuffix(strings.TrimPrefix(s, "${"), "}")
		parts := strings.SplitN(ref, ".", 2)
		if len(parts) != 2 {
			resolved[k] = v
			continue
		}
		step, ok := inst.Steps[parts[0]]
		if !ok || step.Outputs == nil {
			resolved[k] = v
			continue
		}
		if out, ok := step.Outputs[parts[1]]; ok {
			resolved[k] = out
		} else {
			resolved[k] = v
		}
	}
	return resolved
}

// UpdateStepResult records a completed or failed step's outcome (called
// once the assigned agent's response to the dispatched outbox message has
// been processed) and advances the instance, dispatching any steps this
// completion unblocks.
func (e *Engine) UpdateStepResult(ctx context.Context, instanceID, stepID string, status StepStatus, outputs map[string]any, errMsg string) (*Instance, error) {
	inst, err := e.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	si, ok := inst.Steps[stepID]
	if !ok {
		return nil, fmt.Errorf("%w: step %q", bus.ErrNotFound, stepID)
	}

	si.Status = status
	si.Outputs = outputs
	si.Error = errMsg
	si.CompletedAt = time.Now().UTC().Format(time.RFC3339Nano)

	tmpl, err := e.templates.Get(inst.TemplateName)
	if err != nil {
		return nil, err
	}
	if err := e.advance(ctx, tmpl, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// deriveInstanceStatus mirrors bus.Task.DeriveStatus's precedence: any
// failed step fails the instance; all done completes it; anything running
// keeps it running; otherwise it's still pending.
func deriveInstanceStatus(inst *Instance) StepStatus {
	total, done, running, failed := 0, 0, 0, 0
	for _, si := range inst.Steps {
		total++
		switch si.Status {
		case StepFailed:
			failed++
		case StepDone:
			done++
		case StepRunning:
			running++
		}
	}
	switch {
	case failed > 0:
		return StepFailed
	case done == total:
		return StepDone
	case running > 0:
		return StepRunning
	default:
		return StepPending
	}
}
