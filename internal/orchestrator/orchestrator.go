// Package orchestrator implements the task orchestrator: task
// analysis/decomposition, subtask status transitions, and progress
// computation, persisting task documents as JetStream KV entries (bucket
// BUSD_TASKS), one key per task_id.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/busd/internal/bus"
	"github.com/c360studio/busd/internal/events"
	"github.com/c360studio/busd/internal/kvstore"
)

// BucketTasks is the JetStream KV bucket backing task documents.
const BucketTasks = "BUSD_TASKS"

// Complexity classifies a task by how many distinct roles its decomposition
// requires.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// RoleKeywords is the fixed keyword -> role table the analyzer matches
// against the lowercased task description. Order matters: the first
// matching entry for each keyword wins, and roles accumulate across
// matches (a description can require more than one role).
var RoleKeywords = []struct {
	Keyword string
	Role    string
}{
	{"review", "reviewer"},
	{"test", "tester"},
	{"design", "architect"},
	{"architecture", "architect"},
	{"implement", "implementer"},
	{"build", "implementer"},
	{"research", "researcher"},
	{"document", "writer"},
}

// Analysis is the result of Analyze.
type Analysis struct {
	RequiredRoles      []string
	Complexity         Complexity
	EstimatedDuration  int
	CanParallelize     bool
}

// Analyze infers required roles from description by matching the fixed
// keyword table, then derives complexity and duration/parallelism.
func Analyze(description string) Analysis {
	normalized := strings.ToLower(description)
	seen := map[string]bool{}
	var roles []string
	for _, kw := range RoleKeywords {
		if strings.Contains(normalized, kw.Keyword) && !seen[kw.Role] {
			seen[kw.Role] = true
			roles = append(roles, kw.Role)
		}
	}
	if len(roles) == 0 {
		roles = []string{"implementer"}
	}

	complexity := ComplexityComplex
	switch {
	case len(roles) <= 1:
		complexity = ComplexitySimple
	case len(roles) <= 2:
		complexity = ComplexityMedium
	}

	return Analysis{
		RequiredRoles:     roles,
		Complexity:        complexity,
		EstimatedDuration: 30 * 60 * len(roles),
		CanParallelize:    len(roles) > 1,
	}
}

// TemplateStep is a workflow template step shape sufficiently general to
// seed a Task's Plan; full workflow semantics live in the workflow engine,
// the orchestrator only needs step_id/role/action/deps here.
type TemplateStep struct {
	StepID     string
	Role       string
	Action     string
	Inputs     map[string]any
	Outputs    []string
	DependsOn  []string
	Priority   string
	TimeoutSec int
}

// Orchestrator owns task documents and publishes their lifecycle events.
type Orchestrator struct {
	tasks     jetstream.KeyValue
	publisher *events.Publisher
}

// New opens (creating if necessary) the task document bucket.
func New(ctx context.Context, js jetstream.JetStream, publisher *events.Publisher) (*Orchestrator, error) {
	tasks, err := kvstore.GetOrCreateBucket(ctx, js, BucketTasks, 10)
	if err != nil {
		return nil, fmt.Errorf("open task bucket: %w", err)
	}
	return &Orchestrator{tasks: tasks, publisher: publisher}, nil
}

// CreateTaskOptions carries create_task's optional overrides.
type CreateTaskOptions struct {
	WorkflowSteps []TemplateStep // pre-expanded workflow_template steps, if any
	RequiredRoles []string       // overrides analyzer output, if non-empty
	Priority      string
	TimeoutSec    int
	CreatedBy     string
}

// CreateTask analyzes description (unless RequiredRoles overrides it),
// builds the subtask plan from either workflow steps or one subtask per
// role, computes dependencies/parallel groups, persists the task document,
// and publishes TaskCreated.
func (o *Orchestrator) CreateTask(ctx context.Context, taskID, description string, opts CreateTaskOptions) (*bus.Task, error) {
	analysis := Analyze(description)
	roles := analysis.RequiredRoles
	if len(opts.RequiredRoles) > 0 {
		roles = opts.RequiredRoles
	}

	var subtasks []*bus.Subtask
	if len(opts.WorkflowSteps) > 0 {
		for _, step := range opts.WorkflowSteps {
			subtasks = append(subtasks, &bus.Subtask{
				SubtaskID:  step.StepID,
				StepID:     step.StepID,
				Role:       step.Role,
				Action:     step.Action,
				Inputs:     step.Inputs,
				Outputs:    step.Outputs,
				DependsOn:  step.DependsOn,
				Priority:   step.Priority,
				TimeoutSec: step.TimeoutSec,
				Status:     bus.SubtaskPending,
			})
		}
	} else {
		for _, role := range roles {
			subtasks = append(subtasks, &bus.Subtask{
				SubtaskID: fmt.Sprintf("%s-%s", taskID, role),
				Role:      role,
				Action:    "execute",
				Status:    bus.SubtaskPending,
			})
		}
	}

	dependencies := map[string][]string{}
	for _, st := range subtasks {
		if len(st.DependsOn) > 0 {
			dependencies[st.SubtaskID] = st.DependsOn
		}
	}

	var parallelGroup []string
	for _, st := range subtasks {
		if len(st.DependsOn) == 0 {
			parallelGroup = append(parallelGroup, st.SubtaskID)
		}
	}
	var parallelGroups [][]string
	if len(parallelGroup) > 1 {
		parallelGroups = [][]string{parallelGroup}
	}

	now := time.Now().UTC()
	task := &bus.Task{
		TaskID:     taskID,
		Goal:       description,
		CreatedBy:  opts.CreatedBy,
		CreatedAt:  now,
		UpdatedAt:  now,
		Status:     bus.TaskPending,
		TimeoutSec: opts.TimeoutSec,
		Plan: bus.Plan{
			Subtasks:             subtasks,
			Dependencies:         dependencies,
			ParallelGroups:       parallelGroups,
			EstimatedDurationSec: analysis.EstimatedDuration,
		},
	}

	if err := o.put(ctx, task); err != nil {
		return nil, err
	}

	if o.publisher != nil {
		if _, err := o.publisher.PublishTaskCreatedEvent(ctx, taskID, map[string]any{
			"goal": description, "complexity": analysis.Complexity,
		}, "orchestrator"); err != nil {
			return nil, fmt.Errorf("publish task created: %w", err)
		}
	}

	return task, nil
}

func (o *Orchestrator) put(ctx context.Context, task *bus.Task) error {
	return o.Put(ctx, task)
}

// Put persists task as-is, for callers (e.g. the verdict handler appending
// repair subtasks) that mutate a loaded document directly rather than
// going through CreateTask/UpdateSubtaskStatus.
func (o *Orchestrator) Put(ctx context.Context, task *bus.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if _, err := o.tasks.Put(ctx, task.TaskID, data); err != nil {
		return fmt.Errorf("store task: %w", err)
	}
	return nil
}

// Get retrieves a task document by id.
func (o *Orchestrator) Get(ctx context.Context, taskID string) (*bus.Task, error) {
	entry, err := o.tasks.Get(ctx, taskID)
	if err != nil {
		if kvstore.IsNotFound(err) {
			return nil, bus.ErrNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	var task bus.Task
	if err := json.Unmarshal(entry.Value(), &task); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return &task, nil
}

// UpdateSubtaskStatus mutates the matching subtask, stamps started_at /
// completed_at, recomputes the task's derived status, persists, and
// publishes SubtaskCompleted (terminal states) or TaskUpdated (otherwise).
func (o *Orchestrator) UpdateSubtaskStatus(ctx context.Context, taskID, subtaskID string, status bus.SubtaskStatus, assignedAgent string, result map[string]any, errMsg string) (*bus.Task, error) {
	task, err := o.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}

	var target *bus.Subtask
	for _, st := range task.Plan.Subtasks {
		if st.SubtaskID == subtaskID {
			target = st
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("%w: subtask %q", bus.ErrNotFound, subtaskID)
	}

	target.Status = status
	if assignedAgent != "" {
		target.AssignedAgent = assignedAgent
	}
	if result != nil {
		target.Result = result
	}
	if errMsg != "" {
		target.Error = errMsg
	}

	now := time.Now().UTC()
	if status == bus.SubtaskRunning && target.StartedAt == nil {
		target.StartedAt = &now
	}
	switch status {
	case bus.SubtaskCompleted, bus.SubtaskFailed, bus.SubtaskSkipped:
		target.CompletedAt = &now
	}

	task.Status = task.DeriveStatus()
	task.UpdatedAt = now

	if err := o.put(ctx, task); err != nil {
		return nil, err
	}

	if o.publisher == nil {
		return task, nil
	}

	payload := map[string]any{"subtask_id": subtaskID, "status": status}
	var pubErr error
	switch status {
	case bus.SubtaskCompleted, bus.SubtaskFailed, bus.SubtaskSkipped:
		_, pubErr = o.publisher.PublishSubtaskCompletedEvent(ctx, taskID, payload, "orchestrator")
	default:
		_, pubErr = o.publisher.PublishTaskUpdatedEvent(ctx, taskID, payload, "orchestrator")
	}
	if pubErr != nil {
		return nil, fmt.Errorf("publish subtask update: %w", pubErr)
	}
	return task, nil
}

// Progress summarizes subtask counts and completion percentage for a task.
type Progress struct {
	Total      int     `json:"total"`
	Completed  int     `json:"completed"`
	Failed     int     `json:"failed"`
	Pending    int     `json:"pending"`
	Percentage float64 `json:"percentage"`
}

// ComputeProgress derives the progress summary from a task's subtasks.
func ComputeProgress(task *bus.Task) Progress {
	p := Progress{Total: len(task.Plan.Subtasks)}
	for _, st := range task.Plan.Subtasks {
		switch st.Status {
		case bus.SubtaskCompleted, bus.SubtaskSkipped:
			p.Completed++
		case bus.SubtaskFailed:
			p.Failed++
		default:
			p.Pending++
		}
	}
	if p.Total > 0 {
		p.Percentage = math.Floor(100 * float64(p.Completed) / float64(p.Total))
	}
	return p
}
