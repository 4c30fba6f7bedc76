package bus

import "time"

// TaskStatus is the lifecycle state of a Task, derived from its subtasks
// per the rules in Task.DeriveStatus.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskWaiting   TaskStatus = "WAITING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
	TaskCancelled TaskStatus = "CANCELLED"
)

// SubtaskStatus is the lifecycle state of a single Subtask.
type SubtaskStatus string

const (
	SubtaskPending   SubtaskStatus = "PENDING"
	SubtaskRunning   SubtaskStatus = "RUNNING"
	SubtaskCompleted SubtaskStatus = "COMPLETED"
	SubtaskFailed    SubtaskStatus = "FAILED"
	SubtaskSkipped   SubtaskStatus = "SKIPPED"
)

// Constraints restrict what a task's execution may touch.
type Constraints struct {
	LawRef       string   `json:"law_ref,omitempty"`
	AllowedPaths []string `json:"allowed_paths,omitempty"`
}

// Plan is the decomposition of a Task's goal into an executable subtask DAG.
type Plan struct {
	Subtasks             []*Subtask          `json:"subtasks"`
	Dependencies         map[string][]string `json:"dependencies,omitempty"`
	ParallelGroups       [][]string          `json:"parallel_groups,omitempty"`
	EstimatedDurationSec int                 `json:"estimated_duration"`
}

// Task is the root unit of work tracked by the orchestrator.
type Task struct {
	TaskID      string      `json:"task_id"`
	TaskCode    string      `json:"task_code,omitempty"`
	Goal        string      `json:"goal"`
	Constraints Constraints `json:"constraints"`
	Acceptance  []string    `json:"acceptance,omitempty"`
	CreatedBy   string      `json:"created_by"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	Status      TaskStatus  `json:"status"`
	Plan        Plan        `json:"plan"`
	TimeoutSec  int         `json:"timeout_seconds,omitempty"`
}

// Subtask is one executable unit within a Task's plan.
type Subtask struct {
	SubtaskID     string            `json:"subtask_id"`
	StepID        string            `json:"step_id,omitempty"`
	Role          string            `json:"role"`
	Action        string            `json:"action"`
	Inputs        map[string]any    `json:"inputs,omitempty"`
	Outputs       []string          `json:"outputs,omitempty"`
	DependsOn     []string          `json:"depends_on,omitempty"`
	Priority      string            `json:"priority,omitempty"`
	TimeoutSec    int               `json:"timeout_seconds,omitempty"`
	Status        SubtaskStatus     `json:"status"`
	AssignedAgent string            `json:"assigned_agent,omitempty"`
	Result        map[string]any    `json:"result,omitempty"`
	Error         string            `json:"error,omitempty"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
	Description   string            `json:"description,omitempty"`
}

// DeriveStatus recomputes the task's status from its subtasks per the
// invariants: any FAILED wins, all COMPLETED wins next, else RUNNING if any
// subtask is RUNNING, else WAITING if a PENDING subtask has unmet
// dependencies, else PENDING.
func (t *Task) DeriveStatus() TaskStatus {
	if len(t.Plan.Subtasks) == 0 {
		return t.Status
	}

	completed := map[string]SubtaskStatus{}
	for _, st := range t.Plan.Subtasks {
		completed[st.SubtaskID] = st.Status
	}

	anyFailed, allCompleted, anyRunning, anyWaiting := false, true, false, false
	for _, st := range t.Plan.Subtasks {
		switch st.Status {
		case SubtaskFailed:
			anyFailed = true
		case SubtaskRunning:
			anyRunning = true
			allCompleted = false
		case SubtaskCompleted, SubtaskSkipped:
			// no-op, counts toward allCompleted
		default: // PENDING
			allCompleted = false
			if dependenciesUnmet(st.DependsOn, completed) {
				anyWaiting = true
			}
		}
	}

	switch {
	case anyFailed:
		return TaskFailed
	case allCompleted:
		return TaskCompleted
	case anyRunning:
		return TaskRunning
	case anyWaiting:
		return TaskWaiting
	default:
		return TaskPending
	}
}

func dependenciesUnmet(deps []string, status map[string]SubtaskStatus) bool {
	for _, d := range deps {
		if status[d] != SubtaskCompleted && status[d] != SubtaskSkipped {
			return true
		}
	}
	return false
}

// ReadyToRun reports whether every dependency of st has completed, the
// precondition for moving a PENDING subtask to RUNNING.
func (t *Task) ReadyToRun(st *Subtask) bool {
	byID := make(map[string]SubtaskStatus, len(t.Plan.Subtasks))
	for _, s := range t.Plan.Subtasks {
		byID[s.SubtaskID] = s.Status
	}
	return !dependenciesUnmet(st.DependsOn, byID)
}

// HasCycle detects a cycle in the depends_on graph via Kahn's algorithm.
func HasCycle(subtasks []*Subtask) bool {
	inDegree := make(map[string]int, len(subtasks))
	dependents := make(map[string][]string, len(subtasks))
	ids := make(map[string]bool, len(subtasks))

	for _, st := range subtasks {
		ids[st.SubtaskID] = true
		if _, ok := inDegree[st.SubtaskID]; !ok {
			inDegree[st.SubtaskID] = 0
		}
	}
	for _, st := range subtasks {
		for _, dep := range st.DependsOn {
			if !ids[dep] {
				continue
			}
			inDegree[st.SubtaskID]++
			dependents[dep] = append(dependents[dep], st.SubtaskID)
		}
	}

	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, dep := range dependents[id] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	return processed != len(subtasks)
}
