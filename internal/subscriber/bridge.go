package subscriber

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/c360studio/busd/internal/bus"
	"github.com/c360studio/busd/internal/ingress"
	"github.com/c360studio/busd/internal/orchestrator"
	"github.com/c360studio/busd/internal/taskid"
)

// BridgeHandler converts events to the external payload shape and pushes
// them via an ingress.Pusher.
type BridgeHandler struct {
	pusher  *ingress.Pusher
	taskIDs *taskid.Manager
	log     *slog.Logger
}

// NewBridgeHandler constructs a BridgeHandler.
func NewBridgeHandler(pusher *ingress.Pusher, taskIDs *taskid.Manager, log *slog.Logger) *BridgeHandler {
	if log == nil {
		log = slog.Default()
	}
	return &BridgeHandler{pusher: pusher, taskIDs: taskIDs, log: log}
}

// Handle resolves the event's external (aws) task id, if mapped, and pushes
// the event to the external endpoint.
func (h *BridgeHandler) Handle(ctx context.Context, e *bus.Event) error {
	externalID := ""
	if h.taskIDs != nil && e.CorrelationID != "" {
		if code, err := h.taskIDs.GetTaskCode(ctx, e.CorrelationID); err == nil {
			externalID = code
		}
	}
	return h.pusher.Push(ctx, e, externalID, e.CorrelationID)
}

// OrchestratorHandler drives task state from the orchestrator lane: on
// TaskCreated it moves the task's ready subtasks (all dependencies met) to
// RUNNING, which flips the derived task status from PENDING to RUNNING.
// Re-applying the same event is harmless: a subtask already past PENDING is
// skipped, so at-least-once delivery never compounds the transition.
type OrchestratorHandler struct {
	orchestrator *orchestrator.Orchestrator
	log          *slog.Logger
}

// NewOrchestratorHandler constructs an OrchestratorHandler.
func NewOrchestratorHandler(orch *orchestrator.Orchestrator, log *slog.Logger) *OrchestratorHandler {
	if log == nil {
		log = slog.Default()
	}
	return &OrchestratorHandler{orchestrator: orch, log: log}
}

// Handle dispatches TaskCreated events; everything else on this lane is
// observational and acked as a no-op (SubtaskCompleted and TaskUpdated are
// produced by the orchestrator's own synchronous transitions).
func (h *OrchestratorHandler) Handle(ctx context.Context, e *bus.Event) error {
	if e.Type != bus.EventTaskCreated {
		h.log.Debug("orchestrator lane event observed", "type", e.Type, "correlation_id", e.CorrelationID)
		return nil
	}

	task, err := h.orchestrator.Get(ctx, e.CorrelationID)
	if err != nil {
		return fmt.Errorf("load task %q: %w", e.CorrelationID, err)
	}

	for _, st := range task.Plan.Subtasks {
		if st.Status != bus.SubtaskPending || !task.ReadyToRun(st) {
			continue
		}
		if _, err := h.orchestrator.UpdateSubtaskStatus(ctx, task.TaskID, st.SubtaskID, bus.SubtaskRunning, "", nil, ""); err != nil {
			return fmt.Errorf("start subtask %q: %w", st.SubtaskID, err)
		}
	}
	return nil
}
