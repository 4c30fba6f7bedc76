// Package ingress implements the external ingress bridge: inbound HTTP
// handlers that accept task-create/log-append/status-update calls from an
// external task-management system, and the outbound event-to-external
// payload conversion + push used by the external-bridge subscriber.
package ingress

import (
	"github.com/c360studio/busd/internal/bus"
)

// ToExternalPayload rewrites an internal Event into the external payload
// shape: task_id is the external (aws) id when known, else the internal t1
// id; t1_task_id always carries the internal id.
func ToExternalPayload(e *bus.Event, externalTaskID, t1TaskID string) map[string]any {
	taskID := t1TaskID
	if externalTaskID != "" {
		taskID = externalTaskID
	}

	out := map[string]any{
		"event_type":  string(e.Type),
		"task_id":     taskID,
		"t1_task_id":  t1TaskID,
		"timestamp":   e.Timestamp,
		"source":      e.Source,
		"payload":     e.Payload,
	}

	switch e.Type {
	case bus.EventVerdictGenerated:
		out["verdict"] = e.Payload
	case bus.EventSubtaskCompleted:
		out["subtask"] = e.Payload
	case bus.EventTaskUpdated:
		switch updateType, _ := e.Payload["update_type"].(string); updateType {
		case "log_append":
			out["log"] = e.Payload
		case "status_update":
			out["status"] = e.Payload
		}
	}
	return out
}
