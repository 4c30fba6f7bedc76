// Package gate implements the cross-cutting access-tier policy: admin-only
// writes, public calls with narrower per-call gates, and system hooks that
// skip the admin check but still respect registration/template gates on the
// messages they emit. Admin privilege is a capability on the auth context,
// not a role derived later, and it is checked before any other work.
package gate

import (
	"fmt"

	"github.com/c360studio/busd/internal/bus"
)

// Tier classifies a tool call by the access check it requires.
type Tier string

const (
	TierAdmin  Tier = "admin"
	TierPublic Tier = "public"
	TierSystem Tier = "system"
)

// AdminOnly lists every tool name gated fail-closed on auth_ctx.is_admin.
var AdminOnly = map[string]bool{
	"inbox_append":       true,
	"board_set_status":   true,
	"doc_patch":          true,
	"ata_send":           true,
	"ata_send_review":    true,
	"task_create":        true,
	"agent_register":     true,
	"agent_approve":      true,
	"workflow_execute":   true,
	"result_get":         true,
	"admin_vault_put":    true,
	"admin_vault_get":    true,
}

// Public lists tools any authenticated caller may invoke, subject to their
// own narrower gates (registration, receiver-side checks, etc).
var Public = map[string]bool{
	"ata_send_request":  true,
	"agent_apply":       true,
	"ata_receive":       true,
	"ata_message_mark":  true,
	"inbox_tail":        true,
	"board_get":         true,
	"echo":              true,
	"ping":              true,
	"dialog_register":   true,
	"dialog_list":       true,
	"conversation_get":  true,
	"conversation_list": true,
}

// System lists the system-hook tools: callable by authenticated system
// users without admin privilege, but their emitted messages still pass
// through registration and template gates.
var System = map[string]bool{
	"ata_task_create": true,
	"ata_task_status": true,
	"ata_task_result": true,
	"ata_ci_verify":   true,
}

// TierOf classifies a tool name. An unknown tool defaults to TierAdmin,
// fail-closed, rather than silently granting public access to something
// the table doesn't yet know about.
func TierOf(tool string) Tier {
	switch {
	case AdminOnly[tool]:
		return TierAdmin
	case System[tool]:
		return TierSystem
	case Public[tool]:
		return TierPublic
	default:
		return TierAdmin
	}
}

// AuthContext carries the caller's privilege for a single tool invocation.
type AuthContext struct {
	IsAdmin      bool
	IsSystemUser bool
	CallerID     string
}

// AdminRequiredError is returned by Check when an admin-gated tool is
// invoked without admin privilege. Its Error() is the exact
// "ADMIN_REQUIRED: ..." string clients match on.
type AdminRequiredError struct{ Tool string }

func (e *AdminRequiredError) Error() string {
	return fmt.Sprintf("ADMIN_REQUIRED: %s requires ATA admin privileges (fail-closed)", e.Tool)
}

func (e *AdminRequiredError) Unwrap() error { return bus.ErrAdminRequired }

// Check runs the admin gate for tool. Callers must invoke it before any
// other work, including idempotency lookups.
func Check(tool string, auth AuthContext) error {
	if TierOf(tool) == TierAdmin && !auth.IsAdmin {
		return &AdminRequiredError{Tool: tool}
	}
	return nil
}
