// Package bus defines the shared data model for the task and messaging
// substrate: tasks, subtasks, events, messages, agents, and verdicts.
package bus

import "errors"

// Sentinel errors shared across the core. Component-specific errors wrap
// these with fmt.Errorf("...: %w", err) so callers can use errors.Is.
var (
	ErrNotFound         = errors.New("entity not found")
	ErrAlreadyExists    = errors.New("entity already exists")
	ErrConflict         = errors.New("conflict: base revision mismatch")
	ErrValidation       = errors.New("validation error")
	ErrAdminRequired    = errors.New("admin privileges required")
	ErrNotRegistered    = errors.New("agent not registered")
	ErrSendDisabled     = errors.New("agent send disabled")
	ErrTemplateInvalid  = errors.New("outbox template invalid")
	ErrIdempotentReplay = errors.New("idempotent replay")
)
