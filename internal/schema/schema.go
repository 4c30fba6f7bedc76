// Package schema validates inbound Task/Subtask/Event/Message payloads and
// the canonical result pack submitted by workers at task completion.
// Validators operate on the typed structs in internal/bus rather than loose
// maps, and every rejection carries one of the fixed reason codes callers
// and clients dispatch on.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/c360studio/busd/internal/bus"
)

var (
	uuidV4Pattern    = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)
	sha256HexPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)
	taskCodePattern  = regexp.MustCompile(`^[A-Z0-9-]+-v\d+(\.\d+)*__\d{8}$`)
)

// RejectionCode is one of the exact codes tests expect for a validation
// failure.
type RejectionCode string

const (
	MissingRequiredField RejectionCode = "MISSING_REQUIRED_FIELD"
	InvalidFieldOrder    RejectionCode = "INVALID_FIELD_ORDER"
	InvalidUUID          RejectionCode = "INVALID_UUID"
	InvalidStatus        RejectionCode = "INVALID_STATUS"
	InvalidSHA256        RejectionCode = "INVALID_SHA256"
)

// ValidationError is returned by every validator in this package. It wraps
// bus.ErrValidation so callers can test with errors.Is(err, bus.ErrValidation)
// without caring about the specific field or code.
type ValidationError struct {
	Code  RejectionCode
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Code, e.Field)
}

func (e *ValidationError) Unwrap() error {
	return bus.ErrValidation
}

func reject(code RejectionCode, field string) error {
	return &ValidationError{Code: code, Field: field}
}

// IsUUIDv4 reports whether s is a syntactically valid UUID v4.
func IsUUIDv4(s string) bool {
	return uuidV4Pattern.MatchString(strings.ToLower(s))
}

// IsSHA256Hex reports whether s is 64 lowercase hex digits.
func IsSHA256Hex(s string) bool {
	return sha256HexPattern.MatchString(s)
}

// ValidateEvent checks required fields, the type enum, and event_id shape.
func ValidateEvent(e *bus.Event) error {
	if e.EventID == "" {
		return reject(MissingRequiredField, "event_id")
	}
	if !IsUUIDv4(e.EventID) {
		return reject(InvalidUUID, "event_id")
	}
	switch e.Type {
	case bus.EventTaskCreated, bus.EventTaskUpdated, bus.EventSubtaskCreated,
		bus.EventSubtaskCompleted, bus.EventVerdictGenerated, bus.EventMessageSent,
		bus.EventMessageReceived, bus.EventPerfMetric, bus.EventDevloopMetric:
	default:
		return reject(InvalidStatus, "type")
	}
	return nil
}

// ValidateTask checks required fields and the status enum for a Task.
func ValidateTask(t *bus.Task) error {
	if t.TaskID == "" {
		return reject(MissingRequiredField, "task_id")
	}
	if t.Goal == "" {
		return reject(MissingRequiredField, "goal")
	}
	switch t.Status {
	case bus.TaskPending, bus.TaskRunning, bus.TaskWaiting, bus.TaskCompleted,
		bus.TaskFailed, bus.TaskCancelled:
	default:
		return reject(InvalidStatus, "status")
	}
	return nil
}

// ValidateSubtask checks required fields and the status enum for a Subtask.
func ValidateSubtask(s *bus.Subtask) error {
	if s.SubtaskID == "" {
		return reject(MissingRequiredField, "subtask_id")
	}
	if s.Action == "" {
		return reject(MissingRequiredField, "action")
	}
	switch s.Status {
	case bus.SubtaskPending, bus.SubtaskRunning, bus.SubtaskCompleted,
		bus.SubtaskFailed, bus.SubtaskSkipped:
	default:
		return reject(InvalidStatus, "status")
	}
	return nil
}

// ValidateMessage checks required fields and the SHA256 hash of a Message.
func ValidateMessage(m *bus.Message) error {
	if m.MsgID == "" {
		return reject(MissingRequiredField, "msg_id")
	}
	if m.ToAgent == "" {
		return reject(MissingRequiredField, "to_agent")
	}
	if m.SHA256 != "" && !IsSHA256Hex(m.SHA256) {
		return reject(InvalidSHA256, "sha256")
	}
	return nil
}

// ValidateVerdict checks the status enum of a Verdict.
func ValidateVerdict(v *bus.Verdict) error {
	switch v.Status {
	case bus.VerdictPass, bus.VerdictFail, bus.VerdictUnknown:
	default:
		return reject(InvalidStatus, "status")
	}
	return nil
}

// canonicalPackFields is the exact required key order for a canonical
// result pack. Field-order validation only applies when the caller can
// observe insertion order, i.e. when decoding from an ordered source; see
// ValidateCanonicalPackOrder.
var canonicalPackFields = []string{
	"task_code", "trace_id", "status", "submit_path", "ata_path",
	"evidence_paths", "sha256_map", "ruleset_sha256",
}

// CanonicalPack is the typed shape of the A2A result pack payload.
type CanonicalPack struct {
	TaskCode      string            `json:"task_code"`
	TraceID       string            `json:"trace_id"`
	Status        string            `json:"status"`
	SubmitPath    string            `json:"submit_path"`
	ATAPath       string            `json:"ata_path"`
	EvidencePaths []string          `json:"evidence_paths"`
	SHA256Map     map[string]string `json:"sha256_map"`
	RulesetSHA256 string            `json:"ruleset_sha256"`
}

// ValidateCanonicalPackOrder checks that keys, decoded in document order
// from the raw JSON object, appear in the exact order the Canonical Pack
// Contract requires. It returns InvalidFieldOrder on the first mismatch and
// MissingRequiredField if keys is shorter than the contract.
func ValidateCanonicalPackOrder(keys []string) error {
	if len(keys) < len(canonicalPackFields) {
		return reject(MissingRequiredField, canonicalPackFields[len(keys)])
	}
	for i, want := range canonicalPackFields {
		if keys[i] != want {
			return reject(InvalidFieldOrder, want)
		}
	}
	return nil
}

// ValidateCanonicalPackJSON decodes a raw A2A result pack, validates its
// top-level key order against the contract (keys are read in document
// order, preserving insertion order), then validates field shapes. This is
// the entry point the result-pack endpoint runs on every inbound pack.
func ValidateCanonicalPackJSON(raw []byte) (*CanonicalPack, error) {
	keys, err := topLevelKeys(raw)
	if err != nil {
		return nil, fmt.Errorf("decode canonical pack: %w (%v)", bus.ErrValidation, err)
	}
	if err := ValidateCanonicalPackOrder(keys); err != nil {
		return nil, err
	}

	var p CanonicalPack
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode canonical pack: %w (%v)", bus.ErrValidation, err)
	}
	if err := ValidateCanonicalPack(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// topLevelKeys reads the top-level object keys of raw in document order.
func topLevelKeys(raw []byte) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("canonical pack must be a JSON object")
	}

	var keys []string
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected token %v in canonical pack", keyTok)
		}
		keys = append(keys, key)

		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

// ValidateCanonicalPack validates field presence, the task_code pattern,
// trace_id UUID shape, status enum, and the hex-digest shape of every value
// in sha256_map plus ruleset_sha256.
func ValidateCanonicalPack(p *CanonicalPack) error {
	if p.TaskCode == "" {
		return reject(MissingRequiredField, "task_code")
	}
	if !taskCodePattern.MatchString(p.TaskCode) {
		return reject(InvalidStatus, "task_code")
	}
	if p.TraceID == "" {
		return reject(MissingRequiredField, "trace_id")
	}
	if !IsUUIDv4(p.TraceID) {
		return reject(InvalidUUID, "trace_id")
	}
	if p.Status != "PASS" && p.Status != "FAIL" {
		return reject(InvalidStatus, "status")
	}
	if p.RulesetSHA256 == "" {
		return reject(MissingRequiredField, "ruleset_sha256")
	}
	if !IsSHA256Hex(p.RulesetSHA256) {
		return reject(InvalidSHA256, "ruleset_sha256")
	}
	for k, v := range p.SHA256Map {
		if !IsSHA256Hex(v) {
			return reject(InvalidSHA256, "sha256_map."+k)
		}
	}
	return nil
}
