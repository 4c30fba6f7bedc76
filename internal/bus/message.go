package bus

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// MessagePriority orders agent-to-agent messages for display/triage.
type MessagePriority string

const (
	PriorityLow    MessagePriority = "low"
	PriorityNormal MessagePriority = "normal"
	PriorityHigh   MessagePriority = "high"
	PriorityUrgent MessagePriority = "urgent"
)

// MessageStatus tracks an ATA message's delivery lifecycle.
type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
	MessageAcked     MessageStatus = "acked"
	MessageArchived  MessageStatus = "archived"
)

// Message is an agent-to-agent message that has passed outbox review and
// been delivered.
type Message struct {
	MsgID            string          `json:"msg_id"`
	TaskCode         string          `json:"taskcode,omitempty"`
	TaskID           string          `json:"task_id,omitempty"`
	FromAgent        string          `json:"from_agent"`
	ToAgent          string          `json:"to_agent"`
	Kind             string          `json:"kind"`
	Payload          map[string]any  `json:"payload"`
	PrevSHA256       string          `json:"prev_sha256,omitempty"`
	Priority         MessagePriority `json:"priority"`
	RequiresResponse bool            `json:"requires_response"`
	Status           MessageStatus   `json:"status"`
	SHA256           string          `json:"sha256"`
}

// CanonicalHash computes the sha256 of the message's contents excluding the
// sha256 and msg_id fields, over key-sorted JSON. Recomputing this from a
// persisted message must reproduce the stored value.
func (m *Message) CanonicalHash() (string, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return "", err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", err
	}
	delete(fields, "sha256")
	delete(fields, "msg_id")

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	canonical := make([]byte, 0, len(raw))
	canonical = append(canonical, '{')
	for i, k := range keys {
		if i > 0 {
			canonical = append(canonical, ',')
		}
		kb, _ := json.Marshal(k)
		canonical = append(canonical, kb...)
		canonical = append(canonical, ':')
		canonical = append(canonical, fields[k]...)
	}
	canonical = append(canonical, '}')

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// MessageText returns the textual body of the message payload, preferring
// "message" and falling back to "text".
func (m *Message) MessageText() (string, bool) {
	if v, ok := m.Payload["message"]; ok {
		if s, ok := v.(string); ok {
			return s, true
		}
	}
	if v, ok := m.Payload["text"]; ok {
		if s, ok := v.(string); ok {
			return s, true
		}
	}
	return "", false
}

// OutboxStatus is the approval state of an OutboxRequest.
type OutboxStatus string

const (
	OutboxPending  OutboxStatus = "pending"
	OutboxApproved OutboxStatus = "approved"
	OutboxRejected OutboxStatus = "rejected"
)

// SendResult captures the outcome of a real send triggered by approval.
type SendResult struct {
	MsgID    string `json:"msg_id"`
	SHA256   string `json:"sha256"`
	FilePath string `json:"file_path"`
}

// OutboxRequest is a would-be agent-to-agent message awaiting admin review.
type OutboxRequest struct {
	RequestID        string          `json:"request_id"`
	TaskCode         string          `json:"taskcode"`
	FromAgent        string          `json:"from_agent"`
	ToAgent          string          `json:"to_agent"`
	Kind             string          `json:"kind"`
	Payload          map[string]any  `json:"payload"`
	Priority         MessagePriority `json:"priority"`
	RequiresResponse bool            `json:"requires_response"`
	ContextHint      string          `json:"context_hint,omitempty"`
	ReportPath       string          `json:"report_path"`
	SelftestLogPath  string          `json:"selftest_log_path"`
	EvidenceDir      string          `json:"evidence_dir"`
	Status           OutboxStatus    `json:"status"`
	RejectReason     string          `json:"reject_reason,omitempty"`
	LastError        string          `json:"last_error,omitempty"`
	SendResult       *SendResult     `json:"send_result,omitempty"`
	CreatedAt        string          `json:"created_at"`
	ReviewedAt       string          `json:"reviewed_at,omitempty"`
	ReviewedBy       string          `json:"reviewed_by,omitempty"`
}
