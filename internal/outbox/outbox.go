// Package outbox implements the hard outbound-message gate: every
// agent-to-agent message passes through ata_send_request / ata_send_review
// before delivery. Requests persist as JetStream KV entries; approved sends
// additionally write one JSON file per message under the per-task mailbox
// layout and push into the delivery tracker queue.
package outbox

import (
	"context"
	"crypto/md5" //nolint:gosec // non-cryptographic id fingerprint, not a security boundary
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/busd/internal/bus"
	"github.com/c360studio/busd/internal/convo"
	"github.com/c360studio/busd/internal/kvstore"
	"github.com/c360studio/busd/internal/metrics"
	"github.com/c360studio/busd/internal/queue"
	"github.com/c360studio/busd/internal/registry"
)

const idTimeLayout = "20060102150405"

// newRequestID mints an ATA-OUTBOX-{yyyymmddHHMMSS}-{10-hex} id.
func newRequestID(taskcode, fromAgent, toAgent string) string {
	sum := md5.Sum([]byte(taskcode + fromAgent + toAgent)) //nolint:gosec
	return fmt.Sprintf("ATA-OUTBOX-%s-%s", time.Now().UTC().Format(idTimeLayout), hex.EncodeToString(sum[:])[:10])
}

// newMsgID mints an ATA-MSG-{yyyymmddHHMMSS}-{8-hex} id.
func newMsgID(taskcode string) string {
	sum := md5.Sum([]byte(taskcode)) //nolint:gosec
	return fmt.Sprintf("ATA-MSG-%s-%s", time.Now().UTC().Format(idTimeLayout), hex.EncodeToString(sum[:])[:8])
}

// BucketOutbox is the JetStream KV bucket backing outbox requests.
const BucketOutbox = "BUSD_OUTBOX"

// ErrNotPending is returned by Review when the target request is not
// status=pending; re-rejecting or re-approving is idempotent in the sense
// that it surfaces the current status rather than silently succeeding.
var ErrNotPending = fmt.Errorf("outbox: request is not pending")

// Action is the admin's disposition for a review.
type Action string

const (
	Approve Action = "approve"
	Reject  Action = "reject"
)

// Outbox owns pending/approved/rejected requests and the real send logic.
type Outbox struct {
	kv       jetstream.KeyValue
	registry *registry.Registry
	convo    *convo.Store
	tracker  *queue.Queue
	mailDir  string
}

// New opens (creating if necessary) the outbox bucket. mailDir is the root
// of the per-task mailbox file tree (<mailDir>/<taskcode>/messages/...).
// tracker, when non-nil, is the durable queue approved messages are pushed
// into for delivery tracking.
func New(ctx context.Context, js jetstream.JetStream, reg *registry.Registry, convoStore *convo.Store, tracker *queue.Queue, mailDir string) (*Outbox, error) {
	kv, err := kvstore.GetOrCreateBucket(ctx, js, BucketOutbox, 5)
	if err != nil {
		return nil, fmt.Errorf("open outbox bucket: %w", err)
	}
	return &Outbox{kv: kv, registry: reg, convo: convoStore, tracker: tracker, mailDir: mailDir}, nil
}

func (o *Outbox) put(ctx context.Context, req *bus.OutboxRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal outbox request: %w", err)
	}
	if _, err := o.kv.Put(ctx, req.RequestID, data); err != nil {
		return fmt.Errorf("store outbox request: %w", err)
	}
	return nil
}

// Get retrieves a request by id.
func (o *Outbox) Get(ctx context.Context, requestID string) (*bus.OutboxRequest, error) {
	entry, err := o.kv.Get(ctx, requestID)
	if err != nil {
		if kvstore.IsNotFound(err) {
			return nil, bus.ErrNotFound
		}
		return nil, fmt.Errorf("get outbox request: %w", err)
	}
	var req bus.OutboxRequest
	if err := json.Unmarshal(entry.Value(), &req); err != nil {
		return nil, fmt.Errorf("unmarshal outbox request: %w", err)
	}
	return &req, nil
}

// SendRequest enqueues a new OutboxRequest. Preconditions: both agents must
// be registered, and from_agent must have send_enabled=true.
func (o *Outbox) SendRequest(ctx context.Context, taskcode, fromAgent, toAgent, kind string, payload map[string]any,
	priority bus.MessagePriority, requiresResponse bool, contextHint, reportPath, selftestLogPath, evidenceDir string) (*bus.OutboxRequest, error) {

	from, ok := o.registry.Get(fromAgent)
	if !ok {
		return nil, fmt.Errorf("%w: from_agent %q", bus.ErrNotRegistered, fromAgent)
	}
	if _, ok := o.registry.Get(toAgent); !ok {
		return nil, fmt.Errorf("%w: to_agent %q", bus.ErrNotRegistered, toAgent)
	}
	if !from.SendEnabled {
		return nil, fmt.Errorf("%w: agent %q", bus.ErrSendDisabled, fromAgent)
	}

	req := &bus.OutboxRequest{
		RequestID:        newRequestID(taskcode, fromAgent, toAgent),
		TaskCode:         taskcode,
		FromAgent:        fromAgent,
		ToAgent:          toAgent,
		Kind:             kind,
		Payload:          payload,
		Priority:         priority,
		RequiresResponse: requiresResponse,
		ContextHint:      contextHint,
		ReportPath:       reportPath,
		SelftestLogPath:  selftestLogPath,
		EvidenceDir:      evidenceDir,
		Status:           bus.OutboxPending,
		CreatedAt:        time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := o.put(ctx, req); err != nil {
		return nil, err
	}
	metrics.OutboxPendingDepth.Inc()
	return req, nil
}

// templateError names the specific validation failure so Review can set
// reject_reason to it.
type templateError struct{ reason string }

func (e *templateError) Error() string { return e.reason }

func isSafeEvidencePath(p string) bool {
	if p == "" {
		return false
	}
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, `\`) {
		return false
	}
	if len(p) >= 2 && p[1] == ':' {
		return false // C:-style absolute path
	}
	for _, seg := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return false
		}
	}
	return doublestar.ValidatePattern(p)
}

// validateTemplate runs the three hard-gate checks a send must pass before
// it is allowed to proceed, regardless of the admin's intent.
func (o *Outbox) validateTemplate(req *bus.OutboxRequest) error {
	for _, p := range []string{req.ReportPath, req.SelftestLogPath, req.EvidenceDir} {
		if !isSafeEvidencePath(p) {
			return &templateError{reason: fmt.Sprintf("TEMPLATE_INVALID: unsafe evidence path %q", p)}
		}
	}

	toAgent, ok := o.registry.Get(req.ToAgent)
	if !ok {
		return &templateError{reason: fmt.Sprintf("TEMPLATE_INVALID: recipient %q not registered", req.ToAgent)}
	}
	displayName := toAgent.DisplayName()

	text, ok := messageText(req.Payload)
	if !ok || strings.TrimSpace(text) == "" {
		return &templateError{reason: "TEMPLATE_INVALID: payload.message (or .text) must be a non-empty string"}
	}
	if !strings.HasPrefix(strings.TrimSpace(text), "@"+displayName) {
		return &templateError{reason: fmt.Sprintf("TEMPLATE_INVALID: message must start with '@%s'", displayName)}
	}
	return nil
}

func messageText(payload map[string]any) (string, bool) {
	if v, ok := payload["message"]; ok {
		if s, ok := v.(string); ok {
			return s, true
		}
	}
	if v, ok := payload["text"]; ok {
		if s, ok := v.(string); ok {
			return s, true
		}
	}
	return "", false
}

// Review applies an admin decision to a pending request. Approve runs
// template validation (hard-rejecting on failure regardless of admin
// intent) followed by the real send; reject simply marks the request
// rejected. Acting on a non-pending request returns ErrNotPending naming
// the current status.
func (o *Outbox) Review(ctx context.Context, requestID string, action Action, reason, reviewedBy string) (*bus.OutboxRequest, error) {
	req, err := o.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != bus.OutboxPending {
		return nil, fmt.Errorf("%w: current status %q", ErrNotPending, req.Status)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	req.ReviewedAt = now
	req.ReviewedBy = reviewedBy

	if action == Reject {
		req.Status = bus.OutboxRejected
		req.RejectReason = reason
		if err := o.put(ctx, req); err != nil {
			return nil, err
		}
		metrics.OutboxPendingDepth.Dec()
		metrics.OutboxRejected.Inc()
		return req, nil
	}

	if tErr := o.validateTemplate(req); tErr != nil {
		req.Status = bus.OutboxRejected
		req.RejectReason = tErr.Error()
		if err := o.put(ctx, req); err != nil {
			return nil, err
		}
		metrics.OutboxPendingDepth.Dec()
		metrics.OutboxRejected.Inc()
		return req, nil
	}

	result, sendErr := o.send(ctx, req)
	if sendErr != nil {
		req.LastError = sendErr.Error()
		return req, o.put(ctx, req)
	}

	req.SendResult = result
	req.Status = bus.OutboxApproved
	if err := o.put(ctx, req); err != nil {
		return nil, err
	}
	metrics.OutboxPendingDepth.Dec()
	metrics.OutboxApproved.Inc()
	return req, nil
}

// send re-validates registration and the comm-rule prefix fail-closed,
// computes the canonical hash, writes the per-message mailbox file, and
// updates the conversation context.
func (o *Outbox) send(ctx context.Context, req *bus.OutboxRequest) (*bus.SendResult, error) {
	from, ok := o.registry.Get(req.FromAgent)
	if !ok || !from.SendEnabled {
		return nil, fmt.Errorf("%w: from_agent %q", bus.ErrSendDisabled, req.FromAgent)
	}
	toAgent, ok := o.registry.Get(req.ToAgent)
	if !ok {
		return nil, fmt.Errorf("%w: to_agent %q", bus.ErrNotRegistered, req.ToAgent)
	}
	text, _ := messageText(req.Payload)
	if !strings.HasPrefix(strings.TrimSpace(text), "@"+toAgent.DisplayName()) {
		return nil, bus.ErrTemplateInvalid
	}

	msg := &bus.Message{
		MsgID:            newMsgID(req.TaskCode),
		TaskCode:         req.TaskCode,
		FromAgent:        req.FromAgent,
		ToAgent:          req.ToAgent,
		Kind:             req.Kind,
		Payload:          req.Payload,
		Priority:         req.Priority,
		RequiresResponse: req.RequiresResponse,
		Status:           bus.MessagePending,
	}
	hash, err := msg.CanonicalHash()
	if err != nil {
		return nil, fmt.Errorf("hash message: %w", err)
	}
	msg.SHA256 = hash

	filePath, err := o.writeMessageFile(req.TaskCode, msg)
	if err != nil {
		return nil, err
	}

	if o.convo != nil {
		if _, err := o.convo.Update(ctx, req.TaskCode, req.FromAgent, req.ToAgent, "", nil, nil); err != nil {
			return nil, fmt.Errorf("update conversation context: %w", err)
		}
	}

	if o.tracker != nil {
		data, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("marshal message for delivery tracking: %w", err)
		}
		if _, err := o.tracker.Enqueue(ctx, msg.MsgID, req.TaskCode, req.ToAgent, data); err != nil {
			return nil, fmt.Errorf("enqueue message for delivery tracking: %w", err)
		}
	}

	return &bus.SendResult{MsgID: msg.MsgID, SHA256: hash, FilePath: filePath}, nil
}

// writeMessageFile writes msg as one JSON file under
// <mailDir>/<taskcode>/messages/<timestamp>-<msg_id>.json.
func (o *Outbox) writeMessageFile(taskcode string, msg *bus.Message) (string, error) {
	dir := filepath.Join(o.mailDir, taskcode, "messages")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create mailbox dir: %w", err)
	}

	filename := fmt.Sprintf("%s-%s.json", time.Now().UTC().Format("20060102T150405.000000"), msg.MsgID)
	path := filepath.Join(dir, filename)

	data, err := json.MarshalIndent(msg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write message file: %w", err)
	}
	return path, nil
}
