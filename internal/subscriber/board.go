package subscriber

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/c360studio/busd/internal/bus"
)

// BoardEntry is one row in the board document.
type BoardEntry struct {
	TaskID    string `json:"task_id"`
	Status    string `json:"status"`
	Artifacts string `json:"artifacts,omitempty"`
	UpdatedAt string `json:"updated_at"`
}

// Board is the single JSON board document the board subscriber maintains,
// persisted the same way internal/registry snapshots its map: one mutex,
// one JSON file written on every mutation.
type Board struct {
	mu      sync.Mutex
	path    string
	entries map[string]*BoardEntry
}

// NewBoard constructs a Board backed by the JSON file at path.
func NewBoard(path string) *Board {
	return &Board{path: path, entries: map[string]*BoardEntry{}}
}

// Load reads the board snapshot from disk, if present.
func (b *Board) Load() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load board: %w", err)
	}
	var entries map[string]*BoardEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("unmarshal board: %w", err)
	}
	b.entries = entries
	return nil
}

func (b *Board) persist() error {
	if b.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(b.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal board: %w", err)
	}
	if err := os.WriteFile(b.path, data, 0o644); err != nil {
		return fmt.Errorf("persist board: %w", err)
	}
	return nil
}

// Get returns a copy of the board entry for taskID, if present.
func (b *Board) Get(taskID string) (BoardEntry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[taskID]
	if !ok {
		return BoardEntry{}, false
	}
	return *e, true
}

// Apply mutates the board per the event type: TaskCreated adds an ACTIVE
// entry, TaskUpdated sets status from the payload (uppercased),
// VerdictGenerated sets status to FAILED on fail / DONE otherwise and joins
// fail_codes into artifacts, SubtaskCompleted makes no board change, and
// every other event type (the metrics events) is a no-op ack.
func (b *Board) Apply(_ context.Context, e *bus.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	switch e.Type {
	case bus.EventTaskCreated:
		b.entries[e.CorrelationID] = &BoardEntry{TaskID: e.CorrelationID, Status: "ACTIVE", UpdatedAt: now}
	case bus.EventTaskUpdated:
		status, _ := e.Payload["status"].(string)
		if status == "" {
			return nil
		}
		entry := b.entryFor(e.CorrelationID)
		entry.Status = strings.ToUpper(status)
		entry.UpdatedAt = now
	case bus.EventVerdictGenerated:
		entry := b.entryFor(e.CorrelationID)
		verdictStatus, _ := e.Payload["status"].(string)
		if strings.EqualFold(verdictStatus, "fail") {
			entry.Status = "FAILED"
		} else {
			entry.Status = "DONE"
		}
		entry.Artifacts = joinFailCodes(e.Payload["fail_codes"])
		entry.UpdatedAt = now
	case bus.EventSubtaskCompleted:
		// no board change
	default:
		// metrics events: no-op ack
	}
	return b.persist()
}

func (b *Board) entryFor(taskID string) *BoardEntry {
	if e, ok := b.entries[taskID]; ok {
		return e
	}
	e := &BoardEntry{TaskID: taskID}
	b.entries[taskID] = e
	return e
}

func joinFailCodes(v any) string {
	list, ok := v.([]any)
	if !ok {
		return ""
	}
	parts := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ",")
}
