// Package aggregator implements the subtask result merger:
// concatenate/intelligent/voting/weighted merge strategies over a task's
// completed subtasks, plus a per-task message-file fallback for
// intermediate results when no task document exists.
package aggregator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/c360studio/busd/internal/bus"
	"github.com/c360studio/busd/internal/orchestrator"
)

// Strategy names the merge algorithm get_result applies to a task's
// subtask results.
type Strategy string

const (
	Concatenate Strategy = "concatenate"
	Intelligent Strategy = "intelligent"
	Voting      Strategy = "voting"
	Weighted    Strategy = "weighted"
)

// SubtaskRecord is the per-subtask projection get_result reports.
type SubtaskRecord struct {
	SubtaskID   string         `json:"subtask_id"`
	AgentID     string         `json:"agent_id,omitempty"`
	Status      bus.SubtaskStatus `json:"status"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   string         `json:"started_at,omitempty"`
	CompletedAt string         `json:"completed_at,omitempty"`
}

// Aggregator merges subtask results for task completion reporting.
type Aggregator struct {
	orchestrator *orchestrator.Orchestrator
	mailDir      string
}

// New constructs an Aggregator over the task orchestrator. mailDir is the
// per-task mailbox root used by the include_intermediate fallback scan.
func New(orch *orchestrator.Orchestrator, mailDir string) *Aggregator {
	return &Aggregator{orchestrator: orch, mailDir: mailDir}
}

// Records projects task into the per-subtask records get_result reports.
func Records(task *bus.Task) []SubtaskRecord {
	out := make([]SubtaskRecord, 0, len(task.Plan.Subtasks))
	for _, st := range task.Plan.Subtasks {
		rec := SubtaskRecord{SubtaskID: st.SubtaskID, AgentID: st.AssignedAgent, Status: st.Status, Result: st.Result, Error: st.Error}
		if st.StartedAt != nil {
			rec.StartedAt = st.StartedAt.Format(timeLayout)
		}
		if st.CompletedAt != nil {
			rec.CompletedAt = st.CompletedAt.Format(timeLayout)
		}
		out = append(out, rec)
	}
	return out
}

const timeLayout = "2006-01-02T15:04:05.999999999Z07:00"

// GetResult loads task, optionally falling back to a per-task message-file
// scan when the task document is missing and includeIntermediate is set,
// and merges its subtask records with strategy.
func (a *Aggregator) GetResult(ctx context.Context, taskID string, includeIntermediate bool, strategy Strategy, weights map[string]float64) (map[string]any, error) {
	task, err := a.orchestrator.Get(ctx, taskID)
	if err != nil {
		if includeIntermediate {
			return a.fallbackFromMessages(ctx, taskID, strategy)
		}
		return nil, err
	}

	records := Records(task)
	return Merge(records, strategy, weights)
}

// fallbackFromMessages scans the per-task mailbox directory for response
// messages when no task document exists.
func (a *Aggregator) fallbackFromMessages(ctx context.Context, taskID string, strategy Strategy) (map[string]any, error) {
	dir := filepath.Join(a.mailDir, taskID, "messages")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan message files for %q: %w", taskID, err)
	}

	records := make([]SubtaskRecord, len(entries))
	g, _ := errgroup.WithContext(ctx)
	for i, entry := range entries {
		i, entry := i, entry
		g.Go(func() error {
			if entry.IsDir() {
				return nil
			}
			data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
			if err != nil {
				return fmt.Errorf("read message file %q: %w", entry.Name(), err)
			}
			var msg bus.Message
			if err := json.Unmarshal(data, &msg); err != nil {
				return fmt.Errorf("unmarshal message file %q: %w", entry.Name(), err)
			}
			if msg.Kind != "response" {
				return nil
			}
			text, _ := msg.MessageText()
			records[i] = SubtaskRecord{SubtaskID: msg.MsgID, AgentID: msg.FromAgent, Status: bus.SubtaskCompleted, Result: map[string]any{"message": text}}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	filtered := records[:0]
	for _, r := range records {
		if r.SubtaskID != "" {
			filtered = append(filtered, r)
		}
	}
	return Merge(filtered, strategy, nil)
}

// Merge dispatches to the named strategy.
func Merge(records []SubtaskRecord, strategy Strategy, weights map[string]float64) (map[string]any, error) {
	switch strategy {
	case "", Concatenate:
		return mergeConcatenate(records), nil
	case Intelligent:
		return mergeIntelligent(records), nil
	case Voting:
		return mergeVoting(records), nil
	case Weighted:
		return mergeWeighted(records, weights), nil
	default:
		return nil, fmt.Errorf("aggregator: unknown strategy %q", strategy)
	}
}

// mergeConcatenate sorts by completed_at (falling back to subtask_id for a
// stable order when timestamps tie or are absent) and appends results in
// order.
func mergeConcatenate(records []SubtaskRecord) map[string]any {
	sorted := append([]SubtaskRecord(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].CompletedAt != sorted[j].CompletedAt {
			return sorted[i].CompletedAt < sorted[j].CompletedAt
		}
		return sorted[i].SubtaskID < sorted[j].SubtaskID
	})

	content := make(map[string]any, len(sorted))
	for _, r := range sorted {
		content[r.SubtaskID] = r.Result
	}
	return map[string]any{"strategy": string(Concatenate), "subtasks": sorted, "content": content}
}

// mergeIntelligent partitions subtasks by content kind: a result dict
// carrying "code" or "files" is code, one carrying "documentation" or
// "report" is doc, everything else is data.
func mergeIntelligent(records []SubtaskRecord) map[string]any {
	var code, doc, data []SubtaskRecord
	for _, r := range records {
		switch {
		case hasAnyKey(r.Result, "code", "files"):
			code = append(code, r)
		case hasAnyKey(r.Result, "documentation", "report"):
			doc = append(doc, r)
		default:
			data = append(data, r)
		}
	}
	return map[string]any{
		"strategy": string(Intelligent),
		"code":     code,
		"doc":      doc,
		"data":     data,
		"subtasks": records,
	}
}

func hasAnyKey(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

// mergeVoting groups records by the string hash of their result and picks
// the group with the most votes.
func mergeVoting(records []SubtaskRecord) map[string]any {
	type group struct {
		hash    string
		result  map[string]any
		members []SubtaskRecord
	}
	groups := map[string]*group{}
	var order []string
	for _, r := range records {
		h := resultHash(r.Result)
		g, ok := groups[h]
		if !ok {
			g = &group{hash: h, result: r.Result}
			groups[h] = g
			order = append(order, h)
		}
		g.members = append(g.members, r)
	}

	var winner *group
	for _, h := range order {
		g := groups[h]
		if winner == nil || len(g.members) > len(winner.members) {
			winner = g
		}
	}
	if winner == nil {
		return map[string]any{"strategy": string(Voting), "votes": 0, "alternatives": 0}
	}
	return map[string]any{
		"strategy":     string(Voting),
		"result":       winner.result,
		"votes":        len(winner.members),
		"alternatives": len(order) - 1,
		"subtasks":     records,
	}
}

func resultHash(result map[string]any) string {
	data, _ := json.Marshal(result)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// mergeWeighted normalizes weights (default 1.0 per subtask) and sums
// numeric fields across results by weight; non-numeric field values are
// taken from the last contributing subtask.
func mergeWeighted(records []SubtaskRecord, weights map[string]float64) map[string]any {
	total := 0.0
	resolved := make(map[string]float64, len(records))
	for _, r := range records {
		w, ok := weights[r.SubtaskID]
		if !ok {
			w = 1.0
		}
		resolved[r.SubtaskID] = w
		total += w
	}

	merged := map[string]any{}
	for _, r := range records {
		w := resolved[r.SubtaskID]
		if total > 0 {
			w /= total
		}
		for k, v := range r.Result {
			if num, ok := asFloat(v); ok {
				cur, _ := asFloat(merged[k])
				merged[k] = cur + num*w
			} else {
				merged[k] = v
			}
		}
	}
	return map[string]any{"strategy": string(Weighted), "content": merged, "weights": resolved, "subtasks": records}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
