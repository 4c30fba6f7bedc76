// Package verdict implements the CI gate verdict handler: loading a verdict
// file, normalizing its status and fail_codes, resolving it to a task,
// publishing VerdictGenerated, and synthesizing one repair subtask per fail
// code.
package verdict

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/c360studio/busd/internal/bus"
	"github.com/c360studio/busd/internal/events"
	"github.com/c360studio/busd/internal/orchestrator"
	"github.com/c360studio/busd/internal/taskid"
)

// repairDescriptions is the fixed fail_code -> repair-subtask description
// lookup table.
var repairDescriptions = map[string]string{
	"SELFTEST_USER_SUPPLIED":    "修复：移除用户提供的 selftest.log，仅使用 CI 生成的 ci_selftest_proof.json",
	"EVIDENCE_SCOPE_VIOLATION":  "修复：确保所有 evidence_paths 都在 artifacts 目录下",
	"STAGE_MISSING":             "修复：补充缺失的阶段文件",
	"STAGE_VALIDATION_FAILED":   "修复：修正阶段文件验证错误",
	"ABSOLUTE_PATH_IN_EVIDENCE": "修复：将所有绝对路径改为相对路径",
}

// RepairDescription returns the fixed description for fail_code, falling
// back to the generic "CI gate failure" template for unknown codes.
func RepairDescription(failCode string) string {
	if d, ok := repairDescriptions[failCode]; ok {
		return d
	}
	return fmt.Sprintf("修复 CI 门禁失败：%s", failCode)
}

// rawVerdict is the tolerant, schema-drift-friendly decode shape for a
// verdict file: status is case-insensitive, and fail_codes may be absent
// in favor of a checks array.
type rawVerdict struct {
	Status    string `json:"status"`
	TaskCode  string `json:"task_code"`
	FailCodes []string `json:"fail_codes"`
	Checks    []struct {
		Name   string `json:"name"`
		Status string `json:"status"`
	} `json:"checks"`
}

// Handler resolves verdicts to tasks and generates repair subtasks.
type Handler struct {
	taskIDs      *taskid.Manager
	orchestrator *orchestrator.Orchestrator
	publisher    *events.Publisher
}

// NewHandler constructs a verdict Handler.
func NewHandler(taskIDs *taskid.Manager, orch *orchestrator.Orchestrator, publisher *events.Publisher) *Handler {
	return &Handler{taskIDs: taskIDs, orchestrator: orch, publisher: publisher}
}

// ErrUnresolvedTask is returned when a verdict's task_code cannot be
// resolved or migrated to a task_id.
var ErrUnresolvedTask = fmt.Errorf("verdict: could not resolve task_code to a task_id")

// ProcessVerdictFile loads the verdict JSON at path and processes it.
func (h *Handler) ProcessVerdictFile(ctx context.Context, path string) (*bus.Verdict, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read verdict file: %w", err)
	}
	return h.ProcessVerdict(ctx, data)
}

// ProcessVerdict normalizes raw, resolves its task, publishes
// VerdictGenerated, and on fail appends repair subtasks.
func (h *Handler) ProcessVerdict(ctx context.Context, raw []byte) (*bus.Verdict, error) {
	var rv rawVerdict
	if err := json.Unmarshal(raw, &rv); err != nil {
		return nil, fmt.Errorf("decode verdict: %w", err)
	}

	v := &bus.Verdict{
		Status:    bus.NormalizeVerdictStatus(rv.Status),
		TaskCode:  rv.TaskCode,
		FailCodes: deriveFailCodes(rv),
	}

	taskID, err := h.taskIDs.GetTaskID(ctx, rv.TaskCode)
	if err != nil {
		return nil, fmt.Errorf("resolve task_code: %w", err)
	}
	if taskID == "" {
		taskID, err = h.taskIDs.EnsureTaskID(ctx, rv.TaskCode, "")
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnresolvedTask, err)
		}
	}
	if taskID == "" {
		return nil, ErrUnresolvedTask
	}

	if h.publisher != nil {
		if _, err := h.publisher.PublishVerdictEvent(ctx, taskID, map[string]any{
			"status": v.Status, "fail_codes": v.FailCodes,
		}, "verdict-handler"); err != nil {
			return nil, fmt.Errorf("publish verdict event: %w", err)
		}
	}

	if v.Status == bus.VerdictFail && len(v.FailCodes) > 0 {
		if err := h.appendRepairSubtasks(ctx, taskID, v.FailCodes, rv); err != nil {
			return nil, err
		}
	}

	return v, nil
}

// deriveFailCodes prefers a top-level fail_codes list; otherwise it derives
// codes from non-PASS checks, uppercasing names and turning "-"/space into
// "_", de-duplicating while preserving first-seen order.
func deriveFailCodes(rv rawVerdict) []string {
	if len(rv.FailCodes) > 0 {
		return dedupPreserveOrder(rv.FailCodes)
	}

	var codes []string
	for _, check := range rv.Checks {
		if strings.EqualFold(check.Status, "PASS") {
			continue
		}
		name := strings.ToUpper(check.Name)
		name = strings.NewReplacer("-", "_", " ", "_").Replace(name)
		codes = append(codes, name)
	}
	return dedupPreserveOrder(codes)
}

func dedupPreserveOrder(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

func (h *Handler) appendRepairSubtasks(ctx context.Context, taskID string, failCodes []string, rv rawVerdict) error {
	task, err := h.orchestrator.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task for repair subtasks: %w", err)
	}

	existing := make(map[string]bool, len(task.Plan.Subtasks))
	for _, st := range task.Plan.Subtasks {
		existing[st.SubtaskID] = true
	}

	verdictData := map[string]any{"status": string(rv.Status), "fail_codes": failCodes}

	added := false
	for _, code := range failCodes {
		subtaskID := fmt.Sprintf("%s-REPAIR-%s", taskID, code)
		if existing[subtaskID] {
			continue
		}
		task.Plan.Subtasks = append(task.Plan.Subtasks, &bus.Subtask{
			SubtaskID:   subtaskID,
			Role:        "quant_dev_infra",
			Action:      "fix",
			Priority:    "high",
			TimeoutSec:  3600,
			Status:      bus.SubtaskPending,
			Inputs:      map[string]any{"fail_code": code, "verdict_data": verdictData},
			Outputs:     []string{"修复 " + code + " 问题", "更新任务状态"},
			Description: RepairDescription(code),
		})
		existing[subtaskID] = true
		added = true

		if h.publisher != nil {
			if err := h.publisher.PublishEvent(ctx, &bus.Event{
				Type: bus.EventSubtaskCreated, CorrelationID: taskID,
				Payload: map[string]any{"subtask_id": subtaskID, "fail_code": code}, Source: "verdict-handler",
			}); err != nil {
				return fmt.Errorf("publish subtask created: %w", err)
			}
		}
	}

	if !added {
		return nil
	}
	task.Status = task.DeriveStatus()
	return h.orchestrator.Put(ctx, task)
}
