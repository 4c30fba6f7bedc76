package ingress

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/c360studio/busd/internal/aggregator"
	"github.com/c360studio/busd/internal/audit"
	"github.com/c360studio/busd/internal/bus"
	"github.com/c360studio/busd/internal/events"
	"github.com/c360studio/busd/internal/gate"
	"github.com/c360studio/busd/internal/orchestrator"
	"github.com/c360studio/busd/internal/taskid"
)

// TaskTypeWhitelists holds both overlapping task-type whitelists as
// configurable sets; the operator selects which one an active ingress
// deployment enforces.
type TaskTypeWhitelists struct {
	RunPromptStyle map[string]bool // {RUN_PROMPT, RUN_SCRIPT, COLLECT_STATUS}
	EventStyle     map[string]bool // {TASK_CREATION, TASK_UPDATE, LOG_APPEND, STATUS_UPDATE}
}

// DefaultTaskTypeWhitelists returns both whitelists fully populated.
func DefaultTaskTypeWhitelists() TaskTypeWhitelists {
	return TaskTypeWhitelists{
		RunPromptStyle: toSet("RUN_PROMPT", "RUN_SCRIPT", "COLLECT_STATUS"),
		EventStyle:     toSet("TASK_CREATION", "TASK_UPDATE", "LOG_APPEND", "STATUS_UPDATE"),
	}
}

func toSet(values ...string) map[string]bool {
	s := make(map[string]bool, len(values))
	for _, v := range values {
		s[v] = true
	}
	return s
}

// Allowed reports whether taskType is permitted by either configured
// whitelist.
func (w TaskTypeWhitelists) Allowed(taskType string) bool {
	return w.RunPromptStyle[taskType] || w.EventStyle[taskType]
}

// Server implements the external ingress bridge's inbound HTTP surface.
type Server struct {
	db           *sqlx.DB
	taskIDs      *taskid.Manager
	publisher    *events.Publisher
	orchestrator *orchestrator.Orchestrator
	aggregator   *aggregator.Aggregator
	whitelists   TaskTypeWhitelists
	log          *slog.Logger
	audit        *audit.Logger
}

// NewServer constructs a Server; RegisterRoutes attaches its routes to a mux.
func NewServer(db *sqlx.DB, taskIDs *taskid.Manager, publisher *events.Publisher, orch *orchestrator.Orchestrator, agg *aggregator.Aggregator, whitelists TaskTypeWhitelists, log *slog.Logger, auditLog *audit.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{db: db, taskIDs: taskIDs, publisher: publisher, orchestrator: orch, aggregator: agg, whitelists: whitelists, log: log, audit: auditLog}
}

// awsAuth is the gate.AuthContext every /api/aws/* call runs under: the AWS
// bridge authenticates as a system user, never as an admin. gate.Check is a
// no-op for System-tier tools today, but the call stays on every handler so
// a tool accidentally reclassified Admin-tier fails closed here instead of
// silently granting the AWS bridge admin access.
func awsAuth(requestID string) gate.AuthContext {
	return gate.AuthContext{IsSystemUser: true, CallerID: requestID}
}

// recordAudit best-effort records a completed ingress call; a logging
// failure never overrides the handler's own HTTP response.
func (s *Server) recordAudit(tool, requestID string, params map[string]any, ok bool, err error, start time.Time) {
	if s.audit == nil {
		return
	}
	if recErr := s.audit.Record(tool, requestID, "aws_gateway", "system", requestID, params, ok, err, time.Since(start)); recErr != nil {
		s.log.Error("audit record failed", "tool", tool, "error", recErr)
	}
}

// RegisterRoutes mounts every /api/aws/* handler on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/aws/task/create", s.handleTaskCreate)
	mux.HandleFunc("POST /api/aws/task/log", s.handleTaskLog)
	mux.HandleFunc("POST /api/aws/task/status", s.handleTaskStatus)
	mux.HandleFunc("GET /api/aws/events/{task_id}", s.handleEvents)
	mux.HandleFunc("GET /api/aws/task/{task_id}/status", s.handleTaskStatusGet)
	mux.HandleFunc("GET /api/aws/health", s.handleHealth)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, map[string]any{"success": false, "error": reason})
}

type taskCreateRequest struct {
	AWSTaskID    string         `json:"aws_task_id"`
	AWSTaskCode  string         `json:"aws_task_code"`
	TaskType     string         `json:"task_type"`
	Goal         string         `json:"goal"`
	Instructions string         `json:"instructions"`
	Prompt       string         `json:"prompt"`
	Area         string         `json:"area"`
	Constraints  map[string]any `json:"constraints"`
	Acceptance   []string       `json:"acceptance"`
	Expected     []string       `json:"expected"`
	CreatedBy    string         `json:"created_by"`
	UserID       string         `json:"user_id"`
	Priority     string         `json:"priority"`
}

// handleTaskCreate accepts a task-create request from the external ingress.
func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := requestIDOf(r)
	if err := gate.Check("ata_task_create", awsAuth(requestID)); err != nil {
		s.recordAudit("ata_task_create", requestID, nil, false, err, start)
		writeError(w, http.StatusForbidden, err.Error())
		return
	}

	var req taskCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.recordAudit("ata_task_create", requestID, nil, false, err, start)
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !s.whitelists.Allowed(req.TaskType) {
		err := fmt.Errorf("task_type %q is not in the configured whitelist", req.TaskType)
		s.recordAudit("ata_task_create", requestID, map[string]any{"task_type": req.TaskType}, false, err, start)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	auditParams := map[string]any{"aws_task_id": req.AWSTaskID, "aws_task_code": req.AWSTaskCode, "task_type": req.TaskType}

	var area string
	if idx := strings.Index(req.AWSTaskCode, "__"); idx >= 0 {
		area = req.AWSTaskCode[:idx]
	} else {
		area = taskid.DefaultArea
	}

	// Resolve (not mint) the task_id before deduping: reusing the existing
	// taskcode->task_id mapping on a retry is what lets the (request_id,
	// task_id) dedupe lookup below ever hit. A fresh call to Generate here
	// would mint a new task_id on every retry and the lookup could never
	// succeed. When no aws_task_code is supplied, the request_id itself
	// becomes the idempotency key so retries of the same unlabeled request
	// still resolve to one task_id.
	dedupeKey := req.AWSTaskCode
	if dedupeKey == "" {
		dedupeKey = requestID
	}

	var taskID string
	var err error
	if dedupeKey != "" {
		taskID, err = s.taskIDs.EnsureTaskID(ctx, dedupeKey, area)
	} else {
		taskID, err = s.taskIDs.Generate(ctx, area, "", 0)
	}
	if err != nil {
		s.recordAudit("ata_task_create", requestID, auditParams, false, err, start)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if cached, ok, cacheErr := s.dedupeLookup(ctx, requestID, taskID); cacheErr != nil {
		s.recordAudit("ata_task_create", requestID, auditParams, false, cacheErr, start)
		writeError(w, http.StatusInternalServerError, cacheErr.Error())
		return
	} else if ok {
		s.recordAudit("ata_task_create", requestID, auditParams, true, nil, start)
		writeJSON(w, http.StatusOK, cached)
		return
	}

	if req.AWSTaskID != "" {
		if err := s.recordAWSTaskMapping(ctx, req.AWSTaskID, taskID); err != nil {
			s.recordAudit("ata_task_create", requestID, auditParams, false, err, start)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	goal := firstNonEmpty(req.Goal, req.Instructions, req.Prompt)
	createdBy := firstNonEmpty(req.CreatedBy, req.UserID, "aws_user")

	task, err := s.orchestrator.CreateTask(ctx, taskID, goal, orchestrator.CreateTaskOptions{
		Priority: req.Priority, CreatedBy: createdBy,
	})
	if err != nil {
		s.recordAudit("ata_task_create", requestID, auditParams, false, err, start)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	eventID := ""
	if listed, listErr := s.publisher.ListByCorrelation(ctx, task.TaskID, 0); listErr == nil {
		for _, e := range listed {
			if e.Type == bus.EventTaskCreated {
				eventID = e.EventID
			}
		}
	}

	result := map[string]any{
		"success":     true,
		"task_id":     taskID,
		"aws_task_id": req.AWSTaskID,
		"task_code":   req.AWSTaskCode,
		"event_id":    eventID,
	}
	if err := s.dedupeStore(ctx, requestID, taskID, result); err != nil {
		s.recordAudit("ata_task_create", requestID, auditParams, false, err, start)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.recordAudit("ata_task_create", requestID, auditParams, true, nil, start)
	writeJSON(w, http.StatusOK, result)
}

type taskLogRequest struct {
	AWSTaskID string `json:"aws_task_id"`
	LogData   string `json:"log_data"`
}

// handleTaskLog has no dedicated tool in the System table: a log append is
// a status update in everything but payload shape, so it's gated and
// audited under ata_task_status, the same as handleTaskStatus.
func (s *Server) handleTaskLog(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := requestIDOf(r)
	if err := gate.Check("ata_task_status", awsAuth(requestID)); err != nil {
		s.recordAudit("ata_task_status", requestID, nil, false, err, start)
		writeError(w, http.StatusForbidden, err.Error())
		return
	}

	var req taskLogRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.recordAudit("ata_task_status", requestID, nil, false, err, start)
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	ctx := r.Context()
	auditParams := map[string]any{"aws_task_id": req.AWSTaskID}

	taskID, err := s.resolveTaskID(ctx, req.AWSTaskID)
	if err != nil {
		s.recordAudit("ata_task_status", requestID, auditParams, false, err, start)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if cached, ok, cacheErr := s.dedupeLookup(ctx, requestID, taskID); cacheErr != nil {
		s.recordAudit("ata_task_status", requestID, auditParams, false, cacheErr, start)
		writeError(w, http.StatusInternalServerError, cacheErr.Error())
		return
	} else if ok {
		s.recordAudit("ata_task_status", requestID, auditParams, true, nil, start)
		writeJSON(w, http.StatusOK, cached)
		return
	}

	e, err := s.publisher.PublishTaskUpdatedEvent(ctx, taskID, map[string]any{
		"update_type": "log_append", "log_data": req.LogData,
	}, "ingress")
	if err != nil {
		s.recordAudit("ata_task_status", requestID, auditParams, false, err, start)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	result := map[string]any{"success": true, "t1_task_id": taskID, "event_id": e.EventID}
	if err := s.dedupeStore(ctx, requestID, taskID, result); err != nil {
		s.recordAudit("ata_task_status", requestID, auditParams, false, err, start)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.recordAudit("ata_task_status", requestID, auditParams, true, nil, start)
	writeJSON(w, http.StatusOK, result)
}

type taskStatusRequest struct {
	AWSTaskID  string         `json:"aws_task_id"`
	Status     string         `json:"status"`
	StatusData map[string]any `json:"status_data"`
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := requestIDOf(r)
	if err := gate.Check("ata_task_status", awsAuth(requestID)); err != nil {
		s.recordAudit("ata_task_status", requestID, nil, false, err, start)
		writeError(w, http.StatusForbidden, err.Error())
		return
	}

	var req taskStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.recordAudit("ata_task_status", requestID, nil, false, err, start)
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	ctx := r.Context()
	auditParams := map[string]any{"aws_task_id": req.AWSTaskID, "status": req.Status}

	taskID, err := s.resolveTaskID(ctx, req.AWSTaskID)
	if err != nil {
		s.recordAudit("ata_task_status", requestID, auditParams, false, err, start)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if cached, ok, cacheErr := s.dedupeLookup(ctx, requestID, taskID); cacheErr != nil {
		s.recordAudit("ata_task_status", requestID, auditParams, false, cacheErr, start)
		writeError(w, http.StatusInternalServerError, cacheErr.Error())
		return
	} else if ok {
		s.recordAudit("ata_task_status", requestID, auditParams, true, nil, start)
		writeJSON(w, http.StatusOK, cached)
		return
	}

	payload := map[string]any{"update_type": "status_update", "status": req.Status}
	for k, v := range req.StatusData {
		payload[k] = v
	}
	e, err := s.publisher.PublishTaskUpdatedEvent(ctx, taskID, payload, "ingress")
	if err != nil {
		s.recordAudit("ata_task_status", requestID, auditParams, false, err, start)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	result := map[string]any{"success": true, "t1_task_id": taskID, "event_id": e.EventID}
	if err := s.dedupeStore(ctx, requestID, taskID, result); err != nil {
		s.recordAudit("ata_task_status", requestID, auditParams, false, err, start)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.recordAudit("ata_task_status", requestID, auditParams, true, nil, start)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := requestIDOf(r)
	externalID := r.PathValue("task_id")
	if err := gate.Check("ata_task_result", awsAuth(requestID)); err != nil {
		s.recordAudit("ata_task_result", requestID, map[string]any{"task_id": externalID}, false, err, start)
		writeError(w, http.StatusForbidden, err.Error())
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	ctx := r.Context()
	taskID, err := s.resolveTaskID(ctx, externalID)
	if err != nil {
		s.recordAudit("ata_task_result", requestID, map[string]any{"task_id": externalID}, false, err, start)
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	listed, err := s.publisher.ListByCorrelation(ctx, taskID, limit)
	if err != nil {
		s.recordAudit("ata_task_result", requestID, map[string]any{"task_id": externalID}, false, err, start)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	converted := make([]map[string]any, 0, len(listed))
	for _, e := range listed {
		converted = append(converted, ToExternalPayload(e, externalID, taskID))
	}

	s.recordAudit("ata_task_result", requestID, map[string]any{"task_id": externalID}, true, nil, start)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true, "task_id": externalID, "t1_task_id": taskID, "events": converted, "count": len(converted),
	})
}

func (s *Server) handleTaskStatusGet(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := requestIDOf(r)
	externalID := r.PathValue("task_id")
	if err := gate.Check("ata_task_result", awsAuth(requestID)); err != nil {
		s.recordAudit("ata_task_result", requestID, map[string]any{"task_id": externalID}, false, err, start)
		writeError(w, http.StatusForbidden, err.Error())
		return
	}

	ctx := r.Context()

	taskID, err := s.resolveTaskID(ctx, externalID)
	if err != nil {
		s.recordAudit("ata_task_result", requestID, map[string]any{"task_id": externalID}, false, err, start)
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	task, err := s.orchestrator.Get(ctx, taskID)
	if err != nil {
		s.recordAudit("ata_task_result", requestID, map[string]any{"task_id": externalID}, false, err, start)
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	progress := orchestrator.ComputeProgress(task)
	s.recordAudit("ata_task_result", requestID, map[string]any{"task_id": externalID}, true, nil, start)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"task_id":    externalID,
		"t1_task_id": taskID,
		"status":     task.Status,
		"subtasks":   aggregator.Records(task),
		"progress":   progress,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": "aws_gateway", "version": "1"})
}

// recordAWSTaskMapping persists the aws_task_id -> t1_task_id mapping a
// task-create establishes, so later log/status calls can address the task
// by its external id. Replays are a no-op.
func (s *Server) recordAWSTaskMapping(ctx context.Context, awsTaskID, taskID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO aws_task_mapping (aws_task_id, task_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (aws_task_id) DO NOTHING
	`, awsTaskID, taskID, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record aws task mapping: %w", err)
	}
	return nil
}

// resolveTaskID maps an external task id to its internal task_id, trying
// the aws_task_id mapping first, then the taskcode mapping, then treating
// the id as already a canonical task_id.
func (s *Server) resolveTaskID(ctx context.Context, externalID string) (string, error) {
	if externalID == "" {
		return "", fmt.Errorf("aws_task_id is required")
	}

	var taskID string
	err := s.db.GetContext(ctx, &taskID, `SELECT task_id FROM aws_task_mapping WHERE aws_task_id = ?`, externalID)
	switch {
	case err == nil:
		return taskID, nil
	case !errors.Is(err, sql.ErrNoRows):
		return "", fmt.Errorf("resolve aws task id: %w", err)
	}

	if taskID, err := s.taskIDs.GetTaskID(ctx, externalID); err != nil {
		return "", err
	} else if taskID != "" {
		return taskID, nil
	}
	if taskid.IsValid(externalID) {
		return externalID, nil
	}
	return "", fmt.Errorf("no task mapped for %q", externalID)
}

func requestIDOf(r *http.Request) string {
	if id := r.Header.Get("X-Request-Id"); id != "" {
		return id
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// dedupeLookup returns a previously recorded result for (requestID, taskID)
// so replays of the same request are idempotent. An empty requestID never
// dedupes, since it carries no idempotency key.
func (s *Server) dedupeLookup(ctx context.Context, requestID, taskID string) (map[string]any, bool, error) {
	if requestID == "" {
		return nil, false, nil
	}
	var resultJSON string
	err := s.db.GetContext(ctx, &resultJSON, `SELECT result_json FROM ingress_dedupe WHERE request_id = ? AND task_id = ?`, requestID, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("dedupe lookup: %w", err)
	}
	var result map[string]any
	if err := json.Unmarshal([]byte(resultJSON), &result); err != nil {
		return nil, false, fmt.Errorf("unmarshal dedupe result: %w", err)
	}
	return result, true, nil
}

func (s *Server) dedupeStore(ctx context.Context, requestID, taskID string, result map[string]any) error {
	if requestID == "" {
		return nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal dedupe result: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ingress_dedupe (request_id, task_id, result_json, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (request_id, task_id) DO NOTHING
	`, requestID, taskID, string(data), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store dedupe result: %w", err)
	}
	return nil
}
