// Package taskid generates, parses, and maps the canonical
// {AREA}-{YYYYMMDD}-{SEQ:03d} task identifier, and maintains its
// bidirectional mapping to legacy task-codes. The per-day sequence counter
// and the taskcode mapping live as rows in the shared embedded relational
// store, which gives the counter atomic upsert semantics without file
// locks.
package taskid

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
)

var (
	taskIDPattern = regexp.MustCompile(`^([A-Za-z0-9_-]+)-([0-9]{8})-([0-9]{3,})$`)
	areaPattern   = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	taskCodeDate  = regexp.MustCompile(`(\d{8})`)
)

// DefaultArea is used by migrate_taskcode when no area can be determined.
const DefaultArea = "QSYS"

// ErrInvalidArea is returned when an area contains disallowed characters.
var ErrInvalidArea = errors.New("taskid: area must match [A-Za-z0-9_-]+")

// ErrMappingConflict is returned when a task_id is already mapped to a
// different taskcode than the one requested.
var ErrMappingConflict = errors.New("taskid: task_id already mapped to a different taskcode")

// Parsed is the decomposition of a TaskID into its components.
type Parsed struct {
	Area string
	Date string
	Seq  int
}

// Manager generates, parses, and maps TaskIDs. A single Manager instance is
// created at startup and shared by reference; there are no package-level
// globals.
type Manager struct {
	db *sqlx.DB
	// mu serializes the read-increment-write sequence so generate is atomic
	// against concurrent callers within this process (cross-process safety
	// over a shared filesystem is an explicit non-goal).
	mu sync.Mutex
}

// NewManager constructs a Manager over the shared embedded store.
func NewManager(db *sqlx.DB) *Manager {
	return &Manager{db: db}
}

// Generate produces a new TaskID. If date is empty, today's local date is
// used. If seq is 0, the next sequence number for (area, date) is allocated
// from the shared store.
func (m *Manager) Generate(ctx context.Context, area string, date string, seq int) (string, error) {
	if !areaPattern.MatchString(area) {
		return "", fmt.Errorf("%w: %q", ErrInvalidArea, area)
	}
	if date == "" {
		date = time.Now().Format("20060102")
	}

	if seq == 0 {
		var err error
		seq, err = m.nextSeq(ctx, area, date)
		if err != nil {
			return "", fmt.Errorf("allocate sequence: %w", err)
		}
	}

	return fmt.Sprintf("%s-%s-%03d", area, date, seq), nil
}

func (m *Manager) nextSeq(ctx context.Context, area, date string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return withTx(ctx, m.db, func(tx *sqlx.Tx) (int, error) {
		var seq int
		err := tx.GetContext(ctx, &seq, `SELECT seq FROM task_seq WHERE area = ? AND date = ?`, area, date)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			seq = 1
			_, err = tx.ExecContext(ctx, `INSERT INTO task_seq (area, date, seq) VALUES (?, ?, ?)`, area, date, seq)
			if err != nil {
				return 0, err
			}
		case err != nil:
			return 0, err
		default:
			seq++
			_, err = tx.ExecContext(ctx, `UPDATE task_seq SET seq = ? WHERE area = ? AND date = ?`, seq, area, date)
			if err != nil {
				return 0, err
			}
		}
		return seq, nil
	})
}

func withTx[T any](ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) (T, error)) (T, error) {
	var zero T
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return zero, err
	}
	result, err := fn(tx)
	if err != nil {
		_ = tx.Rollback()
		return zero, err
	}
	if err := tx.Commit(); err != nil {
		return zero, err
	}
	return result, nil
}

// Parse decomposes a TaskID into area/date/seq. ok is false if task_id does
// not match the canonical pattern.
func Parse(taskID string) (parsed Parsed, ok bool) {
	m := taskIDPattern.FindStringSubmatch(taskID)
	if m == nil {
		return Parsed{}, false
	}
	seq, err := strconv.Atoi(m[3])
	if err != nil {
		return Parsed{}, false
	}
	return Parsed{Area: m[1], Date: m[2], Seq: seq}, true
}

// IsValid reports whether task_id matches the canonical pattern.
func IsValid(taskID string) bool {
	return taskIDPattern.MatchString(taskID)
}

// RegisterMapping persists a taskcode -> task_id mapping. Either side of the
// mapping must be unique; attempting to map an already-mapped task_id to a
// different taskcode returns ErrMappingConflict.
func (m *Manager) RegisterMapping(ctx context.Context, taskcode, taskID string) error {
	now := time.Now().UTC().Format(time.RFC3339)

	existing, err := m.GetTaskCode(ctx, taskID)
	if err == nil && existing != "" && existing != taskcode {
		return fmt.Errorf("%w: %s -> %s", ErrMappingConflict, taskID, existing)
	}

	_, err = m.db.ExecContext(ctx, `
		INSERT INTO task_id_mapping (taskcode, task_id, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (taskcode) DO UPDATE SET task_id = excluded.task_id, updated_at = excluded.updated_at
	`, taskcode, taskID, now, now)
	if err != nil {
		return fmt.Errorf("register mapping: %w", err)
	}
	return nil
}

// GetTaskID returns the task_id mapped to taskcode, if any.
func (m *Manager) GetTaskID(ctx context.Context, taskcode string) (string, error) {
	var taskID string
	err := m.db.GetContext(ctx, &taskID, `SELECT task_id FROM task_id_mapping WHERE taskcode = ?`, taskcode)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return taskID, err
}

// GetTaskCode returns the taskcode mapped to task_id, if any.
func (m *Manager) GetTaskCode(ctx context.Context, taskID string) (string, error) {
	var taskcode string
	err := m.db.GetContext(ctx, &taskcode, `SELECT taskcode FROM task_id_mapping WHERE task_id = ?`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return taskcode, err
}

// EnsureTaskID returns the existing mapping for taskcode, or creates one by
// parsing taskcode as {AREA}__{YYYYMMDD}; if that fails, falls back to
// MigrateTaskcode.
func (m *Manager) EnsureTaskID(ctx context.Context, taskcode string, area string) (string, error) {
	if existing, err := m.GetTaskID(ctx, taskcode); err != nil {
		return "", err
	} else if existing != "" {
		return existing, nil
	}

	if parsedArea, date, ok := splitLegacyTaskcode(taskcode); ok {
		taskID, err := m.Generate(ctx, parsedArea, date, 0)
		if err != nil {
			return "", err
		}
		if err := m.RegisterMapping(ctx, taskcode, taskID); err != nil {
			return "", err
		}
		return taskID, nil
	}

	if area == "" {
		area = DefaultArea
	}
	return m.MigrateTaskcode(ctx, taskcode, area)
}

// splitLegacyTaskcode splits "{AREA}__{YYYYMMDD}" into its parts.
func splitLegacyTaskcode(taskcode string) (area, date string, ok bool) {
	const sep = "__"
	idx := strings.LastIndex(taskcode, sep)
	if idx < 0 {
		return "", "", false
	}
	area = taskcode[:idx]
	date = taskcode[idx+len(sep):]
	if len(date) != 8 {
		return "", "", false
	}
	for _, c := range date {
		if c < '0' || c > '9' {
			return "", "", false
		}
	}
	if !areaPattern.MatchString(area) {
		return "", "", false
	}
	return area, date, true
}

// MigrateTaskcode maps a free-form legacy taskcode to a fresh TaskID,
// extracting an embedded 8-digit date if present and falling back to area
// and today's date otherwise.
func (m *Manager) MigrateTaskcode(ctx context.Context, taskcode string, area string) (string, error) {
	if existing, err := m.GetTaskID(ctx, taskcode); err != nil {
		return "", err
	} else if existing != "" {
		return existing, nil
	}

	if area == "" {
		area = DefaultArea
	}

	date := ""
	if match := taskCodeDate.FindString(taskcode); match != "" {
		date = match
	}

	taskID, err := m.Generate(ctx, area, date, 0)
	if err != nil {
		return "", err
	}
	if err := m.RegisterMapping(ctx, taskcode, taskID); err != nil {
		return "", err
	}
	return taskID, nil
}
