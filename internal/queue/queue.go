// Package queue implements the durable at-least-once message queue with
// deduplication and a dead-letter queue, backed by the shared embedded
// relational store (internal/sqlstore). Retry scheduling follows a fixed
// backoff table; a message that exhausts its retries moves to the DLQ.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/c360studio/busd/internal/metrics"
)

// RetryDelays is the fixed backoff schedule applied after each failed send
// attempt. A message that exhausts MaxRetries is moved to the DLQ.
var RetryDelays = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// MaxRetries is the number of retry attempts before dead-lettering.
const MaxRetries = 3

// Status is the lifecycle state of a queued message.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusAcked   Status = "acked"
	StatusNacked  Status = "nacked"
	StatusFailed  Status = "failed"
)

// Message is a row in the durable queue. Timestamps are stored and scanned
// as RFC3339Nano text: the pure-Go sqlite driver hands TEXT columns back as
// strings, so the row struct keeps them as strings and callers parse with
// ParseTime when they need a time.Time.
type Message struct {
	MessageID   string          `db:"message_id"`
	TaskID      sql.NullString  `db:"task_id"`
	ToAgent     string          `db:"to_agent"`
	Payload     json.RawMessage `db:"payload"`
	Status      Status          `db:"status"`
	RetryCount  int             `db:"retry_count"`
	CreatedAt   string          `db:"created_at"`
	SentAt      sql.NullString  `db:"sent_at"`
	AckedAt     sql.NullString  `db:"acked_at"`
	NextRetryAt sql.NullString  `db:"next_retry_at"`
	ErrorMsg    sql.NullString  `db:"error_message"`
}

// DLQEntry is a row in the dead-letter queue.
type DLQEntry struct {
	MessageID      string          `db:"message_id"`
	TaskID         sql.NullString  `db:"task_id"`
	ToAgent        string          `db:"to_agent"`
	Payload        json.RawMessage `db:"payload"`
	RetryCount     int             `db:"retry_count"`
	CreatedAt      string          `db:"created_at"`
	ErrorMsg       sql.NullString  `db:"error_message"`
	DeadLetteredAt string          `db:"dead_lettered_at"`
}

// ParseTime parses a stored RFC3339Nano timestamp column value.
func ParseTime(value string) (time.Time, error) {
	return time.Parse(timeLayout, value)
}

// Queue is the durable message queue.
type Queue struct {
	db *sqlx.DB
}

// New constructs a Queue over the shared embedded store.
func New(db *sqlx.DB) *Queue {
	return &Queue{db: db}
}

const timeLayout = time.RFC3339Nano

// Enqueue inserts a new pending message and returns true. If message_id has
// already been seen (present in message_dedupe), it returns (false, nil)
// without inserting a second copy or treating the replay as an error, per
// the durable queue's idempotent-enqueue contract.
func (q *Queue) Enqueue(ctx context.Context, messageID, taskID, toAgent string, payload json.RawMessage) (bool, error) {
	now := time.Now().UTC()

	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("enqueue: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `INSERT INTO message_dedupe (message_id, created_at) VALUES (?, ?)`,
		messageID, now.Format(timeLayout))
	if err != nil {
		return false, nil
	}

	var taskIDArg any
	if taskID != "" {
		taskIDArg = taskID
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (message_id, task_id, to_agent, payload, status, retry_count, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)
	`, messageID, taskIDArg, toAgent, []byte(payload), StatusPending, now.Format(timeLayout))
	if err != nil {
		return false, fmt.Errorf("enqueue: insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	metrics.QueueEnqueued.Inc()
	return true, nil
}

// GetPendingMessages returns up to limit messages that are pending, or
// nacked with an elapsed backoff window, oldest first.
func (q *Queue) GetPendingMessages(ctx context.Context, limit int) ([]Message, error) {
	now := time.Now().UTC().Format(timeLayout)
	var msgs []Message
	err := q.db.SelectContext(ctx, &msgs, `
		SELECT * FROM messages
		WHERE status = ?
		   OR (status = ? AND next_retry_at <= ?)
		ORDER BY created_at ASC
		LIMIT ?
	`, StatusPending, StatusNacked, now, limit)
	if err != nil {
		return nil, fmt.Errorf("get pending messages: %w", err)
	}
	return msgs, nil
}

// Get returns the current queue row for messageID.
func (q *Queue) Get(ctx context.Context, messageID string) (Message, error) {
	var msg Message
	err := q.db.GetContext(ctx, &msg, `SELECT * FROM messages WHERE message_id = ?`, messageID)
	if err != nil {
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

// MarkSent transitions a message to sent.
func (q *Queue) MarkSent(ctx context.Context, messageID string) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := q.db.ExecContext(ctx, `UPDATE messages SET status = ?, sent_at = ? WHERE message_id = ?`,
		StatusSent, now, messageID)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	metrics.QueueSent.Inc()
	return nil
}

// MarkAcked transitions a message to acked, its terminal success state.
func (q *Queue) MarkAcked(ctx context.Context, messageID string) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := q.db.ExecContext(ctx, `UPDATE messages SET status = ?, acked_at = ? WHERE message_id = ?`,
		StatusAcked, now, messageID)
	if err != nil {
		return fmt.Errorf("mark acked: %w", err)
	}
	return nil
}

// MarkNacked records a failed delivery attempt. If retry_count has not
// exhausted RetryDelays, the message is rescheduled at the next backoff
// interval; otherwise it is moved to the dead-letter queue.
func (q *Queue) MarkNacked(ctx context.Context, messageID string, sendErr error) error {
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mark nacked: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var msg Message
	if err := tx.GetContext(ctx, &msg, `SELECT * FROM messages WHERE message_id = ?`, messageID); err != nil {
		return fmt.Errorf("mark nacked: lookup message: %w", err)
	}

	errMsg := ""
	if sendErr != nil {
		errMsg = sendErr.Error()
	}
	// Read-then-check-then-increment: the DLQ threshold uses the current
	// retry_count, so a message dead-letters on the attempt after its last
	// scheduled retry, carrying retry_count == MaxRetries.
	retryCount := msg.RetryCount

	if retryCount >= MaxRetries {
		now := time.Now().UTC()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO dlq (message_id, task_id, to_agent, payload, retry_count, created_at, error_message, dead_lettered_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, msg.MessageID, msg.TaskID, msg.ToAgent, []byte(msg.Payload), retryCount,
			msg.CreatedAt, errMsg, now.Format(timeLayout))
		if err != nil {
			return fmt.Errorf("mark nacked: insert dlq: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE message_id = ?`, messageID); err != nil {
			return fmt.Errorf("mark nacked: delete message: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		metrics.QueueDeadLettered.Inc()
		metrics.QueueDLQDepth.Inc()
		return nil
	}

	retryCount++
	delay := RetryDelays[min(retryCount, len(RetryDelays)-1)]
	nextRetryAt := time.Now().UTC().Add(delay).Format(timeLayout)
	_, err = tx.ExecContext(ctx, `
		UPDATE messages SET status = ?, retry_count = ?, next_retry_at = ?, error_message = ?
		WHERE message_id = ?
	`, StatusNacked, retryCount, nextRetryAt, errMsg, messageID)
	if err != nil {
		return fmt.Errorf("mark nacked: reschedule: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	metrics.QueueNacked.Inc()
	return nil
}

// GetDLQMessages lists dead-lettered messages, newest first.
func (q *Queue) GetDLQMessages(ctx context.Context, limit int) ([]DLQEntry, error) {
	var entries []DLQEntry
	err := q.db.SelectContext(ctx, &entries, `
		SELECT * FROM dlq ORDER BY dead_lettered_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("get dlq messages: %w", err)
	}
	return entries, nil
}

// ReplayDLQMessage removes a message from the DLQ and re-enqueues it as a
// fresh pending message with retry_count reset to 0.
func (q *Queue) ReplayDLQMessage(ctx context.Context, messageID string) error {
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replay dlq: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var entry DLQEntry
	if err := tx.GetContext(ctx, &entry, `SELECT * FROM dlq WHERE message_id = ?`, messageID); err != nil {
		return fmt.Errorf("replay dlq: lookup: %w", err)
	}

	now := time.Now().UTC().Format(timeLayout)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (message_id, task_id, to_agent, payload, status, retry_count, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)
	`, entry.MessageID, entry.TaskID, entry.ToAgent, []byte(entry.Payload), StatusPending, now)
	if err != nil {
		return fmt.Errorf("replay dlq: reinsert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM dlq WHERE message_id = ?`, messageID); err != nil {
		return fmt.Errorf("replay dlq: delete: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	metrics.QueueDLQDepth.Dec()
	return nil
}
