package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/hachiko-io/waflow/store"
)

func (d *DB) EnqueueQueueMessage(ctx context.Context, enqueue *store.EnqueueMessage) (*store.QueueMessage, error) {
	now := time.Now().Unix()
	maxAttempts := enqueue.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	msg := &store.QueueMessage{
		Stage:       enqueue.Stage,
		ChatKey:     enqueue.ChatKey,
		Status:      store.QueueStatusPending,
		Payload:     enqueue.Payload,
		Turn:        enqueue.Turn,
		MaxAttempts: maxAttempts,
		NextRunTs:   enqueue.DelayTs,
		CreatedTs:   now,
	}

	fields := []string{"stage", "chat_key", "turn", "payload", "status", "attempts", "max_attempts", "next_run_at", "claimed_at", "created_ts"}
	args := []any{msg.Stage, msg.ChatKey, msg.Turn, string(msg.Payload), msg.Status, 0, msg.MaxAttempts, msg.NextRunTs, 0, msg.CreatedTs}

	// The insert fires the queue_message_notify trigger, which wakes any
	// LISTENing worker on the waflow_queue channel.
	stmt := `INSERT INTO queue_message (` + strings.Join(fields, ", ") + `)
		VALUES (` + placeholders(len(args)) + `)
		RETURNING id`
	if err := d.db.QueryRowContext(ctx, stmt, args...).Scan(&msg.ID); err != nil {
		return nil, fmt.Errorf("failed to enqueue message: %w", err)
	}

	return msg, nil
}

// ClaimQueueMessage atomically claims the oldest runnable message for a
// stage. SKIP LOCKED lets concurrent workers claim without blocking each
// other. Returns (nil, nil) when the queue is empty.
func (d *DB) ClaimQueueMessage(ctx context.Context, stage store.Stage) (*store.QueueMessage, error) {
	now := time.Now().Unix()
	stmt := `UPDATE queue_message
		SET status = 'processing', claimed_at = ` + placeholder(1) + `, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM queue_message
			WHERE stage = ` + placeholder(2) + ` AND status = 'pending' AND next_run_at <= ` + placeholder(3) + `
			ORDER BY id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, stage, chat_key, turn, payload, status, attempts, max_attempts, next_run_at, claimed_at, created_ts`

	msg := &store.QueueMessage{}
	var payload string
	err := d.db.QueryRowContext(ctx, stmt, now, stage, now).Scan(
		&msg.ID, &msg.Stage, &msg.ChatKey, &msg.Turn, &payload, &msg.Status,
		&msg.Attempts, &msg.MaxAttempts, &msg.NextRunTs, &msg.ClaimedTs, &msg.CreatedTs,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim queue message: %w", err)
	}
	msg.Payload = []byte(payload)

	return msg, nil
}

// AckQueueMessage deletes a delivered message. Processed messages leave no
// residue; the job ledger carries the durable trail.
func (d *DB) AckQueueMessage(ctx context.Context, id int64) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM queue_message WHERE id = `+placeholder(1), id); err != nil {
		return fmt.Errorf("failed to ack queue message: %w", err)
	}
	return nil
}

func (d *DB) RequeueQueueMessage(ctx context.Context, requeue *store.RequeueMessage) error {
	stmt := `UPDATE queue_message
		SET status = 'pending', claimed_at = 0, next_run_at = ` + placeholder(1) + `
		WHERE id = ` + placeholder(2)
	result, err := d.db.ExecContext(ctx, stmt, requeue.NextRunTs, requeue.ID)
	if err != nil {
		return fmt.Errorf("failed to requeue message: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("queue message not found")
	}
	return nil
}

// FailQueueMessage parks a message whose attempts are exhausted. Parked
// messages are kept for inspection and replay until the janitor purges them.
func (d *DB) FailQueueMessage(ctx context.Context, id int64) error {
	stmt := `UPDATE queue_message SET status = 'failed', claimed_at = 0 WHERE id = ` + placeholder(1)
	if _, err := d.db.ExecContext(ctx, stmt, id); err != nil {
		return fmt.Errorf("failed to park queue message: %w", err)
	}
	return nil
}

func (d *DB) CountQueueMessages(ctx context.Context, stage store.Stage, status store.QueueStatus) (int64, error) {
	var count int64
	query := `SELECT COUNT(*) FROM queue_message WHERE stage = ` + placeholder(1) + ` AND status = ` + placeholder(2)
	if err := d.db.QueryRowContext(ctx, query, stage, status).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count queue messages: %w", err)
	}
	return count, nil
}

// ReleaseStaleQueueClaims returns messages claimed by a worker that died
// mid-processing back to the pending state.
func (d *DB) ReleaseStaleQueueClaims(ctx context.Context, claimedBeforeTs int64) (int64, error) {
	stmt := `UPDATE queue_message
		SET status = 'pending', claimed_at = 0
		WHERE status = 'processing' AND claimed_at > 0 AND claimed_at < ` + placeholder(1)
	result, err := d.db.ExecContext(ctx, stmt, claimedBeforeTs)
	if err != nil {
		return 0, fmt.Errorf("failed to release stale claims: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

func (d *DB) PurgeFailedQueueMessages(ctx context.Context, beforeTs int64) (int64, error) {
	stmt := `DELETE FROM queue_message WHERE status = 'failed' AND created_ts < ` + placeholder(1)
	result, err := d.db.ExecContext(ctx, stmt, beforeTs)
	if err != nil {
		return 0, fmt.Errorf("failed to purge failed queue messages: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}
