package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

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

	stmt := `INSERT INTO queue_message (stage, chat_key, turn, payload, status, attempts, max_attempts, next_run_at, claimed_at, created_ts)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, 0, ?)
		RETURNING id`
	if err := d.db.QueryRowContext(ctx, stmt,
		msg.Stage, msg.ChatKey, msg.Turn, string(msg.Payload), msg.Status,
		msg.MaxAttempts, msg.NextRunTs, msg.CreatedTs,
	).Scan(&msg.ID); err != nil {
		return nil, errors.Wrap(err, "failed to enqueue message")
	}

	return msg, nil
}

// ClaimQueueMessage claims the oldest runnable message for a stage. The
// single-connection pool serializes writers, so the nested-select update is
// race-free without SKIP LOCKED. Returns (nil, nil) when the queue is empty.
func (d *DB) ClaimQueueMessage(ctx context.Context, stage store.Stage) (*store.QueueMessage, error) {
	now := time.Now().Unix()
	stmt := `UPDATE queue_message
		SET status = 'processing', claimed_at = ?, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM queue_message
			WHERE stage = ? AND status = 'pending' AND next_run_at <= ?
			ORDER BY id ASC
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
		return nil, errors.Wrap(err, "failed to claim queue message")
	}
	msg.Payload = []byte(payload)

	return msg, nil
}

func (d *DB) AckQueueMessage(ctx context.Context, id int64) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM queue_message WHERE id = ?`, id); err != nil {
		return errors.Wrap(err, "failed to ack queue message")
	}
	return nil
}

func (d *DB) RequeueQueueMessage(ctx context.Context, requeue *store.RequeueMessage) error {
	result, err := d.db.ExecContext(ctx,
		`UPDATE queue_message SET status = 'pending', claimed_at = 0, next_run_at = ? WHERE id = ?`,
		requeue.NextRunTs, requeue.ID)
	if err != nil {
		return errors.Wrap(err, "failed to requeue message")
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errors.New("queue message not found")
	}
	return nil
}

func (d *DB) FailQueueMessage(ctx context.Context, id int64) error {
	if _, err := d.db.ExecContext(ctx, `UPDATE queue_message SET status = 'failed', claimed_at = 0 WHERE id = ?`, id); err != nil {
		return errors.Wrap(err, "failed to park queue message")
	}
	return nil
}

func (d *DB) CountQueueMessages(ctx context.Context, stage store.Stage, status store.QueueStatus) (int64, error) {
	var count int64
	if err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_message WHERE stage = ? AND status = ?`, stage, status).Scan(&count); err != nil {
		return 0, errors.Wrap(err, "failed to count queue messages")
	}
	return count, nil
}

func (d *DB) ReleaseStaleQueueClaims(ctx context.Context, claimedBeforeTs int64) (int64, error) {
	result, err := d.db.ExecContext(ctx,
		`UPDATE queue_message SET status = 'pending', claimed_at = 0 WHERE status = 'processing' AND claimed_at > 0 AND claimed_at < ?`,
		claimedBeforeTs)
	if err != nil {
		return 0, errors.Wrap(err, "failed to release stale claims")
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

func (d *DB) PurgeFailedQueueMessages(ctx context.Context, beforeTs int64) (int64, error) {
	result, err := d.db.ExecContext(ctx,
		`DELETE FROM queue_message WHERE status = 'failed' AND created_ts < ?`, beforeTs)
	if err != nil {
		return 0, errors.Wrap(err, "failed to purge failed queue messages")
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}
