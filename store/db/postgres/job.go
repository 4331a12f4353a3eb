package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/hachiko-io/waflow/store"
)

func (d *DB) CreateJob(ctx context.Context, create *store.Job) (*store.Job, error) {
	fields := []string{"chat_key", "turn", "stage", "status", "attempt", "payload", "result", "error", "created_ts", "started_ts", "finished_ts"}
	args := []any{create.ChatKey, create.Turn, create.Stage, create.Status, create.Attempt, nullableJSON(create.Payload), nullableJSON(create.Result), create.Error, create.CreatedTs, create.StartedTs, create.FinishedTs}

	stmt := `INSERT INTO job (` + strings.Join(fields, ", ") + `)
		VALUES (` + placeholders(len(args)) + `)
		RETURNING id`
	if err := d.db.QueryRowContext(ctx, stmt, args...).Scan(&create.ID); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	return create, nil
}

func (d *DB) ListJobs(ctx context.Context, find *store.FindJob) ([]*store.Job, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.ChatKey != nil {
		where, args = append(where, "chat_key = "+placeholder(len(args)+1)), append(args, *find.ChatKey)
	}
	if find.CreatorID != nil {
		where, args = append(where, "chat_key LIKE "+placeholder(len(args)+1)), append(args, fmt.Sprintf("%d:%%", *find.CreatorID))
	}
	if find.Turn != nil {
		where, args = append(where, "turn = "+placeholder(len(args)+1)), append(args, *find.Turn)
	}
	if find.Stage != nil {
		where, args = append(where, "stage = "+placeholder(len(args)+1)), append(args, *find.Stage)
	}
	if find.Status != nil {
		where, args = append(where, "status = "+placeholder(len(args)+1)), append(args, *find.Status)
	}

	query := `SELECT id, chat_key, turn, stage, status, attempt, payload, result, error, created_ts, started_ts, finished_ts
		FROM job
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY id DESC`
	if find.Limit != nil {
		query += fmt.Sprintf(" LIMIT %d", *find.Limit)
		if find.Offset != nil {
			query += fmt.Sprintf(" OFFSET %d", *find.Offset)
		}
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	list := make([]*store.Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, j)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}

	return list, nil
}

func (d *DB) UpdateJob(ctx context.Context, update *store.UpdateJob) error {
	set, args := []string{}, []any{}

	if update.Status != nil {
		set, args = append(set, "status = "+placeholder(len(args)+1)), append(args, *update.Status)
	}
	if update.Result != nil {
		set, args = append(set, "result = "+placeholder(len(args)+1)), append(args, nullableJSON(*update.Result))
	}
	if update.Error != nil {
		set, args = append(set, "error = "+placeholder(len(args)+1)), append(args, *update.Error)
	}
	if update.StartedTs != nil {
		set, args = append(set, "started_ts = "+placeholder(len(args)+1)), append(args, *update.StartedTs)
	}
	if update.FinishedTs != nil {
		set, args = append(set, "finished_ts = "+placeholder(len(args)+1)), append(args, *update.FinishedTs)
	}

	if len(set) == 0 {
		return fmt.Errorf("no fields to update")
	}

	args = append(args, update.ID)
	stmt := `UPDATE job SET ` + strings.Join(set, ", ") + ` WHERE id = ` + placeholder(len(args))
	result, err := d.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("job not found")
	}

	return nil
}

func (d *DB) GetLatestJob(ctx context.Context, chatKey store.ChatKey, turn int32, stage store.Stage) (*store.Job, error) {
	query := `SELECT id, chat_key, turn, stage, status, attempt, payload, result, error, created_ts, started_ts, finished_ts
		FROM job
		WHERE chat_key = ` + placeholder(1) + ` AND turn = ` + placeholder(2) + ` AND stage = ` + placeholder(3) + `
		ORDER BY attempt DESC, id DESC
		LIMIT 1`

	rows, err := d.db.QueryContext(ctx, query, chatKey, turn, stage)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest job: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return scanJob(rows)
}

func (d *DB) PurgeFinishedJobs(ctx context.Context, beforeTs int64) (int64, error) {
	stmt := `DELETE FROM job
		WHERE created_ts < ` + placeholder(1) + `
		AND status IN ('completed', 'failed', 'suppressed', 'superseded')`
	result, err := d.db.ExecContext(ctx, stmt, beforeTs)
	if err != nil {
		return 0, fmt.Errorf("failed to purge finished jobs: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

func scanJob(rows *sql.Rows) (*store.Job, error) {
	j := &store.Job{}
	var payload, result sql.NullString
	if err := rows.Scan(&j.ID, &j.ChatKey, &j.Turn, &j.Stage, &j.Status, &j.Attempt, &payload, &result, &j.Error, &j.CreatedTs, &j.StartedTs, &j.FinishedTs); err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	if payload.Valid {
		j.Payload = []byte(payload.String)
	}
	if result.Valid {
		j.Result = []byte(result.String)
	}
	return j, nil
}

// nullableJSON maps empty byte slices to SQL NULL so JSONB columns never
// receive the invalid empty string.
func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
