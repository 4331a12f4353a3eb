package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/hachiko-io/waflow/store"
)

func (d *DB) CreateJob(ctx context.Context, create *store.Job) (*store.Job, error) {
	stmt := `INSERT INTO job (chat_key, turn, stage, status, attempt, payload, result, error, created_ts, started_ts, finished_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`
	if err := d.db.QueryRowContext(ctx, stmt,
		create.ChatKey, create.Turn, create.Stage, create.Status, create.Attempt,
		nullableText(create.Payload), nullableText(create.Result), create.Error,
		create.CreatedTs, create.StartedTs, create.FinishedTs,
	).Scan(&create.ID); err != nil {
		return nil, errors.Wrap(err, "failed to create job")
	}

	return create, nil
}

func (d *DB) ListJobs(ctx context.Context, find *store.FindJob) ([]*store.Job, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = ?"), append(args, *find.ID)
	}
	if find.ChatKey != nil {
		where, args = append(where, "chat_key = ?"), append(args, *find.ChatKey)
	}
	if find.CreatorID != nil {
		where, args = append(where, "chat_key LIKE ?"), append(args, fmt.Sprintf("%d:%%", *find.CreatorID))
	}
	if find.Turn != nil {
		where, args = append(where, "turn = ?"), append(args, *find.Turn)
	}
	if find.Stage != nil {
		where, args = append(where, "stage = ?"), append(args, *find.Stage)
	}
	if find.Status != nil {
		where, args = append(where, "status = ?"), append(args, *find.Status)
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
		return nil, errors.Wrap(err, "failed to list jobs")
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
		return nil, err
	}

	return list, nil
}

func (d *DB) UpdateJob(ctx context.Context, update *store.UpdateJob) error {
	set, args := []string{}, []any{}

	if update.Status != nil {
		set, args = append(set, "status = ?"), append(args, *update.Status)
	}
	if update.Result != nil {
		set, args = append(set, "result = ?"), append(args, nullableText(*update.Result))
	}
	if update.Error != nil {
		set, args = append(set, "error = ?"), append(args, *update.Error)
	}
	if update.StartedTs != nil {
		set, args = append(set, "started_ts = ?"), append(args, *update.StartedTs)
	}
	if update.FinishedTs != nil {
		set, args = append(set, "finished_ts = ?"), append(args, *update.FinishedTs)
	}

	if len(set) == 0 {
		return errors.New("no fields to update")
	}

	args = append(args, update.ID)
	result, err := d.db.ExecContext(ctx, `UPDATE job SET `+strings.Join(set, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return errors.Wrap(err, "failed to update job")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errors.New("job not found")
	}

	return nil
}

func (d *DB) GetLatestJob(ctx context.Context, chatKey store.ChatKey, turn int32, stage store.Stage) (*store.Job, error) {
	query := `SELECT id, chat_key, turn, stage, status, attempt, payload, result, error, created_ts, started_ts, finished_ts
		FROM job
		WHERE chat_key = ? AND turn = ? AND stage = ?
		ORDER BY attempt DESC, id DESC
		LIMIT 1`

	rows, err := d.db.QueryContext(ctx, query, chatKey, turn, stage)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get latest job")
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
		WHERE created_ts < ?
		AND status IN ('completed', 'failed', 'suppressed', 'superseded')`
	result, err := d.db.ExecContext(ctx, stmt, beforeTs)
	if err != nil {
		return 0, errors.Wrap(err, "failed to purge finished jobs")
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

func scanJob(rows *sql.Rows) (*store.Job, error) {
	j := &store.Job{}
	var payload, result sql.NullString
	if err := rows.Scan(&j.ID, &j.ChatKey, &j.Turn, &j.Stage, &j.Status, &j.Attempt, &payload, &result, &j.Error, &j.CreatedTs, &j.StartedTs, &j.FinishedTs); err != nil {
		return nil, errors.Wrap(err, "failed to scan job")
	}
	if payload.Valid {
		j.Payload = []byte(payload.String)
	}
	if result.Valid {
		j.Result = []byte(result.String)
	}
	return j, nil
}

func nullableText(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
