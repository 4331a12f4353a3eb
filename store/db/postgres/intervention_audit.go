package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/hachiko-io/waflow/store"
)

func (d *DB) CreateInterventionAudit(ctx context.Context, create *store.InterventionAuditEntry) error {
	stmt := `INSERT INTO intervention_audit (action, target, actor, created_ts)
		VALUES (` + placeholders(4) + `)
		RETURNING id`
	if err := d.db.QueryRowContext(ctx, stmt, create.Action, create.Target, create.Actor, create.CreatedTs).Scan(&create.ID); err != nil {
		return fmt.Errorf("failed to create intervention audit entry: %w", err)
	}
	return nil
}

func (d *DB) ListInterventionAudit(ctx context.Context, find *store.FindInterventionAudit) ([]*store.InterventionAuditEntry, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.Target != nil {
		where, args = append(where, "target = "+placeholder(len(args)+1)), append(args, *find.Target)
	}
	if find.Since != nil {
		where, args = append(where, "created_ts >= "+placeholder(len(args)+1)), append(args, *find.Since)
	}

	query := `SELECT id, action, target, actor, created_ts
		FROM intervention_audit
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY created_ts DESC, id DESC`
	if find.Limit != nil {
		query += fmt.Sprintf(" LIMIT %d", *find.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list intervention audit: %w", err)
	}
	defer rows.Close()

	list := make([]*store.InterventionAuditEntry, 0)
	for rows.Next() {
		e := &store.InterventionAuditEntry{}
		if err := rows.Scan(&e.ID, &e.Action, &e.Target, &e.Actor, &e.CreatedTs); err != nil {
			return nil, fmt.Errorf("failed to scan intervention audit entry: %w", err)
		}
		list = append(list, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate intervention audit: %w", err)
	}

	return list, nil
}

func (d *DB) PurgeInterventionAudit(ctx context.Context, beforeTs int64) (int64, error) {
	result, err := d.db.ExecContext(ctx, `DELETE FROM intervention_audit WHERE created_ts < `+placeholder(1), beforeTs)
	if err != nil {
		return 0, fmt.Errorf("failed to purge intervention audit: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}
