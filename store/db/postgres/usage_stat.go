package postgres

import (
	"context"
	"fmt"

	"github.com/hachiko-io/waflow/store"
)

func (d *DB) AddUsageStat(ctx context.Context, add *store.AddUsageStat) error {
	stmt := `INSERT INTO usage_stat (creator_id, stat_date, metric, value)
		VALUES (` + placeholders(4) + `)
		ON CONFLICT (creator_id, stat_date, metric) DO UPDATE SET value = usage_stat.value + EXCLUDED.value`
	if _, err := d.db.ExecContext(ctx, stmt, add.CreatorID, add.StatDate, add.Metric, add.Delta); err != nil {
		return fmt.Errorf("failed to add usage stat: %w", err)
	}
	return nil
}

func (d *DB) ListUsageStats(ctx context.Context, find *store.FindUsageStat) ([]*store.UsageStat, error) {
	query := `SELECT creator_id, stat_date, metric, value
		FROM usage_stat
		WHERE creator_id = ` + placeholder(1) + ` AND stat_date >= ` + placeholder(2) + `
		ORDER BY stat_date ASC, metric ASC`

	rows, err := d.db.QueryContext(ctx, query, find.CreatorID, find.SinceDate)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage stats: %w", err)
	}
	defer rows.Close()

	list := make([]*store.UsageStat, 0)
	for rows.Next() {
		s := &store.UsageStat{}
		if err := rows.Scan(&s.CreatorID, &s.StatDate, &s.Metric, &s.Value); err != nil {
			return nil, fmt.Errorf("failed to scan usage stat: %w", err)
		}
		list = append(list, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate usage stats: %w", err)
	}

	return list, nil
}
