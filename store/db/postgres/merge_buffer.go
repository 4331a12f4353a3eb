package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/hachiko-io/waflow/store"
)

func (d *DB) UpsertMergeBuffer(ctx context.Context, upsert *store.UpsertMergeBuffer) error {
	now := time.Now().Unix()
	stmt := `INSERT INTO merge_buffer (chat_key, session_id, messages, start_time_ms, last_message_time_ms, window_ms, updated_ts)
		VALUES (` + placeholders(7) + `)
		ON CONFLICT (chat_key) DO UPDATE SET
			messages = EXCLUDED.messages,
			last_message_time_ms = EXCLUDED.last_message_time_ms,
			updated_ts = EXCLUDED.updated_ts`
	if _, err := d.db.ExecContext(ctx, stmt,
		upsert.ChatKey, upsert.SessionID, string(upsert.Messages),
		upsert.StartTimeMs, upsert.LastMessageTimeMs, upsert.WindowMs, now); err != nil {
		return fmt.Errorf("failed to upsert merge buffer: %w", err)
	}
	return nil
}

func (d *DB) ListMergeBuffers(ctx context.Context) ([]*store.MergeBuffer, error) {
	query := `SELECT chat_key, session_id, messages, start_time_ms, last_message_time_ms, window_ms, updated_ts
		FROM merge_buffer
		ORDER BY start_time_ms ASC`

	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list merge buffers: %w", err)
	}
	defer rows.Close()

	list := make([]*store.MergeBuffer, 0)
	for rows.Next() {
		b := &store.MergeBuffer{}
		var messages string
		if err := rows.Scan(&b.ChatKey, &b.SessionID, &messages, &b.StartTimeMs, &b.LastMessageTimeMs, &b.WindowMs, &b.UpdatedTs); err != nil {
			return nil, fmt.Errorf("failed to scan merge buffer: %w", err)
		}
		b.Messages = []byte(messages)
		list = append(list, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate merge buffers: %w", err)
	}

	return list, nil
}

func (d *DB) DeleteMergeBuffer(ctx context.Context, delete *store.DeleteMergeBuffer) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM merge_buffer WHERE chat_key = `+placeholder(1), delete.ChatKey); err != nil {
		return fmt.Errorf("failed to delete merge buffer: %w", err)
	}
	return nil
}
