package postgres

import (
	"context"
	"fmt"

	"github.com/hachiko-io/waflow/store"
)

// InsertWebhookEvent records a processed delivery. Returns false when the
// event id was already seen, which is the dedup signal.
func (d *DB) InsertWebhookEvent(ctx context.Context, event *store.WebhookEvent) (bool, error) {
	stmt := `INSERT INTO webhook_event (event_id, wa_account_id, received_ts)
		VALUES (` + placeholders(3) + `)
		ON CONFLICT (event_id) DO NOTHING`
	result, err := d.db.ExecContext(ctx, stmt, event.EventID, event.WAAccountID, event.ReceivedTs)
	if err != nil {
		return false, fmt.Errorf("failed to insert webhook event: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows == 1, nil
}

func (d *DB) PurgeWebhookEvents(ctx context.Context, beforeTs int64) (int64, error) {
	result, err := d.db.ExecContext(ctx, `DELETE FROM webhook_event WHERE received_ts < `+placeholder(1), beforeTs)
	if err != nil {
		return 0, fmt.Errorf("failed to purge webhook events: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}
