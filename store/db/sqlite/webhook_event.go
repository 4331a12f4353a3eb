package sqlite

import (
	"context"

	"github.com/pkg/errors"

	"github.com/hachiko-io/waflow/store"
)

func (d *DB) InsertWebhookEvent(ctx context.Context, event *store.WebhookEvent) (bool, error) {
	stmt := `INSERT INTO webhook_event (event_id, wa_account_id, received_ts)
		VALUES (?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING`
	result, err := d.db.ExecContext(ctx, stmt, event.EventID, event.WAAccountID, event.ReceivedTs)
	if err != nil {
		return false, errors.Wrap(err, "failed to insert webhook event")
	}
	rows, _ := result.RowsAffected()
	return rows == 1, nil
}

func (d *DB) PurgeWebhookEvents(ctx context.Context, beforeTs int64) (int64, error) {
	result, err := d.db.ExecContext(ctx, `DELETE FROM webhook_event WHERE received_ts < ?`, beforeTs)
	if err != nil {
		return 0, errors.Wrap(err, "failed to purge webhook events")
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}
