package sqlite

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/hachiko-io/waflow/store"
)

func (d *DB) CreateSession(ctx context.Context, create *store.Session) (*store.Session, error) {
	stmt := `INSERT INTO session (uid, creator_id, wa_account_id, name, waha_base_url, waha_api_key, webhook_secret, connection_status, auto_reply, agent_id, merge_window_ms, typing_indicator, filter_expr, created_ts, updated_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`
	if err := d.db.QueryRowContext(ctx, stmt,
		create.UID, create.CreatorID, create.WAAccountID, create.Name, create.WahaBaseURL,
		create.WahaAPIKey, create.WebhookSecret, create.ConnectionStatus, create.AutoReply,
		create.AgentID, create.MergeWindowMs, create.TypingIndicator, create.FilterExpr,
		create.CreatedTs, create.UpdatedTs,
	).Scan(&create.ID); err != nil {
		return nil, errors.Wrap(err, "failed to create session")
	}

	return create, nil
}

func (d *DB) ListSessions(ctx context.Context, find *store.FindSession) ([]*store.Session, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = ?"), append(args, *find.ID)
	}
	if find.UID != nil {
		where, args = append(where, "uid = ?"), append(args, *find.UID)
	}
	if find.CreatorID != nil {
		where, args = append(where, "creator_id = ?"), append(args, *find.CreatorID)
	}
	if find.WAAccountID != nil {
		where, args = append(where, "wa_account_id = ?"), append(args, *find.WAAccountID)
	}

	query := `SELECT id, uid, creator_id, wa_account_id, name, waha_base_url, waha_api_key, webhook_secret, connection_status, auto_reply, agent_id, merge_window_ms, typing_indicator, filter_expr, created_ts, updated_ts
		FROM session
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY created_ts DESC`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list sessions")
	}
	defer rows.Close()

	list := make([]*store.Session, 0)
	for rows.Next() {
		s := &store.Session{}
		if err := rows.Scan(&s.ID, &s.UID, &s.CreatorID, &s.WAAccountID, &s.Name, &s.WahaBaseURL, &s.WahaAPIKey, &s.WebhookSecret, &s.ConnectionStatus, &s.AutoReply, &s.AgentID, &s.MergeWindowMs, &s.TypingIndicator, &s.FilterExpr, &s.CreatedTs, &s.UpdatedTs); err != nil {
			return nil, errors.Wrap(err, "failed to scan session")
		}
		list = append(list, s)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return list, nil
}

func (d *DB) UpdateSession(ctx context.Context, update *store.UpdateSession) (*store.Session, error) {
	set, args := []string{}, []any{}

	if update.Name != nil {
		set, args = append(set, "name = ?"), append(args, *update.Name)
	}
	if update.WahaBaseURL != nil {
		set, args = append(set, "waha_base_url = ?"), append(args, *update.WahaBaseURL)
	}
	if update.WahaAPIKey != nil {
		set, args = append(set, "waha_api_key = ?"), append(args, *update.WahaAPIKey)
	}
	if update.WebhookSecret != nil {
		set, args = append(set, "webhook_secret = ?"), append(args, *update.WebhookSecret)
	}
	if update.ConnectionStatus != nil {
		set, args = append(set, "connection_status = ?"), append(args, *update.ConnectionStatus)
	}
	if update.AutoReply != nil {
		set, args = append(set, "auto_reply = ?"), append(args, *update.AutoReply)
	}
	if update.ClearAgent {
		set = append(set, "agent_id = NULL")
	} else if update.AgentID != nil {
		set, args = append(set, "agent_id = ?"), append(args, *update.AgentID)
	}
	if update.MergeWindowMs != nil {
		set, args = append(set, "merge_window_ms = ?"), append(args, *update.MergeWindowMs)
	}
	if update.TypingIndicator != nil {
		set, args = append(set, "typing_indicator = ?"), append(args, *update.TypingIndicator)
	}
	if update.FilterExpr != nil {
		set, args = append(set, "filter_expr = ?"), append(args, *update.FilterExpr)
	}
	if update.UpdatedTs != nil {
		set, args = append(set, "updated_ts = ?"), append(args, *update.UpdatedTs)
	}

	if len(set) == 0 {
		return nil, errors.New("no fields to update")
	}

	args = append(args, update.ID)
	stmt := `UPDATE session SET ` + strings.Join(set, ", ") + ` WHERE id = ?
		RETURNING id, uid, creator_id, wa_account_id, name, waha_base_url, waha_api_key, webhook_secret, connection_status, auto_reply, agent_id, merge_window_ms, typing_indicator, filter_expr, created_ts, updated_ts`
	s := &store.Session{}
	if err := d.db.QueryRowContext(ctx, stmt, args...).Scan(&s.ID, &s.UID, &s.CreatorID, &s.WAAccountID, &s.Name, &s.WahaBaseURL, &s.WahaAPIKey, &s.WebhookSecret, &s.ConnectionStatus, &s.AutoReply, &s.AgentID, &s.MergeWindowMs, &s.TypingIndicator, &s.FilterExpr, &s.CreatedTs, &s.UpdatedTs); err != nil {
		return nil, errors.Wrap(err, "failed to update session")
	}

	return s, nil
}

func (d *DB) DeleteSession(ctx context.Context, delete *store.DeleteSession) error {
	result, err := d.db.ExecContext(ctx, `DELETE FROM session WHERE id = ?`, delete.ID)
	if err != nil {
		return errors.Wrap(err, "failed to delete session")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errors.New("session not found")
	}

	return nil
}
