package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/hachiko-io/waflow/store"
)

func (d *DB) CreateSession(ctx context.Context, create *store.Session) (*store.Session, error) {
	fields := []string{"uid", "creator_id", "wa_account_id", "name", "waha_base_url", "waha_api_key", "webhook_secret", "connection_status", "auto_reply", "agent_id", "merge_window_ms", "typing_indicator", "filter_expr", "created_ts", "updated_ts"}
	args := []any{create.UID, create.CreatorID, create.WAAccountID, create.Name, create.WahaBaseURL, create.WahaAPIKey, create.WebhookSecret, create.ConnectionStatus, create.AutoReply, create.AgentID, create.MergeWindowMs, create.TypingIndicator, create.FilterExpr, create.CreatedTs, create.UpdatedTs}

	stmt := `INSERT INTO session (` + strings.Join(fields, ", ") + `)
		VALUES (` + placeholders(len(args)) + `)
		RETURNING id`
	if err := d.db.QueryRowContext(ctx, stmt, args...).Scan(&create.ID); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return create, nil
}

func (d *DB) ListSessions(ctx context.Context, find *store.FindSession) ([]*store.Session, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.UID != nil {
		where, args = append(where, "uid = "+placeholder(len(args)+1)), append(args, *find.UID)
	}
	if find.CreatorID != nil {
		where, args = append(where, "creator_id = "+placeholder(len(args)+1)), append(args, *find.CreatorID)
	}
	if find.WAAccountID != nil {
		where, args = append(where, "wa_account_id = "+placeholder(len(args)+1)), append(args, *find.WAAccountID)
	}

	query := `SELECT id, uid, creator_id, wa_account_id, name, waha_base_url, waha_api_key, webhook_secret, connection_status, auto_reply, agent_id, merge_window_ms, typing_indicator, filter_expr, created_ts, updated_ts
		FROM session
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY created_ts DESC`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	list := make([]*store.Session, 0)
	for rows.Next() {
		s := &store.Session{}
		if err := rows.Scan(&s.ID, &s.UID, &s.CreatorID, &s.WAAccountID, &s.Name, &s.WahaBaseURL, &s.WahaAPIKey, &s.WebhookSecret, &s.ConnectionStatus, &s.AutoReply, &s.AgentID, &s.MergeWindowMs, &s.TypingIndicator, &s.FilterExpr, &s.CreatedTs, &s.UpdatedTs); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		list = append(list, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}

	return list, nil
}

func (d *DB) UpdateSession(ctx context.Context, update *store.UpdateSession) (*store.Session, error) {
	set, args := []string{}, []any{}

	if update.Name != nil {
		set, args = append(set, "name = "+placeholder(len(args)+1)), append(args, *update.Name)
	}
	if update.WahaBaseURL != nil {
		set, args = append(set, "waha_base_url = "+placeholder(len(args)+1)), append(args, *update.WahaBaseURL)
	}
	if update.WahaAPIKey != nil {
		set, args = append(set, "waha_api_key = "+placeholder(len(args)+1)), append(args, *update.WahaAPIKey)
	}
	if update.WebhookSecret != nil {
		set, args = append(set, "webhook_secret = "+placeholder(len(args)+1)), append(args, *update.WebhookSecret)
	}
	if update.ConnectionStatus != nil {
		set, args = append(set, "connection_status = "+placeholder(len(args)+1)), append(args, *update.ConnectionStatus)
	}
	if update.AutoReply != nil {
		set, args = append(set, "auto_reply = "+placeholder(len(args)+1)), append(args, *update.AutoReply)
	}
	if update.ClearAgent {
		set = append(set, "agent_id = NULL")
	} else if update.AgentID != nil {
		set, args = append(set, "agent_id = "+placeholder(len(args)+1)), append(args, *update.AgentID)
	}
	if update.MergeWindowMs != nil {
		set, args = append(set, "merge_window_ms = "+placeholder(len(args)+1)), append(args, *update.MergeWindowMs)
	}
	if update.TypingIndicator != nil {
		set, args = append(set, "typing_indicator = "+placeholder(len(args)+1)), append(args, *update.TypingIndicator)
	}
	if update.FilterExpr != nil {
		set, args = append(set, "filter_expr = "+placeholder(len(args)+1)), append(args, *update.FilterExpr)
	}
	if update.UpdatedTs != nil {
		set, args = append(set, "updated_ts = "+placeholder(len(args)+1)), append(args, *update.UpdatedTs)
	}

	if len(set) == 0 {
		return nil, fmt.Errorf("no fields to update")
	}

	args = append(args, update.ID)
	stmt := `UPDATE session SET ` + strings.Join(set, ", ") + ` WHERE id = ` + placeholder(len(args)) + `
		RETURNING id, uid, creator_id, wa_account_id, name, waha_base_url, waha_api_key, webhook_secret, connection_status, auto_reply, agent_id, merge_window_ms, typing_indicator, filter_expr, created_ts, updated_ts`
	s := &store.Session{}
	if err := d.db.QueryRowContext(ctx, stmt, args...).Scan(&s.ID, &s.UID, &s.CreatorID, &s.WAAccountID, &s.Name, &s.WahaBaseURL, &s.WahaAPIKey, &s.WebhookSecret, &s.ConnectionStatus, &s.AutoReply, &s.AgentID, &s.MergeWindowMs, &s.TypingIndicator, &s.FilterExpr, &s.CreatedTs, &s.UpdatedTs); err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}

	return s, nil
}

func (d *DB) DeleteSession(ctx context.Context, delete *store.DeleteSession) error {
	result, err := d.db.ExecContext(ctx, `DELETE FROM session WHERE id = `+placeholder(1), delete.ID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("session not found")
	}

	return nil
}
