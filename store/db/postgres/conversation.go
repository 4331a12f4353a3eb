package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hachiko-io/waflow/store"
)

func (d *DB) UpsertConversation(ctx context.Context, upsert *store.UpsertConversation) (*store.Conversation, error) {
	now := time.Now().Unix()
	fields := []string{"chat_key", "session_id", "created_ts", "updated_ts"}
	args := []any{upsert.ChatKey, upsert.SessionID, now, now}

	conflict := `DO UPDATE SET updated_ts = EXCLUDED.updated_ts`
	if upsert.AutoReply != nil {
		fields = append(fields, "auto_reply")
		args = append(args, *upsert.AutoReply)
		conflict = `DO UPDATE SET auto_reply = EXCLUDED.auto_reply, updated_ts = EXCLUDED.updated_ts`
	}

	stmt := `INSERT INTO conversation (` + strings.Join(fields, ", ") + `)
		VALUES (` + placeholders(len(args)) + `)
		ON CONFLICT (chat_key) ` + conflict + `
		RETURNING id, chat_key, session_id, last_turn, auto_reply, created_ts, updated_ts`
	c := &store.Conversation{}
	if err := d.db.QueryRowContext(ctx, stmt, args...).Scan(&c.ID, &c.ChatKey, &c.SessionID, &c.LastTurn, &c.AutoReply, &c.CreatedTs, &c.UpdatedTs); err != nil {
		return nil, fmt.Errorf("failed to upsert conversation: %w", err)
	}

	return c, nil
}

func (d *DB) ListConversations(ctx context.Context, find *store.FindConversation) ([]*store.Conversation, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.ChatKey != nil {
		where, args = append(where, "chat_key = "+placeholder(len(args)+1)), append(args, *find.ChatKey)
	}
	if find.SessionID != nil {
		where, args = append(where, "session_id = "+placeholder(len(args)+1)), append(args, *find.SessionID)
	}

	query := `SELECT id, chat_key, session_id, last_turn, auto_reply, created_ts, updated_ts
		FROM conversation
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY updated_ts DESC`
	if find.Limit != nil {
		query += fmt.Sprintf(" LIMIT %d", *find.Limit)
		if find.Offset != nil {
			query += fmt.Sprintf(" OFFSET %d", *find.Offset)
		}
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	list := make([]*store.Conversation, 0)
	for rows.Next() {
		c := &store.Conversation{}
		if err := rows.Scan(&c.ID, &c.ChatKey, &c.SessionID, &c.LastTurn, &c.AutoReply, &c.CreatedTs, &c.UpdatedTs); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		list = append(list, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conversations: %w", err)
	}

	return list, nil
}

func (d *DB) UpdateConversation(ctx context.Context, update *store.UpdateConversation) (*store.Conversation, error) {
	set, args := []string{}, []any{}

	if update.AutoReply != nil {
		set, args = append(set, "auto_reply = "+placeholder(len(args)+1)), append(args, *update.AutoReply)
	}
	if update.LastTurn != nil {
		// last_turn is non-decreasing.
		set, args = append(set, "last_turn = GREATEST(last_turn, "+placeholder(len(args)+1)+")"), append(args, *update.LastTurn)
	}
	if update.UpdatedTs != nil {
		set, args = append(set, "updated_ts = "+placeholder(len(args)+1)), append(args, *update.UpdatedTs)
	}

	if len(set) == 0 {
		return nil, fmt.Errorf("no fields to update")
	}

	args = append(args, update.ChatKey)
	stmt := `UPDATE conversation SET ` + strings.Join(set, ", ") + ` WHERE chat_key = ` + placeholder(len(args)) + `
		RETURNING id, chat_key, session_id, last_turn, auto_reply, created_ts, updated_ts`
	c := &store.Conversation{}
	if err := d.db.QueryRowContext(ctx, stmt, args...).Scan(&c.ID, &c.ChatKey, &c.SessionID, &c.LastTurn, &c.AutoReply, &c.CreatedTs, &c.UpdatedTs); err != nil {
		return nil, fmt.Errorf("failed to update conversation: %w", err)
	}

	return c, nil
}
