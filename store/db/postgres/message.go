package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/hachiko-io/waflow/store"
)

// uniqueViolation is the PostgreSQL error code for unique constraint hits.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code == uniqueViolation
}

func (d *DB) CreateMessage(ctx context.Context, create *store.Message) (*store.Message, error) {
	fields := []string{"chat_key", "turn", "role", "content", "status", "wa_message_id", "ack_status", "created_ts"}
	args := []any{create.ChatKey, create.Turn, create.Role, create.Content, create.Status, create.WAMessageID, create.AckStatus, create.CreatedTs}

	stmt := `INSERT INTO message (` + strings.Join(fields, ", ") + `)
		VALUES (` + placeholders(len(args)) + `)
		RETURNING id`
	if err := d.db.QueryRowContext(ctx, stmt, args...).Scan(&create.ID); err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicateTurn
		}
		return nil, fmt.Errorf("failed to create message: %w", err)
	}

	return create, nil
}

func (d *DB) ListMessages(ctx context.Context, find *store.FindMessage) ([]*store.Message, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ChatKey != nil {
		where, args = append(where, "chat_key = "+placeholder(len(args)+1)), append(args, *find.ChatKey)
	}
	if find.Turn != nil {
		where, args = append(where, "turn = "+placeholder(len(args)+1)), append(args, *find.Turn)
	}
	if find.Role != nil {
		where, args = append(where, "role = "+placeholder(len(args)+1)), append(args, *find.Role)
	}
	if find.Status != nil {
		where, args = append(where, "status = "+placeholder(len(args)+1)), append(args, *find.Status)
	}

	order := "ORDER BY turn ASC, id ASC"
	if find.Last != nil {
		order = fmt.Sprintf("ORDER BY turn DESC, id DESC LIMIT %d", *find.Last)
	} else if find.Limit != nil {
		order += fmt.Sprintf(" LIMIT %d", *find.Limit)
		if find.Offset != nil {
			order += fmt.Sprintf(" OFFSET %d", *find.Offset)
		}
	}

	query := `SELECT id, chat_key, turn, role, content, status, wa_message_id, ack_status, created_ts
		FROM message
		WHERE ` + strings.Join(where, " AND ") + `
		` + order

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	list := make([]*store.Message, 0)
	for rows.Next() {
		m := &store.Message{}
		if err := rows.Scan(&m.ID, &m.ChatKey, &m.Turn, &m.Role, &m.Content, &m.Status, &m.WAMessageID, &m.AckStatus, &m.CreatedTs); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		list = append(list, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}

	// Last queries descend for the LIMIT; callers expect chronological order.
	if find.Last != nil {
		for i, j := 0, len(list)-1; i < j; i, j = i+1, j-1 {
			list[i], list[j] = list[j], list[i]
		}
	}

	return list, nil
}

func (d *DB) UpdateMessage(ctx context.Context, update *store.UpdateMessage) error {
	set, args := []string{}, []any{}

	if update.Content != nil {
		set, args = append(set, "content = "+placeholder(len(args)+1)), append(args, *update.Content)
	}
	if update.Status != nil {
		set, args = append(set, "status = "+placeholder(len(args)+1)), append(args, *update.Status)
	}
	if update.WAMessageID != nil {
		set, args = append(set, "wa_message_id = "+placeholder(len(args)+1)), append(args, *update.WAMessageID)
	}
	if update.AckStatus != nil {
		set, args = append(set, "ack_status = "+placeholder(len(args)+1)), append(args, *update.AckStatus)
	}

	if len(set) == 0 {
		return fmt.Errorf("no fields to update")
	}

	args = append(args, update.ID)
	stmt := `UPDATE message SET ` + strings.Join(set, ", ") + ` WHERE id = ` + placeholder(len(args))
	result, err := d.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("message not found")
	}

	return nil
}

// UpdateMessageAck records a delivery/read ack. Acks for messages we never
// persisted are silently ignored.
func (d *DB) UpdateMessageAck(ctx context.Context, waMessageID string, ackStatus int32) error {
	stmt := `UPDATE message SET ack_status = ` + placeholder(1) + ` WHERE wa_message_id = ` + placeholder(2) + ` AND ack_status < ` + placeholder(3)
	if _, err := d.db.ExecContext(ctx, stmt, ackStatus, waMessageID, ackStatus); err != nil {
		return fmt.Errorf("failed to update message ack: %w", err)
	}
	return nil
}

func (d *DB) CreateExchange(ctx context.Context, batch *store.ExchangeBatch) (*store.Message, *store.Message, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin exchange tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	userMsg := &store.Message{
		ChatKey:   batch.ChatKey,
		Turn:      batch.Turn,
		Role:      store.MessageRoleUser,
		Content:   batch.UserContent,
		Status:    store.MessageStatusCompleted,
		CreatedTs: batch.UserCreatedTs,
	}
	assistantMsg := &store.Message{
		ChatKey:   batch.ChatKey,
		Turn:      batch.Turn + 1,
		Role:      store.MessageRoleAssistant,
		Content:   batch.AssistantContent,
		Status:    store.MessageStatusPending,
		CreatedTs: now,
	}

	stmt := `INSERT INTO message (chat_key, turn, role, content, status, wa_message_id, ack_status, created_ts)
		VALUES (` + placeholders(8) + `)
		RETURNING id`
	if err := tx.QueryRowContext(ctx, stmt, userMsg.ChatKey, userMsg.Turn, userMsg.Role, userMsg.Content, userMsg.Status, "", 0, userMsg.CreatedTs).Scan(&userMsg.ID); err != nil {
		if isUniqueViolation(err) {
			return nil, nil, store.ErrDuplicateTurn
		}
		return nil, nil, fmt.Errorf("failed to create user message: %w", err)
	}
	if err := tx.QueryRowContext(ctx, stmt, assistantMsg.ChatKey, assistantMsg.Turn, assistantMsg.Role, assistantMsg.Content, assistantMsg.Status, "", 0, assistantMsg.CreatedTs).Scan(&assistantMsg.ID); err != nil {
		if isUniqueViolation(err) {
			return nil, nil, store.ErrDuplicateTurn
		}
		return nil, nil, fmt.Errorf("failed to create assistant message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversation SET last_turn = GREATEST(last_turn, $1), updated_ts = $2 WHERE chat_key = $3`,
		assistantMsg.Turn, now, batch.ChatKey); err != nil {
		return nil, nil, fmt.Errorf("failed to advance last_turn: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit exchange: %w", err)
	}

	return userMsg, assistantMsg, nil
}

func (d *DB) RecordSuppressedTurn(ctx context.Context, chatKey store.ChatKey, content string, turn int32) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin suppressed-turn tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	stmt := `INSERT INTO message (chat_key, turn, role, content, status, wa_message_id, ack_status, created_ts)
		VALUES (` + placeholders(8) + `)
		ON CONFLICT (chat_key, turn, role) DO NOTHING`
	if _, err := tx.ExecContext(ctx, stmt, chatKey, turn, store.MessageRoleUser, content, store.MessageStatusSuppressed, "", 0, now); err != nil {
		return fmt.Errorf("failed to record suppressed message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversation SET last_turn = GREATEST(last_turn, $1), updated_ts = $2 WHERE chat_key = $3`,
		turn, now, chatKey); err != nil {
		return fmt.Errorf("failed to advance last_turn: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit suppressed turn: %w", err)
	}

	return nil
}
