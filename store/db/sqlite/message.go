package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hachiko-io/waflow/store"
)

func (d *DB) CreateMessage(ctx context.Context, create *store.Message) (*store.Message, error) {
	stmt := `INSERT INTO message (chat_key, turn, role, content, status, wa_message_id, ack_status, created_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`
	if err := d.db.QueryRowContext(ctx, stmt,
		create.ChatKey, create.Turn, create.Role, create.Content, create.Status,
		create.WAMessageID, create.AckStatus, create.CreatedTs,
	).Scan(&create.ID); err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicateTurn
		}
		return nil, errors.Wrap(err, "failed to create message")
	}

	return create, nil
}

func (d *DB) ListMessages(ctx context.Context, find *store.FindMessage) ([]*store.Message, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ChatKey != nil {
		where, args = append(where, "chat_key = ?"), append(args, *find.ChatKey)
	}
	if find.Turn != nil {
		where, args = append(where, "turn = ?"), append(args, *find.Turn)
	}
	if find.Role != nil {
		where, args = append(where, "role = ?"), append(args, *find.Role)
	}
	if find.Status != nil {
		where, args = append(where, "status = ?"), append(args, *find.Status)
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
		return nil, errors.Wrap(err, "failed to list messages")
	}
	defer rows.Close()

	list := make([]*store.Message, 0)
	for rows.Next() {
		m := &store.Message{}
		if err := rows.Scan(&m.ID, &m.ChatKey, &m.Turn, &m.Role, &m.Content, &m.Status, &m.WAMessageID, &m.AckStatus, &m.CreatedTs); err != nil {
			return nil, errors.Wrap(err, "failed to scan message")
		}
		list = append(list, m)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

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
		set, args = append(set, "content = ?"), append(args, *update.Content)
	}
	if update.Status != nil {
		set, args = append(set, "status = ?"), append(args, *update.Status)
	}
	if update.WAMessageID != nil {
		set, args = append(set, "wa_message_id = ?"), append(args, *update.WAMessageID)
	}
	if update.AckStatus != nil {
		set, args = append(set, "ack_status = ?"), append(args, *update.AckStatus)
	}

	if len(set) == 0 {
		return errors.New("no fields to update")
	}

	args = append(args, update.ID)
	stmt := `UPDATE message SET ` + strings.Join(set, ", ") + ` WHERE id = ?`
	result, err := d.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return errors.Wrap(err, "failed to update message")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errors.New("message not found")
	}

	return nil
}

func (d *DB) UpdateMessageAck(ctx context.Context, waMessageID string, ackStatus int32) error {
	stmt := `UPDATE message SET ack_status = ? WHERE wa_message_id = ? AND ack_status < ?`
	if _, err := d.db.ExecContext(ctx, stmt, ackStatus, waMessageID, ackStatus); err != nil {
		return errors.Wrap(err, "failed to update message ack")
	}
	return nil
}

func (d *DB) CreateExchange(ctx context.Context, batch *store.ExchangeBatch) (*store.Message, *store.Message, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to begin exchange tx")
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
		VALUES (?, ?, ?, ?, ?, '', 0, ?)
		RETURNING id`
	if err := tx.QueryRowContext(ctx, stmt, userMsg.ChatKey, userMsg.Turn, userMsg.Role, userMsg.Content, userMsg.Status, userMsg.CreatedTs).Scan(&userMsg.ID); err != nil {
		if isUniqueViolation(err) {
			return nil, nil, store.ErrDuplicateTurn
		}
		return nil, nil, errors.Wrap(err, "failed to create user message")
	}
	if err := tx.QueryRowContext(ctx, stmt, assistantMsg.ChatKey, assistantMsg.Turn, assistantMsg.Role, assistantMsg.Content, assistantMsg.Status, assistantMsg.CreatedTs).Scan(&assistantMsg.ID); err != nil {
		if isUniqueViolation(err) {
			return nil, nil, store.ErrDuplicateTurn
		}
		return nil, nil, errors.Wrap(err, "failed to create assistant message")
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversation SET last_turn = MAX(last_turn, ?), updated_ts = ? WHERE chat_key = ?`,
		assistantMsg.Turn, now, batch.ChatKey); err != nil {
		return nil, nil, errors.Wrap(err, "failed to advance last_turn")
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, errors.Wrap(err, "failed to commit exchange")
	}

	return userMsg, assistantMsg, nil
}

func (d *DB) RecordSuppressedTurn(ctx context.Context, chatKey store.ChatKey, content string, turn int32) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin suppressed-turn tx")
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	stmt := `INSERT INTO message (chat_key, turn, role, content, status, wa_message_id, ack_status, created_ts)
		VALUES (?, ?, ?, ?, ?, '', 0, ?)
		ON CONFLICT (chat_key, turn, role) DO NOTHING`
	if _, err := tx.ExecContext(ctx, stmt, chatKey, turn, store.MessageRoleUser, content, store.MessageStatusSuppressed, now); err != nil {
		return errors.Wrap(err, "failed to record suppressed message")
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversation SET last_turn = MAX(last_turn, ?), updated_ts = ? WHERE chat_key = ?`,
		turn, now, chatKey); err != nil {
		return errors.Wrap(err, "failed to advance last_turn")
	}

	return tx.Commit()
}
