package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/hachiko-io/waflow/store"
)

func (d *DB) CreateAgent(ctx context.Context, create *store.Agent) (*store.Agent, error) {
	fields := []string{"uid", "creator_id", "name", "system_prompt", "model", "temperature", "max_tokens", "created_ts", "updated_ts"}
	args := []any{create.UID, create.CreatorID, create.Name, create.SystemPrompt, create.Model, create.Temperature, create.MaxTokens, create.CreatedTs, create.UpdatedTs}

	stmt := `INSERT INTO agent (` + strings.Join(fields, ", ") + `)
		VALUES (` + placeholders(len(args)) + `)
		RETURNING id`
	if err := d.db.QueryRowContext(ctx, stmt, args...).Scan(&create.ID); err != nil {
		return nil, fmt.Errorf("failed to create agent: %w", err)
	}

	return create, nil
}

func (d *DB) ListAgents(ctx context.Context, find *store.FindAgent) ([]*store.Agent, error) {
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

	query := `SELECT id, uid, creator_id, name, system_prompt, model, temperature, max_tokens, created_ts, updated_ts
		FROM agent
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY created_ts DESC`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	list := make([]*store.Agent, 0)
	for rows.Next() {
		a := &store.Agent{}
		if err := rows.Scan(&a.ID, &a.UID, &a.CreatorID, &a.Name, &a.SystemPrompt, &a.Model, &a.Temperature, &a.MaxTokens, &a.CreatedTs, &a.UpdatedTs); err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		list = append(list, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate agents: %w", err)
	}

	return list, nil
}

func (d *DB) UpdateAgent(ctx context.Context, update *store.UpdateAgent) (*store.Agent, error) {
	set, args := []string{}, []any{}

	if update.Name != nil {
		set, args = append(set, "name = "+placeholder(len(args)+1)), append(args, *update.Name)
	}
	if update.SystemPrompt != nil {
		set, args = append(set, "system_prompt = "+placeholder(len(args)+1)), append(args, *update.SystemPrompt)
	}
	if update.Model != nil {
		set, args = append(set, "model = "+placeholder(len(args)+1)), append(args, *update.Model)
	}
	if update.Temperature != nil {
		set, args = append(set, "temperature = "+placeholder(len(args)+1)), append(args, *update.Temperature)
	}
	if update.MaxTokens != nil {
		set, args = append(set, "max_tokens = "+placeholder(len(args)+1)), append(args, *update.MaxTokens)
	}
	if update.UpdatedTs != nil {
		set, args = append(set, "updated_ts = "+placeholder(len(args)+1)), append(args, *update.UpdatedTs)
	}

	if len(set) == 0 {
		return nil, fmt.Errorf("no fields to update")
	}

	args = append(args, update.ID)
	stmt := `UPDATE agent SET ` + strings.Join(set, ", ") + ` WHERE id = ` + placeholder(len(args)) + `
		RETURNING id, uid, creator_id, name, system_prompt, model, temperature, max_tokens, created_ts, updated_ts`
	a := &store.Agent{}
	if err := d.db.QueryRowContext(ctx, stmt, args...).Scan(&a.ID, &a.UID, &a.CreatorID, &a.Name, &a.SystemPrompt, &a.Model, &a.Temperature, &a.MaxTokens, &a.CreatedTs, &a.UpdatedTs); err != nil {
		return nil, fmt.Errorf("failed to update agent: %w", err)
	}

	return a, nil
}

func (d *DB) DeleteAgent(ctx context.Context, delete *store.DeleteAgent) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete agent tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_kb_link WHERE agent_id = `+placeholder(1), delete.ID); err != nil {
		return fmt.Errorf("failed to delete agent kb links: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM agent WHERE id = `+placeholder(1), delete.ID)
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("agent not found")
	}

	return tx.Commit()
}

func (d *DB) UpsertAgentKBLink(ctx context.Context, upsert *store.AgentKBLink) error {
	stmt := `INSERT INTO agent_kb_link (agent_id, kb_id, priority)
		VALUES (` + placeholders(3) + `)
		ON CONFLICT (agent_id, kb_id) DO UPDATE SET priority = EXCLUDED.priority`
	if _, err := d.db.ExecContext(ctx, stmt, upsert.AgentID, upsert.KnowledgeBaseID, upsert.Priority); err != nil {
		return fmt.Errorf("failed to upsert agent kb link: %w", err)
	}
	return nil
}

func (d *DB) DeleteAgentKBLink(ctx context.Context, agentID, kbID int32) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM agent_kb_link WHERE agent_id = `+placeholder(1)+` AND kb_id = `+placeholder(2), agentID, kbID); err != nil {
		return fmt.Errorf("failed to delete agent kb link: %w", err)
	}
	return nil
}

func (d *DB) ListAgentKBLinks(ctx context.Context, find *store.FindAgentKBLink) ([]*store.AgentKBLink, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.AgentID != nil {
		where, args = append(where, "agent_id = "+placeholder(len(args)+1)), append(args, *find.AgentID)
	}
	if find.KnowledgeBaseID != nil {
		where, args = append(where, "kb_id = "+placeholder(len(args)+1)), append(args, *find.KnowledgeBaseID)
	}

	query := `SELECT agent_id, kb_id, priority
		FROM agent_kb_link
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY priority DESC, kb_id ASC`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent kb links: %w", err)
	}
	defer rows.Close()

	list := make([]*store.AgentKBLink, 0)
	for rows.Next() {
		l := &store.AgentKBLink{}
		if err := rows.Scan(&l.AgentID, &l.KnowledgeBaseID, &l.Priority); err != nil {
			return nil, fmt.Errorf("failed to scan agent kb link: %w", err)
		}
		list = append(list, l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate agent kb links: %w", err)
	}

	return list, nil
}
