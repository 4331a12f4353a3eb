package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hachiko-io/waflow/store"
)

func (d *DB) UpsertUserCredential(ctx context.Context, upsert *store.UserCredential) (*store.UserCredential, error) {
	stmt := `INSERT INTO user_credential (creator_id, llm_provider, llm_base_url, llm_api_key, embedding_model, updated_ts)
		VALUES (` + placeholders(6) + `)
		ON CONFLICT (creator_id) DO UPDATE SET
			llm_provider = EXCLUDED.llm_provider,
			llm_base_url = EXCLUDED.llm_base_url,
			llm_api_key = EXCLUDED.llm_api_key,
			embedding_model = EXCLUDED.embedding_model,
			updated_ts = EXCLUDED.updated_ts`
	if _, err := d.db.ExecContext(ctx, stmt, upsert.CreatorID, upsert.LLMProvider, upsert.LLMBaseURL, upsert.LLMAPIKey, upsert.EmbeddingModel, upsert.UpdatedTs); err != nil {
		return nil, fmt.Errorf("failed to upsert user credential: %w", err)
	}

	return upsert, nil
}

func (d *DB) GetUserCredential(ctx context.Context, find *store.FindUserCredential) (*store.UserCredential, error) {
	query := `SELECT creator_id, llm_provider, llm_base_url, llm_api_key, embedding_model, updated_ts
		FROM user_credential
		WHERE creator_id = ` + placeholder(1)

	c := &store.UserCredential{}
	err := d.db.QueryRowContext(ctx, query, find.CreatorID).Scan(&c.CreatorID, &c.LLMProvider, &c.LLMBaseURL, &c.LLMAPIKey, &c.EmbeddingModel, &c.UpdatedTs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user credential: %w", err)
	}

	return c, nil
}
