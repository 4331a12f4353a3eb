package sqlite

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/hachiko-io/waflow/store"
)

func (d *DB) UpsertUserCredential(ctx context.Context, upsert *store.UserCredential) (*store.UserCredential, error) {
	stmt := `INSERT INTO user_credential (creator_id, llm_provider, llm_base_url, llm_api_key, embedding_model, updated_ts)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (creator_id) DO UPDATE SET
			llm_provider = excluded.llm_provider,
			llm_base_url = excluded.llm_base_url,
			llm_api_key = excluded.llm_api_key,
			embedding_model = excluded.embedding_model,
			updated_ts = excluded.updated_ts`
	if _, err := d.db.ExecContext(ctx, stmt, upsert.CreatorID, upsert.LLMProvider, upsert.LLMBaseURL, upsert.LLMAPIKey, upsert.EmbeddingModel, upsert.UpdatedTs); err != nil {
		return nil, errors.Wrap(err, "failed to upsert user credential")
	}

	return upsert, nil
}

func (d *DB) GetUserCredential(ctx context.Context, find *store.FindUserCredential) (*store.UserCredential, error) {
	query := `SELECT creator_id, llm_provider, llm_base_url, llm_api_key, embedding_model, updated_ts
		FROM user_credential
		WHERE creator_id = ?`

	c := &store.UserCredential{}
	err := d.db.QueryRowContext(ctx, query, find.CreatorID).Scan(&c.CreatorID, &c.LLMProvider, &c.LLMBaseURL, &c.LLMAPIKey, &c.EmbeddingModel, &c.UpdatedTs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get user credential")
	}

	return c, nil
}
