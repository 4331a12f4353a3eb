package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"github.com/pkg/errors"

	"github.com/hachiko-io/waflow/store"
)

func (d *DB) CreateKnowledgeBase(ctx context.Context, create *store.KnowledgeBase) (*store.KnowledgeBase, error) {
	fields := []string{"uid", "creator_id", "name", "description", "created_ts"}
	args := []any{create.UID, create.CreatorID, create.Name, create.Description, create.CreatedTs}

	stmt := `INSERT INTO knowledge_base (` + strings.Join(fields, ", ") + `)
		VALUES (` + placeholders(len(args)) + `)
		RETURNING id`
	if err := d.db.QueryRowContext(ctx, stmt, args...).Scan(&create.ID); err != nil {
		return nil, fmt.Errorf("failed to create knowledge base: %w", err)
	}

	return create, nil
}

func (d *DB) ListKnowledgeBases(ctx context.Context, find *store.FindKnowledgeBase) ([]*store.KnowledgeBase, error) {
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

	query := `SELECT id, uid, creator_id, name, description, created_ts
		FROM knowledge_base
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY created_ts DESC`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list knowledge bases: %w", err)
	}
	defer rows.Close()

	list := make([]*store.KnowledgeBase, 0)
	for rows.Next() {
		kb := &store.KnowledgeBase{}
		if err := rows.Scan(&kb.ID, &kb.UID, &kb.CreatorID, &kb.Name, &kb.Description, &kb.CreatedTs); err != nil {
			return nil, fmt.Errorf("failed to scan knowledge base: %w", err)
		}
		list = append(list, kb)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate knowledge bases: %w", err)
	}

	return list, nil
}

func (d *DB) UpdateKnowledgeBase(ctx context.Context, update *store.UpdateKnowledgeBase) (*store.KnowledgeBase, error) {
	set, args := []string{}, []any{}

	if update.Name != nil {
		set, args = append(set, "name = "+placeholder(len(args)+1)), append(args, *update.Name)
	}
	if update.Description != nil {
		set, args = append(set, "description = "+placeholder(len(args)+1)), append(args, *update.Description)
	}

	if len(set) == 0 {
		return nil, fmt.Errorf("no fields to update")
	}

	args = append(args, update.ID)
	stmt := `UPDATE knowledge_base SET ` + strings.Join(set, ", ") + ` WHERE id = ` + placeholder(len(args)) + `
		RETURNING id, uid, creator_id, name, description, created_ts`
	kb := &store.KnowledgeBase{}
	if err := d.db.QueryRowContext(ctx, stmt, args...).Scan(&kb.ID, &kb.UID, &kb.CreatorID, &kb.Name, &kb.Description, &kb.CreatedTs); err != nil {
		return nil, fmt.Errorf("failed to update knowledge base: %w", err)
	}

	return kb, nil
}

func (d *DB) DeleteKnowledgeBase(ctx context.Context, delete *store.DeleteKnowledgeBase) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete kb tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunk WHERE kb_id = `+placeholder(1), delete.ID); err != nil {
		return fmt.Errorf("failed to delete kb chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM document WHERE kb_id = `+placeholder(1), delete.ID); err != nil {
		return fmt.Errorf("failed to delete kb documents: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_kb_link WHERE kb_id = `+placeholder(1), delete.ID); err != nil {
		return fmt.Errorf("failed to delete kb links: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM knowledge_base WHERE id = `+placeholder(1), delete.ID)
	if err != nil {
		return fmt.Errorf("failed to delete knowledge base: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("knowledge base not found")
	}

	return tx.Commit()
}

// CreateDocumentWithChunks inserts the document and all of its chunks in one
// transaction. Chunks start with a NULL embedding; the backfill worker fills
// them in asynchronously.
func (d *DB) CreateDocumentWithChunks(ctx context.Context, doc *store.Document, chunks []string) (*store.Document, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin document tx: %w", err)
	}
	defer tx.Rollback()

	doc.ChunkCount = int32(len(chunks))
	stmt := `INSERT INTO document (kb_id, title, content, chunk_count, created_ts)
		VALUES (` + placeholders(5) + `)
		RETURNING id`
	if err := tx.QueryRowContext(ctx, stmt, doc.KBID, doc.Title, doc.Content, doc.ChunkCount, doc.CreatedTs).Scan(&doc.ID); err != nil {
		return nil, fmt.Errorf("failed to create document: %w", err)
	}

	now := time.Now().Unix()
	chunkStmt := `INSERT INTO chunk (document_id, kb_id, chunk_index, content, created_ts)
		VALUES (` + placeholders(5) + `)`
	for i, content := range chunks {
		if _, err := tx.ExecContext(ctx, chunkStmt, doc.ID, doc.KBID, i, content, now); err != nil {
			return nil, fmt.Errorf("failed to create chunk %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit document: %w", err)
	}

	return doc, nil
}

func (d *DB) ListDocuments(ctx context.Context, find *store.FindDocument) ([]*store.Document, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.KBID != nil {
		where, args = append(where, "kb_id = "+placeholder(len(args)+1)), append(args, *find.KBID)
	}

	query := `SELECT id, kb_id, title, content, chunk_count, created_ts
		FROM document
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY created_ts DESC`
	if find.Limit != nil {
		query += fmt.Sprintf(" LIMIT %d", *find.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	list := make([]*store.Document, 0)
	for rows.Next() {
		doc := &store.Document{}
		if err := rows.Scan(&doc.ID, &doc.KBID, &doc.Title, &doc.Content, &doc.ChunkCount, &doc.CreatedTs); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		list = append(list, doc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate documents: %w", err)
	}

	return list, nil
}

func (d *DB) DeleteDocument(ctx context.Context, delete *store.DeleteDocument) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete document tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunk WHERE document_id = `+placeholder(1), delete.ID); err != nil {
		return fmt.Errorf("failed to delete document chunks: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM document WHERE id = `+placeholder(1), delete.ID)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("document not found")
	}

	return tx.Commit()
}

func (d *DB) ListChunks(ctx context.Context, find *store.FindChunk) ([]*store.Chunk, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if len(find.IDList) > 0 {
		where, args = append(where, "id = ANY("+placeholder(len(args)+1)+")"), append(args, pq.Array(find.IDList))
	}
	if find.DocumentID != nil {
		where, args = append(where, "document_id = "+placeholder(len(args)+1)), append(args, *find.DocumentID)
	}
	if find.KBID != nil {
		where, args = append(where, "kb_id = "+placeholder(len(args)+1)), append(args, *find.KBID)
	}

	query := `SELECT id, document_id, kb_id, chunk_index, content, embedding IS NOT NULL, created_ts
		FROM chunk
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY document_id ASC, chunk_index ASC`
	if find.Limit != nil {
		query += fmt.Sprintf(" LIMIT %d", *find.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer rows.Close()

	list := make([]*store.Chunk, 0)
	for rows.Next() {
		c := &store.Chunk{}
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.KBID, &c.ChunkIndex, &c.Content, &c.Embedded, &c.CreatedTs); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		list = append(list, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chunks: %w", err)
	}

	return list, nil
}

func (d *DB) ListPendingChunks(ctx context.Context, batch *store.PendingChunkBatch) ([]*store.Chunk, error) {
	limit := batch.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, document_id, kb_id, chunk_index, content, FALSE, created_ts
		FROM chunk
		WHERE embedding IS NULL
		ORDER BY id ASC
		LIMIT ` + placeholder(1)

	rows, err := d.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending chunks: %w", err)
	}
	defer rows.Close()

	list := make([]*store.Chunk, 0)
	for rows.Next() {
		c := &store.Chunk{}
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.KBID, &c.ChunkIndex, &c.Content, &c.Embedded, &c.CreatedTs); err != nil {
			return nil, fmt.Errorf("failed to scan pending chunk: %w", err)
		}
		list = append(list, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending chunks: %w", err)
	}

	return list, nil
}

func (d *DB) UpdateChunkEmbedding(ctx context.Context, chunkID int64, embedding []float32) error {
	vector := pgvector.NewVector(embedding)
	result, err := d.db.ExecContext(ctx, `UPDATE chunk SET embedding = `+placeholder(1)+` WHERE id = `+placeholder(2), vector, chunkID)
	if err != nil {
		return errors.Wrap(err, "failed to update chunk embedding")
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("chunk %d not found", chunkID)
	}
	return nil
}

// SearchChunks performs cosine similarity search within one knowledge base.
// The <=> operator computes cosine distance, so ordering ascending by
// distance yields the most similar chunks first.
func (d *DB) SearchChunks(ctx context.Context, vector []float32, kbID int32, topK int) ([]*store.ChunkMatch, error) {
	if topK <= 0 {
		topK = 5
	}

	query := `SELECT id, document_id, chunk_index, 1 - (embedding <=> ` + placeholder(1) + `) AS score
		FROM chunk
		WHERE kb_id = ` + placeholder(2) + ` AND embedding IS NOT NULL
		ORDER BY embedding <=> ` + placeholder(3) + `
		LIMIT ` + placeholder(4)

	v := pgvector.NewVector(vector)
	rows, err := d.db.QueryContext(ctx, query, v, kbID, v, topK)
	if err != nil {
		return nil, errors.Wrap(err, "failed to search chunks")
	}
	defer rows.Close()

	results := []*store.ChunkMatch{}
	for rows.Next() {
		m := &store.ChunkMatch{}
		if err := rows.Scan(&m.ChunkID, &m.DocumentID, &m.ChunkIndex, &m.Score); err != nil {
			return nil, errors.Wrap(err, "failed to scan chunk match")
		}
		results = append(results, m)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return results, nil
}
