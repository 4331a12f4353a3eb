package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hachiko-io/waflow/store"
)

func (d *DB) CreateKnowledgeBase(ctx context.Context, create *store.KnowledgeBase) (*store.KnowledgeBase, error) {
	stmt := `INSERT INTO knowledge_base (uid, creator_id, name, description, created_ts)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id`
	if err := d.db.QueryRowContext(ctx, stmt, create.UID, create.CreatorID, create.Name, create.Description, create.CreatedTs).Scan(&create.ID); err != nil {
		return nil, errors.Wrap(err, "failed to create knowledge base")
	}

	return create, nil
}

func (d *DB) ListKnowledgeBases(ctx context.Context, find *store.FindKnowledgeBase) ([]*store.KnowledgeBase, error) {
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

	query := `SELECT id, uid, creator_id, name, description, created_ts
		FROM knowledge_base
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY created_ts DESC`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list knowledge bases")
	}
	defer rows.Close()

	list := make([]*store.KnowledgeBase, 0)
	for rows.Next() {
		kb := &store.KnowledgeBase{}
		if err := rows.Scan(&kb.ID, &kb.UID, &kb.CreatorID, &kb.Name, &kb.Description, &kb.CreatedTs); err != nil {
			return nil, errors.Wrap(err, "failed to scan knowledge base")
		}
		list = append(list, kb)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return list, nil
}

func (d *DB) UpdateKnowledgeBase(ctx context.Context, update *store.UpdateKnowledgeBase) (*store.KnowledgeBase, error) {
	set, args := []string{}, []any{}

	if update.Name != nil {
		set, args = append(set, "name = ?"), append(args, *update.Name)
	}
	if update.Description != nil {
		set, args = append(set, "description = ?"), append(args, *update.Description)
	}

	if len(set) == 0 {
		return nil, errors.New("no fields to update")
	}

	args = append(args, update.ID)
	stmt := `UPDATE knowledge_base SET ` + strings.Join(set, ", ") + ` WHERE id = ?
		RETURNING id, uid, creator_id, name, description, created_ts`
	kb := &store.KnowledgeBase{}
	if err := d.db.QueryRowContext(ctx, stmt, args...).Scan(&kb.ID, &kb.UID, &kb.CreatorID, &kb.Name, &kb.Description, &kb.CreatedTs); err != nil {
		return nil, errors.Wrap(err, "failed to update knowledge base")
	}

	return kb, nil
}

func (d *DB) DeleteKnowledgeBase(ctx context.Context, delete *store.DeleteKnowledgeBase) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin delete kb tx")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunk WHERE kb_id = ?`, delete.ID); err != nil {
		return errors.Wrap(err, "failed to delete kb chunks")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM document WHERE kb_id = ?`, delete.ID); err != nil {
		return errors.Wrap(err, "failed to delete kb documents")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_kb_link WHERE kb_id = ?`, delete.ID); err != nil {
		return errors.Wrap(err, "failed to delete kb links")
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM knowledge_base WHERE id = ?`, delete.ID)
	if err != nil {
		return errors.Wrap(err, "failed to delete knowledge base")
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errors.New("knowledge base not found")
	}

	return tx.Commit()
}

func (d *DB) CreateDocumentWithChunks(ctx context.Context, doc *store.Document, chunks []string) (*store.Document, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin document tx")
	}
	defer tx.Rollback()

	doc.ChunkCount = int32(len(chunks))
	stmt := `INSERT INTO document (kb_id, title, content, chunk_count, created_ts)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id`
	if err := tx.QueryRowContext(ctx, stmt, doc.KBID, doc.Title, doc.Content, doc.ChunkCount, doc.CreatedTs).Scan(&doc.ID); err != nil {
		return nil, errors.Wrap(err, "failed to create document")
	}

	now := time.Now().Unix()
	for i, content := range chunks {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chunk (document_id, kb_id, chunk_index, content, created_ts) VALUES (?, ?, ?, ?, ?)`,
			doc.ID, doc.KBID, i, content, now); err != nil {
			return nil, errors.Wrapf(err, "failed to create chunk %d", i)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit document")
	}

	return doc, nil
}

func (d *DB) ListDocuments(ctx context.Context, find *store.FindDocument) ([]*store.Document, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = ?"), append(args, *find.ID)
	}
	if find.KBID != nil {
		where, args = append(where, "kb_id = ?"), append(args, *find.KBID)
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
		return nil, errors.Wrap(err, "failed to list documents")
	}
	defer rows.Close()

	list := make([]*store.Document, 0)
	for rows.Next() {
		doc := &store.Document{}
		if err := rows.Scan(&doc.ID, &doc.KBID, &doc.Title, &doc.Content, &doc.ChunkCount, &doc.CreatedTs); err != nil {
			return nil, errors.Wrap(err, "failed to scan document")
		}
		list = append(list, doc)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return list, nil
}

func (d *DB) DeleteDocument(ctx context.Context, delete *store.DeleteDocument) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin delete document tx")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunk WHERE document_id = ?`, delete.ID); err != nil {
		return errors.Wrap(err, "failed to delete document chunks")
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM document WHERE id = ?`, delete.ID)
	if err != nil {
		return errors.Wrap(err, "failed to delete document")
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errors.New("document not found")
	}

	return tx.Commit()
}

func (d *DB) ListChunks(ctx context.Context, find *store.FindChunk) ([]*store.Chunk, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = ?"), append(args, *find.ID)
	}
	if len(find.IDList) > 0 {
		marks := make([]string, len(find.IDList))
		for i, id := range find.IDList {
			marks[i] = "?"
			args = append(args, id)
		}
		where = append(where, "id IN ("+strings.Join(marks, ", ")+")")
	}
	if find.DocumentID != nil {
		where, args = append(where, "document_id = ?"), append(args, *find.DocumentID)
	}
	if find.KBID != nil {
		where, args = append(where, "kb_id = ?"), append(args, *find.KBID)
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
		return nil, errors.Wrap(err, "failed to list chunks")
	}
	defer rows.Close()

	list := make([]*store.Chunk, 0)
	for rows.Next() {
		c := &store.Chunk{}
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.KBID, &c.ChunkIndex, &c.Content, &c.Embedded, &c.CreatedTs); err != nil {
			return nil, errors.Wrap(err, "failed to scan chunk")
		}
		list = append(list, c)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return list, nil
}

func (d *DB) ListPendingChunks(ctx context.Context, batch *store.PendingChunkBatch) ([]*store.Chunk, error) {
	limit := batch.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, document_id, kb_id, chunk_index, content, 0, created_ts
		FROM chunk
		WHERE embedding IS NULL
		ORDER BY id ASC
		LIMIT ?`

	rows, err := d.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pending chunks")
	}
	defer rows.Close()

	list := make([]*store.Chunk, 0)
	for rows.Next() {
		c := &store.Chunk{}
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.KBID, &c.ChunkIndex, &c.Content, &c.Embedded, &c.CreatedTs); err != nil {
			return nil, errors.Wrap(err, "failed to scan pending chunk")
		}
		list = append(list, c)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return list, nil
}

// UpdateChunkEmbedding stores the vector as a JSON array. The column exists
// so the backfill worker behaves identically across drivers, even though
// sqlite cannot search it.
func (d *DB) UpdateChunkEmbedding(ctx context.Context, chunkID int64, embedding []float32) error {
	encoded, err := json.Marshal(embedding)
	if err != nil {
		return errors.Wrap(err, "failed to encode embedding")
	}
	result, err := d.db.ExecContext(ctx, `UPDATE chunk SET embedding = ? WHERE id = ?`, string(encoded), chunkID)
	if err != nil {
		return errors.Wrap(err, "failed to update chunk embedding")
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errors.Errorf("chunk %d not found", chunkID)
	}
	return nil
}

// SearchChunks is not available on sqlite; vector similarity requires
// pgvector. Callers degrade to no retrieved context.
func (d *DB) SearchChunks(_ context.Context, _ []float32, _ int32, _ int) ([]*store.ChunkMatch, error) {
	return nil, store.ErrVectorUnsupported
}
