package store

// KnowledgeBase is a named collection of document chunks owned by a tenant.
type KnowledgeBase struct {
	UID         string
	Name        string
	Description string
	CreatedTs   int64
	ID          int32
	CreatorID   int32
}

type FindKnowledgeBase struct {
	ID        *int32
	UID       *string
	CreatorID *int32
}

type UpdateKnowledgeBase struct {
	Name        *string
	Description *string
	ID          int32
}

type DeleteKnowledgeBase struct {
	ID int32
}

// Document is one uploaded markdown source inside a knowledge base.
type Document struct {
	Title      string
	Content    string
	CreatedTs  int64
	ID         int64
	KBID       int32
	ChunkCount int32
}

type FindDocument struct {
	ID    *int64
	KBID  *int32
	Limit *int
}

type DeleteDocument struct {
	ID int64
}

// Chunk is one retrievable slice of a document. Embedded stays false until
// the backfill worker has written the chunk's vector.
type Chunk struct {
	Content    string
	CreatedTs  int64
	ID         int64
	DocumentID int64
	KBID       int32
	ChunkIndex int32
	Embedded   bool
}

type FindChunk struct {
	ID         *int64
	IDList     []int64
	DocumentID *int64
	KBID       *int32
	Limit      *int
}

// ChunkMatch is a vector search hit, scored by cosine similarity.
type ChunkMatch struct {
	ChunkID    int64
	DocumentID int64
	Score      float64
	ChunkIndex int32
}

// PendingChunkBatch selects chunks awaiting embeddings, oldest first.
type PendingChunkBatch struct {
	Limit int
}
