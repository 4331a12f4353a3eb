package store

import (
	"context"
	"database/sql"
)

// Driver is an interface for store driver.
// It contains all methods that store database driver should implement.
type Driver interface {
	GetDB() *sql.DB
	Close() error

	// Session model
	CreateSession(ctx context.Context, create *Session) (*Session, error)
	ListSessions(ctx context.Context, find *FindSession) ([]*Session, error)
	UpdateSession(ctx context.Context, update *UpdateSession) (*Session, error)
	DeleteSession(ctx context.Context, delete *DeleteSession) error

	// Conversation model
	UpsertConversation(ctx context.Context, upsert *UpsertConversation) (*Conversation, error)
	ListConversations(ctx context.Context, find *FindConversation) ([]*Conversation, error)
	UpdateConversation(ctx context.Context, update *UpdateConversation) (*Conversation, error)

	// Message model
	CreateMessage(ctx context.Context, create *Message) (*Message, error)
	ListMessages(ctx context.Context, find *FindMessage) ([]*Message, error)
	UpdateMessage(ctx context.Context, update *UpdateMessage) error
	UpdateMessageAck(ctx context.Context, waMessageID string, ackStatus int32) error
	// CreateExchange persists the user/assistant pair and advances last_turn
	// in a single transaction. Returns ErrDuplicateTurn on a replayed turn.
	CreateExchange(ctx context.Context, batch *ExchangeBatch) (userMsg *Message, assistantMsg *Message, err error)
	// RecordSuppressedTurn persists a suppressed user message at turn and
	// advances last_turn to turn within one transaction (idempotent).
	RecordSuppressedTurn(ctx context.Context, chatKey ChatKey, content string, turn int32) error

	// Agent model
	CreateAgent(ctx context.Context, create *Agent) (*Agent, error)
	ListAgents(ctx context.Context, find *FindAgent) ([]*Agent, error)
	UpdateAgent(ctx context.Context, update *UpdateAgent) (*Agent, error)
	DeleteAgent(ctx context.Context, delete *DeleteAgent) error
	UpsertAgentKBLink(ctx context.Context, upsert *AgentKBLink) error
	DeleteAgentKBLink(ctx context.Context, agentID, kbID int32) error
	ListAgentKBLinks(ctx context.Context, find *FindAgentKBLink) ([]*AgentKBLink, error)

	// Knowledge model
	CreateKnowledgeBase(ctx context.Context, create *KnowledgeBase) (*KnowledgeBase, error)
	ListKnowledgeBases(ctx context.Context, find *FindKnowledgeBase) ([]*KnowledgeBase, error)
	UpdateKnowledgeBase(ctx context.Context, update *UpdateKnowledgeBase) (*KnowledgeBase, error)
	DeleteKnowledgeBase(ctx context.Context, delete *DeleteKnowledgeBase) error
	CreateDocumentWithChunks(ctx context.Context, doc *Document, chunks []string) (*Document, error)
	ListDocuments(ctx context.Context, find *FindDocument) ([]*Document, error)
	DeleteDocument(ctx context.Context, delete *DeleteDocument) error
	ListChunks(ctx context.Context, find *FindChunk) ([]*Chunk, error)
	ListPendingChunks(ctx context.Context, batch *PendingChunkBatch) ([]*Chunk, error)
	UpdateChunkEmbedding(ctx context.Context, chunkID int64, embedding []float32) error
	// SearchChunks runs a cosine-similarity search scoped to one knowledge
	// base. Drivers without vector support return ErrVectorUnsupported.
	SearchChunks(ctx context.Context, vector []float32, kbID int32, topK int) ([]*ChunkMatch, error)

	// Credential model
	UpsertUserCredential(ctx context.Context, upsert *UserCredential) (*UserCredential, error)
	GetUserCredential(ctx context.Context, find *FindUserCredential) (*UserCredential, error)

	// Job ledger
	CreateJob(ctx context.Context, create *Job) (*Job, error)
	ListJobs(ctx context.Context, find *FindJob) ([]*Job, error)
	UpdateJob(ctx context.Context, update *UpdateJob) error
	GetLatestJob(ctx context.Context, chatKey ChatKey, turn int32, stage Stage) (*Job, error)
	PurgeFinishedJobs(ctx context.Context, beforeTs int64) (int64, error)

	// Stage queues
	EnqueueQueueMessage(ctx context.Context, enqueue *EnqueueMessage) (*QueueMessage, error)
	ClaimQueueMessage(ctx context.Context, stage Stage) (*QueueMessage, error)
	AckQueueMessage(ctx context.Context, id int64) error
	RequeueQueueMessage(ctx context.Context, requeue *RequeueMessage) error
	FailQueueMessage(ctx context.Context, id int64) error
	CountQueueMessages(ctx context.Context, stage Stage, status QueueStatus) (int64, error)
	ReleaseStaleQueueClaims(ctx context.Context, claimedBeforeTs int64) (int64, error)
	PurgeFailedQueueMessages(ctx context.Context, beforeTs int64) (int64, error)

	// Merge buffers
	UpsertMergeBuffer(ctx context.Context, upsert *UpsertMergeBuffer) error
	ListMergeBuffers(ctx context.Context) ([]*MergeBuffer, error)
	DeleteMergeBuffer(ctx context.Context, delete *DeleteMergeBuffer) error

	// Intervention audit
	CreateInterventionAudit(ctx context.Context, create *InterventionAuditEntry) error
	ListInterventionAudit(ctx context.Context, find *FindInterventionAudit) ([]*InterventionAuditEntry, error)
	PurgeInterventionAudit(ctx context.Context, beforeTs int64) (int64, error)

	// Webhook dedup
	InsertWebhookEvent(ctx context.Context, event *WebhookEvent) (bool, error)
	PurgeWebhookEvents(ctx context.Context, beforeTs int64) (int64, error)

	// Usage stats
	AddUsageStat(ctx context.Context, add *AddUsageStat) error
	ListUsageStats(ctx context.Context, find *FindUsageStat) ([]*UsageStat, error)
}
