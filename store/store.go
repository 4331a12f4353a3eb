package store

import (
	"context"
	"time"

	"github.com/hachiko-io/waflow/internal/cache"
	"github.com/hachiko-io/waflow/internal/profile"
)

// Store provides database access to all raw objects.
type Store struct {
	profile *profile.Profile
	driver  Driver

	// sessionCache fronts the per-webhook session lookup keyed by
	// wa_account_id. Every webhook resolves a session, so this is the
	// hottest read in the system.
	sessionCache *cache.LRU[string, *Session]
}

// New creates a new instance of Store.
func New(driver Driver, profile *profile.Profile) *Store {
	return &Store{
		driver:       driver,
		profile:      profile,
		sessionCache: cache.New[string, *Session](1024, 5*time.Minute),
	}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Close() error {
	s.sessionCache.Clear()
	return s.driver.Close()
}

// Session methods.

func (s *Store) CreateSession(ctx context.Context, create *Session) (*Session, error) {
	return s.driver.CreateSession(ctx, create)
}

func (s *Store) ListSessions(ctx context.Context, find *FindSession) ([]*Session, error) {
	return s.driver.ListSessions(ctx, find)
}

func (s *Store) GetSession(ctx context.Context, find *FindSession) (*Session, error) {
	list, err := s.driver.ListSessions(ctx, find)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

// GetSessionByWAAccountID resolves the session owning a WhatsApp account.
// Results are cached; mutations through this store invalidate the entry.
func (s *Store) GetSessionByWAAccountID(ctx context.Context, waAccountID string) (*Session, error) {
	if session, ok := s.sessionCache.Get(waAccountID); ok {
		return session, nil
	}
	session, err := s.GetSession(ctx, &FindSession{WAAccountID: &waAccountID})
	if err != nil {
		return nil, err
	}
	if session != nil {
		s.sessionCache.Set(waAccountID, session, 0)
	}
	return session, nil
}

func (s *Store) UpdateSession(ctx context.Context, update *UpdateSession) (*Session, error) {
	session, err := s.driver.UpdateSession(ctx, update)
	if err != nil {
		return nil, err
	}
	s.sessionCache.Remove(session.WAAccountID)
	return session, nil
}

func (s *Store) DeleteSession(ctx context.Context, delete *DeleteSession) error {
	if err := s.driver.DeleteSession(ctx, delete); err != nil {
		return err
	}
	s.sessionCache.Clear()
	return nil
}

// Conversation methods.

func (s *Store) UpsertConversation(ctx context.Context, upsert *UpsertConversation) (*Conversation, error) {
	return s.driver.UpsertConversation(ctx, upsert)
}

func (s *Store) ListConversations(ctx context.Context, find *FindConversation) ([]*Conversation, error) {
	return s.driver.ListConversations(ctx, find)
}

func (s *Store) GetConversation(ctx context.Context, chatKey ChatKey) (*Conversation, error) {
	list, err := s.driver.ListConversations(ctx, &FindConversation{ChatKey: &chatKey})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func (s *Store) UpdateConversation(ctx context.Context, update *UpdateConversation) (*Conversation, error) {
	return s.driver.UpdateConversation(ctx, update)
}

// Message methods.

func (s *Store) CreateMessage(ctx context.Context, create *Message) (*Message, error) {
	return s.driver.CreateMessage(ctx, create)
}

func (s *Store) ListMessages(ctx context.Context, find *FindMessage) ([]*Message, error) {
	return s.driver.ListMessages(ctx, find)
}

func (s *Store) UpdateMessage(ctx context.Context, update *UpdateMessage) error {
	return s.driver.UpdateMessage(ctx, update)
}

func (s *Store) UpdateMessageAck(ctx context.Context, waMessageID string, ackStatus int32) error {
	return s.driver.UpdateMessageAck(ctx, waMessageID, ackStatus)
}

func (s *Store) CreateExchange(ctx context.Context, batch *ExchangeBatch) (*Message, *Message, error) {
	return s.driver.CreateExchange(ctx, batch)
}

func (s *Store) RecordSuppressedTurn(ctx context.Context, chatKey ChatKey, content string, turn int32) error {
	return s.driver.RecordSuppressedTurn(ctx, chatKey, content, turn)
}

// Agent methods.

func (s *Store) CreateAgent(ctx context.Context, create *Agent) (*Agent, error) {
	return s.driver.CreateAgent(ctx, create)
}

func (s *Store) ListAgents(ctx context.Context, find *FindAgent) ([]*Agent, error) {
	return s.driver.ListAgents(ctx, find)
}

func (s *Store) GetAgent(ctx context.Context, find *FindAgent) (*Agent, error) {
	list, err := s.driver.ListAgents(ctx, find)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func (s *Store) UpdateAgent(ctx context.Context, update *UpdateAgent) (*Agent, error) {
	return s.driver.UpdateAgent(ctx, update)
}

func (s *Store) DeleteAgent(ctx context.Context, delete *DeleteAgent) error {
	return s.driver.DeleteAgent(ctx, delete)
}

func (s *Store) UpsertAgentKBLink(ctx context.Context, upsert *AgentKBLink) error {
	return s.driver.UpsertAgentKBLink(ctx, upsert)
}

func (s *Store) DeleteAgentKBLink(ctx context.Context, agentID, kbID int32) error {
	return s.driver.DeleteAgentKBLink(ctx, agentID, kbID)
}

func (s *Store) ListAgentKBLinks(ctx context.Context, find *FindAgentKBLink) ([]*AgentKBLink, error) {
	return s.driver.ListAgentKBLinks(ctx, find)
}

// Knowledge methods.

func (s *Store) CreateKnowledgeBase(ctx context.Context, create *KnowledgeBase) (*KnowledgeBase, error) {
	return s.driver.CreateKnowledgeBase(ctx, create)
}

func (s *Store) ListKnowledgeBases(ctx context.Context, find *FindKnowledgeBase) ([]*KnowledgeBase, error) {
	return s.driver.ListKnowledgeBases(ctx, find)
}

func (s *Store) UpdateKnowledgeBase(ctx context.Context, update *UpdateKnowledgeBase) (*KnowledgeBase, error) {
	return s.driver.UpdateKnowledgeBase(ctx, update)
}

func (s *Store) DeleteKnowledgeBase(ctx context.Context, delete *DeleteKnowledgeBase) error {
	return s.driver.DeleteKnowledgeBase(ctx, delete)
}

func (s *Store) CreateDocumentWithChunks(ctx context.Context, doc *Document, chunks []string) (*Document, error) {
	return s.driver.CreateDocumentWithChunks(ctx, doc, chunks)
}

func (s *Store) ListDocuments(ctx context.Context, find *FindDocument) ([]*Document, error) {
	return s.driver.ListDocuments(ctx, find)
}

func (s *Store) DeleteDocument(ctx context.Context, delete *DeleteDocument) error {
	return s.driver.DeleteDocument(ctx, delete)
}

func (s *Store) ListChunks(ctx context.Context, find *FindChunk) ([]*Chunk, error) {
	return s.driver.ListChunks(ctx, find)
}

func (s *Store) ListPendingChunks(ctx context.Context, batch *PendingChunkBatch) ([]*Chunk, error) {
	return s.driver.ListPendingChunks(ctx, batch)
}

func (s *Store) UpdateChunkEmbedding(ctx context.Context, chunkID int64, embedding []float32) error {
	return s.driver.UpdateChunkEmbedding(ctx, chunkID, embedding)
}

func (s *Store) SearchChunks(ctx context.Context, vector []float32, kbID int32, topK int) ([]*ChunkMatch, error) {
	return s.driver.SearchChunks(ctx, vector, kbID, topK)
}

// Credential methods.

func (s *Store) UpsertUserCredential(ctx context.Context, upsert *UserCredential) (*UserCredential, error) {
	return s.driver.UpsertUserCredential(ctx, upsert)
}

func (s *Store) GetUserCredential(ctx context.Context, find *FindUserCredential) (*UserCredential, error) {
	return s.driver.GetUserCredential(ctx, find)
}

// Job ledger methods.

func (s *Store) CreateJob(ctx context.Context, create *Job) (*Job, error) {
	return s.driver.CreateJob(ctx, create)
}

func (s *Store) ListJobs(ctx context.Context, find *FindJob) ([]*Job, error) {
	return s.driver.ListJobs(ctx, find)
}

func (s *Store) UpdateJob(ctx context.Context, update *UpdateJob) error {
	return s.driver.UpdateJob(ctx, update)
}

func (s *Store) GetLatestJob(ctx context.Context, chatKey ChatKey, turn int32, stage Stage) (*Job, error) {
	return s.driver.GetLatestJob(ctx, chatKey, turn, stage)
}

func (s *Store) PurgeFinishedJobs(ctx context.Context, beforeTs int64) (int64, error) {
	return s.driver.PurgeFinishedJobs(ctx, beforeTs)
}

// Queue methods.

func (s *Store) EnqueueQueueMessage(ctx context.Context, enqueue *EnqueueMessage) (*QueueMessage, error) {
	return s.driver.EnqueueQueueMessage(ctx, enqueue)
}

func (s *Store) ClaimQueueMessage(ctx context.Context, stage Stage) (*QueueMessage, error) {
	return s.driver.ClaimQueueMessage(ctx, stage)
}

func (s *Store) AckQueueMessage(ctx context.Context, id int64) error {
	return s.driver.AckQueueMessage(ctx, id)
}

func (s *Store) RequeueQueueMessage(ctx context.Context, requeue *RequeueMessage) error {
	return s.driver.RequeueQueueMessage(ctx, requeue)
}

func (s *Store) FailQueueMessage(ctx context.Context, id int64) error {
	return s.driver.FailQueueMessage(ctx, id)
}

func (s *Store) CountQueueMessages(ctx context.Context, stage Stage, status QueueStatus) (int64, error) {
	return s.driver.CountQueueMessages(ctx, stage, status)
}

func (s *Store) ReleaseStaleQueueClaims(ctx context.Context, claimedBeforeTs int64) (int64, error) {
	return s.driver.ReleaseStaleQueueClaims(ctx, claimedBeforeTs)
}

func (s *Store) PurgeFailedQueueMessages(ctx context.Context, beforeTs int64) (int64, error) {
	return s.driver.PurgeFailedQueueMessages(ctx, beforeTs)
}

// Merge buffer methods.

func (s *Store) UpsertMergeBuffer(ctx context.Context, upsert *UpsertMergeBuffer) error {
	return s.driver.UpsertMergeBuffer(ctx, upsert)
}

func (s *Store) ListMergeBuffers(ctx context.Context) ([]*MergeBuffer, error) {
	return s.driver.ListMergeBuffers(ctx)
}

func (s *Store) DeleteMergeBuffer(ctx context.Context, delete *DeleteMergeBuffer) error {
	return s.driver.DeleteMergeBuffer(ctx, delete)
}

// Intervention audit methods.

func (s *Store) CreateInterventionAudit(ctx context.Context, create *InterventionAuditEntry) error {
	return s.driver.CreateInterventionAudit(ctx, create)
}

func (s *Store) ListInterventionAudit(ctx context.Context, find *FindInterventionAudit) ([]*InterventionAuditEntry, error) {
	return s.driver.ListInterventionAudit(ctx, find)
}

func (s *Store) PurgeInterventionAudit(ctx context.Context, beforeTs int64) (int64, error) {
	return s.driver.PurgeInterventionAudit(ctx, beforeTs)
}

// Webhook dedup methods.

func (s *Store) InsertWebhookEvent(ctx context.Context, event *WebhookEvent) (bool, error) {
	return s.driver.InsertWebhookEvent(ctx, event)
}

func (s *Store) PurgeWebhookEvents(ctx context.Context, beforeTs int64) (int64, error) {
	return s.driver.PurgeWebhookEvents(ctx, beforeTs)
}

// Usage stat methods.

// BumpUsage adds delta to today's bucket of one tenant metric. Counters
// are advisory; callers log failures instead of propagating them.
func (s *Store) BumpUsage(ctx context.Context, creatorID int32, metric string, delta int64) error {
	return s.driver.AddUsageStat(ctx, &AddUsageStat{
		CreatorID: creatorID,
		StatDate:  StatDate(time.Now()),
		Metric:    metric,
		Delta:     delta,
	})
}

func (s *Store) AddUsageStat(ctx context.Context, add *AddUsageStat) error {
	return s.driver.AddUsageStat(ctx, add)
}

func (s *Store) ListUsageStats(ctx context.Context, find *FindUsageStat) ([]*UsageStat, error) {
	return s.driver.ListUsageStats(ctx, find)
}
