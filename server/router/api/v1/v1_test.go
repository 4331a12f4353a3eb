package v1

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/hachiko-io/waflow/internal/crypto"
	"github.com/hachiko-io/waflow/server/auth"
	"github.com/hachiko-io/waflow/store"
)

const testJWTSecret = "v1-service-test-secret"

// newAuthedServer mounts one service behind the real auth middleware, so
// tests exercise routing and token handling the way production requests do.
func newAuthedServer(register func(g *echo.Group)) *echo.Echo {
	e := echo.New()
	g := e.Group("/api/v1", auth.Middleware(testJWTSecret))
	register(g)
	return e
}

// doJSON performs one authenticated request as userID and returns the
// recorded response.
func doJSON(t *testing.T, e *echo.Echo, userID int32, method, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	token, err := auth.GenerateToken(testJWTSecret, userID, time.Hour)
	require.NoError(t, err)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

type usageKey struct {
	date      string
	metric    string
	creatorID int32
}

// fakeDriver backs the service tests with in-memory state guarded by one
// mutex, because the webhook dispatcher and the merger touch it from
// other goroutines. Only methods the handlers under test reach are
// overridden.
type fakeDriver struct {
	store.Driver

	mu             sync.Mutex
	sessions       map[int32]*store.Session
	agents         map[int32]*store.Agent
	knowledgeBases map[int32]*store.KnowledgeBase
	kbLinks        []*store.AgentKBLink
	documents      map[int64]*store.Document
	conversations  map[store.ChatKey]*store.Conversation
	messages       []*store.Message
	jobs           []*store.Job
	enqueued       []*store.EnqueueMessage
	buffers        map[store.ChatKey]*store.UpsertMergeBuffer
	audits         []*store.InterventionAuditEntry
	webhookEvents  map[string]bool
	acks           map[string]int32
	usage          map[usageKey]int64
	credentials    map[int32]*store.UserCredential

	webhookInsertErr error
	nextID           int64
	nextRowID        int32
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		sessions:       map[int32]*store.Session{},
		agents:         map[int32]*store.Agent{},
		knowledgeBases: map[int32]*store.KnowledgeBase{},
		documents:      map[int64]*store.Document{},
		conversations:  map[store.ChatKey]*store.Conversation{},
		buffers:        map[store.ChatKey]*store.UpsertMergeBuffer{},
		webhookEvents:  map[string]bool{},
		acks:           map[string]int32{},
		usage:          map[usageKey]int64{},
		credentials:    map[int32]*store.UserCredential{},
		nextID:         100,
		nextRowID:      100,
	}
}

func (d *fakeDriver) nextInt32() int32 {
	d.nextRowID++
	return d.nextRowID
}

func (d *fakeDriver) nextInt64() int64 {
	d.nextID++
	return d.nextID
}

// Sessions.

func (d *fakeDriver) CreateSession(_ context.Context, create *store.Session) (*store.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if create.ID == 0 {
		create.ID = d.nextInt32()
	}
	clone := *create
	d.sessions[create.ID] = &clone
	return create, nil
}

func (d *fakeDriver) ListSessions(_ context.Context, find *store.FindSession) ([]*store.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := []*store.Session{}
	for _, session := range d.sessions {
		if find.ID != nil && session.ID != *find.ID {
			continue
		}
		if find.UID != nil && session.UID != *find.UID {
			continue
		}
		if find.CreatorID != nil && session.CreatorID != *find.CreatorID {
			continue
		}
		if find.WAAccountID != nil && session.WAAccountID != *find.WAAccountID {
			continue
		}
		clone := *session
		list = append(list, &clone)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

func (d *fakeDriver) UpdateSession(_ context.Context, update *store.UpdateSession) (*store.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	session, ok := d.sessions[update.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if update.Name != nil {
		session.Name = *update.Name
	}
	if update.ConnectionStatus != nil {
		session.ConnectionStatus = *update.ConnectionStatus
	}
	if update.AutoReply != nil {
		session.AutoReply = *update.AutoReply
	}
	if update.ClearAgent {
		session.AgentID = nil
	} else if update.AgentID != nil {
		session.AgentID = update.AgentID
	}
	if update.MergeWindowMs != nil {
		session.MergeWindowMs = *update.MergeWindowMs
	}
	if update.TypingIndicator != nil {
		session.TypingIndicator = *update.TypingIndicator
	}
	if update.FilterExpr != nil {
		session.FilterExpr = *update.FilterExpr
	}
	if update.UpdatedTs != nil {
		session.UpdatedTs = *update.UpdatedTs
	}
	clone := *session
	return &clone, nil
}

func (d *fakeDriver) DeleteSession(_ context.Context, del *store.DeleteSession) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, del.ID)
	return nil
}

// Agents and knowledge bases.

func (d *fakeDriver) CreateAgent(_ context.Context, create *store.Agent) (*store.Agent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if create.ID == 0 {
		create.ID = d.nextInt32()
	}
	clone := *create
	d.agents[create.ID] = &clone
	return create, nil
}

func (d *fakeDriver) ListAgents(_ context.Context, find *store.FindAgent) ([]*store.Agent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := []*store.Agent{}
	for _, agent := range d.agents {
		if find.ID != nil && agent.ID != *find.ID {
			continue
		}
		if find.UID != nil && agent.UID != *find.UID {
			continue
		}
		if find.CreatorID != nil && agent.CreatorID != *find.CreatorID {
			continue
		}
		clone := *agent
		list = append(list, &clone)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

func (d *fakeDriver) UpdateAgent(_ context.Context, update *store.UpdateAgent) (*store.Agent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	agent, ok := d.agents[update.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if update.Name != nil {
		agent.Name = *update.Name
	}
	if update.SystemPrompt != nil {
		agent.SystemPrompt = *update.SystemPrompt
	}
	if update.Model != nil {
		agent.Model = *update.Model
	}
	if update.Temperature != nil {
		agent.Temperature = *update.Temperature
	}
	if update.MaxTokens != nil {
		agent.MaxTokens = *update.MaxTokens
	}
	if update.UpdatedTs != nil {
		agent.UpdatedTs = *update.UpdatedTs
	}
	clone := *agent
	return &clone, nil
}

func (d *fakeDriver) DeleteAgent(_ context.Context, del *store.DeleteAgent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.agents, del.ID)
	return nil
}

func (d *fakeDriver) CreateKnowledgeBase(_ context.Context, create *store.KnowledgeBase) (*store.KnowledgeBase, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if create.ID == 0 {
		create.ID = d.nextInt32()
	}
	clone := *create
	d.knowledgeBases[create.ID] = &clone
	return create, nil
}

func (d *fakeDriver) ListKnowledgeBases(_ context.Context, find *store.FindKnowledgeBase) ([]*store.KnowledgeBase, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := []*store.KnowledgeBase{}
	for _, kb := range d.knowledgeBases {
		if find.ID != nil && kb.ID != *find.ID {
			continue
		}
		if find.UID != nil && kb.UID != *find.UID {
			continue
		}
		if find.CreatorID != nil && kb.CreatorID != *find.CreatorID {
			continue
		}
		clone := *kb
		list = append(list, &clone)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

func (d *fakeDriver) UpdateKnowledgeBase(_ context.Context, update *store.UpdateKnowledgeBase) (*store.KnowledgeBase, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	kb, ok := d.knowledgeBases[update.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if update.Name != nil {
		kb.Name = *update.Name
	}
	if update.Description != nil {
		kb.Description = *update.Description
	}
	clone := *kb
	return &clone, nil
}

func (d *fakeDriver) DeleteKnowledgeBase(_ context.Context, del *store.DeleteKnowledgeBase) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.knowledgeBases, del.ID)
	return nil
}

func (d *fakeDriver) UpsertAgentKBLink(_ context.Context, upsert *store.AgentKBLink) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, link := range d.kbLinks {
		if link.AgentID == upsert.AgentID && link.KnowledgeBaseID == upsert.KnowledgeBaseID {
			link.Priority = upsert.Priority
			return nil
		}
	}
	clone := *upsert
	d.kbLinks = append(d.kbLinks, &clone)
	return nil
}

func (d *fakeDriver) DeleteAgentKBLink(_ context.Context, agentID, kbID int32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	kept := d.kbLinks[:0]
	for _, link := range d.kbLinks {
		if link.AgentID != agentID || link.KnowledgeBaseID != kbID {
			kept = append(kept, link)
		}
	}
	d.kbLinks = kept
	return nil
}

func (d *fakeDriver) ListAgentKBLinks(_ context.Context, find *store.FindAgentKBLink) ([]*store.AgentKBLink, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := []*store.AgentKBLink{}
	for _, link := range d.kbLinks {
		if find.AgentID != nil && link.AgentID != *find.AgentID {
			continue
		}
		if find.KnowledgeBaseID != nil && link.KnowledgeBaseID != *find.KnowledgeBaseID {
			continue
		}
		clone := *link
		list = append(list, &clone)
	}
	return list, nil
}

func (d *fakeDriver) CreateDocumentWithChunks(_ context.Context, doc *store.Document, chunks []string) (*store.Document, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	doc.ID = d.nextInt64()
	doc.ChunkCount = int32(len(chunks))
	clone := *doc
	d.documents[doc.ID] = &clone
	return doc, nil
}

func (d *fakeDriver) ListDocuments(_ context.Context, find *store.FindDocument) ([]*store.Document, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := []*store.Document{}
	for _, doc := range d.documents {
		if find.ID != nil && doc.ID != *find.ID {
			continue
		}
		if find.KBID != nil && doc.KBID != *find.KBID {
			continue
		}
		clone := *doc
		list = append(list, &clone)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

func (d *fakeDriver) DeleteDocument(_ context.Context, del *store.DeleteDocument) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.documents, del.ID)
	return nil
}

// Conversations and messages.

func (d *fakeDriver) ListConversations(_ context.Context, find *store.FindConversation) ([]*store.Conversation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := []*store.Conversation{}
	for _, conversation := range d.conversations {
		if find.ID != nil && conversation.ID != *find.ID {
			continue
		}
		if find.ChatKey != nil && conversation.ChatKey != *find.ChatKey {
			continue
		}
		if find.SessionID != nil && conversation.SessionID != *find.SessionID {
			continue
		}
		clone := *conversation
		list = append(list, &clone)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

func (d *fakeDriver) UpsertConversation(_ context.Context, upsert *store.UpsertConversation) (*store.Conversation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	conversation, ok := d.conversations[upsert.ChatKey]
	if !ok {
		conversation = &store.Conversation{
			ID:        d.nextInt32(),
			ChatKey:   upsert.ChatKey,
			SessionID: upsert.SessionID,
			LastTurn:  -1,
			AutoReply: true,
		}
		d.conversations[upsert.ChatKey] = conversation
	}
	if upsert.AutoReply != nil {
		conversation.AutoReply = *upsert.AutoReply
	}
	clone := *conversation
	return &clone, nil
}

func (d *fakeDriver) ListMessages(_ context.Context, find *store.FindMessage) ([]*store.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := []*store.Message{}
	for _, message := range d.messages {
		if find.ChatKey != nil && message.ChatKey != *find.ChatKey {
			continue
		}
		if find.Turn != nil && message.Turn != *find.Turn {
			continue
		}
		if find.Role != nil && message.Role != *find.Role {
			continue
		}
		if find.Status != nil && message.Status != *find.Status {
			continue
		}
		clone := *message
		list = append(list, &clone)
	}
	return list, nil
}

func (d *fakeDriver) UpdateMessageAck(_ context.Context, waMessageID string, ackStatus int32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acks[waMessageID] = ackStatus
	return nil
}

// Jobs and queue.

func (d *fakeDriver) CreateJob(_ context.Context, create *store.Job) (*store.Job, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	create.ID = d.nextInt64()
	clone := *create
	d.jobs = append(d.jobs, &clone)
	return create, nil
}

func (d *fakeDriver) ListJobs(_ context.Context, find *store.FindJob) ([]*store.Job, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := []*store.Job{}
	for _, job := range d.jobs {
		if find.ID != nil && job.ID != *find.ID {
			continue
		}
		if find.ChatKey != nil && job.ChatKey != *find.ChatKey {
			continue
		}
		if find.CreatorID != nil && job.ChatKey.UserID() != *find.CreatorID {
			continue
		}
		if find.Stage != nil && job.Stage != *find.Stage {
			continue
		}
		if find.Status != nil && job.Status != *find.Status {
			continue
		}
		clone := *job
		list = append(list, &clone)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID > list[j].ID })
	return list, nil
}

func (d *fakeDriver) GetLatestJob(_ context.Context, chatKey store.ChatKey, turn int32, st store.Stage) (*store.Job, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var latest *store.Job
	for _, job := range d.jobs {
		if job.ChatKey != chatKey || job.Turn != turn || job.Stage != st {
			continue
		}
		if latest == nil || job.ID > latest.ID {
			latest = job
		}
	}
	if latest == nil {
		return nil, nil
	}
	clone := *latest
	return &clone, nil
}

func (d *fakeDriver) EnqueueQueueMessage(_ context.Context, enqueue *store.EnqueueMessage) (*store.QueueMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	clone := *enqueue
	d.enqueued = append(d.enqueued, &clone)
	return &store.QueueMessage{
		ID:      d.nextInt64(),
		Stage:   enqueue.Stage,
		ChatKey: enqueue.ChatKey,
		Turn:    enqueue.Turn,
		Payload: enqueue.Payload,
	}, nil
}

// Merge buffers, interventions, webhook events, usage.

func (d *fakeDriver) UpsertMergeBuffer(_ context.Context, upsert *store.UpsertMergeBuffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	clone := *upsert
	d.buffers[upsert.ChatKey] = &clone
	return nil
}

func (d *fakeDriver) ListMergeBuffers(_ context.Context) ([]*store.MergeBuffer, error) {
	return nil, nil
}

func (d *fakeDriver) DeleteMergeBuffer(_ context.Context, del *store.DeleteMergeBuffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.buffers, del.ChatKey)
	return nil
}

func (d *fakeDriver) CreateInterventionAudit(_ context.Context, create *store.InterventionAuditEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	clone := *create
	clone.ID = d.nextInt64()
	d.audits = append(d.audits, &clone)
	return nil
}

func (d *fakeDriver) ListInterventionAudit(_ context.Context, find *store.FindInterventionAudit) ([]*store.InterventionAuditEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := []*store.InterventionAuditEntry{}
	for _, entry := range d.audits {
		if find.Target != nil && entry.Target != *find.Target {
			continue
		}
		if find.Since != nil && entry.CreatedTs < *find.Since {
			continue
		}
		clone := *entry
		list = append(list, &clone)
	}
	return list, nil
}

func (d *fakeDriver) InsertWebhookEvent(_ context.Context, event *store.WebhookEvent) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.webhookInsertErr != nil {
		return false, d.webhookInsertErr
	}
	if d.webhookEvents[event.EventID] {
		return false, nil
	}
	d.webhookEvents[event.EventID] = true
	return true, nil
}

func (d *fakeDriver) AddUsageStat(_ context.Context, add *store.AddUsageStat) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.usage[usageKey{date: add.StatDate, metric: add.Metric, creatorID: add.CreatorID}] += add.Delta
	return nil
}

func (d *fakeDriver) ListUsageStats(_ context.Context, find *store.FindUsageStat) ([]*store.UsageStat, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := []*store.UsageStat{}
	for key, value := range d.usage {
		if key.creatorID != find.CreatorID {
			continue
		}
		if find.SinceDate != "" && key.date < find.SinceDate {
			continue
		}
		list = append(list, &store.UsageStat{
			StatDate:  key.date,
			Metric:    key.metric,
			Value:     value,
			CreatorID: key.creatorID,
		})
	}
	return list, nil
}

// Credentials.

func (d *fakeDriver) UpsertUserCredential(_ context.Context, upsert *store.UserCredential) (*store.UserCredential, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	clone := *upsert
	d.credentials[upsert.CreatorID] = &clone
	return upsert, nil
}

func (d *fakeDriver) GetUserCredential(_ context.Context, find *store.FindUserCredential) (*store.UserCredential, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	credential, ok := d.credentials[find.CreatorID]
	if !ok {
		return nil, nil
	}
	clone := *credential
	return &clone, nil
}

// Accessors for assertions.

func (d *fakeDriver) usageOf(metric string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	var total int64
	for key, value := range d.usage {
		if key.metric == metric {
			total += value
		}
	}
	return total
}

func (d *fakeDriver) auditEntries() []*store.InterventionAuditEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*store.InterventionAuditEntry, len(d.audits))
	copy(out, d.audits)
	return out
}

func (d *fakeDriver) jobByID(id int64) *store.Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, job := range d.jobs {
		if job.ID == id {
			clone := *job
			return &clone
		}
	}
	return nil
}

func (d *fakeDriver) enqueuedMessages() []*store.EnqueueMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*store.EnqueueMessage, len(d.enqueued))
	copy(out, d.enqueued)
	return out
}

func (d *fakeDriver) sessionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

func (d *fakeDriver) bufferCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buffers)
}

func (d *fakeDriver) bufferOf(chatKey store.ChatKey) *store.UpsertMergeBuffer {
	d.mu.Lock()
	defer d.mu.Unlock()
	buffer, ok := d.buffers[chatKey]
	if !ok {
		return nil
	}
	clone := *buffer
	return &clone
}

func (d *fakeDriver) conversationOf(chatKey store.ChatKey) *store.Conversation {
	d.mu.Lock()
	defer d.mu.Unlock()
	conversation, ok := d.conversations[chatKey]
	if !ok {
		return nil
	}
	clone := *conversation
	return &clone
}

func (d *fakeDriver) sessionOf(id int32) *store.Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	session, ok := d.sessions[id]
	if !ok {
		return nil
	}
	clone := *session
	return &clone
}

func (d *fakeDriver) ackOf(waMessageID string) (int32, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ack, ok := d.acks[waMessageID]
	return ack, ok
}

func newTestSealer(t *testing.T) *crypto.Sealer {
	t.Helper()
	sealer, err := crypto.NewSealer(strings.Repeat("k", 32))
	require.NoError(t, err)
	return sealer
}

func sealString(t *testing.T, sealer *crypto.Sealer, plaintext string) string {
	t.Helper()
	sealed, err := sealer.Seal(plaintext)
	require.NoError(t, err)
	return sealed
}
