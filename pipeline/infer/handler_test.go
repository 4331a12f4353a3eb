package infer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hachiko-io/waflow/ai/llm"
	"github.com/hachiko-io/waflow/internal/crypto"
	"github.com/hachiko-io/waflow/internal/metrics"
	"github.com/hachiko-io/waflow/internal/profile"
	"github.com/hachiko-io/waflow/pipeline/intervention"
	"github.com/hachiko-io/waflow/pipeline/queue"
	"github.com/hachiko-io/waflow/pipeline/stage"
	"github.com/hachiko-io/waflow/store"
)

type fakeDriver struct {
	store.Driver
	sessions      map[int32]*store.Session
	credentials   map[int32]*store.UserCredential
	jobs          []*store.Job
	enqueued      []*store.QueueMessage
	suppressed    []string
	exchanges     []*store.ExchangeBatch
	messages      []*store.Message
	usage         map[string]int64
	duplicateTurn bool
	nextJobID     int64
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		sessions:    map[int32]*store.Session{},
		credentials: map[int32]*store.UserCredential{},
		usage:       map[string]int64{},
	}
}

func (f *fakeDriver) ListSessions(_ context.Context, find *store.FindSession) ([]*store.Session, error) {
	for _, s := range f.sessions {
		if find.ID != nil && s.ID != *find.ID {
			continue
		}
		if find.WAAccountID != nil && s.WAAccountID != *find.WAAccountID {
			continue
		}
		return []*store.Session{s}, nil
	}
	return nil, nil
}

func (f *fakeDriver) ListConversations(_ context.Context, _ *store.FindConversation) ([]*store.Conversation, error) {
	return nil, nil
}

func (f *fakeDriver) GetUserCredential(_ context.Context, find *store.FindUserCredential) (*store.UserCredential, error) {
	return f.credentials[find.CreatorID], nil
}

func (f *fakeDriver) RecordSuppressedTurn(_ context.Context, _ store.ChatKey, content string, _ int32) error {
	f.suppressed = append(f.suppressed, content)
	return nil
}

func (f *fakeDriver) CreateExchange(_ context.Context, batch *store.ExchangeBatch) (*store.Message, *store.Message, error) {
	if f.duplicateTurn {
		return nil, nil, store.ErrDuplicateTurn
	}
	f.exchanges = append(f.exchanges, batch)
	user := &store.Message{ChatKey: batch.ChatKey, Role: store.MessageRoleUser, Content: batch.UserContent, Turn: batch.Turn, Status: store.MessageStatusCompleted}
	assistant := &store.Message{ChatKey: batch.ChatKey, Role: store.MessageRoleAssistant, Content: batch.AssistantContent, Turn: batch.Turn + 1, Status: store.MessageStatusPending}
	f.messages = append(f.messages, user, assistant)
	return user, assistant, nil
}

func (f *fakeDriver) ListMessages(_ context.Context, find *store.FindMessage) ([]*store.Message, error) {
	var out []*store.Message
	for _, m := range f.messages {
		if find.ChatKey != nil && m.ChatKey != *find.ChatKey {
			continue
		}
		if find.Turn != nil && m.Turn != *find.Turn {
			continue
		}
		if find.Role != nil && m.Role != *find.Role {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeDriver) GetLatestJob(_ context.Context, chatKey store.ChatKey, turn int32, st store.Stage) (*store.Job, error) {
	var latest *store.Job
	for _, j := range f.jobs {
		if j.ChatKey != chatKey || j.Turn != turn || j.Stage != st {
			continue
		}
		if latest == nil || j.Attempt > latest.Attempt || (j.Attempt == latest.Attempt && j.ID > latest.ID) {
			latest = j
		}
	}
	return latest, nil
}

func (f *fakeDriver) CreateJob(_ context.Context, create *store.Job) (*store.Job, error) {
	f.nextJobID++
	create.ID = f.nextJobID
	f.jobs = append(f.jobs, create)
	return create, nil
}

func (f *fakeDriver) UpdateJob(_ context.Context, update *store.UpdateJob) error {
	for _, j := range f.jobs {
		if j.ID != update.ID {
			continue
		}
		if update.Status != nil {
			j.Status = *update.Status
		}
		if update.Error != nil {
			j.Error = *update.Error
		}
		if update.Result != nil {
			j.Result = *update.Result
		}
		return nil
	}
	return store.ErrNotFound
}

func (f *fakeDriver) EnqueueQueueMessage(_ context.Context, enqueue *store.EnqueueMessage) (*store.QueueMessage, error) {
	msg := &store.QueueMessage{Stage: enqueue.Stage, ChatKey: enqueue.ChatKey, Turn: enqueue.Turn, Payload: enqueue.Payload}
	f.enqueued = append(f.enqueued, msg)
	return msg, nil
}

func (f *fakeDriver) AddUsageStat(_ context.Context, add *store.AddUsageStat) error {
	f.usage[add.Metric] += add.Delta
	return nil
}

type fakeChat struct {
	cfg     *llm.Config
	prompts []llm.Message
	content string
	stats   *llm.CallStats
	err     error
}

func (f *fakeChat) Chat(_ context.Context, messages []llm.Message) (string, *llm.CallStats, error) {
	f.prompts = messages
	if f.err != nil {
		return "", nil, fmt.Errorf("llm chat failed: %w", f.err)
	}
	return f.content, f.stats, nil
}

func (f *fakeChat) Warmup(context.Context) {}

func newTestHandler(t *testing.T) (*Handler, *fakeDriver, *fakeChat) {
	t.Helper()
	driver := newFakeDriver()
	driver.sessions[7] = &store.Session{ID: 7, WAAccountID: "wa1", AutoReply: true}

	sealer, err := crypto.NewSealer(strings.Repeat("k", 32))
	require.NoError(t, err)
	sealed, err := sealer.Seal("sk-live-key")
	require.NoError(t, err)
	driver.credentials[1] = &store.UserCredential{CreatorID: 1, LLMAPIKey: sealed}

	st := store.New(driver, &profile.Profile{})
	p := &profile.Profile{LLMProvider: "openai", LLMModel: "fallback-model", LLMMaxTokens: 1024, LLMTemperature: 0.7}
	out := queue.New[stage.ReplyRequest](st, store.StageReply)
	h := NewHandler(st, p, metrics.New(metrics.Config{}), intervention.NewController(st), stage.NewLedger(st), sealer, out)

	chat := &fakeChat{
		content: "Our pricing starts at ten dollars.",
		stats:   &llm.CallStats{PromptTokens: 20, CompletionTokens: 12, TotalTokens: 32, TotalDurationMs: 140},
	}
	h.newChat = func(cfg *llm.Config) (llm.Service, error) {
		chat.cfg = cfg
		return chat, nil
	}
	return h, driver, chat
}

func inferReq(chatKey store.ChatKey) *stage.InferRequest {
	return &stage.InferRequest{
		ChatKey:     chatKey,
		UserMessage: "你好 我想 问价格",
		Agent: stage.AgentConfig{
			AgentID:      3,
			SystemPrompt: "be helpful",
			Model:        "gpt-x",
			MaxTokens:    512,
			Temperature:  0.5,
		},
		SessionID:   7,
		Turn:        4,
		TimestampMs: 1700000000000,
	}
}

func TestHandleHappyPath(t *testing.T) {
	h, driver, chat := newTestHandler(t)
	chatKey := store.BuildChatKey(1, "wa1", "c1@c.us")

	res := h.Handle(context.Background(), inferReq(chatKey))
	require.Equal(t, stage.CodeOK, res.Code, "unexpected error: %v", res.Err)

	require.Len(t, driver.exchanges, 1)
	assert.Equal(t, int32(4), driver.exchanges[0].Turn)
	assert.Equal(t, "你好 我想 问价格", driver.exchanges[0].UserContent)
	assert.Equal(t, "Our pricing starts at ten dollars.", driver.exchanges[0].AssistantContent)
	assert.Equal(t, int64(1700000000), driver.exchanges[0].UserCreatedTs, "receipt time carried in seconds")

	require.Len(t, driver.enqueued, 1)
	assert.Equal(t, store.StageReply, driver.enqueued[0].Stage)
	var reply stage.ReplyRequest
	require.NoError(t, json.Unmarshal(driver.enqueued[0].Payload, &reply))
	assert.Equal(t, int32(5), reply.Turn, "assistant turn follows the user turn")
	assert.Equal(t, "Our pricing starts at ten dollars.", reply.AIResponse)
	assert.Equal(t, "wa1", reply.WAAccountID)
	assert.Equal(t, "c1@c.us", reply.WhatsappChatID)
	assert.Equal(t, "gpt-x", reply.Metadata.Model)
	assert.Equal(t, int32(32), reply.Metadata.TokensUsed)

	require.NotNil(t, chat.cfg)
	assert.Equal(t, "sk-live-key", chat.cfg.APIKey, "sealed credential is opened per call")
	assert.Equal(t, "gpt-x", chat.cfg.Model)
	assert.Equal(t, 512, chat.cfg.MaxTokens)
	assert.InDelta(t, 0.5, chat.cfg.Temperature, 0.001)

	require.Len(t, driver.jobs, 1)
	assert.Equal(t, store.JobStatusCompleted, driver.jobs[0].Status)
	assert.Equal(t, store.StageInfer, driver.jobs[0].Stage)
	assert.Equal(t, int64(1), driver.usage[store.UsageInferences])
	assert.Equal(t, int64(32), driver.usage[store.UsageTokensUsed])
}

func TestHandleGateRecheckSuppresses(t *testing.T) {
	h, driver, _ := newTestHandler(t)
	chatKey := store.BuildChatKey(1, "wa1", "c1@c.us")
	driver.sessions[7].AutoReply = false

	res := h.Handle(context.Background(), inferReq(chatKey))
	require.Equal(t, stage.CodeSuppressed, res.Code)

	assert.Empty(t, driver.exchanges, "no provider call, no exchange")
	assert.Empty(t, driver.enqueued)
	require.Len(t, driver.suppressed, 1)
	assert.Equal(t, "你好 我想 问价格", driver.suppressed[0])
	require.Len(t, driver.jobs, 1)
	assert.Equal(t, store.JobStatusSuppressed, driver.jobs[0].Status)
}

func TestHandleModelAndLimitFallbacks(t *testing.T) {
	h, driver, chat := newTestHandler(t)
	chatKey := store.BuildChatKey(1, "wa1", "c1@c.us")
	req := inferReq(chatKey)
	req.Agent.Model = ""
	req.Agent.MaxTokens = 0
	req.Agent.Temperature = 0

	res := h.Handle(context.Background(), req)
	require.Equal(t, stage.CodeOK, res.Code, "unexpected error: %v", res.Err)

	assert.Equal(t, "fallback-model", chat.cfg.Model)
	assert.Equal(t, 1024, chat.cfg.MaxTokens)
	assert.InDelta(t, 0.7, chat.cfg.Temperature, 0.001)

	var reply stage.ReplyRequest
	require.NoError(t, json.Unmarshal(driver.enqueued[0].Payload, &reply))
	assert.Equal(t, "fallback-model", reply.Metadata.Model)
}

func TestHandleDuplicateTurnRedispatchesPendingReply(t *testing.T) {
	h, driver, _ := newTestHandler(t)
	chatKey := store.BuildChatKey(1, "wa1", "c1@c.us")
	driver.duplicateTurn = true
	driver.messages = []*store.Message{{
		ChatKey: chatKey,
		Role:    store.MessageRoleAssistant,
		Content: "earlier answer",
		Status:  store.MessageStatusPending,
		Turn:    5,
	}}

	res := h.Handle(context.Background(), inferReq(chatKey))
	require.Equal(t, stage.CodeOK, res.Code, "unexpected error: %v", res.Err)

	require.Len(t, driver.enqueued, 1, "the stranded reply is re-dispatched")
	var reply stage.ReplyRequest
	require.NoError(t, json.Unmarshal(driver.enqueued[0].Payload, &reply))
	assert.Equal(t, "earlier answer", reply.AIResponse)
	assert.Equal(t, int32(5), reply.Turn)

	require.Len(t, driver.jobs, 1)
	assert.Equal(t, store.JobStatusCompleted, driver.jobs[0].Status)
}

func TestHandleDuplicateTurnAlreadySentAcks(t *testing.T) {
	h, driver, _ := newTestHandler(t)
	chatKey := store.BuildChatKey(1, "wa1", "c1@c.us")
	driver.duplicateTurn = true
	driver.messages = []*store.Message{{
		ChatKey: chatKey,
		Role:    store.MessageRoleAssistant,
		Content: "earlier answer",
		Status:  store.MessageStatusSent,
		Turn:    5,
	}}

	res := h.Handle(context.Background(), inferReq(chatKey))
	require.Equal(t, stage.CodeOK, res.Code)

	assert.Empty(t, driver.enqueued, "a delivered reply is never sent twice")
	require.Len(t, driver.jobs, 1)
	assert.Equal(t, store.JobStatusCompleted, driver.jobs[0].Status)
}

func TestHandleEmptyContentRetries(t *testing.T) {
	h, driver, chat := newTestHandler(t)
	chatKey := store.BuildChatKey(1, "wa1", "c1@c.us")
	chat.content = ""

	res := h.Handle(context.Background(), inferReq(chatKey))
	require.Equal(t, stage.CodeTransient, res.Code)

	assert.Empty(t, driver.exchanges)
	assert.Empty(t, driver.enqueued)
	require.Len(t, driver.jobs, 1)
	assert.Equal(t, store.JobStatusFailed, driver.jobs[0].Status)
}

func TestHandleBadSealedKeyIsPermanent(t *testing.T) {
	h, driver, _ := newTestHandler(t)
	chatKey := store.BuildChatKey(1, "wa1", "c1@c.us")
	driver.credentials[1].LLMAPIKey = "not-a-sealed-value"

	res := h.Handle(context.Background(), inferReq(chatKey))
	require.Equal(t, stage.CodePermanent, res.Code)
	require.Len(t, driver.jobs, 1)
	assert.Equal(t, store.JobStatusFailed, driver.jobs[0].Status)
}

func TestHandleMissingCredentialIsPermanent(t *testing.T) {
	h, driver, _ := newTestHandler(t)
	chatKey := store.BuildChatKey(1, "wa1", "c1@c.us")
	delete(driver.credentials, 1)

	res := h.Handle(context.Background(), inferReq(chatKey))
	require.Equal(t, stage.CodePermanent, res.Code)
	assert.Empty(t, driver.enqueued)
	require.Len(t, driver.jobs, 1)
	assert.Equal(t, store.JobStatusFailed, driver.jobs[0].Status)
}

func TestClassifyProviderError(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want stage.Code
	}{
		{
			name: "unauthorized is permanent",
			err:  &openai.APIError{HTTPStatusCode: 401, Message: "bad key"},
			want: stage.CodePermanent,
		},
		{
			name: "unknown model is permanent",
			err:  &openai.APIError{HTTPStatusCode: 404, Message: "model not found"},
			want: stage.CodePermanent,
		},
		{
			name: "malformed request is permanent",
			err:  &openai.APIError{HTTPStatusCode: 400, Message: "bad request"},
			want: stage.CodePermanent,
		},
		{
			name: "rate limit is transient",
			err:  &openai.APIError{HTTPStatusCode: 429, Message: "slow down"},
			want: stage.CodeTransient,
		},
		{
			name: "server error is transient",
			err:  &openai.APIError{HTTPStatusCode: 500, Message: "oops"},
			want: stage.CodeTransient,
		},
		{
			name: "wrapped api error keeps its class",
			err:  fmt.Errorf("llm chat failed: %w", &openai.APIError{HTTPStatusCode: 403}),
			want: stage.CodePermanent,
		},
		{
			name: "transport error is transient",
			err:  fmt.Errorf("connection refused"),
			want: stage.CodeTransient,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, classifyProviderError(tc.err).Code)
		})
	}
}

func TestHandleProviderAuthFailureParks(t *testing.T) {
	h, driver, chat := newTestHandler(t)
	chatKey := store.BuildChatKey(1, "wa1", "c1@c.us")
	chat.err = &openai.APIError{HTTPStatusCode: 401, Message: "invalid api key"}

	res := h.Handle(context.Background(), inferReq(chatKey))
	require.Equal(t, stage.CodePermanent, res.Code)
	assert.Empty(t, driver.exchanges)
	require.Len(t, driver.jobs, 1)
	assert.Equal(t, store.JobStatusFailed, driver.jobs[0].Status)
}

func TestBuildSystemPrompt(t *testing.T) {
	assert.Equal(t, "be helpful", buildSystemPrompt("be helpful", nil), "no context leaves the prompt untouched")

	chunks := []stage.ContextChunk{
		{Content: "Plans start at $10/month."},
		{Content: "  Enterprise pricing is custom.  "},
		{Content: "   "},
	}
	prompt := buildSystemPrompt("be helpful", chunks)
	assert.True(t, strings.HasPrefix(prompt, "be helpful"))
	assert.Contains(t, prompt, "[1] Plans start at $10/month.")
	assert.Contains(t, prompt, "[2] Enterprise pricing is custom.")
	assert.NotContains(t, prompt, "[3]", "blank chunks are dropped")
	assert.Contains(t, prompt, contextInstruction)
}

func TestPromptMessagesShape(t *testing.T) {
	req := inferReq(store.BuildChatKey(1, "wa1", "c1@c.us"))
	req.ChatHistory = []stage.HistoryEntry{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	}

	messages := promptMessages(req)
	require.Len(t, messages, 4)
	assert.Equal(t, "system", messages[0].Role)
	assert.Equal(t, "hi", messages[1].Content)
	assert.Equal(t, "hello", messages[2].Content)
	assert.Equal(t, "你好 我想 问价格", messages[3].Content)
}

func TestPromptMessagesCapsHistory(t *testing.T) {
	req := inferReq(store.BuildChatKey(1, "wa1", "c1@c.us"))
	for i := 0; i < 30; i++ {
		req.ChatHistory = append(req.ChatHistory, stage.HistoryEntry{Role: "user", Content: fmt.Sprintf("m%d", i)})
	}

	messages := promptMessages(req)
	require.Len(t, messages, 1+maxHistoryEntries+1)
	assert.Equal(t, "m10", messages[1].Content, "only the most recent turns survive")
}
