package humanize

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hachiko-io/waflow/internal/crypto"
	"github.com/hachiko-io/waflow/internal/metrics"
	"github.com/hachiko-io/waflow/internal/profile"
	"github.com/hachiko-io/waflow/pipeline/intervention"
	"github.com/hachiko-io/waflow/pipeline/stage"
	"github.com/hachiko-io/waflow/plugin/waha"
	"github.com/hachiko-io/waflow/store"
)

type fakeDriver struct {
	store.Driver
	sessions map[int32]*store.Session
	messages []*store.Message
	jobs     []*store.Job
	usage    map[string]int64
	nextJob  int64
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		sessions: map[int32]*store.Session{},
		usage:    map[string]int64{},
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

func (f *fakeDriver) UpdateMessage(_ context.Context, update *store.UpdateMessage) error {
	for _, m := range f.messages {
		if m.ID != update.ID {
			continue
		}
		if update.Status != nil {
			m.Status = *update.Status
		}
		if update.Content != nil {
			m.Content = *update.Content
		}
		if update.WAMessageID != nil {
			m.WAMessageID = *update.WAMessageID
		}
		return nil
	}
	return store.ErrNotFound
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
	f.nextJob++
	create.ID = f.nextJob
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

func (f *fakeDriver) AddUsageStat(_ context.Context, add *store.AddUsageStat) error {
	f.usage[add.Metric] += add.Delta
	return nil
}

type fakeSender struct {
	cfg       *waha.Config
	sent      []string
	typing    []string
	failTexts map[string]bool
	failFirst int
	calls     int
}

func (f *fakeSender) SendText(_ context.Context, _ string, text string) (string, error) {
	f.calls++
	if f.failFirst > 0 {
		f.failFirst--
		return "", fmt.Errorf("gateway 502")
	}
	if f.failTexts[text] {
		return "", fmt.Errorf("gateway 502")
	}
	f.sent = append(f.sent, text)
	return fmt.Sprintf("wamid.%d", len(f.sent)), nil
}

func (f *fakeSender) StartTyping(context.Context, string) error {
	f.typing = append(f.typing, "start")
	return nil
}

func (f *fakeSender) StopTyping(context.Context, string) error {
	f.typing = append(f.typing, "stop")
	return nil
}

type testRig struct {
	handler *Handler
	driver  *fakeDriver
	sender  *fakeSender
	slept   *[]time.Duration
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	driver := newFakeDriver()

	sealer, err := crypto.NewSealer(strings.Repeat("k", 32))
	require.NoError(t, err)
	sealedKey, err := sealer.Seal("waha-api-key")
	require.NoError(t, err)
	driver.sessions[7] = &store.Session{
		ID:              7,
		WAAccountID:     "wa1",
		WahaBaseURL:     "http://waha.local",
		WahaAPIKey:      sealedKey,
		AutoReply:       true,
		TypingIndicator: true,
	}

	st := store.New(driver, &profile.Profile{})
	p := &profile.Profile{ReplyRetryDelayMs: 1, WAHARateLimitRPS: 10, WAHARateBurst: 10}
	h := NewHandler(st, p, metrics.New(metrics.Config{}), intervention.NewController(st), stage.NewLedger(st), sealer)

	sender := &fakeSender{failTexts: map[string]bool{}}
	h.newSender = func(cfg *waha.Config) Sender {
		sender.cfg = cfg
		return sender
	}
	slept := &[]time.Duration{}
	h.sleep = func(ctx context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return ctx.Err()
	}
	h.rng = rand.New(rand.NewSource(11))
	return &testRig{handler: h, driver: driver, sender: sender, slept: slept}
}

func (r *testRig) seedAssistant(chatKey store.ChatKey, content string) *store.Message {
	msg := &store.Message{
		ID:      42,
		ChatKey: chatKey,
		Role:    store.MessageRoleAssistant,
		Content: content,
		Status:  store.MessageStatusPending,
		Turn:    5,
	}
	r.driver.messages = append(r.driver.messages, msg)
	return msg
}

func replyReq(chatKey store.ChatKey, text string) *stage.ReplyRequest {
	return &stage.ReplyRequest{
		ChatKey:        chatKey,
		AIResponse:     text,
		WAAccountID:    "wa1",
		WhatsappChatID: "c1@c.us",
		Metadata:       stage.ReplyMetadata{Model: "gpt-x"},
		SessionID:      7,
		Turn:           5,
	}
}

func twoParagraphs() (string, string, string) {
	p1 := strings.TrimSpace(strings.Repeat("first part of the answer ", 6))
	p2 := strings.TrimSpace(strings.Repeat("second part of the answer ", 6))
	return p1 + "\n\n" + p2, p1, p2
}

func TestHandleSendsAllSegments(t *testing.T) {
	rig := newTestRig(t)
	chatKey := store.BuildChatKey(1, "wa1", "c1@c.us")
	text, p1, p2 := twoParagraphs()
	msg := rig.seedAssistant(chatKey, text)

	res := rig.handler.Handle(context.Background(), replyReq(chatKey, text))
	require.Equal(t, stage.CodeOK, res.Code, "unexpected error: %v", res.Err)

	require.Equal(t, []string{p1, p2}, rig.sender.sent)
	assert.Equal(t, store.MessageStatusSent, msg.Status)
	assert.Equal(t, "wamid.2", msg.WAMessageID, "newest delivered id kept for ack correlation")
	assert.Equal(t, []string{"start", "stop", "start", "stop"}, rig.sender.typing)

	require.Len(t, rig.driver.jobs, 1)
	assert.Equal(t, store.JobStatusCompleted, rig.driver.jobs[0].Status)
	var result map[string]any
	require.NoError(t, json.Unmarshal([]byte(rig.driver.jobs[0].Result), &result))
	assert.Equal(t, float64(2), result["segmentsTotal"])
	assert.Equal(t, float64(2), result["segmentsSent"])

	assert.Equal(t, int64(1), rig.driver.usage[store.UsageRepliesSent])
	assert.Equal(t, int64(2), rig.driver.usage[store.UsageSegmentsSent])

	require.NotNil(t, rig.sender.cfg)
	assert.Equal(t, "waha-api-key", rig.sender.cfg.APIKey, "sealed key is opened for the client")
	assert.NotNil(t, rig.sender.cfg.Limiter, "per-account limiter is shared across sends")
}

func TestHandlePartialDeliverySettles(t *testing.T) {
	rig := newTestRig(t)
	chatKey := store.BuildChatKey(1, "wa1", "c1@c.us")
	p1 := strings.TrimSpace(strings.Repeat("alpha segment text ", 8))
	p2 := strings.TrimSpace(strings.Repeat("bravo segment text ", 8))
	p3 := strings.TrimSpace(strings.Repeat("charlie segment text ", 8))
	text := p1 + "\n\n" + p2 + "\n\n" + p3
	msg := rig.seedAssistant(chatKey, text)
	rig.sender.failTexts[p3] = true

	res := rig.handler.Handle(context.Background(), replyReq(chatKey, text))
	require.Equal(t, stage.CodeOK, res.Code, "a partial delivery is final, not retried")

	assert.Equal(t, []string{p1, p2}, rig.sender.sent)
	assert.Equal(t, store.MessageStatusPartial, msg.Status)
	assert.Equal(t, p1+"\n\n"+p2, msg.Content, "stored text shrinks to what the contact saw")

	require.Len(t, rig.driver.jobs, 1)
	assert.Equal(t, store.JobStatusCompleted, rig.driver.jobs[0].Status)
	var result map[string]any
	require.NoError(t, json.Unmarshal([]byte(rig.driver.jobs[0].Result), &result))
	assert.Equal(t, float64(3), result["segmentsTotal"])
	assert.Equal(t, float64(2), result["segmentsSent"])
	errs, ok := result["errors"].([]any)
	require.True(t, ok)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "segment 3")

	assert.Equal(t, int64(0), rig.driver.usage[store.UsageRepliesSent])
	assert.Equal(t, int64(2), rig.driver.usage[store.UsageSegmentsSent])
	assert.Equal(t, int64(1), rig.driver.usage[store.UsageFailures])
}

func TestHandleFirstSegmentFailureAborts(t *testing.T) {
	rig := newTestRig(t)
	chatKey := store.BuildChatKey(1, "wa1", "c1@c.us")
	text, p1, _ := twoParagraphs()
	msg := rig.seedAssistant(chatKey, text)
	rig.sender.failTexts[p1] = true

	res := rig.handler.Handle(context.Background(), replyReq(chatKey, text))
	require.Equal(t, stage.CodeTransient, res.Code, "a fully failed delivery is retryable")

	assert.Equal(t, maxSendAttempts, rig.sender.calls, "only the first segment is attempted")
	assert.Empty(t, rig.sender.sent)
	assert.Equal(t, store.MessageStatusFailed, msg.Status)
	require.Len(t, rig.driver.jobs, 1)
	assert.Equal(t, store.JobStatusFailed, rig.driver.jobs[0].Status)
	assert.Equal(t, int64(1), rig.driver.usage[store.UsageFailures])
}

func TestHandleSuppressedMarksMessage(t *testing.T) {
	rig := newTestRig(t)
	chatKey := store.BuildChatKey(1, "wa1", "c1@c.us")
	rig.driver.sessions[7].AutoReply = false
	text, _, _ := twoParagraphs()
	msg := rig.seedAssistant(chatKey, text)

	res := rig.handler.Handle(context.Background(), replyReq(chatKey, text))
	require.Equal(t, stage.CodeSuppressed, res.Code)

	assert.Empty(t, rig.sender.sent)
	assert.Equal(t, store.MessageStatusSuppressed, msg.Status)
	require.Len(t, rig.driver.jobs, 1)
	assert.Equal(t, store.JobStatusSuppressed, rig.driver.jobs[0].Status)
}

func TestHandleMissingSessionSuppresses(t *testing.T) {
	rig := newTestRig(t)
	chatKey := store.BuildChatKey(1, "wa1", "c1@c.us")
	delete(rig.driver.sessions, 7)
	text, _, _ := twoParagraphs()
	msg := rig.seedAssistant(chatKey, text)

	res := rig.handler.Handle(context.Background(), replyReq(chatKey, text))
	require.Equal(t, stage.CodeSuppressed, res.Code, "an unknown account never auto-replies")
	assert.Equal(t, store.MessageStatusSuppressed, msg.Status)
	assert.Empty(t, rig.sender.sent)
}

func TestHandleStripsTrailingInterventionPunctuation(t *testing.T) {
	rig := newTestRig(t)
	chatKey := store.BuildChatKey(1, "wa1", "c1@c.us")
	rig.seedAssistant(chatKey, "Sure, I can help with that,")

	res := rig.handler.Handle(context.Background(), replyReq(chatKey, "Sure, I can help with that,"))
	require.Equal(t, stage.CodeOK, res.Code, "unexpected error: %v", res.Err)

	require.Len(t, rig.sender.sent, 1)
	assert.Equal(t, "Sure, I can help with that", rig.sender.sent[0], "outbound text cannot pause its own chat")
}

func TestHandleEmptyAfterTrim(t *testing.T) {
	rig := newTestRig(t)
	chatKey := store.BuildChatKey(1, "wa1", "c1@c.us")
	msg := rig.seedAssistant(chatKey, ".")

	res := rig.handler.Handle(context.Background(), replyReq(chatKey, "."))
	require.Equal(t, stage.CodeOK, res.Code)

	assert.Empty(t, rig.sender.sent)
	assert.Equal(t, store.MessageStatusSent, msg.Status)
	require.Len(t, rig.driver.jobs, 1)
	assert.Equal(t, store.JobStatusCompleted, rig.driver.jobs[0].Status)
}

func TestHandleTypingIndicatorDisabled(t *testing.T) {
	rig := newTestRig(t)
	chatKey := store.BuildChatKey(1, "wa1", "c1@c.us")
	rig.driver.sessions[7].TypingIndicator = false
	text, _, _ := twoParagraphs()
	rig.seedAssistant(chatKey, text)

	res := rig.handler.Handle(context.Background(), replyReq(chatKey, text))
	require.Equal(t, stage.CodeOK, res.Code)
	assert.Empty(t, rig.sender.typing)
}

func TestHandleRedeliverySkipsCompleted(t *testing.T) {
	rig := newTestRig(t)
	chatKey := store.BuildChatKey(1, "wa1", "c1@c.us")
	text, _, _ := twoParagraphs()
	rig.seedAssistant(chatKey, text)
	rig.driver.jobs = []*store.Job{{
		ID: 99, ChatKey: chatKey, Turn: 5, Stage: store.StageReply,
		Status: store.JobStatusCompleted,
	}}

	res := rig.handler.Handle(context.Background(), replyReq(chatKey, text))
	require.Equal(t, stage.CodeOK, res.Code)
	assert.Empty(t, rig.sender.sent, "a settled reply is never resent")
}

func TestSendWithRetryRecovers(t *testing.T) {
	rig := newTestRig(t)
	rig.sender.failFirst = 2

	waID, err := rig.handler.sendWithRetry(context.Background(), rig.sender, "c1@c.us", "hello")
	require.NoError(t, err)
	assert.Equal(t, "wamid.1", waID)
	assert.Equal(t, 3, rig.sender.calls)
	require.Len(t, *rig.slept, 2, "each failed attempt backs off before the next")
	first := (*rig.slept)[0]
	second := (*rig.slept)[1]
	assert.GreaterOrEqual(t, first, time.Millisecond)
	assert.GreaterOrEqual(t, second, 2*time.Millisecond, "backoff doubles per attempt")
}

func TestSendWithRetryGivesUp(t *testing.T) {
	rig := newTestRig(t)
	rig.sender.failFirst = 99

	_, err := rig.handler.sendWithRetry(context.Background(), rig.sender, "c1@c.us", "hello")
	require.Error(t, err)
	assert.Equal(t, maxSendAttempts, rig.sender.calls)
}
