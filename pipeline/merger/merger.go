// Package merger collapses bursts of inbound messages per chat into one
// logical query. Chats are sharded onto a fixed pool of goroutines by
// FNV-1a hash of the chat key, so same-chat work is serial and cross-chat
// work is parallel without a lock around every buffer.
package merger

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/hachiko-io/waflow/internal/metrics"
	"github.com/hachiko-io/waflow/internal/profile"
	"github.com/hachiko-io/waflow/pipeline/queue"
	"github.com/hachiko-io/waflow/pipeline/stage"
	"github.com/hachiko-io/waflow/store"
)

const (
	defaultShards = 8
	inboxSize     = 64

	// flushOverflowRunes force-flushes a buffer once a single message
	// exceeds this many runes, regardless of punctuation.
	flushOverflowRunes = 500

	// parkDuration keeps an idle shard timer asleep.
	parkDuration = time.Hour

	enqueueBackoffBase = time.Second
	enqueueBackoffMax  = time.Minute
)

// Flush reasons recorded in metrics.
const (
	flushReasonWindow     = "window"
	flushReasonTerminator = "terminator"
	flushReasonOverflow   = "overflow"
)

// IncomingMessage is one inbound user message, already normalized by the
// webhook dispatcher. TimestampMs is the WhatsApp origin timestamp and only
// orders messages inside a burst; window timing uses local receipt time.
type IncomingMessage struct {
	ChatKey     store.ChatKey
	AgentID     *int32
	Text        string
	SessionID   int32
	WindowMs    int32
	TimestampMs int64
	HasMedia    bool
}

// bufferedMessage is the persisted form of one buffered message.
type bufferedMessage struct {
	Text        string `json:"text"`
	TimestampMs int64  `json:"timestampMs"`
	HasMedia    bool   `json:"hasMedia"`
}

// chatBuffer is the live merge state of one chat, owned by one shard.
type chatBuffer struct {
	chatKey   store.ChatKey
	agentID   *int32
	messages  []bufferedMessage
	deadline  time.Time
	backoff   time.Duration
	startMs   int64
	lastMs    int64
	sessionID int32
	windowMs  int32
}

type shard struct {
	inbox chan IncomingMessage
	chats map[store.ChatKey]*chatBuffer
}

type Merger struct {
	store   *store.Store
	profile *profile.Profile
	metrics *metrics.Exporter
	out     *queue.Queue[stage.MergedRequest]
	shards  []*shard
	wg      sync.WaitGroup
}

func New(st *store.Store, p *profile.Profile, ex *metrics.Exporter, out *queue.Queue[stage.MergedRequest]) *Merger {
	shards := make([]*shard, defaultShards)
	for i := range shards {
		shards[i] = &shard{
			inbox: make(chan IncomingMessage, inboxSize),
			chats: make(map[store.ChatKey]*chatBuffer),
		}
	}
	return &Merger{store: st, profile: p, metrics: ex, out: out, shards: shards}
}

// Submit routes one inbound message to its chat's shard. Blocks only when
// the shard inbox is full, which backpressures the webhook dispatcher.
func (m *Merger) Submit(ctx context.Context, msg IncomingMessage) error {
	sh := m.shards[shardIndex(msg.ChatKey, len(m.shards))]
	select {
	case sh.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Rehydrate reloads persisted buffers into their shards. Must run before
// Run starts the shard loops; overdue buffers flush on the first tick.
func (m *Merger) Rehydrate(ctx context.Context) error {
	buffers, err := m.store.ListMergeBuffers(ctx)
	if err != nil {
		return errors.Wrap(err, "list merge buffers")
	}
	now := time.Now()
	for _, row := range buffers {
		var messages []bufferedMessage
		if err := json.Unmarshal(row.Messages, &messages); err != nil {
			slog.Error("merge buffer undecodable, dropping",
				slog.String("chatKey", string(row.ChatKey)),
				slog.String("error", err.Error()))
			if err := m.store.DeleteMergeBuffer(ctx, &store.DeleteMergeBuffer{ChatKey: row.ChatKey}); err != nil {
				slog.Warn("delete broken merge buffer failed", slog.String("error", err.Error()))
			}
			continue
		}
		deadline := time.UnixMilli(row.LastMessageTimeMs + int64(row.WindowMs))
		if deadline.Before(now) {
			deadline = now
		}
		buf := &chatBuffer{
			chatKey:   row.ChatKey,
			messages:  messages,
			deadline:  deadline,
			startMs:   row.StartTimeMs,
			lastMs:    row.LastMessageTimeMs,
			sessionID: row.SessionID,
			windowMs:  row.WindowMs,
		}
		sh := m.shards[shardIndex(row.ChatKey, len(m.shards))]
		sh.chats[row.ChatKey] = buf
	}
	if len(buffers) > 0 {
		slog.Info("merge buffers rehydrated", slog.Int("count", len(buffers)))
	}
	return nil
}

// Run drives the shard loops until ctx is canceled. Buffered state is
// already persisted per mutation, so shutdown just stops the loops.
func (m *Merger) Run(ctx context.Context) error {
	for _, sh := range m.shards {
		m.wg.Add(1)
		go func(sh *shard) {
			defer m.wg.Done()
			m.runShard(ctx, sh)
		}(sh)
	}
	<-ctx.Done()
	m.wg.Wait()
	return nil
}

func (m *Merger) runShard(ctx context.Context, sh *shard) {
	timer := time.NewTimer(parkDuration)
	defer timer.Stop()

	// A rehydrated shard may already hold overdue buffers.
	m.rearm(sh, timer)

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-sh.inbox:
			m.handleSubmit(ctx, sh, msg)
		case <-timer.C:
			m.flushDue(ctx, sh)
		}
		m.rearm(sh, timer)
	}
}

// rearm points the shard timer at the earliest buffer deadline.
func (m *Merger) rearm(sh *shard, timer *time.Timer) {
	var earliest time.Time
	for _, buf := range sh.chats {
		if earliest.IsZero() || buf.deadline.Before(earliest) {
			earliest = buf.deadline
		}
	}
	timer.Stop()
	if earliest.IsZero() {
		timer.Reset(parkDuration)
		return
	}
	timer.Reset(time.Until(earliest))
}

func (m *Merger) handleSubmit(ctx context.Context, sh *shard, msg IncomingMessage) {
	buf := sh.chats[msg.ChatKey]
	nowMs := time.Now().UnixMilli()
	if buf == nil {
		buf = &chatBuffer{
			chatKey:   msg.ChatKey,
			sessionID: msg.SessionID,
			startMs:   nowMs,
		}
		sh.chats[msg.ChatKey] = buf

		// Lazy conversation creation, so the chat is visible to operators
		// while the first burst is still merging.
		if _, err := m.store.UpsertConversation(ctx, &store.UpsertConversation{
			ChatKey:   msg.ChatKey,
			SessionID: msg.SessionID,
		}); err != nil {
			slog.Warn("conversation upsert failed",
				slog.String("chatKey", string(msg.ChatKey)),
				slog.String("error", err.Error()))
		}
	}

	buf.agentID = msg.AgentID
	buf.windowMs = m.clampWindow(msg.WindowMs)
	buf.lastMs = nowMs
	buf.messages = append(buf.messages, bufferedMessage{
		Text:        msg.Text,
		TimestampMs: msg.TimestampMs,
		HasMedia:    msg.HasMedia,
	})
	m.persist(ctx, buf)

	trimmed := strings.TrimSpace(msg.Text)
	switch {
	case endsWithTerminator(trimmed):
		m.flushChat(ctx, sh, buf, flushReasonTerminator)
	case utf8.RuneCountInString(trimmed) > flushOverflowRunes:
		m.flushChat(ctx, sh, buf, flushReasonOverflow)
	default:
		// Sliding window: later messages only push the deadline out.
		next := time.UnixMilli(buf.lastMs + int64(buf.windowMs))
		if next.After(buf.deadline) {
			buf.deadline = next
		}
	}
}

func (m *Merger) flushDue(ctx context.Context, sh *shard) {
	now := time.Now()
	for _, buf := range sh.chats {
		if !buf.deadline.After(now) {
			m.flushChat(ctx, sh, buf, flushReasonWindow)
		}
	}
}

func (m *Merger) flushChat(ctx context.Context, sh *shard, buf *chatBuffer, reason string) {
	if len(buf.messages) == 0 {
		delete(sh.chats, buf.chatKey)
		return
	}

	sort.SliceStable(buf.messages, func(i, j int) bool {
		return buf.messages[i].TimestampMs < buf.messages[j].TimestampMs
	})

	hasMedia := false
	texts := make([]string, 0, len(buf.messages))
	for _, bm := range buf.messages {
		texts = append(texts, bm.Text)
		hasMedia = hasMedia || bm.HasMedia
	}

	req := &stage.MergedRequest{
		ChatKey:      buf.chatKey,
		AgentID:      buf.agentID,
		MergedText:   joinMessages(texts),
		SessionID:    buf.sessionID,
		StartTimeMs:  buf.startMs,
		EndTimeMs:    buf.lastMs,
		MessageCount: len(buf.messages),
		HasMedia:     hasMedia,
	}
	if err := m.out.Enqueue(ctx, buf.chatKey, -1, req); err != nil {
		// Keep the buffer (and its persisted row) and try again later.
		buf.backoff = nextBackoff(buf.backoff)
		buf.deadline = time.Now().Add(buf.backoff)
		slog.Error("merged request enqueue failed",
			slog.String("chatKey", string(buf.chatKey)),
			slog.Duration("retryIn", buf.backoff),
			slog.String("error", err.Error()))
		return
	}

	m.metrics.RecordMergerFlush(reason, len(buf.messages))
	if err := m.store.BumpUsage(ctx, buf.chatKey.UserID(), store.UsageMerges, 1); err != nil {
		slog.Warn("usage stat failed", slog.String("error", err.Error()))
	}

	// A failed delete means the next rehydrate re-flushes this burst; the
	// retrieve ledger absorbs the duplicate.
	if err := m.store.DeleteMergeBuffer(ctx, &store.DeleteMergeBuffer{ChatKey: buf.chatKey}); err != nil {
		slog.Warn("merge buffer delete failed",
			slog.String("chatKey", string(buf.chatKey)),
			slog.String("error", err.Error()))
	}
	delete(sh.chats, buf.chatKey)
}

func (m *Merger) persist(ctx context.Context, buf *chatBuffer) {
	raw, err := json.Marshal(buf.messages)
	if err != nil {
		slog.Error("merge buffer marshal failed", slog.String("error", err.Error()))
		return
	}
	if err := m.store.UpsertMergeBuffer(ctx, &store.UpsertMergeBuffer{
		ChatKey:           buf.chatKey,
		Messages:          raw,
		SessionID:         buf.sessionID,
		WindowMs:          buf.windowMs,
		StartTimeMs:       buf.startMs,
		LastMessageTimeMs: buf.lastMs,
	}); err != nil {
		slog.Warn("merge buffer persist failed",
			slog.String("chatKey", string(buf.chatKey)),
			slog.String("error", err.Error()))
	}
}

func (m *Merger) clampWindow(windowMs int32) int32 {
	w := int(windowMs)
	if w <= 0 {
		w = m.profile.MergeWindowMs
	}
	if w < m.profile.MergeWindowMinMs {
		w = m.profile.MergeWindowMinMs
	}
	if w > m.profile.MergeWindowMaxMs {
		w = m.profile.MergeWindowMaxMs
	}
	return int32(w)
}

func shardIndex(chatKey store.ChatKey, shards int) int {
	h := fnv.New32a()
	h.Write([]byte(chatKey))
	return int(h.Sum32() % uint32(shards))
}

func endsWithTerminator(trimmed string) bool {
	switch last, _ := utf8.DecodeLastRuneInString(trimmed); last {
	case '。', '！', '？', '.', '!', '?':
		return true
	}
	return false
}

// joinPunct suppresses the space separator around leading or trailing
// punctuation when joining burst fragments.
var joinPunct = map[rune]bool{
	'.': true, ',': true, '!': true, '?': true, ';': true,
	'、': true, '。': true, '！': true, '？': true, '，': true, '；': true,
}

func joinMessages(texts []string) string {
	var b strings.Builder
	var last rune
	for _, t := range texts {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if b.Len() > 0 {
			first, _ := utf8.DecodeRuneInString(t)
			if !joinPunct[last] && !joinPunct[first] {
				b.WriteByte(' ')
			}
		}
		b.WriteString(t)
		last, _ = utf8.DecodeLastRuneInString(t)
	}
	return b.String()
}

func nextBackoff(current time.Duration) time.Duration {
	if current <= 0 {
		return enqueueBackoffBase
	}
	next := current * 2
	if next > enqueueBackoffMax {
		return enqueueBackoffMax
	}
	return next
}
