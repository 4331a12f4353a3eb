// Package retrieve implements the first pipeline stage: assigning the
// turn, gating on intervention state, and gathering the knowledge context
// and chat history the infer stage prompts with.
package retrieve

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/hachiko-io/waflow/ai/embedding"
	"github.com/hachiko-io/waflow/internal/profile"
	"github.com/hachiko-io/waflow/pipeline/intervention"
	"github.com/hachiko-io/waflow/pipeline/queue"
	"github.com/hachiko-io/waflow/pipeline/stage"
	"github.com/hachiko-io/waflow/store"
)

const (
	maxKnowledgeBases = 3
	perKBTopK         = 5
	maxContextChunks  = 8
	historyTail       = 10

	embedTimeout  = 10 * time.Second
	searchTimeout = 5 * time.Second
)

type Handler struct {
	store   *store.Store
	profile *profile.Profile
	gate    *intervention.Controller
	ledger  *stage.Ledger
	out     *queue.Queue[stage.InferRequest]

	// embedders is keyed by model; endpoint and key are process-level, so
	// caching services here never holds tenant secrets.
	mu        sync.Mutex
	embedders map[string]embedding.Service
}

func NewHandler(st *store.Store, p *profile.Profile, gate *intervention.Controller, ledger *stage.Ledger, out *queue.Queue[stage.InferRequest]) *Handler {
	return &Handler{
		store:     st,
		profile:   p,
		gate:      gate,
		ledger:    ledger,
		out:       out,
		embedders: make(map[string]embedding.Service),
	}
}

func (h *Handler) Handle(ctx context.Context, req *stage.MergedRequest) stage.Result {
	// The turn is derived, not carried: last_turn only advances when the
	// infer stage commits, so a redelivery lands on the same slot and the
	// ledger can short-circuit it.
	conversation, err := h.store.UpsertConversation(ctx, &store.UpsertConversation{
		ChatKey:   req.ChatKey,
		SessionID: req.SessionID,
	})
	if err != nil {
		return stage.Transient(errors.Wrap(err, "upsert conversation"))
	}
	turn := conversation.LastTurn + 1

	payload, err := json.Marshal(req)
	if err != nil {
		return stage.Permanent(errors.Wrap(err, "marshal payload"))
	}
	ticket, err := h.ledger.Begin(ctx, req.ChatKey, turn, store.StageRetrieve, payload)
	if err != nil {
		return stage.Transient(err)
	}
	if ticket == nil {
		return stage.OK()
	}

	logger := slog.With(
		slog.String("chatKey", string(req.ChatKey)),
		slog.Int("turn", int(turn)))

	allow, reason, err := h.gate.ShouldAutoReply(ctx, req.ChatKey)
	if err != nil {
		return h.fail(ctx, ticket, err)
	}
	if !allow {
		if err := h.store.RecordSuppressedTurn(ctx, req.ChatKey, req.MergedText, turn); err != nil {
			return h.fail(ctx, ticket, errors.Wrap(err, "record suppressed turn"))
		}
		if err := h.ledger.Suppress(ctx, ticket); err != nil {
			logger.Error("ledger suppress failed", slog.String("error", err.Error()))
		}
		logger.Info("turn suppressed", slog.String("reason", reason))
		return stage.Suppress()
	}

	agent, err := h.resolveAgent(ctx, req)
	if err != nil {
		return h.fail(ctx, ticket, errors.Wrap(err, "resolve agent"))
	}
	if agent == nil {
		err := errors.Errorf("no agent available for tenant %d", req.ChatKey.UserID())
		if ferr := h.ledger.Fail(ctx, ticket, err); ferr != nil {
			logger.Error("ledger fail failed", slog.String("error", ferr.Error()))
		}
		return stage.Permanent(err)
	}

	credential, err := h.store.GetUserCredential(ctx, &store.FindUserCredential{CreatorID: agent.CreatorID})
	if err != nil {
		return h.fail(ctx, ticket, errors.Wrap(err, "load credential"))
	}
	if credential == nil || credential.LLMAPIKey == "" {
		err := errors.Errorf("tenant %d has no LLM credential", agent.CreatorID)
		if ferr := h.ledger.Fail(ctx, ticket, err); ferr != nil {
			logger.Error("ledger fail failed", slog.String("error", ferr.Error()))
		}
		return stage.Permanent(err)
	}

	contextChunks, err := h.retrieveContext(ctx, agent, credential, req.MergedText)
	if err != nil {
		return h.fail(ctx, ticket, errors.Wrap(err, "retrieve context"))
	}

	history, err := h.loadHistory(ctx, req.ChatKey)
	if err != nil {
		return h.fail(ctx, ticket, errors.Wrap(err, "load history"))
	}

	inferReq := &stage.InferRequest{
		ChatKey:     req.ChatKey,
		UserMessage: req.MergedText,
		Context:     contextChunks,
		ChatHistory: history,
		Agent: stage.AgentConfig{
			SystemPrompt: agent.SystemPrompt,
			Model:        agent.Model,
			AgentID:      agent.ID,
			MaxTokens:    agent.MaxTokens,
			Temperature:  agent.Temperature,
		},
		SessionID:   req.SessionID,
		Turn:        turn,
		TimestampMs: req.EndTimeMs,
	}
	if err := h.out.Enqueue(ctx, req.ChatKey, turn, inferReq); err != nil {
		return h.fail(ctx, ticket, err)
	}

	result, _ := json.Marshal(map[string]int{
		"contextChunks": len(contextChunks),
		"historyTurns":  len(history),
	})
	if err := h.ledger.Complete(ctx, ticket, result); err != nil {
		logger.Error("ledger complete failed", slog.String("error", err.Error()))
	}
	return stage.OK()
}

func (h *Handler) fail(ctx context.Context, ticket *stage.Ticket, cause error) stage.Result {
	if err := h.ledger.Fail(ctx, ticket, cause); err != nil {
		slog.Error("ledger fail failed", slog.String("error", err.Error()))
	}
	return stage.Transient(cause)
}

// resolveAgent walks the binding chain: explicit request binding, then the
// session's agent, then any agent the tenant owns.
func (h *Handler) resolveAgent(ctx context.Context, req *stage.MergedRequest) (*store.Agent, error) {
	if req.AgentID != nil {
		agent, err := h.store.GetAgent(ctx, &store.FindAgent{ID: req.AgentID})
		if err != nil {
			return nil, err
		}
		if agent != nil {
			return agent, nil
		}
		// The bound agent was deleted; fall through.
	}

	session, err := h.store.GetSession(ctx, &store.FindSession{ID: &req.SessionID})
	if err != nil {
		return nil, err
	}
	if session != nil && session.AgentID != nil {
		agent, err := h.store.GetAgent(ctx, &store.FindAgent{ID: session.AgentID})
		if err != nil {
			return nil, err
		}
		if agent != nil {
			return agent, nil
		}
	}

	userID := req.ChatKey.UserID()
	agents, err := h.store.ListAgents(ctx, &store.FindAgent{CreatorID: &userID})
	if err != nil {
		return nil, err
	}
	if len(agents) == 0 {
		return nil, nil
	}
	return agents[0], nil
}

// retrieveContext embeds the merged text once and fans the vector out over
// the agent's highest-priority knowledge bases. A store without vector
// support degrades to no context instead of failing the turn.
func (h *Handler) retrieveContext(ctx context.Context, agent *store.Agent, credential *store.UserCredential, text string) ([]stage.ContextChunk, error) {
	links, err := h.store.ListAgentKBLinks(ctx, &store.FindAgentKBLink{AgentID: &agent.ID})
	if err != nil {
		return nil, errors.Wrap(err, "list kb links")
	}
	if len(links) == 0 {
		return nil, nil
	}
	sort.SliceStable(links, func(i, j int) bool { return links[i].Priority > links[j].Priority })
	if len(links) > maxKnowledgeBases {
		links = links[:maxKnowledgeBases]
	}

	embedder, err := h.embedder(credential.EmbeddingModel)
	if err != nil {
		return nil, errors.Wrap(err, "embedding service")
	}
	embedCtx, cancel := context.WithTimeout(ctx, embedTimeout)
	defer cancel()
	vectors, err := embedder.Embed(embedCtx, []string{text})
	if err != nil {
		return nil, errors.Wrap(err, "embed query")
	}
	vector := vectors[0]

	var matches []*store.ChunkMatch
	for _, link := range links {
		searchCtx, cancel := context.WithTimeout(ctx, searchTimeout)
		found, err := h.store.SearchChunks(searchCtx, vector, link.KnowledgeBaseID, perKBTopK)
		cancel()
		if err != nil {
			if errors.Is(err, store.ErrVectorUnsupported) {
				slog.Warn("vector search unavailable, replying without context",
					slog.Int("kb", int(link.KnowledgeBaseID)))
				return nil, nil
			}
			return nil, errors.Wrapf(err, "search kb %d", link.KnowledgeBaseID)
		}
		matches = append(matches, found...)
	}

	return h.hydrateMatches(ctx, rankMatches(matches))
}

// rankMatches dedups by chunk id (best score wins) and orders by score
// descending with deterministic tie-breaks, capped at maxContextChunks.
func rankMatches(matches []*store.ChunkMatch) []*store.ChunkMatch {
	best := make(map[int64]*store.ChunkMatch, len(matches))
	for _, m := range matches {
		if prev, ok := best[m.ChunkID]; !ok || m.Score > prev.Score {
			best[m.ChunkID] = m
		}
	}
	ranked := make([]*store.ChunkMatch, 0, len(best))
	for _, m := range best {
		ranked = append(ranked, m)
	}
	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.ChunkIndex != b.ChunkIndex {
			return a.ChunkIndex < b.ChunkIndex
		}
		return a.DocumentID < b.DocumentID
	})
	if len(ranked) > maxContextChunks {
		ranked = ranked[:maxContextChunks]
	}
	return ranked
}

// hydrateMatches loads chunk texts, silently dropping matches whose chunk
// was deleted between indexing and now.
func (h *Handler) hydrateMatches(ctx context.Context, ranked []*store.ChunkMatch) ([]stage.ContextChunk, error) {
	if len(ranked) == 0 {
		return nil, nil
	}
	ids := make([]int64, 0, len(ranked))
	for _, m := range ranked {
		ids = append(ids, m.ChunkID)
	}
	chunks, err := h.store.ListChunks(ctx, &store.FindChunk{IDList: ids})
	if err != nil {
		return nil, errors.Wrap(err, "hydrate chunks")
	}
	content := make(map[int64]string, len(chunks))
	for _, c := range chunks {
		content[c.ID] = c.Content
	}

	out := make([]stage.ContextChunk, 0, len(ranked))
	for _, m := range ranked {
		text, ok := content[m.ChunkID]
		if !ok {
			continue
		}
		out = append(out, stage.ContextChunk{
			Content:    text,
			ChunkID:    m.ChunkID,
			DocumentID: m.DocumentID,
			ChunkIndex: m.ChunkIndex,
			Score:      m.Score,
		})
	}
	return out, nil
}

// loadHistory returns the chat's recent tail in chronological order.
// Suppressed and failed rows are skipped: neither reached the other side.
func (h *Handler) loadHistory(ctx context.Context, chatKey store.ChatKey) ([]stage.HistoryEntry, error) {
	last := historyTail
	messages, err := h.store.ListMessages(ctx, &store.FindMessage{ChatKey: &chatKey, Last: &last})
	if err != nil {
		return nil, errors.Wrap(err, "list messages")
	}
	history := make([]stage.HistoryEntry, 0, len(messages))
	for _, m := range messages {
		if m.Status == store.MessageStatusSuppressed || m.Status == store.MessageStatusFailed {
			continue
		}
		history = append(history, stage.HistoryEntry{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	return history, nil
}

func (h *Handler) embedder(model string) (embedding.Service, error) {
	if model == "" {
		model = h.profile.EmbeddingModel
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if svc, ok := h.embedders[model]; ok {
		return svc, nil
	}
	svc, err := embedding.NewService(&embedding.Config{
		Provider:   h.profile.EmbeddingProvider,
		Model:      model,
		APIKey:     h.profile.EmbeddingAPIKey,
		BaseURL:    h.profile.EmbeddingBaseURL,
		Dimensions: h.profile.EmbeddingDimensions,
		Timeout:    int(embedTimeout.Seconds()),
	})
	if err != nil {
		return nil, err
	}
	h.embedders[model] = svc
	return svc, nil
}
