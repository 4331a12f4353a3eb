// Package infer implements the second pipeline stage: prompting the
// tenant's LLM provider and committing the user/assistant exchange.
package infer

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"

	"github.com/hachiko-io/waflow/ai/llm"
	"github.com/hachiko-io/waflow/internal/crypto"
	"github.com/hachiko-io/waflow/internal/metrics"
	"github.com/hachiko-io/waflow/internal/profile"
	"github.com/hachiko-io/waflow/pipeline/intervention"
	"github.com/hachiko-io/waflow/pipeline/queue"
	"github.com/hachiko-io/waflow/pipeline/stage"
	"github.com/hachiko-io/waflow/store"
)

type Handler struct {
	store   *store.Store
	profile *profile.Profile
	metrics *metrics.Exporter
	gate    *intervention.Controller
	ledger  *stage.Ledger
	sealer  *crypto.Sealer
	out     *queue.Queue[stage.ReplyRequest]

	// newChat builds the provider client; swapped in tests.
	newChat func(cfg *llm.Config) (llm.Service, error)
}

func NewHandler(st *store.Store, p *profile.Profile, ex *metrics.Exporter, gate *intervention.Controller, ledger *stage.Ledger, sealer *crypto.Sealer, out *queue.Queue[stage.ReplyRequest]) *Handler {
	return &Handler{
		store:   st,
		profile: p,
		metrics: ex,
		gate:    gate,
		ledger:  ledger,
		sealer:  sealer,
		out:     out,
		newChat: llm.NewService,
	}
}

func (h *Handler) Handle(ctx context.Context, req *stage.InferRequest) stage.Result {
	payload, err := json.Marshal(req)
	if err != nil {
		return stage.Permanent(errors.Wrap(err, "marshal payload"))
	}
	ticket, err := h.ledger.Begin(ctx, req.ChatKey, req.Turn, store.StageInfer, payload)
	if err != nil {
		return stage.Transient(err)
	}
	if ticket == nil {
		return stage.OK()
	}

	logger := slog.With(
		slog.String("chatKey", string(req.ChatKey)),
		slog.Int("turn", int(req.Turn)))

	// The chat may have been paused while this request sat in the queue.
	allow, reason, err := h.gate.ShouldAutoReply(ctx, req.ChatKey)
	if err != nil {
		return h.fail(ctx, ticket, err)
	}
	if !allow {
		if err := h.store.RecordSuppressedTurn(ctx, req.ChatKey, req.UserMessage, req.Turn); err != nil {
			return h.fail(ctx, ticket, errors.Wrap(err, "record suppressed turn"))
		}
		if err := h.ledger.Suppress(ctx, ticket); err != nil {
			logger.Error("ledger suppress failed", slog.String("error", err.Error()))
		}
		logger.Info("turn suppressed before inference", slog.String("reason", reason))
		return stage.Suppress()
	}

	chat, res := h.chatService(ctx, req)
	if res.Code != stage.CodeOK {
		if err := h.ledger.Fail(ctx, ticket, res.Err); err != nil {
			logger.Error("ledger fail failed", slog.String("error", err.Error()))
		}
		return res
	}

	start := time.Now()
	content, stats, err := chat.Chat(ctx, promptMessages(req))
	if err != nil {
		res := classifyProviderError(err)
		if lerr := h.ledger.Fail(ctx, ticket, err); lerr != nil {
			logger.Error("ledger fail failed", slog.String("error", lerr.Error()))
		}
		return res
	}
	if content == "" {
		return h.fail(ctx, ticket, errors.New("provider returned empty content"))
	}
	if stats == nil {
		stats = &llm.CallStats{TotalDurationMs: time.Since(start).Milliseconds()}
	}

	model := h.resolveModel(req.Agent)
	h.metrics.RecordLLMUsage(model, stats.PromptTokens, stats.CompletionTokens, time.Since(start))

	userCreated := req.TimestampMs / 1000
	if userCreated <= 0 {
		userCreated = time.Now().Unix()
	}
	_, assistantMsg, err := h.store.CreateExchange(ctx, &store.ExchangeBatch{
		ChatKey:          req.ChatKey,
		UserContent:      req.UserMessage,
		AssistantContent: content,
		Turn:             req.Turn,
		UserCreatedTs:    userCreated,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateTurn) {
			return h.replayExisting(ctx, ticket, req, logger)
		}
		return h.fail(ctx, ticket, errors.Wrap(err, "persist exchange"))
	}

	if err := h.dispatchReply(ctx, req, assistantMsg.Content, stage.ReplyMetadata{
		Model:           model,
		TokensUsed:      int32(stats.TotalTokens),
		AgentID:         req.Agent.AgentID,
		InferenceTimeMs: stats.TotalDurationMs,
	}); err != nil {
		// The exchange is committed; the retry lands on the duplicate-turn
		// replay path and re-dispatches without a second provider call.
		return h.fail(ctx, ticket, err)
	}

	creatorID := req.ChatKey.UserID()
	if err := h.store.BumpUsage(ctx, creatorID, store.UsageInferences, 1); err != nil {
		logger.Warn("usage stat failed", slog.String("error", err.Error()))
	}
	if stats.TotalTokens > 0 {
		if err := h.store.BumpUsage(ctx, creatorID, store.UsageTokensUsed, int64(stats.TotalTokens)); err != nil {
			logger.Warn("usage stat failed", slog.String("error", err.Error()))
		}
	}

	result, _ := json.Marshal(map[string]any{
		"model":           model,
		"totalTokens":     stats.TotalTokens,
		"inferenceTimeMs": stats.TotalDurationMs,
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

// replayExisting recovers a redelivery that lost the race against its own
// earlier attempt: the exchange is already committed, so the only open
// question is whether the reply was dispatched. A pending assistant row
// means it was not.
func (h *Handler) replayExisting(ctx context.Context, ticket *stage.Ticket, req *stage.InferRequest, logger *slog.Logger) stage.Result {
	assistantTurn := req.Turn + 1
	role := store.MessageRoleAssistant
	messages, err := h.store.ListMessages(ctx, &store.FindMessage{
		ChatKey: &req.ChatKey,
		Turn:    &assistantTurn,
		Role:    &role,
	})
	if err != nil {
		return h.fail(ctx, ticket, errors.Wrap(err, "load existing assistant message"))
	}

	replayed := false
	if len(messages) > 0 && messages[0].Status == store.MessageStatusPending {
		if err := h.dispatchReply(ctx, req, messages[0].Content, stage.ReplyMetadata{
			Model:   h.resolveModel(req.Agent),
			AgentID: req.Agent.AgentID,
		}); err != nil {
			return h.fail(ctx, ticket, err)
		}
		replayed = true
	}

	logger.Warn("duplicate turn absorbed", slog.Bool("replyRedispatched", replayed))
	result, _ := json.Marshal(map[string]bool{"duplicateTurn": true, "replyRedispatched": replayed})
	if err := h.ledger.Complete(ctx, ticket, result); err != nil {
		logger.Error("ledger complete failed", slog.String("error", err.Error()))
	}
	return stage.OK()
}

func (h *Handler) dispatchReply(ctx context.Context, req *stage.InferRequest, content string, meta stage.ReplyMetadata) error {
	_, waAccountID, whatsappChatID, err := req.ChatKey.Parts()
	if err != nil {
		return err
	}
	return h.out.Enqueue(ctx, req.ChatKey, req.Turn+1, &stage.ReplyRequest{
		ChatKey:        req.ChatKey,
		AIResponse:     content,
		WAAccountID:    waAccountID,
		WhatsappChatID: whatsappChatID,
		Metadata:       meta,
		SessionID:      req.SessionID,
		Turn:           req.Turn + 1,
	})
}

// chatService builds the provider client from the tenant's sealed
// credential. The decrypted key lives only for this call.
func (h *Handler) chatService(ctx context.Context, req *stage.InferRequest) (llm.Service, stage.Result) {
	creatorID := req.ChatKey.UserID()
	credential, err := h.store.GetUserCredential(ctx, &store.FindUserCredential{CreatorID: creatorID})
	if err != nil {
		return nil, stage.Transient(errors.Wrap(err, "load credential"))
	}
	if credential == nil || credential.LLMAPIKey == "" {
		// The credential existed when retrieve ran; it being gone now means
		// the tenant removed it. Retrying cannot bring it back.
		return nil, stage.Permanent(errors.Errorf("tenant %d has no LLM credential", creatorID))
	}
	apiKey, err := h.sealer.Open(credential.LLMAPIKey)
	if err != nil {
		// A key that no longer decrypts needs operator attention.
		return nil, stage.Permanent(errors.Wrap(err, "unseal credential"))
	}

	provider := credential.LLMProvider
	if provider == "" {
		provider = h.profile.LLMProvider
	}
	baseURL := credential.LLMBaseURL
	if baseURL == "" {
		baseURL = h.profile.LLMBaseURL
	}
	maxTokens := int(req.Agent.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = h.profile.LLMMaxTokens
	}
	temperature := float32(req.Agent.Temperature)
	if temperature <= 0 {
		temperature = float32(h.profile.LLMTemperature)
	}

	chat, err := h.newChat(&llm.Config{
		Provider:    provider,
		Model:       h.resolveModel(req.Agent),
		APIKey:      apiKey,
		BaseURL:     baseURL,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
	if err != nil {
		return nil, stage.Transient(errors.Wrap(err, "build llm service"))
	}
	return chat, stage.OK()
}

func (h *Handler) resolveModel(agent stage.AgentConfig) string {
	if agent.Model != "" {
		return agent.Model
	}
	return h.profile.LLMModel
}

// classifyProviderError separates provider failures retries can fix from
// those they cannot. Auth and malformed-request errors park the message;
// rate limits, 5xx, and transport errors requeue it.
func classifyProviderError(err error) stage.Result {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusBadRequest:
			return stage.Permanent(err)
		}
		return stage.Transient(err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		switch reqErr.HTTPStatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusBadRequest:
			return stage.Permanent(err)
		}
	}
	return stage.Transient(err)
}
