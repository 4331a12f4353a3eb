package humanize

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/hachiko-io/waflow/internal/crypto"
	"github.com/hachiko-io/waflow/internal/metrics"
	"github.com/hachiko-io/waflow/internal/profile"
	"github.com/hachiko-io/waflow/pipeline/intervention"
	"github.com/hachiko-io/waflow/pipeline/stage"
	"github.com/hachiko-io/waflow/plugin/waha"
	"github.com/hachiko-io/waflow/store"
)

const (
	maxSendAttempts = 3
	sendJitterMax   = 500 * time.Millisecond
)

// Sender is the slice of the WAHA client the reply stage drives.
type Sender interface {
	SendText(ctx context.Context, chatID, text string) (string, error)
	StartTyping(ctx context.Context, chatID string) error
	StopTyping(ctx context.Context, chatID string) error
}

// Handler delivers one assistant answer as paced WhatsApp messages and
// settles the assistant message row to its final status.
type Handler struct {
	store   *store.Store
	profile *profile.Profile
	metrics *metrics.Exporter
	gate    *intervention.Controller
	ledger  *stage.Ledger
	sealer  *crypto.Sealer

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rng      *rand.Rand

	// newSender and sleep are swapped in tests.
	newSender func(cfg *waha.Config) Sender
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewHandler(st *store.Store, p *profile.Profile, ex *metrics.Exporter, gate *intervention.Controller, ledger *stage.Ledger, sealer *crypto.Sealer) *Handler {
	return &Handler{
		store:    st,
		profile:  p,
		metrics:  ex,
		gate:     gate,
		ledger:   ledger,
		sealer:   sealer,
		limiters: map[string]*rate.Limiter{},
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		newSender: func(cfg *waha.Config) Sender {
			return waha.NewClient(cfg)
		},
		sleep: sleepCtx,
	}
}

// sendOutcome accumulates what the send loop managed to deliver.
type sendOutcome struct {
	sent []string
	errs []string
	// lastWAID is the WhatsApp id of the newest delivered segment. Acks
	// correlate against it: once the final segment is read, the reply is.
	lastWAID    string
	totalTyping time.Duration
	interrupted bool
}

func (h *Handler) Handle(ctx context.Context, req *stage.ReplyRequest) stage.Result {
	payload, err := json.Marshal(req)
	if err != nil {
		return stage.Permanent(errors.Wrap(err, "marshal payload"))
	}
	ticket, err := h.ledger.Begin(ctx, req.ChatKey, req.Turn, store.StageReply, payload)
	if err != nil {
		return stage.Transient(err)
	}
	if ticket == nil {
		return stage.OK()
	}

	logger := slog.With(
		slog.String("chatKey", string(req.ChatKey)),
		slog.Int("turn", int(req.Turn)))

	msg, res := h.assistantMessage(ctx, ticket, req)
	if res.Code != stage.CodeOK {
		return res
	}

	// Last gate check before anything reaches the wire.
	allow, reason, err := h.gate.ShouldAutoReply(ctx, req.ChatKey)
	if err != nil {
		return h.fail(ctx, ticket, err)
	}
	if !allow {
		if err := h.setMessageStatus(ctx, msg.ID, store.MessageStatusSuppressed); err != nil {
			return h.fail(ctx, ticket, err)
		}
		if err := h.ledger.Suppress(ctx, ticket); err != nil {
			logger.Error("ledger suppress failed", slog.String("error", err.Error()))
		}
		logger.Info("reply suppressed before send", slog.String("reason", reason))
		return stage.Suppress()
	}

	session, err := h.store.GetSessionByWAAccountID(ctx, req.WAAccountID)
	if err != nil {
		return h.fail(ctx, ticket, errors.Wrap(err, "load session"))
	}
	if session == nil {
		err := errors.Errorf("session for account %q no longer exists", req.WAAccountID)
		if lerr := h.ledger.Fail(ctx, ticket, err); lerr != nil {
			logger.Error("ledger fail failed", slog.String("error", lerr.Error()))
		}
		return stage.Permanent(err)
	}
	apiKey, err := h.sealer.Open(session.WahaAPIKey)
	if err != nil {
		err = errors.Wrap(err, "unseal waha key")
		if lerr := h.ledger.Fail(ctx, ticket, err); lerr != nil {
			logger.Error("ledger fail failed", slog.String("error", lerr.Error()))
		}
		return stage.Permanent(err)
	}

	text := intervention.SafetyTrim(req.AIResponse)
	segments := Segment(text)
	if len(segments) == 0 {
		logger.Warn("reply empty after safety trim, nothing to send")
		if err := h.setMessageStatus(ctx, msg.ID, store.MessageStatusSent); err != nil {
			return h.fail(ctx, ticket, err)
		}
		result, _ := json.Marshal(map[string]any{"segmentsTotal": 0, "segmentsSent": 0})
		if err := h.ledger.Complete(ctx, ticket, result); err != nil {
			logger.Error("ledger complete failed", slog.String("error", err.Error()))
		}
		return stage.OK()
	}

	beats := h.planRhythm(segments)
	sender := h.newSender(&waha.Config{
		BaseURL: session.WahaBaseURL,
		APIKey:  apiKey,
		Session: session.WAAccountID,
		Limiter: h.limiter(session.WAAccountID),
	})

	outcome := h.sendAll(ctx, sender, session, req.WhatsappChatID, segments, beats, logger)
	return h.settle(ctx, ticket, req, msg, segments, beats, outcome, logger)
}

// assistantMessage loads the pending row the infer stage committed.
func (h *Handler) assistantMessage(ctx context.Context, ticket *stage.Ticket, req *stage.ReplyRequest) (*store.Message, stage.Result) {
	role := store.MessageRoleAssistant
	messages, err := h.store.ListMessages(ctx, &store.FindMessage{
		ChatKey: &req.ChatKey,
		Turn:    &req.Turn,
		Role:    &role,
	})
	if err != nil {
		return nil, h.fail(ctx, ticket, errors.Wrap(err, "load assistant message"))
	}
	if len(messages) == 0 {
		err := errors.Errorf("assistant message missing at turn %d", req.Turn)
		if lerr := h.ledger.Fail(ctx, ticket, err); lerr != nil {
			slog.Error("ledger fail failed", slog.String("error", lerr.Error()))
		}
		return nil, stage.Permanent(err)
	}
	return messages[0], stage.OK()
}

func (h *Handler) sendAll(ctx context.Context, sender Sender, session *store.Session, chatID string, segments []string, beats []Beat, logger *slog.Logger) sendOutcome {
	var out sendOutcome
	for i, segment := range segments {
		beat := beats[i]
		if err := h.sleep(ctx, beat.Thinking); err != nil {
			out.interrupted = true
			return out
		}
		if session.TypingIndicator {
			if err := sender.StartTyping(ctx, chatID); err != nil {
				logger.Warn("startTyping failed", slog.String("error", err.Error()))
			}
			if err := h.sleep(ctx, beat.Typing); err != nil {
				out.interrupted = true
				return out
			}
			out.totalTyping += beat.Typing
			if err := sender.StopTyping(ctx, chatID); err != nil {
				logger.Warn("stopTyping failed", slog.String("error", err.Error()))
			}
		}
		if err := h.sleep(ctx, beat.Post); err != nil {
			out.interrupted = true
			return out
		}

		waID, err := h.sendWithRetry(ctx, sender, chatID, segment)
		if err != nil {
			out.errs = append(out.errs, errors.Wrapf(err, "segment %d", i+1).Error())
			if ctx.Err() != nil {
				out.interrupted = true
				return out
			}
			if i == 0 {
				// Nothing delivered; the rest would arrive out of nowhere.
				return out
			}
			continue
		}
		out.lastWAID = waID
		out.sent = append(out.sent, segment)
	}
	return out
}

func (h *Handler) sendWithRetry(ctx context.Context, sender Sender, chatID, text string) (string, error) {
	retryBase := time.Duration(h.profile.ReplyRetryDelayMs) * time.Millisecond
	if retryBase <= 0 {
		retryBase = time.Second
	}
	var lastErr error
	for attempt := 0; attempt < maxSendAttempts; attempt++ {
		waID, err := sender.SendText(ctx, chatID, text)
		if err == nil {
			h.metrics.RecordSendAttempt("ok")
			return waID, nil
		}
		h.metrics.RecordSendAttempt("error")
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt < maxSendAttempts-1 {
			delay := retryBase<<uint(attempt) + h.randomJitter(sendJitterMax)
			if err := h.sleep(ctx, delay); err != nil {
				break
			}
		}
	}
	return "", lastErr
}

// settle writes the final message status and job verdict for one delivery.
func (h *Handler) settle(ctx context.Context, ticket *stage.Ticket, req *stage.ReplyRequest, msg *store.Message, segments []string, beats []Beat, out sendOutcome, logger *slog.Logger) stage.Result {
	if out.interrupted && len(out.sent) == 0 {
		err := errors.New("delivery interrupted before any segment was sent")
		if len(out.errs) > 0 {
			err = errors.Errorf("delivery interrupted: %s", strings.Join(out.errs, "; "))
		}
		return h.fail(ctx, ticket, err)
	}

	creatorID := req.ChatKey.UserID()
	result, _ := json.Marshal(map[string]any{
		"segmentsTotal": len(segments),
		"segmentsSent":  len(out.sent),
		"totalTypingMs": out.totalTyping.Milliseconds(),
		"avgWpm":        averageWPM(beats),
		"errors":        out.errs,
	})

	switch {
	case len(out.sent) == len(segments):
		update := &store.UpdateMessage{ID: msg.ID}
		status := store.MessageStatusSent
		update.Status = &status
		if out.lastWAID != "" {
			update.WAMessageID = &out.lastWAID
		}
		if err := h.store.UpdateMessage(ctx, update); err != nil {
			return h.fail(ctx, ticket, errors.Wrap(err, "mark message sent"))
		}
		h.metrics.RecordReplyShape(len(segments), out.totalTyping)
		h.bumpUsage(ctx, creatorID, store.UsageRepliesSent, 1, logger)
		h.bumpUsage(ctx, creatorID, store.UsageSegmentsSent, int64(len(out.sent)), logger)
		if err := h.ledger.Complete(ctx, ticket, result); err != nil {
			logger.Error("ledger complete failed", slog.String("error", err.Error()))
		}
		return stage.OK()

	case len(out.sent) > 0:
		// The contact already saw part of the answer. Resending the whole
		// thing would read worse than stopping here, so the job settles.
		content := strings.Join(out.sent, "\n\n")
		update := &store.UpdateMessage{ID: msg.ID, Content: &content}
		status := store.MessageStatusPartial
		update.Status = &status
		if out.lastWAID != "" {
			update.WAMessageID = &out.lastWAID
		}
		if err := h.store.UpdateMessage(ctx, update); err != nil {
			return h.fail(ctx, ticket, errors.Wrap(err, "mark message partial"))
		}
		h.metrics.RecordReplyShape(len(out.sent), out.totalTyping)
		h.bumpUsage(ctx, creatorID, store.UsageSegmentsSent, int64(len(out.sent)), logger)
		h.bumpUsage(ctx, creatorID, store.UsageFailures, 1, logger)
		logger.Warn("reply delivered partially",
			slog.Int("sent", len(out.sent)),
			slog.Int("total", len(segments)))
		if err := h.ledger.Complete(ctx, ticket, result); err != nil {
			logger.Error("ledger complete failed", slog.String("error", err.Error()))
		}
		return stage.OK()

	default:
		if err := h.setMessageStatus(ctx, msg.ID, store.MessageStatusFailed); err != nil {
			logger.Error("mark message failed errored", slog.String("error", err.Error()))
		}
		h.bumpUsage(ctx, creatorID, store.UsageFailures, 1, logger)
		err := errors.Errorf("no segment delivered: %s", strings.Join(out.errs, "; "))
		return h.fail(ctx, ticket, err)
	}
}

func (h *Handler) fail(ctx context.Context, ticket *stage.Ticket, cause error) stage.Result {
	if err := h.ledger.Fail(ctx, ticket, cause); err != nil {
		slog.Error("ledger fail failed", slog.String("error", err.Error()))
	}
	return stage.Transient(cause)
}

func (h *Handler) setMessageStatus(ctx context.Context, id int64, status store.MessageStatus) error {
	return h.store.UpdateMessage(ctx, &store.UpdateMessage{ID: id, Status: &status})
}

func (h *Handler) bumpUsage(ctx context.Context, creatorID int32, metric string, delta int64, logger *slog.Logger) {
	if err := h.store.BumpUsage(ctx, creatorID, metric, delta); err != nil {
		logger.Warn("usage stat failed", slog.String("metric", metric), slog.String("error", err.Error()))
	}
}

// limiter returns the shared per-account send limiter so rebuilt clients
// keep one send budget per WhatsApp account.
func (h *Handler) limiter(waAccountID string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	if l, ok := h.limiters[waAccountID]; ok {
		return l
	}
	rps := h.profile.WAHARateLimitRPS
	if rps <= 0 {
		rps = 1
	}
	burst := h.profile.WAHARateBurst
	if burst <= 0 {
		burst = 3
	}
	l := rate.NewLimiter(rate.Limit(rps), burst)
	h.limiters[waAccountID] = l
	return l
}

func (h *Handler) planRhythm(segments []string) []Beat {
	h.mu.Lock()
	defer h.mu.Unlock()
	return PlanRhythm(h.rng, segments)
}

func (h *Handler) randomJitter(max time.Duration) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return time.Duration(h.rng.Int63n(int64(max)))
}

func averageWPM(beats []Beat) float64 {
	if len(beats) == 0 {
		return 0
	}
	var sum float64
	for _, b := range beats {
		sum += b.WPM
	}
	return sum / float64(len(beats))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
