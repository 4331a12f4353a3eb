package v1

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hachiko-io/waflow/internal/cache"
	"github.com/hachiko-io/waflow/internal/crypto"
	"github.com/hachiko-io/waflow/internal/metrics"
	"github.com/hachiko-io/waflow/pipeline/intervention"
	"github.com/hachiko-io/waflow/pipeline/merger"
	"github.com/hachiko-io/waflow/plugin/filter"
	"github.com/hachiko-io/waflow/plugin/notifier"
	"github.com/hachiko-io/waflow/plugin/waha"
	"github.com/hachiko-io/waflow/store"
)

const (
	dedupTTL        = 24 * time.Hour
	dedupCacheSize  = 8192
	dispatchTimeout = 30 * time.Second
)

// WebhookService is the WAHA ingress. It verifies, deduplicates and acks
// deliveries synchronously, then fans the event out on a detached context
// so the gateway never waits on the pipeline.
type WebhookService struct {
	Store    *store.Store
	Metrics  *metrics.Exporter
	Sealer   *crypto.Sealer
	Merger   *merger.Merger
	Gate     *intervention.Controller
	Filter   *filter.Engine
	Notifier *notifier.Telegram

	dedup    *cache.LRU[string, struct{}]
	dispatch func(session *store.Session, env *waha.WebhookEnvelope)
}

func NewWebhookService(st *store.Store, ex *metrics.Exporter, sealer *crypto.Sealer, mg *merger.Merger, gate *intervention.Controller, tg *notifier.Telegram) *WebhookService {
	s := &WebhookService{
		Store:    st,
		Metrics:  ex,
		Sealer:   sealer,
		Merger:   mg,
		Gate:     gate,
		Filter:   filter.NewEngine(),
		Notifier: tg,
		dedup:    cache.New[string, struct{}](dedupCacheSize, dedupTTL),
	}
	s.dispatch = func(session *store.Session, env *waha.WebhookEnvelope) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
			defer cancel()
			s.process(ctx, session, env)
		}()
	}
	return s
}

// Handle acknowledges one WAHA delivery. Only signature verification and
// dedup happen before the 200; everything else runs detached.
func (s *WebhookService) Handle(c echo.Context) error {
	ctx := c.Request().Context()
	waAccountID := c.Param("waAccountId")

	session, err := s.Store.GetSessionByWAAccountID(ctx, waAccountID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to resolve account")
	}
	if session == nil {
		s.Metrics.RecordWebhookEvent("unknown", "unknown_account")
		return echo.NewHTTPError(http.StatusNotFound, "unknown account")
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}

	secret, err := s.Sealer.Open(session.WebhookSecret)
	if err != nil {
		slog.Error("webhook secret unreadable", slog.String("waAccountId", waAccountID), slog.String("error", err.Error()))
		return echo.NewHTTPError(http.StatusInternalServerError, "account misconfigured")
	}
	if !verifySignature(body, secret, c.Request().Header) {
		s.Metrics.RecordWebhookEvent("unknown", "bad_signature")
		return echo.NewHTTPError(http.StatusUnauthorized, "signature mismatch")
	}

	var env waha.WebhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed payload")
	}

	requestID := c.Response().Header().Get(echo.HeaderXRequestID)
	if s.seen(ctx, waAccountID, &env) {
		s.Metrics.RecordDedupHit()
		return c.JSON(http.StatusOK, map[string]any{"success": true, "duplicate": true, "requestId": requestID})
	}

	s.dispatch(session, &env)
	return c.JSON(http.StatusOK, map[string]any{"success": true, "requestId": requestID})
}

// seen dedups by payload.id with a waAccountId:timestamp fallback, first
// through the in-process cache, then through the durable webhook_event
// table. A store outage degrades dedup to the cache alone.
func (s *WebhookService) seen(ctx context.Context, waAccountID string, env *waha.WebhookEnvelope) bool {
	var probe struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(env.Payload, &probe)
	eventID := probe.ID
	if eventID == "" {
		eventID = fmt.Sprintf("%s:%d", waAccountID, env.Timestamp)
	}

	if s.dedup.Contains(eventID) {
		return true
	}
	inserted, err := s.Store.InsertWebhookEvent(ctx, &store.WebhookEvent{
		EventID:     eventID,
		WAAccountID: waAccountID,
		ReceivedTs:  time.Now().Unix(),
	})
	if err != nil {
		slog.Warn("webhook dedup store unavailable", slog.String("eventId", eventID), slog.String("error", err.Error()))
		s.dedup.Set(eventID, struct{}{}, 0)
		return false
	}
	s.dedup.Set(eventID, struct{}{}, 0)
	return !inserted
}

func (s *WebhookService) process(ctx context.Context, session *store.Session, env *waha.WebhookEnvelope) {
	switch {
	case env.Event == waha.EventMessage:
		s.handleMessage(ctx, session, env.Payload)
	case env.Event == waha.EventSessionStatus:
		s.handleSessionStatus(ctx, session, env.Payload)
	case env.Event == waha.EventMessageAck:
		s.handleAck(ctx, env.Payload)
	case strings.HasPrefix(env.Event, "call"):
		slog.Info("ignoring call event", slog.String("waAccountId", session.WAAccountID), slog.String("event", env.Event))
		s.Metrics.RecordWebhookEvent(env.Event, "ignored")
	default:
		slog.Debug("ignoring webhook event", slog.String("event", env.Event))
		s.Metrics.RecordWebhookEvent(env.Event, "ignored")
	}
}

func (s *WebhookService) handleMessage(ctx context.Context, session *store.Session, raw json.RawMessage) {
	var msg waha.MessagePayload
	if err := json.Unmarshal(raw, &msg); err != nil {
		slog.Warn("message payload malformed", slog.String("waAccountId", session.WAAccountID), slog.String("error", err.Error()))
		s.Metrics.RecordWebhookEvent(waha.EventMessage, "malformed")
		return
	}
	chatID := msg.ChatID()
	if chatID == "" {
		s.Metrics.RecordWebhookEvent(waha.EventMessage, "malformed")
		return
	}
	logger := slog.With(slog.String("waAccountId", session.WAAccountID), slog.String("chatId", chatID))

	if session.FilterExpr != "" {
		allow, err := s.Filter.Allow(session.FilterExpr, &filter.Message{
			Body:     msg.Body,
			ChatID:   chatID,
			FromMe:   msg.FromMe,
			HasMedia: msg.HasMedia,
		})
		if err != nil {
			logger.Warn("ingress filter failed open", slog.String("error", err.Error()))
		}
		if !allow {
			s.Metrics.RecordWebhookEvent(waha.EventMessage, "filtered")
			return
		}
	}

	chatKey := store.BuildChatKey(session.CreatorID, session.WAAccountID, chatID)

	// Punctuation commands run before the message reaches the gate, so a
	// trailing comma suppresses the reply to its own message. Operator
	// messages (fromMe) carry commands too.
	if action, err := s.Gate.ApplyPunctuation(ctx, chatKey, msg.Body); err != nil {
		logger.Warn("punctuation command failed", slog.String("error", err.Error()))
	} else if action != "" {
		logger.Info("punctuation command applied", slog.String("action", string(action)))
	}

	if msg.FromMe {
		s.Metrics.RecordWebhookEvent(waha.EventMessage, "from_me")
		return
	}

	ts := msg.Timestamp
	if ts <= 0 {
		ts = time.Now().Unix()
	}
	err := s.Merger.Submit(ctx, merger.IncomingMessage{
		ChatKey:     chatKey,
		AgentID:     session.AgentID,
		Text:        msg.Body,
		SessionID:   session.ID,
		WindowMs:    session.MergeWindowMs,
		TimestampMs: ts * 1000,
		HasMedia:    msg.HasMedia,
	})
	if err != nil {
		logger.Error("merge submit failed", slog.String("error", err.Error()))
		s.Metrics.RecordWebhookEvent(waha.EventMessage, "error")
		return
	}
	if err := s.Store.BumpUsage(ctx, session.CreatorID, store.UsageMessagesIn, 1); err != nil {
		logger.Warn("usage bump failed", slog.String("error", err.Error()))
	}
	s.Metrics.RecordWebhookEvent(waha.EventMessage, "dispatched")
}

func (s *WebhookService) handleSessionStatus(ctx context.Context, session *store.Session, raw json.RawMessage) {
	var payload waha.SessionStatusPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		slog.Warn("status payload malformed", slog.String("waAccountId", session.WAAccountID), slog.String("error", err.Error()))
		s.Metrics.RecordWebhookEvent(waha.EventSessionStatus, "malformed")
		return
	}

	status := store.SessionStatus(waha.NormalizeStatus(payload.Status))
	if _, err := s.Store.UpdateSession(ctx, &store.UpdateSession{ID: session.ID, ConnectionStatus: &status}); err != nil {
		slog.Error("session status update failed", slog.String("waAccountId", session.WAAccountID), slog.String("error", err.Error()))
		s.Metrics.RecordWebhookEvent(waha.EventSessionStatus, "error")
		return
	}
	slog.Info("session status changed",
		slog.String("waAccountId", session.WAAccountID),
		slog.String("status", string(status)),
	)
	if status == store.SessionStatusFailed || status == store.SessionStatusScanQR {
		s.Notifier.SessionStatus(session.Name, session.WAAccountID, string(status))
	}
	s.Metrics.RecordWebhookEvent(waha.EventSessionStatus, "ok")
}

// handleAck is best-effort: ack updates for unknown message ids are normal
// because operator messages never enter the message table.
func (s *WebhookService) handleAck(ctx context.Context, raw json.RawMessage) {
	var payload waha.AckPayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.ID == "" {
		s.Metrics.RecordWebhookEvent(waha.EventMessageAck, "malformed")
		return
	}
	if err := s.Store.UpdateMessageAck(ctx, payload.ID, payload.Ack); err != nil {
		slog.Warn("ack update failed", slog.String("waMessageId", payload.ID), slog.String("error", err.Error()))
		s.Metrics.RecordWebhookEvent(waha.EventMessageAck, "error")
		return
	}
	s.Metrics.RecordWebhookEvent(waha.EventMessageAck, "ok")
}

// verifySignature checks HMAC-SHA256(body, secret) against the
// x-hub-signature-256 header ("sha256=<hex>") or x-signature (raw hex).
func verifySignature(body []byte, secret string, header http.Header) bool {
	provided := header.Get("x-hub-signature-256")
	if provided == "" {
		provided = header.Get("x-signature")
	}
	provided = strings.TrimPrefix(strings.TrimSpace(provided), "sha256=")
	got, err := hex.DecodeString(provided)
	if err != nil || len(got) == 0 {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), got)
}
