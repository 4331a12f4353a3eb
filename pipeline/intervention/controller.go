// Package intervention implements the dual-layer auto-reply kill switch:
// a session-wide toggle that dominates, and a per-conversation toggle
// underneath it. Operators flip either through the API; chat participants
// flip the conversation layer with trailing punctuation.
package intervention

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hachiko-io/waflow/store"
)

// ActorPunctuation marks audit entries triggered from inside the chat
// rather than through the API.
const ActorPunctuation = "punctuation"

// Gate reasons returned by ShouldAutoReply.
const (
	ReasonSessionPaused      = "session_paused"
	ReasonConversationPaused = "conversation_paused"
	ReasonSessionMissing     = "session_missing"
)

type Controller struct {
	store *store.Store
}

func NewController(st *store.Store) *Controller {
	return &Controller{store: st}
}

// ShouldAutoReply decides whether the pipeline may answer this chat right
// now. Session state dominates; otherwise the conversation row decides and
// a missing row counts as allowed.
func (c *Controller) ShouldAutoReply(ctx context.Context, chatKey store.ChatKey) (bool, string, error) {
	_, waAccountID, _, err := chatKey.Parts()
	if err != nil {
		return false, "", err
	}
	session, err := c.store.GetSessionByWAAccountID(ctx, waAccountID)
	if err != nil {
		return false, "", errors.Wrap(err, "load session")
	}
	if session == nil {
		return false, ReasonSessionMissing, nil
	}
	if !session.AutoReply {
		return false, ReasonSessionPaused, nil
	}
	conversation, err := c.store.GetConversation(ctx, chatKey)
	if err != nil {
		return false, "", errors.Wrap(err, "load conversation")
	}
	if conversation != nil && !conversation.AutoReply {
		return false, ReasonConversationPaused, nil
	}
	return true, "", nil
}

func (c *Controller) PauseSession(ctx context.Context, sessionID int32, actor string) error {
	return c.setSession(ctx, sessionID, false, actor)
}

func (c *Controller) ResumeSession(ctx context.Context, sessionID int32, actor string) error {
	return c.setSession(ctx, sessionID, true, actor)
}

func (c *Controller) PauseConversation(ctx context.Context, chatKey store.ChatKey, actor string) error {
	return c.setConversation(ctx, chatKey, false, actor)
}

func (c *Controller) ResumeConversation(ctx context.Context, chatKey store.ChatKey, actor string) error {
	return c.setConversation(ctx, chatKey, true, actor)
}

// ApplyPunctuation executes the in-chat side channel for one inbound text:
// a trailing comma pauses the conversation, a trailing period resumes it.
// Callers run this before consulting the gate so a "stop," suppresses its
// own reply. Returns the action applied, or "" for a no-op.
func (c *Controller) ApplyPunctuation(ctx context.Context, chatKey store.ChatKey, text string) (store.InterventionAction, error) {
	switch trailingRune(text) {
	case ',', '，':
		if err := c.PauseConversation(ctx, chatKey, ActorPunctuation); err != nil {
			return "", err
		}
		return store.InterventionConversationPause, nil
	case '.', '。':
		if err := c.ResumeConversation(ctx, chatKey, ActorPunctuation); err != nil {
			return "", err
		}
		return store.InterventionConversationResume, nil
	}
	return "", nil
}

// SafetyTrim strips exactly one trailing intervention rune from outbound
// assistant text, so the agent cannot pause or resume its own chat.
func SafetyTrim(text string) string {
	trimmed := strings.TrimSpace(text)
	switch trailingRune(trimmed) {
	case ',', '，', '.', '。':
		runes := []rune(trimmed)
		return string(runes[:len(runes)-1])
	}
	return trimmed
}

func trailingRune(text string) rune {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	runes := []rune(trimmed)
	return runes[len(runes)-1]
}

func (c *Controller) setSession(ctx context.Context, sessionID int32, allow bool, actor string) error {
	session, err := c.store.GetSession(ctx, &store.FindSession{ID: &sessionID})
	if err != nil {
		return errors.Wrap(err, "load session")
	}
	if session == nil {
		return errors.Wrapf(store.ErrNotFound, "session %d", sessionID)
	}
	if session.AutoReply == allow {
		return nil
	}

	now := time.Now().Unix()
	if _, err := c.store.UpdateSession(ctx, &store.UpdateSession{
		ID:        sessionID,
		AutoReply: &allow,
		UpdatedTs: &now,
	}); err != nil {
		return errors.Wrap(err, "update session auto-reply")
	}

	action := store.InterventionSessionPause
	if allow {
		action = store.InterventionSessionResume
	}
	c.audit(ctx, action, fmt.Sprintf("session:%d", sessionID), actor)
	return nil
}

func (c *Controller) setConversation(ctx context.Context, chatKey store.ChatKey, allow bool, actor string) error {
	_, waAccountID, _, err := chatKey.Parts()
	if err != nil {
		return err
	}
	session, err := c.store.GetSessionByWAAccountID(ctx, waAccountID)
	if err != nil {
		return errors.Wrap(err, "load session")
	}
	if session == nil {
		return errors.Wrapf(store.ErrNotFound, "no session for account %s", waAccountID)
	}

	prev := true
	conversation, err := c.store.GetConversation(ctx, chatKey)
	if err != nil {
		return errors.Wrap(err, "load conversation")
	}
	if conversation != nil {
		prev = conversation.AutoReply
	}
	if conversation != nil && prev == allow {
		return nil
	}

	// Upsert so a pause lands even before the first flush created the row.
	if _, err := c.store.UpsertConversation(ctx, &store.UpsertConversation{
		ChatKey:   chatKey,
		SessionID: session.ID,
		AutoReply: &allow,
	}); err != nil {
		return errors.Wrap(err, "upsert conversation auto-reply")
	}

	if prev != allow {
		action := store.InterventionConversationPause
		if allow {
			action = store.InterventionConversationResume
		}
		c.audit(ctx, action, string(chatKey), actor)
	}
	return nil
}

// audit appends the trail entry. Failures are logged and never block the
// state change itself.
func (c *Controller) audit(ctx context.Context, action store.InterventionAction, target, actor string) {
	err := c.store.CreateInterventionAudit(ctx, &store.InterventionAuditEntry{
		Action:    action,
		Target:    target,
		Actor:     actor,
		CreatedTs: time.Now().Unix(),
	})
	if err != nil {
		slog.Warn("intervention audit write failed",
			slog.String("action", string(action)),
			slog.String("target", target),
			slog.String("error", err.Error()))
	}
}
