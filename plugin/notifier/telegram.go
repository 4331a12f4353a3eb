// Package notifier sends operational alerts to a Telegram chat. It is
// optional wiring; a nil *Telegram is safe to call.
package notifier

import (
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram posts short ops alerts. Errors are logged, never propagated;
// alerting must not disturb the pipeline.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegram returns nil when token or chatID is unset, which disables
// alerting without any call-site branching.
func NewTelegram(token string, chatID int64) *Telegram {
	if token == "" || chatID == 0 {
		return nil
	}

	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		slog.Warn("telegram notifier disabled", slog.String("error", err.Error()))
		return nil
	}
	slog.Info("telegram notifier enabled", slog.String("bot", bot.Self.UserName))

	return &Telegram{bot: bot, chatID: chatID}
}

// Alert sends one formatted line to the ops chat.
func (t *Telegram) Alert(format string, args ...any) {
	if t == nil {
		return
	}

	msg := tgbotapi.NewMessage(t.chatID, fmt.Sprintf(format, args...))
	if _, err := t.bot.Send(msg); err != nil {
		slog.Warn("telegram alert failed", slog.String("error", err.Error()))
	}
}

// SessionStatus reports a WhatsApp session transition worth waking
// an operator for.
func (t *Telegram) SessionStatus(sessionName, waAccountID, status string) {
	t.Alert("⚠️ session %q (%s) entered status %s", sessionName, waAccountID, status)
}
