package platform

import (
	"context"
	"log/slog"

	"github.com/chatwarden/warden/automod/event"
)

// Executor which only logs what it would have done. Used for dry runs ("read-only" mode).
type LogExecutor struct {
	Logger *slog.Logger
}

func (l *LogExecutor) Execute(ctx context.Context, d event.Decision) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("skipping platform action (read-only)",
		"action", d.Action,
		"chat", d.User.ChatID,
		"user", d.User.UserID,
		"message", d.MessageID,
		"deleteMessage", d.DeleteMessage,
		"muteFor", d.MuteFor,
		"kick", d.Kick,
		"reason", d.Reason,
	)
	return nil
}
