package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/chatwarden/warden/automod/event"
)

type NoticeKind string

const (
	NoticeBan               NoticeKind = "ban"
	NoticeReview            NoticeKind = "review"
	NoticeSuspiciousAvatar  NoticeKind = "suspicious-avatar"
	NoticeClassifierFailure NoticeKind = "classifier-failure"
	NoticeExternalBurst     NoticeKind = "external-failure-burst"
	NoticePersistenceBurst  NoticeKind = "persistence-failure-burst"
)

// Whether notices of this kind are subject to the notification rate limit.
func (k NoticeKind) Throttled() bool {
	return k == NoticeClassifierFailure
}

// A message for chat admins.
type Notice struct {
	Kind     NoticeKind
	ChatID   string
	UserID   string
	Text     string
	Decision *event.Decision
}

// Interface for a type that can handle sending admin notifications
type Notifier interface {
	SendNotice(ctx context.Context, n Notice) error
}

// Writes notices to the log. Used when no other notifier is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n *LogNotifier) SendNotice(ctx context.Context, notice Notice) error {
	n.Logger.Warn("admin notice", "kind", notice.Kind, "chat", notice.ChatID, "user", notice.UserID, "text", notice.Text)
	return nil
}

// Sends a notice through the configured notifier. Throttled kinds are dropped (and logged) when over the rate limit.
func (eng *Engine) notify(ctx context.Context, n Notice) {
	if n.Kind.Throttled() && eng.NotifyLimiter != nil && !eng.NotifyLimiter.Allow() {
		noticeCount.WithLabelValues(string(n.Kind), "throttled").Inc()
		eng.Logger.Info("admin notice throttled", "kind", n.Kind, "chat", n.ChatID, "user", n.UserID)
		return
	}
	if eng.Notifier == nil {
		return
	}
	if err := eng.Notifier.SendNotice(ctx, n); err != nil {
		noticeCount.WithLabelValues(string(n.Kind), "error").Inc()
		eng.Logger.Error("sending admin notice", "kind", n.Kind, "err", err)
		return
	}
	noticeCount.WithLabelValues(string(n.Kind), "sent").Inc()
}

func noticeBody(header string, n Notice) string {
	var sb strings.Builder
	sb.WriteString(header)
	if n.ChatID != "" {
		fmt.Fprintf(&sb, "chat `%s` / user `%s`\n", n.ChatID, n.UserID)
	}
	if n.Text != "" {
		sb.WriteString(n.Text)
		sb.WriteString("\n")
	}
	if d := n.Decision; d != nil {
		fmt.Fprintf(&sb, "Action: `%s`", d.Action)
		if d.Reason != "" {
			fmt.Fprintf(&sb, " (%s)", d.Reason)
		}
		sb.WriteString("\n")
		if d.Verdict != nil {
			fmt.Fprintf(&sb, "Verdict: `%s` from `%s` at %.2f\n", d.Verdict.Label, d.Verdict.Stage, d.Verdict.Confidence)
		}
		fmt.Fprintf(&sb, "Violations: %d\n", d.User.Violations)
	}
	return sb.String()
}
