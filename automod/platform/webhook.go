package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/chatwarden/warden/automod/event"
	"github.com/chatwarden/warden/util"

	"github.com/carlmjohnson/versioninfo"
)

// Hands decisions to a chat platform binding over HTTP: each non-trivial decision is POSTed as JSON to a single endpoint.
//
// Moderation actions are not idempotent (a repeated mute doubles up on some platforms), so the client does not retry. The engine makes its own single retry on failure.
type WebhookExecutor struct {
	URL    string
	Token  string
	Client *http.Client
	Logger *slog.Logger
}

func NewWebhookExecutor(url, token string, logger *slog.Logger) *WebhookExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookExecutor{
		URL:    url,
		Token:  token,
		Client: util.PlainHTTPClient(10 * time.Second),
		Logger: logger.With("component", "platform-webhook"),
	}
}

// JSON body sent to the platform binding.
type ActionRequest struct {
	Decision event.Decision `json:"decision"`
	// Mute duration in whole seconds, for bindings which do not parse Go durations.
	MuteSeconds int64 `json:"mute_seconds,omitempty"`
}

func (w *WebhookExecutor) Execute(ctx context.Context, d event.Decision) error {
	body, err := json.Marshal(ActionRequest{Decision: d, MuteSeconds: int64(d.MuteFor / time.Second)})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "warden/"+versioninfo.Short())
	if w.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.Token)
	}

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		webhookRequestCount.WithLabelValues("error").Inc()
		return &event.ExternalServiceError{Service: "platform", Err: err}
	}
	defer resp.Body.Close()
	webhookRequestCount.WithLabelValues(fmt.Sprint(resp.StatusCode)).Inc()
	webhookRequestDuration.WithLabelValues(string(d.Action)).Observe(time.Since(start).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &event.ExternalServiceError{Service: "platform", Err: fmt.Errorf("action webhook status=%d: %s", resp.StatusCode, bytes.TrimSpace(msg))}
	}
	w.Logger.Debug("platform action delivered", "action", d.Action, "chat", d.User.ChatID, "user", d.User.UserID)
	return nil
}
