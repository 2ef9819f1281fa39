package util

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Adapts a slog.Logger to the retryablehttp.LeveledLogger interface.
type LeveledSlog struct {
	inner *slog.Logger
}

func NewLeveledSlog(logger *slog.Logger) LeveledSlog {
	if logger == nil {
		logger = slog.Default()
	}
	return LeveledSlog{inner: logger.With("component", "http-client")}
}

// re-writes HTTP client ERROR to WARN level (because of retries)
func (l LeveledSlog) Error(msg string, keysAndValues ...interface{}) {
	l.inner.Warn(msg, keysAndValues...)
}

func (l LeveledSlog) Warn(msg string, keysAndValues ...interface{}) {
	l.inner.Warn(msg, keysAndValues...)
}

func (l LeveledSlog) Info(msg string, keysAndValues ...interface{}) {
	l.inner.Info(msg, keysAndValues...)
}

// re-writes HTTP client DEBUG to INFO level (this is where retry is logged)
func (l LeveledSlog) Debug(msg string, keysAndValues ...interface{}) {
	l.inner.Info(msg, keysAndValues...)
}

// Generates an HTTP client with decent general-purpose defaults around
// timeouts and retries. The returned client has the stdlib http.Client
// interface, but has Hashicorp retryablehttp logic internally.
//
// This client will retry on connection errors, 5xx status (except 501), and
// 429 Backoff requests (respecting 'Retry-After' header). It will log
// intermediate failures with WARN level. This does not start from
// http.DefaultClient.
//
// Only use this for requests which are safe to repeat (classifier calls,
// webhook reads). Requests with irreversible side effects, like platform
// moderation actions, should use PlainHTTPClient.
func RobustHTTPClient(logger *slog.Logger) *http.Client {

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 10 * time.Second
	retryClient.Logger = retryablehttp.LeveledLogger(NewLeveledSlog(logger))
	client := retryClient.StandardClient()
	client.Timeout = 20 * time.Second
	return client
}

// Simple HTTP client with a timeout and no retries.
func PlainHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
	}
}
