// Client for OpenAI-compatible chat-completion APIs, used to classify message text and profile images.
package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/chatwarden/warden/automod/event"
	"github.com/chatwarden/warden/util"

	"github.com/carlmjohnson/versioninfo"
)

const serviceName = "llm"

type Client struct {
	Client *http.Client
	// Base URL of the API, eg "https://api.openai.com/v1". Requests go to Host + "/chat/completions".
	Host        string
	APIKey      string
	Model       string
	VisionModel string
	MaxTokens   int
	Logger      *slog.Logger
}

func NewClient(host, apiKey, model, visionModel string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if visionModel == "" {
		visionModel = model
	}
	return &Client{
		Client:      util.RobustHTTPClient(logger),
		Host:        strings.TrimSuffix(host, "/"),
		APIKey:      apiKey,
		Model:       model,
		VisionModel: visionModel,
		MaxTokens:   512,
		Logger:      logger.With("component", "llm"),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Classifies message text. Links are passed separately so the model sees them even when the text is truncated.
//
// All errors are *event.ExternalServiceError.
func (c *Client) ClassifyText(ctx context.Context, text string, links []string) (event.Classification, error) {
	if strings.TrimSpace(text) == "" && len(links) == 0 {
		return event.Classification{}, nil
	}
	msgs := []chatMessage{
		{Role: "system", Content: textSystemPrompt},
		{Role: "user", Content: buildTextPrompt(text, links)},
	}
	raw, err := c.complete(ctx, "text", c.Model, msgs)
	if err != nil {
		return event.Classification{}, &event.ExternalServiceError{Service: serviceName, Err: err}
	}
	resp, err := parseTextResponse(raw)
	if err != nil {
		llmParseFailures.WithLabelValues("text").Inc()
		c.Logger.Warn("unparseable LLM text classification", "err", err, "raw", truncate(raw, 300))
		return event.Classification{}, &event.ExternalServiceError{Service: serviceName, Err: err}
	}
	flagged := *resp.IsSpam || !*resp.IsAppropriate
	c.Logger.Debug("text classified", "is_spam", *resp.IsSpam, "confidence", *resp.SpamConfidence, "types", resp.ViolationTypes)
	return event.Classification{
		Flagged:    flagged,
		Confidence: *resp.SpamConfidence,
		Categories: resp.ViolationTypes,
		Reason:     resp.Reason,
	}, nil
}

// Asks the vision model whether a profile image is fake or AI-generated.
func (c *Client) ClassifyImage(ctx context.Context, data []byte, mimeType string) (event.Classification, error) {
	if len(data) == 0 {
		return event.Classification{}, &event.ExternalServiceError{Service: serviceName, Err: fmt.Errorf("empty image")}
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	dataURL := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
	msgs := []chatMessage{
		{Role: "system", Content: imageSystemPrompt},
		{Role: "user", Content: []contentPart{
			{Type: "text", Text: "Profile picture of the new member:"},
			{Type: "image_url", ImageURL: &imageURL{URL: dataURL}},
		}},
	}
	raw, err := c.complete(ctx, "image", c.VisionModel, msgs)
	if err != nil {
		return event.Classification{}, &event.ExternalServiceError{Service: serviceName, Err: err}
	}
	resp, err := parseImageResponse(raw)
	if err != nil {
		llmParseFailures.WithLabelValues("image").Inc()
		c.Logger.Warn("unparseable LLM image classification", "err", err, "raw", truncate(raw, 300))
		return event.Classification{}, &event.ExternalServiceError{Service: serviceName, Err: err}
	}
	var cats []string
	if *resp.IsFake {
		cats = []string{"fake-avatar"}
	}
	return event.Classification{
		Flagged:    *resp.IsFake,
		Confidence: *resp.Confidence,
		Categories: cats,
		Reason:     resp.Reason,
	}, nil
}

func (c *Client) complete(ctx context.Context, kind, model string, msgs []chatMessage) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:     model,
		Messages:  msgs,
		MaxTokens: c.MaxTokens,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.Host+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "warden/"+versioninfo.Short())
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	start := time.Now()
	defer func() {
		llmAPIDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}()

	res, err := c.Client.Do(req)
	if err != nil {
		llmAPICount.WithLabelValues(kind, "error").Inc()
		return "", fmt.Errorf("LLM request failed: %w", err)
	}
	defer res.Body.Close()

	llmAPICount.WithLabelValues(kind, fmt.Sprint(res.StatusCode)).Inc()
	respBytes, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read LLM resp body: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("LLM request failed statusCode=%d body=%s", res.StatusCode, truncate(string(respBytes), 200))
	}

	var out chatResponse
	if err := json.Unmarshal(respBytes, &out); err != nil {
		return "", fmt.Errorf("failed to parse LLM resp JSON: %w", err)
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("empty LLM response")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
