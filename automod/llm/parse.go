package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// schema requested by textSystemPrompt. pointers distinguish missing fields from zero values.
type textResponse struct {
	IsSpam          *bool    `json:"is_spam"`
	SpamConfidence  *float64 `json:"spam_confidence"`
	ViolationTypes  []string `json:"violation_types"`
	IsAppropriate   *bool    `json:"is_appropriate"`
	Reason          string   `json:"reason"`
	SuggestedAction string   `json:"suggested_action"`
}

type imageResponse struct {
	IsFake     *bool    `json:"is_fake"`
	Confidence *float64 `json:"confidence"`
	Reason     string   `json:"reason"`
}

var validSuggestedActions = map[string]bool{
	"approve": true, "warn": true, "ban": true,
}

// Unwraps a JSON object from a markdown code fence, or from surrounding prose.
func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	if idx := strings.Index(raw, "```"); idx >= 0 {
		rest := raw[idx+3:]
		if nl := strings.Index(rest, "\n"); nl >= 0 {
			body := rest[nl+1:]
			if end := strings.Index(body, "```"); end >= 0 {
				return strings.TrimSpace(body[:end])
			}
		}
	}
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return raw
}

func validConfidence(c *float64) bool {
	return c != nil && *c >= 0.0 && *c <= 1.0
}

func parseTextResponse(raw string) (*textResponse, error) {
	var resp textResponse
	if err := json.Unmarshal([]byte(extractJSON(raw)), &resp); err != nil {
		return nil, fmt.Errorf("invalid JSON in LLM response: %w", err)
	}
	if resp.IsSpam == nil {
		return nil, fmt.Errorf("missing required field: is_spam")
	}
	if resp.SpamConfidence == nil {
		return nil, fmt.Errorf("missing required field: spam_confidence")
	}
	if !validConfidence(resp.SpamConfidence) {
		return nil, fmt.Errorf("spam_confidence must be between 0.0 and 1.0 (got %v)", *resp.SpamConfidence)
	}
	if resp.IsAppropriate == nil {
		return nil, fmt.Errorf("missing required field: is_appropriate")
	}
	if resp.ViolationTypes == nil {
		return nil, fmt.Errorf("missing required field: violation_types")
	}
	if !validSuggestedActions[resp.SuggestedAction] {
		return nil, fmt.Errorf("suggested_action must be approve, warn, or ban (got %q)", resp.SuggestedAction)
	}
	return &resp, nil
}

func parseImageResponse(raw string) (*imageResponse, error) {
	var resp imageResponse
	if err := json.Unmarshal([]byte(extractJSON(raw)), &resp); err != nil {
		return nil, fmt.Errorf("invalid JSON in LLM response: %w", err)
	}
	if resp.IsFake == nil {
		return nil, fmt.Errorf("missing required field: is_fake")
	}
	if !validConfidence(resp.Confidence) {
		return nil, fmt.Errorf("confidence missing or out of range")
	}
	return &resp, nil
}
