package rules

import (
	"strings"

	"github.com/chatwarden/warden/automod"
	"github.com/chatwarden/warden/automod/event"
)

var _ automod.StageFunc = SemanticStage

// Asks the text classifier about messages which some earlier stage found risky.
//
// Confidence below the low threshold counts as clean, at or above the high threshold as a violation, and anything in between as suspicious. A failed call produces no verdict at all, so the message is allowed.
func SemanticStage(c *automod.MessageContext) error {
	if !c.Triggered() {
		return nil
	}
	out := c.ClassifyText()
	if out == nil {
		return nil
	}
	c.AddVerdict(StageSemantic, SemanticLabel(c.Config(), *out), out.Confidence, classificationReason(*out))
	return nil
}

// Maps a classifier result to a verdict label using the configured thresholds.
func SemanticLabel(cfg *automod.Config, out event.Classification) event.Label {
	switch {
	case !out.Flagged || out.Confidence < cfg.ClassifierLowThreshold:
		return event.LabelClean
	case out.Confidence >= cfg.ClassifierHighThreshold:
		return event.LabelViolation
	default:
		return event.LabelSuspicious
	}
}

func classificationReason(out event.Classification) string {
	if len(out.Categories) == 0 {
		return out.Reason
	}
	cats := strings.Join(out.Categories, ", ")
	if out.Reason == "" {
		return cats
	}
	return cats + ": " + out.Reason
}
