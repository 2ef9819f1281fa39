package rules

import (
	"fmt"

	"github.com/chatwarden/warden/automod"
	"github.com/chatwarden/warden/automod/event"
	"github.com/chatwarden/warden/automod/setstore"
)

var _ automod.StageFunc = StopWordStage

// Whole-token match against the configured stop words and the "stop-words" set. A hit is a violation; no external call is made.
func StopWordStage(c *automod.MessageContext) error {
	if w := c.StopWords().MatchTokens(c.Tokens); w != "" {
		c.AddVerdict(StageStopWords, event.LabelViolation, 1.0, fmt.Sprintf("stop word: %s", w))
		return nil
	}
	for _, tok := range c.Tokens {
		if c.InSet(setstore.SetStopWords, tok) {
			c.AddVerdict(StageStopWords, event.LabelViolation, 1.0, fmt.Sprintf("stop word: %s", tok))
			return nil
		}
	}
	return nil
}

var _ automod.StageFunc = SuspiciousWordStage

// Words which are not worth a violation on their own, but justify asking the classifier.
func SuspiciousWordStage(c *automod.MessageContext) error {
	if w := c.SuspiciousWords().MatchTokens(c.Tokens); w != "" {
		c.AddTrigger("suspicious-word:" + w)
		return nil
	}
	for _, tok := range c.Tokens {
		if c.InSet(setstore.SetSuspiciousWords, tok) {
			c.AddTrigger("suspicious-word:" + tok)
			return nil
		}
	}
	return nil
}
