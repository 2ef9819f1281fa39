package rules

import (
	"github.com/chatwarden/warden/automod"
	"github.com/chatwarden/warden/automod/flagstore"
)

var _ automod.StageFunc = CaptchaGateStage

// Intercepts messages from members who have not passed their challenge. Nothing downstream sees them.
func CaptchaGateStage(c *automod.MessageContext) error {
	if ch, ok := c.PendingChallenge(); ok {
		c.Block(ch)
		return nil
	}
	if c.User.Verified() {
		return nil
	}
	// unverified with nothing outstanding: challenge state was lost (eg, a restart), so start over
	strict := c.HasFlag(flagstore.FlagSuspiciousAvatar) || c.HasFlag(flagstore.FlagCaptchaFailed)
	if ch, ok := c.IssueChallenge(strict); ok {
		c.Logger.Info("re-issued captcha challenge", "strict", strict)
		c.Block(ch)
	}
	return nil
}
