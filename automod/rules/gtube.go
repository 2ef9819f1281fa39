package rules

import (
	"strings"

	"github.com/chatwarden/warden/automod"
	"github.com/chatwarden/warden/automod/event"
)

// https://en.wikipedia.org/wiki/GTUBE
var gtubeString = "XJS*C4JDBQADN1.NSBN3*2IDNEN*GTUBE-STANDARD-ANTI-UBE-TEST-EMAIL*C.34X"

var _ automod.StageFunc = GtubeStage

// Lets operators exercise the whole violation path without configuring any words.
func GtubeStage(c *automod.MessageContext) error {
	if strings.Contains(c.Message.Text, gtubeString) {
		c.AddVerdict(StageGtube, event.LabelViolation, 1.0, "gtube test string")
	}
	return nil
}
