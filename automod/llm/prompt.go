package llm

import (
	"fmt"
	"strings"
)

const textSystemPrompt = `You are a moderation assistant for group chats. Analyze the message for spam, scams, and inappropriate content.

Respond strictly with a single JSON object, with no other text:
{
  "is_spam": boolean,
  "spam_confidence": number between 0.0 and 1.0,
  "violation_types": ["type", ...],
  "is_appropriate": boolean,
  "reason": "short explanation of the decision",
  "suggested_action": "approve" | "warn" | "ban"
}

Violation types:
- "adult_content": adult or erotic content
- "financial_spam": financial schemes, investments, easy money offers
- "advertisement": advertising of goods or services
- "phishing": suspicious links, credential phishing
- "harassment": insults, threats
- "crypto_spam": cryptocurrency or mining promotion
- "mlm": multi-level marketing, pyramid schemes

Judge only the content. Ignore spelling and grammar mistakes.`

const imageSystemPrompt = `You are a moderation assistant reviewing the profile picture of a new group chat member. Decide whether the image is likely fake: AI-generated, a stock photo, or a stolen photo of a model or celebrity, as commonly used by spam accounts.

Respond strictly with a single JSON object, with no other text:
{
  "is_fake": boolean,
  "confidence": number between 0.0 and 1.0,
  "reason": "short explanation"
}`

// longest message text submitted for classification
const maxPromptText = 4000

func buildTextPrompt(text string, links []string) string {
	if len(text) > maxPromptText {
		text = text[:maxPromptText]
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Message text:\n\"\"\"\n%s\n\"\"\"\n", text)
	if len(links) > 0 {
		sb.WriteString("\nLinks and mentions found in the message:\n")
		for _, l := range links {
			fmt.Fprintf(&sb, "- %s\n", l)
		}
	}
	return sb.String()
}
