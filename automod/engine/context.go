package engine

import (
	"context"
	"log/slog"

	"github.com/chatwarden/warden/automod/event"
	"github.com/chatwarden/warden/automod/flagstore"
	"github.com/chatwarden/warden/automod/helpers"
	"github.com/chatwarden/warden/automod/keyword"
)

// The interface exposed to funnel stages, for a single message.
type MessageContext struct {
	// Actual golang "context.Context", if needed for timeouts etc
	Ctx context.Context
	// Any errors encountered while processing methods on this struct get rolled up in this nullable field
	Err error
	// slog logger handle, with event-specific structured fields pre-populated. Pointer, but expected to never be nil.
	Logger *slog.Logger

	Message event.Message
	// Member record as it was before this message. Stages don't mutate it; state changes go through the ledger.
	User event.User
	// Links and mentions found in the text, plus any the platform extracted, de-duplicated.
	Links []string
	// Normalized text tokens, for word matching.
	Tokens []string

	engine  *Engine // NOTE: pointer, but expected never to be nil
	effects *Effects
}

func NewMessageContext(ctx context.Context, eng *Engine, msg event.Message, user event.User) MessageContext {
	links := helpers.ExtractLinks(msg.Text)
	links = helpers.DedupeStrings(append(links, msg.Links...))
	return MessageContext{
		Ctx:     ctx,
		Logger:  eng.Logger.With("chat", msg.ChatID, "user", msg.Author.UserID, "msg", msg.ID),
		Message: msg,
		User:    user,
		Links:   links,
		Tokens:  keyword.TokenizeText(msg.Text),
		engine:  eng,
		effects: &Effects{},
	}
}

// Read-only access to the engine configuration.
func (c *MessageContext) Config() *Config {
	return &c.engine.Config
}

// Compiled stop-word list from configuration.
func (c *MessageContext) StopWords() *keyword.StopWords {
	return c.engine.stopWords
}

// Compiled suspicious-word list from configuration.
func (c *MessageContext) SuspiciousWords() *keyword.StopWords {
	return c.engine.suspiciousWords
}

func (c *MessageContext) InSet(name, val string) bool {
	out, err := c.engine.Sets.InSet(c.Ctx, name, val)
	if err != nil {
		if nil == c.Err {
			c.Err = err
		}
		return false
	}
	return out
}

func (c *MessageContext) GetCount(name, val, period string) int {
	out, err := c.engine.Counters.GetCount(c.Ctx, name, val, period)
	if err != nil {
		if nil == c.Err {
			c.Err = err
		}
		return 0
	}
	return out
}

// Whether the author currently carries the given private flag.
func (c *MessageContext) HasFlag(flag string) bool {
	out, err := flagstore.HasFlag(c.Ctx, c.engine.Flags, c.User.Key(), flag)
	if err != nil {
		if nil == c.Err {
			c.Err = err
		}
		return false
	}
	return out
}

// Pending challenge for the author, if any.
func (c *MessageContext) PendingChallenge() (event.CaptchaChallenge, bool) {
	if c.engine.Captcha == nil {
		return event.CaptchaChallenge{}, false
	}
	return c.engine.Captcha.Pending(c.Message.ChatID, c.User.UserID)
}

// Issues a fresh challenge for a member who is unverified but has nothing outstanding (eg, the process restarted mid-challenge).
func (c *MessageContext) IssueChallenge(strict bool) (event.CaptchaChallenge, bool) {
	if c.engine.Captcha == nil {
		return event.CaptchaChallenge{}, false
	}
	return c.engine.Captcha.OnJoin(c.Message.ChatID, c.User.UserID, strict), true
}

// Runs the text classifier over the message text and links.
//
// Failures are swallowed: they get reported to admins and nil is returned, so the stage treats the message as clean.
func (c *MessageContext) ClassifyText() *event.Classification {
	out, err := c.engine.ClassifyText(c.Ctx, c.Message.Text, c.Links)
	if err != nil {
		c.effects.ExternalErrors = append(c.effects.ExternalErrors, err)
		c.Logger.Warn("text classifier failed, failing open", "err", err)
		c.engine.reportExternalFailure(c.Ctx, "text-classifier", err, c.Message.ChatID, c.User.UserID)
		return nil
	}
	return out
}

// update effects (indirect) ======

func (c *MessageContext) AddVerdict(stage string, label event.Label, confidence float64, reason string) {
	v := event.NewVerdict(stage, label, confidence, reason)
	stageVerdictCount.WithLabelValues(stage, string(v.Label)).Inc()
	c.effects.AddVerdict(v)
}

func (c *MessageContext) AddTrigger(reason string) {
	c.effects.AddTrigger(reason)
}

func (c *MessageContext) Triggered() bool {
	return len(c.effects.Triggers) > 0
}

func (c *MessageContext) Block(challenge event.CaptchaChallenge) {
	c.effects.Block(&challenge)
}

func (c *MessageContext) Increment(name, val string) {
	c.effects.Increment(name, val)
}

func (c *MessageContext) IncrementPeriod(name, val string, period string) {
	c.effects.IncrementPeriod(name, val, period)
}

// Returns a pointer to the underlying engine. This usually should NOT be used in stages.
func (c *MessageContext) InternalEngine() *Engine {
	return c.engine
}
