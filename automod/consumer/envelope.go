package consumer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chatwarden/warden/automod/event"
)

const (
	EnvelopeJoin    = "join"
	EnvelopeMessage = "message"
	EnvelopeCaptcha = "captcha"
)

// Implemented by the engine. Consumers only need the three event entry points.
type Processor interface {
	ProcessNewMember(ctx context.Context, join event.JoinEvent) (event.Decision, error)
	ProcessMessage(ctx context.Context, msg event.Message) (event.Decision, error)
	ProcessCaptchaResponse(ctx context.Context, resp event.CaptchaResponse) (event.Decision, error)
}

// Wire format of inbound events: a type tag plus exactly one payload.
type Envelope struct {
	Type    string                 `json:"type"`
	Join    *event.JoinEvent       `json:"join,omitempty"`
	Message *event.Message         `json:"message,omitempty"`
	Captcha *event.CaptchaResponse `json:"captcha,omitempty"`
}

func ParseEnvelope(b []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, &event.ValidationError{Field: "envelope", Reason: err.Error()}
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

func (e *Envelope) Validate() error {
	switch e.Type {
	case EnvelopeJoin:
		if e.Join == nil {
			return &event.ValidationError{Field: "join", Reason: "missing payload"}
		}
	case EnvelopeMessage:
		if e.Message == nil {
			return &event.ValidationError{Field: "message", Reason: "missing payload"}
		}
	case EnvelopeCaptcha:
		if e.Captcha == nil {
			return &event.ValidationError{Field: "captcha", Reason: "missing payload"}
		}
	default:
		return &event.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown event type %q", e.Type)}
	}
	return nil
}

// Ordering key: events for the same member in the same chat must be processed one at a time, in arrival order.
func (e *Envelope) Key() string {
	switch e.Type {
	case EnvelopeJoin:
		return event.UserKey(e.Join.User.ChatID, e.Join.User.UserID)
	case EnvelopeMessage:
		return event.UserKey(e.Message.ChatID, e.Message.Author.UserID)
	case EnvelopeCaptcha:
		return event.UserKey(e.Captcha.ChatID, e.Captcha.UserID)
	}
	return ""
}

// Routes an envelope to the matching engine entry point.
func Dispatch(ctx context.Context, p Processor, env *Envelope) (event.Decision, error) {
	if err := env.Validate(); err != nil {
		return event.Decision{Action: event.ActionAllow}, err
	}
	switch env.Type {
	case EnvelopeJoin:
		return p.ProcessNewMember(ctx, *env.Join)
	case EnvelopeMessage:
		return p.ProcessMessage(ctx, *env.Message)
	default:
		return p.ProcessCaptchaResponse(ctx, *env.Captcha)
	}
}
