package event

import (
	"math"
	"time"
)

type Label string

const (
	LabelClean      Label = "clean"
	LabelSuspicious Label = "suspicious"
	LabelViolation  Label = "violation"
)

// The assessment of a single funnel stage. Treat as immutable once created.
type Verdict struct {
	Stage      string  `json:"stage"`
	Label      Label   `json:"label"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
}

// Builds a Verdict, clamping confidence into [0,1].
func NewVerdict(stage string, label Label, confidence float64, reason string) Verdict {
	if confidence < 0 || math.IsNaN(confidence) {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return Verdict{
		Stage:      stage,
		Label:      label,
		Confidence: confidence,
		Reason:     reason,
	}
}

// Whether this verdict terminates funnel evaluation.
func (v Verdict) Conclusive() bool {
	return v.Label == LabelViolation || v.Label == LabelSuspicious
}

type Action string

const (
	ActionAllow       Action = "allow"
	ActionWarn        Action = "warn"
	ActionDelete      Action = "delete"
	ActionBan         Action = "ban"
	ActionNotifyAdmin Action = "notify_admin"
)

// Total order used to resolve conflicting decisions. notify_admin ranks just above allow, since it takes no action against the member.
func (a Action) Severity() int {
	switch a {
	case ActionAllow:
		return 0
	case ActionNotifyAdmin:
		return 1
	case ActionWarn:
		return 2
	case ActionDelete:
		return 3
	case ActionBan:
		return 4
	default:
		return -1
	}
}

// The single externally visible result of evaluating one event.
type Decision struct {
	EventID string `json:"event_id,omitempty"`
	Action  Action `json:"action"`
	// The verdict which produced this decision; nil for plain allows.
	Verdict   *Verdict `json:"verdict,omitempty"`
	User      User     `json:"user"`
	MessageID string   `json:"message_id,omitempty"`

	// Side effects the platform binding should apply alongside the primary action.
	DeleteMessage bool          `json:"delete_message,omitempty"`
	MuteFor       time.Duration `json:"mute_for,omitempty"`
	// Remove the member without a permanent ban (captcha failure).
	Kick        bool   `json:"kick,omitempty"`
	NotifyAdmin bool   `json:"notify_admin,omitempty"`
	Reason      string `json:"reason,omitempty"`

	// Set when the decision carries a new or re-issued challenge the binding should present.
	Challenge *CaptchaChallenge `json:"challenge,omitempty"`
}

func (d *Decision) Allowed() bool {
	return d.Action == ActionAllow
}

// Returns whichever decision is more severe, preferring a on ties.
func MoreSevere(a, b Decision) Decision {
	if b.Action.Severity() > a.Action.Severity() {
		return b
	}
	return a
}

type CaptchaOutcome string

const (
	OutcomePending CaptchaOutcome = "pending"
	OutcomePassed  CaptchaOutcome = "passed"
	OutcomeFailed  CaptchaOutcome = "failed"
	OutcomeExpired CaptchaOutcome = "expired"
)

func (o CaptchaOutcome) Terminal() bool {
	return o == OutcomePassed || o == OutcomeFailed || o == OutcomeExpired
}

// Per-member human check issued on join.
type CaptchaChallenge struct {
	ID      string   `json:"id"`
	ChatID  string   `json:"chat_id"`
	UserID  string   `json:"user_id"`
	Prompt  string   `json:"prompt"`
	Answer  string   `json:"-"`
	Options []string `json:"options,omitempty"`

	IssuedAt    time.Time      `json:"issued_at"`
	ExpiresAt   time.Time      `json:"expires_at"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	Strict      bool           `json:"strict,omitempty"`
	Outcome     CaptchaOutcome `json:"outcome"`
}

func (c *CaptchaChallenge) Key() string {
	return UserKey(c.ChatID, c.UserID)
}

func (c *CaptchaChallenge) AttemptsLeft() int {
	n := c.MaxAttempts - c.Attempts
	if n < 0 {
		return 0
	}
	return n
}
