package reputation

import (
	"fmt"
	"time"

	"github.com/chatwarden/warden/automod/event"
)

// One rung of the escalation ladder, reached once a member's hard violation count is at least Violations.
type Step struct {
	Violations    int          `json:"violations"`
	Action        event.Action `json:"action"`
	DeleteMessage bool         `json:"delete_message,omitempty"`
	Mute          bool         `json:"mute,omitempty"`
}

type Policy struct {
	// Ascending by Violations. The last step applies to every count above it.
	Steps []Step

	// Duration of the first mute. Each further mute doubles it, up to MaxMute.
	MuteBase time.Duration
	MaxMute  time.Duration

	// Soft (suspicious) signals within SoftWindow escalate to one hard violation once they reach SoftThreshold.
	SoftThreshold int
	SoftWindow    time.Duration
	// Soft increment for members carrying a risk flag (eg, an AI-generated avatar).
	FlaggedSoftWeight int
}

func DefaultPolicy() Policy {
	return Policy{
		Steps: []Step{
			{Violations: 1, Action: event.ActionWarn},
			{Violations: 2, Action: event.ActionWarn, DeleteMessage: true},
			{Violations: 3, Action: event.ActionDelete, DeleteMessage: true, Mute: true},
			{Violations: 4, Action: event.ActionBan, DeleteMessage: true},
		},
		MuteBase:          10 * time.Minute,
		MaxMute:           7 * 24 * time.Hour,
		SoftThreshold:     3,
		SoftWindow:        24 * time.Hour,
		FlaggedSoftWeight: 2,
	}
}

func (p *Policy) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("escalation policy has no steps")
	}
	prev := 0
	for i, s := range p.Steps {
		if s.Violations <= prev {
			return fmt.Errorf("escalation step %d: violation counts must be positive and ascending", i)
		}
		if s.Action.Severity() < 0 {
			return fmt.Errorf("escalation step %d: unknown action %q", i, s.Action)
		}
		prev = s.Violations
	}
	if p.SoftThreshold < 1 {
		return fmt.Errorf("soft threshold must be at least 1")
	}
	if p.Steps[len(p.Steps)-1].Action != event.ActionBan {
		return fmt.Errorf("final escalation step must be a ban")
	}
	return nil
}

// Returns the step for a cumulative violation count. Counts below the first step map to allow.
func (p *Policy) StepFor(n int) Step {
	out := Step{Violations: n, Action: event.ActionAllow}
	for _, s := range p.Steps {
		if s.Violations > n {
			break
		}
		out = s
	}
	return out
}

// Mute duration for a member who has already been muted `prior` times.
func (p *Policy) MuteDuration(prior int) time.Duration {
	d := p.MuteBase
	for i := 0; i < prior; i++ {
		d *= 2
		if p.MaxMute > 0 && d >= p.MaxMute {
			return p.MaxMute
		}
	}
	if p.MaxMute > 0 && d > p.MaxMute {
		return p.MaxMute
	}
	return d
}

type ApplyOptions struct {
	// Member carries a risk flag; soft signals weigh FlaggedSoftWeight.
	Flagged bool
	// Ban circuit breaker tripped: a ban step downgrades to notify_admin.
	BanBlocked bool
}

// Applies a verdict to a member record in place and returns the resulting decision.
//
// Clean verdicts never lower the hard count, but clear the soft counter and its window.
func (p *Policy) Apply(u *event.User, v event.Verdict, opts ApplyOptions, now time.Time) event.Decision {
	d := event.Decision{
		Action:  event.ActionAllow,
		Verdict: &v,
	}

	switch v.Label {
	case event.LabelViolation:
		p.hardViolation(u, &d, opts, now)
	case event.LabelSuspicious:
		if u.SoftWindowStart == nil || now.Sub(*u.SoftWindowStart) > p.SoftWindow {
			u.SoftViolations = 0
			start := now
			u.SoftWindowStart = &start
		}
		weight := 1
		if opts.Flagged && p.FlaggedSoftWeight > weight {
			weight = p.FlaggedSoftWeight
		}
		u.SoftViolations += weight
		if u.SoftViolations >= p.SoftThreshold {
			u.SoftViolations = 0
			u.SoftWindowStart = nil
			d.Reason = "repeated suspicious activity"
			p.hardViolation(u, &d, opts, now)
		} else {
			d.Action = event.ActionWarn
		}
	default:
		u.SoftViolations = 0
		u.SoftWindowStart = nil
	}

	if d.Reason == "" && d.Action != event.ActionAllow {
		d.Reason = v.Reason
	}
	d.User = *u
	return d
}

func (p *Policy) hardViolation(u *event.User, d *event.Decision, opts ApplyOptions, now time.Time) {
	u.Violations++
	ts := now
	u.LastViolationAt = &ts

	step := p.StepFor(u.Violations)
	d.Action = step.Action
	d.DeleteMessage = step.DeleteMessage

	if step.Mute {
		dur := p.MuteDuration(u.Mutes)
		u.Mutes++
		until := now.Add(dur)
		u.MutedUntil = &until
		d.MuteFor = dur
	}

	if step.Action == event.ActionBan {
		d.NotifyAdmin = true
		if opts.BanBlocked {
			d.Action = event.ActionNotifyAdmin
			d.DeleteMessage = true
			d.Reason = "ban quota exceeded, needs manual review"
			return
		}
		u.Banned = true
		u.BannedAt = &ts
	}
}
