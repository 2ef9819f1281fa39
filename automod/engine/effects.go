package engine

import (
	"github.com/chatwarden/warden/automod/event"
)

var (
	// number of bans automod can issue per day, across all chats combined (circuit breaker)
	QuotaBanDay = 50
)

type CounterRef struct {
	Name   string
	Val    string
	Period *string
}

// Mutable container for everything the funnel stages produce for a single message.
//
// Stages only append here. The engine turns the collected verdicts into a Decision after the funnel finishes, and persists counters in bulk at the end.
type Effects struct {
	// Verdicts in the order stages produced them. Clean verdicts are kept for the audit trail.
	Verdicts []event.Verdict
	// Behavioral signals which justify an expensive classifier call (links, suspicious words).
	Triggers []string
	// Set when the posting gate intercepted the message; nothing after the gate runs.
	Blocked   bool
	Challenge *event.CaptchaChallenge
	// External classifier failures which were swallowed (fail-open).
	ExternalErrors []error
	// List of counters which should be incremented as part of processing this event. These are collected during stage execution and persisted in bulk at the end.
	CounterIncrements []CounterRef
}

func (e *Effects) AddVerdict(v event.Verdict) {
	e.Verdicts = append(e.Verdicts, v)
}

func (e *Effects) AddTrigger(reason string) {
	e.Triggers = append(e.Triggers, reason)
}

// Marks the message as intercepted by an outstanding captcha challenge.
func (e *Effects) Block(c *event.CaptchaChallenge) {
	e.Blocked = true
	e.Challenge = c
}

// Enqueues the named counter to be incremented at the end of all stage processing. Will automatically increment for all time periods.
func (e *Effects) Increment(name, val string) {
	e.CounterIncrements = append(e.CounterIncrements, CounterRef{Name: name, Val: val})
}

// Enqueues the named counter to be incremented at the end of all stage processing. Will only increment the indicated time period bucket.
func (e *Effects) IncrementPeriod(name, val string, period string) {
	e.CounterIncrements = append(e.CounterIncrements, CounterRef{Name: name, Val: val, Period: &period})
}

// Whether funnel evaluation should stop: the message was blocked, or some stage was conclusive.
func (e *Effects) Concluded() bool {
	if e.Blocked {
		return true
	}
	for _, v := range e.Verdicts {
		if v.Conclusive() {
			return true
		}
	}
	return false
}

// All conclusive verdicts, in production order.
func (e *Effects) ConclusiveVerdicts() []event.Verdict {
	var out []event.Verdict
	for _, v := range e.Verdicts {
		if v.Conclusive() {
			out = append(out, v)
		}
	}
	return out
}

// The most recent clean verdict, if any stage produced one.
func (e *Effects) CleanVerdict() *event.Verdict {
	for i := len(e.Verdicts) - 1; i >= 0; i-- {
		if e.Verdicts[i].Label == event.LabelClean {
			v := e.Verdicts[i]
			return &v
		}
	}
	return nil
}
