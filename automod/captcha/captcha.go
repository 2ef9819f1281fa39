// Posting gate for new chat members.
//
// Each (chat, user) pair has at most one outstanding challenge. A challenge resolves exactly once: passed, failed (retries exhausted), or expired (grace timer fired). Expiry timers are cancelled on resolution, and a timer which fires after resolution is a no-op.
package captcha

import (
	"errors"
	"strings"
	"time"

	"github.com/chatwarden/warden/automod/event"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

var (
	ErrNoChallenge       = errors.New("no outstanding captcha challenge")
	ErrResponderMismatch = errors.New("captcha response from a different member than the one challenged")
)

const (
	DefaultTimeout       = 5 * time.Minute
	DefaultStrictTimeout = 1 * time.Minute
	DefaultRetries       = 3
)

type Config struct {
	// How long a member has to answer.
	Timeout time.Duration
	// Expiry used for strict challenges (flagged accounts). Strict challenges allow a single attempt.
	StrictTimeout time.Duration
	// Number of wrong answers tolerated before failing; a member gets Retries+1 attempts.
	Retries int
	Puzzle  PuzzleFunc
}

// Called from the timer goroutine when a challenge expires without an answer.
type ExpiryFunc func(c event.CaptchaChallenge)

type entry struct {
	challenge event.CaptchaChallenge
	timer     *time.Timer
}

type Gate struct {
	cfg        Config
	onExpire   ExpiryFunc
	challenges *xsync.MapOf[string, *entry]
}

func NewGate(cfg Config, onExpire ExpiryFunc) *Gate {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.StrictTimeout <= 0 {
		cfg.StrictTimeout = DefaultStrictTimeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Puzzle == nil {
		cfg.Puzzle = ButtonPuzzle
	}
	return &Gate{
		cfg:        cfg,
		onExpire:   onExpire,
		challenges: xsync.NewMapOf[string, *entry](),
	}
}

// Issues a fresh challenge, replacing (and cancelling) any outstanding one for the same member.
func (g *Gate) OnJoin(chatID, userID string, strict bool) event.CaptchaChallenge {
	now := time.Now()
	timeout := g.cfg.Timeout
	maxAttempts := g.cfg.Retries + 1
	if strict {
		timeout = g.cfg.StrictTimeout
		maxAttempts = 1
	}
	p := g.cfg.Puzzle()
	c := event.CaptchaChallenge{
		ID:          uuid.NewString(),
		ChatID:      chatID,
		UserID:      userID,
		Prompt:      p.Prompt,
		Answer:      p.Answer,
		Options:     p.Options,
		IssuedAt:    now,
		ExpiresAt:   now.Add(timeout),
		MaxAttempts: maxAttempts,
		Strict:      strict,
		Outcome:     event.OutcomePending,
	}

	key := event.UserKey(chatID, userID)
	g.challenges.Compute(key, func(old *entry, loaded bool) (*entry, bool) {
		if loaded && old.timer != nil {
			old.timer.Stop()
		}
		id := c.ID
		t := time.AfterFunc(timeout, func() {
			g.OnExpiry(chatID, userID, id)
		})
		return &entry{challenge: c, timer: t}, false
	})
	return c
}

// Switches an outstanding challenge to strict mode in place: no attempts beyond the current one, and expiry no later than StrictTimeout from now. The id, puzzle and answer are kept, so a member answering the prompt already shown to them is not penalized. Returns false if nothing is outstanding.
func (g *Gate) Tighten(chatID, userID string) (event.CaptchaChallenge, bool) {
	key := event.UserKey(chatID, userID)
	var (
		out   event.CaptchaChallenge
		found bool
	)
	g.challenges.Compute(key, func(e *entry, loaded bool) (*entry, bool) {
		if !loaded {
			return nil, true
		}
		found = true
		c := e.challenge
		c.Strict = true
		if c.MaxAttempts > c.Attempts+1 {
			c.MaxAttempts = c.Attempts + 1
		}
		timer := e.timer
		if deadline := time.Now().Add(g.cfg.StrictTimeout); deadline.Before(c.ExpiresAt) {
			c.ExpiresAt = deadline
			if timer != nil {
				timer.Stop()
			}
			id := c.ID
			timer = time.AfterFunc(time.Until(deadline), func() {
				g.OnExpiry(chatID, userID, id)
			})
		}
		out = c
		return &entry{challenge: c, timer: timer}, false
	})
	return out, found
}

// Returns the outstanding challenge for a member, if any.
func (g *Gate) Pending(chatID, userID string) (event.CaptchaChallenge, bool) {
	e, ok := g.challenges.Load(event.UserKey(chatID, userID))
	if !ok {
		return event.CaptchaChallenge{}, false
	}
	return e.challenge, true
}

// Validates an answer.
//
// Returns the updated challenge. Outcome is passed on a correct answer, failed once attempts are exhausted, and otherwise pending with a new puzzle. A response from anybody other than the challenged member returns ErrResponderMismatch and does not consume an attempt.
func (g *Gate) OnResponse(chatID, userID, responderID, answer string) (event.CaptchaChallenge, error) {
	key := event.UserKey(chatID, userID)
	var (
		out    event.CaptchaChallenge
		outErr error
	)
	g.challenges.Compute(key, func(e *entry, loaded bool) (*entry, bool) {
		if !loaded {
			outErr = ErrNoChallenge
			return nil, true
		}
		c := e.challenge
		if responderID != "" && responderID != userID {
			out = c
			outErr = ErrResponderMismatch
			return e, false
		}

		c.Attempts++
		if answerMatches(c.Answer, answer) {
			c.Outcome = event.OutcomePassed
		} else if c.Attempts >= c.MaxAttempts {
			c.Outcome = event.OutcomeFailed
		} else {
			p := g.cfg.Puzzle()
			c.Prompt = p.Prompt
			c.Answer = p.Answer
			c.Options = p.Options
		}
		out = c

		if c.Outcome.Terminal() {
			if e.timer != nil {
				e.timer.Stop()
			}
			return nil, true
		}
		return &entry{challenge: c, timer: e.timer}, false
	})
	return out, outErr
}

// Expires a challenge. Only the challenge with the given id is affected, so a stale timer (or a repeat call) after the challenge was resolved or replaced does nothing and returns false.
func (g *Gate) OnExpiry(chatID, userID, challengeID string) (event.CaptchaChallenge, bool) {
	key := event.UserKey(chatID, userID)
	var (
		out     event.CaptchaChallenge
		expired bool
	)
	g.challenges.Compute(key, func(e *entry, loaded bool) (*entry, bool) {
		if !loaded {
			return nil, true
		}
		if e.challenge.ID != challengeID {
			return e, false
		}
		out = e.challenge
		out.Outcome = event.OutcomeExpired
		expired = true
		if e.timer != nil {
			e.timer.Stop()
		}
		return nil, true
	})
	if expired && g.onExpire != nil {
		g.onExpire(out)
	}
	return out, expired
}

// Drops any outstanding challenge without resolving it (member left, admin override).
func (g *Gate) Cancel(chatID, userID string) bool {
	e, ok := g.challenges.LoadAndDelete(event.UserKey(chatID, userID))
	if ok && e.timer != nil {
		e.timer.Stop()
	}
	return ok
}

// Number of outstanding challenges.
func (g *Gate) Len() int {
	return g.challenges.Size()
}

func answerMatches(expected, got string) bool {
	return expected != "" && strings.EqualFold(strings.TrimSpace(expected), strings.TrimSpace(got))
}
