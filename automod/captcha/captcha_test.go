package captcha

import (
	"sync"
	"testing"
	"time"

	"github.com/chatwarden/warden/automod/event"

	"github.com/stretchr/testify/assert"
)

func fixedPuzzle() Puzzle {
	return Puzzle{Prompt: "say yes", Answer: "yes", Options: []string{"yes", "no"}}
}

func TestGatePass(t *testing.T) {
	assert := assert.New(t)

	g := NewGate(Config{Timeout: time.Minute, Retries: 2, Puzzle: fixedPuzzle}, nil)
	c := g.OnJoin("chat1", "user1", false)
	assert.Equal(event.OutcomePending, c.Outcome)
	assert.Equal(3, c.MaxAttempts)
	assert.WithinDuration(c.IssuedAt.Add(time.Minute), c.ExpiresAt, time.Millisecond)

	pending, ok := g.Pending("chat1", "user1")
	assert.True(ok)
	assert.Equal(c.ID, pending.ID)

	// same user, other chat: independent
	_, ok = g.Pending("chat2", "user1")
	assert.False(ok)

	out, err := g.OnResponse("chat1", "user1", "user1", " YES ")
	assert.NoError(err)
	assert.Equal(event.OutcomePassed, out.Outcome)
	assert.Equal(1, out.Attempts)

	_, ok = g.Pending("chat1", "user1")
	assert.False(ok)
	assert.Equal(0, g.Len())

	_, err = g.OnResponse("chat1", "user1", "user1", "yes")
	assert.ErrorIs(err, ErrNoChallenge)
}

func TestGateRetriesThenFail(t *testing.T) {
	assert := assert.New(t)

	g := NewGate(Config{Timeout: time.Minute, Retries: 2, Puzzle: fixedPuzzle}, nil)
	g.OnJoin("chat1", "user1", false)

	out, err := g.OnResponse("chat1", "user1", "user1", "no")
	assert.NoError(err)
	assert.Equal(event.OutcomePending, out.Outcome)
	assert.Equal(1, out.Attempts)
	assert.Equal(2, out.AttemptsLeft())

	out, err = g.OnResponse("chat1", "user1", "user1", "no")
	assert.NoError(err)
	assert.Equal(event.OutcomePending, out.Outcome)

	out, err = g.OnResponse("chat1", "user1", "user1", "no")
	assert.NoError(err)
	assert.Equal(event.OutcomeFailed, out.Outcome)
	assert.Equal(3, out.Attempts)

	_, ok := g.Pending("chat1", "user1")
	assert.False(ok)
}

func TestGateStrict(t *testing.T) {
	assert := assert.New(t)

	g := NewGate(Config{Timeout: time.Minute, StrictTimeout: 10 * time.Second, Retries: 3, Puzzle: fixedPuzzle}, nil)
	c := g.OnJoin("chat1", "user1", true)
	assert.True(c.Strict)
	assert.Equal(1, c.MaxAttempts)
	assert.WithinDuration(c.IssuedAt.Add(10*time.Second), c.ExpiresAt, time.Millisecond)

	out, err := g.OnResponse("chat1", "user1", "user1", "no")
	assert.NoError(err)
	assert.Equal(event.OutcomeFailed, out.Outcome)
}

func TestGateTighten(t *testing.T) {
	assert := assert.New(t)

	expired := make(chan event.CaptchaChallenge, 2)
	g := NewGate(Config{Timeout: time.Minute, StrictTimeout: 30 * time.Millisecond, Retries: 3, Puzzle: fixedPuzzle}, func(c event.CaptchaChallenge) {
		expired <- c
	})
	_, ok := g.Tighten("chat1", "user1")
	assert.False(ok)

	// same prompt and answer as shown, one more try
	c := g.OnJoin("chat1", "user1", false)
	_, err := g.OnResponse("chat1", "user1", "user1", "no")
	assert.NoError(err)
	tight, ok := g.Tighten("chat1", "user1")
	assert.True(ok)
	assert.Equal(c.ID, tight.ID)
	assert.Equal(c.Answer, tight.Answer)
	assert.True(tight.Strict)
	assert.Equal(2, tight.MaxAttempts)
	assert.True(tight.ExpiresAt.Before(c.ExpiresAt))

	out, err := g.OnResponse("chat1", "user1", "user1", "yes")
	assert.NoError(err)
	assert.Equal(event.OutcomePassed, out.Outcome)

	// the shortened timer expires the same challenge
	c = g.OnJoin("chat1", "user2", false)
	_, ok = g.Tighten("chat1", "user2")
	assert.True(ok)
	select {
	case got := <-expired:
		assert.Equal(c.ID, got.ID)
		assert.Equal(event.OutcomeExpired, got.Outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("tightened challenge never expired")
	}
}

func TestGateResponderMismatch(t *testing.T) {
	assert := assert.New(t)

	g := NewGate(Config{Timeout: time.Minute, Retries: 0, Puzzle: fixedPuzzle}, nil)
	g.OnJoin("chat1", "user1", false)

	out, err := g.OnResponse("chat1", "user1", "someone-else", "no")
	assert.ErrorIs(err, ErrResponderMismatch)
	assert.Equal(event.OutcomePending, out.Outcome)
	assert.Equal(0, out.Attempts)

	out, err = g.OnResponse("chat1", "user1", "user1", "yes")
	assert.NoError(err)
	assert.Equal(event.OutcomePassed, out.Outcome)
}

func TestGateExpiry(t *testing.T) {
	assert := assert.New(t)

	expired := make(chan event.CaptchaChallenge, 2)
	g := NewGate(Config{Timeout: 20 * time.Millisecond, Puzzle: fixedPuzzle}, func(c event.CaptchaChallenge) {
		expired <- c
	})
	c := g.OnJoin("chat1", "user1", false)

	select {
	case got := <-expired:
		assert.Equal(c.ID, got.ID)
		assert.Equal(event.OutcomeExpired, got.Outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("challenge never expired")
	}

	_, ok := g.Pending("chat1", "user1")
	assert.False(ok)

	// repeat firing is a no-op
	_, ok = g.OnExpiry("chat1", "user1", c.ID)
	assert.False(ok)
	assert.Len(expired, 0)
}

func TestGateExpiryAfterResolution(t *testing.T) {
	assert := assert.New(t)

	var lk sync.Mutex
	fired := 0
	g := NewGate(Config{Timeout: time.Minute, Puzzle: fixedPuzzle}, func(c event.CaptchaChallenge) {
		lk.Lock()
		fired++
		lk.Unlock()
	})
	c := g.OnJoin("chat1", "user1", false)
	_, err := g.OnResponse("chat1", "user1", "user1", "yes")
	assert.NoError(err)

	_, ok := g.OnExpiry("chat1", "user1", c.ID)
	assert.False(ok)

	// a stale timer from a replaced challenge doesn't expire the new one
	first := g.OnJoin("chat1", "user2", false)
	second := g.OnJoin("chat1", "user2", false)
	assert.NotEqual(first.ID, second.ID)
	_, ok = g.OnExpiry("chat1", "user2", first.ID)
	assert.False(ok)
	pending, ok := g.Pending("chat1", "user2")
	assert.True(ok)
	assert.Equal(second.ID, pending.ID)

	lk.Lock()
	assert.Equal(0, fired)
	lk.Unlock()

	assert.True(g.Cancel("chat1", "user2"))
	assert.False(g.Cancel("chat1", "user2"))
}

func TestPuzzles(t *testing.T) {
	assert := assert.New(t)

	b := ButtonPuzzle()
	assert.Contains(b.Options, b.Answer)
	assert.NotEqual(b.Answer, ButtonPuzzle().Answer)

	for i := 0; i < 20; i++ {
		a := ArithmeticPuzzle()
		assert.Len(a.Options, 4)
		assert.Contains(a.Options, a.Answer)
	}
}
