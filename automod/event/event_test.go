package event

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewVerdictClamp(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(1.0, NewVerdict("x", LabelViolation, 1.7, "").Confidence)
	assert.Equal(0.0, NewVerdict("x", LabelViolation, -0.2, "").Confidence)
	assert.Equal(0.0, NewVerdict("x", LabelViolation, math.NaN(), "").Confidence)
	assert.Equal(0.55, NewVerdict("x", LabelClean, 0.55, "").Confidence)

	assert.True(NewVerdict("x", LabelSuspicious, 0.7, "").Conclusive())
	assert.False(NewVerdict("x", LabelClean, 0.9, "").Conclusive())
}

func TestMoreSevere(t *testing.T) {
	assert := assert.New(t)

	warn := Decision{Action: ActionWarn}
	ban := Decision{Action: ActionBan}
	notify := Decision{Action: ActionNotifyAdmin}
	allow := Decision{Action: ActionAllow}

	assert.Equal(ActionBan, MoreSevere(warn, ban).Action)
	assert.Equal(ActionBan, MoreSevere(ban, warn).Action)
	assert.Equal(ActionWarn, MoreSevere(notify, warn).Action)
	assert.Equal(ActionNotifyAdmin, MoreSevere(allow, notify).Action)

	conflict := &PolicyConflictError{First: warn, Second: ban}
	assert.Equal(ActionBan, conflict.Resolved().Action)
}

func TestMessageValidate(t *testing.T) {
	assert := assert.New(t)

	msg := Message{ID: "1", ChatID: "c", Author: User{UserID: "u", ChatID: "c"}}
	assert.NoError(msg.Validate())

	msg.ID = ""
	err := msg.Validate()
	assert.Error(err)
	assert.True(IsValidation(err))

	msg = Message{ID: "1", ChatID: "c", Author: User{UserID: "u", ChatID: "other"}}
	assert.True(IsValidation(msg.Validate()))

	join := JoinEvent{User: User{ChatID: "c", UserID: "u"}, Avatar: []byte{1}}
	assert.True(IsValidation(join.Validate()))
	join.AvatarMimeType = "image/jpeg"
	assert.NoError(join.Validate())
}

func TestErrorTaxonomy(t *testing.T) {
	assert := assert.New(t)

	err := fmt.Errorf("classify: %w", &ExternalServiceError{Service: "llm", Err: context.DeadlineExceeded})
	assert.True(IsExternal(err))
	assert.False(IsPersistence(err))
	assert.ErrorIs(err, context.DeadlineExceeded)

	var ee *ExternalServiceError
	assert.ErrorAs(err, &ee)
	assert.True(ee.Timeout())

	pe := &PersistenceError{Op: "save-user", Err: fmt.Errorf("disk full")}
	assert.True(IsPersistence(fmt.Errorf("wrapped: %w", pe)))
	assert.Contains(pe.Error(), "save-user")
}

func TestChallengeAttempts(t *testing.T) {
	assert := assert.New(t)

	c := CaptchaChallenge{ChatID: "c", UserID: "u", MaxAttempts: 3, Attempts: 1, Outcome: OutcomePending}
	assert.Equal(2, c.AttemptsLeft())
	assert.Equal("c/u", c.Key())
	assert.False(c.Outcome.Terminal())
	c.Attempts = 5
	assert.Equal(0, c.AttemptsLeft())
	assert.True(OutcomeExpired.Terminal())
}
