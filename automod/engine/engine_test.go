package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chatwarden/warden/automod/countstore"
	"github.com/chatwarden/warden/automod/event"
	"github.com/chatwarden/warden/automod/flagstore"
	"github.com/chatwarden/warden/automod/userstore"

	"github.com/stretchr/testify/assert"
)

func TestEngineBasics(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	fx := EngineTestFixture()

	d, err := fx.ProcessMessage(ctx, FixtureMessage("chat1", "u1", "m1", "some message blah"))
	assert.NoError(err)
	assert.Equal(event.ActionAllow, d.Action)
	assert.Equal("m1", d.EventID)
	assert.Empty(fx.Exec.Executed())

	u, err := fx.Users.LoadUser(ctx, "chat1", "u1")
	assert.NoError(err)
	assert.NotNil(u)
	assert.Equal(event.StatusVerified, u.Status)

	d, err = fx.ProcessMessage(ctx, FixtureMessage("chat1", "u1", "m2", "some slur here"))
	assert.NoError(err)
	assert.Equal(event.ActionWarn, d.Action)
	assert.Equal("m2", d.MessageID)
	assert.NotNil(d.Verdict)
	assert.Equal("simple", d.Verdict.Stage)
	assert.Equal(1, d.User.Violations)
	assert.Len(fx.Exec.Executed(), 1)

	audit, err := fx.Users.ListAudit(ctx, "chat1", 10)
	assert.NoError(err)
	assert.Len(audit, 2)
	assert.Equal(event.ActionWarn, audit[0].Decision.Action)
	assert.Equal("some slur here", audit[0].Text)
}

func TestEngineEscalation(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	fx := EngineTestFixture()

	expected := []event.Action{event.ActionWarn, event.ActionWarn, event.ActionDelete, event.ActionBan}
	var decisions []event.Decision
	for i := range expected {
		d, err := fx.ProcessMessage(ctx, FixtureMessage("chat1", "u1", fmt.Sprintf("m%d", i), "slur"))
		assert.NoError(err)
		decisions = append(decisions, d)
	}
	for i, d := range decisions {
		assert.Equal(expected[i], d.Action, "violation %d", i+1)
	}
	assert.False(decisions[0].DeleteMessage)
	assert.True(decisions[1].DeleteMessage)
	assert.True(decisions[2].DeleteMessage)
	assert.Equal(fx.Config.Escalation.MuteBase, decisions[2].MuteFor)
	assert.True(decisions[3].User.Banned)
	assert.False(decisions[3].Kick)
	assert.Contains(fx.Notices.Kinds(), NoticeBan)

	n, err := fx.Counters.GetCount(ctx, "warden-quota", "ban", countstore.PeriodDay)
	assert.NoError(err)
	assert.Equal(1, n)
}

func TestEngineBannedShortCircuit(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	fx := EngineTestFixture()

	var stageCalls atomic.Int32
	fx.Stages = StageSet{Stages: []Stage{{Name: "count", Func: func(c *MessageContext) error {
		stageCalls.Add(1)
		return nil
	}}}}
	assert.NoError(fx.Users.SaveUser(ctx, &event.User{ChatID: "chat1", UserID: "u1", Status: event.StatusVerified, Banned: true, Violations: 4}))

	d, err := fx.ProcessMessage(ctx, FixtureMessage("chat1", "u1", "m1", "http://spam.example.com"))
	assert.NoError(err)
	assert.Equal(event.ActionDelete, d.Action)
	assert.True(d.DeleteMessage)
	assert.Equal(int32(0), stageCalls.Load())
	assert.Equal(0, fx.Text.Calls())
}

func TestEngineIgnoresBotsAndPrivateChats(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	fx := EngineTestFixture()

	bot := FixtureMessage("chat1", "bot1", "m1", "slur")
	bot.Author.IsBot = true
	d, err := fx.ProcessMessage(ctx, bot)
	assert.NoError(err)
	assert.Equal(event.ActionAllow, d.Action)

	private := FixtureMessage("chat2", "u1", "m2", "slur")
	private.ChatPrivate = true
	d, err = fx.ProcessMessage(ctx, private)
	assert.NoError(err)
	assert.Equal(event.ActionAllow, d.Action)

	assert.Empty(fx.Exec.Executed())
	u, err := fx.Users.LoadUser(ctx, "chat1", "bot1")
	assert.NoError(err)
	assert.Nil(u)
}

func TestEngineValidation(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	fx := EngineTestFixture()

	d, err := fx.ProcessMessage(ctx, FixtureMessage("chat1", "", "m1", "slur"))
	assert.Error(err)
	assert.True(event.IsValidation(err))
	assert.Equal(event.ActionAllow, d.Action)
	assert.Empty(fx.Exec.Executed())

	_, err = fx.ProcessNewMember(ctx, event.JoinEvent{User: event.User{ChatID: "chat1"}})
	assert.True(event.IsValidation(err))

	_, err = fx.ProcessCaptchaResponse(ctx, event.CaptchaResponse{ChatID: "chat1", UserID: "u1"})
	assert.True(event.IsValidation(err))
}

func TestEnginePanicRecovery(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	fx := EngineTestFixture()
	fx.Stages = StageSet{Stages: []Stage{{Name: "boom", Func: func(c *MessageContext) error {
		panic("boom")
	}}}}

	d, err := fx.ProcessMessage(ctx, FixtureMessage("chat1", "u1", "m1", "hello"))
	assert.Error(err)
	assert.Equal(event.ActionAllow, d.Action)
}

func TestEngineJoinAndCaptcha(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	fx := EngineTestFixture()

	d, err := fx.ProcessNewMember(ctx, event.JoinEvent{User: event.User{ChatID: "chat1", UserID: "u1", Username: "newbie"}})
	assert.NoError(err)
	assert.Equal(event.ActionAllow, d.Action)
	assert.NotNil(d.Challenge)
	assert.Equal(event.OutcomePending, d.Challenge.Outcome)
	assert.Equal(fx.Config.CaptchaTimeout, d.Challenge.ExpiresAt.Sub(d.Challenge.IssuedAt))
	assert.Equal(event.StatusUnverified, d.User.Status)
	assert.Len(fx.Exec.Executed(), 1)
	// no avatar, no image call
	assert.Equal(0, fx.Image.Calls())

	// wrong answer re-prompts
	d, err = fx.ProcessCaptchaResponse(ctx, event.CaptchaResponse{ChatID: "chat1", UserID: "u1", ResponderID: "u1", Answer: "nope"})
	assert.NoError(err)
	assert.Equal(event.ActionAllow, d.Action)
	assert.Equal(event.OutcomePending, d.Challenge.Outcome)
	assert.Equal(1, d.Challenge.Attempts)

	// somebody else clicking does not count
	pending, ok := fx.Captcha.Pending("chat1", "u1")
	assert.True(ok)
	d, err = fx.ProcessCaptchaResponse(ctx, event.CaptchaResponse{ChatID: "chat1", UserID: "u1", ResponderID: "u2", Answer: pending.Answer})
	assert.NoError(err)
	assert.Equal("response from another member", d.Reason)
	pending, ok = fx.Captcha.Pending("chat1", "u1")
	assert.True(ok)
	assert.Equal(1, pending.Attempts)

	d, err = fx.ProcessCaptchaResponse(ctx, event.CaptchaResponse{ChatID: "chat1", UserID: "u1", ResponderID: "u1", Answer: pending.Answer})
	assert.NoError(err)
	assert.Equal(event.ActionAllow, d.Action)
	assert.Equal(event.OutcomePassed, d.Challenge.Outcome)
	assert.Equal(event.StatusVerified, d.User.Status)
	_, ok = fx.Captcha.Pending("chat1", "u1")
	assert.False(ok)

	u, err := fx.Users.LoadUser(ctx, "chat1", "u1")
	assert.NoError(err)
	assert.Equal(event.StatusVerified, u.Status)
	assert.Equal("newbie", u.Username)
	assert.NotNil(u.JoinedAt)

	d, err = fx.ProcessCaptchaResponse(ctx, event.CaptchaResponse{ChatID: "chat1", UserID: "u1", ResponderID: "u1", Answer: "again"})
	assert.NoError(err)
	assert.Equal("no outstanding challenge", d.Reason)
}

func TestEngineCaptchaFailureKicks(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	fx := EngineTestFixture()

	_, err := fx.ProcessNewMember(ctx, event.JoinEvent{User: event.User{ChatID: "chat1", UserID: "u1"}})
	assert.NoError(err)

	var d event.Decision
	for i := 0; i <= fx.Config.CaptchaRetries; i++ {
		d, err = fx.ProcessCaptchaResponse(ctx, event.CaptchaResponse{ChatID: "chat1", UserID: "u1", ResponderID: "u1", Answer: "wrong"})
		assert.NoError(err)
	}
	assert.Equal(event.ActionBan, d.Action)
	assert.True(d.Kick)
	assert.Equal(event.OutcomeFailed, d.Challenge.Outcome)
	assert.False(d.User.Banned)
	assert.Equal(0, d.User.Violations)

	failed, err := flagstore.HasFlag(ctx, fx.Flags, "chat1/u1", flagstore.FlagCaptchaFailed)
	assert.NoError(err)
	assert.True(failed)

	// rejoin gets a fresh, strict challenge
	d, err = fx.ProcessNewMember(ctx, event.JoinEvent{User: event.User{ChatID: "chat1", UserID: "u1"}})
	assert.NoError(err)
	assert.NotNil(d.Challenge)
	assert.True(d.Challenge.Strict)
	assert.Equal(1, d.Challenge.MaxAttempts)
	assert.Equal(0, d.Challenge.Attempts)
}

func TestEngineCaptchaExpiry(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	fx := EngineTestFixture()

	d, err := fx.ProcessNewMember(ctx, event.JoinEvent{User: event.User{ChatID: "chat1", UserID: "u1"}})
	assert.NoError(err)
	id := d.Challenge.ID
	before := len(fx.Exec.Executed())

	// the gate invokes the engine's expiry handler synchronously
	_, expired := fx.Captcha.OnExpiry("chat1", "u1", id)
	assert.True(expired)
	executed := fx.Exec.Executed()
	assert.Len(executed, before+1)
	last := executed[len(executed)-1]
	assert.Equal(event.ActionBan, last.Action)
	assert.True(last.Kick)
	assert.Equal("captcha expired", last.Reason)

	// stale timer or repeat: no-op
	_, expired = fx.Captcha.OnExpiry("chat1", "u1", id)
	assert.False(expired)
	assert.Len(fx.Exec.Executed(), before+1)

	u, err := fx.Users.LoadUser(ctx, "chat1", "u1")
	assert.NoError(err)
	assert.Equal(0, u.Violations)
	assert.False(u.Banned)

	_, err = fx.HandleCaptchaExpiry(ctx, event.CaptchaChallenge{ID: "x", ChatID: "chat1", UserID: "u1", Outcome: event.OutcomePassed})
	assert.Error(err)
}

func TestEnginePendingCaptchaBlocksMessages(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	fx := EngineTestFixture()
	fx.Stages = StageSet{Stages: []Stage{
		{Name: "captcha", Func: func(c *MessageContext) error {
			if ch, ok := c.PendingChallenge(); ok {
				c.Block(ch)
			}
			return nil
		}},
		{Name: "simple", Func: simpleStage},
	}}

	_, err := fx.ProcessNewMember(ctx, event.JoinEvent{User: event.User{ChatID: "chat1", UserID: "u1"}})
	assert.NoError(err)

	d, err := fx.ProcessMessage(ctx, FixtureMessage("chat1", "u1", "m1", "slur"))
	assert.NoError(err)
	assert.Equal(event.ActionDelete, d.Action)
	assert.Equal("captcha pending", d.Reason)
	assert.Nil(d.Verdict)
	assert.NotNil(d.Challenge)

	u, err := fx.Users.LoadUser(ctx, "chat1", "u1")
	assert.NoError(err)
	assert.Equal(0, u.Violations)
}

func TestEngineAvatarCheck(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	fx := EngineTestFixture()

	fx.Image.Result = event.Classification{Flagged: true, Confidence: 0.93, Reason: "smooth skin, warped background"}
	d, err := fx.ProcessNewMember(ctx, event.JoinEvent{
		User:           event.User{ChatID: "chat1", UserID: "u1"},
		Avatar:         []byte("fake-image"),
		AvatarMimeType: "image/jpeg",
	})
	assert.NoError(err)
	assert.Equal(event.ActionNotifyAdmin, d.Action)
	assert.True(d.NotifyAdmin)
	assert.Equal(event.LabelSuspicious, d.Verdict.Label)
	assert.True(d.Challenge.Strict)
	assert.Equal(1, d.Challenge.MaxAttempts)
	assert.WithinDuration(time.Now().Add(fx.Config.CaptchaStrictTimeout), d.Challenge.ExpiresAt, 5*time.Second)
	assert.Contains(fx.Notices.Kinds(), NoticeSuspiciousAvatar)

	flagged, err := flagstore.HasFlag(ctx, fx.Flags, "chat1/u1", flagstore.FlagSuspiciousAvatar)
	assert.NoError(err)
	assert.True(flagged)
	// never a ban from the avatar alone
	assert.Equal(0, d.User.Violations)

	// below threshold
	fx.Image.Result = event.Classification{Flagged: true, Confidence: 0.7}
	d, err = fx.ProcessNewMember(ctx, event.JoinEvent{
		User:           event.User{ChatID: "chat1", UserID: "u2"},
		Avatar:         []byte("fake-image"),
		AvatarMimeType: "image/png",
	})
	assert.NoError(err)
	assert.Equal(event.ActionAllow, d.Action)
	assert.False(d.Challenge.Strict)

	// classifier failure fails open, with an admin notice
	fx.Image.Err = &event.ExternalServiceError{Service: "llm", Err: context.DeadlineExceeded}
	d, err = fx.ProcessNewMember(ctx, event.JoinEvent{
		User:           event.User{ChatID: "chat1", UserID: "u3"},
		Avatar:         []byte("fake-image"),
		AvatarMimeType: "image/png",
	})
	assert.NoError(err)
	assert.Equal(event.ActionAllow, d.Action)
	assert.NotNil(d.Challenge)
	assert.Contains(fx.Notices.Kinds(), NoticeClassifierFailure)
}

func TestEngineExecutorRetry(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	fx := EngineTestFixture()
	fx.Exec.FailFirst = 1
	d, err := fx.ProcessMessage(ctx, FixtureMessage("chat1", "u1", "m1", "slur"))
	assert.NoError(err)
	assert.Equal(event.ActionWarn, d.Action)
	assert.Equal(2, fx.Exec.Calls())
	assert.Len(fx.Exec.Executed(), 1)

	// exactly one retry, then give up; the decision still stands
	fx = EngineTestFixture()
	fx.Exec.FailFirst = 5
	d, err = fx.ProcessMessage(ctx, FixtureMessage("chat1", "u1", "m1", "slur"))
	assert.NoError(err)
	assert.Equal(event.ActionWarn, d.Action)
	assert.Equal(2, fx.Exec.Calls())
	assert.Empty(fx.Exec.Executed())
}

type flakyAuditStore struct {
	*userstore.MemStore
	fail atomic.Bool
}

func (s *flakyAuditStore) AppendAudit(ctx context.Context, rec *event.AuditRecord) error {
	if s.fail.Load() {
		return fmt.Errorf("database is locked")
	}
	return s.MemStore.AppendAudit(ctx, rec)
}

func TestEngineAuditRetry(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	fx := EngineTestFixture()

	store := &flakyAuditStore{MemStore: fx.Users}
	store.fail.Store(true)
	fx.Store = store
	fx.Config.PersistenceErrorNotifyThreshold = 2

	for i := 0; i < 3; i++ {
		d, err := fx.ProcessMessage(ctx, FixtureMessage("chat1", "u1", fmt.Sprintf("m%d", i), "slur"))
		assert.NoError(err)
		assert.NotEqual(event.ActionAllow, d.Action)
	}
	assert.Equal(3, fx.PendingAudit())
	assert.Contains(fx.Notices.Kinds(), NoticePersistenceBurst)

	n, err := fx.FlushAudit(ctx)
	assert.Error(err)
	assert.True(event.IsPersistence(err))
	assert.Equal(0, n)
	assert.Equal(3, fx.PendingAudit())

	store.fail.Store(false)
	n, err = fx.FlushAudit(ctx)
	assert.NoError(err)
	assert.Equal(3, n)
	assert.Equal(0, fx.PendingAudit())

	audit, err := fx.Users.ListAudit(ctx, "chat1", 10)
	assert.NoError(err)
	assert.Len(audit, 3)
}

func TestEngineBanQuota(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	fx := EngineTestFixture()
	fx.Config.QuotaBanDay = 1

	assert.NoError(fx.Counters.Increment(ctx, "warden-quota", "ban"))
	assert.NoError(fx.Users.SaveUser(ctx, &event.User{ChatID: "chat1", UserID: "u1", Status: event.StatusVerified, Violations: 3}))

	d, err := fx.ProcessMessage(ctx, FixtureMessage("chat1", "u1", "m1", "slur"))
	assert.NoError(err)
	assert.Equal(event.ActionNotifyAdmin, d.Action)
	assert.True(d.DeleteMessage)
	assert.False(d.User.Banned)
	assert.Equal(4, d.User.Violations)
	assert.Contains(fx.Notices.Kinds(), NoticeReview)
	assert.NotContains(fx.Notices.Kinds(), NoticeBan)
}

func TestEngineConflictingVerdicts(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	fx := EngineTestFixture()
	fx.Stages = StageSet{Stages: []Stage{{Name: "noisy", Func: func(c *MessageContext) error {
		c.AddVerdict("noisy", event.LabelSuspicious, 0.7, "maybe")
		c.AddVerdict("noisy", event.LabelViolation, 0.9, "definitely")
		return nil
	}}}}
	assert.NoError(fx.Users.SaveUser(ctx, &event.User{ChatID: "chat1", UserID: "u1", Status: event.StatusVerified, Violations: 3}))

	d, err := fx.ProcessMessage(ctx, FixtureMessage("chat1", "u1", "m1", "hello"))
	assert.NoError(err)
	assert.Equal(event.ActionBan, d.Action)
	assert.Equal(event.LabelViolation, d.Verdict.Label)
	// recorded once, not once per verdict
	assert.Equal(4, d.User.Violations)
}

func TestResetUser(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	fx := EngineTestFixture()

	for i := 0; i < 4; i++ {
		_, err := fx.ProcessMessage(ctx, FixtureMessage("chat1", "u1", fmt.Sprintf("m%d", i), "slur"))
		assert.NoError(err)
	}
	u, err := fx.Users.LoadUser(ctx, "chat1", "u1")
	assert.NoError(err)
	assert.True(u.Banned)

	reset, err := fx.ResetUser(ctx, "chat1", "u1")
	assert.NoError(err)
	assert.False(reset.Banned)
	assert.Equal(0, reset.Violations)

	d, err := fx.ProcessMessage(ctx, FixtureMessage("chat1", "u1", "m9", "slur"))
	assert.NoError(err)
	assert.Equal(event.ActionWarn, d.Action)
	assert.Equal(1, d.User.Violations)

	_, err = fx.ResetUser(ctx, "", "u1")
	assert.True(event.IsValidation(err))
}

func TestClassifyTextCacheAndFailures(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	fx := EngineTestFixture()
	fx.Config.ExternalErrorNotifyThreshold = 3

	fx.Text.Result = event.Classification{Flagged: true, Confidence: 0.9}
	out, err := fx.ClassifyText(ctx, "buy now", []string{"https://spam.example.com"})
	assert.NoError(err)
	assert.Equal(0.9, out.Confidence)
	out, err = fx.ClassifyText(ctx, "buy now", []string{"https://spam.example.com"})
	assert.NoError(err)
	assert.True(out.Flagged)
	assert.Equal(1, fx.Text.Calls())

	fx.Text.Err = fmt.Errorf("connection refused")
	_, err = fx.ClassifyText(ctx, "other text", nil)
	assert.True(event.IsExternal(err))

	for i := 0; i < 5; i++ {
		fx.reportExternalFailure(ctx, "text-classifier", err, "chat1", "u1")
	}
	bursts := 0
	for _, k := range fx.Notices.Kinds() {
		if k == NoticeExternalBurst {
			bursts++
		}
	}
	assert.Equal(1, bursts)
}
