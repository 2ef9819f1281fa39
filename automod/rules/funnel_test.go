package rules

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chatwarden/warden/automod/engine"
	"github.com/chatwarden/warden/automod/event"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func funnelFixture() engine.EngineFixture {
	fx := engine.EngineTestFixture()
	fx.Stages = DefaultStages()
	return fx
}

func TestFunnelJoinThenMessages(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	fx := funnelFixture()

	join := event.JoinEvent{User: event.User{ChatID: "chat1", UserID: "u1", Username: "newbie"}}
	d, err := fx.ProcessNewMember(ctx, join)
	require.NoError(err)
	require.NotNil(d.Challenge)
	assert.Equal(event.ActionAllow, d.Action)
	assert.WithinDuration(time.Now().Add(5*time.Minute), d.Challenge.ExpiresAt, 5*time.Second)

	// stop word before answering: blocked by the gate, never reaches the filters
	d, err = fx.ProcessMessage(ctx, engine.FixtureMessage("chat1", "u1", "m1", "casino tonight"))
	require.NoError(err)
	assert.Equal(event.ActionDelete, d.Action)
	assert.Equal("captcha pending", d.Reason)
	assert.Nil(d.Verdict)
	assert.Equal(0, fx.Text.Calls())

	pending, ok := fx.Captcha.Pending("chat1", "u1")
	require.True(ok)
	d, err = fx.ProcessCaptchaResponse(ctx, event.CaptchaResponse{ChatID: "chat1", UserID: "u1", ResponderID: "u1", Answer: pending.Answer})
	require.NoError(err)
	assert.Equal("captcha passed", d.Reason)
	assert.True(d.User.Verified())

	// link with a low-confidence classifier result is allowed
	fx.Text.Result = event.Classification{Flagged: true, Confidence: 0.55}
	d, err = fx.ProcessMessage(ctx, engine.FixtureMessage("chat1", "u1", "m2", "see https://promo.example.com"))
	require.NoError(err)
	assert.Equal(event.ActionAllow, d.Action)
	assert.Equal(1, fx.Text.Calls())
	assert.Equal(0, d.User.Violations)
}

func TestFunnelEscalatesAcrossSources(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	fx := funnelFixture()

	// first seen via a message: verified, no captcha
	d, err := fx.ProcessMessage(ctx, engine.FixtureMessage("chat1", "u1", "m1", "casino tonight"))
	require.NoError(err)
	assert.Equal(event.ActionWarn, d.Action)
	assert.False(d.DeleteMessage)
	assert.Equal(1, d.User.Violations)

	fx.Text.Result = event.Classification{Flagged: true, Confidence: 0.9, Categories: []string{"scam"}}
	d, err = fx.ProcessMessage(ctx, engine.FixtureMessage("chat1", "u1", "m2", "hot deal https://spam.example.com/a"))
	require.NoError(err)
	assert.Equal(event.ActionWarn, d.Action)
	assert.True(d.DeleteMessage)
	require.NotNil(d.Verdict)
	assert.Equal(StageSemantic, d.Verdict.Stage)

	d, err = fx.ProcessMessage(ctx, engine.FixtureMessage("chat1", "u1", "m3", "free crypto for all"))
	require.NoError(err)
	assert.Equal(event.ActionDelete, d.Action)
	assert.True(d.DeleteMessage)
	assert.Equal(10*time.Minute, d.MuteFor)

	d, err = fx.ProcessMessage(ctx, engine.FixtureMessage("chat1", "u1", "m4", "another https://spam.example.com/b"))
	require.NoError(err)
	assert.Equal(event.ActionBan, d.Action)
	assert.True(d.User.Banned)
	assert.Equal(4, d.User.Violations)
	assert.Contains(fx.Notices.Kinds(), engine.NoticeBan)

	// banned: deleted without touching the funnel
	calls := fx.Text.Calls()
	d, err = fx.ProcessMessage(ctx, engine.FixtureMessage("chat1", "u1", "m5", "https://spam.example.com/c"))
	require.NoError(err)
	assert.Equal(event.ActionDelete, d.Action)
	assert.Equal(calls, fx.Text.Calls())

	// per chat: same member elsewhere is untouched
	d, err = fx.ProcessMessage(ctx, engine.FixtureMessage("chat2", "u1", "m6", "hello"))
	require.NoError(err)
	assert.Equal(event.ActionAllow, d.Action)
	assert.False(d.User.Banned)
}

func TestFunnelSoftSignals(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	fx := funnelFixture()

	fx.Text.Result = event.Classification{Flagged: true, Confidence: 0.7}
	actions := []event.Action{}
	var last event.Decision
	for i, text := range []string{"look https://a.example.com", "look https://b.example.com", "look https://c.example.com"} {
		d, err := fx.ProcessMessage(ctx, engine.FixtureMessage("chat1", "u1", string(rune('a'+i)), text))
		require.NoError(err)
		actions = append(actions, d.Action)
		last = d
	}
	assert.Equal([]event.Action{event.ActionWarn, event.ActionWarn, event.ActionWarn}, actions)
	assert.Equal("repeated suspicious activity", last.Reason)
	assert.Equal(1, last.User.Violations)
	assert.Equal(0, last.User.SoftViolations)
}

func TestFunnelTriggers(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	fx := funnelFixture()
	fx.Text.Result = event.Classification{Flagged: true, Confidence: 0.95}

	// no trigger, no classifier
	d, err := fx.ProcessMessage(ctx, engine.FixtureMessage("chat1", "u1", "m1", "good morning everyone"))
	require.NoError(err)
	assert.Equal(event.ActionAllow, d.Action)
	assert.Equal(0, fx.Text.Calls())

	// allow-listed domain
	d, err = fx.ProcessMessage(ctx, engine.FixtureMessage("chat1", "u1", "m2", "docs: https://docs.example.org/intro"))
	require.NoError(err)
	assert.Equal(event.ActionAllow, d.Action)
	assert.Equal(0, fx.Text.Calls())

	// plural of a stop word is a different token
	d, err = fx.ProcessMessage(ctx, engine.FixtureMessage("chat1", "u1", "m3", "casinos are closed today"))
	require.NoError(err)
	assert.Equal(event.ActionAllow, d.Action)

	// suspicious word and mention both reach the classifier
	d, err = fx.ProcessMessage(ctx, engine.FixtureMessage("chat1", "u2", "m4", "great investment opportunity"))
	require.NoError(err)
	assert.Equal(event.ActionWarn, d.Action)
	assert.Equal(1, fx.Text.Calls())

	d, err = fx.ProcessMessage(ctx, engine.FixtureMessage("chat1", "u3", "m5", "message @cryptosignals for details"))
	require.NoError(err)
	assert.Equal(event.ActionWarn, d.Action)
	assert.Equal(2, fx.Text.Calls())
}

func TestFunnelClassifierFailOpen(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	fx := funnelFixture()
	fx.Text.Err = &event.ExternalServiceError{Service: "llm", Err: context.DeadlineExceeded}

	d, err := fx.ProcessMessage(ctx, engine.FixtureMessage("chat1", "u1", "m1", "buy at https://spam.example.com"))
	require.NoError(err)
	assert.Equal(event.ActionAllow, d.Action)
	assert.Equal(1, fx.Text.Calls())
	assert.Contains(fx.Notices.Kinds(), engine.NoticeClassifierFailure)

	// the stop word filter still works while the classifier is down
	d, err = fx.ProcessMessage(ctx, engine.FixtureMessage("chat1", "u1", "m2", "casino"))
	require.NoError(err)
	assert.Equal(event.ActionWarn, d.Action)
	assert.Equal(1, fx.Text.Calls())
}

func TestFunnelStopWordShortCircuits(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	fx := funnelFixture()
	fx.Text.Result = event.Classification{Flagged: true, Confidence: 0.95}

	d, err := fx.ProcessMessage(ctx, engine.FixtureMessage("chat1", "u1", "m1", "casino at https://spam.example.com"))
	require.NoError(err)
	assert.Equal(event.ActionWarn, d.Action)
	require.NotNil(d.Verdict)
	assert.Equal(StageStopWords, d.Verdict.Stage)
	assert.Equal(0, fx.Text.Calls())
}

func TestFunnelConcurrentMessagesBanOnce(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	fx := funnelFixture()
	fx.Text.Result = event.Classification{Flagged: true, Confidence: 0.95, Categories: []string{"scam"}}
	fx.Text.Delay = 100 * time.Millisecond

	require.NoError(fx.Users.SaveUser(ctx, &event.User{ChatID: "chat1", UserID: "u1", Status: event.StatusVerified, Violations: 3}))

	var wg sync.WaitGroup
	decisions := make([]event.Decision, 2)
	for i, text := range []string{"deal https://spam.example.com/a", "deal https://spam.example.com/b"} {
		wg.Add(1)
		go func(i int, text string) {
			defer wg.Done()
			d, err := fx.ProcessMessage(ctx, engine.FixtureMessage("chat1", "u1", string(rune('a'+i)), text))
			assert.NoError(err)
			decisions[i] = d
		}(i, text)
	}
	wg.Wait()

	actions := []event.Action{decisions[0].Action, decisions[1].Action}
	assert.ElementsMatch([]event.Action{event.ActionBan, event.ActionDelete}, actions)
	// the second message saw the ban and never reached the classifier
	assert.Equal(1, fx.Text.Calls())

	u, err := fx.Users.LoadUser(ctx, "chat1", "u1")
	require.NoError(err)
	assert.True(u.Banned)
	assert.Equal(4, u.Violations)

	bans := 0
	for _, k := range fx.Notices.Kinds() {
		if k == engine.NoticeBan {
			bans++
		}
	}
	assert.Equal(1, bans)
}

func TestFunnelMessageDuringSlowAvatarCheck(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	fx := funnelFixture()
	fx.Image.Result = event.Classification{Flagged: true, Confidence: 0.95, Reason: "generated face"}
	fx.Image.Delay = 100 * time.Millisecond
	inFlight := make(chan struct{})
	var once sync.Once
	fx.Image.OnCall = func() { once.Do(func() { close(inFlight) }) }

	joined := make(chan event.Decision, 1)
	go func() {
		d, err := fx.ProcessNewMember(ctx, event.JoinEvent{
			User:           event.User{ChatID: "chat1", UserID: "u1"},
			Avatar:         []byte("fake-image"),
			AvatarMimeType: "image/png",
		})
		assert.NoError(err)
		joined <- d
	}()

	// posts while the avatar is still being analyzed
	<-inFlight
	msg, err := fx.ProcessMessage(ctx, engine.FixtureMessage("chat1", "u1", "m1", "hello"))
	require.NoError(err)
	join := <-joined

	require.NotNil(join.Challenge)
	require.NotNil(msg.Challenge)
	assert.Equal(event.ActionDelete, msg.Action)
	assert.Equal(join.Challenge.ID, msg.Challenge.ID)
	assert.True(msg.Challenge.Strict)
	assert.Equal(event.ActionNotifyAdmin, join.Action)

	// answering the prompt shown with the message passes
	d, err := fx.ProcessCaptchaResponse(ctx, event.CaptchaResponse{ChatID: "chat1", UserID: "u1", ResponderID: "u1", Answer: msg.Challenge.Answer})
	require.NoError(err)
	assert.Equal("captcha passed", d.Reason)
	assert.False(d.Kick)
	assert.True(d.User.Verified())
}
