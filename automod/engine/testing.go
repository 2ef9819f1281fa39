package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chatwarden/warden/automod/cachestore"
	"github.com/chatwarden/warden/automod/countstore"
	"github.com/chatwarden/warden/automod/event"
	"github.com/chatwarden/warden/automod/flagstore"
	"github.com/chatwarden/warden/automod/setstore"
	"github.com/chatwarden/warden/automod/userstore"
)

// Classifier returning a fixed result (or error), counting calls.
type FakeClassifier struct {
	Result event.Classification
	Err    error
	// Simulated latency of the remote call. Cut short by context cancellation.
	Delay time.Duration
	// Called on entry to every call, before the delay.
	OnCall func()
	calls  atomic.Int64
}

func (f *FakeClassifier) call(ctx context.Context) (event.Classification, error) {
	f.calls.Add(1)
	if f.OnCall != nil {
		f.OnCall()
	}
	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return event.Classification{}, ctx.Err()
		}
	}
	return f.Result, f.Err
}

func (f *FakeClassifier) ClassifyText(ctx context.Context, text string, links []string) (event.Classification, error) {
	return f.call(ctx)
}

func (f *FakeClassifier) ClassifyImage(ctx context.Context, data []byte, mimeType string) (event.Classification, error) {
	return f.call(ctx)
}

func (f *FakeClassifier) Calls() int {
	return int(f.calls.Load())
}

// Executor which records every decision, optionally failing the first N calls.
type RecordingExecutor struct {
	FailFirst int

	lk        sync.Mutex
	calls     int
	Decisions []event.Decision
}

func (r *RecordingExecutor) Execute(ctx context.Context, d event.Decision) error {
	r.lk.Lock()
	defer r.lk.Unlock()
	r.calls++
	if r.calls <= r.FailFirst {
		return errFakeExecutor
	}
	r.Decisions = append(r.Decisions, d)
	return nil
}

func (r *RecordingExecutor) Calls() int {
	r.lk.Lock()
	defer r.lk.Unlock()
	return r.calls
}

func (r *RecordingExecutor) Executed() []event.Decision {
	r.lk.Lock()
	defer r.lk.Unlock()
	return append([]event.Decision{}, r.Decisions...)
}

type fakeError string

func (e fakeError) Error() string { return string(e) }

const errFakeExecutor = fakeError("fake executor failure")

type RecordingNotifier struct {
	lk      sync.Mutex
	Notices []Notice
}

func (r *RecordingNotifier) SendNotice(ctx context.Context, n Notice) error {
	r.lk.Lock()
	defer r.lk.Unlock()
	r.Notices = append(r.Notices, n)
	return nil
}

func (r *RecordingNotifier) Kinds() []NoticeKind {
	r.lk.Lock()
	defer r.lk.Unlock()
	out := make([]NoticeKind, 0, len(r.Notices))
	for _, n := range r.Notices {
		out = append(out, n.Kind)
	}
	return out
}

// Trivial stage used by the engine fixture: flags any message containing a word from the "bad-words" set.
func simpleStage(c *MessageContext) error {
	for _, tok := range c.Tokens {
		if c.InSet("bad-words", tok) {
			c.AddVerdict("simple", event.LabelViolation, 1.0, "bad word: "+tok)
			return nil
		}
	}
	return nil
}

type EngineFixture struct {
	*Engine
	Users    *userstore.MemStore
	Text     *FakeClassifier
	Image    *FakeClassifier
	Exec     *RecordingExecutor
	Notices  *RecordingNotifier
	SetStore *setstore.MemSetStore
}

// Engine wired to in-memory stores, fake classifiers, and recording collaborators. Intentionally exported, for use in other packages.
func EngineTestFixture() EngineFixture {
	cfg := DefaultConfig()
	cfg.StopWords = []string{"casino", "free crypto"}
	cfg.SuspiciousWords = []string{"investment"}
	cfg.NotifyBurst = 100

	users := userstore.NewMemStore()
	eng, err := NewEngine(cfg, users, slog.Default())
	if err != nil {
		panic(err)
	}
	sets := setstore.NewMemSetStore()
	sets.Add("bad-words", "slur")
	sets.Add(setstore.SetAllowedDomains, "example.org")

	fx := EngineFixture{
		Engine:   eng,
		Users:    users,
		Text:     &FakeClassifier{},
		Image:    &FakeClassifier{},
		Exec:     &RecordingExecutor{},
		Notices:  &RecordingNotifier{},
		SetStore: sets,
	}
	eng.Sets = sets
	eng.Counters = countstore.NewMemCountStore()
	eng.Cache = cachestore.NewMemCacheStore(100, time.Hour)
	eng.Flags = flagstore.NewMemFlagStore()
	eng.TextClassifier = fx.Text
	eng.ImageClassifier = fx.Image
	eng.Executor = fx.Exec
	eng.Notifier = fx.Notices
	eng.Stages = StageSet{Stages: []Stage{{Name: "simple", Func: simpleStage}}}
	return fx
}

// Test helper building a message from a member.
func FixtureMessage(chatID, userID, msgID, text string) event.Message {
	return event.Message{
		ID:        msgID,
		ChatID:    chatID,
		Author:    event.User{ChatID: chatID, UserID: userID},
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
}

// Helper to access the private effects field from a context. Intended for use in test code, *not* from stages.
func ExtractEffects(c *MessageContext) *Effects {
	return c.effects
}
