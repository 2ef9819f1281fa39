package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chatwarden/warden/automod/engine"
	"github.com/chatwarden/warden/automod/event"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
)

var _ Processor = (*engine.Engine)(nil)

type recordingProcessor struct {
	lk       sync.Mutex
	seen     map[string][]string
	inflight map[string]bool
	overlap  atomic.Bool
}

func newRecordingProcessor() *recordingProcessor {
	return &recordingProcessor{
		seen:     make(map[string][]string),
		inflight: make(map[string]bool),
	}
}

func (r *recordingProcessor) track(key, id string) {
	r.lk.Lock()
	if r.inflight[key] {
		r.overlap.Store(true)
	}
	r.inflight[key] = true
	r.lk.Unlock()

	time.Sleep(time.Millisecond)

	r.lk.Lock()
	r.inflight[key] = false
	r.seen[key] = append(r.seen[key], id)
	r.lk.Unlock()
}

func (r *recordingProcessor) ProcessNewMember(ctx context.Context, join event.JoinEvent) (event.Decision, error) {
	r.track(join.User.Key(), "join")
	return event.Decision{Action: event.ActionAllow}, nil
}

func (r *recordingProcessor) ProcessMessage(ctx context.Context, msg event.Message) (event.Decision, error) {
	r.track(event.UserKey(msg.ChatID, msg.Author.UserID), msg.ID)
	return event.Decision{Action: event.ActionAllow}, nil
}

func (r *recordingProcessor) ProcessCaptchaResponse(ctx context.Context, resp event.CaptchaResponse) (event.Decision, error) {
	r.track(event.UserKey(resp.ChatID, resp.UserID), "captcha")
	return event.Decision{Action: event.ActionAllow}, nil
}

func messageEnvelope(chatID, userID, msgID string) *Envelope {
	return &Envelope{
		Type: EnvelopeMessage,
		Message: &event.Message{
			ID:     msgID,
			ChatID: chatID,
			Author: event.User{ChatID: chatID, UserID: userID},
			Text:   "hello",
		},
	}
}

func TestSchedulerOrdering(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	proc := newRecordingProcessor()

	sched := NewScheduler(ctx, 4, "test", func(ctx context.Context, env *Envelope) error {
		_, err := Dispatch(ctx, proc, env)
		return err
	})

	users := []string{"u1", "u2", "u3"}
	for i := 0; i < 20; i++ {
		for _, u := range users {
			env := messageEnvelope("chat1", u, fmt.Sprintf("m%02d", i))
			assert.NoError(sched.AddWork(ctx, env.Key(), env))
		}
	}
	sched.Shutdown()

	assert.False(proc.overlap.Load())
	for _, u := range users {
		ids := proc.seen[event.UserKey("chat1", u)]
		assert.Len(ids, 20)
		for i, id := range ids {
			assert.Equal(fmt.Sprintf("m%02d", i), id)
		}
	}
}

func TestParseEnvelope(t *testing.T) {
	assert := assert.New(t)

	env, err := ParseEnvelope([]byte(`{"type":"message","message":{"id":"m1","chat_id":"c1","author":{"user_id":"u1"},"text":"hi"}}`))
	assert.NoError(err)
	assert.Equal(event.UserKey("c1", "u1"), env.Key())

	env, err = ParseEnvelope([]byte(`{"type":"captcha","captcha":{"chat_id":"c1","user_id":"u1","responder_id":"u1","answer":"7"}}`))
	assert.NoError(err)
	assert.Equal(event.UserKey("c1", "u1"), env.Key())

	fixtures := []string{
		`not json`,
		`{"type":"message"}`,
		`{"type":"edit","message":{"id":"m1"}}`,
		`{"type":"join","message":{"id":"m1"}}`,
	}
	for _, raw := range fixtures {
		_, err := ParseEnvelope([]byte(raw))
		var ve *event.ValidationError
		assert.True(errors.As(err, &ve), raw)
	}
}

func TestHandleKafkaMessage(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	fx := engine.EngineTestFixture()

	kc := &KafkaConsumer{
		Topic:     "events",
		Logger:    slog.Default(),
		Processor: fx.Engine,
	}
	sched := NewScheduler(ctx, 2, "kafka-test", kc.handle)

	msgs := []kafka.Message{
		{Offset: 1, Value: []byte(`{"type":"message","message":{"id":"m1","chat_id":"c1","author":{"user_id":"u1"},"text":"a slur here"}}`)},
		{Offset: 2, Value: []byte(`garbage`)},
		{Offset: 3, Value: []byte(`{"type":"message","message":{"id":"m2","chat_id":"c1","author":{"user_id":"u1"},"text":"and another slur"}}`)},
	}
	for _, m := range msgs {
		assert.NoError(kc.HandleKafkaMessage(ctx, sched, m))
	}
	sched.Shutdown()

	executed := fx.Exec.Executed()
	assert.Len(executed, 2)
	assert.Equal(event.ActionWarn, executed[0].Action)
	assert.Equal(event.ActionWarn, executed[1].Action)
	assert.True(executed[1].DeleteMessage)

	u, err := fx.Users.LoadUser(ctx, "c1", "u1")
	assert.NoError(err)
	assert.Equal(2, u.Violations)
}

func TestKafkaConsumerConfig(t *testing.T) {
	assert := assert.New(t)
	kc := &KafkaConsumer{Processor: newRecordingProcessor()}
	assert.Error(kc.Run(context.Background()))
	kc.Brokers = []string{"localhost:9092"}
	assert.Error(kc.Run(context.Background()))
	kc.GroupID = "warden"
	assert.Error(kc.Run(context.Background()))
}
