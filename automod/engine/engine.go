package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chatwarden/warden/automod/cachestore"
	"github.com/chatwarden/warden/automod/captcha"
	"github.com/chatwarden/warden/automod/countstore"
	"github.com/chatwarden/warden/automod/event"
	"github.com/chatwarden/warden/automod/flagstore"
	"github.com/chatwarden/warden/automod/keyword"
	"github.com/chatwarden/warden/automod/reputation"
	"github.com/chatwarden/warden/automod/setstore"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("automod")

// Storage collaborator: member records plus the append-only audit trail.
type Store interface {
	reputation.UserStore
	AppendAudit(ctx context.Context, rec *event.AuditRecord) error
}

// Platform binding which applies decisions: delete, warn, mute, kick, ban, and presenting captcha challenges.
type ActionExecutor interface {
	Execute(ctx context.Context, d event.Decision) error
}

// Moderation settings. All fields are injected; nothing in the engine reads the environment.
type Config struct {
	StopWords       []string
	SuspiciousWords []string

	// Classifier confidence below Low is treated as clean; at or above High is a violation; in between is suspicious.
	ClassifierLowThreshold  float64
	ClassifierHighThreshold float64
	// Image classifier confidence at or above which an avatar is flagged.
	ImageThreshold float64
	// Upper bound on any single classifier call.
	ClassifierTimeout time.Duration

	Escalation reputation.Policy

	CaptchaTimeout       time.Duration
	CaptchaStrictTimeout time.Duration
	CaptchaRetries       int
	// Challenge generator; the single-button puzzle when nil.
	CaptchaPuzzle captcha.PuzzleFunc

	// Hourly failure counts at which admins get a one-off alert.
	ExternalErrorNotifyThreshold    int
	PersistenceErrorNotifyThreshold int
	// Bans per day before further bans are downgraded to admin review.
	QuotaBanDay int

	// TTL of the in-memory classifier result cache, when no cache store is supplied.
	ResultCacheTTL time.Duration
	// Rate limit for throttled admin notices (classifier failures).
	NotifyInterval time.Duration
	NotifyBurst    int
	// Capacity of the audit retry queue.
	AuditQueueSize int
}

func DefaultConfig() Config {
	return Config{
		ClassifierLowThreshold:          0.6,
		ClassifierHighThreshold:         0.8,
		ImageThreshold:                  0.85,
		ClassifierTimeout:               15 * time.Second,
		Escalation:                      reputation.DefaultPolicy(),
		CaptchaTimeout:                  captcha.DefaultTimeout,
		CaptchaStrictTimeout:            captcha.DefaultStrictTimeout,
		CaptchaRetries:                  captcha.DefaultRetries,
		ExternalErrorNotifyThreshold:    5,
		PersistenceErrorNotifyThreshold: 5,
		QuotaBanDay:                     QuotaBanDay,
		ResultCacheTTL:                  time.Hour,
		NotifyInterval:                  time.Minute,
		NotifyBurst:                     5,
		AuditQueueSize:                  10_000,
	}
}

func (cfg *Config) Validate() error {
	if cfg.ClassifierLowThreshold < 0 || cfg.ClassifierHighThreshold > 1 || cfg.ClassifierLowThreshold > cfg.ClassifierHighThreshold {
		return fmt.Errorf("classifier thresholds must satisfy 0 <= low (%v) <= high (%v) <= 1", cfg.ClassifierLowThreshold, cfg.ClassifierHighThreshold)
	}
	if cfg.ImageThreshold < 0 || cfg.ImageThreshold > 1 {
		return fmt.Errorf("image threshold out of range: %v", cfg.ImageThreshold)
	}
	if cfg.ClassifierTimeout <= 0 {
		return fmt.Errorf("classifier timeout must be positive")
	}
	if cfg.CaptchaRetries < 0 {
		return fmt.Errorf("captcha retries must not be negative")
	}
	if err := cfg.Escalation.Validate(); err != nil {
		return fmt.Errorf("escalation policy: %w", err)
	}
	return nil
}

// runtime for executing the moderation funnel, managing member state, and recording moderation actions.
//
// Construct with NewEngine: the ledger, captcha gate, and word lists are derived from Config.
type Engine struct {
	Logger *slog.Logger
	Config Config
	Stages StageSet

	Store    Store
	Counters countstore.CountStore
	Sets     setstore.SetStore
	Cache    cachestore.CacheStore
	Flags    flagstore.FlagStore

	Captcha *captcha.Gate
	Ledger  *reputation.Ledger

	TextClassifier  TextClassifier
	ImageClassifier ImageClassifier
	Executor        ActionExecutor
	Notifier        Notifier
	NotifyLimiter   *rate.Limiter

	stopWords       *keyword.StopWords
	suspiciousWords *keyword.StopWords
	audit           *auditQueue
	// one event per member at a time, from first read to executed decision
	members *reputation.KeyLocks
}

// Builds an engine with in-memory counters, sets, flags, and cache. Callers swap in other stores, classifiers, and the executor by assigning fields before processing events.
func NewEngine(cfg Config, store Store, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("engine requires a store")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("system", "automod")

	eng := &Engine{
		Logger:          logger,
		Config:          cfg,
		Store:           store,
		Counters:        countstore.NewMemCountStore(),
		Sets:            setstore.NewMemSetStore(),
		Cache:           cachestore.NewMemCacheStore(10_000, cfg.ResultCacheTTL),
		Flags:           flagstore.NewMemFlagStore(),
		Notifier:        &LogNotifier{Logger: logger},
		stopWords:       keyword.NewStopWords(cfg.StopWords),
		suspiciousWords: keyword.NewStopWords(cfg.SuspiciousWords),
		audit:           &auditQueue{max: cfg.AuditQueueSize},
		members:         reputation.NewKeyLocks(),
	}
	if cfg.NotifyInterval > 0 {
		eng.NotifyLimiter = rate.NewLimiter(rate.Every(cfg.NotifyInterval), max(cfg.NotifyBurst, 1))
	}
	eng.Ledger = reputation.NewLedger(cfg.Escalation, store, logger)
	eng.Captcha = captcha.NewGate(captcha.Config{
		Timeout:       cfg.CaptchaTimeout,
		StrictTimeout: cfg.CaptchaStrictTimeout,
		Retries:       cfg.CaptchaRetries,
		Puzzle:        cfg.CaptchaPuzzle,
	}, func(c event.CaptchaChallenge) {
		// timer goroutine; detached from any request context
		ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.ClassifierTimeout)
		defer cancel()
		if _, err := eng.HandleCaptchaExpiry(ctx, c); err != nil {
			eng.Logger.Error("handling captcha expiry", "chat", c.ChatID, "user", c.UserID, "err", err)
		}
	})
	return eng, nil
}

func allowDecision(eventID string, u event.User) event.Decision {
	return event.Decision{EventID: eventID, Action: event.ActionAllow, User: u}
}

// Runs one message through the funnel and applies the resulting decision.
//
// Events for the same member are serialized, so a message arriving while an earlier one is still being classified sees that message's outcome (eg, a ban) rather than the stale record.
//
// Invalid messages return an allow decision alongside a *event.ValidationError. Classifier and storage failures never surface as errors here: the funnel fails open and the decision is still applied.
func (eng *Engine) ProcessMessage(ctx context.Context, msg event.Message) (d event.Decision, err error) {
	// similar to an HTTP server, we want to recover any panics from stage execution
	defer func() {
		if r := recover(); r != nil {
			eng.Logger.Error("automod event execution exception", "err", r, "chat", msg.ChatID, "user", msg.Author.UserID)
			eventErrorCount.WithLabelValues("message").Inc()
			d = allowDecision(msg.ID, msg.Author)
			err = fmt.Errorf("panic processing message: %v", r)
		}
	}()
	start := time.Now()
	defer func() {
		eventProcessDuration.WithLabelValues("message").Observe(time.Since(start).Seconds())
	}()
	eventProcessCount.WithLabelValues("message").Inc()

	ctx, span := tracer.Start(ctx, "ProcessMessage")
	defer span.End()
	span.SetAttributes(attribute.String("chat", msg.ChatID), attribute.String("user", msg.Author.UserID))

	if err := msg.Validate(); err != nil {
		eventErrorCount.WithLabelValues("message").Inc()
		eng.Logger.Warn("dropping invalid message", "err", err)
		return allowDecision(msg.ID, msg.Author), err
	}
	msg.Author.ChatID = msg.ChatID
	if msg.Author.IsBot || msg.ChatPrivate {
		return allowDecision(msg.ID, msg.Author), nil
	}

	unlock := eng.members.Lock(msg.Author.Key())
	defer unlock()

	rec := newAuditRecord(event.AuditMessage, msg.ChatID, msg.Author.UserID)
	rec.MessageID = msg.ID
	rec.Text = msg.Text

	user := eng.loadOrCreateUser(ctx, msg.Author, event.StatusVerified)

	// banned members never reach the funnel
	if user.Banned {
		d = event.Decision{
			Action:        event.ActionDelete,
			DeleteMessage: true,
			User:          user,
			Reason:        "member is banned",
		}
		return eng.finish(ctx, "message", eng.Logger.With("chat", msg.ChatID, "user", user.UserID), rec, d, msg.ID), nil
	}

	c := NewMessageContext(ctx, eng, msg, user)
	if err := eng.Stages.Run(&c); err != nil {
		eventErrorCount.WithLabelValues("message").Inc()
		c.Logger.Error("funnel stage failed, allowing message", "err", err)
		rec.Verdicts = c.effects.Verdicts
		return eng.finish(ctx, "message", c.Logger, rec, allowDecision(msg.ID, user), msg.ID), err
	}
	if c.Err != nil {
		c.Logger.Warn("store lookup failed during funnel", "err", c.Err)
	}
	if err := eng.persistCounters(ctx, c.effects); err != nil {
		c.Logger.Error("persisting counters", "err", err)
	}

	rec.Verdicts = c.effects.Verdicts
	d = eng.decide(ctx, &c)
	return eng.finish(ctx, "message", c.Logger, rec, d, msg.ID), nil
}

// Turns the funnel output into a decision, recording any verdict in the ledger.
func (eng *Engine) decide(ctx context.Context, c *MessageContext) event.Decision {
	eff := c.effects
	if eff.Blocked {
		return event.Decision{
			Action:        event.ActionDelete,
			DeleteMessage: true,
			User:          c.User,
			Reason:        "captcha pending",
			Challenge:     eff.Challenge,
		}
	}

	var v *event.Verdict
	conclusive := eff.ConclusiveVerdicts()
	if len(conclusive) == 0 {
		// a clean classifier verdict still resets the soft window
		v = eff.CleanVerdict()
	} else {
		v = &conclusive[0]
	}
	if v == nil {
		return allowDecision(c.Message.ID, c.User)
	}
	opts := eng.applyOptions(ctx, c.User)
	if len(conclusive) > 1 {
		v = eng.resolveConflict(c, conclusive, opts)
	}
	return eng.record(ctx, c.User, *v, opts)
}

// Several conclusive verdicts for one event should not happen with short-circuiting; if a stage produces them anyway, the verdict leading to the more severe action wins.
func (eng *Engine) resolveConflict(c *MessageContext, verdicts []event.Verdict, opts reputation.ApplyOptions) *event.Verdict {
	now := time.Now()
	best := verdicts[0]
	for _, next := range verdicts[1:] {
		u1, u2 := c.User, c.User
		conflict := &event.PolicyConflictError{
			First:  eng.Ledger.Policy.Apply(&u1, best, opts, now),
			Second: eng.Ledger.Policy.Apply(&u2, next, opts, now),
		}
		if conflict.First.Action != conflict.Second.Action {
			c.Logger.Warn("conflicting stage verdicts", "err", conflict)
		}
		best = *conflict.Resolved().Verdict
	}
	return &best
}

func (eng *Engine) applyOptions(ctx context.Context, u event.User) reputation.ApplyOptions {
	var opts reputation.ApplyOptions
	if eng.Flags != nil {
		flagged, err := flagstore.HasFlag(ctx, eng.Flags, u.Key(), flagstore.FlagSuspiciousAvatar)
		if err != nil {
			eng.Logger.Warn("reading member flags", "err", err)
		}
		opts.Flagged = flagged
	}
	if eng.Counters != nil && eng.Config.QuotaBanDay > 0 {
		n, err := eng.Counters.GetCount(ctx, "warden-quota", "ban", countstore.PeriodDay)
		if err != nil {
			eng.Logger.Warn("reading ban quota", "err", err)
		}
		opts.BanBlocked = n >= eng.Config.QuotaBanDay
	}
	return opts
}

// Applies a verdict through the ledger. The decision is acted on even when saving the member record fails.
func (eng *Engine) record(ctx context.Context, u event.User, v event.Verdict, opts reputation.ApplyOptions) event.Decision {
	d, err := eng.Ledger.Record(ctx, u, v, opts)
	if err != nil {
		var pe *event.PersistenceError
		if !errors.As(err, &pe) {
			pe = &event.PersistenceError{Op: "record-verdict", Err: err}
		}
		eng.reportPersistenceFailure(ctx, pe)
	}

	switch {
	case d.Action == event.ActionBan && !d.Kick:
		if eng.Counters != nil {
			if err := eng.Counters.Increment(ctx, "warden-quota", "ban"); err != nil {
				eng.Logger.Error("counting ban quota", "err", err)
			}
		}
		eng.notify(ctx, Notice{Kind: NoticeBan, ChatID: u.ChatID, UserID: u.UserID, Decision: &d})
	case d.Action == event.ActionNotifyAdmin:
		if opts.BanBlocked {
			banQuotaCount.Inc()
		}
		eng.notify(ctx, Notice{Kind: NoticeReview, ChatID: u.ChatID, UserID: u.UserID, Decision: &d})
	}
	return d
}

// Loads the member record, creating it on first sight. Storage failures fall back to the template so moderation continues.
func (eng *Engine) loadOrCreateUser(ctx context.Context, tmpl event.User, status event.UserStatus) event.User {
	existing, err := eng.Ledger.Get(ctx, tmpl.ChatID, tmpl.UserID)
	if err != nil {
		var pe *event.PersistenceError
		if errors.As(err, &pe) {
			eng.reportPersistenceFailure(ctx, pe)
		}
		tmpl.Status = status
		return tmpl
	}
	if existing != nil {
		return *existing
	}
	tmpl.Status = status
	u, err := eng.Ledger.Update(ctx, tmpl, func(u *event.User) error { return nil })
	if err != nil {
		var pe *event.PersistenceError
		if errors.As(err, &pe) {
			eng.reportPersistenceFailure(ctx, pe)
		}
	}
	return u
}

// Common tail of every event: execute the decision, write the audit record, and log.
func (eng *Engine) finish(ctx context.Context, kind string, logger *slog.Logger, rec *event.AuditRecord, d event.Decision, eventID string) event.Decision {
	if d.EventID == "" {
		d.EventID = eventID
	}
	if d.EventID == "" {
		d.EventID = rec.ID
	}
	if rec.MessageID != "" {
		d.MessageID = rec.MessageID
	}

	if err := eng.execute(ctx, &d); err != nil {
		eventErrorCount.WithLabelValues(kind).Inc()
	}
	rec.Decision = d
	eng.appendAudit(ctx, rec)
	decisionCount.WithLabelValues(kind, string(d.Action)).Inc()
	canonicalLogLine(logger, kind, rec, d)
	return d
}

func canonicalLogLine(logger *slog.Logger, kind string, rec *event.AuditRecord, d event.Decision) {
	args := []any{
		"kind", kind,
		"action", d.Action,
		"verdicts", len(rec.Verdicts),
		"deleteMessage", d.DeleteMessage,
		"muteFor", d.MuteFor,
		"kick", d.Kick,
		"violations", d.User.Violations,
	}
	if d.Verdict != nil {
		args = append(args, "stage", d.Verdict.Stage, "label", d.Verdict.Label, "confidence", d.Verdict.Confidence)
	}
	if d.Reason != "" {
		args = append(args, "reason", d.Reason)
	}
	logger.Info("canonical-event-line", args...)
}
