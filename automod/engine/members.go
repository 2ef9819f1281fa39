package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chatwarden/warden/automod/captcha"
	"github.com/chatwarden/warden/automod/event"
	"github.com/chatwarden/warden/automod/flagstore"

	"go.opentelemetry.io/otel/attribute"
)

const profileImageStage = "profile-image"

// Handles a member joining: checks the avatar, issues a captcha challenge, and marks the member unverified until it resolves.
//
// The avatar check never bans by itself. A flagged avatar raises the member's risk weighting, gets a strict (short, single attempt) challenge, and is reported to admins.
func (eng *Engine) ProcessNewMember(ctx context.Context, join event.JoinEvent) (d event.Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			eng.Logger.Error("automod event execution exception", "err", r, "chat", join.User.ChatID, "user", join.User.UserID)
			eventErrorCount.WithLabelValues("join").Inc()
			d = allowDecision("", join.User)
			err = fmt.Errorf("panic processing join: %v", r)
		}
	}()
	start := time.Now()
	defer func() {
		eventProcessDuration.WithLabelValues("join").Observe(time.Since(start).Seconds())
	}()
	eventProcessCount.WithLabelValues("join").Inc()

	ctx, span := tracer.Start(ctx, "ProcessNewMember")
	defer span.End()
	span.SetAttributes(attribute.String("chat", join.User.ChatID), attribute.String("user", join.User.UserID))

	if err := join.Validate(); err != nil {
		eventErrorCount.WithLabelValues("join").Inc()
		eng.Logger.Warn("dropping invalid join event", "err", err)
		return allowDecision("", join.User), err
	}
	if join.User.IsBot || join.ChatPrivate {
		return allowDecision("", join.User), nil
	}

	logger := eng.Logger.With("chat", join.User.ChatID, "user", join.User.UserID)
	rec := newAuditRecord(event.AuditJoin, join.User.ChatID, join.User.UserID)
	key := join.User.Key()

	unlock := eng.members.Lock(key)
	defer unlock()

	joinedAt := join.JoinedAt
	if joinedAt.IsZero() {
		joinedAt = time.Now().UTC()
	}
	tmpl := join.User
	tmpl.Status = event.StatusUnverified
	user, uerr := eng.Ledger.Update(ctx, tmpl, func(u *event.User) error {
		if u.Username == "" {
			u.Username = join.User.Username
		}
		if u.DisplayName == "" {
			u.DisplayName = join.User.DisplayName
		}
		u.JoinedAt = &joinedAt
		if !u.Banned {
			u.Status = event.StatusUnverified
		}
		return nil
	})
	if uerr != nil {
		var pe *event.PersistenceError
		if errors.As(uerr, &pe) {
			eng.reportPersistenceFailure(ctx, pe)
		}
	}

	if user.Banned {
		d = event.Decision{
			Action: event.ActionBan,
			User:   user,
			Reason: "banned member rejoined",
		}
		return eng.finish(ctx, "join", logger, rec, d, ""), nil
	}

	// a member who failed a challenge before gets the strict variant on rejoin
	failed, ferr := flagstore.HasFlag(ctx, eng.Flags, key, flagstore.FlagCaptchaFailed)
	if ferr != nil {
		logger.Warn("reading member flags", "err", ferr)
	}
	// issued before the avatar call, so the challenge never changes under the member once shown
	challenge := eng.Captcha.OnJoin(user.ChatID, user.UserID, failed)

	var verdict *event.Verdict
	if len(join.Avatar) > 0 {
		verdict = eng.analyzeAvatar(ctx, join)
		if verdict != nil {
			rec.Verdicts = append(rec.Verdicts, *verdict)
		}
	}
	flagged := verdict != nil && verdict.Label == event.LabelSuspicious
	if flagged {
		if err := eng.Flags.Add(ctx, key, []string{flagstore.FlagSuspiciousAvatar}); err != nil {
			logger.Error("adding member flag", "err", err)
		}
		if !challenge.Strict {
			if tightened, ok := eng.Captcha.Tighten(user.ChatID, user.UserID); ok {
				challenge = tightened
			}
		}
	}

	d = event.Decision{
		Action:    event.ActionAllow,
		User:      user,
		Reason:    "captcha issued",
		Challenge: &challenge,
	}
	if flagged {
		d.Action = event.ActionNotifyAdmin
		d.NotifyAdmin = true
		d.Verdict = verdict
		d.Reason = "suspicious profile image"
		if verdict.Reason != "" {
			d.Reason += ": " + verdict.Reason
		}
		eng.notify(ctx, Notice{Kind: NoticeSuspiciousAvatar, ChatID: user.ChatID, UserID: user.UserID, Text: d.Reason, Decision: &d})
	}
	return eng.finish(ctx, "join", logger, rec, d, challenge.ID), nil
}

// Returns a clean or suspicious verdict for the avatar, or nil when there is no analyzer or the call failed (fail-open).
func (eng *Engine) analyzeAvatar(ctx context.Context, join event.JoinEvent) *event.Verdict {
	out, err := eng.ClassifyImage(ctx, join.Avatar, join.AvatarMimeType)
	if err != nil {
		eng.Logger.Warn("image classifier failed, failing open", "chat", join.User.ChatID, "user", join.User.UserID, "err", err)
		eng.reportExternalFailure(ctx, "image-classifier", err, join.User.ChatID, join.User.UserID)
		return nil
	}
	if out == nil {
		return nil
	}
	label := event.LabelClean
	if out.Flagged && out.Confidence >= eng.Config.ImageThreshold {
		label = event.LabelSuspicious
	}
	v := event.NewVerdict(profileImageStage, label, out.Confidence, out.Reason)
	stageVerdictCount.WithLabelValues(profileImageStage, string(v.Label)).Inc()
	return &v
}

// Handles an answer to an outstanding challenge.
//
// A correct answer verifies the member. A wrong answer with attempts left re-prompts. Exhausting attempts removes the member (kick, not a permanent ban). Answers from anybody other than the challenged member are ignored.
func (eng *Engine) ProcessCaptchaResponse(ctx context.Context, resp event.CaptchaResponse) (event.Decision, error) {
	eventProcessCount.WithLabelValues("captcha").Inc()
	ctx, span := tracer.Start(ctx, "ProcessCaptchaResponse")
	defer span.End()

	u := event.User{ChatID: resp.ChatID, UserID: resp.UserID}
	if err := resp.Validate(); err != nil {
		eventErrorCount.WithLabelValues("captcha").Inc()
		return allowDecision("", u), err
	}

	logger := eng.Logger.With("chat", resp.ChatID, "user", resp.UserID)
	unlock := eng.members.Lock(u.Key())
	defer unlock()

	c, err := eng.Captcha.OnResponse(resp.ChatID, resp.UserID, resp.ResponderID, resp.Answer)
	switch {
	case errors.Is(err, captcha.ErrNoChallenge):
		logger.Debug("captcha response without a challenge")
		d := allowDecision("", u)
		d.Reason = "no outstanding challenge"
		return d, nil
	case errors.Is(err, captcha.ErrResponderMismatch):
		logger.Info("ignoring captcha response from another member", "responder", resp.ResponderID)
		d := allowDecision(c.ID, u)
		d.Reason = "response from another member"
		return d, nil
	case err != nil:
		return allowDecision("", u), err
	}

	rec := newAuditRecord(event.AuditCaptcha, resp.ChatID, resp.UserID)
	switch c.Outcome {
	case event.OutcomePassed:
		user, uerr := eng.Ledger.Update(ctx, u, func(u *event.User) error {
			u.Status = event.StatusVerified
			return nil
		})
		if uerr != nil {
			var pe *event.PersistenceError
			if errors.As(uerr, &pe) {
				eng.reportPersistenceFailure(ctx, pe)
			}
		}
		if err := eng.Flags.Remove(ctx, u.Key(), []string{flagstore.FlagCaptchaFailed}); err != nil {
			logger.Warn("clearing member flag", "err", err)
		}
		d := event.Decision{Action: event.ActionAllow, User: user, Reason: "captcha passed", Challenge: &c}
		return eng.finish(ctx, "captcha", logger, rec, d, c.ID), nil
	case event.OutcomeFailed:
		return eng.captchaFailed(ctx, logger, rec, c, "captcha failed"), nil
	default:
		d := event.Decision{
			Action:    event.ActionAllow,
			User:      u,
			Reason:    fmt.Sprintf("wrong answer, %d attempts left", c.AttemptsLeft()),
			Challenge: &c,
		}
		return eng.finish(ctx, "captcha", logger, rec, d, c.ID), nil
	}
}

// Called when a challenge's grace timer fires. Expiry is handled exactly like a failed challenge. Only challenges which actually expired are acted on, so a stale timer is a no-op.
func (eng *Engine) HandleCaptchaExpiry(ctx context.Context, c event.CaptchaChallenge) (event.Decision, error) {
	u := event.User{ChatID: c.ChatID, UserID: c.UserID}
	if c.Outcome != event.OutcomeExpired {
		return allowDecision(c.ID, u), fmt.Errorf("challenge %s is %s, not expired", c.ID, c.Outcome)
	}
	eventProcessCount.WithLabelValues("captcha-expiry").Inc()
	unlock := eng.members.Lock(u.Key())
	defer unlock()

	logger := eng.Logger.With("chat", c.ChatID, "user", c.UserID)
	// the member rejoined while this timer was waiting on the lock
	if cur, ok := eng.Captcha.Pending(c.ChatID, c.UserID); ok && cur.ID != c.ID {
		logger.Info("ignoring expiry of a replaced captcha challenge", "challenge", c.ID)
		return allowDecision(c.ID, u), nil
	}
	rec := newAuditRecord(event.AuditCaptcha, c.ChatID, c.UserID)
	return eng.captchaFailed(ctx, logger, rec, c, "captcha expired"), nil
}

// Removes a member whose challenge failed or expired. Not a permanent ban: the record keeps its counters, and a rejoin gets a fresh (strict) challenge.
func (eng *Engine) captchaFailed(ctx context.Context, logger *slog.Logger, rec *event.AuditRecord, c event.CaptchaChallenge, reason string) event.Decision {
	key := event.UserKey(c.ChatID, c.UserID)
	if err := eng.Flags.Add(ctx, key, []string{flagstore.FlagCaptchaFailed}); err != nil {
		logger.Warn("adding member flag", "err", err)
	}
	user := event.User{ChatID: c.ChatID, UserID: c.UserID, Status: event.StatusUnverified}
	if existing, err := eng.Ledger.Get(ctx, c.ChatID, c.UserID); err == nil && existing != nil {
		user = *existing
	}
	d := event.Decision{
		Action:    event.ActionBan,
		Kick:      true,
		User:      user,
		Reason:    reason,
		Challenge: &c,
	}
	logger.Info("removing member after captcha", "outcome", c.Outcome)
	return eng.finish(ctx, "captcha", logger, rec, d, c.ID)
}

// Explicit admin reset of a member's counters and ban state. Also clears the member's risk flags and any outstanding challenge.
func (eng *Engine) ResetUser(ctx context.Context, chatID, userID string) (event.User, error) {
	if chatID == "" || userID == "" {
		return event.User{}, &event.ValidationError{Field: "user_id", Reason: "missing chat or user id"}
	}
	unlock := eng.members.Lock(event.UserKey(chatID, userID))
	defer unlock()

	u, err := eng.Ledger.Reset(ctx, chatID, userID)
	if err != nil {
		return u, err
	}
	key := event.UserKey(chatID, userID)
	if err := eng.Flags.Remove(ctx, key, []string{flagstore.FlagSuspiciousAvatar, flagstore.FlagCaptchaFailed}); err != nil {
		eng.Logger.Warn("clearing member flags", "err", err)
	}
	eng.Captcha.Cancel(chatID, userID)

	rec := newAuditRecord(event.AuditReset, chatID, userID)
	rec.Decision = event.Decision{EventID: rec.ID, Action: event.ActionAllow, User: u, Reason: "admin reset"}
	eng.appendAudit(ctx, rec)
	eng.Logger.Info("member reset", "chat", chatID, "user", userID)
	return u, nil
}
