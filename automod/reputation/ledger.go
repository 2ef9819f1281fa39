// Per-member violation counters and escalation.
//
// Read-modify-write of a member record is serialized per (chat, user) key, so decisions for one member apply in arrival order while other members proceed in parallel.
package reputation

import (
	"context"
	"log/slog"
	"time"

	"github.com/chatwarden/warden/automod/event"
)

// Storage collaborator for member records.
type UserStore interface {
	// Returns nil, nil if the member has never been seen.
	LoadUser(ctx context.Context, chatID, userID string) (*event.User, error)
	SaveUser(ctx context.Context, u *event.User) error
}

type Ledger struct {
	Policy Policy
	Store  UserStore
	Logger *slog.Logger

	locks *KeyLocks
	now   func() time.Time
}

func NewLedger(policy Policy, store UserStore, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		Policy: policy,
		Store:  store,
		Logger: logger,
		locks:  NewKeyLocks(),
		now:    time.Now,
	}
}

// Reads a member record without locking. Returns nil if unknown.
func (l *Ledger) Get(ctx context.Context, chatID, userID string) (*event.User, error) {
	u, err := l.Store.LoadUser(ctx, chatID, userID)
	if err != nil {
		return nil, &event.PersistenceError{Op: "load-user", Err: err}
	}
	return u, nil
}

// Locked read-modify-write of a member record. If the member is unknown, fn receives a copy of template (stamped with a creation time).
//
// If loading fails, fn still runs against the template so the caller can compute a decision, but nothing is saved, and a *event.PersistenceError is returned alongside the result.
func (l *Ledger) Update(ctx context.Context, template event.User, fn func(u *event.User) error) (event.User, error) {
	unlock := l.locks.Lock(template.Key())
	defer unlock()

	loadFailed := false
	u, err := l.Store.LoadUser(ctx, template.ChatID, template.UserID)
	if err != nil {
		l.Logger.Error("failed to load user record", "chat", template.ChatID, "user", template.UserID, "err", err)
		loadFailed = true
		u = nil
	}
	if u == nil {
		fresh := template
		if fresh.CreatedAt.IsZero() {
			fresh.CreatedAt = l.now()
		}
		u = &fresh
	}

	if ferr := fn(u); ferr != nil {
		return *u, ferr
	}
	if loadFailed {
		return *u, &event.PersistenceError{Op: "load-user", Err: err}
	}
	if err := l.Store.SaveUser(ctx, u); err != nil {
		return *u, &event.PersistenceError{Op: "save-user", Err: err}
	}
	return *u, nil
}

// Applies a verdict to the member and returns the policy decision.
//
// A member already banned when the lock is taken gets a delete-only decision and the record is left untouched, so a verdict computed before the ban landed cannot ban twice.
//
// The returned decision is valid even when err is a *event.PersistenceError; callers should still act on it.
func (l *Ledger) Record(ctx context.Context, user event.User, v event.Verdict, opts ApplyOptions) (event.Decision, error) {
	var d event.Decision
	_, err := l.Update(ctx, user, func(u *event.User) error {
		if u.Banned {
			d = event.Decision{
				Action:        event.ActionDelete,
				DeleteMessage: true,
				Verdict:       &v,
				User:          *u,
				Reason:        "member is banned",
			}
			return nil
		}
		d = l.Policy.Apply(u, v, opts, l.now())
		return nil
	})
	return d, err
}

// Admin reset: clears hard and soft counters, mutes, and ban state. Verification status is kept.
func (l *Ledger) Reset(ctx context.Context, chatID, userID string) (event.User, error) {
	return l.Update(ctx, event.User{ChatID: chatID, UserID: userID, Status: event.StatusVerified}, func(u *event.User) error {
		u.Violations = 0
		u.LastViolationAt = nil
		u.SoftViolations = 0
		u.SoftWindowStart = nil
		u.Mutes = 0
		u.MutedUntil = nil
		u.Banned = false
		u.BannedAt = nil
		return nil
	})
}
