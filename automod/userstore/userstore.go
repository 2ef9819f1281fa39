// Storage for member records and the moderation audit trail.
//
// MemStore is for tests and single-process development; GormStore persists to sqlite or postgres.
package userstore

import (
	"context"

	"github.com/chatwarden/warden/automod/event"
)

type Store interface {
	// Returns nil, nil when the member is unknown.
	LoadUser(ctx context.Context, chatID, userID string) (*event.User, error)
	SaveUser(ctx context.Context, u *event.User) error
	AppendAudit(ctx context.Context, rec *event.AuditRecord) error
	// Most recent first. An empty chatID lists all chats.
	ListAudit(ctx context.Context, chatID string, limit int) ([]event.AuditRecord, error)
	// Member counts. An empty chatID counts across all chats.
	Stats(ctx context.Context, chatID string) (Stats, error)
}

// Member counts for an admin overview. Unverified members are the ones still waiting on a captcha.
type Stats struct {
	Total          int64 `json:"total"`
	Verified       int64 `json:"verified"`
	Unverified     int64 `json:"unverified"`
	WithViolations int64 `json:"with_violations"`
	Banned         int64 `json:"banned"`
}
