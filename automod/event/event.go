package event

import (
	"fmt"
	"time"
)

// Verification status of a chat member.
type UserStatus string

const (
	StatusUnverified UserStatus = "unverified"
	StatusVerified   UserStatus = "verified"
)

// Persistent per-chat state about a single member.
//
// Reputation is scoped to a (chat, user) pair: a member banned in one chat keeps a clean slate in others. Records are never deleted, including after a ban, so that the audit trail stays resolvable.
type User struct {
	ChatID      string     `json:"chat_id"`
	UserID      string     `json:"user_id"`
	Username    string     `json:"username,omitempty"`
	DisplayName string     `json:"display_name,omitempty"`
	IsBot       bool       `json:"is_bot,omitempty"`
	Status      UserStatus `json:"status"`

	// Hard violation count. Only increases, except on an explicit admin reset.
	Violations      int        `json:"violations"`
	LastViolationAt *time.Time `json:"last_violation_at,omitempty"`

	// Soft counter for low-confidence signals, which decays after the policy window.
	SoftViolations  int        `json:"soft_violations"`
	SoftWindowStart *time.Time `json:"soft_window_start,omitempty"`

	// Number of mutes applied so far; drives the mute duration doubling.
	Mutes      int        `json:"mutes"`
	MutedUntil *time.Time `json:"muted_until,omitempty"`

	Banned   bool       `json:"banned"`
	BannedAt *time.Time `json:"banned_at,omitempty"`

	JoinedAt  *time.Time `json:"joined_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Returns the ledger/lock key for a (chat, user) pair.
func UserKey(chatID, userID string) string {
	return chatID + "/" + userID
}

func (u *User) Key() string {
	return UserKey(u.ChatID, u.UserID)
}

func (u *User) Verified() bool {
	return u.Status == StatusVerified
}

// A single incoming chat message. Constructed per event and never persisted beyond the audit log.
type Message struct {
	ID          string    `json:"id"`
	ChatID      string    `json:"chat_id"`
	ChatPrivate bool      `json:"chat_private,omitempty"`
	Author      User      `json:"author"`
	Text        string    `json:"text"`
	HasMedia    bool      `json:"has_media,omitempty"`
	Links       []string  `json:"links,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Checks the fields the funnel relies on. Returns a *ValidationError.
func (m *Message) Validate() error {
	if m.ID == "" {
		return &ValidationError{Field: "id", Reason: "missing message id"}
	}
	if m.ChatID == "" {
		return &ValidationError{Field: "chat_id", Reason: "missing chat id"}
	}
	if m.Author.UserID == "" {
		return &ValidationError{Field: "author.user_id", Reason: "missing author"}
	}
	if m.Author.ChatID != "" && m.Author.ChatID != m.ChatID {
		return &ValidationError{Field: "author.chat_id", Reason: fmt.Sprintf("author chat %q does not match message chat %q", m.Author.ChatID, m.ChatID)}
	}
	return nil
}

// A new chat member event.
type JoinEvent struct {
	User           User      `json:"user"`
	Avatar         []byte    `json:"avatar,omitempty"`
	AvatarMimeType string    `json:"avatar_mime_type,omitempty"`
	ChatPrivate    bool      `json:"chat_private,omitempty"`
	JoinedAt       time.Time `json:"joined_at"`
}

func (j *JoinEvent) Validate() error {
	if j.User.ChatID == "" {
		return &ValidationError{Field: "user.chat_id", Reason: "missing chat id"}
	}
	if j.User.UserID == "" {
		return &ValidationError{Field: "user.user_id", Reason: "missing user id"}
	}
	if len(j.Avatar) > 0 && j.AvatarMimeType == "" {
		return &ValidationError{Field: "avatar_mime_type", Reason: "avatar without mime type"}
	}
	return nil
}

// An answer to an outstanding captcha challenge. ResponderID is the member who clicked or typed the answer, which may differ from the challenged member in group chats.
type CaptchaResponse struct {
	ChatID      string `json:"chat_id"`
	UserID      string `json:"user_id"`
	ResponderID string `json:"responder_id"`
	Answer      string `json:"answer"`
}

func (r *CaptchaResponse) Validate() error {
	if r.ChatID == "" || r.UserID == "" {
		return &ValidationError{Field: "user_id", Reason: "missing chat or user id"}
	}
	if r.ResponderID == "" {
		return &ValidationError{Field: "responder_id", Reason: "missing responder"}
	}
	return nil
}

// Raw output of an external classifier, before thresholds are applied.
type Classification struct {
	Flagged    bool     `json:"flagged"`
	Confidence float64  `json:"confidence"`
	Categories []string `json:"categories,omitempty"`
	Reason     string   `json:"reason,omitempty"`
}

// Kind of audit entry.
type AuditKind string

const (
	AuditMessage AuditKind = "message"
	AuditJoin    AuditKind = "join"
	AuditCaptcha AuditKind = "captcha"
	AuditReset   AuditKind = "reset"
)

// One row of the moderation audit trail.
type AuditRecord struct {
	ID        string    `json:"id"`
	Kind      AuditKind `json:"kind"`
	ChatID    string    `json:"chat_id"`
	UserID    string    `json:"user_id"`
	MessageID string    `json:"message_id,omitempty"`
	Text      string    `json:"text,omitempty"`
	Verdicts  []Verdict `json:"verdicts,omitempty"`
	Decision  Decision  `json:"decision"`
	CreatedAt time.Time `json:"created_at"`
}
