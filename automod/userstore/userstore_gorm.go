package userstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chatwarden/warden/automod/event"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// One member of one chat.
type UserRow struct {
	ChatID      string `gorm:"primaryKey"`
	UserID      string `gorm:"primaryKey"`
	Username    string
	DisplayName string
	IsBot       bool
	Status      string `gorm:"index"`

	Violations      int
	LastViolationAt *time.Time
	SoftViolations  int
	SoftWindowStart *time.Time
	Mutes           int
	MutedUntil      *time.Time
	Banned          bool `gorm:"index"`
	BannedAt        *time.Time
	JoinedAt        *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (UserRow) TableName() string {
	return "users"
}

type AuditRow struct {
	ID        string `gorm:"primaryKey"`
	Kind      string
	ChatID    string `gorm:"index:idx_audit_chat_created"`
	UserID    string `gorm:"index"`
	MessageID string
	Text      string
	Action    string `gorm:"index"`
	// JSON-encoded []event.Verdict
	Verdicts string
	// JSON-encoded event.Decision
	Decision  string
	CreatedAt time.Time `gorm:"index:idx_audit_chat_created"`
}

func (AuditRow) TableName() string {
	return "audit_log"
}

type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

// Wraps an open database handle and migrates the schema.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&UserRow{}, &AuditRow{}); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate user store: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) LoadUser(ctx context.Context, chatID, userID string) (*event.User, error) {
	var row UserRow
	err := s.db.WithContext(ctx).Where("chat_id = ? AND user_id = ?", chatID, userID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u := row.toUser()
	return &u, nil
}

func (s *GormStore) SaveUser(ctx context.Context, u *event.User) error {
	row := userRowFrom(u)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func (s *GormStore) AppendAudit(ctx context.Context, rec *event.AuditRecord) error {
	verdicts, err := json.Marshal(rec.Verdicts)
	if err != nil {
		return err
	}
	decision, err := json.Marshal(rec.Decision)
	if err != nil {
		return err
	}
	row := AuditRow{
		ID:        rec.ID,
		Kind:      string(rec.Kind),
		ChatID:    rec.ChatID,
		UserID:    rec.UserID,
		MessageID: rec.MessageID,
		Text:      rec.Text,
		Action:    string(rec.Decision.Action),
		Verdicts:  string(verdicts),
		Decision:  string(decision),
		CreatedAt: rec.CreatedAt,
	}
	// retried writes of the same record are no-ops
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

func (s *GormStore) ListAudit(ctx context.Context, chatID string, limit int) ([]event.AuditRecord, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if chatID != "" {
		q = q.Where("chat_id = ?", chatID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []AuditRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]event.AuditRecord, 0, len(rows))
	for _, row := range rows {
		rec := event.AuditRecord{
			ID:        row.ID,
			Kind:      event.AuditKind(row.Kind),
			ChatID:    row.ChatID,
			UserID:    row.UserID,
			MessageID: row.MessageID,
			Text:      row.Text,
			CreatedAt: row.CreatedAt,
		}
		if row.Verdicts != "" {
			if err := json.Unmarshal([]byte(row.Verdicts), &rec.Verdicts); err != nil {
				return nil, fmt.Errorf("audit record %s: %w", row.ID, err)
			}
		}
		if row.Decision != "" {
			if err := json.Unmarshal([]byte(row.Decision), &rec.Decision); err != nil {
				return nil, fmt.Errorf("audit record %s: %w", row.ID, err)
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *GormStore) Stats(ctx context.Context, chatID string) (Stats, error) {
	q := s.db.WithContext(ctx).Model(&UserRow{}).Select(
		"COUNT(*) AS total, "+
			"COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS verified, "+
			"COALESCE(SUM(CASE WHEN violations > 0 THEN 1 ELSE 0 END), 0) AS with_violations, "+
			"COALESCE(SUM(CASE WHEN banned THEN 1 ELSE 0 END), 0) AS banned",
		string(event.StatusVerified),
	)
	if chatID != "" {
		q = q.Where("chat_id = ?", chatID)
	}
	var st Stats
	if err := q.Scan(&st).Error; err != nil {
		return Stats{}, fmt.Errorf("counting members: %w", err)
	}
	st.Unverified = st.Total - st.Verified
	return st, nil
}

func userRowFrom(u *event.User) UserRow {
	return UserRow{
		ChatID:          u.ChatID,
		UserID:          u.UserID,
		Username:        u.Username,
		DisplayName:     u.DisplayName,
		IsBot:           u.IsBot,
		Status:          string(u.Status),
		Violations:      u.Violations,
		LastViolationAt: u.LastViolationAt,
		SoftViolations:  u.SoftViolations,
		SoftWindowStart: u.SoftWindowStart,
		Mutes:           u.Mutes,
		MutedUntil:      u.MutedUntil,
		Banned:          u.Banned,
		BannedAt:        u.BannedAt,
		JoinedAt:        u.JoinedAt,
		CreatedAt:       u.CreatedAt,
	}
}

func (row *UserRow) toUser() event.User {
	return event.User{
		ChatID:          row.ChatID,
		UserID:          row.UserID,
		Username:        row.Username,
		DisplayName:     row.DisplayName,
		IsBot:           row.IsBot,
		Status:          event.UserStatus(row.Status),
		Violations:      row.Violations,
		LastViolationAt: row.LastViolationAt,
		SoftViolations:  row.SoftViolations,
		SoftWindowStart: row.SoftWindowStart,
		Mutes:           row.Mutes,
		MutedUntil:      row.MutedUntil,
		Banned:          row.Banned,
		BannedAt:        row.BannedAt,
		JoinedAt:        row.JoinedAt,
		CreatedAt:       row.CreatedAt,
	}
}
