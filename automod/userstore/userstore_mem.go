package userstore

import (
	"context"
	"sync"

	"github.com/chatwarden/warden/automod/event"
)

type MemStore struct {
	lk    sync.Mutex
	users map[string]event.User
	audit []event.AuditRecord
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		users: make(map[string]event.User),
	}
}

func (s *MemStore) LoadUser(ctx context.Context, chatID, userID string) (*event.User, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	u, ok := s.users[event.UserKey(chatID, userID)]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (s *MemStore) SaveUser(ctx context.Context, u *event.User) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.users[u.Key()] = *u
	return nil
}

func (s *MemStore) AppendAudit(ctx context.Context, rec *event.AuditRecord) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.audit = append(s.audit, *rec)
	return nil
}

func (s *MemStore) ListAudit(ctx context.Context, chatID string, limit int) ([]event.AuditRecord, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	out := []event.AuditRecord{}
	for i := len(s.audit) - 1; i >= 0; i-- {
		if chatID != "" && s.audit[i].ChatID != chatID {
			continue
		}
		out = append(out, s.audit[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemStore) Stats(ctx context.Context, chatID string) (Stats, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	var st Stats
	for _, u := range s.users {
		if chatID != "" && u.ChatID != chatID {
			continue
		}
		st.Total++
		if u.Verified() {
			st.Verified++
		}
		if u.Violations > 0 {
			st.WithViolations++
		}
		if u.Banned {
			st.Banned++
		}
	}
	st.Unverified = st.Total - st.Verified
	return st, nil
}
