package setstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
)

// Well-known set names consumed by the moderation rules.
const (
	SetStopWords       = "stop-words"
	SetSuspiciousWords = "suspicious-words"
	SetAllowedDomains  = "allowed-domains"
)

type SetStore interface {
	InSet(ctx context.Context, name, val string) (bool, error)
	// Returns all members of the named set, sorted. Unknown sets are empty.
	Members(ctx context.Context, name string) ([]string, error)
}

type MemSetStore struct {
	lk   sync.RWMutex
	Sets map[string]map[string]bool
}

func NewMemSetStore() *MemSetStore {
	return &MemSetStore{
		Sets: make(map[string]map[string]bool),
	}
}

func (s *MemSetStore) InSet(ctx context.Context, name, val string) (bool, error) {
	s.lk.RLock()
	defer s.lk.RUnlock()
	set, ok := s.Sets[name]
	if !ok {
		// NOTE: currently returns false when entire set isn't found
		return false, nil
	}
	_, ok = set[val]
	return ok, nil
}

func (s *MemSetStore) Members(ctx context.Context, name string) ([]string, error) {
	s.lk.RLock()
	defer s.lk.RUnlock()
	set := s.Sets[name]
	out := make([]string, 0, len(set))
	for val := range set {
		out = append(out, val)
	}
	sort.Strings(out)
	return out, nil
}

// Adds values to a set, creating it if needed.
func (s *MemSetStore) Add(name string, vals ...string) {
	s.lk.Lock()
	defer s.lk.Unlock()
	m, ok := s.Sets[name]
	if !ok {
		m = make(map[string]bool, len(vals))
		s.Sets[name] = m
	}
	for _, v := range vals {
		m[v] = true
	}
}

// Loads a JSON object mapping set names to arrays of strings. Sets present in the file replace any existing set of the same name.
func (s *MemSetStore) LoadFromFileJSON(p string) error {

	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	return s.LoadJSON(f)
}

func (s *MemSetStore) LoadJSON(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	var rules map[string][]string
	if err := json.Unmarshal(raw, &rules); err != nil {
		return fmt.Errorf("parsing set file: %w", err)
	}

	s.lk.Lock()
	defer s.lk.Unlock()
	for name, l := range rules {
		m := make(map[string]bool, len(l))
		for _, val := range l {
			m[val] = true
		}
		s.Sets[name] = m
	}
	return nil
}
