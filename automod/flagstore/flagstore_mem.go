package flagstore

import (
	"context"
	"sort"
	"sync"
)

type MemFlagStore struct {
	lk   *sync.Mutex
	Data map[string][]string
}

func NewMemFlagStore() MemFlagStore {
	return MemFlagStore{
		lk:   &sync.Mutex{},
		Data: make(map[string][]string),
	}
}

func (s MemFlagStore) Get(ctx context.Context, key string) ([]string, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	v, ok := s.Data[key]
	if !ok {
		return []string{}, nil
	}
	out := make([]string, len(v))
	copy(out, v)
	return out, nil
}

func (s MemFlagStore) Add(ctx context.Context, key string, flags []string) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	v, ok := s.Data[key]
	if !ok {
		v = []string{}
	}
	v = append(v, flags...)
	v = dedupeStrings(v)
	s.Data[key] = v
	return nil
}

// does not error if flags not in set
func (s MemFlagStore) Remove(ctx context.Context, key string, flags []string) error {
	if len(flags) == 0 {
		return nil
	}
	s.lk.Lock()
	defer s.lk.Unlock()
	v, ok := s.Data[key]
	if !ok {
		v = []string{}
	}
	m := make(map[string]bool, len(v))
	for _, f := range v {
		m[f] = true
	}
	for _, f := range flags {
		delete(m, f)
	}
	out := []string{}
	for f := range m {
		out = append(out, f)
	}
	sort.Strings(out)
	s.Data[key] = out
	return nil
}
