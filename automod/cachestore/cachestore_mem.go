package cachestore

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Classifier results held in process, evicted least-recently-used once capacity is reached and dropped after ttl. Lost on restart; use RedisCacheStore to share results between replicas.
type MemCacheStore struct {
	lru *expirable.LRU[string, string]
}

var _ CacheStore = (*MemCacheStore)(nil)

// A zero ttl keeps entries until evicted by capacity.
func NewMemCacheStore(capacity int, ttl time.Duration) *MemCacheStore {
	return &MemCacheStore{
		lru: expirable.NewLRU[string, string](capacity, nil, ttl),
	}
}

func memCacheKey(name, key string) string {
	return name + "/" + key
}

func (s *MemCacheStore) Get(ctx context.Context, name, key string) (string, error) {
	v, _ := s.lru.Get(memCacheKey(name, key))
	return v, nil
}

func (s *MemCacheStore) Set(ctx context.Context, name, key string, val string) error {
	s.lru.Add(memCacheKey(name, key), val)
	return nil
}

func (s *MemCacheStore) Purge(ctx context.Context, name, key string) error {
	s.lru.Remove(memCacheKey(name, key))
	return nil
}

// Number of cached entries, across all names.
func (s *MemCacheStore) Len() int {
	return s.lru.Len()
}
