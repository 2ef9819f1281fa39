package reputation

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Mutual exclusion per key (one chat member), without a global lock. Entries are dropped once nobody holds or waits on them.
type KeyLocks struct {
	locks *xsync.MapOf[string, *keyLock]
}

func NewKeyLocks() *KeyLocks {
	return &KeyLocks{locks: xsync.NewMapOf[string, *keyLock]()}
}

// Blocks until the key is free, returning the release func.
func (kl *KeyLocks) Lock(key string) func() {
	l, _ := kl.locks.Compute(key, func(old *keyLock, loaded bool) (*keyLock, bool) {
		if !loaded {
			old = &keyLock{}
		}
		old.refs++
		return old, false
	})
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		kl.locks.Compute(key, func(old *keyLock, loaded bool) (*keyLock, bool) {
			if !loaded {
				return nil, true
			}
			old.refs--
			return old, old.refs <= 0
		})
	}
}

// Number of keys currently held or waited on.
func (kl *KeyLocks) Len() int {
	return kl.locks.Size()
}
