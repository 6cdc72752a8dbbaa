package auth

import (
	"sync"
	"time"
)

// revocationList holds the ids of admin tokens ended by logout until the
// tokens would have expired anyway. Expired entries are pruned on write.
type revocationList struct {
	mu      sync.RWMutex
	entries map[string]time.Time // jti -> token expiry
	now     func() time.Time
}

func newRevocationList() *revocationList {
	return &revocationList{entries: make(map[string]time.Time), now: time.Now}
}

func (l *revocationList) Revoke(jti string, expiresAt time.Time) {
	if jti == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for id, exp := range l.entries {
		if !exp.After(now) {
			delete(l.entries, id)
		}
	}
	l.entries[jti] = expiresAt
}

func (l *revocationList) IsRevoked(jti string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.entries[jti]
	return ok
}

func (l *revocationList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
