package session

import (
	"context"
	"sync"
	"time"

	"github.com/bffkit/gateway/internal/metrics"
)

type memoryEntry struct {
	identity  Identity
	expiresAt time.Time
}

// MemoryStore is a mutex-guarded in-process session store. Reads vastly
// outnumber writes, so lookups take the read lock only; expired entries are
// skipped on read and removed by a background sweep.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]memoryEntry
	ttl      time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// sweepInterval controls how often the background sweep removes expired
// entries that were never looked up again.
const sweepInterval = time.Minute

// NewMemoryStore creates an in-memory store with the given fixed TTL and
// starts the background sweep goroutine. Call Stop to terminate it.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	s := &MemoryStore{
		sessions: make(map[string]memoryEntry),
		ttl:      ttl,
		stopCh:   make(chan struct{}),
	}
	go s.sweep()
	return s
}

// Stop terminates the background sweep goroutine.
func (s *MemoryStore) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, identity Identity) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.sessions[token] = memoryEntry{
		identity:  identity.clone(),
		expiresAt: now().Add(s.ttl),
	}
	metrics.SessionsActive.Set(float64(len(s.sessions)))
	s.mu.Unlock()

	return token, nil
}

// Lookup implements Store. Expired entries read as absent even before the
// sweep removes them.
func (s *MemoryStore) Lookup(_ context.Context, token string) (Identity, bool, error) {
	s.mu.RLock()
	entry, ok := s.sessions[token]
	s.mu.RUnlock()

	if !ok || now().After(entry.expiresAt) {
		return Identity{}, false, nil
	}
	return entry.identity.clone(), true, nil
}

// Revoke implements Store. Idempotent.
func (s *MemoryStore) Revoke(_ context.Context, token string) error {
	s.mu.Lock()
	delete(s.sessions, token)
	metrics.SessionsActive.Set(float64(len(s.sessions)))
	s.mu.Unlock()
	return nil
}

// Len implements Store. Counts only unexpired sessions.
func (s *MemoryStore) Len(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	t := now()
	for _, entry := range s.sessions {
		if t.Before(entry.expiresAt) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.removeExpired()
		case <-s.stopCh:
			return
		}
	}
}

func (s *MemoryStore) removeExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := now()
	for token, entry := range s.sessions {
		if t.After(entry.expiresAt) {
			delete(s.sessions, token)
		}
	}
	metrics.SessionsActive.Set(float64(len(s.sessions)))
}
