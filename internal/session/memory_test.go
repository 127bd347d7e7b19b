package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bffkit/gateway/internal/metrics"
)

func init() {
	metrics.Init()
}

func testIdentity() Identity {
	return Identity{
		UserID:   "u-123",
		Username: "alice",
		Roles:    []string{"user"},
	}
}

func TestMemoryStore_CreateThenLookup(t *testing.T) {
	s := NewMemoryStore(30 * time.Minute)
	defer s.Stop()
	ctx := context.Background()

	token, err := s.Create(ctx, testIdentity())
	if err != nil {
		t.Fatal(err)
	}
	if len(token) != tokenBytes*2 {
		t.Fatalf("token length = %d, want %d hex chars", len(token), tokenBytes*2)
	}

	got, ok, err := s.Lookup(ctx, token)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected fresh token to resolve")
	}
	if got.UserID != "u-123" || got.Username != "alice" || len(got.Roles) != 1 || got.Roles[0] != "user" {
		t.Fatalf("identity = %+v, want the stored record unchanged", got)
	}
}

func TestMemoryStore_UnknownTokenIsAbsent(t *testing.T) {
	s := NewMemoryStore(30 * time.Minute)
	defer s.Stop()

	_, ok, err := s.Lookup(context.Background(), "deadbeef")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected unknown token to be absent")
	}
}

func TestMemoryStore_TokensAreUnique(t *testing.T) {
	s := NewMemoryStore(30 * time.Minute)
	defer s.Stop()
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		token, err := s.Create(ctx, testIdentity())
		if err != nil {
			t.Fatal(err)
		}
		if seen[token] {
			t.Fatalf("duplicate token generated: %s", token)
		}
		seen[token] = true
	}
}

func TestMemoryStore_ExpiredTokenIsAbsent(t *testing.T) {
	s := NewMemoryStore(30 * time.Minute)
	defer s.Stop()
	ctx := context.Background()

	token, err := s.Create(ctx, testIdentity())
	if err != nil {
		t.Fatal(err)
	}

	// Jump past the TTL.
	defer func() { now = time.Now }()
	now = func() time.Time { return time.Now().Add(31 * time.Minute) }

	_, ok, err := s.Lookup(ctx, token)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected expired token to be absent")
	}
}

func TestMemoryStore_SweepRemovesExpired(t *testing.T) {
	s := NewMemoryStore(30 * time.Minute)
	defer s.Stop()
	ctx := context.Background()

	if _, err := s.Create(ctx, testIdentity()); err != nil {
		t.Fatal(err)
	}

	defer func() { now = time.Now }()
	now = func() time.Time { return time.Now().Add(31 * time.Minute) }

	s.removeExpired()

	s.mu.RLock()
	remaining := len(s.sessions)
	s.mu.RUnlock()
	if remaining != 0 {
		t.Fatalf("sessions after sweep = %d, want 0", remaining)
	}
}

func TestMemoryStore_RevokeIsIdempotent(t *testing.T) {
	s := NewMemoryStore(30 * time.Minute)
	defer s.Stop()
	ctx := context.Background()

	token, err := s.Create(ctx, testIdentity())
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Revoke(ctx, token); err != nil {
		t.Fatalf("first revoke: %v", err)
	}
	if err := s.Revoke(ctx, token); err != nil {
		t.Fatalf("second revoke: %v", err)
	}
	if err := s.Revoke(ctx, "never-existed"); err != nil {
		t.Fatalf("revoking absent token: %v", err)
	}

	_, ok, _ := s.Lookup(ctx, token)
	if ok {
		t.Fatal("expected revoked token to be absent")
	}
}

func TestMemoryStore_LookupReturnsCopy(t *testing.T) {
	s := NewMemoryStore(30 * time.Minute)
	defer s.Stop()
	ctx := context.Background()

	token, err := s.Create(ctx, testIdentity())
	if err != nil {
		t.Fatal(err)
	}

	got, _, _ := s.Lookup(ctx, token)
	got.Roles[0] = "admin"

	again, _, _ := s.Lookup(ctx, token)
	if again.Roles[0] != "user" {
		t.Fatal("mutating a looked-up identity must not affect the stored record")
	}
}

func TestMemoryStore_Len(t *testing.T) {
	s := NewMemoryStore(30 * time.Minute)
	defer s.Stop()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.Create(ctx, testIdentity()); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.Len(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("Len = %d, want 3", n)
	}
}

func TestMemoryStore_ConcurrentAccess(t *testing.T) {
	s := NewMemoryStore(30 * time.Minute)
	defer s.Stop()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := s.Create(ctx, testIdentity())
			if err != nil {
				t.Error(err)
				return
			}
			if _, ok, _ := s.Lookup(ctx, token); !ok {
				t.Error("created session not found")
			}
			if err := s.Revoke(ctx, token); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
}
