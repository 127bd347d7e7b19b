// Package session provides the opaque-token session store backing the
// gateway's cookie authentication. Two implementations exist: an in-memory
// store for single-instance deployments and tests, and a Redis-backed store
// for deployments where sessions must survive gateway restarts.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"
)

// Identity is the authenticated-identity record stored per session token.
// Stores hand out copies only; a record is never shared by reference with
// callers.
type Identity struct {
	UserID   string   `json:"user_id"`
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
}

// clone returns a deep copy so callers can never mutate stored state.
func (id Identity) clone() Identity {
	out := id
	out.Roles = append([]string(nil), id.Roles...)
	return out
}

// ErrUnavailable indicates the backing store could not be reached. Lookup
// callers treat it as an authentication failure but it is logged separately.
var ErrUnavailable = errors.New("session store unavailable")

// Store is the session CRUD contract. Tokens are opaque and unguessable;
// records expire on a fixed TTL from creation (not sliding).
type Store interface {
	// Create stores the identity under a fresh token and returns the token.
	Create(ctx context.Context, identity Identity) (string, error)

	// Lookup returns the identity for a token. ok is false for missing,
	// expired, or revoked tokens.
	Lookup(ctx context.Context, token string) (identity Identity, ok bool, err error)

	// Revoke removes a session unconditionally. Revoking an absent token
	// is not an error.
	Revoke(ctx context.Context, token string) error

	// Len reports the number of live sessions (admin/introspection).
	Len(ctx context.Context) (int, error)
}

// tokenBytes gives 256 bits of entropy per token.
const tokenBytes = 32

// newToken generates a fresh opaque session token from crypto/rand.
func newToken() (string, error) {
	var buf [tokenBytes]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}

// now is swappable in tests.
var now = time.Now
