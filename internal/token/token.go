// Package token issues the ephemeral credentials that scope one executor
// process to one session. Tokens live only in memory: a restarted daemon has
// no live executors to authorize, so nothing is persisted.
package token

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"
)

// UnlimitedUses disables the use counter on a token; it remains valid until
// expiry or explicit revocation.
const UnlimitedUses = -1

// Sentinel errors returned by Validate.
var (
	ErrTokenUnknown   = errors.New("unknown session token")
	ErrTokenExpired   = errors.New("session token expired")
	ErrTokenExhausted = errors.New("session token uses exhausted")
)

// Grant records what a token authorizes.
type Grant struct {
	SessionID     string
	UserID        string
	ExpiresAt     time.Time
	UsesRemaining int
}

// Issuer mints and revokes session tokens. Safe for concurrent use.
type Issuer struct {
	mu     sync.RWMutex
	grants map[string]*Grant
	now    func() time.Time
}

// NewIssuer creates an empty issuer.
func NewIssuer() *Issuer {
	return &Issuer{
		grants: make(map[string]*Grant),
		now:    time.Now,
	}
}

// Issue mints a token authorizing one executor to act on a session on behalf
// of a user. maxUses of UnlimitedUses means no use counter.
func (i *Issuer) Issue(sessionID, userID string, ttl time.Duration, maxUses int) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	tok := hex.EncodeToString(buf)

	i.mu.Lock()
	i.grants[tok] = &Grant{
		SessionID:     sessionID,
		UserID:        userID,
		ExpiresAt:     i.now().Add(ttl),
		UsesRemaining: maxUses,
	}
	i.mu.Unlock()
	return tok, nil
}

// Validate checks a token, decrements its use counter, and returns a copy of
// its grant. Expired and exhausted tokens are removed.
func (i *Issuer) Validate(tok string) (*Grant, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	grant, ok := i.grants[tok]
	if !ok {
		return nil, ErrTokenUnknown
	}
	if i.now().After(grant.ExpiresAt) {
		delete(i.grants, tok)
		return nil, ErrTokenExpired
	}
	if grant.UsesRemaining == 0 {
		delete(i.grants, tok)
		return nil, ErrTokenExhausted
	}
	if grant.UsesRemaining > 0 {
		grant.UsesRemaining--
	}

	copy := *grant
	return &copy, nil
}

// Revoke removes a token. Revoking an unknown token is a no-op.
func (i *Issuer) Revoke(tok string) {
	i.mu.Lock()
	delete(i.grants, tok)
	i.mu.Unlock()
}

// Active returns the number of live grants. Used for daemon introspection.
func (i *Issuer) Active() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.grants)
}
