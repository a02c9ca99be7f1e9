package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/dav-engine/server/internal/config"
	"github.com/dav-engine/server/internal/store"
)

// SessionAuth issues and validates opaque session cookie values, mapping
// them to a principal id. Sessions live in-process; a server restart
// invalidates all of them, matching the store's own in-memory backend.
type SessionAuth struct {
	cfg   *config.Config
	store store.PrincipalStore

	mu       sync.Mutex
	sessions map[string]sessionEntry
}

type sessionEntry struct {
	principalID string
	expiresAt   time.Time
}

func NewSessionAuth(cfg *config.Config, principals store.PrincipalStore) *SessionAuth {
	return &SessionAuth{cfg: cfg, store: principals, sessions: map[string]sessionEntry{}}
}

// Issue mints a new opaque session value for p, valid for cfg.Auth.SessionTTL.
func (s *SessionAuth) Issue(p *Principal) string {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	value := hex.EncodeToString(buf)

	s.mu.Lock()
	s.sessions[value] = sessionEntry{
		principalID: p.UserID,
		expiresAt:   time.Now().Add(s.cfg.Auth.SessionTTL),
	}
	s.mu.Unlock()
	return value
}

// Authenticate resolves a session cookie value to a Principal.
func (s *SessionAuth) Authenticate(ctx context.Context, value string) (*Principal, error) {
	s.mu.Lock()
	entry, ok := s.sessions[value]
	if ok && time.Now().After(entry.expiresAt) {
		delete(s.sessions, value)
		ok = false
	}
	s.mu.Unlock()
	if !ok {
		return nil, errors.New("session not found or expired")
	}
	principal, err := s.store.GetPrincipal(ctx, entry.principalID)
	if err != nil {
		return nil, err
	}
	return &Principal{UserID: principal.ID, Display: principal.DisplayName}, nil
}

// Revoke removes a session value immediately (logout).
func (s *SessionAuth) Revoke(value string) {
	s.mu.Lock()
	delete(s.sessions, value)
	s.mu.Unlock()
}
