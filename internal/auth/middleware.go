// Package auth implements the authentication adapter (§4.J): HTTP Basic
// against a principal's app-tokens or password hash, optional bearer
// JWT/OIDC verification with first-login auto-create, and opaque session
// cookies. Each scheme reports a *Principal on success; the HTTP layer
// chooses which schemes to try via the Chain.
package auth

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/dav-engine/server/internal/config"
	"github.com/dav-engine/server/internal/store"
)

// Principal is the authenticated identity attached to a request context.
type Principal struct {
	UserID  string
	Display string
}

type ctxKey int

const principalKey ctxKey = 1

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom retrieves the Principal previously attached by WithPrincipal.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok
}

// Chain holds the enabled authentication schemes, constructed once at
// startup and threaded explicitly through handler state.
type Chain struct {
	cfg     *config.Config
	store   store.PrincipalStore
	logger  zerolog.Logger
	basic   *BasicAuth
	bearer  *BearerAuth
	session *SessionAuth
}

// NewChain builds the enabled schemes according to cfg.Auth.
func NewChain(cfg *config.Config, principals store.PrincipalStore, logger zerolog.Logger) *Chain {
	c := &Chain{cfg: cfg, store: principals, logger: logger}
	if cfg.Auth.EnableBasic {
		c.basic = &BasicAuth{Store: principals, Logger: logger}
	}
	if cfg.Auth.EnableBearer {
		c.bearer = NewBearerAuth(cfg, principals, logger)
	}
	c.session = NewSessionAuth(cfg, principals)
	return c
}

func (c *Chain) BasicEnabled() bool   { return c.basic != nil }
func (c *Chain) BearerEnabled() bool  { return c.bearer != nil }
func (c *Chain) SessionEnabled() bool { return c.session != nil }

// BasicAuthenticate validates an `Authorization: Basic ...` header.
func (c *Chain) BasicAuthenticate(ctx context.Context, header string) (*Principal, error) {
	if c.basic == nil {
		return nil, errors.New("basic scheme disabled")
	}
	return c.basic.Authenticate(ctx, header)
}

// BearerAuthenticate validates an `Authorization: Bearer ...` token as a
// JWT/OIDC access token. App-tokens are not checked here; they are accepted
// as the password of a Basic credential.
func (c *Chain) BearerAuthenticate(ctx context.Context, token string) (*Principal, error) {
	if c.bearer == nil {
		return nil, errors.New("bearer scheme disabled")
	}
	return c.bearer.Authenticate(ctx, token)
}

// SessionAuthenticate validates an opaque session cookie value minted by a
// prior successful login.
func (c *Chain) SessionAuthenticate(ctx context.Context, cookieValue string) (*Principal, error) {
	if c.session == nil {
		return nil, errors.New("session scheme disabled")
	}
	return c.session.Authenticate(ctx, cookieValue)
}

// IssueSession mints a new opaque session cookie value for p.
func (c *Chain) IssueSession(p *Principal) string {
	return c.session.Issue(p)
}
