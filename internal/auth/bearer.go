package auth

import (
	"context"
	"errors"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/rs/zerolog"

	"github.com/dav-engine/server/internal/cache"
	"github.com/dav-engine/server/internal/config"
	"github.com/dav-engine/server/internal/store"
)

// BearerAuth validates `Authorization: Bearer ...` tokens as OIDC-issued JWT
// access tokens against a JWKS endpoint, mapping the subject claim onto a
// principal id and auto-creating one on first login if
// cfg.Auth.AutoCreatePrincipals is set.
type BearerAuth struct {
	cfg    *config.Config
	store  store.PrincipalStore
	Logger zerolog.Logger

	keyset jwk.Set
	ksAt   time.Time
	ksTTL  time.Duration

	verCache *cache.Cache[string, *Principal]
}

func NewBearerAuth(cfg *config.Config, principals store.PrincipalStore, logger zerolog.Logger) *BearerAuth {
	return &BearerAuth{
		cfg:      cfg,
		store:    principals,
		Logger:   logger,
		ksTTL:    10 * time.Minute,
		verCache: cache.New[string, *Principal](2 * time.Minute),
	}
}

func (b *BearerAuth) Authenticate(ctx context.Context, token string) (*Principal, error) {
	if p, ok := b.verCache.Get(token); ok && p != nil {
		return p, nil
	}

	if b.cfg.Auth.JWKSURL == "" {
		return nil, errors.New("no bearer validation configured")
	}

	set := b.keyset
	var err error
	if set == nil || time.Since(b.ksAt) > b.ksTTL {
		set, err = jwk.Fetch(ctx, b.cfg.Auth.JWKSURL)
		if err != nil {
			return nil, err
		}
		b.keyset = set
		b.ksAt = time.Now()
	}

	tok, err := jwt.Parse([]byte(token), jwt.WithKeySet(set), jwt.WithValidate(true))
	if err != nil {
		return nil, err
	}
	if iss := tok.Issuer(); b.cfg.Auth.Issuer != "" && iss != b.cfg.Auth.Issuer {
		return nil, errors.New("issuer mismatch")
	}
	if aud := tok.Audience(); len(aud) > 0 && b.cfg.Auth.Audience != "" {
		found := false
		for _, a := range aud {
			if a == b.cfg.Auth.Audience {
				found = true
				break
			}
		}
		if !found {
			return nil, errors.New("audience mismatch")
		}
	}
	sub := tok.Subject()
	if sub == "" {
		return nil, errors.New("no sub claim")
	}

	principal, err := b.store.GetPrincipal(ctx, sub)
	if err != nil {
		if !b.cfg.Auth.AutoCreatePrincipals {
			return nil, err
		}
		display, _ := tok.Get("name")
		name, _ := display.(string)
		if name == "" {
			name = sub
		}
		principal, err = b.store.EnsurePrincipal(ctx, sub, name)
		if err != nil {
			return nil, err
		}
	}

	p := &Principal{UserID: principal.ID, Display: principal.DisplayName}
	b.verCache.Set(token, p, time.Now().Add(2*time.Minute))
	return p, nil
}
