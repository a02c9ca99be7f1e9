package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dav-engine/server/internal/store"
)

// BasicAuth validates RFC 7617 Basic credentials against a principal's
// stored password hash.
type BasicAuth struct {
	Store  store.PrincipalStore
	Logger zerolog.Logger
}

func (b *BasicAuth) Authenticate(ctx context.Context, header string) (*Principal, error) {
	if header == "" {
		return nil, errors.New("no auth")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "basic" {
		return nil, errors.New("not basic")
	}
	dec, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, err
	}
	creds := strings.SplitN(string(dec), ":", 2)
	if len(creds) != 2 {
		return nil, errors.New("malformed basic")
	}
	username, secret := creds[0], creds[1]

	// App-token is tried first: it is the credential CalDAV clients are
	// expected to store. Both stores check app-tokens and passwords against
	// the same unsalted SHA-256 hash, so the order does not change the cost.
	if principal, err := b.Store.ValidateAppToken(ctx, username, secret); err == nil {
		return &Principal{UserID: principal.ID, Display: principal.DisplayName}, nil
	}
	principal, err := b.Store.ValidatePassword(ctx, username, secret)
	if err != nil {
		return nil, err
	}
	return &Principal{UserID: principal.ID, Display: principal.DisplayName}, nil
}
