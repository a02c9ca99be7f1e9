package sqlstore

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"

	"github.com/dav-engine/server/internal/domain"
	"github.com/dav-engine/server/internal/store"
)

func hashSecret(secret string) string {
	h := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(h[:])
}

func (s *Store) GetPrincipal(ctx context.Context, id string) (*domain.Principal, error) {
	row := s.queryRow(ctx, `SELECT id, display_name, type, password_hash FROM principals WHERE id = ?`, id)
	p := &domain.Principal{}
	if err := row.Scan(&p.ID, &p.DisplayName, &p.Type, &p.PasswordHash); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if err := s.loadMemberships(ctx, p); err != nil {
		return nil, err
	}
	if err := s.loadAppTokens(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Store) loadMemberships(ctx context.Context, p *domain.Principal) error {
	rows, err := s.query(ctx, `SELECT group_id FROM principal_memberships WHERE principal_id = ?`, p.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return err
		}
		p.Memberships = append(p.Memberships, g)
	}
	return rows.Err()
}

func (s *Store) loadAppTokens(ctx context.Context, p *domain.Principal) error {
	rows, err := s.query(ctx, `SELECT token_hash FROM principal_app_tokens WHERE principal_id = ?`, p.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return err
		}
		p.AppTokens = append(p.AppTokens, t)
	}
	return rows.Err()
}

func (s *Store) EnsurePrincipal(ctx context.Context, id, displayName string) (*domain.Principal, error) {
	if p, err := s.GetPrincipal(ctx, id); err == nil {
		return p, nil
	}
	_, err := s.exec(ctx, `INSERT INTO principals (id, display_name, type, password_hash) VALUES (?, ?, 'individual', '')`, id, displayName)
	if err != nil {
		return nil, err
	}
	return &domain.Principal{ID: id, DisplayName: displayName, Type: domain.PrincipalIndividual}, nil
}

func (s *Store) ValidatePassword(ctx context.Context, id, password string) (*domain.Principal, error) {
	p, err := s.GetPrincipal(ctx, id)
	if err != nil || p.PasswordHash == "" {
		return nil, store.ErrNotFound
	}
	if subtle.ConstantTimeCompare([]byte(p.PasswordHash), []byte(hashSecret(password))) != 1 {
		return nil, store.ErrNotFound
	}
	return p, nil
}

// SetPassword installs or updates a principal's password, a bootstrap-only
// helper invoked via type assertion by the migrate command, mirroring the
// teacher's backend-specific CreateCalendar helper.
func (s *Store) SetPassword(ctx context.Context, id, displayName, password string) error {
	if _, err := s.EnsurePrincipal(ctx, id, displayName); err != nil {
		return err
	}
	_, err := s.exec(ctx, `UPDATE principals SET password_hash = ?, display_name = ? WHERE id = ?`, hashSecret(password), displayName, id)
	return err
}

func (s *Store) ValidateAppToken(ctx context.Context, id, token string) (*domain.Principal, error) {
	p, err := s.GetPrincipal(ctx, id)
	if err != nil {
		return nil, store.ErrNotFound
	}
	want := hashSecret(token)
	for _, t := range p.AppTokens {
		if subtle.ConstantTimeCompare([]byte(t), []byte(want)) == 1 {
			return p, nil
		}
	}
	return nil, store.ErrNotFound
}
