package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/dav-engine/server/internal/domain"
	"github.com/dav-engine/server/internal/store"
)

func scanSubscription(row interface{ Scan(dest ...any) error }) (*domain.Subscription, error) {
	sub := &domain.Subscription{}
	var expiration string
	if err := row.Scan(&sub.ID, &sub.Topic, &sub.PushResource, &expiration, &sub.VapidPubKey, &sub.AuthSecret); err != nil {
		return nil, err
	}
	sub.Expiration = parseTime(expiration)
	return sub, nil
}

func (s *Store) GetSubscription(ctx context.Context, id string) (*domain.Subscription, error) {
	row := s.queryRow(ctx, `SELECT id, topic, push_resource, expiration, vapid_pub_key, auth_secret FROM subscriptions WHERE id=?`, id)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	return sub, err
}

func (s *Store) GetSubscriptionsByTopic(ctx context.Context, topic string) ([]*domain.Subscription, error) {
	rows, err := s.query(ctx, `SELECT id, topic, push_resource, expiration, vapid_pub_key, auth_secret FROM subscriptions WHERE topic=?`, topic)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *Store) InsertSubscription(ctx context.Context, sub *domain.Subscription) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	_, err := s.exec(ctx, `INSERT INTO subscriptions (id, topic, push_resource, expiration, vapid_pub_key, auth_secret) VALUES (?,?,?,?,?,?)`,
		sub.ID, sub.Topic, sub.PushResource, timeStr(sub.Expiration), sub.VapidPubKey, sub.AuthSecret)
	return err
}

func (s *Store) DeleteSubscription(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM subscriptions WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) PruneExpired(ctx context.Context) (int, error) {
	res, err := s.exec(ctx, `DELETE FROM subscriptions WHERE expiration < ?`, timeStr(time.Now()))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanWebhook(row interface{ Scan(dest ...any) error }) (*domain.WebhookSubscription, error) {
	w := &domain.WebhookSubscription{}
	var kind string
	if err := row.Scan(&w.ID, &w.TargetURL, &kind, &w.ResourceID, &w.SecretKey); err != nil {
		return nil, err
	}
	w.ResourceType = domain.ResourceKind(kind)
	return w, nil
}

func (s *Store) GetWebhookSubscription(ctx context.Context, id string) (*domain.WebhookSubscription, error) {
	row := s.queryRow(ctx, `SELECT id, target_url, resource_type, resource_id, secret_key FROM webhook_subscriptions WHERE id=?`, id)
	w, err := scanWebhook(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	return w, err
}

func (s *Store) GetWebhookSubscriptionsFor(ctx context.Context, kind domain.ResourceKind, resourceID string) ([]*domain.WebhookSubscription, error) {
	rows, err := s.query(ctx, `SELECT id, target_url, resource_type, resource_id, secret_key FROM webhook_subscriptions WHERE resource_type=? AND resource_id=?`, string(kind), resourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.WebhookSubscription
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) UpsertWebhookSubscription(ctx context.Context, sub *domain.WebhookSubscription) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`UPDATE webhook_subscriptions SET target_url=?, resource_type=?, resource_id=?, secret_key=? WHERE id=?`),
			sub.TargetURL, string(sub.ResourceType), sub.ResourceID, sub.SecretKey, sub.ID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO webhook_subscriptions (id, target_url, resource_type, resource_id, secret_key) VALUES (?,?,?,?,?)`),
			sub.ID, sub.TargetURL, string(sub.ResourceType), sub.ResourceID, sub.SecretKey)
		return err
	})
	return err
}

func (s *Store) DeleteWebhookSubscription(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM webhook_subscriptions WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}
