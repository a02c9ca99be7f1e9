// Package fanout drains the store's change bus and dispatches WebDAV-Push
// notifications and JSON webhook deliveries, grounded on the push/webhook
// notifier pattern described in spec §4.I (the teacher carries no fan-out
// component of its own).
package fanout

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dav-engine/server/internal/config"
	"github.com/dav-engine/server/internal/domain"
	"github.com/dav-engine/server/internal/store"
)

// Dispatcher drains a ChangeBus and fans each record out to push
// subscribers and webhook subscribers independently and without blocking
// the bus consumer loop on slow deliveries.
type Dispatcher struct {
	subs     store.SubscriptionStore
	webhooks store.WebhookSubscriptionStore
	cfg      config.FanoutConfig
	client   *http.Client
	logger   zerolog.Logger

	wg sync.WaitGroup
}

// New builds a Dispatcher reading from subs/webhooks per cfg.
func New(subs store.SubscriptionStore, webhooks store.WebhookSubscriptionStore, cfg config.FanoutConfig, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		subs:     subs,
		webhooks: webhooks,
		cfg:      cfg,
		client:   &http.Client{Timeout: 15 * time.Second},
		logger:   logger,
	}
}

// Run drains bus until ctx is canceled, dispatching each record in its own
// goroutine so a slow subscriber never delays the next change. It blocks
// until ctx is done and every in-flight delivery has returned.
func (d *Dispatcher) Run(ctx context.Context, bus *store.ChangeBus) {
	ch := bus.Subscribe()
	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return
		case rec, ok := <-ch:
			if !ok {
				d.wg.Wait()
				return
			}
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				d.dispatch(ctx, rec)
			}()
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, rec domain.ChangeRecord) {
	d.dispatchPush(ctx, rec)
	d.dispatchWebhooks(ctx, rec)
}

type pushMessage struct {
	XMLName   xml.Name `xml:"https://bitfire.at/webdav-push push-message"`
	Topic     string   `xml:"https://bitfire.at/webdav-push topic"`
	SyncToken string   `xml:"DAV: sync-token"`
}

func (d *Dispatcher) dispatchPush(ctx context.Context, rec domain.ChangeRecord) {
	if rec.Topic == "" {
		return
	}
	subs, err := d.subs.GetSubscriptionsByTopic(ctx, rec.Topic)
	if err != nil {
		d.logger.Warn().Err(err).Str("topic", rec.Topic).Msg("fanout: subscription lookup failed")
		return
	}
	if len(subs) == 0 {
		return
	}
	body, err := xml.Marshal(pushMessage{Topic: rec.Topic, SyncToken: rec.SyncToken})
	if err != nil {
		return
	}
	for _, sub := range subs {
		sub := sub
		if len(d.cfg.PushAllowedOrigins) > 0 && !originAllowed(sub.PushResource, d.cfg.PushAllowedOrigins) {
			d.logger.Warn().Str("url", sub.PushResource).Msg("fanout: push origin not allow-listed, dropping")
			continue
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.PushResource, bytes.NewReader(body))
		if err != nil {
			continue
		}
		req.Header.Set("Content-Type", "application/xml; charset=utf-8")
		resp, err := d.client.Do(req)
		if err != nil {
			d.logger.Warn().Err(err).Str("url", sub.PushResource).Msg("fanout: push delivery failed")
			continue
		}
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			d.logger.Warn().Int("status", resp.StatusCode).Str("url", sub.PushResource).Msg("fanout: push delivery rejected")
		}
	}
}

func originAllowed(rawURL string, allowed []string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	origin := u.Scheme + "://" + u.Host
	for _, a := range allowed {
		if strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

type webhookPayload struct {
	ResourceType domain.ResourceKind `json:"resource_type"`
	ResourceID   string              `json:"resource_id"`
	Kind         domain.ChangeKind   `json:"kind"`
	SyncToken    string              `json:"sync_token"`
}

func (d *Dispatcher) dispatchWebhooks(ctx context.Context, rec domain.ChangeRecord) {
	subs, err := d.webhooks.GetWebhookSubscriptionsFor(ctx, rec.ResourceType, rec.ResourceID)
	if err != nil {
		d.logger.Warn().Err(err).Msg("fanout: webhook subscription lookup failed")
		return
	}
	if len(subs) == 0 {
		return
	}
	payload, err := json.Marshal(webhookPayload{
		ResourceType: rec.ResourceType,
		ResourceID:   rec.ResourceID,
		Kind:         rec.Kind,
		SyncToken:    rec.SyncToken,
	})
	if err != nil {
		return
	}
	for _, sub := range subs {
		sub := sub
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.deliverWebhook(ctx, sub, payload)
		}()
	}
}

func (d *Dispatcher) deliverWebhook(ctx context.Context, sub *domain.WebhookSubscription, payload []byte) {
	maxAttempts := d.cfg.WebhookMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	backoff := d.cfg.WebhookBaseBackoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.TargetURL, bytes.NewReader(payload))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
			if sub.SecretKey != "" {
				req.Header.Set("X-Signature", signPayload(payload, sub.SecretKey))
			}
			resp, doErr := d.client.Do(req)
			if doErr == nil {
				resp.Body.Close()
				if resp.StatusCode >= 200 && resp.StatusCode < 300 {
					return
				}
			}
		}
		if attempt == maxAttempts {
			d.logger.Warn().Str("url", sub.TargetURL).Int("attempts", attempt).Msg("fanout: webhook delivery exhausted retries")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func signPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
