// Package websub implements a WebSub hub scoped to this site's own feed
// URLs: subscription verification by challenge echo, lease management, and
// signed content fanout on publish.
package websub

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/burrowhq/burrow/internal/config"
	"github.com/burrowhq/burrow/internal/store"
	"github.com/burrowhq/burrow/pkg/models"
)

// transportRetries is how many times a callback delivery is retried at the
// transport level before the fanout gives up on it.
const transportRetries = 3

// Request errors; handlers map these onto 400 responses.
var (
	ErrUnknownMode  = errors.New("hub.mode must be subscribe or unsubscribe")
	ErrBadTopic     = errors.New("hub.topic must be one of this site's feed URLs")
	ErrBadCallback  = errors.New("hub.callback must be a valid URL")
	ErrMissingTopic = errors.New("hub.url is required")
)

// ContentFetcher renders a topic locally, without a network hop back into
// the server. It returns the feed body and its content type.
type ContentFetcher func(ctx context.Context, topic string) (body []byte, contentType string, err error)

// Hub verifies subscriptions and fans published topics out to subscribers.
type Hub struct {
	store  store.Store
	cfg    *config.Config
	fetch  ContentFetcher
	client *http.Client
	wg     sync.WaitGroup
}

// NewHub creates a hub serving the site's feed topics.
func NewHub(st store.Store, cfg *config.Config, fetch ContentFetcher) *Hub {
	return &Hub{
		store: st,
		cfg:   cfg,
		fetch: fetch,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Wait blocks until all background verification and fanout tasks finish.
func (h *Hub) Wait() { h.wg.Wait() }

// validTopic accepts only URLs under this site's feed root.
func (h *Hub) validTopic(topic string) bool {
	return strings.HasPrefix(topic, h.cfg.FeedURL())
}

// Subscribe validates a subscription request and launches the challenge
// verification in the background. lease of zero means the caller did not
// ask, which grants the maximum.
func (h *Hub) Subscribe(ctx context.Context, mode, topic, callback string, lease time.Duration, secret string) error {
	if mode != "subscribe" && mode != "unsubscribe" {
		return ErrUnknownMode
	}
	if !h.validTopic(topic) {
		return ErrBadTopic
	}
	if u, err := url.Parse(callback); err != nil || u.Scheme == "" || u.Host == "" {
		return ErrBadCallback
	}
	if lease <= 0 || lease > models.MaxLease {
		lease = models.MaxLease
	}

	h.wg.Add(1)
	bg := context.WithoutCancel(ctx)
	go func() {
		defer h.wg.Done()
		h.verify(bg, mode, topic, callback, lease, secret)
	}()
	return nil
}

// verify runs the challenge echo against the callback and commits the
// subscription change only on an exact echo.
func (h *Hub) verify(ctx context.Context, mode, topic, callback string, lease time.Duration, secret string) {
	logger := log.With().Str("mode", mode).Str("topic", topic).Str("callback", callback).Logger()

	challenge := uuid.New().String()
	params := url.Values{
		"hub.mode":          {mode},
		"hub.topic":         {topic},
		"hub.challenge":     {challenge},
		"hub.lease_seconds": {strconv.Itoa(int(lease.Seconds()))},
	}
	sep := "?"
	if strings.Contains(callback, "?") {
		sep = "&"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, callback+sep+params.Encode(), nil)
	if err != nil {
		logger.Debug().Err(err).Msg("bad callback URL")
		return
	}
	resp, err := h.client.Do(req)
	if err != nil {
		logger.Debug().Err(err).Msg("challenge fetch failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logger.Debug().Int("status", resp.StatusCode).Msg("challenge refused")
		return
	}
	echo, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil || !bytes.Equal(echo, []byte(challenge)) {
		logger.Debug().Msg("challenge echo mismatch")
		return
	}

	now := time.Now().UTC()
	if mode == "unsubscribe" {
		if err := h.store.DeleteSubscription(ctx, callback, topic); err != nil && !store.IsNotFound(err) {
			logger.Error().Err(err).Msg("delete subscription")
		}
		return
	}
	sub := &models.Subscription{
		Callback:       callback,
		Topic:          topic,
		Secret:         secret,
		ExpiresAt:      now.Add(lease),
		LastDeliveryAt: now,
	}
	if err := h.store.UpsertSubscription(ctx, sub); err != nil {
		logger.Error().Err(err).Msg("persist subscription")
	}
}

// Publish fans the given topics out to their active subscribers in the
// background. Invalid topics in the set are an error before any work
// starts.
func (h *Hub) Publish(ctx context.Context, topics []string) error {
	if len(topics) == 0 {
		return ErrMissingTopic
	}
	for _, topic := range topics {
		if !h.validTopic(topic) {
			return ErrBadTopic
		}
	}

	h.wg.Add(1)
	bg := context.WithoutCancel(ctx)
	go func() {
		defer h.wg.Done()
		h.fanout(bg, topics)
	}()
	return nil
}

func (h *Hub) fanout(ctx context.Context, topics []string) {
	// last_delivery_at advances to the task's start, not its end: content
	// changed between start and delivery is picked up by the next publish
	started := time.Now().UTC()

	subs, err := h.store.ListActiveSubscriptions(ctx, topics, started)
	if err != nil {
		log.Error().Err(err).Msg("list subscriptions for fanout")
		return
	}
	for _, sub := range subs {
		if err := h.deliver(ctx, &sub); err != nil {
			log.Debug().Err(err).Str("callback", sub.Callback).Str("topic", sub.Topic).
				Msg("websub delivery failed")
			continue
		}
		if err := h.store.TouchSubscription(ctx, sub.Callback, sub.Topic, started); err != nil {
			log.Error().Err(err).Str("callback", sub.Callback).Msg("touch subscription")
		}
	}
}

// deliver pushes one topic update to one subscriber, signing the payload
// when the subscription carries a secret.
func (h *Hub) deliver(ctx context.Context, sub *models.Subscription) error {
	topicURL := sub.Topic
	sep := "?"
	if strings.Contains(topicURL, "?") {
		sep = "&"
	}
	since := sub.LastDeliveryAt.Format(time.RFC3339)
	body, contentType, err := h.fetch(ctx, topicURL+sep+"since="+url.QueryEscape(since))
	if err != nil {
		return err
	}

	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Callback, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Link", `<`+h.cfg.BaseURL()+`/websub>; rel="hub", <`+sub.Topic+`>; rel="self"`)
		if sub.Secret != "" {
			req.Header.Set("X-Hub-Signature", "sha1="+signature(sub.Secret, body))
		}
		resp, err := h.client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			return errors.New("callback returned " + resp.Status)
		}
		return nil
	}
	schedule := backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Second), transportRetries)
	return backoff.Retry(attempt, backoff.WithContext(schedule, ctx))
}

// signature computes the hex HMAC-SHA1 of body under secret.
func signature(secret string, body []byte) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
