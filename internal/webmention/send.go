package webmention

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/html"

	"github.com/burrowhq/burrow/internal/events"
	"github.com/burrowhq/burrow/internal/mf2"
	"github.com/burrowhq/burrow/internal/store"
	"github.com/burrowhq/burrow/pkg/models"
)

// Polling schedule for endpoints that answer 201 with a status URL.
const (
	pollRetries  = 10
	pollInterval = time.Minute
	pollBackoff  = 2.0
)

// Register subscribes the engine's send workflow to entry lifecycle events.
func (e *Engine) Register(bus *events.Bus) {
	bus.OnCreated(func(ctx context.Context, ev events.EntryCreated) {
		e.Send(ctx, nil, ev.New)
	})
	bus.OnUpdated(func(ctx context.Context, ev events.EntryUpdated) {
		e.Send(ctx, ev.Old, ev.New)
	})
	bus.OnDeleted(func(ctx context.Context, ev events.EntryDeleted) {
		e.Send(ctx, ev.Old, ev.Old)
	})
}

// ownerPost reports whether the post was authored by this site's owner.
// Mentions are only sent on the owner's behalf, never for entries
// synthesized from remote sources.
func (e *Engine) ownerPost(p *models.Post) bool {
	return p != nil && hostOf(p.Author) == hostOf(e.cfg.BaseURL())
}

// Send runs the send workflow for an entry change. Targets are the union of
// URLs referenced by the old and new revisions, so removed targets still
// hear about the change, minus the entry's own location.
func (e *Engine) Send(ctx context.Context, old, new *models.Post) {
	if e.cfg.Development() {
		return
	}
	primary := new
	if primary == nil {
		primary = old
	}
	if !e.ownerPost(primary) {
		return
	}

	targets := map[string]bool{}
	for _, p := range []*models.Post{old, new} {
		if p == nil || p.Content == nil {
			continue
		}
		for _, u := range mf2.ExtractURLs(p.Content) {
			if !mf2.SameURL(u, primary.Location, false) {
				targets[u] = true
			}
		}
	}

	for target := range targets {
		e.queue(ctx, primary.Location, target)
	}
}

// SendSalmention re-sends the webmentions of the post at location, if one
// exists. Used to propagate reply-chain updates upward.
func (e *Engine) SendSalmention(ctx context.Context, location string) {
	post, err := e.posts.GetByLocation(ctx, location)
	if err != nil {
		if !store.IsNotFound(err) {
			log.Error().Err(err).Str("location", location).Msg("salmention lookup")
		}
		return
	}
	e.Send(ctx, post, post)
}

// queue upserts the outgoing row, marks the target's host trusted, and runs
// the delivery state machine. Delivery runs inline: callers already sit on a
// background goroutine via the event bus.
func (e *Engine) queue(ctx context.Context, source, target string) {
	if host := hostOf(target); host != "" {
		if err := e.store.AddTrustedDomain(ctx, host); err != nil {
			log.Error().Err(err).Str("domain", host).Msg("record trusted domain")
		}
	}

	now := time.Now().UTC()
	row := &models.OutgoingMention{
		UUID:           uuid.New(),
		Source:         source,
		Target:         target,
		Status:         models.MentionProcessing,
		CreatedAt:      now,
		LastModifiedAt: now,
	}
	if err := e.store.UpsertOutgoingMention(ctx, row); err != nil {
		log.Error().Err(err).Str("target", target).Msg("queue outgoing webmention")
		return
	}
	e.deliver(ctx, row)
}

// setOutgoing persists one delivery transition.
func (e *Engine) setOutgoing(ctx context.Context, row *models.OutgoingMention, status, message, vouch string) {
	row.Status, row.Message, row.Vouch = status, message, vouch
	if err := e.store.SetOutgoingMentionState(ctx, row.UUID, status, message, vouch); err != nil {
		log.Error().Err(err).Stringer("mention", row.UUID).Str("status", status).
			Msg("persist outgoing transition")
	}
}

// deliver runs the per-target state machine: discover, post, and handle the
// response, including the 449 vouch dance.
func (e *Engine) deliver(ctx context.Context, row *models.OutgoingMention) {
	logger := log.With().Stringer("mention", row.UUID).Str("target", row.Target).Logger()

	endpoint, err := e.discoverEndpoint(ctx, row.Target)
	if err != nil {
		logger.Debug().Err(err).Msg("webmention endpoint discovery failed")
		e.setOutgoing(ctx, row, models.MentionFailure, err.Error(), "")
		return
	}
	if endpoint == "" {
		e.setOutgoing(ctx, row, models.MentionNoEndpoint, "target advertises no webmention endpoint", "")
		return
	}

	status, message := e.post(ctx, row, endpoint, "")
	if status == statusVouchNeeded {
		vouch := e.findVouch(ctx, row.Source, row.Target)
		if vouch == "" {
			e.setOutgoing(ctx, row, models.MentionFailure, "no vouch URL was found", "")
			return
		}
		status, message = e.post(ctx, row, endpoint, vouch)
		if status == models.MentionFailure || status == statusVouchNeeded {
			// vouch did not convince the receiver; clear it
			e.setOutgoing(ctx, row, models.MentionFailure, message, "")
			return
		}
		e.setOutgoing(ctx, row, status, message, vouch)
		return
	}
	e.setOutgoing(ctx, row, status, message, row.Vouch)
}

// statusVouchNeeded is an internal marker for a 449 without a vouch in hand.
const statusVouchNeeded = "vouch_needed"

// post delivers one form-encoded webmention and maps the response onto a
// terminal status, polling 201 status URLs until they settle.
func (e *Engine) post(ctx context.Context, row *models.OutgoingMention, endpoint, vouch string) (status, message string) {
	form := url.Values{
		"source": {row.Source},
		"target": {row.Target},
	}
	if vouch != "" {
		form.Set("vouch", vouch)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return models.MentionFailure, err.Error()
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", userAgent)

	resp, err := e.client.Do(req)
	if err != nil {
		return models.MentionFailure, err.Error()
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return models.MentionSuccess, "successfully sent"
	case http.StatusAccepted:
		return models.MentionSuccess, "accepted"
	case http.StatusCreated:
		location := resp.Header.Get("Location")
		if location == "" {
			return models.MentionSuccess, "accepted"
		}
		if resolved, err := resp.Request.URL.Parse(location); err == nil {
			location = resolved.String()
		}
		e.setOutgoing(ctx, row, models.MentionProcessing, "waiting for the receiver to verify", vouch)
		return e.poll(ctx, location)
	case 449:
		if vouch == "" {
			return statusVouchNeeded, ""
		}
		return models.MentionFailure, "receiver rejected the vouch"
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return models.MentionFailure, strings.TrimSpace(string(body))
	}
}

// poll retries the status URL on an exponential schedule until it answers
// 200 or the attempts run out.
func (e *Engine) poll(ctx context.Context, statusURL string) (status, message string) {
	return e.pollWith(ctx, statusURL, pollInterval, pollRetries)
}

func (e *Engine) pollWith(ctx context.Context, statusURL string, interval time.Duration, retries uint64) (status, message string) {
	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = interval
	schedule.Multiplier = pollBackoff
	schedule.MaxElapsedTime = 0
	schedule.RandomizationFactor = 0

	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("User-Agent", userAgent)
		resp, err := e.client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return &httpStatusError{url: statusURL, status: resp.StatusCode}
		}
		return nil
	}

	err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(schedule, retries), ctx))
	if err != nil {
		return models.MentionFailure, "receiver never confirmed the webmention"
	}
	return models.MentionSuccess, "successfully sent"
}

// discoverEndpoint finds a target's webmention endpoint: the Link header
// first, then the first <link>/<a> with rel="webmention" in the page body.
// Empty string with nil error means the target advertises none.
func (e *Engine) discoverEndpoint(ctx context.Context, target string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := e.client.Do(req)
	if err != nil {
		return "", err
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", &httpStatusError{url: target, status: resp.StatusCode}
	}

	base := resp.Request.URL
	for _, value := range resp.Header.Values("Link") {
		if endpoint := linkHeaderEndpoint(value, base); endpoint != "" {
			return endpoint, nil
		}
	}
	if !strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		return "", nil
	}

	page, err := e.fetch(ctx, base.String())
	if err != nil {
		return "", err
	}
	return htmlEndpoint(string(page.body), page.finalURL), nil
}

// linkHeaderEndpoint parses one Link header value for rel="webmention".
func linkHeaderEndpoint(header string, base *url.URL) string {
	for _, part := range strings.Split(header, ",") {
		sections := strings.Split(part, ";")
		if len(sections) < 2 {
			continue
		}
		target := strings.Trim(strings.TrimSpace(sections[0]), "<>")
		for _, param := range sections[1:] {
			key, value, found := strings.Cut(strings.TrimSpace(param), "=")
			if !found || !strings.EqualFold(strings.TrimSpace(key), "rel") {
				continue
			}
			for _, rel := range strings.Fields(strings.Trim(strings.TrimSpace(value), `"`)) {
				if rel == "webmention" {
					if resolved, err := base.Parse(target); err == nil {
						return resolved.String()
					}
					return target
				}
			}
		}
	}
	return ""
}

// htmlEndpoint returns the first <link> or <a> carrying rel="webmention",
// resolved against base.
func htmlEndpoint(page string, base *url.URL) string {
	node, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return ""
	}
	var walk func(*html.Node) string
	walk = func(n *html.Node) string {
		if n.Type == html.ElementNode && (n.Data == "link" || n.Data == "a") {
			var rel, href string
			for _, attr := range n.Attr {
				switch attr.Key {
				case "rel":
					rel = attr.Val
				case "href":
					href = attr.Val
				}
			}
			for _, r := range strings.Fields(rel) {
				if r == "webmention" && href != "" {
					if resolved, err := base.Parse(href); err == nil {
						return resolved.String()
					}
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			if found := walk(child); found != "" {
				return found
			}
		}
		return ""
	}
	return walk(node)
}
