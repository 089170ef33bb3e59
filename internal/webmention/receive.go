package webmention

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"html"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/burrowhq/burrow/internal/mf2"
	"github.com/burrowhq/burrow/internal/store"
	"github.com/burrowhq/burrow/pkg/models"
)

// Receive-side request errors. Handlers map these onto HTTP statuses.
var (
	ErrInvalidScheme = errors.New("source scheme must be http or https")
	ErrInvalidTarget = errors.New("target is not a URL served by this site")
	ErrVouchRequired = errors.New("a vouch is required for this webmention")
)

// VerifyRequest applies the synchronous checks: source must be an http(s)
// URL and target must resolve to a route in this application.
func (e *Engine) VerifyRequest(source, target string) error {
	su, err := url.Parse(source)
	if err != nil || (su.Scheme != "http" && su.Scheme != "https") {
		return ErrInvalidScheme
	}
	tu, err := url.Parse(target)
	if err != nil || !e.routes.Matches(tu.Path) {
		return ErrInvalidTarget
	}
	return nil
}

// Accept runs the synchronous half of the receive workflow: verify, enforce
// the vouch requirement, persist the mention as received, and launch the
// validation task in the background. The returned mention carries the uuid
// clients poll for status.
func (e *Engine) Accept(ctx context.Context, source, target, vouch string) (*models.IncomingMention, error) {
	if err := e.VerifyRequest(source, target); err != nil {
		return nil, err
	}
	if e.cfg.RequireVouch && vouch == "" {
		return nil, ErrVouchRequired
	}

	now := time.Now().UTC()
	mention := &models.IncomingMention{
		UUID:           uuid.New(),
		Source:         source,
		Target:         target,
		Vouch:          vouch,
		Status:         models.MentionReceived,
		CreatedAt:      now,
		LastModifiedAt: now,
	}
	if err := e.store.UpsertIncomingMention(ctx, mention); err != nil {
		return nil, err
	}

	e.wg.Add(1)
	bg := context.WithoutCancel(ctx)
	go func() {
		defer e.wg.Done()
		e.validate(bg, mention)
	}()
	return mention, nil
}

// transition persists one status change; every validation step goes through
// here before the next one runs.
func (e *Engine) transition(ctx context.Context, m *models.IncomingMention, status, message string, content *mf2.Object) {
	m.Status, m.Message = status, message
	if err := e.store.SetIncomingMentionState(ctx, m.UUID, status, message, content); err != nil {
		log.Error().Err(err).Stringer("mention", m.UUID).Str("status", status).
			Msg("persist webmention transition")
	}
}

// fail marks the mention failed and soft-deletes any entry previously
// synthesized for it, covering sources that removed the link or vanished.
func (e *Engine) fail(ctx context.Context, m *models.IncomingMention, message string) {
	e.transition(ctx, m, models.MentionFailure, message, nil)
	entry, err := e.posts.Get(ctx, m.UUID)
	if err != nil {
		if !store.IsNotFound(err) {
			log.Error().Err(err).Stringer("mention", m.UUID).Msg("load synthesized entry")
		}
		return
	}
	if !entry.Deleted {
		if err := e.posts.Delete(ctx, entry); err != nil {
			log.Error().Err(err).Stringer("mention", m.UUID).Msg("retract synthesized entry")
		}
	}
}

// validate is the background half of the receive workflow.
func (e *Engine) validate(ctx context.Context, m *models.IncomingMention) {
	logger := log.With().Stringer("mention", m.UUID).Str("source", m.Source).
		Str("target", m.Target).Logger()

	if err := e.VerifyRequest(m.Source, m.Target); err != nil {
		e.fail(ctx, m, err.Error())
		return
	}
	e.transition(ctx, m, models.MentionProcessing, "", nil)

	page, err := e.fetch(ctx, m.Source)
	if err != nil {
		logger.Debug().Err(err).Msg("webmention source unreachable")
		e.fail(ctx, m, err.Error())
		return
	}
	if !page.linksBack(m.Target, false) {
		e.fail(ctx, m, "source does not link back to target")
		return
	}

	entry := e.synthesize(page, m)

	trusted, err := e.trusted(ctx, m)
	if err != nil {
		logger.Error().Err(err).Msg("trust lookup")
		e.fail(ctx, m, "internal error during trust evaluation")
		return
	}
	if !trusted {
		entry.Set("visibility", "private")
		e.transition(ctx, m, models.MentionPendingModeration,
			"webmention held for moderation: source is not trusted and no valid vouch was given", entry)
		if _, err := e.posts.Upsert(ctx, entry); err != nil {
			logger.Error().Err(err).Msg("store moderated entry")
		}
		return
	}

	e.SendSalmention(ctx, m.Target)
	e.transition(ctx, m, models.MentionSuccess, "webmention verified", entry)
	if _, err := e.posts.Upsert(ctx, entry); err != nil {
		logger.Error().Err(err).Msg("store synthesized entry")
	}
}

// synthesize builds the h-entry stored for a verified mention: the source's
// own h-entry when one references the target, otherwise a minimal stub
// linking to the source.
func (e *Engine) synthesize(page *fetched, m *models.IncomingMention) *mf2.Object {
	var entry *mf2.Object
	switch {
	case page.isHTML():
		items := mf2.ParseHTML(bytes.NewReader(page.body), page.finalURL)
		entry = mf2.FindEntry(items, m.Target)
	case page.isJSON():
		var v interface{}
		if err := json.Unmarshal(page.body, &v); err == nil {
			entry = mf2.FindEntryJSON(v, m.Target)
		}
	}
	if entry == nil {
		entry = e.minimalEntry(page, m)
	}
	entry.Set("uid", m.UUID.String())
	entry.Set("url", m.Source)
	return entry
}

// minimalEntry is the fallback when the source carries no parseable h-entry:
// a linkified anchor of the source, published from Last-Modified or now.
func (e *Engine) minimalEntry(page *fetched, m *models.IncomingMention) *mf2.Object {
	published := page.lastModified
	if published.IsZero() {
		published = time.Now().UTC()
	}
	entry := mf2.NewEntry()
	safe := html.EscapeString(m.Source)
	entry.Set("content", map[string]interface{}{
		"html":  `<a href="` + safe + `">` + safe + `</a>`,
		"value": m.Source,
	})
	entry.Set("published", published.Format(time.RFC3339))
	return entry
}

// trusted applies the receive-side trust decision: the source's domain is
// already trusted, or the supplied vouch checks out.
func (e *Engine) trusted(ctx context.Context, m *models.IncomingMention) (bool, error) {
	ok, err := e.store.IsTrustedDomain(ctx, hostOf(m.Source))
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	if m.Vouch == "" {
		return false, nil
	}
	return e.vouchValid(ctx, m.Vouch, m.Source), nil
}
