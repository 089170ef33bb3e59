// Package posts implements the post store semantics on top of the raw
// storage layer: upsert derivation rules, soft deletion, listings, search
// with sanitized retry, and the reply-graph traversal.
package posts

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/burrowhq/burrow/internal/events"
	"github.com/burrowhq/burrow/internal/mf2"
	"github.com/burrowhq/burrow/internal/store"
	"github.com/burrowhq/burrow/pkg/models"
)

// Service owns all post mutations. Every write lands in the store and then
// publishes the matching entry event on the bus.
type Service struct {
	store   store.Store
	bus     *events.Bus
	baseURL string // e.g. https://example.com, no trailing slash
}

// NewService creates the post service.
func NewService(s store.Store, bus *events.Bus, baseURL string) *Service {
	return &Service{store: s, bus: bus, baseURL: strings.TrimSuffix(baseURL, "/")}
}

// BaseURL returns the site's base URL.
func (s *Service) BaseURL() string { return s.baseURL }

// PermalinkFor returns the canonical public URL for a post id.
func (s *Service) PermalinkFor(id uuid.UUID) string {
	return s.baseURL + "/feed/" + strings.ReplaceAll(id.String(), "-", "")
}

// Upsert inserts or rewrites the post derived from an h-entry:
//
//   - uuid from the uid property (a fresh one is minted and written back
//     when absent or unparsable)
//   - created_at from published (fallback: now); last_modified_at from
//     updated (fallback: created_at)
//   - author from the entry's author URL, else from its url
//   - location from the url property, else the canonical permalink
//
// The deleted and read flags are cleared. The search index record is
// refreshed in the same transaction. Publishes EntryCreated or EntryUpdated.
func (s *Service) Upsert(ctx context.Context, hentry *mf2.Object) (*models.Post, error) {
	if !hentry.Valid() {
		return nil, fmt.Errorf("posts: invalid microformats document")
	}
	now := time.Now().UTC()

	id, err := uuid.Parse(hentry.FirstString("uid"))
	if err != nil {
		id = uuid.New()
		hentry.Set("uid", id.String())
	}

	createdAt := parseTime(hentry.FirstString("published"), now)
	lastModified := parseTime(hentry.FirstString("updated"), createdAt)

	location := hentry.FirstString("url")
	if location == "" {
		location = s.PermalinkFor(id)
		hentry.Set("url", location)
	}

	author := authorURL(hentry)
	if author == "" {
		author = s.baseURL
	}

	post := &models.Post{
		UUID:           id,
		Author:         author,
		Location:       location,
		Content:        hentry,
		CreatedAt:      createdAt,
		LastModifiedAt: lastModified,
	}

	old, err := s.store.GetEntry(ctx, id)
	if err != nil && !store.IsNotFound(err) {
		return nil, err
	}

	if err := s.store.UpsertEntry(ctx, post, IndexText(hentry)); err != nil {
		return nil, err
	}

	if old == nil {
		s.bus.PublishCreated(ctx, events.EntryCreated{New: post})
	} else {
		s.bus.PublishUpdated(ctx, events.EntryUpdated{New: post, Old: old})
	}
	return post, nil
}

// Get returns the post, or ErrNotFound.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Post, error) {
	return s.store.GetEntry(ctx, id)
}

// GetByLocation returns the post whose canonical URL matches.
func (s *Service) GetByLocation(ctx context.Context, location string) (*models.Post, error) {
	return s.store.GetEntryByLocation(ctx, location)
}

// Delete soft-deletes the post and publishes EntryDeleted.
func (s *Service) Delete(ctx context.Context, post *models.Post) error {
	if err := s.store.SetEntryDeleted(ctx, post.UUID, true, time.Now().UTC()); err != nil {
		return err
	}
	s.bus.PublishDeleted(ctx, events.EntryDeleted{Old: post})
	return nil
}

// Undelete restores a soft-deleted post and publishes EntryUpdated.
func (s *Service) Undelete(ctx context.Context, post *models.Post) error {
	if err := s.store.SetEntryDeleted(ctx, post.UUID, false, time.Now().UTC()); err != nil {
		return err
	}
	restored := *post
	restored.Deleted = false
	s.bus.PublishUpdated(ctx, events.EntryUpdated{New: &restored, Old: post})
	return nil
}

// List returns recent posts for the given author.
func (s *Service) List(ctx context.Context, author string, since *time.Time, offset, limit int) ([]models.Post, error) {
	return s.store.ListEntries(ctx, store.EntryQuery{
		Author: author,
		Since:  since,
		Offset: offset,
		Limit:  limit,
	})
}

// ListByCategory filters posts whose category property contains the value.
func (s *Service) ListByCategory(ctx context.Context, category, author string, offset, limit int, protected bool) ([]models.Post, error) {
	return s.store.ListEntries(ctx, store.EntryQuery{
		Author:    author,
		Category:  category,
		Offset:    offset,
		Limit:     limit,
		Protected: protected,
	})
}

var nonWord = regexp.MustCompile(`\W+`)

// Search runs a full-text match. On a parse error from the index engine the
// query is retried with non-word characters collapsed to spaces.
func (s *Service) Search(ctx context.Context, needle, author string, offset, limit int, protected bool) ([]models.Post, error) {
	q := store.EntryQuery{
		Author:    author,
		Offset:    offset,
		Limit:     limit,
		Protected: protected,
	}
	out, err := s.store.SearchEntries(ctx, needle, q)
	if err != nil {
		sanitized := strings.TrimSpace(nonWord.ReplaceAllString(needle, " "))
		log.Debug().Err(err).Str("needle", needle).Msg("search parse error, retrying sanitized")
		return s.store.SearchEntries(ctx, sanitized, q)
	}
	return out, nil
}

// IndexText flattens a document's string leaves into the opaque searchable
// text stored alongside the post.
func IndexText(o *mf2.Object) string {
	var parts []string
	var walkValue func(v interface{})
	var walkObject func(o *mf2.Object)
	walkValue = func(v interface{}) {
		switch t := v.(type) {
		case string:
			parts = append(parts, t)
		case map[string]interface{}:
			if s, ok := t["value"].(string); ok {
				parts = append(parts, s)
			}
		case *mf2.Object:
			walkObject(t)
		}
	}
	walkObject = func(o *mf2.Object) {
		if o == nil {
			return
		}
		for _, vs := range o.Properties {
			for _, v := range vs {
				walkValue(v)
			}
		}
		for _, child := range o.Children {
			walkObject(child)
		}
	}
	walkObject(o)
	return strings.Join(parts, " ")
}

// parseTime accepts RFC 3339 timestamps with or without sub-second parts.
func parseTime(value string, fallback time.Time) time.Time {
	if value == "" {
		return fallback
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC()
		}
	}
	return fallback
}

// authorURL resolves the entry's author to a URL: a plain string author
// used as-is when it parses as a URL, a nested h-card via its url property,
// otherwise the origin of the entry's own url.
func authorURL(hentry *mf2.Object) string {
	switch a := hentry.First("author").(type) {
	case string:
		if u, err := url.Parse(a); err == nil && u.Scheme != "" {
			return a
		}
	case map[string]interface{}:
		if props, ok := a["properties"].(map[string]interface{}); ok {
			if urls, ok := props["url"].([]interface{}); ok && len(urls) > 0 {
				if s, ok := urls[0].(string); ok {
					return s
				}
			}
		}
	}
	if u, err := url.Parse(hentry.FirstString("url")); err == nil && u.Host != "" {
		return u.Scheme + "://" + u.Host
	}
	return ""
}
