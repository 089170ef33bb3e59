// Package handlers implements the HTTP endpoints: the public feed, the
// Micropub editor surface, the Webmention receiver, and the WebSub hub
// frontend.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/burrowhq/burrow/internal/config"
	"github.com/burrowhq/burrow/internal/media"
	"github.com/burrowhq/burrow/internal/posts"
	"github.com/burrowhq/burrow/internal/store"
	"github.com/burrowhq/burrow/internal/webmention"
	"github.com/burrowhq/burrow/internal/websub"
	"github.com/burrowhq/burrow/pkg/models"
)

// Handlers carries the endpoint dependencies.
type Handlers struct {
	cfg      *config.Config
	store    store.Store
	posts    *posts.Service
	mentions *webmention.Engine
	hub      *websub.Hub
	media    *media.Store
}

// New wires the handler set.
func New(cfg *config.Config, st store.Store, svc *posts.Service, eng *webmention.Engine, hub *websub.Hub, med *media.Store) *Handlers {
	return &Handlers{
		cfg:      cfg,
		store:    st,
		posts:    svc,
		mentions: eng,
		hub:      hub,
		media:    med,
	}
}

// SetHub attaches the WebSub hub after construction: the hub itself is
// built around the handlers' feed renderer, so it cannot exist first.
func (h *Handlers) SetHub(hub *websub.Hub) { h.hub = hub }

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError emits the machine-readable error envelope used across all
// endpoints.
func writeError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, map[string]string{
		"error":             code,
		"error_description": description,
	})
}

// serverError hides persistence details behind a bare 500.
func serverError(w http.ResponseWriter, err error) {
	log.Error().Err(err).Msg("request failed")
	http.Error(w, "internal error", http.StatusInternalServerError)
}

// ── Feed ────────────────────────────────────────────────────

// feedDocument is the mf2 JSON h-feed wrapper.
func (h *Handlers) feedDocument(entries []models.Post) map[string]interface{} {
	children := make([]interface{}, 0, len(entries))
	for _, p := range entries {
		children = append(children, p.Content)
	}
	return map[string]interface{}{
		"type": []string{"h-feed"},
		"properties": map[string][]interface{}{
			"name": {h.cfg.Owner.SiteName},
			"url":  {h.cfg.FeedURL()},
		},
		"children": children,
	}
}

// GetFeed serves the site feed as microformats-2 JSON. ?since filters by
// modification time (WebSub deliveries use it), ?page drives offset
// pagination, ?category filters on the category property, and ?q runs a
// full-text search.
func (h *Handlers) GetFeed(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var since *time.Time
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "since must be RFC 3339")
			return
		}
		since = &t
	}
	page, _ := strconv.Atoi(q.Get("page"))
	if page < 0 {
		page = 0
	}
	limit := h.cfg.PageSize
	if limit <= 0 {
		limit = 20
	}

	var entries []models.Post
	var err error
	switch {
	case q.Get("q") != "":
		entries, err = h.posts.Search(r.Context(), q.Get("q"), "", page*limit, limit, true)
	case q.Get("category") != "":
		entries, err = h.posts.ListByCategory(r.Context(), q.Get("category"), "", page*limit, limit, true)
	default:
		entries, err = h.posts.List(r.Context(), "", since, page*limit, limit)
	}
	if err != nil {
		serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.feedDocument(entries))
}

// GetEntry serves one post with its reply graph materialized into children.
func (h *Handlers) GetEntry(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "uuid"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed entry id")
		return
	}
	post, err := h.posts.GetWithReplyGraph(r.Context(), id)
	if err != nil {
		if store.IsNotFound(err) {
			http.NotFound(w, r)
			return
		}
		serverError(w, err)
		return
	}
	if post.Deleted {
		w.WriteHeader(http.StatusGone)
		return
	}
	writeJSON(w, http.StatusOK, post.Content)
}

// GetHome serves the owner's h-card.
func (h *Handlers) GetHome(w http.ResponseWriter, r *http.Request) {
	owner := h.cfg.Owner
	props := map[string][]interface{}{
		"name": {owner.Name},
		"url":  {h.cfg.BaseURL() + "/"},
	}
	if owner.Note != "" {
		props["note"] = []interface{}{owner.Note}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"type":       []string{"h-card"},
		"properties": props,
	})
}

// FetchFeed renders a feed topic for WebSub fanout, reusing the HTTP
// representation without a network hop.
func (h *Handlers) FetchFeed(ctx context.Context, topic string) ([]byte, string, error) {
	var since *time.Time
	if u, err := url.Parse(topic); err == nil {
		if t, err := time.Parse(time.RFC3339, u.Query().Get("since")); err == nil {
			since = &t
		}
	}
	limit := h.cfg.PageSize
	if limit <= 0 {
		limit = 20
	}
	entries, err := h.posts.List(ctx, "", since, 0, limit)
	if err != nil {
		return nil, "", err
	}
	body, err := json.Marshal(h.feedDocument(entries))
	if err != nil {
		return nil, "", err
	}
	return body, "application/json", nil
}
