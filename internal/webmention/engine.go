// Package webmention implements both halves of the Webmention protocol:
// receiving mentions (verification, Vouch-based anti-spam, entry synthesis)
// and sending them (endpoint discovery, delivery, polling, salmention
// fanout).
package webmention

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/burrowhq/burrow/internal/config"
	"github.com/burrowhq/burrow/internal/mf2"
	"github.com/burrowhq/burrow/internal/posts"
	"github.com/burrowhq/burrow/internal/store"
)

// RouteMatcher reports whether a URL path is served by this application.
// The router exposes its compiled pattern set through this so target
// validation does not couple to a specific mux.
type RouteMatcher interface {
	Matches(path string) bool
}

const (
	userAgent    = "Webmention"
	maxFetchSize = 2 << 20
)

// Engine runs the receive and send workflows. Background tasks are tracked
// so Wait can drain them on shutdown.
type Engine struct {
	store  store.Store
	cfg    *config.Config
	posts  *posts.Service
	routes RouteMatcher
	client *http.Client

	wg sync.WaitGroup
}

// NewEngine creates a webmention engine over the given collaborators.
func NewEngine(st store.Store, cfg *config.Config, svc *posts.Service, routes RouteMatcher) *Engine {
	return &Engine{
		store:  st,
		cfg:    cfg,
		posts:  svc,
		routes: routes,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Wait blocks until all background validation and delivery tasks finish.
func (e *Engine) Wait() { e.wg.Wait() }

// fetched is a downloaded page: enough to run the linkback predicate and
// synthesize entries without re-reading the response.
type fetched struct {
	body         []byte
	contentType  string
	lastModified time.Time
	finalURL     *url.URL
}

// fetch downloads a URL with the engine's client, following redirects. The
// Accept header prefers mf2 JSON sources over HTML. Responses with error
// status codes return an error: error pages never count as linking back.
func (e *Engine) fetch(ctx context.Context, target string) (*fetched, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json, text/html;q=0.9, */*;q=0.8")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, &httpStatusError{url: target, status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchSize))
	if err != nil {
		return nil, err
	}
	f := &fetched{
		body:        body,
		contentType: resp.Header.Get("Content-Type"),
		finalURL:    resp.Request.URL,
	}
	if lm, err := http.ParseTime(resp.Header.Get("Last-Modified")); err == nil {
		f.lastModified = lm
	}
	return f, nil
}

type httpStatusError struct {
	url    string
	status int
}

func (e *httpStatusError) Error() string {
	return "fetching " + e.url + " returned status " + http.StatusText(e.status)
}

func (f *fetched) isHTML() bool {
	return strings.Contains(f.contentType, "text/html") ||
		strings.Contains(f.contentType, "application/xhtml")
}

func (f *fetched) isJSON() bool {
	return strings.Contains(f.contentType, "application/json") ||
		strings.HasSuffix(strings.SplitN(f.contentType, ";", 2)[0], "+json")
}

// linksBack applies the linkback predicate: does this page reference target?
// HTML pages are checked through their href/src attributes, JSON documents
// through their string leaves, and anything else through a conservative URL
// scan of the raw body.
func (f *fetched) linksBack(target string, domainOnly bool) bool {
	switch {
	case f.isHTML():
		for _, u := range mf2.URLsInHTML(string(f.body), f.finalURL) {
			if mf2.SameURL(u, target, domainOnly) {
				return true
			}
		}
	case f.isJSON():
		var v interface{}
		if err := json.Unmarshal(f.body, &v); err != nil {
			return false
		}
		return mf2.ReferencesJSON(v, target, domainOnly)
	default:
		for _, u := range mf2.URLsInText(string(f.body)) {
			if mf2.SameURL(u, target, domainOnly) {
				return true
			}
		}
	}
	return false
}

// hostOf returns the host of a URL, or "" when it does not parse. The port
// stays in: domain comparisons elsewhere match on the full host.
func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}
