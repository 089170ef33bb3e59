package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowhq/burrow/internal/config"
	"github.com/burrowhq/burrow/internal/store"
	"github.com/burrowhq/burrow/pkg/models"
)

func newTestServer(t *testing.T) (*httptest.Server, *store.MemoryStore) {
	t.Helper()
	cfg := &config.Config{
		Port:        8080,
		ServerName:  "example.com",
		Environment: "development",
		PageSize:    20,
		MediaDir:    t.TempDir(),
		Owner: config.OwnerConfig{
			Name:     "Jane Example",
			SiteName: "Example",
		},
	}
	srv, err := NewWithConfig(context.Background(), cfg)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(func() {
		ts.Close()
		srv.ShutdownFunc(context.Background())
		srv.Store.Close()
	})
	return ts, srv.Store.(*store.MemoryStore)
}

func seedToken(t *testing.T, st *store.MemoryStore, scope string) string {
	t.Helper()
	now := time.Now().UTC()
	access := "ra_" + strings.Repeat("a", 32)
	require.NoError(t, st.CreateToken(context.Background(), &models.Token{
		AccessToken:  access,
		RefreshToken: "rr_" + strings.Repeat("a", 32),
		ClientID:     "https://app.example/",
		TokenType:    "Bearer",
		Scope:        scope,
		CreatedAt:    now,
		ExpiresAt:    now.Add(time.Hour),
	}))
	return access
}

func do(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	return resp, body
}

func TestGlobalHeaders(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, _ := do(t, mustRequest(t, http.MethodGet, ts.URL+"/health", "", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	links := strings.Join(resp.Header.Values("Link"), ", ")
	for _, rel := range []string{"micropub", "indieauth-metadata", "authorization_endpoint", "token_endpoint", "hub"} {
		assert.Contains(t, links, `rel="`+rel+`"`)
	}
	robots := resp.Header.Values("X-Robots-Tag")
	assert.Contains(t, robots, "noai")
	assert.Contains(t, robots, "noimageai")
}

func mustRequest(t *testing.T, method, u, token string, body io.Reader) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, u, body)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestMicropubRequiresToken(t *testing.T) {
	ts, st := newTestServer(t)

	resp, _ := do(t, mustRequest(t, http.MethodGet, ts.URL+"/micropub?q=config", "", nil))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token := seedToken(t, st, "create")
	resp, body := do(t, mustRequest(t, http.MethodGet, ts.URL+"/micropub?q=config", token, nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cfg map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &cfg))
	assert.Equal(t, "http://example.com/micropub/media", cfg["media-endpoint"])
}

func TestMicropubCreateFlow(t *testing.T) {
	ts, st := newTestServer(t)
	token := seedToken(t, st, "create update delete undelete")

	form := url.Values{
		"h":          {"entry"},
		"content":    {"hello indieweb"},
		"category[]": {"go", "indieweb"},
	}
	req := mustRequest(t, http.MethodPost, ts.URL+"/micropub", token, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, _ := do(t, req)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	location := resp.Header.Get("Location")
	require.NotEmpty(t, location)
	assert.Contains(t, location, "http://example.com/feed/")

	// the post is served at its permalink path
	path := strings.TrimPrefix(location, "http://example.com")
	resp, body := do(t, mustRequest(t, http.MethodGet, ts.URL+path, "", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &entry))
	props := entry["properties"].(map[string]interface{})
	assert.Equal(t, "hello indieweb", props["content"].([]interface{})[0])

	// and shows up in the feed
	resp, body = do(t, mustRequest(t, http.MethodGet, ts.URL+"/feed", "", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "hello indieweb")

	// category filter and full-text search reach it too
	resp, body = do(t, mustRequest(t, http.MethodGet, ts.URL+"/feed?category=indieweb", "", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "hello indieweb")

	resp, body = do(t, mustRequest(t, http.MethodGet, ts.URL+"/feed?q=hello", "", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "hello indieweb")

	// update: replace the content
	update := map[string]interface{}{
		"action":  "update",
		"url":     location,
		"replace": map[string]interface{}{"content": []interface{}{"edited"}},
	}
	raw, _ := json.Marshal(update)
	req = mustRequest(t, http.MethodPost, ts.URL+"/micropub", token, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	resp, _ = do(t, req)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://example.com/feed", resp.Header.Get("Location"))

	resp, body = do(t, mustRequest(t, http.MethodGet, ts.URL+"/micropub?q=source&url="+url.QueryEscape(location), token, nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "edited")
	assert.Contains(t, string(body), "updated")

	// delete then undelete
	form = url.Values{"action": {"delete"}, "url": {location}}
	req = mustRequest(t, http.MethodPost, ts.URL+"/micropub", token, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, _ = do(t, req)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = do(t, mustRequest(t, http.MethodGet, ts.URL+path, "", nil))
	assert.Equal(t, http.StatusGone, resp.StatusCode)

	form = url.Values{"action": {"undelete"}, "url": {location}}
	req = mustRequest(t, http.MethodPost, ts.URL+"/micropub", token, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, _ = do(t, req)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = do(t, mustRequest(t, http.MethodGet, ts.URL+path, "", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestFeedSinceSeesEditedOldPosts(t *testing.T) {
	ts, st := newTestServer(t)
	token := seedToken(t, st, "create update")

	form := url.Values{
		"h":         {"entry"},
		"content":   {"ancient note"},
		"published": {"2026-01-01T00:00:00Z"},
	}
	req := mustRequest(t, http.MethodPost, ts.URL+"/micropub", token, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, _ := do(t, req)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	location := resp.Header.Get("Location")

	update := map[string]interface{}{
		"action":  "update",
		"url":     location,
		"replace": map[string]interface{}{"content": []interface{}{"freshly edited"}},
	}
	raw, _ := json.Marshal(update)
	req = mustRequest(t, http.MethodPost, ts.URL+"/micropub", token, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	resp, _ = do(t, req)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// the edit postdates the cutoff even though the post itself predates it,
	// so a since-scoped fetch (what WebSub fanout sends) must include it
	resp, body := do(t, mustRequest(t, http.MethodGet,
		ts.URL+"/feed?since="+url.QueryEscape("2026-06-01T00:00:00Z"), "", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "freshly edited")
}

func TestMicropubScopeEnforcement(t *testing.T) {
	ts, st := newTestServer(t)
	token := seedToken(t, st, "read") // no create

	form := url.Values{"h": {"entry"}, "content": {"nope"}}
	req := mustRequest(t, http.MethodPost, ts.URL+"/micropub", token, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, body := do(t, req)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, string(body), "insufficient_scope")
}

func TestMicropubInvalidAction(t *testing.T) {
	ts, st := newTestServer(t)
	token := seedToken(t, st, "create")

	form := url.Values{"action": {"explode"}, "url": {"http://example.com/feed/x"}}
	req := mustRequest(t, http.MethodPost, ts.URL+"/micropub", token, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, body := do(t, req)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "invalid_request")
}

func TestMediaUpload(t *testing.T) {
	ts, st := newTestServer(t)
	token := seedToken(t, st, "media")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "photo.jpg")
	require.NoError(t, err)
	part.Write([]byte("jpeg bytes"))
	require.NoError(t, mw.Close())

	req := mustRequest(t, http.MethodPost, ts.URL+"/micropub/media", token, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, _ := do(t, req)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	location := resp.Header.Get("Location")
	assert.Contains(t, location, "http://example.com/media/")

	// the stored file is served back
	path := strings.TrimPrefix(location, "http://example.com")
	resp, body := do(t, mustRequest(t, http.MethodGet, ts.URL+path, "", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "jpeg bytes", string(body))
}

func TestWebmentionEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	// invalid target
	form := url.Values{
		"source": {"https://alice.example/post/1"},
		"target": {"http://example.com/not-a-route"},
	}
	req := mustRequest(t, http.MethodPost, ts.URL+"/webmention", "", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, body := do(t, req)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "invalid_request")

	// valid shape: accepted, status endpoint live
	form.Set("target", "http://example.com/feed/00000000000000000000000000000000")
	req = mustRequest(t, http.MethodPost, ts.URL+"/webmention", "", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, _ = do(t, req)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	location := resp.Header.Get("Location")
	require.Contains(t, location, "/webmention/")
	path := strings.TrimPrefix(location, "http://example.com")

	// the background validation settles to a terminal state eventually;
	// poll the status endpoint the way a sender would
	deadline := time.Now().Add(15 * time.Second)
	var status map[string]interface{}
	for time.Now().Before(deadline) {
		resp, body = do(t, mustRequest(t, http.MethodGet, ts.URL+path, "", nil))
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.NoError(t, json.Unmarshal(body, &status))
		if s := status["status"].(string); s != "received" && s != "processing" {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	// alice.example does not resolve from the test environment
	assert.Equal(t, "failure", status["status"])
}

func TestWebSubEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	echo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.URL.Query().Get("hub.challenge")))
	}))
	defer echo.Close()

	form := url.Values{
		"hub.mode":     {"subscribe"},
		"hub.topic":    {"http://example.com/feed"},
		"hub.callback": {echo.URL},
		"hub.ignored":  {"x"},
	}
	req := mustRequest(t, http.MethodPost, ts.URL+"/websub", "", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, _ := do(t, req)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	// publish a foreign topic
	form = url.Values{"hub.url": {"http://other.example/feed"}}
	req = mustRequest(t, http.MethodPost, ts.URL+"/websub/publish", "", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, _ = do(t, req)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// publish our feed
	form = url.Values{"hub.url": {"http://example.com/feed"}}
	req = mustRequest(t, http.MethodPost, ts.URL+"/websub/publish", "", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, _ = do(t, req)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestIndieAuthMetadataRoute(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := do(t, mustRequest(t, http.MethodGet, ts.URL+"/.well-known/oauth-authorization-server", "", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.Equal(t, "http://example.com", doc["issuer"])
	assert.Equal(t, "http://example.com/token", doc["token_endpoint"])
	assert.Equal(t, true, doc["authorization_response_iss_parameter_supported"])
}
