package indieauth

import (
	"context"
	"encoding/json"
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

func testServer(t *testing.T) (*Server, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	cfg := &config.Config{
		ServerName:  "example.com",
		Environment: "development",
		Owner: config.OwnerConfig{
			Name:     "Jane Example",
			Email:    "jane@example.com",
			SiteName: "Example",
		},
	}
	return NewServer(st, cfg), st
}

func seedCode(t *testing.T, st *store.MemoryStore, code *models.AuthCode) {
	t.Helper()
	now := time.Now().UTC()
	if code.CreatedAt.IsZero() {
		code.CreatedAt = now
	}
	if code.ExpiresAt.IsZero() {
		code.ExpiresAt = now.Add(models.AuthCodeTTL)
	}
	require.NoError(t, st.CreateAuthCode(context.Background(), code))
}

func postForm(handler http.HandlerFunc, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

const (
	testVerifier  = "zo6yP8H9te4I0lk2Uclcry47yPbTT9jRbdnIZPdMUfazH5iD8vkNw"
	testChallenge = "hjooUY_1tBlE_dBuCKGUK8XuSRrc_zNByH-roC5sIXA"
)

func TestS256ChallengeVector(t *testing.T) {
	assert.Equal(t, testChallenge, S256Challenge(testVerifier))
	assert.True(t, VerifyPKCE(testChallenge, "S256", testVerifier))
	assert.False(t, VerifyPKCE(testChallenge, "S256", testVerifier+"x"))
}

func TestAuthorizeRendersConsentWithCode(t *testing.T) {
	srv, st := testServer(t)

	app := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<div class="h-app"><a class="u-url p-name" href="/">Quill</a></div>`))
	}))
	defer app.Close()

	params := url.Values{
		"response_type":         {"code"},
		"client_id":             {app.URL + "/"},
		"redirect_uri":          {app.URL + "/callback"},
		"state":                 {"xyz"},
		"scope":                 {"create update"},
		"code_challenge":        {testChallenge},
		"code_challenge_method": {"S256"},
	}
	req := httptest.NewRequest(http.MethodGet, "/auth?"+params.Encode(), nil)
	rec := httptest.NewRecorder()
	srv.HandleAuthorize(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "Quill")
	assert.Contains(t, body, "state=xyz")
	assert.Contains(t, body, "iss=")

	// a code row exists for this client
	codes := st.AuthCodes()
	require.Len(t, codes, 1)
	assert.Equal(t, app.URL+"/", codes[0].ClientID)
	assert.Equal(t, "create update", codes[0].Scope)
}

func TestAuthorizeRejectsBadRequests(t *testing.T) {
	srv, _ := testServer(t)

	cases := []struct {
		name   string
		params url.Values
		code   string
	}{
		{"missing response_type", url.Values{"client_id": {"https://app.example/"}}, "invalid_request"},
		{"unsupported challenge method", url.Values{
			"response_type":         {"code"},
			"client_id":             {"https://app.example/"},
			"redirect_uri":          {"https://app.example/cb"},
			"code_challenge":        {"abc"},
			"code_challenge_method": {"plain"},
		}, "invalid_request"},
		{"unknown scope", url.Values{
			"response_type":         {"code"},
			"client_id":             {"https://app.example/"},
			"redirect_uri":          {"https://app.example/cb"},
			"code_challenge":        {testChallenge},
			"code_challenge_method": {"S256"},
			"scope":                 {"create launch-missiles"},
		}, "invalid_scope"},
		{"foreign redirect", url.Values{
			"response_type":         {"code"},
			"client_id":             {"https://app.example/"},
			"redirect_uri":          {"https://evil.example/cb"},
			"code_challenge":        {testChallenge},
			"code_challenge_method": {"S256"},
		}, "invalid_request"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/auth?"+tc.params.Encode(), nil)
			rec := httptest.NewRecorder()
			srv.HandleAuthorize(rec, req)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tc.code, decodeBody(t, rec)["error"])
		})
	}
}

func TestTokenExchange(t *testing.T) {
	srv, st := testServer(t)
	seedCode(t, st, &models.AuthCode{
		Code:                "c1",
		ClientID:            "https://app.example/",
		RedirectURI:         "https://app.example/cb",
		Scope:               "create profile",
		CodeChallenge:       testChallenge,
		CodeChallengeMethod: "S256",
	})

	rec := postForm(srv.HandleToken, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {"c1"},
		"client_id":     {"https://app.example/"},
		"redirect_uri":  {"https://app.example/cb"},
		"code_verifier": {testVerifier},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)

	access, _ := body["access_token"].(string)
	refresh, _ := body["refresh_token"].(string)
	assert.True(t, strings.HasPrefix(access, "ra_"), "access token prefix: %q", access)
	assert.Len(t, access, 3+32)
	assert.True(t, strings.HasPrefix(refresh, "rr_"), "refresh token prefix: %q", refresh)
	assert.Len(t, refresh, 3+32)
	assert.Equal(t, "Bearer", body["token_type"])
	assert.Equal(t, "create profile", body["scope"])
	assert.Equal(t, "http://example.com/", body["me"])
	assert.InDelta(t, 3600, body["expires_in"], 2)

	profile, ok := body["profile"].(map[string]interface{})
	require.True(t, ok, "profile scope grants the profile subobject")
	assert.Equal(t, "Jane Example", profile["name"])
	_, hasEmail := profile["email"]
	assert.False(t, hasEmail, "email withheld without the email scope")

	// codes are single-use
	rec = postForm(srv.HandleToken, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {"c1"},
		"code_verifier": {testVerifier},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_grant", decodeBody(t, rec)["error"])
}

func TestTokenExchangeRejectsBadVerifier(t *testing.T) {
	srv, st := testServer(t)
	seedCode(t, st, &models.AuthCode{
		Code:                "c2",
		ClientID:            "https://app.example/",
		RedirectURI:         "https://app.example/cb",
		Scope:               "create",
		CodeChallenge:       testChallenge,
		CodeChallengeMethod: "S256",
	})

	rec := postForm(srv.HandleToken, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {"c2"},
		"code_verifier": {"not-the-verifier-at-all-padpadpadpadpadpadpad"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_grant", decodeBody(t, rec)["error"])
}

func TestTokenExchangeExpiredCode(t *testing.T) {
	srv, st := testServer(t)
	seedCode(t, st, &models.AuthCode{
		Code:      "c3",
		ClientID:  "https://app.example/",
		Scope:     "create",
		CreatedAt: time.Now().UTC().Add(-time.Hour),
		ExpiresAt: time.Now().UTC().Add(-50 * time.Minute),
	})

	rec := postForm(srv.HandleToken, url.Values{
		"grant_type": {"authorization_code"},
		"code":       {"c3"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_grant", decodeBody(t, rec)["error"])
}

func TestScopelessCodeReturnsProfileURLOnly(t *testing.T) {
	srv, st := testServer(t)
	seedCode(t, st, &models.AuthCode{
		Code:     "c4",
		ClientID: "https://app.example/",
	})

	rec := postForm(srv.HandleToken, url.Values{
		"grant_type": {"authorization_code"},
		"code":       {"c4"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "http://example.com/", body["me"])
	_, hasToken := body["access_token"]
	assert.False(t, hasToken)
}

func TestProfileExchangeEndpoint(t *testing.T) {
	srv, st := testServer(t)
	seedCode(t, st, &models.AuthCode{
		Code:     "c5",
		ClientID: "https://app.example/",
		Scope:    "create",
	})

	rec := postForm(srv.HandleAuthExchange, url.Values{"code": {"c5"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]interface{}{"me": "http://example.com/"}, decodeBody(t, rec))
}

func TestRefreshGrant(t *testing.T) {
	srv, st := testServer(t)
	seedCode(t, st, &models.AuthCode{
		Code:     "c6",
		ClientID: "https://app.example/",
		Scope:    "create update delete",
	})

	rec := postForm(srv.HandleToken, url.Values{
		"grant_type": {"authorization_code"},
		"code":       {"c6"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	first := decodeBody(t, rec)
	refresh := first["refresh_token"].(string)

	// narrowing the scope is allowed
	rec = postForm(srv.HandleToken, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refresh},
		"scope":         {"create"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	second := decodeBody(t, rec)
	assert.Equal(t, "create", second["scope"])
	assert.NotEqual(t, first["access_token"], second["access_token"])

	// old pair is gone
	_, err := st.GetTokenByRefresh(context.Background(), refresh)
	assert.True(t, store.IsNotFound(err))

	// widening is not
	rec = postForm(srv.HandleToken, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {second["refresh_token"].(string)},
		"scope":         {"create update"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_scope", decodeBody(t, rec)["error"])
}

func TestRefreshPreservesCreatedAt(t *testing.T) {
	srv, st := testServer(t)
	created := time.Now().UTC().Add(-30 * time.Minute).Truncate(time.Second)
	require.NoError(t, st.CreateToken(context.Background(), &models.Token{
		AccessToken:   "ra_old",
		RefreshToken:  "rr_old",
		ClientID:      "https://app.example/",
		TokenType:     "Bearer",
		Scope:         "create",
		CreatedAt:     created,
		LastRefreshAt: created,
		ExpiresAt:     time.Now().UTC().Add(time.Hour),
	}))

	rec := postForm(srv.HandleToken, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {"rr_old"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)

	fresh, err := st.GetTokenByAccess(context.Background(), body["access_token"].(string))
	require.NoError(t, err)
	assert.Equal(t, created, fresh.CreatedAt)
	assert.True(t, fresh.LastRefreshAt.After(created))
}

func TestIntrospection(t *testing.T) {
	srv, st := testServer(t)
	now := time.Now().UTC()
	require.NoError(t, st.CreateToken(context.Background(), &models.Token{
		AccessToken:  "ra_live",
		RefreshToken: "rr_live",
		ClientID:     "https://app.example/",
		TokenType:    "Bearer",
		Scope:        "create",
		CreatedAt:    now,
		ExpiresAt:    now.Add(time.Hour),
	}))

	rec := postForm(srv.HandleIntrospect, url.Values{"token": {"ra_live"}})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["active"])
	assert.Equal(t, "create", body["scope"])
	assert.Equal(t, "https://app.example/", body["client_id"])

	rec = postForm(srv.HandleIntrospect, url.Values{"token": {"ra_missing"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]interface{}{"active": false}, decodeBody(t, rec))
}

func TestRevocation(t *testing.T) {
	srv, st := testServer(t)
	now := time.Now().UTC()
	require.NoError(t, st.CreateToken(context.Background(), &models.Token{
		AccessToken:  "ra_gone",
		RefreshToken: "rr_gone",
		TokenType:    "Bearer",
		Scope:        "create",
		CreatedAt:    now,
		ExpiresAt:    now.Add(time.Hour),
	}))

	rec := postForm(srv.HandleRevoke, url.Values{"token": {"ra_gone"}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = postForm(srv.HandleIntrospect, url.Values{"token": {"ra_gone"}})
	assert.Equal(t, map[string]interface{}{"active": false}, decodeBody(t, rec))

	// revoking an unknown token still succeeds
	rec = postForm(srv.HandleRevoke, url.Values{"token": {"ra_unknown"}})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUserinfo(t *testing.T) {
	srv, st := testServer(t)
	now := time.Now().UTC()
	require.NoError(t, st.CreateToken(context.Background(), &models.Token{
		AccessToken: "ra_profile",
		TokenType:   "Bearer",
		Scope:       "profile email",
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Hour),
	}))
	require.NoError(t, st.CreateToken(context.Background(), &models.Token{
		AccessToken: "ra_noprofile",
		TokenType:   "Bearer",
		Scope:       "create",
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Hour),
	}))

	req := httptest.NewRequest(http.MethodGet, "/userinfo", nil)
	req.Header.Set("Authorization", "Bearer ra_profile")
	rec := httptest.NewRecorder()
	srv.HandleUserinfo(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "Jane Example", body["name"])
	assert.Equal(t, "jane@example.com", body["email"])

	req = httptest.NewRequest(http.MethodGet, "/userinfo", nil)
	req.Header.Set("Authorization", "Bearer ra_noprofile")
	rec = httptest.NewRecorder()
	srv.HandleUserinfo(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/userinfo", nil)
	rec = httptest.NewRecorder()
	srv.HandleUserinfo(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
