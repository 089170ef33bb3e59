package indieauth

import (
	"encoding/json"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/burrowhq/burrow/internal/config"
	"github.com/burrowhq/burrow/internal/store"
	"github.com/burrowhq/burrow/pkg/models"
)

// Server implements the IndieAuth endpoints over the token store.
type Server struct {
	store  store.Store
	cfg    *config.Config
	client *http.Client
}

// NewServer creates the IndieAuth server.
func NewServer(st store.Store, cfg *config.Config) *Server {
	return &Server{
		store: st,
		cfg:   cfg,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Issuer is the authorization server identifier.
func (s *Server) Issuer() string { return s.cfg.BaseURL() }

// MetadataURL is where the server metadata document lives; it is also the
// iss value carried back to clients on the consent redirect.
func (s *Server) MetadataURL() string {
	return s.cfg.BaseURL() + "/.well-known/oauth-authorization-server"
}

// Me is the site owner's profile URL.
func (s *Server) Me() string { return s.cfg.BaseURL() + "/" }

// randomHex returns 32 hex chars of a fresh 128-bit id.
func randomHex() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// oauthError writes the standard OAuth JSON error envelope.
func oauthError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ── Metadata ────────────────────────────────────────────────

// HandleMetadata serves /.well-known/oauth-authorization-server.
func (s *Server) HandleMetadata(w http.ResponseWriter, r *http.Request) {
	base := s.cfg.BaseURL()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"issuer":                                         base,
		"authorization_endpoint":                         base + "/auth",
		"token_endpoint":                                 base + "/token",
		"introspection_endpoint":                         base + "/introspect",
		"revocation_endpoint":                            base + "/revoke",
		"userinfo_endpoint":                              base + "/userinfo",
		"scopes_supported":                               models.ScopeCatalog,
		"response_types_supported":                       []string{"code"},
		"grant_types_supported":                          []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":               SupportedChallengeMethods,
		"authorization_response_iss_parameter_supported": true,
	})
}

// ── Authorization endpoint ──────────────────────────────────

var consentTemplate = template.Must(template.New("consent").Parse(`<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>Sign in — {{.SiteName}}</title></head>
<body>
<h1>Authorize {{.ClientName}}</h1>
{{if .Logo}}<img src="{{.Logo}}" alt="client logo" width="48" height="48">{{end}}
<p><code>{{.ClientID}}</code> wants to sign you in as <code>{{.Me}}</code>.</p>
{{if .Scopes}}<p>Requested scopes:</p><ul>{{range .Scopes}}<li><code>{{.}}</code></li>{{end}}</ul>{{end}}
<p><a href="{{.ContinueURL}}">Continue</a></p>
</body>
</html>
`))

// HandleAuthorize serves GET /auth: validates the authorization request,
// allocates a single-use code, and renders the consent page.
func (s *Server) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if q.Get("response_type") != "code" {
		oauthError(w, http.StatusBadRequest, "invalid_request", "response_type must be code")
		return
	}
	clientID := q.Get("client_id")
	if clientID == "" {
		oauthError(w, http.StatusBadRequest, "invalid_request", "client_id is required")
		return
	}
	redirectURI := q.Get("redirect_uri")
	if redirectURI == "" {
		oauthError(w, http.StatusBadRequest, "invalid_request", "redirect_uri is required")
		return
	}

	client := s.fetchClient(r.Context(), clientID)
	if !client.RedirectAllowed(redirectURI) {
		oauthError(w, http.StatusBadRequest, "invalid_request", "redirect_uri does not match client_id")
		return
	}

	method := q.Get("code_challenge_method")
	if !supportedMethod(method) {
		oauthError(w, http.StatusBadRequest, "invalid_request", "unsupported code_challenge_method")
		return
	}

	scope := q.Get("scope")
	for _, requested := range models.SplitScope(scope) {
		if !models.KnownScope(requested) {
			oauthError(w, http.StatusBadRequest, "invalid_scope", "unknown scope: "+requested)
			return
		}
	}

	now := time.Now().UTC()
	code := &models.AuthCode{
		Code:                randomHex(),
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		Scope:               scope,
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: method,
		CreatedAt:           now,
		ExpiresAt:           now.Add(models.AuthCodeTTL),
	}
	if err := s.store.CreateAuthCode(r.Context(), code); err != nil {
		log.Error().Err(err).Msg("persist authorization code")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	continueURL := redirectURI
	sep := "?"
	if strings.Contains(redirectURI, "?") {
		sep = "&"
	}
	continueURL += sep + "code=" + code.Code +
		"&state=" + template.URLQueryEscaper(q.Get("state")) +
		"&iss=" + template.URLQueryEscaper(s.MetadataURL())

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	consentTemplate.Execute(w, map[string]interface{}{
		"SiteName":    s.cfg.Owner.SiteName,
		"ClientName":  client.Name,
		"ClientID":    clientID,
		"Logo":        client.Logo,
		"Me":          q.Get("me"),
		"Scopes":      models.SplitScope(scope),
		"ContinueURL": template.URL(continueURL),
	})
}

func supportedMethod(method string) bool {
	for _, m := range SupportedChallengeMethods {
		if m == method {
			return true
		}
	}
	return false
}

// HandleAuthExchange serves POST /auth: the profile-URL exchange that
// returns only {me}, used by sign-in flows that need identity but no token.
func (s *Server) HandleAuthExchange(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	if _, ok := s.redeemCode(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"me": s.Me()})
}

// redeemCode validates and consumes an authorization code from the request
// form. On failure it has already written the error response.
func (s *Server) redeemCode(w http.ResponseWriter, r *http.Request) (*models.AuthCode, bool) {
	code := r.PostFormValue("code")
	if code == "" {
		oauthError(w, http.StatusBadRequest, "invalid_request", "code is required")
		return nil, false
	}
	stored, err := s.store.GetAuthCode(r.Context(), code)
	if err != nil {
		if store.IsNotFound(err) {
			oauthError(w, http.StatusBadRequest, "invalid_grant", "unknown authorization code")
			return nil, false
		}
		log.Error().Err(err).Msg("load authorization code")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return nil, false
	}
	now := time.Now().UTC()
	if stored.Used {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "authorization code already used")
		return nil, false
	}
	if stored.Expired(now) {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "authorization code expired")
		return nil, false
	}
	if clientID := r.PostFormValue("client_id"); clientID != "" && clientID != stored.ClientID {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "client_id mismatch")
		return nil, false
	}
	if redirect := r.PostFormValue("redirect_uri"); redirect != "" && redirect != stored.RedirectURI {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
		return nil, false
	}
	if stored.CodeChallenge != "" {
		verifier := r.PostFormValue("code_verifier")
		if !VerifyPKCE(stored.CodeChallenge, stored.CodeChallengeMethod, verifier) {
			oauthError(w, http.StatusBadRequest, "invalid_grant", "PKCE verification failed")
			return nil, false
		}
	}
	if err := s.store.ConsumeAuthCode(r.Context(), code); err != nil {
		log.Error().Err(err).Msg("consume authorization code")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return nil, false
	}
	return stored, true
}

// ── Token endpoint ──────────────────────────────────────────

// HandleToken serves POST /token, dispatching on grant_type.
func (s *Server) HandleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	switch r.PostFormValue("grant_type") {
	case "authorization_code":
		s.tokenFromCode(w, r)
	case "refresh_token":
		s.tokenFromRefresh(w, r)
	case "":
		oauthError(w, http.StatusBadRequest, "invalid_request", "grant_type is required")
	default:
		oauthError(w, http.StatusBadRequest, "unsupported_grant_type", "unsupported grant_type")
	}
}

func (s *Server) tokenFromCode(w http.ResponseWriter, r *http.Request) {
	code, ok := s.redeemCode(w, r)
	if !ok {
		return
	}
	if code.Scope == "" {
		// no capabilities requested: profile URL response only
		writeJSON(w, http.StatusOK, map[string]string{"me": s.Me()})
		return
	}

	now := time.Now().UTC()
	token := &models.Token{
		AccessToken:   "ra_" + randomHex(),
		RefreshToken:  "rr_" + randomHex(),
		ClientID:      code.ClientID,
		TokenType:     "Bearer",
		Scope:         code.Scope,
		CreatedAt:     now,
		LastRefreshAt: now,
		ExpiresAt:     now.Add(models.TokenTTL),
	}
	if err := s.store.CreateToken(r.Context(), token); err != nil {
		log.Error().Err(err).Msg("persist token")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, s.tokenResponse(token))
}

func (s *Server) tokenFromRefresh(w http.ResponseWriter, r *http.Request) {
	refresh := r.PostFormValue("refresh_token")
	if refresh == "" {
		oauthError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}
	old, err := s.store.GetTokenByRefresh(r.Context(), refresh)
	if err != nil {
		if store.IsNotFound(err) {
			oauthError(w, http.StatusBadRequest, "invalid_grant", "unknown refresh token")
			return
		}
		log.Error().Err(err).Msg("load refresh token")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	now := time.Now().UTC()
	if old.Expired(now) {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "refresh token expired")
		return
	}

	scope := r.PostFormValue("scope")
	if scope == "" {
		scope = old.Scope
	} else if !models.ScopeSubset(scope, old.Scope) {
		oauthError(w, http.StatusBadRequest, "invalid_scope", "requested scope exceeds original grant")
		return
	}

	fresh := &models.Token{
		AccessToken:   "ra_" + randomHex(),
		RefreshToken:  "rr_" + randomHex(),
		ClientID:      old.ClientID,
		TokenType:     "Bearer",
		Scope:         scope,
		CreatedAt:     old.CreatedAt,
		LastRefreshAt: now,
		ExpiresAt:     now.Add(models.TokenTTL),
	}
	if err := s.store.ReplaceToken(r.Context(), old.AccessToken, fresh); err != nil {
		log.Error().Err(err).Msg("replace token")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, s.tokenResponse(fresh))
}

func (s *Server) tokenResponse(token *models.Token) map[string]interface{} {
	resp := map[string]interface{}{
		"access_token":  token.AccessToken,
		"refresh_token": token.RefreshToken,
		"token_type":    token.TokenType,
		"scope":         token.Scope,
		"expires_in":    int(time.Until(token.ExpiresAt).Round(time.Second).Seconds()),
		"me":            s.Me(),
	}
	if token.HasScope("profile") {
		resp["profile"] = s.ownerProfile(token.HasScope("email"))
	}
	return resp
}

// ── Introspection ───────────────────────────────────────────

// HandleIntrospect serves POST /introspect (RFC 7662).
func (s *Server) HandleIntrospect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	token, err := s.store.GetTokenByAccess(r.Context(), r.PostFormValue("token"))
	if err != nil && !store.IsNotFound(err) {
		log.Error().Err(err).Msg("introspect token lookup")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if token == nil || token.Expired(time.Now().UTC()) {
		writeJSON(w, http.StatusOK, map[string]bool{"active": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active":    true,
		"me":        s.Me(),
		"client_id": token.ClientID,
		"scope":     token.Scope,
		"exp":       token.ExpiresAt.Unix(),
		"iat":       token.CreatedAt.Unix(),
	})
}

// ── Revocation ──────────────────────────────────────────────

// HandleRevoke serves POST /revoke (RFC 7009). Unknown tokens still return
// 200. The legacy ?action=revoke query form is accepted too.
func (s *Server) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	token := r.PostFormValue("token")
	if token == "" && r.URL.Query().Get("action") == "revoke" {
		token = r.URL.Query().Get("token")
	}
	if token != "" {
		if err := s.store.RevokeToken(r.Context(), token, time.Now().UTC()); err != nil {
			log.Error().Err(err).Msg("revoke token")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{})
}

// ── Userinfo ────────────────────────────────────────────────

// HandleUserinfo serves GET /userinfo: requires a Bearer token carrying the
// profile scope and returns the owner's h-card fields.
func (s *Server) HandleUserinfo(w http.ResponseWriter, r *http.Request) {
	token, errCode := s.ResolveBearer(r)
	if errCode != "" {
		oauthError(w, http.StatusUnauthorized, errCode, "invalid access token")
		return
	}
	if !token.HasScope("profile") {
		oauthError(w, http.StatusForbidden, "insufficient_scope", "profile scope required")
		return
	}
	writeJSON(w, http.StatusOK, s.ownerProfile(token.HasScope("email")))
}

// ResolveBearer extracts and verifies the request's Bearer access token.
// The second return is an OAuth error identifier, empty on success.
func (s *Server) ResolveBearer(r *http.Request) (*models.Token, string) {
	header := r.Header.Get("Authorization")
	bearer, found := strings.CutPrefix(header, "Bearer ")
	if !found || bearer == "" {
		return nil, "invalid_token"
	}
	token, err := s.store.GetTokenByAccess(r.Context(), strings.TrimSpace(bearer))
	if err != nil || token.Expired(time.Now().UTC()) {
		return nil, "invalid_token"
	}
	return token, ""
}

func (s *Server) ownerProfile(includeEmail bool) map[string]interface{} {
	owner := s.cfg.Owner
	profile := map[string]interface{}{
		"name": owner.Name,
		"url":  s.Me(),
	}
	if owner.Note != "" {
		profile["note"] = owner.Note
	}
	if owner.PhotoDescription != "" {
		profile["photo"] = map[string]string{
			"alt": owner.PhotoDescription,
		}
	}
	if includeEmail && owner.Email != "" {
		profile["email"] = owner.Email
	}
	return profile
}
