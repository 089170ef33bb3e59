// Package models defines the persistent entities of the Burrow node: posts,
// webmention rows, IndieAuth grants and tokens, WebSub subscriptions, and
// the trusted-domain ledger backing Vouch.
package models

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/burrowhq/burrow/internal/mf2"
)

// ── Posts ───────────────────────────────────────────────────

// Visibility values carried in a post's mf2 visibility property.
const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"
)

// Post is the system of record for one microformats-2 entry: a note or
// article authored on this site, or an entry synthesized from an incoming
// webmention. Deletion is a soft flag so undelete and webmention
// re-verification can restore rows.
type Post struct {
	UUID           uuid.UUID   `json:"uuid"`
	Author         string      `json:"author"`
	Location       string      `json:"location"`
	Content        *mf2.Object `json:"content"`
	Read           bool        `json:"read"`
	Deleted        bool        `json:"deleted"`
	CreatedAt      time.Time   `json:"created_at"`
	LastModifiedAt time.Time   `json:"last_modified_at"`
}

// IsPublic reports whether the post may appear in protected listings:
// published (or no post-status set) and not marked private.
func (p *Post) IsPublic() bool {
	status := p.Content.FirstString("post-status")
	if status != "" && status != "published" {
		return false
	}
	visibility := p.Content.FirstString("visibility")
	return visibility == "" || visibility == VisibilityPublic
}

// ── Webmentions ─────────────────────────────────────────────

// Incoming webmention statuses.
const (
	MentionReceived          = "received"
	MentionProcessing        = "processing"
	MentionSuccess           = "success"
	MentionFailure           = "failure"
	MentionPendingModeration = "pending_moderation"
	// MentionNoEndpoint is terminal for outgoing mentions whose target
	// advertises no webmention endpoint.
	MentionNoEndpoint = "no_endpoint"
)

// IncomingMention is one received webmention, keyed uniquely on
// (source, target). The validation workflow drives it through
// received → processing → {success | failure | pending_moderation},
// persisting every transition.
type IncomingMention struct {
	UUID           uuid.UUID   `json:"uuid"`
	Source         string      `json:"source"`
	Target         string      `json:"target"`
	Vouch          string      `json:"vouch,omitempty"`
	Status         string      `json:"status"`
	Message        string      `json:"message,omitempty"`
	Content        *mf2.Object `json:"content,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	LastModifiedAt time.Time   `json:"last_modified_at"`
}

// OutgoingMention is one queued delivery, keyed uniquely on
// (source, target). The send workflow drives it through
// processing → {success | failure | no_endpoint}.
type OutgoingMention struct {
	UUID           uuid.UUID `json:"uuid"`
	Source         string    `json:"source"`
	Target         string    `json:"target"`
	Vouch          string    `json:"vouch,omitempty"`
	Status         string    `json:"status"`
	Message        string    `json:"message,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastModifiedAt time.Time `json:"last_modified_at"`
}

// ── IndieAuth ───────────────────────────────────────────────

// Grant and token lifetimes.
const (
	AuthCodeTTL = 10 * time.Minute
	TokenTTL    = time.Hour
)

// ScopeCatalog is the fixed set of capabilities an authorization request
// may ask for.
var ScopeCatalog = []string{
	"create", "draft", "update", "delete", "undelete", "media",
	"read", "follow", "mute", "block", "channels", "profile", "email",
}

// KnownScope reports whether s is in the catalog.
func KnownScope(s string) bool {
	for _, known := range ScopeCatalog {
		if s == known {
			return true
		}
	}
	return false
}

// SplitScope splits a space-separated scope string, dropping empty parts.
func SplitScope(scope string) []string {
	return strings.Fields(scope)
}

// ScopeSubset reports whether every scope in want is present in have.
func ScopeSubset(want, have string) bool {
	haveSet := map[string]bool{}
	for _, s := range SplitScope(have) {
		haveSet[s] = true
	}
	for _, s := range SplitScope(want) {
		if !haveSet[s] {
			return false
		}
	}
	return true
}

// AuthCode is a single-use authorization code with its PKCE binding.
type AuthCode struct {
	Code                string    `json:"code"`
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	Scope               string    `json:"scope,omitempty"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"`
	Used                bool      `json:"used"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
}

// Expired reports whether the code is past its window.
func (c *AuthCode) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// Token is an issued access/refresh token pair. Refreshing replaces the row
// with a new pair, preserving CreatedAt; revocation sets ExpiresAt to now.
type Token struct {
	AccessToken   string    `json:"access_token"`
	RefreshToken  string    `json:"refresh_token"`
	ClientID      string    `json:"client_id"`
	TokenType     string    `json:"token_type"`
	Scope         string    `json:"scope"`
	CreatedAt     time.Time `json:"created_at"`
	LastRefreshAt time.Time `json:"last_refresh_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Expired reports whether the access token is past its window.
func (t *Token) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// HasScope reports whether the token carries the given scope.
func (t *Token) HasScope(scope string) bool {
	for _, s := range SplitScope(t.Scope) {
		if s == scope {
			return true
		}
	}
	return false
}

// ── WebSub ──────────────────────────────────────────────────

// MaxLease bounds subscription leases: a hub policy, not a protocol limit.
const MaxLease = 365 * 24 * time.Hour

// Subscription is one verified (callback, topic) pair the hub delivers to.
type Subscription struct {
	Callback       string    `json:"callback"`
	Topic          string    `json:"topic"`
	Secret         string    `json:"secret,omitempty"`
	ExpiresAt      time.Time `json:"expires_at"`
	LastDeliveryAt time.Time `json:"last_delivery_at"`
}

// Active reports whether the lease is still running.
func (s *Subscription) Active(now time.Time) bool {
	return now.Before(s.ExpiresAt)
}

// ── Vouch ───────────────────────────────────────────────────

// TrustedDomain is a host webmentions are accepted from without moderation.
// Rows are inserted automatically whenever an outgoing webmention is queued
// to a host, which is how outbound contacts become vouch-eligible.
type TrustedDomain struct {
	Domain string `json:"domain"`
}
