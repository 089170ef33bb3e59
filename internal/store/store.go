// Package store provides the storage interface and implementations for the
// Burrow node. All persistent state lives behind the Store interface: posts
// and their search index, webmention rows, IndieAuth grants and tokens,
// WebSub subscriptions, and trusted domains. Handlers and workflows depend
// on the interface, making it easy to swap between in-memory (tests, local
// dev) and PostgreSQL (production) implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/burrowhq/burrow/internal/mf2"
	"github.com/burrowhq/burrow/pkg/models"
)

// Store is the primary storage interface for the node.
type Store interface {
	EntryStore
	MentionStore
	TokenStore
	SubscriptionStore
	TrustedDomainStore

	// Ping checks if the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate creates or updates the schema.
	Migrate(ctx context.Context) error
}

// EntryQuery filters entry listings.
type EntryQuery struct {
	Author string
	// Since keeps only posts modified after the given time. WebSub fanout
	// relies on this catching updates to older posts, not just new ones.
	Since          *time.Time
	Offset         int
	Limit          int
	IncludeDeleted bool
	Category       string
	// Protected excludes drafts and private posts from the result.
	Protected bool
}

// EntryStore persists posts and keeps the search index record in sync.
type EntryStore interface {
	// UpsertEntry inserts or rewrites the post row and refreshes its index
	// record atomically. indexText is the opaque searchable text derived
	// from the post content.
	UpsertEntry(ctx context.Context, post *models.Post, indexText string) error

	GetEntry(ctx context.Context, id uuid.UUID) (*models.Post, error)
	GetEntryByLocation(ctx context.Context, location string) (*models.Post, error)

	// SetEntryDeleted flips the soft-delete flag and bumps last_modified_at.
	SetEntryDeleted(ctx context.Context, id uuid.UUID, deleted bool, modified time.Time) error

	ListEntries(ctx context.Context, q EntryQuery) ([]models.Post, error)

	// SearchEntries runs a full-text match over the index. Implementations
	// surface index parse errors to the caller, which retries with a
	// sanitized needle.
	SearchEntries(ctx context.Context, needle string, q EntryQuery) ([]models.Post, error)
}

// MentionStore persists webmention rows. Both directions are keyed uniquely
// on (source, target); upserts resolve conflicts by updating the mutable
// columns and reporting the existing row's uuid back through the model.
type MentionStore interface {
	UpsertIncomingMention(ctx context.Context, m *models.IncomingMention) error
	GetIncomingMention(ctx context.Context, id uuid.UUID) (*models.IncomingMention, error)

	// SetIncomingMentionState persists one workflow transition.
	SetIncomingMentionState(ctx context.Context, id uuid.UUID, status, message string, content *mf2.Object) error

	// ListSuccessfulIncomingMentions returns successful rows, newest first.
	ListSuccessfulIncomingMentions(ctx context.Context) ([]models.IncomingMention, error)

	UpsertOutgoingMention(ctx context.Context, m *models.OutgoingMention) error

	// SetOutgoingMentionState persists one delivery transition, including
	// the vouch that was in play (empty clears it).
	SetOutgoingMentionState(ctx context.Context, id uuid.UUID, status, message, vouch string) error

	// ListMentionSources returns source URLs of successful mentions, in
	// either direction, whose target equals the given URL. Drives the
	// reply-graph traversal.
	ListMentionSources(ctx context.Context, target string) ([]string, error)
}

// TokenStore persists IndieAuth authorization codes and tokens.
type TokenStore interface {
	CreateAuthCode(ctx context.Context, code *models.AuthCode) error
	GetAuthCode(ctx context.Context, code string) (*models.AuthCode, error)

	// ConsumeAuthCode marks the code used. Returns ErrNotFound when absent.
	ConsumeAuthCode(ctx context.Context, code string) error

	CreateToken(ctx context.Context, t *models.Token) error
	GetTokenByAccess(ctx context.Context, access string) (*models.Token, error)
	GetTokenByRefresh(ctx context.Context, refresh string) (*models.Token, error)

	// ReplaceToken atomically swaps the row holding oldAccess for t.
	ReplaceToken(ctx context.Context, oldAccess string, t *models.Token) error

	// RevokeToken expires the token row matching the given access or
	// refresh token. Unknown tokens are not an error (RFC 7009).
	RevokeToken(ctx context.Context, token string, now time.Time) error

	// PurgeExpiredAuth removes codes and tokens expired before cutoff.
	PurgeExpiredAuth(ctx context.Context, cutoff time.Time) (int64, error)
}

// SubscriptionStore persists WebSub subscriptions keyed on (callback, topic).
type SubscriptionStore interface {
	UpsertSubscription(ctx context.Context, s *models.Subscription) error
	DeleteSubscription(ctx context.Context, callback, topic string) error
	ListActiveSubscriptions(ctx context.Context, topics []string, now time.Time) ([]models.Subscription, error)
	TouchSubscription(ctx context.Context, callback, topic string, at time.Time) error
	PurgeExpiredSubscriptions(ctx context.Context, cutoff time.Time) (int64, error)
}

// TrustedDomainStore is the vouch trust ledger.
type TrustedDomainStore interface {
	AddTrustedDomain(ctx context.Context, domain string) error
	IsTrustedDomain(ctx context.Context, domain string) (bool, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}
