// Package store — PostgreSQL Store implementation backed by pgxpool.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/burrowhq/burrow/internal/mf2"
	"github.com/burrowhq/burrow/pkg/models"
)

// PostgresStore implements Store over a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the given DSN.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS entries (
		uuid UUID PRIMARY KEY,
		author TEXT NOT NULL,
		location TEXT NOT NULL,
		content JSONB NOT NULL,
		read BOOLEAN NOT NULL DEFAULT FALSE,
		deleted BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		last_modified_at TIMESTAMPTZ NOT NULL
	)`,
	// Location is deliberately not unique: one remote page mentioning
	// several of our posts synthesizes one entry per mention, all located
	// at that page. The early schema had a unique index here.
	`DROP INDEX IF EXISTS entries_location_idx`,
	`CREATE INDEX IF NOT EXISTS entries_by_location_idx ON entries (location)`,
	`CREATE TABLE IF NOT EXISTS entry_index (
		uuid UUID PRIMARY KEY REFERENCES entries (uuid) ON DELETE CASCADE,
		document TSVECTOR NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS entry_index_document_idx ON entry_index USING GIN (document)`,
	`CREATE TABLE IF NOT EXISTS incoming_mentions (
		uuid UUID PRIMARY KEY,
		source TEXT NOT NULL,
		target TEXT NOT NULL,
		vouch TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		content JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		last_modified_at TIMESTAMPTZ NOT NULL,
		UNIQUE (source, target)
	)`,
	`CREATE TABLE IF NOT EXISTS outgoing_mentions (
		uuid UUID PRIMARY KEY,
		source TEXT NOT NULL,
		target TEXT NOT NULL,
		vouch TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		last_modified_at TIMESTAMPTZ NOT NULL,
		UNIQUE (source, target)
	)`,
	`CREATE TABLE IF NOT EXISTS trusted_domains (
		domain TEXT PRIMARY KEY
	)`,
	`CREATE TABLE IF NOT EXISTS auth_codes (
		code TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		redirect_uri TEXT NOT NULL,
		scope TEXT NOT NULL DEFAULT '',
		code_challenge TEXT NOT NULL DEFAULT '',
		code_challenge_method TEXT NOT NULL DEFAULT '',
		used BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tokens (
		access_token TEXT PRIMARY KEY,
		refresh_token TEXT NOT NULL UNIQUE,
		client_id TEXT NOT NULL,
		token_type TEXT NOT NULL,
		scope TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		last_refresh_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS subscriptions (
		callback TEXT NOT NULL,
		topic TEXT NOT NULL,
		secret TEXT NOT NULL DEFAULT '',
		expires_at TIMESTAMPTZ NOT NULL,
		last_delivery_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (callback, topic)
	)`,
}

// Migrate creates the schema. Idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// ── Entries ─────────────────────────────────────────────────

func (s *PostgresStore) UpsertEntry(ctx context.Context, post *models.Post, indexText string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO entries (uuid, author, location, content, read, deleted, created_at, last_modified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (uuid) DO UPDATE SET
			author = EXCLUDED.author,
			location = EXCLUDED.location,
			content = EXCLUDED.content,
			read = EXCLUDED.read,
			deleted = EXCLUDED.deleted,
			last_modified_at = EXCLUDED.last_modified_at`,
		post.UUID, post.Author, post.Location, post.Content,
		post.Read, post.Deleted, post.CreatedAt, post.LastModifiedAt)
	if err != nil {
		return fmt.Errorf("store: upsert entry: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO entry_index (uuid, document)
		VALUES ($1, to_tsvector('simple', $2))
		ON CONFLICT (uuid) DO UPDATE SET document = EXCLUDED.document`,
		post.UUID, indexText)
	if err != nil {
		return fmt.Errorf("store: upsert index: %w", err)
	}

	return tx.Commit(ctx)
}

const entryColumns = `uuid, author, location, content, read, deleted, created_at, last_modified_at`

func scanEntry(row pgx.Row) (*models.Post, error) {
	var p models.Post
	err := row.Scan(&p.UUID, &p.Author, &p.Location, &p.Content,
		&p.Read, &p.Deleted, &p.CreatedAt, &p.LastModifiedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) GetEntry(ctx context.Context, id uuid.UUID) (*models.Post, error) {
	p, err := scanEntry(s.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE uuid = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "entry", Key: id.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("store: get entry: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) GetEntryByLocation(ctx context.Context, location string) (*models.Post, error) {
	p, err := scanEntry(s.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE location = $1`, location))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "entry", Key: location}
	}
	if err != nil {
		return nil, fmt.Errorf("store: get entry by location: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) SetEntryDeleted(ctx context.Context, id uuid.UUID, deleted bool, modified time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE entries SET deleted = $2, last_modified_at = $3 WHERE uuid = $1`,
		id, deleted, modified)
	if err != nil {
		return fmt.Errorf("store: set deleted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "entry", Key: id.String()}
	}
	return nil
}

// entryFilter builds the WHERE conditions shared by list and search queries.
func entryFilter(q EntryQuery, args []interface{}) ([]string, []interface{}) {
	var where []string
	if !q.IncludeDeleted {
		where = append(where, "NOT deleted")
	}
	if q.Author != "" {
		args = append(args, q.Author)
		where = append(where, fmt.Sprintf("author = $%d", len(args)))
	}
	if q.Since != nil {
		args = append(args, *q.Since)
		where = append(where, fmt.Sprintf("last_modified_at > $%d", len(args)))
	}
	if q.Category != "" {
		args = append(args, q.Category)
		where = append(where, fmt.Sprintf("content->'properties'->'category' ? $%d", len(args)))
	}
	if q.Protected {
		where = append(where, `COALESCE(content->'properties'->'post-status'->>0, 'published') = 'published'`)
		where = append(where, `COALESCE(content->'properties'->'visibility'->>0, 'public') = 'public'`)
	}
	return where, args
}

// pageClause appends ORDER BY / LIMIT / OFFSET.
func pageClause(q EntryQuery, args []interface{}) (string, []interface{}) {
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit)
	clause := fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))
	args = append(args, q.Offset)
	clause += fmt.Sprintf(" OFFSET $%d", len(args))
	return clause, args
}

func (s *PostgresStore) queryEntries(ctx context.Context, sql string, args []interface{}) ([]models.Post, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Post
	for rows.Next() {
		p, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListEntries(ctx context.Context, q EntryQuery) ([]models.Post, error) {
	where, args := entryFilter(q, nil)
	sql := `SELECT ` + entryColumns + ` FROM entries`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	clause, args := pageClause(q, args)
	out, err := s.queryEntries(ctx, sql+clause, args)
	if err != nil {
		return nil, fmt.Errorf("store: list entries: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) SearchEntries(ctx context.Context, needle string, q EntryQuery) ([]models.Post, error) {
	where, args := entryFilter(q, []interface{}{needle})
	where = append([]string{`entry_index.document @@ websearch_to_tsquery('simple', $1)`}, where...)
	sql := `SELECT ` + entryColumns + ` FROM entries
		JOIN entry_index USING (uuid)
		WHERE ` + strings.Join(where, " AND ")
	clause, args := pageClause(q, args)
	out, err := s.queryEntries(ctx, sql+clause, args)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "42601" {
			// tsquery syntax error: surfaced so the caller retries sanitized
			return nil, fmt.Errorf("store: search parse: %w", err)
		}
		return nil, fmt.Errorf("store: search entries: %w", err)
	}
	return out, nil
}

// ── Mentions ────────────────────────────────────────────────

func (s *PostgresStore) UpsertIncomingMention(ctx context.Context, m *models.IncomingMention) error {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO incoming_mentions (uuid, source, target, vouch, status, message, content, created_at, last_modified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (source, target) DO UPDATE SET
			vouch = EXCLUDED.vouch,
			status = EXCLUDED.status,
			message = EXCLUDED.message,
			last_modified_at = EXCLUDED.last_modified_at
		RETURNING uuid, created_at`,
		m.UUID, m.Source, m.Target, m.Vouch, m.Status, m.Message, m.Content,
		m.CreatedAt, m.LastModifiedAt)
	if err := row.Scan(&m.UUID, &m.CreatedAt); err != nil {
		return fmt.Errorf("store: upsert incoming mention: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetIncomingMention(ctx context.Context, id uuid.UUID) (*models.IncomingMention, error) {
	var m models.IncomingMention
	err := s.pool.QueryRow(ctx, `
		SELECT uuid, source, target, vouch, status, message, content, created_at, last_modified_at
		FROM incoming_mentions WHERE uuid = $1`, id).
		Scan(&m.UUID, &m.Source, &m.Target, &m.Vouch, &m.Status, &m.Message,
			&m.Content, &m.CreatedAt, &m.LastModifiedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "incoming webmention", Key: id.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("store: get incoming mention: %w", err)
	}
	return &m, nil
}

func (s *PostgresStore) SetIncomingMentionState(ctx context.Context, id uuid.UUID, status, message string, content *mf2.Object) error {
	var err error
	if content != nil {
		_, err = s.pool.Exec(ctx, `
			UPDATE incoming_mentions
			SET status = $2, message = $3, content = $4, last_modified_at = now()
			WHERE uuid = $1`, id, status, message, content)
	} else {
		_, err = s.pool.Exec(ctx, `
			UPDATE incoming_mentions
			SET status = $2, message = $3, last_modified_at = now()
			WHERE uuid = $1`, id, status, message)
	}
	if err != nil {
		return fmt.Errorf("store: set incoming state: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSuccessfulIncomingMentions(ctx context.Context) ([]models.IncomingMention, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT uuid, source, target, vouch, status, message, content, created_at, last_modified_at
		FROM incoming_mentions WHERE status = $1
		ORDER BY last_modified_at DESC`, models.MentionSuccess)
	if err != nil {
		return nil, fmt.Errorf("store: list successful incoming: %w", err)
	}
	defer rows.Close()
	var out []models.IncomingMention
	for rows.Next() {
		var m models.IncomingMention
		if err := rows.Scan(&m.UUID, &m.Source, &m.Target, &m.Vouch, &m.Status,
			&m.Message, &m.Content, &m.CreatedAt, &m.LastModifiedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertOutgoingMention(ctx context.Context, m *models.OutgoingMention) error {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO outgoing_mentions (uuid, source, target, vouch, status, message, created_at, last_modified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (source, target) DO UPDATE SET
			status = EXCLUDED.status,
			message = EXCLUDED.message,
			last_modified_at = EXCLUDED.last_modified_at
		RETURNING uuid, created_at`,
		m.UUID, m.Source, m.Target, m.Vouch, m.Status, m.Message,
		m.CreatedAt, m.LastModifiedAt)
	if err := row.Scan(&m.UUID, &m.CreatedAt); err != nil {
		return fmt.Errorf("store: upsert outgoing mention: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetOutgoingMentionState(ctx context.Context, id uuid.UUID, status, message, vouch string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outgoing_mentions
		SET status = $2, message = $3, vouch = $4, last_modified_at = now()
		WHERE uuid = $1`, id, status, message, vouch)
	if err != nil {
		return fmt.Errorf("store: set outgoing state: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMentionSources(ctx context.Context, target string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT source FROM incoming_mentions WHERE status = $1 AND target = $2
		UNION
		SELECT source FROM outgoing_mentions WHERE status = $1 AND target = $2`,
		models.MentionSuccess, target)
	if err != nil {
		return nil, fmt.Errorf("store: list mention sources: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var source string
		if err := rows.Scan(&source); err != nil {
			return nil, err
		}
		out = append(out, source)
	}
	return out, rows.Err()
}

// ── Auth codes and tokens ───────────────────────────────────

func (s *PostgresStore) CreateAuthCode(ctx context.Context, code *models.AuthCode) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO auth_codes (code, client_id, redirect_uri, scope, code_challenge, code_challenge_method, used, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		code.Code, code.ClientID, code.RedirectURI, code.Scope,
		code.CodeChallenge, code.CodeChallengeMethod, code.Used,
		code.CreatedAt, code.ExpiresAt)
	if err != nil {
		return fmt.Errorf("store: create auth code: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAuthCode(ctx context.Context, code string) (*models.AuthCode, error) {
	var c models.AuthCode
	err := s.pool.QueryRow(ctx, `
		SELECT code, client_id, redirect_uri, scope, code_challenge, code_challenge_method, used, created_at, expires_at
		FROM auth_codes WHERE code = $1`, code).
		Scan(&c.Code, &c.ClientID, &c.RedirectURI, &c.Scope,
			&c.CodeChallenge, &c.CodeChallengeMethod, &c.Used, &c.CreatedAt, &c.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "authorization code", Key: code}
	}
	if err != nil {
		return nil, fmt.Errorf("store: get auth code: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) ConsumeAuthCode(ctx context.Context, code string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE auth_codes SET used = TRUE WHERE code = $1`, code)
	if err != nil {
		return fmt.Errorf("store: consume auth code: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "authorization code", Key: code}
	}
	return nil
}

func (s *PostgresStore) CreateToken(ctx context.Context, t *models.Token) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tokens (access_token, refresh_token, client_id, token_type, scope, created_at, last_refresh_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.AccessToken, t.RefreshToken, t.ClientID, t.TokenType, t.Scope,
		t.CreatedAt, t.LastRefreshAt, t.ExpiresAt)
	if err != nil {
		return fmt.Errorf("store: create token: %w", err)
	}
	return nil
}

const tokenColumns = `access_token, refresh_token, client_id, token_type, scope, created_at, last_refresh_at, expires_at`

func (s *PostgresStore) getToken(ctx context.Context, column, value string) (*models.Token, error) {
	var t models.Token
	err := s.pool.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE `+column+` = $1`, value).
		Scan(&t.AccessToken, &t.RefreshToken, &t.ClientID, &t.TokenType,
			&t.Scope, &t.CreatedAt, &t.LastRefreshAt, &t.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "token", Key: value}
	}
	if err != nil {
		return nil, fmt.Errorf("store: get token: %w", err)
	}
	return &t, nil
}

func (s *PostgresStore) GetTokenByAccess(ctx context.Context, access string) (*models.Token, error) {
	return s.getToken(ctx, "access_token", access)
}

func (s *PostgresStore) GetTokenByRefresh(ctx context.Context, refresh string) (*models.Token, error) {
	return s.getToken(ctx, "refresh_token", refresh)
}

func (s *PostgresStore) ReplaceToken(ctx context.Context, oldAccess string, t *models.Token) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM tokens WHERE access_token = $1`, oldAccess)
	if err != nil {
		return fmt.Errorf("store: replace token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "token", Key: oldAccess}
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO tokens (`+tokenColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.AccessToken, t.RefreshToken, t.ClientID, t.TokenType, t.Scope,
		t.CreatedAt, t.LastRefreshAt, t.ExpiresAt)
	if err != nil {
		return fmt.Errorf("store: replace token: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) RevokeToken(ctx context.Context, token string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tokens SET expires_at = $2
		WHERE access_token = $1 OR refresh_token = $1`, token, now)
	if err != nil {
		return fmt.Errorf("store: revoke token: %w", err)
	}
	return nil
}

func (s *PostgresStore) PurgeExpiredAuth(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	tag, err := s.pool.Exec(ctx, `DELETE FROM auth_codes WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: purge auth codes: %w", err)
	}
	n += tag.RowsAffected()
	tag, err = s.pool.Exec(ctx, `DELETE FROM tokens WHERE expires_at < $1`, cutoff)
	if err != nil {
		return n, fmt.Errorf("store: purge tokens: %w", err)
	}
	return n + tag.RowsAffected(), nil
}

// ── Subscriptions ───────────────────────────────────────────

func (s *PostgresStore) UpsertSubscription(ctx context.Context, sub *models.Subscription) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO subscriptions (callback, topic, secret, expires_at, last_delivery_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (callback, topic) DO UPDATE SET
			secret = EXCLUDED.secret,
			expires_at = EXCLUDED.expires_at,
			last_delivery_at = EXCLUDED.last_delivery_at`,
		sub.Callback, sub.Topic, sub.Secret, sub.ExpiresAt, sub.LastDeliveryAt)
	if err != nil {
		return fmt.Errorf("store: upsert subscription: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteSubscription(ctx context.Context, callback, topic string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM subscriptions WHERE callback = $1 AND topic = $2`, callback, topic)
	if err != nil {
		return fmt.Errorf("store: delete subscription: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListActiveSubscriptions(ctx context.Context, topics []string, now time.Time) ([]models.Subscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT callback, topic, secret, expires_at, last_delivery_at
		FROM subscriptions WHERE topic = ANY($1) AND expires_at > $2`, topics, now)
	if err != nil {
		return nil, fmt.Errorf("store: list subscriptions: %w", err)
	}
	defer rows.Close()
	var out []models.Subscription
	for rows.Next() {
		var sub models.Subscription
		if err := rows.Scan(&sub.Callback, &sub.Topic, &sub.Secret,
			&sub.ExpiresAt, &sub.LastDeliveryAt); err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *PostgresStore) TouchSubscription(ctx context.Context, callback, topic string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE subscriptions SET last_delivery_at = $3
		WHERE callback = $1 AND topic = $2`, callback, topic, at)
	if err != nil {
		return fmt.Errorf("store: touch subscription: %w", err)
	}
	return nil
}

func (s *PostgresStore) PurgeExpiredSubscriptions(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM subscriptions WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: purge subscriptions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ── Trusted domains ─────────────────────────────────────────

func (s *PostgresStore) AddTrustedDomain(ctx context.Context, domain string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO trusted_domains (domain) VALUES (lower($1))
		ON CONFLICT (domain) DO NOTHING`, domain)
	if err != nil {
		return fmt.Errorf("store: add trusted domain: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsTrustedDomain(ctx context.Context, domain string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM trusted_domains WHERE domain = lower($1))`, domain).
		Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: trusted domain lookup: %w", err)
	}
	return exists, nil
}
