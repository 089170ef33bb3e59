// Package store — in-memory Store implementation.
// Used in tests and as a fallback when PostgreSQL is not configured.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/burrowhq/burrow/internal/mf2"
	"github.com/burrowhq/burrow/pkg/models"
)

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu sync.RWMutex

	entries  map[uuid.UUID]*models.Post
	index    map[uuid.UUID]string // lowercased searchable text
	incoming map[uuid.UUID]*models.IncomingMention
	outgoing map[uuid.UUID]*models.OutgoingMention
	codes    map[string]*models.AuthCode
	tokens   map[string]*models.Token // key: access_token
	subs     map[string]*models.Subscription
	trusted  map[string]bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:  map[uuid.UUID]*models.Post{},
		index:    map[uuid.UUID]string{},
		incoming: map[uuid.UUID]*models.IncomingMention{},
		outgoing: map[uuid.UUID]*models.OutgoingMention{},
		codes:    map[string]*models.AuthCode{},
		tokens:   map[string]*models.Token{},
		subs:     map[string]*models.Subscription{},
		trusted:  map[string]bool{},
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error    { return nil }
func (s *MemoryStore) Close() error                      { return nil }
func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }

func subKey(callback, topic string) string { return callback + "\x00" + topic }

// ── Entries ─────────────────────────────────────────────────

func (s *MemoryStore) UpsertEntry(ctx context.Context, post *models.Post, indexText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *post
	cp.Content = post.Content.Clone()
	s.entries[post.UUID] = &cp
	s.index[post.UUID] = strings.ToLower(indexText)
	return nil
}

func (s *MemoryStore) GetEntry(ctx context.Context, id uuid.UUID) (*models.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.entries[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "entry", Key: id.String()}
	}
	cp := *p
	cp.Content = p.Content.Clone()
	return &cp, nil
}

func (s *MemoryStore) GetEntryByLocation(ctx context.Context, location string) (*models.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.entries {
		if p.Location == location {
			cp := *p
			cp.Content = p.Content.Clone()
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "entry", Key: location}
}

func (s *MemoryStore) SetEntryDeleted(ctx context.Context, id uuid.UUID, deleted bool, modified time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.entries[id]
	if !ok {
		return &ErrNotFound{Entity: "entry", Key: id.String()}
	}
	p.Deleted = deleted
	p.LastModifiedAt = modified
	return nil
}

func (s *MemoryStore) ListEntries(ctx context.Context, q EntryQuery) ([]models.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(q, nil), nil
}

func (s *MemoryStore) SearchEntries(ctx context.Context, needle string, q EntryQuery) ([]models.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	needle = strings.ToLower(strings.TrimSpace(needle))
	match := func(p *models.Post) bool {
		return needle != "" && strings.Contains(s.index[p.UUID], needle)
	}
	return s.collect(q, match), nil
}

// collect applies the query filters to all entries, newest first. Callers
// hold the read lock.
func (s *MemoryStore) collect(q EntryQuery, match func(*models.Post) bool) []models.Post {
	var rows []*models.Post
	for _, p := range s.entries {
		if !q.IncludeDeleted && p.Deleted {
			continue
		}
		if q.Author != "" && p.Author != q.Author {
			continue
		}
		if q.Since != nil && !p.LastModifiedAt.After(*q.Since) {
			continue
		}
		if q.Category != "" && !p.Content.HasCategory(q.Category) {
			continue
		}
		if q.Protected && !p.IsPublic() {
			continue
		}
		if match != nil && !match(p) {
			continue
		}
		rows = append(rows, p)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].CreatedAt.After(rows[j].CreatedAt) })

	if q.Offset > len(rows) {
		rows = nil
	} else {
		rows = rows[q.Offset:]
	}
	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}
	out := make([]models.Post, 0, len(rows))
	for _, p := range rows {
		cp := *p
		cp.Content = p.Content.Clone()
		out = append(out, cp)
	}
	return out
}

// ── Mentions ────────────────────────────────────────────────

func (s *MemoryStore) UpsertIncomingMention(ctx context.Context, m *models.IncomingMention) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, have := range s.incoming {
		if have.Source == m.Source && have.Target == m.Target {
			have.Vouch = m.Vouch
			have.Status = m.Status
			have.Message = m.Message
			have.LastModifiedAt = m.LastModifiedAt
			m.UUID = have.UUID
			m.CreatedAt = have.CreatedAt
			return nil
		}
	}
	if m.UUID == uuid.Nil {
		m.UUID = uuid.New()
	}
	cp := *m
	s.incoming[m.UUID] = &cp
	return nil
}

func (s *MemoryStore) GetIncomingMention(ctx context.Context, id uuid.UUID) (*models.IncomingMention, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.incoming[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "incoming webmention", Key: id.String()}
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) SetIncomingMentionState(ctx context.Context, id uuid.UUID, status, message string, content *mf2.Object) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.incoming[id]
	if !ok {
		return &ErrNotFound{Entity: "incoming webmention", Key: id.String()}
	}
	m.Status = status
	m.Message = message
	if content != nil {
		m.Content = content.Clone()
	}
	m.LastModifiedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListSuccessfulIncomingMentions(ctx context.Context) ([]models.IncomingMention, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.IncomingMention
	for _, m := range s.incoming {
		if m.Status == models.MentionSuccess {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastModifiedAt.After(out[j].LastModifiedAt) })
	return out, nil
}

func (s *MemoryStore) UpsertOutgoingMention(ctx context.Context, m *models.OutgoingMention) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, have := range s.outgoing {
		if have.Source == m.Source && have.Target == m.Target {
			have.Status = m.Status
			have.Message = m.Message
			have.LastModifiedAt = m.LastModifiedAt
			m.UUID = have.UUID
			m.CreatedAt = have.CreatedAt
			return nil
		}
	}
	if m.UUID == uuid.Nil {
		m.UUID = uuid.New()
	}
	cp := *m
	s.outgoing[m.UUID] = &cp
	return nil
}

func (s *MemoryStore) SetOutgoingMentionState(ctx context.Context, id uuid.UUID, status, message, vouch string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outgoing[id]
	if !ok {
		return &ErrNotFound{Entity: "outgoing webmention", Key: id.String()}
	}
	m.Status = status
	m.Message = message
	m.Vouch = vouch
	m.LastModifiedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListMentionSources(ctx context.Context, target string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, m := range s.incoming {
		if m.Status == models.MentionSuccess && m.Target == target {
			out = append(out, m.Source)
		}
	}
	for _, m := range s.outgoing {
		if m.Status == models.MentionSuccess && m.Target == target {
			out = append(out, m.Source)
		}
	}
	sort.Strings(out)
	return out, nil
}

// IncomingMentions returns all incoming rows. Test helper.
func (s *MemoryStore) IncomingMentions() []models.IncomingMention {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.IncomingMention, 0, len(s.incoming))
	for _, m := range s.incoming {
		out = append(out, *m)
	}
	return out
}

// OutgoingMentions returns all outgoing rows. Test helper.
func (s *MemoryStore) OutgoingMentions() []models.OutgoingMention {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.OutgoingMention, 0, len(s.outgoing))
	for _, m := range s.outgoing {
		out = append(out, *m)
	}
	return out
}

// GetOutgoingMention returns an outgoing row by uuid. Test helper.
func (s *MemoryStore) GetOutgoingMention(id uuid.UUID) (*models.OutgoingMention, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.outgoing[id]
	if !ok {
		return nil, false
	}
	cp := *m
	return &cp, true
}

// ── Auth codes and tokens ───────────────────────────────────

func (s *MemoryStore) CreateAuthCode(ctx context.Context, code *models.AuthCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *code
	s.codes[code.Code] = &cp
	return nil
}

func (s *MemoryStore) GetAuthCode(ctx context.Context, code string) (*models.AuthCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.codes[code]
	if !ok {
		return nil, &ErrNotFound{Entity: "authorization code", Key: code}
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ConsumeAuthCode(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[code]
	if !ok {
		return &ErrNotFound{Entity: "authorization code", Key: code}
	}
	c.Used = true
	return nil
}

// AuthCodes returns all stored authorization codes. Test helper.
func (s *MemoryStore) AuthCodes() []models.AuthCode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.AuthCode, 0, len(s.codes))
	for _, c := range s.codes {
		out = append(out, *c)
	}
	return out
}

func (s *MemoryStore) CreateToken(ctx context.Context, t *models.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tokens[t.AccessToken] = &cp
	return nil
}

func (s *MemoryStore) GetTokenByAccess(ctx context.Context, access string) (*models.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[access]
	if !ok {
		return nil, &ErrNotFound{Entity: "token", Key: access}
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) GetTokenByRefresh(ctx context.Context, refresh string) (*models.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tokens {
		if t.RefreshToken == refresh {
			cp := *t
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "token", Key: refresh}
}

func (s *MemoryStore) ReplaceToken(ctx context.Context, oldAccess string, t *models.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[oldAccess]; !ok {
		return &ErrNotFound{Entity: "token", Key: oldAccess}
	}
	delete(s.tokens, oldAccess)
	cp := *t
	s.tokens[t.AccessToken] = &cp
	return nil
}

func (s *MemoryStore) RevokeToken(ctx context.Context, token string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if t.AccessToken == token || t.RefreshToken == token {
			t.ExpiresAt = now
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) PurgeExpiredAuth(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for code, c := range s.codes {
		if c.ExpiresAt.Before(cutoff) {
			delete(s.codes, code)
			n++
		}
	}
	for access, t := range s.tokens {
		if t.ExpiresAt.Before(cutoff) {
			delete(s.tokens, access)
			n++
		}
	}
	return n, nil
}

// ── Subscriptions ───────────────────────────────────────────

func (s *MemoryStore) UpsertSubscription(ctx context.Context, sub *models.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sub
	s.subs[subKey(sub.Callback, sub.Topic)] = &cp
	return nil
}

func (s *MemoryStore) DeleteSubscription(ctx context.Context, callback, topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, subKey(callback, topic))
	return nil
}

func (s *MemoryStore) ListActiveSubscriptions(ctx context.Context, topics []string, now time.Time) ([]models.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := map[string]bool{}
	for _, t := range topics {
		want[t] = true
	}
	var out []models.Subscription
	for _, sub := range s.subs {
		if want[sub.Topic] && sub.Active(now) {
			out = append(out, *sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Callback < out[j].Callback })
	return out, nil
}

func (s *MemoryStore) TouchSubscription(ctx context.Context, callback, topic string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[subKey(callback, topic)]
	if !ok {
		return &ErrNotFound{Entity: "subscription", Key: callback}
	}
	sub.LastDeliveryAt = at
	return nil
}

func (s *MemoryStore) PurgeExpiredSubscriptions(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for key, sub := range s.subs {
		if sub.ExpiresAt.Before(cutoff) {
			delete(s.subs, key)
			n++
		}
	}
	return n, nil
}

// GetSubscription returns a subscription row. Test helper.
func (s *MemoryStore) GetSubscription(callback, topic string) (*models.Subscription, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[subKey(callback, topic)]
	if !ok {
		return nil, false
	}
	cp := *sub
	return &cp, true
}

// ── Trusted domains ─────────────────────────────────────────

func (s *MemoryStore) AddTrustedDomain(ctx context.Context, domain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trusted[strings.ToLower(domain)] = true
	return nil
}

func (s *MemoryStore) IsTrustedDomain(ctx context.Context, domain string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.trusted[strings.ToLower(domain)], nil
}
