package posts_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/burrowhq/burrow/internal/events"
	"github.com/burrowhq/burrow/internal/mf2"
	"github.com/burrowhq/burrow/internal/posts"
	"github.com/burrowhq/burrow/internal/store"
	"github.com/burrowhq/burrow/pkg/models"
)

const base = "http://example.com"

func newService(t *testing.T) (*posts.Service, *store.MemoryStore, *events.Bus) {
	t.Helper()
	mem := store.NewMemoryStore()
	bus := events.New()
	return posts.NewService(mem, bus, base), mem, bus
}

func entry(props map[string][]interface{}) *mf2.Object {
	o := mf2.NewEntry()
	for k, vs := range props {
		o.Properties[k] = vs
	}
	return o
}

func TestUpsert_RoundTripsContent(t *testing.T) {
	svc, _, bus := newService(t)
	bus.Seal()

	in := entry(map[string][]interface{}{
		"name":     {"Hello"},
		"content":  {map[string]interface{}{"html": "<p>Hello world</p>", "value": "Hello world"}},
		"category": {"golang", "indieweb"},
	})

	post, err := svc.Upsert(context.Background(), in)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, post.UUID)

	got, err := svc.Get(context.Background(), post.UUID)
	require.NoError(t, err)
	require.Equal(t, post.Content, got.Content)
	require.False(t, got.Deleted)
	require.False(t, got.Read)
	bus.Wait()
}

func TestUpsert_DerivesTimesAndLocation(t *testing.T) {
	svc, _, bus := newService(t)
	bus.Seal()

	id := uuid.New()
	in := entry(map[string][]interface{}{
		"uid":       {id.String()},
		"published": {"2024-03-01T10:00:00Z"},
		"updated":   {"2024-04-01T10:00:00Z"},
		"name":      {"Dated"},
	})

	post, err := svc.Upsert(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, id, post.UUID)
	require.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), post.CreatedAt)
	require.Equal(t, time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC), post.LastModifiedAt)
	require.Equal(t, svc.PermalinkFor(id), post.Location)
	require.Equal(t, base, post.Author)
	bus.Wait()
}

func TestUpsert_PublishesCreatedThenUpdated(t *testing.T) {
	mem := store.NewMemoryStore()
	bus := events.New()
	svc := posts.NewService(mem, bus, base)

	created := make(chan events.EntryCreated, 1)
	updated := make(chan events.EntryUpdated, 1)
	bus.OnCreated(func(ctx context.Context, ev events.EntryCreated) { created <- ev })
	bus.OnUpdated(func(ctx context.Context, ev events.EntryUpdated) { updated <- ev })
	bus.Seal()

	in := entry(map[string][]interface{}{"name": {"v1"}})
	post, err := svc.Upsert(context.Background(), in)
	require.NoError(t, err)
	ev := <-created
	require.Equal(t, post.UUID, ev.New.UUID)

	again := post.Content.Clone()
	again.Set("name", "v2")
	_, err = svc.Upsert(context.Background(), again)
	require.NoError(t, err)
	up := <-updated
	require.Equal(t, "v2", up.New.Content.FirstString("name"))
	require.Equal(t, "v1", up.Old.Content.FirstString("name"))
	bus.Wait()
}

func TestDeleteUndelete(t *testing.T) {
	svc, _, bus := newService(t)
	bus.Seal()

	post, err := svc.Upsert(context.Background(), entry(map[string][]interface{}{"name": {"gone"}}))
	require.NoError(t, err)

	require.NoError(t, svc.Delete(context.Background(), post))
	got, err := svc.Get(context.Background(), post.UUID)
	require.NoError(t, err)
	require.True(t, got.Deleted)

	require.NoError(t, svc.Undelete(context.Background(), got))
	got, err = svc.Get(context.Background(), post.UUID)
	require.NoError(t, err)
	require.False(t, got.Deleted)
	bus.Wait()
}

func TestListByCategory_Protected(t *testing.T) {
	svc, _, bus := newService(t)
	bus.Seal()

	_, err := svc.Upsert(context.Background(), entry(map[string][]interface{}{
		"name": {"public"}, "category": {"go"},
	}))
	require.NoError(t, err)
	_, err = svc.Upsert(context.Background(), entry(map[string][]interface{}{
		"name": {"draft"}, "category": {"go"}, "post-status": {"draft"},
	}))
	require.NoError(t, err)

	all, err := svc.ListByCategory(context.Background(), "go", base, 0, 10, false)
	require.NoError(t, err)
	require.Len(t, all, 2)

	public, err := svc.ListByCategory(context.Background(), "go", base, 0, 10, true)
	require.NoError(t, err)
	require.Len(t, public, 1)
	require.Equal(t, "public", public[0].Content.FirstString("name"))
	bus.Wait()
}

func TestReplyGraph_TerminatesOnCycles(t *testing.T) {
	svc, mem, bus := newService(t)
	bus.Seal()

	a, err := svc.Upsert(context.Background(), entry(map[string][]interface{}{"name": {"a"}}))
	require.NoError(t, err)
	b, err := svc.Upsert(context.Background(), entry(map[string][]interface{}{"name": {"b"}}))
	require.NoError(t, err)

	now := time.Now().UTC()
	// b mentions a, and a mentions b: a cycle.
	require.NoError(t, mem.UpsertIncomingMention(context.Background(), &models.IncomingMention{
		UUID: uuid.New(), Source: b.Location, Target: a.Location,
		Status: models.MentionSuccess, CreatedAt: now, LastModifiedAt: now,
	}))
	require.NoError(t, mem.UpsertOutgoingMention(context.Background(), &models.OutgoingMention{
		UUID: uuid.New(), Source: a.Location, Target: b.Location,
		Status: models.MentionSuccess, CreatedAt: now, LastModifiedAt: now,
	}))

	got, err := svc.GetWithReplyGraph(context.Background(), a.UUID)
	require.NoError(t, err)
	require.Len(t, got.Content.Children, 1)
	require.Equal(t, "b", got.Content.Children[0].FirstString("name"))
	// the cycle edge back to a must not duplicate the root
	require.Empty(t, got.Content.Children[0].Children)
	bus.Wait()
}

func TestSearch_SanitizedRetry(t *testing.T) {
	svc, _, bus := newService(t)
	bus.Seal()

	_, err := svc.Upsert(context.Background(), entry(map[string][]interface{}{
		"name": {"searchable words here"},
	}))
	require.NoError(t, err)

	out, err := svc.Search(context.Background(), "searchable", base, 0, 10, false)
	require.NoError(t, err)
	require.Len(t, out, 1)
	bus.Wait()
}
