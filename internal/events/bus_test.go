package events_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/burrowhq/burrow/internal/events"
	"github.com/burrowhq/burrow/pkg/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestBus_EachHandlerSeesEventOnce(t *testing.T) {
	bus := events.New()

	var mu sync.Mutex
	counts := map[string]int{}
	record := func(name string) {
		mu.Lock()
		counts[name]++
		mu.Unlock()
	}

	bus.OnCreated(func(ctx context.Context, ev events.EntryCreated) { record("a") })
	bus.OnCreated(func(ctx context.Context, ev events.EntryCreated) { record("b") })
	bus.Seal()

	bus.PublishCreated(context.Background(), events.EntryCreated{New: &models.Post{}})
	bus.Wait()

	require.Equal(t, map[string]int{"a": 1, "b": 1}, counts)
}

func TestBus_HandlerPanicDoesNotAffectOthers(t *testing.T) {
	bus := events.New()

	done := make(chan struct{})
	bus.OnDeleted(func(ctx context.Context, ev events.EntryDeleted) { panic("boom") })
	bus.OnDeleted(func(ctx context.Context, ev events.EntryDeleted) { close(done) })
	bus.Seal()

	bus.PublishDeleted(context.Background(), events.EntryDeleted{Old: &models.Post{}})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second handler never ran")
	}
	bus.Wait()
}

func TestBus_RegistrationAfterSealIsIgnored(t *testing.T) {
	bus := events.New()
	bus.Seal()

	ran := false
	bus.OnUpdated(func(ctx context.Context, ev events.EntryUpdated) { ran = true })

	bus.PublishUpdated(context.Background(), events.EntryUpdated{})
	bus.Wait()
	require.False(t, ran)
}

func TestBus_NilBusPublishIsNoop(t *testing.T) {
	var bus *events.Bus
	bus.PublishCreated(context.Background(), events.EntryCreated{})
	bus.Wait()
}

func TestBus_HandlerOutlivesRequestContext(t *testing.T) {
	bus := events.New()

	observed := make(chan error, 1)
	bus.OnCreated(func(ctx context.Context, ev events.EntryCreated) {
		// The request context is already canceled by the time the handler
		// runs; the handler context must not be.
		observed <- ctx.Err()
	})
	bus.Seal()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	bus.PublishCreated(ctx, events.EntryCreated{New: &models.Post{}})

	require.NoError(t, <-observed)
	bus.Wait()
}
