// Package events provides the in-process publish/subscribe bus that
// decouples post store writes from federation work. Components publish typed
// entry events; every registered handler runs as an independent background
// goroutine. The bus is nil-safe: publishing on a nil *Bus is a no-op, so
// callers do not need guard checks.
package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/burrowhq/burrow/pkg/models"
)

// EntryCreated is published after a new post is committed.
type EntryCreated struct {
	New *models.Post
}

// EntryUpdated is published after an existing post is rewritten. Old is the
// row as it was before the write.
type EntryUpdated struct {
	New *models.Post
	Old *models.Post
}

// EntryDeleted is published after a post is soft-deleted.
type EntryDeleted struct {
	Old *models.Post
}

// CreatedHandler handles EntryCreated events.
type CreatedHandler func(ctx context.Context, ev EntryCreated)

// UpdatedHandler handles EntryUpdated events.
type UpdatedHandler func(ctx context.Context, ev EntryUpdated)

// DeletedHandler handles EntryDeleted events.
type DeletedHandler func(ctx context.Context, ev EntryDeleted)

// Bus dispatches entry events to registered handlers. The handler registry
// is built at startup and sealed before the server starts serving; Publish
// then reads it without locking.
type Bus struct {
	mu      sync.Mutex
	sealed  bool
	created []CreatedHandler
	updated []UpdatedHandler
	deleted []DeletedHandler

	wg sync.WaitGroup
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{}
}

// OnCreated registers a handler for EntryCreated. Registration after Seal
// is rejected and logged: the registry is read-only once serving starts.
func (b *Bus) OnCreated(h CreatedHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		log.Error().Str("event", "EntryCreated").Msg("event handler registered after bus seal, ignoring")
		return
	}
	b.created = append(b.created, h)
}

// OnUpdated registers a handler for EntryUpdated.
func (b *Bus) OnUpdated(h UpdatedHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		log.Error().Str("event", "EntryUpdated").Msg("event handler registered after bus seal, ignoring")
		return
	}
	b.updated = append(b.updated, h)
}

// OnDeleted registers a handler for EntryDeleted.
func (b *Bus) OnDeleted(h DeletedHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		log.Error().Str("event", "EntryDeleted").Msg("event handler registered after bus seal, ignoring")
		return
	}
	b.deleted = append(b.deleted, h)
}

// Seal freezes the handler registry. Called once, after startup wiring.
func (b *Bus) Seal() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sealed = true
}

// PublishCreated dispatches an EntryCreated event.
func (b *Bus) PublishCreated(ctx context.Context, ev EntryCreated) {
	if b == nil {
		return
	}
	for _, h := range b.created {
		h := h
		b.spawn("EntryCreated", func(ctx context.Context) { h(ctx, ev) }, ctx)
	}
}

// PublishUpdated dispatches an EntryUpdated event.
func (b *Bus) PublishUpdated(ctx context.Context, ev EntryUpdated) {
	if b == nil {
		return
	}
	for _, h := range b.updated {
		h := h
		b.spawn("EntryUpdated", func(ctx context.Context) { h(ctx, ev) }, ctx)
	}
}

// PublishDeleted dispatches an EntryDeleted event.
func (b *Bus) PublishDeleted(ctx context.Context, ev EntryDeleted) {
	if b == nil {
		return
	}
	for _, h := range b.deleted {
		h := h
		b.spawn("EntryDeleted", func(ctx context.Context) { h(ctx, ev) }, ctx)
	}
}

// spawn runs one handler detached from the originating request. A panicking
// handler is logged and must not take down the process or other handlers.
// The handler context is detached from the request context so that finishing
// the HTTP response does not cancel federation work, but carries the bus
// lifetime so shutdown still cancels it.
func (b *Bus) spawn(event string, fn func(context.Context), reqCtx context.Context) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Str("event", event).Interface("panic", r).Msg("event handler panicked")
			}
		}()
		fn(context.WithoutCancel(reqCtx))
	}()
}

// Wait blocks until all in-flight handlers have returned. Called at
// shutdown after the HTTP server has drained.
func (b *Bus) Wait() {
	if b == nil {
		return
	}
	b.wg.Wait()
}
