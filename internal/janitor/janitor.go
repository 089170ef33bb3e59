// Package janitor periodically sweeps rows whose lifetime has lapsed:
// spent or expired authorization codes and tokens, and WebSub
// subscriptions past their lease. The federation workflows never depend
// on the sweep; it only keeps the store from accumulating dead rows.
//
// The janitor runs as a background goroutine and respects context
// cancellation for graceful shutdown.
package janitor

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/burrowhq/burrow/internal/store"
)

// DefaultInterval is how often a sweep runs when none is configured.
const DefaultInterval = time.Hour

// authGrace keeps expired tokens visible to introspection for a while
// before they are dropped for good.
const authGrace = 24 * time.Hour

// Janitor purges expired auth and subscription rows on an interval.
type Janitor struct {
	store    store.Store
	interval time.Duration
}

// New creates a janitor that runs on the given interval.
func New(s store.Store, interval time.Duration) *Janitor {
	if interval < time.Minute {
		interval = DefaultInterval
	}
	return &Janitor{store: s, interval: interval}
}

// Start runs the janitor. It blocks until ctx is canceled.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().Dur("interval", j.interval).Msg("Janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run once immediately on startup
	j.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Janitor stopped")
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

// sweep performs one purge cycle.
func (j *Janitor) sweep(ctx context.Context) {
	start := time.Now()
	now := start.UTC()

	auth, err := j.store.PurgeExpiredAuth(ctx, now.Add(-authGrace))
	if err != nil {
		log.Warn().Err(err).Msg("Janitor: purge expired auth")
	}
	subs, err := j.store.PurgeExpiredSubscriptions(ctx, now)
	if err != nil {
		log.Warn().Err(err).Msg("Janitor: purge expired subscriptions")
	}

	if auth > 0 || subs > 0 {
		log.Info().
			Int64("auth_rows", auth).
			Int64("subscriptions", subs).
			Dur("elapsed", time.Since(start)).
			Msg("Janitor cycle complete")
	}
}
