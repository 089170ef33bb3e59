// Package server provides the public entry point for initializing a
// Burrow node.
//
// This package exists in pkg/ (not internal/) so that deployments can
// compose the node with their own outer middleware:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/burrowhq/burrow/internal/api"
	"github.com/burrowhq/burrow/internal/api/handlers"
	"github.com/burrowhq/burrow/internal/config"
	"github.com/burrowhq/burrow/internal/events"
	"github.com/burrowhq/burrow/internal/indieauth"
	"github.com/burrowhq/burrow/internal/janitor"
	"github.com/burrowhq/burrow/internal/media"
	"github.com/burrowhq/burrow/internal/posts"
	"github.com/burrowhq/burrow/internal/store"
	"github.com/burrowhq/burrow/internal/telemetry"
	"github.com/burrowhq/burrow/internal/webmention"
	"github.com/burrowhq/burrow/internal/websub"
)

// Server holds the initialized node.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store: PostgreSQL when DATABASE is set, in-memory
	// otherwise.
	Store store.Store

	// Config is the loaded configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// Janitor sweeps expired auth and subscription rows; run it with
	// go srv.Janitor.Start(ctx).
	Janitor *janitor.Janitor

	// ShutdownFunc flushes telemetry and drains background federation
	// tasks. Call it on graceful shutdown.
	ShutdownFunc func(context.Context) error
}

// New initializes all components from the environment and returns a ready
// Server.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the node with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	telemetryShutdown, err := telemetry.Init(cfg)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	var dataStore store.Store
	if cfg.Database != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		dataStore = pg
		log.Info().Msg("✅ PostgreSQL store initialized")
	} else {
		dataStore = store.NewMemoryStore()
		log.Info().Msg("✅ In-memory store initialized")
	}

	bus := events.New()
	postSvc := posts.NewService(dataStore, bus, cfg.BaseURL())
	mediaStore := media.NewStore(cfg.MediaDir, cfg.BaseURL())

	// the route matcher is bound after the router exists
	routes := &api.Routes{}
	engine := webmention.NewEngine(dataStore, cfg, postSvc, routes)
	engine.Register(bus)

	authServer := indieauth.NewServer(dataStore, cfg)

	h := handlers.New(cfg, dataStore, postSvc, engine, nil, mediaStore)
	hub := websub.NewHub(dataStore, cfg, h.FetchFeed)
	h.SetHub(hub)

	// every post change republishes the feed topic
	bus.OnCreated(func(ctx context.Context, ev events.EntryCreated) {
		publishFeed(ctx, hub, cfg)
	})
	bus.OnUpdated(func(ctx context.Context, ev events.EntryUpdated) {
		publishFeed(ctx, hub, cfg)
	})
	bus.OnDeleted(func(ctx context.Context, ev events.EntryDeleted) {
		publishFeed(ctx, hub, cfg)
	})
	bus.Seal()

	router := api.NewRouter(cfg, dataStore, h, authServer)
	routes.Bind(router)

	log.Info().Msg("✅ Webmention engine initialized")
	log.Info().Msg("✅ WebSub hub initialized")
	log.Info().Msg("✅ IndieAuth server initialized")

	shutdown := func(ctx context.Context) error {
		engine.Wait()
		hub.Wait()
		bus.Wait()
		return telemetryShutdown(ctx)
	}

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Config:       cfg,
		Port:         cfg.Port,
		Janitor:      janitor.New(dataStore, janitor.DefaultInterval),
		ShutdownFunc: shutdown,
	}, nil
}

func publishFeed(ctx context.Context, hub *websub.Hub, cfg *config.Config) {
	if err := hub.Publish(ctx, []string{cfg.FeedURL()}); err != nil {
		log.Debug().Err(err).Msg("feed republish refused")
	}
}
