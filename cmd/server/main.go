// Burrow — a single-author IndieWeb publishing node.
//
// This is the main entry point for the Burrow server. It provides:
//   - Micropub endpoint (create/update/delete/undelete)
//   - Webmention engine (receive with Vouch, send with salmention)
//   - WebSub hub (challenge-verified subscriptions, signed fanout)
//   - IndieAuth authorization server (PKCE, refresh, introspection)
//   - PostgreSQL or in-memory store

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/burrowhq/burrow/pkg/server"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	log.Info().Msg("🕳️  Burrow starting...")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	srv, err := server.New(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize server")
	}
	defer srv.Store.Close()

	go srv.Janitor.Start(ctx)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", srv.Port),
		Handler:      srv.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("🛑 Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
		stop()
		srv.ShutdownFunc(shutdownCtx)
	}()

	log.Info().
		Int("port", srv.Port).
		Str("site", srv.Config.BaseURL()).
		Msg("🌐 Burrow is listening")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server failed")
	}
}
