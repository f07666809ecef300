package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Tyrowin/relaychat/internal/server"
	"github.com/Tyrowin/relaychat/internal/store"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env file is fine; the environment may be set directly.
	_ = godotenv.Load()

	config, err := server.NewConfigFromEnv()
	if err != nil {
		return err
	}
	server.SetConfig(config)
	cfg := server.CurrentConfig()

	log := server.NewLogger(cfg.LogLevel)

	db, err := store.Open(cfg.BadgerPath, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("Closing BadgerDB...")
		if err := db.Close(); err != nil {
			log.Warn("BadgerDB did not close cleanly", "error", err)
		}
	}()

	messages, err := store.NewMessageStore(db, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := messages.Close(); err != nil {
			log.Warn("Failed to release message sequence", "error", err)
		}
	}()

	identities := store.NewIdentityStore(db)
	cleared, err := identities.ResetSessions(context.Background())
	if err != nil {
		return err
	}
	if cleared > 0 {
		log.Info("Cleared stale identity sessions", "count", cleared)
	}

	hub := server.NewHub(messages, identities, log)
	server.StartHub(hub)

	mux := server.SetupRoutes(hub, server.NewHistoryHandler(messages, log))
	httpServer := server.CreateServer(cfg.Port, mux)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 1)
	go func() {
		if err := server.StartServer(httpServer, log); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
	case err := <-errChan:
		if shutdownErr := hub.Shutdown(cfg.ShutdownTimeout); shutdownErr != nil {
			log.Warn("Hub did not shut down cleanly", "error", shutdownErr)
		}
		return fmt.Errorf("http server: %w", err)
	}

	if err := server.ShutdownServer(httpServer, cfg.ShutdownTimeout, log); err != nil {
		log.Warn("HTTP server did not shut down cleanly", "error", err)
	}
	if err := hub.Shutdown(cfg.ShutdownTimeout); err != nil {
		log.Warn("Hub did not shut down cleanly", "error", err)
	}
	log.Info("Server stopped cleanly")
	return nil
}
