// nestd bridges a Google Nest account to local consumers: it keeps the
// account session alive, mirrors the device graph over the delta stream,
// and exposes the model over MQTT (Home Assistant discovery) and a local
// HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/veldhuis/nestd/internal/config"
	"github.com/veldhuis/nestd/internal/core/auth"
	"github.com/veldhuis/nestd/internal/core/command"
	"github.com/veldhuis/nestd/internal/core/device"
	"github.com/veldhuis/nestd/internal/core/nest"
	"github.com/veldhuis/nestd/internal/core/state"
	"github.com/veldhuis/nestd/internal/core/stream"
	"github.com/veldhuis/nestd/internal/httpapi"
	"github.com/veldhuis/nestd/internal/mqtt"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	log := newLogger(cfg.Log)
	if err := run(cfg, log); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := auth.NewFileStore(cfg.Session.Path)
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	persisted, err := store.Load()
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}

	// Config credentials win; the persisted copy covers restarts where the
	// config only held them on first boot.
	cred := auth.Credential{
		RefreshToken: cfg.Nest.RefreshToken,
		IssueToken:   cfg.Nest.IssueToken,
		Cookies:      cfg.Nest.Cookies,
	}
	if !cred.Valid() {
		cred = persisted.Credential
	}

	api := auth.NewAPI(cfg.Nest.Host, cfg.Nest.ClientID, cfg.Nest.RequestTimeout.Std(), log)
	tokens := auth.NewTokenManager(api, store, cred, log)
	if persisted.Session != nil {
		tokens.Seed(*persisted.Session)
	}

	bus := state.NewEventBus(log)
	registry := device.NewRegistry(bus, log)
	client := nest.NewClient(tokens, cfg.Nest.Host, cfg.Nest.RequestTimeout.Std(), log)
	listener := stream.NewListener(client, tokens, registry, bus, store, cfg.Stream, log)
	sender := command.NewSender(registry, client, listener, log)

	// With cursors and a transport endpoint on disk, the first connection
	// subscribes where the previous run left off instead of resnapshotting.
	if persisted.Session != nil && persisted.Session.TransportURL != "" && len(persisted.Cursors) > 0 {
		registry.SeedCursors(persisted.Cursors)
		listener.Resume(persisted.Session.TransportURL)
		log.Info("resuming delta stream from persisted cursors", "objects", len(persisted.Cursors))
	}

	if err := listener.Start(ctx); err != nil {
		return fmt.Errorf("stream: %w", err)
	}
	defer listener.Stop(context.Background())

	var publisher mqtt.Publisher
	if cfg.MQTT.Enabled && cfg.MQTT.Broker != "" {
		publisher = mqtt.NewHAPublisher(cfg.MQTT, registry, sender, bus, log)
	} else {
		publisher = mqtt.NewStubPublisher(log)
	}
	if err := publisher.Start(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	defer publisher.Stop(context.Background())

	apiSrv := httpapi.NewServer(registry, listener, tokens, sender, bus, cfg.HTTP.CORSAll, log)
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           apiSrv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errC := make(chan error, 1)
	go func() {
		log.Info("HTTP API listening", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errC <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errC:
		return fmt.Errorf("http: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	return nil
}
