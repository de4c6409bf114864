// Routa coordination server. Serves the HTTP API and WebSocket stream, and
// runs coordination sessions: a ROUTA coordinator planning tasks, CRAFTER
// implementors executing them in parallel waves, and a GATE verifier
// approving or rejecting each wave.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"

	"github.com/routa-project/routa/pkg/api"
	"github.com/routa-project/routa/pkg/bus"
	"github.com/routa-project/routa/pkg/config"
	"github.com/routa-project/routa/pkg/models"
	"github.com/routa-project/routa/pkg/orchestrator"
	"github.com/routa-project/routa/pkg/provider"
	"github.com/routa-project/routa/pkg/session"
	"github.com/routa-project/routa/pkg/store"
	"github.com/routa-project/routa/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config",
		getEnv("ROUTA_CONFIG", ""),
		"Path to YAML configuration file (empty for built-in defaults)")
	envPath := flag.String("env-file", ".env", "Path to .env file")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envPath, "error", err)
	}

	// 1. Configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	logger := buildLogger(cfg.Logging)
	slog.SetDefault(logger)
	logger.Info("Starting "+version.Full(), "config", *configPath, "addr", cfg.Server.Addr())

	ctx := context.Background()

	// 2. Storage: PostgreSQL when configured, in-memory otherwise.
	var storesFactory session.StoresFactory
	if cfg.Storage.DatabaseURL != "" {
		stores, closeStores, err := store.NewPostgresStores(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			logger.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer closeStores()
		storesFactory = func(context.Context) (*store.Stores, error) { return stores, nil }
		logger.Info("Connected to PostgreSQL database")
	} else {
		logger.Info("Using in-memory stores")
	}

	// 3. Optional NATS event mirror.
	var mirrorFactory session.MirrorFactory
	if cfg.Events.NATSURL != "" {
		nc, err := nats.Connect(cfg.Events.NATSURL, nats.Name("routa"))
		if err != nil {
			logger.Error("Failed to connect to NATS", "url", cfg.Events.NATSURL, "error", err)
			os.Exit(1)
		}
		defer nc.Close()
		mirrorFactory = func(sessionID string, b *bus.Bus) func() {
			mirror := bus.NewNATSMirror(b, nc, cfg.Events.SubjectPrefix+"."+sessionID, logger)
			return mirror.Stop
		}
		logger.Info("NATS event mirror enabled", "url", cfg.Events.NATSURL, "prefix", cfg.Events.SubjectPrefix)
	}

	// 4. WebSocket hub and session manager. Phase updates and coordination
	// events stream to every connected client.
	hub := api.NewHub(cfg.Server.AllowedWSOrigins, logger)
	hooks := session.Hooks{
		OnPhase: func(sessionID string, update orchestrator.PhaseUpdate) {
			hub.Broadcast("session.phase", sessionID, update)
		},
		OnEvent: func(sessionID string, event models.AgentEvent) {
			hub.Broadcast("session.event", sessionID, event)
		},
	}
	manager := session.NewManager(cfg, buildProvider, storesFactory, mirrorFactory, hooks, logger)

	// 5. HTTP server.
	server := api.NewServer(cfg.Server, manager, hub, logger)
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// 6. Wait for shutdown signal or server error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		logger.Error("Server error triggered shutdown", "error", err)
	}

	// 7. Graceful shutdown: stop accepting requests, then cancel sessions.
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	manager.Shutdown()
	logger.Info("Shutdown complete")
}

// buildProvider constructs one execution backend from its config entry.
// The deterministic mock backend ships built in; real backends are expected
// to register their own types here.
func buildProvider(pc config.ProviderConfig) (provider.Provider, error) {
	switch pc.Type {
	case "mock", "":
		return provider.NewMockProvider(provider.Capabilities{
			Name:                pc.Name,
			SupportsStreaming:   pc.SupportsStreaming,
			SupportsFileEditing: pc.SupportsFileEditing,
			SupportsTerminal:    pc.SupportsTerminal,
			SupportsToolCalling: pc.SupportsToolCalling,
			Priority:            pc.Priority,
		}), nil
	default:
		return nil, &config.ConfigError{Field: "providers", Reason: "unknown provider type " + pc.Type}
	}
}

func buildLogger(cfg config.LoggingConfig) *slog.Logger {
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
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
