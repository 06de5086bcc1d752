// Package internal wires the footnote components into a running device.
package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/nhardt/footnote-sub000/internal/api"
	"github.com/nhardt/footnote-sub000/internal/service"
	"github.com/nhardt/footnote-sub000/internal/sse"
	"github.com/nhardt/footnote-sub000/internal/status"
	"github.com/nhardt/footnote-sub000/internal/transfer"
	"github.com/nhardt/footnote-sub000/internal/transport"
	"github.com/nhardt/footnote-sub000/internal/vault"
)

// ErrNotEnrolled is returned by Run when the vault has no device identity
// to sync with.
var ErrNotEnrolled = errors.New("vault is not enrolled: run init or join first")

// Runtime exposes the built components to WithReady callbacks.
type Runtime struct {
	Vault    *vault.Vault
	Status   *status.Store
	Endpoint *transport.Endpoint
	Service  *service.Service
}

// NewLogger builds the JSON logger used by every command.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// Run starts the application with the given options and blocks until ctx
// is cancelled or a signal arrives.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{logOutput: os.Stdout}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	logger := NewLogger(app.logOutput, cfg.App.LogLevel)
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("vault_path", cfg.Vault.Path),
		slog.String("sqlite_path", cfg.StatusDBPath()),
		slog.String("sync_listen", cfg.Sync.Listen),
		slog.Bool("http_enabled", cfg.App.HTTP.Enabled),
		slog.String("log_level", cfg.App.LogLevel.String()))

	v, err := vault.Open(cfg.Vault.Path)
	if err != nil {
		return fmt.Errorf("open vault: %w", err)
	}
	state, err := v.StateRead()
	if err != nil {
		return err
	}
	if state != vault.StatePrimary && state != vault.StateSecondaryJoined {
		return fmt.Errorf("%w (state %s)", ErrNotEnrolled, state)
	}
	key, deviceName, err := v.DeviceKey()
	if err != nil {
		return err
	}

	db, err := status.Open(cfg.StatusDBPath())
	if err != nil {
		return fmt.Errorf("init status db: %w", err)
	}
	defer db.Close()
	if cfg.Sync.Prune > 0 {
		if n, err := db.Prune(cfg.Sync.Prune); err != nil {
			logger.Warn("status: prune failed", slog.String("error", err.Error()))
		} else if n > 0 {
			logger.Info("status: pruned", slog.Int64("attempts", n))
		}
	}

	resolver := transport.Chain(transport.StaticResolver(cfg.Sync.Peers), v)
	ep, err := transport.NewEndpoint(key, resolver)
	if err != nil {
		return err
	}
	logger.Info("Device identity",
		slog.String("device", deviceName),
		slog.String("endpoint_id", ep.ID()),
		slog.String("state", state.String()))

	syncer, err := transfer.NewSyncer(transfer.SyncerOptions{
		Vault:    v,
		Endpoint: ep,
		Status:   db,
		Logger:   logger,
		Ignore:   cfg.Sync.Ignore,
	})
	if err != nil {
		return err
	}
	svc, err := service.New(service.Options{
		Vault:    v,
		Syncer:   syncer,
		Endpoint: ep,
		Listen:   cfg.Sync.Listen,
		Interval: cfg.Sync.Interval,
		Watch:    cfg.Sync.Watch,
		Debounce: cfg.Sync.Debounce,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	// SSE broker fed by status changes.
	broker := sse.NewBroker(500 * time.Millisecond)
	defer broker.Close()
	db.OnChange(broker.PublishAttempt)

	var httpServer *http.Server
	if cfg.App.HTTP.Enabled {
		h := api.NewHandler(v, db, svc)
		apiRouter := api.NewRouter(h, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker)

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.RealIP)
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)

		// Health check endpoints (unauthenticated).
		r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
		r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if _, err := v.StateRead(); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"vault unreadable"}`))
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})

		r.Mount("/api", apiRouter)

		httpServer = &http.Server{
			Addr:              cfg.App.HTTP.Address(),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	if app.ready != nil {
		app.ready(Runtime{Vault: v, Status: db, Endpoint: ep, Service: svc})
	}

	logger.Info("Server starting...")

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return svc.Run(gCtx)
	})

	if httpServer != nil {
		g.Go(func() error {
			logger.Info("Starting HTTP server", slog.String("address", httpServer.Addr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP server error: %w", err)
			}
			return nil
		})
	}

	// Handle shutdown signals. Returning an error cancels gCtx so the
	// sync service stops as well.
	errShutdown := errors.New("shutdown")
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		if httpServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
			}
		}

		return errShutdown
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}
