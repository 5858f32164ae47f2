package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/playcoach/internal/app"
	"github.com/MrWong99/playcoach/internal/config"
	"github.com/MrWong99/playcoach/internal/health"
	"github.com/MrWong99/playcoach/internal/observe"
)

// shutdownTimeout bounds the graceful shutdown of the HTTP server and every
// subsystem.
const shutdownTimeout = 15 * time.Second

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the admin API and process pending sessions until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.serve(cmd.Context())
		},
	}
}

func (c *cli) serve(ctx context.Context) error {
	var application *app.App
	watcher, err := config.NewWatcher(c.configPath, func(old, next *config.Config) {
		d := config.Diff(old, next)
		if d.LogLevelChanged {
			c.level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		application.Apply(next)
	})
	if err != nil {
		return err
	}
	cfg := watcher.Current()

	slog.Info("playcoach starting",
		"version", version,
		"config", c.configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "playcoach",
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	metrics := observe.DefaultMetrics()

	reg := config.NewRegistry()
	registerBuiltinProviders(ctx, reg)
	providers, err := buildProviders(cfg, reg, metrics)
	if err != nil {
		return err
	}
	defer func() {
		if err := providers.Close(); err != nil {
			slog.Warn("provider close error", "err", err)
		}
	}()

	application, err = app.New(ctx, cfg, providers.Providers, app.WithMetrics(metrics))
	if err != nil {
		return err
	}

	api := app.NewAPI(ctx, application.Orchestrator(), application.Store())
	probes := health.New(application.HealthCheckers()...)

	mux := http.NewServeMux()
	api.Register(mux)
	probes.Register(mux)
	mux.Handle("GET /metrics", tel.Handler())

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("admin API listening", "addr", srv.Addr, "tls", cfg.Server.TLS != nil)
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	})
	g.Go(func() error { return watcher.Run(gctx) })
	g.Go(func() error { return application.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping")
		probes.SetDraining(true)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	runErr := g.Wait()

	// Background runs started through the API see the cancelled context and
	// record their failure before returning.
	api.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return runErr
}
