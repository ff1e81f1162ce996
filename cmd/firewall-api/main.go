// Command firewall-api serves the prompt firewall HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/upb/prompt-firewall/app"
	"github.com/upb/prompt-firewall/config"
	"github.com/upb/prompt-firewall/internal/observability"
	"github.com/upb/prompt-firewall/routes"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "firewall-api: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.New(ctx)
	if err != nil {
		return err
	}

	logger, err := initLogger(cfg.Observability)
	if err != nil {
		return err
	}
	defer logger.Sync()

	deps, err := app.NewDependencies(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize dependencies", zap.Error(err))
		return err
	}

	srv := newServer(cfg, routes.SetupRoutes(deps))

	errCh := make(chan error, 1)
	go func() {
		logger.Info("firewall API listening",
			zap.String("addr", srv.Addr),
			zap.String("environment", cfg.Environment),
			zap.Bool("tls", cfg.Server.TLS.Enabled))
		if cfg.Server.TLS.Enabled {
			errCh <- srv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
			return
		}
		errCh <- srv.ListenAndServe()
	}()

	var serveErr error
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("server error: %w", err)
			logger.Error("server stopped unexpectedly", zap.Error(err))
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}
	if err := deps.Close(shutdownCtx); err != nil {
		logger.Error("dependency shutdown failed", zap.Error(err))
	}

	logger.Info("firewall API stopped")
	return serveErr
}

// initLogger builds the process logger from the observability settings
func initLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	return observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
}

func newServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}
}
