package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/chronicleworks/chronicle/internal/config"
	"github.com/chronicleworks/chronicle/internal/observability"
	"github.com/chronicleworks/chronicle/internal/server"
	"github.com/chronicleworks/chronicle/internal/store"
	"github.com/chronicleworks/chronicle/internal/store/postgres"
	"github.com/chronicleworks/chronicle/internal/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
}

func run() error {
	// Initialize structured logging from environment.
	logLevel := os.Getenv("CHRONICLE_LOG_LEVEL")
	level, parseErr := zerolog.ParseLevel(logLevel)
	if parseErr != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	logFormat := os.Getenv("CHRONICLE_LOG_FORMAT")
	if logFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	observability.InitMetrics()
	if err := observability.InitTracing(ctx); err != nil {
		return err
	}
	defer func() {
		if shutdownErr := observability.ShutdownTracing(context.Background()); shutdownErr != nil {
			log.Warn().Err(shutdownErr).Msg("tracing shutdown")
		}
	}()

	// Open the configured storage backend.
	var engine store.Engine
	switch cfg.Backend {
	case config.BackendPostgres:
		if cfg.Database.MaxConns < 0 || cfg.Database.MaxConns > math.MaxInt32 {
			return fmt.Errorf("database max_conns %d out of int32 range", cfg.Database.MaxConns)
		}
		engine, err = postgres.New(ctx, cfg.Database.DSN(), int32(cfg.Database.MaxConns)) //nolint:gosec // bounds checked above
	case config.BackendSQLite:
		engine, err = sqlite.New(cfg.SQLite.Path, cfg.SQLite.PoolSize)
	}
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := engine.Close(context.Background()); closeErr != nil {
			log.Warn().Err(closeErr).Msg("engine close")
		}
	}()

	svc, err := store.New(ctx, engine, store.Config{
		TenantID:   cfg.Tenant.ID,
		TenantName: cfg.Tenant.Name,
		AgentName:  cfg.Tenant.AgentName,
		ModelUsed:  cfg.Tenant.ModelUsed,
	})
	if err != nil {
		return err
	}

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srv := server.New(ctx, cfg, svc)

	go func() {
		log.Info().
			Str("addr", cfg.Server.Addr).
			Str("backend", cfg.Backend).
			Msg("starting server")
		if startErr := srv.Start(ctx); startErr != nil {
			log.Error().Err(startErr).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		return shutdownErr
	}

	log.Info().Msg("stopped")
	return nil
}
