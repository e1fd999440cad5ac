// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mobiletoly/go-overreplica/overpg"
	"github.com/mobiletoly/go-overreplica/overreplica"
	"github.com/spf13/cobra"
)

// ServeOptions holds flags of the serve command
type ServeOptions struct {
	DatabaseURL     string
	Addr            string
	JWTSecret       string
	MaxConns        int32
	SeedSettings    bool
	RequestLogging  bool
	ShutdownTimeout time.Duration
}

// NewServeCommand creates the serve command
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the batch intake and operator HTTP API",
		Long: `Run the HTTP API backed by PostgreSQL.

Source nodes push batches to POST /replica/batches. Operators list failed rows,
supply overrides and reload conflict settings under /admin. Conflict settings
from --config are written to the replica schema on start unless --seed-settings=false.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, rootOpts, opts, rootOpts.newLogger(cmd.ErrOrStderr()))
		},
	}

	cmd.Flags().StringVar(&opts.DatabaseURL, "database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection string (env DATABASE_URL)")
	cmd.Flags().StringVar(&opts.Addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&opts.JWTSecret, "jwt-secret", os.Getenv("JWT_SECRET"), "HMAC secret for bearer tokens (env JWT_SECRET)")
	cmd.Flags().Int32Var(&opts.MaxConns, "max-conns", 20, "maximum pool connections")
	cmd.Flags().BoolVar(&opts.SeedSettings, "seed-settings", true, "write conflict settings from --config on start")
	cmd.Flags().BoolVar(&opts.RequestLogging, "request-log", false, "log every HTTP request")
	cmd.Flags().DurationVar(&opts.ShutdownTimeout, "shutdown-timeout", 30*time.Second, "graceful shutdown deadline")

	return cmd
}

func runServe(ctx context.Context, rootOpts *RootOptions, opts *ServeOptions, logger *slog.Logger) error {
	if opts.DatabaseURL == "" {
		return errors.New("database url is required (--database-url or DATABASE_URL)")
	}
	if opts.JWTSecret == "" {
		return errors.New("jwt secret is required (--jwt-secret or JWT_SECRET)")
	}

	cfg, err := overreplica.LoadConfig(rootOpts.ConfigPath)
	if err != nil {
		return err
	}

	poolConfig, err := pgxpool.ParseConfig(opts.DatabaseURL)
	if err != nil {
		return fmt.Errorf("invalid database url: %w", err)
	}
	poolConfig.MaxConns = opts.MaxConns
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "overreplica"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return fmt.Errorf("failed to create pool: %w", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to reach database: %w", err)
	}

	service, err := overpg.NewReplicaService(ctx, pool, &overpg.ServiceConfig{
		PreResolve: cfg.PreResolve,
		Engine:     cfg.EngineConfig(),
	}, logger)
	if err != nil {
		return err
	}
	defer func() { _ = service.Close() }()

	if opts.SeedSettings {
		if err := service.SeedConflictSettings(ctx, cfg); err != nil {
			return fmt.Errorf("failed to seed conflict settings: %w", err)
		}
		logger.Info("Conflict settings seeded", "config", rootOpts.ConfigPath, "settings", len(cfg.Settings), "has_default", cfg.Default != nil)
	}

	handlers := overpg.NewHTTPAdminHandlers(service, logger)
	handler := handlers.Routes(overpg.NewJWTAuth(opts.JWTSecret))
	if opts.RequestLogging {
		handler = requestLogging(handler, logger)
	}

	httpServer := &http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       120 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting replica server", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("Server exited")
	return nil
}
