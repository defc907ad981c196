package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"tasksync/internal/logging"
	"tasksync/internal/server/config"
	"tasksync/internal/server/events"
	"tasksync/internal/server/handlers"
	"tasksync/internal/server/httpapi"
	"tasksync/internal/server/metrics"
	"tasksync/internal/server/repos"
	"tasksync/internal/server/services"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "syncserver",
	Short: "Authoritative task store for tasksync devices",
	Long: `Run the sync server. Devices push their changes to /sync/push and fetch
everything newer than their cursor from /sync/pull.

Configuration is read from --config (YAML) and CLOUD_SYNC_* environment
variables; PORT overrides the listen port.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := logging.NewWithOptions(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	defer func() { _ = logger.Sync() }()

	repo, err := repos.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer repo.Close()

	if !logger.Enabled("debug") {
		gin.SetMode(gin.ReleaseMode)
	}
	m := metrics.New()
	hub := events.NewHub(logger.Named("feed"), m)
	svc := services.NewSyncService(repo, services.Options{Logger: logger.Named("sync"), Metrics: m, Notifier: hub})
	router := httpapi.NewRouter(cfg, handlers.NewSyncHandler(svc, hub, logger), m, logger)

	srv := &http.Server{Addr: cfg.Addr(), Handler: router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("syncserver listening on %s", cfg.Addr())
		if cfg.AuthToken == "" {
			logger.Warnf("auth_token is empty; every request is accepted")
		}
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Infof("shutting down")
	hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	svc.Close()
	return nil
}
