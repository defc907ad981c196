package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tasksync/internal/cloudsync"
	"tasksync/internal/config"
	"tasksync/internal/identity"
	"tasksync/internal/logging"
	"tasksync/internal/outbox"
	"tasksync/internal/store"
	"tasksync/internal/tasks"
	"tasksync/internal/watch"
)

var (
	configPath string
	dbPath     string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "tasksync",
	Short: "Local-first task list with background sync",
	Long: `tasksync keeps a task list in a local SQLite database and synchronizes it
with a sync server when cloudsync.base_url is configured.

Every edit is stored locally first and queued for the next sync pass; run
"tasksync daemon" to sync in the background.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default "+config.DefaultPath()+")")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "database path, overrides database.path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")

	rootCmd.AddGroup(
		&cobra.Group{ID: "tasks", Title: "Tasks:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
	)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app is everything a command needs, opened from the resolved config.
type app struct {
	cfg      *config.Config
	log      *logging.Logger
	db       *store.DB
	outbox   *outbox.Outbox
	identity *identity.Provider
	tasks    *tasks.Service
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(dbPath) != "" {
		cfg.Database.Path = dbPath
	}
	if strings.TrimSpace(logLevel) != "" {
		cfg.Log.Level = logLevel
	}
	logger := logging.NewWithOptions(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})

	db, err := store.Open(ctx, cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	ob := outbox.New(db)
	id := identity.NewProvider(db, logger.Named("identity"))
	return &app{
		cfg:      cfg,
		log:      logger,
		db:       db,
		outbox:   ob,
		identity: id,
		tasks:    tasks.NewService(db, ob, id),
	}, nil
}

// nudgeDaemon makes outbox writes from this process visible to a running
// daemon through the signal file.
func (a *app) nudgeDaemon() {
	path := watch.SignalPath(a.db.Path())
	a.outbox.SetNotifier(func() {
		if err := watch.Touch(path); err != nil {
			a.log.Debugf("touch %s: %v", path, err)
		}
	})
}

func (a *app) client() *cloudsync.Client {
	cs := a.cfg.CloudSync
	timeout := time.Duration(cs.RequestTimeoutSeconds) * time.Second
	return cloudsync.NewClient(cloudsync.NewHTTPClient(timeout), cs.BaseURL, cs.Token, cs.Namespace)
}

func (a *app) Close() {
	_ = a.db.Close()
	_ = a.log.Sync()
}

// withApp opens the app for the duration of fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
