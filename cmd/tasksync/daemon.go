package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"tasksync/internal/cloudsync"
	"tasksync/internal/httpserver"
	"tasksync/internal/watch"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Sync in the background until interrupted",
	Long: `Run the sync orchestrator. A pass runs at startup, every
cloudsync.interval_seconds, whenever another tasksync command changes a task,
when connectivity returns, and when the server reports a change (with
cloudsync.feed). SIGCONT counts as the app becoming visible.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, runDaemon)
	},
}

func runDaemon(ctx context.Context, a *app) error {
	cs := a.cfg.CloudSync
	log := a.log.Named("daemon")
	client := a.client()
	syncer := cloudsync.NewSyncer(a.db, a.outbox, client, a.identity, a.log.Named("sync"))

	last, err := syncer.LastSyncAt(ctx)
	if err != nil {
		return err
	}
	orch := cloudsync.NewOrchestrator(syncer, cloudsync.Options{
		Enabled:    cs.Enabled(),
		Interval:   time.Duration(cs.IntervalSeconds) * time.Second,
		LastSyncAt: last,
		Logger:     a.log.Named("orchestrator"),
	})
	a.outbox.SetNotifier(func() { orch.Schedule(cloudsync.TriggerLocalChange) })

	unsubscribe := orch.Subscribe(func(s cloudsync.Status) {
		if s.LastError != "" {
			log.Infof("sync state %s: %s", s.State, s.LastError)
			return
		}
		log.Debugf("sync state %s", s.State)
	})
	defer unsubscribe()

	orch.Start(ctx)
	defer orch.Stop()

	if cs.Enabled() {
		log.Infof("syncing with %s every %ds", cs.BaseURL, cs.IntervalSeconds)
		go cloudsync.NewProber(client, orch, 15*time.Second, a.log.Named("probe")).Run(ctx)
		if cs.Feed {
			go cloudsync.NewListener(client, a.identity, orch, a.log.Named("feed")).Run(ctx)
		}
	} else {
		log.Infof("sync disabled: cloudsync.base_url is empty")
	}
	orch.Schedule(cloudsync.TriggerStartup)

	if a.cfg.Database.Watch {
		w, err := watch.New(watch.SignalPath(a.db.Path()), 250*time.Millisecond, a.log.Named("watch"))
		if err != nil {
			log.Warnf("change watcher disabled: %v", err)
		} else {
			go func() {
				_ = w.Run(ctx, func() { orch.Schedule(cloudsync.TriggerLocalChange) })
			}()
		}
	}

	stopVisible := notifyVisible(orch.Visible)
	defer stopVisible()

	var srv *http.Server
	if addr := a.cfg.HTTP.Addr; addr != "" {
		srv = &http.Server{
			Addr: addr,
			Handler: httpserver.NewRouter(httpserver.Deps{
				Sync:   orch,
				Outbox: a.outbox,
				Tasks:  a.tasks,
				Logger: a.log.Named("http"),
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Infof("status API listening on %s", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("status API: %v", err)
			}
		}()
	}

	<-ctx.Done()
	log.Infof("shutting down")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	return nil
}
