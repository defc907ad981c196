package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"tasksync/internal/cloudsync"
)

var statusJSON bool

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one push-then-pull pass now",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if !a.cfg.CloudSync.Enabled() {
				fmt.Fprintln(cmd.OutOrStdout(), "Sync is disabled: set cloudsync.base_url to enable it.")
				return nil
			}
			syncer := cloudsync.NewSyncer(a.db, a.outbox, a.client(), a.identity, a.log.Named("sync"))
			last, err := syncer.LastSyncAt(ctx)
			if err != nil {
				return err
			}
			orch := cloudsync.NewOrchestrator(syncer, cloudsync.Options{
				Enabled:    true,
				LastSyncAt: last,
				Logger:     a.log.Named("orchestrator"),
			})
			orch.Start(ctx)
			defer orch.Stop()

			if err := orch.RequestSync(ctx); err != nil {
				if errAuth(err) {
					return fmt.Errorf("sync rejected, check cloudsync.token: %w", err)
				}
				return fmt.Errorf("sync failed: %w", err)
			}
			st := orch.Status()
			at, _ := st.LastSyncAt.Get()
			fmt.Fprintf(cmd.OutOrStdout(), "Synced at %s\n", at.Local().Format(time.DateTime))
			return nil
		})
	},
}

type localStatus struct {
	Enabled    bool       `json:"enabled"`
	BaseURL    string     `json:"baseUrl,omitempty"`
	Namespace  string     `json:"namespace,omitempty"`
	DeviceID   string     `json:"deviceId"`
	Pending    int        `json:"pending"`
	LastSyncAt *time.Time `json:"lastSyncAt"`
	Reachable  *bool      `json:"reachable,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show sync configuration, pending changes and the last sync time",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			st := localStatus{
				Enabled:  a.cfg.CloudSync.Enabled(),
				DeviceID: a.identity.DeviceID(ctx),
			}
			pending, err := a.outbox.Len(ctx)
			if err != nil {
				return err
			}
			st.Pending = pending

			if st.Enabled {
				st.BaseURL = a.cfg.CloudSync.BaseURL
				st.Namespace = a.cfg.CloudSync.Namespace
				client := a.client()
				syncer := cloudsync.NewSyncer(a.db, a.outbox, client, a.identity, a.log)
				last, err := syncer.LastSyncAt(ctx)
				if err != nil {
					return err
				}
				if t, ok := last.Get(); ok {
					st.LastSyncAt = &t
				}
				probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				reachable := !cloudsync.Unreachable(client.Health(probeCtx))
				cancel()
				st.Reachable = &reachable
			}

			out := cmd.OutOrStdout()
			if statusJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			if !st.Enabled {
				fmt.Fprintln(out, "Sync:      disabled")
			} else {
				state := "reachable"
				if !*st.Reachable {
					state = "offline"
				}
				fmt.Fprintf(out, "Sync:      %s (%s, namespace %s)\n", st.BaseURL, state, st.Namespace)
			}
			fmt.Fprintf(out, "Device:    %s\n", st.DeviceID)
			fmt.Fprintf(out, "Pending:   %d\n", st.Pending)
			if st.LastSyncAt != nil {
				fmt.Fprintf(out, "Last sync: %s\n", st.LastSyncAt.Local().Format(time.DateTime))
			} else {
				fmt.Fprintln(out, "Last sync: never")
			}
			return nil
		})
	},
}

var identityCmd = &cobra.Command{
	Use:     "identity",
	GroupID: "sync",
	Short:   "Show or reset this device's identity",
}

var identityShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the device id",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			fmt.Fprintln(cmd.OutOrStdout(), a.identity.DeviceID(ctx))
			return nil
		})
	},
}

var identityResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Forget the device id; a new one is minted on next use",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.identity.Reset(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "New device id: %s\n", a.identity.DeviceID(ctx))
			return nil
		})
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print JSON")
	identityCmd.AddCommand(identityShowCmd, identityResetCmd)
	rootCmd.AddCommand(syncCmd, statusCmd, identityCmd, daemonCmd)
}

// errAuth reports whether err came from a rejected token.
func errAuth(err error) bool {
	var authErr *cloudsync.AuthError
	return errors.As(err, &authErr)
}
