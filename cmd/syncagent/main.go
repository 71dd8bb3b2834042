// Command syncagent drives the client-side sync state machine (C4)
// against a server over Channel A (C5), debounced and coalesced by the
// auto-sync coordinator (C9), with pending local writes durable in an
// offline queue (C3).
//
// syncagent does not itself tail a local WAL: ApplyRemote and the
// producer feeding the offline queue are supplied by the embedding
// application, which owns the entity database this agent keeps in
// sync.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Tembocs/entidb-sync-sub000/pkg/autosync"
	"github.com/Tembocs/entidb-sync-sub000/pkg/offlinequeue"
	"github.com/Tembocs/entidb-sync-sub000/pkg/oplog"
	"github.com/Tembocs/entidb-sync-sub000/pkg/syncclient"
	"github.com/Tembocs/entidb-sync-sub000/pkg/transport"
)

var (
	version = "dev"
	cfgFile string
	v       = viper.New()
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "syncagent",
		Short:         "Client-side sync agent: offline queue, sync engine, auto-sync coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $SYNCAGENT_CONFIG or none)")

	root.AddCommand(runCmd())
	root.AddCommand(syncOnceCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})
	return root
}

func syncOnceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run a single sync pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupFlags(cmd)
			setupViper()
			engine, queue, err := buildEngine()
			if err != nil {
				return err
			}
			defer queue.Close()
			return engine.Sync(cmd.Context())
		},
	}
	addAgentFlags(cmd)
	return cmd
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the auto-sync coordinator until interrupted",
		RunE:  runDaemon,
	}
	addAgentFlags(cmd)
	cmd.Flags().Duration("periodic-every", 5*time.Minute, "periodic sync interval (0 disables)")
	cmd.Flags().Duration("debounce", 500*time.Millisecond, "debounce window for Trigger calls")
	cmd.Flags().Bool("run-on-startup", true, "sync once immediately on startup")
	cmd.Flags().Int("max-retries", 3, "retries per triggered sync before giving up")
	return cmd
}

func addAgentFlags(cmd *cobra.Command) {
	cmd.Flags().String("server-url", "http://localhost:8080", "sync server base URL")
	cmd.Flags().String("token", "", "bearer token presented to the server")
	cmd.Flags().String("db-id", "", "database identifier")
	cmd.Flags().String("device-id", "", "device identifier")
	cmd.Flags().String("queue-dir", "./syncagent-queue", "offline queue data directory")
	cmd.Flags().StringSlice("collections", nil, "collections to sync (empty = all)")
}

func setupFlags(cmd *cobra.Command) {
	_ = v.BindPFlags(cmd.Flags())
}

func setupViper() {
	v.SetEnvPrefix("SYNCAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			slog.Warn("config file not loaded", "path", cfgFile, "err", err)
		}
	}
}

// buildEngine wires C3/C4/C5 together. ApplyRemote is a stub: the
// embedding application must replace it with logic that writes into its
// own entity database.
func buildEngine() (*syncclient.Engine, *offlinequeue.Queue, error) {
	dbID := v.GetString("db-id")
	deviceID := v.GetString("device-id")
	if dbID == "" || deviceID == "" {
		return nil, nil, fmt.Errorf("--db-id and --device-id are required")
	}

	queue, err := offlinequeue.Open(v.GetString("queue-dir"))
	if err != nil {
		return nil, nil, fmt.Errorf("open offline queue: %w", err)
	}

	client := transport.NewHTTPClient(v.GetString("server-url"), v.GetString("token"))

	engine := syncclient.New(syncclient.Options{
		DBID:        dbID,
		DeviceID:    deviceID,
		Transport:   client,
		Queue:       queue,
		Collections: v.GetStringSlice("collections"),
		ApplyRemote: func(ctx context.Context, op oplog.ServerOp) error {
			slog.Default().Warn("ApplyRemote not wired to an entity store; dropping op",
				"collection", op.Collection, "entity_id", op.EntityID)
			return nil
		},
		OnConflict: syncclient.ServerWins,
	})
	return engine, queue, nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	setupFlags(cmd)
	setupViper()

	engine, queue, err := buildEngine()
	if err != nil {
		return err
	}
	defer queue.Close()

	coord := autosync.New(autosync.Options{
		Engine:         engine,
		DebounceWindow: v.GetDuration("debounce"),
		PeriodicEvery:  v.GetDuration("periodic-every"),
		RunOnStartup:   v.GetBool("run-on-startup"),
		MaxRetries:     v.GetInt("max-retries"),
		OnResult: func(err error) {
			if err != nil {
				slog.Default().Error("sync failed", "err", err)
				return
			}
			slog.Default().Info("sync completed")
		},
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	coord.Start(ctx)
	slog.Default().Info("syncagent running", "db_id", v.GetString("db-id"), "device_id", v.GetString("device-id"))
	<-ctx.Done()
	coord.Stop()
	return nil
}
