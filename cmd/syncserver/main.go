// Command syncserver runs the HTTP surface over the server-side oplog
// store (C6) and broadcast hub (C8): handshake, pull, push, stats, and
// the SSE/WebSocket notification channels.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	mizu "github.com/Tembocs/entidb-sync-sub000"

	"github.com/Tembocs/entidb-sync-sub000/middlewares/prometheus"
	"github.com/Tembocs/entidb-sync-sub000/middlewares/recover"
	"github.com/Tembocs/entidb-sync-sub000/middlewares/requestid"
	"github.com/Tembocs/entidb-sync-sub000/pkg/server/api"
	"github.com/Tembocs/entidb-sync-sub000/pkg/server/broadcast"
	"github.com/Tembocs/entidb-sync-sub000/pkg/server/oplogstore"
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
		Use:           "syncserver",
		Short:         "Sync core server: oplog store, conflict detection, and live notifications",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $SYNCSERVER_CONFIG or none)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE:  runServe,
	}
	serve.Flags().String("addr", ":8080", "listen address")
	serve.Flags().String("dsn", "sync.db", "SQLite DSN for the oplog store (':memory:' for ephemeral)")
	serve.Flags().String("jwt-secret", "", "HMAC secret guarding /v1/*; empty disables auth")
	serve.Flags().Int("hub-max-per-device", 4, "max concurrent subscriptions per device (0 = unlimited)")
	serve.Flags().Int("hub-max-total", 0, "max concurrent subscriptions across all devices (0 = unlimited)")
	serve.Flags().String("metrics-namespace", "syncserver", "Prometheus metric namespace")
	_ = v.BindPFlags(serve.Flags())

	root.AddCommand(serve)
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})
	return root
}

func runServe(cmd *cobra.Command, args []string) error {
	setupViper()

	log := slog.Default()

	store, err := oplogstore.Open(v.GetString("dsn"))
	if err != nil {
		return fmt.Errorf("open oplog store: %w", err)
	}
	defer store.Close()

	hub := broadcast.NewHub(v.GetInt("hub-max-per-device"), v.GetInt("hub-max-total"))

	metrics := prometheus.NewMetrics(prometheus.Options{Namespace: v.GetString("metrics-namespace")})

	app := mizu.New(mizu.WithLogger(log))
	app.Use(
		recover.New(),
		requestid.New(),
		mizu.Logger(mizu.LoggerOptions{Logger: log}),
		metrics.Middleware(),
	)
	app.Get("/metrics", metrics.Handler())

	var jwtSecret []byte
	if s := v.GetString("jwt-secret"); s != "" {
		jwtSecret = []byte(s)
	}
	api.Mount(app.Router, &api.Server{Store: store, Hub: hub, Log: log}, jwtSecret)

	log.Info("syncserver starting", "addr", v.GetString("addr"), "dsn", v.GetString("dsn"))
	return app.Listen(v.GetString("addr"))
}

func setupViper() {
	v.SetEnvPrefix("SYNCSERVER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			slog.Warn("config file not loaded", "path", cfgFile, "err", err)
		}
	}
}
