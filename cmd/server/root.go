package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aeolun/offmsg/pkg/database"
	"github.com/aeolun/offmsg/pkg/server"
)

type rootConfig struct {
	configPath  string
	bindAddress string
	port        int
	httpPort    int
	metricsPort int
	dbPath      string
	backend     string
	logLevel    string
}

func newRootCmd() *cobra.Command {
	cfg := &rootConfig{}
	cmd := &cobra.Command{
		Use:           "offmsg-server",
		Short:         "Offline messenger server",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			tomlCfg, err := cfg.load(cmd.Flags().Changed)
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), tomlCfg)
		},
	}
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.AddCommand(newMigrateCmd(cfg))

	f := cmd.PersistentFlags()
	f.StringVarP(&cfg.configPath, "config", "c", "~/.offmsg/server.toml", "config file, created with defaults when missing")
	f.StringVar(&cfg.bindAddress, "bind", "", "interface to listen on (overrides config)")
	f.IntVarP(&cfg.port, "port", "p", 0, "TCP port (overrides config)")
	f.IntVar(&cfg.httpPort, "http-port", 0, "WebSocket port, 0 disables (overrides config)")
	f.IntVar(&cfg.metricsPort, "metrics-port", 0, "metrics and health port, 0 disables (overrides config)")
	f.StringVar(&cfg.dbPath, "db", "", "SQLite database path (overrides config)")
	f.StringVar(&cfg.backend, "storage", "", "storage backend: sqlite or memory (overrides config)")
	f.StringVar(&cfg.logLevel, "log-level", "", "debug, info, warn or error (overrides config)")

	return cmd
}

// load reads the config file and applies any flags the user set.
// Flags win over environment variables, which win over the file.
func (c *rootConfig) load(changed func(string) bool) (server.TOMLConfig, error) {
	tomlCfg, err := server.LoadConfig(c.configPath)
	if err != nil {
		return server.TOMLConfig{}, err
	}
	if changed("bind") {
		tomlCfg.Server.BindAddress = c.bindAddress
	}
	if changed("port") {
		tomlCfg.Server.TCPPort = c.port
	}
	if changed("http-port") {
		tomlCfg.Server.HTTPPort = c.httpPort
	}
	if changed("metrics-port") {
		tomlCfg.Server.MetricsPort = c.metricsPort
	}
	if changed("db") {
		tomlCfg.Storage.DatabasePath = c.dbPath
	}
	if changed("storage") {
		tomlCfg.Storage.Backend = c.backend
	}
	if changed("log-level") {
		tomlCfg.Logging.Level = c.logLevel
	}
	return tomlCfg, nil
}

func runServer(ctx context.Context, tomlCfg server.TOMLConfig) error {
	log, err := server.InitLogger(tomlCfg.Logging)
	if err != nil {
		return err
	}

	store, err := tomlCfg.OpenStore()
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}

	events, err := tomlCfg.OpenEventLog()
	if err != nil {
		store.Close()
		return fmt.Errorf("failed to open audit log: %w", err)
	}

	srv := server.NewServer(store, tomlCfg.ToServerConfig(), server.WithEventLog(events))
	if err := srv.Start(); err != nil {
		events.Close()
		store.Close()
		return err
	}
	log.Info().
		Str("version", version).
		Str("storage", tomlCfg.Storage.Backend).
		Msg("offmsg server started")

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")
	return srv.Stop()
}

func newMigrateCmd(cfg *rootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the SQLite database and print its schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tomlCfg, err := cfg.load(cmd.Flags().Changed)
			if err != nil {
				return err
			}
			path, err := tomlCfg.GetDatabasePath()
			if err != nil {
				return err
			}

			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return err
			}
			db, err := database.Open(path)
			if err != nil {
				return err
			}
			defer db.Close()

			v, err := db.SchemaVersion(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: schema version %d\n", path, v)
			return err
		},
	}
}
