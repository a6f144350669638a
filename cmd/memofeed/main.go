// Package main provides the memofeed CLI: the serve daemon plus
// operational commands for sync, queue inspection, schema migration, and
// configuration.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/memofeed/internal/config"
	"github.com/kimhsiao/memofeed/internal/connectivity"
	"github.com/kimhsiao/memofeed/internal/db"
	apperrors "github.com/kimhsiao/memofeed/internal/errors"
	"github.com/kimhsiao/memofeed/internal/events"
	"github.com/kimhsiao/memofeed/internal/queue"
	"github.com/kimhsiao/memofeed/internal/remote"
	"github.com/kimhsiao/memofeed/internal/sync"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "memofeed",
	Short: "Offline-first personal memory feed",
}

// resolveConfigPath returns the --config flag value, falling back to the
// per-user default location.
func resolveConfigPath(cmd *cobra.Command) (string, error) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return path, nil
	}
	return config.DefaultPath()
}

// loadConfig reads and validates the configuration for a command run.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := resolveConfigPath(cmd)
	if err != nil {
		return nil, err
	}
	cfg, err := config.ReadFromFile(path)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return nil, fmt.Errorf("no configuration at %s; run 'memofeed config init' first", path)
		}
		return nil, err
	}
	return cfg, nil
}

// openDatabase opens the queue database and brings the schema current.
func openDatabase(cfg *config.Config) (*db.DB, error) {
	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	migrator := db.NewMigrator(database.DB, db.Migrations())
	if err := migrator.Initialize(); err != nil {
		database.Close()
		return nil, err
	}
	if err := migrator.Up(); err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}

// openQueue opens the database and the default mutation queue partition.
// The caller closes the returned database and bus.
func openQueue(cmd *cobra.Command) (*db.DB, *events.Bus, *queue.Store, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	bus := events.NewBus()
	return database, bus, queue.NewStore(database.DB, bus, queue.DefaultStore), nil
}

// syncEnv holds the pieces a one-shot sync command needs. The caller must
// defer Close().
type syncEnv struct {
	database    *db.DB
	bus         *events.Bus
	store       *queue.Store
	monitor     *connectivity.Monitor
	coordinator *sync.Coordinator
}

func newSyncEnv(cmd *cobra.Command) (*syncEnv, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return nil, err
	}

	bus := events.NewBus()
	store := queue.NewStore(database.DB, bus, queue.DefaultStore)
	client := remote.NewClient(&remote.Config{
		BaseURL: cfg.Remote.BaseURL,
		Token:   cfg.Remote.Token,
		Timeout: cfg.RemoteTimeout(),
	})
	monitor := connectivity.NewMonitor(client, bus, cfg.ProbeInterval())
	coordinator := sync.NewCoordinator([]*queue.Store{store}, client, monitor, bus, &sync.Config{
		Interval:   cfg.SyncInterval(),
		PurgeAfter: cfg.PurgeCompletedAfter(),
	})

	return &syncEnv{
		database:    database,
		bus:         bus,
		store:       store,
		monitor:     monitor,
		coordinator: coordinator,
	}, nil
}

func (e *syncEnv) Close() {
	e.bus.Close()
	e.database.Close()
}

// sync command
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drain the mutation queue once",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := newSyncEnv(cmd)
		if err != nil {
			return err
		}
		defer env.Close()

		if !env.monitor.CheckNow() {
			return apperrors.New(apperrors.ErrOffline, "remote service unreachable; queue left untouched")
		}

		result, err := env.coordinator.DrainOnce(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Completed %d, failed %d, requeued %d\n",
			result.Completed, result.Failed, result.Requeued)
		return nil
	},
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "View queue and connectivity status",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := newSyncEnv(cmd)
		if err != nil {
			return err
		}
		defer env.Close()

		env.monitor.CheckNow()
		status, err := env.coordinator.Status()
		if err != nil {
			return err
		}

		online := "offline"
		if status.Online {
			online = "online"
		}
		fmt.Printf("Remote: %s\n\n", online)
		for name, stats := range status.Stats {
			fmt.Printf("%s: %d queued, %d syncing, %d failed, %d completed\n",
				name, stats.Queued, stats.Syncing, stats.Failed, stats.Completed)
		}
		return nil
	},
}

var syncRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Requeue failed mutations and drain",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := newSyncEnv(cmd)
		if err != nil {
			return err
		}
		defer env.Close()

		requeued, err := env.coordinator.RetryFailed()
		if err != nil {
			return err
		}
		fmt.Printf("Requeued %d mutation(s)\n", requeued)
		if requeued == 0 {
			return nil
		}

		if !env.monitor.CheckNow() {
			fmt.Println("Remote service unreachable; run 'memofeed sync' when back online.")
			return nil
		}

		result, err := env.coordinator.DrainOnce(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Completed %d, failed %d\n", result.Completed, result.Failed)
		return nil
	},
}

// queue command
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the mutation queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List unresolved mutations",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, bus, store, err := openQueue(cmd)
		if err != nil {
			return err
		}
		defer database.Close()
		defer bus.Close()

		items, err := store.ListUnresolved()
		if err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}

		for _, item := range items {
			target := item.TargetRemoteID
			if target == "" {
				target = "-"
			}
			line := fmt.Sprintf("%-36s  %-6s  %-7s  %s  retries:%d  %s",
				item.LocalID,
				item.Operation,
				item.Status,
				time.Unix(item.CreatedAt, 0).Format("2006-01-02 15:04:05"),
				item.RetryCount,
				target,
			)
			if item.ErrorMessage != "" {
				line += "  " + item.ErrorMessage
			}
			fmt.Println(line)
		}
		return nil
	},
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "View queue counts by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, bus, store, err := openQueue(cmd)
		if err != nil {
			return err
		}
		defer database.Close()
		defer bus.Close()

		stats, err := store.Stats()
		if err != nil {
			return err
		}

		fmt.Printf("Queued:    %d\n", stats.Queued)
		fmt.Printf("Syncing:   %d\n", stats.Syncing)
		fmt.Printf("Failed:    %d\n", stats.Failed)
		fmt.Printf("Completed: %d\n", stats.Completed)
		return nil
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry [LOCAL_ID]",
	Short: "Requeue failed mutations",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		database, bus, store, err := openQueue(cmd)
		if err != nil {
			return err
		}
		defer database.Close()
		defer bus.Close()

		if len(args) == 1 {
			if err := store.Requeue(args[0]); err != nil {
				return err
			}
			fmt.Printf("Requeued %s\n", args[0])
			return nil
		}

		requeued, err := store.RequeueFailed()
		if err != nil {
			return err
		}
		fmt.Printf("Requeued %d mutation(s)\n", requeued)
		return nil
	},
}

var queueDiscardCmd = &cobra.Command{
	Use:   "discard LOCAL_ID",
	Short: "Remove a queued mutation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		database, bus, store, err := openQueue(cmd)
		if err != nil {
			return err
		}
		defer database.Close()
		defer bus.Close()

		if err := store.Remove(args[0]); err != nil {
			return err
		}
		fmt.Printf("Discarded %s\n", args[0])
		return nil
	},
}

// migrate command
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
}

// openMigrator opens the database without applying anything.
func openMigrator(cmd *cobra.Command) (*db.DB, *db.Migrator, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, nil, err
	}
	migrator := db.NewMigrator(database.DB, db.Migrations())
	if err := migrator.Initialize(); err != nil {
		database.Close()
		return nil, nil, err
	}
	return database, migrator, nil
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "View applied migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, migrator, err := openMigrator(cmd)
		if err != nil {
			return err
		}
		defer database.Close()

		version, err := migrator.CurrentVersion()
		if err != nil {
			return err
		}
		applied, err := migrator.GetAppliedMigrations()
		if err != nil {
			return err
		}

		fmt.Printf("Schema version: %d\n", version)
		for _, m := range applied {
			fmt.Printf("V%d  %-30s  applied %s\n",
				m.Version, m.Description, m.AppliedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, migrator, err := openMigrator(cmd)
		if err != nil {
			return err
		}
		defer database.Close()

		before, err := migrator.CurrentVersion()
		if err != nil {
			return err
		}
		if err := migrator.Up(); err != nil {
			return err
		}
		after, err := migrator.CurrentVersion()
		if err != nil {
			return err
		}

		if after == before {
			fmt.Println("Schema is up to date.")
		} else {
			fmt.Printf("Migrated from version %d to %d\n", before, after)
		}
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, migrator, err := openMigrator(cmd)
		if err != nil {
			return err
		}
		defer database.Close()

		if err := migrator.Down(); err != nil {
			return err
		}
		version, err := migrator.CurrentVersion()
		if err != nil {
			return err
		}
		fmt.Printf("Rolled back to version %d\n", version)
		return nil
	},
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		remoteURL, _ := cmd.Flags().GetString("remote")
		token, _ := cmd.Flags().GetString("token")

		path, err := resolveConfigPath(cmd)
		if err != nil {
			return err
		}
		dataDir, err := config.DefaultDataDir()
		if err != nil {
			return err
		}

		cfg := config.NewConfig(dataDir, remoteURL)
		cfg.Remote.Token = token
		if err := cfg.Validate(); err != nil {
			return err
		}

		if err := config.Init(path, cfg); err != nil {
			return err
		}

		fmt.Printf("Configuration initialized at %s\n", path)
		fmt.Printf("Data Dir: %s\n", dataDir)
		fmt.Printf("Remote:   %s\n", cfg.Remote.BaseURL)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := resolveConfigPath(cmd)
		if err != nil {
			return err
		}
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		token := "(unset)"
		if cfg.Remote.Token != "" {
			token = "(set)"
		}

		fmt.Printf("Configuration from %s:\n\n", path)
		fmt.Printf("Data Dir:   %s\n", cfg.DataDir)
		fmt.Printf("Remote:     %s\n", cfg.Remote.BaseURL)
		fmt.Printf("Token:      %s\n", token)
		fmt.Printf("Listen:     %s\n", cfg.Server.ListenAddr)
		fmt.Printf("Batch Size: %d\n", cfg.Feed.BatchSize)
		fmt.Printf("Sync Every: %s\n", cfg.SyncInterval())
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to the config file")

	// sync subcommands
	syncCmd.AddCommand(syncStatusCmd)
	syncCmd.AddCommand(syncRetryCmd)

	// queue subcommands
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueStatsCmd)
	queueCmd.AddCommand(queueRetryCmd)
	queueCmd.AddCommand(queueDiscardCmd)

	// migrate subcommands
	migrateCmd.AddCommand(migrateStatusCmd)
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)

	// config subcommands
	configInitCmd.Flags().String("remote", "", "Base URL of the remote feed service")
	configInitCmd.Flags().String("token", "", "API token for the remote feed service")
	configInitCmd.MarkFlagRequired("remote")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	// root commands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(configCmd)
}
