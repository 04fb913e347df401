// Package main provides the CLI entrypoint for ledgersync.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/jfeldstein/ledgersync/internal/config"
	"github.com/jfeldstein/ledgersync/internal/logger"
	"github.com/jfeldstein/ledgersync/internal/remote"
	"github.com/jfeldstein/ledgersync/internal/store"
	"github.com/jfeldstein/ledgersync/internal/syncer"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var (
	flagConfig   string
	flagLogLevel string
	flagLogFile  string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "ledgersync",
	Short: "Offline-first sync engine for a personal finance tracker",
	Long: `ledgersync keeps a local SQLite cache of financial records in sync
with a hosted record store. Records can be created, updated, and
deleted while offline; queued mutations are pushed and remote
changes pulled once connectivity returns.`,
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(flagConfig)
		if err != nil {
			return err
		}

		levelName := cfg.LogLevel
		if flagLogLevel != "" {
			levelName = flagLogLevel
		}
		level, err := logger.ParseLevel(levelName)
		if err != nil {
			return err
		}
		logger.SetLevel(level)

		if flagLogFile != "" {
			if err := logger.SetLogFile(flagLogFile); err != nil {
				return err
			}
		}
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one full push+pull sync cycle",
	Args:  cobra.NoArgs,
	RunE:  runSync,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pending changes and last sync state",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync engine until interrupted",
	Long: `Run the sync engine with its periodic timer and connectivity probe.
An advisory lock on the database keeps a second daemon from
draining the same queue.`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

var (
	flagAmount   float64
	flagCategory string
	flagNote     string
)

var addCmd = &cobra.Command{
	Use:   "add <collection>",
	Short: "Record a new entry, queued for sync",
	Long: `Record a new entry in a collection (expenses or income). The entry is
saved locally and queued immediately; the next sync cycle pushes it
to the remote store whether it was created online or offline.`,
	Args: cobra.ExactArgs(1),
	RunE: runAdd,
}

var listCmd = &cobra.Command{
	Use:   "list <collection>",
	Short: "List locally cached records in a collection",
	Args:  cobra.ExactArgs(1),
	RunE:  runList,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "ledgersync.yml", "path to the config file")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&flagLogFile, "log-file", "", "mirror logs to this file")

	addCmd.Flags().Float64Var(&flagAmount, "amount", 0, "amount in the account currency")
	addCmd.Flags().StringVar(&flagCategory, "category", "", "category tag")
	addCmd.Flags().StringVar(&flagNote, "note", "", "free-form note")
	addCmd.MarkFlagRequired("amount")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(listCmd)
}

func openStore() (*store.DB, error) {
	dir := filepath.Dir(cfg.Database)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory %q: %w", dir, err)
	}
	return store.Open(cfg.Database)
}

func newEngine(db *store.DB) *syncer.Engine {
	client := remote.New(cfg.Remote.BaseURL, cfg.Remote.Token)
	return syncer.NewEngine(db, client, syncer.DefaultRegistry(), syncer.Options{
		Interval:   cfg.Sync.Interval.Std(),
		MaxRetries: cfg.Sync.MaxRetries,
		BaseDelay:  cfg.Sync.BaseDelay.Std(),
		PullLimit:  cfg.Sync.PullLimit,
	})
}

func runSync(cmd *cobra.Command, args []string) error {
	if cfg.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is not configured")
	}

	db, err := openStore()
	if err != nil {
		return fmt.Errorf("failed to open local store: %w", err)
	}
	defer db.Close()

	engine := newEngine(db)
	engine.Init(cmd.Context())
	defer engine.Stop()

	if !engine.Online() {
		return fmt.Errorf("remote store is unreachable; try again once online")
	}

	if !engine.ForceSyncNow(cmd.Context()) {
		st := engine.Status()
		if st.Err != "" {
			return fmt.Errorf("sync failed: %s", st.Err)
		}
		return fmt.Errorf("sync failed")
	}

	_, total, err := engine.PendingChanges()
	if err != nil {
		return err
	}
	fmt.Printf("sync complete, %d pending changes\n", total)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return fmt.Errorf("failed to open local store: %w", err)
	}
	defer db.Close()

	byCollection, err := db.PendingByCollection()
	if err != nil {
		return err
	}
	total := 0
	for _, n := range byCollection {
		total += n
	}

	registry := syncer.DefaultRegistry()
	fmt.Printf("pending changes: %d\n", total)
	for _, tag := range registry.Tags() {
		line := fmt.Sprintf("  %-10s %d pending", tag, byCollection[tag])
		if wm, err := db.Watermark(tag); err == nil && wm != "" {
			if t, perr := time.Parse(time.RFC3339Nano, wm); perr == nil {
				line += fmt.Sprintf(", last pulled %s", humanize.Time(t))
			}
		} else {
			line += ", never pulled"
		}
		fmt.Println(line)
	}

	entries, err := db.ListQueue()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.RetryCount >= cfg.Sync.MaxRetries {
			fmt.Printf("stuck: entry %d (%s %s) after %d attempts: %s\n",
				e.ID, e.Op, e.Collection, e.RetryCount, e.LastError)
		}
	}
	return nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	if cfg.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is not configured")
	}

	db, err := openStore()
	if err != nil {
		return fmt.Errorf("failed to open local store: %w", err)
	}
	defer db.Close()

	// One daemon per database. The flock outlives crashes of the holder,
	// so a stale lock never wedges the next start.
	lock := flock.New(cfg.Database + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire sync lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another ledgersync daemon is already running against %s", cfg.Database)
	}
	defer lock.Unlock()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine := newEngine(db)
	unsubscribe := engine.SubscribeStatus(func(st syncer.Status) {
		logger.Debug("status: online=%v syncing=%v pending=%d err=%q",
			st.Online, st.Syncing, st.PendingCount, st.Err)
	})
	defer unsubscribe()

	engine.Init(ctx)
	fmt.Printf("ledgersync daemon running (database %s, interval %s)\n", cfg.Database, cfg.Sync.Interval.Std())
	fmt.Println("press Ctrl+C to stop")

	engine.TriggerSync()
	<-ctx.Done()

	fmt.Println("stopping...")
	engine.Stop()
	return nil
}

func runAdd(cmd *cobra.Command, args []string) error {
	collection := args[0]
	if _, ok := syncer.DefaultRegistry().Lookup(collection); !ok {
		return fmt.Errorf("unknown collection %q: valid collections are %v",
			collection, syncer.DefaultRegistry().Tags())
	}

	db, err := openStore()
	if err != nil {
		return fmt.Errorf("failed to open local store: %w", err)
	}
	defer db.Close()

	fields := map[string]interface{}{
		"amount": flagAmount,
		"date":   time.Now().UTC().Format("2006-01-02"),
	}
	if flagCategory != "" {
		fields["category"] = flagCategory
	}
	if flagNote != "" {
		fields["note"] = flagNote
	}

	localID, err := syncer.EnqueueCreate(db, collection, fields)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}

	total, err := db.PendingCount()
	if err != nil {
		return err
	}
	fmt.Printf("recorded %s entry %s (%d changes pending sync)\n", collection, localID, total)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	collection := args[0]

	db, err := openStore()
	if err != nil {
		return fmt.Errorf("failed to open local store: %w", err)
	}
	defer db.Close()

	records, err := db.ListRecords(collection)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Printf("no cached %s records\n", collection)
		return nil
	}

	for _, rec := range records {
		var fields map[string]interface{}
		if err := json.Unmarshal(rec.Payload, &fields); err != nil {
			continue
		}
		amount, _ := fields["amount"].(float64)
		category, _ := fields["category"].(string)
		marker := " "
		if rec.LocalOnly {
			marker = "*" // not yet on the server
		}
		fmt.Printf("%s %-14s %10s  %s\n", marker, rec.LocalID, humanize.CommafWithDigits(amount, 2), category)
	}
	return nil
}
