package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/seclens/blocktrack/pkg/analyze"
	"github.com/seclens/blocktrack/pkg/db"
	"github.com/seclens/blocktrack/pkg/enrich"
	"github.com/seclens/blocktrack/pkg/feed"
	"github.com/seclens/blocktrack/pkg/intel"
)

var (
	configPath string
	dbDSN      string
)

var rootCmd = &cobra.Command{
	Use:   "blocktrack",
	Short: "Track blocklist release notes and domain enrichment",
	Long: `blocktrack ingests parsed blocklist release notes, enriches each
domain with tag metadata from the threat-intelligence service under its
daily point budget, and computes how long domains stay blocked
(residence) and how long they stay away before returning (reinsert).`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (also BLOCKTRACK_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&dbDSN, "db", "", "Database DSN: SQLite path or postgres:// URL")

	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(enrichCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(aggregateCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
}

// app bundles everything a subcommand needs.
type app struct {
	cfg        *Config
	db         *gorm.DB
	logger     *slog.Logger
	versions   *feed.VersionStore
	store      *feed.DomainStore
	ingestor   *feed.Ingestor
	client     *intel.Client
	tags       *intel.TagCache
	scheduler  *enrich.Scheduler
	analyzer   *analyze.Analyzer
	aggregator *analyze.Aggregator
}

// newApp loads configuration, opens the database, migrates every
// store, and wires the components together.
func newApp() (*app, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if dbDSN != "" {
		cfg.Database.DSN = dbDSN
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel(),
	}))

	conn, err := db.Open(cfg.Database.DSN)
	if err != nil {
		return nil, err
	}

	versions := feed.NewVersionStore(conn)
	store := feed.NewDomainStore(conn, versions)
	client := intel.NewClient(cfg.IntelClientConfig(), logger.With("component", "intel"))
	tags := intel.NewTagCache(conn, client, cfg.TagCacheConfig(), logger.With("component", "tagcache"))
	aggregator := analyze.NewAggregator(conn, store, logger.With("component", "aggregator"))

	for _, migrate := range []func() error{
		versions.AutoMigrate,
		store.AutoMigrate,
		tags.AutoMigrate,
		aggregator.AutoMigrate,
	} {
		if err := migrate(); err != nil {
			return nil, err
		}
	}

	return &app{
		cfg:      cfg,
		db:       conn,
		logger:   logger,
		versions: versions,
		store:    store,
		ingestor: feed.NewIngestor(versions, store, logger.With("component", "ingest")),
		client:   client,
		tags:     tags,
		scheduler: enrich.NewScheduler(store, versions, client, tags,
			cfg.SchedulerConfig(), logger.With("component", "enrich")),
		analyzer:   analyze.NewAnalyzer(store, logger.With("component", "analyze")),
		aggregator: aggregator,
	}, nil
}
