package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"profile_ledger/aggregate"
	"profile_ledger/config"
	"profile_ledger/feed"
	"profile_ledger/httputil"
	"profile_ledger/identity"
	"profile_ledger/logging"
	"profile_ledger/normalize"
	"profile_ledger/runner"
	"profile_ledger/scheduler"
	"profile_ledger/storage"
)

var (
	once = flag.Bool("once", false, "Sync the feed once and exit")
)

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.Setup("info", "")
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	logFile, err := logging.Setup(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		log.Warn().Err(err).Msg("Could not set up file logging")
	} else if logFile != nil {
		defer logFile.Close()
	}

	log.Info().Str("backend", cfg.Store.Backend).Msg("Starting profile_ledger...")

	clients, err := httputil.NewClients(cfg.Feed.ProxyURL, cfg.Store.CallTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid feed proxy")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, closeStore := openStore(ctx, cfg, clients)
	defer closeStore()

	norm, err := normalize.New(normalize.Options{
		BaseURL:      cfg.Platform.BaseURL,
		UpperFields:  cfg.UpperFields(),
		OnlineWindow: cfg.Platform.OnlineWindow,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid platform settings")
	}
	strategy, err := identity.New(cfg.IdentityStrategy)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid identity strategy")
	}

	sheets := runner.Sheets{
		Records:      cfg.SheetName(config.RoleRecords),
		RecordsTop:   cfg.TopOrdered(config.RoleRecords),
		Runs:         cfg.SheetName(config.RoleRuns),
		RunsTop:      cfg.TopOrdered(config.RoleRuns),
		Sightings:    cfg.SheetName(config.RoleSightings),
		SightingsTop: cfg.TopOrdered(config.RoleSightings),
	}
	r := runner.New(store, norm, strategy, sheets, runner.WriterSettings{
		BatchSize:   cfg.Writer.BatchSize,
		MinDelay:    cfg.Writer.MinDelay,
		Tiers:       cfg.Writer.BackoffTiers,
		MaxRetries:  cfg.Writer.MaxRetries,
		CallTimeout: cfg.Store.CallTimeout,
	}, aggregate.Policy{EligibleMaxPosts: cfg.EligibleMaxPosts})

	if cfg.Audit.DatabaseURL != "" {
		pg, err := storage.NewPostgresStore(ctx, cfg.Audit.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Postgres")
		}
		defer pg.Close()
		r.SetAuditor(pg)
		log.Info().Str("db", maskConnectionString(cfg.Audit.DatabaseURL)).Msg("Audit trail enabled")
	}
	if cfg.Archive.Bucket != "" {
		archiver, err := storage.NewS3Archiver(ctx, storage.S3Config{
			Bucket:          cfg.Archive.Bucket,
			Region:          cfg.Archive.Region,
			Endpoint:        cfg.Archive.Endpoint,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to set up run archive")
		}
		r.SetArchiver(archiver)
		log.Info().Str("bucket", cfg.Archive.Bucket).Msg("Run archive enabled")
	}

	source, err := feed.NewSource(cfg.Feed.File, cfg.Feed.URL, cfg.Feed.Source, clients.Feed)
	if err != nil {
		log.Fatal().Err(err).Msg("Set FEED_FILE or FEED_URL")
	}

	sched := scheduler.New(scheduler.Config{
		Cron:     cfg.Scheduler.Cron,
		Interval: cfg.Scheduler.Interval,
		Source:   cfg.Feed.Source,
	}, source, r)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if *once {
		go func() {
			<-sigCh
			log.Warn().Msg("Interrupted, stopping run")
			cancel()
		}()
		report, err := sched.RunOnce(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Sync failed")
			closeStore()
			os.Exit(1)
		}
		log.Info().Str("run_id", report.RunID).Str("status", string(report.Status)).Msg("Sync complete!")
		return
	}

	if err := sched.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start scheduler")
	}
	log.Info().Msg("Daemon running. Press Ctrl+C to stop.")

	<-sigCh
	log.Info().Msg("Shutting down...")
	cancel()
	sched.Stop()
	log.Info().Msg("Goodbye!")
}

// openStore builds the configured record store and its cleanup.
func openStore(ctx context.Context, cfg *config.Config, clients *httputil.Clients) (storage.Store, func()) {
	switch cfg.Store.Backend {
	case config.BackendSQLite:
		s, err := storage.NewSQLiteStore(cfg.Store.SQLitePath)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open SQLite")
		}
		log.Info().Str("path", cfg.Store.SQLitePath).Msg("SQLite store")
		return s, func() { s.Close() }
	case config.BackendMemory:
		log.Warn().Msg("Memory store: nothing is persisted")
		return storage.NewMemoryStore(), func() {}
	default:
		s, err := storage.NewSheetsStore(ctx, storage.SheetsConfig{
			SpreadsheetID:   cfg.Store.SpreadsheetID,
			CredentialsFile: cfg.Store.CredentialsFile,
		}, clients.Store)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open spreadsheet")
		}
		log.Info().Str("spreadsheet", cfg.Store.SpreadsheetID).Msg("Sheets store")
		return s, func() {}
	}
}

// maskConnectionString masks password in connection string for logging
func maskConnectionString(connStr string) string {
	start := 0
	for i := 0; i < len(connStr)-3; i++ {
		if connStr[i:i+3] == "://" {
			start = i + 3
			break
		}
	}
	if start == 0 {
		return connStr
	}

	colonIdx := -1
	atIdx := -1
	for i := start; i < len(connStr); i++ {
		if connStr[i] == ':' && colonIdx == -1 {
			colonIdx = i
		}
		if connStr[i] == '@' {
			atIdx = i
			break
		}
	}

	if colonIdx > 0 && atIdx > colonIdx {
		return connStr[:colonIdx+1] + "****" + connStr[atIdx:]
	}
	return connStr
}
