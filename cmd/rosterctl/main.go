package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/classdesk/api/internal/config"
	"github.com/classdesk/api/internal/db"
	"github.com/classdesk/api/internal/logging"
	"github.com/classdesk/api/internal/roster"
)

func main() {
	var (
		file      = flag.String("file", "", "path to the roster file (name,role,grade,email per line)")
		policy    = flag.String("policy", "diff", "write policy: skip, diff or upsert")
		dryRun    = flag.Bool("dry-run", false, "report intended changes without writing")
		batchSize = flag.Int("batch-size", 100, "rows per write transaction")
		delimiter = flag.String("delimiter", ",", "field delimiter")
	)
	flag.Parse()

	logger := logging.NewLogger("info", "text", "stderr")

	if *file == "" {
		fmt.Fprintln(os.Stderr, "usage: rosterctl -file <path> [-policy skip|diff|upsert] [-dry-run] [-batch-size N] [-delimiter ,]")
		os.Exit(2)
	}

	pol, err := roster.ParsePolicy(*policy)
	if err != nil {
		logger.Error("Invalid policy", err, nil)
		os.Exit(2)
	}

	if len(*delimiter) != 1 {
		logger.Error("Invalid delimiter", fmt.Errorf("delimiter must be a single character, got %q", *delimiter), nil)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error("Failed to load configuration", err, nil)
		os.Exit(1)
	}

	database, err := sql.Open("pgx", cfg.Database.DSN())
	if err != nil {
		logger.Error("Failed to open database", err, nil)
		os.Exit(1)
	}
	defer database.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := database.PingContext(ctx); err != nil {
		logger.Error("Failed to ping database", err, nil)
		os.Exit(1)
	}

	if err := db.Migrate(database); err != nil {
		logger.Error("Failed to migrate database", err, nil)
		os.Exit(1)
	}

	f, err := os.Open(*file)
	if err != nil {
		logger.Error("Failed to open roster file", err, nil)
		os.Exit(1)
	}
	defer f.Close()

	loader := roster.NewLoader(db.NewQueries(database), logger)

	report, err := loader.Load(ctx, f, roster.Options{
		Policy:    pol,
		DryRun:    *dryRun,
		BatchSize: *batchSize,
		Comma:     rune((*delimiter)[0]),
	})
	if err != nil {
		logger.Error("Roster load failed", err, nil)
		os.Exit(1)
	}

	logger.Info("Roster load finished", map[string]interface{}{
		"parsed":    report.Parsed,
		"inserted":  report.Inserted,
		"updated":   report.Updated,
		"skipped":   report.Skipped,
		"malformed": report.Malformed,
		"dry_run":   *dryRun,
	})
}
