// Package main implements the maintenance CLI for the Postgres idempotency
// backend.
//
// Usage:
//
//	go run ./cmd/maintenance --task=migrate
//	go run ./cmd/maintenance --task=purge_idempotency_keys
//	go run ./cmd/maintenance --task=purge_idempotency_keys --reference-time=2026-01-15T02:00:00Z
//	go run ./cmd/maintenance --dry-run --task=purge_idempotency_keys
//	go run ./cmd/maintenance --list
//
// Connection settings come from DATABASE_URL and the other DB_* variables
// (or a .env file). The Redis backend expires keys on its own and needs no
// maintenance.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"mailflow/internal/app"
	"mailflow/internal/config"
	"mailflow/internal/db"
	"mailflow/internal/types"
)

// Task names a maintenance operation.
type Task string

const (
	TaskMigrate              Task = "migrate"
	TaskPurgeIdempotencyKeys Task = "purge_idempotency_keys"
)

var validTasks = map[Task]string{
	TaskMigrate:              "Create the idempotency_keys table and index if missing",
	TaskPurgeIdempotencyKeys: "Delete idempotency records whose TTL has passed",
}

// repository is the part of db.IdempotencyRepository the tasks use.
type repository interface {
	EnsureSchema(ctx context.Context) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

func main() {
	taskFlag := flag.String("task", "", "Task to execute (e.g., purge_idempotency_keys)")
	refTimeFlag := flag.String("reference-time", "", "Override reference time (RFC3339)")
	listFlag := flag.Bool("list", false, "List all available tasks and exit")
	dryRunFlag := flag.Bool("dry-run", false, "Print what would run without touching the database")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: maintenance [flags]\n\nFlags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *listFlag {
		printTasks(os.Stdout)
		return
	}

	task := Task(*taskFlag)
	if _, ok := validTasks[task]; !ok {
		fmt.Fprintf(os.Stderr, "error: unknown or missing --task %q\n\n", *taskFlag)
		printTasks(os.Stderr)
		os.Exit(1)
	}

	refTime, err := parseReferenceTime(*refTimeFlag, time.Now().UTC())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "error", err)
	}

	logger := app.NewLogger(os.Stdout, os.Getenv("LOG_LEVEL")).With("service", "maintenance", "task", string(task))

	if *dryRunFlag {
		logger.Info("Dry run", "reference_time", refTime.Format(time.RFC3339))
		return
	}

	var dbCfg config.DatabaseConfig
	if err := envconfig.Process("", &dbCfg); err != nil {
		logger.Error("Invalid database configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := db.Connect(ctx, dbCfg)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := runTask(ctx, task, db.NewIdempotencyRepository(pool), refTime, logger); err != nil {
		logger.Error("Task failed", "error", err)
		os.Exit(1)
	}
}

// runTask executes one task against repo.
func runTask(ctx context.Context, task Task, repo repository, now time.Time, logger types.Logger) error {
	start := time.Now()
	switch task {
	case TaskMigrate:
		if err := repo.EnsureSchema(ctx); err != nil {
			return err
		}
		logger.Info("Schema applied", "duration_ms", time.Since(start).Milliseconds())
	case TaskPurgeIdempotencyKeys:
		deleted, err := repo.DeleteExpired(ctx, now)
		if err != nil {
			return err
		}
		logger.Info("Expired idempotency keys purged",
			"deleted", deleted,
			"reference_time", now.Format(time.RFC3339),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	default:
		return fmt.Errorf("unknown task %q", task)
	}
	return nil
}

// parseReferenceTime returns fallback when value is empty.
func parseReferenceTime(value string, fallback time.Time) (time.Time, error) {
	if value == "" {
		return fallback, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --reference-time %q (expected RFC3339): %w", value, err)
	}
	return t.UTC(), nil
}

func printTasks(w io.Writer) {
	names := make([]string, 0, len(validTasks))
	for t := range validTasks {
		names = append(names, string(t))
	}
	sort.Strings(names)

	fmt.Fprintln(w, "Available tasks:")
	for _, name := range names {
		fmt.Fprintf(w, "  %-24s %s\n", name, validTasks[Task(name)])
	}
}
