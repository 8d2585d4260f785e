// Command importer wires configuration, the database adapter, the
// corrections overlay, and the import orchestrator. It is a thin composition
// layer with clear seams: all side effects (store constructors, corrections
// loading, the orchestrator itself) are injected via Deps so run() can be
// exercised hermetically in tests.
//
// Design goals:
//   - Keep main() tiny and delegate to run() for testability.
//   - Avoid hidden globals and make behavior obvious from Deps.
//   - Prefer explicit, readable control flow over cleverness.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"itemdb/internal/config"
	"itemdb/internal/corrections"
	"itemdb/internal/db"
	"itemdb/internal/importer"
	"itemdb/internal/metrics"
	"itemdb/internal/metrics/prompush"
	"itemdb/internal/pipeline"
	"itemdb/internal/record"
)

// Deps holds injectable dependencies so run() is fully testable. Each field
// is a boundary that would otherwise be hard-coded in main(); tests pass
// fakes, production uses defaultDeps().
type Deps struct {
	// Store constructors per driver.
	NewPgStore    func(ctx context.Context, dsn string) (db.Store, error)
	NewMSSQLStore func(ctx context.Context, dsn string) (db.Store, error)

	// Corrections overlay loader.
	LoadCorrections func(path string) (*corrections.Overlay, error)

	// Run entrypoint.
	Run func(ctx context.Context, store db.Store, overlay *corrections.Overlay, opts importer.RunOptions, sources []importer.Source) (*importer.Summary, error)

	// Summary destination (stdout in production).
	Out io.Writer
}

// defaultDeps wires production implementations. Tests inject fakes.
func defaultDeps() Deps {
	return Deps{
		NewPgStore:      db.NewPgStore,
		NewMSSQLStore:   db.NewMSSQLStore,
		LoadCorrections: corrections.Load,
		Run: func(ctx context.Context, store db.Store, overlay *corrections.Overlay, opts importer.RunOptions, sources []importer.Source) (*importer.Summary, error) {
			return importer.NewOrchestrator(store, overlay, opts).Run(ctx, sources)
		},
		Out: os.Stdout,
	}
}

// run executes the program logic given a config and injected Deps:
//
//  1. Install the configured metrics backend.
//  2. Load the optional corrections overlay.
//  3. Open the store for the selected driver (postgres|mssql).
//  4. Import item files before nano files, then print the run summary.
func run(ctx context.Context, cfg *config.Config, deps Deps) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if cfg.MetricsBackend == "pushgateway" {
		b, err := prompush.NewBackend("itemdb_import", cfg.PushgatewayURL)
		if err != nil {
			return err
		}
		metrics.SetBackend(b)
		defer func() {
			if err := metrics.Flush(); err != nil {
				log.Printf("metrics: push failed: %v", err)
			}
		}()
	}

	var overlay *corrections.Overlay
	if cfg.CorrectionsCSV != "" {
		var err error
		overlay, err = deps.LoadCorrections(cfg.CorrectionsCSV)
		if err != nil {
			return fmt.Errorf("load corrections: %w", err)
		}
		log.Printf("corrections: loaded %d overrides from %s", overlay.Len(), cfg.CorrectionsCSV)
	}

	var store db.Store
	var err error
	switch {
	case cfg.DryRun && cfg.DSN == "":
		store = nopStore{}
	case cfg.DBDriver == "postgres":
		store, err = deps.NewPgStore(ctx, cfg.DSN)
	case cfg.DBDriver == "mssql":
		store, err = deps.NewMSSQLStore(ctx, cfg.DSN)
	}
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.DBDriver, err)
	}
	defer func() {
		if err := store.Close(context.Background()); err != nil {
			log.Printf("store: close: %v", err)
		}
	}()

	policy := pipeline.Lenient
	if cfg.Strict {
		policy = pipeline.Strict
	}
	opts := importer.RunOptions{
		Options: importer.Options{
			BatchSize:       cfg.BatchSize,
			SinglePass:      cfg.SinglePass,
			Workers:         cfg.Workers,
			ContinueOnError: cfg.ContinueOnError,
		},
		Policy: policy,
		DryRun: cfg.DryRun,
		Clear:  cfg.Clear,
	}

	// Items before nanos: nano crystal edges resolve against item rows.
	sources := []importer.Source{
		{Path: cfg.ItemsPath(), Kind: "items"},
		{Path: cfg.NanosPath(), Kind: "nanos"},
	}

	summary, runErr := deps.Run(ctx, store, overlay, opts, sources)
	if summary != nil {
		fmt.Fprintln(deps.Out, summary.JSON())
	}
	return runErr
}

// nopStore backs DSN-less dry runs: the writer never reaches the store, so
// every method is either a no-op or unreachable.
type nopStore struct{}

func (nopStore) EnsureSchema(context.Context) error { return nil }
func (nopStore) ResetSchema(context.Context) error  { return nil }
func (nopStore) CreateStatValues(context.Context, []record.StatValue) error {
	return nil
}
func (nopStore) FetchStatValues(context.Context, []record.StatValue) (map[record.StatValue]int64, error) {
	return map[record.StatValue]int64{}, nil
}
func (nopStore) ResolveItems(context.Context, []int64) (map[int64]int64, error) {
	return map[int64]int64{}, nil
}
func (nopStore) CountItems(context.Context) (int64, error) { return 0, nil }
func (nopStore) Begin(context.Context) (db.Batch, error) {
	return nil, fmt.Errorf("dry run store cannot begin a batch")
}
func (nopStore) Close(context.Context) error { return nil }

// main is intentionally tiny. It loads config, builds real deps, and runs.
// Any error is fatal; we log once and exit non-zero.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	if err := run(ctx, cfg, defaultDeps()); err != nil {
		log.Fatal(err)
	}
}
