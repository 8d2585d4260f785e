// Package config centralizes application configuration. All tunables are
// sourced from command-line flags with environment-variable fallbacks
// (12-factor friendly), and flags are defined up front so `-help` shows
// every knob with its default.
//
// Typical usage:
//
//	cfg := config.Load() // reads os.Args and os.Environ
//
// For tests, prefer LoadFromArgs to keep them hermetic:
//
//	fs := flag.NewFlagSet("test", flag.ContinueOnError)
//	getenv := func(k string) string { return testEnv[k] }
//	cfg := config.LoadFromArgs(fs, getenv, []string{"-batch_size=100"})
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config holds all process configuration derived from flags and environment
// variables. All fields are plain values so the struct can be safely copied
// across goroutines after construction.
type Config struct {
	// IO controls input file locations. ItemsJSON and NanosJSON are resolved
	// relative to DataDir when not absolute.
	DataDir        string // Base directory for input exports.
	ItemsJSON      string // Item export file name or path.
	NanosJSON      string // Nano export file name or path.
	CorrectionsCSV string // Optional corrections CSV (empty disables the overlay).

	// DB describes the target database.
	DBDriver string // Database driver: "postgres" or "mssql".
	DSN      string // Full connection string.

	// Import tunables.
	BatchSize       int  // Records per batch/transaction.
	Workers         int  // Parallel entity-pass batch writers.
	SinglePass      bool // Skip the relationship pass (drops crystal edges).
	Strict          bool // Drop records with validation issues instead of flagging them.
	ContinueOnError bool // Count failed batches instead of aborting the run.

	// Run shape.
	DryRun bool // Full pipeline, no writes.
	Clear  bool // Destructively reset the target schema first.

	// Metrics.
	MetricsBackend string // "none" or "pushgateway".
	PushgatewayURL string // Pushgateway base URL (pushgateway backend only).
}

// LoadFromArgs builds a Config by defining flags on fs, wiring each flag to
// an environment-variable fallback via getenv, and then parsing args.
//
// Precedence:
//  1. Environment values seed each flag's default.
//  2. Explicit CLI flags (in args) override the seeded defaults.
func LoadFromArgs(fs *flag.FlagSet, getenv func(string) string, args []string) *Config {
	cfg := &Config{}

	envOrDefaultFn := func(k, d string) string {
		if v := getenv(k); v != "" {
			return v
		}
		return d
	}
	intEnvOrDefaultFn := func(k string, d int) int {
		if v := getenv(k); v != "" {
			if i, err := strconv.Atoi(v); err == nil {
				return i
			}
		}
		return d
	}
	boolEnvOrDefaultFn := func(k string, d bool) bool {
		if v := strings.ToLower(getenv(k)); v != "" {
			switch v {
			case "1", "true", "yes", "on":
				return true
			case "0", "false", "no", "off":
				return false
			}
		}
		return d
	}

	// IO paths
	fs.StringVar(&cfg.DataDir, "data_dir", envOrDefaultFn("DATA_DIR", "."), "Base directory for input exports")
	fs.StringVar(&cfg.ItemsJSON, "items_json", envOrDefaultFn("ITEMS_JSON", "items.json"), "Item export JSON file")
	fs.StringVar(&cfg.NanosJSON, "nanos_json", envOrDefaultFn("NANOS_JSON", "nanos.json"), "Nano export JSON file")
	fs.StringVar(&cfg.CorrectionsCSV, "corrections_csv", getenv("CORRECTIONS_CSV"), "Corrections CSV overlay (empty disables)")

	// DB connectivity
	fs.StringVar(&cfg.DBDriver, "db_driver", envOrDefaultFn("DB_DRIVER", "postgres"), "Database driver: 'postgres' or 'mssql'.")
	fs.StringVar(&cfg.DSN, "dsn", getenv("DB_DSN"), "Full connection string")

	// Throughput & run shape
	fs.IntVar(&cfg.BatchSize, "batch_size", intEnvOrDefaultFn("BATCH_SIZE", 500), "Records per batch/transaction")
	fs.IntVar(&cfg.Workers, "workers", intEnvOrDefaultFn("WORKERS", 1), "Parallel entity-pass batch writers")
	fs.BoolVar(&cfg.SinglePass, "single_pass", boolEnvOrDefaultFn("SINGLE_PASS", false), "Skip the relationship pass")
	fs.BoolVar(&cfg.Strict, "strict", boolEnvOrDefaultFn("STRICT", false), "Drop records with validation issues")
	fs.BoolVar(&cfg.ContinueOnError, "continue_on_error", boolEnvOrDefaultFn("CONTINUE_ON_ERROR", false), "Count failed batches instead of aborting")
	fs.BoolVar(&cfg.DryRun, "dry_run", boolEnvOrDefaultFn("DRY_RUN", false), "Run the pipeline without writing")
	fs.BoolVar(&cfg.Clear, "clear", boolEnvOrDefaultFn("CLEAR", false), "Reset the target schema before importing")

	// Metrics
	fs.StringVar(&cfg.MetricsBackend, "metrics-backend", envOrDefaultFn("METRICS_BACKEND", "none"), "Metrics backend: 'none' or 'pushgateway'")
	fs.StringVar(&cfg.PushgatewayURL, "pushgateway-url", getenv("PUSHGATEWAY_URL"), "Prometheus pushgateway base URL")

	if args == nil {
		args = []string{}
	}
	_ = fs.Parse(args)
	return cfg
}

// Load is the production entry point. It wires the loader to the process
// flag set, reads environment variables via os.Getenv, and parses
// os.Args[1:] as the CLI arguments.
func Load() *Config {
	return LoadFromArgs(flag.CommandLine, os.Getenv, os.Args[1:])
}

// Validate reports configuration errors a run cannot proceed with.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "postgres", "mssql":
	default:
		return fmt.Errorf("unknown db_driver %q", c.DBDriver)
	}
	if c.DSN == "" && !c.DryRun {
		return errors.New("dsn is required unless -dry_run is set")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	switch c.MetricsBackend {
	case "none", "pushgateway":
	default:
		return fmt.Errorf("unknown metrics-backend %q", c.MetricsBackend)
	}
	if c.MetricsBackend == "pushgateway" && c.PushgatewayURL == "" {
		return errors.New("pushgateway-url is required with -metrics-backend=pushgateway")
	}
	return nil
}

// ItemsPath resolves the item export path against DataDir.
func (c *Config) ItemsPath() string { return c.resolve(c.ItemsJSON) }

// NanosPath resolves the nano export path against DataDir.
func (c *Config) NanosPath() string { return c.resolve(c.NanosJSON) }

func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}
