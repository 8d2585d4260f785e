package config

import (
	"flag"
	"path/filepath"
	"testing"
)

// TestLoadFromArgs_EnvAndFlagPrecedence validates the injectable loader:
// environment values seed the defaults, explicit flags override them.
func TestLoadFromArgs_EnvAndFlagPrecedence(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	env := map[string]string{
		"DB_DRIVER":  "mssql",
		"DB_DSN":     "sqlserver://u:p@h:1433?database=d",
		"BATCH_SIZE": "250",
		"DRY_RUN":    "true",
	}
	getenv := func(k string) string { return env[k] }

	cfg := LoadFromArgs(fs, getenv, []string{"-workers=3", "-items_json=custom.json"})

	if cfg.DBDriver != "mssql" || cfg.DSN == "" {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if cfg.BatchSize != 250 {
		t.Fatalf("batch env not applied: %d", cfg.BatchSize)
	}
	if !cfg.DryRun {
		t.Fatalf("bool env not applied")
	}
	if cfg.Workers != 3 || cfg.ItemsJSON != "custom.json" {
		t.Fatalf("flag override not applied: %+v", cfg)
	}
}

// TestLoadFromArgs_Defaults: with no env and no flags, every tunable has a
// usable value.
func TestLoadFromArgs_Defaults(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg := LoadFromArgs(fs, func(string) string { return "" }, nil)

	if cfg.DBDriver != "postgres" {
		t.Fatalf("driver default = %q", cfg.DBDriver)
	}
	if cfg.BatchSize != 500 || cfg.Workers != 1 {
		t.Fatalf("throughput defaults: batch=%d workers=%d", cfg.BatchSize, cfg.Workers)
	}
	if cfg.ItemsJSON == "" || cfg.NanosJSON == "" {
		t.Fatalf("file defaults missing: %+v", cfg)
	}
	if cfg.MetricsBackend != "none" {
		t.Fatalf("metrics default = %q", cfg.MetricsBackend)
	}
	if cfg.SinglePass || cfg.Strict || cfg.DryRun || cfg.Clear {
		t.Fatalf("boolean toggles should default off: %+v", cfg)
	}
}

// TestLoadFromArgs_UnparsableEnvFallsBack keeps the built-in default when an
// env value cannot be parsed.
func TestLoadFromArgs_UnparsableEnvFallsBack(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	env := map[string]string{"BATCH_SIZE": "lots", "SINGLE_PASS": "maybe"}
	cfg := LoadFromArgs(fs, func(k string) string { return env[k] }, nil)
	if cfg.BatchSize != 500 {
		t.Fatalf("BatchSize = %d", cfg.BatchSize)
	}
	if cfg.SinglePass {
		t.Fatalf("SinglePass should fall back to false")
	}
}

// TestValidate covers the hard configuration errors.
func TestValidate(t *testing.T) {
	base := func() *Config {
		fs := flag.NewFlagSet("test", flag.ContinueOnError)
		cfg := LoadFromArgs(fs, func(string) string { return "" }, nil)
		cfg.DSN = "postgres://u:p@h/db"
		return cfg
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown_driver", func(c *Config) { c.DBDriver = "oracle" }},
		{"missing_dsn", func(c *Config) { c.DSN = "" }},
		{"zero_batch", func(c *Config) { c.BatchSize = 0 }},
		{"zero_workers", func(c *Config) { c.Workers = 0 }},
		{"unknown_metrics", func(c *Config) { c.MetricsBackend = "statsd" }},
		{"pushgateway_without_url", func(c *Config) { c.MetricsBackend = "pushgateway" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("want validation error")
			}
		})
	}
}

// TestValidate_DryRunWithoutDSN is the one DSN-less combination allowed.
func TestValidate_DryRunWithoutDSN(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg := LoadFromArgs(fs, func(string) string { return "" }, []string{"-dry_run"})
	if err := cfg.Validate(); err != nil {
		t.Fatalf("dry run without dsn rejected: %v", err)
	}
}

// TestPathResolution joins relative input paths onto data_dir and leaves
// absolute ones alone.
func TestPathResolution(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg := LoadFromArgs(fs, func(string) string { return "" }, []string{
		"-data_dir=/exports", "-items_json=items.json", "-nanos_json=/elsewhere/nanos.json",
	})
	if got := cfg.ItemsPath(); got != filepath.Join("/exports", "items.json") {
		t.Fatalf("ItemsPath = %q", got)
	}
	if got := cfg.NanosPath(); got != "/elsewhere/nanos.json" {
		t.Fatalf("NanosPath = %q", got)
	}
}
