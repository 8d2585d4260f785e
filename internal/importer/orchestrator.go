package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"itemdb/internal/corrections"
	"itemdb/internal/db"
	"itemdb/internal/dimension"
	"itemdb/internal/pipeline"
	"itemdb/internal/writer"
)

// Source is one input file in a run. Kind is informational (it shows up in
// logs and summaries); the pipeline itself detects nanos per record.
type Source struct {
	Path string
	Kind string // "items" or "nanos"
}

// RunOptions configure a whole orchestrated run.
type RunOptions struct {
	Options

	// Policy selects strict (drop) or lenient (flag) handling of records
	// with validation issues.
	Policy pipeline.Policy
	// DryRun runs the full pipeline but writes nothing.
	DryRun bool
	// Clear destructively resets the target schema before importing.
	Clear bool
}

// Summary is the run report, marshaled to JSON at the end of a run.
type Summary struct {
	TotalItems     int64                     `json:"total_items"`
	InvalidItems   int64                     `json:"invalid_items"`
	Created        int64                     `json:"created"`
	Updated        int64                     `json:"updated"`
	Skipped        int64                     `json:"skipped"`
	Corrected      int64                     `json:"corrected"`
	Duplicates     int64                     `json:"duplicates"`
	ElapsedSeconds float64                   `json:"elapsed_seconds"`
	ItemsPerSecond float64                   `json:"items_per_second"`
	ItemsInStore   int64                     `json:"items_in_store"`
	Files          []FileStats               `json:"files"`
	StageStats     map[string]pipeline.Stats `json:"stage_stats"`
	Errors         []string                  `json:"errors,omitempty"`
}

// JSON renders the summary for the CLI.
func (s *Summary) JSON() string {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Sprintf("{%q: %q}", "error", err.Error())
	}
	return string(b)
}

// Orchestrator sequences a run: schema setup, then each source file in
// order, with one dimension cache shared across the whole run.
type Orchestrator struct {
	store   db.Store
	overlay *corrections.Overlay
	opts    RunOptions
}

func NewOrchestrator(store db.Store, overlay *corrections.Overlay, opts RunOptions) *Orchestrator {
	return &Orchestrator{store: store, overlay: overlay, opts: opts}
}

// Run imports the sources in the given order. Item files must precede nano
// files so that crystal edges written in a nano file's relationship pass can
// resolve against already-imported items.
func (o *Orchestrator) Run(ctx context.Context, sources []Source) (*Summary, error) {
	start := time.Now()
	summary := &Summary{StageStats: map[string]pipeline.Stats{}}

	if o.opts.DryRun {
		if o.opts.Clear {
			log.Printf("orchestrator: dry run, skipping schema reset")
		}
	} else {
		if o.opts.Clear {
			if err := o.store.ResetSchema(ctx); err != nil {
				return summary, fmt.Errorf("reset schema: %w", err)
			}
		}
		if err := o.store.EnsureSchema(ctx); err != nil {
			return summary, fmt.Errorf("ensure schema: %w", err)
		}
	}

	cache := dimension.NewCache(o.store)
	w := writer.New(o.store, cache)
	w.DryRun = o.opts.DryRun

	var runErr error
	for _, src := range sources {
		log.Printf("orchestrator: importing %s file %s", src.Kind, src.Path)

		parse := pipeline.NewParseStage()
		dedupe := pipeline.NewDedupeStage()
		correct := pipeline.NewCorrectStage(o.overlay)
		validate := pipeline.NewValidateStage(o.opts.Policy)
		pipe := pipeline.New(parse, dedupe, correct, validate)

		im := New(pipe, w, o.opts.Options)
		fs, err := im.Run(ctx, src.Path)
		if fs != nil {
			summary.Files = append(summary.Files, *fs)
			summary.fold(fs)
		}
		summary.foldStages(src.Kind, pipe.StageStats())
		summary.Corrected += correct.CorrectedCount()
		summary.Duplicates += dedupe.ExactDuplicates() + dedupe.ConflictingDuplicates()

		if err != nil {
			summary.Errors = append(summary.Errors, err.Error())
			runErr = err
			// A canceled context or a broken store stops the run; per-batch
			// failures were already handled inside the importer.
			break
		}
	}

	cache.LogStats()

	if !o.opts.DryRun {
		if n, err := o.store.CountItems(ctx); err == nil {
			summary.ItemsInStore = n
		} else if runErr == nil && !errors.Is(err, context.Canceled) {
			log.Printf("orchestrator: count items: %v", err)
		}
	}

	summary.ElapsedSeconds = time.Since(start).Seconds()
	if summary.ElapsedSeconds > 0 {
		summary.ItemsPerSecond = float64(summary.TotalItems) / summary.ElapsedSeconds
	}
	return summary, runErr
}

func (s *Summary) fold(fs *FileStats) {
	s.Created += fs.Entity.Created
	s.Updated += fs.Entity.Updated
	s.Skipped += fs.Total.Skipped
}

func (s *Summary) foldStages(kind string, stages map[string]pipeline.Stats) {
	for name, st := range stages {
		key := kind + "/" + name
		s.StageStats[key] = st
		if name == "parse" {
			s.TotalItems += st.Processed
		}
		s.InvalidItems += st.Invalid
	}
}
