// Package importer drives the import of one source file through the
// reader→pipeline→writer chain, and sequences whole runs across files.
//
// The two-pass flow is modeled as an explicit state machine rather than a
// function run twice: EntityPass writes entities and dimension rows while
// buffering every relationship edge whose target may not exist yet;
// RelationshipPass replays the buffered edges once all entities exist. The
// transition is guarded: pass 2 starts only after pass 1 completed without a
// fatal error, and the edge buffer is fully materialized before the
// transition (the worker group's Wait is the barrier).
package importer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"itemdb/internal/dimension"
	"itemdb/internal/metrics"
	jsonparser "itemdb/internal/parser/json"
	"itemdb/internal/pipeline"
	"itemdb/internal/record"
	"itemdb/internal/writer"
)

// Pass names one state of the importer.
type Pass string

const (
	// EntityPass creates entities and dimension rows; relationship edges
	// are buffered, not written.
	EntityPass Pass = "entity"
	// RelationshipPass resolves and writes the buffered edges.
	RelationshipPass Pass = "relationship"
)

// Options tune one file import.
type Options struct {
	BatchSize int
	// SinglePass skips the relationship pass entirely, for files known to
	// carry no forward references. Buffered edges are discarded.
	SinglePass bool
	// Workers bounds the worker pool for entity-pass batches. Values < 2
	// keep the strict sequential default.
	Workers int
	// ContinueOnError keeps going after a failed (rolled back) batch write,
	// counting the failure instead of aborting the run. Structural source
	// errors and cache invariant violations abort regardless.
	ContinueOnError bool
}

// PassStats are kept separately per pass and summed for reporting.
type PassStats struct {
	Batches       int64         `json:"batches"`
	Records       int64         `json:"records"`
	Created       int64         `json:"created"`
	Updated       int64         `json:"updated"`
	Skipped       int64         `json:"skipped"`
	EdgesBuffered int64         `json:"edges_buffered"`
	BatchErrors   int64         `json:"batch_errors"`
	Elapsed       time.Duration `json:"elapsed_ns"`
}

func (p *PassStats) add(o PassStats) {
	p.Batches += o.Batches
	p.Records += o.Records
	p.Created += o.Created
	p.Updated += o.Updated
	p.Skipped += o.Skipped
	p.EdgesBuffered += o.EdgesBuffered
	p.BatchErrors += o.BatchErrors
	p.Elapsed += o.Elapsed
}

// FileStats is the outcome of one file import.
type FileStats struct {
	Path         string    `json:"path"`
	Entity       PassStats `json:"entity_pass"`
	Relationship PassStats `json:"relationship_pass"`
	Total        PassStats `json:"total"`
	Errors       []string  `json:"errors,omitempty"`
}

// Importer imports one source file. Construct a fresh Importer (and a fresh
// pipeline) per file; the dimension cache and writer are shared for the run.
type Importer struct {
	pipe *pipeline.Pipeline
	w    *writer.Writer
	opts Options

	mu    sync.Mutex
	edges []writer.Edge
	state Pass
}

func New(pipe *pipeline.Pipeline, w *writer.Writer, opts Options) *Importer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	return &Importer{pipe: pipe, w: w, opts: opts, state: EntityPass}
}

// Run imports path. It returns the per-file statistics even on failure so
// callers can always report what happened before the error.
func (im *Importer) Run(ctx context.Context, path string) (*FileStats, error) {
	stats := &FileStats{Path: path}

	if err := im.pipe.Setup(ctx); err != nil {
		return stats, err
	}
	defer func() {
		if err := im.pipe.Teardown(ctx); err != nil {
			log.Printf("importer: teardown: %v", err)
		}
	}()

	entity, err := im.runEntityPass(ctx, path)
	stats.Entity = entity
	if err != nil {
		stats.Errors = append(stats.Errors, err.Error())
		return stats, fmt.Errorf("entity pass %s: %w", path, err)
	}

	if im.opts.SinglePass {
		if n := int64(len(im.edges)); n > 0 {
			log.Printf("importer: single-pass, discarding %d buffered edges for %s", n, path)
		}
		stats.Total = stats.Entity
		return stats, nil
	}

	// Transition guard passed: every entity exists, the edge buffer is
	// complete, so forward references are now resolvable.
	im.mu.Lock()
	im.state = RelationshipPass
	edges := im.edges
	im.mu.Unlock()

	rel, err := im.runRelationshipPass(ctx, edges)
	stats.Relationship = rel
	if err != nil {
		stats.Errors = append(stats.Errors, err.Error())
		return stats, fmt.Errorf("relationship pass %s: %w", path, err)
	}

	stats.Total = stats.Entity
	stats.Total.add(stats.Relationship)
	return stats, nil
}

// State reports the importer's current pass, for observability and tests.
func (im *Importer) State() Pass {
	im.mu.Lock()
	defer im.mu.Unlock()
	return im.state
}

func (im *Importer) runEntityPass(ctx context.Context, path string) (PassStats, error) {
	var (
		statsMu sync.Mutex
		stats   PassStats
	)
	start := time.Now()

	f, err := os.Open(path)
	if err != nil {
		return stats, fmt.Errorf("open source: %w", err)
	}
	defer f.Close()

	g, gctx := errgroup.WithContext(ctx)
	workers := im.opts.Workers
	if workers < 1 {
		workers = 1
	}
	g.SetLimit(workers)

	streamErr := jsonparser.StreamBatches(gctx, f, im.opts.BatchSize, func(batch []*record.Record) error {
		// The reader reuses nothing across emits, so the batch can move to
		// a worker as-is. Independent entity batches have no cross-batch
		// ordering dependency; the dimension cache is the shared piece and
		// is concurrency-safe.
		g.Go(func() error {
			return im.processBatch(gctx, batch, &statsMu, &stats)
		})
		return gctx.Err()
	})

	waitErr := g.Wait() // barrier: edge buffer is complete after this
	stats.Elapsed = time.Since(start)

	if streamErr != nil && !errors.Is(streamErr, context.Canceled) {
		return stats, streamErr
	}
	if waitErr != nil {
		return stats, waitErr
	}
	return stats, ctx.Err()
}

func (im *Importer) processBatch(ctx context.Context, batch []*record.Record, statsMu *sync.Mutex, stats *PassStats) error {
	out, err := im.pipe.Process(ctx, batch)
	if err != nil {
		// Stage errors are invariant violations, never skippable.
		return err
	}

	res, edges, err := im.w.WriteBatch(ctx, out)
	if err != nil {
		if im.opts.ContinueOnError && !errors.Is(err, dimension.ErrMissingKey) {
			log.Printf("importer: batch failed (continuing): %v", err)
			statsMu.Lock()
			stats.BatchErrors++
			statsMu.Unlock()
			metrics.RecordRows("batch_errors", 1)
			return nil
		}
		return err
	}

	im.mu.Lock()
	im.edges = append(im.edges, edges...)
	im.mu.Unlock()

	statsMu.Lock()
	stats.Batches++
	stats.Records += int64(len(out))
	stats.Created += res.Created
	stats.Updated += res.Updated
	stats.Skipped += res.Skipped
	stats.EdgesBuffered += int64(len(edges))
	statsMu.Unlock()

	metrics.RecordBatch(string(EntityPass))
	metrics.RecordRows("processed", int64(len(batch)))
	metrics.RecordRows("edges_buffered", int64(len(edges)))
	return nil
}

func (im *Importer) runRelationshipPass(ctx context.Context, edges []writer.Edge) (PassStats, error) {
	var stats PassStats
	start := time.Now()

	for off := 0; off < len(edges); off += im.opts.BatchSize {
		if err := ctx.Err(); err != nil {
			stats.Elapsed = time.Since(start)
			return stats, err
		}
		end := min(off+im.opts.BatchSize, len(edges))
		res, err := im.w.WriteEdges(ctx, edges[off:end])
		if err != nil {
			if im.opts.ContinueOnError {
				log.Printf("importer: edge batch failed (continuing): %v", err)
				stats.BatchErrors++
				continue
			}
			stats.Elapsed = time.Since(start)
			return stats, err
		}
		stats.Batches++
		stats.Records += int64(end - off)
		stats.Created += res.Created
		stats.Skipped += res.Skipped
		metrics.RecordBatch(string(RelationshipPass))
	}

	stats.Elapsed = time.Since(start)
	return stats, nil
}
