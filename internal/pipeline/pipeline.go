// Package pipeline implements the staged batch transformation chain of the
// import. A Stage is a batch transformer with a uniform lifecycle
// (Setup/Process/Teardown) and a statistics accessor; a Pipeline is an
// ordered list of stages that every batch traverses in sequence.
//
// Design goals:
//   - Stages are explicit values composed at construction time, never
//     ambient globals, so tests can assemble minimal chains.
//   - Per-record problems are represented in the records themselves (drops,
//     degrade flags); stage errors abort the batch and are reserved for
//     invariant violations and broken inputs.
//   - Counters use atomics so one pipeline instance can serve the bounded
//     worker pool of the entity pass.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"itemdb/internal/metrics"
	"itemdb/internal/record"
)

// Stats is the uniform per-stage counter set. Stage implementations may
// expose richer accessors; these four are always maintained.
type Stats struct {
	Processed int64 // records seen by the stage
	Dropped   int64 // records removed from the batch
	Invalid   int64 // records counted as invalid (subset of Dropped in strict mode)
	Degraded  int64 // records flagged degraded (lenient mode)
}

// Stage is one batch transformer in the chain.
type Stage interface {
	Name() string
	Setup(ctx context.Context) error
	// Process transforms a batch. The returned slice may alias the input.
	// Records must never be mutated after the stage that owns the mutation
	// (parse fills, correct overrides; validate and later stages read only).
	Process(ctx context.Context, batch []*record.Record) ([]*record.Record, error)
	Teardown(ctx context.Context) error
	Stats() Stats
}

// Pipeline is an ordered stage chain.
type Pipeline struct {
	stages []Stage
}

// New builds a pipeline from stages, skipping nil entries.
func New(stages ...Stage) *Pipeline {
	p := &Pipeline{}
	for _, s := range stages {
		if s != nil {
			p.stages = append(p.stages, s)
		}
	}
	return p
}

// Setup runs Setup on every stage in order. The first error aborts and is
// returned; already set-up stages are not torn down (Teardown is the
// caller's responsibility via defer on success paths only).
func (p *Pipeline) Setup(ctx context.Context) error {
	for _, s := range p.stages {
		if err := s.Setup(ctx); err != nil {
			return fmt.Errorf("stage %s setup: %w", s.Name(), err)
		}
	}
	return nil
}

// Process pushes one batch through every stage in order.
func (p *Pipeline) Process(ctx context.Context, batch []*record.Record) ([]*record.Record, error) {
	out := batch
	for _, s := range p.stages {
		start := time.Now()
		var err error
		out, err = s.Process(ctx, out)
		metrics.RecordStep(s.Name(), err, time.Since(start))
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", s.Name(), err)
		}
	}
	return out, nil
}

// Teardown runs Teardown on every stage in order, returning the first error
// after attempting all of them.
func (p *Pipeline) Teardown(ctx context.Context) error {
	var firstErr error
	for _, s := range p.stages {
		if err := s.Teardown(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stage %s teardown: %w", s.Name(), err)
		}
	}
	return firstErr
}

// StageStats returns the per-stage statistics keyed by stage name.
func (p *Pipeline) StageStats() map[string]Stats {
	out := make(map[string]Stats, len(p.stages))
	for _, s := range p.stages {
		out[s.Name()] = s.Stats()
	}
	return out
}
