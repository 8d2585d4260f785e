package pipeline

import (
	"context"
	"log"
	"sync/atomic"

	"itemdb/internal/record"
)

// Policy selects how the validate stage treats structurally invalid records.
type Policy string

const (
	// Strict drops invalid records (counted, never retried).
	Strict Policy = "strict"
	// Lenient keeps invalid records flagged as degraded, for best-effort
	// writing. Decode-failure markers are still dropped: there is nothing
	// to write.
	Lenient Policy = "lenient"
)

// ValidateStage enforces structural validity. It never mutates surviving
// records beyond setting the Degraded flag under the lenient policy.
type ValidateStage struct {
	policy Policy

	processed atomic.Int64
	dropped   atomic.Int64
	invalid   atomic.Int64
	degraded  atomic.Int64
	decodeErr atomic.Int64
}

func NewValidateStage(policy Policy) *ValidateStage {
	if policy == "" {
		policy = Strict
	}
	return &ValidateStage{policy: policy}
}

func (s *ValidateStage) Name() string                       { return "validate" }
func (s *ValidateStage) Setup(ctx context.Context) error    { return nil }
func (s *ValidateStage) Teardown(ctx context.Context) error { return nil }

func (s *ValidateStage) Stats() Stats {
	return Stats{
		Processed: s.processed.Load(),
		Dropped:   s.dropped.Load(),
		Invalid:   s.invalid.Load(),
		Degraded:  s.degraded.Load(),
	}
}

// InvalidCount reports the running number of invalid records seen so far.
// It is visible after the run for reporting.
func (s *ValidateStage) InvalidCount() int64 { return s.invalid.Load() }

// DecodeFailures reports how many decode-failure markers were observed.
func (s *ValidateStage) DecodeFailures() int64 { return s.decodeErr.Load() }

func (s *ValidateStage) Process(ctx context.Context, batch []*record.Record) ([]*record.Record, error) {
	out := make([]*record.Record, 0, len(batch))
	for _, r := range batch {
		s.processed.Add(1)

		if r.DecodeErr != nil {
			s.decodeErr.Add(1)
			s.invalid.Add(1)
			s.dropped.Add(1)
			log.Printf("validate: dropped undecodable element: %v (fragment=%dB)", r.DecodeErr, len(r.RawFragment))
			continue
		}

		if len(r.Issues) == 0 {
			out = append(out, r)
			continue
		}

		s.invalid.Add(1)
		if s.policy == Lenient {
			r.Degraded = true
			s.degraded.Add(1)
			out = append(out, r)
			continue
		}
		s.dropped.Add(1)
	}
	return out, nil
}
