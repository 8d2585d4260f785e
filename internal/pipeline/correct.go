package pipeline

import (
	"context"
	"sync/atomic"

	"itemdb/internal/corrections"
	"itemdb/internal/record"
)

// CorrectStage patches nano records from the corrections overlay. Overrides
// are absolute assignments, so applying the stage twice to an already
// corrected record is a no-op. Records with no matching correction, and all
// non-nano records, pass through unchanged.
type CorrectStage struct {
	overlay *corrections.Overlay

	processed atomic.Int64
	corrected atomic.Int64
}

// NewCorrectStage builds the stage around an already loaded overlay. A nil
// overlay yields a pass-through stage, used when no corrections file was
// requested.
func NewCorrectStage(overlay *corrections.Overlay) *CorrectStage {
	return &CorrectStage{overlay: overlay}
}

func (s *CorrectStage) Name() string                       { return "correct" }
func (s *CorrectStage) Setup(ctx context.Context) error    { return nil }
func (s *CorrectStage) Teardown(ctx context.Context) error { return nil }

func (s *CorrectStage) Stats() Stats {
	return Stats{Processed: s.processed.Load()}
}

// CorrectedCount reports how many records received an override.
func (s *CorrectStage) CorrectedCount() int64 { return s.corrected.Load() }

func (s *CorrectStage) Process(ctx context.Context, batch []*record.Record) ([]*record.Record, error) {
	if s.overlay == nil {
		s.processed.Add(int64(len(batch)))
		return batch, nil
	}
	for _, r := range batch {
		s.processed.Add(1)
		if r.DecodeErr != nil || !r.IsNano {
			continue
		}
		c := s.overlay.Get(r.NaturalID)
		if c == nil {
			continue
		}
		applyCorrection(r, c)
		s.corrected.Add(1)
	}
	return batch, nil
}

// applyCorrection overwrites only the fields the correction specifies.
func applyCorrection(r *record.Record, c *corrections.Correction) {
	if c.QL != nil {
		r.QualityLevel = record.ClampQL(*c.QL)
	}
	if c.StrainID != nil {
		setStat(r, record.StrainStat, int64(*c.StrainID))
	}
	if len(c.CrystalIDs) > 0 {
		r.CrystalIDs = append([]int64(nil), c.CrystalIDs...)
	}
}

// setStat replaces every existing (stat, *) entry with the single assigned
// value, preserving the position of the first occurrence.
func setStat(r *record.Record, stat int, value int64) {
	replaced := false
	out := r.Stats[:0]
	for _, sv := range r.Stats {
		if sv.Stat != stat {
			out = append(out, sv)
			continue
		}
		if !replaced {
			out = append(out, record.StatValue{Stat: stat, Value: value})
			replaced = true
		}
	}
	if !replaced {
		out = append(out, record.StatValue{Stat: stat, Value: value})
	}
	r.Stats = out
}
