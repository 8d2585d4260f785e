package pipeline

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/zeebo/xxh3"

	"itemdb/internal/record"
)

// DedupeStage collapses records that share a natural id within one run,
// keeping the last occurrence. Source exports occasionally repeat an item
// verbatim (re-sent page) or, worse, with different content; the two cases
// are counted separately because only the latter deserves attention.
//
// Equality is decided by an xxh3 fingerprint of the record's raw fields,
// which is stable because encoding/json marshals maps with sorted keys.
// The id→fingerprint map spans the whole run: the database's unique
// constraint on the natural id remains the final backstop for duplicates
// the stage cannot see (e.g. across concurrent batches racing the map).
type DedupeStage struct {
	mu   sync.Mutex
	seen map[int64]uint64 // natural id -> fingerprint of kept record

	processed int64
	dropped   int64
	exact     int64
	conflict  int64
}

func NewDedupeStage() *DedupeStage {
	return &DedupeStage{seen: make(map[int64]uint64)}
}

func (s *DedupeStage) Name() string                       { return "dedupe" }
func (s *DedupeStage) Setup(ctx context.Context) error    { return nil }
func (s *DedupeStage) Teardown(ctx context.Context) error { return nil }

func (s *DedupeStage) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Processed: s.processed, Dropped: s.dropped}
}

// ExactDuplicates reports collapsed records whose content matched the kept
// occurrence byte-for-byte.
func (s *DedupeStage) ExactDuplicates() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exact
}

// ConflictingDuplicates reports collapsed records whose content differed
// from an earlier occurrence of the same natural id.
func (s *DedupeStage) ConflictingDuplicates() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conflict
}

func (s *DedupeStage) Process(ctx context.Context, batch []*record.Record) ([]*record.Record, error) {
	out := make([]*record.Record, 0, len(batch))

	// Intra-batch: keep-last, preserving the position of the first
	// occurrence so batch order stays deterministic.
	slot := make(map[int64]int, len(batch))

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range batch {
		s.processed++
		if r.DecodeErr != nil || r.NaturalID == 0 {
			out = append(out, r)
			continue
		}

		fp := fingerprint(r)
		prev, seenBefore := s.seen[r.NaturalID]
		s.seen[r.NaturalID] = fp

		if i, ok := slot[r.NaturalID]; ok {
			// Same id earlier in this batch: replace in place.
			s.dropped++
			s.classify(prev, fp, r.NaturalID)
			out[i] = r
			continue
		}
		if seenBefore {
			// Same id in an earlier batch: that batch already committed, so
			// the later occurrence is dropped here and counted; keep-last
			// across batches would require rewriting committed rows.
			s.dropped++
			s.classify(prev, fp, r.NaturalID)
			continue
		}
		slot[r.NaturalID] = len(out)
		out = append(out, r)
	}
	return out, nil
}

func (s *DedupeStage) classify(prev, fp uint64, id int64) {
	if prev == fp {
		s.exact++
		return
	}
	s.conflict++
	log.Printf("dedupe: conflicting duplicate natural_id=%d (content differs)", id)
}

// fingerprint hashes the record's source representation. Falls back to the
// raw fragment when the fields cannot be re-marshaled.
func fingerprint(r *record.Record) uint64 {
	b, err := json.Marshal(r.RawFields)
	if err != nil {
		return xxh3.Hash(r.RawFragment)
	}
	return xxh3.Hash(b)
}
