package pipeline

import (
	"context"
	"errors"
	"testing"

	"itemdb/internal/record"
)

func validRecord(id int64) *record.Record {
	return &record.Record{NaturalID: id, Name: "x", QualityLevel: 1}
}

// TestValidateStage_Strict drops records with issues and counts them.
func TestValidateStage_Strict(t *testing.T) {
	s := NewValidateStage(Strict)
	flawed := validRecord(2)
	flawed.Issues = []string{"stat[0]: not an object"}
	in := []*record.Record{validRecord(1), flawed, validRecord(3)}

	out, err := s.Process(context.Background(), in)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("want 2 survivors, got %d", len(out))
	}
	if s.InvalidCount() != 1 {
		t.Fatalf("InvalidCount = %d", s.InvalidCount())
	}
	st := s.Stats()
	if st.Dropped != 1 || st.Degraded != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

// TestValidateStage_Lenient keeps flawed records flagged degraded.
func TestValidateStage_Lenient(t *testing.T) {
	s := NewValidateStage(Lenient)
	flawed := validRecord(2)
	flawed.Issues = []string{"spell_data[0]: no spell list"}

	out, err := s.Process(context.Background(), []*record.Record{flawed})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(out) != 1 || !out[0].Degraded {
		t.Fatalf("flawed record not kept degraded: %+v", out)
	}
	if s.InvalidCount() != 1 {
		t.Fatalf("InvalidCount = %d", s.InvalidCount())
	}
	if st := s.Stats(); st.Degraded != 1 || st.Dropped != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

// TestValidateStage_DecodeMarkersAlwaysDropped: markers are dropped under
// both policies; there is nothing to write.
func TestValidateStage_DecodeMarkersAlwaysDropped(t *testing.T) {
	for _, policy := range []Policy{Strict, Lenient} {
		s := NewValidateStage(policy)
		marker := &record.Record{DecodeErr: errors.New("bad element"), RawFragment: []byte("x")}
		out, err := s.Process(context.Background(), []*record.Record{marker, validRecord(1)})
		if err != nil {
			t.Fatalf("%s: Process: %v", policy, err)
		}
		if len(out) != 1 || out[0].NaturalID != 1 {
			t.Fatalf("%s: marker survived: %+v", policy, out)
		}
		if s.DecodeFailures() != 1 {
			t.Fatalf("%s: DecodeFailures = %d", policy, s.DecodeFailures())
		}
	}
}

// TestValidateStage_Idempotent: validating an already validated batch
// changes nothing about the surviving records.
func TestValidateStage_Idempotent(t *testing.T) {
	s := NewValidateStage(Lenient)
	flawed := validRecord(2)
	flawed.Issues = []string{"issue"}
	in := []*record.Record{validRecord(1), flawed}

	once, err := s.Process(context.Background(), in)
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	twice, err := s.Process(context.Background(), once)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if len(twice) != len(once) {
		t.Fatalf("second pass changed survivor count: %d vs %d", len(twice), len(once))
	}
	for i := range once {
		if twice[i] != once[i] || twice[i].Degraded != once[i].Degraded {
			t.Fatalf("second pass mutated record %d", i)
		}
	}
}

// TestNewValidateStage_DefaultPolicy falls back to strict.
func TestNewValidateStage_DefaultPolicy(t *testing.T) {
	s := NewValidateStage("")
	if s.policy != Strict {
		t.Fatalf("default policy = %q", s.policy)
	}
}
