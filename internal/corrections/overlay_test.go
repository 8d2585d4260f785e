package corrections

import (
	"strings"
	"testing"
)

// TestParse_FullRow decodes every supported column, including the
// semicolon-separated crystal list.
func TestParse_FullRow(t *testing.T) {
	csv := "nano_id,ql,strain_id,crystal_ids\n" +
		"2,150,75,1001;1002\n"
	o, err := Parse(strings.NewReader(csv))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if o.Len() != 1 || o.SkippedRows != 0 {
		t.Fatalf("len=%d skipped=%d", o.Len(), o.SkippedRows)
	}
	c := o.Get(2)
	if c == nil {
		t.Fatalf("Get(2) = nil")
	}
	if c.QL == nil || *c.QL != 150 {
		t.Fatalf("QL = %v", c.QL)
	}
	if c.StrainID == nil || *c.StrainID != 75 {
		t.Fatalf("StrainID = %v", c.StrainID)
	}
	if len(c.CrystalIDs) != 2 || c.CrystalIDs[0] != 1001 || c.CrystalIDs[1] != 1002 {
		t.Fatalf("CrystalIDs = %v", c.CrystalIDs)
	}
}

// TestParse_EmptyFieldsMeanNoOverride: an empty cell yields a nil override,
// never a zero assignment.
func TestParse_EmptyFieldsMeanNoOverride(t *testing.T) {
	o, err := Parse(strings.NewReader("nano_id,ql,strain_id,crystal_ids\n7,,,\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	c := o.Get(7)
	if c == nil {
		t.Fatalf("Get(7) = nil")
	}
	if c.QL != nil || c.StrainID != nil || len(c.CrystalIDs) != 0 {
		t.Fatalf("empty cells produced overrides: %+v", c)
	}
}

// TestParse_ReverseIndex maps crystal ids back to the nanos naming them.
func TestParse_ReverseIndex(t *testing.T) {
	csv := "nano_id,crystal_ids\n" +
		"2,1001;1002\n" +
		"3,1001\n"
	o, err := Parse(strings.NewReader(csv))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	nanos := o.Reverse(1001)
	if len(nanos) != 2 {
		t.Fatalf("Reverse(1001) = %v", nanos)
	}
	if got := o.Reverse(9999); got != nil {
		t.Fatalf("Reverse(9999) = %v, want nil", got)
	}
}

// TestParse_MalformedRowsSkipped: bad rows are dropped and counted, good
// rows around them survive.
func TestParse_MalformedRowsSkipped(t *testing.T) {
	csv := "nano_id,ql\n" +
		"2,150\n" +
		"not_a_number,10\n" +
		"4,banana\n" +
		"5,200\n"
	o, err := Parse(strings.NewReader(csv))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if o.Len() != 2 {
		t.Fatalf("len = %d, want 2", o.Len())
	}
	if o.SkippedRows != 2 {
		t.Fatalf("SkippedRows = %d, want 2", o.SkippedRows)
	}
	if o.Get(2) == nil || o.Get(5) == nil {
		t.Fatalf("valid rows lost")
	}
}

// TestParse_MissingIDColumnFatal: a header without a usable id column fails
// the whole load.
func TestParse_MissingIDColumnFatal(t *testing.T) {
	if _, err := Parse(strings.NewReader("ql,strain_id\n150,75\n")); err == nil {
		t.Fatalf("want error for missing nano_id column")
	}
}

// TestParse_GenericIDColumn accepts "id" as the id column name.
func TestParse_GenericIDColumn(t *testing.T) {
	o, err := Parse(strings.NewReader("id,ql\n11,90\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if o.Get(11) == nil {
		t.Fatalf("generic id column not honored")
	}
}

// TestOverlay_NilSafe: a nil overlay behaves as "no corrections".
func TestOverlay_NilSafe(t *testing.T) {
	var o *Overlay
	if o.Get(1) != nil || o.Reverse(1) != nil || o.Len() != 0 {
		t.Fatalf("nil overlay not inert")
	}
}
