package record

import "testing"

// TestClampQL verifies the quality-level bounds: in-range values are
// untouched, out-of-range values land on the nearest bound.
func TestClampQL(t *testing.T) {
	cases := []struct {
		name string
		in   int
		want int
	}{
		{"in_range", 250, 250},
		{"lower_bound", 1, 1},
		{"upper_bound", 500, 500},
		{"below_range", 0, 1},
		{"negative", -37, 1},
		{"above_range", 600, 500},
		{"far_above", 100000, 500},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClampQL(tc.in); got != tc.want {
				t.Fatalf("ClampQL(%d) = %d, want %d", tc.in, got, tc.want)
			}
		})
	}
}

// TestClampQL_Idempotent: clamping twice equals clamping once.
func TestClampQL_Idempotent(t *testing.T) {
	for _, q := range []int{-10, 0, 1, 250, 500, 501, 9999} {
		once := ClampQL(q)
		if twice := ClampQL(once); twice != once {
			t.Fatalf("ClampQL not idempotent at %d: %d then %d", q, once, twice)
		}
	}
}

// TestDimensionKeys_Copies ensures the returned slice is a copy, so cache
// code can sort or dedupe it without mutating the record.
func TestDimensionKeys_Copies(t *testing.T) {
	r := &Record{Stats: []StatValue{{Stat: 1, Value: 10}, {Stat: StrainStat, Value: 3}}}
	keys := r.DimensionKeys()
	if len(keys) != 2 {
		t.Fatalf("want 2 keys, got %d", len(keys))
	}
	keys[0] = StatValue{Stat: 99, Value: 99}
	if r.Stats[0].Stat != 1 {
		t.Fatalf("DimensionKeys aliases the record's Stats slice")
	}
}
