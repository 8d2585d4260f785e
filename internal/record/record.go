// Package record defines the canonical in-memory representation of one
// source item/nano record. Every source shape (items export, nanos export)
// is normalized into Record before entering the pipeline; stages downstream
// of parse operate only on this shape.
package record

// Quality-level bounds for the target schema. Out-of-range inputs are
// clamped, not rejected.
const (
	MinQL = 1
	MaxQL = 500
)

// StrainStat is the stat id under which a nano's strain assignment is stored
// in the stat_values dimension table.
const StrainStat = 75

// StatValue is one (stat, value) pair carried by a record. The pair maps to
// a shared dimension row in the target store.
type StatValue struct {
	Stat  int
	Value int64
}

// Spell is one flattened spell entry from a record's spell groups.
type Spell struct {
	EventID int
	SpellID int
	Params  string // opaque JSON fragment, stored verbatim
}

// Action is one action block (use/wield requirements etc.).
type Action struct {
	ActionID int
	Criteria string // opaque JSON fragment, stored verbatim
}

// Record is the pipeline-internal canonical record.
//
// Lifecycle: created by the streaming reader (RawFields only, or a decode
// failure marker), populated by the parse stage, mutated by the correct
// stage (field overrides only), read-only for validate and write, discarded
// after its batch commits.
type Record struct {
	NaturalID    int64 // source system identifier (AOID); 0 until parsed
	Name         string
	SearchName   string // diacritic-folded lowercase name
	QualityLevel int
	IsNano       bool

	RawFields map[string]any // decoded source object, as delivered
	Stats     []StatValue
	Spells    []Spell
	Actions   []Action

	// CrystalIDs lists natural ids of crystal items that produce this nano.
	// Populated by the correct stage; written as relationship edges.
	CrystalIDs []int64

	// Issues lists structural problems found while parsing nested stat,
	// spell or action data. The validate stage decides whether an afflicted
	// record is dropped (strict) or kept degraded (lenient).
	Issues []string

	// Degraded marks a structurally suspect record kept under the lenient
	// validation policy.
	Degraded bool

	// DecodeErr is set by the reader when the source element could not be
	// decoded; RawFragment preserves the original bytes for reporting.
	DecodeErr   error
	RawFragment []byte
}

// ClampQL maps any quality level onto [MinQL, MaxQL].
func ClampQL(q int) int {
	if q < MinQL {
		return MinQL
	}
	if q > MaxQL {
		return MaxQL
	}
	return q
}

// DimensionKeys returns the (stat, value) dimension keys referenced by the
// record, including the strain assignment when present in Stats.
func (r *Record) DimensionKeys() []StatValue {
	keys := make([]StatValue, len(r.Stats))
	copy(keys, r.Stats)
	return keys
}
