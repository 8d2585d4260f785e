// Package corrections loads the nano corrections CSV and exposes it as an
// immutable overlay: point lookups by nano id plus a reverse index from
// crystal id to the nanos that name it. The overlay is built once before the
// main pipeline runs; stages hold only a read reference.
package corrections

import (
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
)

// Correction is one row of the corrections file. Overrides are absolute
// assignments: a nil field means "no override", never "set to zero".
type Correction struct {
	NanoID     int64
	QL         *int
	StrainID   *int
	CrystalIDs []int64
}

// Overlay is the immutable correction set.
type Overlay struct {
	byNano    map[int64]*Correction
	byCrystal map[int64][]int64 // crystal id -> nano ids naming it

	// SkippedRows counts malformed rows dropped during load.
	SkippedRows int
}

// Load reads a corrections CSV from path. The file must have a header with a
// nano_id column; ql, strain_id and crystal_ids (semicolon-separated) are
// optional. An unreadable or header-less file is fatal; a malformed row
// within an otherwise valid file is skipped and counted.
func Load(path string) (*Overlay, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("corrections: open %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads corrections CSV content from r. See Load.
func Parse(r io.Reader) (*Overlay, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("corrections: read header: %w", err)
	}

	idx := map[string]int{}
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	idIdx, ok := idx["nano_id"]
	if !ok {
		// Accept the generic column name used by older correction exports.
		if idIdx, ok = idx["id"]; !ok {
			return nil, fmt.Errorf("corrections: header lacks nano_id column (got %v)", header)
		}
	}
	qlIdx, hasQL := idx["ql"]
	strainIdx, hasStrain := idx["strain_id"]
	crystalIdx, hasCrystal := idx["crystal_ids"]

	o := &Overlay{
		byNano:    map[int64]*Correction{},
		byCrystal: map[int64][]int64{},
	}

	line := 1
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			// Malformed row, not a malformed file: skip and count.
			o.SkippedRows++
			log.Printf("corrections: line=%d skipped: %v", line, err)
			continue
		}

		field := func(i int) string {
			if i < len(row) {
				return strings.TrimSpace(row[i])
			}
			return ""
		}

		id, err := strconv.ParseInt(field(idIdx), 10, 64)
		if err != nil || id == 0 {
			o.SkippedRows++
			log.Printf("corrections: line=%d skipped: bad nano_id %q", line, field(idIdx))
			continue
		}

		c := &Correction{NanoID: id}
		bad := false
		if hasQL {
			if s := field(qlIdx); s != "" {
				ql, err := strconv.Atoi(s)
				if err != nil {
					bad = true
				} else {
					c.QL = &ql
				}
			}
		}
		if !bad && hasStrain {
			if s := field(strainIdx); s != "" {
				strain, err := strconv.Atoi(s)
				if err != nil {
					bad = true
				} else {
					c.StrainID = &strain
				}
			}
		}
		if !bad && hasCrystal {
			if s := field(crystalIdx); s != "" {
				for _, part := range strings.Split(s, ";") {
					part = strings.TrimSpace(part)
					if part == "" {
						continue
					}
					cid, err := strconv.ParseInt(part, 10, 64)
					if err != nil {
						bad = true
						break
					}
					c.CrystalIDs = append(c.CrystalIDs, cid)
				}
			}
		}
		if bad {
			o.SkippedRows++
			log.Printf("corrections: line=%d skipped: unparseable numeric field", line)
			continue
		}

		o.byNano[c.NanoID] = c
		for _, cid := range c.CrystalIDs {
			o.byCrystal[cid] = append(o.byCrystal[cid], c.NanoID)
		}
	}

	return o, nil
}

// Get returns the correction for a nano id, or nil when none exists.
func (o *Overlay) Get(nanoID int64) *Correction {
	if o == nil {
		return nil
	}
	return o.byNano[nanoID]
}

// Reverse returns the nano ids whose corrections name crystalID.
func (o *Overlay) Reverse(crystalID int64) []int64 {
	if o == nil {
		return nil
	}
	return o.byCrystal[crystalID]
}

// Len reports the number of loaded corrections.
func (o *Overlay) Len() int {
	if o == nil {
		return 0
	}
	return len(o.byNano)
}
