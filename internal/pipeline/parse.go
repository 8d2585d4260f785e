package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"itemdb/internal/record"
)

// Field-name aliases accepted by the parse stage. The items and nanos
// exports disagree on casing and on a few names; both decode to the same
// canonical shape.
var (
	aliasID   = []string{"AOID", "aoid", "ID", "id"}
	aliasName = []string{"Name", "name"}
	aliasQL   = []string{"QL", "ql", "QualityLevel", "quality_level"}
)

// ParseStage maps raw source fields into the canonical record shape and
// applies structural defaults: quality levels are clamped to [1,500], and a
// record missing a natural id or a non-empty name is dropped and counted as
// invalid. Decode-failure markers pass through untouched for the validate
// stage to report.
type ParseStage struct {
	processed atomic.Int64
	dropped   atomic.Int64
	invalid   atomic.Int64
}

func NewParseStage() *ParseStage { return &ParseStage{} }

func (s *ParseStage) Name() string                       { return "parse" }
func (s *ParseStage) Setup(ctx context.Context) error    { return nil }
func (s *ParseStage) Teardown(ctx context.Context) error { return nil }

func (s *ParseStage) Stats() Stats {
	return Stats{
		Processed: s.processed.Load(),
		Dropped:   s.dropped.Load(),
		Invalid:   s.invalid.Load(),
	}
}

func (s *ParseStage) Process(ctx context.Context, batch []*record.Record) ([]*record.Record, error) {
	out := make([]*record.Record, 0, len(batch))
	for _, r := range batch {
		s.processed.Add(1)
		if r.DecodeErr != nil {
			out = append(out, r)
			continue
		}
		parseOne(r)
		if r.NaturalID == 0 || r.Name == "" {
			s.dropped.Add(1)
			s.invalid.Add(1)
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// parseOne fills the canonical fields of r from r.RawFields. Nested
// stat/spell/action problems are appended to r.Issues; the validate stage
// decides their fate.
func parseOne(r *record.Record) {
	raw := r.RawFields

	if v, ok := lookupInt(raw, aliasID...); ok {
		r.NaturalID = v
	}
	if v, ok := lookupString(raw, aliasName...); ok {
		r.Name = strings.TrimSpace(v)
	}
	r.SearchName = foldName(r.Name)

	ql := 0
	if v, ok := lookupInt(raw, aliasQL...); ok {
		ql = int(v)
	}
	r.QualityLevel = record.ClampQL(ql)

	r.IsNano = parseIsNano(raw)
	r.Stats = parseStats(r, raw)
	r.Spells = parseSpells(r, raw)
	r.Actions = parseActions(r, raw)
}

func parseIsNano(raw map[string]any) bool {
	if s, ok := lookupString(raw, "ItemType", "item_type", "Type", "type"); ok {
		return strings.EqualFold(strings.TrimSpace(s), "nano")
	}
	for _, k := range []string{"IsNano", "is_nano"} {
		if b, ok := raw[k].(bool); ok {
			return b
		}
	}
	return false
}

func parseStats(r *record.Record, raw map[string]any) []record.StatValue {
	list, ok := lookupSlice(raw, "StatValues", "stat_values", "Stats", "stats")
	if !ok {
		return nil
	}
	out := make([]record.StatValue, 0, len(list))
	for i, elem := range list {
		m, ok := elem.(map[string]any)
		if !ok {
			r.Issues = append(r.Issues, fmt.Sprintf("stat[%d]: not an object", i))
			continue
		}
		stat, okS := lookupInt(m, "Stat", "stat")
		val, okV := lookupInt(m, "RawValue", "raw_value", "Value", "value")
		if !okS || !okV {
			r.Issues = append(r.Issues, fmt.Sprintf("stat[%d]: missing stat/value", i))
			continue
		}
		out = append(out, record.StatValue{Stat: int(stat), Value: val})
	}
	return out
}

func parseSpells(r *record.Record, raw map[string]any) []record.Spell {
	groups, ok := lookupSlice(raw, "SpellData", "spell_data")
	if !ok {
		return nil
	}
	var out []record.Spell
	for gi, g := range groups {
		gm, ok := g.(map[string]any)
		if !ok {
			r.Issues = append(r.Issues, fmt.Sprintf("spell_data[%d]: not an object", gi))
			continue
		}
		event, _ := lookupInt(gm, "Event", "event")
		items, ok := lookupSlice(gm, "Items", "items", "Spells", "spells")
		if !ok {
			r.Issues = append(r.Issues, fmt.Sprintf("spell_data[%d]: no spell list", gi))
			continue
		}
		for si, it := range items {
			im, ok := it.(map[string]any)
			if !ok {
				r.Issues = append(r.Issues, fmt.Sprintf("spell_data[%d].items[%d]: not an object", gi, si))
				continue
			}
			spellID, _ := lookupInt(im, "SpellID", "spell_id", "Spell", "spell")
			params, err := json.Marshal(im)
			if err != nil {
				r.Issues = append(r.Issues, fmt.Sprintf("spell_data[%d].items[%d]: %v", gi, si, err))
				continue
			}
			out = append(out, record.Spell{
				EventID: int(event),
				SpellID: int(spellID),
				Params:  string(params),
			})
		}
	}
	return out
}

func parseActions(r *record.Record, raw map[string]any) []record.Action {
	list, ok := lookupSlice(raw, "ActionData", "Actions", "actions")
	if !ok {
		return nil
	}
	out := make([]record.Action, 0, len(list))
	for i, elem := range list {
		m, ok := elem.(map[string]any)
		if !ok {
			r.Issues = append(r.Issues, fmt.Sprintf("action[%d]: not an object", i))
			continue
		}
		actionID, okA := lookupInt(m, "Action", "action", "ActionID", "action_id")
		if !okA {
			r.Issues = append(r.Issues, fmt.Sprintf("action[%d]: missing action id", i))
			continue
		}
		criteria := "[]"
		if c, ok := lookupAny(m, "Criteria", "criteria"); ok {
			b, err := json.Marshal(c)
			if err != nil {
				r.Issues = append(r.Issues, fmt.Sprintf("action[%d]: %v", i, err))
				continue
			}
			criteria = string(b)
		}
		out = append(out, record.Action{ActionID: int(actionID), Criteria: criteria})
	}
	return out
}

// foldName lowercases a display name and strips diacritics so lookups like
// "Perfected Ofab" match regardless of source accenting.
func foldName(name string) string {
	if name == "" {
		return ""
	}
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, name)
	if err != nil {
		folded = name
	}
	return strings.ToLower(folded)
}

// --- raw field lookup helpers -----------------------------------------------

func lookupAny(m map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func lookupString(m map[string]any, keys ...string) (string, bool) {
	v, ok := lookupAny(m, keys...)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// lookupInt accepts JSON numbers (float64), native ints, and digit strings.
func lookupInt(m map[string]any, keys ...string) (int64, bool) {
	v, ok := lookupAny(m, keys...)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return i, err == nil
	}
	return 0, false
}

func lookupSlice(m map[string]any, keys ...string) ([]any, bool) {
	v, ok := lookupAny(m, keys...)
	if !ok {
		return nil, false
	}
	s, ok := v.([]any)
	return s, ok
}
