// Package options defines the typed, defaulted parameter set handed to the
// engine for one run.
//
// Parsing never fails: a key that is missing, blank, unparsable, or outside
// its enumeration resolves to the documented default. Keys that are not in
// the table are ignored.
package options

import (
	"encoding/json"
	"fmt"
	"maps"
	"sort"
	"strconv"
	"strings"
)

// Kind is the value type of an option.
type Kind int

const (
	KindFloat Kind = iota
	KindInt
	KindEnum
)

func (k Kind) String() string {
	switch k {
	case KindFloat:
		return "float"
	case KindInt:
		return "int"
	case KindEnum:
		return "enum"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Definition documents one recognized option.
type Definition struct {
	Name    string
	Kind    Kind
	Default any // float64, int or string matching Kind
	Choices []string
}

// Definitions is the built-in option table.
var Definitions = []Definition{
	{Name: "readout", Kind: KindEnum, Default: "unipolar", Choices: []string{"unipolar", "bipolar"}},
	{Name: "ph_unwrap", Kind: KindEnum, Default: "bestpath", Choices: []string{"bestpath", "laplacian"}},
	{Name: "bkg_rm", Kind: KindEnum, Default: "pdf", Choices: []string{"pdf", "lbv", "resharp", "vsharp"}},
	{Name: "fit_thr", Kind: KindFloat, Default: 40.0},
	{Name: "bet_thr", Kind: KindFloat, Default: 0.4},
	{Name: "bet_smooth", Kind: KindFloat, Default: 2.0},
	{Name: "t_svd", Kind: KindFloat, Default: 0.1},
	{Name: "smv_rad", Kind: KindFloat, Default: 3.0},
	{Name: "tik_reg", Kind: KindFloat, Default: 1e-3},
	{Name: "cgs_num", Kind: KindInt, Default: 500},
	{Name: "lbv_peel", Kind: KindInt, Default: 2},
	{Name: "lbv_tol", Kind: KindFloat, Default: 0.01},
	{Name: "tv_reg", Kind: KindFloat, Default: 5e-4},
	{Name: "inv_num", Kind: KindInt, Default: 500},
}

// Table is an option table with possibly overridden defaults.
type Table struct {
	defs []Definition
}

// NewTable returns the built-in table with defaults replaced by overrides.
// Unlike Parse, overrides are strict: an unknown key or a value that does not
// parse is an error, since it comes from operator configuration.
func NewTable(overrides map[string]string) (*Table, error) {
	defs := make([]Definition, len(Definitions))
	copy(defs, Definitions)

	index := make(map[string]int, len(defs))
	for i, d := range defs {
		index[d.Name] = i
	}

	names := make([]string, 0, len(overrides))
	for name := range overrides {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		i, ok := index[name]
		if !ok {
			return nil, fmt.Errorf("unknown option %q", name)
		}
		v, ok := coerce(defs[i], overrides[name])
		if !ok {
			return nil, fmt.Errorf("option %q: cannot use %q as %s", name, overrides[name], defs[i].Kind)
		}
		defs[i].Default = v
	}
	return &Table{defs: defs}, nil
}

// DefaultTable returns the built-in table.
func DefaultTable() *Table {
	t, _ := NewTable(nil)
	return t
}

// Definitions returns a copy of the table's definitions in table order.
func (t *Table) Definitions() []Definition {
	out := make([]Definition, len(t.defs))
	copy(out, t.defs)
	return out
}

// Parse resolves raw form values into a Set.
func (t *Table) Parse(raw map[string]string) Set {
	values := make(map[string]any, len(t.defs))
	for _, d := range t.defs {
		values[d.Name] = d.Default
		s, ok := raw[d.Name]
		if !ok {
			continue
		}
		if v, ok := coerce(d, s); ok {
			values[d.Name] = v
		}
	}
	return Set{values: values}
}

// Parse resolves raw values against the built-in table.
func Parse(raw map[string]string) Set {
	return DefaultTable().Parse(raw)
}

func coerce(d Definition, raw string) (any, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, false
	}
	switch d.Kind {
	case KindFloat:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, false
		}
		return f, true
	case KindInt:
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, false
		}
		return n, true
	case KindEnum:
		for _, c := range d.Choices {
			if strings.EqualFold(c, s) {
				return c, true
			}
		}
		return nil, false
	default:
		return nil, false
	}
}

// Set is an immutable resolved option mapping. The zero value is empty.
type Set struct {
	values map[string]any
}

// Get returns the value for name.
func (s Set) Get(name string) (any, bool) {
	v, ok := s.values[name]
	return v, ok
}

// Float returns a float option, or 0 if absent or of another kind.
func (s Set) Float(name string) float64 {
	f, _ := s.values[name].(float64)
	return f
}

// Int returns an int option, or 0 if absent or of another kind.
func (s Set) Int(name string) int {
	n, _ := s.values[name].(int)
	return n
}

// String returns an enum option, or "" if absent or of another kind.
func (s Set) String(name string) string {
	v, _ := s.values[name].(string)
	return v
}

// Len reports the number of resolved options.
func (s Set) Len() int { return len(s.values) }

// Map returns a copy of the values.
func (s Set) Map() map[string]any {
	return maps.Clone(s.values)
}

// MarshalJSON encodes the set as a flat JSON object with sorted keys.
func (s Set) MarshalJSON() ([]byte, error) {
	if s.values == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(s.values)
}

// UnmarshalJSON decodes a flat object, restoring int-kind options as ints.
func (s *Set) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	kinds := make(map[string]Kind, len(Definitions))
	for _, d := range Definitions {
		kinds[d.Name] = d.Kind
	}
	values := make(map[string]any, len(raw))
	for k, v := range raw {
		if f, ok := v.(float64); ok && kinds[k] == KindInt {
			values[k] = int(f)
			continue
		}
		values[k] = v
	}
	s.values = values
	return nil
}
