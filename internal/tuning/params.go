package tuning

import (
	"fmt"
	"sort"
	"strings"
)

// ParameterSet maps tuning parameter names (MWG, VWM, WGS, ...) to their
// values. Values are non-negative; flags are stored as 0 or 1.
type ParameterSet map[string]int

// Clone returns an independent copy. A nil set clones to nil.
func (p ParameterSet) Clone() ParameterSet {
	if p == nil {
		return nil
	}
	out := make(ParameterSet, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Names returns the parameter names in sorted order.
func (p ParameterSet) Names() []string {
	names := make([]string, 0, len(p))
	for k := range p {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Equal reports whether both sets hold the same names and values.
func (p ParameterSet) Equal(other ParameterSet) bool {
	if len(p) != len(other) {
		return false
	}
	for k, v := range p {
		if ov, ok := other[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

func (p ParameterSet) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, name := range p.Names() {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s:%d", name, p[name])
	}
	sb.WriteByte('}')
	return sb.String()
}

func (p ParameterSet) validate() error {
	for name, v := range p {
		if name == "" {
			return fmt.Errorf("empty parameter name")
		}
		if v < 0 {
			return fmt.Errorf("parameter %s is negative (%d)", name, v)
		}
	}
	return nil
}
