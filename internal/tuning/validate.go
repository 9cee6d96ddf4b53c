package tuning

import (
	"fmt"
)

// Validator inspects an override before it is stored and returns human
// readable diagnostics. Diagnostics are logged as warnings; the override is
// stored regardless.
type Validator func(db *Database, key OverrideKey, set ParameterSet) []string

// CheckParameterNames reports override parameters that do not appear in the
// family's universal default set. When the precision is missing from the
// database any precision of the family is used as the reference.
func CheckParameterNames(db *Database, key OverrideKey, set ParameterSet) []string {
	ref, ok := referenceSet(db, key.Family, key.Precision)
	if !ok {
		return []string{fmt.Sprintf("kernel family %s is not in the database", key.Family)}
	}

	var warnings []string
	for _, name := range set.Names() {
		if _, known := ref[name]; !known {
			warnings = append(warnings, fmt.Sprintf("parameter %s is not used by %s", name, key.Family))
		}
	}
	for _, name := range ref.Names() {
		if _, given := set[name]; !given {
			warnings = append(warnings, fmt.Sprintf("parameter %s of %s is not set by the override", name, key.Family))
		}
	}
	return warnings
}

func referenceSet(db *Database, family string, p Precision) (ParameterSet, bool) {
	if e, err := db.Lookup(family, p); err == nil {
		return e.Universal()
	}
	for _, other := range db.Precisions(family) {
		if e, err := db.Lookup(family, other); err == nil {
			return e.Universal()
		}
	}
	return nil, false
}
