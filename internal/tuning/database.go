package tuning

import (
	"fmt"
	"sort"

	"github.com/23skdu/longbow-tunedb/internal/device"
)

const (
	// DefaultName is the device-name key of a rule's fallback parameters.
	DefaultName = "default"
	// DefaultVendor is the vendor of the universal rule.
	DefaultVendor = "default"
)

// DeviceRule holds the parameter sets of one vendor and device type, keyed by
// device name. Every rule carries a DefaultName entry.
type DeviceRule struct {
	Type    device.Type
	Vendor  string
	Devices map[string]ParameterSet
}

// IsUniversal reports whether r is the global fallback rule.
func (r DeviceRule) IsUniversal() bool {
	return r.Type == device.TypeAll && r.Vendor == DefaultVendor
}

func (r DeviceRule) matches(d device.Descriptor) bool {
	return !r.IsUniversal() && r.Type.Matches(d.Type) && r.Vendor == d.Vendor
}

func (r DeviceRule) clone() DeviceRule {
	devices := make(map[string]ParameterSet, len(r.Devices))
	for name, ps := range r.Devices {
		devices[name] = ps.Clone()
	}
	return DeviceRule{Type: r.Type, Vendor: r.Vendor, Devices: devices}
}

// DeviceNames returns the names in the rule, sorted, with DefaultName last.
func (r DeviceRule) DeviceNames() []string {
	names := make([]string, 0, len(r.Devices))
	for name := range r.Devices {
		if name != DefaultName {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if _, ok := r.Devices[DefaultName]; ok {
		names = append(names, DefaultName)
	}
	return names
}

// Key identifies one database entry.
type Key struct {
	Family    string
	Precision Precision
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.Family, k.Precision)
}

// Entry is the ordered rule list for one kernel family and precision.
type Entry struct {
	Family    string
	Precision Precision
	Rules     []DeviceRule
}

// Key returns the entry's lookup key.
func (e Entry) Key() Key {
	return Key{Family: e.Family, Precision: e.Precision}
}

func (e Entry) clone() Entry {
	rules := make([]DeviceRule, len(e.Rules))
	for i, r := range e.Rules {
		rules[i] = r.clone()
	}
	return Entry{Family: e.Family, Precision: e.Precision, Rules: rules}
}

// Universal returns the global fallback parameters of the entry.
func (e Entry) Universal() (ParameterSet, bool) {
	for _, r := range e.Rules {
		if !r.IsUniversal() {
			continue
		}
		if ps, ok := r.Devices[DefaultName]; ok {
			return ps, true
		}
	}
	return nil, false
}

func (e Entry) validate() error {
	if e.Family == "" {
		return fmt.Errorf("%w: empty kernel family", ErrInvalidEntry)
	}
	if !e.Precision.Valid() {
		return fmt.Errorf("%w: %s: unknown precision %d", ErrInvalidEntry, e.Family, int(e.Precision))
	}
	for i, r := range e.Rules {
		if _, ok := r.Devices[DefaultName]; !ok {
			return fmt.Errorf("%w: %s rule %d (%s %s) has no %q device", ErrInvalidEntry, e.Key(), i, r.Type, r.Vendor, DefaultName)
		}
		for name, ps := range r.Devices {
			if err := ps.validate(); err != nil {
				return fmt.Errorf("%w: %s %s %q: %v", ErrInvalidEntry, e.Key(), r.Vendor, name, err)
			}
		}
	}
	if _, ok := e.Universal(); !ok {
		return fmt.Errorf("%w: %s", ErrMissingDefaultEntry, e.Key())
	}
	return nil
}

// match applies the device, vendor and global tiers in that order. Rules are
// scanned in declaration order within each tier.
func (e Entry) match(d device.Descriptor) (ParameterSet, Tier, error) {
	if d.Name != DefaultName {
		for _, r := range e.Rules {
			if !r.matches(d) {
				continue
			}
			if ps, ok := r.Devices[d.Name]; ok {
				return ps, TierDevice, nil
			}
		}
	}
	for _, r := range e.Rules {
		if !r.matches(d) {
			continue
		}
		if ps, ok := r.Devices[DefaultName]; ok {
			return ps, TierVendor, nil
		}
	}
	if ps, ok := e.Universal(); ok {
		return ps, TierGlobal, nil
	}
	return nil, TierNone, fmt.Errorf("%w: %s", ErrMissingDefaultEntry, e.Key())
}

// Database is the immutable collection of tuning entries. It is safe for
// concurrent use.
type Database struct {
	entries  map[Key]Entry
	families map[string][]Precision
}

// NewDatabase validates and copies entries. Every entry must carry a universal
// rule with a default device, every rule a default device, and no key may
// appear twice.
func NewDatabase(entries ...Entry) (*Database, error) {
	db := &Database{
		entries:  make(map[Key]Entry, len(entries)),
		families: make(map[string][]Precision),
	}
	for _, e := range entries {
		if err := e.validate(); err != nil {
			return nil, err
		}
		key := e.Key()
		if _, dup := db.entries[key]; dup {
			return nil, fmt.Errorf("%w: duplicate entry %s", ErrInvalidEntry, key)
		}
		db.entries[key] = e.clone()
		db.families[e.Family] = append(db.families[e.Family], e.Precision)
	}
	for _, ps := range db.families {
		sort.Slice(ps, func(i, j int) bool { return ps[i] < ps[j] })
	}
	return db, nil
}

// Lookup returns the entry for family and precision.
func (db *Database) Lookup(family string, p Precision) (Entry, error) {
	if _, ok := db.families[family]; !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownKernelFamily, family)
	}
	e, ok := db.entries[Key{Family: family, Precision: p}]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s has no %s entry", ErrUnsupportedPrecision, family, p)
	}
	return e, nil
}

// Families returns the kernel families in sorted order.
func (db *Database) Families() []string {
	out := make([]string, 0, len(db.families))
	for f := range db.families {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Precisions returns the precisions available for family, ascending.
func (db *Database) Precisions(family string) []Precision {
	return append([]Precision(nil), db.families[family]...)
}

// Len returns the number of entries.
func (db *Database) Len() int {
	return len(db.entries)
}

// Entries returns deep copies of all entries ordered by family, then precision.
func (db *Database) Entries() []Entry {
	out := make([]Entry, 0, len(db.entries))
	for _, f := range db.Families() {
		for _, p := range db.families[f] {
			out = append(out, db.entries[Key{Family: f, Precision: p}].clone())
		}
	}
	return out
}
