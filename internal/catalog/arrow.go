package catalog

import (
	"fmt"
	"sort"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-tunedb/internal/device"
	"github.com/23skdu/longbow-tunedb/internal/tuning"
)

// Schema is the flat export layout: one row per parameter of every device
// entry. "rule" is the rule's position within its entry so the precedence
// order survives a round trip.
var Schema = arrow.NewSchema(
	[]arrow.Field{
		{Name: "family", Type: arrow.BinaryTypes.String},
		{Name: "precision", Type: arrow.BinaryTypes.String},
		{Name: "rule", Type: arrow.PrimitiveTypes.Int32},
		{Name: "device_type", Type: arrow.BinaryTypes.String},
		{Name: "vendor", Type: arrow.BinaryTypes.String},
		{Name: "device", Type: arrow.BinaryTypes.String},
		{Name: "parameter", Type: arrow.BinaryTypes.String},
		{Name: "value", Type: arrow.PrimitiveTypes.Int64},
	},
	nil,
)

// ToRecord flattens db into a single record batch. The caller releases it.
func ToRecord(db *tuning.Database, mem memory.Allocator) arrow.RecordBatch {
	familyB := array.NewStringBuilder(mem)
	defer familyB.Release()
	precisionB := array.NewStringBuilder(mem)
	defer precisionB.Release()
	ruleB := array.NewInt32Builder(mem)
	defer ruleB.Release()
	typeB := array.NewStringBuilder(mem)
	defer typeB.Release()
	vendorB := array.NewStringBuilder(mem)
	defer vendorB.Release()
	deviceB := array.NewStringBuilder(mem)
	defer deviceB.Release()
	paramB := array.NewStringBuilder(mem)
	defer paramB.Release()
	valueB := array.NewInt64Builder(mem)
	defer valueB.Release()

	rows := 0
	for _, e := range db.Entries() {
		for i, r := range e.Rules {
			for _, name := range r.DeviceNames() {
				ps := r.Devices[name]
				for _, param := range ps.Names() {
					familyB.Append(e.Family)
					precisionB.Append(e.Precision.String())
					ruleB.Append(int32(i))
					typeB.Append(r.Type.String())
					vendorB.Append(r.Vendor)
					deviceB.Append(name)
					paramB.Append(param)
					valueB.Append(int64(ps[param]))
					rows++
				}
			}
		}
	}

	builders := []array.Builder{familyB, precisionB, ruleB, typeB, vendorB, deviceB, paramB, valueB}
	cols := make([]arrow.Array, len(builders))
	for i, b := range builders {
		cols[i] = b.NewArray()
	}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()

	return array.NewRecordBatch(Schema, cols, int64(rows))
}

type ruleKey struct {
	key  tuning.Key
	rule int
}

// FromRecords rebuilds a database from batches in the Schema layout.
func FromRecords(recs ...arrow.RecordBatch) (*tuning.Database, error) {
	rules := make(map[ruleKey]*tuning.DeviceRule)
	counts := make(map[tuning.Key]int)
	var order []tuning.Key

	for _, rec := range recs {
		cols, err := columns(rec)
		if err != nil {
			return nil, err
		}
		for row := 0; row < int(rec.NumRows()); row++ {
			p, err := tuning.ParsePrecision(cols.precision.Value(row))
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", row, err)
			}
			typ, err := device.ParseType(cols.typ.Value(row))
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", row, err)
			}
			key := tuning.Key{Family: cols.family.Value(row), Precision: p}
			idx := int(cols.rule.Value(row))
			if idx < 0 {
				return nil, fmt.Errorf("row %d: negative rule index", row)
			}
			if _, seen := counts[key]; !seen {
				order = append(order, key)
			}
			if idx+1 > counts[key] {
				counts[key] = idx + 1
			}

			rk := ruleKey{key: key, rule: idx}
			r, ok := rules[rk]
			if !ok {
				r = &tuning.DeviceRule{Type: typ, Vendor: cols.vendor.Value(row), Devices: make(map[string]tuning.ParameterSet)}
				rules[rk] = r
			} else if r.Type != typ || r.Vendor != cols.vendor.Value(row) {
				return nil, fmt.Errorf("row %d: rule %d of %s changes vendor or type", row, idx, key)
			}

			name := cols.device.Value(row)
			if r.Devices[name] == nil {
				r.Devices[name] = make(tuning.ParameterSet)
			}
			r.Devices[name][cols.param.Value(row)] = int(cols.value.Value(row))
		}
	}

	sort.Slice(order, func(i, j int) bool {
		if order[i].Family != order[j].Family {
			return order[i].Family < order[j].Family
		}
		return order[i].Precision < order[j].Precision
	})

	entries := make([]tuning.Entry, 0, len(order))
	for _, key := range order {
		e := tuning.Entry{Family: key.Family, Precision: key.Precision}
		for i := 0; i < counts[key]; i++ {
			r, ok := rules[ruleKey{key: key, rule: i}]
			if !ok {
				return nil, fmt.Errorf("%s: rule %d missing from export", key, i)
			}
			e.Rules = append(e.Rules, *r)
		}
		entries = append(entries, e)
	}
	return tuning.NewDatabase(entries...)
}

type exportColumns struct {
	family, precision, typ, vendor, device, param *array.String
	rule                                          *array.Int32
	value                                         *array.Int64
}

func columns(rec arrow.RecordBatch) (exportColumns, error) {
	var cols exportColumns
	str := func(name string) (*array.String, error) {
		idx := rec.Schema().FieldIndices(name)
		if len(idx) == 0 {
			return nil, fmt.Errorf("export is missing column %q", name)
		}
		a, ok := rec.Column(idx[0]).(*array.String)
		if !ok {
			return nil, fmt.Errorf("column %q is not a string column", name)
		}
		return a, nil
	}

	var err error
	if cols.family, err = str("family"); err != nil {
		return cols, err
	}
	if cols.precision, err = str("precision"); err != nil {
		return cols, err
	}
	if cols.typ, err = str("device_type"); err != nil {
		return cols, err
	}
	if cols.vendor, err = str("vendor"); err != nil {
		return cols, err
	}
	if cols.device, err = str("device"); err != nil {
		return cols, err
	}
	if cols.param, err = str("parameter"); err != nil {
		return cols, err
	}

	idx := rec.Schema().FieldIndices("rule")
	if len(idx) == 0 {
		return cols, fmt.Errorf("export is missing column %q", "rule")
	}
	var ok bool
	if cols.rule, ok = rec.Column(idx[0]).(*array.Int32); !ok {
		return cols, fmt.Errorf("column %q is not int32", "rule")
	}
	idx = rec.Schema().FieldIndices("value")
	if len(idx) == 0 {
		return cols, fmt.Errorf("export is missing column %q", "value")
	}
	if cols.value, ok = rec.Column(idx[0]).(*array.Int64); !ok {
		return cols, fmt.Errorf("column %q is not int64", "value")
	}
	return cols, nil
}
