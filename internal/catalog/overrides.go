package catalog

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/23skdu/longbow-tunedb/internal/device"
	"github.com/23skdu/longbow-tunedb/internal/tuning"
)

// overridesFile is the layout of a start-up overrides file:
//
//	overrides:
//	  - device: {name: GeForce GTX 1080, vendor: NVIDIA, type: GPU}
//	    family: Xgemm
//	    precision: single
//	    parameters: {KWG: 32, KWI: 2, MDIMA: 8, ...}
type overridesFile struct {
	Overrides []overrideDoc `yaml:"overrides"`
}

type overrideDoc struct {
	Device     deviceDoc      `yaml:"device"`
	Family     string         `yaml:"family"`
	Precision  string         `yaml:"precision"`
	Parameters map[string]int `yaml:"parameters"`
}

type deviceDoc struct {
	Name   string `yaml:"name"`
	Vendor string `yaml:"vendor"`
	Type   string `yaml:"type"`
}

// DecodeOverrides parses an overrides file.
func DecodeOverrides(r io.Reader) ([]tuning.Override, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc overridesFile
	if err := dec.Decode(&doc); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to decode overrides: %w", err)
	}

	out := make([]tuning.Override, 0, len(doc.Overrides))
	for i, od := range doc.Overrides {
		if od.Family == "" {
			return nil, fmt.Errorf("override %d: missing family", i)
		}
		p, err := tuning.ParsePrecision(od.Precision)
		if err != nil {
			return nil, fmt.Errorf("override %d: %w", i, err)
		}
		typ, err := device.ParseType(od.Device.Type)
		if err != nil {
			return nil, fmt.Errorf("override %d: %w", i, err)
		}
		if len(od.Parameters) == 0 {
			return nil, fmt.Errorf("override %d: no parameters", i)
		}
		ps := tuning.ParameterSet(od.Parameters)
		for name, v := range ps {
			if v < 0 {
				return nil, fmt.Errorf("override %d: parameter %s is negative (%d)", i, name, v)
			}
		}
		d := device.Descriptor{Name: od.Device.Name, Vendor: od.Device.Vendor, Type: typ}
		out = append(out, tuning.Override{
			OverrideKey: tuning.OverrideKey{Device: d.Normalize(), Family: od.Family, Precision: p},
			Parameters:  ps,
		})
	}
	return out, nil
}

// LoadOverrides reads an overrides file from disk.
func LoadOverrides(path string) ([]tuning.Override, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return DecodeOverrides(f)
}

// ApplyOverrides installs every override on r.
func ApplyOverrides(r *tuning.Resolver, overrides []tuning.Override) {
	for _, o := range overrides {
		r.SetOverride(o.Device, o.Family, o.Precision, o.Parameters)
	}
}
