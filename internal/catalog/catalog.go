package catalog

import (
	"embed"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/23skdu/longbow-tunedb/internal/device"
	"github.com/23skdu/longbow-tunedb/internal/tuning"
)

//go:embed kernels/*.yaml
var builtin embed.FS

// familyFile is the on-disk layout of one kernel family.
type familyFile struct {
	Family  string     `yaml:"family"`
	Entries []entryDoc `yaml:"entries"`
}

type entryDoc struct {
	Precision string    `yaml:"precision"`
	Rules     []ruleDoc `yaml:"rules"`
}

type ruleDoc struct {
	Type    string                    `yaml:"type"`
	Vendor  string                    `yaml:"vendor"`
	Devices map[string]map[string]int `yaml:"devices"`
}

// Builtin returns the database compiled into the binary.
func Builtin() (*tuning.Database, error) {
	sub, err := fs.Sub(builtin, "kernels")
	if err != nil {
		return nil, err
	}
	return Load(sub)
}

// MustBuiltin is Builtin for process start-up, where a malformed embedded
// table is a build defect.
func MustBuiltin() *tuning.Database {
	db, err := Builtin()
	if err != nil {
		panic(fmt.Sprintf("embedded tuning catalog: %v", err))
	}
	return db
}

// LoadDir reads every *.yaml file in dir.
func LoadDir(dir string) (*tuning.Database, error) {
	return Load(os.DirFS(dir))
}

// Load reads every *.yaml file at the root of fsys, in name order, and builds
// a validated database from them.
func Load(fsys fs.FS) (*tuning.Database, error) {
	names, err := fs.Glob(fsys, "*.yaml")
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no catalog files found")
	}
	sort.Strings(names)

	var entries []tuning.Entry
	for _, name := range names {
		f, err := fsys.Open(name)
		if err != nil {
			return nil, err
		}
		fileEntries, err := Decode(f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path.Base(name), err)
		}
		entries = append(entries, fileEntries...)
	}

	return tuning.NewDatabase(entries...)
}

// Decode parses one family file. Unknown keys are rejected.
func Decode(r io.Reader) ([]tuning.Entry, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc familyFile
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}
	if doc.Family == "" {
		return nil, fmt.Errorf("catalog file has no family")
	}

	entries := make([]tuning.Entry, 0, len(doc.Entries))
	for _, ed := range doc.Entries {
		p, err := tuning.ParsePrecision(ed.Precision)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", doc.Family, err)
		}

		rules := make([]tuning.DeviceRule, 0, len(ed.Rules))
		for i, rd := range ed.Rules {
			if rd.Type == "" {
				return nil, fmt.Errorf("%s/%s: rule %d has no type", doc.Family, p, i)
			}
			typ, err := device.ParseType(rd.Type)
			if err != nil {
				return nil, fmt.Errorf("%s/%s: %w", doc.Family, p, err)
			}
			devices := make(map[string]tuning.ParameterSet, len(rd.Devices))
			for name, params := range rd.Devices {
				devices[name] = tuning.ParameterSet(params)
			}
			rules = append(rules, tuning.DeviceRule{Type: typ, Vendor: rd.Vendor, Devices: devices})
		}

		entries = append(entries, tuning.Entry{Family: doc.Family, Precision: p, Rules: rules})
	}
	return entries, nil
}

// Encode writes the entries of one family in the layout Decode reads.
func Encode(w io.Writer, family string, entries []tuning.Entry) error {
	doc := familyFile{Family: family}
	for _, e := range entries {
		if e.Family != family {
			continue
		}
		ed := entryDoc{Precision: e.Precision.String()}
		for _, r := range e.Rules {
			rd := ruleDoc{Type: r.Type.String(), Vendor: r.Vendor, Devices: make(map[string]map[string]int, len(r.Devices))}
			for name, ps := range r.Devices {
				rd.Devices[name] = map[string]int(ps.Clone())
			}
			ed.Rules = append(ed.Rules, rd)
		}
		doc.Entries = append(doc.Entries, ed)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return err
	}
	return enc.Close()
}
