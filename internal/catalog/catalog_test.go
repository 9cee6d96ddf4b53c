package catalog

import (
	"bytes"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-tunedb/internal/device"
	"github.com/23skdu/longbow-tunedb/internal/tuning"
)

var gtx1080 = device.Descriptor{Name: "GeForce GTX 1080", Vendor: "NVIDIA", Type: device.TypeGPU}

func TestBuiltin_Complete(t *testing.T) {
	db, err := Builtin()
	require.NoError(t, err)

	assert.Equal(t, []string{"Copy", "KernelSelection", "Xaxpy", "Xgemm", "Xgemv", "XgemvFast", "Xger"}, db.Families())
	for _, f := range db.Families() {
		assert.Equal(t, tuning.Precisions(), db.Precisions(f), f)
	}

	for _, e := range db.Entries() {
		ps, ok := e.Universal()
		require.True(t, ok, e.Key().String())
		assert.NotEmpty(t, ps, e.Key().String())
		for _, r := range e.Rules {
			_, ok := r.Devices[tuning.DefaultName]
			assert.True(t, ok, "%s %s %s", e.Key(), r.Type, r.Vendor)
		}
	}
}

func TestBuiltin_Scenarios(t *testing.T) {
	r := tuning.NewResolver(MustBuiltin())

	t.Run("Xgemm single on GTX 1080", func(t *testing.T) {
		res, err := r.Explain("Xgemm", tuning.PrecisionSingle, gtx1080)
		require.NoError(t, err)
		assert.Equal(t, tuning.TierDevice, res.Tier)
		assert.Equal(t, tuning.ParameterSet{
			"KWG": 32, "KWI": 2, "MDIMA": 16, "MDIMC": 8, "MWG": 64, "NDIMB": 8, "NDIMC": 8,
			"NWG": 64, "SA": 1, "SB": 1, "STRM": 1, "STRN": 1, "VWM": 4, "VWN": 8,
		}, res.Parameters)
	})

	t.Run("Xgemm single on unknown NVIDIA card", func(t *testing.T) {
		d := device.Descriptor{Name: "Unknown Card 9999", Vendor: "NVIDIA", Type: device.TypeGPU}
		res, err := r.Explain("Xgemm", tuning.PrecisionSingle, d)
		require.NoError(t, err)
		assert.Equal(t, tuning.TierVendor, res.Tier)
		assert.Equal(t, tuning.ParameterSet{
			"KWG": 32, "KWI": 2, "MDIMA": 16, "MDIMC": 16, "MWG": 64, "NDIMB": 8, "NDIMC": 8,
			"NWG": 64, "SA": 1, "SB": 1, "STRM": 0, "STRN": 0, "VWM": 4, "VWN": 2,
		}, res.Parameters)
	})

	t.Run("Copy half on unlisted vendor", func(t *testing.T) {
		d := device.Descriptor{Name: "X", Vendor: "Qualcomm", Type: device.TypeGPU}
		res, err := r.Explain("Copy", tuning.PrecisionHalf, d)
		require.NoError(t, err)
		assert.Equal(t, tuning.TierGlobal, res.Tier)
		assert.Equal(t, tuning.ParameterSet{"COPY_DIMX": 16, "COPY_DIMY": 8, "COPY_VW": 4, "COPY_WPT": 4}, res.Parameters)
	})

	t.Run("KernelSelection thresholds", func(t *testing.T) {
		ps, err := r.Resolve("KernelSelection", tuning.PrecisionSingle, gtx1080)
		require.NoError(t, err)
		assert.Equal(t, 1280*1280*1280, ps["XGEMM_MIN_INDIRECT_SIZE"])

		ps, err = r.Resolve("KernelSelection", tuning.PrecisionSingle, device.Descriptor{Name: "Mali-G71", Vendor: "ARM", Type: device.TypeGPU})
		require.NoError(t, err)
		assert.Equal(t, 128*128*128, ps["XGEMM_MIN_INDIRECT_SIZE"])
	})

	t.Run("Copy complex-double Intel CPU falls through", func(t *testing.T) {
		d := device.Descriptor{Name: "Intel(R) Core(TM) i7-6700K CPU @ 4.00GHz", Vendor: "GenuineIntel", Type: device.TypeCPU}
		res, err := r.Explain("Copy", tuning.PrecisionComplexDouble, d)
		require.NoError(t, err)
		assert.Equal(t, tuning.TierGlobal, res.Tier)
		assert.Equal(t, tuning.ParameterSet{"COPY_DIMX": 16, "COPY_DIMY": 8, "COPY_VW": 1, "COPY_WPT": 1}, res.Parameters)
	})

	t.Run("Xger half Intel GPU kept as tuned", func(t *testing.T) {
		d := device.Descriptor{Name: "Intel(R) HD Graphics 620", Vendor: "Intel", Type: device.TypeGPU}
		ps, err := r.Resolve("Xger", tuning.PrecisionHalf, d)
		require.NoError(t, err)
		assert.Equal(t, tuning.ParameterSet{"WGS1": 4, "WGS2": 8, "WPT": 2}, ps)
	})
}

func TestBuiltin_UniversalFallback(t *testing.T) {
	db := MustBuiltin()
	r := tuning.NewResolver(db)
	stranger := device.Descriptor{Name: "Nobody", Vendor: "Nobody Inc", Type: device.TypeGPU}

	for _, e := range db.Entries() {
		want, _ := e.Universal()
		got, err := r.Resolve(e.Family, e.Precision, stranger)
		require.NoError(t, err)
		assert.Equal(t, want, got, e.Key().String())
	}
}

const axpyYAML = `family: Xaxpy
entries:
  - precision: single
    rules:
      - type: GPU
        vendor: AMD
        devices:
          "Tahiti": {VW: 2, WGS: 64, WPT: 1}
          "default": {VW: 1, WGS: 128, WPT: 1}
      - type: All
        vendor: default
        devices:
          "default": {VW: 1, WGS: 64, WPT: 1}
`

func TestLoad_FS(t *testing.T) {
	fsys := fstest.MapFS{
		"xaxpy.yaml": {Data: []byte(axpyYAML)},
		"README.md":  {Data: []byte("ignored")},
	}
	db, err := Load(fsys)
	require.NoError(t, err)
	assert.Equal(t, []string{"Xaxpy"}, db.Families())

	r := tuning.NewResolver(db)
	ps, err := r.Resolve("Xaxpy", tuning.PrecisionSingle, device.Descriptor{Name: "Tahiti", Vendor: "AMD", Type: device.TypeGPU})
	require.NoError(t, err)
	assert.Equal(t, 2, ps["VW"])
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(fstest.MapFS{})
	assert.Error(t, err)

	bad := map[string]string{
		"unknown key":   strings.Replace(axpyYAML, "vendor: AMD", "vendor: AMD\n        colour: red", 1),
		"bad precision": strings.Replace(axpyYAML, "precision: single", "precision: quad", 1),
		"bad type":      strings.Replace(axpyYAML, "type: GPU", "type: FPGA", 1),
		"no family":     strings.Replace(axpyYAML, "family: Xaxpy", "", 1),
		"no type":       strings.Replace(axpyYAML, "type: GPU\n        vendor: AMD", "vendor: AMD", 1),
	}
	for name, doc := range bad {
		_, err := Load(fstest.MapFS{"x.yaml": {Data: []byte(doc)}})
		assert.Error(t, err, name)
	}

	noUniversal := strings.Replace(axpyYAML, "type: All", "type: CPU", 1)
	_, err = Load(fstest.MapFS{"x.yaml": {Data: []byte(noUniversal)}})
	assert.ErrorIs(t, err, tuning.ErrMissingDefaultEntry)
	assert.Contains(t, err.Error(), "Xaxpy/single")
}

func TestEncodeDecode(t *testing.T) {
	db := MustBuiltin()

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, "Xgemm", db.Entries()))

	entries, err := Decode(&buf)
	require.NoError(t, err)
	again, err := tuning.NewDatabase(entries...)
	require.NoError(t, err)

	for _, p := range tuning.Precisions() {
		want, err := db.Lookup("Xgemm", p)
		require.NoError(t, err)
		got, err := again.Lookup("Xgemm", p)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestArrowRoundTrip(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	db := MustBuiltin()
	rec := ToRecord(db, mem)
	defer rec.Release()

	assert.True(t, rec.Schema().Equal(Schema))
	assert.Greater(t, rec.NumRows(), int64(0))

	again, err := FromRecords(rec)
	require.NoError(t, err)
	assert.Equal(t, db.Entries(), again.Entries())
}

func TestFromRecords_MissingColumn(t *testing.T) {
	mem := memory.NewGoAllocator()
	rec := ToRecord(MustBuiltin(), mem)
	defer rec.Release()

	// drop the trailing "value" column
	partialSchema := arrow.NewSchema(Schema.Fields()[:7], nil)
	partial := array.NewRecordBatch(partialSchema, rec.Columns()[:7], rec.NumRows())
	defer partial.Release()

	_, err := FromRecords(partial)
	assert.ErrorContains(t, err, `missing column "value"`)
}

func TestDecodeOverrides(t *testing.T) {
	doc := `overrides:
  - device: {name: "GeForce GTX 1080 ", vendor: NVIDIA Corporation, type: GPU}
    family: Xgemm
    precision: "32"
    parameters: {KWG: 16, KWI: 2, MDIMA: 8, MDIMC: 8, MWG: 64, NDIMB: 16, NDIMC: 16, NWG: 64, SA: 1, SB: 1, STRM: 0, STRN: 0, VWM: 4, VWN: 4}
`
	overrides, err := DecodeOverrides(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, overrides, 1)
	assert.Equal(t, gtx1080, overrides[0].Device)
	assert.Equal(t, tuning.PrecisionSingle, overrides[0].Precision)

	r := tuning.NewResolver(MustBuiltin())
	ApplyOverrides(r, overrides)
	res, err := r.Explain("Xgemm", tuning.PrecisionSingle, gtx1080)
	require.NoError(t, err)
	assert.Equal(t, tuning.TierOverride, res.Tier)
	assert.Equal(t, 16, res.Parameters["KWG"])

	empty, err := DecodeOverrides(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = DecodeOverrides(strings.NewReader("overrides:\n  - family: Xgemm\n    precision: quad\n"))
	assert.Error(t, err)
	_, err = DecodeOverrides(strings.NewReader("overrides:\n  - precision: single\n"))
	assert.Error(t, err)
	_, err = DecodeOverrides(strings.NewReader("overrides:\n  - family: Xgemm\n    precision: single\n    parameters: {MWG: -1}\n"))
	assert.Error(t, err)
	_, err = DecodeOverrides(strings.NewReader("overrides:\n  - family: Xgemm\n    precision: single\n"))
	assert.ErrorContains(t, err, "no parameters")
}
