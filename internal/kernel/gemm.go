package kernel

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/23skdu/longbow-tunedb/internal/device"
	"github.com/23skdu/longbow-tunedb/internal/tuning"
)

const (
	FamilyCopy            = "Copy"
	FamilyXgemm           = "Xgemm"
	FamilyKernelSelection = "KernelSelection"

	// ParamMinIndirectSize is the m*n*k size at and above which the indirect
	// GEMM (pre/post-processing plus the tiled Xgemm kernel) is used.
	ParamMinIndirectSize = "XGEMM_MIN_INDIRECT_SIZE"
)

// Resolver is the lookup the GEMM planner needs.
type Resolver interface {
	Resolve(family string, p tuning.Precision, d device.Descriptor) (tuning.ParameterSet, error)
}

// GemmConfig is the resolved configuration for one GEMM launch.
type GemmConfig struct {
	M, N, K   int
	Indirect  bool
	Threshold int
	// Params holds one parameter set per kernel family the launch compiles.
	Params map[string]tuning.ParameterSet
}

// Families returns the kernel families a GEMM of the given kind compiles.
// The direct kernel has no tuning entry here, so only the selection table
// applies to it.
func Families(indirect bool) []string {
	if indirect {
		return []string{FamilyKernelSelection, FamilyCopy, FamilyXgemm}
	}
	return []string{FamilyKernelSelection}
}

// SelectGemm picks the direct or indirect GEMM for an m×n×k problem on d and
// resolves every family that launch needs. Any resolution error aborts the
// plan; a partial configuration is never returned.
func SelectGemm(r Resolver, p tuning.Precision, d device.Descriptor, m, n, k int) (GemmConfig, error) {
	if m < 0 || n < 0 || k < 0 {
		return GemmConfig{}, fmt.Errorf("invalid GEMM size %dx%dx%d", m, n, k)
	}

	sel, err := r.Resolve(FamilyKernelSelection, p, d)
	if err != nil {
		return GemmConfig{}, fmt.Errorf("kernel selection: %w", err)
	}
	threshold, ok := sel[ParamMinIndirectSize]
	if !ok {
		return GemmConfig{}, fmt.Errorf("kernel selection: %s not set", ParamMinIndirectSize)
	}

	cfg := GemmConfig{
		M:         m,
		N:         n,
		K:         k,
		Indirect:  problemSize(m, n, k) >= uint64(max(threshold, 0)),
		Threshold: threshold,
		Params:    map[string]tuning.ParameterSet{FamilyKernelSelection: sel},
	}
	for _, family := range Families(cfg.Indirect)[1:] {
		ps, err := r.Resolve(family, p, d)
		if err != nil {
			return GemmConfig{}, fmt.Errorf("%s: %w", family, err)
		}
		cfg.Params[family] = ps
	}
	return cfg, nil
}

// problemSize returns m*n*k, saturating at MaxUint64.
func problemSize(m, n, k int) uint64 {
	hi, mn := bits.Mul64(uint64(m), uint64(n))
	if hi != 0 {
		return math.MaxUint64
	}
	hi, mnk := bits.Mul64(mn, uint64(k))
	if hi != 0 {
		return math.MaxUint64
	}
	return mnk
}
