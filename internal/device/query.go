package device

import (
	"context"
	"fmt"
)

// Querier enumerates the compute devices visible to the process. Real
// implementations wrap an OpenCL, Vulkan or CUDA property query.
type Querier interface {
	Devices(ctx context.Context) ([]Descriptor, error)
}

// StaticQuerier returns a fixed device list. Used when the device is given on
// the command line and in tests.
type StaticQuerier []Descriptor

func (q StaticQuerier) Devices(ctx context.Context) ([]Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]Descriptor, len(q))
	for i, d := range q {
		out[i] = d.Normalize()
	}
	return out, nil
}

// Select returns the normalized device at index.
func Select(ctx context.Context, q Querier, index int) (Descriptor, error) {
	devices, err := q.Devices(ctx)
	if err != nil {
		return Descriptor{}, fmt.Errorf("failed to query devices: %w", err)
	}
	if index < 0 || index >= len(devices) {
		return Descriptor{}, fmt.Errorf("device index %d out of range (%d devices)", index, len(devices))
	}
	return devices[index], nil
}
