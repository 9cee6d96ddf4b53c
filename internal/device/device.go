package device

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Type is the coarse classification of a compute device.
type Type int

const (
	TypeOther Type = iota
	TypeCPU
	TypeGPU
	TypeAccelerator
	// TypeAll matches any device type. Only tuning rules carry it.
	TypeAll
)

func (t Type) String() string {
	switch t {
	case TypeCPU:
		return "CPU"
	case TypeGPU:
		return "GPU"
	case TypeAccelerator:
		return "Accelerator"
	case TypeAll:
		return "All"
	default:
		return "Other"
	}
}

// Matches reports whether a rule of type t applies to a device of type other.
func (t Type) Matches(other Type) bool {
	return t == TypeAll || t == other
}

// ParseType accepts the names produced by String, case-insensitively, plus
// the OpenCL CL_DEVICE_TYPE_* spellings.
func ParseType(s string) (Type, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch strings.TrimPrefix(s, "cl_device_type_") {
	case "cpu":
		return TypeCPU, nil
	case "gpu":
		return TypeGPU, nil
	case "accelerator":
		return TypeAccelerator, nil
	case "all":
		return TypeAll, nil
	case "other", "default", "custom", "":
		return TypeOther, nil
	default:
		return TypeOther, fmt.Errorf("unknown device type: %q", s)
	}
}

// Descriptor identifies the device a kernel will run on. It is comparable, so
// a normalized Descriptor doubles as the device identity in override tables.
type Descriptor struct {
	Name   string
	Vendor string
	Type   Type
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s %s (%s)", d.Vendor, d.Name, d.Type)
}

// vendorNames maps vendor strings reported by OpenCL drivers to the short
// names used in the tuning tables.
var vendorNames = map[string]string{
	"Intel(R) Corporation":         "Intel",
	"GenuineIntel":                 "Intel",
	"Advanced Micro Devices, Inc.": "AMD",
	"AuthenticAMD":                 "AMD",
	"NVIDIA Corporation":           "NVIDIA",
	"ARM Limited":                  "ARM",
}

// NormalizeVendor returns the short vendor name for a driver-reported vendor
// string. Unknown vendors are returned trimmed but otherwise unchanged.
func NormalizeVendor(vendor string) string {
	vendor = cleanString(vendor)
	if short, ok := vendorNames[vendor]; ok {
		return short
	}
	return vendor
}

// Normalize trims driver padding from name and vendor, NFC-normalizes them and
// translates the vendor to its short name. Matching stays case-sensitive.
func (d Descriptor) Normalize() Descriptor {
	return Descriptor{
		Name:   cleanString(d.Name),
		Vendor: NormalizeVendor(d.Vendor),
		Type:   d.Type,
	}
}

func cleanString(s string) string {
	s = strings.TrimRight(s, "\x00")
	return norm.NFC.String(strings.TrimSpace(s))
}
