package tuning

import (
	"fmt"
	"strings"
)

// Precision is the numeric type a kernel variant operates on. The values are
// the codes used on the command line of the tuners (16, 32, 64, 3232, 6464).
type Precision int

const (
	PrecisionHalf          Precision = 16
	PrecisionSingle        Precision = 32
	PrecisionDouble        Precision = 64
	PrecisionComplexSingle Precision = 3232
	PrecisionComplexDouble Precision = 6464
)

// Precisions lists every supported precision in table order.
func Precisions() []Precision {
	return []Precision{
		PrecisionHalf,
		PrecisionSingle,
		PrecisionDouble,
		PrecisionComplexSingle,
		PrecisionComplexDouble,
	}
}

func (p Precision) String() string {
	switch p {
	case PrecisionHalf:
		return "half"
	case PrecisionSingle:
		return "single"
	case PrecisionDouble:
		return "double"
	case PrecisionComplexSingle:
		return "complex-single"
	case PrecisionComplexDouble:
		return "complex-double"
	default:
		return fmt.Sprintf("precision(%d)", int(p))
	}
}

// Valid reports whether p is one of the supported precisions.
func (p Precision) Valid() bool {
	switch p {
	case PrecisionHalf, PrecisionSingle, PrecisionDouble, PrecisionComplexSingle, PrecisionComplexDouble:
		return true
	}
	return false
}

// ParsePrecision accepts a precision name ("single", "complex-double"), a
// short alias ("fp16", "fp32", "fp64") or a numeric code ("3232").
func ParsePrecision(s string) (Precision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "half", "fp16", "16":
		return PrecisionHalf, nil
	case "single", "fp32", "32":
		return PrecisionSingle, nil
	case "double", "fp64", "64":
		return PrecisionDouble, nil
	case "complex-single", "complexsingle", "3232":
		return PrecisionComplexSingle, nil
	case "complex-double", "complexdouble", "6464":
		return PrecisionComplexDouble, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedPrecision, s)
}
