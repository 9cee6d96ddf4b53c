package tuning

import "errors"

var (
	// ErrUnknownKernelFamily is returned when no precision of a family is in the database.
	ErrUnknownKernelFamily = errors.New("unknown kernel family")
	// ErrUnsupportedPrecision is returned when the family exists but not for the precision.
	ErrUnsupportedPrecision = errors.New("unsupported precision")
	// ErrMissingDefaultEntry signals a database without a universal fallback.
	ErrMissingDefaultEntry = errors.New("missing default entry")
	// ErrInvalidEntry is returned by NewDatabase for malformed entries.
	ErrInvalidEntry = errors.New("invalid database entry")
)
