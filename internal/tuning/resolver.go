package tuning

import (
	"errors"
	"sort"

	"github.com/rs/zerolog"

	"github.com/23skdu/longbow-tunedb/internal/cache"
	"github.com/23skdu/longbow-tunedb/internal/device"
)

// Tier records which precedence level produced a parameter set.
type Tier int

const (
	TierNone Tier = iota
	TierOverride
	TierDevice
	TierVendor
	TierGlobal
)

func (t Tier) String() string {
	switch t {
	case TierOverride:
		return "override"
	case TierDevice:
		return "device"
	case TierVendor:
		return "vendor"
	case TierGlobal:
		return "global"
	default:
		return "none"
	}
}

// OverrideKey is the exact key of a runtime override. Device is normalized.
type OverrideKey struct {
	Device    device.Descriptor
	Family    string
	Precision Precision
}

// Override is one entry of the override table.
type Override struct {
	OverrideKey
	Parameters ParameterSet
}

// Resolution is the outcome of a lookup.
type Resolution struct {
	Parameters ParameterSet
	Tier       Tier
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger used for override diagnostics and resolution
// tracing. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Resolver) {
		r.logger = l
	}
}

// WithValidator replaces the override validator. A nil validator disables
// validation.
func WithValidator(v Validator) Option {
	return func(r *Resolver) {
		r.validate = v
	}
}

// Resolver resolves parameter sets against a Database and owns the override
// table layered on top of it. Each Resolver has its own table; share the
// pointer to share overrides. All methods are safe for concurrent use.
type Resolver struct {
	db        *Database
	overrides *cache.MapCache[OverrideKey, ParameterSet]
	validate  Validator
	logger    zerolog.Logger
}

// NewResolver creates a Resolver over db with an empty override table.
func NewResolver(db *Database, opts ...Option) *Resolver {
	r := &Resolver{
		db:        db,
		overrides: cache.NewMapCache[OverrideKey](ParameterSet.Clone),
		validate:  CheckParameterNames,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Database returns the static database behind the resolver.
func (r *Resolver) Database() *Database {
	return r.db
}

// Resolve returns a copy of the parameter set for family, precision and
// device. Overrides win over the database; the database is searched by exact
// device name, then vendor default, then the universal default.
func (r *Resolver) Resolve(family string, p Precision, d device.Descriptor) (ParameterSet, error) {
	res, err := r.Explain(family, p, d)
	if err != nil {
		return nil, err
	}
	return res.Parameters, nil
}

// Explain is Resolve that also reports the tier that matched.
func (r *Resolver) Explain(family string, p Precision, d device.Descriptor) (Resolution, error) {
	d = d.Normalize()

	key := OverrideKey{Device: d, Family: family, Precision: p}
	if ps, ok := r.overrides.Get(key); ok {
		resolveTotal.WithLabelValues(family, TierOverride.String()).Inc()
		return Resolution{Parameters: ps, Tier: TierOverride}, nil
	}

	e, err := r.db.Lookup(family, p)
	if err != nil {
		resolveErrors.WithLabelValues(errorReason(err)).Inc()
		return Resolution{}, err
	}

	ps, tier, err := e.match(d)
	if err != nil {
		resolveErrors.WithLabelValues(errorReason(err)).Inc()
		return Resolution{}, err
	}

	resolveTotal.WithLabelValues(family, tier.String()).Inc()
	r.logger.Debug().
		Str("family", family).
		Str("precision", p.String()).
		Str("device", d.Name).
		Str("vendor", d.Vendor).
		Str("tier", tier.String()).
		Msg("Resolved tuning parameters")

	return Resolution{Parameters: ps.Clone(), Tier: tier}, nil
}

// SetOverride stores set for the exact key, replacing any previous override.
// The validator's diagnostics are logged but never reject the override.
func (r *Resolver) SetOverride(d device.Descriptor, family string, p Precision, set ParameterSet) {
	key := OverrideKey{Device: d.Normalize(), Family: family, Precision: p}

	if r.validate != nil {
		for _, w := range r.validate(r.db, key, set) {
			overrideWarnings.Inc()
			r.logger.Warn().
				Str("family", family).
				Str("precision", p.String()).
				Str("device", key.Device.Name).
				Msg(w)
		}
	}

	r.overrides.Put(key, set)
	overrideUpdates.WithLabelValues("set").Inc()
	r.logger.Info().
		Str("family", family).
		Str("precision", p.String()).
		Str("device", key.Device.Name).
		Str("parameters", set.String()).
		Msg("Override set")
}

// ClearOverride removes the override for the exact key and reports whether
// one was present.
func (r *Resolver) ClearOverride(d device.Descriptor, family string, p Precision) bool {
	key := OverrideKey{Device: d.Normalize(), Family: family, Precision: p}
	removed := r.overrides.Delete(key)
	if removed {
		overrideUpdates.WithLabelValues("clear").Inc()
	}
	return removed
}

// ClearOverrides empties the override table and returns the number removed.
func (r *Resolver) ClearOverrides() int {
	n := r.overrides.Clear()
	if n > 0 {
		overrideUpdates.WithLabelValues("clear").Add(float64(n))
	}
	return n
}

// Overrides returns a snapshot of the override table ordered by family,
// precision, vendor and device name.
func (r *Resolver) Overrides() []Override {
	snap := r.overrides.Snapshot()
	out := make([]Override, 0, len(snap))
	for k, ps := range snap {
		out = append(out, Override{OverrideKey: k, Parameters: ps})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Family != b.Family {
			return a.Family < b.Family
		}
		if a.Precision != b.Precision {
			return a.Precision < b.Precision
		}
		if a.Device.Vendor != b.Device.Vendor {
			return a.Device.Vendor < b.Device.Vendor
		}
		if a.Device.Name != b.Device.Name {
			return a.Device.Name < b.Device.Name
		}
		return a.Device.Type < b.Device.Type
	})
	return out
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, ErrUnknownKernelFamily):
		return "unknown_family"
	case errors.Is(err, ErrUnsupportedPrecision):
		return "unsupported_precision"
	case errors.Is(err, ErrMissingDefaultEntry):
		return "missing_default"
	default:
		return "other"
	}
}
