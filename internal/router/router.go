// Package router chooses a model variant from the current resource snapshot:
// the heaviest variant whose RAM requirement the host can satisfy.
package router

import (
	"errors"
	"sort"

	"go.uber.org/zap"

	"taskforge/internal/probe"
)

// Variant is a named model configuration with a minimum free-RAM
// requirement.
type Variant struct {
	Name         string
	MinRAMBytes  uint64
	QualityScore float64
}

// Router holds the variants ordered from highest quality to lightest.
type Router struct {
	variants []Variant
	logger   *zap.Logger
}

// New sorts the variants by quality, best first, and returns a router.
// At least one variant is required.
func New(variants []Variant, logger *zap.Logger) (*Router, error) {
	if len(variants) == 0 {
		return nil, errors.New("router: at least one variant required")
	}
	sorted := append([]Variant(nil), variants...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].QualityScore > sorted[j].QualityScore
	})
	return &Router{variants: sorted, logger: logger.Named("router")}, nil
}

// Choose returns the first variant whose RAM requirement fits the snapshot's
// free RAM. When none fit, the lightest variant is returned and the
// condition is logged.
func (r *Router) Choose(snap probe.Snapshot) Variant {
	for _, v := range r.variants {
		if v.MinRAMBytes <= snap.RAMFreeBytes {
			return v
		}
	}
	lightest := r.variants[len(r.variants)-1]
	r.logger.Warn("ram_below_floor: no variant fits free RAM, using lightest",
		zap.Uint64("ram_free_bytes", snap.RAMFreeBytes),
		zap.String("variant", lightest.Name))
	return lightest
}

// Variants returns the ordered variant list, best first.
func (r *Router) Variants() []Variant {
	return append([]Variant(nil), r.variants...)
}
