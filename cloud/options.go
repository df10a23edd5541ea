package cloud

import (
	"runtime"

	"github.com/golang/geo/r3"
)

// NormalPolicy decides what normal estimation does with a point whose
// neighborhood has fewer than three points.
type NormalPolicy int

const (
	// SkipInsufficient leaves a zero normal and zero curvature for the point
	SkipInsufficient NormalPolicy = iota
	// AbortOnInsufficient fails the whole operation
	AbortOnInsufficient
)

func (p NormalPolicy) String() string {
	if p == AbortOnInsufficient {
		return "abort"
	}
	return "skip"
}

// ParseNormalPolicy converts "skip" or "abort" to a NormalPolicy. Empty means skip.
func ParseNormalPolicy(s string) (NormalPolicy, error) {
	switch s {
	case "", "skip":
		return SkipInsufficient, nil
	case "abort":
		return AbortOnInsufficient, nil
	}
	return 0, paramError("parse normal policy", "policy", s, `must be "skip" or "abort"`)
}

// IndexKind selects the spatial index behind radius queries
type IndexKind int

const (
	// IndexKDTree is the balanced k-d tree
	IndexKDTree IndexKind = iota
	// IndexOctree is the octree
	IndexOctree
)

func (k IndexKind) String() string {
	if k == IndexOctree {
		return "octree"
	}
	return "kdtree"
}

// ParseIndexKind converts "kdtree" or "octree" to an IndexKind. Empty means kdtree.
func ParseIndexKind(s string) (IndexKind, error) {
	switch s {
	case "", "kdtree":
		return IndexKDTree, nil
	case "octree":
		return IndexOctree, nil
	}
	return 0, paramError("parse index kind", "index", s, `must be "kdtree" or "octree"`)
}

// radiusSearcher is the query both spatial indexes answer
type radiusSearcher interface {
	RadiusSearch(q r3.Vector, r float64) ([]Neighbor, error)
}

// Option configures a processing operation.
type Option func(*options)

type options struct {
	workers   int
	policy    NormalPolicy
	viewpoint *r3.Vector
	index     IndexKind
}

func defaultOptions() options {
	return options{
		workers: runtime.GOMAXPROCS(0),
		policy:  SkipInsufficient,
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.workers < 1 {
		o.workers = 1
	}
	return o
}

// WithWorkers sets the number of goroutines used for per-point work.
// Values below one mean a single worker.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.workers = n
	}
}

// WithNormalPolicy sets the insufficient-neighbor policy for normal estimation.
func WithNormalPolicy(p NormalPolicy) Option {
	return func(o *options) {
		o.policy = p
	}
}

// WithViewpoint orients estimated normals toward v.
func WithViewpoint(v r3.Vector) Option {
	return func(o *options) {
		o.viewpoint = &v
	}
}

// WithIndex selects the spatial index used by radius-based operations.
// Results do not depend on the choice.
func WithIndex(k IndexKind) Option {
	return func(o *options) {
		o.index = k
	}
}

func (o options) radiusIndex(c *Cloud) (radiusSearcher, error) {
	if o.index == IndexOctree {
		return BuildOctree(c.Points)
	}
	return c.Index(), nil
}
