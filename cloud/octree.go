package cloud

import (
	"fmt"
	"math"
	"sort"

	"github.com/golang/geo/r3"
)

// Octree build defaults
const (
	DefaultOctreeDepth    = 8
	DefaultOctreeLeafSize = 10
	octreePadding         = 0.01
)

// Octree recursively partitions a fixed box into octants. A leaf splits once
// it holds more than the leaf size and is shallower than the depth limit, so
// coincident points stop splitting at the limit. Unlike KDTree it accepts
// points after construction. It is not safe for concurrent Insert; queries
// may run concurrently once inserts are done.
type Octree struct {
	points   []r3.Vector
	root     *octreeNode
	maxDepth int
	leafSize int
}

type octreeNode struct {
	bounds   Box
	depth    int
	indices  []int
	children []*octreeNode
}

// NewOctree creates an empty octree over bounds
func NewOctree(bounds Box, maxDepth, leafSize int) (*Octree, error) {
	const op = "new octree"
	if !finiteVector(bounds.Min) || !finiteVector(bounds.Max) {
		return nil, paramError(op, "bounds", bounds, "must be finite")
	}
	if bounds.Min.X > bounds.Max.X || bounds.Min.Y > bounds.Max.Y || bounds.Min.Z > bounds.Max.Z {
		return nil, paramError(op, "bounds", bounds, "min must not exceed max")
	}
	if maxDepth < 0 {
		return nil, paramError(op, "max_depth", maxDepth, "must not be negative")
	}
	if leafSize < 1 {
		return nil, paramError(op, "max_points_per_node", leafSize, "must be at least 1")
	}
	return &Octree{
		root:     &octreeNode{bounds: bounds},
		maxDepth: maxDepth,
		leafSize: leafSize,
	}, nil
}

// BuildOctree indexes points inside their padded bounding box with the
// default depth and leaf size. Point i of the input is index i in results.
func BuildOctree(points []r3.Vector) (*Octree, error) {
	for i, p := range points {
		if !finiteVector(p) {
			return nil, paramError("build octree", fmt.Sprintf("points[%d]", i), p, "coordinates must be finite")
		}
	}
	bounds := Box{Max: r3.Vector{X: 1, Y: 1, Z: 1}}
	if len(points) > 0 {
		b, _ := New(points).Bounds()
		pad := r3.Vector{X: octreePadding, Y: octreePadding, Z: octreePadding}
		bounds = Box{Min: b.Min.Sub(pad), Max: b.Max.Add(pad)}
	}
	t, err := NewOctree(bounds, DefaultOctreeDepth, DefaultOctreeLeafSize)
	if err != nil {
		return nil, err
	}
	for _, p := range points {
		if _, err := t.Insert(p); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Len returns the number of inserted points
func (t *Octree) Len() int {
	return len(t.points)
}

// Bounds returns the box the octree covers
func (t *Octree) Bounds() Box {
	return t.root.bounds
}

// Depth returns the depth of the deepest node, 0 for a single leaf
func (t *Octree) Depth() int {
	var walk func(n *octreeNode) int
	walk = func(n *octreeNode) int {
		d := n.depth
		for _, child := range n.children {
			d = max(d, walk(child))
		}
		return d
	}
	return walk(t.root)
}

// Insert adds p and returns its index
func (t *Octree) Insert(p r3.Vector) (int, error) {
	const op = "octree insert"
	if !finiteVector(p) {
		return 0, paramError(op, "point", p, "coordinates must be finite")
	}
	if !t.root.bounds.Contains(p) {
		return 0, paramError(op, "point", p, "outside octree bounds")
	}
	idx := len(t.points)
	t.points = append(t.points, p)

	n := t.root
	for n.children != nil {
		n = n.children[n.octant(p)]
	}
	n.indices = append(n.indices, idx)
	t.maybeSplit(n)
	return idx, nil
}

func (t *Octree) maybeSplit(n *octreeNode) {
	if len(n.indices) <= t.leafSize || n.depth >= t.maxDepth {
		return
	}
	center := n.bounds.Center()
	n.children = make([]*octreeNode, 8)
	for i := range n.children {
		b := n.bounds
		if i&1 != 0 {
			b.Min.X = center.X
		} else {
			b.Max.X = center.X
		}
		if i&2 != 0 {
			b.Min.Y = center.Y
		} else {
			b.Max.Y = center.Y
		}
		if i&4 != 0 {
			b.Min.Z = center.Z
		} else {
			b.Max.Z = center.Z
		}
		n.children[i] = &octreeNode{bounds: b, depth: n.depth + 1}
	}
	for _, idx := range n.indices {
		child := n.children[n.octant(t.points[idx])]
		child.indices = append(child.indices, idx)
	}
	n.indices = nil
	for _, child := range n.children {
		t.maybeSplit(child)
	}
}

// octant numbers children by x, y, z bits; points on a center plane go high
func (n *octreeNode) octant(p r3.Vector) int {
	c := n.bounds.Center()
	i := 0
	if p.X >= c.X {
		i |= 1
	}
	if p.Y >= c.Y {
		i |= 2
	}
	if p.Z >= c.Z {
		i |= 4
	}
	return i
}

// dist2To is the squared distance from q to the node's box, 0 inside it
func (n *octreeNode) dist2To(q r3.Vector) float64 {
	axis := func(v, lo, hi float64) float64 {
		switch {
		case v < lo:
			return lo - v
		case v > hi:
			return v - hi
		}
		return 0
	}
	dx := axis(q.X, n.bounds.Min.X, n.bounds.Max.X)
	dy := axis(q.Y, n.bounds.Min.Y, n.bounds.Max.Y)
	dz := axis(q.Z, n.bounds.Min.Z, n.bounds.Max.Z)
	return dx*dx + dy*dy + dz*dz
}

// RadiusSearch returns every point within distance r of q, ascending by
// distance then index, the same order KDTree.RadiusSearch uses.
func (t *Octree) RadiusSearch(q r3.Vector, r float64) ([]Neighbor, error) {
	if r < 0 || math.IsNaN(r) {
		return nil, &QueryError{Reason: "radius must be non-negative"}
	}
	if err := validQuery(q); err != nil {
		return nil, err
	}
	if t.Len() == 0 {
		return nil, ErrEmptyIndex
	}
	var found []candidate
	var walk func(n *octreeNode)
	walk = func(n *octreeNode) {
		if n.dist2To(q) > r*r {
			return
		}
		for _, idx := range n.indices {
			d2 := q.Sub(t.points[idx]).Norm2()
			if math.Sqrt(d2) <= r {
				found = append(found, candidate{index: idx, dist2: d2})
			}
		}
		for _, child := range n.children {
			walk(child)
		}
	}
	walk(t.root)

	sort.Slice(found, func(i, j int) bool { return found[j].worse(found[i]) })
	out := make([]Neighbor, len(found))
	for i, c := range found {
		out[i] = Neighbor{Index: c.index, Distance: math.Sqrt(c.dist2)}
	}
	return out, nil
}
