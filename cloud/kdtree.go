package cloud

import (
	"math"
	"sort"

	"github.com/golang/geo/r3"
)

// kdNode is one entry of the flattened tree. left and right are node
// offsets, -1 when absent.
type kdNode struct {
	point int
	axis  Axis
	split float64
	left  int
	right int
}

// KDTree is a balanced k-d tree over a snapshot of point coordinates.
// It is read-only after BuildIndex and safe for concurrent queries.
type KDTree struct {
	points []r3.Vector
	nodes  []kdNode
	root   int
}

// BuildIndex builds a k-d tree over a copy of points. Each level splits at the
// median along the axis of greatest spread, so subtrees differ in size by at
// most one.
func BuildIndex(points []r3.Vector) *KDTree {
	t := &KDTree{
		points: cloneSlice(points),
		nodes:  make([]kdNode, 0, len(points)),
		root:   -1,
	}
	if len(points) == 0 {
		return t
	}
	perm := make([]int, len(points))
	for i := range perm {
		perm[i] = i
	}
	t.root = t.build(perm)
	return t
}

// Index builds a spatial index over the cloud's current coordinates
func (c *Cloud) Index() *KDTree {
	return BuildIndex(c.Points)
}

// Len returns the number of indexed points
func (t *KDTree) Len() int {
	return len(t.points)
}

// Point returns the indexed coordinate for index i
func (t *KDTree) Point(i int) r3.Vector {
	return t.points[i]
}

func (t *KDTree) build(perm []int) int {
	if len(perm) == 0 {
		return -1
	}
	axis := t.widestAxis(perm)
	mid := len(perm) / 2
	t.selectNth(perm, mid, axis)

	id := len(t.nodes)
	t.nodes = append(t.nodes, kdNode{
		point: perm[mid],
		axis:  axis,
		split: coord(t.points[perm[mid]], axis),
	})
	left := t.build(perm[:mid])
	right := t.build(perm[mid+1:])
	t.nodes[id].left = left
	t.nodes[id].right = right
	return id
}

// widestAxis picks the axis with the greatest coordinate spread; ties go to the lower axis
func (t *KDTree) widestAxis(perm []int) Axis {
	lo := t.points[perm[0]]
	hi := lo
	for _, idx := range perm[1:] {
		p := t.points[idx]
		lo = r3.Vector{X: math.Min(lo.X, p.X), Y: math.Min(lo.Y, p.Y), Z: math.Min(lo.Z, p.Z)}
		hi = r3.Vector{X: math.Max(hi.X, p.X), Y: math.Max(hi.Y, p.Y), Z: math.Max(hi.Z, p.Z)}
	}
	spread := hi.Sub(lo)
	axis := AxisX
	best := spread.X
	if spread.Y > best {
		axis, best = AxisY, spread.Y
	}
	if spread.Z > best {
		axis = AxisZ
	}
	return axis
}

// less orders point indices by coordinate along axis, then by index
func (t *KDTree) less(a, b int, axis Axis) bool {
	ca, cb := coord(t.points[a], axis), coord(t.points[b], axis)
	if ca != cb {
		return ca < cb
	}
	return a < b
}

// selectNth partially orders perm so perm[n] holds the element that would be
// there after a full sort, with smaller elements before it and larger after.
func (t *KDTree) selectNth(perm []int, n int, axis Axis) {
	lo, hi := 0, len(perm)-1
	for hi > lo {
		if hi-lo < 16 {
			sub := perm[lo : hi+1]
			sort.Slice(sub, func(i, j int) bool { return t.less(sub[i], sub[j], axis) })
			return
		}
		// median of three pivot
		mid := lo + (hi-lo)/2
		if t.less(perm[mid], perm[lo], axis) {
			perm[mid], perm[lo] = perm[lo], perm[mid]
		}
		if t.less(perm[hi], perm[lo], axis) {
			perm[hi], perm[lo] = perm[lo], perm[hi]
		}
		if t.less(perm[hi], perm[mid], axis) {
			perm[hi], perm[mid] = perm[mid], perm[hi]
		}
		pivot := perm[mid]
		perm[mid], perm[hi] = perm[hi], perm[mid]

		store := lo
		for i := lo; i < hi; i++ {
			if t.less(perm[i], pivot, axis) {
				perm[i], perm[store] = perm[store], perm[i]
				store++
			}
		}
		perm[store], perm[hi] = perm[hi], perm[store]

		switch {
		case n == store:
			return
		case n < store:
			hi = store - 1
		default:
			lo = store + 1
		}
	}
}

func validQuery(q r3.Vector) error {
	if !finiteVector(q) {
		return &QueryError{Reason: "query point has a non-finite coordinate"}
	}
	return nil
}

// KNearest returns the min(k, Len()) points closest to q, ascending by
// distance with ties broken by original index.
func (t *KDTree) KNearest(q r3.Vector, k int) ([]Neighbor, error) {
	if k <= 0 {
		return nil, &QueryError{Reason: "k must be at least 1"}
	}
	if err := validQuery(q); err != nil {
		return nil, err
	}
	if t.Len() == 0 {
		return nil, ErrEmptyIndex
	}
	if k > t.Len() {
		k = t.Len()
	}
	h := newBoundedMaxHeap(k)
	t.searchKNN(t.root, q, h)

	best := h.drainAscending()
	out := make([]Neighbor, len(best))
	for i, c := range best {
		out[i] = Neighbor{Index: c.index, Distance: math.Sqrt(c.dist2)}
	}
	return out, nil
}

func (t *KDTree) searchKNN(id int, q r3.Vector, h *boundedMaxHeap) {
	if id < 0 {
		return
	}
	n := &t.nodes[id]
	d2 := q.Sub(t.points[n.point]).Norm2()
	h.push(candidate{index: n.point, dist2: d2})

	diff := coord(q, n.axis) - n.split
	near, far := n.left, n.right
	if diff > 0 {
		near, far = n.right, n.left
	}
	t.searchKNN(near, q, h)
	// Equal distances still have to be visited for the index tie-break.
	if !h.full() || diff*diff <= h.top().dist2 {
		t.searchKNN(far, q, h)
	}
}

// Nearest returns the single closest point to q
func (t *KDTree) Nearest(q r3.Vector) (Neighbor, error) {
	res, err := t.KNearest(q, 1)
	if err != nil {
		return Neighbor{}, err
	}
	return res[0], nil
}

// RadiusSearch returns every point within distance r of q, ascending by
// distance then index. r == 0 returns only coincident points.
func (t *KDTree) RadiusSearch(q r3.Vector, r float64) ([]Neighbor, error) {
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
	t.searchRadius(t.root, q, r, &found)

	sort.Slice(found, func(i, j int) bool { return found[j].worse(found[i]) })
	out := make([]Neighbor, len(found))
	for i, c := range found {
		out[i] = Neighbor{Index: c.index, Distance: math.Sqrt(c.dist2)}
	}
	return out, nil
}

func (t *KDTree) searchRadius(id int, q r3.Vector, r float64, found *[]candidate) {
	if id < 0 {
		return
	}
	n := &t.nodes[id]
	d2 := q.Sub(t.points[n.point]).Norm2()
	if math.Sqrt(d2) <= r {
		*found = append(*found, candidate{index: n.point, dist2: d2})
	}

	diff := coord(q, n.axis) - n.split
	near, far := n.left, n.right
	if diff > 0 {
		near, far = n.right, n.left
	}
	t.searchRadius(near, q, r, found)
	if math.Abs(diff) <= r {
		t.searchRadius(far, q, r, found)
	}
}

// Depth returns the height of the tree; an empty tree has depth 0
func (t *KDTree) Depth() int {
	var depth func(id int) int
	depth = func(id int) int {
		if id < 0 {
			return 0
		}
		return 1 + max(depth(t.nodes[id].left), depth(t.nodes[id].right))
	}
	return depth(t.root)
}
