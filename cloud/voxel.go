package cloud

import (
	"image/color"
	"math"

	"github.com/golang/geo/r3"
)

// VoxelKey is an integer voxel coordinate
type VoxelKey struct {
	I, J, K int64
}

// VoxelKeyOf returns floor((p - origin) / size) per axis
func VoxelKeyOf(p, origin r3.Vector, size float64) VoxelKey {
	return VoxelKey{
		I: int64(math.Floor((p.X - origin.X) / size)),
		J: int64(math.Floor((p.Y - origin.Y) / size)),
		K: int64(math.Floor((p.Z - origin.Z) / size)),
	}
}

// VoxelGrid groups point indices by voxel. Keys are kept in the order their
// voxel was first occupied while scanning the cloud.
type VoxelGrid struct {
	Size   float64
	Origin r3.Vector
	keys   []VoxelKey
	cells  map[VoxelKey][]int
}

func validVoxelSize(op string, size float64) error {
	if !finite(size) || size <= 0 {
		return paramError(op, "voxel_size", size, "must be a positive finite number")
	}
	return nil
}

// latticeOrigin snaps the cloud's minimum bound down to a multiple of size, so
// a cloud of centroids produced by one pass maps onto the same lattice again.
func latticeOrigin(min r3.Vector, size float64) r3.Vector {
	return r3.Vector{
		X: math.Floor(min.X/size) * size,
		Y: math.Floor(min.Y/size) * size,
		Z: math.Floor(min.Z/size) * size,
	}
}

// NewVoxelGrid partitions the cloud's points into cubic voxels of edge size.
func NewVoxelGrid(c *Cloud, size float64) (*VoxelGrid, error) {
	if err := validVoxelSize("voxel grid", size); err != nil {
		return nil, err
	}
	if err := requireFinite("voxel grid", c); err != nil {
		return nil, err
	}
	g := &VoxelGrid{
		Size:  size,
		cells: make(map[VoxelKey][]int),
	}
	bounds, ok := c.Bounds()
	if !ok {
		return g, nil
	}
	g.Origin = latticeOrigin(bounds.Min, size)
	for i, p := range c.Points {
		key := g.KeyOf(p)
		if _, seen := g.cells[key]; !seen {
			g.keys = append(g.keys, key)
		}
		g.cells[key] = append(g.cells[key], i)
	}
	return g, nil
}

// KeyOf returns the voxel holding p
func (g *VoxelGrid) KeyOf(p r3.Vector) VoxelKey {
	return VoxelKeyOf(p, g.Origin, g.Size)
}

// Len returns the number of occupied voxels
func (g *VoxelGrid) Len() int {
	return len(g.keys)
}

// Keys returns occupied voxels in first-occupied order
func (g *VoxelGrid) Keys() []VoxelKey {
	return cloneSlice(g.keys)
}

// Indices returns the point indices inside the voxel, in cloud order
func (g *VoxelGrid) Indices(key VoxelKey) []int {
	return g.cells[key]
}

// VoxelBox returns the spatial extent of a voxel
func (g *VoxelGrid) VoxelBox(key VoxelKey) Box {
	min := r3.Vector{
		X: g.Origin.X + float64(key.I)*g.Size,
		Y: g.Origin.Y + float64(key.J)*g.Size,
		Z: g.Origin.Z + float64(key.K)*g.Size,
	}
	return Box{Min: min, Max: min.Add(r3.Vector{X: g.Size, Y: g.Size, Z: g.Size})}
}

// VoxelDownsample replaces the points of every occupied voxel with their
// centroid. Attribute columns are averaged the same way; averaged normals are
// renormalized. Output order follows first-occupied voxel order. An empty
// cloud is returned as an empty cloud.
func VoxelDownsample(c *Cloud, size float64, opts ...Option) (*Cloud, error) {
	if err := validVoxelSize("voxel downsample", size); err != nil {
		return nil, err
	}
	o := applyOptions(opts)
	if c.Empty() {
		return c.Clone(), nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if err := requireFinite("voxel downsample", c); err != nil {
		return nil, err
	}

	grid, err := NewVoxelGrid(c, size)
	if err != nil {
		return nil, err
	}

	n := grid.Len()
	out := &Cloud{
		Points:   make([]r3.Vector, n),
		Metadata: c.Metadata,
	}
	out.Metadata.Width = n
	out.Metadata.Height = 1
	if c.Colors != nil {
		out.Colors = make([]color.NRGBA, n)
	}
	if c.Intensity != nil {
		out.Intensity = make([]float64, n)
	}
	if c.Normals != nil {
		out.Normals = make([]r3.Vector, n)
	}
	if c.Curvature != nil {
		out.Curvature = make([]float64, n)
	}
	names := c.FieldNames()
	if c.Fields != nil {
		out.Fields = make(map[string][]float64, len(c.Fields))
		for _, name := range names {
			out.Fields[name] = make([]float64, n)
		}
	}

	err = parallelFor(n, o.workers, func(v int) error {
		members := grid.Indices(grid.keys[v])
		out.Points[v] = meanOf(c.Points, members)
		if c.Colors != nil {
			out.Colors[v] = meanColor(c.Colors, members)
		}
		if c.Intensity != nil {
			out.Intensity[v] = meanScalar(c.Intensity, members)
		}
		if c.Normals != nil {
			out.Normals[v] = meanNormal(c.Normals, members)
		}
		if c.Curvature != nil {
			out.Curvature[v] = meanScalar(c.Curvature, members)
		}
		for _, name := range names {
			out.Fields[name][v] = meanScalar(c.Fields[name], members)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log().Debugf("[PIPELINE] voxel downsample size=%g: %d -> %d points", size, c.Len(), n)
	return out, nil
}

func meanScalar(values []float64, indices []int) float64 {
	var sum float64
	for _, idx := range indices {
		sum += values[idx]
	}
	return sum / float64(len(indices))
}

func meanColor(colors []color.NRGBA, indices []int) color.NRGBA {
	if len(indices) == 1 {
		return colors[indices[0]]
	}
	var r, g, b, a float64
	for _, idx := range indices {
		c := colors[idx]
		r += float64(c.R)
		g += float64(c.G)
		b += float64(c.B)
		a += float64(c.A)
	}
	n := float64(len(indices))
	return color.NRGBA{
		R: uint8(math.Round(r / n)),
		G: uint8(math.Round(g / n)),
		B: uint8(math.Round(b / n)),
		A: uint8(math.Round(a / n)),
	}
}

// meanNormal sums normals and rescales to unit length. A single member is
// returned as is; a zero sum stays zero.
func meanNormal(normals []r3.Vector, indices []int) r3.Vector {
	if len(indices) == 1 {
		return normals[indices[0]]
	}
	var sum r3.Vector
	for _, idx := range indices {
		sum = sum.Add(normals[idx])
	}
	if sum.Norm() == 0 {
		return r3.Vector{}
	}
	return sum.Normalize()
}
