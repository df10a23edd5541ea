package cloud

import (
	"fmt"
	"image/color"
	"math"
	"sort"

	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"
)

// Cloud is an ordered set of 3D points with optional per-point attribute
// columns. Every populated column has exactly Len() entries. Processing
// stages never modify a cloud they receive; they return a new one.
type Cloud struct {
	Points    []r3.Vector
	Colors    []color.NRGBA
	Intensity []float64
	Normals   []r3.Vector
	Curvature []float64
	// Fields holds named scalar columns that filters carry along unchanged
	Fields   map[string][]float64
	Metadata Metadata
}

// New creates a cloud owning a copy of points
func New(points []r3.Vector) *Cloud {
	c := NewWithCapacity(len(points))
	c.Points = append(c.Points, points...)
	c.Metadata.Width = len(points)
	return c
}

// NewWithCapacity creates an empty cloud with room for n points
func NewWithCapacity(n int) *Cloud {
	return &Cloud{
		Points:   make([]r3.Vector, 0, n),
		Metadata: DefaultMetadata(),
	}
}

// Add appends a point. Only valid while the cloud has no attribute columns.
func (c *Cloud) Add(p r3.Vector) {
	c.Points = append(c.Points, p)
	c.Metadata.Width = len(c.Points)
	c.Metadata.Height = 1
}

// Len returns the number of points
func (c *Cloud) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Points)
}

// Empty reports whether the cloud has no points
func (c *Cloud) Empty() bool {
	return c.Len() == 0
}

func (c *Cloud) HasColors() bool    { return c.Colors != nil }
func (c *Cloud) HasIntensity() bool { return c.Intensity != nil }
func (c *Cloud) HasNormals() bool   { return c.Normals != nil }
func (c *Cloud) HasCurvature() bool { return c.Curvature != nil }

// FieldNames returns the named scalar columns in sorted order
func (c *Cloud) FieldNames() []string {
	names := make([]string, 0, len(c.Fields))
	for name := range c.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks that every populated column matches the point count
func (c *Cloud) Validate() error {
	n := len(c.Points)
	check := func(name string, got int, present bool) error {
		if present && got != n {
			return paramError("validate cloud", name, got, fmt.Sprintf("column length must equal point count %d", n))
		}
		return nil
	}
	if err := check("colors", len(c.Colors), c.Colors != nil); err != nil {
		return err
	}
	if err := check("intensity", len(c.Intensity), c.Intensity != nil); err != nil {
		return err
	}
	if err := check("normals", len(c.Normals), c.Normals != nil); err != nil {
		return err
	}
	if err := check("curvature", len(c.Curvature), c.Curvature != nil); err != nil {
		return err
	}
	for _, name := range c.FieldNames() {
		if err := check("field "+name, len(c.Fields[name]), true); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy
func (c *Cloud) Clone() *Cloud {
	out := &Cloud{
		Points:    cloneSlice(c.Points),
		Colors:    cloneSlice(c.Colors),
		Intensity: cloneSlice(c.Intensity),
		Normals:   cloneSlice(c.Normals),
		Curvature: cloneSlice(c.Curvature),
		Metadata:  c.Metadata,
	}
	if c.Metadata.SensorOrigin != nil {
		origin := *c.Metadata.SensorOrigin
		out.Metadata.SensorOrigin = &origin
	}
	if c.Fields != nil {
		out.Fields = make(map[string][]float64, len(c.Fields))
		for name, values := range c.Fields {
			out.Fields[name] = cloneSlice(values)
		}
	}
	return out
}

func cloneSlice[T any](s []T) []T {
	if s == nil {
		return nil
	}
	out := make([]T, len(s))
	copy(out, s)
	return out
}

// WithColors returns a copy of the cloud carrying the given colors
func (c *Cloud) WithColors(colors []color.NRGBA) (*Cloud, error) {
	if len(colors) != c.Len() {
		return nil, paramError("with colors", "colors", len(colors), "length must equal point count")
	}
	out := c.Clone()
	out.Colors = cloneSlice(colors)
	return out, nil
}

// WithIntensity returns a copy of the cloud carrying the given intensities
func (c *Cloud) WithIntensity(intensity []float64) (*Cloud, error) {
	if len(intensity) != c.Len() {
		return nil, paramError("with intensity", "intensity", len(intensity), "length must equal point count")
	}
	out := c.Clone()
	out.Intensity = cloneSlice(intensity)
	return out, nil
}

// WithNormals returns a copy of the cloud carrying normals and curvature.
// curvature may be nil.
func (c *Cloud) WithNormals(normals []r3.Vector, curvature []float64) (*Cloud, error) {
	if len(normals) != c.Len() {
		return nil, paramError("with normals", "normals", len(normals), "length must equal point count")
	}
	if curvature != nil && len(curvature) != c.Len() {
		return nil, paramError("with normals", "curvature", len(curvature), "length must equal point count")
	}
	out := c.Clone()
	out.Normals = cloneSlice(normals)
	out.Curvature = cloneSlice(curvature)
	return out, nil
}

// WithField returns a copy of the cloud carrying a named scalar column
func (c *Cloud) WithField(name string, values []float64) (*Cloud, error) {
	if name == "" {
		return nil, paramError("with field", "name", name, "must not be empty")
	}
	if len(values) != c.Len() {
		return nil, paramError("with field", name, len(values), "length must equal point count")
	}
	out := c.Clone()
	if out.Fields == nil {
		out.Fields = make(map[string][]float64)
	}
	out.Fields[name] = cloneSlice(values)
	return out, nil
}

// Select returns a new cloud holding the points at indices, in that order,
// with every attribute column carried along.
func (c *Cloud) Select(indices []int) *Cloud {
	out := &Cloud{
		Points:   make([]r3.Vector, len(indices)),
		Metadata: c.Metadata,
	}
	out.Metadata.Width = len(indices)
	out.Metadata.Height = 1
	if c.Colors != nil {
		out.Colors = make([]color.NRGBA, len(indices))
	}
	if c.Intensity != nil {
		out.Intensity = make([]float64, len(indices))
	}
	if c.Normals != nil {
		out.Normals = make([]r3.Vector, len(indices))
	}
	if c.Curvature != nil {
		out.Curvature = make([]float64, len(indices))
	}
	if c.Fields != nil {
		out.Fields = make(map[string][]float64, len(c.Fields))
		for name := range c.Fields {
			out.Fields[name] = make([]float64, len(indices))
		}
	}

	for i, idx := range indices {
		out.Points[i] = c.Points[idx]
		if c.Colors != nil {
			out.Colors[i] = c.Colors[idx]
		}
		if c.Intensity != nil {
			out.Intensity[i] = c.Intensity[idx]
		}
		if c.Normals != nil {
			out.Normals[i] = c.Normals[idx]
		}
		if c.Curvature != nil {
			out.Curvature[i] = c.Curvature[idx]
		}
		for name, values := range c.Fields {
			out.Fields[name][i] = values[idx]
		}
	}
	return out
}

// Filter keeps the points for which keep returns true, preserving order
func (c *Cloud) Filter(keep func(i int, p r3.Vector) bool) *Cloud {
	indices := make([]int, 0, c.Len())
	for i, p := range c.Points {
		if keep(i, p) {
			indices = append(indices, i)
		}
	}
	return c.Select(indices)
}

// Map returns a copy of the cloud with fn applied to every coordinate.
// Normals are left untouched.
func (c *Cloud) Map(fn func(p r3.Vector) r3.Vector) *Cloud {
	out := c.Clone()
	for i, p := range out.Points {
		out.Points[i] = fn(p)
	}
	return out
}

// Bounds returns the axis-aligned bounding box of the finite points. ok is
// false when the cloud has no finite point.
func (c *Cloud) Bounds() (Box, bool) {
	var b Box
	found := false
	for _, p := range c.Points {
		if !finiteVector(p) {
			continue
		}
		if !found {
			b = Box{Min: p, Max: p}
			found = true
			continue
		}
		b.Min.X = math.Min(b.Min.X, p.X)
		b.Min.Y = math.Min(b.Min.Y, p.Y)
		b.Min.Z = math.Min(b.Min.Z, p.Z)
		b.Max.X = math.Max(b.Max.X, p.X)
		b.Max.Y = math.Max(b.Max.Y, p.Y)
		b.Max.Z = math.Max(b.Max.Z, p.Z)
	}
	return b, found
}

// FirstNonFinite returns the index of the first point with a NaN or infinite
// coordinate, or -1 when every point is finite.
func (c *Cloud) FirstNonFinite() int {
	for i, p := range c.Points {
		if !finiteVector(p) {
			return i
		}
	}
	return -1
}

// RemoveNonFinite drops points with a NaN or infinite coordinate along with
// their attributes and marks the result dense. A cloud that is already finite
// is cloned unchanged, keeping its organized layout.
func RemoveNonFinite(c *Cloud) *Cloud {
	if c.FirstNonFinite() < 0 {
		out := c.Clone()
		out.Metadata.Dense = true
		return out
	}
	out := c.Filter(func(_ int, p r3.Vector) bool { return finiteVector(p) })
	out.Metadata.Dense = true
	return out
}

// requireFinite rejects a cloud holding any non-finite point, naming the first one
func requireFinite(op string, c *Cloud) error {
	if i := c.FirstNonFinite(); i >= 0 {
		return &ParameterError{
			Op:     op,
			Name:   fmt.Sprintf("points[%d]", i),
			Value:  c.Points[i],
			Reason: "coordinates must be finite (see RemoveNonFinite)",
		}
	}
	return nil
}

// Centroid returns the arithmetic mean of all points
func (c *Cloud) Centroid() (r3.Vector, bool) {
	if c.Empty() {
		return r3.Vector{}, false
	}
	return meanOf(c.Points, nil), true
}

// meanOf averages points (or points[indices] when indices is non-nil) as a
// sum followed by a single division.
func meanOf(points []r3.Vector, indices []int) r3.Vector {
	var sum r3.Vector
	if indices == nil {
		for _, p := range points {
			sum = sum.Add(p)
		}
		return sum.Mul(1 / float64(len(points)))
	}
	for _, idx := range indices {
		sum = sum.Add(points[idx])
	}
	return sum.Mul(1 / float64(len(indices)))
}

// Crop keeps the points inside box
func (c *Cloud) Crop(box Box) *Cloud {
	return c.Filter(func(_ int, p r3.Vector) bool {
		return box.Contains(p)
	})
}

// PassThrough keeps the points whose coordinate along axis lies in [min, max]
func (c *Cloud) PassThrough(axis Axis, min, max float64) (*Cloud, error) {
	if axis < AxisX || axis > AxisZ {
		return nil, paramError("pass through", "axis", int(axis), "must be x, y or z")
	}
	if !finite(min) || !finite(max) || min > max {
		return nil, paramError("pass through", "range", [2]float64{min, max}, "min must not exceed max")
	}
	return c.Filter(func(_ int, p r3.Vector) bool {
		v := coord(p, axis)
		return v >= min && v <= max
	}), nil
}

// AxisStats summarises one coordinate axis
type AxisStats struct {
	Mean     float64 `json:"mean"`
	StdDev   float64 `json:"stdDev"`
	Variance float64 `json:"variance"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
}

// Stats holds per-axis population statistics
type Stats struct {
	Count int       `json:"count"`
	X     AxisStats `json:"x"`
	Y     AxisStats `json:"y"`
	Z     AxisStats `json:"z"`
}

// Stats computes per-axis statistics. An empty cloud returns zero stats.
func (c *Cloud) Stats() (Stats, error) {
	s := Stats{Count: c.Len()}
	if c.Empty() {
		return s, nil
	}
	xs := make([]float64, c.Len())
	ys := make([]float64, c.Len())
	zs := make([]float64, c.Len())
	for i, p := range c.Points {
		xs[i], ys[i], zs[i] = p.X, p.Y, p.Z
	}
	var err error
	if s.X, err = axisStats(xs); err != nil {
		return s, fmt.Errorf("x axis: %w", err)
	}
	if s.Y, err = axisStats(ys); err != nil {
		return s, fmt.Errorf("y axis: %w", err)
	}
	if s.Z, err = axisStats(zs); err != nil {
		return s, fmt.Errorf("z axis: %w", err)
	}
	return s, nil
}

func axisStats(values []float64) (AxisStats, error) {
	var a AxisStats
	var err error
	if a.Mean, err = stats.Mean(values); err != nil {
		return a, err
	}
	if a.Variance, err = stats.PopulationVariance(values); err != nil {
		return a, err
	}
	if a.StdDev, err = stats.StandardDeviationPopulation(values); err != nil {
		return a, err
	}
	if a.Min, err = stats.Min(values); err != nil {
		return a, err
	}
	if a.Max, err = stats.Max(values); err != nil {
		return a, err
	}
	return a, nil
}
