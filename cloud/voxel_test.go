package cloud

import (
	"errors"
	"image/color"
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/google/go-cmp/cmp"
)

func unitCubeWithCenter() []r3.Vector {
	var points []r3.Vector
	for _, x := range []float64{0, 1} {
		for _, y := range []float64{0, 1} {
			for _, z := range []float64{0, 1} {
				points = append(points, r3.Vector{X: x, Y: y, Z: z})
			}
		}
	}
	return append(points, r3.Vector{X: 0.5, Y: 0.5, Z: 0.5})
}

func TestVoxelDownsample_CubeCollapsesToCentroid(t *testing.T) {
	c := New(unitCubeWithCenter())

	out, err := VoxelDownsample(c, 2.0)
	if err != nil {
		t.Fatalf("VoxelDownsample error: %v", err)
	}
	if out.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", out.Len())
	}
	assertVecNear(t, "centroid", out.Points[0], r3.Vector{X: 0.5, Y: 0.5, Z: 0.5}, 1e-12)
	if c.Len() != 9 {
		t.Errorf("input was modified: Len() = %d, want 9", c.Len())
	}
}

func TestVoxelDownsample_SmallVoxelsKeepEveryPoint(t *testing.T) {
	c := New(unitCubeWithCenter())

	out, err := VoxelDownsample(c, 0.25)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(c.Points, out.Points); diff != "" {
		t.Errorf("points changed (-want +got):\n%s", diff)
	}
}

func TestVoxelDownsample_Idempotent(t *testing.T) {
	tests := []struct {
		name   string
		points []r3.Vector
		size   float64
	}{
		{"random cube", randomPoints(11, 2000, 10), 0.7},
		{"negative coordinates", randomPoints(12, 500, 3), 0.3},
		{"offset plane", func() []r3.Vector {
			pts := planeGrid(20, 0.13)
			for i := range pts {
				pts[i] = pts[i].Add(r3.Vector{X: -4.05, Y: 17.2, Z: -0.5})
			}
			return pts
		}(), 0.5},
		{"sphere", fibonacciSphere(800, 3), 0.4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			once, err := VoxelDownsample(New(tt.points), tt.size)
			if err != nil {
				t.Fatal(err)
			}
			if once.Len() > len(tt.points) {
				t.Errorf("downsample grew the cloud: %d > %d", once.Len(), len(tt.points))
			}
			twice, err := VoxelDownsample(once, tt.size)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(once, twice); diff != "" {
				t.Errorf("second pass changed the cloud (-once +twice):\n%s", diff)
			}
		})
	}
}

func TestVoxelDownsample_FirstOccupiedOrder(t *testing.T) {
	c := New([]r3.Vector{
		{X: 5.1}, {X: 0.1}, {X: 5.2}, {X: 2.5}, {X: 0.2},
	})
	out, err := VoxelDownsample(c, 1)
	if err != nil {
		t.Fatal(err)
	}
	want := []r3.Vector{{X: 5.15}, {X: 0.15}, {X: 2.5}}
	if out.Len() != len(want) {
		t.Fatalf("Len() = %d, want %d", out.Len(), len(want))
	}
	for i := range want {
		assertVecNear(t, "point", out.Points[i], want[i], 1e-12)
	}
}

func TestVoxelDownsample_AveragesAttributes(t *testing.T) {
	c := New([]r3.Vector{{X: 0.1}, {X: 0.2}, {X: 3}})
	c, _ = c.WithColors([]color.NRGBA{{R: 0, G: 100, B: 200, A: 255}, {R: 100, G: 200, B: 0, A: 255}, {R: 1, G: 2, B: 3, A: 255}})
	c, _ = c.WithIntensity([]float64{10, 20, 7})
	c, _ = c.WithNormals([]r3.Vector{{X: 1}, {Y: 1}, {Z: 1}}, []float64{0.1, 0.3, 0})
	c, _ = c.WithField("range", []float64{2, 4, 9})

	out, err := VoxelDownsample(c, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := out.Validate(); err != nil {
		t.Fatalf("output invalid: %v", err)
	}
	if out.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", out.Len())
	}
	if got := out.Colors[0]; got != (color.NRGBA{R: 50, G: 150, B: 100, A: 255}) {
		t.Errorf("averaged color = %v", got)
	}
	if out.Colors[1] != c.Colors[2] {
		t.Errorf("single-member color = %v, want %v", out.Colors[1], c.Colors[2])
	}
	if out.Intensity[0] != 15 {
		t.Errorf("averaged intensity = %g, want 15", out.Intensity[0])
	}
	s := 1 / math.Sqrt2
	assertVecNear(t, "averaged normal", out.Normals[0], r3.Vector{X: s, Y: s}, 1e-12)
	if math.Abs(out.Curvature[0]-0.2) > 1e-12 {
		t.Errorf("averaged curvature = %g, want 0.2", out.Curvature[0])
	}
	if out.Fields["range"][0] != 3 || out.Fields["range"][1] != 9 {
		t.Errorf("averaged field = %v, want [3 9]", out.Fields["range"])
	}
}

func TestVoxelDownsample_EdgeCases(t *testing.T) {
	t.Run("empty cloud", func(t *testing.T) {
		out, err := VoxelDownsample(New(nil), 1)
		if err != nil {
			t.Fatal(err)
		}
		if !out.Empty() {
			t.Errorf("Len() = %d, want 0", out.Len())
		}
	})

	for _, size := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		t.Run("invalid size", func(t *testing.T) {
			_, err := VoxelDownsample(New(unitCubeWithCenter()), size)
			if !errors.Is(err, ErrInvalidParameter) {
				t.Errorf("size %g: error = %v, want ErrInvalidParameter", size, err)
			}
			var perr *ParameterError
			if !errors.As(err, &perr) || perr.Name != "voxel_size" {
				t.Errorf("size %g: error = %#v, want ParameterError for voxel_size", size, err)
			}
		})
	}

	t.Run("mismatched column", func(t *testing.T) {
		c := New(unitCubeWithCenter())
		c.Intensity = []float64{1}
		if _, err := VoxelDownsample(c, 1); !errors.Is(err, ErrInvalidParameter) {
			t.Errorf("error = %v, want ErrInvalidParameter", err)
		}
	})
}

func TestVoxelGrid(t *testing.T) {
	c := New([]r3.Vector{{X: -0.5, Y: -0.5}, {X: 0.5}, {X: -0.4, Y: -0.1}})
	g, err := NewVoxelGrid(c, 1)
	if err != nil {
		t.Fatal(err)
	}
	if g.Origin != (r3.Vector{X: -1, Y: -1}) {
		t.Errorf("Origin = %v, want (-1, -1, 0)", g.Origin)
	}
	if g.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", g.Len())
	}
	first := g.Keys()[0]
	if diff := cmp.Diff([]int{0, 2}, g.Indices(first)); diff != "" {
		t.Errorf("Indices (-want +got):\n%s", diff)
	}
	box := g.VoxelBox(first)
	for _, idx := range g.Indices(first) {
		if !box.Contains(c.Points[idx]) {
			t.Errorf("VoxelBox %v does not contain member %v", box, c.Points[idx])
		}
	}
	if got := VoxelKeyOf(r3.Vector{X: -0.01}, r3.Vector{}, 1); got != (VoxelKey{I: -1}) {
		t.Errorf("VoxelKeyOf rounds toward zero: %v", got)
	}
}

func TestVoxelDownsample_NonFiniteInput(t *testing.T) {
	c := nonDenseCloud(t)

	_, err := VoxelDownsample(c, 1.0)
	assertRejectsNonFinite(t, err)
	_, err = NewVoxelGrid(c, 1.0)
	assertRejectsNonFinite(t, err)

	out, err := VoxelDownsample(RemoveNonFinite(c), 1.0)
	if err != nil {
		t.Fatalf("VoxelDownsample error: %v", err)
	}
	// x and y each fall into {0, 0.5}, {1, 1.5} and {2}
	if out.Len() != 9 {
		t.Fatalf("Len() = %d, want 9", out.Len())
	}
	for i, p := range out.Points {
		if !finiteVector(p) {
			t.Errorf("point %d = %v is not finite", i, p)
		}
	}
	assertVecNear(t, "first centroid", out.Points[0], r3.Vector{X: 0.25, Y: 0.25}, 1e-12)
}
