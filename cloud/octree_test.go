package cloud

import (
	"errors"
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/google/go-cmp/cmp"
)

func TestOctree_RadiusSearchMatchesKDTree(t *testing.T) {
	points := randomPoints(11, 600, 4)
	oct, err := BuildOctree(points)
	if err != nil {
		t.Fatalf("BuildOctree error: %v", err)
	}
	tree := BuildIndex(points)
	if oct.Len() != len(points) {
		t.Fatalf("Len() = %d, want %d", oct.Len(), len(points))
	}
	if oct.Depth() == 0 {
		t.Error("600 points should split the root")
	}

	for _, r := range []float64{0, 0.1, 0.75, 2, 20} {
		for _, q := range append(randomPoints(12, 20, 5), points[0], points[599]) {
			got, err := oct.RadiusSearch(q, r)
			if err != nil {
				t.Fatal(err)
			}
			want := bruteRadius(points, q, r)
			if len(got) != len(want) {
				t.Fatalf("r=%g: got %d points, want %d", r, len(got), len(want))
			}
			kd, _ := tree.RadiusSearch(q, r)
			if diff := cmp.Diff(kd, got); diff != "" {
				t.Errorf("r=%g q=%v: octree differs from k-d tree (-kd +octree):\n%s", r, q, diff)
			}
		}
	}
}

func TestOctree_SmallScene(t *testing.T) {
	oct, err := BuildOctree([]r3.Vector{{}, {X: 0.1, Y: 0.1, Z: 0.1}, {X: 10, Y: 10, Z: 10}})
	if err != nil {
		t.Fatal(err)
	}
	got, err := oct.RadiusSearch(r3.Vector{}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Index != 0 || got[1].Index != 1 {
		t.Errorf("RadiusSearch = %v, want indices 0 and 1", got)
	}
	b := oct.Bounds()
	if !b.Contains(r3.Vector{X: -0.005}) || b.Contains(r3.Vector{X: -0.5}) {
		t.Errorf("Bounds() = %v, want padded by %g", b, octreePadding)
	}
}

func TestOctree_Insert(t *testing.T) {
	oct, err := NewOctree(Box{Max: r3.Vector{X: 4, Y: 4, Z: 4}}, 3, 2)
	if err != nil {
		t.Fatal(err)
	}
	for i, p := range planeGrid(5, 1) {
		idx, err := oct.Insert(p)
		if err != nil {
			t.Fatalf("Insert(%v) error: %v", p, err)
		}
		if idx != i {
			t.Errorf("Insert returned %d, want %d", idx, i)
		}
	}
	if d := oct.Depth(); d < 1 || d > 3 {
		t.Errorf("Depth() = %d, want within 1..3", d)
	}
	// the corner (4, 4, 0) sits on the upper boundary
	got, err := oct.RadiusSearch(r3.Vector{X: 4, Y: 4}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Index != 24 {
		t.Errorf("corner search = %v, want index 24", got)
	}

	for _, p := range []r3.Vector{{X: 5}, {Y: -0.1}, {Z: math.NaN()}} {
		if _, err := oct.Insert(p); !errors.Is(err, ErrInvalidParameter) {
			t.Errorf("Insert(%v) error = %v, want ErrInvalidParameter", p, err)
		}
	}
	if oct.Len() != 25 {
		t.Errorf("rejected inserts changed Len() to %d", oct.Len())
	}
}

func TestOctree_CoincidentPointsStopAtDepthLimit(t *testing.T) {
	oct, err := NewOctree(Box{Max: r3.Vector{X: 1, Y: 1, Z: 1}}, 4, 1)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 50; i++ {
		if _, err := oct.Insert(r3.Vector{X: 0.3, Y: 0.3, Z: 0.3}); err != nil {
			t.Fatal(err)
		}
	}
	if d := oct.Depth(); d != 4 {
		t.Errorf("Depth() = %d, want 4", d)
	}
	got, _ := oct.RadiusSearch(r3.Vector{X: 0.3, Y: 0.3, Z: 0.3}, 0)
	if len(got) != 50 {
		t.Fatalf("got %d coincident points, want 50", len(got))
	}
	for i, nb := range got {
		if nb.Index != i {
			t.Errorf("tie order: position %d holds index %d", i, nb.Index)
		}
	}
}

func TestOctree_Errors(t *testing.T) {
	empty, err := BuildOctree(nil)
	if err != nil {
		t.Fatal(err)
	}
	one, _ := BuildOctree([]r3.Vector{{X: 1}})

	tests := []struct {
		name string
		call func() error
		want error
	}{
		{"radius on empty octree", func() error { _, err := empty.RadiusSearch(r3.Vector{}, 1); return err }, ErrEmptyIndex},
		{"negative radius", func() error { _, err := one.RadiusSearch(r3.Vector{}, -1); return err }, ErrInvalidQuery},
		{"NaN query", func() error { _, err := one.RadiusSearch(r3.Vector{X: math.NaN()}, 1); return err }, ErrInvalidQuery},
		{"non-finite build", func() error { _, err := BuildOctree([]r3.Vector{{}, {Y: math.Inf(-1)}}); return err }, ErrInvalidParameter},
		{"inverted bounds", func() error { _, err := NewOctree(Box{Min: r3.Vector{X: 1}}, 8, 10); return err }, ErrInvalidParameter},
		{"negative depth", func() error { _, err := NewOctree(Box{}, -1, 10); return err }, ErrInvalidParameter},
		{"zero leaf size", func() error { _, err := NewOctree(Box{}, 8, 0); return err }, ErrInvalidParameter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRadiusOperations_IndependentOfIndex(t *testing.T) {
	c := New(append(fibonacciSphere(300, 1), r3.Vector{X: 9}, r3.Vector{Y: -9}))

	kdOut, err := RemoveRadiusOutliers(c, 0.3, 3)
	if err != nil {
		t.Fatal(err)
	}
	octOut, err := RemoveRadiusOutliers(c, 0.3, 3, WithIndex(IndexOctree))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(kdOut, octOut); diff != "" {
		t.Errorf("radius outliers differ by index (-kdtree +octree):\n%s", diff)
	}

	kdNormals, err := EstimateNormals(kdOut, 0.4)
	if err != nil {
		t.Fatal(err)
	}
	octNormals, err := EstimateNormals(kdOut, 0.4, WithIndex(IndexOctree))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(kdNormals, octNormals); diff != "" {
		t.Errorf("normals differ by index (-kdtree +octree):\n%s", diff)
	}
}

func TestParseIndexKind(t *testing.T) {
	for in, want := range map[string]IndexKind{"": IndexKDTree, "kdtree": IndexKDTree, "octree": IndexOctree} {
		got, err := ParseIndexKind(in)
		if err != nil || got != want {
			t.Errorf("ParseIndexKind(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseIndexKind("ball"); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("ParseIndexKind(ball) error = %v", err)
	}
}
