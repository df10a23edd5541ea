package cloud

import (
	"errors"
	"math"
	"testing"

	"github.com/golang/geo/r3"
)

func TestEstimateNormals_Plane(t *testing.T) {
	c := New(planeGrid(10, 1))

	out, report, err := EstimateNormalsReport(c, 1.5)
	if err != nil {
		t.Fatalf("EstimateNormals error: %v", err)
	}
	if len(report.Skipped) != 0 {
		t.Errorf("Skipped = %v, want none", report.Skipped)
	}
	if !out.HasNormals() || !out.HasCurvature() {
		t.Fatal("output is missing normals or curvature")
	}
	if c.HasNormals() {
		t.Error("input cloud was modified")
	}
	for i, n := range out.Normals {
		if math.Abs(math.Abs(n.Z)-1) > 1e-9 || math.Abs(n.X) > 1e-9 || math.Abs(n.Y) > 1e-9 {
			t.Errorf("point %d: normal %v, want (0, 0, ±1)", i, n)
		}
		if out.Curvature[i] > 1e-12 {
			t.Errorf("point %d: curvature %g, want 0 on a plane", i, out.Curvature[i])
		}
	}
}

func TestEstimateNormals_TiltedPlane(t *testing.T) {
	points := planeGrid(12, 0.5)
	for i, p := range points {
		points[i].Z = 0.5*p.X + 0.2*p.Y
	}
	want := r3.Vector{X: -0.5, Y: -0.2, Z: 1}.Normalize()

	out, err := EstimateNormals(New(points), 0.8)
	if err != nil {
		t.Fatal(err)
	}
	for i, n := range out.Normals {
		if math.Abs(math.Abs(n.Dot(want))-1) > 1e-9 {
			t.Errorf("point %d: normal %v not parallel to %v", i, n, want)
		}
		if math.Abs(n.Norm()-1) > 1e-12 {
			t.Errorf("point %d: normal length %g, want 1", i, n.Norm())
		}
	}
}

func TestEstimateNormals_Orientation(t *testing.T) {
	t.Run("explicit viewpoint", func(t *testing.T) {
		out, err := EstimateNormals(New(planeGrid(5, 1)), 1.5, WithViewpoint(r3.Vector{X: 2, Y: 2, Z: -10}))
		if err != nil {
			t.Fatal(err)
		}
		for _, n := range out.Normals {
			assertVecNear(t, "normal", n, r3.Vector{Z: -1}, 1e-9)
		}
	})

	t.Run("sensor origin", func(t *testing.T) {
		c := New(planeGrid(5, 1))
		c.Metadata.SensorOrigin = &r3.Vector{Z: 3}
		out, err := EstimateNormals(c, 1.5)
		if err != nil {
			t.Fatal(err)
		}
		for _, n := range out.Normals {
			assertVecNear(t, "normal", n, r3.Vector{Z: 1}, 1e-9)
		}
	})

	t.Run("away from centroid", func(t *testing.T) {
		c := New(fibonacciSphere(400, 2))
		out, err := EstimateNormals(c, 0.6)
		if err != nil {
			t.Fatal(err)
		}
		for i, n := range out.Normals {
			if n.Dot(c.Points[i]) <= 0 {
				t.Errorf("point %d: normal %v points inward", i, n)
			}
			if out.Curvature[i] <= 0 {
				t.Errorf("point %d: curvature %g, want > 0 on a sphere", i, out.Curvature[i])
			}
		}
	})
}

func TestEstimateNormals_Policies(t *testing.T) {
	points := append(planeGrid(4, 1), r3.Vector{X: 50, Y: 50})
	isolated := len(points) - 1

	t.Run("skip", func(t *testing.T) {
		out, report, err := EstimateNormalsReport(New(points), 1.5, WithNormalPolicy(SkipInsufficient))
		if err != nil {
			t.Fatal(err)
		}
		if len(report.Skipped) != 1 || report.Skipped[0] != isolated {
			t.Errorf("Skipped = %v, want [%d]", report.Skipped, isolated)
		}
		if out.Normals[isolated] != (r3.Vector{}) || out.Curvature[isolated] != 0 {
			t.Errorf("skipped point got normal %v curvature %g, want zero", out.Normals[isolated], out.Curvature[isolated])
		}
	})

	t.Run("abort", func(t *testing.T) {
		_, err := EstimateNormals(New(points), 1.5, WithNormalPolicy(AbortOnInsufficient))
		if !errors.Is(err, ErrInsufficientNeighbors) {
			t.Fatalf("error = %v, want ErrInsufficientNeighbors", err)
		}
		var nerr *InsufficientNeighborsError
		if !errors.As(err, &nerr) {
			t.Fatalf("error %T is not an InsufficientNeighborsError", err)
		}
		if nerr.Index != isolated || nerr.Have != 1 || nerr.Need != 3 {
			t.Errorf("error = %+v, want index %d have 1 need 3", nerr, isolated)
		}
	})

	t.Run("abort reports lowest index across workers", func(t *testing.T) {
		sparse := randomPoints(31, 1000, 1000)
		_, err := EstimateNormals(New(sparse), 0.001, WithNormalPolicy(AbortOnInsufficient), WithWorkers(8))
		var nerr *InsufficientNeighborsError
		if !errors.As(err, &nerr) || nerr.Index != 0 {
			t.Errorf("error = %v, want point 0", err)
		}
	})
}

func TestEstimateNormals_EdgeCases(t *testing.T) {
	out, err := EstimateNormals(New(nil), 1)
	if err != nil {
		t.Fatalf("empty cloud error: %v", err)
	}
	if !out.Empty() || !out.HasNormals() {
		t.Errorf("empty cloud: Len %d HasNormals %v", out.Len(), out.HasNormals())
	}

	for _, r := range []float64{0, -1, math.Inf(1), math.NaN()} {
		if _, err := EstimateNormals(New(planeGrid(3, 1)), r); !errors.Is(err, ErrInvalidParameter) {
			t.Errorf("radius %g: error = %v, want ErrInvalidParameter", r, err)
		}
	}
}

func TestParseNormalPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    NormalPolicy
		wantErr bool
	}{
		{"", SkipInsufficient, false},
		{"skip", SkipInsufficient, false},
		{"abort", AbortOnInsufficient, false},
		{"fail", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseNormalPolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseNormalPolicy(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseNormalPolicy(%q) = %v, want %v", tt.in, got, tt.want)
		}
		if !tt.wantErr && tt.in != "" && got.String() != tt.in {
			t.Errorf("String() = %q, want %q", got.String(), tt.in)
		}
	}
}

func TestEstimateNormals_NonFiniteInput(t *testing.T) {
	c := nonDenseCloud(t)

	for _, policy := range []NormalPolicy{SkipInsufficient, AbortOnInsufficient} {
		_, err := EstimateNormals(c, 0.8, WithNormalPolicy(policy))
		assertRejectsNonFinite(t, err)
		if errors.Is(err, ErrInvalidQuery) {
			t.Errorf("policy %v: error %v surfaced from a query", policy, err)
		}
	}

	out, report, err := EstimateNormalsReport(RemoveNonFinite(c), 0.8)
	if err != nil {
		t.Fatalf("EstimateNormals error: %v", err)
	}
	if len(report.Skipped) != 0 || out.Len() != 25 {
		t.Errorf("got %d points, skipped %v; want 25 and none", out.Len(), report.Skipped)
	}
}
