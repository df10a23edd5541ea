package cloud

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
)

// fibonacciSphere spreads n points evenly over a sphere of the given radius
func fibonacciSphere(n int, radius float64) []r3.Vector {
	golden := math.Pi * (3 - math.Sqrt(5))
	points := make([]r3.Vector, n)
	for i := range points {
		y := 1 - 2*(float64(i)+0.5)/float64(n)
		r := math.Sqrt(1 - y*y)
		theta := golden * float64(i)
		points[i] = r3.Vector{X: r * math.Cos(theta), Y: y, Z: r * math.Sin(theta)}.Mul(radius)
	}
	return points
}

// planeGrid returns an n x n grid with the given spacing on z = 0
func planeGrid(n int, spacing float64) []r3.Vector {
	points := make([]r3.Vector, 0, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			points = append(points, r3.Vector{X: float64(i) * spacing, Y: float64(j) * spacing})
		}
	}
	return points
}

// randomPoints returns n reproducible points in [-scale, scale)^3
func randomPoints(seed int64, n int, scale float64) []r3.Vector {
	rng := rand.New(rand.NewSource(seed))
	points := make([]r3.Vector, n)
	for i := range points {
		points[i] = r3.Vector{
			X: (rng.Float64()*2 - 1) * scale,
			Y: (rng.Float64()*2 - 1) * scale,
			Z: (rng.Float64()*2 - 1) * scale,
		}
	}
	return points
}

func vecNear(a, b r3.Vector, tol float64) bool {
	return a.Sub(b).Norm() <= tol
}

func assertVecNear(t *testing.T, name string, got, want r3.Vector, tol float64) {
	t.Helper()
	if !vecNear(got, want, tol) {
		t.Errorf("%s = %v, want %v (tol %g)", name, got, want, tol)
	}
}

// nonDenseCloud is a 5 x 5 grid with spacing 0.5 plus a NaN point at index 3
// and an infinite one at index 10, as a non-dense sensor scan would load.
// Intensity holds each point's original index.
func nonDenseCloud(t *testing.T) *Cloud {
	t.Helper()
	points := planeGrid(5, 0.5)
	points = append(points[:3], append([]r3.Vector{{X: math.NaN(), Y: math.NaN(), Z: math.NaN()}}, points[3:]...)...)
	points = append(points[:10], append([]r3.Vector{{X: math.Inf(1)}}, points[10:]...)...)
	c := New(points)
	c.Metadata.Dense = false
	intensity := make([]float64, len(points))
	for i := range intensity {
		intensity[i] = float64(i)
	}
	out, err := c.WithIntensity(intensity)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

// assertRejectsNonFinite checks err is a ParameterError naming points[3]
func assertRejectsNonFinite(t *testing.T, err error) {
	t.Helper()
	var pe *ParameterError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want *ParameterError", err)
	}
	if pe.Name != "points[3]" {
		t.Errorf("ParameterError.Name = %q, want points[3]", pe.Name)
	}
	if !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("error %v does not unwrap to ErrInvalidParameter", err)
	}
}
