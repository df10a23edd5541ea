package cloud

import (
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

func randomSymmetric(rng *rand.Rand) Mat3 {
	var m Mat3
	for i := 0; i < 3; i++ {
		for j := i; j < 3; j++ {
			v := rng.NormFloat64()
			m[i][j], m[j][i] = v, v
		}
	}
	return m
}

func TestSymmetricEigen_AgreesWithGonum(t *testing.T) {
	rng := rand.New(rand.NewSource(41))
	for trial := 0; trial < 200; trial++ {
		m := randomSymmetric(rng)
		values, vectors := SymmetricEigen(m)

		var es mat.EigenSym
		sym := mat.NewSymDense(3, []float64{
			m[0][0], m[0][1], m[0][2],
			m[1][0], m[1][1], m[1][2],
			m[2][0], m[2][1], m[2][2],
		})
		if !es.Factorize(sym, false) {
			t.Fatalf("trial %d: gonum factorization failed", trial)
		}
		want := es.Values(nil)

		for i := 0; i < 3; i++ {
			if math.Abs(values[i]-want[i]) > 1e-10 {
				t.Errorf("trial %d: eigenvalue %d = %g, gonum says %g", trial, i, values[i], want[i])
			}
			// M v = λ v with unit v
			residual := m.MulVec(vectors[i]).Sub(vectors[i].Mul(values[i])).Norm()
			if residual > 1e-10 {
				t.Errorf("trial %d: eigenpair %d residual %g", trial, i, residual)
			}
			if math.Abs(vectors[i].Norm()-1) > 1e-12 {
				t.Errorf("trial %d: eigenvector %d has length %g", trial, i, vectors[i].Norm())
			}
		}
		if values[0] > values[1] || values[1] > values[2] {
			t.Errorf("trial %d: eigenvalues not ascending: %v", trial, values)
		}
	}
}

func TestSymmetricEigen_Degenerate(t *testing.T) {
	t.Run("zero matrix", func(t *testing.T) {
		values, vectors := SymmetricEigen(Mat3{})
		if values != [3]float64{} {
			t.Errorf("values = %v, want zeros", values)
		}
		for i, v := range vectors {
			if math.Abs(v.Norm()-1) > 1e-12 {
				t.Errorf("vector %d = %v, want unit length", i, v)
			}
		}
	})

	t.Run("diagonal keeps axes", func(t *testing.T) {
		values, vectors := SymmetricEigen(Mat3{{3, 0, 0}, {0, 1, 0}, {0, 0, 2}})
		if values != [3]float64{1, 2, 3} {
			t.Errorf("values = %v, want [1 2 3]", values)
		}
		want := [3]r3.Vector{{Y: 1}, {Z: 1}, {X: 1}}
		if vectors != want {
			t.Errorf("vectors = %v, want %v", vectors, want)
		}
	})

	t.Run("repeated eigenvalue", func(t *testing.T) {
		values, _ := SymmetricEigen(Mat3{{2, 0, 0}, {0, 2, 0}, {0, 0, 2}})
		if values != [3]float64{2, 2, 2} {
			t.Errorf("values = %v, want [2 2 2]", values)
		}
	})
}

func TestComputeNeighborhood(t *testing.T) {
	points := []r3.Vector{{X: 0}, {X: 1}, {Y: 1}, {X: 1, Y: 1}, {Z: 9}}
	tree := BuildIndex(points)
	neighbors, err := tree.RadiusSearch(r3.Vector{}, 1.5)
	if err != nil {
		t.Fatal(err)
	}

	s := ComputeNeighborhood(points, neighbors)
	if s.Count != 4 {
		t.Fatalf("Count = %d, want 4", s.Count)
	}
	assertVecNear(t, "Centroid", s.Centroid, r3.Vector{X: 0.5, Y: 0.5}, 1e-12)

	wantMean := (0 + 1 + 1 + math.Sqrt2) / 4
	if math.Abs(s.MeanDistance-wantMean) > 1e-12 {
		t.Errorf("MeanDistance = %g, want %g", s.MeanDistance, wantMean)
	}
	if s.DistanceVariance <= 0 {
		t.Errorf("DistanceVariance = %g, want > 0", s.DistanceVariance)
	}
	if math.Abs(s.Covariance[0][0]-0.25) > 1e-12 || math.Abs(s.Covariance[1][1]-0.25) > 1e-12 {
		t.Errorf("Covariance = %v, want 0.25 on x and y", s.Covariance)
	}
	assertVecNear(t, "Normal", s.Normal, r3.Vector{Z: 1}, 1e-12)
	if s.Curvature != 0 {
		t.Errorf("Curvature = %g, want 0", s.Curvature)
	}

	if empty := ComputeNeighborhood(points, nil); empty.Count != 0 || empty.Normal != (r3.Vector{}) {
		t.Errorf("empty neighborhood = %+v, want zero value", empty)
	}
}
