package cloud

import (
	"math"

	"github.com/golang/geo/r3"
)

// NeighborhoodStats summarises the geometry of one query's neighbor set.
// It is a transient result and is not stored on the cloud.
type NeighborhoodStats struct {
	Count            int
	MeanDistance     float64
	DistanceVariance float64
	Centroid         r3.Vector
	Covariance       Mat3
	// Eigenvalues are ascending, Eigenvectors[i] belongs to Eigenvalues[i]
	Eigenvalues  [3]float64
	Eigenvectors [3]r3.Vector
	// Normal is the eigenvector of the smallest eigenvalue
	Normal r3.Vector
	// Curvature is λ0 / (λ0 + λ1 + λ2), zero for a degenerate neighborhood
	Curvature float64
}

// ComputeNeighborhood derives distance statistics, covariance and the
// principal directions of the neighbor set. Distances are taken from the
// neighbors as returned by the index for the query point.
func ComputeNeighborhood(points []r3.Vector, neighbors []Neighbor) NeighborhoodStats {
	s := NeighborhoodStats{Count: len(neighbors)}
	if len(neighbors) == 0 {
		return s
	}
	s.MeanDistance, s.DistanceVariance = distanceMoments(neighbors)

	indices := make([]int, len(neighbors))
	for i, nb := range neighbors {
		indices[i] = nb.Index
	}
	s.Centroid = meanOf(points, indices)
	s.Covariance = covariance(points, indices, s.Centroid)
	s.Eigenvalues, s.Eigenvectors = SymmetricEigen(s.Covariance)
	s.Normal = s.Eigenvectors[0]
	s.Curvature = surfaceVariation(s.Eigenvalues)
	return s
}

// distanceMoments returns the mean and population variance of neighbor distances
func distanceMoments(neighbors []Neighbor) (mean, variance float64) {
	n := float64(len(neighbors))
	var sum float64
	for _, nb := range neighbors {
		sum += nb.Distance
	}
	mean = sum / n
	var sq float64
	for _, nb := range neighbors {
		d := nb.Distance - mean
		sq += d * d
	}
	return mean, sq / n
}

// covariance is the population covariance of points[indices] about centroid
func covariance(points []r3.Vector, indices []int, centroid r3.Vector) Mat3 {
	var xx, xy, xz, yy, yz, zz float64
	for _, idx := range indices {
		d := points[idx].Sub(centroid)
		xx += d.X * d.X
		xy += d.X * d.Y
		xz += d.X * d.Z
		yy += d.Y * d.Y
		yz += d.Y * d.Z
		zz += d.Z * d.Z
	}
	n := float64(len(indices))
	xx, xy, xz, yy, yz, zz = xx/n, xy/n, xz/n, yy/n, yz/n, zz/n
	return Mat3{
		{xx, xy, xz},
		{xy, yy, yz},
		{xz, yz, zz},
	}
}

func surfaceVariation(values [3]float64) float64 {
	l0 := math.Max(values[0], 0)
	total := l0 + math.Max(values[1], 0) + math.Max(values[2], 0)
	if total <= 0 {
		return 0
	}
	return l0 / total
}
