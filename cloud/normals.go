package cloud

import (
	"github.com/golang/geo/r3"
)

// minPlaneNeighbors is the smallest neighborhood that defines a plane
const minPlaneNeighbors = 3

// NormalReport lists points whose normal could not be estimated
type NormalReport struct {
	Skipped []int `json:"skipped"`
}

// EstimateNormals annotates every point with a surface normal and curvature
// computed from the neighbors within radius (the point itself included).
func EstimateNormals(c *Cloud, radius float64, opts ...Option) (*Cloud, error) {
	out, _, err := EstimateNormalsReport(c, radius, opts...)
	return out, err
}

// EstimateNormalsReport is EstimateNormals returning the skipped points as well.
//
// Normals are oriented toward the viewpoint given by WithViewpoint or the
// cloud's sensor origin. Without one they point away from the cloud centroid;
// this is a convention, not a consistent surface orientation.
func EstimateNormalsReport(c *Cloud, radius float64, opts ...Option) (*Cloud, NormalReport, error) {
	var report NormalReport
	if !finite(radius) || radius <= 0 {
		return nil, report, paramError("estimate normals", "radius", radius, "must be a positive finite number")
	}
	if err := c.Validate(); err != nil {
		return nil, report, err
	}
	if err := requireFinite("estimate normals", c); err != nil {
		return nil, report, err
	}
	o := applyOptions(opts)

	out := c.Clone()
	out.Normals = make([]r3.Vector, c.Len())
	out.Curvature = make([]float64, c.Len())
	if c.Empty() {
		return out, report, nil
	}

	viewpoint := o.viewpoint
	if viewpoint == nil {
		viewpoint = c.Metadata.SensorOrigin
	}
	centroid, _ := c.Centroid()

	tree, err := o.radiusIndex(c)
	if err != nil {
		return nil, report, err
	}
	skipped := make([]bool, c.Len())
	err = parallelFor(c.Len(), o.workers, func(i int) error {
		p := c.Points[i]
		neighbors, err := tree.RadiusSearch(p, radius)
		if err != nil {
			return err
		}
		if len(neighbors) < minPlaneNeighbors {
			if o.policy == AbortOnInsufficient {
				return &InsufficientNeighborsError{Index: i, Have: len(neighbors), Need: minPlaneNeighbors}
			}
			skipped[i] = true
			return nil
		}

		s := ComputeNeighborhood(c.Points, neighbors)
		out.Normals[i] = orientNormal(s.Normal, p, centroid, viewpoint)
		out.Curvature[i] = s.Curvature
		return nil
	})
	if err != nil {
		return nil, report, err
	}

	for i, skip := range skipped {
		if skip {
			report.Skipped = append(report.Skipped, i)
		}
	}
	if len(report.Skipped) > 0 {
		log().Debugf("[PIPELINE] normal estimation r=%g: %d of %d points lack %d neighbors",
			radius, len(report.Skipped), c.Len(), minPlaneNeighbors)
	}
	return out, report, nil
}

// orientNormal flips n to face viewpoint, or away from centroid when no
// viewpoint is known. A zero reference direction leaves n unchanged.
func orientNormal(n, p, centroid r3.Vector, viewpoint *r3.Vector) r3.Vector {
	if viewpoint != nil {
		if n.Dot(viewpoint.Sub(p)) < 0 {
			return n.Mul(-1)
		}
		return n
	}
	if n.Dot(p.Sub(centroid)) < 0 {
		return n.Mul(-1)
	}
	return n
}
