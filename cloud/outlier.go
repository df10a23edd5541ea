package cloud

import (
	"gonum.org/v1/gonum/stat"
)

// MeanNeighborDistances returns, for every point, the mean distance to its k
// nearest neighbors excluding the point itself.
func MeanNeighborDistances(c *Cloud, k int, opts ...Option) ([]float64, error) {
	const op = "mean neighbor distances"
	if k < 1 {
		return nil, paramError(op, "k", k, "must be at least 1")
	}
	if c.Len() < k+1 {
		return nil, &InsufficientPointsError{Op: op, Have: c.Len(), Need: k + 1}
	}
	if err := requireFinite(op, c); err != nil {
		return nil, err
	}
	o := applyOptions(opts)
	return meanNeighborDistances(c.Index(), k, o.workers)
}

func meanNeighborDistances(tree *KDTree, k, workers int) ([]float64, error) {
	means := make([]float64, tree.Len())
	err := parallelFor(tree.Len(), workers, func(i int) error {
		neighbors, err := tree.KNearest(tree.Point(i), k+1)
		if err != nil {
			return err
		}
		var sum float64
		used := 0
		for _, nb := range neighbors {
			if nb.Index == i || used == k {
				continue
			}
			sum += nb.Distance
			used++
		}
		means[i] = sum / float64(used)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return means, nil
}

// OutlierReport describes the statistics behind a statistical outlier pass
type OutlierReport struct {
	Mean      float64 `json:"mean"`
	StdDev    float64 `json:"stdDev"`
	Threshold float64 `json:"threshold"`
	Removed   []int   `json:"removed"`
}

// RemoveOutliers drops points whose mean distance to their k nearest
// neighbors exceeds μ + stdDevMul·σ of that measure over the whole cloud.
// Retained points keep their relative order.
func RemoveOutliers(c *Cloud, k int, stdDevMul float64, opts ...Option) (*Cloud, error) {
	out, _, err := RemoveOutliersReport(c, k, stdDevMul, opts...)
	return out, err
}

// RemoveOutliersReport is RemoveOutliers returning the computed statistics as well
func RemoveOutliersReport(c *Cloud, k int, stdDevMul float64, opts ...Option) (*Cloud, OutlierReport, error) {
	const op = "remove outliers"
	var report OutlierReport
	if k < 1 {
		return nil, report, paramError(op, "k", k, "must be at least 1")
	}
	if !finite(stdDevMul) || stdDevMul <= 0 {
		return nil, report, paramError(op, "std_dev_multiplier", stdDevMul, "must be a positive finite number")
	}
	if c.Len() < k+1 {
		return nil, report, &InsufficientPointsError{Op: op, Have: c.Len(), Need: k + 1}
	}
	if err := c.Validate(); err != nil {
		return nil, report, err
	}
	if err := requireFinite(op, c); err != nil {
		return nil, report, err
	}
	o := applyOptions(opts)

	// pass 1: independent per-point means over the shared read-only index
	means, err := meanNeighborDistances(c.Index(), k, o.workers)
	if err != nil {
		return nil, report, err
	}

	// pass 2: single reduction in index order
	report.Mean, report.StdDev = stat.PopMeanStdDev(means, nil)
	report.Threshold = report.Mean + stdDevMul*report.StdDev

	keep := make([]int, 0, len(means))
	for i, m := range means {
		if m <= report.Threshold {
			keep = append(keep, i)
		} else {
			report.Removed = append(report.Removed, i)
		}
	}
	log().Debugf("[PIPELINE] outlier removal k=%d mul=%g mean=%.6g std=%.6g: %d -> %d points",
		k, stdDevMul, report.Mean, report.StdDev, c.Len(), len(keep))
	return c.Select(keep), report, nil
}

// RemoveRadiusOutliers keeps the points that have at least minNeighbors other
// points within radius.
func RemoveRadiusOutliers(c *Cloud, radius float64, minNeighbors int, opts ...Option) (*Cloud, error) {
	const op = "remove radius outliers"
	if !finite(radius) || radius <= 0 {
		return nil, paramError(op, "radius", radius, "must be a positive finite number")
	}
	if minNeighbors < 1 {
		return nil, paramError(op, "min_neighbors", minNeighbors, "must be at least 1")
	}
	if c.Empty() {
		return c.Clone(), nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if err := requireFinite(op, c); err != nil {
		return nil, err
	}
	o := applyOptions(opts)

	tree, err := o.radiusIndex(c)
	if err != nil {
		return nil, err
	}
	counts := make([]int, c.Len())
	err = parallelFor(c.Len(), o.workers, func(i int) error {
		neighbors, err := tree.RadiusSearch(c.Points[i], radius)
		if err != nil {
			return err
		}
		// the point itself is always within radius
		counts[i] = len(neighbors) - 1
		return nil
	})
	if err != nil {
		return nil, err
	}

	keep := make([]int, 0, c.Len())
	for i, n := range counts {
		if n >= minNeighbors {
			keep = append(keep, i)
		}
	}
	log().Debugf("[PIPELINE] radius outlier removal r=%g min=%d: %d -> %d points",
		radius, minNeighbors, c.Len(), len(keep))
	return c.Select(keep), nil
}
