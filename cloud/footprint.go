package cloud

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/simplify"
)

// Footprint is the XY convex hull of a cloud, the ground area it covers
type Footprint struct {
	Hull      orb.Ring  `json:"hull"` // closed, counter-clockwise
	Area      float64   `json:"area"`
	Perimeter float64   `json:"perimeter"`
	Bound     orb.Bound `json:"bound"`
	MinZ      float64   `json:"minZ"`
	MaxZ      float64   `json:"maxZ"`
}

// ComputeFootprint projects c onto the XY plane and returns its convex hull.
// Fewer than three points, or all points collinear in XY, is an
// InsufficientPointsError.
func ComputeFootprint(c *Cloud) (*Footprint, error) {
	if c.Len() < 3 {
		return nil, &InsufficientPointsError{Op: "footprint", Have: c.Len(), Need: 3}
	}

	pts := make([]orb.Point, len(c.Points))
	for i, p := range c.Points {
		pts[i] = orb.Point{p.X, p.Y}
	}
	hull := convexHull(pts)
	if len(hull) < 3 {
		return nil, &InsufficientPointsError{Op: "footprint", Have: len(hull), Need: 3}
	}

	ring := make(orb.Ring, 0, len(hull)+1)
	ring = append(ring, hull...)
	ring = append(ring, hull[0])

	box, _ := c.Bounds()
	return &Footprint{
		Hull:      ring,
		Area:      math.Abs(planar.Area(ring)),
		Perimeter: planar.Length(ring),
		Bound:     ring.Bound(),
		MinZ:      box.Min.Z,
		MaxZ:      box.Max.Z,
	}, nil
}

// Simplify returns a copy of the footprint whose hull is reduced with
// Douglas-Peucker at the given tolerance. Area and perimeter are recomputed.
func (f *Footprint) Simplify(tolerance float64) *Footprint {
	out := *f
	simplified, ok := simplify.DouglasPeucker(tolerance).Simplify(f.Hull.Clone()).(orb.Ring)
	if !ok || len(simplified) < 4 {
		out.Hull = f.Hull.Clone()
		return &out
	}
	out.Hull = simplified
	out.Area = math.Abs(planar.Area(simplified))
	out.Perimeter = planar.Length(simplified)
	return &out
}

// Feature returns the footprint as a GeoJSON polygon feature
func (f *Footprint) Feature(sensorID string) *geojson.Feature {
	feat := geojson.NewFeature(orb.Polygon{f.Hull})
	feat.Properties["sensorId"] = sensorID
	feat.Properties["area"] = f.Area
	feat.Properties["perimeter"] = f.Perimeter
	feat.Properties["minZ"] = f.MinZ
	feat.Properties["maxZ"] = f.MaxZ
	return feat
}

// FootprintCollection builds a GeoJSON FeatureCollection with one footprint
// per cloud, in sensor ID order. Clouds too small for a hull are skipped.
func FootprintCollection(clouds map[string]*Cloud, tolerance float64) *geojson.FeatureCollection {
	ids := make([]string, 0, len(clouds))
	for id := range clouds {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fc := geojson.NewFeatureCollection()
	for _, id := range ids {
		fp, err := ComputeFootprint(clouds[id])
		if err != nil {
			log().Debugf("[FOOTPRINT] skipping %s: %v", id, err)
			continue
		}
		if tolerance > 0 {
			fp = fp.Simplify(tolerance)
		}
		fc.Append(fp.Feature(id))
	}
	return fc
}

// convexHull computes the convex hull of 2D points with Andrew's monotone
// chain. Points come back counter-clockwise without the closing point;
// collinear points are dropped.
func convexHull(points []orb.Point) []orb.Point {
	if len(points) < 3 {
		result := make([]orb.Point, len(points))
		copy(result, points)
		return result
	}

	sorted := make([]orb.Point, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i][0] != sorted[j][0] {
			return sorted[i][0] < sorted[j][0]
		}
		return sorted[i][1] < sorted[j][1]
	})

	// cross product of OA and OB
	cross := func(o, a, b orb.Point) float64 {
		return (a[0]-o[0])*(b[1]-o[1]) - (a[1]-o[1])*(b[0]-o[0])
	}

	n := len(sorted)
	hull := make([]orb.Point, 0, 2*n)

	for _, p := range sorted {
		for len(hull) >= 2 && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}

	lower := len(hull) + 1
	for i := n - 2; i >= 0; i-- {
		p := sorted[i]
		for len(hull) >= lower && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}

	return hull[:len(hull)-1]
}
