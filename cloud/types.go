package cloud

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
)

// Axis selects a coordinate axis
type Axis int

const (
	AxisX Axis = iota
	AxisY
	AxisZ
)

func (a Axis) String() string {
	switch a {
	case AxisX:
		return "x"
	case AxisY:
		return "y"
	case AxisZ:
		return "z"
	}
	return fmt.Sprintf("axis(%d)", int(a))
}

// ParseAxis converts "x", "y" or "z" to an Axis
func ParseAxis(s string) (Axis, error) {
	switch s {
	case "x", "X":
		return AxisX, nil
	case "y", "Y":
		return AxisY, nil
	case "z", "Z":
		return AxisZ, nil
	}
	return 0, paramError("parse axis", "axis", s, "must be x, y or z")
}

// coord returns the component of p along axis a
func coord(p r3.Vector, a Axis) float64 {
	switch a {
	case AxisX:
		return p.X
	case AxisY:
		return p.Y
	default:
		return p.Z
	}
}

// Box is a closed axis-aligned bounding box
type Box struct {
	Min r3.Vector `json:"min"`
	Max r3.Vector `json:"max"`
}

// Contains reports whether p lies inside the box, boundary included
func (b Box) Contains(p r3.Vector) bool {
	return p.X >= b.Min.X && p.X <= b.Max.X &&
		p.Y >= b.Min.Y && p.Y <= b.Max.Y &&
		p.Z >= b.Min.Z && p.Z <= b.Max.Z
}

// Size returns the box extent along each axis
func (b Box) Size() r3.Vector {
	return b.Max.Sub(b.Min)
}

// Center returns the box midpoint
func (b Box) Center() r3.Vector {
	return b.Min.Add(b.Max).Mul(0.5)
}

// Metadata carries sensor and layout information that travels with a cloud
type Metadata struct {
	Width  int  `json:"width"`
	Height int  `json:"height"`
	Dense  bool `json:"dense"`
	// SensorOrigin is the acquisition viewpoint when known
	SensorOrigin *r3.Vector `json:"sensorOrigin,omitempty"`
	// SensorOrientation is a unit quaternion (w, x, y, z)
	SensorOrientation [4]float64 `json:"sensorOrientation"`
}

// DefaultMetadata returns metadata for an unorganized, identity-oriented cloud
func DefaultMetadata() Metadata {
	return Metadata{Height: 1, Dense: true, SensorOrientation: [4]float64{1, 0, 0, 0}}
}

// IsOrganized reports whether the cloud is laid out as an image-like grid
func (m Metadata) IsOrganized() bool {
	return m.Height > 1
}

// Neighbor is a single spatial query result
type Neighbor struct {
	Index    int     `json:"index"`
	Distance float64 `json:"distance"`
}

// SensorConfig defines a point cloud source from config file
type SensorConfig struct {
	ID    string `yaml:"id" json:"id"`
	Topic string `yaml:"topic,omitempty" json:"topic,omitempty"`
	// URL is an optional HTTP endpoint serving the sensor's latest cloud
	URL       string     `yaml:"url,omitempty" json:"url,omitempty"`
	Color     string     `yaml:"color,omitempty" json:"color,omitempty"`
	Viewpoint *[3]float64 `yaml:"viewpoint,omitempty" json:"viewpoint,omitempty"`
}

// ViewpointVector returns the configured viewpoint, if any
func (sc *SensorConfig) ViewpointVector() (r3.Vector, bool) {
	if sc.Viewpoint == nil {
		return r3.Vector{}, false
	}
	v := *sc.Viewpoint
	return r3.Vector{X: v[0], Y: v[1], Z: v[2]}, true
}

// StageConfig describes one pipeline stage in config.yaml
type StageConfig struct {
	Type         string  `yaml:"type" json:"type"`
	VoxelSize    float64 `yaml:"voxelSize,omitempty" json:"voxelSize,omitempty"`
	K            int     `yaml:"k,omitempty" json:"k,omitempty"`
	StdDevMul    float64 `yaml:"stdDevMul,omitempty" json:"stdDevMul,omitempty"`
	Radius       float64 `yaml:"radius,omitempty" json:"radius,omitempty"`
	MinNeighbors int     `yaml:"minNeighbors,omitempty" json:"minNeighbors,omitempty"`
	Axis         string  `yaml:"axis,omitempty" json:"axis,omitempty"`
	Min          float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max          float64 `yaml:"max,omitempty" json:"max,omitempty"`
	// Policy is "skip" (default) or "abort" for normal estimation
	Policy string `yaml:"policy,omitempty" json:"policy,omitempty"`
	// Index is "kdtree" (default) or "octree" for radius-based stages
	Index string `yaml:"index,omitempty" json:"index,omitempty"`
}

// PipelineConfig holds the processing chain applied to every incoming cloud
type PipelineConfig struct {
	Workers int           `yaml:"workers,omitempty" json:"workers,omitempty"`
	Stages  []StageConfig `yaml:"stages" json:"stages"`
}

// HTTPConfig holds HTTP server settings
type HTTPConfig struct {
	Port int `yaml:"port,omitempty" json:"port,omitempty"`
}

// Config represents the full configuration file
type Config struct {
	MQTT     MQTTConfig     `yaml:"mqtt" json:"mqtt"`
	Sensors  []SensorConfig `yaml:"sensors" json:"sensors"`
	Pipeline PipelineConfig `yaml:"pipeline" json:"pipeline"`
	HTTP     HTTPConfig     `yaml:"http,omitempty" json:"http,omitempty"`
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// GetSensorByID returns the sensor config for the given ID
func (c *Config) GetSensorByID(id string) *SensorConfig {
	for i := range c.Sensors {
		if c.Sensors[i].ID == id {
			return &c.Sensors[i]
		}
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func finiteVector(v r3.Vector) bool {
	return finite(v.X) && finite(v.Y) && finite(v.Z)
}
