package cloud

import (
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/uuid"
)

// CloudSummary provides a summary of cloud contents
type CloudSummary struct {
	Points        int        `json:"points"`
	Bounds        *Box       `json:"bounds,omitempty"`
	Centroid      *r3.Vector `json:"centroid,omitempty"`
	HasColors     bool       `json:"hasColors"`
	HasIntensity  bool       `json:"hasIntensity"`
	HasNormals    bool       `json:"hasNormals"`
	Fields        []string   `json:"fields,omitempty"`
	MeanCurvature float64    `json:"meanCurvature"`
	Organized     bool       `json:"organized"`
}

// Summarize extracts key information from a cloud
func Summarize(c *Cloud) CloudSummary {
	s := CloudSummary{
		Points:       c.Len(),
		HasColors:    c.HasColors(),
		HasIntensity: c.HasIntensity(),
		HasNormals:   c.HasNormals(),
		Organized:    c.Metadata.IsOrganized(),
	}
	if names := c.FieldNames(); len(names) > 0 {
		s.Fields = names
	}
	if b, ok := c.Bounds(); ok {
		s.Bounds = &b
	}
	if centroid, ok := c.Centroid(); ok {
		s.Centroid = &centroid
	}
	if len(c.Curvature) > 0 {
		var sum float64
		for _, k := range c.Curvature {
			sum += k
		}
		s.MeanCurvature = sum / float64(len(c.Curvature))
	}
	return s
}

// Summary describes one processing job: the input, the processed result and
// the stages that produced it.
type Summary struct {
	JobID         string        `json:"jobId"`
	SensorID      string        `json:"sensorId"`
	ReceivedAt    time.Time     `json:"receivedAt"`
	Duration      time.Duration `json:"duration"`
	InputPoints   int           `json:"inputPoints"`
	Result        CloudSummary  `json:"result"`
	FootprintArea float64       `json:"footprintArea"`
	Stages        []StageResult `json:"stages"`
	Error         string        `json:"error,omitempty"`
}

// NewSummary builds the job summary for a processed cloud. processed may be
// nil when the pipeline failed; jobErr then carries the failure.
func NewSummary(sensorID string, input, processed *Cloud, stages []StageResult, started time.Time, jobErr error) Summary {
	s := Summary{
		JobID:       uuid.NewString(),
		SensorID:    sensorID,
		ReceivedAt:  started,
		Duration:    time.Since(started),
		InputPoints: input.Len(),
		Stages:      stages,
	}
	if jobErr != nil {
		s.Error = jobErr.Error()
		return s
	}
	s.Result = Summarize(processed)
	if fp, err := ComputeFootprint(processed); err == nil {
		s.FootprintArea = fp.Area
	}
	return s
}
