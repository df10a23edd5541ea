package cloud

import (
	"context"
	"fmt"
	"time"
)

// Stage is one chainable transform. It must not modify its input.
type Stage func(c *Cloud) (*Cloud, error)

// StageResult records one executed stage
type StageResult struct {
	Name     string        `json:"name"`
	In       int           `json:"in"`
	Out      int           `json:"out"`
	Duration time.Duration `json:"duration"`
}

type namedStage struct {
	name string
	run  Stage
}

// Pipeline runs stages in order, each consuming the previous stage's output.
type Pipeline struct {
	stages []namedStage
}

// NewPipeline creates a pipeline from anonymous stages
func NewPipeline(stages ...Stage) *Pipeline {
	p := &Pipeline{}
	for i, s := range stages {
		p.stages = append(p.stages, namedStage{name: fmt.Sprintf("stage-%d", i), run: s})
	}
	return p
}

// Then appends a stage and returns the pipeline for chaining
func (p *Pipeline) Then(name string, s Stage) *Pipeline {
	p.stages = append(p.stages, namedStage{name: name, run: s})
	return p
}

// Len returns the number of stages
func (p *Pipeline) Len() int {
	return len(p.stages)
}

// Names returns the stage names in execution order
func (p *Pipeline) Names() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.name
	}
	return names
}

// Run executes the stages on c. The context is checked between stages only;
// a started stage always runs to completion.
func (p *Pipeline) Run(ctx context.Context, c *Cloud) (*Cloud, error) {
	out, _, err := p.RunWithResults(ctx, c)
	return out, err
}

// RunWithResults is Run returning per-stage results.
//
// Points with a NaN or infinite coordinate are dropped before the first
// stage, so non-dense sensor output can be fed straight in.
func (p *Pipeline) RunWithResults(ctx context.Context, c *Cloud) (*Cloud, []StageResult, error) {
	if c == nil {
		return nil, nil, paramError("run pipeline", "cloud", nil, "must not be nil")
	}
	results := make([]StageResult, 0, len(p.stages))
	current := c
	if c.FirstNonFinite() >= 0 {
		current = RemoveNonFinite(c)
		log().Warnf("[PIPELINE] dropped %d non-finite points before processing", c.Len()-current.Len())
	}
	for _, s := range p.stages {
		if err := ctx.Err(); err != nil {
			return nil, results, fmt.Errorf("pipeline stopped before %s: %w", s.name, err)
		}
		start := time.Now()
		next, err := s.run(current)
		if err != nil {
			return nil, results, fmt.Errorf("stage %s: %w", s.name, err)
		}
		res := StageResult{Name: s.name, In: current.Len(), Out: next.Len(), Duration: time.Since(start)}
		results = append(results, res)
		log().Infof("[PIPELINE] %s: %d -> %d points in %v", res.Name, res.In, res.Out, res.Duration)
		current = next
	}
	return current, results, nil
}

// DownsampleStage wraps VoxelDownsample
func DownsampleStage(size float64, opts ...Option) Stage {
	return func(c *Cloud) (*Cloud, error) {
		return VoxelDownsample(c, size, opts...)
	}
}

// OutlierStage wraps RemoveOutliers
func OutlierStage(k int, stdDevMul float64, opts ...Option) Stage {
	return func(c *Cloud) (*Cloud, error) {
		return RemoveOutliers(c, k, stdDevMul, opts...)
	}
}

// RadiusOutlierStage wraps RemoveRadiusOutliers
func RadiusOutlierStage(radius float64, minNeighbors int, opts ...Option) Stage {
	return func(c *Cloud) (*Cloud, error) {
		return RemoveRadiusOutliers(c, radius, minNeighbors, opts...)
	}
}

// NormalStage wraps EstimateNormals
func NormalStage(radius float64, opts ...Option) Stage {
	return func(c *Cloud) (*Cloud, error) {
		return EstimateNormals(c, radius, opts...)
	}
}

// PassThroughStage wraps Cloud.PassThrough
func PassThroughStage(axis Axis, min, max float64) Stage {
	return func(c *Cloud) (*Cloud, error) {
		return c.PassThrough(axis, min, max)
	}
}

// CropStage wraps Cloud.Crop
func CropStage(box Box) Stage {
	return func(c *Cloud) (*Cloud, error) {
		return c.Crop(box), nil
	}
}

// Stage type names accepted in config.yaml
const (
	StageVoxel         = "voxel"
	StageOutlier       = "outlier"
	StageRadiusOutlier = "radius_outlier"
	StageNormals       = "normals"
	StagePassThrough   = "passthrough"
)

// PipelineFromConfig builds a pipeline from its YAML description. Stage
// parameters are validated here so a bad config fails at load time.
func PipelineFromConfig(cfg PipelineConfig, opts ...Option) (*Pipeline, error) {
	if cfg.Workers > 0 {
		opts = append(opts, WithWorkers(cfg.Workers))
	}
	p := &Pipeline{}
	for i, sc := range cfg.Stages {
		stage, err := stageFromConfig(sc, opts)
		if err != nil {
			return nil, fmt.Errorf("pipeline.stages[%d]: %w", i, err)
		}
		p.Then(sc.Type, stage)
	}
	return p, nil
}

func stageFromConfig(sc StageConfig, opts []Option) (Stage, error) {
	const op = "pipeline config"
	switch sc.Type {
	case StageVoxel:
		if err := validVoxelSize(op, sc.VoxelSize); err != nil {
			return nil, err
		}
		return DownsampleStage(sc.VoxelSize, opts...), nil
	case StageOutlier:
		if sc.K < 1 {
			return nil, paramError(op, "k", sc.K, "must be at least 1")
		}
		if sc.StdDevMul <= 0 {
			return nil, paramError(op, "stdDevMul", sc.StdDevMul, "must be positive")
		}
		return OutlierStage(sc.K, sc.StdDevMul, opts...), nil
	case StageRadiusOutlier:
		if sc.Radius <= 0 {
			return nil, paramError(op, "radius", sc.Radius, "must be positive")
		}
		if sc.MinNeighbors < 1 {
			return nil, paramError(op, "minNeighbors", sc.MinNeighbors, "must be at least 1")
		}
		index, err := ParseIndexKind(sc.Index)
		if err != nil {
			return nil, err
		}
		stageOpts := append(cloneSlice(opts), WithIndex(index))
		return RadiusOutlierStage(sc.Radius, sc.MinNeighbors, stageOpts...), nil
	case StageNormals:
		if sc.Radius <= 0 {
			return nil, paramError(op, "radius", sc.Radius, "must be positive")
		}
		policy, err := ParseNormalPolicy(sc.Policy)
		if err != nil {
			return nil, err
		}
		index, err := ParseIndexKind(sc.Index)
		if err != nil {
			return nil, err
		}
		stageOpts := append(cloneSlice(opts), WithNormalPolicy(policy), WithIndex(index))
		return NormalStage(sc.Radius, stageOpts...), nil
	case StagePassThrough:
		axis, err := ParseAxis(sc.Axis)
		if err != nil {
			return nil, err
		}
		if sc.Min > sc.Max {
			return nil, paramError(op, "min", sc.Min, "must not exceed max")
		}
		return PassThroughStage(axis, sc.Min, sc.Max), nil
	}
	return nil, paramError(op, "type", sc.Type, "unknown stage type")
}
