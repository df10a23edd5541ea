package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang/geo/r3"
	"go.uber.org/zap"

	"github.com/kwv/cloudmesh/cloud"
)

// gridCloud returns an n x n grid on z=0 with the given spacing
func gridCloud(n int, spacing float64) *cloud.Cloud {
	pts := make([]r3.Vector, 0, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			pts = append(pts, r3.Vector{X: float64(i) * spacing, Y: float64(j) * spacing})
		}
	}
	return cloud.New(pts)
}

// saveTestCloud writes c into dir and returns its path
func saveTestCloud(t *testing.T, dir, name string, c *cloud.Cloud) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := cloud.Save(c, path); err != nil {
		t.Fatalf("saving %s: %v", name, err)
	}
	return path
}

// newTestApp returns an App writing its report into out
func newTestApp(out *bytes.Buffer, opts AppOptions) *App {
	app := NewApp()
	app.opts = opts
	app.out = out
	app.log = zap.NewNop().Sugar()
	return app
}

const testServiceConfig = `mqtt:
  broker: tcp://localhost:1883
  publishPrefix: plant
sensors:
  - id: front
    topic: sensors/front
    color: "#00FF00"
    viewpoint: [0, 0, 2]
  - id: rear
    topic: sensors/rear
pipeline:
  workers: 2
  stages:
    - type: voxel
      voxelSize: 0.25
    - type: normals
      radius: 0.3
http:
  port: 9090
`

func TestNewApp(t *testing.T) {
	app := NewApp()
	if app == nil {
		t.Fatal("NewApp returned nil")
		return
	}
	if app.StateTracker == nil {
		t.Error("StateTracker should be initialized")
	}
	if app.pipelines == nil {
		t.Error("pipelines should be initialized")
	}
	if app.Config != nil || app.MQTTClient != nil || app.Publisher != nil {
		t.Error("service dependencies should start nil")
	}
}

func TestBuildPipeline_FromFlags(t *testing.T) {
	app := newTestApp(&bytes.Buffer{}, AppOptions{VoxelSize: 0.1, OutlierK: 8, OutlierStd: 1, NormalRadius: 0.5, Workers: 2})
	p, err := app.buildPipeline()
	if err != nil {
		t.Fatalf("buildPipeline() error: %v", err)
	}
	want := []string{cloud.StageVoxel, cloud.StageOutlier, cloud.StageNormals}
	if got := p.Names(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("stages = %v, want %v", got, want)
	}

	app.opts = AppOptions{OutlierK: 4, OutlierStd: 2}
	if p, err = app.buildPipeline(); err != nil || p.Len() != 1 {
		t.Errorf("outlier-only pipeline = %v, %v", p, err)
	}

	app.opts = AppOptions{}
	if _, err := app.buildPipeline(); err == nil || !strings.Contains(err.Error(), "no stages") {
		t.Errorf("empty pipeline error = %v", err)
	}
}

func TestBuildPipeline_FromConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	if err := os.WriteFile(path, []byte(testServiceConfig), 0644); err != nil {
		t.Fatal(err)
	}

	app := newTestApp(&bytes.Buffer{}, AppOptions{ConfigFile: path, VoxelSize: 9})
	p, err := app.buildPipeline()
	if err != nil {
		t.Fatalf("buildPipeline() error: %v", err)
	}
	if got := strings.Join(p.Names(), ","); got != "voxel,normals" {
		t.Errorf("stages = %s, want voxel,normals (config wins over flags)", got)
	}
	if app.Config == nil || len(app.Config.Sensors) != 2 {
		t.Error("config not stored on the app")
	}

	app.opts.ConfigFile = filepath.Join(dir, "missing.yaml")
	if _, err := app.buildPipeline(); err == nil || !strings.Contains(err.Error(), "loading config") {
		t.Errorf("missing config error = %v", err)
	}
}

func TestWorkers(t *testing.T) {
	app := newTestApp(&bytes.Buffer{}, AppOptions{})
	if got := app.workers(3); got != 3 {
		t.Errorf("workers(3) = %d, want configured 3", got)
	}
	app.opts.Workers = 8
	if got := app.workers(3); got != 8 {
		t.Errorf("workers(3) = %d, want flag value 8", got)
	}
}

func TestRunProcess(t *testing.T) {
	dir := t.TempDir()
	in := saveTestCloud(t, dir, "in.pcd", gridCloud(20, 0.05))
	outPath := filepath.Join(dir, "out.ply")

	var out bytes.Buffer
	app := newTestApp(&out, AppOptions{Input: in, Output: outPath, VoxelSize: 0.25, NormalRadius: 0.3})
	if err := app.RunProcess(); err != nil {
		t.Fatalf("RunProcess() error: %v", err)
	}

	result, err := cloud.Load(outPath)
	if err != nil {
		t.Fatalf("loading output: %v", err)
	}
	if result.Len() != 16 {
		t.Errorf("output has %d points, want 16", result.Len())
	}
	if !result.HasNormals() {
		t.Error("output lost its normals")
	}
	report := out.String()
	for _, want := range []string{"400 points", "voxel", "normals", "16 points"} {
		if !strings.Contains(report, want) {
			t.Errorf("report missing %q:\n%s", want, report)
		}
	}
}

func TestRunProcess_Errors(t *testing.T) {
	dir := t.TempDir()
	small := saveTestCloud(t, dir, "small.pcd", gridCloud(2, 1))

	tests := []struct {
		name string
		opts AppOptions
		want error
	}{
		{"insufficient points", AppOptions{Input: small, Output: filepath.Join(dir, "o.pcd"), OutlierK: 10, OutlierStd: 1}, cloud.ErrInsufficientPoints},
		{"bad output format", AppOptions{Input: small, Output: filepath.Join(dir, "o.xyz"), VoxelSize: 1}, cloud.ErrUnsupportedFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newTestApp(&bytes.Buffer{}, tt.opts)
			if err := app.RunProcess(); !errors.Is(err, tt.want) {
				t.Errorf("RunProcess() error = %v, want %v", err, tt.want)
			}
		})
	}

	app := newTestApp(&bytes.Buffer{}, AppOptions{Input: filepath.Join(dir, "missing.pcd"), Output: "o.pcd", VoxelSize: 1})
	if err := app.RunProcess(); err == nil {
		t.Error("RunProcess() accepted a missing input")
	}
}

func TestRunInfo(t *testing.T) {
	dir := t.TempDir()
	c, err := gridCloud(3, 1).WithIntensity(make([]float64, 9))
	if err != nil {
		t.Fatal(err)
	}
	in := saveTestCloud(t, dir, "scan.pcd", c)

	var out bytes.Buffer
	app := newTestApp(&out, AppOptions{Input: in})
	if err := app.RunInfo(); err != nil {
		t.Fatalf("RunInfo() error: %v", err)
	}
	report := out.String()
	for _, want := range []string{"Points:     9", "Attributes: intensity", "Centroid:   (1.0000, 1.0000, 0.0000)", "Axis"} {
		if !strings.Contains(report, want) {
			t.Errorf("report missing %q:\n%s", want, report)
		}
	}
}

func TestRunRender(t *testing.T) {
	dir := t.TempDir()
	in := saveTestCloud(t, dir, "scan.pcd", gridCloud(5, 0.5))

	tests := []struct {
		name   string
		output string
		format string
		magic  string
	}{
		{"raster", "top.png", "raster", "\x89PNG"},
		{"svg by extension", "top.svg", "raster", "<svg"},
		{"vector png", "vec.png", "vector", "\x89PNG"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			outPath := filepath.Join(dir, tt.output)
			app := newTestApp(&out, AppOptions{Input: in, Output: outPath, RenderFormat: tt.format, ColorMode: "height", GridSpacing: 1})
			if err := app.RunRender(); err != nil {
				t.Fatalf("RunRender() error: %v", err)
			}
			data, err := os.ReadFile(outPath)
			if err != nil {
				t.Fatal(err)
			}
			if !strings.Contains(string(data[:min(len(data), 512)]), tt.magic) {
				t.Errorf("%s does not look like %q output", tt.output, tt.magic)
			}
			if !strings.Contains(out.String(), "Rendered 25 points") {
				t.Errorf("report = %q", out.String())
			}
		})
	}

	app := newTestApp(&bytes.Buffer{}, AppOptions{Input: in, Output: filepath.Join(dir, "x.png"), RenderFormat: "ascii"})
	if err := app.RunRender(); err == nil || !strings.Contains(err.Error(), "unknown render format") {
		t.Errorf("bad format error = %v", err)
	}
	app = newTestApp(&bytes.Buffer{}, AppOptions{Input: in, Output: filepath.Join(dir, "x.png"), ColorMode: "plasma"})
	if err := app.RunRender(); err == nil {
		t.Error("RunRender() accepted an unknown color mode")
	}
}

func TestRunFootprint(t *testing.T) {
	dir := t.TempDir()
	in := saveTestCloud(t, dir, "yard.ply", gridCloud(4, 1))
	outPath := filepath.Join(dir, "yard.geojson")

	var out bytes.Buffer
	app := newTestApp(&out, AppOptions{Input: in, Output: outPath})
	if err := app.RunFootprint(); err != nil {
		t.Fatalf("RunFootprint() error: %v", err)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	var fc struct {
		Type     string `json:"type"`
		Features []struct {
			Properties map[string]interface{} `json:"properties"`
		} `json:"features"`
	}
	if err := json.Unmarshal(data, &fc); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if fc.Type != "FeatureCollection" || len(fc.Features) != 1 {
		t.Fatalf("unexpected GeoJSON: %s", data)
	}
	if fc.Features[0].Properties["sensorId"] != "yard" || fc.Features[0].Properties["area"] != 9.0 {
		t.Errorf("properties = %v", fc.Features[0].Properties)
	}
	if !strings.Contains(out.String(), "4 hull points, area 9.0000") {
		t.Errorf("report = %q", out.String())
	}

	line := saveTestCloud(t, dir, "line.pcd", cloud.New([]r3.Vector{{X: 0}, {X: 1}, {X: 2}}))
	app = newTestApp(&bytes.Buffer{}, AppOptions{Input: line, Output: outPath})
	if err := app.RunFootprint(); !errors.Is(err, cloud.ErrInsufficientPoints) {
		t.Errorf("collinear footprint error = %v", err)
	}
}

func TestProcessCloud_PublishesSummary(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	mock := cloud.NewMockClient()
	mock.SetConnected(true)

	app := newTestApp(&bytes.Buffer{}, AppOptions{})
	app.Pipeline = (&cloud.Pipeline{}).Then(cloud.StageVoxel, cloud.DownsampleStage(0.25))
	app.Publisher = cloud.NewPublisher(mock)

	in := gridCloud(20, 0.05)
	summary, err := app.processCloud(context.Background(), "front", in)
	if err != nil {
		t.Fatalf("processCloud() error: %v", err)
	}
	if summary.InputPoints != 400 || summary.Result.Points != 16 || len(summary.Stages) != 1 {
		t.Errorf("summary = %+v", summary)
	}

	if raw, ok := app.StateTracker.Raw("front"); !ok || raw != in {
		t.Error("raw cloud not recorded")
	}
	if processed, ok := app.StateTracker.Processed("front"); !ok || processed.Len() != 16 {
		t.Error("processed cloud not recorded")
	}

	msg, ok := mock.LastMessage("cloudmesh/front")
	if !ok {
		t.Fatal("summary not published")
	}
	var published cloud.Summary
	if err := json.Unmarshal(msg.Payload, &published); err != nil {
		t.Fatal(err)
	}
	if published.JobID != summary.JobID {
		t.Errorf("published job %s, want %s", published.JobID, summary.JobID)
	}
}

func TestProcessCloud_FailureRecorded(t *testing.T) {
	app := newTestApp(&bytes.Buffer{}, AppOptions{})
	app.Pipeline = (&cloud.Pipeline{}).Then(cloud.StageOutlier, cloud.OutlierStage(10, 1))

	summary, err := app.processCloud(context.Background(), "rear", gridCloud(2, 1))
	if !errors.Is(err, cloud.ErrInsufficientPoints) {
		t.Fatalf("processCloud() error = %v, want ErrInsufficientPoints", err)
	}
	if summary.Error == "" {
		t.Error("summary does not carry the error")
	}
	if s, ok := app.StateTracker.Summary("rear"); !ok || s.JobID != summary.JobID {
		t.Error("failed job summary not recorded")
	}
	if _, ok := app.StateTracker.Processed("rear"); ok {
		t.Error("failed job recorded a processed cloud")
	}
}

func TestProcessCloud_SensorPipeline(t *testing.T) {
	app := newTestApp(&bytes.Buffer{}, AppOptions{})
	app.Pipeline = (&cloud.Pipeline{}).Then(cloud.StageVoxel, cloud.DownsampleStage(100))
	app.pipelines["special"] = (&cloud.Pipeline{}).Then(cloud.StageVoxel, cloud.DownsampleStage(0.001))

	in := gridCloud(3, 1)
	s, _ := app.processCloud(context.Background(), "special", in)
	if s.Result.Points != 9 {
		t.Errorf("sensor pipeline kept %d points, want 9", s.Result.Points)
	}
	s, _ = app.processCloud(context.Background(), "other", in)
	if s.Result.Points != 1 {
		t.Errorf("default pipeline kept %d points, want 1", s.Result.Points)
	}
}

func TestHandleMessage(t *testing.T) {
	app := newTestApp(&bytes.Buffer{}, AppOptions{})
	app.Pipeline = (&cloud.Pipeline{}).Then(cloud.StageVoxel, cloud.DownsampleStage(1))

	app.handleMessage("front", []byte("junk"), nil, cloud.ErrUnsupportedFormat)
	if len(app.StateTracker.Summaries()) != 0 {
		t.Error("decode failure produced a summary")
	}

	app.handleMessage("front", nil, gridCloud(3, 1), nil)
	if _, ok := app.StateTracker.Summary("front"); !ok {
		t.Error("message not processed")
	}
}

func TestSetupService(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(testServiceConfig), 0644); err != nil {
		t.Fatal(err)
	}

	app := newTestApp(&bytes.Buffer{}, AppOptions{ConfigFile: "config.yaml", DataDir: dir, SummaryCache: ".cache.json"})
	if err := app.setupService(); err != nil {
		t.Fatalf("setupService() error: %v", err)
	}

	if app.Pipeline == nil || strings.Join(app.Pipeline.Names(), ",") != "voxel,normals" {
		t.Errorf("default pipeline = %v", app.Pipeline)
	}
	if _, ok := app.pipelines["front"]; !ok {
		t.Error("sensor with a viewpoint has no dedicated pipeline")
	}
	if _, ok := app.pipelines["rear"]; ok {
		t.Error("sensor without a viewpoint got a dedicated pipeline")
	}
	if got := app.StateTracker.Color("front"); got != "#00FF00" {
		t.Errorf("front color = %s", got)
	}
	if app.opts.HttpPort != 9090 {
		t.Errorf("HttpPort = %d, want 9090 from config", app.opts.HttpPort)
	}

	app.StateTracker.UpdateProcessed("front", gridCloud(2, 1), cloud.Summary{SensorID: "front"})
	if _, err := os.Stat(filepath.Join(dir, ".cache.json")); err != nil {
		t.Errorf("summary cache not written in data dir: %v", err)
	}
}

func TestSetupService_Errors(t *testing.T) {
	dir := t.TempDir()
	app := newTestApp(&bytes.Buffer{}, AppOptions{ConfigFile: "config.yaml", DataDir: dir})
	if err := app.setupService(); err == nil || !strings.Contains(err.Error(), "looked at") {
		t.Errorf("missing config error = %v", err)
	}

	noBroker := strings.Replace(testServiceConfig, "broker: tcp://localhost:1883", "broker: \"\"", 1)
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(noBroker), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MQTT_BROKER", "")
	app = newTestApp(&bytes.Buffer{}, AppOptions{ConfigFile: "config.yaml", DataDir: dir, MqttMode: true})
	if err := app.setupService(); err == nil || !strings.Contains(err.Error(), "invalid service config") {
		t.Errorf("service validation error = %v", err)
	}
}

func TestRunService_NothingToServe(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(testServiceConfig), 0644); err != nil {
		t.Fatal(err)
	}
	app := newTestApp(&bytes.Buffer{}, AppOptions{ConfigFile: "config.yaml", DataDir: dir})
	if err := app.RunService(); err == nil || !strings.Contains(err.Error(), "nothing to serve") {
		t.Errorf("RunService() error = %v", err)
	}
}
