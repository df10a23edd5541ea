package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/kwv/cloudmesh/cloud"
)

// App encapsulates the application state and dependencies
type App struct {
	Config       *cloud.Config
	StateTracker *cloud.StateTracker
	MQTTClient   *cloud.MQTTClient
	Publisher    *cloud.Publisher

	// Pipeline is applied to clouds without a sensor-specific pipeline
	Pipeline  *cloud.Pipeline
	pipelines map[string]*cloud.Pipeline

	opts AppOptions
	log  *zap.SugaredLogger
	out  io.Writer
}

// NewApp creates a new App instance writing reports to stdout
func NewApp() *App {
	return &App{
		StateTracker: cloud.NewStateTracker(),
		pipelines:    make(map[string]*cloud.Pipeline),
		log:          zap.NewNop().Sugar(),
		out:          os.Stdout,
	}
}

// ApplyOptions stores the CLI options and installs the logger
func (a *App) ApplyOptions(opts AppOptions) {
	a.opts = opts
	logger := newLogger(opts.Debug)
	cloud.SetLogger(logger)
	a.log = logger.Sugar()
}

func newLogger(debug bool) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// buildPipeline returns the pipeline for one-shot processing: the config
// file's stages when --config is given, otherwise the stage flags in the
// order voxel, outlier, normals.
func (a *App) buildPipeline() (*cloud.Pipeline, error) {
	if a.opts.ConfigFile != "" {
		config, err := cloud.LoadConfig(a.opts.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		a.Config = config
		return a.pipelineFromConfig(config, nil)
	}

	var opts []cloud.Option
	if n := a.workers(0); n > 0 {
		opts = append(opts, cloud.WithWorkers(n))
	}
	p := &cloud.Pipeline{}
	if a.opts.VoxelSize > 0 {
		p.Then(cloud.StageVoxel, cloud.DownsampleStage(a.opts.VoxelSize, opts...))
	}
	if a.opts.OutlierK > 0 {
		p.Then(cloud.StageOutlier, cloud.OutlierStage(a.opts.OutlierK, a.opts.OutlierStd, opts...))
	}
	if a.opts.NormalRadius > 0 {
		p.Then(cloud.StageNormals, cloud.NormalStage(a.opts.NormalRadius, opts...))
	}
	if p.Len() == 0 {
		return nil, fmt.Errorf("no stages: set --voxel, --outlier-k, --normal-radius or --config")
	}
	return p, nil
}

// workers resolves the worker count: --workers wins over pipeline.workers.
// Zero means the library default.
func (a *App) workers(configured int) int {
	if a.opts.Workers > 0 {
		return a.opts.Workers
	}
	return configured
}

func (a *App) pipelineFromConfig(config *cloud.Config, sensor *cloud.SensorConfig) (*cloud.Pipeline, error) {
	pc := config.Pipeline
	pc.Workers = a.workers(pc.Workers)
	var opts []cloud.Option
	if sensor != nil {
		if vp, ok := sensor.ViewpointVector(); ok {
			opts = append(opts, cloud.WithViewpoint(vp))
		}
	}
	return cloud.PipelineFromConfig(pc, opts...)
}

// RunProcess loads the input cloud, runs the pipeline and saves the result
func (a *App) RunProcess() error {
	p, err := a.buildPipeline()
	if err != nil {
		return err
	}
	in, err := cloud.Load(a.opts.Input)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	started := time.Now()
	out, results, err := p.RunWithResults(ctx, in)
	if err != nil {
		return err
	}
	if err := cloud.Save(out, a.opts.Output); err != nil {
		return err
	}

	fmt.Fprintf(a.out, "%s: %d points\n", a.opts.Input, in.Len())
	for _, r := range results {
		fmt.Fprintf(a.out, "  %-16s %8d -> %8d  (%v)\n", r.Name, r.In, r.Out, r.Duration.Round(time.Microsecond))
	}
	fmt.Fprintf(a.out, "%s: %d points in %v\n", a.opts.Output, out.Len(), time.Since(started).Round(time.Millisecond))
	return nil
}

// RunInfo prints a cloud summary and per-axis statistics
func (a *App) RunInfo() error {
	c, err := cloud.Load(a.opts.Input)
	if err != nil {
		return err
	}
	s := cloud.Summarize(c)
	stats, err := c.Stats()
	if err != nil {
		return fmt.Errorf("computing statistics: %w", err)
	}

	fmt.Fprintf(a.out, "File:       %s\n", a.opts.Input)
	fmt.Fprintf(a.out, "Points:     %d\n", s.Points)
	if c.Metadata.IsOrganized() {
		fmt.Fprintf(a.out, "Organized:  %dx%d\n", c.Metadata.Width, c.Metadata.Height)
	}
	attrs := []string{}
	if s.HasColors {
		attrs = append(attrs, "rgb")
	}
	if s.HasIntensity {
		attrs = append(attrs, "intensity")
	}
	if s.HasNormals {
		attrs = append(attrs, "normals")
	}
	attrs = append(attrs, s.Fields...)
	if len(attrs) > 0 {
		fmt.Fprintf(a.out, "Attributes: %s\n", strings.Join(attrs, ", "))
	}
	if s.Bounds != nil {
		fmt.Fprintf(a.out, "Bounds:     (%.4f, %.4f, %.4f) - (%.4f, %.4f, %.4f)\n",
			s.Bounds.Min.X, s.Bounds.Min.Y, s.Bounds.Min.Z, s.Bounds.Max.X, s.Bounds.Max.Y, s.Bounds.Max.Z)
	}
	if s.Centroid != nil {
		fmt.Fprintf(a.out, "Centroid:   (%.4f, %.4f, %.4f)\n", s.Centroid.X, s.Centroid.Y, s.Centroid.Z)
	}
	if s.HasNormals {
		fmt.Fprintf(a.out, "Curvature:  %.6f mean\n", s.MeanCurvature)
	}
	if stats.Count > 0 {
		fmt.Fprintln(a.out, "Axis        mean        stddev      min         max")
		for _, row := range []struct {
			name string
			s    cloud.AxisStats
		}{{"x", stats.X}, {"y", stats.Y}, {"z", stats.Z}} {
			fmt.Fprintf(a.out, "  %s    %10.4f  %10.4f  %10.4f  %10.4f\n", row.name, row.s.Mean, row.s.StdDev, row.s.Min, row.s.Max)
		}
	}
	return nil
}

// RunRender renders a top-down image of the input cloud
func (a *App) RunRender() error {
	c, err := cloud.Load(a.opts.Input)
	if err != nil {
		return err
	}
	mode, err := cloud.ParseColorMode(a.opts.ColorMode)
	if err != nil {
		return err
	}
	id := strings.TrimSuffix(filepath.Base(a.opts.Input), filepath.Ext(a.opts.Input))
	clouds := map[string]*cloud.Cloud{id: c}

	ext := strings.ToLower(filepath.Ext(a.opts.Output))
	vector := a.opts.RenderFormat == "vector" || ext == ".svg"
	switch a.opts.RenderFormat {
	case "", "raster", "vector":
	default:
		return fmt.Errorf("unknown render format %q (use raster or vector)", a.opts.RenderFormat)
	}

	if !vector {
		if err := cloud.RenderTopDown(clouds, nil, mode, a.opts.Output); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "Rendered %d points to %s\n", c.Len(), a.opts.Output)
		return nil
	}

	r := cloud.NewVectorRenderer(clouds)
	r.Mode = mode
	r.ShowNormals = a.opts.ShowNormals
	r.GridSpacing = a.opts.GridSpacing

	f, err := os.Create(a.opts.Output)
	if err != nil {
		return fmt.Errorf("creating %s: %w", a.opts.Output, err)
	}
	if ext == ".svg" {
		err = r.RenderToSVG(f)
	} else {
		err = r.RenderToPNG(f)
	}
	if err = multierr.Append(err, f.Close()); err != nil {
		return fmt.Errorf("rendering %s: %w", a.opts.Output, err)
	}
	fmt.Fprintf(a.out, "Rendered %d points to %s\n", c.Len(), a.opts.Output)
	return nil
}

// RunFootprint writes the input cloud's XY footprint as GeoJSON
func (a *App) RunFootprint() error {
	c, err := cloud.Load(a.opts.Input)
	if err != nil {
		return err
	}
	fp, err := cloud.ComputeFootprint(c)
	if err != nil {
		return err
	}
	id := strings.TrimSuffix(filepath.Base(a.opts.Input), filepath.Ext(a.opts.Input))
	fc := cloud.FootprintCollection(map[string]*cloud.Cloud{id: c}, a.opts.Tolerance)
	data, err := fc.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshaling footprint: %w", err)
	}
	if err := os.WriteFile(a.opts.Output, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", a.opts.Output, err)
	}
	fmt.Fprintf(a.out, "Footprint: %d hull points, area %.4f, perimeter %.4f -> %s\n",
		len(fp.Hull)-1, fp.Area, fp.Perimeter, a.opts.Output)
	return nil
}

// pipelineFor returns the sensor's pipeline, falling back to the default
func (a *App) pipelineFor(sensorID string) *cloud.Pipeline {
	if p, ok := a.pipelines[sensorID]; ok {
		return p
	}
	return a.Pipeline
}

// processCloud runs a sensor's cloud through its pipeline, records raw and
// processed clouds in the state tracker and publishes the job summary.
func (a *App) processCloud(ctx context.Context, sensorID string, in *cloud.Cloud) (cloud.Summary, error) {
	started := time.Now()
	a.StateTracker.UpdateRaw(sensorID, in)

	out, results, err := a.pipelineFor(sensorID).RunWithResults(ctx, in)
	summary := cloud.NewSummary(sensorID, in, out, results, started, err)
	a.StateTracker.UpdateProcessed(sensorID, out, summary)
	if err != nil {
		a.log.Errorf("[PIPELINE] %s: %v", sensorID, err)
	} else {
		a.log.Infof("[PIPELINE] %s: %d -> %d points (job %s)", sensorID, in.Len(), out.Len(), summary.JobID)
	}

	if a.Publisher != nil {
		if perr := a.Publisher.PublishSummary(summary); perr != nil {
			a.log.Warnf("[MQTT] publishing summary for %s: %v", sensorID, perr)
		}
	}
	return summary, err
}

// handleMessage is the MQTT message handler
func (a *App) handleMessage(sensorID string, rawPayload []byte, c *cloud.Cloud, err error) {
	if err != nil {
		a.log.Errorf("[MQTT] %s: dropping %d byte payload: %v", sensorID, len(rawPayload), err)
		return
	}
	// failures are logged and recorded in the summary
	_, _ = a.processCloud(context.Background(), sensorID, c)
}

// seedFromURLs fetches the current cloud of every sensor with a url
func (a *App) seedFromURLs(ctx context.Context) {
	for _, sc := range a.Config.Sensors {
		if sc.URL == "" {
			continue
		}
		c, err := cloud.FetchCloudWithContext(ctx, sc.URL)
		if err != nil {
			a.log.Warnf("[HTTP] fetching initial cloud for %s: %v", sc.ID, err)
			continue
		}
		if _, err := a.processCloud(ctx, sc.ID, c); err == nil {
			a.log.Infof("[HTTP] seeded %s from %s (%d points)", sc.ID, sc.URL, c.Len())
		}
	}
}

// setupService loads config and builds pipelines and state for serve mode
func (a *App) setupService() error {
	resolvedConfig := a.opts.ConfigFile
	resolvedCache := a.opts.SummaryCache
	if a.opts.DataDir != "" && a.opts.DataDir != "." {
		if resolvedConfig == "config.yaml" {
			resolvedConfig = filepath.Join(a.opts.DataDir, "config.yaml")
		}
		if resolvedCache != "" && !filepath.IsAbs(resolvedCache) {
			resolvedCache = filepath.Join(a.opts.DataDir, resolvedCache)
		}
	}

	config, err := cloud.LoadConfig(resolvedConfig)
	if err != nil {
		return fmt.Errorf("loading config: %w (looked at %s)", err, resolvedConfig)
	}
	if a.opts.MqttMode {
		if err := config.ValidateService(); err != nil {
			return fmt.Errorf("invalid service config: %w", err)
		}
	}
	a.Config = config
	a.log.Infof("Loaded config from %s", resolvedConfig)

	if a.Pipeline, err = a.pipelineFromConfig(config, nil); err != nil {
		return err
	}
	for i := range config.Sensors {
		sc := &config.Sensors[i]
		if sc.Viewpoint == nil {
			continue
		}
		p, err := a.pipelineFromConfig(config, sc)
		if err != nil {
			return fmt.Errorf("sensor %s: %w", sc.ID, err)
		}
		a.pipelines[sc.ID] = p
	}

	a.StateTracker = cloud.NewStateTrackerWithCache(resolvedCache)
	for _, sc := range config.Sensors {
		if sc.Color != "" {
			a.StateTracker.SetColor(sc.ID, sc.Color)
		}
	}
	if a.opts.HttpPort == 0 {
		a.opts.HttpPort = config.HTTP.Port
	}
	return nil
}

// RunService runs the MQTT ingest and HTTP server until interrupted
func (a *App) RunService() error {
	a.log.Info("Starting cloudmesh service")
	if err := a.setupService(); err != nil {
		return err
	}
	if !a.opts.MqttMode && !a.opts.HttpMode {
		return fmt.Errorf("nothing to serve: enable --mqtt and/or --http")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.seedFromURLs(ctx)

	if a.opts.MqttMode {
		mqttClient, err := cloud.InitMQTT(a.Config, a.handleMessage)
		if err != nil {
			return fmt.Errorf("initializing MQTT: %w", err)
		}
		if mqttClient == nil {
			return fmt.Errorf("MQTT broker not configured in config.yaml")
		}
		a.MQTTClient = mqttClient
		a.Publisher = cloud.NewPublisher(mqttClient.GetClient())
		a.Publisher.SetPrefix(a.Config.MQTT.PublishPrefix)
	}

	var server *http.Server
	if a.opts.HttpMode {
		server = &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%d", a.opts.HttpPort),
			Handler:           newHTTPServer(a.log, a.StateTracker, a.processUpload),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			a.log.Infof("[HTTP] Starting server on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Errorf("[HTTP] Server error: %v", err)
				stop()
			}
		}()
	}

	a.printServiceInfo()
	<-ctx.Done()

	a.log.Info("Shutting down service")
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.log.Warnf("[HTTP] shutdown: %v", err)
		}
	}
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	return nil
}

// processUpload runs the default pipeline for POST /process
func (a *App) processUpload(ctx context.Context, in *cloud.Cloud) (*cloud.Cloud, []cloud.StageResult, error) {
	return a.Pipeline.RunWithResults(ctx, in)
}

func (a *App) printServiceInfo() {
	fmt.Fprintln(a.out, "\nService Running")
	fmt.Fprintln(a.out, "===============")
	fmt.Fprintf(a.out, "Pipeline: %s\n", strings.Join(a.Pipeline.Names(), " -> "))

	if a.opts.MqttMode {
		fmt.Fprintln(a.out, "\nMQTT:")
		fmt.Fprintln(a.out, "  Subscribed topics:")
		for _, sc := range a.Config.Sensors {
			fmt.Fprintf(a.out, "    - %s (%s)\n", sc.Topic, sc.ID)
		}
		prefix := a.Publisher.Prefix()
		fmt.Fprintf(a.out, "  Publishing to: %s/{sensorID}\n", prefix)
		fmt.Fprintf(a.out, "  Combined summaries: %s/summaries\n", prefix)
	}

	if a.opts.HttpMode {
		fmt.Fprintf(a.out, "\nHTTP endpoints (port %d):\n", a.opts.HttpPort)
		fmt.Fprintln(a.out, "  GET  /health               - Health check")
		fmt.Fprintln(a.out, "  GET  /clouds               - Job summaries")
		fmt.Fprintln(a.out, "  GET  /cloud/{id}.png       - Top-down raster")
		fmt.Fprintln(a.out, "  GET  /cloud/{id}.svg       - Top-down vector drawing")
		fmt.Fprintln(a.out, "  GET  /cloud/{id}.geojson   - XY footprint")
		fmt.Fprintln(a.out, "  GET  /cloud/{id}.pcd|.ply  - Processed cloud")
		fmt.Fprintln(a.out, "  POST /process?format=pcd   - Run the pipeline on an uploaded cloud")
	}

	fmt.Fprintln(a.out, "\nPress Ctrl+C to stop")
}
