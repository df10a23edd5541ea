package main

import (
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"
)

// Version is set at build time via -ldflags
var Version = "dev"

const (
	flagDebug        = "debug"
	flagConfig       = "config"
	flagOut          = "out"
	flagVoxel        = "voxel"
	flagOutlierK     = "outlier-k"
	flagOutlierStd   = "outlier-std"
	flagNormalRadius = "normal-radius"
	flagWorkers      = "workers"
	flagFormat       = "format"
	flagColor        = "color"
	flagNormals      = "normals"
	flagGridSpacing  = "grid-spacing"
	flagTolerance    = "tolerance"
	flagDataDir      = "data-dir"
	flagMQTT         = "mqtt"
	flagHTTP         = "http"
	flagHTTPPort     = "http-port"
	flagSummaryCache = "summary-cache"
)

// AppOptions carries the parsed command line into the App
type AppOptions struct {
	Debug bool

	ConfigFile string
	Input      string
	Output     string

	VoxelSize    float64
	OutlierK     int
	OutlierStd   float64
	NormalRadius float64
	Workers      int

	RenderFormat string
	ColorMode    string
	ShowNormals  bool
	GridSpacing  float64
	Tolerance    float64

	DataDir      string
	SummaryCache string
	MqttMode     bool
	HttpMode     bool
	HttpPort     int
}

// Runner is implemented by App; tests substitute a recorder
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunProcess() error
	RunInfo() error
	RunRender() error
	RunFootprint() error
	RunService() error
}

func main() {
	if err := newCLI(NewApp(), os.Stdout).Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newCLI wires the command tree to app
func newCLI(app Runner, stdout io.Writer) *cli.App {
	workersFlag := func() cli.Flag {
		return &cli.IntFlag{
			Name:  flagWorkers,
			Usage: "worker goroutines for parallel stages (0 = GOMAXPROCS)",
		}
	}
	configFlag := func() cli.Flag {
		return &cli.StringFlag{
			Name:    flagConfig,
			Aliases: []string{"c"},
			Usage:   "load pipeline and sensors from `FILE`",
			EnvVars: []string{"CLOUDMESH_CONFIG"},
		}
	}

	// run applies the options shared by every command, then calls fn
	run := func(c *cli.Context, input bool, opts AppOptions, fn func() error) error {
		if input {
			if c.Args().Len() != 1 {
				return fmt.Errorf("%s: expected exactly one input FILE", c.Command.Name)
			}
			opts.Input = c.Args().First()
		}
		opts.Debug = c.Bool(flagDebug)
		app.ApplyOptions(opts)
		return fn()
	}

	return &cli.App{
		Name:      "cloudmesh",
		Usage:     "filter, downsample and analyse 3D point clouds",
		Version:   Version,
		Writer:    stdout,
		ErrWriter: stdout,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  flagDebug,
				Usage: "enable debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "process",
				Usage:     "run a filter pipeline over a cloud file",
				ArgsUsage: "FILE",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagOut, Aliases: []string{"o"}, Usage: "write the result to `FILE` (.pcd, .ply, .las)", Required: true},
					configFlag(),
					&cli.Float64Flag{Name: flagVoxel, Usage: "voxel edge length; 0 disables downsampling"},
					&cli.IntFlag{Name: flagOutlierK, Usage: "neighbors for statistical outlier removal; 0 disables it"},
					&cli.Float64Flag{Name: flagOutlierStd, Value: 1.0, Usage: "standard deviation multiplier for outlier removal"},
					&cli.Float64Flag{Name: flagNormalRadius, Usage: "search radius for normal estimation; 0 disables it"},
					workersFlag(),
				},
				Action: func(c *cli.Context) error {
					return run(c, true, AppOptions{
						ConfigFile:   c.String(flagConfig),
						Output:       c.String(flagOut),
						VoxelSize:    c.Float64(flagVoxel),
						OutlierK:     c.Int(flagOutlierK),
						OutlierStd:   c.Float64(flagOutlierStd),
						NormalRadius: c.Float64(flagNormalRadius),
						Workers:      c.Int(flagWorkers),
					}, app.RunProcess)
				},
			},
			{
				Name:      "info",
				Usage:     "print a summary and per-axis statistics",
				ArgsUsage: "FILE",
				Action: func(c *cli.Context) error {
					return run(c, true, AppOptions{}, app.RunInfo)
				},
			},
			{
				Name:      "render",
				Usage:     "render a top-down view of a cloud",
				ArgsUsage: "FILE",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagOut, Aliases: []string{"o"}, Value: "cloud.png", Usage: "output `FILE`; .svg implies vector"},
					&cli.StringFlag{Name: flagFormat, Value: "raster", Usage: "raster or vector"},
					&cli.StringFlag{Name: flagColor, Value: "height", Usage: "color by sensor, height or rgb"},
					&cli.BoolFlag{Name: flagNormals, Usage: "draw normal ticks (vector only)"},
					&cli.Float64Flag{Name: flagGridSpacing, Value: 1.0, Usage: "grid spacing in world units (vector only)"},
				},
				Action: func(c *cli.Context) error {
					return run(c, true, AppOptions{
						Output:       c.String(flagOut),
						RenderFormat: c.String(flagFormat),
						ColorMode:    c.String(flagColor),
						ShowNormals:  c.Bool(flagNormals),
						GridSpacing:  c.Float64(flagGridSpacing),
					}, app.RunRender)
				},
			},
			{
				Name:      "footprint",
				Usage:     "write the XY convex hull of a cloud as GeoJSON",
				ArgsUsage: "FILE",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagOut, Aliases: []string{"o"}, Value: "footprint.geojson", Usage: "output `FILE`"},
					&cli.Float64Flag{Name: flagTolerance, Usage: "Douglas-Peucker simplification tolerance"},
				},
				Action: func(c *cli.Context) error {
					return run(c, true, AppOptions{
						Output:    c.String(flagOut),
						Tolerance: c.Float64(flagTolerance),
					}, app.RunFootprint)
				},
			},
			{
				Name:  "serve",
				Usage: "process clouds from MQTT and serve results over HTTP",
				Flags: []cli.Flag{
					configFlag(),
					&cli.StringFlag{Name: flagDataDir, Value: ".", Usage: "directory for config.yaml and caches"},
					&cli.StringFlag{Name: flagSummaryCache, Value: ".summary-cache.json", Usage: "summary cache `FILE`"},
					&cli.BoolFlag{Name: flagMQTT, Usage: "subscribe to sensor topics"},
					&cli.BoolFlag{Name: flagHTTP, Usage: "enable the HTTP server"},
					&cli.IntFlag{Name: flagHTTPPort, Usage: "HTTP port (default from config, else 8080)"},
					workersFlag(),
				},
				Action: func(c *cli.Context) error {
					configFile := c.String(flagConfig)
					if configFile == "" {
						configFile = "config.yaml"
					}
					return run(c, false, AppOptions{
						ConfigFile:   configFile,
						DataDir:      c.String(flagDataDir),
						SummaryCache: c.String(flagSummaryCache),
						MqttMode:     c.Bool(flagMQTT),
						HttpMode:     c.Bool(flagHTTP),
						HttpPort:     c.Int(flagHTTPPort),
						Workers:      c.Int(flagWorkers),
					}, app.RunService)
				},
			},
		},
	}
}
