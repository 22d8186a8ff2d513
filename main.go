package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
)

// Version is set at build time via -ldflags
var Version = "dev"

// Runner is what the command line drives. App implements it; tests swap in a
// recorder.
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunSolve(ctx context.Context) error
	RunCheckConfig() error
}

// AppOptions carries the parsed command line.
type AppOptions struct {
	ConfigFile        string
	Debug             bool
	GraphFile         string
	OutputFile        string
	GeoJSONFile       string
	SimplifyTolerance float64
	MaxIterations     int
	Publish           bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, NewApp(os.Stdout))
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer, app Runner) error {
	var opts AppOptions

	cliApp := &cli.App{
		Name:      "posegraph",
		Usage:     "optimize 2D pose graphs with sparse pose adjustment",
		Version:   Version,
		Writer:    out,
		ErrWriter: out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to the options YAML file",
				Destination: &opts.ConfigFile,
			},
			&cli.BoolFlag{
				Name:        "debug",
				Usage:       "log every solver iteration",
				Destination: &opts.Debug,
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "solve",
				Usage: "optimize a graph file and report the result",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:        "graph",
						Aliases:     []string{"g"},
						Usage:       "graph JSON file to optimize",
						Required:    true,
						Destination: &opts.GraphFile,
					},
					&cli.StringFlag{
						Name:        "output",
						Aliases:     []string{"o"},
						Usage:       "write optimized poses to this JSON file",
						Destination: &opts.OutputFile,
					},
					&cli.StringFlag{
						Name:        "geojson",
						Usage:       "write submaps and trajectories to this GeoJSON file",
						Destination: &opts.GeoJSONFile,
					},
					&cli.Float64Flag{
						Name:        "simplify",
						Usage:       "Douglas-Peucker tolerance for GeoJSON trajectories (0 keeps every node)",
						Destination: &opts.SimplifyTolerance,
					},
					&cli.IntFlag{
						Name:        "max-iterations",
						Usage:       "override solver.max_num_iterations",
						Destination: &opts.MaxIterations,
					},
					&cli.BoolFlag{
						Name:        "publish",
						Usage:       "publish the result over MQTT",
						Destination: &opts.Publish,
					},
				},
				Action: func(c *cli.Context) error {
					if opts.MaxIterations < 0 {
						return fmt.Errorf("--max-iterations must not be negative, got %d", opts.MaxIterations)
					}
					app.ApplyOptions(opts)
					return app.RunSolve(c.Context)
				},
			},
			{
				Name:  "check-config",
				Usage: "validate the options file and print the effective configuration",
				Action: func(c *cli.Context) error {
					app.ApplyOptions(opts)
					return app.RunCheckConfig()
				},
			},
		},
	}

	return cliApp.RunContext(ctx, append([]string{"posegraph"}, args...))
}
