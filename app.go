package main

import (
	"context"
	"fmt"
	"io"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/kwv/posegraph/spa"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

const connectTimeout = 15 * time.Second

// App encapsulates the application state and dependencies
type App struct {
	Logger *zap.Logger
	Out    io.Writer

	// NewMQTTClient builds the client used by --publish.
	NewMQTTClient func(MQTTConfig) mqtt.Client

	opts AppOptions
}

// NewApp creates a new App instance
func NewApp(out io.Writer) *App {
	return &App{
		Out:           out,
		NewMQTTClient: newMQTTClient,
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.opts = opts
	if a.Logger == nil {
		a.Logger = newLogger(opts.Debug)
	}
	spa.SetLogger(a.Logger)
}

func newLogger(debug bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func (a *App) loadConfig() (*Config, error) {
	if a.opts.ConfigFile == "" {
		return DefaultConfig(), nil
	}
	return LoadConfig(a.opts.ConfigFile)
}

// RunSolve loads the graph, optimizes it and writes the requested outputs.
func (a *App) RunSolve(ctx context.Context) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	graph, err := LoadGraph(a.opts.GraphFile)
	if err != nil {
		return err
	}

	op := graph.Problem(cfg.Options)
	if a.opts.MaxIterations > 0 {
		op.SetMaxNumIterations(a.opts.MaxIterations)
	}
	a.Logger.Info("solving",
		zap.String("graph", a.opts.GraphFile),
		zap.Int("submaps", len(graph.Submaps)),
		zap.Int("nodes", len(graph.Nodes)),
		zap.Int("imu_samples", len(graph.Imu)),
		zap.Int("constraints", len(graph.Constraints)))

	submaps, summary := op.SolveContext(ctx, graph.Constraints, graph.Submaps)
	nodes := op.NodeData()
	a.Logger.Info("solve finished", summary.Fields()...)

	sol := &Solution{
		Submaps: submaps,
		Nodes:   nodes,
		Summary: newSolutionSummary(summary),
		Extents: Extents(nodes),
	}
	if err := WriteReport(a.Out, summary, sol.Extents); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}

	if a.opts.OutputFile != "" {
		if err := SaveSolution(a.opts.OutputFile, sol); err != nil {
			return err
		}
		a.Logger.Info("wrote solution", zap.String("path", a.opts.OutputFile))
	}
	if a.opts.GeoJSONFile != "" {
		fc := SolutionGeoJSON(submaps, nodes, a.opts.SimplifyTolerance)
		if err := SaveGeoJSON(a.opts.GeoJSONFile, fc); err != nil {
			return err
		}
		a.Logger.Info("wrote GeoJSON", zap.String("path", a.opts.GeoJSONFile), zap.Int("features", len(fc.Features)))
	}
	if a.opts.Publish {
		if err := a.publish(ctx, cfg.MQTT, sol); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) publish(ctx context.Context, settings MQTTConfig, sol *Solution) error {
	settings = resolveMQTT(settings)
	if settings.Broker == "" {
		return fmt.Errorf("--publish needs a broker: set MQTT_BROKER or mqtt.broker")
	}

	client := a.NewMQTTClient(settings)
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := connectMQTT(ctx, client); err != nil {
		return err
	}
	defer client.Disconnect(250)

	pub := NewPublisher(client, settings.PublishPrefix, a.Logger)
	if settings.QoS != nil {
		pub.SetQoS(*settings.QoS)
	}
	if settings.Retain != nil {
		pub.SetRetain(*settings.Retain)
	}
	return pub.PublishSolution(sol)
}

// RunCheckConfig validates the configuration and prints it.
func (a *App) RunCheckConfig() error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg.Options)
	if err != nil {
		return fmt.Errorf("marshaling options YAML: %w", err)
	}
	if a.opts.ConfigFile != "" {
		fmt.Fprintf(a.Out, "# %s is valid\n", a.opts.ConfigFile)
	} else {
		fmt.Fprintln(a.Out, "# no config file given, showing defaults")
	}
	fmt.Fprint(a.Out, string(data))

	mqttSettings := resolveMQTT(cfg.MQTT)
	if mqttSettings.Broker != "" {
		if mqttSettings.Password != "" {
			mqttSettings.Password = "********"
		}
		data, err := yaml.Marshal(map[string]MQTTConfig{"mqtt": mqttSettings})
		if err != nil {
			return fmt.Errorf("marshaling mqtt YAML: %w", err)
		}
		fmt.Fprint(a.Out, string(data))
	}
	return nil
}
