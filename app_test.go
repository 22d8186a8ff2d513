package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/kwv/posegraph/spa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

// newTestApp returns an App that logs to the test and never dials a broker.
func newTestApp(t *testing.T) (*App, *bytes.Buffer, *MockClient) {
	t.Helper()
	var out bytes.Buffer
	client := NewMockClient()
	app := NewApp(&out)
	app.Logger = zaptest.NewLogger(t)
	app.NewMQTTClient = func(MQTTConfig) mqtt.Client { return client }
	t.Cleanup(func() { spa.SetLogger(nil) })
	return app, &out, client
}

func writeGraph(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "graph.json")
	require.NoError(t, SaveGraph(path, sampleGraph()))
	return path
}

func TestApp_RunSolve(t *testing.T) {
	dir := t.TempDir()
	app, out, _ := newTestApp(t)
	app.ApplyOptions(AppOptions{
		GraphFile:   writeGraph(t, dir),
		OutputFile:  filepath.Join(dir, "solution.json"),
		GeoJSONFile: filepath.Join(dir, "solution.geojson"),
	})

	require.NoError(t, app.RunSolve(context.Background()))

	assert.Contains(t, out.String(), "termination: CONVERGENCE")

	var sol Solution
	require.NoError(t, json.Unmarshal(readFile(t, filepath.Join(dir, "solution.json")), &sol))
	require.Len(t, sol.Submaps, 2)
	assert.Equal(t, spa.NewRigid2(0, 0, 0), sol.Submaps[0])
	assert.True(t, sol.Submaps[1].ApproxEqual(spa.NewRigid2(2, 2, 3.141592653589793), 1e-5, 1e-5),
		"got %v", sol.Submaps[1])
	require.Len(t, sol.Nodes, 8)
	assert.True(t, sol.Nodes[5].Pose.ApproxEqual(spa.NewRigid2(1, 2, 3.141592653589793), 1e-5, 1e-5))
	assert.Less(t, sol.Summary.FinalCost, 1e-8)
	assert.Equal(t, 16, sol.Summary.ResidualsByKind["constraint"])
	require.Len(t, sol.Extents, 1)
	assert.Equal(t, 8, sol.Extents[0].Nodes)

	assert.FileExists(t, filepath.Join(dir, "solution.geojson"))
}

func TestApp_RunSolveMaxIterations(t *testing.T) {
	dir := t.TempDir()
	app, _, _ := newTestApp(t)
	app.ApplyOptions(AppOptions{
		GraphFile:     writeGraph(t, dir),
		OutputFile:    filepath.Join(dir, "solution.json"),
		MaxIterations: 1,
	})

	require.NoError(t, app.RunSolve(context.Background()))

	var sol Solution
	require.NoError(t, json.Unmarshal(readFile(t, filepath.Join(dir, "solution.json")), &sol))
	assert.LessOrEqual(t, sol.Summary.Iterations, 1)
}

func TestApp_RunSolveWithConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("solver:\n  linear_solver: conjugate_gradient\n  max_num_iterations: 2\n"), 0644))

	app, _, _ := newTestApp(t)
	app.ApplyOptions(AppOptions{
		ConfigFile: cfgPath,
		GraphFile:  writeGraph(t, dir),
		OutputFile: filepath.Join(dir, "solution.json"),
	})
	require.NoError(t, app.RunSolve(context.Background()))

	var sol Solution
	require.NoError(t, json.Unmarshal(readFile(t, filepath.Join(dir, "solution.json")), &sol))
	assert.LessOrEqual(t, sol.Summary.Iterations, 2)
}

func TestApp_RunSolveErrors(t *testing.T) {
	dir := t.TempDir()

	app, _, _ := newTestApp(t)
	app.ApplyOptions(AppOptions{GraphFile: filepath.Join(dir, "missing.json")})
	assert.ErrorContains(t, app.RunSolve(context.Background()), "graph file not found")

	app, _, _ = newTestApp(t)
	app.ApplyOptions(AppOptions{ConfigFile: filepath.Join(dir, "missing.yaml"), GraphFile: writeGraph(t, dir)})
	assert.ErrorContains(t, app.RunSolve(context.Background()), "config file not found")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("huber_scale: -1\n"), 0644))
	app, _, _ = newTestApp(t)
	app.ApplyOptions(AppOptions{ConfigFile: bad, GraphFile: writeGraph(t, dir)})
	assert.ErrorContains(t, app.RunSolve(context.Background()), "invalid options")
}

func TestApp_RunSolvePublish(t *testing.T) {
	t.Setenv("MQTT_BROKER", "tcp://broker.test:1883")
	t.Setenv("MQTT_PUBLISH_PREFIX", "robot7")

	dir := t.TempDir()
	app, _, client := newTestApp(t)
	app.ApplyOptions(AppOptions{GraphFile: writeGraph(t, dir), Publish: true})

	require.NoError(t, app.RunSolve(context.Background()))

	msgs := client.GetPublishedMessages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "robot7/submaps", msgs[0].Topic)
	assert.Equal(t, "robot7/trajectories/"+sampleGraph().Nodes[0].Trajectory.String(), msgs[1].Topic)
	assert.False(t, client.IsConnected(), "client is disconnected afterwards")
}

func TestApp_RunSolvePublishSettingsFromConfig(t *testing.T) {
	t.Setenv("MQTT_BROKER", "")
	t.Setenv("MQTT_PUBLISH_PREFIX", "")

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("mqtt:\n  broker: tcp://broker.test:1883\n  qos: 0\n  retain: false\n"), 0644))

	app, _, client := newTestApp(t)
	app.ApplyOptions(AppOptions{ConfigFile: cfgPath, GraphFile: writeGraph(t, dir), Publish: true})
	require.NoError(t, app.RunSolve(context.Background()))

	msgs := client.GetPublishedMessages()
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		assert.Equal(t, byte(0), m.QoS, m.Topic)
		assert.False(t, m.Retain, m.Topic)
	}
	assert.Equal(t, "posegraph/submaps", msgs[0].Topic)
}

func TestApp_RunSolvePublishErrors(t *testing.T) {
	t.Setenv("MQTT_BROKER", "")
	dir := t.TempDir()

	app, _, _ := newTestApp(t)
	app.ApplyOptions(AppOptions{GraphFile: writeGraph(t, dir), Publish: true})
	assert.ErrorContains(t, app.RunSolve(context.Background()), "--publish needs a broker")

	t.Setenv("MQTT_BROKER", "tcp://broker.test:1883")
	app, _, client := newTestApp(t)
	client.SetConnectError(errors.New("connection refused"))
	app.ApplyOptions(AppOptions{GraphFile: writeGraph(t, dir), Publish: true})
	assert.ErrorContains(t, app.RunSolve(context.Background()), "connection refused")
}

func TestApp_RunCheckConfig(t *testing.T) {
	t.Setenv("MQTT_BROKER", "")
	t.Setenv("MQTT_PASSWORD", "")

	app, out, _ := newTestApp(t)
	app.ApplyOptions(AppOptions{})
	require.NoError(t, app.RunCheckConfig())
	assert.Contains(t, out.String(), "showing defaults")
	assert.Contains(t, out.String(), "huber_scale: 1")
	assert.NotContains(t, out.String(), "mqtt:")

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
huber_scale: 2.5
mqtt:
  broker: tcp://localhost:1883
  password: hunter2
`), 0644))

	app, out, _ = newTestApp(t)
	app.ApplyOptions(AppOptions{ConfigFile: cfgPath})
	require.NoError(t, app.RunCheckConfig())
	assert.Contains(t, out.String(), "is valid")
	assert.Contains(t, out.String(), "huber_scale: 2.5")
	assert.Contains(t, out.String(), "broker: tcp://localhost:1883")
	assert.NotContains(t, out.String(), "hunter2")
}
