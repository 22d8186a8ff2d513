package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockApp struct {
	opts   AppOptions
	called map[string]bool
}

func newMockApp() *mockApp {
	return &mockApp{called: make(map[string]bool)}
}

func (m *mockApp) ApplyOptions(opts AppOptions) { m.opts = opts }
func (m *mockApp) RunCheckConfig() error        { m.called["RunCheckConfig"] = true; return nil }

func (m *mockApp) RunSolve(context.Context) error {
	m.called["RunSolve"] = true
	return nil
}

func TestRun_Commands(t *testing.T) {
	tests := []struct {
		name           string
		args           []string
		expectedCalled string
		verifyOpts     func(*testing.T, AppOptions)
	}{
		{
			name:           "Solve",
			args:           []string{"solve", "--graph", "g.json"},
			expectedCalled: "RunSolve",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				assert.Equal(t, "g.json", opts.GraphFile)
				assert.Empty(t, opts.OutputFile)
				assert.False(t, opts.Publish)
				assert.Zero(t, opts.MaxIterations)
			},
		},
		{
			name: "SolveAllFlags",
			args: []string{
				"--config", "opts.yaml", "--debug",
				"solve", "-g", "g.json", "-o", "out.json", "--geojson", "out.geojson",
				"--simplify", "0.05", "--max-iterations", "12", "--publish",
			},
			expectedCalled: "RunSolve",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				assert.Equal(t, AppOptions{
					ConfigFile:        "opts.yaml",
					Debug:             true,
					GraphFile:         "g.json",
					OutputFile:        "out.json",
					GeoJSONFile:       "out.geojson",
					SimplifyTolerance: 0.05,
					MaxIterations:     12,
					Publish:           true,
				}, opts)
			},
		},
		{
			name:           "CheckConfig",
			args:           []string{"-c", "opts.yaml", "check-config"},
			expectedCalled: "RunCheckConfig",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				assert.Equal(t, "opts.yaml", opts.ConfigFile)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newMockApp()
			var out bytes.Buffer
			require.NoError(t, run(context.Background(), tt.args, &out, app))

			assert.True(t, app.called[tt.expectedCalled], "expected %s to be called", tt.expectedCalled)
			if tt.verifyOpts != nil {
				tt.verifyOpts(t, app.opts)
			}
		})
	}
}

func TestRun_SolveRequiresGraph(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer

	err := run(context.Background(), []string{"solve"}, &out, app)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "graph")
	assert.False(t, app.called["RunSolve"])
}

func TestRun_RejectsNegativeIterations(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer

	err := run(context.Background(), []string{"solve", "--graph", "g.json", "--max-iterations", "-3"}, &out, app)

	assert.EqualError(t, err, "--max-iterations must not be negative, got -3")
	assert.False(t, app.called["RunSolve"])
}

func TestRun_ZeroIterationsKeepsConfig(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer

	require.NoError(t, run(context.Background(), []string{"solve", "--graph", "g.json", "--max-iterations", "0"}, &out, app))

	assert.True(t, app.called["RunSolve"])
	assert.Zero(t, app.opts.MaxIterations)
}

func TestRun_Help(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer

	require.NoError(t, run(context.Background(), []string{"--help"}, &out, app))

	assert.Contains(t, out.String(), "posegraph")
	assert.Contains(t, out.String(), "solve")
	assert.Contains(t, out.String(), "check-config")
	assert.Empty(t, app.called)
}

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"--version"}, &out, newMockApp()))
	assert.Contains(t, out.String(), "posegraph version "+Version)
}
