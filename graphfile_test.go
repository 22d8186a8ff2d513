package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kwv/posegraph/spa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/spatial/r3"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// sampleGraph is a square walk of eight nodes with two submaps. Constraints
// are exact; node and second-submap guesses are off.
func sampleGraph() *Graph {
	id := uuid.MustParse("6f1c2a52-8f0e-4c59-a9a4-2f7d7f1f6b10")
	truth := []spa.Rigid2{
		spa.NewRigid2(0, 0, 0),
		spa.NewRigid2(1, 0, 0),
		spa.NewRigid2(2, 0, 1.5707963267948966),
		spa.NewRigid2(2, 1, 1.5707963267948966),
		spa.NewRigid2(2, 2, 3.141592653589793),
		spa.NewRigid2(1, 2, 3.141592653589793),
		spa.NewRigid2(0, 2, -1.5707963267948966),
		spa.NewRigid2(0, 1, -1.5707963267948966),
	}
	submapTruth := []spa.Rigid2{truth[0], truth[4]}

	g := &Graph{Submaps: []spa.Rigid2{submapTruth[0], spa.NewRigid2(2.2, 1.8, 3.0)}}
	for i, pose := range truth {
		guess := spa.NewRigid2(pose.X+0.1*float64(i%3), pose.Y-0.05*float64(i%2), pose.Theta+0.03)
		g.Nodes = append(g.Nodes, spa.NodeData{
			Trajectory:  id,
			Time:        epoch.Add(time.Duration(i) * time.Second),
			InitialPose: pose,
			Pose:        guess,
		})
		home := i / 4
		g.Constraints = append(g.Constraints, spa.Constraint{
			Submap: home,
			Node:   i,
			Pose:   spa.ConstraintPose{Zbar: spa.Between(submapTruth[home], pose), TranslationWeight: 10, RotationWeight: 10},
			Tag:    spa.IntraSubmap,
		})
		g.Constraints = append(g.Constraints, spa.Constraint{
			Submap: 1 - home,
			Node:   i,
			Pose:   spa.ConstraintPose{Zbar: spa.Between(submapTruth[1-home], pose), TranslationWeight: 10, RotationWeight: 10},
			Tag:    spa.InterSubmap,
		})
	}
	return g
}

func TestSaveAndLoadGraph(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.json")
	g := sampleGraph()
	g.Imu = []ImuRecord{{
		Trajectory: g.Nodes[0].Trajectory,
		ImuData:    spa.ImuData{Time: epoch, LinearAcceleration: r3.Vec{Z: spa.DefaultGravity}, AngularVelocity: r3.Vec{Z: 0.1}},
	}}

	require.NoError(t, SaveGraph(path, g))
	loaded, err := LoadGraph(path)
	require.NoError(t, err)

	assert.Equal(t, g.Submaps, loaded.Submaps)
	assert.Equal(t, g.Constraints, loaded.Constraints)
	require.Len(t, loaded.Nodes, len(g.Nodes))
	for i := range g.Nodes {
		assert.Equal(t, g.Nodes[i].Trajectory, loaded.Nodes[i].Trajectory)
		assert.True(t, g.Nodes[i].Time.Equal(loaded.Nodes[i].Time))
		assert.Equal(t, g.Nodes[i].Pose, loaded.Nodes[i].Pose)
		assert.Equal(t, g.Nodes[i].InitialPose, loaded.Nodes[i].InitialPose)
	}
	require.Len(t, loaded.Imu, 1)
	assert.Equal(t, 0.1, loaded.Imu[0].AngularVelocity.Z)
}

func TestLoadGraph_Errors(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0644))
		return path
	}

	_, err := LoadGraph(filepath.Join(dir, "missing.json"))
	assert.ErrorContains(t, err, "graph file not found")

	_, err = LoadGraph(write("bad.json", "{"))
	assert.ErrorContains(t, err, "parsing graph JSON")

	_, err = LoadGraph(write("tag.json", `{"constraints":[{"tag":"sideways"}]}`))
	assert.ErrorContains(t, err, "unknown constraint tag")
}

func TestGraph_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Graph)
		wantErr string
	}{
		{"valid", func(*Graph) {}, ""},
		{"missing trajectory", func(g *Graph) { g.Nodes[2].Trajectory = uuid.Nil }, "node 2 has no trajectory"},
		{"time goes back", func(g *Graph) { g.Nodes[3].Time = epoch.Add(-time.Second) }, "goes back in time"},
		{"submap out of range", func(g *Graph) { g.Constraints[0].Submap = 2 }, "references submap 2"},
		{"node out of range", func(g *Graph) { g.Constraints[1].Node = 8 }, "references node 8"},
		{"negative weight", func(g *Graph) { g.Constraints[4].Pose.RotationWeight = -1 }, "negative weight"},
		{"imu without trajectory", func(g *Graph) { g.Imu = []ImuRecord{{}} }, "imu sample 0 has no trajectory"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := sampleGraph()
			tt.mutate(g)
			err := g.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestGraph_ValidateReportsEveryProblem(t *testing.T) {
	g := sampleGraph()
	g.Nodes[1].Trajectory = uuid.Nil
	g.Constraints[0].Submap = 9
	g.Constraints[3].Node = -1

	err := g.Validate()

	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 3)
}

func TestGraph_ProblemSortsImu(t *testing.T) {
	g := sampleGraph()
	id := g.Nodes[0].Trajectory
	for _, s := range []float64{3, 1, 2, 0} {
		g.Imu = append(g.Imu, ImuRecord{
			Trajectory: id,
			ImuData:    spa.ImuData{Time: epoch.Add(time.Duration(s) * time.Second), LinearAcceleration: r3.Vec{Z: spa.DefaultGravity}},
		})
	}

	var op *spa.OptimizationProblem
	require.NotPanics(t, func() { op = g.Problem(spa.DefaultOptions()) })
	assert.Equal(t, 4, op.Imu().Len(id))
	assert.Len(t, op.NodeData(), 8)
}

func TestNewSolutionSummary(t *testing.T) {
	s := newSolutionSummary(spa.Summary{
		InitialCost:     4,
		FinalCost:       1,
		Termination:     spa.NoConvergence,
		Duration:        1500 * time.Millisecond,
		ResidualsByKind: map[spa.ResidualKind]int{spa.KindConstraint: 2, spa.KindImu: 1},
		CostByKind:      map[spa.ResidualKind]float64{spa.KindConstraint: 0.75, spa.KindImu: 0.25},
	})

	assert.Equal(t, "NO_CONVERGENCE", s.Termination)
	assert.Equal(t, int64(1500), s.DurationMs)
	assert.Equal(t, map[string]int{"constraint": 2, "imu": 1}, s.ResidualsByKind)
	assert.Equal(t, 0.25, s.CostByKind["imu"])
}
