package main

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/kwv/posegraph/spa"
	"go.uber.org/multierr"
)

// Graph is a pose graph problem dump: everything an OptimizationProblem is
// fed, in the order it is fed. Constraint node indices refer to Nodes.
type Graph struct {
	Nodes       []spa.NodeData   `json:"nodes"`
	Imu         []ImuRecord      `json:"imu,omitempty"`
	Submaps     []spa.Rigid2     `json:"submaps"`
	Constraints []spa.Constraint `json:"constraints"`
}

// ImuRecord is an inertial sample tagged with its trajectory.
type ImuRecord struct {
	Trajectory spa.TrajectoryID `json:"trajectory"`
	spa.ImuData
}

// Solution is what a solve writes out.
type Solution struct {
	Submaps []spa.Rigid2       `json:"submaps"`
	Nodes   []spa.NodeData     `json:"nodes"`
	Summary SolutionSummary    `json:"summary"`
	Extents []TrajectoryExtent `json:"extents,omitempty"`
}

// SolutionSummary is the JSON form of spa.Summary.
type SolutionSummary struct {
	InitialCost     float64            `json:"initialCost"`
	FinalCost       float64            `json:"finalCost"`
	Iterations      int                `json:"iterations"`
	SuccessfulSteps int                `json:"successfulSteps"`
	Termination     string             `json:"termination"`
	Message         string             `json:"message"`
	DurationMs      int64              `json:"durationMs"`
	CostByKind      map[string]float64 `json:"costByKind,omitempty"`
	ResidualsByKind map[string]int     `json:"residualsByKind,omitempty"`
}

func newSolutionSummary(s spa.Summary) SolutionSummary {
	out := SolutionSummary{
		InitialCost:     s.InitialCost,
		FinalCost:       s.FinalCost,
		Iterations:      s.Iterations,
		SuccessfulSteps: s.SuccessfulSteps,
		Termination:     s.Termination.String(),
		Message:         s.Message,
		DurationMs:      s.Duration.Milliseconds(),
	}
	if len(s.CostByKind) > 0 {
		out.CostByKind = make(map[string]float64, len(s.CostByKind))
		for k, v := range s.CostByKind {
			out.CostByKind[k.String()] = v
		}
	}
	if len(s.ResidualsByKind) > 0 {
		out.ResidualsByKind = make(map[string]int, len(s.ResidualsByKind))
		for k, v := range s.ResidualsByKind {
			out.ResidualsByKind[k.String()] = v
		}
	}
	return out
}

// LoadGraph reads and validates a graph file.
func LoadGraph(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("graph file not found: %s", path)
		}
		return nil, fmt.Errorf("reading graph file: %w", err)
	}

	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parsing graph JSON: %w", err)
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid graph %s: %w", path, err)
	}
	return &g, nil
}

// SaveGraph writes a graph file.
func SaveGraph(path string, g *Graph) error {
	return writeJSON(path, g)
}

// SaveSolution writes a solution file.
func SaveSolution(path string, s *Solution) error {
	return writeJSON(path, s)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling JSON: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// Validate reports the conditions the optimizer treats as programming errors
// (missing trajectories, nodes going back in time, out-of-range constraints)
// as an error instead.
func (g *Graph) Validate() error {
	var errs error
	last := make(map[spa.TrajectoryID]time.Time)
	for i, n := range g.Nodes {
		if n.Trajectory == uuid.Nil {
			errs = multierr.Append(errs, fmt.Errorf("node %d has no trajectory", i))
			continue
		}
		if prev, ok := last[n.Trajectory]; ok && n.Time.Before(prev) {
			errs = multierr.Append(errs, fmt.Errorf("node %d of trajectory %s goes back in time", i, n.Trajectory))
		}
		last[n.Trajectory] = n.Time
	}
	for i, s := range g.Imu {
		if s.Trajectory == uuid.Nil {
			errs = multierr.Append(errs, fmt.Errorf("imu sample %d has no trajectory", i))
		}
	}
	for i, c := range g.Constraints {
		if c.Submap < 0 || c.Submap >= len(g.Submaps) {
			errs = multierr.Append(errs, fmt.Errorf("constraint %d references submap %d, have %d", i, c.Submap, len(g.Submaps)))
		}
		if c.Node < 0 || c.Node >= len(g.Nodes) {
			errs = multierr.Append(errs, fmt.Errorf("constraint %d references node %d, have %d", i, c.Node, len(g.Nodes)))
		}
		if c.Pose.TranslationWeight < 0 || c.Pose.RotationWeight < 0 {
			errs = multierr.Append(errs, fmt.Errorf("constraint %d has a negative weight", i))
		}
	}
	return errs
}

// Problem feeds the graph into a new optimization problem. Inertial samples
// may appear in any order in the file.
func (g *Graph) Problem(opts spa.Options) *spa.OptimizationProblem {
	imu := slices.Clone(g.Imu)
	sort.SliceStable(imu, func(a, b int) bool { return imu[a].Time.Before(imu[b].Time) })

	op := spa.NewOptimizationProblem(opts)
	for _, s := range imu {
		op.AddImuData(s.Trajectory, s.Time, s.LinearAcceleration, s.AngularVelocity)
	}
	for _, n := range g.Nodes {
		op.AddTrajectoryNode(n.Trajectory, n.Time, n.InitialPose, n.Pose)
	}
	return op
}
