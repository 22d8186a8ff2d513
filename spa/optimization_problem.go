package spa

import (
	"context"
	"fmt"
	"time"

	"gonum.org/v1/gonum/spatial/r3"
)

// OptimizationProblem implements the SPA loop closure method: it keeps the
// trajectory nodes and IMU samples reported by the host and, on Solve,
// optimizes submap and node poses against a set of constraints.
//
// OptimizationProblem is not safe for concurrent use. All methods must be
// called from one goroutine or be serialized by the caller, and Solve must not
// overlap with the Add methods.
type OptimizationProblem struct {
	options Options
	solver  Solver
	imu     *ImuStore
	nodes   *NodeStore
}

// NewOptimizationProblem creates a problem that solves with Levenberg-Marquardt.
func NewOptimizationProblem(options Options) *OptimizationProblem {
	return NewOptimizationProblemWithSolver(options, LevenbergMarquardt{})
}

// NewOptimizationProblemWithSolver creates a problem backed by the given solver.
// It panics when options do not pass Validate.
func NewOptimizationProblemWithSolver(options Options, solver Solver) *OptimizationProblem {
	if err := options.Validate(); err != nil {
		panic(fmt.Sprintf("spa: invalid options: %v", err))
	}
	return &OptimizationProblem{
		options: options,
		solver:  solver,
		imu:     NewImuStore(),
		nodes:   NewNodeStore(),
	}
}

// AddImuData records an inertial sample for a trajectory.
func (op *OptimizationProblem) AddImuData(trajectory TrajectoryID, t time.Time, linearAcceleration, angularVelocity r3.Vec) {
	op.imu.Add(trajectory, t, linearAcceleration, angularVelocity)
}

// AddTrajectoryNode appends a node. initialPose is the local estimate the node
// was created with; pose is its current global estimate.
func (op *OptimizationProblem) AddTrajectoryNode(trajectory TrajectoryID, t time.Time, initialPose, pose Rigid2) {
	op.nodes.Add(trajectory, t, initialPose, pose)
}

// SetMaxNumIterations changes the iteration budget of subsequent Solve calls.
func (op *OptimizationProblem) SetMaxNumIterations(n int) {
	if n <= 0 {
		panic(fmt.Sprintf("spa: max num iterations must be positive, got %d", n))
	}
	op.options.Solver.MaxNumIterations = n
}

// Options returns a copy of the current options.
func (op *OptimizationProblem) Options() Options {
	return op.options
}

// NodeData returns a copy of all nodes in index order.
func (op *OptimizationProblem) NodeData() []NodeData {
	return op.nodes.Nodes()
}

// Nodes exposes the node store.
func (op *OptimizationProblem) Nodes() *NodeStore {
	return op.nodes
}

// Imu exposes the measurement store.
func (op *OptimizationProblem) Imu() *ImuStore {
	return op.imu
}

// Solve optimizes submap and node poses against constraints, starting from
// submapPoses and the nodes' current poses. Optimized node poses are written
// back into the node store; optimized submap poses are returned in index order.
//
// Submap 0 (or node 0 when there are no submaps) is held fixed. A constraint
// with an out-of-range submap or node index panics. Running out of iterations
// is not an error: the best poses found are used and the Summary says so.
func (op *OptimizationProblem) Solve(constraints []Constraint, submapPoses []Rigid2) ([]Rigid2, Summary) {
	return op.SolveContext(context.Background(), constraints, submapPoses)
}

// SolveContext is Solve with cancellation. A canceled solve still writes back
// the best poses found before ctx ended.
func (op *OptimizationProblem) SolveContext(ctx context.Context, constraints []Constraint, submapPoses []Rigid2) ([]Rigid2, Summary) {
	opts := op.options
	numNodes := op.nodes.Len()
	if len(submapPoses) == 0 && numNodes == 0 {
		return nil, Summary{Termination: Convergence, Message: "empty problem"}
	}

	problem := NewProblem()
	submapBlocks := make([]int, len(submapPoses))
	for i, pose := range submapPoses {
		submapBlocks[i] = problem.AddParameterBlock(pose)
	}
	nodeBlocks := make([]int, numNodes)
	for i := 0; i < numNodes; i++ {
		nodeBlocks[i] = problem.AddParameterBlock(op.nodes.Node(i).Pose)
	}

	// Fix the gauge.
	if len(submapBlocks) > 0 {
		problem.SetParameterBlockConstant(submapBlocks[0])
	} else {
		problem.SetParameterBlockConstant(nodeBlocks[0])
	}

	for _, c := range op.residualContributors(constraints, len(submapPoses)) {
		c.addTo(problem, submapBlocks, nodeBlocks)
	}

	summary := op.solver.Solve(ctx, problem, opts.Solver)
	if opts.LogSolverSummary {
		Logger().Info("solver summary", summary.Fields()...)
	}

	for i, b := range nodeBlocks {
		op.nodes.SetPose(i, problem.ParameterBlock(b))
	}
	result := make([]Rigid2, len(submapBlocks))
	for i, b := range submapBlocks {
		result[i] = problem.ParameterBlock(b)
	}
	return result, summary
}

// residualContributors lists every residual this solve will add: submap
// constraints first, then per-trajectory odometry and inertial terms.
func (op *OptimizationProblem) residualContributors(constraints []Constraint, numSubmaps int) []residualContributor {
	var out []residualContributor
	for i, c := range constraints {
		if c.Submap < 0 || c.Submap >= numSubmaps {
			panic(fmt.Sprintf("spa: constraint %d references submap %d, have %d submaps", i, c.Submap, numSubmaps))
		}
		if c.Node < 0 || c.Node >= op.nodes.Len() {
			panic(fmt.Sprintf("spa: constraint %d references node %d, have %d nodes", i, c.Node, op.nodes.Len()))
		}
		out = append(out, constraintResidual{constraint: c, huberScale: op.options.HuberScale})
	}

	opts := op.options
	odometry := opts.ConsecutiveNodeTranslationWeight > 0 || opts.ConsecutiveNodeRotationWeight > 0
	imu := opts.UseImuData && (opts.ImuTranslationWeight > 0 || opts.ImuRotationWeight > 0)
	for _, trajectory := range op.nodes.Trajectories() {
		indices := op.nodes.TrajectoryNodes(trajectory)
		if odometry {
			for k := 1; k < len(indices); k++ {
				out = append(out, op.odometryResidual(indices[k-1], indices[k]))
			}
		}
		if imu && op.imu.Len(trajectory) > 0 {
			for k := 1; k < len(indices); k++ {
				previous := -1
				if k >= 2 {
					previous = indices[k-2]
				}
				if r, ok := op.imuResidual(trajectory, previous, indices[k-1], indices[k]); ok {
					out = append(out, r)
				}
			}
		}
	}
	return out
}

func (op *OptimizationProblem) odometryResidual(from, to int) residualContributor {
	a, b := op.nodes.Node(from), op.nodes.Node(to)
	return nodePairResidual{
		kind: KindOdometry,
		from: from,
		to:   to,
		cost: RelativePoseCost{
			Zbar:              Between(a.InitialPose, b.InitialPose),
			TranslationWeight: op.options.ConsecutiveNodeTranslationWeight,
			RotationWeight:    op.options.ConsecutiveNodeRotationWeight,
		},
	}
}

// imuResidual integrates the samples between nodes from and to. The velocity
// at from is estimated from the initial poses of previous and from; it is zero
// for the first node of a trajectory.
func (op *OptimizationProblem) imuResidual(trajectory TrajectoryID, previous, from, to int) (residualContributor, bool) {
	a, b := op.nodes.Node(from), op.nodes.Node(to)
	samples := op.imu.Between(trajectory, a.Time, b.Time)
	if len(samples) == 0 {
		return nil, false
	}

	var velocity r3.Vec
	if previous >= 0 {
		p := op.nodes.Node(previous)
		if dt := a.Time.Sub(p.Time).Seconds(); dt > 0 {
			local := Between(p.InitialPose, a.InitialPose)
			// displacement over the last interval, expressed in the frame of a
			back := Rigid2{Theta: -local.Theta}.Apply(Point{X: local.X, Y: local.Y})
			velocity = r3.Vec{X: back.X / dt, Y: back.Y / dt}
		}
	}

	motion := IntegrateImu(samples, a.Time, b.Time, velocity, op.options.Gravity)
	return nodePairResidual{
		kind: KindImu,
		from: from,
		to:   to,
		cost: RelativePoseCost{
			Zbar:              motion.Planar(),
			TranslationWeight: op.options.ImuTranslationWeight,
			RotationWeight:    op.options.ImuRotationWeight,
		},
	}, true
}

// residualContributor adds one residual block to the solver problem. Each
// measurement kind knows which parameter blocks it connects.
type residualContributor interface {
	addTo(p *Problem, submapBlocks, nodeBlocks []int)
}

type constraintResidual struct {
	constraint Constraint
	huberScale float64
}

func (c constraintResidual) addTo(p *Problem, submapBlocks, nodeBlocks []int) {
	var loss LossFunction
	if c.constraint.Tag == InterSubmap {
		loss = HuberLoss{Scale: c.huberScale}
	}
	p.AddResidualBlock(KindConstraint,
		RelativePoseCost{
			Zbar:              c.constraint.Pose.Zbar,
			TranslationWeight: c.constraint.Pose.TranslationWeight,
			RotationWeight:    c.constraint.Pose.RotationWeight,
		},
		loss,
		submapBlocks[c.constraint.Submap], nodeBlocks[c.constraint.Node])
}

type nodePairResidual struct {
	kind     ResidualKind
	from, to int
	cost     RelativePoseCost
}

func (r nodePairResidual) addTo(p *Problem, _, nodeBlocks []int) {
	p.AddResidualBlock(r.kind, r.cost, nil, nodeBlocks[r.from], nodeBlocks[r.to])
}
