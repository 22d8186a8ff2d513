package spa

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
)

// SolverOptions configures the nonlinear least-squares solve.
type SolverOptions struct {
	MaxNumIterations     int              `yaml:"max_num_iterations" json:"maxNumIterations"`
	NumThreads           int              `yaml:"num_threads" json:"numThreads"`
	UseNonmonotonicSteps bool             `yaml:"use_nonmonotonic_steps" json:"useNonmonotonicSteps"`
	LinearSolver         LinearSolverType `yaml:"linear_solver" json:"linearSolver"`
	// Stop when |Δcost|/cost falls below this after an accepted step.
	FunctionTolerance float64 `yaml:"function_tolerance" json:"functionTolerance"`
	// Stop when the largest gradient component falls below this.
	GradientTolerance float64 `yaml:"gradient_tolerance" json:"gradientTolerance"`
	// Stop when ‖δ‖ <= tol·(‖x‖ + tol).
	ParameterTolerance       float64 `yaml:"parameter_tolerance" json:"parameterTolerance"`
	InitialTrustRegionRadius float64 `yaml:"initial_trust_region_radius" json:"initialTrustRegionRadius"`
	MaxCGIterations          int     `yaml:"max_cg_iterations" json:"maxCgIterations"`
}

// DefaultSolverOptions returns sensible defaults for the solver
func DefaultSolverOptions() SolverOptions {
	return SolverOptions{
		MaxNumIterations:         50,
		NumThreads:               4,
		UseNonmonotonicSteps:     false,
		LinearSolver:             DenseCholesky,
		FunctionTolerance:        1e-6,
		GradientTolerance:        1e-10,
		ParameterTolerance:       1e-8,
		InitialTrustRegionRadius: 1e4,
		MaxCGIterations:          500,
	}
}

// TerminationType says why the solver stopped.
type TerminationType int

const (
	// Convergence means a tolerance was met.
	Convergence TerminationType = iota
	// NoConvergence means the iteration budget ran out; the best iterate is kept.
	NoConvergence
	// Failure means no step could be computed; the best iterate is kept.
	Failure
	// Canceled means the context ended first; the best iterate is kept.
	Canceled
)

func (t TerminationType) String() string {
	switch t {
	case Convergence:
		return "CONVERGENCE"
	case NoConvergence:
		return "NO_CONVERGENCE"
	case Failure:
		return "FAILURE"
	case Canceled:
		return "CANCELED"
	default:
		return fmt.Sprintf("TerminationType(%d)", int(t))
	}
}

// Summary describes a finished solve. It is a diagnostic, not a success flag:
// the parameters always hold the best iterate found.
type Summary struct {
	InitialCost     float64
	FinalCost       float64
	CostByKind      map[ResidualKind]float64
	ResidualsByKind map[ResidualKind]int
	Iterations      int
	SuccessfulSteps int
	Termination     TerminationType
	Message         string
	Duration        time.Duration

	NumParameterBlocks int
	NumConstantBlocks  int
}

// Fields renders the summary as structured log fields.
func (s Summary) Fields() []zap.Field {
	fields := []zap.Field{
		zap.Float64("initial_cost", s.InitialCost),
		zap.Float64("final_cost", s.FinalCost),
		zap.Int("iterations", s.Iterations),
		zap.Int("successful_steps", s.SuccessfulSteps),
		zap.Stringer("termination", s.Termination),
		zap.String("message", s.Message),
		zap.Duration("duration", s.Duration),
		zap.Int("parameter_blocks", s.NumParameterBlocks),
		zap.Int("constant_blocks", s.NumConstantBlocks),
	}
	for _, kind := range []ResidualKind{KindConstraint, KindOdometry, KindImu} {
		if n := s.ResidualsByKind[kind]; n > 0 {
			fields = append(fields,
				zap.Int(kind.String()+"_residuals", n),
				zap.Float64(kind.String()+"_cost", s.CostByKind[kind]))
		}
	}
	return fields
}

// Solver minimizes a Problem starting from its current parameter values and
// leaves the best iterate in the problem.
type Solver interface {
	Solve(ctx context.Context, p *Problem, opts SolverOptions) Summary
}

// LevenbergMarquardt is a trust-region Levenberg-Marquardt solver with a
// clamped diagonal damping matrix.
type LevenbergMarquardt struct{}

const (
	minRelativeDecrease        = 1e-3
	maxDamping                 = 1e32
	maxConsecutiveNonmonotonic = 5
)

// Solve implements Solver.
func (LevenbergMarquardt) Solve(ctx context.Context, p *Problem, opts SolverOptions) Summary {
	start := time.Now()
	log := Logger()

	ev := newEvaluator(p, opts.NumThreads)
	summary := Summary{
		ResidualsByKind:    make(map[ResidualKind]int),
		NumParameterBlocks: len(p.params),
		NumConstantBlocks:  len(p.params) - ev.numColumns,
	}
	for _, rb := range p.residual {
		summary.ResidualsByKind[rb.Kind]++
	}
	finish := func(t TerminationType, msg string) Summary {
		summary.Termination = t
		summary.Message = msg
		summary.FinalCost = ev.evaluate(p.params, false)
		summary.CostByKind = ev.costByKind()
		summary.Duration = time.Since(start)
		return summary
	}

	solver, err := newLinearSolver(opts)
	if err != nil {
		summary.InitialCost = ev.evaluate(p.params, false)
		return finish(Failure, err.Error())
	}

	x := append([]Rigid2(nil), p.params...)
	cost := ev.evaluate(x, true)
	summary.InitialCost = cost
	if ev.numColumns == 0 {
		return finish(Convergence, "no variable parameter blocks")
	}

	best, bestCost := append([]Rigid2(nil), x...), cost
	accept := func() {
		if cost < bestCost {
			copy(best, x)
			bestCost = cost
		}
	}
	done := func(t TerminationType, msg string) Summary {
		copy(p.params, best)
		return finish(t, msg)
	}

	h, g := ev.normalEquations()
	if floats.Norm(g, math.Inf(1)) <= opts.GradientTolerance {
		return done(Convergence, "gradient tolerance reached")
	}

	radius := opts.InitialTrustRegionRadius
	if radius <= 0 {
		radius = DefaultSolverOptions().InitialTrustRegionRadius
	}
	mu := 1 / radius
	nu := 2.0
	var recent []float64 // costs of recent accepted iterates, for nonmonotonic steps

	for summary.Iterations < opts.MaxNumIterations {
		if err := ctx.Err(); err != nil {
			return done(Canceled, err.Error())
		}
		summary.Iterations++

		d := h.damping()
		delta, err := solver.solve(h, g, mu, d)
		if err != nil {
			log.Debug("linear solve failed", zap.Int("iteration", summary.Iterations), zap.Error(err))
			mu *= nu
			nu *= 2
			if mu > maxDamping {
				return done(Failure, "damping exceeded limit: "+err.Error())
			}
			continue
		}

		if floats.Norm(delta, 2) <= opts.ParameterTolerance*(parameterNorm(x)+opts.ParameterTolerance) {
			return done(Convergence, "parameter tolerance reached")
		}

		candidate := make([]Rigid2, len(x))
		copy(candidate, x)
		for i, c := range ev.column {
			if c >= 0 {
				candidate[i] = x[i].plus(delta[3*c : 3*c+3])
			}
		}
		newCost := ev.evaluate(candidate, false)

		// predicted decrease of the linearized model: -(gᵀδ + ½δᵀHδ)
		hd := make([]float64, len(delta))
		h.mulVec(hd, delta, 0, nil)
		modelDecrease := -(floats.Dot(g, delta) + 0.5*floats.Dot(delta, hd))

		reference := cost
		if opts.UseNonmonotonicSteps {
			for _, c := range recent {
				reference = math.Max(reference, c)
			}
		}
		rho := (reference - newCost) / modelDecrease
		stepOK := modelDecrease > 0 && !math.IsNaN(newCost) && !math.IsInf(newCost, 0) &&
			rho > minRelativeDecrease
		if !opts.UseNonmonotonicSteps {
			stepOK = stepOK && newCost < cost
		}

		log.Debug("iteration",
			zap.Int("iteration", summary.Iterations),
			zap.Float64("cost", cost),
			zap.Float64("candidate_cost", newCost),
			zap.Float64("rho", rho),
			zap.Float64("mu", mu),
			zap.Bool("accepted", stepOK))

		if !stepOK {
			mu *= nu
			nu *= 2
			if mu > maxDamping {
				return done(Failure, "damping exceeded limit")
			}
			continue
		}

		summary.SuccessfulSteps++
		previous := cost
		x = candidate
		cost = ev.evaluate(x, true)
		accept()
		if opts.UseNonmonotonicSteps {
			recent = append(recent, previous)
			if len(recent) > maxConsecutiveNonmonotonic {
				recent = recent[1:]
			}
		}

		mu *= math.Max(1.0/3.0, 1-math.Pow(2*rho-1, 3))
		nu = 2

		if math.Abs(previous-cost) <= opts.FunctionTolerance*previous {
			return done(Convergence, "function tolerance reached")
		}
		h, g = ev.normalEquations()
		if floats.Norm(g, math.Inf(1)) <= opts.GradientTolerance {
			return done(Convergence, "gradient tolerance reached")
		}
	}
	return done(NoConvergence, fmt.Sprintf("maximum number of iterations (%d) reached", opts.MaxNumIterations))
}

func parameterNorm(x []Rigid2) float64 {
	var s float64
	for _, p := range x {
		s += p.X*p.X + p.Y*p.Y + p.Theta*p.Theta
	}
	return math.Sqrt(s)
}
