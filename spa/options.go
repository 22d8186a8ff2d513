package spa

import "fmt"

// Options configures an OptimizationProblem.
type Options struct {
	// Scale of the Huber loss applied to inter-submap (loop closure) constraints.
	HuberScale float64 `yaml:"huber_scale" json:"huberScale"`

	// Weights of the residuals tying consecutive nodes of a trajectory to
	// their initial relative pose. Both zero disables them.
	ConsecutiveNodeTranslationWeight float64 `yaml:"consecutive_node_translation_weight" json:"consecutiveNodeTranslationWeight"`
	ConsecutiveNodeRotationWeight    float64 `yaml:"consecutive_node_rotation_weight" json:"consecutiveNodeRotationWeight"`

	UseImuData           bool    `yaml:"use_imu_data" json:"useImuData"`
	ImuTranslationWeight float64 `yaml:"imu_translation_weight" json:"imuTranslationWeight"`
	ImuRotationWeight    float64 `yaml:"imu_rotation_weight" json:"imuRotationWeight"`
	Gravity              float64 `yaml:"gravity" json:"gravity"`

	LogSolverSummary bool          `yaml:"log_solver_summary" json:"logSolverSummary"`
	Solver           SolverOptions `yaml:"solver" json:"solver"`
}

// DefaultOptions returns sensible defaults for the optimization problem
func DefaultOptions() Options {
	return Options{
		HuberScale:                       1.0,
		ConsecutiveNodeTranslationWeight: 0,
		ConsecutiveNodeRotationWeight:    0,
		UseImuData:                       true,
		ImuTranslationWeight:             1.0,
		ImuRotationWeight:                10.0,
		Gravity:                          DefaultGravity,
		LogSolverSummary:                 false,
		Solver:                           DefaultSolverOptions(),
	}
}

// Validate checks option ranges.
func (o Options) Validate() error {
	if o.HuberScale <= 0 {
		return fmt.Errorf("huber_scale must be positive, got %v", o.HuberScale)
	}
	if o.ConsecutiveNodeTranslationWeight < 0 || o.ConsecutiveNodeRotationWeight < 0 {
		return fmt.Errorf("consecutive node weights must not be negative")
	}
	if o.ImuTranslationWeight < 0 || o.ImuRotationWeight < 0 {
		return fmt.Errorf("imu weights must not be negative")
	}
	if o.Gravity < 0 {
		return fmt.Errorf("gravity must not be negative, got %v", o.Gravity)
	}
	return o.Solver.Validate()
}

// Validate checks solver option ranges.
func (o SolverOptions) Validate() error {
	if o.MaxNumIterations <= 0 {
		return fmt.Errorf("solver.max_num_iterations must be positive, got %d", o.MaxNumIterations)
	}
	if o.NumThreads <= 0 {
		return fmt.Errorf("solver.num_threads must be positive, got %d", o.NumThreads)
	}
	switch o.LinearSolver {
	case DenseCholesky, ConjugateGradient:
	default:
		return fmt.Errorf("solver.linear_solver must be %q or %q, got %q",
			DenseCholesky, ConjugateGradient, o.LinearSolver)
	}
	if o.FunctionTolerance < 0 || o.GradientTolerance < 0 || o.ParameterTolerance < 0 {
		return fmt.Errorf("solver tolerances must not be negative")
	}
	if o.InitialTrustRegionRadius <= 0 {
		return fmt.Errorf("solver.initial_trust_region_radius must be positive, got %v", o.InitialTrustRegionRadius)
	}
	if o.LinearSolver == ConjugateGradient && o.MaxCGIterations <= 0 {
		return fmt.Errorf("solver.max_cg_iterations must be positive for %s", ConjugateGradient)
	}
	return nil
}
