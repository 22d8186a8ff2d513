package spa

import (
	"fmt"
	"math"
)

// ResidualKind labels where a residual block came from. It only matters for
// diagnostics; the solver treats all kinds alike.
type ResidualKind int

const (
	// KindConstraint is a submap-to-node constraint.
	KindConstraint ResidualKind = iota
	// KindOdometry ties consecutive nodes of a trajectory to their initial relative pose.
	KindOdometry
	// KindImu ties consecutive nodes of a trajectory to dead-reckoned inertial motion.
	KindImu
)

func (k ResidualKind) String() string {
	switch k {
	case KindConstraint:
		return "constraint"
	case KindOdometry:
		return "odometry"
	case KindImu:
		return "imu"
	default:
		return fmt.Sprintf("ResidualKind(%d)", int(k))
	}
}

// CostFunction computes a residual vector over SE(2) parameter blocks.
type CostFunction interface {
	NumResiduals() int
	NumParameterBlocks() int
	// Evaluate writes NumResiduals values into residuals. If jacobians is
	// non-nil, every non-nil jacobians[k] receives the row-major
	// NumResiduals×3 derivative of the residuals with respect to params[k].
	Evaluate(params []Rigid2, residuals []float64, jacobians [][]float64)
}

// ResidualBlock is one term of the objective: a cost over some parameter
// blocks, optionally robustified.
type ResidualBlock struct {
	Kind   ResidualKind
	Cost   CostFunction
	Loss   LossFunction
	Blocks []int
}

// RelativePoseCost penalizes the difference between a measured pose of "to"
// in the frame of "from" and the one implied by the current estimates:
//
//	h = from⁻¹ ∘ to
//	r = [tw·(zbar.x - h.x), tw·(zbar.y - h.y), rw·wrap(zbar.θ - h.θ)]
//
// Submap constraints, odometry and inertial residuals all use this form.
type RelativePoseCost struct {
	Zbar              Rigid2
	TranslationWeight float64
	RotationWeight    float64
}

func (c RelativePoseCost) NumResiduals() int       { return 3 }
func (c RelativePoseCost) NumParameterBlocks() int { return 2 }

func (c RelativePoseCost) Evaluate(params []Rigid2, residuals []float64, jacobians [][]float64) {
	from, to := params[0], params[1]
	cos, sin := math.Cos(from.Theta), math.Sin(from.Theta)
	dx, dy := to.X-from.X, to.Y-from.Y
	h0 := cos*dx + sin*dy
	h1 := -sin*dx + cos*dy

	tw, rw := c.TranslationWeight, c.RotationWeight
	residuals[0] = tw * (c.Zbar.X - h0)
	residuals[1] = tw * (c.Zbar.Y - h1)
	residuals[2] = rw * NormalizeAngleDifference(c.Zbar.Theta, to.Theta-from.Theta)

	if jacobians == nil {
		return
	}
	if j := jacobians[0]; j != nil {
		j[0], j[1], j[2] = tw*cos, tw*sin, -tw*h1
		j[3], j[4], j[5] = -tw*sin, tw*cos, tw*h0
		j[6], j[7], j[8] = 0, 0, rw
	}
	if j := jacobians[1]; j != nil {
		j[0], j[1], j[2] = -tw*cos, -tw*sin, 0
		j[3], j[4], j[5] = tw*sin, -tw*cos, 0
		j[6], j[7], j[8] = 0, 0, -rw
	}
}
