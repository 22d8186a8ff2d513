package spa

import "math"

// LossFunction robustifies a residual block. Evaluate receives the squared
// norm s of the block's residual vector and returns ρ(s) and ρ'(s).
type LossFunction interface {
	Evaluate(s float64) (rho, rho1 float64)
}

// HuberLoss is quadratic up to Scale and linear beyond it:
//
//	ρ(s) = s                 s <= Scale²
//	ρ(s) = 2·Scale·√s - Scale²  otherwise
//
// A non-positive Scale leaves the residual unrobustified.
type HuberLoss struct {
	Scale float64
}

func (l HuberLoss) Evaluate(s float64) (float64, float64) {
	if l.Scale <= 0 {
		return trivialLoss{}.Evaluate(s)
	}
	b := l.Scale * l.Scale
	if s <= b {
		return s, 1
	}
	r := math.Sqrt(s)
	return 2*l.Scale*r - b, l.Scale / r
}

// trivialLoss stands in for "no loss function".
type trivialLoss struct{}

func (trivialLoss) Evaluate(s float64) (float64, float64) { return s, 1 }
