package spa

import (
	"fmt"
	"slices"

	"gonum.org/v1/gonum/floats"
)

// Problem is a nonlinear least-squares problem over SE(2) parameter blocks:
//
//	minimize ½ Σ ρᵢ(‖rᵢ(x)‖²)
//
// Constant blocks keep their value and are left out of the linear systems.
type Problem struct {
	params   []Rigid2
	constant []bool
	residual []ResidualBlock
}

// NewProblem creates an empty problem
func NewProblem() *Problem {
	return &Problem{}
}

// AddParameterBlock registers a pose variable and returns its index.
func (p *Problem) AddParameterBlock(initial Rigid2) int {
	p.params = append(p.params, initial.Normalized())
	p.constant = append(p.constant, false)
	return len(p.params) - 1
}

// SetParameterBlockConstant freezes block i at its current value.
func (p *Problem) SetParameterBlockConstant(i int) {
	p.checkBlock(i)
	p.constant[i] = true
}

// IsConstant reports whether block i is frozen.
func (p *Problem) IsConstant(i int) bool {
	p.checkBlock(i)
	return p.constant[i]
}

// ParameterBlock returns the current value of block i.
func (p *Problem) ParameterBlock(i int) Rigid2 {
	p.checkBlock(i)
	return p.params[i]
}

// ParameterBlocks returns a copy of all block values.
func (p *Problem) ParameterBlocks() []Rigid2 {
	return slices.Clone(p.params)
}

// NumParameterBlocks returns the number of pose variables, constant or not.
func (p *Problem) NumParameterBlocks() int {
	return len(p.params)
}

// NumResidualBlocks returns the number of residual terms.
func (p *Problem) NumResidualBlocks() int {
	return len(p.residual)
}

// AddResidualBlock adds a term over the given parameter blocks. A nil loss
// means plain squared error.
func (p *Problem) AddResidualBlock(kind ResidualKind, cost CostFunction, loss LossFunction, blocks ...int) {
	if len(blocks) != cost.NumParameterBlocks() {
		panic(fmt.Sprintf("spa: %s residual expects %d parameter blocks, got %d",
			kind, cost.NumParameterBlocks(), len(blocks)))
	}
	for _, b := range blocks {
		p.checkBlock(b)
	}
	if loss == nil {
		loss = trivialLoss{}
	}
	p.residual = append(p.residual, ResidualBlock{
		Kind:   kind,
		Cost:   cost,
		Loss:   loss,
		Blocks: slices.Clone(blocks),
	})
}

// Cost evaluates the objective at the current parameter values, in total and
// per residual kind.
func (p *Problem) Cost() (float64, map[ResidualKind]float64) {
	byKind := make(map[ResidualKind]float64)
	var total float64
	for _, rb := range p.residual {
		c := blockCost(rb, p.params, make([]float64, rb.Cost.NumResiduals()))
		byKind[rb.Kind] += c
		total += c
	}
	return total, byKind
}

func (p *Problem) checkBlock(i int) {
	if i < 0 || i >= len(p.params) {
		panic(fmt.Sprintf("spa: parameter block %d out of range [0, %d)", i, len(p.params)))
	}
}

// blockCost evaluates ½ρ(‖r‖²) for one block using scratch for the residuals.
func blockCost(rb ResidualBlock, x []Rigid2, scratch []float64) float64 {
	params := make([]Rigid2, len(rb.Blocks))
	for k, b := range rb.Blocks {
		params[k] = x[b]
	}
	rb.Cost.Evaluate(params, scratch, nil)
	rho, _ := rb.Loss.Evaluate(floats.Dot(scratch, scratch))
	return 0.5 * rho
}
