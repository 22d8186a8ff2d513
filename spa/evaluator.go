package spa

import (
	"math"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
)

// evaluator computes residuals and Jacobians for every residual block into
// preallocated, per-block slots. Blocks are split across workers; each worker
// writes only its own slots, so the result does not depend on scheduling.
type evaluator struct {
	problem *Problem
	// column block of each parameter block, -1 when constant
	column     []int
	numColumns int
	numThreads int

	residualOffset []int
	residuals      []float64
	// jacobians[b][k] is the derivative of block b w.r.t. its k-th parameter
	// block, nil when that parameter block is constant
	jacobians [][][]float64
	costs     []float64
}

func newEvaluator(p *Problem, numThreads int) *evaluator {
	e := &evaluator{
		problem:        p,
		column:         make([]int, len(p.params)),
		numThreads:     max(numThreads, 1),
		residualOffset: make([]int, len(p.residual)+1),
		jacobians:      make([][][]float64, len(p.residual)),
		costs:          make([]float64, len(p.residual)),
	}
	for i := range p.params {
		if p.constant[i] {
			e.column[i] = -1
			continue
		}
		e.column[i] = e.numColumns
		e.numColumns++
	}
	for b, rb := range p.residual {
		m := rb.Cost.NumResiduals()
		e.residualOffset[b+1] = e.residualOffset[b] + m
		e.jacobians[b] = make([][]float64, len(rb.Blocks))
		for k, pb := range rb.Blocks {
			if e.column[pb] >= 0 {
				e.jacobians[b][k] = make([]float64, m*3)
			}
		}
	}
	e.residuals = make([]float64, e.residualOffset[len(p.residual)])
	return e
}

// evaluate fills residuals (and Jacobians when withJacobians is set) at x and
// returns the total cost ½Σρ(‖r‖²). Residuals and Jacobians are scaled by
// √ρ'(s) so that the normal equations account for the loss function.
func (e *evaluator) evaluate(x []Rigid2, withJacobians bool) float64 {
	n := len(e.problem.residual)
	chunk := (n + e.numThreads - 1) / e.numThreads

	var g errgroup.Group
	for lo := 0; lo < n; lo += chunk {
		lo := lo
		hi := min(lo+chunk, n)
		g.Go(func() error {
			params := make([]Rigid2, 0, 2)
			for b := lo; b < hi; b++ {
				e.evaluateBlock(b, x, withJacobians, params[:0])
			}
			return nil
		})
	}
	_ = g.Wait()

	var total float64
	for _, c := range e.costs {
		total += c
	}
	return total
}

func (e *evaluator) evaluateBlock(b int, x []Rigid2, withJacobians bool, params []Rigid2) {
	rb := e.problem.residual[b]
	for _, pb := range rb.Blocks {
		params = append(params, x[pb])
	}
	r := e.residuals[e.residualOffset[b]:e.residualOffset[b+1]]
	var jac [][]float64
	if withJacobians {
		jac = e.jacobians[b]
	}
	rb.Cost.Evaluate(params, r, jac)

	rho, rho1 := rb.Loss.Evaluate(floats.Dot(r, r))
	e.costs[b] = 0.5 * rho
	if rho1 == 1 {
		return
	}
	w := math.Sqrt(math.Max(rho1, 0))
	floats.Scale(w, r)
	for _, j := range jac {
		if j != nil {
			floats.Scale(w, j)
		}
	}
}

// costByKind splits the cost of the last evaluation per residual kind.
func (e *evaluator) costByKind() map[ResidualKind]float64 {
	byKind := make(map[ResidualKind]float64)
	for b, rb := range e.problem.residual {
		byKind[rb.Kind] += e.costs[b]
	}
	return byKind
}

// normalEquations assembles H = JᵀJ and g = Jᵀr from the last evaluation.
func (e *evaluator) normalEquations() (*blockMatrix, []float64) {
	h := newBlockMatrix(e.numColumns)
	g := make([]float64, 3*e.numColumns)
	for b, rb := range e.problem.residual {
		m := rb.Cost.NumResiduals()
		r := e.residuals[e.residualOffset[b]:e.residualOffset[b+1]]
		jac := e.jacobians[b]
		for p, pb := range rb.Blocks {
			cp := e.column[pb]
			if cp < 0 {
				continue
			}
			jp := jac[p]
			for c := 0; c < 3; c++ {
				var s float64
				for k := 0; k < m; k++ {
					s += jp[k*3+c] * r[k]
				}
				g[3*cp+c] += s
			}
			for q, qb := range rb.Blocks {
				cq := e.column[qb]
				if cq < 0 || cq < cp {
					continue
				}
				h.addJtJ(cp, cq, jp, jac[q], m)
			}
		}
	}
	h.finalize()
	return h, g
}
