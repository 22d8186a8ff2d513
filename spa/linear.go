package spa

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// LinearSolverType selects how the damped normal equations are solved.
type LinearSolverType string

const (
	// DenseCholesky factorizes the full normal matrix. Exact, O(n³).
	DenseCholesky LinearSolverType = "dense_cholesky"
	// ConjugateGradient runs block-Jacobi preconditioned CG on the block-sparse
	// normal matrix. Scales with the number of constraints rather than n².
	ConjugateGradient LinearSolverType = "conjugate_gradient"
)

// Clamp bounds for the Levenberg-Marquardt diagonal.
const (
	minDiagonal = 1e-6
	maxDiagonal = 1e32
)

// blockMatrix is a symmetric matrix of 3×3 blocks. Only the diagonal and the
// upper triangle (row < col) are stored.
type blockMatrix struct {
	n    int
	diag [][9]float64
	// accumulated during assembly, frozen into upper by finalize
	pending map[[2]int]*[9]float64
	upper   []offBlock
}

type offBlock struct {
	row, col int
	m        [9]float64
}

func newBlockMatrix(n int) *blockMatrix {
	return &blockMatrix{
		n:       n,
		diag:    make([][9]float64, n),
		pending: make(map[[2]int]*[9]float64),
	}
}

// addJtJ adds aᵀb (a, b row-major m×3) to block (i, j). Callers only pass i <= j.
func (h *blockMatrix) addJtJ(i, j int, a, b []float64, m int) {
	var dst *[9]float64
	if i == j {
		dst = &h.diag[i]
	} else {
		key := [2]int{i, j}
		dst = h.pending[key]
		if dst == nil {
			dst = new([9]float64)
			h.pending[key] = dst
		}
	}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			var s float64
			for k := 0; k < m; k++ {
				s += a[k*3+r] * b[k*3+c]
			}
			dst[r*3+c] += s
		}
	}
}

// finalize sorts the off-diagonal blocks so products are summed in a fixed order.
func (h *blockMatrix) finalize() {
	h.upper = make([]offBlock, 0, len(h.pending))
	for k, m := range h.pending {
		h.upper = append(h.upper, offBlock{row: k[0], col: k[1], m: *m})
	}
	sort.Slice(h.upper, func(a, b int) bool {
		if h.upper[a].row != h.upper[b].row {
			return h.upper[a].row < h.upper[b].row
		}
		return h.upper[a].col < h.upper[b].col
	})
	h.pending = nil
}

// damping returns the clamped diagonal D used for Levenberg-Marquardt.
func (h *blockMatrix) damping() []float64 {
	d := make([]float64, 3*h.n)
	for i := range h.diag {
		for k := 0; k < 3; k++ {
			d[3*i+k] = math.Min(math.Max(h.diag[i][k*4], minDiagonal), maxDiagonal)
		}
	}
	return d
}

// mulVec computes dst = (H + mu·diag(d))·v.
func (h *blockMatrix) mulVec(dst, v []float64, mu float64, d []float64) {
	for i := range h.diag {
		b := &h.diag[i]
		for r := 0; r < 3; r++ {
			dst[3*i+r] = b[r*3]*v[3*i] + b[r*3+1]*v[3*i+1] + b[r*3+2]*v[3*i+2]
		}
	}
	if mu != 0 {
		for k := range dst {
			dst[k] += mu * d[k] * v[k]
		}
	}
	for _, ob := range h.upper {
		i, j, b := ob.row, ob.col, &ob.m
		for r := 0; r < 3; r++ {
			dst[3*i+r] += b[r*3]*v[3*j] + b[r*3+1]*v[3*j+1] + b[r*3+2]*v[3*j+2]
			dst[3*j+r] += b[r]*v[3*i] + b[3+r]*v[3*i+1] + b[6+r]*v[3*i+2]
		}
	}
}

// linearSolver solves (H + mu·D)·δ = -g.
type linearSolver interface {
	solve(h *blockMatrix, g []float64, mu float64, d []float64) ([]float64, error)
}

func newLinearSolver(opts SolverOptions) (linearSolver, error) {
	switch opts.LinearSolver {
	case DenseCholesky, "":
		return denseCholeskySolver{}, nil
	case ConjugateGradient:
		maxIter := opts.MaxCGIterations
		if maxIter <= 0 {
			maxIter = DefaultSolverOptions().MaxCGIterations
		}
		return cgSolver{maxIterations: maxIter, tolerance: 1e-10}, nil
	default:
		return nil, fmt.Errorf("unknown linear solver %q", opts.LinearSolver)
	}
}

type denseCholeskySolver struct{}

func (denseCholeskySolver) solve(h *blockMatrix, g []float64, mu float64, d []float64) ([]float64, error) {
	n := 3 * h.n
	a := mat.NewSymDense(n, nil)
	for i := range h.diag {
		for r := 0; r < 3; r++ {
			for c := r; c < 3; c++ {
				a.SetSym(3*i+r, 3*i+c, h.diag[i][r*3+c])
			}
		}
	}
	for _, ob := range h.upper {
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				a.SetSym(3*ob.row+r, 3*ob.col+c, ob.m[r*3+c])
			}
		}
	}
	for k := 0; k < n; k++ {
		a.SetSym(k, k, a.At(k, k)+mu*d[k])
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(a); !ok {
		return nil, fmt.Errorf("normal matrix is not positive definite")
	}
	rhs := make([]float64, n)
	floats.ScaleTo(rhs, -1, g)
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, mat.NewVecDense(n, rhs)); err != nil && !isCondition(err) {
		return nil, fmt.Errorf("cholesky solve: %w", err)
	}
	return x.RawVector().Data, nil
}

type cgSolver struct {
	maxIterations int
	tolerance     float64
}

func (s cgSolver) solve(h *blockMatrix, g []float64, mu float64, d []float64) ([]float64, error) {
	n := 3 * h.n
	precond, err := blockJacobi(h, mu, d)
	if err != nil {
		return nil, err
	}

	x := make([]float64, n)
	r := make([]float64, n)
	floats.ScaleTo(r, -1, g)
	bNorm := floats.Norm(r, 2)
	if bNorm == 0 {
		return x, nil
	}

	z := make([]float64, n)
	applyBlocks(z, precond, r)
	p := make([]float64, n)
	copy(p, z)
	ap := make([]float64, n)
	rz := floats.Dot(r, z)

	for k := 0; k < s.maxIterations; k++ {
		h.mulVec(ap, p, mu, d)
		pap := floats.Dot(p, ap)
		if pap <= 0 {
			if k == 0 {
				return nil, fmt.Errorf("normal matrix is not positive definite")
			}
			break
		}
		alpha := rz / pap
		floats.AddScaled(x, alpha, p)
		floats.AddScaled(r, -alpha, ap)
		if floats.Norm(r, 2) <= s.tolerance*bNorm {
			break
		}
		applyBlocks(z, precond, r)
		rzNext := floats.Dot(r, z)
		beta := rzNext / rz
		rz = rzNext
		// p = z + beta·p
		floats.Scale(beta, p)
		floats.Add(p, z)
	}
	return x, nil
}

// blockJacobi inverts the damped 3×3 diagonal blocks.
func blockJacobi(h *blockMatrix, mu float64, d []float64) ([][9]float64, error) {
	inv := make([][9]float64, h.n)
	for i := range h.diag {
		b := h.diag[i]
		for k := 0; k < 3; k++ {
			b[k*4] += mu * d[3*i+k]
		}
		var m mat.Dense
		if err := m.Inverse(mat.NewDense(3, 3, b[:])); err != nil && !isCondition(err) {
			return nil, fmt.Errorf("preconditioner block %d: %w", i, err)
		}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				inv[i][r*3+c] = m.At(r, c)
			}
		}
	}
	return inv, nil
}

func applyBlocks(dst []float64, blocks [][9]float64, v []float64) {
	for i := range blocks {
		b := &blocks[i]
		for r := 0; r < 3; r++ {
			dst[3*i+r] = b[r*3]*v[3*i] + b[r*3+1]*v[3*i+1] + b[r*3+2]*v[3*i+2]
		}
	}
}

// isCondition reports whether err only warns about conditioning; the result is
// still usable in that case.
func isCondition(err error) bool {
	var c mat.Condition
	return errors.As(err, &c)
}
