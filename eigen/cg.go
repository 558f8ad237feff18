package eigen

import (
	"fmt"

	"github.com/TFMV/manifold/pkg/sparse"
	"gonum.org/v1/gonum/floats"
)

// conjugateGradient solves A x = b for a sparse symmetric positive-definite A
// with Jacobi preconditioning. Work buffers are reused across solves, so a
// value must not be shared between goroutines.
type conjugateGradient struct {
	a       *sparse.CSR
	invDiag []float64
	tol     float64
	maxIter int

	r, z, p, ap []float64
}

func newConjugateGradient(a *sparse.CSR, tol float64, maxIter int) *conjugateGradient {
	n, _ := a.Dims()
	diag := a.Diagonal()
	inv := make([]float64, n)
	for i, d := range diag {
		if d > 0 {
			inv[i] = 1 / d
		} else {
			inv[i] = 1
		}
	}
	return &conjugateGradient{
		a:       a,
		invDiag: inv,
		tol:     tol,
		maxIter: maxIter,
		r:       make([]float64, n),
		z:       make([]float64, n),
		p:       make([]float64, n),
		ap:      make([]float64, n),
	}
}

// solve writes the solution into x and returns the iteration count.
func (cg *conjugateGradient) solve(x, b []float64) (int, error) {
	for i := range x {
		x[i] = 0
	}
	bnorm := floats.Norm(b, 2)
	if bnorm == 0 {
		return 0, nil
	}

	copy(cg.r, b)
	floats.MulTo(cg.z, cg.invDiag, cg.r)
	copy(cg.p, cg.z)
	rz := floats.Dot(cg.r, cg.z)

	for it := 1; it <= cg.maxIter; it++ {
		cg.a.MulVecTo(cg.ap, cg.p)
		pap := floats.Dot(cg.p, cg.ap)
		if pap <= 0 {
			return it, fmt.Errorf("%w: operator is not positive definite", ErrConvergence)
		}
		alpha := rz / pap
		floats.AddScaled(x, alpha, cg.p)
		floats.AddScaled(cg.r, -alpha, cg.ap)
		if floats.Norm(cg.r, 2) <= cg.tol*bnorm {
			return it, nil
		}
		floats.MulTo(cg.z, cg.invDiag, cg.r)
		rzNew := floats.Dot(cg.r, cg.z)
		beta := rzNew / rz
		rz = rzNew
		for i := range cg.p {
			cg.p[i] = cg.z[i] + beta*cg.p[i]
		}
	}
	return cg.maxIter, fmt.Errorf("%w: conjugate gradient stopped after %d iterations", ErrConvergence, cg.maxIter)
}
