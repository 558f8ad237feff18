// Package lobpcg registers a multigrid-preconditioned LOBPCG eigensolver
// under eigen.LOBPCG. Link it in with a blank import:
//
//	import _ "github.com/TFMV/manifold/eigen/lobpcg"
package lobpcg

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/TFMV/manifold/eigen"
	"github.com/TFMV/manifold/pkg/sparse"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	// guardVectors is the number of extra block vectors iterated alongside
	// the requested eigenpairs.
	guardVectors = 2
	// denseFactor selects the dense solver when the operator has fewer rows
	// than denseFactor times the block size.
	denseFactor = 5
	dropTol     = 1e-10
)

func init() {
	eigen.Register(eigen.LOBPCG, func(opts eigen.Options) eigen.Solver { return New(opts) })
}

// Solver is a block LOBPCG eigensolver preconditioned by two-level
// smoothed-aggregation multigrid.
type Solver struct {
	opts     eigen.Options
	strength float64
}

// New creates a Solver. Zero options select eigen.DefaultOptions.
func New(opts eigen.Options) *Solver {
	def := eigen.DefaultOptions()
	if opts.Tol <= 0 {
		opts.Tol = def.Tol
	}
	if opts.MaxIter <= 0 {
		opts.MaxIter = def.MaxIter
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Solver{opts: opts, strength: DefaultStrength}
}

// Smallest returns the n smallest eigenpairs of op.
func (s *Solver) Smallest(op *sparse.CSR, n int) (eigen.Result, error) {
	size, err := eigen.CheckRequest(op, n)
	if err != nil {
		return eigen.Result{}, err
	}
	block := min(n+guardVectors, size)
	norm := op.InfNorm()
	if size < denseFactor*block || norm == 0 {
		return (&eigen.DenseSolver{}).Smallest(op, n)
	}

	mg, err := newMultigrid(op.AddScaledIdentity(eigen.DefaultShift*norm), s.strength)
	if err != nil {
		return eigen.Result{}, fmt.Errorf("%w: %v", eigen.ErrConvergence, err)
	}

	rng := rand.New(rand.NewSource(s.opts.Seed))
	start := mat.NewDense(size, block, nil)
	for i := 0; i < size; i++ {
		for j := 0; j < block; j++ {
			start.Set(i, j, rng.NormFloat64())
		}
	}
	x, lambda := rayleighRitz(op, orthonormalBasis(start), block)

	var p *mat.Dense
	r := mat.NewDense(size, block, nil)
	w := mat.NewDense(size, block, nil)
	col := make([]float64, size)
	pre := make([]float64, size)
	for iter := 1; iter <= s.opts.MaxIter; iter++ {
		r.Copy(op.MulDense(x))
		converged := true
		for j := 0; j < block; j++ {
			mat.Col(col, j, x)
			floats.Scale(lambda[j], col)
			for i := 0; i < size; i++ {
				r.Set(i, j, r.At(i, j)-col[i])
			}
			if j < n && mat.Norm(r.ColView(j), 2) > s.opts.Tol*norm {
				converged = false
			}
		}
		if converged {
			s.opts.Logger.Debug("LOBPCG converged",
				zap.Int("iterations", iter),
				zap.Int("size", size),
				zap.Int("n", n))
			return eigen.Result{
				Values:     append([]float64(nil), lambda[:n]...),
				Vectors:    mat.DenseCopyOf(x.Slice(0, size, 0, n)),
				Iterations: iter,
			}, nil
		}

		for j := 0; j < block; j++ {
			mat.Col(col, j, r)
			mg.Apply(pre, col)
			w.SetCol(j, pre)
		}

		xNew, values := rayleighRitz(op, orthonormalBasis(stack(x, w, p)), block)

		// P spans the part of the new iterate orthogonal to the old one.
		var proj, coef mat.Dense
		coef.Mul(x.T(), xNew)
		proj.Mul(x, &coef)
		next := mat.NewDense(size, block, nil)
		next.Sub(xNew, &proj)
		p = next
		if mat.Norm(p, 2) < dropTol {
			p = nil
		}

		x, lambda = xNew, values
	}
	return eigen.Result{}, fmt.Errorf("%w: LOBPCG stopped after %d iterations", eigen.ErrConvergence, s.opts.MaxIter)
}

// rayleighRitz returns the n lowest Ritz pairs of op on the span of the
// orthonormal columns of q.
func rayleighRitz(op *sparse.CSR, q *mat.Dense, n int) (*mat.Dense, []float64) {
	size, m := q.Dims()
	aq := op.MulDense(q)
	var h mat.Dense
	h.Mul(q.T(), aq)

	sym := mat.NewSymDense(m, nil)
	for i := 0; i < m; i++ {
		for j := i; j < m; j++ {
			sym.SetSym(i, j, (h.At(i, j)+h.At(j, i))/2)
		}
	}

	var es mat.EigenSym
	if !es.Factorize(sym, true) {
		// Keep the basis itself; the next sweep refines it.
		values := make([]float64, n)
		for j := 0; j < n; j++ {
			values[j] = h.At(j, j)
		}
		return mat.DenseCopyOf(q.Slice(0, size, 0, n)), values
	}
	values := es.Values(nil)
	var vecs mat.Dense
	es.VectorsTo(&vecs)

	x := mat.NewDense(size, n, nil)
	x.Mul(q, vecs.Slice(0, m, 0, n))
	return x, append([]float64(nil), values[:n]...)
}

// stack concatenates the columns of the non-nil blocks.
func stack(blocks ...*mat.Dense) *mat.Dense {
	var rows, cols int
	for _, b := range blocks {
		if b == nil {
			continue
		}
		r, c := b.Dims()
		rows, cols = r, cols+c
	}
	out := mat.NewDense(rows, cols, nil)
	offset := 0
	for _, b := range blocks {
		if b == nil {
			continue
		}
		_, c := b.Dims()
		out.Slice(0, rows, offset, offset+c).(*mat.Dense).Copy(b)
		offset += c
	}
	return out
}

// orthonormalBasis runs twice-iterated modified Gram-Schmidt over the
// columns of s, dropping columns that are numerically dependent.
func orthonormalBasis(s *mat.Dense) *mat.Dense {
	size, cols := s.Dims()
	basis := make([][]float64, 0, cols)
	for j := 0; j < cols; j++ {
		v := mat.Col(nil, j, s)
		orig := floats.Norm(v, 2)
		if orig == 0 || math.IsNaN(orig) {
			continue
		}
		for pass := 0; pass < 2; pass++ {
			for _, q := range basis {
				floats.AddScaled(v, -floats.Dot(q, v), q)
			}
		}
		nv := floats.Norm(v, 2)
		if nv <= dropTol*orig {
			continue
		}
		floats.Scale(1/nv, v)
		basis = append(basis, v)
	}
	out := mat.NewDense(size, len(basis), nil)
	for j, v := range basis {
		out.SetCol(j, v)
	}
	return out
}
