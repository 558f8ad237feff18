package eigen

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/TFMV/manifold/pkg/sparse"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	// DefaultShift is the shift, relative to the infinity norm of the
	// operator, that keeps M + σI positive definite for the inner solves.
	DefaultShift = 1e-5

	innerTol       = 1e-10
	breakdownRatio = 1e-12
)

// Lanczos finds the smallest eigenpairs of M by running the Lanczos process
// with full reorthogonalization on (M + σI)⁻¹. The inverse is applied with
// conjugate gradient, so M is never factorized. The largest eigenvalues θ of
// the inverted operator map back to λ = 1/θ - σ.
type Lanczos struct {
	opts  Options
	shift float64
}

// NewLanczos creates a shift-invert Lanczos solver.
func NewLanczos(opts Options) *Lanczos {
	return &Lanczos{opts: opts.withDefaults(), shift: DefaultShift}
}

// Smallest returns the n smallest eigenpairs.
//
// A single Lanczos run sees one copy of each repeated eigenvalue, so after it
// converges the solver restarts orthogonally to the accepted vectors. Pairs
// from the restart that sit below the accepted ones replace them, until a
// restart finds nothing smaller.
func (l *Lanczos) Smallest(op *sparse.CSR, n int) (Result, error) {
	size, err := CheckRequest(op, n)
	if err != nil {
		return Result{}, err
	}

	norm := op.InfNorm()
	if norm == 0 {
		// The zero operator: any orthonormal basis is an eigenbasis.
		vecs := mat.NewDense(size, n, nil)
		for i := 0; i < n; i++ {
			vecs.Set(i, i, 1)
		}
		return Result{Values: make([]float64, n), Vectors: vecs}, nil
	}
	sigma := l.shift * norm
	run := &lanczosRun{
		op:    op,
		cg:    newConjugateGradient(op.AddScaledIdentity(sigma), innerTol, max(100, 10*size)),
		rng:   rand.New(rand.NewSource(l.opts.Seed)),
		opts:  l.opts,
		sigma: sigma,
	}

	pairs, iters, err := run.extract(nil, n)
	if err != nil {
		return Result{}, err
	}
	for round := 0; round <= n; round++ {
		free := size - len(pairs)
		if free <= 0 {
			break
		}
		locked := make([][]float64, len(pairs))
		for i, p := range pairs {
			locked[i] = p.vector
		}
		more, it, err := run.extract(locked, min(n, free))
		iters += it
		if err != nil {
			return Result{}, err
		}
		merged, swapped := mergeRitz(pairs, more, swapMargin*norm)
		if swapped == 0 {
			break
		}
		l.opts.Logger.Debug("Lanczos restart found smaller eigenvalues",
			zap.Int("round", round),
			zap.Int("replaced", swapped))
		pairs = merged
	}

	res := Result{
		Values:     make([]float64, n),
		Vectors:    mat.NewDense(size, n, nil),
		Iterations: iters,
	}
	for p, pr := range pairs {
		res.Values[p] = pr.value
		res.Vectors.SetCol(p, pr.vector)
	}
	return res, nil
}

// swapMargin is the gap, relative to the operator norm, by which a restart
// pair must undercut an accepted one to replace it.
const swapMargin = 1e-12

// mergeRitz keeps the len(pairs) smallest of pairs and more, which are
// mutually orthogonal. It reports how many accepted pairs were replaced.
func mergeRitz(pairs, more []ritzPair, margin float64) ([]ritzPair, int) {
	n := len(pairs)
	worst := pairs[n-1].value
	var better []ritzPair
	for _, p := range more {
		if p.value < worst-margin {
			better = append(better, p)
		}
	}
	if len(better) == 0 {
		return pairs, 0
	}
	all := append(append([]ritzPair(nil), pairs...), better...)
	sort.SliceStable(all, func(i, j int) bool { return all[i].value < all[j].value })
	return all[:n], min(len(better), n)
}

type ritzPair struct {
	value  float64
	vector []float64
}

// lanczosRun holds the state shared by the initial run and its restarts.
type lanczosRun struct {
	op    *sparse.CSR
	cg    *conjugateGradient
	rng   *rand.Rand
	opts  Options
	sigma float64
}

// extract runs Lanczos on (M + σI)⁻¹ restricted to the orthogonal complement
// of locked and returns its n smallest eigenpairs of M in ascending order.
func (r *lanczosRun) extract(locked [][]float64, n int) ([]ritzPair, int, error) {
	size, _ := r.op.Dims()
	maxBasis := max(min(size-len(locked), r.opts.MaxIter), n)

	basis := make([][]float64, 0, maxBasis)
	start := randomUnit(r.rng, size, locked)
	if start == nil {
		return nil, 0, fmt.Errorf("%w: lanczos found no start direction", ErrConvergence)
	}
	basis = append(basis, start)
	var alpha, beta []float64
	var scale float64
	innerIters := 0
	nextCheck := n

	for j := 0; ; j++ {
		w := make([]float64, size)
		it, err := r.cg.solve(w, basis[j])
		innerIters += it
		if err != nil {
			return nil, 0, fmt.Errorf("lanczos step %d: %w", j, err)
		}

		a := floats.Dot(w, basis[j])
		alpha = append(alpha, a)
		orthogonalize(w, locked)
		orthogonalize(w, basis)
		b := floats.Norm(w, 2)
		scale = math.Max(scale, math.Abs(a)+b)
		m := j + 1

		breakdown := b <= breakdownRatio*scale
		if m >= n && (m >= nextCheck || m == maxBasis || breakdown) {
			theta, s, ok := tridiagonalEigen(alpha, beta)
			if ok && residualsConverged(theta, s, b, n, r.opts.Tol) {
				r.opts.Logger.Debug("Lanczos converged",
					zap.Int("basis_size", m),
					zap.Int("locked", len(locked)),
					zap.Int("inner_iterations", innerIters),
					zap.Float64("shift", r.sigma))
				return ritzPairs(r.op, basis, theta, s, n, m), m, nil
			}
			if m == maxBasis {
				return nil, 0, fmt.Errorf("%w: lanczos basis exhausted at %d vectors", ErrConvergence, m)
			}
			nextCheck = m + max(5, m/5)
		}

		if breakdown {
			// Invariant subspace found before n pairs converged; continue
			// from a fresh direction orthogonal to everything seen so far.
			v := randomUnit(r.rng, size, append(append([][]float64(nil), locked...), basis...))
			if v == nil {
				return nil, 0, fmt.Errorf("%w: lanczos breakdown with no remaining directions", ErrConvergence)
			}
			beta = append(beta, 0)
			basis = append(basis, v)
			continue
		}
		floats.Scale(1/b, w)
		beta = append(beta, b)
		basis = append(basis, w)
	}
}

// ritzPairs maps the n largest Ritz pairs of the inverted operator back to
// eigenpairs of op, with eigenvalues recomputed as Rayleigh quotients, in
// ascending order.
func ritzPairs(op *sparse.CSR, basis [][]float64, theta []float64, s *mat.Dense, n, m int) []ritzPair {
	size := len(basis[0])
	pairs := make([]ritzPair, n)
	mv := make([]float64, size)
	for p := 0; p < n; p++ {
		col := m - 1 - p // theta ascends, the wanted pairs are at the end
		y := make([]float64, size)
		for i := 0; i < m; i++ {
			floats.AddScaled(y, s.At(i, col), basis[i])
		}
		floats.Scale(1/floats.Norm(y, 2), y)
		op.MulVecTo(mv, y)
		pairs[p] = ritzPair{value: floats.Dot(y, mv), vector: y}
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].value < pairs[j].value })
	return pairs
}

// residualsConverged checks |β s_{m,i}| <= tol |θ_i| for the n largest θ.
func residualsConverged(theta []float64, s *mat.Dense, b float64, n int, tol float64) bool {
	m := len(theta)
	for p := 0; p < n; p++ {
		col := m - 1 - p
		if math.Abs(b*s.At(m-1, col)) > tol*math.Abs(theta[col]) {
			return false
		}
	}
	return true
}

// tridiagonalEigen diagonalizes the Lanczos tridiagonal matrix.
func tridiagonalEigen(alpha, beta []float64) ([]float64, *mat.Dense, bool) {
	m := len(alpha)
	t := mat.NewSymDense(m, nil)
	for i := 0; i < m; i++ {
		t.SetSym(i, i, alpha[i])
		if i+1 < m {
			t.SetSym(i, i+1, beta[i])
		}
	}
	var es mat.EigenSym
	if ok := es.Factorize(t, true); !ok {
		return nil, nil, false
	}
	var vecs mat.Dense
	es.VectorsTo(&vecs)
	return es.Values(nil), &vecs, true
}

// orthogonalize removes the components of w along every basis vector, twice
// for numerical safety.
func orthogonalize(w []float64, basis [][]float64) {
	for pass := 0; pass < 2; pass++ {
		for _, q := range basis {
			floats.AddScaled(w, -floats.Dot(w, q), q)
		}
	}
}

// randomUnit returns a random unit vector orthogonal to basis, or nil if the
// basis already spans the space.
func randomUnit(rng *rand.Rand, size int, basis [][]float64) []float64 {
	v := make([]float64, size)
	for attempt := 0; attempt < 3; attempt++ {
		for i := range v {
			v[i] = rng.NormFloat64()
		}
		orthogonalize(v, basis)
		if nrm := floats.Norm(v, 2); nrm > 1e-8 {
			floats.Scale(1/nrm, v)
			return v
		}
	}
	return nil
}
