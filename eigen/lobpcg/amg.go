package lobpcg

import (
	"errors"
	"math"

	"github.com/TFMV/manifold/pkg/sparse"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// DefaultStrength is the strength-of-connection threshold for aggregation.
const DefaultStrength = 0.08

var errCoarseSingular = errors.New("multigrid: coarse operator is singular")

// multigrid is a two-level smoothed-aggregation preconditioner for a sparse
// symmetric positive-definite matrix. Apply runs one symmetric V-cycle with
// damped Jacobi smoothing and an exact coarse solve.
type multigrid struct {
	a       *sparse.CSR
	invDiag []float64
	omega   float64
	sweeps  int

	p, pt  *sparse.CSR
	coarse mat.Cholesky

	x, res, rc []float64
}

func newMultigrid(a *sparse.CSR, strength float64) (*multigrid, error) {
	n, _ := a.Dims()
	diag := a.Diagonal()
	invDiag := make([]float64, n)
	for i, d := range diag {
		if d <= 0 {
			return nil, errors.New("multigrid: diagonal must be positive")
		}
		invDiag[i] = 1 / d
	}

	// Gershgorin bound on the spectral radius of D⁻¹A.
	var rho float64
	for i := 0; i < n; i++ {
		_, vals := a.Row(i)
		var sum float64
		for _, v := range vals {
			sum += math.Abs(v)
		}
		rho = math.Max(rho, sum*invDiag[i])
	}

	agg, count := aggregate(a, diag, strength)
	p := smoothProlongator(a, invDiag, agg, count, (4.0/3.0)/rho)
	pt := p.Transpose()
	ac := pt.Mul(a.Mul(p))

	mg := &multigrid{
		a:       a,
		invDiag: invDiag,
		omega:   1 / rho,
		sweeps:  2,
		p:       p,
		pt:      pt,
		x:       make([]float64, n),
		res:     make([]float64, n),
		rc:      make([]float64, count),
	}
	if err := mg.factorCoarse(ac); err != nil {
		return nil, err
	}
	return mg, nil
}

// factorCoarse symmetrizes and factors the Galerkin operator, loading the
// diagonal slightly if rounding left it indefinite.
func (mg *multigrid) factorCoarse(ac *sparse.CSR) error {
	nc, _ := ac.Dims()
	sym := mat.NewSymDense(nc, nil)
	ac.DoNonZero(func(i, j int, v float64) {
		if j >= i {
			sym.SetSym(i, j, sym.At(i, j)+v/2)
		}
		if j <= i {
			sym.SetSym(j, i, sym.At(j, i)+v/2)
		}
	})
	if mg.coarse.Factorize(sym) {
		return nil
	}
	shift := 1e-10 * math.Max(mat.Trace(sym), 1)
	for i := 0; i < nc; i++ {
		sym.SetSym(i, i, sym.At(i, i)+shift)
	}
	if mg.coarse.Factorize(sym) {
		return nil
	}
	return errCoarseSingular
}

// aggregate groups strongly connected nodes. It returns the aggregate of
// every node and the number of aggregates.
func aggregate(a *sparse.CSR, diag []float64, theta float64) ([]int, int) {
	n, _ := a.Dims()
	agg := make([]int, n)
	for i := range agg {
		agg[i] = -1
	}
	strong := func(i int, fn func(j int, v float64)) {
		cols, vals := a.Row(i)
		for k, j := range cols {
			if j == i {
				continue
			}
			if math.Abs(vals[k]) >= theta*math.Sqrt(math.Abs(diag[i]*diag[j])) {
				fn(j, vals[k])
			}
		}
	}

	count := 0
	// Pass 1: seed aggregates from nodes whose whole strong neighborhood is free.
	for i := 0; i < n; i++ {
		if agg[i] != -1 {
			continue
		}
		free := true
		strong(i, func(j int, _ float64) {
			if agg[j] != -1 {
				free = false
			}
		})
		if !free {
			continue
		}
		agg[i] = count
		strong(i, func(j int, _ float64) { agg[j] = count })
		count++
	}

	// Pass 2: attach leftovers to the most strongly connected aggregate.
	seeded := append([]int(nil), agg...)
	for i := 0; i < n; i++ {
		if agg[i] != -1 {
			continue
		}
		best, bestVal := -1, 0.0
		strong(i, func(j int, v float64) {
			if seeded[j] != -1 && math.Abs(v) > bestVal {
				best, bestVal = seeded[j], math.Abs(v)
			}
		})
		agg[i] = best
	}

	// Pass 3: isolated nodes become singletons.
	for i := 0; i < n; i++ {
		if agg[i] == -1 {
			agg[i] = count
			count++
		}
	}
	return agg, count
}

// smoothProlongator returns (I - ω D⁻¹A) P₀ where P₀ is the normalized
// piecewise-constant aggregation operator.
func smoothProlongator(a *sparse.CSR, invDiag []float64, agg []int, count int, omega float64) *sparse.CSR {
	n, _ := a.Dims()
	sizes := make([]float64, count)
	for _, g := range agg {
		sizes[g]++
	}
	tb := sparse.NewBuilder(n, count)
	for i, g := range agg {
		tb.Add(i, g, 1/math.Sqrt(sizes[g]))
	}
	tentative := tb.CSR()

	sb := sparse.NewBuilder(n, n)
	a.DoNonZero(func(i, j int, v float64) {
		sb.Add(i, j, -omega*invDiag[i]*v)
	})
	for i := 0; i < n; i++ {
		sb.Add(i, i, 1)
	}
	return sb.CSR().Mul(tentative)
}

// Apply writes an approximation of A⁻¹r into dst.
func (mg *multigrid) Apply(dst, r []float64) {
	for i := range mg.x {
		mg.x[i] = 0
	}
	mg.smooth(r)

	mg.a.MulVecTo(mg.res, mg.x)
	floats.SubTo(mg.res, r, mg.res)
	mg.pt.MulVecTo(mg.rc, mg.res)

	var ec mat.VecDense
	if err := mg.coarse.SolveVecTo(&ec, mat.NewVecDense(len(mg.rc), mg.rc)); err == nil || isCondition(err) {
		mg.p.MulVecTo(mg.res, ec.RawVector().Data)
		floats.Add(mg.x, mg.res)
	}

	mg.smooth(r)
	copy(dst, mg.x)
}

// smooth runs damped Jacobi sweeps on A x = r in place.
func (mg *multigrid) smooth(r []float64) {
	for s := 0; s < mg.sweeps; s++ {
		mg.a.MulVecTo(mg.res, mg.x)
		for i := range mg.x {
			mg.x[i] += mg.omega * mg.invDiag[i] * (r[i] - mg.res[i])
		}
	}
}

func isCondition(err error) bool {
	var cond mat.Condition
	return errors.As(err, &cond)
}
