// Package weights computes barycentric reconstruction weights: every point is
// written as an affine combination of its nearest neighbors.
package weights

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// DefaultReg is the default regularization factor applied to the trace of the
// local Gram matrix.
const DefaultReg = 1e-3

// Result holds the weights for one point.
type Result struct {
	Weights []float64
	// Regularized reports whether the diagonal of the Gram matrix was loaded.
	Regularized bool
	// Fallback reports that regularization was only applied because the
	// unregularized system (k <= D) was singular.
	Fallback bool
}

// Solve computes the weights w minimizing |x - sum_j w_j z_j|^2 subject to
// sum_j w_j = 1, where z_j are the rows of z.
//
// The local Gram matrix G = (z - x)(z - x)ᵀ is regularized with reg*trace(G)
// when k exceeds the dimension of x. Otherwise regularization is applied only
// if the plain system turns out to be singular.
func Solve(x []float64, z mat.Matrix, reg float64) (Result, error) {
	k, d := z.Dims()
	if d != len(x) {
		return Result{}, fmt.Errorf("%w: point has %d coordinates, neighbors have %d", ErrShape, len(x), d)
	}
	if k == 0 {
		return Result{}, fmt.Errorf("%w: no neighbors", ErrShape)
	}

	c := mat.NewDense(k, d, nil)
	for i := 0; i < k; i++ {
		for j := 0; j < d; j++ {
			c.Set(i, j, z.At(i, j)-x[j])
		}
	}
	g := mat.NewSymDense(k, nil)
	g.SymOuterK(1, c)

	if k > d {
		w, err := solveRegularized(g, reg)
		return Result{Weights: w, Regularized: true}, err
	}

	if w, ok := solveGram(g, plainMaxCond); ok {
		return Result{Weights: w}, nil
	}
	w, err := solveRegularized(g, reg)
	return Result{Weights: w, Regularized: true, Fallback: true}, err
}

func solveRegularized(g *mat.SymDense, reg float64) ([]float64, error) {
	k, _ := g.Dims()
	r := reg
	if trace := mat.Trace(g); trace > 0 {
		r = reg * trace
	}
	for i := 0; i < k; i++ {
		g.SetSym(i, i, g.At(i, i)+r)
	}
	w, ok := solveGram(g, regularizedMaxCond)
	if !ok {
		return nil, ErrSingularLocalSystem
	}
	return w, nil
}

// Condition number limits above which a local system counts as singular.
const (
	plainMaxCond       = 1e12
	regularizedMaxCond = 1e15
)

// solveGram solves G w = 1 and normalizes w to sum to one.
func solveGram(g *mat.SymDense, maxCond float64) ([]float64, bool) {
	k, _ := g.Dims()

	var chol mat.Cholesky
	if ok := chol.Factorize(g); !ok || chol.Cond() > maxCond {
		return nil, false
	}
	ones := make([]float64, k)
	for i := range ones {
		ones[i] = 1
	}
	var w mat.VecDense
	if err := chol.SolveVecTo(&w, mat.NewVecDense(k, ones)); err != nil {
		// A mat.Condition error is advisory; the bound above already applies.
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, false
		}
	}

	var sum float64
	for i := 0; i < k; i++ {
		sum += w.AtVec(i)
	}
	if sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return nil, false
	}
	out := make([]float64, k)
	for i := range out {
		out[i] = w.AtVec(i) / sum
	}
	return out, true
}
