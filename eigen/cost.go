package eigen

import (
	"fmt"

	"github.com/TFMV/manifold/pkg/sparse"
)

// CostOperator returns M = (I - W)ᵀ(I - W) for a square weight matrix W,
// assembled without densifying. M is exactly symmetric.
func CostOperator(w *sparse.CSR) (*sparse.CSR, error) {
	r, c := w.Dims()
	if r != c {
		return nil, fmt.Errorf("%w: weight matrix is %d×%d", ErrInvalidRequest, r, c)
	}
	b := sparse.NewBuilder(r, r)
	for i := 0; i < r; i++ {
		b.Add(i, i, 1)
	}
	w.DoNonZero(func(i, j int, v float64) { b.Add(i, j, -v) })
	a := b.CSR()
	return a.Transpose().Mul(a), nil
}
