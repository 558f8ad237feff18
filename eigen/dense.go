package eigen

import (
	"fmt"

	"github.com/TFMV/manifold/pkg/sparse"
	"gonum.org/v1/gonum/mat"
)

// DenseSolver densifies the operator and runs a full symmetric
// eigendecomposition.
type DenseSolver struct{}

// Smallest returns the n smallest eigenpairs.
func (s *DenseSolver) Smallest(op *sparse.CSR, n int) (Result, error) {
	size, err := CheckRequest(op, n)
	if err != nil {
		return Result{}, err
	}

	var es mat.EigenSym
	if ok := es.Factorize(op.ToSymDense(), true); !ok {
		return Result{}, fmt.Errorf("%w: dense symmetric eigendecomposition failed", ErrConvergence)
	}

	// EigenSym returns eigenvalues in ascending order.
	values := es.Values(nil)
	var vectors mat.Dense
	es.VectorsTo(&vectors)

	return Result{
		Values:  append([]float64(nil), values[:n]...),
		Vectors: mat.DenseCopyOf(vectors.Slice(0, size, 0, n)),
	}, nil
}
