package weights

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestSolveExactReconstruction(t *testing.T) {
	// x is the midpoint of two neighbors on a line: k <= D, no regularization.
	x := []float64{1, 1}
	z := mat.NewDense(2, 2, []float64{0, 0, 2, 2.5})
	res, err := Solve(x, z, DefaultReg)
	require.NoError(t, err)
	assert.False(t, res.Regularized)
	assert.InDelta(t, 1.0, res.Weights[0]+res.Weights[1], 1e-12)

	// Three affinely independent neighbors in 2D reconstruct x exactly.
	x = []float64{0.5, 0.5}
	z3 := mat.NewDense(3, 2, []float64{0, 0, 1, 0, 0, 1})
	res, err = Solve(x, z3, 1e-9)
	require.NoError(t, err)
	assert.True(t, res.Regularized)
	assert.InDeltaSlice(t, []float64{0, 0.5, 0.5}, res.Weights, 1e-6)
}

func TestSolveRegularizesWhenNeighborsExceedDimension(t *testing.T) {
	x := []float64{0, 0}
	z := mat.NewDense(4, 2, []float64{1, 0, -1, 0, 0, 1, 0, -1})
	res, err := Solve(x, z, DefaultReg)
	require.NoError(t, err)
	assert.True(t, res.Regularized)
	assert.False(t, res.Fallback)
	for _, w := range res.Weights {
		assert.InDelta(t, 0.25, w, 1e-9)
	}
}

func TestSolveFallsBackOnSingularSystem(t *testing.T) {
	// Two identical neighbors make the unregularized Gram matrix singular.
	x := []float64{0, 0, 0}
	z := mat.NewDense(2, 3, []float64{1, 0, 0, 1, 0, 0})
	res, err := Solve(x, z, DefaultReg)
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.InDelta(t, 0.5, res.Weights[0], 1e-9)
	assert.InDelta(t, 0.5, res.Weights[1], 1e-9)
}

func TestSolveSingularEvenAfterRegularization(t *testing.T) {
	// Every neighbor coincides with x: G is zero and reg 0 cannot help.
	x := []float64{1, 1}
	z := mat.NewDense(3, 2, []float64{1, 1, 1, 1, 1, 1})
	_, err := Solve(x, z, 0)
	assert.ErrorIs(t, err, ErrSingularLocalSystem)
}

func TestSolveShapeMismatch(t *testing.T) {
	_, err := Solve([]float64{1}, mat.NewDense(2, 2, nil), DefaultReg)
	assert.ErrorIs(t, err, ErrShape)
}

func TestSolveAllRowSums(t *testing.T) {
	points := mat.NewDense(6, 2, []float64{
		0, 0,
		1, 0,
		2, 0.1,
		0, 1,
		1, 1.2,
		2, 1,
	})
	neighbors := [][]int{
		{1, 3, 4},
		{0, 2, 4},
		{1, 4, 5},
		{0, 4, 1},
		{1, 3, 5},
		{2, 4, 1},
	}
	w, err := SolveAll(points, neighbors, Options{Workers: 2})
	require.NoError(t, err)

	r, c := w.Dims()
	assert.Equal(t, 6, r)
	assert.Equal(t, 6, c)
	assert.Less(t, w.MaxRowSumError(), 1e-6)
	for i, row := range neighbors {
		cols, _ := w.Row(i)
		assert.ElementsMatch(t, row, cols)
		assert.Equal(t, 0.0, w.At(i, i))
	}
}

func TestSolveAllReportsFailingPoint(t *testing.T) {
	points := mat.NewDense(3, 1, []float64{5, 5, 5})
	neighbors := [][]int{{1, 2}, {0, 2}, {0, 1}}
	_, err := SolveAll(points, neighbors, Options{Reg: -1})
	require.Error(t, err)

	var lse *LocalSystemError
	require.True(t, errors.As(err, &lse))
	assert.ErrorIs(t, err, ErrSingularLocalSystem)
}

func TestSolveAllShapeMismatch(t *testing.T) {
	_, err := SolveAll(mat.NewDense(2, 1, []float64{1, 2}), [][]int{{1}}, Options{})
	assert.ErrorIs(t, err, ErrShape)
}

func TestResidual(t *testing.T) {
	// Three collinear equally spaced points: the middle one is rebuilt exactly.
	w := NewMatrix(3, [][]int{{1}, {0, 2}, {1}}, [][]float64{{1}, {0.5, 0.5}, {1}})
	y := mat.NewDense(3, 1, []float64{0, 1, 2})
	// Rows 0 and 2 each miss by 1.
	assert.InDelta(t, 2.0, w.Residual(y), 1e-12)
	assert.InDeltaSlice(t, []float64{1, 1, 1}, w.RowSums(), 1e-12)
}
