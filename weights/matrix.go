package weights

import (
	"math"

	"github.com/TFMV/manifold/pkg/sparse"
	"gonum.org/v1/gonum/mat"
)

// Matrix is the sparse N×N reconstruction weight matrix W. Row i holds the
// weights of point i over its neighbors and sums to one.
type Matrix struct {
	csr *sparse.CSR
}

var _ mat.Matrix = (*Matrix)(nil)

// NewMatrix assembles W from per-row neighbor indices and weights.
func NewMatrix(n int, neighbors [][]int, values [][]float64) *Matrix {
	b := sparse.NewBuilder(n, n)
	for i, row := range neighbors {
		for j, idx := range row {
			b.Add(i, idx, values[i][j])
		}
	}
	return &Matrix{csr: b.CSR()}
}

// Dims returns the matrix dimensions.
func (m *Matrix) Dims() (int, int) { return m.csr.Dims() }

// At returns W[i, j].
func (m *Matrix) At(i, j int) float64 { return m.csr.At(i, j) }

// T returns the implicit transpose.
func (m *Matrix) T() mat.Matrix { return mat.Transpose{Matrix: m} }

// CSR exposes the underlying sparse storage.
func (m *Matrix) CSR() *sparse.CSR { return m.csr }

// Row returns the neighbor indices and weights of point i.
func (m *Matrix) Row(i int) ([]int, []float64) { return m.csr.Row(i) }

// RowSums returns the sum of every row.
func (m *Matrix) RowSums() []float64 {
	n, _ := m.Dims()
	sums := make([]float64, n)
	for i := 0; i < n; i++ {
		_, vals := m.csr.Row(i)
		for _, v := range vals {
			sums[i] += v
		}
	}
	return sums
}

// Reconstruct returns W·Y, every row of y rebuilt from its neighbors.
func (m *Matrix) Reconstruct(y mat.Matrix) *mat.Dense {
	return m.csr.MulDense(y)
}

// Residual returns |(I - W)·Y|²_F.
func (m *Matrix) Residual(y mat.Matrix) float64 {
	wy := m.Reconstruct(y)
	r, c := wy.Dims()
	var sum float64
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			d := y.At(i, j) - wy.At(i, j)
			sum += d * d
		}
	}
	return sum
}

// MaxRowSumError returns max_i |sum_j W[i, j] - 1|.
func (m *Matrix) MaxRowSumError() float64 {
	var worst float64
	for _, s := range m.RowSums() {
		worst = math.Max(worst, math.Abs(s-1))
	}
	return worst
}
