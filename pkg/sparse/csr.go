// Package sparse provides a compressed sparse row matrix that satisfies
// gonum's mat.Matrix so it can be mixed freely with dense gonum values.
package sparse

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// CSR is an immutable compressed sparse row matrix.
type CSR struct {
	rows, cols int
	indptr     []int
	indices    []int
	data       []float64
}

var _ mat.Matrix = (*CSR)(nil)

// NewCSR creates a CSR matrix from its raw arrays. Column indices within each
// row must be sorted and unique. The slices are retained, not copied.
func NewCSR(rows, cols int, indptr, indices []int, data []float64) *CSR {
	if len(indptr) != rows+1 {
		panic(fmt.Sprintf("sparse: indptr length %d, want %d", len(indptr), rows+1))
	}
	if len(indices) != len(data) || indptr[rows] != len(data) {
		panic("sparse: indices and data length mismatch")
	}
	return &CSR{rows: rows, cols: cols, indptr: indptr, indices: indices, data: data}
}

// Dims returns the matrix dimensions.
func (m *CSR) Dims() (int, int) { return m.rows, m.cols }

// At returns the element at row i, column j.
func (m *CSR) At(i, j int) float64 {
	if i < 0 || i >= m.rows || j < 0 || j >= m.cols {
		panic(mat.ErrIndexOutOfRange)
	}
	cols := m.indices[m.indptr[i]:m.indptr[i+1]]
	k := sort.SearchInts(cols, j)
	if k < len(cols) && cols[k] == j {
		return m.data[m.indptr[i]+k]
	}
	return 0
}

// T returns the implicit transpose.
func (m *CSR) T() mat.Matrix { return mat.Transpose{Matrix: m} }

// NNZ returns the number of stored entries.
func (m *CSR) NNZ() int { return len(m.data) }

// Row returns the column indices and values of row i. The returned slices
// alias the matrix storage and must not be modified.
func (m *CSR) Row(i int) ([]int, []float64) {
	lo, hi := m.indptr[i], m.indptr[i+1]
	return m.indices[lo:hi], m.data[lo:hi]
}

// DoNonZero calls fn for every stored entry in row-major order.
func (m *CSR) DoNonZero(fn func(i, j int, v float64)) {
	for i := 0; i < m.rows; i++ {
		for k := m.indptr[i]; k < m.indptr[i+1]; k++ {
			fn(i, m.indices[k], m.data[k])
		}
	}
}

// MulVecTo computes dst = m * x.
func (m *CSR) MulVecTo(dst, x []float64) {
	if len(x) != m.cols || len(dst) != m.rows {
		panic(mat.ErrShape)
	}
	for i := 0; i < m.rows; i++ {
		var sum float64
		for k := m.indptr[i]; k < m.indptr[i+1]; k++ {
			sum += m.data[k] * x[m.indices[k]]
		}
		dst[i] = sum
	}
}

// MulDense returns m * b as a dense matrix.
func (m *CSR) MulDense(b mat.Matrix) *mat.Dense {
	br, bc := b.Dims()
	if br != m.cols {
		panic(mat.ErrShape)
	}
	bd := mat.DenseCopyOf(b)
	out := mat.NewDense(m.rows, bc, nil)
	raw := out.RawMatrix()
	src := bd.RawMatrix()
	for i := 0; i < m.rows; i++ {
		dst := raw.Data[i*raw.Stride : i*raw.Stride+bc]
		for k := m.indptr[i]; k < m.indptr[i+1]; k++ {
			v := m.data[k]
			row := src.Data[m.indices[k]*src.Stride : m.indices[k]*src.Stride+bc]
			for j, x := range row {
				dst[j] += v * x
			}
		}
	}
	return out
}

// Transpose returns the explicit transpose as a new CSR matrix.
func (m *CSR) Transpose() *CSR {
	counts := make([]int, m.cols+1)
	for _, j := range m.indices {
		counts[j+1]++
	}
	for j := 0; j < m.cols; j++ {
		counts[j+1] += counts[j]
	}
	indptr := make([]int, m.cols+1)
	copy(indptr, counts)
	indices := make([]int, len(m.indices))
	data := make([]float64, len(m.data))
	next := counts[:m.cols]
	for i := 0; i < m.rows; i++ {
		for k := m.indptr[i]; k < m.indptr[i+1]; k++ {
			j := m.indices[k]
			pos := next[j]
			indices[pos] = i
			data[pos] = m.data[k]
			next[j]++
		}
	}
	return &CSR{rows: m.cols, cols: m.rows, indptr: indptr, indices: indices, data: data}
}

// Mul returns the sparse product m * b.
func (m *CSR) Mul(b *CSR) *CSR {
	if m.cols != b.rows {
		panic(mat.ErrShape)
	}
	indptr := make([]int, m.rows+1)
	var indices []int
	var data []float64

	acc := make([]float64, b.cols)
	seen := make([]bool, b.cols)
	var cols []int
	for i := 0; i < m.rows; i++ {
		cols = cols[:0]
		for k := m.indptr[i]; k < m.indptr[i+1]; k++ {
			a := m.data[k]
			r := m.indices[k]
			for kk := b.indptr[r]; kk < b.indptr[r+1]; kk++ {
				j := b.indices[kk]
				if !seen[j] {
					seen[j] = true
					cols = append(cols, j)
				}
				acc[j] += a * b.data[kk]
			}
		}
		sort.Ints(cols)
		for _, j := range cols {
			indices = append(indices, j)
			data = append(data, acc[j])
			acc[j] = 0
			seen[j] = false
		}
		indptr[i+1] = len(indices)
	}
	return &CSR{rows: m.rows, cols: b.cols, indptr: indptr, indices: indices, data: data}
}

// Diagonal returns the main diagonal.
func (m *CSR) Diagonal() []float64 {
	n := min(m.rows, m.cols)
	diag := make([]float64, n)
	for i := 0; i < n; i++ {
		diag[i] = m.At(i, i)
	}
	return diag
}

// InfNorm returns the maximum absolute row sum.
func (m *CSR) InfNorm() float64 {
	var norm float64
	for i := 0; i < m.rows; i++ {
		var sum float64
		for k := m.indptr[i]; k < m.indptr[i+1]; k++ {
			sum += math.Abs(m.data[k])
		}
		norm = math.Max(norm, sum)
	}
	return norm
}

// ToDense densifies the matrix.
func (m *CSR) ToDense() *mat.Dense {
	out := mat.NewDense(m.rows, m.cols, nil)
	m.DoNonZero(func(i, j int, v float64) { out.Set(i, j, v) })
	return out
}

// ToSymDense densifies a square matrix into symmetric storage using the
// upper triangle.
func (m *CSR) ToSymDense() *mat.SymDense {
	if m.rows != m.cols {
		panic(mat.ErrSquare)
	}
	out := mat.NewSymDense(m.rows, nil)
	m.DoNonZero(func(i, j int, v float64) {
		if j >= i {
			out.SetSym(i, j, v)
		}
	})
	return out
}

// AddScaledIdentity returns m + alpha*I for a square matrix.
func (m *CSR) AddScaledIdentity(alpha float64) *CSR {
	if m.rows != m.cols {
		panic(mat.ErrSquare)
	}
	b := NewBuilder(m.rows, m.cols)
	m.DoNonZero(b.Add)
	for i := 0; i < m.rows; i++ {
		b.Add(i, i, alpha)
	}
	return b.CSR()
}
