package sparse

import (
	"sort"

	"gonum.org/v1/gonum/mat"
)

type entry struct {
	i, j int
	v    float64
}

// Builder accumulates coordinate triplets and compresses them into a CSR
// matrix. Duplicate coordinates are summed.
type Builder struct {
	rows, cols int
	entries    []entry
}

// NewBuilder creates a builder for a rows×cols matrix.
func NewBuilder(rows, cols int) *Builder {
	return &Builder{rows: rows, cols: cols}
}

// Add records value v at (i, j).
func (b *Builder) Add(i, j int, v float64) {
	if i < 0 || i >= b.rows || j < 0 || j >= b.cols {
		panic(mat.ErrIndexOutOfRange)
	}
	b.entries = append(b.entries, entry{i: i, j: j, v: v})
}

// CSR compresses the accumulated entries.
func (b *Builder) CSR() *CSR {
	sort.Slice(b.entries, func(x, y int) bool {
		if b.entries[x].i != b.entries[y].i {
			return b.entries[x].i < b.entries[y].i
		}
		return b.entries[x].j < b.entries[y].j
	})

	indptr := make([]int, b.rows+1)
	indices := make([]int, 0, len(b.entries))
	data := make([]float64, 0, len(b.entries))
	for k, e := range b.entries {
		if k > 0 && b.entries[k-1].i == e.i && b.entries[k-1].j == e.j {
			data[len(data)-1] += e.v
			continue
		}
		indices = append(indices, e.j)
		data = append(data, e.v)
		indptr[e.i+1] = len(indices)
	}
	// Rows without entries inherit the previous row's end.
	for i := 1; i <= b.rows; i++ {
		if indptr[i] < indptr[i-1] {
			indptr[i] = indptr[i-1]
		}
	}
	return NewCSR(b.rows, b.cols, indptr, indices, data)
}
