// Package neighbors builds k-nearest-neighbor graphs over point clouds. It
// offers an exact brute-force index and an approximate HNSW index behind a
// common interface, plus the fused barycenter query used by LLE.
package neighbors

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrInvalidNeighborCount is returned when k <= 0 or k >= N.
	ErrInvalidNeighborCount = errors.New("invalid neighbor count")
	// ErrEmptyIndex is returned when an index is built from no points.
	ErrEmptyIndex = errors.New("index contains no points")
	// ErrDimensionMismatch is returned when a query has the wrong dimension.
	ErrDimensionMismatch = errors.New("query dimension mismatch")
)

// Neighbor is one search hit.
type Neighbor struct {
	// Index of the point in the indexed point cloud
	Index int
	// Distance from the query point (lower is closer)
	Distance float64
}

// Index answers k-nearest-neighbor queries over a fixed point cloud.
type Index interface {
	// KNeighbors returns the k points closest to query, ascending by distance.
	KNeighbors(query []float64, k int) ([]Neighbor, error)
	// Len returns the number of indexed points.
	Len() int
	// Dim returns the dimension of indexed points.
	Dim() int
	// Point returns indexed point i. The slice must not be modified.
	Point(i int) []float64
}

// Algorithm selects an Index implementation.
type Algorithm string

const (
	// Exact is brute-force search
	Exact Algorithm = "exact"
	// HNSW is approximate search over a hierarchical navigable small world graph
	HNSW Algorithm = "hnsw"
)

// copyRows copies the rows of points so the index never aliases caller memory.
func copyRows(points mat.Matrix) ([][]float64, int, error) {
	n, d := points.Dims()
	if n == 0 || d == 0 {
		return nil, 0, ErrEmptyIndex
	}
	rows := make([][]float64, n)
	for i := range rows {
		rows[i] = mat.Row(nil, i, points)
	}
	return rows, d, nil
}

func checkQuery(query []float64, dim, k int) error {
	if len(query) != dim {
		return fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, dim, len(query))
	}
	if k <= 0 {
		return fmt.Errorf("%w: k must be positive, got %d", ErrInvalidNeighborCount, k)
	}
	return nil
}
