package neighbors

import (
	"container/heap"
	"sort"

	"github.com/TFMV/manifold/pkg/vectortypes"
	"gonum.org/v1/gonum/mat"
)

// ExactIndex provides brute-force exact search.
type ExactIndex struct {
	points   [][]float64
	dim      int
	distFunc vectortypes.DistanceFunc
}

// NewExactIndex creates a new exact search index over the rows of points.
// A nil distFunc selects Euclidean distance.
func NewExactIndex(points mat.Matrix, distFunc vectortypes.DistanceFunc) (*ExactIndex, error) {
	rows, dim, err := copyRows(points)
	if err != nil {
		return nil, err
	}
	if distFunc == nil {
		distFunc = vectortypes.EuclideanDistance
	}
	return &ExactIndex{points: rows, dim: dim, distFunc: distFunc}, nil
}

// resultHeap is a max-heap on (distance, index) holding the current best k.
type resultHeap []Neighbor

func closer(a, b Neighbor) bool {
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	return a.Index < b.Index
}

func (h resultHeap) Len() int           { return len(h) }
func (h resultHeap) Less(i, j int) bool { return closer(h[j], h[i]) }
func (h resultHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *resultHeap) Push(x interface{}) {
	*h = append(*h, x.(Neighbor))
}

func (h *resultHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[0 : n-1]
	return item
}

// KNeighbors finds the k nearest points to the query. Ties on distance are
// broken by the smaller point index, so results are deterministic.
func (idx *ExactIndex) KNeighbors(query []float64, k int) ([]Neighbor, error) {
	if err := checkQuery(query, idx.dim, k); err != nil {
		return nil, err
	}

	// Limit k to the number of points
	if k > len(idx.points) {
		k = len(idx.points)
	}

	h := make(resultHeap, 0, k+1)
	for i, p := range idx.points {
		cand := Neighbor{Index: i, Distance: idx.distFunc(query, p)}
		if len(h) < k {
			heap.Push(&h, cand)
			continue
		}
		if closer(cand, h[0]) {
			h[0] = cand
			heap.Fix(&h, 0)
		}
	}

	results := []Neighbor(h)
	sort.Slice(results, func(i, j int) bool { return closer(results[i], results[j]) })
	return results, nil
}

// Len returns the number of points in the index
func (idx *ExactIndex) Len() int { return len(idx.points) }

// Dim returns the point dimension
func (idx *ExactIndex) Dim() int { return idx.dim }

// Point returns indexed point i
func (idx *ExactIndex) Point(i int) []float64 { return idx.points[i] }
