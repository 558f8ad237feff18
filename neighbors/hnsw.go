package neighbors

import (
	"fmt"
	"sort"

	"github.com/TFMV/hnsw"
	"github.com/TFMV/manifold/pkg/vectortypes"
	"gonum.org/v1/gonum/mat"
)

// HNSWConfig holds configuration options for the HNSW index
type HNSWConfig struct {
	// M is the number of connections per element
	M int `mapstructure:"m"`
	// EfSearch is the size of the dynamic candidate list during search
	EfSearch int `mapstructure:"ef_search"`
}

// DefaultHNSWConfig returns a default configuration for the HNSW index
func DefaultHNSWConfig() HNSWConfig {
	return HNSWConfig{
		M:        16,
		EfSearch: 100,
	}
}

// HNSWIndex answers approximate queries from an HNSW graph. Graph results are
// re-ranked with exact float64 Euclidean distances.
type HNSWIndex struct {
	graph  *hnsw.Graph[int]
	points [][]float64
	dim    int
}

// NewHNSWIndex builds an HNSW graph over the rows of points.
func NewHNSWIndex(points mat.Matrix, config HNSWConfig) (*HNSWIndex, error) {
	rows, dim, err := copyRows(points)
	if err != nil {
		return nil, err
	}
	if config.M <= 0 {
		config.M = DefaultHNSWConfig().M
	}
	if config.EfSearch <= 0 {
		config.EfSearch = DefaultHNSWConfig().EfSearch
	}

	graph := hnsw.NewGraph[int]()
	graph.M = config.M
	graph.EfSearch = config.EfSearch
	graph.Distance = hnsw.EuclideanDistance

	nodes := make([]hnsw.Node[int], len(rows))
	for i, row := range rows {
		nodes[i] = hnsw.MakeNode(i, vectortypes.ToF32(row))
	}
	if err := graph.BatchAdd(nodes); err != nil {
		return nil, fmt.Errorf("failed to build hnsw graph: %w", err)
	}

	return &HNSWIndex{graph: graph, points: rows, dim: dim}, nil
}

// KNeighbors finds approximately the k nearest points to the query.
func (idx *HNSWIndex) KNeighbors(query []float64, k int) ([]Neighbor, error) {
	if err := checkQuery(query, idx.dim, k); err != nil {
		return nil, err
	}
	if k > len(idx.points) {
		k = len(idx.points)
	}

	nodes, err := idx.graph.Search(vectortypes.ToF32(query), k)
	if err != nil {
		return nil, fmt.Errorf("hnsw search failed: %w", err)
	}

	results := make([]Neighbor, 0, k)
	seen := make(map[int]struct{}, k)
	for _, node := range nodes {
		if _, dup := seen[node.Key]; dup {
			continue
		}
		seen[node.Key] = struct{}{}
		results = append(results, Neighbor{
			Index:    node.Key,
			Distance: vectortypes.EuclideanDistance(query, idx.points[node.Key]),
		})
	}

	// Ensure we have at least k results
	if len(results) < k {
		for i, p := range idx.points {
			if _, ok := seen[i]; ok {
				continue
			}
			results = append(results, Neighbor{Index: i, Distance: vectortypes.EuclideanDistance(query, p)})
		}
	}

	sort.Slice(results, func(i, j int) bool { return closer(results[i], results[j]) })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Len returns the number of points in the index
func (idx *HNSWIndex) Len() int { return len(idx.points) }

// Dim returns the point dimension
func (idx *HNSWIndex) Dim() int { return idx.dim }

// Point returns indexed point i
func (idx *HNSWIndex) Point(i int) []float64 { return idx.points[i] }
