package neighbors

import (
	"fmt"

	"github.com/TFMV/manifold/pkg/vectortypes"
	"github.com/TFMV/manifold/weights"
	"gonum.org/v1/gonum/mat"
)

// Set is the k-nearest-neighbor graph of a point cloud. Row i lists the
// neighbors of point i, excluding i itself, closest first.
type Set struct {
	Indices   [][]int
	Distances [][]float64
}

// Len returns the number of points.
func (s Set) Len() int { return len(s.Indices) }

// K returns the number of neighbors per point.
func (s Set) K() int {
	if len(s.Indices) == 0 {
		return 0
	}
	return len(s.Indices[0])
}

// Config selects and configures the index built by Build.
type Config struct {
	Algorithm Algorithm                `mapstructure:"algorithm"`
	Distance  vectortypes.DistanceType `mapstructure:"distance"`
	HNSW      HNSWConfig               `mapstructure:"hnsw"`
}

// DefaultConfig returns exact Euclidean search.
func DefaultConfig() Config {
	return Config{
		Algorithm: Exact,
		Distance:  vectortypes.Euclidean,
		HNSW:      DefaultHNSWConfig(),
	}
}

// Build creates the index described by config over points.
func Build(points mat.Matrix, config Config) (Index, error) {
	switch config.Algorithm {
	case Exact, "":
		dist, err := vectortypes.GetDistanceFuncByType(config.Distance)
		if err != nil {
			return nil, err
		}
		return NewExactIndex(points, dist)
	case HNSW:
		if config.Distance != "" && config.Distance != vectortypes.Euclidean {
			return nil, fmt.Errorf("hnsw index supports only euclidean distance, got %q", config.Distance)
		}
		return NewHNSWIndex(points, config.HNSW)
	default:
		return nil, fmt.Errorf("unknown neighbor algorithm %q", config.Algorithm)
	}
}

// Query returns the k nearest neighbors of every indexed point, excluding the
// point itself. It fails with ErrInvalidNeighborCount unless 0 < k < N.
func Query(idx Index, k int) (Set, error) {
	n := idx.Len()
	if k <= 0 || k >= n {
		return Set{}, fmt.Errorf("%w: k=%d with %d points", ErrInvalidNeighborCount, k, n)
	}

	set := Set{
		Indices:   make([][]int, n),
		Distances: make([][]float64, n),
	}
	for i := 0; i < n; i++ {
		hits, err := idx.KNeighbors(idx.Point(i), k+1)
		if err != nil {
			return Set{}, fmt.Errorf("query point %d: %w", i, err)
		}
		hits = dropSelf(hits, i, k)
		set.Indices[i] = make([]int, len(hits))
		set.Distances[i] = make([]float64, len(hits))
		for j, h := range hits {
			set.Indices[i][j] = h.Index
			set.Distances[i][j] = h.Distance
		}
	}
	return set, nil
}

// dropSelf removes point i from its own hit list. When duplicates of i push it
// out of the list, the farthest hit is dropped instead.
func dropSelf(hits []Neighbor, i, k int) []Neighbor {
	out := make([]Neighbor, 0, k)
	for _, h := range hits {
		if h.Index == i {
			continue
		}
		out = append(out, h)
	}
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// BarycenterWeights runs the neighbor query and the local weight solve in one
// pass over an exact Euclidean index, returning the reconstruction weights
// directly.
func BarycenterWeights(points mat.Matrix, k int, reg float64) (*weights.Matrix, error) {
	idx, err := NewExactIndex(points, vectortypes.EuclideanDistance)
	if err != nil {
		return nil, err
	}
	set, err := Query(idx, k)
	if err != nil {
		return nil, err
	}
	return weights.SolveAll(points, set.Indices, weights.Options{Reg: reg})
}
