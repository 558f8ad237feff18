// Package vectortypes provides the point type and distance functions used by
// neighbor search.
package vectortypes

import (
	"errors"
	"fmt"
	"math"
)

// F64 is a type alias for []float64 to make it more expressive
type F64 = []float64

// DistanceFunc is a function that computes the distance between two points.
type DistanceFunc func(a, b F64) float64

// DistanceType represents the type of distance function to use
type DistanceType string

const (
	// Euclidean distance
	Euclidean DistanceType = "euclidean"
	// SquaredEuclidean distance, same ordering as Euclidean without the root
	SquaredEuclidean DistanceType = "sqeuclidean"
	// Manhattan distance
	Manhattan DistanceType = "manhattan"
	// Cosine distance
	Cosine DistanceType = "cosine"
)

// ErrUnknownDistance is returned for a DistanceType with no implementation.
var ErrUnknownDistance = errors.New("unknown distance type")

// GetDistanceFuncByType returns the appropriate DistanceFunc for the given DistanceType.
// The empty type selects Euclidean.
func GetDistanceFuncByType(distType DistanceType) (DistanceFunc, error) {
	switch distType {
	case Euclidean, "":
		return EuclideanDistance, nil
	case SquaredEuclidean:
		return SquaredEuclideanDistance, nil
	case Manhattan:
		return ManhattanDistance, nil
	case Cosine:
		return CosineDistance, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDistance, distType)
	}
}

// IsFinite reports whether every coordinate is neither NaN nor Inf.
func IsFinite(v F64) bool {
	for _, val := range v {
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return false
		}
	}
	return true
}

// ToF32 converts a point to single precision, as required by HNSW graphs.
func ToF32(v F64) []float32 {
	out := make([]float32, len(v))
	for i, val := range v {
		out[i] = float32(val)
	}
	return out
}
