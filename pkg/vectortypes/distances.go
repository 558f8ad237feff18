package vectortypes

import (
	"math"
)

// Standard distance functions for neighbor search

// EuclideanDistance calculates the Euclidean distance between points
func EuclideanDistance(a, b F64) float64 {
	return math.Sqrt(SquaredEuclideanDistance(a, b))
}

// SquaredEuclideanDistance calculates the squared Euclidean distance between points.
// This avoids the final square root which can be useful in comparisons where only
// relative ordering matters.
func SquaredEuclideanDistance(a, b F64) float64 {
	if len(a) != len(b) {
		panic("points must have the same length")
	}

	var sum float64
	for i := 0; i < len(a); i++ {
		diff := a[i] - b[i]
		sum += diff * diff
	}

	return sum
}

// ManhattanDistance calculates the L1 norm (Manhattan distance) between points
func ManhattanDistance(a, b F64) float64 {
	if len(a) != len(b) {
		panic("points must have the same length")
	}

	var sum float64
	for i := 0; i < len(a); i++ {
		sum += math.Abs(a[i] - b[i])
	}

	return sum
}

// CosineDistance calculates the cosine distance between points
// Lower value means more similar points (0 being identical direction)
func CosineDistance(a, b F64) float64 {
	if len(a) != len(b) {
		panic("points must have the same length")
	}

	var dotProduct, magnitudeA, magnitudeB float64
	for i := 0; i < len(a); i++ {
		dotProduct += a[i] * b[i]
		magnitudeA += a[i] * a[i]
		magnitudeB += b[i] * b[i]
	}

	// Guard against divide-by-zero
	if magnitudeA == 0 || magnitudeB == 0 {
		return 0
	}

	similarity := dotProduct / (math.Sqrt(magnitudeA) * math.Sqrt(magnitudeB))
	// Clamp similarity to [-1, 1] to account for floating point errors
	if similarity > 1.0 {
		similarity = 1.0
	} else if similarity < -1.0 {
		similarity = -1.0
	}

	return 1.0 - similarity
}
