package neighbors

import (
	"errors"
	"fmt"

	"github.com/TFMV/manifold/pkg/vectortypes"
	"gonum.org/v1/gonum/mat"
)

// ErrClassifierNotFitted is returned by Predict and Score before Fit.
var ErrClassifierNotFitted = errors.New("classifier not fitted, call Fit first")

// KNeighborsClassifier predicts the majority label among the k nearest
// training points. Vote ties go to the smallest label.
type KNeighborsClassifier struct {
	K        int
	Distance vectortypes.DistanceType

	index  Index
	labels []int
}

// NewKNeighborsClassifier creates a classifier voting over k neighbors.
func NewKNeighborsClassifier(k int) *KNeighborsClassifier {
	return &KNeighborsClassifier{K: k, Distance: vectortypes.Euclidean}
}

// Fit stores the training points and labels.
func (c *KNeighborsClassifier) Fit(x mat.Matrix, y []int) error {
	n, _ := x.Dims()
	if n != len(y) {
		return fmt.Errorf("got %d samples but %d labels", n, len(y))
	}
	if c.K <= 0 {
		return fmt.Errorf("%w: k must be positive, got %d", ErrInvalidNeighborCount, c.K)
	}
	dist, err := vectortypes.GetDistanceFuncByType(c.Distance)
	if err != nil {
		return err
	}
	idx, err := NewExactIndex(x, dist)
	if err != nil {
		return err
	}
	c.index = idx
	c.labels = append([]int(nil), y...)
	return nil
}

// Predict returns the predicted label of every row of x.
func (c *KNeighborsClassifier) Predict(x mat.Matrix) ([]int, error) {
	if c.index == nil {
		return nil, ErrClassifierNotFitted
	}
	n, _ := x.Dims()
	out := make([]int, n)
	votes := make(map[int]int)
	for i := 0; i < n; i++ {
		hits, err := c.index.KNeighbors(mat.Row(nil, i, x), c.K)
		if err != nil {
			return nil, err
		}
		clear(votes)
		for _, h := range hits {
			votes[c.labels[h.Index]]++
		}
		best, bestVotes := 0, -1
		for label, v := range votes {
			if v > bestVotes || (v == bestVotes && label < best) {
				best, bestVotes = label, v
			}
		}
		out[i] = best
	}
	return out, nil
}

// Score returns the mean accuracy on x against y.
func (c *KNeighborsClassifier) Score(x mat.Matrix, y []int) (float64, error) {
	pred, err := c.Predict(x)
	if err != nil {
		return 0, err
	}
	return Accuracy(pred, y)
}

// Accuracy returns the fraction of matching labels.
func Accuracy(pred, want []int) (float64, error) {
	if len(pred) != len(want) {
		return 0, fmt.Errorf("got %d predictions but %d labels", len(pred), len(want))
	}
	if len(pred) == 0 {
		return 0, errors.New("no samples to score")
	}
	var hits int
	for i := range pred {
		if pred[i] == want[i] {
			hits++
		}
	}
	return float64(hits) / float64(len(pred)), nil
}
