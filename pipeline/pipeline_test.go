package pipeline

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/TFMV/manifold/lle"
	"github.com/TFMV/manifold/neighbors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// blobs draws perClass points per class from isotropic Gaussians in 4D.
func blobs(perClass int, seed int64) (*mat.Dense, []int) {
	centers := [][]float64{
		{0, 0, 0, 0},
		{6, 6, 0, 0},
		{0, 6, 6, 0},
	}
	rng := rand.New(rand.NewSource(seed))
	x := mat.NewDense(perClass*len(centers), 4, nil)
	y := make([]int, 0, perClass*len(centers))
	for c, center := range centers {
		for i := 0; i < perClass; i++ {
			row := make([]float64, 4)
			for j := range row {
				row[j] = center[j] + rng.NormFloat64()
			}
			x.SetRow(len(y), row)
			y = append(y, c)
		}
	}
	return x, y
}

func TestPipelineWithLLE(t *testing.T) {
	config := lle.DefaultConfig()
	config.NNeighbors = 10
	embed, err := lle.New(config)
	require.NoError(t, err)

	p := New(embed, neighbors.NewKNeighborsClassifier(5), nil)
	trainX, trainY := blobs(50, 1)
	require.NoError(t, p.Fit(trainX, trainY))

	testX, testY := blobs(20, 2)
	score, err := p.Score(testX, testY)
	require.NoError(t, err)
	assert.Greater(t, score, 0.7)
}

func TestPredictBeforeFit(t *testing.T) {
	embed, err := lle.New(lle.DefaultConfig())
	require.NoError(t, err)
	p := New(embed, neighbors.NewKNeighborsClassifier(3), nil)

	x, y := blobs(5, 1)
	_, err = p.Predict(x)
	assert.ErrorIs(t, err, ErrNotFitted)
	_, err = p.Score(x, y)
	assert.ErrorIs(t, err, ErrNotFitted)
}

func TestFitLabelMismatch(t *testing.T) {
	embed, err := lle.New(lle.DefaultConfig())
	require.NoError(t, err)
	p := New(embed, neighbors.NewKNeighborsClassifier(3), nil)
	x, _ := blobs(5, 1)
	assert.Error(t, p.Fit(x, []int{0, 1}))
}

// identity is a Transformer without FitTransform.
type identity struct{ fits int }

func (t *identity) Fit(mat.Matrix) error { t.fits++; return nil }

func (t *identity) Transform(x mat.Matrix) (*mat.Dense, error) { return mat.DenseCopyOf(x), nil }

func TestPipelineWithPlainTransformer(t *testing.T) {
	tr := &identity{}
	p := New(tr, neighbors.NewKNeighborsClassifier(3), nil)
	x, y := blobs(20, 3)
	require.NoError(t, p.Fit(x, y))
	assert.Equal(t, 1, tr.fits)

	score, err := p.Score(x, y)
	require.NoError(t, err)
	assert.Greater(t, score, 0.9)
}

type failing struct{}

func (failing) Fit(mat.Matrix) error                      { return errors.New("boom") }
func (failing) Transform(mat.Matrix) (*mat.Dense, error) { return nil, errors.New("boom") }

func TestFitPropagatesTransformerError(t *testing.T) {
	p := New(failing{}, neighbors.NewKNeighborsClassifier(3), nil)
	x, y := blobs(5, 1)
	err := p.Fit(x, y)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transform stage")
}
