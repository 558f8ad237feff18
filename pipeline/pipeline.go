// Package pipeline chains an embedding stage into a classifier.
package pipeline

import (
	"errors"
	"fmt"

	"github.com/TFMV/manifold/neighbors"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// ErrNotFitted is returned by Predict and Score before Fit.
var ErrNotFitted = errors.New("pipeline is not fitted")

// Transformer learns a mapping from training points and applies it to new
// points.
type Transformer interface {
	Fit(x mat.Matrix) error
	Transform(x mat.Matrix) (*mat.Dense, error)
}

// FitTransformer is a Transformer that can return its training output
// directly, without mapping the training points a second time.
type FitTransformer interface {
	Transformer
	FitTransform(x mat.Matrix) (*mat.Dense, error)
}

// Classifier predicts integer labels.
type Classifier interface {
	Fit(x mat.Matrix, y []int) error
	Predict(x mat.Matrix) ([]int, error)
}

// Pipeline feeds the output of a Transformer into a Classifier.
type Pipeline struct {
	transformer Transformer
	classifier  Classifier
	logger      *zap.Logger
	fitted      bool
}

// New creates a pipeline. A nil logger disables logging.
func New(transformer Transformer, classifier Classifier, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		transformer: transformer,
		classifier:  classifier,
		logger:      logger,
	}
}

// Fit fits the transformer on x and the classifier on the transformed x.
func (p *Pipeline) Fit(x mat.Matrix, y []int) error {
	n, _ := x.Dims()
	if len(y) != n {
		return fmt.Errorf("pipeline: %d points but %d labels", n, len(y))
	}

	var (
		z   *mat.Dense
		err error
	)
	if ft, ok := p.transformer.(FitTransformer); ok {
		z, err = ft.FitTransform(x)
	} else if err = p.transformer.Fit(x); err == nil {
		z, err = p.transformer.Transform(x)
	}
	if err != nil {
		return fmt.Errorf("pipeline transform stage: %w", err)
	}
	if err := p.classifier.Fit(z, y); err != nil {
		return fmt.Errorf("pipeline classifier stage: %w", err)
	}

	_, dim := z.Dims()
	p.logger.Info("Pipeline fitted", zap.Int("n_points", n), zap.Int("embedding_dim", dim))
	p.fitted = true
	return nil
}

// Predict transforms x and classifies the result.
func (p *Pipeline) Predict(x mat.Matrix) ([]int, error) {
	if !p.fitted {
		return nil, ErrNotFitted
	}
	z, err := p.transformer.Transform(x)
	if err != nil {
		return nil, fmt.Errorf("pipeline transform stage: %w", err)
	}
	pred, err := p.classifier.Predict(z)
	if err != nil {
		return nil, fmt.Errorf("pipeline classifier stage: %w", err)
	}
	return pred, nil
}

// Score returns the accuracy of Predict(x) against y.
func (p *Pipeline) Score(x mat.Matrix, y []int) (float64, error) {
	pred, err := p.Predict(x)
	if err != nil {
		return 0, err
	}
	return neighbors.Accuracy(pred, y)
}
