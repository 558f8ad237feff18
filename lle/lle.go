// Package lle implements locally linear embedding: every point is rebuilt as
// a weighted combination of its nearest neighbors, and the embedding is the
// low-dimensional configuration best preserving those weights, taken from
// the bottom of the spectrum of (I - W)ᵀ(I - W).
package lle

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TFMV/manifold/eigen"
	"github.com/TFMV/manifold/neighbors"
	"github.com/TFMV/manifold/pkg/vectortypes"
	"github.com/TFMV/manifold/weights"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// LocallyLinearEmbedding is the estimator. Fit calls are serialized;
// Transform and the accessors read an immutable Model and may run
// concurrently with each other and with Fit.
type LocallyLinearEmbedding struct {
	config Config
	logger *zap.Logger
	fitMu  sync.Mutex
	model  atomic.Pointer[Model]
}

// New creates an estimator with the given configuration.
func New(config Config) (*LocallyLinearEmbedding, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &LocallyLinearEmbedding{
		config: config,
		logger: config.Logger,
	}, nil
}

// Config returns the validated configuration.
func (e *LocallyLinearEmbedding) Config() Config { return e.config }

// Fit learns the embedding of points with the configured solver strategy.
func (e *LocallyLinearEmbedding) Fit(points mat.Matrix) error {
	return e.FitWith(points, e.config.Solver)
}

// FitWith learns the embedding of points with the given solver strategy. On
// failure the previously fitted model, if any, stays in place.
func (e *LocallyLinearEmbedding) FitWith(points mat.Matrix, strategy eigen.Strategy) error {
	e.fitMu.Lock()
	defer e.fitMu.Unlock()

	start := time.Now()
	n, d := points.Dims()
	e.logger.Info("Starting locally linear embedding",
		zap.Int("n_points", n),
		zap.Int("dimension", d),
		zap.Int("n_neighbors", e.config.NNeighbors),
		zap.Int("out_dim", e.config.OutDim),
		zap.String("solver", string(strategy)))

	model, err := e.fit(points, strategy)
	event := FitEvent{
		Points:    n,
		Dim:       d,
		Neighbors: e.config.NNeighbors,
		OutDim:    e.config.OutDim,
		Solver:    strategy,
		Duration:  time.Since(start),
		Err:       err,
	}
	if err != nil {
		e.logger.Error("Locally linear embedding failed", zap.Error(err))
		e.observeFit(event)
		return err
	}

	e.model.Store(model)
	event.Solver = model.solver
	event.Iterations = model.iterations
	event.ReconstructionError = model.reconstructionError
	e.logger.Info("Locally linear embedding completed",
		zap.String("solver", string(model.solver)),
		zap.Int("iterations", model.iterations),
		zap.Float64("reconstruction_error", model.reconstructionError),
		zap.Duration("duration", event.Duration))
	e.observeFit(event)
	return nil
}

func (e *LocallyLinearEmbedding) fit(points mat.Matrix, strategy eigen.Strategy) (*Model, error) {
	n, d := points.Dims()
	if n == 0 || d == 0 {
		return nil, stageError(StageInput, fmt.Errorf("%w: empty point cloud", ErrInvalidInput))
	}
	k, outDim := e.config.NNeighbors, e.config.OutDim
	if n <= k {
		return nil, stageError(StageInput, fmt.Errorf("%w: %d points for %d neighbors", ErrNotEnoughPoints, n, k))
	}
	if n <= outDim {
		return nil, stageError(StageInput, fmt.Errorf("%w: %d points for %d output dimensions", ErrNotEnoughPoints, n, outDim))
	}

	// The training copy is owned by the model.
	train := mat.DenseCopyOf(points)
	for i := 0; i < n; i++ {
		if !vectortypes.IsFinite(train.RawRowView(i)) {
			return nil, stageError(StageInput, fmt.Errorf("%w: point %d is not finite", ErrInvalidInput, i))
		}
	}

	strategy, err := eigen.ParseStrategy(string(strategy))
	if err != nil {
		return nil, stageError(StageEmbedding, err)
	}
	strategy = e.config.resolve(strategy, n)
	if strategy == eigen.Dense && !e.config.denseAllowed(n) {
		return nil, stageError(StageEmbedding, fmt.Errorf("%w: dense solver is limited to %d points, got %d",
			ErrTooManyPoints, e.config.MaxDensePoints, n))
	}
	solver, err := eigen.Lookup(strategy, e.config.solverOptions())
	if err != nil {
		return nil, stageError(StageEmbedding, err)
	}

	idx, err := neighbors.Build(train, e.config.Neighbors)
	if err != nil {
		return nil, stageError(StageNeighbors, err)
	}
	set, err := neighbors.Query(idx, k)
	if err != nil {
		return nil, stageError(StageNeighbors, err)
	}
	e.logger.Debug("Neighbor graph built",
		zap.String("algorithm", string(e.config.Neighbors.Algorithm)),
		zap.Int("k", set.K()))

	w, err := weights.SolveAll(train, set.Indices, weights.Options{
		Reg:     e.config.Reg,
		Workers: e.config.Workers,
		Logger:  e.logger,
	})
	if err != nil {
		return nil, stageError(StageWeights, err)
	}
	e.logger.Debug("Reconstruction weights solved",
		zap.Float64("max_row_sum_error", w.MaxRowSumError()))

	op, err := eigen.CostOperator(w.CSR())
	if err != nil {
		return nil, stageError(StageEmbedding, err)
	}
	res, err := solver.Smallest(op, outDim+1)
	if err != nil {
		return nil, stageError(StageEmbedding, err)
	}
	e.logger.Debug("Eigenpairs computed",
		zap.String("solver", string(strategy)),
		zap.Float64s("eigenvalues", res.Values),
		zap.Int("iterations", res.Iterations))

	// Column 0 is the constant vector with eigenvalue ~0.
	embedding := mat.NewDense(n, outDim, nil)
	col := make([]float64, n)
	for j := 0; j < outDim; j++ {
		mat.Col(col, j+1, res.Vectors)
		if nrm := floats.Norm(col, 2); nrm > 0 {
			floats.Scale(1/nrm, col)
		}
		embedding.SetCol(j, col)
	}

	return &Model{
		index:               idx,
		neighbors:           set,
		weights:             w,
		embedding:           embedding,
		eigenvalues:         append([]float64(nil), res.Values[1:]...),
		reconstructionError: w.Residual(embedding),
		solver:              strategy,
		iterations:          res.Iterations,
		k:                   k,
		reg:                 e.config.Reg,
		fittedAt:            time.Now(),
	}, nil
}

// FitTransform fits the estimator and returns the training embedding.
func (e *LocallyLinearEmbedding) FitTransform(points mat.Matrix) (*mat.Dense, error) {
	if err := e.Fit(points); err != nil {
		return nil, err
	}
	return e.Embedding()
}

// Transform maps new points into the fitted embedding using neighbors among
// the training points only.
func (e *LocallyLinearEmbedding) Transform(points mat.Matrix) (*mat.Dense, error) {
	model := e.model.Load()
	if model == nil {
		return nil, stageError(StageTransform, ErrNotFitted)
	}
	start := time.Now()
	n, _ := points.Dims()
	out, err := model.Transform(points, e.config.Workers)
	if err != nil {
		err = stageError(StageTransform, err)
	}
	if e.config.Observer != nil {
		e.config.Observer.ObserveTransform(TransformEvent{
			Points:   n,
			Duration: time.Since(start),
			Err:      err,
		})
	}
	return out, err
}

// Model returns the current fitted model.
func (e *LocallyLinearEmbedding) Model() (*Model, error) {
	model := e.model.Load()
	if model == nil {
		return nil, ErrNotFitted
	}
	return model, nil
}

// IsFitted reports whether a fit has succeeded.
func (e *LocallyLinearEmbedding) IsFitted() bool { return e.model.Load() != nil }

// ReconstructionError returns |(I - W)·Y|²_F of the fitted embedding.
func (e *LocallyLinearEmbedding) ReconstructionError() (float64, error) {
	model, err := e.Model()
	if err != nil {
		return 0, err
	}
	return model.ReconstructionError(), nil
}

// Embedding returns a copy of the fitted training embedding.
func (e *LocallyLinearEmbedding) Embedding() (*mat.Dense, error) {
	model, err := e.Model()
	if err != nil {
		return nil, err
	}
	return model.Embedding(), nil
}

// Weights returns the fitted reconstruction weights.
func (e *LocallyLinearEmbedding) Weights() (*weights.Matrix, error) {
	model, err := e.Model()
	if err != nil {
		return nil, err
	}
	return model.Weights(), nil
}

// Eigenvalues returns the eigenvalues of the embedding coordinates.
func (e *LocallyLinearEmbedding) Eigenvalues() ([]float64, error) {
	model, err := e.Model()
	if err != nil {
		return nil, err
	}
	return model.Eigenvalues(), nil
}

func (e *LocallyLinearEmbedding) observeFit(event FitEvent) {
	if e.config.Observer != nil {
		e.config.Observer.ObserveFit(event)
	}
}
