package lle

import (
	"errors"
	"fmt"

	"github.com/TFMV/manifold/eigen"
	"github.com/TFMV/manifold/neighbors"
	"github.com/TFMV/manifold/weights"
)

var (
	// ErrInvalidNeighborCount is returned when NNeighbors <= 0.
	ErrInvalidNeighborCount = neighbors.ErrInvalidNeighborCount
	// ErrSingularLocalSystem is returned when a local weight system stays
	// singular after regularization.
	ErrSingularLocalSystem = weights.ErrSingularLocalSystem
	// ErrSolverUnavailable is returned when the requested eigensolver is not
	// registered.
	ErrSolverUnavailable = eigen.ErrSolverUnavailable
	// ErrConvergence is returned when an iterative eigensolver fails.
	ErrConvergence = eigen.ErrConvergence
	// ErrDimensionMismatch is returned when Transform input does not match
	// the training dimension.
	ErrDimensionMismatch = neighbors.ErrDimensionMismatch

	// ErrNotEnoughPoints is returned when N <= NNeighbors or N <= OutDim.
	ErrNotEnoughPoints = errors.New("not enough points")
	// ErrNotFitted is returned by Transform and the accessors before a
	// successful Fit.
	ErrNotFitted = errors.New("estimator is not fitted")
	// ErrInvalidInput is returned for empty or non-finite point clouds.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidConfig is returned by New for an unusable configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrTooManyPoints is returned when the dense solver is asked for more
	// points than Config.MaxDensePoints.
	ErrTooManyPoints = errors.New("too many points")
)

// Stage names a step of the fit pipeline.
type Stage string

const (
	StageInput     Stage = "input"
	StageNeighbors Stage = "neighbors"
	StageWeights   Stage = "weights"
	StageEmbedding Stage = "embedding"
	StageTransform Stage = "transform"
)

// StageError reports which stage of Fit or Transform failed.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("lle %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageError(stage Stage, err error) error {
	return &StageError{Stage: stage, Err: err}
}
