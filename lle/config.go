package lle

import (
	"fmt"
	"runtime"
	"time"

	"github.com/TFMV/manifold/eigen"
	"github.com/TFMV/manifold/neighbors"
	"github.com/TFMV/manifold/weights"
	"go.uber.org/zap"
)

// DefaultAutoDenseLimit is the largest point count for which the Auto
// strategy picks the dense eigensolver.
const DefaultAutoDenseLimit = 200

// Config holds configuration for locally linear embedding.
type Config struct {
	// NNeighbors is the number of neighbors used to reconstruct each point
	NNeighbors int `mapstructure:"n_neighbors"`
	// OutDim is the dimension of the embedding
	OutDim int `mapstructure:"out_dim"`
	// Reg scales the diagonal regularization of the local Gram systems
	Reg float64 `mapstructure:"reg"`
	// Solver selects the eigensolver strategy
	Solver eigen.Strategy `mapstructure:"solver"`
	// AutoDenseLimit is the point count up to which Auto uses the dense solver
	AutoDenseLimit int `mapstructure:"auto_dense_limit"`
	// MaxDensePoints caps the point count the dense solver accepts, since it
	// stores an N×N matrix; zero means no cap
	MaxDensePoints int `mapstructure:"max_dense_points"`
	// Tol is the relative residual tolerance of iterative eigensolvers
	Tol float64 `mapstructure:"tol"`
	// MaxIter bounds iterative eigensolvers
	MaxIter int `mapstructure:"max_iter"`
	// Seed makes iterative eigensolvers reproducible
	Seed int64 `mapstructure:"seed"`
	// Workers bounds parallel weight solves; zero selects GOMAXPROCS
	Workers int `mapstructure:"workers"`
	// Neighbors configures the neighbor index
	Neighbors neighbors.Config `mapstructure:"neighbors"`
	// Logger for logging operations
	Logger *zap.Logger `mapstructure:"-"`
	// Observer receives fit and transform events, may be nil
	Observer Observer `mapstructure:"-"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		NNeighbors:     5,
		OutDim:         2,
		Reg:            weights.DefaultReg,
		Solver:         eigen.Auto,
		AutoDenseLimit: DefaultAutoDenseLimit,
		Tol:            eigen.DefaultOptions().Tol,
		MaxIter:        eigen.DefaultOptions().MaxIter,
		Seed:           eigen.DefaultOptions().Seed,
		Workers:        runtime.GOMAXPROCS(0),
		Neighbors:      neighbors.DefaultConfig(),
	}
}

// Validate checks the configuration and fills zero values with defaults.
func (c *Config) Validate() error {
	def := DefaultConfig()
	if c.NNeighbors <= 0 {
		return fmt.Errorf("%w: n_neighbors must be positive, got %d", ErrInvalidNeighborCount, c.NNeighbors)
	}
	if c.OutDim <= 0 {
		return fmt.Errorf("%w: out_dim must be positive, got %d", ErrInvalidConfig, c.OutDim)
	}
	if c.Reg < 0 {
		return fmt.Errorf("%w: reg must be non-negative, got %g", ErrInvalidConfig, c.Reg)
	}
	if c.Reg == 0 {
		c.Reg = def.Reg
	}
	strategy, err := eigen.ParseStrategy(string(c.Solver))
	if err != nil {
		return err
	}
	c.Solver = strategy
	if c.MaxDensePoints < 0 {
		return fmt.Errorf("%w: max_dense_points must be non-negative, got %d", ErrInvalidConfig, c.MaxDensePoints)
	}
	if c.AutoDenseLimit <= 0 {
		c.AutoDenseLimit = def.AutoDenseLimit
	}
	if c.Tol <= 0 {
		c.Tol = def.Tol
	}
	if c.MaxIter <= 0 {
		c.MaxIter = def.MaxIter
	}
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.Neighbors.Algorithm == "" {
		c.Neighbors.Algorithm = neighbors.Exact
	}
	if c.Neighbors.Distance == "" {
		c.Neighbors.Distance = def.Neighbors.Distance
	}
	return nil
}

// resolve maps Auto to a concrete strategy for n points.
func (c Config) resolve(strategy eigen.Strategy, n int) eigen.Strategy {
	if strategy != eigen.Auto {
		return strategy
	}
	if n <= c.AutoDenseLimit && c.denseAllowed(n) {
		return eigen.Dense
	}
	return eigen.ShiftInvert
}

func (c Config) denseAllowed(n int) bool {
	return c.MaxDensePoints == 0 || n <= c.MaxDensePoints
}

func (c Config) solverOptions() eigen.Options {
	return eigen.Options{
		Tol:     c.Tol,
		MaxIter: c.MaxIter,
		Seed:    c.Seed,
		Logger:  c.Logger,
	}
}

// FitEvent describes one call to Fit.
type FitEvent struct {
	Points              int
	Dim                 int
	Neighbors           int
	OutDim              int
	Solver              eigen.Strategy
	Iterations          int
	Duration            time.Duration
	ReconstructionError float64
	Err                 error
}

// TransformEvent describes one call to Transform.
type TransformEvent struct {
	Points   int
	Duration time.Duration
	Err      error
}

// Observer receives an event after every Fit and Transform.
type Observer interface {
	ObserveFit(FitEvent)
	ObserveTransform(TransformEvent)
}
