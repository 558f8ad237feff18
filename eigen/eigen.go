// Package eigen extracts the smallest eigenpairs of sparse symmetric
// positive-semidefinite operators. Solvers are selected by Strategy through a
// registry, so optional strategies can be linked in by a blank import, the
// same way database/sql drivers are.
package eigen

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/TFMV/manifold/pkg/sparse"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// Strategy names an eigensolver.
type Strategy string

const (
	// Auto picks Dense for small problems and ShiftInvert otherwise.
	Auto Strategy = "auto"
	// Dense forms the full matrix and runs a symmetric eigendecomposition.
	Dense Strategy = "dense"
	// ShiftInvert runs Lanczos on the shift-inverted sparse operator.
	ShiftInvert Strategy = "shift-invert"
	// LOBPCG runs multigrid-preconditioned LOBPCG. It is available only when
	// github.com/TFMV/manifold/eigen/lobpcg is linked in.
	LOBPCG Strategy = "lobpcg"
)

var (
	// ErrSolverUnavailable is returned when a strategy is not registered.
	ErrSolverUnavailable = errors.New("eigensolver unavailable")
	// ErrConvergence is returned when an iterative solver fails to converge.
	ErrConvergence = errors.New("eigensolver did not converge")
	// ErrInvalidRequest is returned for a bad eigenpair count or operator shape.
	ErrInvalidRequest = errors.New("invalid eigenproblem")
)

// ParseStrategy maps a strategy name to a Strategy. "arpack" is accepted as
// an alias of ShiftInvert.
func ParseStrategy(name string) (Strategy, error) {
	switch Strategy(name) {
	case "", Auto:
		return Auto, nil
	case Dense, ShiftInvert, LOBPCG:
		return Strategy(name), nil
	case "arpack":
		return ShiftInvert, nil
	default:
		return "", fmt.Errorf("%w: unknown strategy %q", ErrSolverUnavailable, name)
	}
}

// Options configures iterative solvers. Zero values select defaults.
type Options struct {
	// Tol is the relative residual tolerance
	Tol float64
	// MaxIter bounds outer iterations (Lanczos basis size, LOBPCG sweeps)
	MaxIter int
	// Seed makes the random starting vectors reproducible
	Seed int64
	// Logger for logging operations
	Logger *zap.Logger
}

// DefaultOptions returns the default solver options.
func DefaultOptions() Options {
	return Options{
		Tol:     1e-8,
		MaxIter: 1000,
		Seed:    42,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Tol <= 0 {
		o.Tol = def.Tol
	}
	if o.MaxIter <= 0 {
		o.MaxIter = def.MaxIter
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Result holds eigenpairs in ascending eigenvalue order.
type Result struct {
	// Values are the eigenvalues
	Values []float64
	// Vectors holds one unit eigenvector per column
	Vectors *mat.Dense
	// Iterations is the number of outer iterations used, zero for direct solvers
	Iterations int
}

// Solver computes the n algebraically smallest eigenpairs of a symmetric
// positive-semidefinite operator.
type Solver interface {
	Smallest(op *sparse.CSR, n int) (Result, error)
}

// Factory constructs a Solver from options.
type Factory func(opts Options) Solver

var (
	registryMu sync.RWMutex
	registry   = make(map[Strategy]Factory)
)

// Register makes a solver available under a strategy name. It panics if
// called twice for the same strategy or with a nil factory.
func Register(strategy Strategy, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if factory == nil {
		panic("eigen: Register factory is nil")
	}
	if _, dup := registry[strategy]; dup {
		panic("eigen: Register called twice for strategy " + string(strategy))
	}
	registry[strategy] = factory
}

// Lookup returns a solver for strategy, or ErrSolverUnavailable.
func Lookup(strategy Strategy, opts Options) (Solver, error) {
	registryMu.RLock()
	factory, ok := registry[strategy]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q is not registered", ErrSolverUnavailable, strategy)
	}
	return factory(opts.withDefaults()), nil
}

// IsAvailable reports whether strategy is registered.
func IsAvailable(strategy Strategy) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[strategy]
	return ok
}

// Available returns the registered strategies in sorted order.
func Available() []Strategy {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]Strategy, 0, len(registry))
	for s := range registry {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func init() {
	Register(Dense, func(opts Options) Solver { return &DenseSolver{} })
	Register(ShiftInvert, func(opts Options) Solver { return NewLanczos(opts) })
}

// CheckRequest validates an eigenproblem of n pairs on op.
func CheckRequest(op *sparse.CSR, n int) (int, error) {
	r, c := op.Dims()
	if r != c {
		return 0, fmt.Errorf("%w: operator is %d×%d", ErrInvalidRequest, r, c)
	}
	if n <= 0 || n > r {
		return 0, fmt.Errorf("%w: requested %d eigenpairs of a %d×%d operator", ErrInvalidRequest, n, r, r)
	}
	return r, nil
}
