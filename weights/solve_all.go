package weights

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// Options configures SolveAll.
type Options struct {
	// Reg is the regularization factor; zero selects DefaultReg.
	Reg float64
	// Workers bounds the number of concurrent local solves; zero selects GOMAXPROCS.
	Workers int
	// Logger for logging operations
	Logger *zap.Logger
}

// SolveAll computes the weight matrix for every point given its neighbors.
// Local solves are independent and run in parallel.
func SolveAll(points mat.Matrix, neighbors [][]int, opts Options) (*Matrix, error) {
	n, d := points.Dims()
	if len(neighbors) != n {
		return nil, fmt.Errorf("%w: %d points but %d neighbor lists", ErrShape, n, len(neighbors))
	}
	if opts.Reg == 0 {
		opts.Reg = DefaultReg
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	values := make([][]float64, n)
	var fallbacks atomic.Int64

	var g errgroup.Group
	g.SetLimit(opts.Workers)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			x := mat.Row(nil, i, points)
			z := mat.NewDense(len(neighbors[i]), d, nil)
			for r, idx := range neighbors[i] {
				for c := 0; c < d; c++ {
					z.Set(r, c, points.At(idx, c))
				}
			}
			res, err := Solve(x, z, opts.Reg)
			if err != nil {
				return &LocalSystemError{Point: i, cause: err}
			}
			if res.Fallback {
				fallbacks.Add(1)
			}
			values[i] = res.Weights
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if fb := fallbacks.Load(); fb > 0 {
		opts.Logger.Warn("Singular local systems regularized",
			zap.Int64("points", fb),
			zap.Float64("reg", opts.Reg))
	}

	return NewMatrix(n, neighbors, values), nil
}
