package lle

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/TFMV/manifold/eigen"
	_ "github.com/TFMV/manifold/eigen/lobpcg"
	"github.com/TFMV/manifold/neighbors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// grid returns an n×n regular grid in the plane.
func grid(n int) *mat.Dense {
	points := mat.NewDense(n*n, 2, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			points.SetRow(i*n+j, []float64{float64(i), float64(j)})
		}
	}
	return points
}

// curvedGrid folds an n×n grid into 3D with a quadratic height.
func curvedGrid(n int) *mat.Dense {
	points := mat.NewDense(n*n, 3, nil)
	c := float64(n-1) / 2
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			x, y := float64(i), float64(j)
			points.SetRow(i*n+j, []float64{x, y, 0.02 * ((x-c)*(x-c) + (y-c)*(y-c))})
		}
	}
	return points
}

// parabolicSheet lifts an n×n grid into 3D with height x²/20 along its first
// axis.
func parabolicSheet(n int) *mat.Dense {
	points := mat.NewDense(n*n, 3, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			x := float64(i)
			points.SetRow(i*n+j, []float64{x, float64(j), x * x / 20})
		}
	}
	return points
}

func newEstimator(t *testing.T, mutate func(*Config)) *LocallyLinearEmbedding {
	t.Helper()
	config := DefaultConfig()
	if mutate != nil {
		mutate(&config)
	}
	e, err := New(config)
	require.NoError(t, err)
	return e
}

func TestNewValidatesConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"zero neighbors", func(c *Config) { c.NNeighbors = 0 }, ErrInvalidNeighborCount},
		{"zero out dim", func(c *Config) { c.OutDim = 0 }, ErrInvalidConfig},
		{"negative reg", func(c *Config) { c.Reg = -1 }, ErrInvalidConfig},
		{"negative dense cap", func(c *Config) { c.MaxDensePoints = -1 }, ErrInvalidConfig},
		{"unknown solver", func(c *Config) { c.Solver = "qr" }, ErrSolverUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(&config)
			_, err := New(config)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	e, err := New(Config{NNeighbors: 4, OutDim: 1, Solver: "arpack"})
	require.NoError(t, err)
	cfg := e.Config()
	assert.Equal(t, eigen.ShiftInvert, cfg.Solver)
	assert.Equal(t, DefaultAutoDenseLimit, cfg.AutoDenseLimit)
	assert.Equal(t, DefaultConfig().Reg, cfg.Reg)
	assert.Positive(t, cfg.Workers)
	assert.Equal(t, neighbors.Exact, cfg.Neighbors.Algorithm)
}

func TestAutoStrategy(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, eigen.Dense, cfg.resolve(eigen.Auto, 200))
	assert.Equal(t, eigen.ShiftInvert, cfg.resolve(eigen.Auto, 201))
	assert.Equal(t, eigen.LOBPCG, cfg.resolve(eigen.LOBPCG, 10))
}

func TestMaxDensePoints(t *testing.T) {
	e := newEstimator(t, func(c *Config) { c.MaxDensePoints = 30 })
	cfg := e.Config()
	assert.Equal(t, eigen.Dense, cfg.resolve(eigen.Auto, 30))
	assert.Equal(t, eigen.ShiftInvert, cfg.resolve(eigen.Auto, 31))

	require.NoError(t, e.FitWith(grid(5), eigen.Dense))

	err := e.FitWith(grid(6), eigen.Dense)
	assert.ErrorIs(t, err, ErrTooManyPoints)
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageEmbedding, stageErr.Stage)

	require.NoError(t, e.Fit(grid(6)))
	model, err := e.Model()
	require.NoError(t, err)
	assert.Equal(t, eigen.ShiftInvert, model.Solver())
}

func TestFitFlatGrid(t *testing.T) {
	points := grid(5)
	for _, strategy := range []eigen.Strategy{eigen.Dense, eigen.ShiftInvert, eigen.LOBPCG} {
		t.Run(string(strategy), func(t *testing.T) {
			e := newEstimator(t, func(c *Config) { c.Solver = strategy })
			require.NoError(t, e.Fit(points))

			w, err := e.Weights()
			require.NoError(t, err)
			for _, s := range w.RowSums() {
				assert.InDelta(t, 1, s, 1e-6)
			}
			assert.Less(t, w.Residual(points), 0.1)

			emb, err := e.Embedding()
			require.NoError(t, err)
			r, c := emb.Dims()
			assert.Equal(t, 25, r)
			assert.Equal(t, 2, c)
			for j := 0; j < c; j++ {
				assert.InDelta(t, 1, floats.Norm(mat.Col(nil, j, emb), 2), 1e-9)
			}

			got, err := e.ReconstructionError()
			require.NoError(t, err)
			assert.Less(t, got, 0.1)
			assert.InDelta(t, w.Residual(emb), got, 1e-4)

			model, err := e.Model()
			require.NoError(t, err)
			assert.Equal(t, strategy, model.Solver())
			assert.Equal(t, 25, model.Len())
			assert.Equal(t, 2, model.InputDim())
			assert.Equal(t, 5, model.NNeighbors())
			assert.Len(t, model.Eigenvalues(), 2)
		})
	}
}

func TestFitCurvedGridEveryStrategy(t *testing.T) {
	points := curvedGrid(20)
	for _, strategy := range []eigen.Strategy{eigen.Auto, eigen.Dense, eigen.ShiftInvert, eigen.LOBPCG} {
		t.Run(string(strategy), func(t *testing.T) {
			e := newEstimator(t, nil)
			require.NoError(t, e.FitWith(points, strategy))
			got, err := e.ReconstructionError()
			require.NoError(t, err)
			assert.Less(t, got, 0.5)

			values, err := e.Eigenvalues()
			require.NoError(t, err)
			require.Len(t, values, 2)
			assert.LessOrEqual(t, values[0], values[1]+1e-9)
		})
	}
}

func TestFitParabolicSheetEveryStrategy(t *testing.T) {
	points := parabolicSheet(20)
	for _, strategy := range []eigen.Strategy{eigen.Dense, eigen.ShiftInvert, eigen.LOBPCG} {
		t.Run(string(strategy), func(t *testing.T) {
			e := newEstimator(t, nil)
			require.NoError(t, e.FitWith(points, strategy))

			w, err := e.Weights()
			require.NoError(t, err)
			assert.Less(t, math.Sqrt(w.Residual(points)), 0.5)

			emb, err := e.Embedding()
			require.NoError(t, err)
			_, c := emb.Dims()
			assert.Equal(t, 2, c)

			got, err := e.ReconstructionError()
			require.NoError(t, err)
			assert.Less(t, got, 0.5)
			assert.InDelta(t, w.Residual(emb), got, 1e-6)
		})
	}
}

func TestAutoShiftInvertMatchesDenseOnSymmetricGrids(t *testing.T) {
	tests := []struct {
		name   string
		points *mat.Dense
	}{
		{"flat", grid(15)},
		{"bowl", curvedGrid(15)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dense := newEstimator(t, nil)
			require.NoError(t, dense.FitWith(tt.points, eigen.Dense))
			want, err := dense.Eigenvalues()
			require.NoError(t, err)

			auto := newEstimator(t, nil)
			require.NoError(t, auto.Fit(tt.points))
			model, err := auto.Model()
			require.NoError(t, err)
			require.Equal(t, eigen.ShiftInvert, model.Solver())

			got := model.Eigenvalues()
			require.Len(t, got, len(want))
			for k := range want {
				assert.InDelta(t, want[k], got[k], 1e-3*math.Abs(want[k])+1e-11, "eigenvalue %d", k)
			}

			wantErr, err := dense.ReconstructionError()
			require.NoError(t, err)
			assert.InDelta(t, wantErr, model.ReconstructionError(), 1e-3*wantErr+1e-11)
		})
	}
}

func TestFitWithApproximateNeighbors(t *testing.T) {
	e := newEstimator(t, func(c *Config) { c.Neighbors.Algorithm = neighbors.HNSW })
	require.NoError(t, e.Fit(curvedGrid(12)))
	got, err := e.ReconstructionError()
	require.NoError(t, err)
	assert.Less(t, got, 0.5)
}

func TestFitIsIdempotentUpToSign(t *testing.T) {
	points := curvedGrid(10)
	for _, strategy := range []eigen.Strategy{eigen.Dense, eigen.LOBPCG} {
		t.Run(string(strategy), func(t *testing.T) {
			e := newEstimator(t, func(c *Config) { c.Solver = strategy })
			first, err := e.FitTransform(points)
			require.NoError(t, err)
			second, err := e.FitTransform(points)
			require.NoError(t, err)

			n, d := first.Dims()
			for j := 0; j < d; j++ {
				a := mat.Col(nil, j, first)
				b := mat.Col(nil, j, second)
				if floats.Dot(a, b) < 0 {
					floats.Scale(-1, b)
				}
				for i := 0; i < n; i++ {
					assert.InDelta(t, a[i], b[i], 1e-6)
				}
			}
		})
	}
}

func TestTransformIsContinuous(t *testing.T) {
	// Cell centers have four equidistant corner neighbors, far from the next
	// ring, so small noise never changes the neighbor set.
	e := newEstimator(t, func(c *Config) { c.NNeighbors = 4; c.Solver = eigen.Dense })
	emb, err := e.FitTransform(grid(6))
	require.NoError(t, err)

	centers := mat.NewDense(25, 2, nil)
	for i := 0; i < 5; i++ {
		for j := 0; j < 5; j++ {
			centers.SetRow(i*5+j, []float64{float64(i) + 0.5, float64(j) + 0.5})
		}
	}
	clean, err := e.Transform(centers)
	require.NoError(t, err)

	// By symmetry each center lands on the mean of its corners.
	for i := 0; i < 5; i++ {
		for j := 0; j < 5; j++ {
			want := make([]float64, 2)
			for _, corner := range []int{i*6 + j, i*6 + j + 1, (i+1)*6 + j, (i+1)*6 + j + 1} {
				floats.AddScaled(want, 0.25, emb.RawRowView(corner))
			}
			assert.InDeltaSlice(t, want, clean.RawRowView(i*5+j), 1e-6)
		}
	}

	rng := rand.New(rand.NewSource(5))
	noisy := mat.DenseCopyOf(centers)
	for i := 0; i < 25; i++ {
		for j := 0; j < 2; j++ {
			noisy.Set(i, j, noisy.At(i, j)+1e-2*rng.NormFloat64())
		}
	}
	out, err := e.Transform(noisy)
	require.NoError(t, err)
	for i := 0; i < 25; i++ {
		dist := floats.Distance(out.RawRowView(i), clean.RawRowView(i), 2)
		assert.Less(t, dist, 0.1, "center %d", i)
	}
}

func TestTransformErrors(t *testing.T) {
	e := newEstimator(t, nil)
	_, err := e.Transform(grid(3))
	assert.ErrorIs(t, err, ErrNotFitted)

	require.NoError(t, e.Fit(grid(5)))
	_, err = e.Transform(mat.NewDense(2, 3, nil))
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StageTransform, stageErr.Stage)

	bad := mat.NewDense(1, 2, []float64{math.NaN(), 0})
	_, err = e.Transform(bad)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestAccessorsBeforeFit(t *testing.T) {
	e := newEstimator(t, nil)
	assert.False(t, e.IsFitted())
	_, err := e.ReconstructionError()
	assert.ErrorIs(t, err, ErrNotFitted)
	_, err = e.Embedding()
	assert.ErrorIs(t, err, ErrNotFitted)
	_, err = e.Weights()
	assert.ErrorIs(t, err, ErrNotFitted)
	_, err = e.Eigenvalues()
	assert.ErrorIs(t, err, ErrNotFitted)
	_, err = e.Model()
	assert.ErrorIs(t, err, ErrNotFitted)
}

func TestFitErrors(t *testing.T) {
	t.Run("too many neighbors", func(t *testing.T) {
		e := newEstimator(t, func(c *Config) { c.NNeighbors = 9 })
		err := e.Fit(grid(3))
		assert.ErrorIs(t, err, ErrNotEnoughPoints)
		var stageErr *StageError
		require.True(t, errors.As(err, &stageErr))
		assert.Equal(t, StageInput, stageErr.Stage)
	})
	t.Run("too many dimensions", func(t *testing.T) {
		e := newEstimator(t, func(c *Config) { c.NNeighbors = 2; c.OutDim = 4 })
		assert.ErrorIs(t, e.Fit(grid(2)), ErrNotEnoughPoints)
	})
	t.Run("empty", func(t *testing.T) {
		e := newEstimator(t, nil)
		assert.ErrorIs(t, e.Fit(&mat.Dense{}), ErrInvalidInput)
	})
	t.Run("unknown solver", func(t *testing.T) {
		e := newEstimator(t, nil)
		err := e.FitWith(grid(5), "qr")
		assert.ErrorIs(t, err, ErrSolverUnavailable)
		var stageErr *StageError
		require.True(t, errors.As(err, &stageErr))
		assert.Equal(t, StageEmbedding, stageErr.Stage)
	})
	t.Run("iterative solver does not converge", func(t *testing.T) {
		e := newEstimator(t, func(c *Config) { c.MaxIter = 1; c.Tol = 1e-15 })
		assert.ErrorIs(t, e.FitWith(curvedGrid(20), eigen.LOBPCG), ErrConvergence)
	})
}

func TestFailedFitKeepsPreviousModel(t *testing.T) {
	e := newEstimator(t, nil)
	require.NoError(t, e.Fit(grid(5)))
	before, err := e.Model()
	require.NoError(t, err)

	bad := grid(5)
	bad.Set(3, 1, math.Inf(1))
	assert.ErrorIs(t, e.Fit(bad), ErrInvalidInput)

	after, err := e.Model()
	require.NoError(t, err)
	assert.Same(t, before, after)
}

func TestFitDoesNotAliasInput(t *testing.T) {
	points := grid(5)
	e := newEstimator(t, nil)
	require.NoError(t, e.Fit(points))
	before, err := e.Transform(grid(5))
	require.NoError(t, err)

	points.Set(0, 0, 100)
	after, err := e.Transform(grid(5))
	require.NoError(t, err)
	assert.True(t, mat.EqualApprox(before, after, 1e-12))
}

type recordingObserver struct {
	mu         sync.Mutex
	fits       []FitEvent
	transforms []TransformEvent
}

func (o *recordingObserver) ObserveFit(e FitEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fits = append(o.fits, e)
}

func (o *recordingObserver) ObserveTransform(e TransformEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transforms = append(o.transforms, e)
}

func TestObserver(t *testing.T) {
	obs := &recordingObserver{}
	e := newEstimator(t, func(c *Config) { c.Observer = obs })
	require.NoError(t, e.Fit(grid(5)))
	_, err := e.Transform(grid(2))
	require.NoError(t, err)
	require.Error(t, e.Fit(grid(2)))

	require.Len(t, obs.fits, 2)
	assert.NoError(t, obs.fits[0].Err)
	assert.Equal(t, 25, obs.fits[0].Points)
	assert.Equal(t, eigen.Dense, obs.fits[0].Solver)
	assert.Positive(t, obs.fits[0].ReconstructionError)
	assert.ErrorIs(t, obs.fits[1].Err, ErrNotEnoughPoints)

	require.Len(t, obs.transforms, 1)
	assert.Equal(t, 4, obs.transforms[0].Points)
}

func TestConcurrentTransformDuringFit(t *testing.T) {
	e := newEstimator(t, nil)
	require.NoError(t, e.Fit(grid(6)))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				out, err := e.Transform(grid(3))
				if assert.NoError(t, err) {
					r, _ := out.Dims()
					assert.Equal(t, 9, r)
				}
			}
		}()
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, e.Fit(grid(6)))
	}
	wg.Wait()
}
