package lle

import (
	"fmt"
	"time"

	"github.com/TFMV/manifold/eigen"
	"github.com/TFMV/manifold/neighbors"
	"github.com/TFMV/manifold/pkg/vectortypes"
	"github.com/TFMV/manifold/weights"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Model is the immutable result of a successful fit. It is safe for
// concurrent use.
type Model struct {
	index               neighbors.Index
	neighbors           neighbors.Set
	weights             *weights.Matrix
	embedding           *mat.Dense
	eigenvalues         []float64
	reconstructionError float64
	solver              eigen.Strategy
	iterations          int
	k                   int
	reg                 float64
	fittedAt            time.Time
}

// Len returns the number of training points.
func (m *Model) Len() int { return m.index.Len() }

// InputDim returns the dimension of the training points.
func (m *Model) InputDim() int { return m.index.Dim() }

// OutDim returns the embedding dimension.
func (m *Model) OutDim() int {
	_, d := m.embedding.Dims()
	return d
}

// NNeighbors returns the neighbor count the model was fitted with.
func (m *Model) NNeighbors() int { return m.k }

// Solver returns the eigensolver strategy that produced the embedding.
func (m *Model) Solver() eigen.Strategy { return m.solver }

// Iterations returns the eigensolver's outer iteration count.
func (m *Model) Iterations() int { return m.iterations }

// FittedAt returns when the model was produced.
func (m *Model) FittedAt() time.Time { return m.fittedAt }

// ReconstructionError returns |(I - W)·Y|²_F for the training embedding Y.
func (m *Model) ReconstructionError() float64 { return m.reconstructionError }

// Embedding returns a copy of the training embedding.
func (m *Model) Embedding() *mat.Dense { return mat.DenseCopyOf(m.embedding) }

// Eigenvalues returns the eigenvalues of the embedding coordinates, the
// trivial one excluded.
func (m *Model) Eigenvalues() []float64 { return append([]float64(nil), m.eigenvalues...) }

// Weights returns the reconstruction weight matrix.
func (m *Model) Weights() *weights.Matrix { return m.weights }

// Neighbors returns the training neighbor graph.
func (m *Model) Neighbors() neighbors.Set { return m.neighbors }

// Transform maps new points into the embedding. Each point is rebuilt from
// its k nearest training points and placed at the same barycentric
// combination of their embedding rows.
func (m *Model) Transform(points mat.Matrix, workers int) (*mat.Dense, error) {
	n, d := points.Dims()
	if n == 0 {
		return nil, fmt.Errorf("%w: no points to transform", ErrInvalidInput)
	}
	if d != m.InputDim() {
		return nil, fmt.Errorf("%w: fitted on %d dimensions, got %d", ErrDimensionMismatch, m.InputDim(), d)
	}

	out := mat.NewDense(n, m.OutDim(), nil)
	var g errgroup.Group
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i := 0; i < n; i++ {
		g.Go(func() error {
			row, err := m.transformPoint(mat.Row(nil, i, points))
			if err != nil {
				return fmt.Errorf("point %d: %w", i, err)
			}
			out.SetRow(i, row)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Model) transformPoint(x []float64) ([]float64, error) {
	if !vectortypes.IsFinite(x) {
		return nil, fmt.Errorf("%w: point is not finite", ErrInvalidInput)
	}
	hits, err := m.index.KNeighbors(x, m.k)
	if err != nil {
		return nil, err
	}
	z := mat.NewDense(len(hits), len(x), nil)
	for j, h := range hits {
		z.SetRow(j, m.index.Point(h.Index))
	}
	res, err := weights.Solve(x, z, m.reg)
	if err != nil {
		return nil, err
	}
	row := make([]float64, m.OutDim())
	for j, h := range hits {
		floats.AddScaled(row, res.Weights[j], m.embedding.RawRowView(h.Index))
	}
	return row, nil
}
