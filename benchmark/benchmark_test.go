package benchmark

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/TFMV/manifold/eigen"
	_ "github.com/TFMV/manifold/eigen/lobpcg"
	"github.com/TFMV/manifold/lle"
	"github.com/TFMV/manifold/neighbors"
	"github.com/TFMV/manifold/weights"
	"gonum.org/v1/gonum/mat"
)

// swissRoll samples n points from the swiss roll surface.
func swissRoll(n int, seed int64) *mat.Dense {
	rng := rand.New(rand.NewSource(seed))
	points := mat.NewDense(n, 3, nil)
	for i := 0; i < n; i++ {
		t := 1.5 * math.Pi * (1 + 2*rng.Float64())
		h := 21 * rng.Float64()
		points.SetRow(i, []float64{t * math.Cos(t), h, t * math.Sin(t)})
	}
	return points
}

func BenchmarkNeighborGraph(b *testing.B) {
	points := swissRoll(2000, 1)
	for _, algorithm := range []neighbors.Algorithm{neighbors.Exact, neighbors.HNSW} {
		b.Run(string(algorithm), func(b *testing.B) {
			config := neighbors.DefaultConfig()
			config.Algorithm = algorithm
			for i := 0; i < b.N; i++ {
				idx, err := neighbors.Build(points, config)
				if err != nil {
					b.Fatal(err)
				}
				if _, err := neighbors.Query(idx, 10); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkSolveAll(b *testing.B) {
	points := swissRoll(2000, 2)
	idx, err := neighbors.Build(points, neighbors.DefaultConfig())
	if err != nil {
		b.Fatal(err)
	}
	set, err := neighbors.Query(idx, 10)
	if err != nil {
		b.Fatal(err)
	}
	for _, workers := range []int{1, 4} {
		b.Run(fmt.Sprintf("workers=%d", workers), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				if _, err := weights.SolveAll(points, set.Indices, weights.Options{Workers: workers}); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkFit(b *testing.B) {
	for _, n := range []int{500, 1500} {
		points := swissRoll(n, 3)
		for _, strategy := range []eigen.Strategy{eigen.Dense, eigen.ShiftInvert, eigen.LOBPCG} {
			if strategy == eigen.Dense && n > 500 {
				continue
			}
			b.Run(fmt.Sprintf("%s/n=%d", strategy, n), func(b *testing.B) {
				config := lle.DefaultConfig()
				config.NNeighbors = 10
				config.Solver = strategy
				e, err := lle.New(config)
				if err != nil {
					b.Fatal(err)
				}
				b.ResetTimer()
				for i := 0; i < b.N; i++ {
					if err := e.Fit(points); err != nil {
						b.Fatal(err)
					}
				}
			})
		}
	}
}

func BenchmarkTransform(b *testing.B) {
	config := lle.DefaultConfig()
	config.NNeighbors = 10
	e, err := lle.New(config)
	if err != nil {
		b.Fatal(err)
	}
	if err := e.Fit(swissRoll(1000, 4)); err != nil {
		b.Fatal(err)
	}
	queries := swissRoll(500, 5)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := e.Transform(queries); err != nil {
			b.Fatal(err)
		}
	}
}
