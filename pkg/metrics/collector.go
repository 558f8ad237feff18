package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/TFMV/manifold/lle"
	"github.com/prometheus/client_golang/prometheus"
)

// FitMetrics holds the most recent fit and transform figures
type FitMetrics struct {
	// Fit latency in milliseconds
	FitLatencyMs float64
	// Average transform latency in milliseconds
	AvgTransformLatencyMs float64
	// Reconstruction error of the last successful fit
	ReconstructionError float64
	// Eigensolver iterations of the last successful fit
	Iterations int
	// Number of failed fits
	Failures int
	// Time when metrics were collected
	Timestamp time.Time
}

// Collector manages the collection of metrics. It implements lle.Observer.
type Collector struct {
	// Prometheus registry
	registry *prometheus.Registry
	// Fit latency histogram
	fitLatency *prometheus.HistogramVec
	// Fit counter by solver and outcome
	fits *prometheus.CounterVec
	// Transform latency histogram
	transformLatency prometheus.Histogram
	// Transformed points counter
	transformedPoints prometheus.Counter
	// Reconstruction error gauge
	reconstructionError prometheus.Gauge
	// Eigensolver iteration gauge
	iterations prometheus.Gauge
	// Whether Prometheus metrics are enabled
	prometheusEnabled bool
	// Lock for concurrent access
	mu sync.RWMutex
	// Recent metrics
	recentMetrics FitMetrics
}

var _ lle.Observer = (*Collector)(nil)

// NewCollector creates a new metrics collector
func NewCollector(prometheusEnabled bool) *Collector {
	c := &Collector{
		prometheusEnabled: prometheusEnabled,
		recentMetrics: FitMetrics{
			Timestamp: time.Now(),
		},
	}

	if prometheusEnabled {
		c.registry = prometheus.NewRegistry()

		c.fitLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "manifold_fit_latency_ms",
				Help:    "Fit latency in milliseconds",
				Buckets: prometheus.ExponentialBuckets(1, 4, 10), // 1ms-262s
			},
			[]string{"solver"},
		)

		c.fits = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "manifold_fits_total",
				Help: "Total number of fits by solver and outcome",
			},
			[]string{"solver", "outcome"},
		)

		c.transformLatency = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "manifold_transform_latency_ms",
				Help:    "Transform latency in milliseconds",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
		)

		c.transformedPoints = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "manifold_transformed_points_total",
				Help: "Total number of points mapped by Transform",
			},
		)

		c.reconstructionError = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "manifold_reconstruction_error",
				Help: "Reconstruction error of the last successful fit",
			},
		)

		c.iterations = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "manifold_eigensolver_iterations",
				Help: "Eigensolver iterations of the last successful fit",
			},
		)

		c.registry.MustRegister(c.fitLatency)
		c.registry.MustRegister(c.fits)
		c.registry.MustRegister(c.transformLatency)
		c.registry.MustRegister(c.transformedPoints)
		c.registry.MustRegister(c.reconstructionError)
		c.registry.MustRegister(c.iterations)
	}

	return c
}

// ObserveFit records a fit event
func (c *Collector) ObserveFit(e lle.FitEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	latencyMs := float64(e.Duration) / float64(time.Millisecond)
	c.recentMetrics.FitLatencyMs = latencyMs
	c.recentMetrics.Timestamp = time.Now()
	if e.Err != nil {
		c.recentMetrics.Failures++
	} else {
		c.recentMetrics.ReconstructionError = e.ReconstructionError
		c.recentMetrics.Iterations = e.Iterations
	}

	if c.prometheusEnabled {
		solver := string(e.Solver)
		c.fitLatency.WithLabelValues(solver).Observe(latencyMs)
		c.fits.WithLabelValues(solver, outcome(e.Err)).Inc()
		if e.Err == nil {
			c.reconstructionError.Set(e.ReconstructionError)
			c.iterations.Set(float64(e.Iterations))
		}
	}
}

// ObserveTransform records a transform event
func (c *Collector) ObserveTransform(e lle.TransformEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	latencyMs := float64(e.Duration) / float64(time.Millisecond)
	c.recentMetrics.AvgTransformLatencyMs = (c.recentMetrics.AvgTransformLatencyMs + latencyMs) / 2
	c.recentMetrics.Timestamp = time.Now()

	if c.prometheusEnabled {
		c.transformLatency.Observe(latencyMs)
		if e.Err == nil {
			c.transformedPoints.Add(float64(e.Points))
		}
	}
}

// outcome labels a fit result by the error class that ended it.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, lle.ErrSingularLocalSystem):
		return "singular"
	case errors.Is(err, lle.ErrConvergence):
		return "convergence"
	case errors.Is(err, lle.ErrSolverUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

// GetRecentMetrics retrieves the most recent metrics
func (c *Collector) GetRecentMetrics() FitMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.recentMetrics
}

// GetRegistry returns the Prometheus registry
func (c *Collector) GetRegistry() *prometheus.Registry {
	return c.registry
}
