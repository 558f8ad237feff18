package api

import (
	"github.com/TFMV/manifold/pkg/metrics"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// metricsHandler returns a handler for the /metrics endpoint. It serves the
// collector's registry, or the default registry when collector is nil.
func metricsHandler(collector *metrics.Collector) fiber.Handler {
	h := promhttp.Handler()
	if collector != nil && collector.GetRegistry() != nil {
		h = promhttp.HandlerFor(collector.GetRegistry(), promhttp.HandlerOpts{})
	}
	handler := fasthttpadaptor.NewFastHTTPHandler(h)
	return func(c *fiber.Ctx) error {
		handler(c.Context())
		return nil
	}
}
