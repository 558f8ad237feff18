// Package api serves locally linear embedding over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/TFMV/manifold/lle"
	"github.com/TFMV/manifold/pkg/metrics"
	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"
)

// ServerOptions defines the configuration for the server.
type ServerOptions struct {
	Port    string `mapstructure:"port"`
	Prefork bool   `mapstructure:"prefork"`
	// RateLimit is the per-client request rate; zero disables limiting
	RateLimit float64 `mapstructure:"rate_limit"`
	// Burst is the per-client burst size
	Burst int `mapstructure:"burst"`
	// MaxModels bounds the number of stored models; zero means unbounded
	MaxModels int `mapstructure:"max_models"`
	// BodyLimit is the maximum request body size in bytes
	BodyLimit int `mapstructure:"body_limit"`
	// MaxPoints bounds the points of a single fit or transform request
	MaxPoints int `mapstructure:"max_points"`
	// MaxDensePoints bounds the points the dense eigensolver accepts
	MaxDensePoints int `mapstructure:"max_dense_points"`
}

// DefaultServerOptions returns the default server options.
func DefaultServerOptions() ServerOptions {
	// A dense fit holds an N×N float64 matrix, 200MB at MaxDensePoints.
	return ServerOptions{
		Port:           "8080",
		RateLimit:      10,
		Burst:          20,
		MaxModels:      64,
		BodyLimit:      64 * 1024 * 1024,
		MaxPoints:      20000,
		MaxDensePoints: 5000,
	}
}

// Server holds the Fiber app instance
type Server struct {
	app       *fiber.App
	log       *zap.Logger
	port      string
	maxPoints int
	defaults  lle.Config
	models    *registry
	collector *metrics.Collector
}

// NewServer initializes a Fiber app serving models fitted with the given
// default configuration. A nil collector disables the /metrics registry and
// estimator observation.
func NewServer(opts ServerOptions, defaults lle.Config, collector *metrics.Collector, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultServerOptions()
	if opts.BodyLimit <= 0 {
		opts.BodyLimit = def.BodyLimit
	}
	if opts.MaxPoints <= 0 {
		opts.MaxPoints = def.MaxPoints
	}
	if opts.MaxDensePoints <= 0 {
		opts.MaxDensePoints = def.MaxDensePoints
	}
	if defaults.MaxDensePoints == 0 || defaults.MaxDensePoints > opts.MaxDensePoints {
		defaults.MaxDensePoints = opts.MaxDensePoints
	}
	defaults.Logger = logger
	if collector != nil {
		defaults.Observer = collector
	}

	app := fiber.New(fiber.Config{
		IdleTimeout:   10 * time.Second,
		ReadTimeout:   30 * time.Second,
		WriteTimeout:  30 * time.Second,
		Prefork:       opts.Prefork,
		BodyLimit:     opts.BodyLimit,
		ErrorHandler:  customErrorHandler(logger),
		CaseSensitive: true,
		StrictRouting: true,
		JSONEncoder:   sonic.Marshal,
		JSONDecoder:   sonic.Unmarshal,
	})

	server := &Server{
		app:       app,
		log:       logger,
		port:      opts.Port,
		maxPoints: opts.MaxPoints,
		defaults:  defaults,
		models:    newRegistry(opts.MaxModels),
		collector: collector,
	}

	app.Use(recover.New())
	app.Use(customLoggingMiddleware(logger))
	if opts.RateLimit > 0 {
		app.Use(rateLimiter(opts.RateLimit, opts.Burst))
	}

	app.Get("/health", healthCheckHandler(logger))
	app.Get("/metrics", metricsHandler(collector))

	v1 := app.Group("/api/v1")
	v1.Get("/solvers", solversHandler)
	v1.Get("/models", server.listModelsHandler)
	v1.Post("/models", server.createModelHandler)
	v1.Get("/models/:id", server.getModelHandler)
	v1.Delete("/models/:id", server.deleteModelHandler)
	v1.Post("/models/:id/transform", server.transformHandler)

	return server
}

// customErrorHandler provides structured error handling
func customErrorHandler(log *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		message := "Internal Server Error"

		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
			message = fe.Message
		}

		log.Error("Request failed",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", code),
			zap.Error(err),
		)

		return c.Status(code).JSON(ErrorResponse{Error: true, Message: message})
	}
}

// healthCheckHandler returns a simple health check response
func healthCheckHandler(log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		log.Debug("Health check requested")
		return c.JSON(fiber.Map{
			"status": "ok",
			"time":   time.Now().Format(time.RFC3339),
		})
	}
}

// customLoggingMiddleware logs requests in a structured format
func customLoggingMiddleware(log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		duration := time.Since(start)

		// Ensure status is set to avoid misleading logs
		status := c.Response().StatusCode()
		if status == 0 {
			status = fiber.StatusInternalServerError
		}

		fields := []zap.Field{
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Duration("duration", duration),
			zap.String("client_ip", c.IP()),
		}
		if err != nil {
			fields = append(fields, zap.Error(err))
		}

		log.Info("Request handled", fields...)
		return err
	}
}

// Start runs the Fiber server and handles graceful shutdown
func (s *Server) Start() error {
	if s.port == "" {
		s.port = DefaultServerOptions().Port
	}

	addr := fmt.Sprintf(":%s", s.port)
	s.log.Info("Starting server", zap.String("address", addr))

	idleConnsClosed := make(chan error, 1)

	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		s.log.Info("Shutdown signal received")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.Shutdown(ctx); err != nil {
			idleConnsClosed <- fmt.Errorf("server shutdown error: %w", err)
			return
		}
		idleConnsClosed <- nil
	}()

	serverErr := make(chan error, 1)
	go func() {
		if err := s.app.Listen(addr); err != nil {
			serverErr <- fmt.Errorf("server startup error: %w", err)
		}
	}()

	select {
	case err := <-idleConnsClosed:
		if err != nil {
			s.log.Error("Shutdown error", zap.Error(err))
			return err
		}
	case err := <-serverErr:
		s.log.Error("Startup error", zap.Error(err))
		return err
	}

	s.log.Info("Server stopped")
	return nil
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Warn("Server is shutting down...")
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		s.log.Error("Fiber shutdown error", zap.Error(err))
		return fmt.Errorf("fiber shutdown error: %w", err)
	}
	return nil
}

// GetApp returns the underlying Fiber app
func (s *Server) GetApp() *fiber.App {
	return s.app
}
