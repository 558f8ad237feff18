package api

import (
	"errors"
	"fmt"
	"time"

	"github.com/TFMV/manifold/eigen"
	"github.com/TFMV/manifold/lle"
	"github.com/TFMV/manifold/neighbors"
	"github.com/TFMV/manifold/pkg/vectortypes"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
}

// FitRequest creates a model. Zero fields keep the server defaults.
type FitRequest struct {
	Points     [][]float64 `json:"points"`
	NNeighbors int         `json:"n_neighbors,omitempty"`
	OutDim     int         `json:"out_dim,omitempty"`
	Reg        float64     `json:"reg,omitempty"`
	Solver     string      `json:"solver,omitempty"`
	Neighbors  string      `json:"neighbors,omitempty"`
	Distance   string      `json:"distance,omitempty"`
}

// TransformRequest maps new points through a model.
type TransformRequest struct {
	Points [][]float64 `json:"points"`
}

// ModelResponse describes a stored model.
type ModelResponse struct {
	ID                  string      `json:"id"`
	CreatedAt           time.Time   `json:"created_at"`
	FittedAt            time.Time   `json:"fitted_at"`
	NPoints             int         `json:"n_points"`
	InputDim            int         `json:"input_dim"`
	OutDim              int         `json:"out_dim"`
	NNeighbors          int         `json:"n_neighbors"`
	Solver              string      `json:"solver"`
	Iterations          int         `json:"iterations"`
	ReconstructionError float64     `json:"reconstruction_error"`
	Eigenvalues         []float64   `json:"eigenvalues"`
	Embedding           [][]float64 `json:"embedding,omitempty"`
}

// TransformResponse holds the mapped points.
type TransformResponse struct {
	Embedding [][]float64 `json:"embedding"`
}

// SolverInfo reports whether an eigensolver strategy is linked in.
type SolverInfo struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
}

func (s *Server) createModelHandler(c *fiber.Ctx) error {
	var req FitRequest
	if err := c.BodyParser(&req); err != nil {
		s.log.Error("Failed to parse request body", zap.Error(err))
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	points, err := s.toDense(req.Points)
	if err != nil {
		return fiber.NewError(statusFor(err), err.Error())
	}

	config := s.defaults
	if req.NNeighbors != 0 {
		config.NNeighbors = req.NNeighbors
	}
	if req.OutDim != 0 {
		config.OutDim = req.OutDim
	}
	if req.Reg != 0 {
		config.Reg = req.Reg
	}
	if req.Solver != "" {
		config.Solver = eigen.Strategy(req.Solver)
	}
	if req.Neighbors != "" {
		config.Neighbors.Algorithm = neighbors.Algorithm(req.Neighbors)
		if config.Neighbors.Algorithm != neighbors.Exact && config.Neighbors.Algorithm != neighbors.HNSW {
			return fiber.NewError(fiber.StatusBadRequest, "unknown neighbor algorithm "+req.Neighbors)
		}
	}
	if req.Distance != "" {
		config.Neighbors.Distance = vectortypes.DistanceType(req.Distance)
	}

	estimator, err := lle.New(config)
	if err != nil {
		return fiber.NewError(statusFor(err), err.Error())
	}
	if err := estimator.Fit(points); err != nil {
		return fiber.NewError(statusFor(err), err.Error())
	}

	e, err := s.models.add(estimator)
	if err != nil {
		return fiber.NewError(statusFor(err), err.Error())
	}
	s.log.Info("Model created", zap.String("id", e.id.String()))

	resp, err := describe(e, true)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(resp)
}

func (s *Server) getModelHandler(c *fiber.Ctx) error {
	e, err := s.models.get(c.Params("id"))
	if err != nil {
		return fiber.NewError(statusFor(err), err.Error())
	}
	resp, err := describe(e, c.QueryBool("embedding", true))
	if err != nil {
		return err
	}
	return c.JSON(resp)
}

func (s *Server) listModelsHandler(c *fiber.Ctx) error {
	entries := s.models.list()
	out := make([]ModelResponse, 0, len(entries))
	for _, e := range entries {
		resp, err := describe(e, false)
		if err != nil {
			return err
		}
		out = append(out, resp)
	}
	return c.JSON(fiber.Map{"models": out})
}

func (s *Server) deleteModelHandler(c *fiber.Ctx) error {
	if err := s.models.remove(c.Params("id")); err != nil {
		return fiber.NewError(statusFor(err), err.Error())
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) transformHandler(c *fiber.Ctx) error {
	e, err := s.models.get(c.Params("id"))
	if err != nil {
		return fiber.NewError(statusFor(err), err.Error())
	}
	var req TransformRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	points, err := s.toDense(req.Points)
	if err != nil {
		return fiber.NewError(statusFor(err), err.Error())
	}
	out, err := e.estimator.Transform(points)
	if err != nil {
		return fiber.NewError(statusFor(err), err.Error())
	}
	return c.JSON(TransformResponse{Embedding: fromDense(out)})
}

func solversHandler(c *fiber.Ctx) error {
	strategies := []eigen.Strategy{eigen.Auto, eigen.Dense, eigen.ShiftInvert, eigen.LOBPCG}
	out := make([]SolverInfo, len(strategies))
	for i, s := range strategies {
		out[i] = SolverInfo{
			Name:      string(s),
			Available: s == eigen.Auto || eigen.IsAvailable(s),
		}
	}
	return c.JSON(fiber.Map{"solvers": out})
}

func describe(e *entry, withEmbedding bool) (ModelResponse, error) {
	model, err := e.estimator.Model()
	if err != nil {
		return ModelResponse{}, err
	}
	resp := ModelResponse{
		ID:                  e.id.String(),
		CreatedAt:           e.createdAt,
		FittedAt:            model.FittedAt(),
		NPoints:             model.Len(),
		InputDim:            model.InputDim(),
		OutDim:              model.OutDim(),
		NNeighbors:          model.NNeighbors(),
		Solver:              string(model.Solver()),
		Iterations:          model.Iterations(),
		ReconstructionError: model.ReconstructionError(),
		Eigenvalues:         model.Eigenvalues(),
	}
	if withEmbedding {
		resp.Embedding = fromDense(model.Embedding())
	}
	return resp, nil
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errModelNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, errRegistryFull):
		return fiber.StatusInsufficientStorage
	case errors.Is(err, errTooManyPoints), errors.Is(err, lle.ErrTooManyPoints):
		return fiber.StatusRequestEntityTooLarge
	case errors.Is(err, lle.ErrSolverUnavailable):
		return fiber.StatusNotImplemented
	case errors.Is(err, lle.ErrSingularLocalSystem), errors.Is(err, lle.ErrConvergence):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, lle.ErrNotFitted):
		return fiber.StatusConflict
	case errors.Is(err, lle.ErrInvalidNeighborCount),
		errors.Is(err, lle.ErrNotEnoughPoints),
		errors.Is(err, lle.ErrDimensionMismatch),
		errors.Is(err, lle.ErrInvalidInput),
		errors.Is(err, lle.ErrInvalidConfig),
		errors.Is(err, vectortypes.ErrUnknownDistance),
		errors.Is(err, errRagged):
		return fiber.StatusBadRequest
	default:
		return fiber.StatusInternalServerError
	}
}

var (
	errRagged        = errors.New("points must be a non-empty rectangular array")
	errTooManyPoints = errors.New("too many points")
)

// toDense converts request points, enforcing the server's point limit.
func (s *Server) toDense(rows [][]float64) (*mat.Dense, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, errRagged
	}
	if len(rows) > s.maxPoints {
		return nil, fmt.Errorf("%w: %d points, limit is %d", errTooManyPoints, len(rows), s.maxPoints)
	}
	d := len(rows[0])
	out := mat.NewDense(len(rows), d, nil)
	for i, row := range rows {
		if len(row) != d {
			return nil, errRagged
		}
		out.SetRow(i, row)
	}
	return out, nil
}

func fromDense(m *mat.Dense) [][]float64 {
	r, _ := m.Dims()
	out := make([][]float64, r)
	for i := range out {
		out[i] = mat.Row(nil, i, m)
	}
	return out
}
