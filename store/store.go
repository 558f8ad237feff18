// Package store persists embedding runs in DuckDB.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/TFMV/manifold/lle"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	_ "github.com/marcboeker/go-duckdb/v2"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrRunNotFound is returned when no run has the requested ID.
	ErrRunNotFound = errors.New("run not found")
	// ErrShape is returned when IDs, points and labels disagree in length.
	ErrShape = errors.New("ids, points and labels lengths don't match")
)

// Config contains configuration for the DuckDB store.
type Config struct {
	// Connection string (file path or empty for in-memory)
	ConnectionString string `mapstructure:"connection_string"`
	// TablePrefix is prepended to every table name
	TablePrefix string `mapstructure:"table_prefix"`
	// ReadOnly opens the database in read-only access mode
	ReadOnly bool `mapstructure:"read_only"`
	// MemoryLimit caps DuckDB memory, e.g. "4GB"
	MemoryLimit  string        `mapstructure:"memory_limit"`
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
	Logger       *zap.Logger   `mapstructure:"-"`
}

// DefaultConfig returns an in-memory configuration.
func DefaultConfig() Config {
	return Config{
		TablePrefix:  "manifold_",
		QueryTimeout: 30 * time.Second,
	}
}

// Run summarizes one fitted embedding.
type Run struct {
	ID                  uuid.UUID `json:"id"`
	CreatedAt           time.Time `json:"created_at"`
	Source              string    `json:"source"`
	NPoints             int       `json:"n_points"`
	InputDim            int       `json:"input_dim"`
	OutDim              int       `json:"out_dim"`
	NNeighbors          int       `json:"n_neighbors"`
	Solver              string    `json:"solver"`
	Iterations          int       `json:"iterations"`
	ReconstructionError float64   `json:"reconstruction_error"`
	Eigenvalues         []float64 `json:"eigenvalues"`
}

// NewRun describes a fitted model.
func NewRun(source string, model *lle.Model) Run {
	return Run{
		ID:                  uuid.New(),
		CreatedAt:           model.FittedAt().UTC(),
		Source:              source,
		NPoints:             model.Len(),
		InputDim:            model.InputDim(),
		OutDim:              model.OutDim(),
		NNeighbors:          model.NNeighbors(),
		Solver:              string(model.Solver()),
		Iterations:          model.Iterations(),
		ReconstructionError: model.ReconstructionError(),
		Eigenvalues:         model.Eigenvalues(),
	}
}

// Store keeps runs and their embedded points in DuckDB.
type Store struct {
	db     *sql.DB
	config Config
	log    *zap.Logger

	runTable   string
	pointTable string

	mu sync.RWMutex
}

// Open connects to DuckDB and creates the tables if they don't exist.
func Open(config Config) (*Store, error) {
	def := DefaultConfig()
	if config.TablePrefix == "" {
		config.TablePrefix = def.TablePrefix
	}
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = def.QueryTimeout
	}
	log := config.Logger
	if log == nil {
		log = zap.NewNop()
	}

	var params []string
	if config.ReadOnly {
		params = append(params, "access_mode=read_only")
	}
	if config.MemoryLimit != "" {
		params = append(params, fmt.Sprintf("memory_limit=%s", config.MemoryLimit))
	}
	dsn := config.ConnectionString
	if len(params) > 0 {
		dsn += "?" + strings.Join(params, "&")
	}

	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open DuckDB connection: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{
		db:         db,
		config:     config,
		log:        log,
		runTable:   config.TablePrefix + "runs",
		pointTable: config.TablePrefix + "points",
	}
	if !config.ReadOnly {
		if err := s.initTables(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize tables: %w", err)
		}
	}
	return s, nil
}

func (s *Store) initTables() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.QueryTimeout)
	defer cancel()

	createRuns := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id VARCHAR PRIMARY KEY,
			created_at BIGINT NOT NULL,
			source VARCHAR,
			n_points INTEGER NOT NULL,
			input_dim INTEGER NOT NULL,
			out_dim INTEGER NOT NULL,
			n_neighbors INTEGER NOT NULL,
			solver VARCHAR NOT NULL,
			iterations INTEGER NOT NULL,
			reconstruction_error DOUBLE NOT NULL,
			eigenvalues VARCHAR NOT NULL
		)
	`, s.runTable)
	if _, err := s.db.ExecContext(ctx, createRuns); err != nil {
		return fmt.Errorf("failed to create runs table: %w", err)
	}

	createPoints := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			run_id VARCHAR NOT NULL,
			row_num INTEGER NOT NULL,
			point_id BIGINT NOT NULL,
			label INTEGER,
			vector VARCHAR NOT NULL,
			PRIMARY KEY (run_id, row_num)
		)
	`, s.pointTable)
	if _, err := s.db.ExecContext(ctx, createPoints); err != nil {
		return fmt.Errorf("failed to create points table: %w", err)
	}
	return nil
}

// SaveRun stores a run and its embedded points in one transaction. labels
// may be nil.
func (s *Store) SaveRun(ctx context.Context, run Run, ids []int64, embedding mat.Matrix, labels []int) error {
	rows, _ := embedding.Dims()
	if len(ids) != rows || (labels != nil && len(labels) != rows) {
		return ErrShape
	}
	eigenvalues, err := sonic.MarshalString(run.Eigenvalues)
	if err != nil {
		return fmt.Errorf("failed to marshal eigenvalues: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.config.QueryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	insertRun := fmt.Sprintf(`
		INSERT INTO %s (id, created_at, source, n_points, input_dim, out_dim,
			n_neighbors, solver, iterations, reconstruction_error, eigenvalues)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.runTable)
	if _, err := tx.ExecContext(ctx, insertRun,
		run.ID.String(), run.CreatedAt.UnixMicro(), run.Source, run.NPoints, run.InputDim, run.OutDim,
		run.NNeighbors, run.Solver, run.Iterations, run.ReconstructionError, eigenvalues,
	); err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (run_id, row_num, point_id, label, vector) VALUES (?, ?, ?, ?, ?)`, s.pointTable))
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for i, id := range ids {
		vector, err := sonic.MarshalString(mat.Row(nil, i, embedding))
		if err != nil {
			return fmt.Errorf("failed to marshal vector: %w", err)
		}
		var label sql.NullInt64
		if labels != nil {
			label = sql.NullInt64{Int64: int64(labels[i]), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, run.ID.String(), i, id, label, vector); err != nil {
			return fmt.Errorf("failed to save point %d: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Debug("Saved run", zap.String("id", run.ID.String()), zap.Int("points", len(ids)))
	return nil
}

const runColumns = `id, created_at, source, n_points, input_dim, out_dim,
	n_neighbors, solver, iterations, reconstruction_error, eigenvalues`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var (
		run         Run
		id          string
		createdAt   int64
		source      sql.NullString
		eigenvalues string
	)
	if err := row.Scan(&id, &createdAt, &source, &run.NPoints, &run.InputDim, &run.OutDim,
		&run.NNeighbors, &run.Solver, &run.Iterations, &run.ReconstructionError, &eigenvalues); err != nil {
		return Run{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return Run{}, fmt.Errorf("invalid run id %q: %w", id, err)
	}
	run.ID = parsed
	run.CreatedAt = time.UnixMicro(createdAt).UTC()
	run.Source = source.String
	if err := sonic.UnmarshalString(eigenvalues, &run.Eigenvalues); err != nil {
		return Run{}, fmt.Errorf("failed to unmarshal eigenvalues: %w", err)
	}
	return run, nil
}

// GetRun returns the run with the given ID.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, s.config.QueryTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, runColumns, s.runTable), id.String())
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return Run{}, fmt.Errorf("failed to query run: %w", err)
	}
	return run, nil
}

// ListRuns returns every run, newest first.
func (s *Store) ListRuns(ctx context.Context) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, s.config.QueryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s ORDER BY created_at DESC, id`, runColumns, s.runTable))
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// LoadEmbedding returns the point IDs, embedded points and labels of a run.
// Labels are nil unless every point has one.
func (s *Store) LoadEmbedding(ctx context.Context, id uuid.UUID) ([]int64, *mat.Dense, []int, error) {
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, s.config.QueryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT point_id, label, vector FROM %s WHERE run_id = ? ORDER BY row_num`, s.pointTable), id.String())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to query points: %w", err)
	}
	defer rows.Close()

	ids := make([]int64, 0, run.NPoints)
	labels := make([]int, 0, run.NPoints)
	data := make([]float64, 0, run.NPoints*run.OutDim)
	labeled := true
	for rows.Next() {
		var (
			pointID int64
			label   sql.NullInt64
			raw     string
			vector  []float64
		)
		if err := rows.Scan(&pointID, &label, &raw); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to scan point: %w", err)
		}
		if err := sonic.UnmarshalString(raw, &vector); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to unmarshal vector: %w", err)
		}
		if len(vector) != run.OutDim {
			return nil, nil, nil, fmt.Errorf("%w: point %d has %d values, want %d", ErrShape, pointID, len(vector), run.OutDim)
		}
		ids = append(ids, pointID)
		labels = append(labels, int(label.Int64))
		labeled = labeled && label.Valid
		data = append(data, vector...)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, nil, err
	}
	if len(ids) == 0 {
		return nil, nil, nil, fmt.Errorf("%w: %s has no points", ErrRunNotFound, id)
	}
	if !labeled {
		labels = nil
	}
	return ids, mat.NewDense(len(ids), run.OutDim, data), labels, nil
}

// DeleteRun removes a run and its points.
func (s *Store) DeleteRun(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.config.QueryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE run_id = ?`, s.pointTable), id.String()); err != nil {
		return fmt.Errorf("failed to delete points: %w", err)
	}
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, s.runTable), id.String())
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return tx.Commit()
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
