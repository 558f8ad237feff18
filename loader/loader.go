// Package loader reads point clouds from CSV, JSON, Parquet and Arrow IPC
// files and writes embeddings back out as Parquet or Arrow IPC.
package loader

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/bytedance/sonic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrDimensionMismatch is returned when records disagree in length.
	ErrDimensionMismatch = errors.New("records have different dimensions")
	// ErrNoRecords is returned when nothing could be loaded.
	ErrNoRecords = errors.New("no records loaded")
	// ErrUnsupportedFormat is returned for unknown file extensions.
	ErrUnsupportedFormat = errors.New("unsupported file format")
)

// Record is one point of a data file.
type Record struct {
	ID     int64     `json:"id"`
	Vector []float64 `json:"vector"`
	Label  *int      `json:"label,omitempty"`
}

// Dataset is a loaded point cloud.
type Dataset struct {
	// IDs holds the record ID of every row
	IDs []int64
	// Points holds one point per row
	Points *mat.Dense
	// Labels is nil unless every record carries a label
	Labels []int
}

// NewDataset stacks records into a Dataset.
func NewDataset(records []Record) (*Dataset, error) {
	if len(records) == 0 {
		return nil, ErrNoRecords
	}
	dim := len(records[0].Vector)
	if dim == 0 {
		return nil, fmt.Errorf("%w: record %d has an empty vector", ErrDimensionMismatch, records[0].ID)
	}

	ds := &Dataset{
		IDs:    make([]int64, len(records)),
		Points: mat.NewDense(len(records), dim, nil),
	}
	labeled := 0
	for i, r := range records {
		if len(r.Vector) != dim {
			return nil, fmt.Errorf("%w: record %d has %d values, want %d", ErrDimensionMismatch, r.ID, len(r.Vector), dim)
		}
		ds.IDs[i] = r.ID
		ds.Points.SetRow(i, r.Vector)
		if r.Label != nil {
			labeled++
		}
	}
	if labeled == len(records) {
		ds.Labels = make([]int, len(records))
		for i, r := range records {
			ds.Labels[i] = *r.Label
		}
	}
	return ds, nil
}

// LoadJSONFile decodes a JSON array of records, falling back to
// newline-delimited JSON.
func LoadJSONFile(path string, logger *zap.Logger) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read JSON file %s: %w", path, err)
	}

	var records []Record
	if err := sonic.Unmarshal(data, &records); err == nil {
		return records, nil
	}

	// Fallback to newline-delimited JSON
	records = nil
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var r Record
		if err := sonic.Unmarshal(line, &r); err != nil {
			logger.Warn("failed to parse JSON line", zap.String("line", scanner.Text()), zap.Error(err))
			continue
		}
		records = append(records, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed scanning JSON file %s: %w", path, err)
	}
	return records, nil
}

// LoadCSVFile reads a CSV file with a header row. The "id" column holds the
// record ID, an optional "label" column holds an integer class, and every
// other column is a coordinate.
func LoadCSVFile(path string, logger *zap.Logger) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open CSV file %s: %w", path, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header from %s: %w", path, err)
	}
	idCol, labelCol := -1, -1
	var valueCols []int
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "id":
			idCol = i
		case "label":
			labelCol = i
		default:
			valueCols = append(valueCols, i)
		}
	}
	if idCol < 0 || len(valueCols) == 0 {
		return nil, fmt.Errorf("CSV file %s must have an id column and at least one value column", path)
	}

	var records []Record
	for line := 2; ; line++ {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading CSV file %s: %w", path, err)
		}

		id, err := strconv.ParseInt(row[idCol], 10, 64)
		if err != nil {
			logger.Warn("failed to parse CSV id", zap.Int("line", line), zap.String("value", row[idCol]), zap.Error(err))
			continue
		}
		r := Record{ID: id, Vector: make([]float64, len(valueCols))}
		ok := true
		for j, c := range valueCols {
			if r.Vector[j], err = strconv.ParseFloat(row[c], 64); err != nil {
				logger.Warn("failed to parse CSV value", zap.Int("line", line), zap.String("value", row[c]), zap.Error(err))
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		if labelCol >= 0 {
			label, err := strconv.Atoi(row[labelCol])
			if err != nil {
				logger.Warn("failed to parse CSV label", zap.Int("line", line), zap.String("value", row[labelCol]), zap.Error(err))
				continue
			}
			r.Label = &label
		}
		records = append(records, r)
	}

	return records, nil
}

// LoadParquetFile reads records from a Parquet file with an integer "id"
// column, a "vector" list column of float32 or float64 values and an optional
// integer "label" column.
func LoadParquetFile(path string, logger *zap.Logger) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet file %s: %w", path, err)
	}
	defer f.Close()

	reader, err := file.NewParquetReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet file reader: %w", err)
	}
	defer reader.Close()

	pr, err := pqarrow.NewFileReader(reader, pqarrow.ArrowReadProperties{
		Parallel:  true,
		BatchSize: 1000,
	}, memory.NewGoAllocator())
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet reader: %w", err)
	}

	table, err := pr.ReadTable(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to read parquet as table: %w", err)
	}
	defer table.Release()

	if fieldIndex(table.Schema(), "id") < 0 || fieldIndex(table.Schema(), "vector") < 0 {
		return nil, fmt.Errorf("parquet file %s must have id and vector columns", path)
	}

	records := make([]Record, 0, table.NumRows())
	tr := array.NewTableReader(table, 1024)
	defer tr.Release()
	for tr.Next() {
		if records, err = appendRecords(records, tr.Record()); err != nil {
			return nil, fmt.Errorf("parquet file %s: %w", path, err)
		}
	}
	if err := tr.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate parquet table: %w", err)
	}

	logger.Debug("Loaded parquet file", zap.String("file", path), zap.Int("records", len(records)))
	return records, nil
}

func fieldIndex(schema *arrow.Schema, name string) int {
	if idx := schema.FieldIndices(name); len(idx) > 0 {
		return idx[0]
	}
	return -1
}

func intValue(arr arrow.Array, i int) (int64, error) {
	switch a := arr.(type) {
	case *array.Int64:
		return a.Value(i), nil
	case *array.Int32:
		return int64(a.Value(i)), nil
	case *array.Uint64:
		return int64(a.Value(i)), nil
	default:
		return 0, fmt.Errorf("unsupported integer type %s", arr.DataType())
	}
}

func floatValues(arr arrow.Array, start, end int) ([]float64, error) {
	out := make([]float64, 0, end-start)
	switch a := arr.(type) {
	case *array.Float64:
		out = append(out, a.Float64Values()[start:end]...)
	case *array.Float32:
		for _, v := range a.Float32Values()[start:end] {
			out = append(out, float64(v))
		}
	default:
		return nil, fmt.Errorf("unsupported value type %s", arr.DataType())
	}
	return out, nil
}

// WriteParquetFile writes one row per point with its ID and coordinates. A
// nil ids slice numbers rows from zero; nil labels omit the label column.
func WriteParquetFile(path string, ids []int64, points mat.Matrix, labels []int) error {
	n, _ := points.Dims()
	if (ids != nil && len(ids) != n) || (labels != nil && len(labels) != n) {
		return fmt.Errorf("%w: %d ids and %d labels for %d points", ErrDimensionMismatch, len(ids), len(labels), n)
	}

	rec := newPointRecord(memory.NewGoAllocator(), ids, points, labels)
	defer rec.Release()
	table := array.NewTableFromRecords(rec.Schema(), []arrow.Record{rec})
	defer table.Release()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create parquet file %s: %w", path, err)
	}
	defer f.Close()

	if err := pqarrow.WriteTable(table, f, 1024, parquet.NewWriterProperties(), pqarrow.DefaultWriterProps()); err != nil {
		return fmt.Errorf("failed to write parquet file %s: %w", path, err)
	}
	return nil
}

// LoadFile loads records from path according to its extension.
func LoadFile(path string, logger *zap.Logger) ([]Record, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".parquet":
		return LoadParquetFile(path, logger)
	case ".csv":
		return LoadCSVFile(path, logger)
	case ".json", ".ndjson":
		return LoadJSONFile(path, logger)
	case ".arrow", ".ipc":
		return LoadArrowFile(path, logger)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

// LoadDataset loads a file or every supported file in a directory into a
// Dataset.
func LoadDataset(path string, logger *zap.Logger) (*Dataset, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	var records []Record
	if info.IsDir() {
		records, err = LoadFilesFromDirectory(path, logger)
	} else {
		records, err = LoadFile(path, logger)
	}
	if err != nil {
		return nil, err
	}
	return NewDataset(records)
}

// LoadFilesFromDirectory scans dir for Parquet, Arrow, CSV and JSON files and
// loads them concurrently. Records are returned in file name order.
func LoadFilesFromDirectory(dir string, logger *zap.Logger) ([]Record, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".parquet", ".arrow", ".ipc", ".csv", ".json", ".ndjson":
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(paths)

	results := make([][]Record, len(paths))
	var eg errgroup.Group
	// Limit concurrency to 10 simultaneous file loaders.
	eg.SetLimit(10)
	for i, filePath := range paths {
		eg.Go(func() error {
			logger.Info("Loading file", zap.String("file", filePath))
			records, err := LoadFile(filePath, logger)
			if err != nil {
				logger.Error("Failed to load file", zap.String("file", filePath), zap.Error(err))
				return err
			}
			results[i] = records
			logger.Info("Finished loading file", zap.String("file", filePath), zap.Int("records", len(records)))
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var all []Record
	for _, records := range results {
		all = append(all, records...)
	}
	return all, nil
}
