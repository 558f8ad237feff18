package loader

import (
	"errors"
	"fmt"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

var errMissingColumns = errors.New("missing id or vector column")

// pointSchema describes d-dimensional points, optionally labeled.
func pointSchema(d int, labeled bool) *arrow.Schema {
	fields := []arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "vector", Type: arrow.FixedSizeListOf(int32(d), arrow.PrimitiveTypes.Float64)},
	}
	if labeled {
		fields = append(fields, arrow.Field{Name: "label", Type: arrow.PrimitiveTypes.Int64})
	}
	return arrow.NewSchema(fields, nil)
}

// newPointRecord builds one record holding every point. A nil ids slice
// numbers rows from zero; nil labels omit the label column.
func newPointRecord(mem memory.Allocator, ids []int64, points mat.Matrix, labels []int) arrow.Record {
	n, d := points.Dims()
	rb := array.NewRecordBuilder(mem, pointSchema(d, labels != nil))
	defer rb.Release()

	idBuilder := rb.Field(0).(*array.Int64Builder)
	listBuilder := rb.Field(1).(*array.FixedSizeListBuilder)
	valueBuilder := listBuilder.ValueBuilder().(*array.Float64Builder)
	row := make([]float64, d)
	for i := 0; i < n; i++ {
		id := int64(i)
		if ids != nil {
			id = ids[i]
		}
		idBuilder.Append(id)
		listBuilder.Append(true)
		valueBuilder.AppendValues(mat.Row(row, i, points), nil)
	}
	if labels != nil {
		labelBuilder := rb.Field(2).(*array.Int64Builder)
		for _, l := range labels {
			labelBuilder.Append(int64(l))
		}
	}
	return rb.NewRecord()
}

// appendRecords decodes the id, vector and optional label columns of rec.
func appendRecords(records []Record, rec arrow.Record) ([]Record, error) {
	schema := rec.Schema()
	idCol, vecCol, labelCol := fieldIndex(schema, "id"), fieldIndex(schema, "vector"), fieldIndex(schema, "label")
	if idCol < 0 || vecCol < 0 {
		return nil, errMissingColumns
	}
	lists, ok := rec.Column(vecCol).(array.ListLike)
	if !ok {
		return nil, fmt.Errorf("column vector has type %s, want a list", rec.Column(vecCol).DataType())
	}
	for i := 0; i < int(rec.NumRows()); i++ {
		id, err := intValue(rec.Column(idCol), i)
		if err != nil {
			return nil, fmt.Errorf("column id: %w", err)
		}
		start, end := lists.ValueOffsets(i)
		vec, err := floatValues(lists.ListValues(), int(start), int(end))
		if err != nil {
			return nil, fmt.Errorf("column vector: %w", err)
		}
		r := Record{ID: id, Vector: vec}
		if labelCol >= 0 && rec.Column(labelCol).IsValid(i) {
			label, err := intValue(rec.Column(labelCol), i)
			if err != nil {
				return nil, fmt.Errorf("column label: %w", err)
			}
			l := int(label)
			r.Label = &l
		}
		records = append(records, r)
	}
	return records, nil
}

// WriteArrowFile writes points as an Arrow IPC file with id, vector and,
// when labels is non-nil, label columns.
func WriteArrowFile(path string, ids []int64, points mat.Matrix, labels []int) error {
	n, d := points.Dims()
	if (ids != nil && len(ids) != n) || (labels != nil && len(labels) != n) {
		return fmt.Errorf("%w: %d ids and %d labels for %d points", ErrDimensionMismatch, len(ids), len(labels), n)
	}

	mem := memory.NewGoAllocator()
	rec := newPointRecord(mem, ids, points, labels)
	defer rec.Release()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create arrow file %s: %w", path, err)
	}
	defer f.Close()

	w, err := ipc.NewFileWriter(f, ipc.WithSchema(pointSchema(d, labels != nil)), ipc.WithAllocator(mem))
	if err != nil {
		return fmt.Errorf("failed to create arrow writer: %w", err)
	}
	if err := w.Write(rec); err != nil {
		w.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close arrow writer: %w", err)
	}
	return nil
}

// LoadArrowFile reads records from an Arrow IPC file with the same columns
// as LoadParquetFile.
func LoadArrowFile(path string, logger *zap.Logger) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open arrow file %s: %w", path, err)
	}
	defer f.Close()

	r, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("failed to create arrow reader: %w", err)
	}
	defer r.Close()

	var records []Record
	for i := 0; i < r.NumRecords(); i++ {
		rec, err := r.Record(i)
		if err != nil {
			return nil, fmt.Errorf("failed to read record batch %d: %w", i, err)
		}
		if records, err = appendRecords(records, rec); err != nil {
			return nil, fmt.Errorf("arrow file %s: %w", path, err)
		}
	}

	logger.Debug("Loaded arrow file", zap.String("file", path), zap.Int("records", len(records)))
	return records, nil
}
