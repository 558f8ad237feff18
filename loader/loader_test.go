package loader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// Helper function to create temporary test files
func createTempFile(t *testing.T, content string, ext string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "testfile"+ext)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadJSONFile(t *testing.T) {
	logger := zap.NewNop()

	jsonFile := createTempFile(t, `[{"id":1,"vector":[0.1,0.2,0.3]},{"id":2,"vector":[0.4,0.5,0.6],"label":3}]`, ".json")
	records, err := LoadJSONFile(jsonFile, logger)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, int64(1), records[0].ID)
	assert.Equal(t, []float64{0.1, 0.2, 0.3}, records[0].Vector)
	assert.Nil(t, records[0].Label)
	require.NotNil(t, records[1].Label)
	assert.Equal(t, 3, *records[1].Label)
}

func TestLoadNDJSONFile(t *testing.T) {
	ndjson := "{\"id\":1,\"vector\":[1,2]}\nnot json\n\n{\"id\":2,\"vector\":[3,4]}\n"
	records, err := LoadJSONFile(createTempFile(t, ndjson, ".json"), zap.NewNop())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, []float64{3, 4}, records[1].Vector)
}

func TestLoadCSVFile(t *testing.T) {
	logger := zap.NewNop()

	csvData := "id,v1,v2,label\n1,0.1,0.2,0\n2,0.4,oops,1\n3,0.7,0.8,1\n"
	records, err := LoadCSVFile(createTempFile(t, csvData, ".csv"), logger)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, int64(1), records[0].ID)
	assert.Equal(t, []float64{0.1, 0.2}, records[0].Vector)
	assert.Equal(t, 1, *records[1].Label)

	_, err = LoadCSVFile(createTempFile(t, "a,b\n1,2\n", ".csv"), logger)
	assert.Error(t, err)
}

func TestParquetRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "points.parquet")
	points := mat.NewDense(3, 2, []float64{1, 2, 3, 4, 5, 6})
	require.NoError(t, WriteParquetFile(path, []int64{10, 20, 30}, points, nil))

	records, err := LoadParquetFile(path, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, int64(20), records[1].ID)
	assert.Equal(t, []float64{3, 4}, records[1].Vector)

	assert.Error(t, WriteParquetFile(path, []int64{1}, points, nil))
}

func TestLoadParquetFileInvalid(t *testing.T) {
	_, err := LoadParquetFile(createTempFile(t, "", ".parquet"), zap.NewNop())
	assert.Error(t, err)
}

func TestNewDataset(t *testing.T) {
	zero, one := 0, 1
	ds, err := NewDataset([]Record{
		{ID: 1, Vector: []float64{1, 2}, Label: &zero},
		{ID: 2, Vector: []float64{3, 4}, Label: &one},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ds.IDs)
	assert.Equal(t, []int{0, 1}, ds.Labels)
	assert.Equal(t, 4.0, ds.Points.At(1, 1))

	ds, err = NewDataset([]Record{
		{ID: 1, Vector: []float64{1, 2}, Label: &zero},
		{ID: 2, Vector: []float64{3, 4}},
	})
	require.NoError(t, err)
	assert.Nil(t, ds.Labels)

	_, err = NewDataset([]Record{{ID: 1, Vector: []float64{1}}, {ID: 2, Vector: []float64{1, 2}}})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	_, err = NewDataset(nil)
	assert.ErrorIs(t, err, ErrNoRecords)
}

func TestLoadDataset(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json"), []byte(`[{"id":1,"vector":[0.1,0.2,0.3]}]`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.csv"), []byte("id,v1,v2,v3\n2,0.4,0.5,0.6\n"), 0o644))
	require.NoError(t, WriteParquetFile(filepath.Join(dir, "c.parquet"), []int64{3}, mat.NewDense(1, 3, []float64{7, 8, 9}), nil))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("x"), 0o644))

	ds, err := LoadDataset(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, ds.IDs)
	r, c := ds.Points.Dims()
	assert.Equal(t, 3, r)
	assert.Equal(t, 3, c)
	assert.Equal(t, 9.0, ds.Points.At(2, 2))

	ds, err = LoadDataset(filepath.Join(dir, "b.csv"), zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, ds.IDs)

	_, err = LoadFile(filepath.Join(dir, "ignored.txt"), zap.NewNop())
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}
