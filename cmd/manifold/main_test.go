package main

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/TFMV/manifold/loader"
	"github.com/TFMV/manifold/store"
	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// execute runs the root command with an isolated home directory and
// returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// writeSheet writes a curved 8×8 grid as CSV.
func writeSheet(t *testing.T) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("id,x,y,z\n")
	id := 0
	for i := 0; i < 8; i++ {
		for j := 0; j < 8; j++ {
			x, y := float64(i), float64(j)
			fmt.Fprintf(&b, "%d,%g,%g,%g\n", id, x, y, 0.05*(x-3.5)*(x-3.5))
			id++
		}
	}
	path := filepath.Join(t.TempDir(), "sheet.csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func decodeRecords(t *testing.T, raw []byte) []loader.Record {
	t.Helper()
	var records []loader.Record
	require.NoError(t, sonic.Unmarshal(raw, &records))
	return records
}

func TestEmbedToStdout(t *testing.T) {
	out, err := execute(t, "embed", writeSheet(t), "-k", "6", "--solver", "dense")
	require.NoError(t, err)

	records := decodeRecords(t, []byte(out))
	require.Len(t, records, 64)
	for i, r := range records {
		assert.Equal(t, int64(i), r.ID)
		assert.Len(t, r.Vector, 2)
		assert.Nil(t, r.Label)
	}
}

func TestEmbedToFiles(t *testing.T) {
	input := writeSheet(t)
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "out.json")
	_, err := execute(t, "embed", input, "-o", jsonPath, "--dim", "1")
	require.NoError(t, err)
	raw, err := os.ReadFile(jsonPath)
	require.NoError(t, err)
	records := decodeRecords(t, raw)
	require.Len(t, records, 64)
	assert.Len(t, records[0].Vector, 1)

	parquetPath := filepath.Join(dir, "out.parquet")
	_, err = execute(t, "embed", input, "-o", parquetPath)
	require.NoError(t, err)
	records, err = loader.LoadParquetFile(parquetPath, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, records, 64)
	assert.Len(t, records[63].Vector, 2)
	assert.Equal(t, int64(63), records[63].ID)

	arrowPath := filepath.Join(dir, "out.arrow")
	_, err = execute(t, "embed", input, "-o", arrowPath)
	require.NoError(t, err)
	records, err = loader.LoadArrowFile(arrowPath, zap.NewNop())
	require.NoError(t, err)
	assert.Len(t, records, 64)

	_, err = execute(t, "embed", input, "-o", filepath.Join(dir, "out.txt"))
	assert.ErrorIs(t, err, loader.ErrUnsupportedFormat)
}

func TestEmbedReadsConfigAndEnvironment(t *testing.T) {
	input := writeSheet(t)
	cfg := filepath.Join(t.TempDir(), "manifold.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("lle:\n  n_neighbors: 7\n  out_dim: 3\n  solver: dense\n"), 0o644))

	out, err := execute(t, "--config", cfg, "embed", input)
	require.NoError(t, err)
	records := decodeRecords(t, []byte(out))
	assert.Len(t, records[0].Vector, 3)

	// Flags override the file.
	out, err = execute(t, "--config", cfg, "embed", input, "--dim", "1")
	require.NoError(t, err)
	records = decodeRecords(t, []byte(out))
	assert.Len(t, records[0].Vector, 1)

	t.Setenv("MANIFOLD_LLE_OUT_DIM", "1")
	out, err = execute(t, "embed", input)
	require.NoError(t, err)
	records = decodeRecords(t, []byte(out))
	assert.Len(t, records[0].Vector, 1)
}

func TestEmbedErrors(t *testing.T) {
	_, err := execute(t, "embed", filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)

	_, err = execute(t, "embed", writeSheet(t), "-k", "0")
	assert.Error(t, err)

	_, err = execute(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "version")
	assert.Error(t, err)
}

func TestEvaluate(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	centers := [][]float64{{0, 0, 0, 0}, {6, 6, 0, 0}, {0, 6, 6, 0}}
	var b strings.Builder
	b.WriteString("id,a,b,c,d,label\n")
	for i := 0; i < 90; i++ {
		label := i % 3
		c := centers[label]
		fmt.Fprintf(&b, "%d,%g,%g,%g,%g,%d\n", i,
			c[0]+rng.NormFloat64()*0.5, c[1]+rng.NormFloat64()*0.5,
			c[2]+rng.NormFloat64()*0.5, c[3]+rng.NormFloat64()*0.5, label)
	}
	path := filepath.Join(t.TempDir(), "blobs.csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))

	out, err := execute(t, "evaluate", path, "-k", "10", "--solver", "dense")
	require.NoError(t, err)
	assert.Contains(t, out, "accuracy")
	assert.Contains(t, out, "18")

	_, err = execute(t, "evaluate", writeSheet(t))
	assert.ErrorContains(t, err, "label")
}

func TestRecordedRuns(t *testing.T) {
	input := writeSheet(t)
	db := filepath.Join(t.TempDir(), "runs.duckdb")

	_, err := execute(t, "embed", input, "--store", db, "--solver", "dense")
	require.NoError(t, err)

	out, err := execute(t, "runs", "list", "--store", db)
	require.NoError(t, err)
	assert.Contains(t, out, "sheet.csv")
	assert.Contains(t, out, "3->2")

	s, err := store.Open(store.Config{ConnectionString: db, ReadOnly: true})
	require.NoError(t, err)
	runs, err := s.ListRuns(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.Len(t, runs, 1)
	id := runs[0].ID.String()

	out, err = execute(t, "runs", "export", id, "--store", db)
	require.NoError(t, err)
	records := decodeRecords(t, []byte(out))
	require.Len(t, records, 64)
	assert.Len(t, records[0].Vector, 2)

	_, err = execute(t, "runs", "delete", id, "--store", db)
	require.NoError(t, err)
	_, err = execute(t, "runs", "export", id, "--store", db)
	assert.ErrorIs(t, err, store.ErrRunNotFound)

	_, err = execute(t, "runs", "list")
	assert.ErrorContains(t, err, "no store configured")
}

func TestSolvers(t *testing.T) {
	out, err := execute(t, "solvers")
	require.NoError(t, err)
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "lobpcg") {
			assert.Contains(t, line, "true")
		}
	}
	assert.Contains(t, out, "shift-invert")
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, Version)
}
