package dataset

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/flowclf/pkg/errors"
)

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flows.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func drain(t *testing.T, src Source) []*RecordBatch {
	t.Helper()
	var out []*RecordBatch
	for {
		b, err := src.Next(context.Background())
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, b)
	}
}

func generated(rows int) string {
	var sb strings.Builder
	sb.WriteString(" Flow Duration , Total Fwd Packets, Label\n")
	for i := 0; i < rows; i++ {
		fmt.Fprintf(&sb, "%d,%d,BENIGN\n", i, i*2)
	}
	return sb.String()
}

func TestOpenBatches(t *testing.T) {
	tests := []struct {
		name      string
		rows      int
		chunkRows int
		wantSizes []int
	}{
		{"exact multiple", 6, 3, []int{3, 3}},
		{"short tail", 7, 3, []int{3, 3, 1}},
		{"single chunk", 2, 10, []int{2}},
		{"header only", 0, 4, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, err := Open(writeCSV(t, generated(tt.rows)), tt.chunkRows)
			require.NoError(t, err)
			defer src.Close()

			batches := drain(t, src)
			var sizes []int
			for i, b := range batches {
				assert.Equal(t, i+1, b.Index)
				assert.Equal(t, []string{"Flow Duration", "Total Fwd Packets", "Label"}, b.Columns)
				sizes = append(sizes, b.Len())
			}
			assert.Equal(t, tt.wantSizes, sizes)

			// exhausted sources stay exhausted
			_, err = src.Next(context.Background())
			assert.Equal(t, io.EOF, err)
		})
	}
}

func TestOpenErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Open(filepath.Join(t.TempDir(), "nope.csv"), 10)
		var readErr *errors.ReadError
		require.True(t, errors.As(err, &readErr))
		assert.Equal(t, "open", readErr.Reason)
	})

	t.Run("empty file has no header", func(t *testing.T) {
		_, err := Open(writeCSV(t, ""), 10)
		var readErr *errors.ReadError
		require.True(t, errors.As(err, &readErr))
		assert.Equal(t, "missing header", readErr.Reason)
	})

	t.Run("non-positive chunk size", func(t *testing.T) {
		_, err := Open(writeCSV(t, generated(1)), 0)
		var valErr *errors.ValidationError
		assert.True(t, errors.As(err, &valErr))
	})

	t.Run("long row is malformed", func(t *testing.T) {
		src, err := Open(writeCSV(t, "a,b,Label\n1,2,X\n1,2,X,9\n"), 10)
		require.NoError(t, err)
		defer src.Close()

		_, err = src.Next(context.Background())
		var readErr *errors.ReadError
		require.True(t, errors.As(err, &readErr))
		assert.Equal(t, "malformed row", readErr.Reason)

		assert.Contains(t, readErr.Error(), "record on line 3")

		_, err = src.Next(context.Background())
		assert.Equal(t, io.EOF, err)
	})
}

func TestOpenKeepsShortRows(t *testing.T) {
	src, err := Open(writeCSV(t, "a,b,Label\n1,2\n3,4,X\n5\n"), 10)
	require.NoError(t, err)
	defer src.Close()

	batches := drain(t, src)
	require.Len(t, batches, 1)
	assert.Equal(t, [][]string{{"1", "2"}, {"3", "4", "X"}, {"5"}}, batches[0].Rows)
}

func TestOpenHonoursContext(t *testing.T) {
	src, err := Open(writeCSV(t, generated(5)), 2)
	require.NoError(t, err)
	defer src.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpenStripsBOM(t *testing.T) {
	src, err := Open(writeCSV(t, "\ufeffDst Port,Label\n80,BENIGN\n"), 10)
	require.NoError(t, err)
	defer src.Close()
	assert.Equal(t, []string{"Dst Port", "Label"}, src.Columns())
}

func TestWithProgress(t *testing.T) {
	var buf bytes.Buffer
	src, err := Open(writeCSV(t, generated(50)), 20, WithProgress(&buf))
	require.NoError(t, err)

	batches := drain(t, src)
	require.NoError(t, src.Close())
	assert.Len(t, batches, 3)
	assert.NoError(t, src.Close())
}

func TestWithComma(t *testing.T) {
	src, err := Open(writeCSV(t, "a;Label\n1;X\n"), 10, WithComma(';'))
	require.NoError(t, err)
	defer src.Close()

	batches := drain(t, src)
	require.Len(t, batches, 1)
	assert.Equal(t, []string{"1", "X"}, batches[0].Rows[0])
}

func TestReadAll(t *testing.T) {
	all, err := ReadAll(writeCSV(t, generated(9)))
	require.NoError(t, err)
	assert.Equal(t, 1, all.Index)
	assert.Equal(t, 9, all.Len())
	assert.Equal(t, 2, all.ColumnIndex("Label"))
	assert.Equal(t, -1, all.ColumnIndex("Missing"))

	empty, err := ReadAll(writeCSV(t, generated(0)))
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Len())
}
