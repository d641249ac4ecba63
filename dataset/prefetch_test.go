package dataset

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefetchPreservesOrder(t *testing.T) {
	columns, rows := ParseRows(generated(25))
	mem, err := NewMemorySource(columns, rows, 4)
	require.NoError(t, err)

	src := Prefetch(context.Background(), mem)
	batches := drain(t, src)
	require.NoError(t, src.Close())

	require.Len(t, batches, 7)
	total := 0
	for i, b := range batches {
		assert.Equal(t, i+1, b.Index)
		total += b.Len()
	}
	assert.Equal(t, 25, total)
	assert.True(t, mem.Closed())
}

func TestPrefetchEarlyClose(t *testing.T) {
	columns, rows := ParseRows(generated(100))
	mem, err := NewMemorySource(columns, rows, 1)
	require.NoError(t, err)

	src := Prefetch(context.Background(), mem)
	b, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, b.Index)

	// closing mid-stream stops the reader and closes the source exactly once
	require.NoError(t, src.Close())
	require.NoError(t, src.Close())
	assert.True(t, mem.Closed())
}

func TestPrefetchCancel(t *testing.T) {
	columns, rows := ParseRows(generated(10))
	mem, err := NewMemorySource(columns, rows, 2)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	src := Prefetch(ctx, mem)
	defer src.Close()

	cancel()
	for i := 0; i < 10; i++ {
		_, err = src.Next(context.Background())
		if err != nil {
			break
		}
	}
	assert.Error(t, err)
}

func TestPrefetchPropagatesErrors(t *testing.T) {
	src := Prefetch(context.Background(), &failingSource{failAt: 2})
	defer src.Close()

	_, err := src.Next(context.Background())
	require.NoError(t, err)
	_, err = src.Next(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
	_, err = src.Next(context.Background())
	assert.Equal(t, io.EOF, err)
}

type failingSource struct {
	n, failAt int
}

func (f *failingSource) Next(ctx context.Context) (*RecordBatch, error) {
	f.n++
	if f.n == f.failAt {
		return nil, assert.AnError
	}
	return &RecordBatch{Index: f.n, Columns: []string{"Label"}, Rows: [][]string{{"X"}}}, nil
}

func (f *failingSource) Close() error { return nil }

func TestMemorySourceAndBatches(t *testing.T) {
	_, err := NewMemorySource([]string{"a"}, nil, 0)
	assert.Error(t, err)

	b := NewBatches(
		&RecordBatch{Columns: []string{" a ", "Label"}, Rows: [][]string{{"1", "X"}}},
		&RecordBatch{Columns: []string{"b", "Label"}, Rows: [][]string{{"2", "Y"}}},
	)
	got := drain(t, b)
	require.Len(t, got, 2)
	assert.Equal(t, 2, got[1].Index)
	assert.Equal(t, []string{"a", "Label"}, got[0].Columns)
	require.NoError(t, b.Close())
	assert.True(t, b.Closed())
}
