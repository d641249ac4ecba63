package dataset

import (
	"context"
	"io"
	"strings"

	"github.com/YuminosukeSato/flowclf/pkg/errors"
)

// MemorySource serves rows already held in memory in batches of chunkRows.
// It behaves like a CSVSource over the same content.
type MemorySource struct {
	columns   []string
	rows      [][]string
	chunkRows int
	pos       int
	index     int
	closed    bool
}

// NewMemorySource returns a source over rows with the given header.
func NewMemorySource(columns []string, rows [][]string, chunkRows int) (*MemorySource, error) {
	if chunkRows <= 0 {
		return nil, errors.NewValidationError("chunk_rows", "must be positive", chunkRows)
	}
	return &MemorySource{
		columns:   normalizeHeader(columns),
		rows:      rows,
		chunkRows: chunkRows,
	}, nil
}

// Next implements Source.
func (m *MemorySource) Next(ctx context.Context) (*RecordBatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.closed || m.pos >= len(m.rows) {
		return nil, io.EOF
	}
	end := min(m.pos+m.chunkRows, len(m.rows))
	m.index++
	b := &RecordBatch{
		Index:   m.index,
		Columns: m.columns,
		Rows:    m.rows[m.pos:end],
	}
	m.pos = end
	return b, nil
}

// Close implements Source.
func (m *MemorySource) Close() error {
	m.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (m *MemorySource) Closed() bool {
	return m.closed
}

// Batches is a Source over a fixed list of batches, each possibly with its own
// header. It is useful for feeding schema changes between chunks.
type Batches struct {
	list   []*RecordBatch
	pos    int
	closed bool
}

// NewBatches numbers the batches 1..n in the given order and trims their headers.
func NewBatches(list ...*RecordBatch) *Batches {
	for i, b := range list {
		b.Index = i + 1
		b.Columns = normalizeHeader(b.Columns)
	}
	return &Batches{list: list}
}

// Next implements Source.
func (b *Batches) Next(ctx context.Context) (*RecordBatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.closed || b.pos >= len(b.list) {
		return nil, io.EOF
	}
	batch := b.list[b.pos]
	b.pos++
	return batch, nil
}

// Close implements Source.
func (b *Batches) Close() error {
	b.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (b *Batches) Closed() bool {
	return b.closed
}

// ParseRows splits a compact CSV-like literal into a header and rows. Fields
// are comma separated with no quoting. Blank lines are ignored.
func ParseRows(text string) (columns []string, rows [][]string) {
	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if columns == nil {
			columns = fields
			continue
		}
		rows = append(rows, fields)
	}
	return columns, rows
}
