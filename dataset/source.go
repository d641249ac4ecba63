// Package dataset reads flow-record CSV files as a lazy sequence of bounded
// record batches.
package dataset

import (
	"bufio"
	"context"
	"encoding/csv"
	"io"
	"os"
	"strings"

	"gopkg.in/cheggaaa/pb.v1"

	"github.com/YuminosukeSato/flowclf/pkg/errors"
	"github.com/YuminosukeSato/flowclf/pkg/log"
)

const readBufferSize = 4 << 20

// RecordBatch is a contiguous run of CSV rows sharing the file's header.
// Index is the 1-based ordinal of the batch within its source.
type RecordBatch struct {
	Index   int
	Columns []string
	Rows    [][]string
}

// Len returns the number of rows in the batch.
func (b *RecordBatch) Len() int {
	return len(b.Rows)
}

// ColumnIndex returns the position of name in Columns, or -1.
func (b *RecordBatch) ColumnIndex(name string) int {
	for i, c := range b.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Source yields record batches in order. Next returns io.EOF once the
// sequence is exhausted. Close releases any underlying resources and must be
// called on every exit path.
type Source interface {
	Next(ctx context.Context) (*RecordBatch, error)
	Close() error
}

// Option configures a CSVSource.
type Option func(*options)

type options struct {
	progress io.Writer
	comma    rune
	logger   log.Logger
}

// WithProgress renders a byte-level progress bar for the input file on w.
func WithProgress(w io.Writer) Option {
	return func(o *options) {
		o.progress = w
	}
}

// WithComma sets the field delimiter. The default is ','.
func WithComma(r rune) Option {
	return func(o *options) {
		o.comma = r
	}
}

// WithLogger sets the logger used for source diagnostics.
func WithLogger(l log.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// CSVSource streams a CSV file in batches of at most chunkRows rows.
type CSVSource struct {
	path      string
	file      *os.File
	reader    *csv.Reader
	header    []string
	chunkRows int
	index     int
	done      bool
	bar       *pb.ProgressBar
	logger    log.Logger
}

// Open opens path and reads its header. The returned source yields batches
// lazily; no data rows are read until Next is called.
func Open(path string, chunkRows int, opts ...Option) (*CSVSource, error) {
	if chunkRows <= 0 {
		return nil, errors.NewValidationError("chunk_rows", "must be positive", chunkRows)
	}
	o := options{comma: ','}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = log.GetLoggerWithName("dataset")
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.NewReadError(path, "open", err)
	}

	var r io.Reader = f
	var bar *pb.ProgressBar
	if o.progress != nil {
		if info, statErr := f.Stat(); statErr == nil {
			bar = pb.New64(info.Size()).SetUnits(pb.U_BYTES)
			bar.Output = o.progress
			bar.ShowSpeed = true
			bar.Start()
			r = bar.NewProxyReader(f)
		}
	}

	reader := csv.NewReader(bufio.NewReaderSize(r, readBufferSize))
	reader.Comma = o.comma
	// Short rows pass through; their missing cells read as empty.
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		if bar != nil {
			bar.Finish()
		}
		_ = f.Close()
		if err == io.EOF {
			return nil, errors.NewReadError(path, "missing header", nil)
		}
		return nil, errors.NewReadError(path, "parse header", err)
	}

	s := &CSVSource{
		path:      path,
		file:      f,
		reader:    reader,
		header:    normalizeHeader(header),
		chunkRows: chunkRows,
		bar:       bar,
		logger:    o.logger,
	}
	s.logger.Debug("opened input",
		log.PathKey, path,
		"columns", len(s.header),
		log.BatchSizeKey, chunkRows,
	)
	return s, nil
}

// normalizeHeader trims whitespace and a UTF-8 byte order mark from column names.
func normalizeHeader(header []string) []string {
	out := make([]string, len(header))
	for i, h := range header {
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		out[i] = strings.TrimSpace(h)
	}
	return out
}

// Columns returns the trimmed header.
func (s *CSVSource) Columns() []string {
	return append([]string(nil), s.header...)
}

// Next reads the next batch. A row with more fields than the header, or any
// other CSV syntax error, is a ReadError and ends the source. Rows with fewer
// fields are kept as they are.
func (s *CSVSource) Next(ctx context.Context) (*RecordBatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.done {
		return nil, io.EOF
	}

	rows := make([][]string, 0, min(s.chunkRows, 1<<16))
	for len(rows) < s.chunkRows {
		record, err := s.reader.Read()
		if err == io.EOF {
			s.done = true
			break
		}
		if err != nil {
			s.done = true
			return nil, errors.NewReadError(s.path, "malformed row", err)
		}
		if len(record) > len(s.header) {
			s.done = true
			line, _ := s.reader.FieldPos(0)
			return nil, errors.NewReadError(s.path, "malformed row",
				errors.Newf("record on line %d: %d fields, header has %d", line, len(record), len(s.header)))
		}
		rows = append(rows, record)
	}
	if len(rows) == 0 {
		return nil, io.EOF
	}

	s.index++
	return &RecordBatch{
		Index:   s.index,
		Columns: s.header,
		Rows:    rows,
	}, nil
}

// Close releases the file handle. It is safe to call more than once.
func (s *CSVSource) Close() error {
	if s.file == nil {
		return nil
	}
	if s.bar != nil {
		s.bar.Finish()
		s.bar = nil
	}
	err := s.file.Close()
	s.file = nil
	s.done = true
	return err
}

// ReadAll loads the whole file as a single batch with Index 1. A file with a
// header and no rows yields a batch with zero rows.
func ReadAll(path string, opts ...Option) (*RecordBatch, error) {
	src, err := Open(path, readBufferSize, opts...)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	all := &RecordBatch{Index: 1, Columns: src.Columns()}
	ctx := context.Background()
	for {
		b, err := src.Next(ctx)
		if err == io.EOF {
			return all, nil
		}
		if err != nil {
			return nil, err
		}
		all.Rows = append(all.Rows, b.Rows...)
	}
}
