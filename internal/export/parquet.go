// Package export writes accumulated run data to Parquet files so it can be
// archived or queried with SQL tooling.
package export

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/xtxerr/runlog/internal/errors"
)

// Options configures the Parquet writers.
type Options struct {
	// Compression algorithm
	Compression CompressionType

	// CompressionLevel for algorithms that support it (zstd: 1-22)
	CompressionLevel int
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// DefaultOptions returns default Parquet options.
func DefaultOptions() Options {
	return Options{
		Compression:      CompressionZstd,
		CompressionLevel: 3,
	}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none", "":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

// getCompression returns the parquet-go compression codec.
func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// ScalarRow represents one scalar record in Parquet format.
type ScalarRow struct {
	Run      string  `parquet:"run,zstd"`
	Tag      string  `parquet:"tag,zstd"`
	WallTime float64 `parquet:"wall_time"`
	Step     int64   `parquet:"step"`
	Value    float64 `parquet:"value"`
}

// PercentileRow represents one compressed histogram point in Parquet format.
// Each histogram record produces one row per basis point.
type PercentileRow struct {
	Run        string  `parquet:"run,zstd"`
	Tag        string  `parquet:"tag,zstd"`
	WallTime   float64 `parquet:"wall_time"`
	Step       int64   `parquet:"step"`
	BasisPoint int32   `parquet:"basis_point"`
	Value      float64 `parquet:"value"`
}

// ScalarWriter writes scalar rows to a Parquet file.
type ScalarWriter struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *parquet.GenericWriter[ScalarRow]
	rowCount int64
	closed   bool
}

// NewScalarWriter creates a new scalar Parquet writer.
func NewScalarWriter(path string, opts Options) (*ScalarWriter, error) {
	f, err := createFile(path)
	if err != nil {
		return nil, err
	}

	writer := parquet.NewGenericWriter[ScalarRow](f,
		parquet.Compression(getCompression(opts.Compression)))

	return &ScalarWriter{
		path:   path,
		file:   f,
		writer: writer,
	}, nil
}

// Write writes scalar rows to the Parquet file.
func (w *ScalarWriter) Write(rows []ScalarRow) error {
	if len(rows) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errors.ErrExporterClosed
	}

	n, err := w.writer.Write(rows)
	if err != nil {
		return errors.Wrap(err, "write rows")
	}

	w.rowCount += int64(n)
	return nil
}

// Close flushes and closes the writer.
func (w *ScalarWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return errors.Wrap(err, "close writer")
	}
	return w.file.Close()
}

// RowCount returns the number of rows written.
func (w *ScalarWriter) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// Path returns the file path.
func (w *ScalarWriter) Path() string {
	return w.path
}

// PercentileWriter writes percentile rows to a Parquet file.
type PercentileWriter struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *parquet.GenericWriter[PercentileRow]
	rowCount int64
	closed   bool
}

// NewPercentileWriter creates a new percentile Parquet writer.
func NewPercentileWriter(path string, opts Options) (*PercentileWriter, error) {
	f, err := createFile(path)
	if err != nil {
		return nil, err
	}

	writer := parquet.NewGenericWriter[PercentileRow](f,
		parquet.Compression(getCompression(opts.Compression)))

	return &PercentileWriter{
		path:   path,
		file:   f,
		writer: writer,
	}, nil
}

// Write writes percentile rows to the Parquet file.
func (w *PercentileWriter) Write(rows []PercentileRow) error {
	if len(rows) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errors.ErrExporterClosed
	}

	n, err := w.writer.Write(rows)
	if err != nil {
		return errors.Wrap(err, "write rows")
	}

	w.rowCount += int64(n)
	return nil
}

// Close flushes and closes the writer.
func (w *PercentileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return errors.Wrap(err, "close writer")
	}
	return w.file.Close()
}

// RowCount returns the number of rows written.
func (w *PercentileWriter) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// Path returns the file path.
func (w *PercentileWriter) Path() string {
	return w.path
}

// ScalarReader reads scalar rows from a Parquet file.
type ScalarReader struct {
	file   *os.File
	reader *parquet.GenericReader[ScalarRow]
	path   string
}

// NewScalarReader creates a new scalar Parquet reader.
func NewScalarReader(path string) (*ScalarReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open file")
	}

	reader := parquet.NewGenericReader[ScalarRow](f)

	return &ScalarReader{
		file:   f,
		reader: reader,
		path:   path,
	}, nil
}

// ReadAll reads all scalar rows from the file.
func (r *ScalarReader) ReadAll() ([]ScalarRow, error) {
	rows := make([]ScalarRow, r.reader.NumRows())
	n, err := r.reader.Read(rows)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return rows[:n], nil
}

// NumRows returns the total number of rows in the file.
func (r *ScalarReader) NumRows() int64 {
	return r.reader.NumRows()
}

// Close closes the reader.
func (r *ScalarReader) Close() error {
	if err := r.reader.Close(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

// PercentileReader reads percentile rows from a Parquet file.
type PercentileReader struct {
	file   *os.File
	reader *parquet.GenericReader[PercentileRow]
	path   string
}

// NewPercentileReader creates a new percentile Parquet reader.
func NewPercentileReader(path string) (*PercentileReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open file")
	}

	reader := parquet.NewGenericReader[PercentileRow](f)

	return &PercentileReader{
		file:   f,
		reader: reader,
		path:   path,
	}, nil
}

// ReadAll reads all percentile rows from the file.
func (r *PercentileReader) ReadAll() ([]PercentileRow, error) {
	rows := make([]PercentileRow, r.reader.NumRows())
	n, err := r.reader.Read(rows)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return rows[:n], nil
}

// NumRows returns the total number of rows in the file.
func (r *PercentileReader) NumRows() int64 {
	return r.reader.NumRows()
}

// Close closes the reader.
func (r *PercentileReader) Close() error {
	if err := r.reader.Close(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

func createFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrap(err, "create directory")
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "create file")
	}
	return f, nil
}
