// Package parquet exports aggregate rows to Parquet for bulk consumers.
//
// Aggregates are flattened to one output row per (bucket, property): column
// schemas stay fixed while streams carry arbitrary property lists, and the
// name lists from stream metadata replace positional indexes.
package parquet

import (
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/xtxerr/meterflow/internal/datum"
)

// Options configures the Parquet exporter.
type Options struct {
	// Compression algorithm
	Compression CompressionType

	// RowGroupSize is the target number of rows per row group
	RowGroupSize int
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

// DefaultOptions returns default exporter options.
func DefaultOptions() Options {
	return Options{
		Compression:  CompressionZstd,
		RowGroupSize: 100000,
	}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none":
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

// Property kinds in exported rows.
const (
	KindInstantaneous = "i"
	KindAccumulating  = "a"
	KindStatus        = "s"
)

// Row is one flattened aggregate property in Parquet format.
type Row struct {
	StreamID    string `parquet:"stream_id,zstd"`
	Level       string `parquet:"level,zstd"`
	BucketStart int64  `parquet:"bucket_start_ms"`

	Property string `parquet:"property,zstd"`
	Kind     string `parquet:"kind,zstd"`

	Value  *float64 `parquet:"value,optional"`
	Status *string  `parquet:"status,optional,zstd"`

	Count int64    `parquet:"count"`
	Min   *float64 `parquet:"min,optional"`
	Max   *float64 `parquet:"max,optional"`
	Start *float64 `parquet:"start,optional"`
	End   *float64 `parquet:"end,optional"`

	P50 *float64 `parquet:"p50,optional"`
	P90 *float64 `parquet:"p90,optional"`
	P95 *float64 `parquet:"p95,optional"`
	P99 *float64 `parquet:"p99,optional"`
}

// Flatten converts one aggregate into per-property rows, using the stream's
// metadata name lists. Properties with neither a value nor statistics are
// skipped.
func Flatten(meta *datum.StreamMetadata, agg *datum.Aggregate) []Row {
	base := Row{
		StreamID:    agg.StreamID,
		Level:       agg.Level.String(),
		BucketStart: agg.Start.UnixMilli(),
	}

	var rows []Row
	for i, name := range meta.Instantaneous {
		value := agg.Properties.InstantaneousAt(i)
		var stat *datum.InstantaneousStat
		if i < len(agg.Stats.Instantaneous) {
			stat = agg.Stats.Instantaneous[i]
		}
		if value == nil && stat == nil {
			continue
		}
		row := base
		row.Property = name
		row.Kind = KindInstantaneous
		row.Value = value
		if stat != nil {
			row.Count = stat.Count
			min, max := stat.Min, stat.Max
			row.Min, row.Max = &min, &max
			row.P50, row.P90, row.P95, row.P99 = stat.P50, stat.P90, stat.P95, stat.P99
		}
		rows = append(rows, row)
	}
	for i, name := range meta.Accumulating {
		value := agg.Properties.AccumulatingAt(i)
		var stat *datum.AccumulatingStat
		if i < len(agg.Stats.Accumulating) {
			stat = agg.Stats.Accumulating[i]
		}
		if value == nil && stat == nil {
			continue
		}
		row := base
		row.Property = name
		row.Kind = KindAccumulating
		row.Value = value
		if stat != nil {
			row.Count = stat.Count
			start, end := stat.Start, stat.End
			row.Start, row.End = &start, &end
		}
		rows = append(rows, row)
	}
	for i, name := range meta.Status {
		status := agg.Properties.StatusAt(i)
		if status == nil {
			continue
		}
		row := base
		row.Property = name
		row.Kind = KindStatus
		row.Status = status
		rows = append(rows, row)
	}
	return rows
}

// Writer streams flattened aggregate rows to Parquet.
type Writer struct {
	writer   *parquet.GenericWriter[Row]
	rowCount int64
	closed   bool
}

// NewWriter creates a Parquet writer targeting w.
func NewWriter(w io.Writer, opts Options) *Writer {
	writerOpts := []parquet.WriterOption{
		parquet.Compression(getCompression(opts.Compression)),
	}
	if opts.RowGroupSize > 0 {
		writerOpts = append(writerOpts, parquet.MaxRowsPerRowGroup(int64(opts.RowGroupSize)))
	}
	return &Writer{writer: parquet.NewGenericWriter[Row](w, writerOpts...)}
}

// WriteAggregate flattens and writes one aggregate.
func (w *Writer) WriteAggregate(meta *datum.StreamMetadata, agg *datum.Aggregate) error {
	if w.closed {
		return ErrWriterClosed
	}
	rows := Flatten(meta, agg)
	if len(rows) == 0 {
		return nil
	}
	n, err := w.writer.Write(rows)
	if err != nil {
		return err
	}
	w.rowCount += int64(n)
	return nil
}

// Close flushes buffered rows and finalizes the file footer.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.writer.Close()
}

// RowCount returns the number of rows written.
func (w *Writer) RowCount() int64 {
	return w.rowCount
}

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = fmt.Errorf("parquet writer is closed")
