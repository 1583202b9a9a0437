// Package frame implements the columnar record batch the Processor
// assembles for one evaluation job — one row per target — and the Arrow
// IPC-stream, base64-encoded wire format the spec calls
// "arrow_ipc_stream_base64" for moving that batch to and from the
// Evaluator.
package frame

import (
	"time"

	"github.com/chainalert/runtime/internal/apperrors"
)

// ColumnType names the concrete value type backing a Column. The runtime
// only needs these four: every datasource/enrichment output it evaluates
// reduces to a number, a string, a boolean, or a block/event timestamp.
type ColumnType int

const (
	ColumnFloat64 ColumnType = iota
	ColumnString
	ColumnBool
	ColumnTimestamp
)

// Column is one named, typed, null-aware vector. Exactly one of the
// Float64Values/StringValues/BoolValues/TimestampValues slices is
// populated, selected by Type; all four (when populated) and Valid share
// the same length, the frame's row count.
type Column struct {
	Name string
	Type ColumnType

	Float64Values   []float64
	StringValues    []string
	BoolValues      []bool
	TimestampValues []time.Time

	// Valid is the column's null bitmap: Valid[i] == false means row i's
	// value for this column is null, regardless of what zero value sits
	// in the corresponding typed slice.
	Valid []bool
}

// IsNull reports whether row i of this column is null.
func (c Column) IsNull(row int) bool {
	return row >= len(c.Valid) || !c.Valid[row]
}

// Frame is a self-contained, one-row-per-target record batch: a set of
// named columns plus the row count they all share.
type Frame struct {
	NumRows int
	Columns []Column
}

// ColumnByName returns the column with the given name, if present.
func (f *Frame) ColumnByName(name string) (*Column, bool) {
	for i := range f.Columns {
		if f.Columns[i].Name == name {
			return &f.Columns[i], true
		}
	}
	return nil, false
}

// NewFrame validates that every column has exactly numRows entries before
// returning a Frame, so later evaluator code never has to re-check column
// lengths against each other.
func NewFrame(numRows int, columns []Column) (*Frame, error) {
	for _, col := range columns {
		if len(col.Valid) != numRows {
			return nil, apperrors.NewContractMismatch("frame_column_length",
				nil).WithMetadata("column", col.Name)
		}
		switch col.Type {
		case ColumnFloat64:
			if len(col.Float64Values) != numRows {
				return nil, columnLengthMismatch(col.Name)
			}
		case ColumnString:
			if len(col.StringValues) != numRows {
				return nil, columnLengthMismatch(col.Name)
			}
		case ColumnBool:
			if len(col.BoolValues) != numRows {
				return nil, columnLengthMismatch(col.Name)
			}
		case ColumnTimestamp:
			if len(col.TimestampValues) != numRows {
				return nil, columnLengthMismatch(col.Name)
			}
		}
	}
	return &Frame{NumRows: numRows, Columns: columns}, nil
}

func columnLengthMismatch(name string) error {
	return apperrors.NewContractMismatch("frame_column_length", nil).
		WithMetadata("column", name)
}
