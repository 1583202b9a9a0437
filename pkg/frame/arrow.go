package frame

import (
	"bytes"
	"encoding/base64"
	"time"

	"github.com/apache/arrow/go/v15/arrow"
	"github.com/apache/arrow/go/v15/arrow/array"
	"github.com/apache/arrow/go/v15/arrow/ipc"
	"github.com/apache/arrow/go/v15/arrow/memory"

	"github.com/chainalert/runtime/internal/apperrors"
	"github.com/chainalert/runtime/pkg/schema"
)

var pool = memory.NewGoAllocator()

func arrowType(t ColumnType) arrow.DataType {
	switch t {
	case ColumnFloat64:
		return arrow.PrimitiveTypes.Float64
	case ColumnString:
		return arrow.BinaryTypes.String
	case ColumnBool:
		return arrow.FixedWidthTypes.Boolean
	case ColumnTimestamp:
		return arrow.FixedWidthTypes.Timestamp_us
	default:
		return arrow.BinaryTypes.String
	}
}

// Encode renders f as an Apache Arrow IPC stream and base64-encodes it,
// producing the ArrowFrameV1 wire record the Processor embeds in a
// PolarsEvalRequest.
func (f *Frame) Encode() (schema.ArrowFrameV1, error) {
	fields := make([]arrow.Field, len(f.Columns))
	for i, col := range f.Columns {
		fields[i] = arrow.Field{Name: col.Name, Type: arrowType(col.Type), Nullable: true}
	}
	arrSchema := arrow.NewSchema(fields, nil)

	builder := array.NewRecordBuilder(pool, arrSchema)
	defer builder.Release()

	for i, col := range f.Columns {
		switch col.Type {
		case ColumnFloat64:
			b := builder.Field(i).(*array.Float64Builder)
			for row := 0; row < f.NumRows; row++ {
				if col.IsNull(row) {
					b.AppendNull()
					continue
				}
				b.Append(col.Float64Values[row])
			}
		case ColumnString:
			b := builder.Field(i).(*array.StringBuilder)
			for row := 0; row < f.NumRows; row++ {
				if col.IsNull(row) {
					b.AppendNull()
					continue
				}
				b.Append(col.StringValues[row])
			}
		case ColumnBool:
			b := builder.Field(i).(*array.BooleanBuilder)
			for row := 0; row < f.NumRows; row++ {
				if col.IsNull(row) {
					b.AppendNull()
					continue
				}
				b.Append(col.BoolValues[row])
			}
		case ColumnTimestamp:
			b := builder.Field(i).(*array.TimestampBuilder)
			for row := 0; row < f.NumRows; row++ {
				if col.IsNull(row) {
					b.AppendNull()
					continue
				}
				b.Append(arrow.Timestamp(col.TimestampValues[row].UnixMicro()))
			}
		}
	}

	rec := builder.NewRecord()
	defer rec.Release()

	var buf bytes.Buffer
	writer := ipc.NewWriter(&buf, ipc.WithSchema(arrSchema))
	if err := writer.Write(rec); err != nil {
		return schema.ArrowFrameV1{}, apperrors.NewInternal("frame_encode_write", err)
	}
	if err := writer.Close(); err != nil {
		return schema.ArrowFrameV1{}, apperrors.NewInternal("frame_encode_close", err)
	}

	return schema.ArrowFrameV1{
		Format: schema.ArrowIPCStreamBase64Format,
		Data:   base64.StdEncoding.EncodeToString(buf.Bytes()),
	}, nil
}

// Decode parses an ArrowFrameV1 back into a Frame. Returns a
// ContractMismatch error if Format is not the recognized encoding.
func Decode(wire schema.ArrowFrameV1) (*Frame, error) {
	if wire.Format != schema.ArrowIPCStreamBase64Format {
		return nil, apperrors.NewContractMismatch(wire.Format, nil)
	}

	raw, err := base64.StdEncoding.DecodeString(wire.Data)
	if err != nil {
		return nil, apperrors.NewContractMismatch("arrow_frame_base64", err)
	}

	reader, err := ipc.NewReader(bytes.NewReader(raw), ipc.WithAllocator(pool))
	if err != nil {
		return nil, apperrors.NewContractMismatch("arrow_frame_ipc", err)
	}
	defer reader.Release()

	arrSchema := reader.Schema()
	columns := make([]Column, len(arrSchema.Fields()))
	for i, field := range arrSchema.Fields() {
		columns[i] = Column{Name: field.Name, Type: columnTypeOf(field.Type)}
	}

	numRows := 0
	for reader.Next() {
		rec := reader.Record()
		for i := range columns {
			appendArrowColumn(&columns[i], rec.Column(i))
		}
		numRows += int(rec.NumRows())
	}
	if err := reader.Err(); err != nil {
		return nil, apperrors.NewContractMismatch("arrow_frame_ipc_read", err)
	}

	return NewFrame(numRows, columns)
}

func columnTypeOf(t arrow.DataType) ColumnType {
	switch t.ID() {
	case arrow.FLOAT64:
		return ColumnFloat64
	case arrow.BOOL:
		return ColumnBool
	case arrow.TIMESTAMP:
		return ColumnTimestamp
	default:
		return ColumnString
	}
}

func appendArrowColumn(col *Column, arr arrow.Array) {
	n := arr.Len()
	switch col.Type {
	case ColumnFloat64:
		typed := arr.(*array.Float64)
		for i := 0; i < n; i++ {
			col.Valid = append(col.Valid, !typed.IsNull(i))
			if typed.IsNull(i) {
				col.Float64Values = append(col.Float64Values, 0)
				continue
			}
			col.Float64Values = append(col.Float64Values, typed.Value(i))
		}
	case ColumnBool:
		typed := arr.(*array.Boolean)
		for i := 0; i < n; i++ {
			col.Valid = append(col.Valid, !typed.IsNull(i))
			if typed.IsNull(i) {
				col.BoolValues = append(col.BoolValues, false)
				continue
			}
			col.BoolValues = append(col.BoolValues, typed.Value(i))
		}
	case ColumnTimestamp:
		typed := arr.(*array.Timestamp)
		for i := 0; i < n; i++ {
			col.Valid = append(col.Valid, !typed.IsNull(i))
			if typed.IsNull(i) {
				col.TimestampValues = append(col.TimestampValues, time.Time{})
				continue
			}
			col.TimestampValues = append(col.TimestampValues, typed.Value(i).ToTime(arrow.Microsecond))
		}
	default:
		typed := arr.(*array.String)
		for i := 0; i < n; i++ {
			col.Valid = append(col.Valid, !typed.IsNull(i))
			if typed.IsNull(i) {
				col.StringValues = append(col.StringValues, "")
				continue
			}
			col.StringValues = append(col.StringValues, typed.Value(i))
		}
	}
}
