package expr

import (
	"time"

	"github.com/chainalert/runtime/pkg/frame"
)

func constFloat64(n int, v float64) frame.Column {
	vals := make([]float64, n)
	valid := make([]bool, n)
	for i := range vals {
		vals[i] = v
		valid[i] = true
	}
	return frame.Column{Type: frame.ColumnFloat64, Float64Values: vals, Valid: valid}
}

func constString(n int, v string) frame.Column {
	vals := make([]string, n)
	valid := make([]bool, n)
	for i := range vals {
		vals[i] = v
		valid[i] = true
	}
	return frame.Column{Type: frame.ColumnString, StringValues: vals, Valid: valid}
}

func constBool(n int, v bool) frame.Column {
	vals := make([]bool, n)
	valid := make([]bool, n)
	for i := range vals {
		vals[i] = v
		valid[i] = true
	}
	return frame.Column{Type: frame.ColumnBool, BoolValues: vals, Valid: valid}
}

func constTimestamp(n int, v time.Time) frame.Column {
	vals := make([]time.Time, n)
	valid := make([]bool, n)
	for i := range vals {
		vals[i] = v
		valid[i] = true
	}
	return frame.Column{Type: frame.ColumnTimestamp, TimestampValues: vals, Valid: valid}
}

func allNullOf(n int, t frame.ColumnType) frame.Column {
	switch t {
	case frame.ColumnFloat64:
		return frame.Column{Type: t, Float64Values: make([]float64, n), Valid: make([]bool, n)}
	case frame.ColumnBool:
		return frame.Column{Type: t, BoolValues: make([]bool, n), Valid: make([]bool, n)}
	case frame.ColumnTimestamp:
		return frame.Column{Type: t, TimestampValues: make([]time.Time, n), Valid: make([]bool, n)}
	default:
		return frame.Column{Type: frame.ColumnString, StringValues: make([]string, n), Valid: make([]bool, n)}
	}
}

// boolAt reads row i of a Bool column as a Kleene tri-state: (value, isNull).
func boolAt(col frame.Column, i int) (bool, bool) {
	if col.IsNull(i) {
		return false, true
	}
	return col.BoolValues[i], false
}
