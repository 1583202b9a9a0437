package expr

import (
	"encoding/json"

	"github.com/chainalert/runtime/internal/apperrors"
	"github.com/chainalert/runtime/pkg/frame"
	"github.com/chainalert/runtime/pkg/schema"
)

// Limits bounds a single evaluation request, matching the component
// design's "bounded execution" requirement: breaching any of these yields
// a LimitsExceeded error, never a partial result.
type Limits struct {
	MaxRows      int
	MaxDepth     int
	MaxNodes     int
	MaxOutputRef int
}

// DefaultLimits returns conservative bounds suitable for a single
// frame evaluated inline on one worker goroutine.
func DefaultLimits() Limits {
	return Limits{MaxRows: 50_000, MaxDepth: 32, MaxNodes: 512, MaxOutputRef: 64}
}

// ApplyEnrichments evaluates every enrichment's expression against fr, in
// order, appending each result as a new named column so later enrichments
// and every condition can reference earlier enrichment output by name.
func ApplyEnrichments(fr *frame.Frame, enrichments []schema.EnrichmentV1, variables json.RawMessage, limits Limits) (*frame.Frame, error) {
	if fr.NumRows > limits.MaxRows {
		return nil, apperrors.NewLimitsExceeded("frame_rows", fr.NumRows, limits.MaxRows)
	}

	columns := append([]frame.Column(nil), fr.Columns...)
	working := &frame.Frame{NumRows: fr.NumRows, Columns: columns}

	for _, enrichment := range enrichments {
		col, err := Eval(enrichment.Expr, working, variables, limits.MaxDepth, limits.MaxNodes)
		if err != nil {
			return nil, err
		}
		col.Name = enrichment.Output
		working.Columns = append(working.Columns, col)
	}
	return working, nil
}

// SelectMatches evaluates a condition set against fr and returns the
// indices of rows that matched: every expression in All is true, at least
// one in Any is true when Any is non-empty, and none in Not is true. A
// null result from any expression is treated as false for selection
// purposes, never as a match and never as an evaluation error — this is
// the one place Kleene nulls collapse to a concrete boolean.
func SelectMatches(set schema.ConditionSetV1, fr *frame.Frame, variables json.RawMessage, limits Limits) ([]int, error) {
	if fr.NumRows > limits.MaxRows {
		return nil, apperrors.NewLimitsExceeded("frame_rows", fr.NumRows, limits.MaxRows)
	}

	allMask, err := allOf(set.All, fr, variables, limits, true)
	if err != nil {
		return nil, err
	}
	anyMask, err := anyOf(set.Any, fr, variables, limits)
	if err != nil {
		return nil, err
	}
	notMask, err := allOf(set.Not, fr, variables, limits, false)
	if err != nil {
		return nil, err
	}

	matched := make([]int, 0, fr.NumRows)
	for row := 0; row < fr.NumRows; row++ {
		if allMask[row] && anyMask[row] && notMask[row] {
			matched = append(matched, row)
		}
	}
	return matched, nil
}

// allOf evaluates every expression and requires all of them true at a row
// (selectTrue=true), or none of them true (selectTrue=false, used for the
// Not list). An empty expression list is vacuously satisfied for every row.
func allOf(exprs []schema.ExprV1, fr *frame.Frame, variables json.RawMessage, limits Limits, selectTrue bool) ([]bool, error) {
	mask := make([]bool, fr.NumRows)
	for i := range mask {
		mask[i] = true
	}
	for _, e := range exprs {
		col, err := Eval(e, fr, variables, limits.MaxDepth, limits.MaxNodes)
		if err != nil {
			return nil, err
		}
		if col.Type != frame.ColumnBool {
			return nil, apperrors.NewValidation("condition", "condition expressions must be boolean")
		}
		for row := 0; row < fr.NumRows; row++ {
			v, isNull := boolAt(col, row)
			truthy := !isNull && v
			if selectTrue {
				mask[row] = mask[row] && truthy
			} else {
				mask[row] = mask[row] && !truthy
			}
		}
	}
	return mask, nil
}

// anyOf requires at least one expression true at a row; an empty list
// imposes no restriction (every row passes).
func anyOf(exprs []schema.ExprV1, fr *frame.Frame, variables json.RawMessage, limits Limits) ([]bool, error) {
	if len(exprs) == 0 {
		mask := make([]bool, fr.NumRows)
		for i := range mask {
			mask[i] = true
		}
		return mask, nil
	}
	mask := make([]bool, fr.NumRows)
	for _, e := range exprs {
		col, err := Eval(e, fr, variables, limits.MaxDepth, limits.MaxNodes)
		if err != nil {
			return nil, err
		}
		if col.Type != frame.ColumnBool {
			return nil, apperrors.NewValidation("condition", "condition expressions must be boolean")
		}
		for row := 0; row < fr.NumRows; row++ {
			v, isNull := boolAt(col, row)
			if !isNull && v {
				mask[row] = true
			}
		}
	}
	return mask, nil
}
