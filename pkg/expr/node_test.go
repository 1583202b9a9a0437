package expr

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainalert/runtime/pkg/frame"
	"github.com/chainalert/runtime/pkg/schema"
)

func lit(v interface{}) *schema.ExprOperandV1 {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return &schema.ExprOperandV1{Literal: raw}
}

func field(name string) *schema.ExprOperandV1 {
	raw, _ := json.Marshal(name)
	return &schema.ExprOperandV1{Literal: raw}
}

func exprOperand(e schema.ExprV1) *schema.ExprOperandV1 {
	return &schema.ExprOperandV1{Expr: &e}
}

func valuesOf(ops ...*schema.ExprOperandV1) []schema.ExprOperandV1 {
	out := make([]schema.ExprOperandV1, len(ops))
	for i, o := range ops {
		out[i] = *o
	}
	return out
}

func numColumn(name string, vals []float64, valid []bool) frame.Column {
	return frame.Column{Name: name, Type: frame.ColumnFloat64, Float64Values: vals, Valid: valid}
}

func TestEvalArithmetic_NullPropagation(t *testing.T) {
	fr, err := frame.NewFrame(3, []frame.Column{
		numColumn("a", []float64{10, 20, 30}, []bool{true, false, true}),
		numColumn("b", []float64{1, 2, 0}, []bool{true, true, true}),
	})
	require.NoError(t, err)

	node := schema.ExprV1{Op: schema.ExprOpDiv, Left: field("a"), Right: field("b")}
	col, err := Eval(node, fr, nil, 32, 512)
	require.NoError(t, err)

	assert.Equal(t, frame.ColumnFloat64, col.Type)
	assert.True(t, col.Valid[0])
	assert.Equal(t, 10.0, col.Float64Values[0])
	assert.False(t, col.Valid[1], "row with null operand must propagate to null")
	assert.False(t, col.Valid[2], "division by zero must propagate to null, not error")
}

func TestEvalComparison_AcrossTypes(t *testing.T) {
	fr, err := frame.NewFrame(2, []frame.Column{
		numColumn("value_usd", []float64{500, 5000}, []bool{true, true}),
	})
	require.NoError(t, err)

	node := schema.ExprV1{Op: schema.ExprOpGt, Left: field("value_usd"), Right: lit(1000.0)}
	col, err := Eval(node, fr, nil, 32, 512)
	require.NoError(t, err)

	assert.False(t, col.BoolValues[0])
	assert.True(t, col.BoolValues[1])
}

func TestEvalComparison_MismatchedTypesRejected(t *testing.T) {
	fr, err := frame.NewFrame(1, []frame.Column{
		numColumn("value_usd", []float64{500}, []bool{true}),
	})
	require.NoError(t, err)

	node := schema.ExprV1{Op: schema.ExprOpEq, Left: field("value_usd"), Right: lit("500")}
	_, err = Eval(node, fr, nil, 32, 512)
	assert.Error(t, err)
}

// TestKleeneSelection exercises Testable Property S6: a column with one
// null row and one row satisfying the condition must select exactly the
// satisfying row, with the null row excluded (treated as false), not as an
// evaluation error.
func TestKleeneSelection(t *testing.T) {
	fr, err := frame.NewFrame(2, []frame.Column{
		numColumn("x", []float64{0, 5}, []bool{false, true}),
	})
	require.NoError(t, err)

	condition := schema.ExprV1{Op: schema.ExprOpGt, Left: field("x"), Right: lit(3.0)}
	set := schema.ConditionSetV1{All: []schema.ExprV1{condition}}

	matched, err := SelectMatches(set, fr, nil, DefaultLimits())
	require.NoError(t, err)
	assert.Equal(t, []int{1}, matched)
}

func TestEvalBooleanNary_AndKleeneTruthTable(t *testing.T) {
	// Row 0: true  and null  -> null
	// Row 1: false and null  -> false (decisive regardless of null)
	// Row 2: true  and true  -> true
	fr, err := frame.NewFrame(3, []frame.Column{
		{Type: frame.ColumnBool, BoolValues: []bool{true, false, true}, Valid: []bool{true, true, true}},
		{Type: frame.ColumnBool, BoolValues: []bool{false, false, true}, Valid: []bool{false, false, true}},
	})
	require.NoError(t, err)
	fr.Columns[0].Name = "p"
	fr.Columns[1].Name = "q"

	node := schema.ExprV1{Op: schema.ExprOpAnd, Values: valuesOf(field("p"), field("q"))}
	col, err := Eval(node, fr, nil, 32, 512)
	require.NoError(t, err)

	assert.False(t, col.Valid[0], "true AND null must be null")
	assert.True(t, col.Valid[1])
	assert.False(t, col.BoolValues[1], "false AND null must be decisive false")
	assert.True(t, col.Valid[2])
	assert.True(t, col.BoolValues[2])
}

func TestEvalBooleanNary_OrKleeneTruthTable(t *testing.T) {
	// Row 0: false or null -> null
	// Row 1: true  or null -> true (decisive regardless of null)
	fr, err := frame.NewFrame(2, []frame.Column{
		{Type: frame.ColumnBool, BoolValues: []bool{false, true}, Valid: []bool{true, true}},
		{Type: frame.ColumnBool, BoolValues: []bool{false, false}, Valid: []bool{false, false}},
	})
	require.NoError(t, err)
	fr.Columns[0].Name = "p"
	fr.Columns[1].Name = "q"

	node := schema.ExprV1{Op: schema.ExprOpOr, Values: valuesOf(field("p"), field("q"))}
	col, err := Eval(node, fr, nil, 32, 512)
	require.NoError(t, err)

	assert.False(t, col.Valid[0], "false OR null must be null")
	assert.True(t, col.Valid[1])
	assert.True(t, col.BoolValues[1])
}

func TestEvalCoalesce_FirstNonNull(t *testing.T) {
	fr, err := frame.NewFrame(2, []frame.Column{
		numColumn("primary", []float64{0, 99}, []bool{false, true}),
		numColumn("fallback", []float64{7, 8}, []bool{true, true}),
	})
	require.NoError(t, err)

	node := schema.ExprV1{Op: schema.ExprOpCoalesce, Values: valuesOf(field("primary"), field("fallback"))}
	col, err := Eval(node, fr, nil, 32, 512)
	require.NoError(t, err)

	assert.Equal(t, 7.0, col.Float64Values[0])
	assert.Equal(t, 99.0, col.Float64Values[1])
}

func TestEval_VariableFieldReference(t *testing.T) {
	fr, err := frame.NewFrame(1, []frame.Column{
		numColumn("value_usd", []float64{500}, []bool{true}),
	})
	require.NoError(t, err)

	variables, err := json.Marshal(map[string]float64{"threshold": 100})
	require.NoError(t, err)

	node := schema.ExprV1{Op: schema.ExprOpGt, Left: field("value_usd"), Right: field("threshold")}
	col, err := Eval(node, fr, variables, 32, 512)
	require.NoError(t, err)
	assert.True(t, col.BoolValues[0])
}

func TestEval_UnresolvedFieldReferenceIsValidationError(t *testing.T) {
	fr, err := frame.NewFrame(1, []frame.Column{
		numColumn("value_usd", []float64{500}, []bool{true}),
	})
	require.NoError(t, err)

	node := schema.ExprV1{Op: schema.ExprOpGt, Left: field("does_not_exist"), Right: lit(1.0)}
	_, err = Eval(node, fr, nil, 32, 512)
	assert.Error(t, err)
}

func TestEval_DepthLimitExceeded(t *testing.T) {
	fr, err := frame.NewFrame(1, []frame.Column{
		numColumn("x", []float64{1}, []bool{true}),
	})
	require.NoError(t, err)

	inner := schema.ExprV1{Op: schema.ExprOpNot, Left: field("x")}
	node := schema.ExprV1{Op: schema.ExprOpNot, Left: exprOperand(inner)}
	_, err = Eval(node, fr, nil, 1, 512)
	assert.Error(t, err)
}

func TestEval_NodeCountLimitExceeded(t *testing.T) {
	fr, err := frame.NewFrame(1, []frame.Column{
		numColumn("x", []float64{1}, []bool{true}),
	})
	require.NoError(t, err)

	node := schema.ExprV1{Op: schema.ExprOpAdd, Left: field("x"), Right: lit(1.0)}
	_, err = Eval(node, fr, nil, 32, 1)
	assert.Error(t, err)
}

func TestCompareAt_Timestamp(t *testing.T) {
	earlier := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	later := earlier.Add(time.Hour)
	fr, err := frame.NewFrame(1, []frame.Column{
		{Name: "seen_at", Type: frame.ColumnTimestamp, TimestampValues: []time.Time{later}, Valid: []bool{true}},
	})
	require.NoError(t, err)

	node := schema.ExprV1{Op: schema.ExprOpGt, Left: field("seen_at"), Right: lit(earlier.Format(time.RFC3339))}
	col, err := Eval(node, fr, nil, 32, 512)
	require.NoError(t, err)
	assert.True(t, col.Valid[0])
	assert.True(t, col.BoolValues[0], "seen_at is after the RFC3339 literal cutoff")
}

func TestResolveLiteral_UnresolvedFieldRefFallsBackToStringConstant(t *testing.T) {
	fr, err := frame.NewFrame(2, []frame.Column{
		{Name: "status", Type: frame.ColumnString, StringValues: []string{"confirmed", "pending"}, Valid: []bool{true, true}},
	})
	require.NoError(t, err)

	node := schema.ExprV1{Op: schema.ExprOpEq, Left: field("status"), Right: lit("confirmed")}
	col, err := Eval(node, fr, nil, 32, 512)
	require.NoError(t, err)
	assert.True(t, col.Valid[0])
	assert.True(t, col.BoolValues[0])
	assert.True(t, col.Valid[1])
	assert.False(t, col.BoolValues[1])
}
