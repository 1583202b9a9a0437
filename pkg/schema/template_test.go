package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExprOperandV1_LiteralRoundtrip(t *testing.T) {
	raw := []byte(`{"op":"gt","left":{"op":"add","left":1000,"right":200},"right":1200}`)

	var expr ExprV1
	require.NoError(t, json.Unmarshal(raw, &expr))

	assert.Equal(t, ExprOpGt, expr.Op)
	require.NotNil(t, expr.Left)
	require.NotNil(t, expr.Left.Expr)
	assert.Equal(t, ExprOpAdd, expr.Left.Expr.Op)
	require.NotNil(t, expr.Right)
	assert.Nil(t, expr.Right.Expr)
	assert.JSONEq(t, "1200", string(expr.Right.Literal))

	out, err := json.Marshal(expr)
	require.NoError(t, err)

	var roundtripped ExprV1
	require.NoError(t, json.Unmarshal(out, &roundtripped))
	assert.Equal(t, expr.Op, roundtripped.Op)
	assert.Equal(t, expr.Left.Expr.Op, roundtripped.Left.Expr.Op)
}

func TestExprOperandV1_CoalesceValues(t *testing.T) {
	raw := []byte(`{"op":"coalesce","values":[null,"fallback"]}`)

	var expr ExprV1
	require.NoError(t, json.Unmarshal(raw, &expr))

	require.Len(t, expr.Values, 2)
	assert.Nil(t, expr.Values[0].Expr)
	assert.JSONEq(t, "null", string(expr.Values[0].Literal))
	assert.JSONEq(t, `"fallback"`, string(expr.Values[1].Literal))
}
