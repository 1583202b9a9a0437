package expr

import (
	"encoding/json"
	"time"

	"github.com/chainalert/runtime/internal/apperrors"
	"github.com/chainalert/runtime/pkg/frame"
	"github.com/chainalert/runtime/pkg/schema"
)

// evalCtx threads the frame and eval-context variables through a single
// expression-tree walk, plus the node/depth budget that walk must respect.
type evalCtx struct {
	fr        *frame.Frame
	variables map[string]json.RawMessage
	maxDepth  int
	maxNodes  int
	nodes     int
}

func (c *evalCtx) countNode() error {
	c.nodes++
	if c.nodes > c.maxNodes {
		return apperrors.NewLimitsExceeded("expr_node_count", c.nodes, c.maxNodes)
	}
	return nil
}

// Eval walks expr against fr and the given eval-context variables,
// returning a column of expr's result, one value per row of fr. Depth and
// node counting follow Compile: the root is depth 1 and every literal
// operand counts as a node.
func Eval(expr schema.ExprV1, fr *frame.Frame, variablesJSON json.RawMessage, maxDepth, maxNodes int) (frame.Column, error) {
	vars, err := decodeVariables(variablesJSON)
	if err != nil {
		return frame.Column{}, err
	}
	c := &evalCtx{fr: fr, variables: vars, maxDepth: maxDepth, maxNodes: maxNodes}
	return c.eval(expr, 1)
}

func decodeVariables(raw json.RawMessage) (map[string]json.RawMessage, error) {
	if len(raw) == 0 {
		return map[string]json.RawMessage{}, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, apperrors.NewContractMismatch("evaluation_context_variables", err)
	}
	return m, nil
}

func (c *evalCtx) eval(node schema.ExprV1, depth int) (frame.Column, error) {
	if depth > c.maxDepth {
		return frame.Column{}, apperrors.NewLimitsExceeded("expr_depth", depth, c.maxDepth)
	}
	if err := c.countNode(); err != nil {
		return frame.Column{}, err
	}

	switch node.Op {
	case schema.ExprOpAdd, schema.ExprOpSub, schema.ExprOpMul, schema.ExprOpDiv:
		return c.evalArithmetic(node, depth)
	case schema.ExprOpGt, schema.ExprOpGte, schema.ExprOpLt, schema.ExprOpLte, schema.ExprOpEq, schema.ExprOpNeq:
		return c.evalComparison(node, depth)
	case schema.ExprOpAnd, schema.ExprOpOr:
		return c.evalBooleanNary(node, depth)
	case schema.ExprOpNot:
		return c.evalNot(node, depth)
	case schema.ExprOpCoalesce:
		return c.evalCoalesce(node, depth)
	default:
		return frame.Column{}, apperrors.NewValidation("op", "unrecognized expression operator: "+string(node.Op))
	}
}

func (c *evalCtx) resolveOperand(op *schema.ExprOperandV1, depth int) (frame.Column, error) {
	if op == nil {
		return frame.Column{}, apperrors.NewValidation("operand", "missing required operand")
	}
	if op.Expr != nil {
		return c.eval(*op.Expr, depth+1)
	}
	if err := c.countNode(); err != nil {
		return frame.Column{}, err
	}
	return c.resolveLiteral(op.Literal)
}

// resolveLiteral implements the field-reference convention: a JSON string
// literal is interpreted as a field reference first — resolved against the
// frame's columns, then against the evaluation context's variables — and
// only once neither resolves does it fall back to a literal string
// constant (an RFC3339 timestamp first, since timestamp columns have no
// other way to compare against a constant). Every other JSON scalar
// (number, bool, null) is always a literal constant broadcast across every
// row.
func (c *evalCtx) resolveLiteral(raw json.RawMessage) (frame.Column, error) {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if col, ok := c.fr.ColumnByName(asString); ok {
			return *col, nil
		}
		if varRaw, ok := c.variables[asString]; ok {
			return c.literalFromVariable(varRaw)
		}
		if ts, err := time.Parse(time.RFC3339, asString); err == nil {
			return constTimestamp(c.fr.NumRows, ts), nil
		}
		return constString(c.fr.NumRows, asString), nil
	}

	var asFloat float64
	if err := json.Unmarshal(raw, &asFloat); err == nil {
		return constFloat64(c.fr.NumRows, asFloat), nil
	}

	var asBool bool
	if err := json.Unmarshal(raw, &asBool); err == nil {
		return constBool(c.fr.NumRows, asBool), nil
	}

	if string(raw) == "null" || len(raw) == 0 {
		return allNullOf(c.fr.NumRows, frame.ColumnFloat64), nil
	}

	return frame.Column{}, apperrors.NewValidation("literal", "unsupported literal value: "+string(raw))
}

func (c *evalCtx) literalFromVariable(raw json.RawMessage) (frame.Column, error) {
	if string(raw) == "null" {
		return allNullOf(c.fr.NumRows, frame.ColumnFloat64), nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return constFloat64(c.fr.NumRows, f), nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return constBool(c.fr.NumRows, b), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return constString(c.fr.NumRows, s), nil
	}
	return frame.Column{}, apperrors.NewValidation("variable", "unsupported variable value type")
}

func (c *evalCtx) evalArithmetic(node schema.ExprV1, depth int) (frame.Column, error) {
	left, err := c.resolveOperand(node.Left, depth)
	if err != nil {
		return frame.Column{}, err
	}
	right, err := c.resolveOperand(node.Right, depth)
	if err != nil {
		return frame.Column{}, err
	}
	if left.Type != frame.ColumnFloat64 || right.Type != frame.ColumnFloat64 {
		return frame.Column{}, apperrors.NewValidation("op",
			"arithmetic operators require numeric operands")
	}

	out := allNullOf(c.fr.NumRows, frame.ColumnFloat64)
	for i := 0; i < c.fr.NumRows; i++ {
		if left.IsNull(i) || right.IsNull(i) {
			continue
		}
		l, r := left.Float64Values[i], right.Float64Values[i]
		var v float64
		switch node.Op {
		case schema.ExprOpAdd:
			v = l + r
		case schema.ExprOpSub:
			v = l - r
		case schema.ExprOpMul:
			v = l * r
		case schema.ExprOpDiv:
			if r == 0 {
				continue // division by zero propagates as null, not an error
			}
			v = l / r
		}
		out.Float64Values[i] = v
		out.Valid[i] = true
	}
	return out, nil
}

func (c *evalCtx) evalComparison(node schema.ExprV1, depth int) (frame.Column, error) {
	left, err := c.resolveOperand(node.Left, depth)
	if err != nil {
		return frame.Column{}, err
	}
	right, err := c.resolveOperand(node.Right, depth)
	if err != nil {
		return frame.Column{}, err
	}
	if left.Type != right.Type {
		return frame.Column{}, apperrors.NewValidation("op",
			"comparison operators require operands of the same type")
	}

	out := allNullOf(c.fr.NumRows, frame.ColumnBool)
	for i := 0; i < c.fr.NumRows; i++ {
		if left.IsNull(i) || right.IsNull(i) {
			continue
		}
		cmp, err := compareAt(node.Op, left, right, i)
		if err != nil {
			return frame.Column{}, err
		}
		out.BoolValues[i] = cmp
		out.Valid[i] = true
	}
	return out, nil
}

func compareAt(op schema.ExprOpV1, left, right frame.Column, i int) (bool, error) {
	switch left.Type {
	case frame.ColumnFloat64:
		return compareOrdered(op, left.Float64Values[i], right.Float64Values[i])
	case frame.ColumnString:
		return compareOrdered(op, left.StringValues[i], right.StringValues[i])
	case frame.ColumnTimestamp:
		l, r := left.TimestampValues[i], right.TimestampValues[i]
		switch op {
		case schema.ExprOpGt:
			return l.After(r), nil
		case schema.ExprOpGte:
			return !l.Before(r), nil
		case schema.ExprOpLt:
			return l.Before(r), nil
		case schema.ExprOpLte:
			return !l.After(r), nil
		case schema.ExprOpEq:
			return l.Equal(r), nil
		case schema.ExprOpNeq:
			return !l.Equal(r), nil
		}
	case frame.ColumnBool:
		if op != schema.ExprOpEq && op != schema.ExprOpNeq {
			return false, apperrors.NewValidation("op", "boolean columns only support eq/neq")
		}
		eq := left.BoolValues[i] == right.BoolValues[i]
		if op == schema.ExprOpNeq {
			return !eq, nil
		}
		return eq, nil
	}
	return false, apperrors.NewValidation("op", "unsupported comparison column type")
}

type ordered interface{ ~float64 | ~string }

func compareOrdered[T ordered](op schema.ExprOpV1, l, r T) (bool, error) {
	switch op {
	case schema.ExprOpGt:
		return l > r, nil
	case schema.ExprOpGte:
		return l >= r, nil
	case schema.ExprOpLt:
		return l < r, nil
	case schema.ExprOpLte:
		return l <= r, nil
	case schema.ExprOpEq:
		return l == r, nil
	case schema.ExprOpNeq:
		return l != r, nil
	default:
		return false, apperrors.NewValidation("op", "unsupported comparison operator")
	}
}

// evalBooleanNary implements Kleene three-valued AND/OR over every operand
// in node.Values: AND is false if any operand is false (regardless of
// nulls), else null if any operand is null, else true; OR is true if any
// operand is true, else null if any operand is null, else false.
func (c *evalCtx) evalBooleanNary(node schema.ExprV1, depth int) (frame.Column, error) {
	if len(node.Values) == 0 {
		return frame.Column{}, apperrors.NewValidation("values",
			"and/or require at least one operand")
	}
	operands := make([]frame.Column, len(node.Values))
	for i, v := range node.Values {
		v := v
		col, err := c.resolveOperand(&v, depth)
		if err != nil {
			return frame.Column{}, err
		}
		if col.Type != frame.ColumnBool {
			return frame.Column{}, apperrors.NewValidation("op",
				"and/or operands must be boolean")
		}
		operands[i] = col
	}

	out := allNullOf(c.fr.NumRows, frame.ColumnBool)
	isAnd := node.Op == schema.ExprOpAnd
	for row := 0; row < c.fr.NumRows; row++ {
		sawNull := false
		decisive := false
		result := isAnd
		for _, col := range operands {
			v, isNull := boolAt(col, row)
			if isNull {
				sawNull = true
				continue
			}
			if isAnd && !v {
				decisive, result = true, false
				break
			}
			if !isAnd && v {
				decisive, result = true, true
				break
			}
		}
		switch {
		case decisive:
			out.BoolValues[row], out.Valid[row] = result, true
		case sawNull:
			// leave Valid[row] = false: the Kleene null case
		default:
			out.BoolValues[row], out.Valid[row] = isAnd, true
		}
	}
	return out, nil
}

func (c *evalCtx) evalNot(node schema.ExprV1, depth int) (frame.Column, error) {
	operand, err := c.resolveOperand(node.Left, depth)
	if err != nil {
		return frame.Column{}, err
	}
	if operand.Type != frame.ColumnBool {
		return frame.Column{}, apperrors.NewValidation("op", "not requires a boolean operand")
	}
	out := allNullOf(c.fr.NumRows, frame.ColumnBool)
	for i := 0; i < c.fr.NumRows; i++ {
		if operand.IsNull(i) {
			continue
		}
		out.BoolValues[i] = !operand.BoolValues[i]
		out.Valid[i] = true
	}
	return out, nil
}

// evalCoalesce returns, per row, the first non-null value among
// node.Values, or null if every operand is null at that row. All operands
// must share the same column type.
func (c *evalCtx) evalCoalesce(node schema.ExprV1, depth int) (frame.Column, error) {
	if len(node.Values) == 0 {
		return frame.Column{}, apperrors.NewValidation("values", "coalesce requires at least one operand")
	}
	operands := make([]frame.Column, len(node.Values))
	for i, v := range node.Values {
		v := v
		col, err := c.resolveOperand(&v, depth)
		if err != nil {
			return frame.Column{}, err
		}
		if i > 0 && col.Type != operands[0].Type {
			return frame.Column{}, apperrors.NewValidation("values",
				"coalesce operands must share the same type")
		}
		operands[i] = col
	}

	out := allNullOf(c.fr.NumRows, operands[0].Type)
	for row := 0; row < c.fr.NumRows; row++ {
		for _, col := range operands {
			if col.IsNull(row) {
				continue
			}
			copyCell(&out, col, row)
			break
		}
	}
	return out, nil
}

func copyCell(dst *frame.Column, src frame.Column, row int) {
	dst.Valid[row] = true
	switch src.Type {
	case frame.ColumnFloat64:
		dst.Float64Values[row] = src.Float64Values[row]
	case frame.ColumnString:
		dst.StringValues[row] = src.StringValues[row]
	case frame.ColumnBool:
		dst.BoolValues[row] = src.BoolValues[row]
	case frame.ColumnTimestamp:
		dst.TimestampValues[row] = src.TimestampValues[row]
	}
}
