// Package schema defines every versioned, self-describing wire record the
// runtime's components exchange over the bus. Every record carries an
// explicit schema_version string; consumers that do not recognize a
// version return a ContractMismatch error rather than guessing at a
// compatible shape.
package schema

import "encoding/json"

// AlertTemplateV1 is a user-authored alert definition: variables, a
// blockchain-event trigger filter, datasource bindings, derived
// enrichments, boolean conditions, a notification template, and the
// dedupe/cooldown action policy.
type AlertTemplateV1 struct {
	Version              string                 `json:"version"`
	Name                 string                 `json:"name"`
	Description          string                 `json:"description"`
	AlertType            string                 `json:"alert_type"`
	Variables            []AlertVariableV1      `json:"variables,omitempty"`
	Trigger              TriggerV1              `json:"trigger"`
	Datasources          []DatasourceRefV1      `json:"datasources,omitempty"`
	Enrichments          []EnrichmentV1         `json:"enrichments,omitempty"`
	Conditions           ConditionSetV1         `json:"conditions"`
	NotificationTemplate NotificationTemplateV1 `json:"notification_template"`
	Action               ActionV1               `json:"action"`
	Performance          json.RawMessage        `json:"performance,omitempty"`
	Warnings             []string               `json:"warnings,omitempty"`
}

// AlertVariableV1 declares one user-configurable, typed template input.
type AlertVariableV1 struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Label       string          `json:"label"`
	Description string          `json:"description,omitempty"`
	Required    bool            `json:"required"`
	Default     json.RawMessage `json:"default,omitempty"`
	Validation  json.RawMessage `json:"validation,omitempty"`
	UI          json.RawMessage `json:"ui,omitempty"`
}

// TriggerAddressFilterV1 filters by a set of addresses, either allow-listed
// (AnyOf), labeled (Labels, resolved against an external address book), or
// excluded (Not).
type TriggerAddressFilterV1 struct {
	AnyOf  []string `json:"any_of,omitempty"`
	Labels []string `json:"labels,omitempty"`
	Not    []string `json:"not,omitempty"`
}

// TriggerMethodFilterV1 filters EVM calls by method selector or name.
type TriggerMethodFilterV1 struct {
	SelectorAnyOf []string `json:"selector_any_of,omitempty"`
	NameAnyOf     []string `json:"name_any_of,omitempty"`
	Required      bool     `json:"required"`
}

// TriggerEventFilterV1 filters EVM logs by topic0 or event name.
type TriggerEventFilterV1 struct {
	Topic0AnyOf []string `json:"topic0_any_of,omitempty"`
	NameAnyOf   []string `json:"name_any_of,omitempty"`
	Required    bool     `json:"required"`
}

// TriggerV1 is the full on-chain-event match filter for a template.
type TriggerV1 struct {
	ChainID *int64                  `json:"chain_id,omitempty"`
	TxType  string                  `json:"tx_type"`
	From    TriggerAddressFilterV1  `json:"from"`
	To      TriggerAddressFilterV1  `json:"to"`
	Method  TriggerMethodFilterV1   `json:"method"`
	Event   *TriggerEventFilterV1   `json:"event,omitempty"`
}

// DatasourceRefV1 names one columnar query the Processor must resolve and
// join into the evaluation frame before the expression tree runs.
type DatasourceRefV1 struct {
	ID            string          `json:"id"`
	CatalogID     string          `json:"catalog_id"`
	Bindings      json.RawMessage `json:"bindings"`
	CacheTTLSecs  int64           `json:"cache_ttl_secs"`
	TimeoutMs     int64           `json:"timeout_ms"`
}

// EnrichmentV1 derives a new column from an expression evaluated before
// the condition set runs, making its output available to conditions and
// to the notification template by Output name.
type EnrichmentV1 struct {
	ID     string `json:"id"`
	Expr   ExprV1 `json:"expr"`
	Output string `json:"output"`
}

// ConditionSetV1 composes boolean expressions with all/any/not semantics:
// a row matches when every expression in All is true, at least one in Any
// is true (if Any is non-empty), and none in Not is true.
type ConditionSetV1 struct {
	All []ExprV1 `json:"all,omitempty"`
	Any []ExprV1 `json:"any,omitempty"`
	Not []ExprV1 `json:"not,omitempty"`
}

// ExprOpV1 names one node operation in the expression tree.
type ExprOpV1 string

const (
	ExprOpAdd      ExprOpV1 = "add"
	ExprOpSub      ExprOpV1 = "sub"
	ExprOpMul      ExprOpV1 = "mul"
	ExprOpDiv      ExprOpV1 = "div"
	ExprOpGt       ExprOpV1 = "gt"
	ExprOpGte      ExprOpV1 = "gte"
	ExprOpLt       ExprOpV1 = "lt"
	ExprOpLte      ExprOpV1 = "lte"
	ExprOpEq       ExprOpV1 = "eq"
	ExprOpNeq      ExprOpV1 = "neq"
	ExprOpAnd      ExprOpV1 = "and"
	ExprOpOr       ExprOpV1 = "or"
	ExprOpNot      ExprOpV1 = "not"
	ExprOpCoalesce ExprOpV1 = "coalesce"
)

// ExprOperandV1 is either a nested expression or a JSON literal — exactly
// one of Expr or Literal is set. This mirrors an externally-tagged Rust
// untagged enum: Go has no sum type, so the zero value of Expr (nil) means
// "this operand is the literal".
type ExprOperandV1 struct {
	Expr    *ExprV1         `json:"-"`
	Literal json.RawMessage `json:"-"`
}

// MarshalJSON emits whichever of Expr/Literal is set, matching the
// original untagged-enum wire shape.
func (o ExprOperandV1) MarshalJSON() ([]byte, error) {
	if o.Expr != nil {
		return json.Marshal(o.Expr)
	}
	if o.Literal != nil {
		return o.Literal, nil
	}
	return []byte("null"), nil
}

// UnmarshalJSON decodes an operand as a nested expression if it has an
// "op" field, otherwise as a literal JSON value.
func (o *ExprOperandV1) UnmarshalJSON(data []byte) error {
	var probe struct {
		Op json.RawMessage `json:"op"`
	}
	if err := json.Unmarshal(data, &probe); err == nil && probe.Op != nil {
		var inner ExprV1
		if err := json.Unmarshal(data, &inner); err != nil {
			return err
		}
		o.Expr = &inner
		o.Literal = nil
		return nil
	}
	o.Expr = nil
	o.Literal = append(json.RawMessage(nil), data...)
	return nil
}

// ExprV1 is one node of the expression tree. Binary/unary operators use
// Left/Right; Coalesce and the n-ary And/Or forms use Values.
type ExprV1 struct {
	Op     ExprOpV1         `json:"op"`
	Left   *ExprOperandV1   `json:"left,omitempty"`
	Right  *ExprOperandV1   `json:"right,omitempty"`
	Values []ExprOperandV1  `json:"values,omitempty"`
}

// NotificationTemplateV1 is the title/body pair rendered against a match's
// context before dispatch.
type NotificationTemplateV1 struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// ActionV1 is the dedupe/cooldown policy applied to every match.
type ActionV1 struct {
	NotificationPolicy string `json:"notification_policy"`
	CooldownSecs       int64  `json:"cooldown_secs"`
	CooldownKeyTemplate string `json:"cooldown_key_template"`
	DedupeKeyTemplate   string `json:"dedupe_key_template"`
}
