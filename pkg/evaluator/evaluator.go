// Package evaluator answers eval.request.* calls: it decodes a frame and
// a pinned (or inline) expression tree, runs enrichments and the
// condition set against it, and replies with every matched target plus
// the requested output fields. The Evaluator keeps no state between
// requests — a crashed or slow replica just times out its caller, never
// corrupts another replica's in-flight work.
package evaluator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/chainalert/runtime/internal/apperrors"
	"github.com/chainalert/runtime/internal/telemetry"
	"github.com/chainalert/runtime/pkg/bus"
	"github.com/chainalert/runtime/pkg/expr"
	"github.com/chainalert/runtime/pkg/frame"
	"github.com/chainalert/runtime/pkg/schema"
	"github.com/chainalert/runtime/pkg/subject"
)

// Config bounds the Evaluator's runtime behavior.
type Config struct {
	QueueGroup string
	CacheSize  int
	Limits     expr.Limits
}

// DefaultConfig returns the Evaluator's documented defaults.
func DefaultConfig() Config {
	return Config{QueueGroup: "evaluator", CacheSize: 1024, Limits: expr.DefaultLimits()}
}

// Evaluator is the eval.request.* responder.
type Evaluator struct {
	bus   bus.Bus
	cache *expr.Cache
	cfg   Config
}

// New constructs an Evaluator backed by cache, which may be shared across
// Evaluator instances (it is concurrency-safe) to widen the effective
// compiled-expression hit rate under multiple replicas.
func New(b bus.Bus, cache *expr.Cache, cfg Config) *Evaluator {
	return &Evaluator{bus: b, cache: cache, cfg: cfg}
}

// Run serves eval requests until ctx is cancelled.
func (e *Evaluator) Run(ctx context.Context) error {
	return e.bus.ServeRequests(ctx, subject.EvalRequestWildcard(), e.cfg.QueueGroup, e.handleRequest)
}

// envelope probes the schema_version discriminator common to every
// PolarsEvalRequest version before committing to one concrete shape.
type envelope struct {
	SchemaVersion string `json:"schema_version"`
}

// handleRequest never returns an error for an evaluation failure — those
// are reported in-band as PolarsEvalResponseV1.Error so the Processor can
// tell "evaluated, zero matches" from "the request never got a reply"
// without relying on timing. An error here means the payload could not
// even be parsed enough to build a response envelope, in which case the
// caller's Request simply times out.
func (e *Evaluator) handleRequest(ctx context.Context, subj string, data []byte) ([]byte, error) {
	var probe envelope
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, apperrors.NewContractMismatch("polars_eval_request", err)
	}

	switch probe.SchemaVersion {
	case schema.PolarsEvalRequestSchemaVersionV1:
		return e.handleV1(ctx, data)
	case schema.PolarsEvalRequestSchemaVersionV2:
		return e.handleV2(ctx, data)
	default:
		return nil, apperrors.NewContractMismatch(probe.SchemaVersion, nil)
	}
}

func (e *Evaluator) handleV1(ctx context.Context, data []byte) ([]byte, error) {
	var req schema.PolarsEvalRequestV1
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, apperrors.NewContractMismatch("polars_eval_request_v1", err)
	}
	fingerprint, err := inlineFingerprint(req.Template.Enrichments, req.Template.Conditions)
	if err != nil {
		return nil, err
	}
	resp := e.evaluate(ctx, evalInput{
		RequestID:         req.RequestID,
		JobID:             req.JobID,
		RunID:             req.RunID,
		Fingerprint:       fingerprint,
		Enrichments:       req.Template.Enrichments,
		Conditions:        req.Template.Conditions,
		EvaluationContext: req.EvaluationContext,
		Frame:             req.Frame,
		OutputFields:      req.OutputFields,
	})
	return json.Marshal(resp)
}

func (e *Evaluator) handleV2(ctx context.Context, data []byte) ([]byte, error) {
	var req schema.PolarsEvalRequestV2
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, apperrors.NewContractMismatch("polars_eval_request_v2", err)
	}
	resp := e.evaluate(ctx, evalInput{
		RequestID:         req.RequestID,
		JobID:             req.JobID,
		RunID:             req.RunID,
		Fingerprint:       req.Executable.Template.Fingerprint,
		Enrichments:       req.Executable.Enrichments,
		Conditions:        req.Executable.Conditions,
		EvaluationContext: req.EvaluationContext,
		Frame:             req.Frame,
		OutputFields:      req.OutputFields,
	})
	return json.Marshal(resp)
}

// evalInput is the version-agnostic shape both request generations reduce
// to before the actual evaluation logic runs.
type evalInput struct {
	RequestID         string
	JobID             string
	RunID             string
	Fingerprint       string
	Enrichments       []schema.EnrichmentV1
	Conditions        schema.ConditionSetV1
	EvaluationContext schema.EvaluationContextV1
	Frame             schema.ArrowFrameV1
	OutputFields      []schema.OutputFieldV1
}

func (e *Evaluator) evaluate(ctx context.Context, in evalInput) schema.PolarsEvalResponseV1 {
	start := time.Now()
	logger := telemetry.GetContextualLogger(ctx).WithFields(map[string]interface{}{
		"request_id": in.RequestID,
		"job_id":     in.JobID,
	})

	base := schema.PolarsEvalResponseV1{
		SchemaVersion: schema.PolarsEvalResponseSchemaVersionV1,
		RequestID:     in.RequestID,
		JobID:         in.JobID,
		RunID:         in.RunID,
		InstanceID:    in.EvaluationContext.Instance.InstanceID,
		Partition:     in.EvaluationContext.Partition,
	}

	if len(in.OutputFields) > e.cfg.Limits.MaxOutputRef {
		err := apperrors.NewLimitsExceeded("output_refs", len(in.OutputFields), e.cfg.Limits.MaxOutputRef)
		logger.Warnf("output field limit exceeded: %v", err)
		base.Error = errorOf(err)
		return base
	}

	compiled, err := e.cache.GetOrCompile(in.Fingerprint, in.Enrichments, in.Conditions, e.cfg.Limits)
	if err != nil {
		logger.Warnf("expression compile failed: %v", err)
		base.Error = errorOf(err)
		return base
	}

	fr, err := frame.Decode(in.Frame)
	if err != nil {
		logger.Warnf("frame decode failed: %v", err)
		base.Error = errorOf(err)
		return base
	}
	base.RowsEvaluated = int64(fr.NumRows)

	enrichStart := time.Now()
	enriched, err := expr.ApplyEnrichments(fr, compiled.Enrichments, in.EvaluationContext.Variables, e.cfg.Limits)
	if err != nil {
		logger.Warnf("enrichment failed: %v", err)
		base.Error = errorOf(err)
		return base
	}
	enrichMs := time.Since(enrichStart)

	condStart := time.Now()
	matchedRows, err := expr.SelectMatches(compiled.Conditions, enriched, in.EvaluationContext.Variables, e.cfg.Limits)
	if err != nil {
		logger.Warnf("condition evaluation failed: %v", err)
		base.Error = errorOf(err)
		return base
	}
	condMs := time.Since(condStart)

	variables, _ := decodeVariables(in.EvaluationContext.Variables)
	matches := make([]schema.PolarsEvalMatchV1, 0, len(matchedRows))
	for _, row := range matchedRows {
		targetKey, _ := stringColumnValue(enriched, "target_key", row)
		ctxJSON, err := matchContext(enriched, variables, in.OutputFields, row)
		if err != nil {
			logger.Warnf("match context build failed for row %d: %v", row, err)
			base.Error = errorOf(err)
			return base
		}
		matches = append(matches, schema.PolarsEvalMatchV1{TargetKey: targetKey, MatchContext: ctxJSON})
	}
	base.Matched = matches
	base.TimingsMs = &schema.PolarsEvalTimingsV1{
		Total:       uint64(time.Since(start).Milliseconds()),
		Enrichments: uint64(enrichMs.Milliseconds()),
		Conditions:  uint64(condMs.Milliseconds()),
	}
	return base
}

func errorOf(err error) *schema.PolarsEvalErrorV1 {
	var appErr *apperrors.AppError
	if ae, ok := err.(*apperrors.AppError); ok {
		appErr = ae
	}
	if appErr == nil {
		return &schema.PolarsEvalErrorV1{Code: "internal", Message: err.Error()}
	}
	return &schema.PolarsEvalErrorV1{Code: string(appErr.Type), Message: appErr.Error()}
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

func stringColumnValue(fr *frame.Frame, name string, row int) (string, bool) {
	col, ok := fr.ColumnByName(name)
	if !ok || col.Type != frame.ColumnString || col.IsNull(row) {
		return "", false
	}
	return col.StringValues[row], true
}

// matchContext resolves every requested output field for one matched row,
// using the same frame-column-then-variables precedence pkg/expr uses for
// a field-reference literal, and assembles the result into a JSON object
// keyed by each field's alias (or its raw ref, if it has none).
func matchContext(fr *frame.Frame, variables map[string]json.RawMessage, fields []schema.OutputFieldV1, row int) (json.RawMessage, error) {
	out := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		key := f.Ref
		if f.Alias != nil && *f.Alias != "" {
			key = *f.Alias
		}
		val, err := resolveOutputValue(fr, variables, f.Ref, row)
		if err != nil {
			return nil, err
		}
		out[key] = val
	}
	return json.Marshal(out)
}

func resolveOutputValue(fr *frame.Frame, variables map[string]json.RawMessage, ref string, row int) (interface{}, error) {
	if col, ok := fr.ColumnByName(ref); ok {
		return columnValueAt(*col, row), nil
	}
	if raw, ok := variables[ref]; ok {
		var v interface{}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, apperrors.NewContractMismatch("output_field_variable", err).WithMetadata("ref", ref)
		}
		return v, nil
	}
	return nil, nil
}

func columnValueAt(col frame.Column, row int) interface{} {
	if col.IsNull(row) {
		return nil
	}
	switch col.Type {
	case frame.ColumnFloat64:
		return col.Float64Values[row]
	case frame.ColumnString:
		return col.StringValues[row]
	case frame.ColumnBool:
		return col.BoolValues[row]
	case frame.ColumnTimestamp:
		return col.TimestampValues[row]
	default:
		return nil
	}
}

// inlineFingerprint derives a stable cache key for a V1 request's inline
// template, which (unlike a pinned AlertExecutableV1) carries no
// fingerprint of its own.
func inlineFingerprint(enrichments []schema.EnrichmentV1, conditions schema.ConditionSetV1) (string, error) {
	raw, err := json.Marshal(struct {
		Enrichments []schema.EnrichmentV1 `json:"enrichments"`
		Conditions  schema.ConditionSetV1 `json:"conditions"`
	}{enrichments, conditions})
	if err != nil {
		return "", apperrors.NewInternal("inline_fingerprint", err)
	}
	sum := sha256.Sum256(raw)
	return "inline:" + hex.EncodeToString(sum[:]), nil
}
