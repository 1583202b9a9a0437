package schema

import "encoding/json"

const (
	PolarsEvalRequestSchemaVersionV1  = "polars_eval_request_v1"
	PolarsEvalRequestSchemaVersionV2  = "polars_eval_request_v2"
	PolarsEvalResponseSchemaVersionV1 = "polars_eval_response_v1"

	// ArrowIPCStreamBase64Format names the wire encoding of ArrowFrameV1.Data:
	// an Apache Arrow IPC stream, base64-encoded.
	ArrowIPCStreamBase64Format = "arrow_ipc_stream_base64"
)

// ArrowFrameV1 is a self-describing columnar batch: Format names the wire
// encoding (always ArrowIPCStreamBase64Format today, left as a string so a
// future encoding can be introduced without a schema_version bump on its
// containing request/response).
type ArrowFrameV1 struct {
	Format string `json:"format"`
	Data   string `json:"data"`
}

// OutputFieldV1 names one column the Processor wants echoed back in each
// match's context, optionally under an Alias friendlier to template
// interpolation than the raw column reference.
type OutputFieldV1 struct {
	Ref   string  `json:"ref"`
	Alias *string `json:"alias,omitempty"`
}

// PolarsEvalRequestV1 carries a template inline: the Evaluator compiles it
// itself. Superseded for new traffic by V2 (which carries a pinned
// executable instead), but kept so already-enqueued V1 requests still
// decode during a rolling deploy.
type PolarsEvalRequestV1 struct {
	SchemaVersion     string              `json:"schema_version"`
	RequestID         string              `json:"request_id"`
	JobID             string              `json:"job_id"`
	RunID             string              `json:"run_id"`
	Template          AlertTemplateV1     `json:"template"`
	EvaluationContext EvaluationContextV1 `json:"evaluation_context"`
	Frame             ArrowFrameV1        `json:"frame"`
	OutputFields      []OutputFieldV1     `json:"output_fields"`
}

// PolarsEvalRequestV2 carries a pinned AlertExecutableV1 instead of a raw
// template, so the Evaluator's compiled-expression cache can key on the
// executable's fingerprint rather than hashing the template body itself.
type PolarsEvalRequestV2 struct {
	SchemaVersion     string              `json:"schema_version"`
	RequestID         string              `json:"request_id"`
	JobID             string              `json:"job_id"`
	RunID             string              `json:"run_id"`
	Executable        AlertExecutableV1   `json:"executable"`
	EvaluationContext EvaluationContextV1 `json:"evaluation_context"`
	Frame             ArrowFrameV1        `json:"frame"`
	OutputFields      []OutputFieldV1     `json:"output_fields"`
}

// PolarsEvalMatchV1 is one row that satisfied the condition set.
type PolarsEvalMatchV1 struct {
	TargetKey    string          `json:"target_key"`
	MatchContext json.RawMessage `json:"match_context"`
}

// PolarsEvalErrorV1 reports an evaluation failure in-band rather than as a
// bus-level nak, so the Processor can distinguish "evaluated, zero
// matches" from "failed to evaluate" without relying on timing.
type PolarsEvalErrorV1 struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PolarsEvalTimingsV1 reports internal phase durations in milliseconds,
// for tracing and capacity planning.
type PolarsEvalTimingsV1 struct {
	Total       uint64 `json:"total"`
	Enrichments uint64 `json:"enrichments"`
	Conditions  uint64 `json:"conditions"`
}

// PolarsEvalResponseV1 is the Evaluator's reply to either request version.
type PolarsEvalResponseV1 struct {
	SchemaVersion string                `json:"schema_version"`
	RequestID     string                `json:"request_id"`
	JobID         string                `json:"job_id"`
	RunID         string                `json:"run_id"`
	InstanceID    string                `json:"instance_id"`
	Partition     PartitionV1           `json:"partition"`
	RowsEvaluated int64                 `json:"rows_evaluated"`
	Matched       []PolarsEvalMatchV1   `json:"matched,omitempty"`
	Error         *PolarsEvalErrorV1    `json:"error,omitempty"`
	TimingsMs     *PolarsEvalTimingsV1  `json:"timings_ms,omitempty"`
}
