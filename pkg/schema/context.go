package schema

import (
	"encoding/json"
	"time"
)

// EvaluationContextSchemaVersionV1 is the schema_version of EvaluationContextV1.
const EvaluationContextSchemaVersionV1 = "evaluation_context_v1"

// TriggerTypeV1 names how a job came to exist.
type TriggerTypeV1 string

const (
	TriggerTypeEventDriven TriggerTypeV1 = "event_driven"
	TriggerTypePeriodic    TriggerTypeV1 = "periodic"
	TriggerTypeOneTime     TriggerTypeV1 = "one_time"
)

// EvaluationContextRunV1 identifies the run this job belongs to and its
// retry attempt number, used for idempotency and tracing correlation.
type EvaluationContextRunV1 struct {
	RunID       string        `json:"run_id"`
	Attempt     uint32        `json:"attempt"`
	TriggerType TriggerTypeV1 `json:"trigger_type"`
	EnqueuedAt  time.Time     `json:"enqueued_at"`
	StartedAt   time.Time     `json:"started_at"`
}

// EvaluationContextInstanceV1 identifies the alert instance and the exact
// template version it was configured from.
type EvaluationContextInstanceV1 struct {
	InstanceID      string          `json:"instance_id"`
	UserID          json.RawMessage `json:"user_id"`
	TemplateID      string          `json:"template_id"`
	TemplateVersion int64           `json:"template_version"`
	// Fingerprint pins the exact executable content this job was scheduled
	// against; the Processor rejects a loaded executable whose own
	// fingerprint disagrees with this reference (ContractMismatch).
	Fingerprint string `json:"fingerprint"`
}

// PartitionV1 identifies the chain partition a job evaluates against.
type PartitionV1 struct {
	Network string `json:"network"`
	Subnet  string `json:"subnet"`
	ChainID int64  `json:"chain_id"`
}

// ScheduleV1 carries the wall-clock timing a periodic/one-time job fired
// at, and how far behind real time the queried data is allowed to lag.
type ScheduleV1 struct {
	ScheduledFor   time.Time `json:"scheduled_for"`
	DataLagSecs    int64     `json:"data_lag_secs"`
	EffectiveAsOf  time.Time `json:"effective_as_of"`
}

// TargetModeV1 selects how Targets.Keys should be interpreted.
type TargetModeV1 string

const (
	TargetModeKeys  TargetModeV1 = "keys"
	TargetModeGroup TargetModeV1 = "group"
)

// TargetsV1 is the set of targets a job evaluates: either an explicit key
// list, or (Group mode) a reference to a server-side group resolved by the
// Processor before querying.
type TargetsV1 struct {
	Mode    TargetModeV1 `json:"mode"`
	GroupID *string      `json:"group_id,omitempty"`
	Keys    []string     `json:"keys"`
}

// TxKindV1 distinguishes a transaction-level event from a log-level event.
type TxKindV1 string

const (
	TxKindTx  TxKindV1 = "tx"
	TxKindLog TxKindV1 = "log"
)

// EvaluationTxV1 is the flattened on-chain event that triggered an
// event-driven job, carried in the evaluation context of the job and eval
// request and copied into the triggered batch; it is not added to the
// evaluation frame.
type EvaluationTxV1 struct {
	Kind           TxKindV1   `json:"kind"`
	Hash           string     `json:"hash"`
	From           *string    `json:"from,omitempty"`
	To             *string    `json:"to,omitempty"`
	MethodSelector *string    `json:"method_selector,omitempty"`
	ValueWei       *string    `json:"value_wei,omitempty"`
	ValueNative    *float64   `json:"value_native,omitempty"`
	LogIndex       *int64     `json:"log_index,omitempty"`
	LogAddress     *string    `json:"log_address,omitempty"`
	Topic0         *string    `json:"topic0,omitempty"`
	Topic1         *string    `json:"topic1,omitempty"`
	Topic2         *string    `json:"topic2,omitempty"`
	Topic3         *string    `json:"topic3,omitempty"`
	Data           *string    `json:"data,omitempty"`
	BlockNumber    int64      `json:"block_number"`
	BlockTimestamp time.Time  `json:"block_timestamp"`
}

// EvaluationContextV1 is the full context the Scheduler builds for one
// (instance, target set) evaluation and carries end-to-end through the
// eval request/response and into the triggered batch.
type EvaluationContextV1 struct {
	SchemaVersion string                       `json:"schema_version"`
	Run           EvaluationContextRunV1       `json:"run"`
	Instance      EvaluationContextInstanceV1  `json:"instance"`
	Partition     PartitionV1                  `json:"partition"`
	Schedule      *ScheduleV1                  `json:"schedule,omitempty"`
	Targets       TargetsV1                    `json:"targets"`
	Variables     json.RawMessage              `json:"variables"`
	Tx            *EvaluationTxV1              `json:"tx,omitempty"`
}
