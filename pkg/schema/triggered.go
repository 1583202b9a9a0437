package schema

import "encoding/json"

// AlertTriggeredBatchSchemaVersionV1 is the schema_version of AlertTriggeredBatchV1.
const AlertTriggeredBatchSchemaVersionV1 = "alert_triggered_batch_v1"

// AlertTriggeredMatchV1 is one matched target carried in a triggered batch.
type AlertTriggeredMatchV1 struct {
	TargetKey    string          `json:"target_key"`
	MatchContext json.RawMessage `json:"match_context"`
}

// AlertTriggeredBatchV1 is the Processor's sole output: every match for one
// (job_id, instance_id) pair, batched into a single outbound message for
// the Router.
type AlertTriggeredBatchV1 struct {
	SchemaVersion string                  `json:"schema_version"`
	JobID         string                  `json:"job_id"`
	RunID         string                  `json:"run_id"`
	InstanceID    string                  `json:"instance_id"`
	Partition     PartitionV1             `json:"partition"`
	Schedule      *ScheduleV1             `json:"schedule,omitempty"`
	Tx            *EvaluationTxV1         `json:"tx,omitempty"`
	Matches       []AlertTriggeredMatchV1 `json:"matches"`
}
