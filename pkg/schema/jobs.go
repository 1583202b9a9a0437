package schema

import "time"

// AlertEvaluationJobSchemaVersionV1 is the schema_version of AlertEvaluationJobV1.
const AlertEvaluationJobSchemaVersionV1 = "alert_evaluation_job_v1"

// JobPriorityV1 selects which alerts.jobs.create.*.* queue a job is
// published to.
type JobPriorityV1 string

const (
	JobPriorityCritical JobPriorityV1 = "critical"
	JobPriorityHigh     JobPriorityV1 = "high"
	JobPriorityNormal   JobPriorityV1 = "normal"
	JobPriorityLow      JobPriorityV1 = "low"
)

// JobMetaV1 identifies and timestamps one evaluation job.
type JobMetaV1 struct {
	JobID     string        `json:"job_id"`
	Priority  JobPriorityV1 `json:"priority"`
	CreatedAt time.Time     `json:"created_at"`
}

// AlertEvaluationJobV1 is the Scheduler's sole output: one evaluation job
// bound to its full context, published to a priority-banded work queue for
// the Processor to pick up.
type AlertEvaluationJobV1 struct {
	SchemaVersion      string               `json:"schema_version"`
	Job                JobMetaV1            `json:"job"`
	EvaluationContext  EvaluationContextV1  `json:"evaluation_context"`
}

// JobCreateSubject builds the alerts.jobs.create.{trigger_type}.{priority}
// subject a job of this trigger type and priority is published to.
func JobCreateSubject(triggerType TriggerTypeV1, priority JobPriorityV1) string {
	return "alerts.jobs.create." + string(triggerType) + "." + string(priority)
}
