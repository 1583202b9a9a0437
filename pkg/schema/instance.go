package schema

import "encoding/json"

// AlertInstanceSchemaVersionV1 is the schema_version of AlertInstanceV1.
const AlertInstanceSchemaVersionV1 = "alert_instance_v1"

// AlertInstanceV1 is a user's pinned instantiation of a template: concrete
// variable bindings, target set, partition, delivery channels and the
// periodic cadence (if any), read-only to every core component and keyed
// by InstanceID in the key-value store.
type AlertInstanceV1 struct {
	SchemaVersion   string          `json:"schema_version"`
	InstanceID      string          `json:"instance_id"`
	UserID          json.RawMessage `json:"user_id"`
	AlertName       string          `json:"alert_name"`
	TemplateID      string          `json:"template_id"`
	TemplateVersion int64           `json:"template_version"`
	Fingerprint     string          `json:"fingerprint"`
	Partition       PartitionV1     `json:"partition"`
	Targets         TargetsV1       `json:"targets"`
	Variables       json.RawMessage `json:"variables"`
	Priority        JobPriorityV1   `json:"priority"`
	Channels        []string        `json:"channels"`
	// CronSchedule is a standard 5-field cron expression; empty for
	// instances that are only ever triggered one-time or event-driven.
	CronSchedule string `json:"cron_schedule,omitempty"`
	DataLagSecs  int64  `json:"data_lag_secs"`
	Enabled      bool   `json:"enabled"`
}
