package schema

import "time"

const (
	AlertScheduleEventDrivenSchemaVersionV1 = "alert_schedule_event_driven_v1"
	AlertSchedulePeriodicSchemaVersionV1    = "alert_schedule_periodic_v1"
	AlertScheduleOneTimeSchemaVersionV1     = "alert_schedule_one_time_v1"
)

// VmKindV1 names the virtual machine family a chain partition implements.
// Only Evm is exercised by this runtime's conditions/enrichments; Svm and
// Utxo are modeled so upstream ingestion's schedule requests round-trip
// without loss even when this runtime does not yet evaluate them.
type VmKindV1 string

const (
	VmKindEvm  VmKindV1 = "evm"
	VmKindSvm  VmKindV1 = "svm"
	VmKindUtxo VmKindV1 = "utxo"
)

// EvmTxV1 is a flattened EVM transaction carried in an event-driven
// schedule request.
type EvmTxV1 struct {
	Hash           string    `json:"hash"`
	From           string    `json:"from"`
	To             *string   `json:"to,omitempty"`
	Input          string    `json:"input"`
	MethodSelector *string   `json:"method_selector,omitempty"`
	ValueWei       string    `json:"value_wei"`
	ValueNative    float64   `json:"value_native"`
	BlockNumber    int64     `json:"block_number"`
	BlockTimestamp time.Time `json:"block_timestamp"`
}

// EvmLogV1 is a flattened EVM log carried in an event-driven schedule request.
type EvmLogV1 struct {
	TransactionHash string    `json:"transaction_hash"`
	LogIndex        int64     `json:"log_index"`
	Address         string    `json:"address"`
	Topic0          string    `json:"topic0"`
	Topic1          *string   `json:"topic1,omitempty"`
	Topic2          *string   `json:"topic2,omitempty"`
	Topic3          *string   `json:"topic3,omitempty"`
	Data            string    `json:"data"`
	BlockNumber     int64     `json:"block_number"`
	BlockTimestamp  time.Time `json:"block_timestamp"`
}

// ScheduleEventV1 carries exactly one of EvmTx or EvmLog, selected by Kind.
type ScheduleEventV1 struct {
	Kind  TxKindV1  `json:"kind"`
	EvmTx  *EvmTxV1  `json:"evm_tx,omitempty"`
	EvmLog *EvmLogV1 `json:"evm_log,omitempty"`
}

// AlertScheduleEventDrivenV1 requests evaluation of one alert instance
// against a single triggering on-chain event, scoped to a pre-resolved
// list of candidate target keys.
type AlertScheduleEventDrivenV1 struct {
	SchemaVersion       string          `json:"schema_version"`
	RequestID           string          `json:"request_id"`
	InstanceID          string          `json:"instance_id"`
	Vm                  VmKindV1        `json:"vm"`
	Partition           PartitionV1     `json:"partition"`
	CandidateTargetKeys []string        `json:"candidate_target_keys"`
	Event               ScheduleEventV1 `json:"event"`
	RequestedAt         time.Time       `json:"requested_at"`
	Source              string          `json:"source"`
}

// AlertSchedulePeriodicV1 requests evaluation of one alert instance on its
// configured cron cadence.
type AlertSchedulePeriodicV1 struct {
	SchemaVersion string    `json:"schema_version"`
	RequestID     string    `json:"request_id"`
	InstanceID    string    `json:"instance_id"`
	ScheduledFor  time.Time `json:"scheduled_for"`
	RequestedAt   time.Time `json:"requested_at"`
	Source        string    `json:"source"`
}

// AlertScheduleOneTimeV1 requests a single, non-repeating evaluation of one
// alert instance.
type AlertScheduleOneTimeV1 struct {
	SchemaVersion string    `json:"schema_version"`
	RequestID     string    `json:"request_id"`
	InstanceID    string    `json:"instance_id"`
	ScheduledFor  time.Time `json:"scheduled_for"`
	RequestedAt   time.Time `json:"requested_at"`
	Source        string    `json:"source"`
}
