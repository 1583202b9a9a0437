package schema

import "encoding/json"

// AlertExecutableSchemaVersionV1 is the schema_version of AlertExecutableV1.
const AlertExecutableSchemaVersionV1 = "alert_executable_v1"

// ExecutableTemplateRefV1 pins an executable to the exact template
// version and content fingerprint it was compiled from, so a template
// edit cannot silently change the semantics of an in-flight evaluation.
type ExecutableTemplateRefV1 struct {
	SchemaVersion string `json:"schema_version"`
	TemplateID    string `json:"template_id"`
	Fingerprint   string `json:"fingerprint"`
	Version       int64  `json:"version"`
}

// RegistrySnapshotV1 pins the address/label registry version the
// executable's trigger pruning was computed against.
type RegistrySnapshotV1 struct {
	Kind    string `json:"kind"`
	Version string `json:"version"`
	Hash    string `json:"hash"`
}

// EvmTriggerPruningV1 is the resolved, chain-id-scoped event filter an
// executable carries for discarding events before they reach the
// Processor. The Scheduler does not read it.
type EvmTriggerPruningV1 struct {
	ChainIDs []int64                 `json:"chain_ids"`
	TxType   string                  `json:"tx_type"`
	From     TriggerAddressFilterV1  `json:"from"`
	To       TriggerAddressFilterV1  `json:"to"`
	Method   TriggerMethodFilterV1   `json:"method"`
	Event    TriggerEventFilterV1    `json:"event"`
}

// TriggerPruningV1 wraps per-VM trigger pruning; only EVM is modeled here
// (the runtime's non-goals exclude non-EVM chains, see SPEC_FULL.md).
type TriggerPruningV1 struct {
	Evm EvmTriggerPruningV1 `json:"evm"`
}

// AlertExecutableV1 is the pinned, ready-to-run compilation of an
// AlertTemplateV1 that the Processor actually loads for a job: the
// template's content plus the exact version/fingerprint/registry snapshot
// it was compiled against.
type AlertExecutableV1 struct {
	SchemaVersion        string                  `json:"schema_version"`
	ExecutableID         string                  `json:"executable_id"`
	Template             ExecutableTemplateRefV1 `json:"template"`
	RegistrySnapshot     RegistrySnapshotV1      `json:"registry_snapshot"`
	TargetKind           string                  `json:"target_kind"`
	Variables            []AlertVariableV1       `json:"variables,omitempty"`
	TriggerPruning       TriggerPruningV1        `json:"trigger_pruning"`
	Datasources          []DatasourceRefV1       `json:"datasources,omitempty"`
	Enrichments          []EnrichmentV1          `json:"enrichments,omitempty"`
	Conditions           ConditionSetV1          `json:"conditions"`
	NotificationTemplate NotificationTemplateV1  `json:"notification_template"`
	Action               ActionV1                `json:"action"`
	Performance          json.RawMessage         `json:"performance,omitempty"`
	Warnings             []string                `json:"warnings,omitempty"`
}
