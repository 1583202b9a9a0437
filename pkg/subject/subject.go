// Package subject builds and parses every bus subject the runtime speaks.
//
// Every function here is a pure string transform: no allocation of state,
// no I/O, no package-level mutable data. That purity is itself required —
// the Scheduler, Processor, Evaluator and Router driver loops all call
// these functions from hot paths and from tests without needing a fixture.
package subject

import "strings"

const (
	wildcardOne = "*"
	wildcardAll = ">"
)

// SchedulePeriodic is the inbound subject for calendar-driven alert checks.
func SchedulePeriodic() string { return "alerts.schedule.periodic" }

// ScheduleOneTime is the inbound subject for single-shot scheduled checks.
func ScheduleOneTime() string { return "alerts.schedule.one_time" }

// ScheduleEventDriven is the inbound subject for on-chain-event-triggered checks.
func ScheduleEventDriven() string { return "alerts.schedule.event_driven" }

// JobsCreate addresses the Processor's durable work queue for a given
// trigger type and priority band, e.g. "alerts.jobs.create.periodic.high".
func JobsCreate(triggerType, priority string) string {
	return "alerts.jobs.create." + triggerType + "." + priority
}

// JobsCreateWildcard is the Processor's subscription subject: every trigger
// type and every priority band, load-balanced across processor instances.
func JobsCreateWildcard() string { return "alerts.jobs.create.>" }

// JobsResult is the optional observer subject for a job's terminal outcome.
func JobsResult(instanceID string) string { return "alerts.jobs.result." + instanceID }

// EvalRequest addresses the Evaluator's request/reply handler for one
// in-flight evaluation request.
func EvalRequest(requestID string) string { return "alerts.eval.request." + requestID }

// EvalRequestWildcard is the Evaluator's subscription subject.
func EvalRequestWildcard() string { return "alerts.eval.request.*" }

// EvalResponse names a per-request response subject. The Evaluator does not
// publish on it: it answers each request on the request's own reply inbox.
func EvalResponse(requestID string) string { return "alerts.eval.response." + requestID }

// Triggered addresses the Router for a user's batch of newly matched alerts.
func Triggered(userID string) string { return "alerts.triggered." + userID }

// TriggeredWildcard is the Router's subscription subject.
func TriggeredWildcard() string { return "alerts.triggered.>" }

// NotificationsSendImmediate addresses the channel-specific delivery
// collaborator for one outbound notification.
func NotificationsSendImmediate(channel string) string {
	return "notifications.send.immediate." + channel
}

// Supplemental subjects carried forward from the original implementation
// (see SPEC_FULL.md §9.8): retry, digest, delivery-status and inbox
// notification flows, and scheduler/job coordination subjects not present
// in the core data-flow table. None of the runtime's services publishes or
// subscribes on them.

// JobsRetry addresses a specific job for a manual or automatic re-run.
func JobsRetry(jobID string) string { return "alerts.jobs.retry." + jobID }

// SchedulerScan names a coordination subject for announcing a scan pass for
// a given trigger type. The Scheduler's Scanner does not publish on it;
// duplicate scans across replicas are absorbed by the in-flight guard.
func SchedulerScan(triggerType string) string { return "alerts.scheduler.scan." + triggerType }

// NotificationsSendDigest addresses the channel-specific digest delivery
// path for batched, non-immediate notifications.
func NotificationsSendDigest(channel string) string {
	return "notifications.send.digest." + channel
}

// NotificationsRetry addresses a retry of one previously failed delivery.
func NotificationsRetry(deliveryID string) string { return "notifications.retry." + deliveryID }

// NotificationsDelivered announces successful delivery to a user's inbox feed.
func NotificationsDelivered(userID string) string { return "notifications.delivered." + userID }

// NotificationsFailed announces a terminal delivery failure for audit consumers.
func NotificationsFailed(deliveryID string) string { return "notifications.failed." + deliveryID }

// NotificationsInbox is a per-user feed of all notifications, immediate or digest.
func NotificationsInbox(userID string) string { return "notifications.inbox." + userID }

// DuckLakeWrite addresses the columnar store's write path for a given table.
func DuckLakeWrite(table string) string { return "ducklake." + table + ".write" }

// DuckLakeQuery addresses the columnar store's read/query path for a given table.
func DuckLakeQuery(table string) string { return "ducklake." + table + ".query" }

// DuckLakeSchemaList and DuckLakeSchemaGet expose the store's catalog. The
// Processor's catalog resolver does not call them; it renders bindings
// against its own in-memory registry.
func DuckLakeSchemaList() string { return "ducklake.schema.list" }
func DuckLakeSchemaGet(table string) string { return "ducklake.schema.get." + table }

// IsTransactionsProcessedEvent reports whether subject is exactly the
// canonical five-segment processed-transactions event form
// "blockchain.{network}.{subnet}.transactions.processed", with network and
// subnet concrete (no NATS wildcard tokens).
func IsTransactionsProcessedEvent(subj string) bool {
	parts := strings.Split(subj, ".")
	if len(parts) != 5 {
		return false
	}
	network, subnet := parts[1], parts[2]
	return parts[0] == "blockchain" &&
		parts[3] == "transactions" &&
		parts[4] == "processed" &&
		!isWildcard(network) && !isWildcard(subnet)
}

// IsContractsDecodedEvent reports whether subject is exactly the canonical
// five-segment decoded-contracts event form
// "blockchain.{network}.{subnet}.contracts.decoded".
func IsContractsDecodedEvent(subj string) bool {
	parts := strings.Split(subj, ".")
	if len(parts) != 5 {
		return false
	}
	network, subnet := parts[1], parts[2]
	return parts[0] == "blockchain" &&
		parts[3] == "contracts" &&
		parts[4] == "decoded" &&
		!isWildcard(network) && !isWildcard(subnet)
}

func isWildcard(segment string) bool {
	return segment == wildcardOne || segment == wildcardAll
}

// TransactionsRaw, TransactionsProcessed, TransactionsTransfers,
// ContractsCreation, ContractsTransactions and ContractsDecoded build the
// publish-side subjects for the blockchain ingestion family. The core
// evaluation runtime neither publishes on these subjects nor calls the
// recognizers above; the builders live alongside the recognizers for
// symmetry.
func TransactionsRaw(network, subnet string) string {
	return "blockchain." + network + "." + subnet + ".transactions.raw"
}

func TransactionsProcessed(network, subnet string) string {
	return "blockchain." + network + "." + subnet + ".transactions.processed"
}

func TransactionsTransfers(network, subnet string) string {
	return "blockchain." + network + "." + subnet + ".transactions.transfers"
}

func ContractsCreation(network, subnet string) string {
	return "blockchain." + network + "." + subnet + ".contracts.creation"
}

func ContractsTransactions(network, subnet string) string {
	return "blockchain." + network + "." + subnet + ".contracts.transactions"
}

func ContractsDecoded(network, subnet string) string {
	return "blockchain." + network + "." + subnet + ".contracts.decoded"
}
