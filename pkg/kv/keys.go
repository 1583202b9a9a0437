package kv

import "strconv"

// NetworkSubnetKey is the canonical "{network}:{subnet}" identity used to
// group targets by chain, e.g. "ETH:mainnet".
func NetworkSubnetKey(network, subnet string) string {
	return network + ":" + subnet
}

// TargetKey is the canonical "{network}:{subnet}:{id}" identity of a single
// monitored address/account.
func TargetKey(network, subnet, id string) string {
	return network + ":" + subnet + ":" + id
}

// InstanceKey addresses the pinned AlertInstanceV1 snapshot for an alert
// instance, read by the Scheduler, Processor and Router.
func InstanceKey(instanceID string) string { return "instance:" + instanceID }

// TemplateKey addresses the pinned AlertExecutableV1 snapshot for an exact
// (template_id, version) pair, read by the Processor.
func TemplateKey(templateID string, version int64) string {
	return "template:" + templateID + ":" + strconv.FormatInt(version, 10)
}

// InflightKey guards at-most-one in-flight evaluation job per alert
// instance per scheduled firing. Written by the Scheduler only.
func InflightKey(instanceID, scheduledForISO string) string {
	return "inflight:" + instanceID + ":" + scheduledForISO
}

// DedupeKey namespaces a template-derived dedupe key under the store's
// dedupe keyspace. Written and read by the Router only.
func DedupeKey(key string) string { return "dedupe:" + key }

// CooldownKey namespaces a template-derived cooldown key under the store's
// cooldown keyspace. Written and read by the Router only.
func CooldownKey(key string) string { return "cooldown:" + key }

// GroupKey addresses the pinned member list (a JSON array of target keys)
// of a dynamic target group, read by the Processor when resolving a
// group-mode instance's targets before querying any datasource.
func GroupKey(groupID string) string { return "group:" + groupID }

// ScheduleCalendarKey addresses the sorted-set bucket of alert instances due
// within a given time bucket, scanned by the Scheduler's periodic Scanner.
func ScheduleCalendarKey(bucket string) string { return "schedule:calendar:" + bucket }

// CalendarBucket reduces a Unix-second scan time to the fixed-width bucket
// the Scanner uses to address ScheduleCalendarKey, matching the Scanner's
// 60-second wake cadence: one bucket per wake.
func CalendarBucket(unixSeconds int64, bucketWidthSeconds int64) string {
	if bucketWidthSeconds <= 0 {
		bucketWidthSeconds = 60
	}
	return strconv.FormatInt(unixSeconds/bucketWidthSeconds, 10)
}
