package schema

import (
	"encoding/json"
	"time"
)

// NotificationSendSchemaVersionV1 is the schema_version of NotificationSendV1.
const NotificationSendSchemaVersionV1 = "notification_send_v1"

// NotificationSendV1 is the channel-agnostic payload the Router publishes
// to notifications.send.immediate.{channel}; the channel dispatcher named
// in the subject is responsible for everything channel-specific.
type NotificationSendV1 struct {
	SchemaVersion  string          `json:"schema_version"`
	NotificationID string          `json:"notification_id"`
	UserID         json.RawMessage `json:"user_id"`
	AlertID        string          `json:"alert_id"`
	AlertName      string          `json:"alert_name"`
	Priority       JobPriorityV1   `json:"priority"`
	Payload        NotificationPayloadV1 `json:"payload"`
	Timestamp      time.Time       `json:"timestamp"`
}

// NotificationPayloadV1 is the rendered title/body plus the raw match
// context, so a channel dispatcher can do further formatting if it wants
// structured fields rather than the pre-rendered text.
type NotificationPayloadV1 struct {
	Title        string          `json:"title"`
	Body         string          `json:"body"`
	TargetKey    string          `json:"target_key"`
	MatchContext json.RawMessage `json:"match_context"`
}
