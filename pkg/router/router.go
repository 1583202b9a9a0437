// Package router turns one AlertTriggeredBatch into zero or more
// channel-agnostic notification sends, enforcing the dedupe/cooldown
// state machine along the way. The Router is the only component that
// writes a dedupe or cooldown key; every other component only reads them
// for observability.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"text/template"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/chainalert/runtime/internal/apperrors"
	"github.com/chainalert/runtime/internal/telemetry"
	"github.com/chainalert/runtime/pkg/audit"
	"github.com/chainalert/runtime/pkg/bus"
	"github.com/chainalert/runtime/pkg/kv"
	"github.com/chainalert/runtime/pkg/schema"
	"github.com/chainalert/runtime/pkg/subject"
)

// Config bounds the Router's runtime behavior.
type Config struct {
	Concurrency int64
	QueueGroup  string
	// DedupeTTL bounds how long a dedupe key suppresses a repeat of the
	// exact same match, independent of the per-template cooldown window.
	DedupeTTL time.Duration
}

// DefaultConfig returns the Router's documented defaults.
func DefaultConfig() Config {
	return Config{Concurrency: 10, QueueGroup: "router", DedupeTTL: 24 * time.Hour}
}

// Router is the alerts.triggered.> consumer.
type Router struct {
	bus   bus.Bus
	store kv.Store
	audit audit.Store
	cfg   Config
	sem   *semaphore.Weighted
}

// New constructs a Router. auditStore may be nil, in which case delivery
// decisions are simply not recorded.
func New(b bus.Bus, store kv.Store, auditStore audit.Store, cfg Config) *Router {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	return &Router{bus: b, store: store, audit: auditStore, cfg: cfg, sem: semaphore.NewWeighted(cfg.Concurrency)}
}

// Run subscribes to every user's triggered batch; it blocks until ctx is
// cancelled or the subscription fails.
func (r *Router) Run(ctx context.Context) error {
	opts := bus.ConsumeOptions{
		DurableName: r.cfg.QueueGroup,
		QueueGroup:  r.cfg.QueueGroup,
		AckWait:     30 * time.Second,
		MaxDeliver:  5,
	}
	return r.bus.Subscribe(ctx, subject.TriggeredWildcard(), opts, r.handleBatch)
}

func (r *Router) handleBatch(ctx context.Context, msg bus.Message) error {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return apperrors.NewTransientIO("router_semaphore_acquire", err)
	}
	defer r.sem.Release(1)

	var batch schema.AlertTriggeredBatchV1
	if err := json.Unmarshal(msg.Data(), &batch); err != nil {
		return apperrors.NewContractMismatch("alert_triggered_batch_v1", err)
	}
	if batch.SchemaVersion != schema.AlertTriggeredBatchSchemaVersionV1 {
		return apperrors.NewContractMismatch(batch.SchemaVersion, nil)
	}

	return r.process(ctx, batch)
}

// process implements the per-batch pipeline: load the pinned instance and
// its executable once, then drive each match through dedupe/cooldown/
// render/publish in frame order, as spec'd. A TransientIO failure on any
// match aborts and naks the whole batch since its cause (store or bus
// unavailability) almost certainly affects every remaining match too;
// every other per-match failure is logged, audited, and the batch moves
// on so one unrenderable match never blocks its siblings.
func (r *Router) process(ctx context.Context, batch schema.AlertTriggeredBatchV1) error {
	logger := telemetry.GetContextualLogger(ctx).WithFields(map[string]interface{}{
		"job_id":      batch.JobID,
		"instance_id": batch.InstanceID,
	})

	instance, err := r.loadInstance(ctx, batch.InstanceID)
	if err != nil {
		return err
	}
	exec, err := r.loadExecutable(ctx, instance.TemplateID, instance.TemplateVersion)
	if err != nil {
		return err
	}

	for _, match := range batch.Matches {
		if err := r.processMatch(ctx, instance, exec, match); err != nil {
			if apperrors.Is(err, apperrors.ErrorTypeTransientIO) {
				return err
			}
			logger.Warnf("match for target %s dropped: %v", match.TargetKey, err)
		}
	}
	return nil
}

func (r *Router) loadInstance(ctx context.Context, instanceID string) (*schema.AlertInstanceV1, error) {
	raw, err := r.store.Get(ctx, kv.InstanceKey(instanceID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, apperrors.NewNotFound("alert_instance")
		}
		return nil, err
	}
	var inst schema.AlertInstanceV1
	if err := json.Unmarshal([]byte(raw), &inst); err != nil {
		return nil, apperrors.NewContractMismatch("alert_instance_v1", err)
	}
	return &inst, nil
}

func (r *Router) loadExecutable(ctx context.Context, templateID string, version int64) (*schema.AlertExecutableV1, error) {
	raw, err := r.store.Get(ctx, kv.TemplateKey(templateID, version))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, apperrors.NewNotFound("alert_executable")
		}
		return nil, err
	}
	var exec schema.AlertExecutableV1
	if err := json.Unmarshal([]byte(raw), &exec); err != nil {
		return nil, apperrors.NewContractMismatch("alert_executable_v1", err)
	}
	return &exec, nil
}

// processMatch runs one match through dedupe, cooldown, render, and
// channel fan-out, recording a Delivery audit row for every disposition
// it reaches.
func (r *Router) processMatch(ctx context.Context, instance *schema.AlertInstanceV1, exec *schema.AlertExecutableV1, match schema.AlertTriggeredMatchV1) error {
	dedupeKey, err := renderKeyTemplate("dedupe_key_template", exec.Action.DedupeKeyTemplate, match.MatchContext)
	if err != nil {
		r.recordDelivery(ctx, "", instance.InstanceID, match.TargetKey, "", audit.DeliveryDropped, err.Error())
		return err
	}
	cooldownKey, err := renderKeyTemplate("cooldown_key_template", exec.Action.CooldownKeyTemplate, match.MatchContext)
	if err != nil {
		r.recordDelivery(ctx, "", instance.InstanceID, match.TargetKey, "", audit.DeliveryDropped, err.Error())
		return err
	}

	skip, reason, err := r.applyDedupeCooldown(ctx, dedupeKey, cooldownKey, exec.Action.CooldownSecs)
	if err != nil {
		return err
	}
	if skip {
		r.recordDelivery(ctx, "", instance.InstanceID, match.TargetKey, "", audit.DeliverySkipped, reason)
		return nil
	}

	title, err := renderKeyTemplate("notification_title", exec.NotificationTemplate.Title, match.MatchContext)
	if err != nil {
		r.recordDelivery(ctx, "", instance.InstanceID, match.TargetKey, "", audit.DeliveryDropped, err.Error())
		return apperrors.NewRender("notification_title", err)
	}
	body, err := renderKeyTemplate("notification_body", exec.NotificationTemplate.Body, match.MatchContext)
	if err != nil {
		r.recordDelivery(ctx, "", instance.InstanceID, match.TargetKey, "", audit.DeliveryDropped, err.Error())
		return apperrors.NewRender("notification_body", err)
	}

	for _, channel := range instance.Channels {
		notificationID := uuid.New().String()
		send := schema.NotificationSendV1{
			SchemaVersion:  schema.NotificationSendSchemaVersionV1,
			NotificationID: notificationID,
			UserID:         instance.UserID,
			AlertID:        instance.InstanceID,
			AlertName:      instance.AlertName,
			Priority:       instance.Priority,
			Payload: schema.NotificationPayloadV1{
				Title:        title,
				Body:         body,
				TargetKey:    match.TargetKey,
				MatchContext: match.MatchContext,
			},
			Timestamp: time.Now().UTC(),
		}
		payload, err := json.Marshal(send)
		if err != nil {
			return apperrors.NewInternal("marshal_notification_send", err)
		}
		if err := r.bus.Publish(ctx, subject.NotificationsSendImmediate(channel), payload); err != nil {
			return err
		}
		r.recordDelivery(ctx, notificationID, instance.InstanceID, match.TargetKey, channel, audit.DeliveryDispatched, "")
	}
	return nil
}

// applyDedupeCooldown implements spec's per-match state machine. The
// cooldown write is the sole atomic transition (fresh -> pending); a lost
// SetNX race is treated identically to an already-fresh cooldown read, so
// two router replicas racing on the same key never both fire.
func (r *Router) applyDedupeCooldown(ctx context.Context, dedupeKey, cooldownKey string, cooldownSecs int64) (skip bool, reason string, err error) {
	exists, err := r.store.Exists(ctx, kv.DedupeKey(dedupeKey))
	if err != nil {
		return false, "", err
	}
	if exists {
		return true, "dedupe", nil
	}

	if cooldownSecs > 0 {
		raw, err := r.store.Get(ctx, kv.CooldownKey(cooldownKey))
		if err != nil && !errors.Is(err, kv.ErrNotFound) {
			return false, "", err
		}
		if err == nil {
			lastFire, parseErr := strconv.ParseInt(raw, 10, 64)
			if parseErr == nil && time.Since(time.Unix(lastFire, 0)) < time.Duration(cooldownSecs)*time.Second {
				return true, "cooldown", nil
			}
		}

		won, err := r.store.SetNX(ctx, kv.CooldownKey(cooldownKey), strconv.FormatInt(time.Now().Unix(), 10), time.Duration(cooldownSecs)*time.Second)
		if err != nil {
			return false, "", err
		}
		if !won {
			return true, "cooldown", nil
		}
	}

	if err := r.store.Set(ctx, kv.DedupeKey(dedupeKey), "1", r.cfg.DedupeTTL); err != nil {
		telemetry.GetContextualLogger(ctx).Warnf("failed to persist dedupe marker for %s: %v", dedupeKey, err)
	}
	return false, "", nil
}

func (r *Router) recordDelivery(ctx context.Context, notificationID, alertID, targetKey, channel string, outcome audit.DeliveryOutcome, reason string) {
	if r.audit == nil {
		return
	}
	if notificationID == "" {
		notificationID = uuid.New().String()
	}
	d := audit.Delivery{
		NotificationID: notificationID,
		AlertID:        alertID,
		TargetKey:      targetKey,
		Channel:        channel,
		Outcome:        outcome,
		Reason:         reason,
		CreatedAt:      time.Now().UTC(),
	}
	if err := r.audit.RecordDelivery(ctx, d); err != nil {
		telemetry.GetContextualLogger(ctx).Warnf("failed to record delivery audit trail: %v", err)
	}
}

// renderKeyTemplate interpolates tmplText against matchContext's fields,
// failing on any field the template references that matchContext does not
// provide rather than silently substituting an empty string.
func renderKeyTemplate(name, tmplText string, matchContext json.RawMessage) (string, error) {
	var data map[string]interface{}
	if len(matchContext) > 0 {
		if err := json.Unmarshal(matchContext, &data); err != nil {
			return "", apperrors.NewContractMismatch("match_context", err)
		}
	}
	tmpl, err := template.New(name).Option("missingkey=error").Parse(tmplText)
	if err != nil {
		return "", apperrors.NewRender(name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", apperrors.NewRender(name, err)
	}
	return buf.String(), nil
}
