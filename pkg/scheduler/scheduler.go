// Package scheduler turns schedule.* requests into AlertEvaluationJobs,
// admitting each (instance, scheduled_for) once via an atomic in-flight
// counter (a key list longer than MaxCandidateTargets is split into several
// jobs), and self-advances the periodic calendar on a ticker.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/chainalert/runtime/internal/apperrors"
	"github.com/chainalert/runtime/internal/telemetry"
	"github.com/chainalert/runtime/pkg/bus"
	"github.com/chainalert/runtime/pkg/kv"
	"github.com/chainalert/runtime/pkg/schema"
	"github.com/chainalert/runtime/pkg/subject"
)

// Config bounds the Scheduler's runtime behavior.
type Config struct {
	MaxCandidateTargets int
	ScannerInterval     time.Duration
	MaxJobLifetime      time.Duration
	QueueGroup          string
}

// DefaultConfig returns the Scheduler's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxCandidateTargets: 500,
		ScannerInterval:     60 * time.Second,
		MaxJobLifetime:      5 * time.Minute,
		QueueGroup:          "scheduler",
	}
}

// Scheduler is the alerts.schedule.* consumer and periodic calendar scanner.
type Scheduler struct {
	bus    bus.Bus
	store  kv.Store
	cfg    Config
	parser cron.Parser
}

// New constructs a Scheduler over the given bus and key-value store.
func New(b bus.Bus, store kv.Store, cfg Config) *Scheduler {
	return &Scheduler{
		bus:    b,
		store:  store,
		cfg:    cfg,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Run subscribes to every schedule.* subject and starts the calendar
// scanner; it blocks until ctx is cancelled or a subscription fails.
func (s *Scheduler) Run(ctx context.Context) error {
	errCh := make(chan error, 3)

	go func() { errCh <- s.bus.Subscribe(ctx, subject.SchedulePeriodic(), s.consumeOpts(), s.handlePeriodic) }()
	go func() { errCh <- s.bus.Subscribe(ctx, subject.ScheduleOneTime(), s.consumeOpts(), s.handleOneTime) }()
	go func() { errCh <- s.bus.Subscribe(ctx, subject.ScheduleEventDriven(), s.consumeOpts(), s.handleEventDriven) }()
	go s.scanLoop(ctx)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Scheduler) consumeOpts() bus.ConsumeOptions {
	return bus.ConsumeOptions{
		DurableName: s.cfg.QueueGroup,
		QueueGroup:  s.cfg.QueueGroup,
		AckWait:     30 * time.Second,
		MaxDeliver:  5,
	}
}

func (s *Scheduler) handlePeriodic(ctx context.Context, msg bus.Message) error {
	var req schema.AlertSchedulePeriodicV1
	if err := json.Unmarshal(msg.Data(), &req); err != nil {
		return apperrors.NewContractMismatch("alert_schedule_periodic_v1", err)
	}
	if req.SchemaVersion != schema.AlertSchedulePeriodicSchemaVersionV1 {
		return apperrors.NewContractMismatch(req.SchemaVersion, nil)
	}
	return s.admitOne(ctx, req.InstanceID, req.ScheduledFor, schema.TriggerTypePeriodic, nil, nil)
}

func (s *Scheduler) handleOneTime(ctx context.Context, msg bus.Message) error {
	var req schema.AlertScheduleOneTimeV1
	if err := json.Unmarshal(msg.Data(), &req); err != nil {
		return apperrors.NewContractMismatch("alert_schedule_one_time_v1", err)
	}
	if req.SchemaVersion != schema.AlertScheduleOneTimeSchemaVersionV1 {
		return apperrors.NewContractMismatch(req.SchemaVersion, nil)
	}
	return s.admitOne(ctx, req.InstanceID, req.ScheduledFor, schema.TriggerTypeOneTime, nil, nil)
}

func (s *Scheduler) handleEventDriven(ctx context.Context, msg bus.Message) error {
	var req schema.AlertScheduleEventDrivenV1
	if err := json.Unmarshal(msg.Data(), &req); err != nil {
		return apperrors.NewContractMismatch("alert_schedule_event_driven_v1", err)
	}
	if req.SchemaVersion != schema.AlertScheduleEventDrivenSchemaVersionV1 {
		return apperrors.NewContractMismatch(req.SchemaVersion, nil)
	}
	tx := eventToTx(req.Event)
	return s.admitOne(ctx, req.InstanceID, req.RequestedAt, schema.TriggerTypeEventDriven, req.CandidateTargetKeys, tx)
}

// admitOne is the shared path every trigger type funnels through: load the
// pinned instance, acquire the single-job guard, shard and publish.
func (s *Scheduler) admitOne(ctx context.Context, instanceID string, scheduledFor time.Time, triggerType schema.TriggerTypeV1, candidateKeys []string, tx *schema.EvaluationTxV1) error {
	logger := telemetry.GetContextualLogger(ctx).WithFields(map[string]interface{}{
		"instance_id":  instanceID,
		"trigger_type": string(triggerType),
	})

	inst, err := s.loadInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if !inst.Enabled {
		logger.Info("instance disabled, dropping schedule request")
		return nil
	}

	first, err := s.acquireInflightGuard(ctx, instanceID, scheduledFor)
	if err != nil {
		return err
	}
	if !first {
		logger.Info("duplicate in-flight guard, dropping")
		return nil
	}

	targets := inst.Targets
	if triggerType == schema.TriggerTypeEventDriven {
		targets = schema.TargetsV1{Mode: schema.TargetModeKeys, Keys: candidateKeys}
	}

	runIDPrefix := uuid.New().String()
	shards := shardKeys(targets.Keys, s.cfg.MaxCandidateTargets)
	if len(shards) == 0 {
		shards = [][]string{targets.Keys}
	}

	for i, shard := range shards {
		jobTargets := targets
		if targets.Mode == schema.TargetModeKeys {
			jobTargets.Keys = shard
		}
		runID := runIDPrefix
		if len(shards) > 1 {
			runID = fmt.Sprintf("%s-%d", runIDPrefix, i)
		}
		if err := s.publishJob(ctx, inst, triggerType, scheduledFor, jobTargets, tx, runID); err != nil {
			return err
		}
	}

	if triggerType == schema.TriggerTypePeriodic && inst.CronSchedule != "" {
		s.rescheduleNext(ctx, inst, scheduledFor, logger)
	}
	return nil
}

func (s *Scheduler) loadInstance(ctx context.Context, instanceID string) (*schema.AlertInstanceV1, error) {
	raw, err := s.store.Get(ctx, kv.InstanceKey(instanceID))
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

// acquireInflightGuard implements the single-job guard: the first
// incrementor of the TTL-bounded inflight key proceeds, every later one
// for the same (instance, scheduled_for) drops.
func (s *Scheduler) acquireInflightGuard(ctx context.Context, instanceID string, scheduledFor time.Time) (bool, error) {
	key := kv.InflightKey(instanceID, scheduledFor.UTC().Format(time.RFC3339))
	n, err := s.store.Incr(ctx, key, 2*s.cfg.MaxJobLifetime)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Scheduler) publishJob(ctx context.Context, inst *schema.AlertInstanceV1, triggerType schema.TriggerTypeV1, scheduledFor time.Time, targets schema.TargetsV1, tx *schema.EvaluationTxV1, runID string) error {
	now := time.Now().UTC()

	evalCtx := schema.EvaluationContextV1{
		SchemaVersion: schema.EvaluationContextSchemaVersionV1,
		Run: schema.EvaluationContextRunV1{
			RunID: runID, Attempt: 1, TriggerType: triggerType, EnqueuedAt: now, StartedAt: now,
		},
		Instance: schema.EvaluationContextInstanceV1{
			InstanceID:      inst.InstanceID,
			UserID:          inst.UserID,
			TemplateID:      inst.TemplateID,
			TemplateVersion: inst.TemplateVersion,
			Fingerprint:     inst.Fingerprint,
		},
		Partition: inst.Partition,
		Targets:   targets,
		Variables: inst.Variables,
		Tx:        tx,
	}
	if triggerType != schema.TriggerTypeEventDriven {
		effectiveAsOf := scheduledFor
		if triggerType == schema.TriggerTypePeriodic {
			effectiveAsOf = scheduledFor.Add(-time.Duration(inst.DataLagSecs) * time.Second)
		}
		evalCtx.Schedule = &schema.ScheduleV1{
			ScheduledFor:  scheduledFor,
			DataLagSecs:   inst.DataLagSecs,
			EffectiveAsOf: effectiveAsOf,
		}
	}

	job := schema.AlertEvaluationJobV1{
		SchemaVersion: schema.AlertEvaluationJobSchemaVersionV1,
		Job: schema.JobMetaV1{
			JobID:     uuid.New().String(),
			Priority:  inst.Priority,
			CreatedAt: now,
		},
		EvaluationContext: evalCtx,
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return apperrors.NewInternal("marshal_evaluation_job", err)
	}
	return s.bus.Publish(ctx, subject.JobsCreate(string(triggerType), string(inst.Priority)), payload)
}

// rescheduleNext advances the periodic calendar so the next due firing is
// discoverable by the Scanner. Failures are logged, not returned: the job
// for this firing is already published. A failed calendar write is not
// retried, so the Scanner does not find the instance again until another
// periodic request for it is admitted; a cron parse failure is a template
// authoring error that no redelivery fixes.
func (s *Scheduler) rescheduleNext(ctx context.Context, inst *schema.AlertInstanceV1, from time.Time, logger *telemetry.ContextualLogger) {
	schedule, err := s.parser.Parse(inst.CronSchedule)
	if err != nil {
		logger.WithField("cron_schedule", inst.CronSchedule).Warnf("invalid cron schedule, not rescheduling: %v", err)
		return
	}
	next := schedule.Next(from)
	bucket := kv.CalendarBucket(next.Unix(), int64(s.cfg.ScannerInterval.Seconds()))
	if err := s.store.ZAddScanDue(ctx, kv.ScheduleCalendarKey(bucket), inst.InstanceID, float64(next.Unix())); err != nil {
		logger.Warnf("failed to advance periodic calendar: %v", err)
	}
}

// scanLoop wakes every ScannerInterval, reads the due bucket and
// self-publishes alerts.schedule.periodic requests for each instance due.
// The single-job guard in admitOne makes overlapping scans across scheduler
// replicas idempotent.
func (s *Scheduler) scanLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ScannerInterval)
	defer ticker.Stop()

	logger := telemetry.GetContextualLogger(ctx).WithField("component", "scheduler_scanner")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scanOnce(ctx, logger)
		}
	}
}

func (s *Scheduler) scanOnce(ctx context.Context, logger *telemetry.ContextualLogger) {
	now := time.Now().UTC()
	bucket := kv.CalendarBucket(now.Unix(), int64(s.cfg.ScannerInterval.Seconds()))
	due, err := s.store.ZRangeDue(ctx, kv.ScheduleCalendarKey(bucket), float64(now.Unix()))
	if err != nil {
		logger.Warnf("calendar scan failed: %v", err)
		return
	}

	for _, instanceID := range due {
		req := schema.AlertSchedulePeriodicV1{
			SchemaVersion: schema.AlertSchedulePeriodicSchemaVersionV1,
			RequestID:     uuid.New().String(),
			InstanceID:    instanceID,
			ScheduledFor:  now,
			RequestedAt:   now,
			Source:        "scanner",
		}
		payload, err := json.Marshal(req)
		if err != nil {
			logger.Warnf("failed to marshal scanner request for %s: %v", instanceID, err)
			continue
		}
		if err := s.bus.Publish(ctx, subject.SchedulePeriodic(), payload); err != nil {
			logger.Warnf("failed to publish scanner request for %s: %v", instanceID, err)
		}
	}
}

// shardKeys splits keys into chunks of at most maxSize, preserving order,
// so an event-driven request with more candidates than MaxCandidateTargets
// is sharded into multiple jobs instead of truncated or rejected.
func shardKeys(keys []string, maxSize int) [][]string {
	if len(keys) == 0 || maxSize <= 0 {
		return nil
	}
	var shards [][]string
	for i := 0; i < len(keys); i += maxSize {
		end := i + maxSize
		if end > len(keys) {
			end = len(keys)
		}
		shards = append(shards, keys[i:end])
	}
	return shards
}

func eventToTx(evt schema.ScheduleEventV1) *schema.EvaluationTxV1 {
	switch evt.Kind {
	case schema.TxKindTx:
		if evt.EvmTx == nil {
			return nil
		}
		valueNative := evt.EvmTx.ValueNative
		valueWei := evt.EvmTx.ValueWei
		return &schema.EvaluationTxV1{
			Kind:           schema.TxKindTx,
			Hash:           evt.EvmTx.Hash,
			From:           &evt.EvmTx.From,
			To:             evt.EvmTx.To,
			MethodSelector: evt.EvmTx.MethodSelector,
			ValueWei:       &valueWei,
			ValueNative:    &valueNative,
			BlockNumber:    evt.EvmTx.BlockNumber,
			BlockTimestamp: evt.EvmTx.BlockTimestamp,
		}
	case schema.TxKindLog:
		if evt.EvmLog == nil {
			return nil
		}
		logIndex := evt.EvmLog.LogIndex
		data := evt.EvmLog.Data
		return &schema.EvaluationTxV1{
			Kind:           schema.TxKindLog,
			Hash:           evt.EvmLog.TransactionHash,
			LogIndex:       &logIndex,
			LogAddress:     &evt.EvmLog.Address,
			Topic0:         &evt.EvmLog.Topic0,
			Topic1:         evt.EvmLog.Topic1,
			Topic2:         evt.EvmLog.Topic2,
			Topic3:         evt.EvmLog.Topic3,
			Data:           &data,
			BlockNumber:    evt.EvmLog.BlockNumber,
			BlockTimestamp: evt.EvmLog.BlockTimestamp,
		}
	default:
		return nil
	}
}
