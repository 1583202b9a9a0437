// Package processor turns one AlertEvaluationJob into zero or more
// triggered matches: it loads the job's pinned executable, resolves every
// datasource against the columnar read service into a single aligned
// frame, evaluates that frame through the Evaluator, and publishes a
// triggered batch for the Router to act on.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/chainalert/runtime/internal/apperrors"
	"github.com/chainalert/runtime/internal/telemetry"
	"github.com/chainalert/runtime/pkg/audit"
	"github.com/chainalert/runtime/pkg/bus"
	"github.com/chainalert/runtime/pkg/frame"
	"github.com/chainalert/runtime/pkg/kv"
	"github.com/chainalert/runtime/pkg/processor/catalog"
	"github.com/chainalert/runtime/pkg/schema"
	"github.com/chainalert/runtime/pkg/subject"
)

// targetKeyColumn names the column every datasource query result and
// evaluation frame carries: the target each row belongs to.
const targetKeyColumn = "target_key"

// Config bounds the Processor's runtime behavior.
type Config struct {
	Concurrency  int64
	QueueGroup   string
	QueryTimeout time.Duration
	EvalTimeout  time.Duration
}

// DefaultConfig returns the Processor's documented defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:  5,
		QueueGroup:   "processor",
		QueryTimeout: 300 * time.Second,
		EvalTimeout:  10 * time.Second,
	}
}

// Processor is the jobs.create.> consumer.
type Processor struct {
	bus     bus.Bus
	store   kv.Store
	catalog *catalog.Registry
	audit   audit.Store
	cfg     Config
	sem     *semaphore.Weighted
}

// New constructs a Processor. auditStore may be nil, in which case job
// outcomes are simply not recorded.
func New(b bus.Bus, store kv.Store, reg *catalog.Registry, auditStore audit.Store, cfg Config) *Processor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	return &Processor{
		bus:     b,
		store:   store,
		catalog: reg,
		audit:   auditStore,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(cfg.Concurrency),
	}
}

// Run subscribes to every priority band's job queue; it blocks until ctx is
// cancelled or the subscription fails.
func (p *Processor) Run(ctx context.Context) error {
	opts := bus.ConsumeOptions{
		DurableName: p.cfg.QueueGroup,
		QueueGroup:  p.cfg.QueueGroup,
		AckWait:     60 * time.Second,
		MaxDeliver:  5,
	}
	return p.bus.Subscribe(ctx, subject.JobsCreateWildcard(), opts, p.handleJob)
}

// handleJob acquires the concurrency slot before doing any work, so the
// Processor blocks upstream (no internal unbounded queue) rather than
// admitting more in-flight jobs than ProcessorConcurrency allows.
func (p *Processor) handleJob(ctx context.Context, msg bus.Message) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return apperrors.NewTransientIO("processor_semaphore_acquire", err)
	}
	defer p.sem.Release(1)

	start := time.Now()
	var job schema.AlertEvaluationJobV1
	if err := json.Unmarshal(msg.Data(), &job); err != nil {
		return apperrors.NewContractMismatch("alert_evaluation_job_v1", err)
	}
	if job.SchemaVersion != schema.AlertEvaluationJobSchemaVersionV1 {
		return apperrors.NewContractMismatch(job.SchemaVersion, nil)
	}

	matched, rowsEvaluated, procErr := p.process(ctx, job)
	p.recordJobRun(ctx, job, matched, rowsEvaluated, procErr, time.Since(start))
	return procErr
}

func (p *Processor) process(ctx context.Context, job schema.AlertEvaluationJobV1) (matched, rowsEvaluated int, err error) {
	logger := telemetry.GetContextualLogger(ctx).WithFields(map[string]interface{}{
		"job_id":      job.Job.JobID,
		"instance_id": job.EvaluationContext.Instance.InstanceID,
	})

	exec, err := p.loadExecutable(ctx, job.EvaluationContext.Instance)
	if err != nil {
		return 0, 0, err
	}

	targets, err := p.resolveTargets(ctx, job.EvaluationContext.Targets)
	if err != nil {
		return 0, 0, err
	}

	fr, err := p.resolveFrame(ctx, exec, targets)
	if err != nil {
		return 0, 0, err
	}

	resp, err := p.evaluate(ctx, job, exec, fr)
	if err != nil {
		return 0, 0, err
	}
	rowsEvaluated = int(resp.RowsEvaluated)
	if resp.Error != nil {
		return 0, rowsEvaluated, apperrors.New(apperrors.ErrorTypeValidation, resp.Error.Code, resp.Error.Message)
	}

	if len(resp.Matched) == 0 {
		logger.Info("no matches, suppressing triggered batch")
		return 0, rowsEvaluated, nil
	}

	if err := p.publishTriggered(ctx, job, resp.Matched); err != nil {
		return len(resp.Matched), rowsEvaluated, err
	}
	return len(resp.Matched), rowsEvaluated, nil
}

// loadExecutable loads the pinned (template_id, template_version) snapshot
// and rejects it if its own fingerprint disagrees with the job's reference
// — a template edit landing mid-flight must never silently change what an
// already-scheduled job evaluates.
func (p *Processor) loadExecutable(ctx context.Context, inst schema.EvaluationContextInstanceV1) (*schema.AlertExecutableV1, error) {
	raw, err := p.store.Get(ctx, kv.TemplateKey(inst.TemplateID, inst.TemplateVersion))
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
	if exec.Template.Fingerprint != inst.Fingerprint {
		return nil, apperrors.NewContractMismatch("alert_executable_fingerprint", nil).
			WithMetadata("expected", inst.Fingerprint).
			WithMetadata("actual", exec.Template.Fingerprint)
	}
	return &exec, nil
}

// resolveTargets expands a job's targets into a concrete key list. Keys
// mode passes the list through unchanged; Group mode looks up the named
// group's pinned member list — the server-side resolution that
// schema.TargetsV1's doc comment assigns to the Processor, not the
// Scheduler.
func (p *Processor) resolveTargets(ctx context.Context, t schema.TargetsV1) ([]string, error) {
	if t.Mode != schema.TargetModeGroup {
		return t.Keys, nil
	}
	if t.GroupID == nil || *t.GroupID == "" {
		return nil, apperrors.NewValidation("targets_group_id", "group mode requires a non-empty group_id")
	}
	return p.loadGroupMembers(ctx, *t.GroupID)
}

// loadGroupMembers reads the pinned member list for a dynamic target group.
// A missing group is treated the same as a missing instance or executable:
// non-retryable, since re-evaluating it later against the same snapshot
// would hit the identical NotFound.
func (p *Processor) loadGroupMembers(ctx context.Context, groupID string) ([]string, error) {
	raw, err := p.store.Get(ctx, kv.GroupKey(groupID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, apperrors.NewNotFound("target_group")
		}
		return nil, err
	}
	var keys []string
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil, apperrors.NewContractMismatch("target_group_members", err)
	}
	return keys, nil
}

// resolveFrame queries every datasource the executable references and
// merges the results into a single frame with exactly one row per target
// key, in targets order; a target absent from a datasource's reply is a
// no-match row for that datasource's columns, never an error.
func (p *Processor) resolveFrame(ctx context.Context, exec *schema.AlertExecutableV1, targets []string) (*frame.Frame, error) {
	merged := []frame.Column{targetKeyCol(targets)}

	for _, ds := range exec.Datasources {
		resolved, err := catalog.Resolve(p.catalog, ds.CatalogID, ds.Bindings, targets)
		if err != nil {
			return nil, err
		}

		timeout := p.cfg.QueryTimeout
		if ds.TimeoutMs > 0 && time.Duration(ds.TimeoutMs)*time.Millisecond < timeout {
			timeout = time.Duration(ds.TimeoutMs) * time.Millisecond
		}
		if resolved.MaxTimeoutMs > 0 && time.Duration(resolved.MaxTimeoutMs)*time.Millisecond < timeout {
			timeout = time.Duration(resolved.MaxTimeoutMs) * time.Millisecond
		}

		queryReq := schema.QueryRequestV1{
			SchemaVersion: schema.QueryRequestSchemaVersionV1,
			Table:         resolved.Table,
			SQL:           resolved.SQL,
			Targets:       targets,
		}
		payload, err := json.Marshal(queryReq)
		if err != nil {
			return nil, apperrors.NewInternal("marshal_query_request", err)
		}

		replyRaw, err := p.bus.Request(ctx, subject.DuckLakeQuery(resolved.Table), payload, timeout)
		if err != nil {
			return nil, err
		}
		var result schema.QueryResultV1
		if err := json.Unmarshal(replyRaw, &result); err != nil {
			return nil, apperrors.NewContractMismatch("query_result_v1", err)
		}
		if result.Error != nil {
			return nil, apperrors.NewTransientIO("ducklake_query", errors.New(result.Error.Message)).
				WithMetadata("code", result.Error.Code).
				WithMetadata("datasource", ds.ID)
		}

		dsFrame, err := frame.Decode(result.Frame)
		if err != nil {
			return nil, err
		}
		aligned, err := alignToTargets(dsFrame, targets)
		if err != nil {
			return nil, err
		}

		for _, col := range aligned.Columns {
			if col.Name == targetKeyColumn {
				continue
			}
			merged = append(merged, col)
		}
	}

	return frame.NewFrame(len(targets), merged)
}

// targetKeyCol builds the canonical target_key string column every frame
// carries, valid for every row regardless of what data any datasource
// returned for it.
func targetKeyCol(targets []string) frame.Column {
	col := frame.Column{
		Name:         targetKeyColumn,
		Type:         frame.ColumnString,
		StringValues: append([]string(nil), targets...),
		Valid:        make([]bool, len(targets)),
	}
	for i := range col.Valid {
		col.Valid[i] = true
	}
	return col
}

// alignToTargets reorders and pads fr so row i corresponds to targets[i],
// filling an all-null row for any target fr's target_key column does not
// contain, matching the "missing targets are no-match rows" rule.
func alignToTargets(fr *frame.Frame, targets []string) (*frame.Frame, error) {
	keyCol, ok := fr.ColumnByName(targetKeyColumn)
	if !ok || keyCol.Type != frame.ColumnString {
		return nil, apperrors.NewContractMismatch("query_result_missing_target_key", nil)
	}
	index := make(map[string]int, len(keyCol.StringValues))
	for i, v := range keyCol.StringValues {
		if !keyCol.IsNull(i) {
			index[v] = i
		}
	}

	aligned := make([]frame.Column, len(fr.Columns))
	for c, col := range fr.Columns {
		aligned[c] = emptyColumnLike(col, len(targets))
	}

	for row, key := range targets {
		src, ok := index[key]
		if !ok {
			continue
		}
		for c, col := range fr.Columns {
			if col.IsNull(src) {
				continue
			}
			copyAt(&aligned[c], col, row, src)
		}
	}

	for c := range aligned {
		if aligned[c].Name == targetKeyColumn {
			aligned[c] = targetKeyCol(targets)
		}
	}

	return frame.NewFrame(len(targets), aligned)
}

func emptyColumnLike(col frame.Column, n int) frame.Column {
	out := frame.Column{Name: col.Name, Type: col.Type, Valid: make([]bool, n)}
	switch col.Type {
	case frame.ColumnFloat64:
		out.Float64Values = make([]float64, n)
	case frame.ColumnString:
		out.StringValues = make([]string, n)
	case frame.ColumnBool:
		out.BoolValues = make([]bool, n)
	case frame.ColumnTimestamp:
		out.TimestampValues = make([]time.Time, n)
	}
	return out
}

func copyAt(dst *frame.Column, src frame.Column, dstRow, srcRow int) {
	dst.Valid[dstRow] = true
	switch src.Type {
	case frame.ColumnFloat64:
		dst.Float64Values[dstRow] = src.Float64Values[srcRow]
	case frame.ColumnString:
		dst.StringValues[dstRow] = src.StringValues[srcRow]
	case frame.ColumnBool:
		dst.BoolValues[dstRow] = src.BoolValues[srcRow]
	case frame.ColumnTimestamp:
		dst.TimestampValues[dstRow] = src.TimestampValues[srcRow]
	}
}

// evaluate composes and issues the eval request carrying the resolved
// frame and the pinned executable, awaiting the Evaluator's reply.
func (p *Processor) evaluate(ctx context.Context, job schema.AlertEvaluationJobV1, exec *schema.AlertExecutableV1, fr *frame.Frame) (*schema.PolarsEvalResponseV1, error) {
	wire, err := fr.Encode()
	if err != nil {
		return nil, err
	}

	requestID := uuid.New().String()
	req := schema.PolarsEvalRequestV2{
		SchemaVersion:     schema.PolarsEvalRequestSchemaVersionV2,
		RequestID:         requestID,
		JobID:             job.Job.JobID,
		RunID:             job.EvaluationContext.Run.RunID,
		Executable:        *exec,
		EvaluationContext: job.EvaluationContext,
		Frame:             wire,
		OutputFields:      outputFields(exec),
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, apperrors.NewInternal("marshal_eval_request", err)
	}

	replyRaw, err := p.bus.Request(ctx, subject.EvalRequest(requestID), payload, p.cfg.EvalTimeout)
	if err != nil {
		return nil, err
	}
	var resp schema.PolarsEvalResponseV1
	if err := json.Unmarshal(replyRaw, &resp); err != nil {
		return nil, apperrors.NewContractMismatch("polars_eval_response_v1", err)
	}
	if resp.SchemaVersion != schema.PolarsEvalResponseSchemaVersionV1 {
		return nil, apperrors.NewContractMismatch(resp.SchemaVersion, nil)
	}
	return &resp, nil
}

func (p *Processor) publishTriggered(ctx context.Context, job schema.AlertEvaluationJobV1, matches []schema.PolarsEvalMatchV1) error {
	out := make([]schema.AlertTriggeredMatchV1, len(matches))
	for i, m := range matches {
		out[i] = schema.AlertTriggeredMatchV1{TargetKey: m.TargetKey, MatchContext: m.MatchContext}
	}

	batch := schema.AlertTriggeredBatchV1{
		SchemaVersion: schema.AlertTriggeredBatchSchemaVersionV1,
		JobID:         job.Job.JobID,
		RunID:         job.EvaluationContext.Run.RunID,
		InstanceID:    job.EvaluationContext.Instance.InstanceID,
		Partition:     job.EvaluationContext.Partition,
		Schedule:      job.EvaluationContext.Schedule,
		Tx:            job.EvaluationContext.Tx,
		Matches:       out,
	}
	payload, err := json.Marshal(batch)
	if err != nil {
		return apperrors.NewInternal("marshal_triggered_batch", err)
	}
	return p.bus.Publish(ctx, subject.Triggered(userIDString(job.EvaluationContext.Instance.UserID)), payload)
}

// userIDString renders a polymorphic user_id (string or number on the wire)
// as the plain string the subject hierarchy needs.
func userIDString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.Trim(string(raw), `"`)
}

func (p *Processor) recordJobRun(ctx context.Context, job schema.AlertEvaluationJobV1, matched, rowsEvaluated int, procErr error, duration time.Duration) {
	if p.audit == nil {
		return
	}
	errMsg := ""
	if procErr != nil {
		errMsg = procErr.Error()
	}
	run := audit.JobRun{
		JobID:         job.Job.JobID,
		RunID:         job.EvaluationContext.Run.RunID,
		InstanceID:    job.EvaluationContext.Instance.InstanceID,
		TriggerType:   string(job.EvaluationContext.Run.TriggerType),
		Priority:      string(job.Job.Priority),
		MatchedCount:  matched,
		RowsEvaluated: rowsEvaluated,
		Error:         errMsg,
		DurationMs:    duration.Milliseconds(),
		CreatedAt:     time.Now().UTC(),
	}
	if err := p.audit.RecordJobRun(ctx, run); err != nil {
		telemetry.GetContextualLogger(ctx).Warnf("failed to record job run audit trail: %v", err)
	}
}

var templateFieldPattern = regexp.MustCompile(`\{\{\s*\.([A-Za-z0-9_]+)\s*\}\}`)

// outputFields collects every field the notification and action templates
// reference, the union the spec requires the eval request to carry, plus
// target_key which the Router always needs to identify the match.
func outputFields(exec *schema.AlertExecutableV1) []schema.OutputFieldV1 {
	seen := map[string]bool{targetKeyColumn: true}
	fields := []schema.OutputFieldV1{{Ref: targetKeyColumn}}

	addFrom := func(tmpl string) {
		for _, m := range templateFieldPattern.FindAllStringSubmatch(tmpl, -1) {
			name := m[1]
			if seen[name] {
				continue
			}
			seen[name] = true
			fields = append(fields, schema.OutputFieldV1{Ref: name})
		}
	}

	addFrom(exec.NotificationTemplate.Title)
	addFrom(exec.NotificationTemplate.Body)
	addFrom(exec.Action.CooldownKeyTemplate)
	addFrom(exec.Action.DedupeKeyTemplate)
	return fields
}
