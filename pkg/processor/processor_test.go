package processor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/chainalert/runtime/pkg/audit"
	"github.com/chainalert/runtime/pkg/bus"
	"github.com/chainalert/runtime/pkg/frame"
	"github.com/chainalert/runtime/pkg/kv"
	"github.com/chainalert/runtime/pkg/processor/catalog"
	"github.com/chainalert/runtime/pkg/schema"
)

func newTestStore(t *testing.T) (*kv.RedisStore, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	store, err := kv.NewRedisStore(context.Background(), kv.Config{Addr: mr.Addr()})
	require.NoError(t, err)
	return store, func() { store.Close(); mr.Close() }
}

func testCatalog(t *testing.T) *catalog.Registry {
	t.Helper()
	reg, err := catalog.NewRegistry(map[string]catalog.Entry{
		"balances": {
			Table:        "balances",
			SQLTemplate:  `SELECT * FROM balances WHERE network = '{{.Bindings.network}}'`,
			MaxTimeoutMs: 5000,
		},
	})
	require.NoError(t, err)
	return reg
}

func testExecutable() schema.AlertExecutableV1 {
	return schema.AlertExecutableV1{
		SchemaVersion: schema.AlertExecutableSchemaVersionV1,
		ExecutableID:  "exec-1",
		Template: schema.ExecutableTemplateRefV1{
			TemplateID:  "tmpl-1",
			Fingerprint: "fp-1",
			Version:     3,
		},
		Datasources: []schema.DatasourceRefV1{
			{ID: "balances_ds", CatalogID: "balances", Bindings: json.RawMessage(`{"network":"ETH"}`), TimeoutMs: 5000},
		},
		NotificationTemplate: schema.NotificationTemplateV1{
			Title: "{{.target_key}} crossed threshold",
			Body:  "value is {{.balance_usd}}",
		},
		Action: schema.ActionV1{
			DedupeKeyTemplate: "{{.target_key}}",
		},
	}
}

func putExecutable(t *testing.T, store kv.Store, exec schema.AlertExecutableV1) {
	t.Helper()
	raw, err := json.Marshal(exec)
	require.NoError(t, err)
	require.NoError(t, store.Set(context.Background(), kv.TemplateKey(exec.Template.TemplateID, exec.Template.Version), string(raw), 0))
}

func balancesFrame(t *testing.T, targets []string, values []float64) schema.ArrowFrameV1 {
	t.Helper()
	valid := make([]bool, len(targets))
	for i := range valid {
		valid[i] = true
	}
	fr, err := frame.NewFrame(len(targets), []frame.Column{
		{Name: targetKeyColumn, Type: frame.ColumnString, StringValues: targets, Valid: valid},
		{Name: "balance_usd", Type: frame.ColumnFloat64, Float64Values: values, Valid: valid},
	})
	require.NoError(t, err)
	wire, err := fr.Encode()
	require.NoError(t, err)
	return wire
}

func testJob(targets []string) schema.AlertEvaluationJobV1 {
	return schema.AlertEvaluationJobV1{
		SchemaVersion: schema.AlertEvaluationJobSchemaVersionV1,
		Job:           schema.JobMetaV1{JobID: "job-1", Priority: schema.JobPriorityHigh, CreatedAt: time.Now()},
		EvaluationContext: schema.EvaluationContextV1{
			SchemaVersion: schema.EvaluationContextSchemaVersionV1,
			Run:           schema.EvaluationContextRunV1{RunID: "run-1", TriggerType: schema.TriggerTypePeriodic},
			Instance: schema.EvaluationContextInstanceV1{
				InstanceID:      "i1",
				UserID:          json.RawMessage(`"u1"`),
				TemplateID:      "tmpl-1",
				TemplateVersion: 3,
				Fingerprint:     "fp-1",
			},
			Targets: schema.TargetsV1{Mode: schema.TargetModeKeys, Keys: targets},
		},
	}
}

// recordingAudit captures RecordJobRun calls for assertions.
type recordingAudit struct {
	mu   sync.Mutex
	runs []audit.JobRun
}

func (r *recordingAudit) RecordJobRun(ctx context.Context, run audit.JobRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
	return nil
}
func (r *recordingAudit) RecordDelivery(ctx context.Context, d audit.Delivery) error { return nil }
func (r *recordingAudit) GetJobRun(ctx context.Context, jobID string) (*audit.JobRun, error) {
	return nil, audit.ErrNotFound
}
func (r *recordingAudit) RecentDeliveries(ctx context.Context, alertID string, limit int) ([]audit.Delivery, error) {
	return nil, nil
}

func TestProcess_PublishesTriggeredBatchOnMatch(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	putExecutable(t, store, testExecutable())

	b := bus.NewMemoryBus()
	b.RegisterResponder("ducklake.balances.query", func(ctx context.Context, subj string, data []byte) ([]byte, error) {
		wire := balancesFrame(t, []string{"ETH:mainnet:0xA"}, []float64{150})
		result := schema.QueryResultV1{SchemaVersion: schema.QueryResultSchemaVersionV1, Frame: wire}
		return json.Marshal(result)
	})
	b.RegisterResponder("alerts.eval.request.*", func(ctx context.Context, subj string, data []byte) ([]byte, error) {
		resp := schema.PolarsEvalResponseV1{
			SchemaVersion: schema.PolarsEvalResponseSchemaVersionV1,
			RowsEvaluated: 1,
			Matched: []schema.PolarsEvalMatchV1{
				{TargetKey: "ETH:mainnet:0xA", MatchContext: json.RawMessage(`{"balance_usd":150}`)},
			},
		}
		return json.Marshal(resp)
	})

	var published []schema.AlertTriggeredBatchV1
	b.RegisterSubscriber("alerts.triggered.>", func(ctx context.Context, msg bus.Message) error {
		var batch schema.AlertTriggeredBatchV1
		require.NoError(t, json.Unmarshal(msg.Data(), &batch))
		published = append(published, batch)
		return nil
	})

	rec := &recordingAudit{}
	p := New(b, store, testCatalog(t), rec, DefaultConfig())

	matched, rows, err := p.process(context.Background(), testJob([]string{"ETH:mainnet:0xA"}))
	require.NoError(t, err)
	require.Equal(t, 1, matched)
	require.Equal(t, 1, rows)
	require.Len(t, published, 1)
	require.Equal(t, "ETH:mainnet:0xA", published[0].Matches[0].TargetKey)
}

func TestProcess_SuppressesPublishOnZeroMatches(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	putExecutable(t, store, testExecutable())

	b := bus.NewMemoryBus()
	b.RegisterResponder("ducklake.balances.query", func(ctx context.Context, subj string, data []byte) ([]byte, error) {
		wire := balancesFrame(t, []string{"ETH:mainnet:0xA"}, []float64{1})
		result := schema.QueryResultV1{SchemaVersion: schema.QueryResultSchemaVersionV1, Frame: wire}
		return json.Marshal(result)
	})
	b.RegisterResponder("alerts.eval.request.*", func(ctx context.Context, subj string, data []byte) ([]byte, error) {
		resp := schema.PolarsEvalResponseV1{SchemaVersion: schema.PolarsEvalResponseSchemaVersionV1, RowsEvaluated: 1}
		return json.Marshal(resp)
	})

	published := 0
	b.RegisterSubscriber("alerts.triggered.>", func(ctx context.Context, msg bus.Message) error {
		published++
		return nil
	})

	p := New(b, store, testCatalog(t), nil, DefaultConfig())
	matched, _, err := p.process(context.Background(), testJob([]string{"ETH:mainnet:0xA"}))
	require.NoError(t, err)
	require.Equal(t, 0, matched)
	require.Equal(t, 0, published, "zero matches must not publish a triggered batch")
}

func TestLoadExecutable_FingerprintMismatchIsContractMismatch(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	exec := testExecutable()
	putExecutable(t, store, exec)

	p := New(bus.NewMemoryBus(), store, testCatalog(t), nil, DefaultConfig())
	inst := schema.EvaluationContextInstanceV1{TemplateID: "tmpl-1", TemplateVersion: 3, Fingerprint: "wrong-fp"}
	_, err := p.loadExecutable(context.Background(), inst)
	require.Error(t, err)
}

func TestLoadExecutable_MissingTemplateIsNotFound(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	p := New(bus.NewMemoryBus(), store, testCatalog(t), nil, DefaultConfig())
	inst := schema.EvaluationContextInstanceV1{TemplateID: "missing", TemplateVersion: 1}
	_, err := p.loadExecutable(context.Background(), inst)
	require.Error(t, err)
}

func putGroup(t *testing.T, store kv.Store, groupID string, members []string) {
	t.Helper()
	raw, err := json.Marshal(members)
	require.NoError(t, err)
	require.NoError(t, store.Set(context.Background(), kv.GroupKey(groupID), string(raw), 0))
}

func TestResolveTargets_GroupModeExpandsMembership(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	putGroup(t, store, "g1", []string{"ETH:mainnet:0xA", "ETH:mainnet:0xB"})

	p := New(bus.NewMemoryBus(), store, testCatalog(t), nil, DefaultConfig())
	groupID := "g1"
	keys, err := p.resolveTargets(context.Background(), schema.TargetsV1{Mode: schema.TargetModeGroup, GroupID: &groupID})
	require.NoError(t, err)
	require.Equal(t, []string{"ETH:mainnet:0xA", "ETH:mainnet:0xB"}, keys)
}

func TestResolveTargets_MissingGroupIsNotFound(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	p := New(bus.NewMemoryBus(), store, testCatalog(t), nil, DefaultConfig())
	groupID := "missing-group"
	_, err := p.resolveTargets(context.Background(), schema.TargetsV1{Mode: schema.TargetModeGroup, GroupID: &groupID})
	require.Error(t, err)
}

func TestResolveTargets_KeysModePassesThroughUnchanged(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	p := New(bus.NewMemoryBus(), store, testCatalog(t), nil, DefaultConfig())
	keys, err := p.resolveTargets(context.Background(), schema.TargetsV1{Mode: schema.TargetModeKeys, Keys: []string{"ETH:mainnet:0xA"}})
	require.NoError(t, err)
	require.Equal(t, []string{"ETH:mainnet:0xA"}, keys)
}

func TestProcess_GroupModeJobEvaluatesResolvedMembership(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	putExecutable(t, store, testExecutable())
	putGroup(t, store, "g1", []string{"ETH:mainnet:0xA"})

	b := bus.NewMemoryBus()
	b.RegisterResponder("ducklake.balances.query", func(ctx context.Context, subj string, data []byte) ([]byte, error) {
		wire := balancesFrame(t, []string{"ETH:mainnet:0xA"}, []float64{150})
		result := schema.QueryResultV1{SchemaVersion: schema.QueryResultSchemaVersionV1, Frame: wire}
		return json.Marshal(result)
	})
	b.RegisterResponder("alerts.eval.request.*", func(ctx context.Context, subj string, data []byte) ([]byte, error) {
		resp := schema.PolarsEvalResponseV1{
			SchemaVersion: schema.PolarsEvalResponseSchemaVersionV1,
			RowsEvaluated: 1,
			Matched: []schema.PolarsEvalMatchV1{
				{TargetKey: "ETH:mainnet:0xA", MatchContext: json.RawMessage(`{"balance_usd":150}`)},
			},
		}
		return json.Marshal(resp)
	})
	var published []schema.AlertTriggeredBatchV1
	b.RegisterSubscriber("alerts.triggered.>", func(ctx context.Context, msg bus.Message) error {
		var batch schema.AlertTriggeredBatchV1
		require.NoError(t, json.Unmarshal(msg.Data(), &batch))
		published = append(published, batch)
		return nil
	})

	p := New(b, store, testCatalog(t), nil, DefaultConfig())
	groupID := "g1"
	job := testJob(nil)
	job.EvaluationContext.Targets = schema.TargetsV1{Mode: schema.TargetModeGroup, GroupID: &groupID}

	matched, _, err := p.process(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, 1, matched)
	require.Len(t, published, 1)
	require.Equal(t, "ETH:mainnet:0xA", published[0].Matches[0].TargetKey)
}

func TestAlignToTargets_FillsNullRowForMissingTarget(t *testing.T) {
	fr, err := frame.NewFrame(1, []frame.Column{
		{Name: targetKeyColumn, Type: frame.ColumnString, StringValues: []string{"A"}, Valid: []bool{true}},
		{Name: "v", Type: frame.ColumnFloat64, Float64Values: []float64{42}, Valid: []bool{true}},
	})
	require.NoError(t, err)

	aligned, err := alignToTargets(fr, []string{"A", "B"})
	require.NoError(t, err)
	require.Equal(t, 2, aligned.NumRows)

	vCol, ok := aligned.ColumnByName("v")
	require.True(t, ok)
	require.False(t, vCol.IsNull(0))
	require.Equal(t, 42.0, vCol.Float64Values[0])
	require.True(t, vCol.IsNull(1), "target B was absent from the source frame and must be a no-match row")

	keyCol, ok := aligned.ColumnByName(targetKeyColumn)
	require.True(t, ok)
	require.Equal(t, "B", keyCol.StringValues[1])
	require.False(t, keyCol.IsNull(1), "target_key is always populated even for a no-match row")
}

func TestOutputFields_CollectsTemplateFieldsAndTargetKey(t *testing.T) {
	exec := testExecutable()
	fields := outputFields(&exec)

	var refs []string
	for _, f := range fields {
		refs = append(refs, f.Ref)
	}
	require.Contains(t, refs, targetKeyColumn)
	require.Contains(t, refs, "balance_usd")
}
