package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/chainalert/runtime/pkg/bus"
	"github.com/chainalert/runtime/pkg/kv"
	"github.com/chainalert/runtime/pkg/schema"
)

// recordingBus captures every Publish call so tests can assert on the
// published job without standing up a real subscriber loop.
type recordingBus struct {
	mu        sync.Mutex
	published []publishedMsg
}

type publishedMsg struct {
	subject string
	data    []byte
}

func (r *recordingBus) Publish(ctx context.Context, subject string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, publishedMsg{subject: subject, data: data})
	return nil
}
func (r *recordingBus) Subscribe(ctx context.Context, subjectFilter string, opts bus.ConsumeOptions, handler bus.Handler) error {
	<-ctx.Done()
	return nil
}
func (r *recordingBus) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
	return nil, nil
}
func (r *recordingBus) Close() error { return nil }

func (r *recordingBus) jobs(t *testing.T) []schema.AlertEvaluationJobV1 {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var jobs []schema.AlertEvaluationJobV1
	for _, m := range r.published {
		var job schema.AlertEvaluationJobV1
		require.NoError(t, json.Unmarshal(m.data, &job))
		jobs = append(jobs, job)
	}
	return jobs
}

func newTestStore(t *testing.T) (*kv.RedisStore, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	store, err := kv.NewRedisStore(context.Background(), kv.Config{Addr: mr.Addr()})
	require.NoError(t, err)
	return store, func() {
		store.Close()
		mr.Close()
	}
}

func putInstance(t *testing.T, store kv.Store, inst schema.AlertInstanceV1) {
	t.Helper()
	raw, err := json.Marshal(inst)
	require.NoError(t, err)
	require.NoError(t, store.Set(context.Background(), kv.InstanceKey(inst.InstanceID), string(raw), 0))
}

func baseInstance(id string) schema.AlertInstanceV1 {
	return schema.AlertInstanceV1{
		SchemaVersion:   schema.AlertInstanceSchemaVersionV1,
		InstanceID:      id,
		TemplateID:      "tmpl-1",
		TemplateVersion: 3,
		Partition:       schema.PartitionV1{Network: "ETH", Subnet: "mainnet", ChainID: 1},
		Targets:         schema.TargetsV1{Mode: schema.TargetModeKeys, Keys: []string{"ETH:mainnet:0xA"}},
		Priority:        schema.JobPriorityHigh,
		Channels:        []string{"email"},
		DataLagSecs:     30,
		Enabled:         true,
	}
}

func TestHandlePeriodic_PublishesJobWithPropagatedTemplateVersion(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	putInstance(t, store, baseInstance("i1"))

	rb := &recordingBus{}
	s := New(rb, store, DefaultConfig())

	req := schema.AlertSchedulePeriodicV1{
		SchemaVersion: schema.AlertSchedulePeriodicSchemaVersionV1,
		RequestID:     "r1",
		InstanceID:    "i1",
		ScheduledFor:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		RequestedAt:   time.Now(),
		Source:        "test",
	}
	payload, _ := json.Marshal(req)
	err := s.handlePeriodic(context.Background(), &fakeMsg{data: payload})
	require.NoError(t, err)

	jobs := rb.jobs(t)
	require.Len(t, jobs, 1)
	require.Equal(t, int64(3), jobs[0].EvaluationContext.Instance.TemplateVersion)
	require.Equal(t, schema.TriggerTypePeriodic, jobs[0].EvaluationContext.Run.TriggerType)
	require.Equal(t, schema.JobPriorityHigh, jobs[0].Job.Priority)
}

func TestHandlePeriodic_SecondConcurrentRequestIsDroppedByInflightGuard(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	putInstance(t, store, baseInstance("i1"))

	rb := &recordingBus{}
	s := New(rb, store, DefaultConfig())

	scheduledFor := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	req := schema.AlertSchedulePeriodicV1{
		SchemaVersion: schema.AlertSchedulePeriodicSchemaVersionV1,
		InstanceID:    "i1",
		ScheduledFor:  scheduledFor,
	}
	payload, _ := json.Marshal(req)

	require.NoError(t, s.handlePeriodic(context.Background(), &fakeMsg{data: payload}))
	require.NoError(t, s.handlePeriodic(context.Background(), &fakeMsg{data: payload}))

	require.Len(t, rb.jobs(t), 1, "expected exactly one job for duplicate periodic requests at the same scheduled_for")
}

func TestHandlePeriodic_DisabledInstanceIsDropped(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	inst := baseInstance("i1")
	inst.Enabled = false
	putInstance(t, store, inst)

	rb := &recordingBus{}
	s := New(rb, store, DefaultConfig())

	req := schema.AlertSchedulePeriodicV1{SchemaVersion: schema.AlertSchedulePeriodicSchemaVersionV1, InstanceID: "i1", ScheduledFor: time.Now()}
	payload, _ := json.Marshal(req)
	require.NoError(t, s.handlePeriodic(context.Background(), &fakeMsg{data: payload}))
	require.Empty(t, rb.jobs(t))
}

func TestHandlePeriodic_MissingInstanceIsNotFoundError(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	rb := &recordingBus{}
	s := New(rb, store, DefaultConfig())

	req := schema.AlertSchedulePeriodicV1{SchemaVersion: schema.AlertSchedulePeriodicSchemaVersionV1, InstanceID: "missing", ScheduledFor: time.Now()}
	payload, _ := json.Marshal(req)
	err := s.handlePeriodic(context.Background(), &fakeMsg{data: payload})
	require.Error(t, err)
}

func TestHandleEventDriven_ShardsCandidatesExceedingMaxCandidateTargets(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	putInstance(t, store, baseInstance("i1"))

	rb := &recordingBus{}
	cfg := DefaultConfig()
	cfg.MaxCandidateTargets = 2
	s := New(rb, store, cfg)

	req := schema.AlertScheduleEventDrivenV1{
		SchemaVersion:       schema.AlertScheduleEventDrivenSchemaVersionV1,
		InstanceID:          "i1",
		Vm:                  schema.VmKindEvm,
		CandidateTargetKeys: []string{"ETH:mainnet:0xA", "ETH:mainnet:0xB", "ETH:mainnet:0xC"},
		Event: schema.ScheduleEventV1{
			Kind: schema.TxKindTx,
			EvmTx: &schema.EvmTxV1{
				Hash: "0xdead", From: "0xA", ValueWei: "1", ValueNative: 1, BlockNumber: 10, BlockTimestamp: time.Now(),
			},
		},
		RequestedAt: time.Now(),
	}
	payload, _ := json.Marshal(req)
	require.NoError(t, s.handleEventDriven(context.Background(), &fakeMsg{data: payload}))

	jobs := rb.jobs(t)
	require.Len(t, jobs, 2, "3 candidates at MaxCandidateTargets=2 should shard into 2 jobs")
	total := 0
	for _, j := range jobs {
		total += len(j.EvaluationContext.Targets.Keys)
		require.NotNil(t, j.EvaluationContext.Tx)
		require.Equal(t, "0xdead", j.EvaluationContext.Tx.Hash)
	}
	require.Equal(t, 3, total)
}

func TestHandlePeriodic_GroupModeInstancePropagatesGroupIDUnresolved(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	groupID := "group-1"
	inst := baseInstance("i1")
	inst.Targets = schema.TargetsV1{Mode: schema.TargetModeGroup, GroupID: &groupID}
	putInstance(t, store, inst)

	rb := &recordingBus{}
	s := New(rb, store, DefaultConfig())

	req := schema.AlertSchedulePeriodicV1{
		SchemaVersion: schema.AlertSchedulePeriodicSchemaVersionV1,
		InstanceID:    "i1",
		ScheduledFor:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		RequestedAt:   time.Now(),
		Source:        "test",
	}
	payload, _ := json.Marshal(req)
	require.NoError(t, s.handlePeriodic(context.Background(), &fakeMsg{data: payload}))

	jobs := rb.jobs(t)
	require.Len(t, jobs, 1, "group-mode targets are not sharded by the scheduler; the processor resolves membership")
	require.Equal(t, schema.TargetModeGroup, jobs[0].EvaluationContext.Targets.Mode)
	require.NotNil(t, jobs[0].EvaluationContext.Targets.GroupID)
	require.Equal(t, groupID, *jobs[0].EvaluationContext.Targets.GroupID)
	require.Empty(t, jobs[0].EvaluationContext.Targets.Keys)
}

func TestShardKeys(t *testing.T) {
	require.Nil(t, shardKeys(nil, 10))
	require.Equal(t, [][]string{{"a", "b"}, {"c"}}, shardKeys([]string{"a", "b", "c"}, 2))
	require.Equal(t, [][]string{{"a", "b", "c"}}, shardKeys([]string{"a", "b", "c"}, 10))
}

type fakeMsg struct{ data []byte }

func (m *fakeMsg) Subject() string { return "test" }
func (m *fakeMsg) Data() []byte    { return m.data }
func (m *fakeMsg) Ack() error      { return nil }
func (m *fakeMsg) Nak() error      { return nil }
func (m *fakeMsg) Term() error     { return nil }
