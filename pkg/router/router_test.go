package router

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/chainalert/runtime/pkg/audit"
	"github.com/chainalert/runtime/pkg/bus"
	"github.com/chainalert/runtime/pkg/kv"
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

func putInstance(t *testing.T, store kv.Store, inst schema.AlertInstanceV1) {
	t.Helper()
	raw, err := json.Marshal(inst)
	require.NoError(t, err)
	require.NoError(t, store.Set(context.Background(), kv.InstanceKey(inst.InstanceID), string(raw), 0))
}

func putExecutable(t *testing.T, store kv.Store, exec schema.AlertExecutableV1) {
	t.Helper()
	raw, err := json.Marshal(exec)
	require.NoError(t, err)
	require.NoError(t, store.Set(context.Background(), kv.TemplateKey(exec.Template.TemplateID, exec.Template.Version), string(raw), 0))
}

func testInstance() schema.AlertInstanceV1 {
	return schema.AlertInstanceV1{
		SchemaVersion:   schema.AlertInstanceSchemaVersionV1,
		InstanceID:      "inst-1",
		UserID:          json.RawMessage(`"u1"`),
		AlertName:       "big transfer",
		TemplateID:      "tmpl-1",
		TemplateVersion: 1,
		Priority:        schema.JobPriorityHigh,
		Channels:        []string{"email", "telegram"},
		Enabled:         true,
	}
}

func testExecutable(cooldownSecs int64) schema.AlertExecutableV1 {
	return schema.AlertExecutableV1{
		SchemaVersion: schema.AlertExecutableSchemaVersionV1,
		Template:      schema.ExecutableTemplateRefV1{TemplateID: "tmpl-1", Fingerprint: "fp-1", Version: 1},
		NotificationTemplate: schema.NotificationTemplateV1{
			Title: "{{.target_key}} moved funds",
			Body:  "balance is {{.balance_usd}}",
		},
		Action: schema.ActionV1{
			CooldownSecs:        cooldownSecs,
			CooldownKeyTemplate: "{{.target_key}}",
			DedupeKeyTemplate:   "{{.target_key}}-{{.balance_usd}}",
		},
	}
}

func testBatch(targetKey string, balance float64) schema.AlertTriggeredBatchV1 {
	ctx, _ := json.Marshal(map[string]interface{}{"target_key": targetKey, "balance_usd": balance})
	return schema.AlertTriggeredBatchV1{
		SchemaVersion: schema.AlertTriggeredBatchSchemaVersionV1,
		JobID:         "job-1",
		InstanceID:    "inst-1",
		Matches: []schema.AlertTriggeredMatchV1{
			{TargetKey: targetKey, MatchContext: ctx},
		},
	}
}

type recordingAudit struct {
	mu         sync.Mutex
	deliveries []audit.Delivery
}

func (r *recordingAudit) RecordJobRun(ctx context.Context, run audit.JobRun) error { return nil }
func (r *recordingAudit) RecordDelivery(ctx context.Context, d audit.Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, d)
	return nil
}
func (r *recordingAudit) GetJobRun(ctx context.Context, jobID string) (*audit.JobRun, error) {
	return nil, audit.ErrNotFound
}
func (r *recordingAudit) RecentDeliveries(ctx context.Context, alertID string, limit int) ([]audit.Delivery, error) {
	return nil, nil
}

func subscribeCollector(t *testing.T, b *bus.MemoryBus, filter string) *[]schema.NotificationSendV1 {
	t.Helper()
	var sent []schema.NotificationSendV1
	b.RegisterSubscriber(filter, func(ctx context.Context, msg bus.Message) error {
		var n schema.NotificationSendV1
		require.NoError(t, json.Unmarshal(msg.Data(), &n))
		sent = append(sent, n)
		return nil
	})
	return &sent
}

func TestProcess_DispatchesToEveryChannel(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	putInstance(t, store, testInstance())
	putExecutable(t, store, testExecutable(3600))

	b := bus.NewMemoryBus()
	sent := subscribeCollector(t, b, "notifications.send.immediate.>")

	rec := &recordingAudit{}
	r := New(b, store, rec, DefaultConfig())

	err := r.process(context.Background(), testBatch("ETH:mainnet:0xA", 150))
	require.NoError(t, err)
	require.Len(t, *sent, 2, "one send per bound channel")
	require.Equal(t, "ETH:mainnet:0xA moved funds", (*sent)[0].Payload.Title)
}

func TestProcess_CooldownSkipsSecondFireWithinWindow(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	putInstance(t, store, testInstance())
	putExecutable(t, store, testExecutable(3600))

	b := bus.NewMemoryBus()
	sent := subscribeCollector(t, b, "notifications.send.immediate.>")

	r := New(b, store, nil, DefaultConfig())

	require.NoError(t, r.process(context.Background(), testBatch("ETH:mainnet:0xA", 150)))
	require.Len(t, *sent, 2)

	// same target/balance -> same dedupe key, would also be caught by
	// cooldown even if dedupe TTL were shorter than the cooldown window
	require.NoError(t, r.process(context.Background(), testBatch("ETH:mainnet:0xA", 150)))
	require.Len(t, *sent, 2, "second fire within cooldown/dedupe window must not dispatch")
}

func TestProcess_DistinctMatchFiresAfterDedupedOneSkips(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	putInstance(t, store, testInstance())
	putExecutable(t, store, testExecutable(0))

	b := bus.NewMemoryBus()
	sent := subscribeCollector(t, b, "notifications.send.immediate.>")

	r := New(b, store, nil, DefaultConfig())

	require.NoError(t, r.process(context.Background(), testBatch("ETH:mainnet:0xA", 150)))
	require.Len(t, *sent, 2)

	require.NoError(t, r.process(context.Background(), testBatch("ETH:mainnet:0xA", 150)))
	require.Len(t, *sent, 2, "identical dedupe key must suppress the repeat even with no cooldown configured")

	require.NoError(t, r.process(context.Background(), testBatch("ETH:mainnet:0xB", 999)))
	require.Len(t, *sent, 4, "a distinct target produces a distinct dedupe key and fires")
}

func TestProcess_MissingInstanceIsNotFound(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	r := New(bus.NewMemoryBus(), store, nil, DefaultConfig())
	err := r.process(context.Background(), testBatch("ETH:mainnet:0xA", 1))
	require.Error(t, err)
}

func TestProcessMatch_RenderFailureDropsMatchOnly(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	putInstance(t, store, testInstance())
	exec := testExecutable(0)
	exec.NotificationTemplate.Body = "value is {{.nonexistent_field}}"
	putExecutable(t, store, exec)

	b := bus.NewMemoryBus()
	sent := subscribeCollector(t, b, "notifications.send.immediate.>")

	rec := &recordingAudit{}
	r := New(b, store, rec, DefaultConfig())

	err := r.process(context.Background(), testBatch("ETH:mainnet:0xA", 1))
	require.NoError(t, err, "a render failure on one match must not nak the whole batch")
	require.Empty(t, *sent)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.deliveries, 1)
	require.Equal(t, audit.DeliveryDropped, rec.deliveries[0].Outcome)
}

func TestApplyDedupeCooldown_NoCooldownConfiguredSkipsCooldownCheck(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	r := New(bus.NewMemoryBus(), store, nil, DefaultConfig())

	skip, _, err := r.applyDedupeCooldown(context.Background(), "d1", "c1", 0)
	require.NoError(t, err)
	require.False(t, skip)

	exists, err := store.Exists(context.Background(), kv.CooldownKey("c1"))
	require.NoError(t, err)
	require.False(t, exists, "cooldown key is never written when cooldown_secs is 0")
}
