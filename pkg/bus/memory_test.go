package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBus_PublishDeliversToMatchingWildcardSubscriber(t *testing.T) {
	b := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan string, 1)
	go b.Subscribe(ctx, "alerts.jobs.create.>", ConsumeOptions{}, func(_ context.Context, msg Message) error {
		received <- msg.Subject()
		return nil
	})
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, b.Publish(ctx, "alerts.jobs.create.event_driven.high", []byte("{}")))

	select {
	case subj := <-received:
		assert.Equal(t, "alerts.jobs.create.event_driven.high", subj)
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestMemoryBus_NonMatchingSubjectNotDelivered(t *testing.T) {
	b := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan string, 1)
	go b.Subscribe(ctx, "alerts.jobs.result.*", ConsumeOptions{}, func(_ context.Context, msg Message) error {
		received <- msg.Subject()
		return nil
	})
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, b.Publish(ctx, "alerts.jobs.create.periodic.low", []byte("{}")))

	select {
	case <-received:
		t.Fatal("handler should not have been invoked for a non-matching subject")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBus_RequestReceivesRespondedReply(t *testing.T) {
	b := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go b.Subscribe(ctx, "alerts.eval.request.*", ConsumeOptions{}, func(_ context.Context, msg Message) error {
		go b.RespondTo(msg.Subject(), []byte(`{"rows_evaluated":1}`))
		return nil
	})
	time.Sleep(10 * time.Millisecond)

	reply, err := b.Request(ctx, "alerts.eval.request.req-1", []byte("{}"), time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"rows_evaluated":1}`, string(reply))
}

func TestSubjectMatches(t *testing.T) {
	cases := []struct {
		filter, subject string
		want            bool
	}{
		{"alerts.jobs.create.>", "alerts.jobs.create.event_driven.high", true},
		{"alerts.jobs.create.*.*", "alerts.jobs.create.event_driven.high", true},
		{"alerts.jobs.create.*", "alerts.jobs.create.event_driven.high", false},
		{"notifications.send.immediate.slack", "notifications.send.immediate.slack", true},
		{"notifications.send.immediate.slack", "notifications.send.immediate.email", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, subjectMatches(tc.filter, tc.subject), "%s vs %s", tc.filter, tc.subject)
	}
}
