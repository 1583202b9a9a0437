package bus

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/chainalert/runtime/internal/apperrors"
)

// MemoryBus is an in-process Bus used by component tests that exercise a
// handler's ack/nak behavior without a running NATS server. It supports
// the same subject-wildcard filtering (">" and "*") JetStream does.
type MemoryBus struct {
	mu          sync.Mutex
	subscribers []memorySubscription
	responders  []memoryResponder
	replies     map[string]chan []byte
}

type memorySubscription struct {
	filter  string
	handler Handler
}

type memoryResponder struct {
	filter  string
	handler RequestHandler
}

type memoryMessage struct {
	subject string
	data    []byte
	acked   chan string
}

func (m *memoryMessage) Subject() string { return m.subject }
func (m *memoryMessage) Data() []byte    { return m.data }
func (m *memoryMessage) Ack() error      { m.acked <- "ack"; return nil }
func (m *memoryMessage) Nak() error      { m.acked <- "nak"; return nil }
func (m *memoryMessage) Term() error     { m.acked <- "term"; return nil }

// NewMemoryBus constructs an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{replies: make(map[string]chan []byte)}
}

func (b *MemoryBus) Publish(ctx context.Context, subject string, data []byte) error {
	b.mu.Lock()
	subs := append([]memorySubscription(nil), b.subscribers...)
	b.mu.Unlock()

	for _, sub := range subs {
		if !subjectMatches(sub.filter, subject) {
			continue
		}
		acked := make(chan string, 1)
		msg := &memoryMessage{subject: subject, data: data, acked: acked}
		if err := sub.handler(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, subjectFilter string, opts ConsumeOptions, handler Handler) error {
	b.RegisterSubscriber(subjectFilter, handler)
	<-ctx.Done()
	return nil
}

// RegisterSubscriber registers handler for subjectFilter without blocking,
// for tests that want Publish to reach a handler without managing a
// Subscribe goroutine and its context lifetime.
func (b *MemoryBus) RegisterSubscriber(subjectFilter string, handler Handler) {
	b.mu.Lock()
	b.subscribers = append(b.subscribers, memorySubscription{filter: subjectFilter, handler: handler})
	b.mu.Unlock()
}

// ServeRequests registers handler as a responder for subjectFilter. queueGroup
// is accepted for interface parity but unused: MemoryBus has no notion of
// load-balanced replicas, so every registered responder whose filter matches
// is a candidate and the first match answers.
func (b *MemoryBus) ServeRequests(ctx context.Context, subjectFilter, queueGroup string, handler RequestHandler) error {
	b.RegisterResponder(subjectFilter, handler)
	<-ctx.Done()
	return nil
}

// RegisterResponder registers handler synchronously without blocking,
// for tests that stand in for a ServeRequests-backed service without
// managing its own goroutine and context lifetime.
func (b *MemoryBus) RegisterResponder(subjectFilter string, handler RequestHandler) {
	b.mu.Lock()
	b.responders = append(b.responders, memoryResponder{filter: subjectFilter, handler: handler})
	b.mu.Unlock()
}

// Request first tries a registered ServeRequests responder for subject; if
// none matches, it falls back to publishing to subject and waiting on a
// reply delivered via RespondTo, for tests that stand in for the Evaluator
// directly.
func (b *MemoryBus) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
	b.mu.Lock()
	responders := append([]memoryResponder(nil), b.responders...)
	b.mu.Unlock()

	for _, r := range responders {
		if subjectMatches(r.filter, subject) {
			return r.handler(ctx, subject, data)
		}
	}

	b.mu.Lock()
	replyCh := make(chan []byte, 1)
	b.replies[subject] = replyCh
	subs := append([]memorySubscription(nil), b.subscribers...)
	b.mu.Unlock()

	for _, sub := range subs {
		if !subjectMatches(sub.filter, subject) {
			continue
		}
		acked := make(chan string, 1)
		msg := &memoryMessage{subject: subject, data: data, acked: acked}
		if err := sub.handler(ctx, msg); err != nil {
			return nil, err
		}
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-time.After(timeout):
		return nil, apperrors.NewTransientIO("bus_request", context.DeadlineExceeded)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RespondTo delivers data as the reply to an in-flight Request on subject.
func (b *MemoryBus) RespondTo(subject string, data []byte) {
	b.mu.Lock()
	ch, ok := b.replies[subject]
	b.mu.Unlock()
	if ok {
		ch <- data
	}
}

func (b *MemoryBus) Close() error { return nil }

func subjectMatches(filter, subject string) bool {
	filterParts := strings.Split(filter, ".")
	subjectParts := strings.Split(subject, ".")
	for i, fp := range filterParts {
		if fp == ">" {
			return true
		}
		if i >= len(subjectParts) {
			return false
		}
		if fp != "*" && fp != subjectParts[i] {
			return false
		}
	}
	return len(filterParts) == len(subjectParts)
}

var _ Bus = (*MemoryBus)(nil)
