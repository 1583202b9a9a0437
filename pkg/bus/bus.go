// Package bus abstracts the subject-based pub/sub fabric every binary in
// the runtime talks over: job dispatch, evaluation request/reply, and
// notification delivery all flow through NATS JetStream subjects, never
// through direct binary-to-binary calls.
package bus

import (
	"context"
	"time"
)

// Message is one delivered bus message: its subject, raw payload, and the
// ack/nak/term operations its consumer uses to resolve delivery.
type Message interface {
	Subject() string
	Data() []byte
	Ack() error
	Nak() error
	Term() error
}

// Handler processes one delivered Message. The driver loop decides the
// ack/nak outcome from the returned error via internal/apperrors.Decision,
// so handlers should return AppErrors, not call msg.Ack/Nak themselves.
type Handler func(ctx context.Context, msg Message) error

// ConsumeOptions configures a durable queue-group consumer.
type ConsumeOptions struct {
	// DurableName identifies the consumer across process restarts.
	DurableName string
	// QueueGroup names the replica set the consumer belongs to. Neither
	// NATSBus nor MemoryBus reads it: NATSBus replicas share delivery by
	// fetching from the same DurableName pull consumer, and MemoryBus
	// delivers every message to every matching subscriber.
	QueueGroup string
	// AckWait bounds how long the bus waits for Ack before redelivering.
	AckWait time.Duration
	// MaxDeliver bounds redelivery attempts before the message is
	// dead-lettered by the bus's own retry policy.
	MaxDeliver int
}

// Publisher sends messages onto subjects.
type Publisher interface {
	// Publish sends data to subject and waits for the bus to durably
	// accept it.
	Publish(ctx context.Context, subject string, data []byte) error
}

// Subscriber durably consumes messages matching a subject filter.
type Subscriber interface {
	// Subscribe starts handler on every message matching subjectFilter
	// (which may contain NATS wildcards, e.g. "alerts.jobs.create.>") and
	// blocks until ctx is cancelled or an unrecoverable bus error occurs.
	Subscribe(ctx context.Context, subjectFilter string, opts ConsumeOptions, handler Handler) error
}

// Requester issues a request and waits for exactly one reply, used by the
// Processor to call the Evaluator synchronously per job.
type Requester interface {
	Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error)
}

// RequestHandler answers one request with a reply payload. A returned error
// means no reply is sent at all — the caller's Request simply times out, the
// same outcome a crashed responder would produce. Stateless RPC services
// have no ack/nak/redeliver concept, so errors never flow back through
// internal/apperrors.Decision the way Handler's do.
type RequestHandler func(ctx context.Context, subject string, data []byte) ([]byte, error)

// Responder answers requests issued via Requester.Request, load-balanced
// across every ServeRequests caller sharing queueGroup. Unlike Subscribe,
// there is no durable consumer, no redelivery, and no ack/nak: the Evaluator
// is stateless between requests, so a lost reply is just a timed-out call.
type Responder interface {
	// ServeRequests blocks, answering requests matching subjectFilter with
	// handler, until ctx is cancelled.
	ServeRequests(ctx context.Context, subjectFilter, queueGroup string, handler RequestHandler) error
}

// Bus composes every role a binary needs against the messaging fabric.
type Bus interface {
	Publisher
	Subscriber
	Requester
	Responder
	Close() error
}
