package bus

import (
	"context"
	"slices"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/chainalert/runtime/internal/apperrors"
	"github.com/chainalert/runtime/internal/telemetry"
)

// Config configures the NATS JetStream connection and the stream this
// binary's consumers/publishers share.
type Config struct {
	URL         string
	StreamName  string
	Subjects    []string
	ConnectName string
}

// natsMessage adapts a jetstream.Msg to the bus.Message interface.
type natsMessage struct {
	msg jetstream.Msg
}

func (m *natsMessage) Subject() string { return m.msg.Subject() }
func (m *natsMessage) Data() []byte    { return m.msg.Data() }
func (m *natsMessage) Ack() error      { return m.msg.Ack() }
func (m *natsMessage) Nak() error      { return m.msg.Nak() }
func (m *natsMessage) Term() error     { return m.msg.Term() }

// NATSBus is the JetStream-backed implementation of Bus: durable
// queue-group consumers for jobs and results, core-NATS request/reply for
// the Processor-to-Evaluator synchronous call.
type NATSBus struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
}

// Connect dials NATS and ensures the binary's stream exists, creating it
// if absent or widening its subject filter if a new subject was added.
func Connect(ctx context.Context, cfg Config) (*NATSBus, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.ConnectName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, apperrors.NewTransientIO("nats_connect", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, apperrors.NewTransientIO("jetstream_init", err)
	}

	subjects := append([]string(nil), cfg.Subjects...)
	if existing, err := js.Stream(ctx, cfg.StreamName); err == nil {
		for _, s := range existing.CachedInfo().Config.Subjects {
			if !slices.Contains(subjects, s) {
				subjects = append(subjects, s)
			}
		}
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.StreamName,
		Subjects: subjects,
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		conn.Close()
		return nil, apperrors.NewTransientIO("jetstream_create_stream", err)
	}

	return &NATSBus{conn: conn, js: js, stream: stream}, nil
}

func (b *NATSBus) Publish(ctx context.Context, subject string, data []byte) error {
	if _, err := b.js.Publish(ctx, subject, data); err != nil {
		return apperrors.NewTransientIO("bus_publish", err)
	}
	return nil
}

func (b *NATSBus) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reply, err := b.conn.RequestWithContext(reqCtx, subject, data)
	if err != nil {
		return nil, apperrors.NewTransientIO("bus_request", err)
	}
	return reply.Data, nil
}

// ServeRequests answers core-NATS requests with a plain queue subscription:
// no JetStream stream, no ack/nak, no redelivery. A handler error or a
// responder that's gone simply leaves the caller's Request to time out.
func (b *NATSBus) ServeRequests(ctx context.Context, subjectFilter, queueGroup string, handler RequestHandler) error {
	logger := telemetry.GetContextualLogger(ctx).WithField("subject_filter", subjectFilter).
		WithField("queue_group", queueGroup)

	sub, err := b.conn.QueueSubscribe(subjectFilter, queueGroup, func(msg *nats.Msg) {
		reply, err := handler(ctx, msg.Subject, msg.Data)
		if err != nil {
			logger.Warnf("request handler failed, caller will time out: %v", err)
			return
		}
		if msg.Reply == "" {
			return
		}
		if err := msg.Respond(reply); err != nil {
			logger.Warnf("failed to respond: %v", err)
		}
	})
	if err != nil {
		return apperrors.NewTransientIO("nats_queue_subscribe", err)
	}
	defer sub.Unsubscribe()

	<-ctx.Done()
	return nil
}

// Subscribe creates (or reattaches to) a durable pull consumer and fetches
// messages from it in a loop, invoking handler and resolving ack/nak from
// the handler's returned error, until ctx is cancelled.
func (b *NATSBus) Subscribe(ctx context.Context, subjectFilter string, opts ConsumeOptions, handler Handler) error {
	ackWait := opts.AckWait
	if ackWait <= 0 {
		ackWait = 30 * time.Second
	}
	maxDeliver := opts.MaxDeliver
	if maxDeliver <= 0 {
		maxDeliver = 5
	}

	consumer, err := b.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       opts.DurableName,
		FilterSubject: subjectFilter,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
		MaxDeliver:    maxDeliver,
	})
	if err != nil {
		return apperrors.NewTransientIO("jetstream_create_consumer", err)
	}

	logger := telemetry.GetContextualLogger(ctx).WithField("subject_filter", subjectFilter).
		WithField("durable", opts.DurableName)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		batch, err := consumer.Fetch(8, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warnf("fetch error: %v", err)
			continue
		}

		for msg := range batch.Messages() {
			b.dispatch(ctx, msg, handler, logger)
		}
		if err := batch.Error(); err != nil && err != context.DeadlineExceeded && err != nats.ErrTimeout {
			logger.Warnf("batch delivery error: %v", err)
		}
	}
}

func (b *NATSBus) dispatch(ctx context.Context, msg jetstream.Msg, handler Handler, logger *telemetry.ContextualLogger) {
	wrapped := &natsMessage{msg: msg}
	err := handler(ctx, wrapped)
	switch apperrors.Decision(err) {
	case apperrors.AckDrop:
		if err != nil {
			logger.Warnf("handler failed, dropping: %v", err)
		}
		if ackErr := wrapped.Ack(); ackErr != nil {
			logger.Warnf("ack failed: %v", ackErr)
		}
	case apperrors.NakRedeliver:
		logger.Warnf("handler failed, redelivering: %v", err)
		if nakErr := wrapped.Nak(); nakErr != nil {
			logger.Warnf("nak failed: %v", nakErr)
		}
	}
}

func (b *NATSBus) Close() error {
	b.conn.Close()
	return nil
}

var _ Bus = (*NATSBus)(nil)
