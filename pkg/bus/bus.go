// Package bus binds the worker to the JetStream message bus: stream
// declaration, durable per-subject consumers with independent pump loops,
// retry counting, and dead-letter republishing.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/codeforge-ai/worker/pkg/protocol"
)

// DefaultMaxRetries is the delivery bound before a message moves to the DLQ.
const DefaultMaxRetries = 3

// DefaultDrainTimeout bounds graceful shutdown.
const DefaultDrainTimeout = 10 * time.Second

// fetchWait is how long one Fetch blocks before the pump loop re-checks for
// shutdown.
const fetchWait = 5 * time.Second

// Handler processes one message. A returned error triggers the retry/DLQ
// policy; nil acks the message.
type Handler func(ctx context.Context, msg jetstream.Msg) error

// Bus owns the connection, the stream, and all subscriptions.
type Bus struct {
	nc           *nats.Conn
	js           jetstream.JetStream
	stream       jetstream.Stream
	streamName   string
	maxRetries   int
	drainTimeout time.Duration
	ackWait      time.Duration
	logger       *slog.Logger

	subscriptions []subscription
}

type subscription struct {
	subject string
	durable string
	handler Handler
}

// Option configures a Bus.
type Option func(*Bus)

// WithMaxRetries overrides the delivery bound.
func WithMaxRetries(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.maxRetries = n
		}
	}
}

// WithDrainTimeout overrides the shutdown deadline.
func WithDrainTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.drainTimeout = d
		}
	}
}

// WithAckWait overrides how long JetStream waits for an ack before
// redelivering. Should exceed the slowest handler.
func WithAckWait(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.ackWait = d
		}
	}
}

// Connect opens the NATS connection and the JetStream context.
func Connect(url, streamName, clientName string, logger *slog.Logger, opts ...Option) (*Bus, error) {
	nc, err := nats.Connect(url,
		nats.Name(clientName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	b := &Bus{
		nc:           nc,
		js:           js,
		streamName:   streamName,
		maxRetries:   DefaultMaxRetries,
		drainTimeout: DefaultDrainTimeout,
		ackWait:      11 * time.Minute,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Conn exposes the underlying connection for core NATS pub/sub (permission
// round trips, cancel listeners).
func (b *Bus) Conn() *nats.Conn {
	return b.nc
}

// EnsureStream declares the stream with the full subject wildcard set.
// Idempotent across restarts.
func (b *Bus) EnsureStream(ctx context.Context) error {
	stream, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      b.streamName,
		Subjects:  protocol.StreamSubjects,
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
		MaxAge:    24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", b.streamName, err)
	}
	b.stream = stream
	b.logger.Info("stream ready", "stream", b.streamName, "subjects", len(protocol.StreamSubjects))
	return nil
}

// Subscribe registers a handler for one subject. Must be called before
// Start.
func (b *Bus) Subscribe(subject string, handler Handler) {
	b.subscriptions = append(b.subscriptions, subscription{
		subject: subject,
		durable: durableName(subject),
		handler: handler,
	})
}

// durableName derives a consumer name from a subject: dots and wildcards
// are not valid in durable names.
func durableName(subject string) string {
	name := strings.NewReplacer(".", "-", "*", "any", ">", "all").Replace(subject)
	return "worker-" + name
}

// Start creates all consumers and blocks pumping messages until the context
// is cancelled. Each subscription runs its own pump loop; within a loop,
// messages are handled strictly one at a time.
func (b *Bus) Start(ctx context.Context) error {
	if b.stream == nil {
		if err := b.EnsureStream(ctx); err != nil {
			return err
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, sub := range b.subscriptions {
		consumer, err := b.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
			Durable:       sub.durable,
			FilterSubject: sub.subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       b.ackWait,
			MaxDeliver:    b.maxRetries,
		})
		if err != nil {
			return fmt.Errorf("failed to create consumer for %s: %w", sub.subject, err)
		}

		sub := sub
		group.Go(func() error {
			b.pump(groupCtx, consumer, sub)
			return nil
		})
		b.logger.Info("subscribed", "subject", sub.subject, "durable", sub.durable)
	}

	err := group.Wait()
	b.drain()
	return err
}

func (b *Bus) pump(ctx context.Context, consumer jetstream.Consumer, sub subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		batch, err := consumer.Fetch(1, jetstream.FetchMaxWait(fetchWait))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Debug("fetch timeout or error", "subject", sub.subject, "error", err)
			continue
		}

		for msg := range batch.Messages() {
			b.dispatch(ctx, msg, sub)
		}
		if batchErr := batch.Error(); batchErr != nil && !errors.Is(batchErr, context.DeadlineExceeded) {
			b.logger.Warn("fetch batch error", "subject", sub.subject, "error", batchErr)
		}
	}
}

// dispatch runs the handler and applies the retry/DLQ policy on failure.
func (b *Bus) dispatch(ctx context.Context, msg jetstream.Msg, sub subscription) {
	requestID := msg.Headers().Get(protocol.HeaderRequestID)
	logger := b.logger.With("subject", sub.subject)
	if requestID != "" {
		logger = logger.With("request_id", requestID)
	}

	err := b.safeHandle(ctx, msg, sub.handler)
	if err == nil {
		if ackErr := msg.Ack(); ackErr != nil {
			logger.Warn("failed to ack message", "error", ackErr)
		}
		return
	}

	retries := effectiveRetries(msg)
	logger.Error("handler failed", "error", err, "retry_count", retries)

	if retries >= b.maxRetries {
		if dlqErr := b.moveToDLQ(msg, retries); dlqErr != nil {
			logger.Error("failed to move message to DLQ", "error", dlqErr)
			if nakErr := msg.Nak(); nakErr != nil {
				logger.Warn("failed to nak message", "error", nakErr)
			}
			return
		}
		logger.Warn("message moved to DLQ", "dlq", protocol.DLQSubject(msg.Subject()), "retry_count", retries)
		if ackErr := msg.Ack(); ackErr != nil {
			logger.Warn("failed to ack DLQ-moved message", "error", ackErr)
		}
		return
	}

	if nakErr := msg.Nak(); nakErr != nil {
		logger.Warn("failed to nak message", "error", nakErr)
	}
}

// safeHandle shields the pump from panicking handlers.
func (b *Bus) safeHandle(ctx context.Context, msg jetstream.Msg, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(ctx, msg)
}

// effectiveRetries combines the Retry-Count header carried from earlier
// lives of the message with the delivery count of the current one. The
// header alone is not enough: Nak redelivery replays the original headers.
func effectiveRetries(msg jetstream.Msg) int {
	count := retryCount(msg)
	if meta, err := msg.Metadata(); err == nil {
		count += int(meta.NumDelivered)
	} else {
		count++
	}
	return count
}

func retryCount(msg jetstream.Msg) int {
	raw := msg.Headers().Get(protocol.HeaderRetryCount)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// moveToDLQ republishes the message to its dead-letter subject with headers
// preserved and the retry count updated.
func (b *Bus) moveToDLQ(msg jetstream.Msg, retries int) error {
	out := nats.NewMsg(protocol.DLQSubject(msg.Subject()))
	out.Data = msg.Data()
	for key, values := range msg.Headers() {
		for _, v := range values {
			out.Header.Add(key, v)
		}
	}
	out.Header.Set(protocol.HeaderRetryCount, strconv.Itoa(retries))
	return b.nc.PublishMsg(out)
}

// Publish sends a JSON payload with an optional request id header.
func (b *Bus) Publish(subject string, data []byte, requestID string) error {
	msg := nats.NewMsg(subject)
	msg.Data = data
	if requestID != "" {
		msg.Header.Set(protocol.HeaderRequestID, requestID)
	}
	return b.nc.PublishMsg(msg)
}

// drain flushes and closes the connection within the drain deadline. Drain
// is asynchronous, so completion is polled until the deadline, then the
// connection is force-closed.
func (b *Bus) drain() {
	b.logger.Info("draining connection", "timeout", b.drainTimeout)

	if err := b.nc.Drain(); err != nil {
		b.logger.Warn("drain failed, force closing", "error", err)
		b.nc.Close()
		return
	}

	deadline := time.Now().Add(b.drainTimeout)
	for time.Now().Before(deadline) {
		if b.nc.IsClosed() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	b.logger.Warn("drain deadline exceeded, force closing")
	b.nc.Close()
}

// Close force-closes the connection. Prefer letting Start return, which
// drains gracefully.
func (b *Bus) Close() {
	b.nc.Close()
}
