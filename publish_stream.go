// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package resilient

import (
	"context"
	"sync"
	"time"

	"github.com/GwynCerbin/rabbit_resilient/collector"
	"github.com/GwynCerbin/rabbit_resilient/pkg/broker"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	eventError = "error"

	// defaultHighWaterMark caps outstanding confirmations per stream.
	defaultHighWaterMark = 8

	// mimeReadLimit bounds how many payload bytes content-type sniffing reads.
	mimeReadLimit = 512
)

// PublishMessage is one write into a PublishStream.
type PublishMessage struct {
	// Exchange to publish to; empty means the broker's default exchange,
	// routing directly by queue name.
	Exchange string
	// RoutingKey is required.
	RoutingKey string
	// Content is the payload: a string (encoded UTF-8) or a byte slice
	// (passed through verbatim).
	Content any
	// Persistent marks the message for disk persistence on durable queues.
	Persistent bool
	// Headers pass through to the publishing.
	Headers amqp091.Table
	// Callback, when set, runs once the broker confirms the message or the
	// publish fails. It may run on the stream's confirmation goroutine.
	Callback func(error)
}

// PublishStreamOptions tune a PublishStream.
type PublishStreamOptions struct {
	// HighWaterMark is the number of confirmations that may be outstanding
	// before writes block. Defaults to 8.
	HighWaterMark int
	// Logger receives failure logs. Defaults to a nop logger.
	Logger *zap.Logger
}

// PublishStream is a back-pressured writable sink over a confirm channel.
// Writes block while HighWaterMark confirmations are outstanding. The first
// publish failure latches the stream; it does not self-recover and should be
// replaced together with a fresh channel from a ChannelManager.
type PublishStream struct {
	emitter *AsyncEmitter
	ch      broker.Channel
	logger  *zap.Logger
	window  chan struct{}

	inflight sync.WaitGroup

	mu     sync.Mutex
	failed error
}

// NewPublishStream wraps a confirm channel.
func NewPublishStream(ch broker.Channel, opts *PublishStreamOptions) *PublishStream {
	if opts == nil {
		opts = &PublishStreamOptions{}
	}

	hwm := opts.HighWaterMark
	if hwm <= 0 {
		hwm = defaultHighWaterMark
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	mimetype.SetLimit(mimeReadLimit)

	return &PublishStream{
		emitter: NewAsyncEmitter(),
		ch:      ch,
		logger:  logger,
		window:  make(chan struct{}, hwm),
	}
}

// OnError subscribes fn to the stream's asynchronous failure notification.
// It fires once per stream, for the failure that latched it.
func (s *PublishStream) OnError(fn func(error)) int {
	return s.emitter.On(eventError, func(arg any) {
		fn(arg.(error))
	})
}

// Err returns the failure that latched the stream, or nil while healthy.
func (s *PublishStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

// Write validates and publishes one message, blocking while the confirmation
// window is full. The message's callback is invoked after the broker
// confirms. Validation failures are reported synchronously through both the
// returned error and the callback.
func (s *PublishStream) Write(ctx context.Context, m *PublishMessage) error {
	body, err := s.validate(m)
	if err != nil {
		if m != nil && m.Callback != nil {
			m.Callback(err)
		}
		return err
	}

	select {
	case s.window <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	return s.publish(ctx, m, body)
}

// TryWrite is Write without blocking: it reports false when the confirmation
// window is full, signalling back-pressure to the producer.
func (s *PublishStream) TryWrite(ctx context.Context, m *PublishMessage) (bool, error) {
	body, err := s.validate(m)
	if err != nil {
		if m != nil && m.Callback != nil {
			m.Callback(err)
		}
		return false, err
	}

	select {
	case s.window <- struct{}{}:
	default:
		return false, nil
	}

	return true, s.publish(ctx, m, body)
}

// Close waits for outstanding confirmations to drain and returns the latched
// failure, if any.
func (s *PublishStream) Close() error {
	s.inflight.Wait()
	return s.Err()
}

func (s *PublishStream) validate(m *PublishMessage) ([]byte, error) {
	if m == nil {
		return nil, InvalidMessageError{Reason: "message is nil"}
	}
	if m.RoutingKey == "" {
		return nil, InvalidMessageError{Reason: "routing key is empty"}
	}

	var body []byte
	switch content := m.Content.(type) {
	case string:
		body = []byte(content)
	case []byte:
		body = content
	default:
		return nil, InvalidMessageError{Reason: "content must be a string or byte slice"}
	}

	if err := s.Err(); err != nil {
		return nil, StreamFailedError{Cause: err}
	}

	return body, nil
}

func (s *PublishStream) publish(ctx context.Context, m *PublishMessage, body []byte) error {
	deliveryMode := amqp091.Transient
	if m.Persistent {
		deliveryMode = amqp091.Persistent
	}

	pub := amqp091.Publishing{
		ContentType:  mimetype.Detect(body).String(),
		Body:         body,
		MessageId:    uuid.NewString(),
		DeliveryMode: deliveryMode,
		Headers:      m.Headers,
		Timestamp:    time.Now(),
	}

	conf, err := s.ch.PublishWithConfirm(ctx, m.Exchange, m.RoutingKey, false, false, pub)
	if err != nil {
		<-s.window
		s.fail(err)
		if m.Callback != nil {
			m.Callback(err)
		}
		return err
	}

	s.inflight.Add(1)
	go s.awaitConfirm(conf, m.Callback)

	return nil
}

// awaitConfirm resolves one outstanding confirmation, releasing its window
// slot and invoking the per-write callback.
func (s *PublishStream) awaitConfirm(conf broker.Confirmation, callback func(error)) {
	defer func() {
		<-s.window
		s.inflight.Done()
	}()

	acked, err := conf.WaitContext(context.Background())
	if err == nil && !acked {
		err = PublishNackedError{}
	}

	if err != nil {
		s.fail(err)
		if callback != nil {
			callback(err)
		}
		return
	}

	collector.PublishesConfirmed.Inc()
	if callback != nil {
		callback(nil)
	}
}

// fail counts one failed publish, latches the stream on its first failure
// and notifies error subscribers once.
func (s *PublishStream) fail(err error) {
	s.mu.Lock()
	first := s.failed == nil
	if first {
		s.failed = err
	}
	s.mu.Unlock()

	collector.PublishesFailed.Inc()

	if first {
		s.logger.Error("publish stream failed", zap.Error(err))
		s.emitter.EmitAsync(eventError, err)
	}
}
