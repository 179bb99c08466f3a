// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package resilient

import (
	"context"
	"fmt"
	"sync"

	"github.com/GwynCerbin/rabbit_resilient/collector"
	"github.com/GwynCerbin/rabbit_resilient/pkg/broker"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	eventMessage = "message"
	eventCancel  = "cancel"
)

// CancelEvent reports who cancelled a subscription.
type CancelEvent struct {
	// Initiator is "server" when the broker cancelled the consumer, for
	// example because its queue was deleted.
	Initiator string
}

// messageEvent carries one delivery through the emitter.
type messageEvent struct {
	msg *Message
	ops Ops
}

// Consumer declares a queue, its exchanges and bindings on a channel and runs
// one subscription with message dispatch. A Consumer is bound to the channel
// it was built with; recovery after channel loss is the job of an enclosing
// Listener, which builds a fresh Consumer against the replacement channel.
type Consumer struct {
	emitter *AsyncEmitter
	ch      broker.Channel
	queue   string
	opts    ConsumerOptions
	logger  *zap.Logger

	mu             sync.Mutex
	started        bool
	tag            string
	effectiveQueue string
	consumeFut     *future
	stopFut        *future
}

// NewConsumer builds a Consumer for the given queue on the given channel.
// An empty queue name requests a server-generated one.
func NewConsumer(ch broker.Channel, queueName string, opts ConsumerOptions) *Consumer {
	return NewConsumerWithLogger(ch, queueName, opts, nil)
}

// NewConsumerWithLogger is NewConsumer with an explicit logger.
func NewConsumerWithLogger(ch broker.Channel, queueName string, opts ConsumerOptions, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Consumer{
		emitter: NewAsyncEmitter(),
		ch:      ch,
		queue:   queueName,
		opts:    opts,
		logger:  logger,
	}
}

// OnMessage subscribes fn to deliveries. Dispatch is deferred by one emitter
// turn so the handler runs outside the consumer's receive loop.
func (c *Consumer) OnMessage(fn func(*Message, Ops)) int {
	return c.emitter.On(eventMessage, func(arg any) {
		ev := arg.(messageEvent)
		fn(ev.msg, ev.ops)
	})
}

// OnCancel subscribes fn to subscription cancellation events.
func (c *Consumer) OnCancel(fn func(CancelEvent)) int {
	return c.emitter.On(eventCancel, func(arg any) {
		fn(arg.(CancelEvent))
	})
}

// QueueName returns the effective queue name once the queue is declared. For
// a server-named queue this differs from the name the Consumer was built with.
func (c *Consumer) QueueName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.effectiveQueue
}

// Tag returns the server-assigned consumer tag, or empty when not subscribed.
func (c *Consumer) Tag() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tag
}

// IsStopping reports whether StopConsuming was called and has not completed.
func (c *Consumer) IsStopping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopFut != nil && !c.stopFut.resolved()
}

// Consume declares the consumer's topology and starts the subscription. It
// blocks until the subscription is live. Concurrent and repeated calls share
// one underlying startup, so a second Consume observes the first one's
// outcome. After a cancel (server or manual) a new call starts afresh.
func (c *Consumer) Consume(ctx context.Context) error {
	c.mu.Lock()
	if c.consumeFut != nil {
		fut := c.consumeFut
		c.mu.Unlock()
		return fut.wait(ctx)
	}
	fut := newFuture()
	c.consumeFut = fut
	c.started = true
	c.mu.Unlock()

	err := c.declare(ctx)
	if err != nil {
		c.logger.Warn("consumer declaration failed",
			zap.String("queue", c.queue),
			zap.Error(err),
		)
	}
	fut.resolve(err)

	return err
}

// declare runs the startup sequence: queue assert, concurrent exchange
// asserts, concurrent binds, prefetch, then the consume RPC. Prefetch is
// issued strictly before consume on the same channel, so the QoS is in force
// when consumption starts.
func (c *Consumer) declare(ctx context.Context) error {
	q, err := c.ch.QueueDeclare(
		c.queue,
		c.opts.Queue.Durable,
		c.opts.Queue.AutoDelete,
		c.opts.Queue.Exclusive,
		false,
		c.opts.Queue.Args,
	)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	c.mu.Lock()
	c.effectiveQueue = q.Name
	c.mu.Unlock()

	eg, _ := errgroup.WithContext(ctx)
	for _, ex := range c.opts.Exchanges {
		eg.Go(func() error {
			if err := c.ch.ExchangeDeclare(ex.Name, ex.Type, ex.Durable, ex.AutoDelete, ex.Internal, false, ex.Args); err != nil {
				return fmt.Errorf("declare exchange %q: %w", ex.Name, err)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	eg, _ = errgroup.WithContext(ctx)
	for _, b := range c.opts.Binds {
		eg.Go(func() error {
			if err := c.ch.QueueBind(q.Name, b.Pattern, b.Exchange, false, b.Args); err != nil {
				return fmt.Errorf("bind queue to %q: %w", b.Exchange, err)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	if c.opts.Consume.Prefetch > 0 {
		if err := c.ch.Qos(c.opts.Consume.Prefetch, 0, false); err != nil {
			return fmt.Errorf("set prefetch: %w", err)
		}
	}

	tag := uuid.NewString()
	deliveries, err := c.ch.Consume(
		q.Name,
		tag,
		false,
		c.opts.Consume.Exclusive,
		false,
		false,
		c.opts.Consume.Args,
	)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	c.mu.Lock()
	c.tag = tag
	c.mu.Unlock()

	cancels := c.ch.NotifyCancel(make(chan string, 1))
	go c.dispatch(deliveries)
	go c.watchCancel(cancels, tag)

	collector.ConsumersStarted.Inc()
	c.logger.Debug("consumer started",
		zap.String("queue", q.Name),
		zap.String("tag", tag),
	)

	return nil
}

// dispatch forwards deliveries to message subscribers until the delivery
// stream ends, which happens on cancel or channel death.
func (c *Consumer) dispatch(deliveries <-chan amqp091.Delivery) {
	for d := range deliveries {
		m := newMessage(d)
		collector.MessagesDelivered.Inc()
		c.emitter.EmitAsync(eventMessage, messageEvent{msg: m, ops: m.ops()})
	}
}

// watchCancel reacts to a server-initiated cancel of this subscription epoch.
// The consumer drops its startup state so a fresh Consume can resubscribe,
// then notifies cancel subscribers.
func (c *Consumer) watchCancel(cancels chan string, tag string) {
	cancelled, ok := <-cancels
	if !ok {
		return
	}

	c.mu.Lock()
	if c.tag != tag || cancelled != tag || c.stopFut != nil {
		c.mu.Unlock()
		return
	}
	c.started = false
	c.tag = ""
	c.consumeFut = nil
	c.mu.Unlock()

	collector.ConsumersCancelled.Inc()
	c.logger.Warn("consumer cancelled by server", zap.String("tag", tag))
	c.emitter.EmitAsync(eventCancel, CancelEvent{Initiator: "server"})
}

// StopConsuming cancels the subscription and blocks until the broker has
// acknowledged the cancel or the channel has closed. Cancel errors are
// swallowed: either way no further deliveries arrive, which is the caller's
// goal. Calls after the first return immediately once the stop completes.
func (c *Consumer) StopConsuming() error {
	c.mu.Lock()
	if c.stopFut != nil {
		fut := c.stopFut
		c.mu.Unlock()
		return fut.wait(context.Background())
	}
	if c.consumeFut == nil {
		c.mu.Unlock()
		return nil
	}
	consumeFut := c.consumeFut
	stop := newFuture()
	c.stopFut = stop
	c.started = false
	c.mu.Unlock()

	// The subscription may still be starting; wait for it to settle so the
	// cancel targets a real tag.
	_ = consumeFut.wait(context.Background())

	c.mu.Lock()
	tag := c.tag
	c.mu.Unlock()

	if tag != "" {
		if err := c.ch.Cancel(tag, false); err != nil {
			c.logger.Debug("cancel consumer", zap.String("tag", tag), zap.Error(err))
		}
	}

	c.mu.Lock()
	c.tag = ""
	c.consumeFut = nil
	c.stopFut = nil
	c.mu.Unlock()

	stop.resolve(nil)

	return nil
}
