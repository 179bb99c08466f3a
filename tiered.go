// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package resilient

import (
	"sync"
	"time"

	"github.com/GwynCerbin/rabbit_resilient/pkg/broker"

	"go.uber.org/zap"
)

// RoutingOptions shape how a TieredListener chains its tiers.
type RoutingOptions struct {
	// Circular routes failures on the last tier back to the first tier
	// instead of requeueing them. Opt-in: with a handler that always fails,
	// a circular pipeline loops forever.
	Circular bool
	// DeadLetterExchange overrides the exchange carrying tier transitions.
	// Defaults to a durable direct exchange named queueNameBase + "DLX".
	DeadLetterExchange *ExchangeOptions
}

// TieredOptions configure a TieredListener.
type TieredOptions struct {
	// MessageHandler processes one delivery. A nil return acknowledges the
	// message; an error sends it to the next tier after the tier's delay, or,
	// on the terminal tier of a non-circular pipeline, requeues it there.
	MessageHandler func(*Message) error
	Routing        RoutingOptions
	// Queue, Consume, Exchanges and Binds pass through to every tier's
	// consumer the way they do on a plain Consumer. User exchanges and binds
	// attach to the first tier only.
	Queue     QueueOptions
	Consume   ConsumeOptions
	Exchanges []ExchangeOptions
	Binds     []BindOptions
	// Logger receives lifecycle logs. Defaults to a nop logger.
	Logger *zap.Logger
	// Manager overrides the options of the internally owned ChannelManager.
	Manager *ChannelManagerOptions
}

// TieredListener implements delayed retry via dead-letter chaining: one queue
// per tier, each dead-lettering into the next tier's queue through a shared
// direct exchange. Processing a delivery invokes the user handler; on failure
// the message waits the tier's delay and is then rejected toward the next
// tier, or requeued on the terminal tier of a non-circular pipeline so it is
// never lost.
type TieredListener struct {
	*Listener

	stop     chan struct{}
	stopOnce sync.Once
}

// NewTieredListener builds the tier chain over a live connection. tiers must
// be non-empty; order defines the chain.
func NewTieredListener(conn broker.Connection, queueNameBase string, tiers []Tier, opts *TieredOptions) (*TieredListener, error) {
	if len(tiers) == 0 {
		return nil, EmptyTierListError{}
	}
	if opts == nil {
		opts = &TieredOptions{}
	}
	if opts.MessageHandler == nil {
		return nil, MissingHandlerError{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dlx := opts.Routing.DeadLetterExchange
	if dlx == nil {
		dlx = &ExchangeOptions{
			Name:    queueNameBase + "DLX",
			Type:    "direct",
			Durable: true,
		}
	}

	t := &TieredListener{
		stop: make(chan struct{}),
	}

	factories := make([]ConsumerFactory, 0, len(tiers))
	for i, tier := range tiers {
		factories = append(factories, t.tierFactory(queueNameBase, tiers, i, tier, dlx, opts, logger))
	}

	t.Listener = NewListener(conn, factories, &ListenerOptions{
		Logger:  logger,
		Manager: opts.Manager,
	})

	return t, nil
}

// StopListening halts in-flight retry delays, then stops the listener.
func (t *TieredListener) StopListening() error {
	t.stopOnce.Do(func() {
		close(t.stop)
	})

	return t.Listener.StopListening()
}

// tierFactory builds the consumer factory for tier i. The tier's queue is
// queueNameBase + "-" + tier name; every tier binds to the dead-letter
// exchange under its own name so rejections from the previous tier land
// there. All but the terminal tier of a non-circular pipeline dead-letter to
// the next tier's routing key.
func (t *TieredListener) tierFactory(base string, tiers []Tier, i int, tier Tier, dlx *ExchangeOptions, opts *TieredOptions, logger *zap.Logger) ConsumerFactory {
	queueName := base + "-" + tier.Name

	next := ""
	switch {
	case i < len(tiers)-1:
		next = tiers[i+1].Name
	case opts.Routing.Circular:
		next = tiers[0].Name
	}
	terminal := next == ""

	queueOpts := opts.Queue
	args := cloneTable(opts.Queue.Args)
	if !terminal {
		args["x-dead-letter-exchange"] = dlx.Name
		args["x-dead-letter-routing-key"] = next
	}
	queueOpts.Args = args

	exchanges := []ExchangeOptions{*dlx}
	binds := []BindOptions{{Exchange: dlx.Name, Pattern: tier.Name}}
	if i == 0 {
		exchanges = append(exchanges, opts.Exchanges...)
		binds = append(binds, opts.Binds...)
	}

	return func(ch broker.Channel) *Consumer {
		c := NewConsumerWithLogger(ch, queueName, ConsumerOptions{
			Queue:     queueOpts,
			Consume:   opts.Consume,
			Exchanges: exchanges,
			Binds:     binds,
		}, logger)

		c.OnMessage(func(m *Message, ops Ops) {
			t.process(tier, terminal, opts.MessageHandler, m, ops, logger)
		})

		return c
	}
}

// process runs the user handler for one delivery and settles it. The
// post-failure delay is consumer-side: the message stays unacked while the
// tier's delay elapses, then a reject routes it to the next tier via the
// dead-letter exchange. The terminal tier requeues instead, preventing
// message loss.
func (t *TieredListener) process(tier Tier, terminal bool, handler func(*Message) error, m *Message, ops Ops, logger *zap.Logger) {
	err := handler(m)
	if err == nil {
		if ackErr := ops.Ack(); ackErr != nil {
			logger.Warn("ack failed", zap.String("tier", tier.Name), zap.Error(ackErr))
		}
		return
	}

	logger.Debug("handler failed",
		zap.String("tier", tier.Name),
		zap.Duration("delay", tier.Delay),
		zap.Error(err),
	)

	if tier.Delay > 0 {
		timer := time.NewTimer(tier.Delay)
		select {
		case <-t.stop:
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	var settleErr error
	if terminal {
		settleErr = ops.Requeue()
	} else {
		settleErr = ops.Reject()
	}
	if settleErr != nil {
		logger.Warn("settle after handler failure", zap.String("tier", tier.Name), zap.Error(settleErr))
	}
}
