// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"errors"
	"fmt"

	"github.com/rabbitmq/amqp091-go"
)

// Topology bundles exchanges, queues and bindings that stand apart from any
// consumer, for setup and teardown tooling. Long-lived topology belongs to
// consumers, which re-assert theirs on every channel epoch; a Topology is
// applied once over a short-lived channel.
type Topology struct {
	Exchanges []Exchange
	Queues    []Queue
	Bindings  []Binding
}

// Exchange is one exchange of a Topology.
type Exchange struct {
	Name       string
	Kind       string
	Durable    bool
	AutoDelete bool
	Internal   bool
	Args       amqp091.Table
}

// Queue is one queue of a Topology.
type Queue struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Args       amqp091.Table
}

// Binding ties one Topology queue to one exchange.
type Binding struct {
	Queue    string
	Exchange string
	Key      string
	Args     amqp091.Table
}

// DeclareTopology asserts every exchange, queue and binding of the topology,
// in that order, on one short-lived channel.
func (c *Conn) DeclareTopology(top Topology) error {
	ch, err := c.connection.Channel()
	if err != nil {
		return fmt.Errorf("create channel: %w", err)
	}
	defer ch.Close()

	for _, ex := range top.Exchanges {
		if err := ch.ExchangeDeclare(ex.Name, ex.Kind, ex.Durable, ex.AutoDelete, ex.Internal, false, ex.Args); err != nil {
			return fmt.Errorf("assert exchange %q: %w", ex.Name, err)
		}
	}

	for _, q := range top.Queues {
		if _, err := ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, false, q.Args); err != nil {
			return fmt.Errorf("assert queue %q: %w", q.Name, err)
		}
	}

	for _, b := range top.Bindings {
		if err := ch.QueueBind(b.Queue, b.Key, b.Exchange, false, b.Args); err != nil {
			return fmt.Errorf("bind %q to %q: %w", b.Queue, b.Exchange, err)
		}
	}

	return nil
}

// RemoveTopology deletes the topology's queues, then its exchanges. Every
// element is attempted on its own channel, since a broker-refused delete
// closes the channel it ran on; failures are collected so one refusal does
// not leave the rest behind. Bindings fall with their queues.
func (c *Conn) RemoveTopology(top Topology) error {
	var errs []error

	for _, q := range top.Queues {
		err := c.onChannel(func(ch *amqp091.Channel) error {
			_, err := ch.QueueDelete(q.Name, false, false, false)
			return err
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("delete queue %q: %w", q.Name, err))
		}
	}

	for _, ex := range top.Exchanges {
		err := c.onChannel(func(ch *amqp091.Channel) error {
			return ch.ExchangeDelete(ex.Name, false, false)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("delete exchange %q: %w", ex.Name, err))
		}
	}

	return errors.Join(errs...)
}

// onChannel runs f over a channel opened for just that call.
func (c *Conn) onChannel(f func(ch *amqp091.Channel) error) error {
	ch, err := c.connection.Channel()
	if err != nil {
		return fmt.Errorf("create channel: %w", err)
	}
	defer ch.Close()

	return f(ch)
}
