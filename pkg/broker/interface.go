// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package broker

import (
	"context"

	"github.com/rabbitmq/amqp091-go"
)

// Dialer opens a connection to the broker at the given URI.
// The resilience layer never dials directly; it always goes through one of
// these so that tests can substitute an in-memory broker.
type Dialer func(uri string) (Connection, error)

// Connection is the part of an AMQP connection the resilience layer needs.
// Exactly one Connection is live per started Connector.
type Connection interface {
	// Channel opens a plain channel for fire-and-forget publishing and consuming.
	Channel() (Channel, error)

	// ConfirmChannel opens a channel already switched into publisher-confirm mode.
	ConfirmChannel() (Channel, error)

	// NotifyClose registers a receiver for the connection close notification.
	// The receiver gets at most one error and is then closed; a graceful local
	// close closes it without sending.
	NotifyClose(receiver chan *amqp091.Error) chan *amqp091.Error

	// IsClosed reports whether the connection is no longer usable.
	IsClosed() bool

	// Close shuts the connection down, tearing down every channel on it.
	Close() error
}

// Channel is the part of an AMQP channel the resilience layer needs.
// AMQP 0-9-1 channel RPCs complete in submission order, which the Consumer
// relies on to have QoS in force before consumption starts.
type Channel interface {
	// QueueDeclare asserts a queue and returns it, including the
	// server-generated name when an empty name was passed.
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)

	// ExchangeDeclare asserts an exchange of the given kind.
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error

	// QueueBind binds a queue to an exchange under a routing pattern.
	QueueBind(name, key, exchange string, noWait bool, args amqp091.Table) error

	// Qos limits the number of unacknowledged deliveries in flight on this channel.
	Qos(prefetchCount, prefetchSize int, global bool) error

	// Consume starts a subscription and streams deliveries until the
	// subscription is cancelled or the channel dies.
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error)

	// Cancel stops the subscription identified by the consumer tag.
	Cancel(consumer string, noWait bool) error

	// Publish sends a message without waiting for any broker acknowledgment.
	Publish(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error

	// PublishWithConfirm sends a message on a confirm channel and returns a
	// handle resolving once the broker acks or nacks it.
	PublishWithConfirm(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) (Confirmation, error)

	// NotifyClose registers a receiver for the channel close notification.
	// Same single-shot semantics as Connection.NotifyClose.
	NotifyClose(receiver chan *amqp091.Error) chan *amqp091.Error

	// NotifyCancel registers a receiver for server-initiated consumer
	// cancellations, delivering the cancelled consumer tag.
	NotifyCancel(receiver chan string) chan string

	// Close shuts the channel down.
	Close() error
}

// Confirmation resolves once the broker has acknowledged a published message.
type Confirmation interface {
	// WaitContext blocks until the broker confirms. It returns false when the
	// broker nacked the message.
	WaitContext(ctx context.Context) (bool, error)
}
