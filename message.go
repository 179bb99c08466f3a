// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package resilient

import (
	"sync"

	"github.com/GwynCerbin/rabbit_resilient/collector"

	"github.com/rabbitmq/amqp091-go"
)

// Message wraps a single AMQP delivery handed to an application handler.
// Each message is settled at most once: whichever of Ack, Requeue or Reject
// runs first wins and the rest become no-ops.
type Message struct {
	delivery amqp091.Delivery
	once     sync.Once
}

// Ops are the settlement operations bound to one delivery, passed alongside
// the message so handlers can settle without holding the Message itself.
type Ops struct {
	Ack     func() error
	Requeue func() error
	Reject  func() error
}

func newMessage(d amqp091.Delivery) *Message {
	return &Message{delivery: d}
}

func (m *Message) ops() Ops {
	return Ops{
		Ack:     m.Ack,
		Requeue: m.Requeue,
		Reject:  m.Reject,
	}
}

// Body returns the raw message payload.
func (m *Message) Body() []byte {
	return m.delivery.Body
}

// RoutingKey returns the routing key the message was published with.
func (m *Message) RoutingKey() string {
	return m.delivery.RoutingKey
}

// Exchange returns the exchange the message arrived through.
func (m *Message) Exchange() string {
	return m.delivery.Exchange
}

// Headers returns the message headers.
func (m *Message) Headers() amqp091.Table {
	return m.delivery.Headers
}

// ContentType returns the MIME content type of the payload.
func (m *Message) ContentType() string {
	return m.delivery.ContentType
}

// IsRedelivered reports whether the broker delivered this message before.
func (m *Message) IsRedelivered() bool {
	return m.delivery.Redelivered
}

// Ack acknowledges successful processing, removing the message from the queue.
func (m *Message) Ack() error {
	return m.settle("ack", func() error {
		return m.delivery.Ack(false)
	})
}

// Requeue rejects the message and puts it back on its queue.
func (m *Message) Requeue() error {
	return m.settle("requeue", func() error {
		return m.delivery.Reject(true)
	})
}

// Reject rejects the message without requeueing. On a queue declared with a
// dead-letter exchange this routes the message there.
func (m *Message) Reject() error {
	return m.settle("reject", func() error {
		return m.delivery.Reject(false)
	})
}

func (m *Message) settle(outcome string, f func() error) error {
	var err error

	m.once.Do(func() {
		err = f()
		collector.MessagesSettled.WithLabelValues(outcome).Inc()
	})

	return err
}
