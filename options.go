// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package resilient

import (
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// ExchangeOptions declares one exchange a consumer asserts before subscribing.
type ExchangeOptions struct {
	Name       string
	Type       string // direct, topic, fanout or headers
	Durable    bool
	AutoDelete bool
	Internal   bool
	Args       amqp091.Table
}

// BindOptions establishes one binding between the consumer queue and an
// exchange. The queue side is implied by the consumer owning the binding.
type BindOptions struct {
	Exchange string
	Pattern  string
	Args     amqp091.Table
}

// QueueOptions shape the queue declaration issued by a consumer. Args pass
// through verbatim, including x-dead-letter-exchange and
// x-dead-letter-routing-key.
type QueueOptions struct {
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Args       amqp091.Table
}

// ConsumeOptions shape the subscription itself.
type ConsumeOptions struct {
	Exclusive bool
	// Prefetch caps unacknowledged deliveries in flight on the channel; zero
	// leaves the broker default in place.
	Prefetch int
	Args     amqp091.Table
}

// ConsumerOptions bundle everything a Consumer declares on first Consume.
type ConsumerOptions struct {
	Queue     QueueOptions
	Consume   ConsumeOptions
	Exchanges []ExchangeOptions
	Binds     []BindOptions
}

// Tier is one stage of a delayed-retry pipeline: a queue name suffix plus the
// pause imposed after a handler failure before the message moves on.
type Tier struct {
	Name  string
	Delay time.Duration
}

// cloneTable copies an amqp table so per-tier extensions never leak into the
// caller's args.
func cloneTable(t amqp091.Table) amqp091.Table {
	out := make(amqp091.Table, len(t)+2)
	for k, v := range t {
		out[k] = v
	}
	return out
}
