// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package collector holds the prometheus instruments maintained by the
// resilience layer. Exposition is left to the embedding program; call
// Register with its registry to enable them.
package collector

import "github.com/prometheus/client_golang/prometheus"

const (
	namespace = "rabbit_resilient"
)

var (
	ConnectionsEstablished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_established_total",
			Help:      "The total number of broker connections established.",
		},
	)

	ConnectionsLost = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_lost_total",
			Help:      "The total number of broker connections dropped mid-life.",
		},
	)

	ConnectFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_failures_total",
			Help:      "The total number of failed connection attempts.",
		},
	)

	ChannelsOpened = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channels_opened_total",
			Help:      "The total number of channels opened.",
		},
	)

	ChannelsLost = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channels_lost_total",
			Help:      "The total number of channels closed mid-life.",
		},
	)

	ConsumersStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumers_started_total",
			Help:      "The total number of subscriptions started.",
		},
	)

	ConsumersCancelled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumers_cancelled_total",
			Help:      "The total number of server-initiated consumer cancellations.",
		},
	)

	MessagesDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_delivered_total",
			Help:      "The total number of messages handed to application handlers.",
		},
	)

	MessagesSettled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_settled_total",
			Help:      "The total number of messages settled, by outcome.",
		},
		[]string{"outcome"},
	)

	PublishesConfirmed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publishes_confirmed_total",
			Help:      "The total number of publishes acknowledged by the broker.",
		},
	)

	PublishesFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publishes_failed_total",
			Help:      "The total number of publishes that errored or were nacked.",
		},
	)
)

// Register adds every instrument of this package to the given registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(
		ConnectionsEstablished,
		ConnectionsLost,
		ConnectFailures,
		ChannelsOpened,
		ChannelsLost,
		ConsumersStarted,
		ConsumersCancelled,
		MessagesDelivered,
		MessagesSettled,
		PublishesConfirmed,
		PublishesFailed,
	)
}
