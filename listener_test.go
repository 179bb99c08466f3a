// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package resilient

import (
	"context"
	"testing"
	"time"

	"github.com/GwynCerbin/rabbit_resilient/pkg/broker"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastListener(conn broker.Connection, factories []ConsumerFactory) *Listener {
	return NewListener(conn, factories, &ListenerOptions{
		Manager: &ChannelManagerOptions{
			CreateRetryDelay: testTick,
			ReopenDelay:      testTick,
		},
	})
}

func queueFactory(name string) ConsumerFactory {
	return func(ch broker.Channel) *Consumer {
		return NewConsumer(ch, name, ConsumerOptions{})
	}
}

func TestListenerStartsEveryConsumer(t *testing.T) {
	conn := newTestConn()
	ch := newTestChannel()
	conn.scriptChannel(ch)

	l := fastListener(conn, []ConsumerFactory{
		queueFactory("a"),
		queueFactory("b"),
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.Listen(ctx))
	defer l.StopListening()

	calls := ch.callList()
	assert.Contains(t, calls, "consume a")
	assert.Contains(t, calls, "consume b")
}

func TestListenerFailsOnDeadConnection(t *testing.T) {
	conn := newTestConn()
	require.NoError(t, conn.Close())

	l := fastListener(conn, []ConsumerFactory{queueFactory("a")})

	require.ErrorIs(t, l.Listen(context.Background()), ConnectionClosedError{})
}

// The consumer set is fully replaced on channel recreation: fresh consumers
// declare against the new channel, none from the dead one survive.
func TestListenerRebuildsConsumersOnChannelRecreation(t *testing.T) {
	conn := newTestConn()
	first := newTestChannel()
	second := newTestChannel()
	conn.scriptChannel(first)
	conn.scriptChannel(second)

	l := fastListener(conn, []ConsumerFactory{queueFactory("q")})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.Listen(ctx))
	defer l.StopListening()

	first.TriggerClose(&amqp091.Error{Code: 504, Reason: "channel died"})

	require.Eventually(t, func() bool {
		for _, call := range second.callList() {
			if call == "consume q" {
				return true
			}
		}
		return false
	}, time.Second, testTick)
}

func TestListenerStopBeforeStartupInterrupts(t *testing.T) {
	conn := newTestConn()
	ch := newTestChannel()
	// A scripted creation failure keeps the channel from appearing until the
	// stop has landed.
	conn.scriptChannelErr(amqp091.ErrClosed)
	conn.scriptChannel(ch)

	l := fastListener(conn, []ConsumerFactory{queueFactory("q")})

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- l.Listen(context.Background())
	}()

	time.Sleep(testTick / 2)
	require.NoError(t, l.StopListening())

	select {
	case err := <-listenErr:
		require.ErrorIs(t, err, InterruptedStartupError{})
	case <-time.After(time.Second):
		t.Fatal("listen never returned")
	}
}

// Server-initiated cancel of one consumer re-subscribes it on the same
// channel without cycling the channel.
func TestListenerResumesAfterServerCancel(t *testing.T) {
	conn := newTestConn()
	ch := newTestChannel()
	conn.scriptChannel(ch)

	l := fastListener(conn, []ConsumerFactory{queueFactory("q")})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.Listen(ctx))
	defer l.StopListening()

	ch.TriggerServerCancel()

	require.Eventually(t, func() bool {
		consumes := 0
		for _, call := range ch.callList() {
			if call == "consume q" {
				consumes++
			}
		}
		return consumes == 2
	}, time.Second, testTick)
}

func TestListenerStopStopsConsumers(t *testing.T) {
	conn := newTestConn()
	ch := newTestChannel()
	conn.scriptChannel(ch)

	l := fastListener(conn, []ConsumerFactory{queueFactory("q")})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.Listen(ctx))

	require.NoError(t, l.StopListening())

	found := false
	for _, call := range ch.callList() {
		if len(call) > 6 && call[:6] == "cancel" {
			found = true
		}
	}
	assert.True(t, found, "expected a cancel RPC on stop")
}
