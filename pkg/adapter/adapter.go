// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package adapter implements the pkg/broker interfaces on top of
// github.com/rabbitmq/amqp091-go. It is the only package that touches the
// AMQP client library directly.
package adapter

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/GwynCerbin/rabbit_resilient/pkg/broker"

	"github.com/rabbitmq/amqp091-go"
)

// defaultDialTimeout bounds the TCP dial of a single connection attempt.
const defaultDialTimeout = 30 * time.Second

var (
	_ broker.Connection   = (*Conn)(nil)
	_ broker.Channel      = (*channel)(nil)
	_ broker.Confirmation = (*amqp091.DeferredConfirmation)(nil)
)

// Config carries the client-side knobs applied to every dialed connection.
// The broker URI itself (credentials, host, vhost) is passed per dial.
type Config struct {
	// Heartbeat is the AMQP heartbeat interval; zero keeps the library default.
	Heartbeat time.Duration
	// Properties are the client properties announced to the broker.
	Properties amqp091.Table
	// SocketNoDelay disables Nagle's algorithm on the underlying TCP socket.
	SocketNoDelay bool
}

// NewDialer returns a broker.Dialer that dials with the given configuration.
func NewDialer(cfg Config) broker.Dialer {
	clientCfg := amqp091.Config{
		Heartbeat:  cfg.Heartbeat,
		Properties: cfg.Properties,
	}

	if cfg.SocketNoDelay {
		clientCfg.Dial = dialNoDelay
	}

	return func(uri string) (broker.Connection, error) {
		con, err := amqp091.DialConfig(uri, clientCfg)
		if err != nil {
			return nil, fmt.Errorf("dial amqp091: %w", err)
		}

		return &Conn{connection: con}, nil
	}
}

// Dial opens a single connection with default configuration.
func Dial(uri string) (broker.Connection, error) {
	return NewDialer(Config{})(uri)
}

// dialNoDelay dials the broker and switches the socket to no-delay mode
// before the AMQP handshake starts.
func dialNoDelay(network, addr string) (net.Conn, error) {
	conn, err := net.DialTimeout(network, addr, defaultDialTimeout)
	if err != nil {
		return nil, err
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		if err := tcp.SetNoDelay(true); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("set tcp nodelay: %w", err)
		}
	}

	return conn, nil
}

// Conn adapts *amqp091.Connection to broker.Connection.
type Conn struct {
	connection *amqp091.Connection
}

// Wrap adapts an already-dialed amqp091 connection.
func Wrap(con *amqp091.Connection) *Conn {
	return &Conn{connection: con}
}

// Channel opens a plain channel.
func (c *Conn) Channel() (broker.Channel, error) {
	ch, err := c.connection.Channel()
	if err != nil {
		return nil, fmt.Errorf("create channel: %w", err)
	}

	return &channel{Channel: ch}, nil
}

// ConfirmChannel opens a channel and puts it into publisher-confirm mode.
func (c *Conn) ConfirmChannel() (broker.Channel, error) {
	ch, err := c.connection.Channel()
	if err != nil {
		return nil, fmt.Errorf("create channel: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("confirm channel: %w", err)
	}

	return &channel{Channel: ch}, nil
}

// NotifyClose registers a receiver for the connection close notification.
func (c *Conn) NotifyClose(receiver chan *amqp091.Error) chan *amqp091.Error {
	return c.connection.NotifyClose(receiver)
}

// IsClosed reports whether the underlying connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.connection.IsClosed()
}

// Close shuts down the underlying connection.
func (c *Conn) Close() error {
	if err := c.connection.Close(); err != nil {
		return fmt.Errorf("close connection: %w", err)
	}

	return nil
}

// channel adapts *amqp091.Channel to broker.Channel. Most of the interface is
// satisfied by the embedded channel; only the publish methods are renamed.
type channel struct {
	*amqp091.Channel
}

// Publish sends a message without waiting for a broker acknowledgment.
func (c *channel) Publish(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error {
	return c.Channel.PublishWithContext(ctx, exchange, key, mandatory, immediate, msg)
}

// PublishWithConfirm sends a message and returns its deferred confirmation.
func (c *channel) PublishWithConfirm(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) (broker.Confirmation, error) {
	conf, err := c.Channel.PublishWithDeferredConfirmWithContext(ctx, exchange, key, mandatory, immediate, msg)
	if err != nil {
		return nil, err
	}

	return conf, nil
}
