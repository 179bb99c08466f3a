// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package resilient

import (
	"sync"
	"time"

	"github.com/GwynCerbin/rabbit_resilient/collector"
	"github.com/GwynCerbin/rabbit_resilient/pkg/broker"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	eventCreate = "create"
	eventClose  = "close"

	// defaultCreateRetryDelay paces attempts when the connection is alive but
	// refuses a channel.
	defaultCreateRetryDelay = 5 * time.Second
	// defaultReopenDelay paces re-creation after a channel dies mid-life.
	defaultReopenDelay = 3 * time.Second
)

// ChannelManagerOptions tune a ChannelManager. The zero value is usable.
type ChannelManagerOptions struct {
	// Confirm opens channels in publisher-confirm mode.
	Confirm bool
	// Logger receives lifecycle and retry logs. Defaults to a nop logger.
	Logger *zap.Logger
	// CreateRetryDelay overrides the pause after a failed channel creation.
	CreateRetryDelay time.Duration
	// ReopenDelay overrides the pause before replacing a dropped channel.
	ReopenDelay time.Duration
}

// ChannelManager maintains one open channel on a given connection, recreating
// it when it drops. create and close emissions strictly alternate over the
// manager's lifetime and are dispatched asynchronously so observers always
// see settled state.
//
// When the underlying connection dies the manager marks itself terminal; a
// replacement manager is built from the next connection the Connector emits.
type ChannelManager struct {
	emitter *AsyncEmitter
	conn    broker.Connection
	confirm bool
	logger  *zap.Logger

	createRetryDelay time.Duration
	reopenDelay      time.Duration

	mu               sync.Mutex
	started          bool
	creating         bool
	channel          broker.Channel
	connectionClosed bool
	stop             chan struct{}
}

// NewChannelManager builds a manager over a live connection.
func NewChannelManager(conn broker.Connection, opts *ChannelManagerOptions) *ChannelManager {
	if opts == nil {
		opts = &ChannelManagerOptions{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &ChannelManager{
		emitter:          NewAsyncEmitter(),
		conn:             conn,
		confirm:          opts.Confirm,
		logger:           logger,
		createRetryDelay: opts.CreateRetryDelay,
		reopenDelay:      opts.ReopenDelay,
	}

	if m.createRetryDelay <= 0 {
		m.createRetryDelay = defaultCreateRetryDelay
	}
	if m.reopenDelay <= 0 {
		m.reopenDelay = defaultReopenDelay
	}

	return m
}

// NoConfirms builds a manager producing plain channels.
func NoConfirms(conn broker.Connection) *ChannelManager {
	return NewChannelManager(conn, &ChannelManagerOptions{Confirm: false})
}

// WithConfirms builds a manager producing publisher-confirm channels.
func WithConfirms(conn broker.Connection) *ChannelManager {
	return NewChannelManager(conn, &ChannelManagerOptions{Confirm: true})
}

// OnCreate subscribes fn to channel creation.
func (m *ChannelManager) OnCreate(fn func(broker.Channel)) int {
	return m.emitter.On(eventCreate, func(arg any) {
		fn(arg.(broker.Channel))
	})
}

// OnClose subscribes fn to channel loss.
func (m *ChannelManager) OnClose(fn func(broker.Channel)) int {
	return m.emitter.On(eventClose, func(arg any) {
		fn(arg.(broker.Channel))
	})
}

// Channel returns the open channel, or nil while recreating.
func (m *ChannelManager) Channel() broker.Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channel
}

// Start begins channel creation. It fails with ConnectionClosedError when the
// underlying connection is already dead and is otherwise idempotent.
func (m *ChannelManager) Start() error {
	m.mu.Lock()
	if m.connectionClosed || m.conn.IsClosed() {
		m.mu.Unlock()
		return ConnectionClosedError{}
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.stop = make(chan struct{})
	m.mu.Unlock()

	m.watchConnection()
	m.attempt(0)

	return nil
}

// Stop closes the channel and cancels any pending retry. It is idempotent.
func (m *ChannelManager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	close(m.stop)
	ch := m.channel
	m.mu.Unlock()

	if ch != nil {
		if err := ch.Close(); err != nil {
			m.logger.Debug("close channel", zap.Error(err))
		}
	}
}

// watchConnection marks the manager terminal when the shared connection dies.
// Channel teardown then happens through the channel's own close notification.
func (m *ChannelManager) watchConnection() {
	closes := m.conn.NotifyClose(make(chan *amqp091.Error, 1))

	go func() {
		reason, _ := <-closes

		m.mu.Lock()
		m.connectionClosed = true
		m.mu.Unlock()

		if reason != nil {
			m.logger.Warn("connection died under channel manager", zap.Error(reason))
		}
	}()
}

// attempt launches channel creation unless one is already in flight or a
// channel is open.
func (m *ChannelManager) attempt(delay time.Duration) {
	m.mu.Lock()
	if !m.started || m.connectionClosed || m.creating || m.channel != nil {
		m.mu.Unlock()
		return
	}
	m.creating = true
	stop := m.stop
	m.mu.Unlock()

	go m.create(stop, delay)
}

func (m *ChannelManager) create(stop chan struct{}, delay time.Duration) {
	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-stop:
			t.Stop()
			m.clearCreating()
			return
		case <-t.C:
		}
	}

	var (
		ch  broker.Channel
		err error
	)
	if m.confirm {
		ch, err = m.conn.ConfirmChannel()
	} else {
		ch, err = m.conn.Channel()
	}

	m.clearCreating()

	if err != nil {
		m.logger.Warn("channel creation failed", zap.Error(err))
		m.attempt(m.createRetryDelay)
		return
	}

	m.mu.Lock()
	if !m.started || m.connectionClosed {
		m.mu.Unlock()
		_ = ch.Close()
		return
	}
	m.channel = ch
	m.mu.Unlock()

	m.watchChannel(ch)
	collector.ChannelsOpened.Inc()
	m.logger.Debug("channel created", zap.Bool("confirm", m.confirm))
	m.emitter.EmitAsync(eventCreate, ch)
}

func (m *ChannelManager) clearCreating() {
	m.mu.Lock()
	m.creating = false
	m.mu.Unlock()
}

// watchChannel reacts exactly once to the channel going away, emits close and
// schedules re-creation unless the manager was stopped or lost its connection.
func (m *ChannelManager) watchChannel(ch broker.Channel) {
	closes := ch.NotifyClose(make(chan *amqp091.Error, 1))

	go func() {
		reason, abnormal := <-closes

		m.mu.Lock()
		if m.channel != ch {
			m.mu.Unlock()
			return
		}
		m.channel = nil
		alive := m.started && !m.connectionClosed
		m.mu.Unlock()

		if abnormal && reason != nil {
			collector.ChannelsLost.Inc()
			m.logger.Warn("channel lost", zap.Error(reason))
		}

		m.emitter.EmitAsync(eventClose, ch)

		if alive && abnormal {
			m.attempt(m.reopenDelay)
		}
	}()
}
