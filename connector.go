// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package resilient

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/GwynCerbin/rabbit_resilient/collector"
	"github.com/GwynCerbin/rabbit_resilient/pkg/adapter"
	"github.com/GwynCerbin/rabbit_resilient/pkg/broker"

	retry "github.com/avast/retry-go/v4"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	eventConnect    = "connect"
	eventDisconnect = "disconnect"

	// defaultConnectRetryDelay paces attempts while no broker is reachable.
	defaultConnectRetryDelay = 5 * time.Second
	// defaultReconnectDelay paces the first attempt after a live connection drops.
	defaultReconnectDelay = 1 * time.Second
)

// ConnectorOptions tune a Connector. The zero value is usable.
type ConnectorOptions struct {
	// SocketNoDelay disables Nagle's algorithm on the broker socket.
	SocketNoDelay bool
	// Heartbeat is the AMQP heartbeat interval; zero keeps the library default.
	Heartbeat time.Duration
	// Logger receives lifecycle and retry logs. Defaults to a nop logger.
	Logger *zap.Logger
	// Dialer overrides how connections are opened. Defaults to the amqp091
	// adapter honoring SocketNoDelay and Heartbeat.
	Dialer broker.Dialer
	// ConnectRetryDelay overrides the pause between failed connect attempts.
	ConnectRetryDelay time.Duration
	// ReconnectDelay overrides the pause before reconnecting after a drop.
	ReconnectDelay time.Duration
}

// Connector maintains one live connection to one of its broker URIs. It
// round-robins across the URIs on every attempt and retries indefinitely
// until stopped. connect and disconnect emissions strictly alternate over
// the Connector's lifetime.
type Connector struct {
	emitter *AsyncEmitter
	uris    []string
	dial    broker.Dialer
	logger  *zap.Logger

	connectRetryDelay time.Duration
	reconnectDelay    time.Duration

	mu      sync.Mutex
	started bool
	// running marks the dial loop goroutine as in flight; at most one attempt
	// sequence exists at any time.
	running bool
	conn    broker.Connection
	lastURI int
	cancel  context.CancelFunc
	ctx     context.Context
}

// NewConnector builds a Connector over one or more broker URIs of the form
// amqp[s]://[user[:pass]@]host[:port][/vhost]. An empty list is rejected.
func NewConnector(uris []string, opts *ConnectorOptions) (*Connector, error) {
	if len(uris) == 0 {
		return nil, EmptyURIListError{}
	}

	if opts == nil {
		opts = &ConnectorOptions{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dial := opts.Dialer
	if dial == nil {
		dial = adapter.NewDialer(adapter.Config{
			Heartbeat:     opts.Heartbeat,
			SocketNoDelay: opts.SocketNoDelay,
		})
	}

	c := &Connector{
		emitter:           NewAsyncEmitter(),
		uris:              uris,
		dial:              dial,
		logger:            logger,
		connectRetryDelay: opts.ConnectRetryDelay,
		reconnectDelay:    opts.ReconnectDelay,
		lastURI:           -1,
	}

	if c.connectRetryDelay <= 0 {
		c.connectRetryDelay = defaultConnectRetryDelay
	}
	if c.reconnectDelay <= 0 {
		c.reconnectDelay = defaultReconnectDelay
	}

	// Late subscribers to connect are replayed the live connection so that
	// observers built after Start still see the current state.
	c.emitter.SetNewListenerHook(func(event string, fn func(arg any)) {
		if event != eventConnect {
			return
		}
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			fn(conn)
		}
	})

	return c, nil
}

// OnConnect subscribes fn to connection establishment. If a connection is
// already live, fn is additionally invoked synchronously with it.
func (c *Connector) OnConnect(fn func(broker.Connection)) int {
	return c.emitter.On(eventConnect, func(arg any) {
		fn(arg.(broker.Connection))
	})
}

// OnDisconnect subscribes fn to connection loss.
func (c *Connector) OnDisconnect(fn func(broker.Connection)) int {
	return c.emitter.On(eventDisconnect, func(arg any) {
		fn(arg.(broker.Connection))
	})
}

// Connection returns the live connection, or nil when disconnected.
func (c *Connector) Connection() broker.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Start begins connection attempts. It is idempotent.
func (c *Connector) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.mu.Unlock()

	c.attempt(0)
}

// Stop cancels pending retries and closes the live connection if any.
// Reconnection is not attempted after Stop.
func (c *Connector) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	cancel := c.cancel
	conn := c.conn
	c.mu.Unlock()

	cancel()

	if conn != nil {
		if err := conn.Close(); err != nil {
			c.logger.Debug("close connection", zap.Error(err))
		}
	}
}

// attempt launches the dial loop unless one is already running or a
// connection is live.
func (c *Connector) attempt(delay time.Duration) {
	c.mu.Lock()
	if !c.started || c.running || c.conn != nil {
		c.mu.Unlock()
		return
	}
	c.running = true
	ctx := c.ctx
	c.mu.Unlock()

	go c.run(ctx, delay)
}

// run sleeps the initial delay, then dials until one URI answers or the
// connector is stopped. Each retry advances the round-robin cursor, so a
// broken URI is skipped on the next attempt.
func (c *Connector) run(ctx context.Context, delay time.Duration) {
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}

	err := retry.Do(
		c.dialNext,
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(c.connectRetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("broker connect failed",
				zap.Uint("attempt", n+1),
				zap.Error(err),
			)
		}),
	)
	if err != nil {
		c.logger.Debug("connect attempts aborted", zap.Error(err))
	}
}

// dialNext tries the next URI in round-robin order. Success installs the
// drop watcher and emits connect.
func (c *Connector) dialNext() error {
	c.mu.Lock()
	if !c.started || c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.lastURI = (c.lastURI + 1) % len(c.uris)
	uri := c.uris[c.lastURI]
	c.mu.Unlock()

	conn, err := c.dial(uri)
	if err != nil {
		collector.ConnectFailures.Inc()
		return err
	}

	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	c.conn = conn
	c.mu.Unlock()

	c.watch(conn)
	collector.ConnectionsEstablished.Inc()
	c.logger.Info("broker connected", zap.String("uri", sanitizeURI(uri)))
	c.emitter.EmitAsync(eventConnect, conn)

	return nil
}

// watch reacts exactly once to the connection going away. The notify channel
// receives the close reason on failure and is closed silently on a
// deliberate local close; only the former triggers reconnection.
func (c *Connector) watch(conn broker.Connection) {
	closes := conn.NotifyClose(make(chan *amqp091.Error, 1))

	go func() {
		reason, abnormal := <-closes

		c.mu.Lock()
		if c.conn != conn {
			c.mu.Unlock()
			return
		}
		c.conn = nil
		started := c.started
		c.mu.Unlock()

		if abnormal && reason != nil {
			collector.ConnectionsLost.Inc()
			c.logger.Warn("broker connection lost", zap.Error(reason))
		}

		c.emitter.EmitAsync(eventDisconnect, conn)

		if started && abnormal {
			c.attempt(c.reconnectDelay)
		}
	}()
}

// sanitizeURI strips credentials before a URI reaches the logs.
func sanitizeURI(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return "invalid-uri"
	}
	return u.Redacted()
}
