// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package resilient

import (
	"context"
	"sync"

	"github.com/GwynCerbin/rabbit_resilient/pkg/broker"

	"go.uber.org/zap"
)

// ConsumerFactory builds a Consumer bound to the given channel. The Listener
// invokes each factory anew for every channel the manager creates, so a
// factory must not retain consumers across calls.
type ConsumerFactory func(ch broker.Channel) *Consumer

// ListenerOptions tune a Listener. The zero value is usable.
type ListenerOptions struct {
	// Logger receives lifecycle logs. Defaults to a nop logger.
	Logger *zap.Logger
	// Manager overrides the options of the internally owned ChannelManager.
	// Confirm is forced off; listeners consume on plain channels.
	Manager *ChannelManagerOptions
}

// Listener binds a set of consumer factories to a channel. It owns a
// ChannelManager and rebuilds the full consumer set whenever the channel is
// recreated, so consumers are always bound to the channel that carries them.
// No consumer from a dead channel is ever retained.
type Listener struct {
	manager   *ChannelManager
	factories []ConsumerFactory
	logger    *zap.Logger

	mu        sync.Mutex
	listenFut *future
	consumers []*Consumer
	stopping  bool
}

// NewListener builds a Listener over a live connection.
func NewListener(conn broker.Connection, factories []ConsumerFactory, opts *ListenerOptions) *Listener {
	if opts == nil {
		opts = &ListenerOptions{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	mgrOpts := &ChannelManagerOptions{Logger: logger}
	if opts.Manager != nil {
		mgrOpts = &ChannelManagerOptions{
			Logger:           opts.Manager.Logger,
			CreateRetryDelay: opts.Manager.CreateRetryDelay,
			ReopenDelay:      opts.Manager.ReopenDelay,
		}
		if mgrOpts.Logger == nil {
			mgrOpts.Logger = logger
		}
	}

	return &Listener{
		manager:   NewChannelManager(conn, mgrOpts),
		factories: factories,
		logger:    logger,
	}
}

// Listen starts the channel manager and blocks until every factory-built
// consumer has started at least once. It fails with InterruptedStartupError
// when StopListening is invoked before startup completes, and with
// ConnectionClosedError when the connection is already dead.
func (l *Listener) Listen(ctx context.Context) error {
	l.mu.Lock()
	if l.listenFut != nil {
		fut := l.listenFut
		l.mu.Unlock()
		return fut.wait(ctx)
	}
	fut := newFuture()
	l.listenFut = fut
	l.mu.Unlock()

	l.manager.OnCreate(l.rebuild)
	l.manager.OnClose(l.halt)

	if err := l.manager.Start(); err != nil {
		fut.resolve(err)
		return err
	}

	return fut.wait(ctx)
}

// StopListening stops every consumer of the current epoch, then the channel
// manager. A Listen still waiting for startup fails with
// InterruptedStartupError.
func (l *Listener) StopListening() error {
	l.mu.Lock()
	if l.stopping {
		l.mu.Unlock()
		return nil
	}
	l.stopping = true
	fut := l.listenFut
	consumers := l.consumers
	l.consumers = nil
	l.mu.Unlock()

	if fut != nil {
		fut.resolve(InterruptedStartupError{})
	}

	var wg sync.WaitGroup
	for _, c := range consumers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.StopConsuming()
		}()
	}
	wg.Wait()

	l.manager.Stop()

	return nil
}

// rebuild replaces the consumer set against a freshly created channel. The
// consumers start sequentially so their prefetch and consume RPCs never
// interleave on the shared channel. Start failures are logged and otherwise
// ignored: a failed declaration takes the channel down, and the manager's
// next create event triggers another rebuild.
func (l *Listener) rebuild(ch broker.Channel) {
	l.mu.Lock()
	if l.stopping {
		l.mu.Unlock()
		return
	}
	consumers := make([]*Consumer, 0, len(l.factories))
	for _, f := range l.factories {
		consumers = append(consumers, f(ch))
	}
	l.consumers = consumers
	fut := l.listenFut
	l.mu.Unlock()

	for _, c := range consumers {
		c.OnCancel(func(CancelEvent) {
			l.resume(c)
		})
	}

	go func() {
		ok := true
		for _, c := range consumers {
			if err := c.Consume(context.Background()); err != nil {
				ok = false
				l.logger.Warn("consumer start failed, waiting for channel recycle", zap.Error(err))
			}
		}
		if ok && fut != nil {
			fut.resolve(nil)
		}
	}()
}

// halt stops the consumers of the epoch that just lost its channel.
func (l *Listener) halt(broker.Channel) {
	l.mu.Lock()
	consumers := l.consumers
	l.consumers = nil
	l.mu.Unlock()

	for _, c := range consumers {
		go func() {
			_ = c.StopConsuming()
		}()
	}
}

// resume re-subscribes a consumer the server cancelled, on its same channel.
// Manual stops are left alone.
func (l *Listener) resume(c *Consumer) {
	l.mu.Lock()
	stopping := l.stopping
	l.mu.Unlock()

	if stopping || c.IsStopping() {
		return
	}

	go func() {
		if err := c.Consume(context.Background()); err != nil {
			l.logger.Warn("re-consume after server cancel failed", zap.Error(err))
		}
	}()
}
