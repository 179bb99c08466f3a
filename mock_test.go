// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package resilient

import (
	"context"
	"fmt"
	"sync"

	"github.com/GwynCerbin/rabbit_resilient/pkg/broker"

	"github.com/rabbitmq/amqp091-go"
)

// testConn implements broker.Connection. Channels are served from a queue of
// scripted results; when the queue is empty a fresh default testChannel is
// handed out.
type testConn struct {
	mu           sync.Mutex
	closed       bool
	notifies     []chan *amqp091.Error
	scripted     []channelResult
	plainOpens   int
	confirmOpens int
	channels     []*testChannel
}

type channelResult struct {
	ch  *testChannel
	err error
}

func newTestConn() *testConn {
	return &testConn{}
}

func (c *testConn) scriptChannel(ch *testChannel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripted = append(c.scripted, channelResult{ch: ch})
}

func (c *testConn) scriptChannelErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripted = append(c.scripted, channelResult{err: err})
}

func (c *testConn) open() (broker.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, amqp091.ErrClosed
	}

	if len(c.scripted) > 0 {
		next := c.scripted[0]
		c.scripted = c.scripted[1:]
		if next.err != nil {
			return nil, next.err
		}
		c.channels = append(c.channels, next.ch)
		return next.ch, nil
	}

	ch := newTestChannel()
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *testConn) Channel() (broker.Channel, error) {
	c.mu.Lock()
	c.plainOpens++
	c.mu.Unlock()
	return c.open()
}

func (c *testConn) ConfirmChannel() (broker.Channel, error) {
	c.mu.Lock()
	c.confirmOpens++
	c.mu.Unlock()
	return c.open()
}

func (c *testConn) NotifyClose(receiver chan *amqp091.Error) chan *amqp091.Error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.notifies = append(c.notifies, receiver)
	return receiver
}

func (c *testConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close is a graceful local close: receivers are closed without a reason.
func (c *testConn) Close() error {
	c.finish(nil)
	return nil
}

// TriggerClose simulates an abnormal connection loss.
func (c *testConn) TriggerClose(reason *amqp091.Error) {
	c.finish(reason)
}

func (c *testConn) finish(reason *amqp091.Error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	notifies := c.notifies
	c.notifies = nil
	c.mu.Unlock()

	for _, n := range notifies {
		if reason != nil {
			n <- reason
		}
		close(n)
	}
}

// testChannel implements broker.Channel, recording every RPC in order and
// allowing error injection per RPC kind.
type testChannel struct {
	mu       sync.Mutex
	closed   bool
	calls    []string
	notifies []chan *amqp091.Error
	cancels  []chan string

	// deliveries and tags are keyed by queue name; the fake supports one
	// active consumer per queue.
	deliveries map[string]chan amqp091.Delivery
	tags       map[string]string

	declaredQueues []declaredQueue
	bindings       []BindOptions

	queueErr    error
	exchangeErr error
	bindErr     error
	qosErr      error
	consumeErr  error
	cancelErr   error
	publishErr  error

	confirmations []*testConfirmation
}

type declaredQueue struct {
	name string
	args amqp091.Table
}

func newTestChannel() *testChannel {
	return &testChannel{
		deliveries: make(map[string]chan amqp091.Delivery),
		tags:       make(map[string]string),
	}
}

func (c *testChannel) record(call string) {
	c.mu.Lock()
	c.calls = append(c.calls, call)
	c.mu.Unlock()
}

func (c *testChannel) callList() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.calls))
	copy(out, c.calls)
	return out
}

func (c *testChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error) {
	c.record("queue-declare " + name)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.queueErr != nil {
		return amqp091.Queue{}, c.queueErr
	}

	effective := name
	if effective == "" {
		effective = fmt.Sprintf("amq.gen-%d", len(c.declaredQueues)+1)
	}
	c.declaredQueues = append(c.declaredQueues, declaredQueue{name: effective, args: args})

	return amqp091.Queue{Name: effective}, nil
}

func (c *testChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error {
	c.record("exchange-declare " + name)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exchangeErr
}

func (c *testChannel) QueueBind(name, key, exchange string, noWait bool, args amqp091.Table) error {
	c.record(fmt.Sprintf("bind %s->%s:%s", name, exchange, key))
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bindErr != nil {
		return c.bindErr
	}
	c.bindings = append(c.bindings, BindOptions{Exchange: exchange, Pattern: key, Args: args})
	return nil
}

func (c *testChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	c.record(fmt.Sprintf("qos %d", prefetchCount))
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.qosErr
}

func (c *testChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error) {
	c.record("consume " + queue)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.consumeErr != nil {
		return nil, c.consumeErr
	}
	c.tags[queue] = consumer
	deliveries := make(chan amqp091.Delivery)
	c.deliveries[queue] = deliveries

	return deliveries, nil
}

func (c *testChannel) Cancel(consumer string, noWait bool) error {
	c.record("cancel " + consumer)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancelErr != nil {
		return c.cancelErr
	}
	for queue, tag := range c.tags {
		if tag == consumer {
			close(c.deliveries[queue])
			delete(c.deliveries, queue)
			delete(c.tags, queue)
		}
	}
	return nil
}

func (c *testChannel) Publish(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error {
	c.record(fmt.Sprintf("publish %s:%s", exchange, key))
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.publishErr
}

func (c *testChannel) PublishWithConfirm(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) (broker.Confirmation, error) {
	c.record(fmt.Sprintf("publish-confirm %s:%s", exchange, key))
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.publishErr != nil {
		return nil, c.publishErr
	}

	conf := newTestConfirmation()
	c.confirmations = append(c.confirmations, conf)
	return conf, nil
}

func (c *testChannel) NotifyClose(receiver chan *amqp091.Error) chan *amqp091.Error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.notifies = append(c.notifies, receiver)
	return receiver
}

func (c *testChannel) NotifyCancel(receiver chan string) chan string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.cancels = append(c.cancels, receiver)
	return receiver
}

// Close is a graceful local close.
func (c *testChannel) Close() error {
	c.record("close")
	c.finish(nil)
	return nil
}

// TriggerClose simulates the channel dying abnormally.
func (c *testChannel) TriggerClose(reason *amqp091.Error) {
	c.finish(reason)
}

// TriggerServerCancel simulates a server-initiated basic.cancel of every
// active subscription: the cancel notifications fire and the delivery
// streams end.
func (c *testChannel) TriggerServerCancel() {
	c.mu.Lock()
	tags := c.tags
	deliveries := c.deliveries
	cancels := c.cancels
	c.tags = make(map[string]string)
	c.deliveries = make(map[string]chan amqp091.Delivery)
	c.mu.Unlock()

	for _, tag := range tags {
		for _, n := range cancels {
			n <- tag
		}
	}
	for _, d := range deliveries {
		close(d)
	}
}

// Deliver pushes one delivery to the consumer subscribed to the queue.
func (c *testChannel) Deliver(queue string, d amqp091.Delivery) {
	c.mu.Lock()
	deliveries := c.deliveries[queue]
	c.mu.Unlock()
	deliveries <- d
}

func (c *testChannel) finish(reason *amqp091.Error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	notifies := c.notifies
	cancels := c.cancels
	deliveries := c.deliveries
	c.notifies = nil
	c.cancels = nil
	c.deliveries = make(map[string]chan amqp091.Delivery)
	c.tags = make(map[string]string)
	c.mu.Unlock()

	for _, n := range notifies {
		if reason != nil {
			n <- reason
		}
		close(n)
	}
	for _, n := range cancels {
		close(n)
	}
	for _, d := range deliveries {
		close(d)
	}
}

// testConfirmation is a broker confirmation resolved by the test.
type testConfirmation struct {
	done  chan struct{}
	acked bool
	err   error
}

func newTestConfirmation() *testConfirmation {
	return &testConfirmation{done: make(chan struct{})}
}

func (c *testConfirmation) Ack() {
	c.acked = true
	close(c.done)
}

func (c *testConfirmation) Nack() {
	close(c.done)
}

func (c *testConfirmation) Fail(err error) {
	c.err = err
	close(c.done)
}

func (c *testConfirmation) WaitContext(ctx context.Context) (bool, error) {
	select {
	case <-c.done:
		return c.acked, c.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// scriptedDialer serves connection attempts from a per-URI script, recording
// the order URIs were tried in.
type scriptedDialer struct {
	mu      sync.Mutex
	results map[string][]dialResult
	dialed  []string
}

type dialResult struct {
	conn broker.Connection
	err  error
}

func newScriptedDialer() *scriptedDialer {
	return &scriptedDialer{results: make(map[string][]dialResult)}
}

func (d *scriptedDialer) script(uri string, conn broker.Connection, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results[uri] = append(d.results[uri], dialResult{conn: conn, err: err})
}

func (d *scriptedDialer) dialedURIs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.dialed))
	copy(out, d.dialed)
	return out
}

func (d *scriptedDialer) dial(uri string) (broker.Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dialed = append(d.dialed, uri)

	queue := d.results[uri]
	if len(queue) == 0 {
		return nil, fmt.Errorf("no scripted result for %s", uri)
	}
	next := queue[0]
	d.results[uri] = queue[1:]

	return next.conn, next.err
}
