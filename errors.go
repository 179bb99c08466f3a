// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package resilient

import "fmt"

// EmptyURIListError is returned when a Connector is built without broker URIs.
type EmptyURIListError struct{}

// ConnectionClosedError is returned when an operation requires a live
// connection but the underlying connection is already dead.
type ConnectionClosedError struct{}

// InterruptedStartupError resolves a pending Listen when StopListening is
// invoked before every consumer has started.
type InterruptedStartupError struct{}

// EmptyTierListError is returned when a TieredListener is built without tiers.
type EmptyTierListError struct{}

// MissingHandlerError is returned when a TieredListener is built without a
// message handler.
type MissingHandlerError struct{}

// InvalidMessageError reports a malformed publish message. It is surfaced
// synchronously by PublishStream.Write.
type InvalidMessageError struct {
	Reason string
}

// PublishNackedError reports a publish the broker refused to confirm.
type PublishNackedError struct{}

// StreamFailedError is returned by writes to a PublishStream after its first
// publish failure. The stream does not self-recover; pair it with a fresh
// channel from a ChannelManager.
type StreamFailedError struct {
	Cause error
}

// Error implements the error interface for EmptyURIListError.
func (EmptyURIListError) Error() string {
	return "connector requires at least one broker uri"
}

// Error implements the error interface for ConnectionClosedError.
func (ConnectionClosedError) Error() string {
	return "connection already closed"
}

// Error implements the error interface for InterruptedStartupError.
func (InterruptedStartupError) Error() string {
	return "listener stopped before startup completed"
}

// Error implements the error interface for EmptyTierListError.
func (EmptyTierListError) Error() string {
	return "tiered listener requires at least one tier"
}

// Error implements the error interface for MissingHandlerError.
func (MissingHandlerError) Error() string {
	return "tiered listener requires a message handler"
}

// Error implements the error interface for InvalidMessageError.
func (e InvalidMessageError) Error() string {
	return fmt.Sprintf("invalid publish message: %s", e.Reason)
}

// Error implements the error interface for PublishNackedError.
func (PublishNackedError) Error() string {
	return "publish not confirmed by broker"
}

// Error implements the error interface for StreamFailedError.
func (e StreamFailedError) Error() string {
	return fmt.Sprintf("publish stream failed: %v", e.Cause)
}

// Unwrap exposes the first failure that latched the stream.
func (e StreamFailedError) Unwrap() error {
	return e.Cause
}
