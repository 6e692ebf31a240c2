// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package adapter defines the interface between the connection lifecycle
// coordinator and the clients that hold one broker connection per box.
package adapter

import (
	"context"
	"fmt"

	"github.com/sensebox/box-integration-bridge/integration"
)

// Handle is a live connection of one box. Handles are compared by identity.
type Handle interface {
	DeviceID() string
}

// FatalFunc is called at most once per handle when an established connection
// fails after Connect returned
type FatalFunc func(err error)

// Adapter connects boxes to their MQTT brokers
type Adapter interface {
	// Connect returns once the broker handshake and the topic subscription
	// have completed, the context is cancelled, or connecting failed
	Connect(ctx context.Context, deviceID string, config *integration.MQTT, onFatal FatalFunc) (Handle, error)
	// Disconnect tears down the connection after queued messages are forwarded
	Disconnect(ctx context.Context, handle Handle) error
}

// Kind classifies adapter errors
type Kind int

// Error kinds
const (
	// KindConnection is a transient error, such as an unreachable broker or a timeout
	KindConnection Kind = iota
	// KindAuth is a rejection of the credentials by the broker
	KindAuth
	// KindConfig is a configuration the adapter can not use, such as a malformed URL
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindAuth:
		return "auth"
	case KindConfig:
		return "config"
	}
	return "unknown"
}

// Error is returned by adapters
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error: %s", e.Kind, e.Err)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable returns true if the error may go away without a configuration change
func (e *Error) Retryable() bool {
	return e.Kind == KindConnection
}

// ConnectionError wraps err in a connection error
func ConnectionError(err error) *Error {
	return &Error{Kind: KindConnection, Err: err}
}

// AuthError wraps err in an auth error
func AuthError(err error) *Error {
	return &Error{Kind: KindAuth, Err: err}
}

// ConfigError wraps err in a config error
func ConfigError(err error) *Error {
	return &Error{Kind: KindConfig, Err: err}
}

// IsRetryable returns true if err is a retryable adapter error, or not an adapter error at all
func IsRetryable(err error) bool {
	if err == nil {
		return true
	}
	if e, ok := err.(*Error); ok {
		return e.Retryable()
	}
	return true
}

// KindOf returns the kind of err. Errors that did not come from an adapter are connection errors.
func KindOf(err error) Kind {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return KindConnection
}
