// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package integration

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// ConnectionOptions are the broker options of an MQTT integration
type ConnectionOptions struct {
	Username       string `json:"username"`
	Password       string `json:"password"`
	ClientID       string `json:"clientId"`
	KeepAlive      int    `json:"keepalive"`
	Clean          *bool  `json:"clean"`
	QoS            byte   `json:"qos"`
	ConnectTimeout int    `json:"connectTimeout"`
}

// MaxQoS is the highest MQTT quality of service level
const MaxQoS = 2

// ErrInvalidQoS is returned for connection options with a qos above MaxQoS
var ErrInvalidQoS = errors.New("invalid qos")

// CleanSession returns the clean session flag, which defaults to true
func (o *ConnectionOptions) CleanSession() bool {
	return o.Clean == nil || *o.Clean
}

// KeepAliveDuration returns the keepalive interval, or def if unset
func (o *ConnectionOptions) KeepAliveDuration(def time.Duration) time.Duration {
	if o.KeepAlive <= 0 {
		return def
	}
	return time.Duration(o.KeepAlive) * time.Second
}

// ConnectTimeoutDuration returns the connect timeout, or def if unset
func (o *ConnectionOptions) ConnectTimeoutDuration(def time.Duration) time.Duration {
	if o.ConnectTimeout <= 0 {
		return def
	}
	return time.Duration(o.ConnectTimeout) * time.Second
}

// ParseConnectionOptions parses the connectionOptions string. An empty string
// results in the default options. A qos above MaxQoS is an error.
func (m *MQTT) ParseConnectionOptions() (*ConnectionOptions, error) {
	options := new(ConnectionOptions)
	if m == nil || m.ConnectionOptions == "" {
		return options, nil
	}
	if err := json.Unmarshal([]byte(m.ConnectionOptions), options); err != nil {
		return nil, err
	}
	if options.QoS > MaxQoS {
		return nil, fmt.Errorf("%w: qos must be between 0 and %d, got %d", ErrInvalidQoS, MaxQoS, options.QoS)
	}
	return options, nil
}
