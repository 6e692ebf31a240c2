// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package middleware

import (
	"github.com/sensebox/box-integration-bridge/types"
)

// Context for middleware
type Context interface {
	Set(k, v interface{})
	Get(k interface{}) interface{}
}

// NewContext returns a new middleware context
func NewContext() Context {
	return &context{
		data: make(map[interface{}]interface{}),
	}
}

type context struct {
	data map[interface{}]interface{}
}

func (c *context) Set(k, v interface{}) {
	c.data[k] = v
}

func (c *context) Get(k interface{}) interface{} {
	if v, ok := c.data[k]; ok {
		return v
	}
	return nil
}

// Chain of middleware
type Chain []interface{}

// Execute the chain for a reading. The first middleware that returns an
// error stops the chain.
func (c Chain) Execute(ctx Context, reading *types.Reading) error {
	return c.filterReading().Execute(ctx, reading)
}

// Disconnect the device from every middleware that keeps per-device state
func (c Chain) Disconnect(ctx Context, deviceID string) error {
	return c.filterDisconnect().Execute(ctx, deviceID)
}

// Reading middleware
type Reading interface {
	HandleReading(Context, *types.Reading) error
}

type readingChain []Reading

func (c readingChain) Execute(ctx Context, reading *types.Reading) error {
	for _, middleware := range c {
		err := middleware.HandleReading(ctx, reading)
		if err != nil {
			return err
		}
	}
	return nil
}

func (c Chain) filterReading() (filtered readingChain) {
	for _, middleware := range c {
		if c, ok := middleware.(Reading); ok {
			filtered = append(filtered, c)
		}
	}
	return
}

// Disconnect middleware
type Disconnect interface {
	HandleDisconnect(ctx Context, deviceID string) error
}

type disconnectChain []Disconnect

func (c disconnectChain) Execute(ctx Context, deviceID string) error {
	for _, middleware := range c {
		err := middleware.HandleDisconnect(ctx, deviceID)
		if err != nil {
			return err
		}
	}
	return nil
}

func (c Chain) filterDisconnect() (filtered disconnectChain) {
	for _, middleware := range c {
		if c, ok := middleware.(Disconnect); ok {
			filtered = append(filtered, c)
		}
	}
	return
}
