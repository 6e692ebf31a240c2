// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	redis "gopkg.in/redis.v5"

	"github.com/TheThingsNetwork/go-utils/rate"
	"github.com/sensebox/box-integration-bridge/middleware"
	"github.com/sensebox/box-integration-bridge/types"
)

// Limits per minute
type Limits struct {
	Readings int
}

// NewRateLimit returns a middleware that rate-limits readings per device
func NewRateLimit(conf Limits) *RateLimit {
	return &RateLimit{
		limits:  conf,
		devices: make(map[string]rate.Limiter),
	}
}

// NewRedisRateLimit returns a middleware that rate-limits readings per device,
// sharing the counters between instances through Redis
func NewRedisRateLimit(client *redis.Client, conf Limits) *RateLimit {
	l := NewRateLimit(conf)
	l.client = client
	return l
}

// RateLimit readings per device
type RateLimit struct {
	limits Limits
	client *redis.Client

	mu      sync.Mutex
	devices map[string]rate.Limiter
}

func (l *RateLimit) newLimiter(deviceID string) rate.Limiter {
	var counter rate.Counter
	if l.client != nil {
		counter = rate.NewRedisCounter(l.client, fmt.Sprintf("ratelimit:%s:readings", deviceID), time.Second, time.Minute)
	} else {
		counter = rate.NewCounter(time.Second, time.Minute)
	}
	return rate.NewLimiter(counter, time.Minute, uint64(l.limits.Readings))
}

func (l *RateLimit) get(deviceID string) rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.devices[deviceID]
	if !ok {
		limiter = l.newLimiter(deviceID)
		l.devices[deviceID] = limiter
	}
	return limiter
}

// ErrRateLimited is returned if the rate limit has been reached
var ErrRateLimited = errors.New("rate limit reached")

// HandleReading rate-limits readings
func (l *RateLimit) HandleReading(_ middleware.Context, reading *types.Reading) error {
	if l.limits.Readings == 0 {
		return nil
	}
	limit, err := l.get(reading.DeviceID).Limit()
	if err != nil {
		return err
	}
	if limit {
		return ErrRateLimited
	}
	return nil
}

// HandleDisconnect cleans up
func (l *RateLimit) HandleDisconnect(_ middleware.Context, deviceID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.devices, deviceID)
	return nil
}
