// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package deduplicate

import (
	"bytes"
	"errors"
	"sync"

	"github.com/goccy/go-json"
	"github.com/sensebox/box-integration-bridge/middleware"
	"github.com/sensebox/box-integration-bridge/types"
)

// NewDeduplicate returns a middleware that drops readings that are identical
// to the previous reading of the same device, as sent by brokers that
// redeliver messages after a reconnect
func NewDeduplicate() *Deduplicate {
	return &Deduplicate{
		lastReading: make(map[string][]byte),
	}
}

// Deduplicate middleware
type Deduplicate struct {
	mu          sync.Mutex
	lastReading map[string][]byte
}

// HandleDisconnect cleans up
func (d *Deduplicate) HandleDisconnect(_ middleware.Context, deviceID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.lastReading, deviceID)
	return nil
}

// ErrDuplicateReading is returned when a reading is received multiple times
var ErrDuplicateReading = errors.New("deduplicate: already handled this reading")

// HandleReading blocks duplicate readings
func (d *Deduplicate) HandleReading(_ middleware.Context, reading *types.Reading) error {
	fingerprint, err := fingerprint(reading)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.lastReading[reading.DeviceID]; ok && bytes.Equal(last, fingerprint) {
		return ErrDuplicateReading
	}
	d.lastReading[reading.DeviceID] = fingerprint
	return nil
}

// fingerprint covers the decoded content, not the id or the receive time
func fingerprint(reading *types.Reading) ([]byte, error) {
	if len(reading.Measurements) == 0 {
		return append([]byte(nil), reading.Raw...), nil
	}
	return json.Marshal(reading.Measurements)
}
