// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package dummy is an in-memory adapter that does not talk to any broker.
// Messages can be published to connected boxes with Publish.
package dummy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/sensebox/box-integration-bridge/adapter"
	"github.com/sensebox/box-integration-bridge/decode"
	"github.com/sensebox/box-integration-bridge/ingest"
	"github.com/sensebox/box-integration-bridge/integration"
	"github.com/sensebox/box-integration-bridge/types"
)

// Operations recorded by the Dummy adapter
const (
	OpConnect    = "connect"
	OpDisconnect = "disconnect"
)

// Call is a recorded call to the adapter
type Call struct {
	Op       string
	DeviceID string
	Config   *integration.MQTT
}

// Handle of a dummy connection
type Handle struct {
	deviceID string
	config   *integration.MQTT
	decoder  decode.Decoder
	onFatal  adapter.FatalFunc
}

// DeviceID implements adapter.Handle
func (h *Handle) DeviceID() string {
	return h.deviceID
}

// Config returns the configuration the handle was connected with
func (h *Handle) Config() *integration.MQTT {
	return h.config
}

// Dummy adapter
type Dummy struct {
	mu          sync.Mutex
	ctx         log.Interface
	sink        ingest.Sink
	connections map[string]map[*Handle]struct{}
	failures    map[string][]error
	blocked     map[string]chan struct{}
	calls       []Call

	// ConnectDelay is waited before every connect completes
	ConnectDelay time.Duration
}

// New returns a new Dummy adapter. The sink may be nil.
func New(ctx log.Interface, sink ingest.Sink) *Dummy {
	return &Dummy{
		ctx:         ctx.WithField("Connector", "Dummy"),
		sink:        sink,
		connections: make(map[string]map[*Handle]struct{}),
		failures:    make(map[string][]error),
		blocked:     make(map[string]chan struct{}),
	}
}

// FailNext makes the next connect of the device fail with err
func (d *Dummy) FailNext(deviceID string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[deviceID] = append(d.failures[deviceID], err)
}

// Block makes connects of the device wait until Release is called or their context is done
func (d *Dummy) Block(deviceID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.blocked[deviceID]; !ok {
		d.blocked[deviceID] = make(chan struct{})
	}
}

// Release lets blocked connects of the device continue
func (d *Dummy) Release(deviceID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.blocked[deviceID]; ok {
		close(ch)
		delete(d.blocked, deviceID)
	}
}

func (d *Dummy) record(call Call) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, call)
}

// Calls returns the recorded calls for the device, or all calls if deviceID is empty
func (d *Dummy) Calls(deviceID string) []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	var calls []Call
	for _, call := range d.calls {
		if deviceID == "" || call.DeviceID == deviceID {
			calls = append(calls, call)
		}
	}
	return calls
}

// Count returns the number of recorded operations for the device
func (d *Dummy) Count(op, deviceID string) (count int) {
	for _, call := range d.Calls(deviceID) {
		if call.Op == op {
			count++
		}
	}
	return
}

// Active returns the number of live connections of the device
func (d *Dummy) Active(deviceID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.connections[deviceID])
}

// Connect implements adapter.Adapter
func (d *Dummy) Connect(ctx context.Context, deviceID string, config *integration.MQTT, onFatal adapter.FatalFunc) (adapter.Handle, error) {
	d.record(Call{Op: OpConnect, DeviceID: deviceID, Config: config.Clone()})
	logger := d.ctx.WithField("DeviceID", deviceID)

	d.mu.Lock()
	block := d.blocked[deviceID]
	var failure error
	if failures := d.failures[deviceID]; len(failures) > 0 {
		failure, d.failures[deviceID] = failures[0], failures[1:]
	}
	delay := d.ConnectDelay
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			logger.Debug("Connect cancelled")
			return nil, adapter.ConnectionError(ctx.Err())
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			logger.Debug("Connect cancelled")
			return nil, adapter.ConnectionError(ctx.Err())
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, adapter.ConnectionError(err)
	}
	if failure != nil {
		logger.WithError(failure).Debug("Connect failed")
		return nil, failure
	}
	decoder, err := decode.New(config)
	if err != nil {
		return nil, adapter.ConfigError(err)
	}

	handle := &Handle{deviceID: deviceID, config: config.Clone(), decoder: decoder, onFatal: onFatal}
	d.mu.Lock()
	if d.connections[deviceID] == nil {
		d.connections[deviceID] = make(map[*Handle]struct{})
	}
	d.connections[deviceID][handle] = struct{}{}
	d.mu.Unlock()
	logger.Debug("Connected")
	return handle, nil
}

// Disconnect implements adapter.Adapter
func (d *Dummy) Disconnect(ctx context.Context, h adapter.Handle) error {
	handle, ok := h.(*Handle)
	if !ok {
		return adapter.ConfigError(fmt.Errorf("dummy: unknown handle %T", h))
	}
	d.record(Call{Op: OpDisconnect, DeviceID: handle.deviceID, Config: handle.config})
	d.mu.Lock()
	delete(d.connections[handle.deviceID], handle)
	if len(d.connections[handle.deviceID]) == 0 {
		delete(d.connections, handle.deviceID)
	}
	d.mu.Unlock()
	if disconnecter, ok := d.sink.(interface{ DisconnectDevice(string) }); ok {
		disconnecter.DisconnectDevice(handle.deviceID)
	}
	d.ctx.WithField("DeviceID", handle.deviceID).Debug("Disconnected")
	return nil
}

// Fatal breaks the live connections of the device with err
func (d *Dummy) Fatal(deviceID string, err error) {
	d.mu.Lock()
	var handles []*Handle
	for handle := range d.connections[deviceID] {
		handles = append(handles, handle)
	}
	delete(d.connections, deviceID)
	d.mu.Unlock()
	for _, handle := range handles {
		if handle.onFatal != nil {
			handle.onFatal(err)
		}
	}
}

// Publish decodes the payload as a message on the topic of the device and submits it to the sink
func (d *Dummy) Publish(deviceID string, payload []byte) error {
	d.mu.Lock()
	var handle *Handle
	for h := range d.connections[deviceID] {
		handle = h
	}
	d.mu.Unlock()
	if handle == nil {
		return fmt.Errorf("dummy: device %s is not connected", deviceID)
	}
	reading := &types.Reading{
		ID:         uuid.NewString(),
		DeviceID:   deviceID,
		Format:     handle.config.Format(),
		Topic:      handle.config.Topic,
		ReceivedAt: time.Now().UTC(),
	}
	if err := handle.decoder.Decode(payload, reading); err != nil {
		return err
	}
	d.ctx.WithField("DeviceID", deviceID).Debug("Published message")
	if d.sink == nil {
		return nil
	}
	return d.sink.SubmitReading(reading)
}
