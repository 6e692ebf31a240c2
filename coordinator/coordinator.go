// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package coordinator keeps the MQTT connections of boxes in line with their
// stored configuration.
//
// Configuration events from the store are queued per box. Every box has at
// most one goroutine working through its queue, so transitions of one box
// never run concurrently while different boxes proceed in parallel:
//
// - A save that changes the MQTT integration is diffed against the
//   configuration of the live connection. Enabling connects, disabling
//   disconnects and reconfiguring disconnects the old connection before
//   connecting with the new configuration.
// - Removing a box always disconnects it.
// - A connection that fails after it was established moves the box to
//   Disconnected. It is not retried until the configuration changes, or
//   until the reconciliation sweep finds a box that failed with a
//   retryable error.
//
// A new configuration event for a box cancels a connect that is still in
// progress for that box. Disconnects are never cancelled.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/sensebox/box-integration-bridge/adapter"
	"github.com/sensebox/box-integration-bridge/integration"
	"github.com/sensebox/box-integration-bridge/registry"
	"github.com/sensebox/box-integration-bridge/store"
	"github.com/sensebox/box-integration-bridge/types"
)

// Default timeouts and intervals
var (
	DefaultConnectTimeout    = 30 * time.Second
	DefaultDisconnectTimeout = 10 * time.Second
	DefaultReconcileInterval = 5 * time.Minute
)

// Config of the Coordinator
type Config struct {
	ConnectTimeout    time.Duration
	DisconnectTimeout time.Duration
	// ReconcileInterval is the interval of the reconciliation sweep, zero disables the periodic sweep
	ReconcileInterval time.Duration
}

// Source gives access to the stored boxes
type Source interface {
	Get(deviceID string) (*types.Box, error)
	List() ([]*types.Box, error)
}

// Observer is notified when boxes connect and disconnect
type Observer interface {
	DeviceConnected(deviceID string)
	DeviceDisconnected(deviceID string)
}

type taskKind int

const (
	taskSave taskKind = iota
	taskRemove
	taskSync
	taskFatal
)

func (k taskKind) String() string {
	switch k {
	case taskSave:
		return "save"
	case taskRemove:
		return "remove"
	case taskSync:
		return "sync"
	case taskFatal:
		return "fatal"
	}
	return "unknown"
}

// attempt identifies one connect of a box
type attempt struct {
	handle adapter.Handle
}

type task struct {
	kind    taskKind
	config  *integration.MQTT
	attempt *attempt
	err     error
}

// supersedes returns true if the task makes a connect in progress obsolete
func (t task) supersedes() bool {
	return t.kind == taskSave || t.kind == taskRemove
}

type device struct {
	pending       []task
	running       bool
	cancelConnect context.CancelFunc
}

func (d *device) hasSuperseding() bool {
	for _, t := range d.pending {
		if t.supersedes() {
			return true
		}
	}
	return false
}

// Coordinator of box connections
type Coordinator struct {
	ctx       log.Interface
	adapter   adapter.Adapter
	registry  *registry.Registry
	source    Source
	config    Config
	observers []Observer

	mu      sync.Mutex // Protects devices and stopped
	devices map[string]*device
	stopped bool
	workers sync.WaitGroup
	done    chan struct{}
}

// New returns a new Coordinator
func New(ctx log.Interface, a adapter.Adapter, r *registry.Registry, source Source, config Config) *Coordinator {
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = DefaultConnectTimeout
	}
	if config.DisconnectTimeout <= 0 {
		config.DisconnectTimeout = DefaultDisconnectTimeout
	}
	return &Coordinator{
		ctx:      ctx.WithField("Component", "Coordinator"),
		adapter:  a,
		registry: r,
		source:   source,
		config:   config,
		devices:  make(map[string]*device),
		done:     make(chan struct{}),
	}
}

// AddObserver adds observers. It is not safe to call after Start.
func (c *Coordinator) AddObserver(observer ...Observer) {
	c.observers = append(c.observers, observer...)
}

// Start reconciles all boxes and handles the events until Stop is called
func (c *Coordinator) Start(events <-chan *types.ConfigEvent) {
	c.Reconcile()
	go c.run(events)
}

func (c *Coordinator) run(events <-chan *types.ConfigEvent) {
	var tick <-chan time.Time
	if c.config.ReconcileInterval > 0 {
		ticker := time.NewTicker(c.config.ReconcileInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-c.done:
			return
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.HandleEvent(event)
		case <-tick:
			c.Reconcile()
		}
	}
}

// Stop stops handling events and disconnects all boxes
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	close(c.done)
	for _, dev := range c.devices {
		dev.pending = nil
		if dev.cancelConnect != nil {
			dev.cancelConnect()
		}
	}
	c.mu.Unlock()

	workersDone := make(chan struct{})
	go func() {
		c.workers.Wait()
		close(workersDone)
	}()
	select {
	case <-workersDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	for _, entry := range c.registry.List() {
		if entry.State == registry.Connected && entry.Handle != nil {
			c.disconnect(entry)
		}
		c.registry.Delete(entry.DeviceID)
	}
	c.ctx.Info("Stopped")
	return nil
}

// HandleEvent queues the transition for a configuration event
func (c *Coordinator) HandleEvent(event *types.ConfigEvent) {
	ctx := c.ctx.WithField("DeviceID", event.DeviceID)
	switch event.Type {
	case types.EventSaved:
		if !integration.TouchesMQTT(event.ChangedPaths) {
			ctx.Debug("Ignore save without MQTT changes")
			return
		}
		c.enqueue(event.DeviceID, task{kind: taskSave, config: event.Box.MQTT().Clone()})
	case types.EventRemoved:
		c.enqueue(event.DeviceID, task{kind: taskRemove})
	default:
		ctx.Warnf("Ignore unknown event %s", event.Type)
	}
}

// Reconcile queues a sync for every box whose connection does not match its
// configuration, and for every connection without an enabled box
func (c *Coordinator) Reconcile() {
	boxes, err := c.source.List()
	if err != nil {
		c.ctx.WithError(err).Warn("Could not list boxes for reconciliation")
		return
	}
	desired := make(map[string]*integration.MQTT)
	for _, box := range boxes {
		if box.MQTT().IsEnabled() {
			desired[box.ID] = box.MQTT()
		}
	}
	var queued int
	for deviceID, config := range desired {
		entry, exists := c.registry.Get(deviceID)
		if needsSync(entry, exists, config) {
			c.enqueue(deviceID, task{kind: taskSync})
			queued++
		}
	}
	for _, entry := range c.registry.List() {
		if _, ok := desired[entry.DeviceID]; !ok {
			c.enqueue(entry.DeviceID, task{kind: taskSync})
			queued++
		}
	}
	c.ctx.WithFields(log.Fields{
		"Boxes":  len(boxes),
		"Queued": queued,
	}).Debug("Reconciled")
}

// Recover takes the boxes that were connected when the previous process
// stopped. Boxes that are no longer enabled are forgotten, the others are
// reconnected by the reconciliation sweep.
func (c *Coordinator) Recover(previous []string) {
	if len(previous) == 0 {
		return
	}
	boxes, err := c.source.List()
	if err != nil {
		c.ctx.WithError(err).Warn("Could not list boxes for recovery")
		return
	}
	enabled := make(map[string]bool, len(boxes))
	for _, box := range boxes {
		enabled[box.ID] = box.MQTT().IsEnabled()
	}
	var stale []string
	for _, deviceID := range previous {
		if !enabled[deviceID] {
			stale = append(stale, deviceID)
		}
	}
	forgotten := c.registry.Forget(stale...)
	c.ctx.WithFields(log.Fields{
		"Previous":  len(previous),
		"Forgotten": forgotten,
	}).Info("Recovered connection state")
	c.Reconcile()
}

func needsSync(entry registry.Entry, exists bool, desired *integration.MQTT) bool {
	if !desired.IsEnabled() {
		return exists
	}
	if !exists {
		return true
	}
	if !entry.Config.Equal(desired) {
		return true
	}
	if entry.State == registry.Disconnected {
		return adapter.IsRetryable(entry.LastError)
	}
	return false
}

func (c *Coordinator) enqueue(deviceID string, t task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	dev, ok := c.devices[deviceID]
	if !ok {
		dev = new(device)
		c.devices[deviceID] = dev
	}
	if t.supersedes() && dev.cancelConnect != nil {
		dev.cancelConnect()
	}
	dev.pending = append(dev.pending, t)
	if !dev.running {
		dev.running = true
		c.workers.Add(1)
		go c.work(deviceID, dev)
	}
}

func (c *Coordinator) work(deviceID string, dev *device) {
	defer c.workers.Done()
	for {
		c.mu.Lock()
		if len(dev.pending) == 0 {
			dev.running = false
			delete(c.devices, deviceID)
			c.mu.Unlock()
			return
		}
		t := dev.pending[0]
		dev.pending = dev.pending[1:]
		c.mu.Unlock()

		c.process(deviceID, dev, t)
	}
}

func (c *Coordinator) process(deviceID string, dev *device, t task) {
	ctx := c.ctx.WithField("DeviceID", deviceID).WithField("Task", t.kind)
	switch t.kind {
	case taskSave:
		c.apply(deviceID, dev, t.config)
	case taskRemove:
		entry, exists := c.registry.Get(deviceID)
		if exists {
			transitions.WithLabelValues("Removed").Inc()
		}
		c.teardown(entry, exists)
		ctx.Debug("Handled remove")
	case taskSync:
		box, err := c.source.Get(deviceID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			ctx.WithError(err).Warn("Could not get box")
			return
		}
		desired := box.MQTT()
		entry, exists := c.registry.Get(deviceID)
		if !needsSync(entry, exists, desired) {
			return
		}
		ctx.Debug("Sync connection")
		c.apply(deviceID, dev, desired.Clone())
	case taskFatal:
		c.fail(deviceID, t.attempt, t.err)
	}
}

// apply moves the connection of the box towards the desired configuration
func (c *Coordinator) apply(deviceID string, dev *device, desired *integration.MQTT) {
	entry, exists := c.registry.Get(deviceID)
	var current *integration.MQTT
	if exists && entry.State == registry.Connected {
		current = entry.Config
	}
	change := integration.Diff(current, desired)
	ctx := c.ctx.WithField("DeviceID", deviceID).WithField("Reason", change.Reason)
	if change.Reason != integration.Unchanged {
		transitions.WithLabelValues(change.Reason.String()).Inc()
		ctx.Debug("Configuration changed")
	}
	switch change.Reason {
	case integration.Enabled:
		c.connect(deviceID, dev, desired)
	case integration.Reconfigured:
		c.disconnect(entry)
		c.connect(deviceID, dev, desired)
	case integration.Disabled:
		c.teardown(entry, exists)
	case integration.Unchanged:
		if exists && !desired.IsEnabled() {
			c.teardown(entry, exists)
		}
	}
}

func (c *Coordinator) connect(deviceID string, dev *device, config *integration.MQTT) {
	ctx := c.ctx.WithField("DeviceID", deviceID)
	connectCtx, cancel := context.WithTimeout(context.Background(), c.config.ConnectTimeout)
	defer cancel()

	c.mu.Lock()
	superseded := dev.hasSuperseding() || c.stopped
	if !superseded {
		dev.cancelConnect = cancel
	}
	c.mu.Unlock()
	if superseded {
		ctx.Debug("Skip connect of superseded configuration")
		c.registry.Delete(deviceID)
		return
	}

	c.registry.Set(registry.Entry{DeviceID: deviceID, State: registry.Connecting, Config: config})
	att := new(attempt)
	start := time.Now()
	handle, err := c.adapter.Connect(connectCtx, deviceID, config, func(err error) {
		c.enqueue(deviceID, task{kind: taskFatal, attempt: att, err: err})
	})

	c.mu.Lock()
	dev.cancelConnect = nil
	if err == nil {
		att.handle = handle
	}
	c.mu.Unlock()

	if err != nil {
		switch connectCtx.Err() {
		case context.Canceled:
			ctx.Debug("Connect cancelled")
			c.registry.Delete(deviceID)
			return
		case context.DeadlineExceeded:
			err = adapter.ConnectionError(fmt.Errorf("connect timed out after %s", c.config.ConnectTimeout))
		}
		c.failed(deviceID, config, err)
		return
	}

	connectDuration.Observe(time.Since(start).Seconds())
	c.registry.Set(registry.Entry{DeviceID: deviceID, State: registry.Connected, Config: config, Handle: handle})
	for _, observer := range c.observers {
		observer.DeviceConnected(deviceID)
	}
	ctx.Info("Connected")
}

// failed moves the box to Disconnected with the error
func (c *Coordinator) failed(deviceID string, config *integration.MQTT, err error) {
	kind := adapter.KindOf(err)
	connectFailures.WithLabelValues(kind.String()).Inc()
	ctx := c.ctx.WithField("DeviceID", deviceID).WithError(err).WithField("Kind", kind)
	if adapter.IsRetryable(err) {
		ctx.Warn("Could not connect")
	} else {
		ctx.Error("Could not connect, not retrying until the configuration changes")
	}
	c.registry.Set(registry.Entry{
		DeviceID:  deviceID,
		State:     registry.Disconnected,
		Config:    config,
		LastError: err,
	})
}

// disconnect disconnects a connected entry, errors are logged
func (c *Coordinator) disconnect(entry registry.Entry) {
	if entry.Handle == nil {
		return
	}
	ctx := c.ctx.WithField("DeviceID", entry.DeviceID)
	entry.State = registry.Disconnecting
	entry.Since = time.Time{}
	c.registry.Set(entry)

	disconnectCtx, cancel := context.WithTimeout(context.Background(), c.config.DisconnectTimeout)
	defer cancel()
	if err := c.adapter.Disconnect(disconnectCtx, entry.Handle); err != nil {
		ctx.WithError(err).Warn("Could not disconnect cleanly")
	} else {
		ctx.Info("Disconnected")
	}
	for _, observer := range c.observers {
		observer.DeviceDisconnected(entry.DeviceID)
	}
}

// teardown disconnects the box if needed and removes its entry
func (c *Coordinator) teardown(entry registry.Entry, exists bool) {
	if !exists {
		return
	}
	if entry.State == registry.Connected {
		c.disconnect(entry)
	}
	c.registry.Delete(entry.DeviceID)
}

// fail handles an error of an established connection
func (c *Coordinator) fail(deviceID string, att *attempt, err error) {
	ctx := c.ctx.WithField("DeviceID", deviceID)
	c.mu.Lock()
	handle := att.handle
	c.mu.Unlock()
	entry, exists := c.registry.Get(deviceID)
	if handle == nil || !exists || entry.Handle != handle {
		ctx.WithError(err).Debug("Ignore error of stale connection")
		return
	}
	transitions.WithLabelValues("Failed").Inc()

	disconnectCtx, cancel := context.WithTimeout(context.Background(), c.config.DisconnectTimeout)
	defer cancel()
	if derr := c.adapter.Disconnect(disconnectCtx, handle); derr != nil {
		ctx.WithError(derr).Debug("Could not clean up failed connection")
	}
	for _, observer := range c.observers {
		observer.DeviceDisconnected(deviceID)
	}
	c.failed(deviceID, entry.Config, err)
}
