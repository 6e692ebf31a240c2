// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package registry keeps track of the MQTT connection of every box.
//
// The registry only stores entries. Transitions between states are made by
// the coordinator, which makes sure that only one transition per box is in
// progress at any time.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sensebox/box-integration-bridge/adapter"
	"github.com/sensebox/box-integration-bridge/integration"
)

// State of the connection of a box
type State int

// Connection states
const (
	Disconnected State = iota
	Connecting
	Connected
	Disconnecting
)

var stateNames = []string{"disconnected", "connecting", "connected", "disconnecting"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if strings.EqualFold(name, string(text)) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("registry: unknown state %q", text)
}

// Active returns true for states that hold or will hold a connection
func (s State) Active() bool {
	return s == Connecting || s == Connected
}

// Entry is the connection of one box
type Entry struct {
	DeviceID string
	State    State
	// Config is the configuration the connection was made with
	Config *integration.MQTT
	Handle adapter.Handle
	// LastError is the error that moved the entry to Disconnected
	LastError error
	Since     time.Time
}

func (e Entry) clone() Entry {
	e.Config = e.Config.Clone()
	return e
}

// Registry of connections
type Registry struct {
	mu        sync.RWMutex // Protects entries
	entries   map[string]*Entry
	connected connectedSet
}

// New returns a new, empty Registry
func New() *Registry {
	return &Registry{
		entries:   make(map[string]*Entry),
		connected: newConnectedSet(),
	}
}

// Get returns a copy of the entry of the device
func (r *Registry) Get(deviceID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[deviceID]
	if !ok {
		return Entry{}, false
	}
	return entry.clone(), true
}

// Set stores the entry, replacing the previous entry of the device
func (r *Registry) Set(entry Entry) {
	if entry.Since.IsZero() {
		entry.Since = time.Now()
	}
	entry = entry.clone()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entry.DeviceID] = &entry
	if entry.State == Connected {
		r.connected.Add(entry.DeviceID)
	} else {
		r.connected.Remove(entry.DeviceID)
	}
	r.updateMetrics()
}

// Delete removes the entry of the device
func (r *Registry) Delete(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, deviceID)
	r.connected.Remove(deviceID)
	r.updateMetrics()
}

// Forget removes devices without a connected entry from the connected set.
// It clears boxes that a previous process left in the persisted state.
func (r *Registry) Forget(deviceIDs ...string) (forgotten int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, deviceID := range deviceIDs {
		if entry, ok := r.entries[deviceID]; ok && entry.State == Connected {
			continue
		}
		r.connected.Remove(deviceID)
		forgotten++
	}
	return
}

func (r *Registry) updateMetrics() {
	counts := make([]int, len(stateNames))
	for _, entry := range r.entries {
		if int(entry.State) < len(counts) {
			counts[entry.State]++
		}
	}
	for state, count := range counts {
		entriesByState.WithLabelValues(State(state).String()).Set(float64(count))
	}
}

// List returns copies of all entries, sorted by device ID
func (r *Registry) List() []Entry {
	r.mu.RLock()
	entries := make([]Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, entry.clone())
	}
	r.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].DeviceID < entries[j].DeviceID
	})
	return entries
}

// Len returns the number of entries
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Connected returns the IDs of the connected devices, sorted
func (r *Registry) Connected() []string {
	r.mu.RLock()
	members := r.connected.ToSlice()
	r.mu.RUnlock()
	ids := make([]string, 0, len(members))
	for _, member := range members {
		ids = append(ids, member.(string))
	}
	sort.Strings(ids)
	return ids
}

// IsConnected returns true if the device is connected
func (r *Registry) IsConnected(deviceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connected.Contains(deviceID)
}
