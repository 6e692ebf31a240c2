// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package store persists boxes and emits an event for every committed change.
//
// Writes to one box are serialized, so the events of one box are emitted in
// the order the writes were committed. Writes to different boxes do not wait
// for each other.
package store

import (
	"errors"
	"sync"

	"github.com/apex/log"
	"github.com/sensebox/box-integration-bridge/integration"
	"github.com/sensebox/box-integration-bridge/types"
)

// EventBufferSize is the buffer size of subscriptions
var EventBufferSize = 100

// ErrMissingID is returned when saving a box without ID
var ErrMissingID = errors.New("Box has no ID")

type idLock struct {
	sync.Mutex
	refs int
}

// Store of boxes
type Store struct {
	ctx     log.Interface
	backend Backend

	mu          sync.Mutex // Protects locks and subscribers
	locks       map[string]*idLock
	subscribers []chan *types.ConfigEvent
}

// New returns a new Store on top of the backend
func New(ctx log.Interface, backend Backend) *Store {
	return &Store{
		ctx:     ctx.WithField("Component", "Store"),
		backend: backend,
		locks:   make(map[string]*idLock),
	}
}

func (s *Store) lock(deviceID string) (unlock func()) {
	s.mu.Lock()
	l, ok := s.locks[deviceID]
	if !ok {
		l = new(idLock)
		s.locks[deviceID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, deviceID)
		}
		s.mu.Unlock()
	}
}

// Subscribe returns a channel that receives all events emitted after the
// call. Events are not dropped: a subscriber that does not keep up blocks
// writes.
func (s *Store) Subscribe() <-chan *types.ConfigEvent {
	events := make(chan *types.ConfigEvent, EventBufferSize)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, events)
	return events
}

func (s *Store) emit(event *types.ConfigEvent) {
	s.mu.Lock()
	subscribers := s.subscribers
	s.mu.Unlock()
	for _, events := range subscribers {
		events <- event
	}
	s.ctx.WithFields(log.Fields{
		"DeviceID": event.DeviceID,
		"Event":    event.Type,
		"Paths":    len(event.ChangedPaths),
	}).Debug("Emitted event")
}

// Get returns the box or ErrNotFound
func (s *Store) Get(deviceID string) (*types.Box, error) {
	return s.backend.Get(deviceID)
}

// List returns all boxes
func (s *Store) List() ([]*types.Box, error) {
	return s.backend.List()
}

// Save validates and stores the box. It returns the emitted event, or nil
// when nothing changed.
func (s *Store) Save(box *types.Box) (*types.ConfigEvent, error) {
	if box.ID == "" {
		return nil, ErrMissingID
	}
	if err := integration.Validate(&box.Integrations); err != nil {
		return nil, err
	}
	committed, err := cloneBox(box)
	if err != nil {
		return nil, err
	}

	unlock := s.lock(box.ID)
	defer unlock()

	previous, err := s.backend.Get(box.ID)
	if err == ErrNotFound {
		previous, err = nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.commit(previous, committed)
}

// SaveIntegrations validates and replaces the integrations of an existing box
func (s *Store) SaveIntegrations(deviceID string, config integration.Config) (*types.ConfigEvent, error) {
	if err := integration.Validate(&config); err != nil {
		return nil, err
	}

	unlock := s.lock(deviceID)
	defer unlock()

	previous, err := s.backend.Get(deviceID)
	if err != nil {
		return nil, err
	}
	committed, err := cloneBox(previous)
	if err != nil {
		return nil, err
	}
	committed.Integrations = config
	if committed, err = cloneBox(committed); err != nil {
		return nil, err
	}
	return s.commit(previous, committed)
}

// commit stores the box and emits the event, the caller holds the lock of the box
func (s *Store) commit(previous, committed *types.Box) (*types.ConfigEvent, error) {
	paths, err := ChangedPaths(previous, committed)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, nil
	}
	if err := s.backend.Put(committed); err != nil {
		return nil, err
	}
	event := &types.ConfigEvent{
		Type:         types.EventSaved,
		DeviceID:     committed.ID,
		ChangedPaths: paths,
		Box:          committed,
		Previous:     previous,
	}
	s.emit(event)
	return event, nil
}

// Remove deletes the box and emits a removed event, also for boxes without integrations
func (s *Store) Remove(deviceID string) (*types.ConfigEvent, error) {
	unlock := s.lock(deviceID)
	defer unlock()

	previous, err := s.backend.Get(deviceID)
	if err != nil {
		return nil, err
	}
	if err := s.backend.Delete(deviceID); err != nil {
		return nil, err
	}
	event := &types.ConfigEvent{
		Type:     types.EventRemoved,
		DeviceID: deviceID,
		Previous: previous,
	}
	s.emit(event)
	return event, nil
}
