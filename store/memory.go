// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package store

import (
	"sort"
	"sync"

	"github.com/sensebox/box-integration-bridge/types"
)

// Memory implements the Backend interface in memory
type Memory struct {
	mu    sync.RWMutex
	boxes map[string][]byte
}

// NewMemory returns a new in-memory backend
func NewMemory() *Memory {
	return &Memory{
		boxes: make(map[string][]byte),
	}
}

// Get implements Backend
func (m *Memory) Get(deviceID string) (*types.Box, error) {
	m.mu.RLock()
	data, ok := m.boxes[deviceID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return unmarshalBox(data)
}

// Put implements Backend
func (m *Memory) Put(box *types.Box) error {
	data, err := marshalBox(box)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.boxes[box.ID] = data
	return nil
}

// Delete implements Backend
func (m *Memory) Delete(deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.boxes, deviceID)
	return nil
}

// List implements Backend
func (m *Memory) List() ([]*types.Box, error) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.boxes))
	for id := range m.boxes {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	boxes := make([]*types.Box, 0, len(ids))
	for _, id := range ids {
		box, err := m.Get(id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		boxes = append(boxes, box)
	}
	return boxes, nil
}
