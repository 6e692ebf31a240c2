// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package store

import (
	"errors"

	"github.com/goccy/go-json"
	"github.com/sensebox/box-integration-bridge/types"
)

// Backend persists boxes
type Backend interface {
	// Get returns the box or ErrNotFound
	Get(deviceID string) (*types.Box, error)
	Put(box *types.Box) error
	// Delete removes the box, deleting an unknown box is not an error
	Delete(deviceID string) error
	// List returns all boxes, sorted by ID
	List() ([]*types.Box, error)
}

// ErrNotFound is returned when a box was not found
var ErrNotFound = errors.New("Box not found")

func marshalBox(box *types.Box) ([]byte, error) {
	return json.Marshal(box)
}

func unmarshalBox(data []byte) (*types.Box, error) {
	box := new(types.Box)
	if err := json.Unmarshal(data, box); err != nil {
		return nil, err
	}
	return box, nil
}

func cloneBox(box *types.Box) (*types.Box, error) {
	if box == nil {
		return nil, nil
	}
	data, err := marshalBox(box)
	if err != nil {
		return nil, err
	}
	return unmarshalBox(data)
}
