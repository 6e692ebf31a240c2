// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package types

import (
	"time"

	"github.com/sensebox/box-integration-bridge/integration"
)

// Box is a registered sensor device as it is persisted by the storage layer
type Box struct {
	ID           string             `json:"id" yaml:"id"`
	Name         string             `json:"name,omitempty" yaml:"name"`
	Exposure     string             `json:"exposure,omitempty" yaml:"exposure"`
	Integrations integration.Config `json:"integrations" yaml:"integrations"`
}

// MQTT returns the MQTT integration of the box, or nil
func (b *Box) MQTT() *integration.MQTT {
	if b == nil {
		return nil
	}
	return b.Integrations.MQTT
}

// EventType is the type of a ConfigEvent
type EventType int

// Event types
const (
	EventSaved EventType = iota
	EventRemoved
)

func (t EventType) String() string {
	switch t {
	case EventSaved:
		return "saved"
	case EventRemoved:
		return "removed"
	}
	return "unknown"
}

// ConfigEvent is emitted by the storage layer after a committed write
type ConfigEvent struct {
	Type         EventType
	DeviceID     string
	ChangedPaths []string
	Box          *Box // committed box, nil when removed
	Previous     *Box // box before the write, nil when created
}

// Measurement is a single decoded sensor value
type Measurement struct {
	SensorID  string      `json:"sensor_id"`
	Value     interface{} `json:"value"`
	CreatedAt *time.Time  `json:"createdAt,omitempty"`
}

// Reading is a decoded MQTT message that is handed to the ingestion pipeline
type Reading struct {
	ID           string        `json:"id"`
	DeviceID     string        `json:"device_id"`
	Format       string        `json:"format"`
	Topic        string        `json:"topic,omitempty"`
	ReceivedAt   time.Time     `json:"received_at"`
	Measurements []Measurement `json:"measurements,omitempty"`
	Raw          []byte        `json:"raw,omitempty"`
}
