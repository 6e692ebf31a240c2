// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package integration

import (
	"strings"

	"github.com/goccy/go-json"
)

// Message formats of the MQTT integration
const (
	FormatJSON            = "json"
	FormatCSV             = "csv"
	FormatApplicationJSON = "application/json"
	FormatTextCSV         = "text/csv"
	FormatDebugPlain      = "debug_plain"
)

// Message formats and decode profiles of the TTN integration
const (
	TTNFormatJSON  = "json"
	TTNFormatBytes = "bytes"

	ProfileCustom       = "custom"
	ProfileSenseBoxHome = "sensebox/home"
)

// Config is the integration configuration of a box. At most one of MQTT and
// TTN is meaningfully active, but both may be set.
type Config struct {
	MQTT *MQTT `json:"mqtt,omitempty" yaml:"mqtt,omitempty"`
	TTN  *TTN  `json:"ttn,omitempty" yaml:"ttn,omitempty"`
}

// MQTT bridges a box to an external MQTT broker
type MQTT struct {
	Enabled           bool   `json:"enabled" yaml:"enabled"`
	URL               string `json:"url" yaml:"url"`
	Topic             string `json:"topic" yaml:"topic"`
	MessageFormat     string `json:"messageFormat" yaml:"messageFormat"`
	DecodeOptions     string `json:"decodeOptions" yaml:"decodeOptions"`
	ConnectionOptions string `json:"connectionOptions" yaml:"connectionOptions"`
}

// TTN configures decoding of uplinks from The Things Network
type TTN struct {
	DevID         string            `json:"dev_id" yaml:"dev_id"`
	AppID         string            `json:"app_id" yaml:"app_id"`
	MessageFormat string            `json:"messageFormat,omitempty" yaml:"messageFormat,omitempty"`
	DecodeOptions *TTNDecodeOptions `json:"decodeOptions,omitempty" yaml:"decodeOptions,omitempty"`
}

// TTNDecodeOptions selects the decode profile of a TTN integration.
// A nil ByteMask is absent, an empty one is present.
type TTNDecodeOptions struct {
	Profile  string `json:"profile,omitempty" yaml:"profile,omitempty"`
	ByteMask []int  `json:"byteMask" yaml:"byteMask"`
}

// IsEnabled returns true if the MQTT integration is set and enabled
func (m *MQTT) IsEnabled() bool {
	return m != nil && m.Enabled
}

// Format returns the message format with aliases resolved
func (m *MQTT) Format() string {
	switch m.MessageFormat {
	case FormatApplicationJSON:
		return FormatJSON
	case FormatTextCSV:
		return FormatCSV
	}
	return m.MessageFormat
}

// Equal compares the serialized form of two MQTT configurations
func (m *MQTT) Equal(other *MQTT) bool {
	if m == nil || other == nil {
		return m == other
	}
	a, errA := json.Marshal(m)
	b, errB := json.Marshal(other)
	if errA != nil || errB != nil {
		return false
	}
	return string(a) == string(b)
}

// Clone returns a copy of the MQTT configuration
func (m *MQTT) Clone() *MQTT {
	if m == nil {
		return nil
	}
	clone := *m
	return &clone
}

// MQTTPath is the dot-path of the MQTT integration inside a box
const MQTTPath = "integrations.mqtt"

// TouchesMQTT returns true if any of the changed dot-paths is the MQTT
// integration or lies below it
func TouchesMQTT(changedPaths []string) bool {
	for _, path := range changedPaths {
		if path == MQTTPath || strings.HasPrefix(path, MQTTPath+".") {
			return true
		}
	}
	return false
}
