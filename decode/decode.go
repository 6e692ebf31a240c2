// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package decode turns raw MQTT payloads into sensor measurements.
//
// Supported message formats are "json" (alias "application/json"), "csv"
// (alias "text/csv") and "debug_plain". The decodeOptions of an integration
// are passed to the decoder as a JSON string:
//
//   json: {"jsonPath": "data.values"} selects a nested object or array
//   csv:  {"delimiter": ";"} sets the field delimiter (default ",")
package decode

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/sensebox/box-integration-bridge/integration"
	"github.com/sensebox/box-integration-bridge/types"
)

// Decoder decodes the payload of a single message into the reading
type Decoder interface {
	Decode(payload []byte, reading *types.Reading) error
}

// ErrUnknownFormat is returned for unsupported message formats
var ErrUnknownFormat = errors.New("decode: unknown message format")

// ErrNoMeasurements is returned when a payload did not contain any measurement
var ErrNoMeasurements = errors.New("decode: no measurements in payload")

// Error is a per-message decode error
type Error struct {
	Format string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("decode: could not decode %s payload: %s", e.Format, e.Err)
}

// Options are the decodeOptions of an MQTT integration
type Options struct {
	JSONPath  string `json:"jsonPath"`
	Delimiter string `json:"delimiter"`
}

// ParseOptions parses a decodeOptions string, empty means defaults
func ParseOptions(decodeOptions string) (*Options, error) {
	options := new(Options)
	if decodeOptions == "" {
		return options, nil
	}
	if err := json.Unmarshal([]byte(decodeOptions), options); err != nil {
		return nil, err
	}
	return options, nil
}

// New returns the decoder for the message format of the integration
func New(config *integration.MQTT) (Decoder, error) {
	options, err := ParseOptions(config.DecodeOptions)
	if err != nil {
		return nil, err
	}
	switch config.Format() {
	case integration.FormatJSON:
		return &jsonDecoder{path: splitPath(options.JSONPath)}, nil
	case integration.FormatCSV:
		return newCSVDecoder(options.Delimiter)
	case integration.FormatDebugPlain:
		return plainDecoder{}, nil
	}
	return nil, ErrUnknownFormat
}

func parseTime(v interface{}) (*time.Time, error) {
	str, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("createdAt %v is not a string", v)
	}
	if str == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, str)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
