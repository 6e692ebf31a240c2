// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package decode

import (
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/sensebox/box-integration-bridge/integration"
	"github.com/sensebox/box-integration-bridge/types"
)

type jsonDecoder struct {
	path []string
}

func splitPath(path string) []string {
	path = strings.TrimPrefix(strings.TrimPrefix(path, "$"), ".")
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

func (d *jsonDecoder) Decode(payload []byte, reading *types.Reading) error {
	measurements, err := d.decode(payload)
	if err != nil {
		return &Error{Format: integration.FormatJSON, Err: err}
	}
	reading.Measurements = measurements
	return nil
}

func (d *jsonDecoder) decode(payload []byte) ([]types.Measurement, error) {
	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, err
	}
	for _, key := range d.path {
		obj, ok := doc.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("jsonPath element %q is not inside an object", key)
		}
		if doc, ok = obj[key]; !ok {
			return nil, fmt.Errorf("jsonPath element %q not found", key)
		}
	}

	var measurements []types.Measurement
	switch doc := doc.(type) {
	case map[string]interface{}:
		sensorIDs := make([]string, 0, len(doc))
		for sensorID := range doc {
			sensorIDs = append(sensorIDs, sensorID)
		}
		sort.Strings(sensorIDs)
		for _, sensorID := range sensorIDs {
			measurement, err := fromValue(sensorID, doc[sensorID])
			if err != nil {
				return nil, err
			}
			measurements = append(measurements, measurement)
		}
	case []interface{}:
		for i, elem := range doc {
			obj, ok := elem.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("element %d is not an object", i)
			}
			measurement, err := fromObject(obj)
			if err != nil {
				return nil, fmt.Errorf("element %d: %s", i, err)
			}
			measurements = append(measurements, measurement)
		}
	default:
		return nil, fmt.Errorf("payload is neither an object nor an array")
	}
	if len(measurements) == 0 {
		return nil, ErrNoMeasurements
	}
	return measurements, nil
}

// fromValue handles {"sensorId": value} and {"sensorId": [value, createdAt]}
func fromValue(sensorID string, v interface{}) (types.Measurement, error) {
	measurement := types.Measurement{SensorID: sensorID}
	switch v := v.(type) {
	case float64, string:
		measurement.Value = v
	case []interface{}:
		if len(v) == 0 {
			return measurement, fmt.Errorf("sensor %s has no value", sensorID)
		}
		measurement.Value = v[0]
		if len(v) > 1 {
			createdAt, err := parseTime(v[1])
			if err != nil {
				return measurement, fmt.Errorf("sensor %s: %s", sensorID, err)
			}
			measurement.CreatedAt = createdAt
		}
	default:
		return measurement, fmt.Errorf("sensor %s has an invalid value", sensorID)
	}
	return measurement, nil
}

// fromObject handles {"sensor": "id", "value": value, "createdAt": "..."}
func fromObject(obj map[string]interface{}) (types.Measurement, error) {
	var measurement types.Measurement
	for _, key := range []string{"sensor", "sensor_id", "sensorId"} {
		if id, ok := obj[key].(string); ok && id != "" {
			measurement.SensorID = id
			break
		}
	}
	if measurement.SensorID == "" {
		return measurement, fmt.Errorf("no sensor id")
	}
	value, ok := obj["value"]
	if !ok {
		return measurement, fmt.Errorf("sensor %s has no value", measurement.SensorID)
	}
	measurement.Value = value
	if createdAt, ok := obj["createdAt"]; ok {
		t, err := parseTime(createdAt)
		if err != nil {
			return measurement, err
		}
		measurement.CreatedAt = t
	}
	return measurement, nil
}
