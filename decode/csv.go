// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package decode

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/sensebox/box-integration-bridge/integration"
	"github.com/sensebox/box-integration-bridge/types"
)

type csvDecoder struct {
	delimiter rune
}

func newCSVDecoder(delimiter string) (*csvDecoder, error) {
	if delimiter == "" {
		return &csvDecoder{delimiter: ','}, nil
	}
	r, size := utf8.DecodeRuneInString(delimiter)
	if size != len(delimiter) || r == '"' || r == '\n' || r == '\r' || r == '#' {
		return nil, fmt.Errorf("decode: invalid csv delimiter %q", delimiter)
	}
	return &csvDecoder{delimiter: r}, nil
}

func (d *csvDecoder) Decode(payload []byte, reading *types.Reading) error {
	measurements, err := d.decode(payload)
	if err != nil {
		return &Error{Format: integration.FormatCSV, Err: err}
	}
	reading.Measurements = measurements
	return nil
}

// decode reads one measurement per line: sensorId,value[,createdAt]
func (d *csvDecoder) decode(payload []byte) ([]types.Measurement, error) {
	r := csv.NewReader(bytes.NewReader(payload))
	r.Comma = d.delimiter
	r.Comment = '#'
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	var measurements []types.Measurement
	for i, record := range records {
		if len(record) < 2 {
			return nil, fmt.Errorf("line %d: expected at least sensor id and value", i+1)
		}
		measurement := types.Measurement{SensorID: strings.TrimSpace(record[0])}
		if measurement.SensorID == "" {
			return nil, fmt.Errorf("line %d: empty sensor id", i+1)
		}
		value, err := strconv.ParseFloat(strings.TrimSpace(record[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: %s", i+1, err)
		}
		measurement.Value = value
		if len(record) > 2 {
			createdAt, err := parseTime(strings.TrimSpace(record[2]))
			if err != nil {
				return nil, fmt.Errorf("line %d: %s", i+1, err)
			}
			measurement.CreatedAt = createdAt
		}
		measurements = append(measurements, measurement)
	}
	if len(measurements) == 0 {
		return nil, ErrNoMeasurements
	}
	return measurements, nil
}
