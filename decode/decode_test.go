// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package decode

import (
	"testing"

	"github.com/sensebox/box-integration-bridge/integration"
	"github.com/sensebox/box-integration-bridge/types"
	. "github.com/smartystreets/goconvey/convey"
)

func decoderFor(format, options string) Decoder {
	d, err := New(&integration.MQTT{MessageFormat: format, DecodeOptions: options})
	So(err, ShouldBeNil)
	return d
}

func TestNew(t *testing.T) {
	Convey("Given message formats", t, func(c C) {
		Convey("Aliases should resolve to the same decoders", func() {
			So(decoderFor(integration.FormatApplicationJSON, ""), ShouldHaveSameTypeAs, decoderFor(integration.FormatJSON, ""))
			So(decoderFor(integration.FormatTextCSV, ""), ShouldHaveSameTypeAs, decoderFor(integration.FormatCSV, ""))
		})
		Convey("An unknown format should give an error", func() {
			_, err := New(&integration.MQTT{MessageFormat: "xml"})
			So(err, ShouldEqual, ErrUnknownFormat)
		})
		Convey("Malformed decodeOptions should give an error", func() {
			_, err := New(&integration.MQTT{MessageFormat: integration.FormatJSON, DecodeOptions: "{bad"})
			So(err, ShouldNotBeNil)
		})
		Convey("An invalid csv delimiter should give an error", func() {
			_, err := New(&integration.MQTT{MessageFormat: integration.FormatCSV, DecodeOptions: `{"delimiter":";;"}`})
			So(err, ShouldNotBeNil)
		})
	})
}

func TestJSON(t *testing.T) {
	Convey("Given a json decoder", t, func(c C) {
		d := decoderFor(integration.FormatJSON, "")
		var reading types.Reading

		Convey("When decoding a sensor map", func() {
			err := d.Decode([]byte(`{"b": 21.5, "a": [3, "2017-01-01T00:00:00Z"]}`), &reading)
			So(err, ShouldBeNil)
			So(reading.Measurements, ShouldHaveLength, 2)
			So(reading.Measurements[0].SensorID, ShouldEqual, "a")
			So(reading.Measurements[0].Value, ShouldEqual, 3.0)
			So(reading.Measurements[0].CreatedAt, ShouldNotBeNil)
			So(reading.Measurements[0].CreatedAt.Year(), ShouldEqual, 2017)
			So(reading.Measurements[1].SensorID, ShouldEqual, "b")
			So(reading.Measurements[1].Value, ShouldEqual, 21.5)
		})

		Convey("When decoding an array of measurements", func() {
			err := d.Decode([]byte(`[{"sensor":"a","value":1},{"sensor_id":"b","value":"2","createdAt":"2017-01-01T00:00:00Z"}]`), &reading)
			So(err, ShouldBeNil)
			So(reading.Measurements, ShouldHaveLength, 2)
			So(reading.Measurements[1].SensorID, ShouldEqual, "b")
			So(reading.Measurements[1].Value, ShouldEqual, "2")
		})

		Convey("When decoding malformed JSON", func() {
			err := d.Decode([]byte(`{"a":`), &reading)
			So(err, ShouldHaveSameTypeAs, &Error{})
		})

		Convey("When decoding an empty object", func() {
			err := d.Decode([]byte(`{}`), &reading)
			So(err, ShouldNotBeNil)
		})

		Convey("When decoding an array element without a sensor", func() {
			err := d.Decode([]byte(`[{"value":1}]`), &reading)
			So(err, ShouldNotBeNil)
		})
	})

	Convey("Given a json decoder with a jsonPath", t, func(c C) {
		d := decoderFor(integration.FormatJSON, `{"jsonPath":"$.data.values"}`)
		var reading types.Reading

		Convey("When decoding a nested payload", func() {
			err := d.Decode([]byte(`{"data":{"values":{"a":1}}}`), &reading)
			So(err, ShouldBeNil)
			So(reading.Measurements, ShouldHaveLength, 1)
			So(reading.Measurements[0].SensorID, ShouldEqual, "a")
		})

		Convey("When the path does not exist", func() {
			err := d.Decode([]byte(`{"data":{}}`), &reading)
			So(err, ShouldNotBeNil)
		})
	})
}

func TestCSV(t *testing.T) {
	Convey("Given a csv decoder", t, func(c C) {
		d := decoderFor(integration.FormatCSV, "")
		var reading types.Reading

		Convey("When decoding multiple lines", func() {
			err := d.Decode([]byte("a,1.5\n# comment\n\nb, 2,2017-01-01T00:00:00Z\n"), &reading)
			So(err, ShouldBeNil)
			So(reading.Measurements, ShouldHaveLength, 2)
			So(reading.Measurements[0].SensorID, ShouldEqual, "a")
			So(reading.Measurements[0].Value, ShouldEqual, 1.5)
			So(reading.Measurements[1].CreatedAt, ShouldNotBeNil)
		})

		Convey("When decoding a line without a value", func() {
			err := d.Decode([]byte("a\n"), &reading)
			So(err, ShouldNotBeNil)
		})

		Convey("When decoding a non-numeric value", func() {
			err := d.Decode([]byte("a,warm\n"), &reading)
			So(err, ShouldNotBeNil)
		})

		Convey("When decoding an empty payload", func() {
			err := d.Decode([]byte(""), &reading)
			So(err, ShouldNotBeNil)
		})
	})

	Convey("Given a csv decoder with a custom delimiter", t, func(c C) {
		d := decoderFor(integration.FormatCSV, `{"delimiter":";"}`)
		var reading types.Reading
		err := d.Decode([]byte("a;1\n"), &reading)
		So(err, ShouldBeNil)
		So(reading.Measurements[0].Value, ShouldEqual, 1.0)
	})
}

func TestPlain(t *testing.T) {
	Convey("Given a debug_plain decoder", t, func(c C) {
		d := decoderFor(integration.FormatDebugPlain, "")
		var reading types.Reading
		payload := []byte("anything {goes")
		err := d.Decode(payload, &reading)
		So(err, ShouldBeNil)
		So(reading.Raw, ShouldResemble, payload)
		So(reading.Measurements, ShouldBeEmpty)
	})
}
