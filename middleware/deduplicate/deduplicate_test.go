// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package deduplicate

import (
	"testing"
	"time"

	"github.com/sensebox/box-integration-bridge/middleware"
	"github.com/sensebox/box-integration-bridge/types"
	. "github.com/smartystreets/goconvey/convey"
)

func TestDeduplicate(t *testing.T) {
	Convey("Given a new Deduplicate", t, func(c C) {
		i := NewDeduplicate()

		reading := &types.Reading{ID: "1", DeviceID: "test", ReceivedAt: time.Now(), Measurements: []types.Measurement{
			{SensorID: "a", Value: 1.0},
		}}
		readingDup := &types.Reading{ID: "2", DeviceID: "test", ReceivedAt: time.Now(), Measurements: []types.Measurement{
			{SensorID: "a", Value: 1.0},
		}}
		nextReading := &types.Reading{ID: "3", DeviceID: "test", ReceivedAt: time.Now(), Measurements: []types.Measurement{
			{SensorID: "a", Value: 2.0},
		}}

		Convey("When sending a Reading", func() {
			Reset(func() {
				i.HandleDisconnect(middleware.NewContext(), "test")
			})
			err := i.HandleReading(middleware.NewContext(), reading)
			Convey("There should be no error", func() {
				So(err, ShouldBeNil)
			})
			Convey("When sending a duplicate of that Reading", func() {
				err := i.HandleReading(middleware.NewContext(), readingDup)
				Convey("There should be an error", func() {
					So(err, ShouldEqual, ErrDuplicateReading)
				})
			})
			Convey("When sending another Reading", func() {
				err := i.HandleReading(middleware.NewContext(), nextReading)
				Convey("There should be no error", func() {
					So(err, ShouldBeNil)
				})
			})
			Convey("When sending the same Reading for another device", func() {
				other := *readingDup
				other.DeviceID = "other"
				err := i.HandleReading(middleware.NewContext(), &other)
				Convey("There should be no error", func() {
					So(err, ShouldBeNil)
				})
			})
			Convey("When sending a duplicate after a disconnect", func() {
				i.HandleDisconnect(middleware.NewContext(), "test")
				err := i.HandleReading(middleware.NewContext(), readingDup)
				Convey("There should be no error", func() {
					So(err, ShouldBeNil)
				})
			})
		})

		Convey("When sending raw readings", func() {
			raw := &types.Reading{DeviceID: "test", Raw: []byte("hello")}
			So(i.HandleReading(middleware.NewContext(), raw), ShouldBeNil)
			So(i.HandleReading(middleware.NewContext(), raw), ShouldEqual, ErrDuplicateReading)
		})
	})
}
