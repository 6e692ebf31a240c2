// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package ratelimit

import (
	"testing"

	"github.com/sensebox/box-integration-bridge/middleware"
	"github.com/sensebox/box-integration-bridge/types"
	. "github.com/smartystreets/goconvey/convey"
)

func TestRateLimit(t *testing.T) {
	Convey("Given a new RateLimit", t, func(c C) {
		i := NewRateLimit(Limits{
			Readings: 1,
		})

		Convey("When sending a Reading", func() {
			err := i.HandleReading(middleware.NewContext(), &types.Reading{DeviceID: "test"})
			Convey("There should be no error", func() {
				So(err, ShouldBeNil)
			})
			Convey("The device limits should have been initialized", func() {
				So(i.devices, ShouldContainKey, "test")
			})

			Convey("When sending another Reading", func() {
				err := i.HandleReading(middleware.NewContext(), &types.Reading{DeviceID: "test"})
				Convey("There should be an error", func() {
					So(err, ShouldEqual, ErrRateLimited)
				})
			})

			Convey("When sending a Reading for another device", func() {
				err := i.HandleReading(middleware.NewContext(), &types.Reading{DeviceID: "other"})
				Convey("There should be no error", func() {
					So(err, ShouldBeNil)
				})
			})

			Convey("When disconnecting the device", func() {
				err := i.HandleDisconnect(middleware.NewContext(), "test")
				Convey("There should be no error", func() {
					So(err, ShouldBeNil)
				})
				Convey("The device limits should have been removed", func() {
					So(i.devices, ShouldNotContainKey, "test")
				})
			})
		})
	})

	Convey("Given a RateLimit without limits", t, func(c C) {
		i := NewRateLimit(Limits{})
		for n := 0; n < 5; n++ {
			So(i.HandleReading(middleware.NewContext(), &types.Reading{DeviceID: "test"}), ShouldBeNil)
		}
	})
}
