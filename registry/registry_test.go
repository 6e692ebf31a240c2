// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package registry

import (
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/sensebox/box-integration-bridge/integration"
	. "github.com/smartystreets/goconvey/convey"
	redis "gopkg.in/redis.v5"
)

func TestRegistry(t *testing.T) {
	Convey("Given a new Registry", t, func(c C) {
		r := New()
		config := &integration.MQTT{Enabled: true, URL: "mqtt://localhost", Topic: "t", MessageFormat: "json"}

		Convey("It should be empty", func() {
			So(r.Len(), ShouldEqual, 0)
			_, ok := r.Get("box")
			So(ok, ShouldBeFalse)
			So(r.Connected(), ShouldBeEmpty)
		})

		Convey("When setting a connecting entry", func() {
			r.Set(Entry{DeviceID: "box", State: Connecting, Config: config})

			Convey("It should be returned", func() {
				entry, ok := r.Get("box")
				So(ok, ShouldBeTrue)
				So(entry.State, ShouldEqual, Connecting)
				So(entry.Since.IsZero(), ShouldBeFalse)
				So(entry.Config.Equal(config), ShouldBeTrue)
			})

			Convey("It should not be connected", func() {
				So(r.IsConnected("box"), ShouldBeFalse)
			})

			Convey("Changing the stored config should not change the entry", func() {
				entry, _ := r.Get("box")
				entry.Config.Topic = "other"
				stored, _ := r.Get("box")
				So(stored.Config.Topic, ShouldEqual, "t")
			})

			Convey("When the entry is connected", func() {
				r.Set(Entry{DeviceID: "box", State: Connected, Config: config})
				So(r.IsConnected("box"), ShouldBeTrue)
				So(r.Connected(), ShouldResemble, []string{"box"})

				Convey("When the entry is disconnected with an error", func() {
					r.Set(Entry{DeviceID: "box", State: Disconnected, Config: config, LastError: errors.New("lost")})
					So(r.IsConnected("box"), ShouldBeFalse)
					entry, _ := r.Get("box")
					So(entry.LastError, ShouldNotBeNil)
					So(r.Len(), ShouldEqual, 1)
				})

				Convey("When the entry is deleted", func() {
					r.Delete("box")
					So(r.Len(), ShouldEqual, 0)
					So(r.IsConnected("box"), ShouldBeFalse)
				})
			})
		})

		Convey("List should return entries sorted by device ID", func() {
			r.Set(Entry{DeviceID: "b", State: Connected})
			r.Set(Entry{DeviceID: "a", State: Connecting})
			entries := r.List()
			So(entries, ShouldHaveLength, 2)
			So(entries[0].DeviceID, ShouldEqual, "a")
			So(entries[1].DeviceID, ShouldEqual, "b")
		})
	})
}

func TestState(t *testing.T) {
	Convey("Given connection states", t, func(c C) {
		So(Connected.String(), ShouldEqual, "connected")
		So(Connecting.Active(), ShouldBeTrue)
		So(Disconnecting.Active(), ShouldBeFalse)

		data, err := json.Marshal(map[string]State{"state": Disconnecting})
		So(err, ShouldBeNil)
		So(string(data), ShouldEqual, `{"state":"disconnecting"}`)

		var s State
		So(s.UnmarshalText([]byte("Connected")), ShouldBeNil)
		So(s, ShouldEqual, Connected)
		So(s.UnmarshalText([]byte("gone")), ShouldNotBeNil)
	})
}

func TestRedisState(t *testing.T) {
	Convey("Given a Redis server", t, func(c C) {
		server, err := miniredis.Run()
		So(err, ShouldBeNil)
		defer server.Close()
		client := redis.NewClient(&redis.Options{Addr: server.Addr()})
		defer client.Close()

		Convey("When creating a Registry with Redis state", func() {
			r := New()
			So(r.InitRedisState(client, ""), ShouldBeEmpty)

			Convey("When a box connects", func() {
				r.Set(Entry{DeviceID: "box", State: Connected})

				Convey("Another Registry should see the box", func() {
					So(New().InitRedisState(client, ""), ShouldContain, "box")
				})

				Convey("When the box disconnects", func() {
					r.Delete("box")

					Convey("Another Registry should not see the box", func() {
						So(New().InitRedisState(client, ""), ShouldNotContain, "box")
					})
				})

				Convey("When the process stops without disconnecting", func() {
					next := New()
					So(next.InitRedisState(client, ""), ShouldContain, "box")

					Convey("Deleting the box in the next Registry should clear the state", func() {
						next.Set(Entry{DeviceID: "box", State: Disconnected})
						next.Delete("box")
						So(New().InitRedisState(client, ""), ShouldNotContain, "box")
					})

					Convey("Forgetting the box in the next Registry should clear the state", func() {
						So(next.Forget("box"), ShouldEqual, 1)
						So(New().InitRedisState(client, ""), ShouldNotContain, "box")
					})

					Convey("Forgetting should keep boxes that connected again", func() {
						next.Set(Entry{DeviceID: "box", State: Connected})
						So(next.Forget("box"), ShouldEqual, 0)
						So(New().InitRedisState(client, ""), ShouldContain, "box")
					})
				})
			})
		})
	})
}
