// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package coordinator

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/apex/log"
	"github.com/apex/log/handlers/text"
	"github.com/sensebox/box-integration-bridge/adapter"
	"github.com/sensebox/box-integration-bridge/adapter/dummy"
	"github.com/sensebox/box-integration-bridge/integration"
	"github.com/sensebox/box-integration-bridge/registry"
	"github.com/sensebox/box-integration-bridge/store"
	"github.com/sensebox/box-integration-bridge/types"
	. "github.com/smartystreets/goconvey/convey"
	redis "gopkg.in/redis.v5"
)

func (c *Coordinator) idle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.devices) == 0
}

func eventually(condition func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return condition()
}

func mqttBox(id string, enabled bool, topic string) *types.Box {
	return &types.Box{
		ID: id,
		Integrations: integration.Config{
			MQTT: &integration.MQTT{Enabled: enabled, URL: "mqtt://h/", Topic: topic, MessageFormat: "json"},
		},
	}
}

type recordingObserver struct {
	mu           sync.Mutex
	connected    []string
	disconnected []string
}

func (o *recordingObserver) DeviceConnected(deviceID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.connected = append(o.connected, deviceID)
}

func (o *recordingObserver) DeviceDisconnected(deviceID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.disconnected = append(o.disconnected, deviceID)
}

func TestCoordinator(t *testing.T) {
	Convey("Given a new Context", t, func(c C) {

		var logs bytes.Buffer
		ctx := &log.Logger{
			Handler: text.New(&logs),
			Level:   log.DebugLevel,
		}
		defer func() {
			if logs.Len() > 0 {
				c.Printf("\n%s", logs.String())
			}
		}()

		s := store.New(ctx, store.NewMemory())
		a := dummy.New(ctx, nil)
		r := registry.New()
		observer := new(recordingObserver)
		co := New(ctx, a, r, s, Config{ConnectTimeout: time.Second, DisconnectTimeout: time.Second})
		co.AddObserver(observer)
		Reset(func() {
			co.Stop(context.Background())
		})

		save := func(box *types.Box) {
			event, err := s.Save(box)
			So(err, ShouldBeNil)
			if event != nil {
				co.HandleEvent(event)
			}
			So(eventually(co.idle), ShouldBeTrue)
		}
		remove := func(deviceID string) {
			event, err := s.Remove(deviceID)
			So(err, ShouldBeNil)
			co.HandleEvent(event)
			So(eventually(co.idle), ShouldBeTrue)
		}

		Convey("When saving a box with MQTT enabled", func() {
			save(mqttBox("box", true, "t"))

			Convey("Exactly one connect should be issued", func() {
				So(a.Count(dummy.OpConnect, "box"), ShouldEqual, 1)
				So(a.Active("box"), ShouldEqual, 1)
				entry, ok := r.Get("box")
				So(ok, ShouldBeTrue)
				So(entry.State, ShouldEqual, registry.Connected)
				So(entry.Config.Topic, ShouldEqual, "t")
				So(observer.connected, ShouldResemble, []string{"box"})
			})

			Convey("When disabling MQTT", func() {
				save(mqttBox("box", false, "t"))

				Convey("Exactly one disconnect should be issued and the entry removed", func() {
					So(a.Count(dummy.OpDisconnect, "box"), ShouldEqual, 1)
					So(a.Active("box"), ShouldEqual, 0)
					_, ok := r.Get("box")
					So(ok, ShouldBeFalse)
					So(observer.disconnected, ShouldResemble, []string{"box"})
				})
			})

			Convey("When changing an unrelated field", func() {
				box := mqttBox("box", true, "t")
				box.Name = "Balcony"
				box.Exposure = "outdoor"
				save(box)

				Convey("No adapter call should be made", func() {
					So(a.Calls("box"), ShouldHaveLength, 1)
					So(r.IsConnected("box"), ShouldBeTrue)
				})
			})

			Convey("When changing the topic", func() {
				save(mqttBox("box", true, "other"))

				Convey("The old connection should be replaced", func() {
					calls := a.Calls("box")
					So(calls, ShouldHaveLength, 3)
					So(calls[1].Op, ShouldEqual, dummy.OpDisconnect)
					So(calls[1].Config.Topic, ShouldEqual, "t")
					So(calls[2].Op, ShouldEqual, dummy.OpConnect)
					So(calls[2].Config.Topic, ShouldEqual, "other")
					So(a.Active("box"), ShouldEqual, 1)
					entry, _ := r.Get("box")
					So(entry.State, ShouldEqual, registry.Connected)
					So(entry.Config.Topic, ShouldEqual, "other")
				})
			})

			Convey("When removing the box", func() {
				remove("box")

				Convey("The box should be disconnected", func() {
					So(a.Count(dummy.OpDisconnect, "box"), ShouldEqual, 1)
					So(a.Active("box"), ShouldEqual, 0)
					So(r.Len(), ShouldEqual, 0)
				})
			})

			Convey("When the connection fails", func() {
				a.Fatal("box", adapter.ConnectionError(errors.New("connection lost")))
				So(eventually(co.idle), ShouldBeTrue)

				Convey("The box should be disconnected with the error", func() {
					entry, ok := r.Get("box")
					So(ok, ShouldBeTrue)
					So(entry.State, ShouldEqual, registry.Disconnected)
					So(entry.LastError, ShouldNotBeNil)
					So(entry.Handle, ShouldBeNil)
					So(entry.Config.Topic, ShouldEqual, "t")
					So(a.Count(dummy.OpConnect, "box"), ShouldEqual, 1)
				})

				Convey("The reconciliation sweep should retry", func() {
					co.Reconcile()
					So(eventually(co.idle), ShouldBeTrue)
					So(a.Count(dummy.OpConnect, "box"), ShouldEqual, 2)
					So(r.IsConnected("box"), ShouldBeTrue)
				})

				Convey("Removing the box should leave no entry", func() {
					remove("box")
					So(r.Len(), ShouldEqual, 0)
				})
			})
		})

		Convey("When saving a box with MQTT disabled", func() {
			save(mqttBox("box", false, "t"))

			Convey("No adapter call should be made", func() {
				So(a.Calls("box"), ShouldBeEmpty)
				So(r.Len(), ShouldEqual, 0)
			})

			Convey("Removing it should not make adapter calls", func() {
				remove("box")
				So(a.Calls("box"), ShouldBeEmpty)
				So(r.Len(), ShouldEqual, 0)
			})
		})

		Convey("When the broker rejects the credentials", func() {
			a.FailNext("box", adapter.AuthError(errors.New("not authorised")))
			save(mqttBox("box", true, "t"))

			Convey("The box should be disconnected with an auth error", func() {
				entry, ok := r.Get("box")
				So(ok, ShouldBeTrue)
				So(entry.State, ShouldEqual, registry.Disconnected)
				So(adapter.KindOf(entry.LastError), ShouldEqual, adapter.KindAuth)
				So(a.Active("box"), ShouldEqual, 0)
			})

			Convey("The reconciliation sweep should not retry", func() {
				co.Reconcile()
				So(eventually(co.idle), ShouldBeTrue)
				So(a.Count(dummy.OpConnect, "box"), ShouldEqual, 1)
			})

			Convey("A configuration change should retry", func() {
				box := mqttBox("box", true, "t")
				box.Integrations.MQTT.ConnectionOptions = `{"username":"box","password":"fixed"}`
				save(box)
				So(a.Count(dummy.OpConnect, "box"), ShouldEqual, 2)
				So(r.IsConnected("box"), ShouldBeTrue)
			})
		})

		Convey("When a connect does not complete in time", func() {
			co.config.ConnectTimeout = 50 * time.Millisecond
			a.Block("box")
			Reset(func() { a.Release("box") })
			save(mqttBox("box", true, "t"))

			Convey("The box should be disconnected with a connection error", func() {
				entry, ok := r.Get("box")
				So(ok, ShouldBeTrue)
				So(entry.State, ShouldEqual, registry.Disconnected)
				So(adapter.KindOf(entry.LastError), ShouldEqual, adapter.KindConnection)
				So(a.Active("box"), ShouldEqual, 0)
			})
		})

		Convey("When MQTT is disabled while connecting", func() {
			a.Block("box")
			Reset(func() { a.Release("box") })
			event, err := s.Save(mqttBox("box", true, "t"))
			So(err, ShouldBeNil)
			co.HandleEvent(event)
			So(eventually(func() bool {
				entry, ok := r.Get("box")
				return ok && entry.State == registry.Connecting
			}), ShouldBeTrue)
			save(mqttBox("box", false, "t"))

			Convey("The connect should be cancelled and no connection should remain", func() {
				a.Release("box")
				So(a.Active("box"), ShouldEqual, 0)
				So(r.Len(), ShouldEqual, 0)
				So(a.Count(dummy.OpDisconnect, "box"), ShouldEqual, 0)
			})
		})

		Convey("When toggling MQTT rapidly", func() {
			a.ConnectDelay = 20 * time.Millisecond
			for i := 0; i < 5; i++ {
				for _, enabled := range []bool{true, false} {
					event, err := s.Save(mqttBox("box", enabled, "t"))
					So(err, ShouldBeNil)
					co.HandleEvent(event)
				}
			}
			save(mqttBox("box", true, "t"))

			Convey("It should converge to connected", func() {
				So(a.Active("box"), ShouldEqual, 1)
				entry, ok := r.Get("box")
				So(ok, ShouldBeTrue)
				So(entry.State, ShouldEqual, registry.Connected)
			})
		})

		Convey("When one box hangs in connect", func() {
			a.Block("slow")
			Reset(func() { a.Release("slow") })
			for _, id := range []string{"slow", "fast"} {
				event, err := s.Save(mqttBox(id, true, "t"))
				So(err, ShouldBeNil)
				co.HandleEvent(event)
			}

			Convey("Other boxes should still connect", func() {
				So(eventually(func() bool { return r.IsConnected("fast") }), ShouldBeTrue)
				entry, _ := r.Get("slow")
				So(entry.State, ShouldEqual, registry.Connecting)
			})
		})

		Convey("When the store changed without events", func() {
			_, err := s.Save(mqttBox("missed", true, "t"))
			So(err, ShouldBeNil)
			r.Set(registry.Entry{DeviceID: "orphan", State: registry.Disconnected})

			Convey("The reconciliation sweep should fix the registry", func() {
				co.Reconcile()
				So(eventually(co.idle), ShouldBeTrue)
				So(r.IsConnected("missed"), ShouldBeTrue)
				_, ok := r.Get("orphan")
				So(ok, ShouldBeFalse)
			})
		})

		Convey("When recovering boxes that were connected before", func() {
			server, err := miniredis.Run()
			So(err, ShouldBeNil)
			Reset(server.Close)
			client := redis.NewClient(&redis.Options{Addr: server.Addr()})
			Reset(func() { client.Close() })
			for _, id := range []string{"enabled", "disabled", "deleted"} {
				server.SAdd("connectedboxes", id)
			}
			previous := r.InitRedisState(client, "")
			_, err = s.Save(mqttBox("enabled", true, "t"))
			So(err, ShouldBeNil)
			_, err = s.Save(mqttBox("disabled", false, "t"))
			So(err, ShouldBeNil)
			co.Recover(previous)
			So(eventually(co.idle), ShouldBeTrue)

			Convey("Enabled boxes should be reconnected", func() {
				So(r.IsConnected("enabled"), ShouldBeTrue)
				So(a.Count(dummy.OpConnect, "enabled"), ShouldEqual, 1)
			})

			Convey("Other boxes should be cleared from the state", func() {
				members, err := server.SMembers("connectedboxes")
				So(err, ShouldBeNil)
				So(members, ShouldResemble, []string{"enabled"})
				So(a.Calls("disabled"), ShouldBeEmpty)
				So(a.Calls("deleted"), ShouldBeEmpty)
			})
		})

		Convey("When stopping with connected boxes", func() {
			save(mqttBox("box-1", true, "t"))
			save(mqttBox("box-2", true, "t"))
			So(co.Stop(context.Background()), ShouldBeNil)

			Convey("All boxes should be disconnected", func() {
				So(a.Active("box-1"), ShouldEqual, 0)
				So(a.Active("box-2"), ShouldEqual, 0)
				So(r.Len(), ShouldEqual, 0)
			})

			Convey("New events should be ignored", func() {
				event, err := s.Save(mqttBox("box-3", true, "t"))
				So(err, ShouldBeNil)
				co.HandleEvent(event)
				So(co.idle(), ShouldBeTrue)
				So(a.Calls("box-3"), ShouldBeEmpty)
			})
		})

		Convey("When started with a subscription", func() {
			co.Start(s.Subscribe())
			_, err := s.Save(mqttBox("box", true, "t"))
			So(err, ShouldBeNil)

			Convey("Events should be handled", func() {
				So(eventually(func() bool { return r.IsConnected("box") }), ShouldBeTrue)
			})
		})
	})
}
