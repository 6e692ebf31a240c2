// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package store

import (
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/text"
	"github.com/sensebox/box-integration-bridge/types"
	. "github.com/smartystreets/goconvey/convey"
)

const exampleBoxes = `
- id: box-1
  name: Balcony
  integrations:
    mqtt:
      enabled: true
      url: mqtt://broker.example.com/
      topic: boxes/box-1
      messageFormat: json
- id: box-2
  integrations:
    ttn:
      dev_id: dev
      app_id: app
      messageFormat: bytes
      decodeOptions:
        profile: sensebox/home
- id: box-3
  integrations:
    mqtt:
      enabled: true
      url: http://broker.example.com/
      topic: boxes/box-3
      messageFormat: json
`

const updatedBoxes = `
- id: box-1
  name: Balcony
  integrations:
    mqtt:
      enabled: false
      url: mqtt://broker.example.com/
      topic: boxes/box-1
      messageFormat: json
`

func TestFileSource(t *testing.T) {
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

		dir, err := ioutil.TempDir("", "boxes")
		So(err, ShouldBeNil)
		defer os.RemoveAll(dir)
		filename := filepath.Join(dir, "boxes.yml")
		So(ioutil.WriteFile(filename, []byte(exampleBoxes), 0644), ShouldBeNil)

		s := New(ctx, NewMemory())
		_, err = s.Save(&types.Box{ID: "from-api"})
		So(err, ShouldBeNil)

		Convey("When creating a FileSource", func() {
			f, err := NewFileSource(ctx, s, filename)
			So(err, ShouldBeNil)
			defer f.Close()

			Convey("The valid boxes should be stored", func() {
				box, err := s.Get("box-1")
				So(err, ShouldBeNil)
				So(box.Name, ShouldEqual, "Balcony")
				So(box.MQTT().IsEnabled(), ShouldBeTrue)
				box, err = s.Get("box-2")
				So(err, ShouldBeNil)
				So(box.Integrations.TTN.DecodeOptions.Profile, ShouldEqual, "sensebox/home")
			})

			Convey("The invalid box should be skipped", func() {
				_, err := s.Get("box-3")
				So(err, ShouldEqual, ErrNotFound)
				So(logs.String(), ShouldContainSubstring, "Could not save box")
			})

			Convey("When the file is updated", func() {
				So(ioutil.WriteFile(filename, []byte(updatedBoxes), 0644), ShouldBeNil)
				So(f.Apply(), ShouldBeNil)

				Convey("Changed boxes should be saved", func() {
					box, err := s.Get("box-1")
					So(err, ShouldBeNil)
					So(box.MQTT().IsEnabled(), ShouldBeFalse)
				})

				Convey("Boxes removed from the file should be removed", func() {
					_, err := s.Get("box-2")
					So(err, ShouldEqual, ErrNotFound)
				})

				Convey("Boxes from other writers should be kept", func() {
					_, err := s.Get("from-api")
					So(err, ShouldBeNil)
				})
			})

			Convey("When the file is written", func() {
				So(ioutil.WriteFile(filename, []byte(updatedBoxes), 0644), ShouldBeNil)

				Convey("The watcher should apply it", func() {
					deadline := time.Now().Add(2 * time.Second)
					for time.Now().Before(deadline) {
						if _, err := s.Get("box-2"); err == ErrNotFound {
							break
						}
						time.Sleep(10 * time.Millisecond)
					}
					_, err := s.Get("box-2")
					So(err, ShouldEqual, ErrNotFound)
				})

				Convey("Closing should wait for the watcher", func() {
					So(f.Close(), ShouldBeNil)
					stopped := false
					select {
					case <-f.done:
						stopped = true
					default:
					}
					So(stopped, ShouldBeTrue)
					written := logs.String()
					So(ioutil.WriteFile(filename, []byte(exampleBoxes), 0644), ShouldBeNil)
					time.Sleep(50 * time.Millisecond)
					So(logs.String(), ShouldEqual, written)
				})
			})
		})

		Convey("Creating a FileSource for a missing file should fail", func() {
			_, err := NewFileSource(ctx, s, filepath.Join(dir, "missing.yml"))
			So(err, ShouldNotBeNil)
		})
	})
}
