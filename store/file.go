// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package store

import (
	"io/ioutil"
	"path/filepath"
	"sync"

	"github.com/apex/log"
	"github.com/fsnotify/fsnotify"
	"github.com/sensebox/box-integration-bridge/types"
	"gopkg.in/yaml.v2"
)

// FileSource applies a YAML list of boxes to a store and re-applies it when
// the file is written. Boxes that disappear from the file are removed from
// the store; boxes saved by other writers are left alone.
type FileSource struct {
	ctx      log.Interface
	store    *Store
	filename string
	watcher  *fsnotify.Watcher
	done     chan struct{}

	mu    sync.Mutex // Protects known
	known map[string]bool
}

// NewFileSource applies the file to the store and starts watching it
func NewFileSource(ctx log.Interface, store *Store, filename string) (f *FileSource, err error) {
	filename, err = filepath.Abs(filename)
	if err != nil {
		return nil, err
	}
	f = &FileSource{
		ctx:      ctx.WithField("Component", "FileSource").WithField("File", filename),
		store:    store,
		filename: filename,
		known:    make(map[string]bool),
		done:     make(chan struct{}),
	}
	if err = f.Apply(); err != nil {
		return nil, err
	}
	f.watcher, err = fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err = f.watcher.Add(filename); err != nil {
		f.watcher.Close()
		return nil, err
	}
	go f.watch()
	return f, nil
}

func (f *FileSource) watch() {
	defer close(f.done)
	for {
		select {
		case e, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if e.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if err := f.Apply(); err != nil {
					f.ctx.WithError(err).Warn("Could not apply boxes file")
				}
			}
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.ctx.WithError(err).Warn("Error while watching boxes file")
		}
	}
}

func (f *FileSource) read() ([]*types.Box, error) {
	contents, err := ioutil.ReadFile(f.filename)
	if err != nil {
		return nil, err
	}
	var boxes []*types.Box
	if err := yaml.Unmarshal(contents, &boxes); err != nil {
		return nil, err
	}
	return boxes, nil
}

// Apply saves the boxes in the file and removes the boxes that were removed
// from the file. Boxes that fail validation are logged and skipped.
func (f *FileSource) Apply() error {
	boxes, err := f.read()
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	inFile := make(map[string]bool, len(boxes))
	var saved, failed, removed int
	for _, box := range boxes {
		if box == nil {
			continue
		}
		inFile[box.ID] = true
		event, err := f.store.Save(box)
		if err != nil {
			f.ctx.WithField("DeviceID", box.ID).WithError(err).Warn("Could not save box")
			failed++
			continue
		}
		if event != nil {
			saved++
		}
	}
	for deviceID := range f.known {
		if inFile[deviceID] {
			continue
		}
		if _, err := f.store.Remove(deviceID); err != nil && err != ErrNotFound {
			f.ctx.WithField("DeviceID", deviceID).WithError(err).Warn("Could not remove box")
			continue
		}
		removed++
	}
	f.known = inFile
	f.ctx.WithFields(log.Fields{
		"Boxes":   len(boxes),
		"Saved":   saved,
		"Failed":  failed,
		"Removed": removed,
	}).Info("Applied boxes file")
	return nil
}

// Close stops watching the file and waits until a running Apply returns
func (f *FileSource) Close() error {
	err := f.watcher.Close()
	<-f.done
	return err
}
