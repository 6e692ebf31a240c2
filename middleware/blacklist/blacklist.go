// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package blacklist

import (
	"errors"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sensebox/box-integration-bridge/middleware"
	"github.com/sensebox/box-integration-bridge/types"
	"gopkg.in/yaml.v2"
)

type blacklistedItem struct {
	Box   string `yaml:"box"`
	Topic string `yaml:"topic"`
}

// NewBlacklist returns a middleware that drops readings of blacklisted boxes
// and topics. Lists are YAML files, which are watched for changes, or
// http(s) URLs, which are fetched by FetchRemotes.
func NewBlacklist(lists ...string) (b *Blacklist, err error) {
	b = &Blacklist{
		lists:       make(map[string][]blacklistedItem),
		boxLookup:   make(map[string]bool),
		topicLookup: make(map[string]bool),
	}
	b.watcher, err = fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, location := range lists {
		if err := b.addList(location); err != nil {
			b.watcher.Close()
			return nil, fmt.Errorf("blacklist: could not add %s: %w", location, err)
		}
	}
	if err := b.FetchRemotes(); err != nil {
		b.watcher.Close()
		return nil, err
	}
	go func() {
		for e := range b.watcher.Events {
			if e.Op&fsnotify.Write == fsnotify.Write {
				b.read(e.Name) // keep the previous list when the new one is invalid
			}
		}
	}()
	return b, nil
}

// Blacklist middleware
type Blacklist struct {
	watcher *fsnotify.Watcher
	urls    []string

	mu          sync.RWMutex
	lists       map[string][]blacklistedItem
	boxLookup   map[string]bool
	topicLookup map[string]bool
}

func (b *Blacklist) addList(location string) error {
	url, err := url.Parse(location)
	if err != nil {
		return err
	}
	switch url.Scheme {
	case "", "file":
		return b.addFile(url.Path)
	case "http", "https":
		b.urls = append(b.urls, url.String())
		return nil
	}
	return errors.New("blacklist: unknown list type")
}

func (b *Blacklist) addFile(filename string) (err error) {
	filename, err = filepath.Abs(filename)
	if err != nil {
		return err
	}
	if err = b.watcher.Add(filename); err != nil {
		return err
	}
	return b.read(filename)
}

// FetchRemotes fetches the remote lists
func (b *Blacklist) FetchRemotes() error {
	for _, url := range b.urls {
		if err := b.fetch(url); err != nil {
			return fmt.Errorf("blacklist: could not fetch %s: %w", url, err)
		}
	}
	return nil
}

// Close the blacklist watcher
func (b *Blacklist) Close() {
	b.watcher.Close()
}

func (b *Blacklist) read(filename string) error {
	contents, err := ioutil.ReadFile(filename)
	if err != nil {
		return err
	}
	return b.set(filename, contents)
}

func (b *Blacklist) fetch(location string) error {
	resp, err := http.Get(location)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return b.set(location, body)
}

func (b *Blacklist) set(location string, contents []byte) error {
	var blacklist []blacklistedItem
	if err := yaml.Unmarshal(contents, &blacklist); err != nil {
		return err
	}
	b.mu.Lock()
	b.lists[location] = blacklist
	b.updateLookup()
	b.mu.Unlock()
	return nil
}

func (b *Blacklist) updateLookup() {
	var n int
	for _, blacklist := range b.lists {
		n += len(blacklist)
	}
	b.boxLookup = make(map[string]bool, n)
	b.topicLookup = make(map[string]bool, n)
	for _, blacklist := range b.lists {
		for _, item := range blacklist {
			if item.Box != "" {
				b.boxLookup[item.Box] = true
			}
			if item.Topic != "" {
				b.topicLookup[item.Topic] = true
			}
		}
	}
}

// Blacklist errors
var (
	ErrBlacklistedBox   = errors.New("blacklist: box is blacklisted")
	ErrBlacklistedTopic = errors.New("blacklist: topic is blacklisted")
)

// HandleReading drops readings of blacklisted boxes and topics
func (b *Blacklist) HandleReading(_ middleware.Context, reading *types.Reading) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.boxLookup[reading.DeviceID] {
		return ErrBlacklistedBox
	}
	if reading.Topic != "" && b.topicLookup[reading.Topic] {
		return ErrBlacklistedTopic
	}
	return nil
}
