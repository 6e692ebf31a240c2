// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package registry

import (
	mapset "github.com/deckarep/golang-set"
	redis "gopkg.in/redis.v5"
)

type connectedSet interface {
	// Adds an element to the set. Returns whether
	// the item was added.
	Add(i interface{}) bool

	// Returns whether the given items
	// are all in the set.
	Contains(i ...interface{}) bool

	// Remove a single element from the set.
	Remove(i interface{})

	// Returns the members of the set as a slice.
	ToSlice() []interface{}
}

func newConnectedSet() connectedSet {
	return mapset.NewThreadUnsafeSet()
}

// defaultRedisStateKey is used as key when no key is given
var defaultRedisStateKey = "connectedboxes"

// InitRedisState persists the set of connected boxes in Redis and returns
// the boxes that were connected when the previous process stopped
func (r *Registry) InitRedisState(client *redis.Client, key string) (deviceIDs []string) {
	if key == "" {
		key = defaultRedisStateKey
	}
	deviceIDs, _ = client.SMembers(key).Result()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = &connectedSetWithRedisPersistence{
		connectedSet: r.connected,
		client:       client,
		key:          key,
	}
	return
}

type connectedSetWithRedisPersistence struct {
	key    string
	client *redis.Client
	connectedSet
}

func (s *connectedSetWithRedisPersistence) Add(i interface{}) bool {
	added := s.connectedSet.Add(i)
	if added {
		s.client.SAdd(s.key, i)
	}
	return added
}

func (s *connectedSetWithRedisPersistence) Remove(i interface{}) {
	s.connectedSet.Remove(i)
	s.client.SRem(s.key, i)
}
