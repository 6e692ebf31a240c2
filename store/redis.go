// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package store

import (
	"sort"

	"github.com/sensebox/box-integration-bridge/types"
	redis "gopkg.in/redis.v5"
)

// Redis implements the Backend interface with a Redis backend. Boxes are
// stored as JSON under [prefix][id], the IDs in the set [prefix]ids.
type Redis struct {
	prefix string
	client *redis.Client
}

// DefaultRedisPrefix is used as prefix when no prefix is given
var DefaultRedisPrefix = "box:"

// NewRedis returns a new backend with a redis backend
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &Redis{
		client: client,
		prefix: prefix,
	}
}

func (r *Redis) idsKey() string {
	return r.prefix + "ids"
}

// Get implements Backend
func (r *Redis) Get(deviceID string) (*types.Box, error) {
	data, err := r.client.Get(r.prefix + deviceID).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return unmarshalBox(data)
}

// Put implements Backend
func (r *Redis) Put(box *types.Box) error {
	data, err := marshalBox(box)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(func(pipe *redis.Pipeline) error {
		pipe.Set(r.prefix+box.ID, data, 0)
		pipe.SAdd(r.idsKey(), box.ID)
		return nil
	})
	return err
}

// Delete implements Backend
func (r *Redis) Delete(deviceID string) error {
	_, err := r.client.TxPipelined(func(pipe *redis.Pipeline) error {
		pipe.Del(r.prefix + deviceID)
		pipe.SRem(r.idsKey(), deviceID)
		return nil
	})
	return err
}

// List implements Backend
func (r *Redis) List() ([]*types.Box, error) {
	ids, err := r.client.SMembers(r.idsKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	boxes := make([]*types.Box, 0, len(ids))
	for _, id := range ids {
		box, err := r.Get(id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		boxes = append(boxes, box)
	}
	return boxes, nil
}
