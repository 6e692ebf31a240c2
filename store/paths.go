// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package store

import (
	"sort"

	"github.com/goccy/go-json"
	"github.com/sensebox/box-integration-bridge/types"
)

// ChangedPaths returns the sorted dot-paths of the JSON leaves that differ
// between the two boxes. Arrays and empty objects are leaves.
func ChangedPaths(previous, current *types.Box) ([]string, error) {
	before, err := flatten(previous)
	if err != nil {
		return nil, err
	}
	after, err := flatten(current)
	if err != nil {
		return nil, err
	}
	var paths []string
	for path, value := range after {
		if old, ok := before[path]; !ok || old != value {
			paths = append(paths, path)
		}
	}
	for path := range before {
		if _, ok := after[path]; !ok {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func flatten(box *types.Box) (map[string]string, error) {
	leaves := make(map[string]string)
	if box == nil {
		return leaves, nil
	}
	data, err := json.Marshal(box)
	if err != nil {
		return nil, err
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	for key, value := range doc {
		if err := flattenValue(key, value, leaves); err != nil {
			return nil, err
		}
	}
	return leaves, nil
}

func flattenValue(path string, value interface{}, leaves map[string]string) error {
	if object, ok := value.(map[string]interface{}); ok && len(object) > 0 {
		for key, child := range object {
			if err := flattenValue(path+"."+key, child, leaves); err != nil {
				return err
			}
		}
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	leaves[path] = string(data)
	return nil
}
