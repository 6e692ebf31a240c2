// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package decode

import "github.com/sensebox/box-integration-bridge/types"

type plainDecoder struct{}

func (plainDecoder) Decode(payload []byte, reading *types.Reading) error {
	reading.Raw = append([]byte(nil), payload...)
	return nil
}
