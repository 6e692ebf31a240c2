// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package integration

// Reason tags the effect of a configuration write on the MQTT connection
type Reason int

// Change reasons
const (
	Unchanged Reason = iota
	Enabled
	Disabled
	Reconfigured
)

func (r Reason) String() string {
	switch r {
	case Unchanged:
		return "Unchanged"
	case Enabled:
		return "Enabled"
	case Disabled:
		return "Disabled"
	case Reconfigured:
		return "Reconfigured"
	}
	return "Unknown"
}

// Change describes the transition between two MQTT configurations
type Change struct {
	Reason   Reason
	Previous *MQTT
	Current  *MQTT
}

// Diff compares two MQTT configurations. Only the enabled side of a
// configuration matters: changes to a disabled configuration are Unchanged.
func Diff(previous, current *MQTT) Change {
	change := Change{Previous: previous, Current: current}
	switch wasEnabled, isEnabled := previous.IsEnabled(), current.IsEnabled(); {
	case !wasEnabled && isEnabled:
		change.Reason = Enabled
	case wasEnabled && !isEnabled:
		change.Reason = Disabled
	case wasEnabled && isEnabled && !previous.Equal(current):
		change.Reason = Reconfigured
	default:
		change.Reason = Unchanged
	}
	return change
}
