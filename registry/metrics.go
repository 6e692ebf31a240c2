// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package registry

import "github.com/prometheus/client_golang/prometheus"

var entriesByState = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "sensebox",
		Subsystem: "bridge",
		Name:      "connections",
		Help:      "Number of box connections by state.",
	}, []string{"state"},
)

func init() {
	prometheus.MustRegister(entriesByState)
}
