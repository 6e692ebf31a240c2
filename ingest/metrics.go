// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package ingest

import "github.com/prometheus/client_golang/prometheus"

var readingsSubmitted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sensebox",
		Subsystem: "bridge",
		Name:      "readings_submitted_total",
		Help:      "Total number of readings submitted to the ingestion pipeline.",
	}, []string{"format"},
)

var readingsDropped = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sensebox",
		Subsystem: "bridge",
		Name:      "readings_dropped_total",
		Help:      "Total number of readings dropped by the ingestion middleware.",
	}, []string{"format"},
)

func init() {
	prometheus.MustRegister(readingsSubmitted)
	prometheus.MustRegister(readingsDropped)
}
