// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package coordinator

import "github.com/prometheus/client_golang/prometheus"

var transitions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sensebox",
		Subsystem: "bridge",
		Name:      "transitions_total",
		Help:      "Total number of connection transitions by reason.",
	}, []string{"reason"},
)

var connectFailures = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sensebox",
		Subsystem: "bridge",
		Name:      "connect_failures_total",
		Help:      "Total number of failed or lost connections by error kind.",
	}, []string{"kind"},
)

var connectDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "sensebox",
		Subsystem: "bridge",
		Name:      "connect_duration_seconds",
		Help:      "Time it took to connect and subscribe to a broker.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	},
)

func init() {
	prometheus.MustRegister(transitions)
	prometheus.MustRegister(connectFailures)
	prometheus.MustRegister(connectDuration)
}
