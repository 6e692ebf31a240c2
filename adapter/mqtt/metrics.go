// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package mqtt

import "github.com/prometheus/client_golang/prometheus"

var messagesReceived = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sensebox",
		Subsystem: "bridge",
		Name:      "mqtt_messages_received_total",
		Help:      "Total number of MQTT messages received from box brokers.",
	}, []string{"result"},
)

func init() {
	prometheus.MustRegister(messagesReceived)
}
