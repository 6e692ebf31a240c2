// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package kafka publishes readings to a Kafka topic, keyed by device ID so
// that the readings of one device stay in one partition.
package kafka

import (
	"context"
	"errors"
	"time"

	"github.com/apex/log"
	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"github.com/sensebox/box-integration-bridge/types"
)

// DefaultTopic is used when no topic is configured
var DefaultTopic = "readings"

// WriteTimeout bounds the time SubmitReading may spend handing a reading to the writer
var WriteTimeout = 100 * time.Millisecond

// Config contains configuration for Kafka
type Config struct {
	Brokers []string
	Topic   string
}

// Kafka sink of the ingestion pipeline
type Kafka struct {
	ctx    log.Interface
	writer *kafka.Writer
}

// New returns a new Kafka sink with an asynchronous writer
func New(config Config, ctx log.Interface) (*Kafka, error) {
	if len(config.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if config.Topic == "" {
		config.Topic = DefaultTopic
	}
	k := &Kafka{
		ctx: ctx.WithField("Sink", "Kafka").WithField("Topic", config.Topic),
	}
	k.writer = &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				k.ctx.WithError(err).WithField("Readings", len(messages)).Warn("Could not publish readings")
				return
			}
			k.ctx.WithField("Readings", len(messages)).Debug("Published readings")
		},
	}
	return k, nil
}

// SubmitReading implements ingest.Sink
func (k *Kafka) SubmitReading(reading *types.Reading) error {
	msg, err := json.Marshal(reading)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), WriteTimeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(reading.DeviceID),
		Value: msg,
		Time:  reading.ReceivedAt,
	})
}

// Close flushes pending readings and closes the writer
func (k *Kafka) Close() error {
	return k.writer.Close()
}
