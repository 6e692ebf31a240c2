// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package ingest hands decoded readings to the ingestion pipeline.
//
// Sinks must not block the caller: a sink that talks to a remote system
// buffers a bounded number of readings and drops readings when the buffer is
// full.
package ingest

import (
	"fmt"

	"github.com/apex/log"
	"github.com/sensebox/box-integration-bridge/middleware"
	"github.com/sensebox/box-integration-bridge/types"
)

// Sink accepts readings for the ingestion pipeline
type Sink interface {
	SubmitReading(reading *types.Reading) error
}

// Pipeline runs the middleware chain and submits the remaining readings to all sinks
type Pipeline struct {
	ctx        log.Interface
	middleware middleware.Chain
	sinks      []Sink
}

// NewPipeline returns a new Pipeline
func NewPipeline(ctx log.Interface, chain middleware.Chain, sinks ...Sink) *Pipeline {
	return &Pipeline{
		ctx:        ctx.WithField("Component", "Pipeline"),
		middleware: chain,
		sinks:      sinks,
	}
}

// AddSink adds sinks to the pipeline. It is not safe to call while readings are submitted.
func (p *Pipeline) AddSink(sink ...Sink) {
	p.sinks = append(p.sinks, sink...)
}

// SubmitReading implements Sink. Readings filtered by the middleware are
// dropped without error.
func (p *Pipeline) SubmitReading(reading *types.Reading) error {
	ctx := p.ctx.WithField("DeviceID", reading.DeviceID)
	if err := p.middleware.Execute(middleware.NewContext(), reading); err != nil {
		ctx.WithError(err).Debug("Dropped reading")
		readingsDropped.WithLabelValues(reading.Format).Inc()
		return nil
	}
	var firstErr error
	for _, sink := range p.sinks {
		if err := sink.SubmitReading(reading); err != nil {
			ctx.WithField("Sink", fmt.Sprintf("%T", sink)).WithError(err).Warn("Could not submit reading")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	readingsSubmitted.WithLabelValues(reading.Format).Inc()
	return firstErr
}

// DisconnectDevice releases per-device middleware state
func (p *Pipeline) DisconnectDevice(deviceID string) {
	if err := p.middleware.Disconnect(middleware.NewContext(), deviceID); err != nil {
		p.ctx.WithField("DeviceID", deviceID).WithError(err).Warn("Could not clean up middleware")
	}
}

// Log is a sink that logs readings
type Log struct {
	ctx log.Interface
}

// NewLog returns a sink that logs every reading at debug level
func NewLog(ctx log.Interface) *Log {
	return &Log{ctx: ctx.WithField("Sink", "Log")}
}

// SubmitReading implements Sink
func (l *Log) SubmitReading(reading *types.Reading) error {
	l.ctx.WithFields(log.Fields{
		"DeviceID":     reading.DeviceID,
		"Format":       reading.Format,
		"Measurements": len(reading.Measurements),
		"RawSize":      len(reading.Raw),
	}).Debug("Received reading")
	return nil
}
