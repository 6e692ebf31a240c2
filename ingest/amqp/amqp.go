// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package amqp publishes readings to a topic exchange on an AMQP broker.
//
// Readings are published as JSON with routing key "[device-id].readings".
package amqp

import (
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/goccy/go-json"
	"github.com/sensebox/box-integration-bridge/types"
	"github.com/streadway/amqp"
)

// BufferSize indicates the maximum number of readings that should be buffered
var BufferSize = 100

// ReadingRoutingKeyFormat is the routing key format for readings
var ReadingRoutingKeyFormat = "%s.readings"

var (
	// ConnectRetries says how many times the sink should retry a lost connection
	ConnectRetries = 10
	// ConnectRetryDelay says how long the sink should wait between retries
	ConnectRetryDelay = time.Second
)

// Config contains configuration for AMQP
type Config struct {
	Address      string
	Username     string
	Password     string
	VHost        string
	ExchangeName string
	TLSConfig    *tls.Config
}

func (c Config) url() (url string) {
	if c.TLSConfig != nil {
		url += "amqps://"
	} else {
		url += "amqp://"
	}
	if c.Username != "" {
		url += c.Username
		if c.Password != "" {
			url += ":" + c.Password
		}
		url += "@"
	}
	url += c.Address
	if c.VHost != "" {
		url += "/" + c.VHost
	}
	return
}

type publishMessage struct {
	routingKey string
	body       []byte
}

// AMQP sink of the ingestion pipeline
type AMQP struct {
	config    Config
	ctx       log.Interface
	queue     chan publishMessage
	done      chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex // Protects conn
	conn *amqp.Connection
}

// New returns a new AMQP sink
func New(config Config, ctx log.Interface) (*AMQP, error) {
	if config.ExchangeName == "" {
		config.ExchangeName = "amq.topic"
	}
	return &AMQP{
		config: config,
		ctx:    ctx.WithField("Sink", "AMQP"),
		queue:  make(chan publishMessage, BufferSize),
		done:   make(chan struct{}),
	}, nil
}

// Connect dials the broker and starts publishing. Lost connections are
// re-established in the background.
func (c *AMQP) Connect() error {
	ch, err := c.dial()
	if err != nil {
		return err
	}
	c.ctx.Info("Connected")
	go c.run(ch)
	return nil
}

func (c *AMQP) dial() (*amqp.Channel, error) {
	var conn *amqp.Connection
	var err error
	if c.config.TLSConfig != nil {
		conn, err = amqp.DialTLS(c.config.url(), c.config.TLSConfig)
	} else {
		conn, err = amqp.Dial(c.config.url())
	}
	if err != nil {
		return nil, err
	}
	ch, err := c.declareExchange(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return ch, nil
}

// declareExchange returns a channel on which the exchange exists
func (c *AMQP) declareExchange(conn *amqp.Connection) (*amqp.Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.ExchangeDeclarePassive(c.config.ExchangeName, "topic", true, false, false, false, nil); err == nil {
		return ch, nil
	}
	c.ctx.Warnf("Exchange %s does not exist, trying to create...", c.config.ExchangeName)
	// A failed passive declare closes the channel
	if ch, err = conn.Channel(); err != nil {
		return nil, err
	}
	if err := ch.ExchangeDeclare(c.config.ExchangeName, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, err
	}
	return ch, nil
}

func (c *AMQP) run(ch *amqp.Channel) {
	for {
		err := c.publish(ch)
		if err == nil {
			c.ctx.Info("Publish channel closed")
			return
		}
		c.ctx.WithError(err).Warn("Connection lost")
		if ch, err = c.redial(); err != nil {
			c.ctx.WithError(err).Error("Could not reconnect")
			return
		}
		if ch == nil {
			return
		}
		c.ctx.Info("Reconnected")
	}
}

func (c *AMQP) redial() (*amqp.Channel, error) {
	var err error
	for retries := ConnectRetries; retries > 0; retries-- {
		select {
		case <-c.done:
			return nil, nil
		case <-time.After(ConnectRetryDelay):
		}
		var ch *amqp.Channel
		if ch, err = c.dial(); err == nil {
			return ch, nil
		}
		c.ctx.WithError(err).Warn("Error trying to connect")
	}
	return nil, err
}

// publish publishes queued readings until the sink is disconnected, which
// returns nil, or the channel is closed
func (c *AMQP) publish(ch *amqp.Channel) error {
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	for {
		select {
		case <-c.done:
			return nil
		case amqpErr, ok := <-closed:
			select {
			case <-c.done:
				return nil
			default:
			}
			if !ok {
				return errors.New("amqp: channel closed")
			}
			return amqpErr
		case msg := <-c.queue:
			ctx := c.ctx.WithField("RoutingKey", msg.routingKey)
			err := ch.Publish(c.config.ExchangeName, msg.routingKey, false, false, amqp.Publishing{
				DeliveryMode: amqp.Persistent,
				Timestamp:    time.Now(),
				ContentType:  "application/json",
				Body:         msg.body,
			})
			if err != nil {
				ctx.WithError(err).Warn("Error during publish")
			} else {
				ctx.Debug("Published reading")
			}
		}
	}
}

// Disconnect from AMQP
func (c *AMQP) Disconnect() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}

// SubmitReading implements ingest.Sink. Readings are dropped when the buffer is full.
func (c *AMQP) SubmitReading(reading *types.Reading) error {
	body, err := json.Marshal(reading)
	if err != nil {
		return err
	}
	select {
	case c.queue <- publishMessage{routingKey: fmt.Sprintf(ReadingRoutingKeyFormat, reading.DeviceID), body: body}:
	default:
		c.ctx.Warn("Not publishing reading [buffer full]")
	}
	return nil
}
