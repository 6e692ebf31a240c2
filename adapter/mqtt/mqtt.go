// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package mqtt

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/TheThingsNetwork/ttn/utils/random"
	"github.com/apex/log"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/google/uuid"
	"github.com/sensebox/box-integration-bridge/adapter"
	"github.com/sensebox/box-integration-bridge/decode"
	"github.com/sensebox/box-integration-bridge/ingest"
	"github.com/sensebox/box-integration-bridge/integration"
	"github.com/sensebox/box-integration-bridge/types"
)

// BufferSize indicates the maximum number of MQTT messages that should be buffered per box
var BufferSize = 100

// DefaultPort is used for mqtt:// URLs without a port
var DefaultPort = "1883"

// Default client settings, overridden by the connectionOptions of a box
var (
	DefaultKeepAlive      = 30 * time.Second
	DefaultConnectTimeout = 30 * time.Second
	PingTimeout           = 10 * time.Second
)

// DisconnectQuiesce is the time in milliseconds the client waits for outstanding work on disconnect
var DisconnectQuiesce uint = 250

// ClientIDFormat is the format of generated client IDs
var ClientIDFormat = "box-bridge-%s"

// New returns a new MQTT adapter that submits readings to the sink
func New(ctx log.Interface, sink ingest.Sink) *MQTT {
	return &MQTT{
		ctx:  ctx.WithField("Connector", "MQTT"),
		sink: sink,
	}
}

// MQTT adapter
type MQTT struct {
	ctx  log.Interface
	sink ingest.Sink
}

type deviceDisconnecter interface {
	DisconnectDevice(deviceID string)
}

type connection struct {
	deviceID string
	ctx      log.Interface
	client   paho.Client
	format   string
	topic    string
	qos      byte
	decoder  decode.Decoder
	sink     ingest.Sink
	onFatal  adapter.FatalFunc

	mu          sync.RWMutex // Protects established, closed and queue sends
	established bool
	closed      bool
	queue       chan paho.Message
	done        chan struct{}
	fatalOnce   sync.Once
}

// DeviceID implements adapter.Handle
func (c *connection) DeviceID() string {
	return c.deviceID
}

func brokerURL(raw string) (broker string, user *url.Userinfo, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", nil, err
	}
	if u.Hostname() == "" {
		return "", nil, fmt.Errorf("mqtt: missing host in %q", raw)
	}
	user, u.User = u.User, nil
	switch u.Scheme {
	case "mqtt":
		u.Scheme = "tcp"
		if u.Port() == "" {
			u.Host = net.JoinHostPort(u.Hostname(), DefaultPort)
		}
		u.Path, u.RawPath, u.RawQuery, u.Fragment = "", "", "", ""
	case "ws":
	default:
		return "", nil, fmt.Errorf("mqtt: unsupported scheme %q", u.Scheme)
	}
	return u.String(), user, nil
}

func classify(token paho.Token, err error) *adapter.Error {
	if connectToken, ok := token.(*paho.ConnectToken); ok {
		switch connectToken.ReturnCode() {
		case packets.ErrRefusedBadUsernameOrPassword, packets.ErrRefusedNotAuthorised:
			return adapter.AuthError(err)
		case packets.ErrRefusedBadProtocolVersion, packets.ErrRefusedIDRejected:
			return adapter.ConfigError(err)
		}
	}
	switch err {
	case packets.ErrorRefusedBadUsernameOrPassword, packets.ErrorRefusedNotAuthorised:
		return adapter.AuthError(err)
	case packets.ErrorRefusedBadProtocolVersion, packets.ErrorRefusedIDRejected:
		return adapter.ConfigError(err)
	}
	return adapter.ConnectionError(err)
}

func wait(ctx context.Context, token paho.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect implements adapter.Adapter
func (m *MQTT) Connect(ctx context.Context, deviceID string, config *integration.MQTT, onFatal adapter.FatalFunc) (adapter.Handle, error) {
	if !config.IsEnabled() {
		return nil, adapter.ConfigError(errors.New("mqtt: integration is not enabled"))
	}
	broker, user, err := brokerURL(config.URL)
	if err != nil {
		return nil, adapter.ConfigError(err)
	}
	options, err := config.ParseConnectionOptions()
	if err != nil {
		return nil, adapter.ConfigError(err)
	}
	decoder, err := decode.New(config)
	if err != nil {
		return nil, adapter.ConfigError(err)
	}

	conn := &connection{
		deviceID: deviceID,
		ctx:      m.ctx.WithField("DeviceID", deviceID),
		format:   config.Format(),
		topic:    config.Topic,
		qos:      options.QoS,
		decoder:  decoder,
		sink:     m.sink,
		onFatal:  onFatal,
		queue:    make(chan paho.Message, BufferSize),
		done:     make(chan struct{}),
	}

	mqttOpts := paho.NewClientOptions()
	mqttOpts.AddBroker(broker)
	clientID := options.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf(ClientIDFormat, random.String(16))
	}
	mqttOpts.SetClientID(clientID)
	if user != nil {
		mqttOpts.SetUsername(user.Username())
		if password, ok := user.Password(); ok {
			mqttOpts.SetPassword(password)
		}
	}
	if options.Username != "" {
		mqttOpts.SetUsername(options.Username)
	}
	if options.Password != "" {
		mqttOpts.SetPassword(options.Password)
	}
	mqttOpts.SetKeepAlive(options.KeepAliveDuration(DefaultKeepAlive))
	mqttOpts.SetPingTimeout(PingTimeout)
	mqttOpts.SetConnectTimeout(options.ConnectTimeoutDuration(DefaultConnectTimeout))
	mqttOpts.SetCleanSession(options.CleanSession())
	mqttOpts.SetAutoReconnect(false)
	mqttOpts.SetConnectRetry(false)
	mqttOpts.SetOrderMatters(true)
	mqttOpts.SetDefaultPublishHandler(func(_ paho.Client, msg paho.Message) {
		conn.ctx.WithField("Topic", msg.Topic()).Warn("Received unhandled message on MQTT")
	})
	mqttOpts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		conn.ctx.WithError(err).Warn("Connection lost")
		conn.fatal(adapter.ConnectionError(err))
	})
	conn.client = paho.NewClient(mqttOpts)

	conn.ctx.WithField("Broker", broker).Debug("Connecting")
	token := conn.client.Connect()
	if err := wait(ctx, token); err != nil {
		if ctx.Err() != nil {
			go func() {
				token.Wait()
				conn.client.Disconnect(0)
			}()
			return nil, adapter.ConnectionError(ctx.Err())
		}
		return nil, classify(token, err)
	}

	conn.mu.Lock()
	conn.established = true
	conn.mu.Unlock()
	go conn.work()

	token = conn.client.Subscribe(conn.topic, conn.qos, conn.handle)
	if err := wait(ctx, token); err != nil {
		conn.client.Disconnect(0)
		conn.stop()
		return nil, adapter.ConnectionError(err)
	}
	if subscribeToken, ok := token.(*paho.SubscribeToken); ok {
		for topic, qos := range subscribeToken.Result() {
			if qos == 0x80 {
				conn.client.Disconnect(0)
				conn.stop()
				return nil, adapter.AuthError(fmt.Errorf("mqtt: subscription to %q refused", topic))
			}
		}
	}

	conn.ctx.WithField("Topic", conn.topic).Info("Connected")
	return conn, nil
}

// Disconnect implements adapter.Adapter
func (m *MQTT) Disconnect(ctx context.Context, handle adapter.Handle) error {
	conn, ok := handle.(*connection)
	if !ok {
		return adapter.ConfigError(fmt.Errorf("mqtt: unknown handle %T", handle))
	}
	conn.mu.Lock()
	conn.established = false
	conn.mu.Unlock()

	if conn.client.IsConnectionOpen() {
		if err := wait(ctx, conn.client.Unsubscribe(conn.topic)); err != nil {
			conn.ctx.WithError(err).Warn("Could not unsubscribe")
		}
	}
	conn.client.Disconnect(DisconnectQuiesce)
	conn.stop()

	select {
	case <-conn.done:
	case <-ctx.Done():
		return adapter.ConnectionError(ctx.Err())
	}
	if disconnecter, ok := m.sink.(deviceDisconnecter); ok {
		disconnecter.DisconnectDevice(conn.deviceID)
	}
	conn.ctx.Info("Disconnected")
	return nil
}

func (c *connection) fatal(err error) {
	c.mu.RLock()
	established := c.established
	c.mu.RUnlock()
	if !established {
		return
	}
	c.fatalOnce.Do(func() {
		c.stop()
		if c.onFatal != nil {
			c.onFatal(err)
		}
	})
}

// stop closes the queue, the worker forwards what is left
func (c *connection) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.queue)
}

func (c *connection) handle(_ paho.Client, msg paho.Message) {
	if msg.Retained() {
		c.ctx.WithField("Topic", msg.Topic()).Debug("Ignore retained message")
		messagesReceived.WithLabelValues("retained").Inc()
		return
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		messagesReceived.WithLabelValues("dropped").Inc()
		return
	}
	select {
	case c.queue <- msg:
	default:
		c.ctx.Warn("Could not handle message: buffer full")
		messagesReceived.WithLabelValues("dropped").Inc()
	}
}

func (c *connection) work() {
	defer close(c.done)
	for msg := range c.queue {
		c.process(msg)
	}
}

func (c *connection) process(msg paho.Message) {
	ctx := c.ctx.WithField("Topic", msg.Topic())
	reading := &types.Reading{
		ID:         uuid.NewString(),
		DeviceID:   c.deviceID,
		Format:     c.format,
		Topic:      msg.Topic(),
		ReceivedAt: time.Now().UTC(),
	}
	if err := c.decoder.Decode(msg.Payload(), reading); err != nil {
		ctx.WithError(err).Warn("Could not decode message")
		messagesReceived.WithLabelValues("decode_error").Inc()
		return
	}
	messagesReceived.WithLabelValues("decoded").Inc()
	if err := c.sink.SubmitReading(reading); err != nil {
		ctx.WithError(err).Warn("Could not submit reading")
		return
	}
	ctx.WithField("Measurements", len(reading.Measurements)).Debug("Submitted reading")
}
