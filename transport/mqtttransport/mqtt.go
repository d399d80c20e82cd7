// Package mqtttransport bridges the broker to an MQTT broker using the
// per-device topic scheme.  The adaptor holds one client connection;
// inbound publications become deliveries tagged with their topic, and
// outbound envelopes are published with the MQTT QoS matching their
// delivery guarantee.
package mqtttransport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/astrocomm/broker/envelope"
	"github.com/astrocomm/broker/logging"
	"github.com/astrocomm/broker/transport"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-kit/log"
)

var errNotConnected = errors.New("mqtt: not connected")

// Config carries the MQTT-specific settings beyond transport.Options.
type Config struct {
	// ClientID identifies this broker to the MQTT broker.
	ClientID string

	// Root overrides the topic scheme root.
	Root string

	// Filters are the subscription filters.  Empty means the
	// device-originated set (status, data, events).
	Filters []string

	// PublishTopic is the default topic for Conn.Send.  Empty means
	// "{root}/broker/egress".
	PublishTopic string
}

func (c Config) topics() Topics {
	return Topics{Root: c.Root}
}

func (c Config) publishTopic() string {
	if c.PublishTopic != "" {
		return c.PublishTopic
	}

	return c.topics().root() + "/broker/egress"
}

func (c Config) filters() []string {
	if len(c.Filters) > 0 {
		return c.Filters
	}

	return c.topics().DeviceFilter()
}

// New constructs the MQTT adaptor.  The Options endpoint is the broker
// URL, e.g. "tcp://localhost:1883".
func New(o *transport.Options, cfg Config, acceptor transport.Acceptor, logger log.Logger) (*Adaptor, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = logging.DefaultLogger()
	}

	return &Adaptor{
		options:  o,
		cfg:      cfg,
		topics:   cfg.topics(),
		acceptor: acceptor,
		logger:   logger,
	}, nil
}

// Adaptor is the MQTT transport.  It surfaces exactly one
// transport.Conn to the session layer, representing the broker
// connection.
type Adaptor struct {
	options  *transport.Options
	cfg      Config
	topics   Topics
	acceptor transport.Acceptor
	logger   log.Logger

	lock     sync.Mutex
	client   mqtt.Client
	conn     *mqttConn
	receiver transport.Receiver
	closed   func(error)
	started  bool
}

func (a *Adaptor) Tag() transport.Tag {
	return transport.TagMQTT
}

// TopicScheme exposes the adaptor's topic builder for callers that
// publish to specific device topics.
func (a *Adaptor) TopicScheme() Topics {
	return a.topics
}

func (a *Adaptor) Start() error {
	a.lock.Lock()
	defer a.lock.Unlock()

	if a.started {
		return nil
	}

	o := mqtt.NewClientOptions()
	o.AddBroker(a.options.Endpoint)
	o.SetClientID(a.cfg.ClientID)
	o.SetWriteTimeout(a.options.WriteWait())
	o.SetMaxReconnectInterval(30 * time.Second)
	o.SetAutoReconnect(true)
	o.SetOnConnectHandler(func(client mqtt.Client) {
		// the client must resubscribe on every reconnect
		if err := a.subscribe(client); err != nil {
			logging.Error(a.logger, logging.ErrorKey(), err).Log(logging.MessageKey(), "resubscribe failed")
		}
	})
	o.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logging.Warn(a.logger, logging.ErrorKey(), err).Log(logging.MessageKey(), "mqtt connection lost")
	})

	client := mqtt.NewClient(o)

	ctx, cancel := context.WithTimeout(context.Background(), a.options.WriteWait())
	defer cancel()
	if err := waitToken(ctx, client.Connect()); err != nil {
		return err
	}

	conn := &mqttConn{adaptor: a, topic: a.cfg.publishTopic()}
	receiver, closed := a.acceptor.Accept(conn, conn.delivery())

	a.client = client
	a.conn = conn
	a.receiver = receiver
	a.closed = closed
	a.started = true

	logging.Info(a.logger).Log(
		logging.MessageKey(), "mqtt transport started",
		"broker", a.options.Endpoint,
		"clientID", a.cfg.ClientID,
	)

	return nil
}

func (a *Adaptor) subscribe(client mqtt.Client) error {
	filters := make(map[string]byte)
	for _, f := range a.cfg.filters() {
		filters[f] = 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.options.WriteWait())
	defer cancel()
	return waitToken(ctx, client.SubscribeMultiple(filters, a.onMessage))
}

func (a *Adaptor) onMessage(_ mqtt.Client, m mqtt.Message) {
	a.lock.Lock()
	receiver := a.receiver
	a.lock.Unlock()

	if receiver == nil {
		return
	}

	receiver(m.Payload(), transport.Delivery{
		Tag:        transport.TagMQTT,
		RemoteAddr: m.Topic(),
		Binary:     a.options.Binary,
		ReceivedAt: time.Now(),
	})
}

// Publish sends a frame to an explicit topic.  The envelope QoS maps
// directly onto the MQTT QoS level.  Retained is used for last-status
// topics so late subscribers see the current state.
func (a *Adaptor) Publish(topic string, qos envelope.QOS, retained bool, frame []byte) error {
	a.lock.Lock()
	client := a.client
	a.lock.Unlock()

	if client == nil {
		return errNotConnected
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.options.WriteWait())
	defer cancel()
	return waitToken(ctx, client.Publish(topic, byte(qos), retained, frame))
}

// PublishStatus publishes a retained status frame for the device.
func (a *Adaptor) PublishStatus(deviceID string, frame []byte) error {
	return a.Publish(a.topics.Status(deviceID), envelope.AtLeastOnce, true, frame)
}

func (a *Adaptor) Stop(ctx context.Context) error {
	a.lock.Lock()
	if !a.started {
		a.lock.Unlock()
		return nil
	}

	a.started = false
	client := a.client
	closed := a.closed
	a.client = nil
	a.conn = nil
	a.receiver = nil
	a.closed = nil
	a.lock.Unlock()

	client.Disconnect(250)
	if closed != nil {
		closed(nil)
	}

	return nil
}

// mqttConn is the single logical connection surfaced to the session
// layer.  Send publishes to the configured default topic.
type mqttConn struct {
	adaptor *Adaptor
	topic   string
}

func (c *mqttConn) Send(frame []byte) error {
	return c.adaptor.Publish(c.topic, envelope.AtLeastOnce, false, frame)
}

func (c *mqttConn) Close() error {
	return nil
}

func (c *mqttConn) RemoteAddr() string {
	return c.adaptor.options.Endpoint
}

func (c *mqttConn) delivery() transport.Delivery {
	return transport.Delivery{
		Tag:        transport.TagMQTT,
		RemoteAddr: c.adaptor.options.Endpoint,
		Binary:     c.adaptor.options.Binary,
	}
}

// waitToken adapts paho's token API to context cancellation.  The
// library does not support contexts natively.
func waitToken(ctx context.Context, t mqtt.Token) error {
	done := make(chan struct{})
	go func() {
		for !t.WaitTimeout(time.Second) {
			select {
			case <-ctx.Done():
				return
			default:
			}
		}

		close(done)
	}()

	select {
	case <-done:
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
