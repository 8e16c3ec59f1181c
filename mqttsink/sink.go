// Package mqttsink publishes probe telemetry updates as JSON messages to an MQTT broker
package mqttsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/fako1024/btprobe"
)

var (
	errStopped      = errors.New("mqtt sink stopped")
	errNotConnected = errors.New("mqtt client not connected")
)

// Config holds the broker settings of a Sink
type Config struct {
	Broker         string
	Port           int
	ClientID       string
	TopicPrefix    string
	QoS            byte
	Retain         bool
	PublishTimeout time.Duration
}

// Sink is a btprobe.Sink publishing every update to `<prefix>/<device>/<source>`
type Sink struct {
	client mqtt.Client
	cfg    Config

	mu        sync.RWMutex
	connected bool
	tracked   bool

	stopCh   chan struct{}
	stopOnce sync.Once

	logger btprobe.Logger
}

// Message denotes the JSON payload of a published update
type Message struct {
	Address      string               `json:"address"`
	Serial       string               `json:"serial,omitempty"`
	Source       btprobe.Source       `json:"source"`
	Timestamp    time.Time            `json:"timestamp"`
	Measurements btprobe.Measurements `json:"measurements"`
}

// New instantiates a new Sink, executing functional options, if any
func New(cfg Config, options ...func(*Sink)) *Sink {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "btprobe"
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}

	s := &Sink{
		cfg:    cfg,
		stopCh: make(chan struct{}),
		logger: &btprobe.NullLogger{},
	}

	for _, option := range options {
		option(s)
	}

	// Connection state is tracked via handlers only for clients created here
	if s.client == nil {
		s.client = mqtt.NewClient(s.clientOptions())
		s.tracked = true
	}

	return s
}

// Connect establishes the connection to the broker, waiting until the initial
// connection succeeds, the context is done or the sink is stopped
func (s *Sink) Connect(ctx context.Context) error {
	select {
	case <-s.stopCh:
		return errStopped
	default:
	}

	if s.IsConnected() {
		return nil
	}

	// With ConnectRetry(true), the client keeps retrying internally
	token := s.client.Connect()

	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			return errStopped
		default:
		}
	}
}

// Publish fulfils the btprobe.Sink interface
func (s *Sink) Publish(u btprobe.Update) error {
	if !s.IsConnected() {
		return errNotConnected
	}

	topic := s.Topic(u)
	payload, err := encodeMessage(u)
	if err != nil {
		return fmt.Errorf("failed to marshal update: %w", err)
	}

	token := s.client.Publish(topic, s.cfg.QoS, s.cfg.Retain, payload)
	if !token.WaitTimeout(s.cfg.PublishTimeout) {
		return fmt.Errorf("publish timeout for topic %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}

	s.logger.Debugf("published %s update to %s", u.Source, topic)
	return nil
}

// Topic returns the topic an update is published to
func (s *Sink) Topic(u btprobe.Update) string {
	device := u.Serial
	if device == "" {
		device = strings.ReplaceAll(u.Address, ":", "")
	}
	return fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(s.cfg.TopicPrefix, "/"), device, u.Source)
}

// IsConnected returns whether the client is connected
func (s *Sink) IsConnected() bool {
	if !s.tracked {
		return s.client.IsConnected()
	}

	s.mu.RLock()
	connected := s.connected
	s.mu.RUnlock()

	return connected && s.client.IsConnected()
}

// Disconnect stops the sink and closes the connection to the broker.
// It is safe to call multiple times.
func (s *Sink) Disconnect() {
	s.stopOnce.Do(func() { close(s.stopCh) })

	s.client.Disconnect(250)
	s.setConnected(false)
	s.logger.Infof("mqtt disconnected")
}

////////////////////////////////////////////////////////////////////////////////

func (s *Sink) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", s.cfg.Broker, s.cfg.Port))
	opts.SetClientID(s.cfg.ClientID)
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		s.setConnected(true)
		s.logger.Infof("mqtt connected to %s:%d", s.cfg.Broker, s.cfg.Port)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.setConnected(false)
		s.logger.Warnf("mqtt connection lost: %s", err)
	})

	return opts
}

func (s *Sink) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

func encodeMessage(u btprobe.Update) ([]byte, error) {
	ts := u.TimeStamp
	if ts.IsZero() {
		ts = time.Now()
	}

	return json.Marshal(Message{
		Address:      u.Address,
		Serial:       u.Serial,
		Source:       u.Source,
		Timestamp:    ts.UTC(),
		Measurements: u.Measurements,
	})
}
