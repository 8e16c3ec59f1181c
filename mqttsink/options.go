package mqttsink

import (
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/fako1024/btprobe"
)

// WithClient sets a preconfigured MQTT client
func WithClient(client mqtt.Client) func(*Sink) {
	return func(s *Sink) {
		s.client = client
	}
}

// WithLogger sets a logger
func WithLogger(logger btprobe.Logger) func(*Sink) {
	return func(s *Sink) {
		s.logger = logger
	}
}
