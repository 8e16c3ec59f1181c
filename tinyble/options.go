package tinyble

import (
	"time"

	"github.com/fako1024/btprobe"
	"tinygo.org/x/bluetooth"
)

// WithAdapter sets the bluetooth adapter (bluetooth.DefaultAdapter if not provided)
func WithAdapter(adapter *bluetooth.Adapter) func(*Transport) {
	return func(t *Transport) {
		t.adapter = adapter
	}
}

// WithRetryInterval sets how long a device is reported as passive after a failed connect
func WithRetryInterval(interval time.Duration) func(*Transport) {
	return func(t *Transport) {
		t.retryInterval = interval
	}
}

// WithLogger sets a logger
func WithLogger(logger btprobe.Logger) func(*Transport) {
	return func(t *Transport) {
		t.logger = logger
	}
}
