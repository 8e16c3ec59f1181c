package gattble

import (
	"github.com/fako1024/btprobe"
	"github.com/fako1024/gatt"
)

// WithDevice sets the Bluetooth device
func WithDevice(btDevice gatt.Device) func(*Transport) {
	return func(t *Transport) {
		t.btDevice = btDevice
	}
}

// WithLogger sets a logger
func WithLogger(logger btprobe.Logger) func(*Transport) {
	return func(t *Transport) {
		t.logger = logger
	}
}
