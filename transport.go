package btprobe

import (
	"context"
	"errors"
	"strings"
)

var (

	// ErrNoConnectableTransport is returned if no connectable handle exists for an address
	ErrNoConnectableTransport = errors.New("no connectable transport")

	// ErrConnectFailed is returned if the connection to a probe could not be established
	ErrConnectFailed = errors.New("connect failed")

	// ErrSubscribeFailed is returned if subscribing to probe status notifications failed
	ErrSubscribeFailed = errors.New("subscribe failed")
)

// ScanFilter restricts the advertisements delivered by a transport
type ScanFilter struct {
	ManufacturerID uint16

	// Connectable restricts delivery to connectable advertisements
	Connectable bool
}

// Sighting denotes a single advertisement observed by a transport
type Sighting struct {
	Address     string
	Connectable bool
	RSSI        int

	// Data holds the manufacturer specific data (without company identifier)
	Data []byte

	// Handle may be used to connect to the device, nil if not connectable
	Handle Handle
}

// Handle denotes a transport specific reference to a connectable device
type Handle interface {
	Address() string
}

// Transport denotes the BLE primitives required to monitor probes
type Transport interface {

	// Scan delivers sightings matching the filter until the context is done
	Scan(ctx context.Context, filter ScanFilter, onSighting func(Sighting)) error

	// ResolveConnectable looks up a connectable handle for an address
	ResolveConnectable(address string) (Handle, bool)

	// Connect establishes a connection to the device
	Connect(ctx context.Context, h Handle) (Connection, error)
}

// Connection denotes a live connection to a device
type Connection interface {

	// Subscribe enables notifications on a characteristic, onNotify is never
	// called concurrently for the same connection. The context only bounds the
	// subscribe call itself, not the lifetime of the subscription.
	Subscribe(ctx context.Context, characteristic string, onNotify func([]byte)) error

	// OnDisconnect registers a function called when the device drops the connection
	OnDisconnect(fn func())

	// Disconnect terminates the connection, it must tolerate an already closed connection
	Disconnect(ctx context.Context) error
}

// Sink denotes a consumer of telemetry updates
type Sink interface {
	Publish(u Update) error
}

// SinkFunc adapts a plain function to the Sink interface
type SinkFunc func(u Update) error

// Publish calls f(u)
func (f SinkFunc) Publish(u Update) error {
	return f(u)
}

// NormalizeAddress returns the canonical (uppercase) form of a device address
func NormalizeAddress(address string) string {
	return strings.ToUpper(strings.TrimSpace(address))
}
