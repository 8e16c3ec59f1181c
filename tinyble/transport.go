// Package tinyble implements the btprobe.Transport on top of tinygo.org/x/bluetooth,
// using the operating system's Bluetooth stack (BlueZ, CoreBluetooth or WinRT)
package tinyble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fako1024/btprobe"
	"go.uber.org/atomic"
	"tinygo.org/x/bluetooth"
)

const defaultRetryInterval = 30 * time.Second

// Transport provides probe sightings and connections via a tinygo bluetooth adapter
type Transport struct {
	adapter       *bluetooth.Adapter
	retryInterval time.Duration

	// mu protects the seen, failures and connections maps
	mu          sync.Mutex
	seen        map[string]bluetooth.Address
	failures    map[string]time.Time
	connections map[string]*connection

	logger btprobe.Logger
}

type handle struct {
	addr bluetooth.Address
}

func (h handle) Address() string {
	return btprobe.NormalizeAddress(h.addr.String())
}

// New instantiates a new Transport, executing functional options, if any
func New(options ...func(*Transport)) *Transport {
	t := &Transport{
		adapter:       bluetooth.DefaultAdapter,
		retryInterval: defaultRetryInterval,
		seen:          make(map[string]bluetooth.Address),
		failures:      make(map[string]time.Time),
		connections:   make(map[string]*connection),
		logger:        &btprobe.NullLogger{},
	}

	for _, option := range options {
		option(t)
	}

	return t
}

// Enable powers on the adapter and registers the disconnect handler
func (t *Transport) Enable() error {
	if err := t.adapter.Enable(); err != nil {
		return fmt.Errorf("failed to enable bluetooth adapter: %w", err)
	}

	t.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		address := btprobe.NormalizeAddress(device.Address.String())

		t.mu.Lock()
		conn, exists := t.connections[address]
		delete(t.connections, address)
		t.mu.Unlock()

		if exists {
			t.logger.Debugf("disconnected device `%s`", address)
			conn.disconnected()
		}
	})

	return nil
}

// Scan delivers sightings matching the filter until the context is done. Connectability
// is not reported by all stacks: a sighting is treated as connectable unless a connect
// attempt to the device failed within the retry interval.
func (t *Transport) Scan(ctx context.Context, filter btprobe.ScanFilter, onSighting func(btprobe.Sighting)) error {
	go func() {
		<-ctx.Done()
		if err := t.adapter.StopScan(); err != nil {
			t.logger.Debugf("failed to stop scanning: %s", err)
		}
	}()

	// adapter.Scan blocks until StopScan() or error
	err := t.adapter.Scan(func(_ *bluetooth.Adapter, r bluetooth.ScanResult) {
		for _, md := range r.ManufacturerData() {
			if md.CompanyID != filter.ManufacturerID {
				continue
			}

			address := btprobe.NormalizeAddress(r.Address.String())
			t.mu.Lock()
			t.seen[address] = r.Address
			t.mu.Unlock()

			sighting := btprobe.Sighting{
				Address: address,
				RSSI:    int(r.RSSI),
				Data:    append([]byte(nil), md.Data...),
			}
			if t.connectable(address, time.Now()) {
				sighting.Connectable, sighting.Handle = true, handle{addr: r.Address}
			}

			onSighting(sighting)
			return
		}
	})

	// If ctx canceled, treat as clean shutdown
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to scan: %w", err)
	}

	return nil
}

// ResolveConnectable looks up a previously seen device by address
func (t *Transport) ResolveConnectable(address string) (btprobe.Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	address = btprobe.NormalizeAddress(address)
	addr, exists := t.seen[address]
	if !exists || t.coolingDownLocked(address, time.Now()) {
		return nil, false
	}
	return handle{addr: addr}, true
}

// Connect establishes a connection to the device
func (t *Transport) Connect(ctx context.Context, h btprobe.Handle) (btprobe.Connection, error) {
	hd, ok := h.(handle)
	if !ok {
		return nil, fmt.Errorf("unsupported handle type %T", h)
	}

	// adapter.Connect blocks internally with its own timeout, wrap it to also
	// respect the context
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := t.adapter.Connect(hd.addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if result := <-ch; result.err == nil {
				_ = result.device.Disconnect()
			}
		}()
		return nil, ctx.Err()
	case result := <-ch:
		t.recordConnect(hd.Address(), result.err)
		if result.err != nil {
			return nil, result.err
		}

		conn := &connection{t: t, device: result.device, address: hd.Address()}
		t.mu.Lock()
		t.connections[conn.address] = conn
		t.mu.Unlock()

		return conn, nil
	}
}

// connectable reports whether a connect attempt to the device may be made at the given time
func (t *Transport) connectable(address string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return !t.coolingDownLocked(address, now)
}

func (t *Transport) coolingDownLocked(address string, now time.Time) bool {
	failedAt, failed := t.failures[address]
	return failed && now.Sub(failedAt) < t.retryInterval
}

func (t *Transport) recordConnect(address string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err == nil {
		delete(t.failures, address)
		return
	}
	t.failures[address] = time.Now()
	t.logger.Debugf("connect to `%s` failed, reporting it passive for %s", address, t.retryInterval)
}

////////////////////////////////////////////////////////////////////////////////

type connection struct {
	t       *Transport
	device  bluetooth.Device
	address string

	mu           sync.Mutex
	onDisconnect func()

	closed atomic.Bool
}

func (c *connection) Subscribe(ctx context.Context, characteristic string, onNotify func([]byte)) error {
	uuid, err := bluetooth.ParseUUID(characteristic)
	if err != nil {
		return fmt.Errorf("failed to parse characteristic UUID `%s`: %w", characteristic, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- c.subscribe(uuid, onNotify)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (c *connection) subscribe(uuid bluetooth.UUID, onNotify func([]byte)) error {
	svcs, err := c.device.DiscoverServices(nil)
	if err != nil {
		return fmt.Errorf("failed to discover services: %w", err)
	}

	for _, svc := range svcs {
		chars, err := svc.DiscoverCharacteristics([]bluetooth.UUID{uuid})
		if err != nil || len(chars) == 0 {
			continue
		}

		if err := chars[0].EnableNotifications(func(buf []byte) {
			onNotify(append([]byte(nil), buf...))
		}); err != nil {
			return fmt.Errorf("failed to subscribe to probe status characteristic: %w", err)
		}
		return nil
	}

	return fmt.Errorf("characteristic %s not found", uuid.String())
}

func (c *connection) OnDisconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onDisconnect = fn
}

func (c *connection) Disconnect(ctx context.Context) error {
	if c.closed.Swap(true) {
		return nil
	}

	c.t.mu.Lock()
	delete(c.t.connections, c.address)
	c.t.mu.Unlock()

	return c.device.Disconnect()
}

func (c *connection) disconnected() {
	c.closed.Store(true)

	c.mu.Lock()
	fn := c.onDisconnect
	c.mu.Unlock()

	if fn != nil {
		fn()
	}
}
