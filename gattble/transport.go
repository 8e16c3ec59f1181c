// Package gattble implements the btprobe.Transport on top of github.com/fako1024/gatt
package gattble

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/fako1024/btprobe"
	"github.com/fako1024/gatt"
)

var errDisconnected = errors.New("peripheral disconnected")

// sightingQueueSize bounds the number of sightings buffered between the HCI event
// handler and the consumer, surplus advertisements are dropped
const sightingQueueSize = 64

// Transport provides probe sightings and connections via a gatt device
type Transport struct {
	btDevice gatt.Device

	mu          sync.Mutex
	poweredOn   bool
	scanFilter  btprobe.ScanFilter
	queue       chan btprobe.Sighting
	peripherals map[string]discovered
	pending     map[string]chan error
	connections map[string]*connection

	logger btprobe.Logger
}

type discovered struct {
	p           gatt.Peripheral
	connectable bool
}

type handle struct {
	p gatt.Peripheral
}

func (h handle) Address() string {
	return btprobe.NormalizeAddress(h.p.ID())
}

// New instantiates a new Transport, executing functional options, if any
func New(options ...func(*Transport)) (*Transport, error) {

	// Initialize a new instance of a Transport
	t := &Transport{
		peripherals: make(map[string]discovered),
		pending:     make(map[string]chan error),
		connections: make(map[string]*connection),
		logger:      &btprobe.NullLogger{},
	}

	// Execute functional options (if any), see options.go for implementation
	for _, option := range options {
		option(t)
	}

	// Initialize a new GATT device (if not provided as option)
	if t.btDevice == nil {
		btDevice, err := gatt.NewDevice(defaultBTClientOptions...)
		if err != nil {
			return nil, err
		}
		t.btDevice = btDevice
	}

	// Register handlers
	t.btDevice.Handle(
		gatt.AddPeripheralDiscovered(t.onPeriphDiscovered),
		gatt.AddPeripheralConnected(t.onPeriphConnected),
		gatt.AddPeripheralDisconnected(t.onPeriphDisconnected),
	)

	// Initialize the device
	return t, t.btDevice.Init(t.onStateChanged)
}

// Scan delivers sightings matching the filter until the context is done. Sightings are
// handed to onSighting from a separate goroutine, never from the HCI event handler.
func (t *Transport) Scan(ctx context.Context, filter btprobe.ScanFilter, onSighting func(btprobe.Sighting)) error {
	queue := make(chan btprobe.Sighting, sightingQueueSize)

	t.mu.Lock()
	if t.queue != nil {
		t.mu.Unlock()
		return errors.New("scan already in progress")
	}
	t.scanFilter, t.queue = filter, queue
	poweredOn := t.poweredOn
	t.mu.Unlock()

	scanCtx, cancel := context.WithCancel(ctx)

	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		for {
			select {
			case <-scanCtx.Done():
				return
			case s := <-queue:
				onSighting(s)
			}
		}
	}()
	defer func() {
		cancel()
		<-dispatched
	}()

	// Scanning starts once the device is powered on if it isn't yet
	if poweredOn {
		if err := t.btDevice.Scan([]gatt.UUID{}, true); err != nil {
			t.resetScan()
			return fmt.Errorf("failed to enable scanning: %w", err)
		}
	}

	<-ctx.Done()

	t.resetScan()
	if err := t.btDevice.StopScanning(); err != nil {
		t.logger.Warnf("failed to stop scanning: %s", err)
	}

	return nil
}

// ResolveConnectable looks up a connectable peripheral by address
func (t *Transport) ResolveConnectable(address string) (btprobe.Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, exists := t.peripherals[btprobe.NormalizeAddress(address)]
	if !exists || !d.connectable {
		return nil, false
	}
	return handle{p: d.p}, true
}

// Connect establishes a connection to the peripheral
func (t *Transport) Connect(ctx context.Context, h btprobe.Handle) (btprobe.Connection, error) {
	hd, ok := h.(handle)
	if !ok {
		return nil, fmt.Errorf("unsupported handle type %T", h)
	}
	address := hd.Address()

	connected := make(chan error, 1)
	t.mu.Lock()
	if _, exists := t.pending[address]; exists {
		t.mu.Unlock()
		return nil, fmt.Errorf("connection to `%s` already pending", address)
	}
	t.pending[address] = connected
	t.mu.Unlock()

	t.logger.Debugf("connecting device `%s/%s`", hd.p.Name(), hd.p.ID())
	if err := t.btDevice.Connect(hd.p); err != nil {
		t.dropPending(address)
		return nil, err
	}

	select {
	case <-ctx.Done():
		t.dropPending(address)
		if err := t.btDevice.CancelConnection(hd.p); err != nil {
			t.logger.Warnf("failed to cancel pending connection to `%s`: %s", address, err)
		}
		return nil, ctx.Err()
	case err := <-connected:
		if err != nil {
			return nil, err
		}
	}

	conn := &connection{t: t, p: hd.p, address: address}
	t.mu.Lock()
	t.connections[address] = conn
	t.mu.Unlock()

	t.logger.Debugf("connected device `%s/%s`", hd.p.Name(), hd.p.ID())
	return conn, nil
}

// Close terminates scanning and releases the device
func (t *Transport) Close() error {
	if err := t.btDevice.StopScanning(); err != nil {
		t.logger.Warnf("failed to stop scanning: %s", err)
	}
	return t.btDevice.RemoveAllServices()
}

////////////////////////////////////////////////////////////////////////////////

func (t *Transport) onStateChanged(d gatt.Device, s gatt.State) {
	t.mu.Lock()
	t.poweredOn = s == gatt.StatePoweredOn
	scanning := t.queue != nil
	t.mu.Unlock()

	switch s {
	case gatt.StatePoweredOn:
		if !scanning {
			return
		}
		if err := d.Scan([]gatt.UUID{}, true); err != nil {
			t.logger.Warnf("failed to enable initial scanning: %s", err)
		}
		return
	case gatt.StatePoweredOff:
		t.logger.Warnf("bluetooth device powered off")
		return
	default:
		if err := d.StopScanning(); err != nil {
			t.logger.Warnf("failed to stop initial scanning: %s", err)
		}
	}
}

func (t *Transport) onPeriphDiscovered(p gatt.Peripheral, a *gatt.Advertisement, rssi int) {
	t.mu.Lock()
	filter, queue := t.scanFilter, t.queue
	t.mu.Unlock()

	if queue == nil || a == nil {
		return
	}

	companyID, data, ok := splitManufacturerData(a.ManufacturerData)
	if !ok || companyID != filter.ManufacturerID {
		return
	}
	if filter.Connectable && !a.Connectable {
		return
	}

	address := btprobe.NormalizeAddress(p.ID())
	t.mu.Lock()
	t.peripherals[address] = discovered{p: p, connectable: a.Connectable}
	t.mu.Unlock()

	sighting := btprobe.Sighting{
		Address:     address,
		Connectable: a.Connectable,
		RSSI:        rssi,
		Data:        data,
	}
	if a.Connectable {
		sighting.Handle = handle{p: p}
	}

	select {
	case queue <- sighting:
	default:
		t.logger.Debugf("dropping sighting of `%s`, queue is full", address)
	}
}

func (t *Transport) onPeriphConnected(p gatt.Peripheral, err error) {
	address := btprobe.NormalizeAddress(p.ID())

	t.mu.Lock()
	connected, exists := t.pending[address]
	delete(t.pending, address)
	t.mu.Unlock()

	if !exists {
		return
	}
	connected <- err
}

func (t *Transport) onPeriphDisconnected(p gatt.Peripheral, err error) {
	address := btprobe.NormalizeAddress(p.ID())

	t.mu.Lock()
	connected, pending := t.pending[address]
	delete(t.pending, address)
	conn, exists := t.connections[address]
	delete(t.connections, address)
	t.mu.Unlock()

	if pending {
		connected <- errDisconnected
	}
	if exists {
		t.logger.Debugf("disconnected peripheral `%s/%s`: %v", p.Name(), p.ID(), err)
		conn.disconnected()
	}
}

func (t *Transport) dropPending(address string) {
	t.mu.Lock()
	delete(t.pending, address)
	t.mu.Unlock()
}

func (t *Transport) resetScan() {
	t.mu.Lock()
	t.queue = nil
	t.mu.Unlock()
}

// splitManufacturerData separates the (little-endian) company identifier from the payload
func splitManufacturerData(raw []byte) (uint16, []byte, bool) {
	if len(raw) < 2 {
		return 0, nil, false
	}
	return binary.LittleEndian.Uint16(raw[:2]), append([]byte(nil), raw[2:]...), true
}

////////////////////////////////////////////////////////////////////////////////

type connection struct {
	t       *Transport
	p       gatt.Peripheral
	address string

	mu           sync.Mutex
	onDisconnect func()
}

func (c *connection) Subscribe(ctx context.Context, characteristic string, onNotify func([]byte)) error {
	uuid, err := gatt.ParseUUID(characteristic)
	if err != nil {
		return fmt.Errorf("failed to parse characteristic UUID `%s`: %w", characteristic, err)
	}

	// Service discovery is synchronous in gatt, wrap it to respect the context
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

func (c *connection) subscribe(uuid gatt.UUID, onNotify func([]byte)) error {

	// Discover services
	ss, err := c.p.DiscoverServices(nil)
	if err != nil {
		return fmt.Errorf("failed to discover services: %w", err)
	}

	for _, s := range ss {

		// Discover characteristics
		cs, err := c.p.DiscoverCharacteristics(nil, s)
		if err != nil {
			return fmt.Errorf("failed to discover characteristics of service %s: %w", s.UUID(), err)
		}

		for _, ch := range cs {
			if !ch.UUID().Equal(uuid) {
				continue
			}

			// Discover descriptors (required to locate the client configuration descriptor)
			if _, err := c.p.DiscoverDescriptors(nil, ch); err != nil {
				return fmt.Errorf("failed to discover probe status descriptors: %w", err)
			}

			if err := c.p.SetNotifyValue(ch, func(_ *gatt.Characteristic, data []byte, err error) {
				if err != nil {
					c.t.logger.Warnf("failed to receive notification from `%s`: %s", c.address, err)
					return
				}
				onNotify(data)
			}); err != nil {
				return fmt.Errorf("failed to subscribe to probe status characteristic: %w", err)
			}

			return nil
		}
	}

	return fmt.Errorf("characteristic %s not found", uuid)
}

func (c *connection) OnDisconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onDisconnect = fn
}

func (c *connection) Disconnect(ctx context.Context) error {
	c.t.mu.Lock()
	delete(c.t.connections, c.address)
	c.t.mu.Unlock()

	if err := c.t.btDevice.CancelConnection(c.p); err != nil {
		return fmt.Errorf("failed to disconnect `%s`: %w", c.address, err)
	}
	return nil
}

func (c *connection) disconnected() {
	c.mu.Lock()
	fn := c.onDisconnect
	c.mu.Unlock()

	if fn != nil {
		fn()
	}
}
