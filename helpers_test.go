package btprobe

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
)

// packTemperatures packs eight 13-bit counts (T1 in the least significant bits) into
// the 13-byte little-endian window used by advertisements and status notifications
func packTemperatures(counts [8]uint16) []byte {
	b := make([]byte, rawTemperatureLength)
	for i, c := range counts {
		for bit := 0; bit < 13; bit++ {
			if c>>bit&0x01 == 0 {
				continue
			}
			pos := i*13 + bit
			b[pos/8] |= 1 << (pos % 8)
		}
	}
	return b
}

type testAdvertisement struct {
	productType    byte
	serial         [4]byte
	counts         [8]uint16
	modeID         byte
	batteryVirtual byte
}

func (a testAdvertisement) bytes() []byte {
	b := make([]byte, 0, AdvertisementMinLength+2)
	b = append(b, a.productType)
	b = append(b, a.serial[:]...)
	b = append(b, packTemperatures(a.counts)...)
	b = append(b, a.modeID, a.batteryVirtual)

	// Network information and overheating bytes are not decoded
	return append(b, 0x00, 0x00)
}

func probeAdvertisement() testAdvertisement {
	return testAdvertisement{
		productType: byte(ProductTypePredictiveProbe),
		serial:      [4]byte{0x78, 0x56, 0x34, 0x12},
		counts:      [8]uint16{1200, 1100, 1000, 900, 800, 700, 600, 500},
	}
}

type testPrediction struct {
	state, mode, kind uint64
	setPointRaw       uint64
	heatStartRaw      uint64
	seconds           uint64
	coreRaw           uint64
}

func (p testPrediction) bytes() []byte {
	v := p.state | p.mode<<4 | p.kind<<6 | p.setPointRaw<<8 | p.heatStartRaw<<18 | p.seconds<<28 | p.coreRaw<<45
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:PredictionStatusLength]
}

func probeStatusBytes(counts [8]uint16, modeID, batteryVirtual byte, p testPrediction) []byte {
	b := make([]byte, 8, ProbeStatusMinLength)
	binary.LittleEndian.PutUint32(b[0:4], 10)
	binary.LittleEndian.PutUint32(b[4:8], 42)
	b = append(b, packTemperatures(counts)...)
	b = append(b, modeID, batteryVirtual)
	return append(b, p.bytes()...)
}

////////////////////////////////////////////////////////////////////////////////

type recordingSink struct {
	mu      sync.Mutex
	updates []Update
	err     error
}

func (s *recordingSink) Publish(u Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, u)
	return s.err
}

func (s *recordingSink) all() []Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Update(nil), s.updates...)
}

func (s *recordingSink) bySource(source Source) []Update {
	var res []Update
	for _, u := range s.all() {
		if u.Source == source {
			res = append(res, u)
		}
	}
	return res
}

type mockHandle struct {
	address string
}

func (h mockHandle) Address() string { return h.address }

// mockConnection simulates a live connection
type mockConnection struct {
	mu            sync.Mutex
	subscribeErr  error
	subscribeGate chan struct{}
	disconnectErr error
	onNotify      func([]byte)
	onDisconnect  func()
	subscribes    int
	disconnects   int
}

func (c *mockConnection) Subscribe(ctx context.Context, characteristic string, onNotify func([]byte)) error {
	c.mu.Lock()
	c.subscribes++
	gate := c.subscribeGate
	c.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribeErr != nil {
		return c.subscribeErr
	}
	c.onNotify = onNotify
	return nil
}

func (c *mockConnection) OnDisconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = fn
}

func (c *mockConnection) Disconnect(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
	return c.disconnectErr
}

// SimulateNotification delivers a notification to the subscriber
func (c *mockConnection) SimulateNotification(data []byte) {
	c.mu.Lock()
	fn := c.onNotify
	c.mu.Unlock()
	if fn != nil {
		fn(data)
	}
}

// SimulateDisconnect triggers the disconnect callback
func (c *mockConnection) SimulateDisconnect() {
	c.mu.Lock()
	fn := c.onDisconnect
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *mockConnection) counts() (subscribes, disconnects int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribes, c.disconnects
}

// mockTransport simulates the BLE transport
type mockTransport struct {
	mu          sync.Mutex
	connectGate chan struct{}
	ignoreCtx   bool
	connectErr  error
	resolvable  bool
	newConn     func() *mockConnection
	connects    int
	conns       []*mockConnection

	scanFilter ScanFilter
	sightings  []Sighting
	scanErr    error
}

func (t *mockTransport) Scan(_ context.Context, filter ScanFilter, onSighting func(Sighting)) error {
	t.mu.Lock()
	t.scanFilter = filter
	sightings := t.sightings
	t.mu.Unlock()

	for _, s := range sightings {
		onSighting(s)
	}
	return t.scanErr
}

func (t *mockTransport) ResolveConnectable(address string) (Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.resolvable {
		return nil, false
	}
	return mockHandle{address: address}, true
}

func (t *mockTransport) Connect(ctx context.Context, _ Handle) (Connection, error) {
	t.mu.Lock()
	t.connects++
	gate, ignoreCtx := t.connectGate, t.ignoreCtx
	t.mu.Unlock()

	if gate != nil {
		if ignoreCtx {
			<-gate
		} else {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connectErr != nil {
		return nil, t.connectErr
	}
	conn := &mockConnection{}
	if t.newConn != nil {
		conn = t.newConn()
	}
	t.conns = append(t.conns, conn)
	return conn, nil
}

func (t *mockTransport) connectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

func (t *mockTransport) lastConn() *mockConnection {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

var errMock = errors.New("mock failure")
