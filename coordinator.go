package btprobe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

const releaseTimeout = 10 * time.Second

// Coordinator manages the connection to a single probe: it publishes telemetry for
// every advertisement and holds at most one connect / subscribe sequence or
// subscription at a time
type Coordinator struct {
	address   string
	transport Transport
	sink      Sink

	characteristic string
	connectTimeout time.Duration

	mu         sync.Mutex
	state      State
	generation uint64
	cancel     context.CancelFunc
	lease      *lease
	device     Device

	// lastPrediction holds the prediction status label of the latest notification
	lastPrediction string

	stateChangeHandler func(status ConnectionStatus)
	stateChangeChan    chan ConnectionStatus
	cookDoneHandler    func(device Device)
	cookDoneChan       chan Device

	logger Logger
}

// NewCoordinator instantiates a new (idle) Coordinator for the device at the given
// address, executing functional options, if any
func NewCoordinator(address string, transport Transport, sink Sink, options ...func(*Coordinator)) *Coordinator {

	// Initialize a new instance of a Coordinator
	c := &Coordinator{
		address:        NormalizeAddress(address),
		transport:      transport,
		sink:           sink,
		characteristic: ProbeStatusCharacteristic,
		logger:         &NullLogger{},
	}
	c.device.Address = c.address

	// Execute functional options (if any), see options.go for implementation
	for _, option := range options {
		option(c)
	}

	return c
}

// Address returns the address of the device
func (c *Coordinator) Address() string {
	return c.address
}

// ConnectionStatus returns the current status of the connection to the device
func (c *Coordinator) ConnectionStatus() ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	return ConnectionStatus{Address: c.address, State: c.state}
}

// Device returns the device as identified by its last advertisement
func (c *Coordinator) Device() Device {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.device
}

// SetStateChangeHandler defines a handler function that is called upon state change
func (c *Coordinator) SetStateChangeHandler(fn func(status ConnectionStatus)) {
	c.stateChangeHandler = fn
}

// SetStateChangeChannel defines a channel that receives state changes (non-blocking)
func (c *Coordinator) SetStateChangeChannel(ch chan ConnectionStatus) {
	c.stateChangeChan = ch
}

// SetCookDoneHandler defines a handler function that is called when the prediction of
// the device reaches the ready state
func (c *Coordinator) SetCookDoneHandler(fn func(device Device)) {
	c.cookDoneHandler = fn
}

// SetCookDoneChannel defines a channel that receives the device when its prediction
// reaches the ready state (non-blocking)
func (c *Coordinator) SetCookDoneChannel(ch chan Device) {
	c.cookDoneChan = ch
}

// HandleSighting processes a single advertisement of the device: it publishes the
// decoded measurements and, if the device is connectable and no subscription is held
// or pending, starts a connect / subscribe sequence in the background
func (c *Coordinator) HandleSighting(ctx context.Context, s Sighting) {
	adv, err := DecodeAdvertisement(s.Data)
	if err != nil {
		c.logDecodeError("advertisement", err)
		return
	}

	if adv.Identity.ProductType != ProductTypePredictiveProbe {
		c.logger.Debugf("ignoring advertisement from `%s` with product type %d", c.address, adv.Identity.ProductType)
		return
	}

	c.mu.Lock()
	c.device = Device{
		Address:         c.address,
		ProductIdentity: adv.Identity,
		Colour:          adv.Colour,
		ProbeID:         adv.ProbeID,
	}
	c.mu.Unlock()

	c.publish(SourceAdvertisement, adv.Identity.Serial, AdvertisementMeasurements(adv))

	if !s.Connectable {
		c.logger.Debugf("received non-connectable advertisement from `%s`", c.address)
		return
	}

	subCtx, gen, ok := c.begin(ctx)
	if !ok {
		return
	}

	go func() {
		if err := c.subscribe(subCtx, gen, s.Handle); err != nil {
			c.logger.Debugf("subscription attempt for `%s` ended: %s", c.address, err)
		}
	}()
}

// Subscribe runs a connect / subscribe sequence synchronously, unless a subscription is
// already held or pending (in which case it returns immediately without error)
func (c *Coordinator) Subscribe(ctx context.Context, h Handle) error {
	subCtx, gen, ok := c.begin(ctx)
	if !ok {
		return nil
	}
	return c.subscribe(subCtx, gen, h)
}

// Unload terminates any connection held or pending and resets the coordinator to idle.
// Calling Unload on an idle coordinator is a no-op.
func (c *Coordinator) Unload(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateIdle && c.lease == nil {
		c.mu.Unlock()
		return nil
	}
	l, status := c.resetLocked(nil)
	c.mu.Unlock()

	c.logger.Debugf("unloading connection to `%s`", c.address)

	var err error
	if l != nil {
		if err = l.release(ctx); err != nil {
			err = fmt.Errorf("failed to disconnect `%s`: %w", c.address, err)
		}
	}

	c.setStatus(status)
	return err
}

////////////////////////////////////////////////////////////////////////////////

// begin moves the coordinator from idle to subscribing, reporting false if it is not idle
func (c *Coordinator) begin(ctx context.Context) (context.Context, uint64, bool) {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return nil, 0, false
	}

	var (
		subCtx context.Context
		cancel context.CancelFunc
	)
	if c.connectTimeout > 0 {
		subCtx, cancel = context.WithTimeout(ctx, c.connectTimeout)
	} else {
		subCtx, cancel = context.WithCancel(ctx)
	}

	c.state = StateSubscribing
	c.cancel = cancel
	gen := c.generation
	status := ConnectionStatus{Address: c.address, State: c.state}
	c.mu.Unlock()

	c.logger.Debugf("subscribing to `%s`", c.address)
	c.setStatus(status)

	return subCtx, gen, true
}

func (c *Coordinator) subscribe(ctx context.Context, gen uint64, h Handle) error {

	// Exchange a passive sighting for a connectable handle
	if h == nil {
		resolved, ok := c.transport.ResolveConnectable(c.address)
		if !ok {
			return c.fail(gen, fmt.Errorf("%w for `%s`", ErrNoConnectableTransport, c.address))
		}
		h = resolved
	}

	conn, err := c.transport.Connect(ctx, h)
	if err != nil {
		return c.fail(gen, fmt.Errorf("%w: %w", ErrConnectFailed, err))
	}

	l := &lease{conn: conn}
	if !c.attach(gen, l) {
		if err := l.release(context.Background()); err != nil {
			c.logger.Warnf("failed to release superseded connection to `%s`: %s", c.address, err)
		}
		return errSuperseded
	}
	conn.OnDisconnect(func() {
		c.handleDisconnect(gen)
	})

	if err := conn.Subscribe(ctx, c.characteristic, c.notificationHandler(gen)); err != nil {
		return c.fail(gen, fmt.Errorf("%w: %w", ErrSubscribeFailed, err))
	}

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return errSuperseded
	}
	c.state = StateSubscribed
	c.cancel()
	c.cancel = nil
	status := ConnectionStatus{Address: c.address, State: c.state}
	c.mu.Unlock()

	c.logger.Infof("subscribed to probe status notifications of `%s`", c.address)
	c.setStatus(status)

	return nil
}

var errSuperseded = errors.New("subscription superseded")

// attach hands a fresh connection to the coordinator, unless the sequence was superseded
func (c *Coordinator) attach(gen uint64, l *lease) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation {
		return false
	}
	c.lease = l
	return true
}

// fail returns the coordinator to idle after a failed sequence and releases the
// connection, if any
func (c *Coordinator) fail(gen uint64, err error) error {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return errSuperseded
	}
	l, status := c.resetLocked(err)
	c.mu.Unlock()

	c.logger.Errorf("failed to subscribe to `%s`: %s", c.address, err)

	if l != nil {
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if relErr := l.release(ctx); relErr != nil {
			c.logger.Warnf("failed to release connection to `%s`: %s", c.address, relErr)
		}
	}

	c.setStatus(status)
	return err
}

func (c *Coordinator) handleDisconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	l, status := c.resetLocked(nil)
	c.mu.Unlock()

	c.logger.Infof("probe `%s` dropped the connection", c.address)

	if l != nil {
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := l.release(ctx); err != nil {
			c.logger.Debugf("failed to release dropped connection to `%s`: %s", c.address, err)
		}
	}

	c.setStatus(status)
}

// resetLocked moves the coordinator back to idle and invalidates the current
// sequence. The caller must hold c.mu and release the returned lease (if any).
func (c *Coordinator) resetLocked(err error) (*lease, ConnectionStatus) {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	l := c.lease
	c.lease = nil
	c.state = StateIdle
	c.generation++

	return l, ConnectionStatus{Address: c.address, State: StateIdle, Error: err}
}

func (c *Coordinator) isCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return gen == c.generation
}

func (c *Coordinator) notificationHandler(gen uint64) func([]byte) {
	return func(data []byte) {
		if !c.isCurrent(gen) {
			return
		}

		status, err := DecodeProbeStatus(data)
		if err != nil {
			c.logDecodeError("probe status", err)
			return
		}

		device := c.Device()
		m := PredictionMeasurements(status.Prediction)
		c.publish(SourceNotification, device.Serial, m)

		label, _ := m[KeyPredictionStatus].Label()
		if c.updatePrediction(label) {
			c.logger.Infof("cook done on `%s`", c.address)
			c.cookDone(device)
		}
	}
}

// updatePrediction records the latest prediction status label and reports whether it
// entered the ready state
func (c *Coordinator) updatePrediction(label string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entered := label == PredictionStatusReady && c.lastPrediction != PredictionStatusReady
	c.lastPrediction = label
	return entered
}

func (c *Coordinator) cookDone(device Device) {
	if c.cookDoneHandler != nil {
		c.cookDoneHandler(device)
	}

	if c.cookDoneChan != nil {
		select {
		case c.cookDoneChan <- device:
		default:
		}
	}
}

func (c *Coordinator) publish(source Source, serial string, m Measurements) {
	if c.sink == nil {
		return
	}

	if err := c.sink.Publish(Update{
		Address:      c.address,
		Serial:       serial,
		Source:       source,
		TimeStamp:    time.Now(),
		Measurements: m,
	}); err != nil {
		c.logger.Warnf("failed to publish %s telemetry of `%s`: %s", source, c.address, err)
	}
}

func (c *Coordinator) logDecodeError(what string, err error) {
	if errors.Is(err, ErrTooShort) {
		c.logger.Debugf("dropping %s from `%s`: %s", what, c.address, err)
		return
	}
	c.logger.Warnf("dropping %s from `%s` (firmware or device variant mismatch?): %s", what, c.address, err)
}

func (c *Coordinator) setStatus(status ConnectionStatus) {

	// Call handler function, if any
	if c.stateChangeHandler != nil {
		c.stateChangeHandler(status)
	}

	// Put state change on channel, if any
	if c.stateChangeChan != nil {
		select {
		case c.stateChangeChan <- status:
		default:
		}
	}
}

////////////////////////////////////////////////////////////////////////////////

// lease wraps a live connection, guaranteeing it is disconnected exactly once
type lease struct {
	conn Connection
	once sync.Once
}

func (l *lease) release(ctx context.Context) (err error) {
	l.once.Do(func() {
		err = l.conn.Disconnect(ctx)
	})
	return
}
