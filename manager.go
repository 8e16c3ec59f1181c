package btprobe

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
)

// Manager routes sightings to one Coordinator per device address
type Manager struct {
	transport Transport
	sink      Sink
	options   []func(*Coordinator)

	mu           sync.Mutex
	allowed      map[string]struct{}
	coordinators map[string]*Coordinator

	logger Logger
}

// NewManager instantiates a new Manager, executing functional options, if any
func NewManager(transport Transport, sink Sink, options ...func(*Manager)) *Manager {
	m := &Manager{
		transport:    transport,
		sink:         sink,
		coordinators: make(map[string]*Coordinator),
		logger:       &NullLogger{},
	}

	for _, option := range options {
		option(m)
	}

	return m
}

// WithManagerLogger sets the logger of the Manager, it is shared with all coordinators
// unless they are given their own via WithCoordinatorOptions
func WithManagerLogger(logger Logger) func(*Manager) {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithCoordinatorOptions sets functional options applied to every Coordinator the
// Manager creates
func WithCoordinatorOptions(options ...func(*Coordinator)) func(*Manager) {
	return func(m *Manager) {
		m.options = append(m.options, options...)
	}
}

// SetAllowedAddresses restricts the manager to the given device addresses (all
// devices are accepted if none are given)
func (m *Manager) SetAllowedAddresses(addresses ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(addresses) == 0 {
		m.allowed = nil
		return
	}
	m.allowed = make(map[string]struct{}, len(addresses))
	for _, addr := range addresses {
		m.allowed[NormalizeAddress(addr)] = struct{}{}
	}
}

// Register returns the Coordinator for an address, creating an idle one if required
func (m *Manager) Register(address string) *Coordinator {
	address = NormalizeAddress(address)

	m.mu.Lock()
	defer m.mu.Unlock()

	if c, exists := m.coordinators[address]; exists {
		return c
	}

	options := append([]func(*Coordinator){WithLogger(m.logger)}, m.options...)
	c := NewCoordinator(address, m.transport, m.sink, options...)
	m.coordinators[address] = c
	m.logger.Debugf("registered device `%s`", address)

	return c
}

// Coordinator returns the Coordinator for an address, if registered
func (m *Manager) Coordinator(address string) (*Coordinator, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, exists := m.coordinators[NormalizeAddress(address)]
	return c, exists
}

// HandleSighting routes a sighting to the Coordinator of its device
func (m *Manager) HandleSighting(ctx context.Context, s Sighting) {
	if !m.isAllowed(s.Address) {
		return
	}
	m.Register(s.Address).HandleSighting(ctx, s)
}

// Run scans for probe advertisements until the context is done
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Infof("scanning for advertisements of manufacturer %d", ManufacturerID)

	if err := m.transport.Scan(ctx, ScanFilter{ManufacturerID: ManufacturerID}, func(s Sighting) {
		m.HandleSighting(ctx, s)
	}); err != nil {
		return fmt.Errorf("failed to scan for advertisements: %w", err)
	}

	return nil
}

// Close unloads all coordinators
func (m *Manager) Close(ctx context.Context) (err error) {
	m.mu.Lock()
	coordinators := make([]*Coordinator, 0, len(m.coordinators))
	for _, c := range m.coordinators {
		coordinators = append(coordinators, c)
	}
	m.mu.Unlock()

	for _, c := range coordinators {
		err = multierr.Append(err, c.Unload(ctx))
	}

	return
}

func (m *Manager) isAllowed(address string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.allowed == nil {
		return true
	}
	_, ok := m.allowed[NormalizeAddress(address)]
	return ok
}
