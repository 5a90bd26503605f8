// internal/device/manager.go
package device

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"validator-service/internal/transport"
)

// Manager owns every device session and the shared event bus. It is the
// single entry point the HTTP and WebSocket layers use to reach devices.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	bus      *Bus
	logger   *zap.Logger
}

// NewManager creates a manager with an empty session table.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		bus:      NewBus(logger),
		logger:   logger,
	}
}

// Bus returns the shared event bus.
func (m *Manager) Bus() *Bus {
	return m.bus
}

// Start builds a transport per configured device and launches its session.
func (m *Manager) Start(ctx context.Context, configs []Config) error {
	for _, cfg := range configs {
		if err := m.StartDevice(ctx, cfg); err != nil {
			return err
		}
	}
	return nil
}

// StartDevice launches one session. Device IDs must be unique.
func (m *Manager) StartDevice(ctx context.Context, cfg Config) error {
	if cfg.DeviceID == "" {
		return fmt.Errorf("device config missing device_id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[cfg.DeviceID]; exists {
		return fmt.Errorf("device %s already registered", cfg.DeviceID)
	}

	var tr transport.Transport
	switch {
	case cfg.Mock:
		tr = transport.NewMockDevice(5*time.Millisecond, m.logger)
	case cfg.Port != "":
		tr = transport.NewSerialTransport(&transport.SerialConfig{
			Port:        cfg.Port,
			ReadTimeout: 100 * time.Millisecond,
		}, m.logger)
	default:
		return fmt.Errorf("device %s: neither port nor mock configured", cfg.DeviceID)
	}

	session := NewSession(cfg, tr, m.bus, m.logger)
	m.sessions[cfg.DeviceID] = session
	session.Start(ctx)

	m.logger.Info("Device session started",
		zap.String("device_id", cfg.DeviceID),
		zap.String("port", cfg.Port),
		zap.Bool("mock", cfg.Mock),
	)
	return nil
}

// Stop shuts every session down, waiting up to the context deadline.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	var firstErr error
	for _, s := range sessions {
		if err := s.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Get returns the session for a device ID.
func (m *Manager) Get(deviceID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[deviceID]
	if !ok {
		return nil, &DeviceUnavailableError{DeviceID: deviceID, Reason: "not registered"}
	}
	return s, nil
}

// List returns a status snapshot per registered device, ordered by ID.
func (m *Manager) List() []Status {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	statuses := make([]Status, 0, len(sessions))
	for _, s := range sessions {
		statuses = append(statuses, s.Snapshot())
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].DeviceID < statuses[j].DeviceID
	})
	return statuses
}

// Submit queues a command on the named device and waits for its result.
func (m *Manager) Submit(ctx context.Context, deviceID string, cmd *Command) (CommandResult, error) {
	s, err := m.Get(deviceID)
	if err != nil {
		return CommandResult{}, err
	}
	return s.Submit(ctx, cmd)
}
