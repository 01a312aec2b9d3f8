package channel

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/c360/provstation/metric"
	"github.com/c360/provstation/pkg/retry"
	"github.com/c360/provstation/state"
)

// Manager owns the live channels for one workflow, at most one per device.
// Opening a channel for a device that already has one tears the old one
// down first.
type Manager struct {
	store   *state.Store
	sink    Sink
	metrics *metric.Metrics
	logger  *slog.Logger
	dialer  *websocket.Dialer
	retry   retry.Config

	mu       sync.Mutex
	channels map[string]*Channel
}

// NewManager creates a channel manager. metrics may be nil.
func NewManager(store *state.Store, sink Sink, metrics *metric.Metrics, logger *slog.Logger) *Manager {
	return &Manager{
		store:    store,
		sink:     sink,
		metrics:  metrics,
		logger:   logger,
		channels: make(map[string]*Channel),
	}
}

// SetRetry overrides the reconnect schedule for all channels opened after
// the call. Used by tests.
func (m *Manager) SetRetry(cfg retry.Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retry = cfg
}

// Open connects a channel for the device's new deployment, replacing any
// prior channel for the same device
func (m *Manager) Open(ctx context.Context, deviceID, deploymentID, url string) (*Channel, error) {
	m.mu.Lock()
	if prior, ok := m.channels[deviceID]; ok {
		prior.Disconnect()
		delete(m.channels, deviceID)
	}
	retryCfg := m.retry
	m.mu.Unlock()

	ch := New(deviceID, deploymentID, url, Options{
		Store:   m.store,
		Sink:    m.sink,
		Metrics: m.metrics,
		Logger:  m.logger,
		Dialer:  m.dialer,
		Retry:   retryCfg,
	})
	if err := ch.Connect(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.channels[deviceID] = ch
	m.mu.Unlock()
	return ch, nil
}

// Disconnect tears down the device's channel if one exists. Idempotent.
func (m *Manager) Disconnect(deviceID string) {
	m.mu.Lock()
	ch, ok := m.channels[deviceID]
	if ok {
		delete(m.channels, deviceID)
	}
	m.mu.Unlock()
	if ok {
		ch.Disconnect()
	}
}

// Active reports whether the device currently has a channel
func (m *Manager) Active(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.channels[deviceID]
	return ok
}

// Get returns the device's channel, if any
func (m *Manager) Get(deviceID string) (*Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[deviceID]
	return ch, ok
}

// CloseAll disconnects every channel, used on workflow teardown
func (m *Manager) CloseAll() {
	m.mu.Lock()
	channels := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.channels = make(map[string]*Channel)
	m.mu.Unlock()

	for _, ch := range channels {
		ch.Disconnect()
	}
}
