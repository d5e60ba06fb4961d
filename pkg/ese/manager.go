package ese

import (
	"fmt"
	"sort"
	"sync"

	"avaneesh/ese-go/pkg/channel"
	"avaneesh/ese-go/pkg/device"
	"avaneesh/ese-go/pkg/internal/logger"
	"avaneesh/ese-go/pkg/t1"
)

// Manager is the root object for secure element access.
// It owns the channel and T=1 session of every registered device.
type Manager struct {
	devices map[string]*device.Device
	mu      sync.RWMutex
	logger  logger.Logger
}

// NewManager creates a new manager
func NewManager() *Manager {
	return NewManagerWithLogger(logger.GetDefault())
}

// NewManagerWithLogger creates a new manager with custom logger
func NewManagerWithLogger(log logger.Logger) *Manager {
	if log == nil {
		log = logger.NewNoOpLogger()
	}

	return &Manager{
		devices: make(map[string]*device.Device),
		logger:  log,
	}
}

// AddDevice registers a secure element reached over ch. The manager takes
// ownership of ch and closes it when the device is removed.
func (m *Manager) AddDevice(id string, ch channel.Channel, config DeviceConfig) (*device.Device, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.devices[id]; exists {
		return nil, fmt.Errorf("device %s already exists", id)
	}

	sess := t1.Open(config.SendAddress, config.ReceiveAddress, ch,
		t1.WithConfig(config.Session),
		t1.WithLogger(m.logger),
	)

	opts := []device.Option{
		device.WithLogger(m.logger),
		device.WithMaxAgain(config.MaxAgain),
		device.WithMaxResponse(config.Session.MaxResponseSize),
	}
	if config.PowerOn != nil {
		opts = append(opts, device.WithPowerOn(config.PowerOn))
	}
	if config.PowerOff != nil {
		opts = append(opts, device.WithPowerOff(config.PowerOff))
	}
	if config.InterfaceReset != nil {
		opts = append(opts, device.WithInterfaceReset(config.InterfaceReset))
	}

	dev := device.New(ch, sess, opts...)
	m.devices[id] = dev
	m.logger.Info("Manager: Added device %s", id)

	return dev, nil
}

// Dial opens a channel from chConfig and registers the device on it
func (m *Manager) Dial(id string, chConfig channel.Config, config DeviceConfig) (*device.Device, error) {
	ch, err := channel.New(chConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	dev, err := m.AddDevice(id, ch, config)
	if err != nil {
		ch.Close()
		return nil, err
	}
	return dev, nil
}

// RemoveDevice shuts a device down and forgets it
func (m *Manager) RemoveDevice(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dev, exists := m.devices[id]
	if !exists {
		return fmt.Errorf("device %s not found", id)
	}

	if err := dev.Shutdown(); err != nil {
		m.logger.Error("Error closing device %s: %v", id, err)
	}

	delete(m.devices, id)
	m.logger.Info("Manager: Removed device %s", id)
	return nil
}

// GetDevice returns a device by ID
func (m *Manager) GetDevice(id string) (*device.Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	dev, exists := m.devices[id]
	return dev, exists
}

// Devices returns the registered device IDs in order
func (m *Manager) Devices() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.devices))
	for id := range m.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Statistics returns the statistics of one device
func (m *Manager) Statistics(id string) (DeviceStatistics, bool) {
	dev, ok := m.GetDevice(id)
	if !ok {
		return DeviceStatistics{}, false
	}
	return NewDeviceStatistics(id, dev), true
}

// Shutdown shuts down the manager and all devices
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Info("Manager: Shutting down")

	for id, dev := range m.devices {
		if err := dev.Shutdown(); err != nil {
			m.logger.Error("Error closing device %s: %v", id, err)
		}
	}

	m.devices = make(map[string]*device.Device)
	m.logger.Info("Manager: Shutdown complete")
	return nil
}

// DeviceCount returns the number of devices
func (m *Manager) DeviceCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.devices)
}

// SetLogger sets the logger for devices added from now on
func (m *Manager) SetLogger(log logger.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger = log
}
