// internal/dso/service.go
package dso

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/rogovsky/openhantek-1/internal/firmware"
	"github.com/rogovsky/openhantek-1/internal/hantek/models"
	"github.com/rogovsky/openhantek-1/internal/usb"
)

// Enumerator lists the supported devices currently on the bus
type Enumerator func() ([]*usb.Device, error)

var (
	// ErrDeviceNotFound reports an unknown device id
	ErrDeviceNotFound = errors.New("device not found")

	// ErrAlreadyConnected reports a connect on a device already in use
	ErrAlreadyConnected = errors.New("device already connected")

	// ErrFirmwareUploaded reports that a device received its firmware
	// instead of a connection. It renumerates and has to be rediscovered.
	ErrFirmwareUploaded = errors.New("firmware uploaded, device renumerates")
)

// DeviceState is the external view of one tracked device
type DeviceState struct {
	ID            string  `json:"id"`
	Model         string  `json:"model"`
	VendorID      uint16  `json:"vendor_id"`
	ProductID     uint16  `json:"product_id"`
	Bus           int     `json:"bus"`
	Address       int     `json:"address"`
	NeedsFirmware bool    `json:"needs_firmware"`
	Connected     bool    `json:"connected"`
	Speed         string  `json:"speed,omitempty"`
	PacketSize    int     `json:"packet_size,omitempty"`
	Sampling      bool    `json:"sampling"`
	Samplerate    float64 `json:"samplerate,omitempty"`
	// RecordLength is 0 while the device captures in roll mode
	RecordLength int `json:"record_length,omitempty"`
}

type managedDevice struct {
	device  *usb.Device
	control *Control
	cancel  context.CancelFunc
	done    chan struct{}
}

// Service tracks the oscilloscopes on the bus and runs one acquisition
// loop per connected device. Device handles are single use: once a
// device is disconnected its entry is dropped and the next Refresh
// tracks it again with a fresh handle.
type Service struct {
	enumerate Enumerator
	loader    *firmware.Loader
	config    Config
	logger    *zap.Logger

	mu      sync.Mutex
	devices map[string]*managedDevice
}

// NewService creates a device manager scanning the bus with the given
// enumerator
func NewService(enumerate Enumerator, loader *firmware.Loader, config Config, logger *zap.Logger) *Service {
	return &Service{
		enumerate: enumerate,
		loader:    loader,
		config:    config,
		logger:    logger,
		devices:   make(map[string]*managedDevice),
	}
}

// DeviceID derives the bus identity a device is addressed by. It stays
// stable until the device is replugged or renumerates.
func DeviceID(info usb.DeviceInfo) string {
	return fmt.Sprintf("%d-%d", info.Bus, info.Address)
}

// Refresh rescans the bus. New devices are tracked, vanished ones are
// dropped and finished acquisitions are cleaned up. Devices in use keep
// their entry until their acquisition loop has ended.
func (s *Service) Refresh() error {
	found, err := s.enumerate()
	if err != nil {
		return fmt.Errorf("scanning for devices: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, managed := range s.devices {
		if managed.done == nil {
			continue
		}
		select {
		case <-managed.done:
			delete(s.devices, id)
			s.logger.Info("Dropped finished acquisition", zap.String("id", id))
		default:
		}
	}

	seen := make(map[string]bool, len(found))
	for _, device := range found {
		id := DeviceID(device.Info())
		seen[id] = true
		if _, ok := s.devices[id]; ok {
			continue
		}
		s.devices[id] = &managedDevice{device: device}
		s.logger.Info("Tracking device",
			zap.String("id", id),
			zap.String("model", device.Model().Name),
		)
	}

	for id, managed := range s.devices {
		if seen[id] || managed.done != nil {
			continue
		}
		delete(s.devices, id)
		s.logger.Info("Device gone", zap.String("id", id))
	}
	return nil
}

// List returns the state of all tracked devices ordered by id
func (s *Service) List() []DeviceState {
	s.mu.Lock()
	defer s.mu.Unlock()

	states := make([]DeviceState, 0, len(s.devices))
	for id, managed := range s.devices {
		states = append(states, deviceState(id, managed))
	}
	sort.Slice(states, func(i, j int) bool { return states[i].ID < states[j].ID })
	return states
}

// Get returns the state of one tracked device
func (s *Service) Get(id string) (DeviceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	managed, ok := s.devices[id]
	if !ok {
		return DeviceState{}, ErrDeviceNotFound
	}
	return deviceState(id, managed), nil
}

// Control returns the acquisition control of a connected device
func (s *Service) Control(id string) (*Control, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	managed, ok := s.devices[id]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	if managed.control == nil || !managed.device.Connected() {
		return nil, ErrNotConnected
	}
	return managed.control, nil
}

// Connect opens a device and starts its acquisition loop. A device
// still running the bare bootloader gets its firmware uploaded instead
// and ErrFirmwareUploaded is returned; after renumeration the device
// shows up as a new entry.
func (s *Service) Connect(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	managed, ok := s.devices[id]
	if !ok {
		return ErrDeviceNotFound
	}
	device := managed.device
	if device.Connected() {
		return ErrAlreadyConnected
	}

	if err := device.Connect(); err != nil {
		return fmt.Errorf("connecting %s: %w", device.Model().Name, err)
	}

	if device.NeedsFirmware() {
		err := s.loader.Upload(device.Backend(), device.Model().FirmwareToken)
		device.Disconnect()
		delete(s.devices, id)
		if err != nil {
			return fmt.Errorf("firmware upload for %s: %w", device.Model().Name, err)
		}
		return ErrFirmwareUploaded
	}

	control := NewControl(device, s.config, s.logger)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	managed.control = control
	managed.cancel = cancel
	managed.done = done

	go func() {
		defer close(done)
		if err := control.Run(ctx); err != nil {
			s.logger.Error("Acquisition stopped on error",
				zap.String("id", id), zap.Error(err))
		}
		device.Disconnect()
	}()

	s.logger.Info("Device connected",
		zap.String("id", id), zap.String("model", device.Model().Name))
	return nil
}

// Disconnect stops the acquisition loop of a device, closes it and
// drops its entry. The next Refresh tracks the device again.
func (s *Service) Disconnect(id string) error {
	s.mu.Lock()
	managed, ok := s.devices[id]
	if !ok {
		s.mu.Unlock()
		return ErrDeviceNotFound
	}
	if managed.cancel == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	cancel, done := managed.cancel, managed.done
	delete(s.devices, id)
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("Device disconnected", zap.String("id", id))
	return nil
}

// Close stops all acquisition loops and disconnects every device
func (s *Service) Close() {
	s.mu.Lock()
	var waits []chan struct{}
	for _, managed := range s.devices {
		if managed.cancel == nil {
			continue
		}
		managed.cancel()
		waits = append(waits, managed.done)
	}
	s.devices = make(map[string]*managedDevice)
	s.mu.Unlock()

	for _, done := range waits {
		<-done
	}
}

func deviceState(id string, managed *managedDevice) DeviceState {
	device := managed.device
	info := device.Info()
	state := DeviceState{
		ID:        id,
		Model:     device.Model().Name,
		VendorID:  info.VendorID,
		ProductID: info.ProductID,
		Bus:       info.Bus,
		Address:   info.Address,
		NeedsFirmware: device.NeedsFirmware() ||
			!device.Model().HasFirmware(info.VendorID, info.ProductID),
		Connected: device.Connected(),
	}
	if state.Connected {
		state.PacketSize = device.InPacketSize()
		state.Speed = "full"
		if state.PacketSize >= 512 {
			state.Speed = "high"
		}
	}
	if state.Connected && managed.control != nil {
		state.Sampling = managed.control.Sampling()
		state.Samplerate = managed.control.Samplerate()
		if length := managed.control.RecordLength(); length != int(models.RollingRecordLength) {
			state.RecordLength = length
		}
	}
	return state
}
