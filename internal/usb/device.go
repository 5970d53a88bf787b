// internal/usb/device.go
package usb

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rogovsky/openhantek-1/internal/hantek"
	"github.com/rogovsky/openhantek-1/internal/hantek/models"
)

// Default transfer tuning. Sample reads run with a single attempt and a
// short timeout so a stalled capture surfaces quickly.
const (
	DefaultAttempts      = 3
	DefaultAttemptsMulti = 1
	DefaultTimeout       = 500 * time.Millisecond
	DefaultTimeoutMulti  = 100 * time.Millisecond
	DefaultEndpointOut   = 0x02
	DefaultEndpointIn    = 0x86
)

// UnlimitedAttempts makes a transfer retry on timeout until it succeeds
// or fails hard
const UnlimitedAttempts = -1

// Config tunes the transfer behavior of a Device
type Config struct {
	Attempts      int
	AttemptsMulti int
	Timeout       time.Duration
	TimeoutMulti  time.Duration
	EndpointOut   uint8
	EndpointIn    uint8
}

// DefaultConfig returns the transfer tuning the hardware is known to
// work with
func DefaultConfig() Config {
	return Config{
		Attempts:      DefaultAttempts,
		AttemptsMulti: DefaultAttemptsMulti,
		Timeout:       DefaultTimeout,
		TimeoutMulti:  DefaultTimeoutMulti,
		EndpointOut:   DefaultEndpointOut,
		EndpointIn:    DefaultEndpointIn,
	}
}

// Device drives one oscilloscope through a Backend. A single goroutine
// owns a Device; only Disconnected is meant to be watched from elsewhere.
type Device struct {
	backend Backend
	model   *models.Model
	config  Config
	logger  *zap.Logger

	beginCommand *hantek.ControlBeginCommand

	connected     bool
	needsFirmware bool
	bulkEnabled   bool
	iface         int
	outPacketSize int
	inPacketSize  int

	disconnected chan struct{}
	notifyOnce   sync.Once
}

// NewDevice creates a device handle for the given model over the given
// backend. The device starts disconnected.
func NewDevice(backend Backend, model *models.Model, config Config, logger *zap.Logger) *Device {
	info := backend.Info()
	return &Device{
		backend: backend,
		model:   model,
		config:  config,
		logger: logger.With(
			zap.String("model", model.Name),
			zap.String("device", info.String()),
		),
		beginCommand: hantek.NewControlBeginCommand(hantek.CommandIndex0),
		bulkEnabled:  !model.Spec.UseControlNoBulk,
		disconnected: make(chan struct{}),
	}
}

// Model returns the hardware model the device was created for
func (d *Device) Model() *models.Model { return d.model }

// Backend returns the raw bus access of the device. The firmware loader
// flashes a pre-firmware device through it before Connect can succeed.
func (d *Device) Backend() Backend { return d.backend }

// Info returns the bus identity of the device
func (d *Device) Info() DeviceInfo { return d.backend.Info() }

// Connected reports whether the device is open and claimed
func (d *Device) Connected() bool { return d.connected }

// NeedsFirmware reports whether the device enumerated with its
// pre-firmware identity
func (d *Device) NeedsFirmware() bool { return d.needsFirmware }

// Disconnected returns a channel that is closed once when the device is
// disconnected or lost
func (d *Device) Disconnected() <-chan struct{} { return d.disconnected }

// Connect opens the device and claims its bulk interface. Connecting an
// already connected device is a no-op. A device that still runs the bare
// EZ-USB bootloader is not touched; it is flagged as needing firmware
// instead.
func (d *Device) Connect() error {
	if d.connected {
		return nil
	}

	info := d.backend.Info()
	if !d.model.HasFirmware(info.VendorID, info.ProductID) {
		if !d.model.MatchesRaw(info.VendorID, info.ProductID) {
			return fmt.Errorf("device %s does not match model %s", info, d.model.Name)
		}
		d.needsFirmware = true
		d.logger.Info("Device needs firmware upload")
		return nil
	}
	d.needsFirmware = false

	if err := d.backend.Open(); err != nil {
		return fmt.Errorf("failed to open device: %w", err)
	}

	interfaces, err := d.backend.Interfaces()
	if err != nil {
		d.backend.Close()
		return fmt.Errorf("failed to read interfaces: %w", err)
	}

	claimed := false
	for _, iface := range interfaces {
		// The scope exposes one vendor specific interface with the two
		// bulk endpoints on it
		if iface.Class != 0xff || iface.SubClass != 0 || iface.Protocol != 0 {
			continue
		}
		if len(iface.Endpoints) != 2 {
			continue
		}
		if err := d.backend.ClaimInterface(iface.Number); err != nil {
			d.backend.Close()
			return fmt.Errorf("failed to claim interface %d: %w", iface.Number, err)
		}
		d.iface = iface.Number
		for _, ep := range iface.Endpoints {
			switch ep.Address {
			case d.config.EndpointOut:
				d.outPacketSize = ep.MaxPacketSize
			case d.config.EndpointIn:
				d.inPacketSize = ep.MaxPacketSize
			}
		}
		claimed = true
		break
	}
	if !claimed {
		d.backend.Close()
		return fmt.Errorf("no bulk interface found on device %s", info)
	}

	if d.model.InPacketSizeOverride > 0 {
		d.inPacketSize = d.model.InPacketSizeOverride
	}

	d.connected = true
	d.logger.Info("Device connected",
		zap.Int("interface", d.iface),
		zap.Int("out_packet_size", d.outPacketSize),
		zap.Int("in_packet_size", d.inPacketSize),
	)
	return nil
}

// Disconnect releases the interface and closes the device. Disconnecting
// again is a no-op; the Disconnected channel is closed at most once.
func (d *Device) Disconnect() {
	if !d.connected {
		return
	}
	d.connected = false
	if err := d.backend.ReleaseInterface(d.iface); err != nil {
		d.logger.Warn("Failed to release interface", zap.Error(err))
	}
	if err := d.backend.Close(); err != nil {
		d.logger.Warn("Failed to close device", zap.Error(err))
	}
	d.logger.Info("Device disconnected")
	d.notifyDisconnect()
}

// connectionLost tears the handle down after the hardware vanished from
// the bus
func (d *Device) connectionLost() {
	if !d.connected {
		return
	}
	d.connected = false
	d.backend.Close()
	d.logger.Warn("Device connection lost")
	d.notifyDisconnect()
}

func (d *Device) notifyDisconnect() {
	d.notifyOnce.Do(func() { close(d.disconnected) })
}

// SetBulkEnabled switches bulk command delivery on or off. With bulk
// disabled BulkCommand succeeds without touching the bus, which is how
// the control-only models are driven.
func (d *Device) SetBulkEnabled(enabled bool) { d.bulkEnabled = enabled }

// OverrideInPacketSize replaces the endpoint packet size used to chunk
// multi packet sample reads
func (d *Device) OverrideInPacketSize(size int) { d.inPacketSize = size }

// InPacketSize returns the chunk size of multi packet sample reads
func (d *Device) InPacketSize() int { return d.inPacketSize }

// BulkTransfer moves len(p) bytes through the given endpoint, retrying
// timeouts up to the given attempt count. UnlimitedAttempts retries until
// the transfer succeeds or fails with something other than a timeout. A
// vanished device marks the connection lost.
func (d *Device) BulkTransfer(endpoint uint8, p []byte, attempts int, timeout time.Duration) (int, error) {
	if !d.connected {
		return 0, ErrNoDevice
	}
	var err error
	for attempt := 0; attempts < 0 || attempt < attempts; attempt++ {
		var n int
		n, err = d.backend.BulkTransfer(endpoint, p, timeout)
		if err == nil {
			return n, nil
		}
		if errors.Is(err, ErrNoDevice) {
			d.connectionLost()
			return 0, err
		}
		if !errors.Is(err, ErrTimeout) {
			return 0, err
		}
	}
	return 0, err
}

// BulkWrite sends a bulk packet to the out endpoint. The connection speed
// is probed first; the hardware misbehaves when written before it
// answered a speed request.
func (d *Device) BulkWrite(p []byte) (int, error) {
	if _, err := d.ConnectionSpeed(); err != nil {
		return 0, err
	}
	return d.BulkTransfer(d.config.EndpointOut, p, d.config.Attempts, d.config.Timeout)
}

// BulkRead reads one bulk packet from the in endpoint
func (d *Device) BulkRead(p []byte) (int, error) {
	if _, err := d.ConnectionSpeed(); err != nil {
		return 0, err
	}
	return d.BulkTransfer(d.config.EndpointIn, p, d.config.Attempts, d.config.Timeout)
}

// BulkCommand announces a bulk command with a begin-command control
// request and then sends the packet itself
func (d *Device) BulkCommand(command hantek.Command, attempts int) (int, error) {
	if !d.connected {
		return 0, ErrNoDevice
	}
	if !d.bulkEnabled {
		return 0, nil
	}
	_, err := d.ControlWrite(uint8(hantek.ControlCodeBeginCommand), 0, 0, d.beginCommand.Bytes())
	if err != nil {
		return 0, err
	}
	if _, err := d.ConnectionSpeed(); err != nil {
		return 0, err
	}
	return d.BulkTransfer(d.config.EndpointOut, command.Bytes(), attempts, d.config.Timeout)
}

// BulkReadMulti fills p from the in endpoint in packet sized chunks. The
// read ends at the first short chunk. Partial data beats a late error:
// when anything arrived the byte count is returned without an error.
func (d *Device) BulkReadMulti(p []byte) (int, error) {
	if !d.connected {
		return 0, ErrNoDevice
	}
	received := 0
	chunk := d.inPacketSize
	var lastErr error
	for received < len(p) && chunk == d.inPacketSize {
		size := d.inPacketSize
		if remaining := len(p) - received; remaining < size {
			size = remaining
		}
		chunk, lastErr = d.BulkTransfer(d.config.EndpointIn, p[received:received+size],
			d.config.AttemptsMulti, d.config.TimeoutMulti)
		if lastErr != nil {
			break
		}
		received += chunk
	}
	if received > 0 {
		return received, nil
	}
	return 0, lastErr
}

// ControlTransfer performs a vendor control request with the same timeout
// retry semantics as BulkTransfer
func (d *Device) ControlTransfer(requestType, request uint8, value, index uint16, p []byte, attempts int) (int, error) {
	if !d.connected {
		return 0, ErrNoDevice
	}
	var err error
	for attempt := 0; attempts < 0 || attempt < attempts; attempt++ {
		var n int
		n, err = d.backend.ControlTransfer(requestType, request, value, index, p, d.config.Timeout)
		if err == nil {
			return n, nil
		}
		if errors.Is(err, ErrNoDevice) {
			d.connectionLost()
			return 0, err
		}
		if !errors.Is(err, ErrTimeout) {
			return 0, err
		}
	}
	return 0, err
}

// ControlWrite sends a vendor control request to the device
func (d *Device) ControlWrite(request uint8, value, index uint16, p []byte) (int, error) {
	return d.ControlTransfer(ControlOut|ControlVendor, request, value, index, p, d.config.Attempts)
}

// ControlRead reads the response of a vendor control request
func (d *Device) ControlRead(request uint8, value, index uint16, p []byte) (int, error) {
	return d.ControlTransfer(ControlIn|ControlVendor, request, value, index, p, d.config.Attempts)
}

// ConnectionSpeed asks the device how it is enumerated
func (d *Device) ConnectionSpeed() (hantek.ConnectionSpeed, error) {
	response := hantek.NewControlGetSpeed()
	if _, err := d.ControlRead(uint8(hantek.ControlCodeGetSpeed), 0, 0, response.Bytes()); err != nil {
		return 0, fmt.Errorf("failed to get connection speed: %w", err)
	}
	return response.Speed(), nil
}

// PacketSize returns the bulk packet size implied by the connection
// speed. A speed value beyond high speed means the protocol tables of
// this package no longer fit the hardware, so it panics instead of
// limping on.
func (d *Device) PacketSize() (int, error) {
	speed, err := d.ConnectionSpeed()
	if err != nil {
		return 0, err
	}
	switch speed {
	case hantek.ConnectionFullSpeed:
		return 64, nil
	case hantek.ConnectionHighSpeed:
		return 512, nil
	}
	panic(fmt.Sprintf("unknown usb connection speed %d", speed))
}
