// internal/usb/gousb.go
package usb

import (
	"context"
	"errors"
	"time"

	"github.com/google/gousb"
)

// GousbBackend implements Backend on top of the gousb library. The
// device is located again by bus position on Open, so a backend can be
// created from a plain enumeration pass that opened nothing.
type GousbBackend struct {
	ctx  *gousb.Context
	desc *gousb.DeviceDesc

	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	in   map[int]*gousb.InEndpoint
	out  map[int]*gousb.OutEndpoint
}

// NewGousbBackend wraps a descriptor collected during enumeration
func NewGousbBackend(ctx *gousb.Context, desc *gousb.DeviceDesc) *GousbBackend {
	return &GousbBackend{
		ctx:  ctx,
		desc: desc,
		in:   make(map[int]*gousb.InEndpoint),
		out:  make(map[int]*gousb.OutEndpoint),
	}
}

// Info returns the bus identity of the device
func (b *GousbBackend) Info() DeviceInfo {
	return DeviceInfo{
		Bus:       b.desc.Bus,
		Address:   b.desc.Address,
		VendorID:  uint16(b.desc.Vendor),
		ProductID: uint16(b.desc.Product),
	}
}

func (b *GousbBackend) firstConfig() int {
	first := -1
	for number := range b.desc.Configs {
		if first < 0 || number < first {
			first = number
		}
	}
	return first
}

// Interfaces lists the interfaces of the first configuration with their
// default alternate setting
func (b *GousbBackend) Interfaces() ([]InterfaceInfo, error) {
	cfg, ok := b.desc.Configs[b.firstConfig()]
	if !ok {
		return nil, ErrNotFound
	}
	var interfaces []InterfaceInfo
	for _, intf := range cfg.Interfaces {
		if len(intf.AltSettings) == 0 {
			continue
		}
		alt := intf.AltSettings[0]
		info := InterfaceInfo{
			Number:   intf.Number,
			Class:    uint8(alt.Class),
			SubClass: uint8(alt.SubClass),
			Protocol: uint8(alt.Protocol),
		}
		for _, ep := range alt.Endpoints {
			info.Endpoints = append(info.Endpoints, EndpointInfo{
				Address:       uint8(ep.Address),
				MaxPacketSize: ep.MaxPacketSize,
			})
		}
		interfaces = append(interfaces, info)
	}
	return interfaces, nil
}

// Open locates the device by its bus position and opens it
func (b *GousbBackend) Open() error {
	if b.dev != nil {
		return nil
	}
	devices, err := b.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Bus == b.desc.Bus && desc.Address == b.desc.Address
	})
	if err != nil {
		for _, dev := range devices {
			dev.Close()
		}
		return mapUSBError(err)
	}
	if len(devices) == 0 {
		return ErrNoDevice
	}
	for _, dev := range devices[1:] {
		dev.Close()
	}
	b.dev = devices[0]
	// Kernel driver detach is not available on every platform
	if err := b.dev.SetAutoDetach(true); err != nil && !errors.Is(err, gousb.ErrorNotSupported) {
		b.dev.Close()
		b.dev = nil
		return mapUSBError(err)
	}
	return nil
}

// Close releases everything claimed from the device and closes it
func (b *GousbBackend) Close() error {
	b.in = make(map[int]*gousb.InEndpoint)
	b.out = make(map[int]*gousb.OutEndpoint)
	if b.intf != nil {
		b.intf.Close()
		b.intf = nil
	}
	if b.cfg != nil {
		b.cfg.Close()
		b.cfg = nil
	}
	if b.dev != nil {
		err := b.dev.Close()
		b.dev = nil
		return mapUSBError(err)
	}
	return nil
}

// ClaimInterface claims the given interface in its default alternate
// setting
func (b *GousbBackend) ClaimInterface(number int) error {
	if b.dev == nil {
		return ErrNoDevice
	}
	if b.cfg == nil {
		cfg, err := b.dev.Config(b.firstConfig())
		if err != nil {
			return mapUSBError(err)
		}
		b.cfg = cfg
	}
	intf, err := b.cfg.Interface(number, 0)
	if err != nil {
		return mapUSBError(err)
	}
	b.intf = intf
	return nil
}

// ReleaseInterface releases a claimed interface and drops its endpoints
func (b *GousbBackend) ReleaseInterface(number int) error {
	if b.intf == nil {
		return nil
	}
	b.in = make(map[int]*gousb.InEndpoint)
	b.out = make(map[int]*gousb.OutEndpoint)
	b.intf.Close()
	b.intf = nil
	return nil
}

func (b *GousbBackend) inEndpoint(number int) (*gousb.InEndpoint, error) {
	if ep, ok := b.in[number]; ok {
		return ep, nil
	}
	if b.intf == nil {
		return nil, ErrNotFound
	}
	ep, err := b.intf.InEndpoint(number)
	if err != nil {
		return nil, mapUSBError(err)
	}
	b.in[number] = ep
	return ep, nil
}

func (b *GousbBackend) outEndpoint(number int) (*gousb.OutEndpoint, error) {
	if ep, ok := b.out[number]; ok {
		return ep, nil
	}
	if b.intf == nil {
		return nil, ErrNotFound
	}
	ep, err := b.intf.OutEndpoint(number)
	if err != nil {
		return nil, mapUSBError(err)
	}
	b.out[number] = ep
	return ep, nil
}

// BulkTransfer moves data through the given endpoint. Bit 7 of the
// endpoint address selects the direction.
func (b *GousbBackend) BulkTransfer(endpoint uint8, p []byte, timeout time.Duration) (int, error) {
	if b.dev == nil {
		return 0, ErrNoDevice
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if endpoint&ControlIn != 0 {
		ep, err := b.inEndpoint(int(endpoint & 0x0f))
		if err != nil {
			return 0, err
		}
		n, err := ep.ReadContext(ctx, p)
		return n, mapTransferError(ctx, err)
	}
	ep, err := b.outEndpoint(int(endpoint & 0x0f))
	if err != nil {
		return 0, err
	}
	n, err := ep.WriteContext(ctx, p)
	return n, mapTransferError(ctx, err)
}

// ControlTransfer performs a control request on endpoint zero
func (b *GousbBackend) ControlTransfer(requestType, request uint8, value, index uint16, p []byte, timeout time.Duration) (int, error) {
	if b.dev == nil {
		return 0, ErrNoDevice
	}
	b.dev.ControlTimeout = timeout
	n, err := b.dev.Control(requestType, request, value, index, p)
	return n, mapUSBError(err)
}

// mapUSBError folds gousb errors onto the Code values of this package.
// gousb shares the libusb numbering, so its errors convert directly.
func mapUSBError(err error) error {
	if err == nil {
		return nil
	}
	var code gousb.Error
	if errors.As(err, &code) {
		return Code(code)
	}
	var status gousb.TransferStatus
	if errors.As(err, &status) {
		switch status {
		case gousb.TransferTimedOut:
			return ErrTimeout
		case gousb.TransferNoDevice:
			return ErrNoDevice
		case gousb.TransferStall:
			return ErrPipe
		case gousb.TransferCancelled:
			return ErrInterrupted
		case gousb.TransferOverflow:
			return ErrOverflow
		}
		return ErrIO
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}

// mapTransferError treats a transfer that died with its context deadline
// as a plain timeout, the way the synchronous libusb API reports it
func mapTransferError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return mapUSBError(err)
}
