// internal/usb/backend.go
package usb

import (
	"fmt"
	"time"
)

// Control request type bits (bmRequestType)
const (
	ControlOut    uint8 = 0x00
	ControlIn     uint8 = 0x80
	ControlVendor uint8 = 0x40
)

// DeviceInfo identifies one physical device on the bus
type DeviceInfo struct {
	Bus       int
	Address   int
	VendorID  uint16
	ProductID uint16
}

func (i DeviceInfo) String() string {
	return fmt.Sprintf("%04x:%04x at bus %d addr %d", i.VendorID, i.ProductID, i.Bus, i.Address)
}

// EndpointInfo describes one endpoint of an interface setting
type EndpointInfo struct {
	Address       uint8
	MaxPacketSize int
}

// InterfaceInfo describes one interface of the active configuration
type InterfaceInfo struct {
	Number    int
	Class     uint8
	SubClass  uint8
	Protocol  uint8
	Endpoints []EndpointInfo
}

// Backend is the raw bus access a Device drives. The production
// implementation wraps gousb; tests substitute a scripted fake.
// Implementations report failures as Code values so the retry and
// disconnect logic can classify them.
type Backend interface {
	// Info returns the bus identity of the device
	Info() DeviceInfo
	// Interfaces lists the interfaces of the first configuration
	Interfaces() ([]InterfaceInfo, error)
	Open() error
	Close() error
	ClaimInterface(number int) error
	ReleaseInterface(number int) error
	// BulkTransfer moves len(p) bytes through the given endpoint and
	// returns the transferred byte count
	BulkTransfer(endpoint uint8, p []byte, timeout time.Duration) (int, error)
	// ControlTransfer performs a control request on endpoint zero
	ControlTransfer(requestType, request uint8, value, index uint16, p []byte, timeout time.Duration) (int, error)
}
