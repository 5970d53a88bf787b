// internal/dso/service_test.go
package dso

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/rogovsky/openhantek-1/internal/firmware"
	"github.com/rogovsky/openhantek-1/internal/hantek/models"
	"github.com/rogovsky/openhantek-1/internal/usb"
)

// enumeratorFor scans the given backends as a fake bus. Every call
// wraps them in fresh device handles, like a real bus walk does.
func enumeratorFor(bus *[]*fakeBackend) Enumerator {
	return func() ([]*usb.Device, error) {
		devices := make([]*usb.Device, 0, len(*bus))
		for _, backend := range *bus {
			model := models.ByFlashedID(backend.info.VendorID, backend.info.ProductID)
			if model == nil {
				model = models.ByRawID(backend.info.VendorID, backend.info.ProductID)
			}
			if model == nil {
				continue
			}
			devices = append(devices, usb.NewDevice(backend, model, usb.DefaultConfig(), zap.NewNop()))
		}
		return devices, nil
	}
}

func newTestService(t *testing.T, bus *[]*fakeBackend) *Service {
	t.Helper()
	loader := firmware.NewLoader(t.TempDir(), zap.NewNop())
	return NewService(enumeratorFor(bus), loader, DefaultConfig(), zap.NewNop())
}

func TestRefreshTracksAndDrops(t *testing.T) {
	bus := []*fakeBackend{newFakeBackend(0x04b5, 0x2090)}
	s := newTestService(t, &bus)

	if err := s.Refresh(); err != nil {
		t.Fatalf("Refresh() = %v", err)
	}
	states := s.List()
	if len(states) != 1 {
		t.Fatalf("List() has %d entries, want 1", len(states))
	}
	state := states[0]
	if state.ID != "1-4" {
		t.Errorf("ID = %q, want %q", state.ID, "1-4")
	}
	if state.Model != "DSO-2090" {
		t.Errorf("Model = %q, want %q", state.Model, "DSO-2090")
	}
	if state.Connected {
		t.Error("Connected = true before Connect")
	}
	if state.NeedsFirmware {
		t.Error("NeedsFirmware = true for a flashed device")
	}

	bus = bus[:0]
	if err := s.Refresh(); err != nil {
		t.Fatalf("Refresh() = %v", err)
	}
	if remaining := s.List(); len(remaining) != 0 {
		t.Errorf("List() has %d entries after the device left, want 0", len(remaining))
	}
	if _, err := s.Get("1-4"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Get() = %v, want ErrDeviceNotFound", err)
	}
}

func TestRefreshReportsScanError(t *testing.T) {
	enumerate := func() ([]*usb.Device, error) { return nil, errors.New("bus walk failed") }
	s := NewService(enumerate, firmware.NewLoader(t.TempDir(), zap.NewNop()),
		DefaultConfig(), zap.NewNop())

	if err := s.Refresh(); err == nil {
		t.Error("Refresh() = nil, want the scan error")
	}
}

func TestConnectLifecycle(t *testing.T) {
	bus := []*fakeBackend{newFakeBackend(0x04b5, 0x2090)}
	s := newTestService(t, &bus)
	if err := s.Refresh(); err != nil {
		t.Fatalf("Refresh() = %v", err)
	}

	if err := s.Connect("1-4"); err != nil {
		t.Fatalf("Connect() = %v", err)
	}
	defer s.Close()

	state, err := s.Get("1-4")
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if !state.Connected {
		t.Error("Connected = false after Connect")
	}
	if state.Samplerate != 10e6 {
		t.Errorf("Samplerate = %v, want 10e6", state.Samplerate)
	}
	if state.RecordLength != 10240 {
		t.Errorf("RecordLength = %d, want 10240", state.RecordLength)
	}
	if state.PacketSize != 512 || state.Speed != "high" {
		t.Errorf("PacketSize/Speed = %d/%q, want 512/high", state.PacketSize, state.Speed)
	}

	if err := s.Connect("1-4"); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("second Connect() = %v, want ErrAlreadyConnected", err)
	}
	if _, err := s.Control("1-4"); err != nil {
		t.Errorf("Control() = %v", err)
	}

	if err := s.Disconnect("1-4"); err != nil {
		t.Fatalf("Disconnect() = %v", err)
	}
	if _, err := s.Get("1-4"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Get() after Disconnect = %v, want ErrDeviceNotFound", err)
	}

	// The next scan picks the device up again with a fresh handle
	if err := s.Refresh(); err != nil {
		t.Fatalf("Refresh() = %v", err)
	}
	state, err = s.Get("1-4")
	if err != nil {
		t.Fatalf("Get() after Refresh = %v", err)
	}
	if state.Connected {
		t.Error("Connected = true on the fresh handle")
	}
}

func TestConnectUploadsFirmware(t *testing.T) {
	dir := t.TempDir()
	image := ":0100000000FF\n:00000001FF\n"
	if err := os.WriteFile(filepath.Join(dir, "dso2090x86-firmware.hex"), []byte(image), 0o644); err != nil {
		t.Fatal(err)
	}

	backend := newFakeBackend(0x04b4, 0x2090)
	bus := []*fakeBackend{backend}
	s := NewService(enumeratorFor(&bus), firmware.NewLoader(dir, zap.NewNop()),
		DefaultConfig(), zap.NewNop())

	if err := s.Refresh(); err != nil {
		t.Fatalf("Refresh() = %v", err)
	}
	states := s.List()
	if len(states) != 1 || !states[0].NeedsFirmware {
		t.Fatalf("List() = %+v, want one device needing firmware", states)
	}

	if err := s.Connect("1-4"); !errors.Is(err, ErrFirmwareUploaded) {
		t.Fatalf("Connect() = %v, want ErrFirmwareUploaded", err)
	}
	if backend.openCount != 1 {
		t.Errorf("backend opens = %d, want 1 for the upload", backend.openCount)
	}
	if len(backend.claimed) != 1 || backend.claimed[0] != 0 {
		t.Errorf("claimed interfaces = %v, want [0]", backend.claimed)
	}
	if len(backend.released) != 1 {
		t.Errorf("released interfaces = %v, want the handle released after upload", backend.released)
	}
	// The device renumerates, its entry is gone until the next scan
	if _, err := s.Get("1-4"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Get() = %v, want ErrDeviceNotFound", err)
	}
}

func TestConnectUnknownDevice(t *testing.T) {
	bus := []*fakeBackend{}
	s := newTestService(t, &bus)

	if err := s.Connect("9-9"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Connect() = %v, want ErrDeviceNotFound", err)
	}
}

func TestDisconnectRequiresConnection(t *testing.T) {
	bus := []*fakeBackend{newFakeBackend(0x04b5, 0x2090)}
	s := newTestService(t, &bus)
	if err := s.Refresh(); err != nil {
		t.Fatalf("Refresh() = %v", err)
	}

	if err := s.Disconnect("1-4"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Disconnect() = %v, want ErrNotConnected", err)
	}
	if _, err := s.Control("1-4"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Control() = %v, want ErrNotConnected", err)
	}
}

func TestRefreshReapsFinishedAcquisition(t *testing.T) {
	backend := newFakeBackend(0x04b5, 0x2090)
	// The first bulk transfer of the acquisition loop kills it
	backend.bulkQueue = []transferResult{{err: usb.ErrNoDevice}}
	bus := []*fakeBackend{backend}
	s := newTestService(t, &bus)

	if err := s.Refresh(); err != nil {
		t.Fatalf("Refresh() = %v", err)
	}
	if err := s.Connect("1-4"); err != nil {
		t.Fatalf("Connect() = %v", err)
	}

	s.mu.Lock()
	done := s.devices["1-4"].done
	s.mu.Unlock()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("acquisition loop never finished")
	}

	bus = bus[:0]
	if err := s.Refresh(); err != nil {
		t.Fatalf("Refresh() = %v", err)
	}
	if _, err := s.Get("1-4"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Get() after the reap = %v, want ErrDeviceNotFound", err)
	}
}

func TestCloseStopsAll(t *testing.T) {
	second := newFakeBackend(0x04b5, 0x2250)
	second.info.Address = 5
	bus := []*fakeBackend{newFakeBackend(0x04b5, 0x2090), second}
	s := newTestService(t, &bus)

	if err := s.Refresh(); err != nil {
		t.Fatalf("Refresh() = %v", err)
	}
	if err := s.Connect("1-4"); err != nil {
		t.Fatalf("Connect(1-4) = %v", err)
	}
	if err := s.Connect("1-5"); err != nil {
		t.Fatalf("Connect(1-5) = %v", err)
	}

	s.Close()
	if remaining := s.List(); len(remaining) != 0 {
		t.Errorf("List() has %d entries after Close, want 0", len(remaining))
	}
}
