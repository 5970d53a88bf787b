// internal/firmware/loader.go
package firmware

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/rogovsky/openhantek-1/internal/usb"
)

// EZ-USB FX2 upload protocol. Vendor request 0xa0 is handled by the boot
// core and reaches on-chip RAM and the CPUCS register; 0xa3 is handled by
// a running second stage loader and reaches external memory.
const (
	requestInternalRAM uint8 = 0xa0
	requestExternalRAM uint8 = 0xa3

	cpucsAddress uint16 = 0xe600
	cpuHold      byte   = 0x01
	cpuRun       byte   = 0x00

	uploadChunkSize = 1024
	uploadTimeout   = time.Second
)

// Target is the raw control surface an upload drives. usb.Backend
// satisfies it, so a device flagged as needing firmware can be flashed
// through its backend before it is ever connected.
type Target interface {
	Open() error
	Close() error
	ClaimInterface(number int) error
	ReleaseInterface(number int) error
	ControlTransfer(requestType, request uint8, value, index uint16, p []byte, timeout time.Duration) (int, error)
}

// Loader uploads EZ-USB firmware images from a directory of Intel HEX
// files named <token>-loader.hex and <token>-firmware.hex
type Loader struct {
	dir    string
	logger *zap.Logger
}

// NewLoader creates a loader reading images from the given directory
func NewLoader(dir string, logger *zap.Logger) *Loader {
	return &Loader{dir: dir, logger: logger.With(zap.String("firmware_dir", dir))}
}

// Upload flashes the image pair of the given model token. With a loader
// image present the upload runs in two stages; without one the firmware
// goes straight to on-chip RAM. The device renumerates afterwards and has
// to be found on the bus again.
func (l *Loader) Upload(target Target, token string) error {
	firmware, err := l.readImage(token + "-firmware.hex")
	if err != nil {
		return fmt.Errorf("no firmware image for %s: %w", token, err)
	}
	loader, err := l.readImage(token + "-loader.hex")
	twoStage := true
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("broken loader image for %s: %w", token, err)
		}
		twoStage = false
	}

	if err := target.Open(); err != nil {
		return fmt.Errorf("failed to open device: %w", err)
	}
	defer target.Close()
	if err := target.ClaimInterface(0); err != nil {
		return fmt.Errorf("failed to claim interface 0: %w", err)
	}
	defer target.ReleaseInterface(0)

	if twoStage {
		l.logger.Info("Uploading second stage loader", zap.String("token", token))
		if err := l.uploadImage(target, loader, false); err != nil {
			return fmt.Errorf("loader upload failed: %w", err)
		}
		l.logger.Info("Uploading firmware", zap.String("token", token))
		if err := l.uploadImage(target, firmware, true); err != nil {
			return fmt.Errorf("firmware upload failed: %w", err)
		}
	} else {
		l.logger.Info("Uploading single stage firmware", zap.String("token", token))
		if err := l.uploadImage(target, firmware, false); err != nil {
			return fmt.Errorf("firmware upload failed: %w", err)
		}
	}

	l.logger.Info("Firmware upload finished", zap.String("token", token))
	return nil
}

func (l *Loader) readImage(name string) ([]Record, error) {
	f, err := os.Open(filepath.Join(l.dir, name))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	records, err := ParseHex(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return records, nil
}

// uploadImage performs one load cycle. With viaLoader set the external
// records go out first while the second stage loader still runs; the CPU
// is then held over the internal part and released to boot the image.
func (l *Loader) uploadImage(t Target, records []Record, viaLoader bool) error {
	if viaLoader {
		if err := l.writeBlocks(t, records, false); err != nil {
			return err
		}
	} else {
		for _, r := range records {
			if !fx2Internal(r.Address, len(r.Data)) {
				return fmt.Errorf("image writes %d bytes of external memory at %#06x without a loader",
					len(r.Data), r.Address)
			}
		}
	}
	if err := l.setCPUReset(t, true); err != nil {
		return err
	}
	if err := l.writeBlocks(t, records, true); err != nil {
		return err
	}
	return l.setCPUReset(t, false)
}

// writeBlocks sends the records of one address class, merged into chunk
// sized blocks
func (l *Loader) writeBlocks(t Target, records []Record, internal bool) error {
	request := requestExternalRAM
	if internal {
		request = requestInternalRAM
	}
	var selected []Record
	for _, r := range records {
		if fx2Internal(r.Address, len(r.Data)) == internal {
			selected = append(selected, r)
		}
	}
	for _, block := range mergeRecords(selected, uploadChunkSize) {
		n, err := t.ControlTransfer(usb.ControlOut|usb.ControlVendor, request,
			uint16(block.Address), uint16(block.Address>>16), block.Data, uploadTimeout)
		if err != nil {
			return fmt.Errorf("ram write at %#06x failed: %w", block.Address, err)
		}
		if n != len(block.Data) {
			return fmt.Errorf("short ram write at %#06x: %d of %d bytes", block.Address, n, len(block.Data))
		}
	}
	return nil
}

// setCPUReset holds or releases the 8051 core through the CPUCS register
func (l *Loader) setCPUReset(t Target, hold bool) error {
	value := cpuRun
	if hold {
		value = cpuHold
	}
	_, err := t.ControlTransfer(usb.ControlOut|usb.ControlVendor, requestInternalRAM,
		cpucsAddress, 0, []byte{value}, uploadTimeout)
	if err != nil {
		return fmt.Errorf("cpu reset write failed: %w", err)
	}
	return nil
}

// fx2Internal reports whether an address range fits the FX2 on-chip RAM:
// 8 KB of code and data at 0x0000 and the 512 byte scratch area at 0xe000
func fx2Internal(addr uint32, length int) bool {
	if addr <= 0x1fff {
		return addr+uint32(length) <= 0x2000
	}
	if addr >= 0xe000 && addr <= 0xe1ff {
		return addr+uint32(length) <= 0xe200
	}
	return false
}
