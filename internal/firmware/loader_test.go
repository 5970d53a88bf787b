// internal/firmware/loader_test.go
package firmware

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

type targetWrite struct {
	requestType uint8
	request     uint8
	value       uint16
	index       uint16
	data        []byte
}

type fakeTarget struct {
	opened   int
	closed   int
	claimed  []int
	released []int
	writes   []targetWrite
	failAt   int // 1-based write index that fails, 0 for none
	err      error
}

func (f *fakeTarget) Open() error  { f.opened++; return nil }
func (f *fakeTarget) Close() error { f.closed++; return nil }

func (f *fakeTarget) ClaimInterface(number int) error {
	f.claimed = append(f.claimed, number)
	return nil
}

func (f *fakeTarget) ReleaseInterface(number int) error {
	f.released = append(f.released, number)
	return nil
}

func (f *fakeTarget) ControlTransfer(requestType, request uint8, value, index uint16, p []byte, timeout time.Duration) (int, error) {
	f.writes = append(f.writes, targetWrite{
		requestType: requestType,
		request:     request,
		value:       value,
		index:       index,
		data:        append([]byte(nil), p...),
	})
	if f.failAt > 0 && len(f.writes) == f.failAt {
		return 0, f.err
	}
	return len(p), nil
}

func writeImage(t *testing.T, dir, name string, lines ...string) {
	t.Helper()
	content := ""
	for _, line := range lines {
		content += line + "\n"
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func isCPUCS(w targetWrite, hold byte) bool {
	return w.request == requestInternalRAM && w.value == cpucsAddress &&
		len(w.data) == 1 && w.data[0] == hold
}

func TestUploadSingleStage(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, dir, "dso6022be-firmware.hex",
		":04010000DEADBEEFC3",
		":020104000102F6",
		":00000001FF",
	)

	target := &fakeTarget{}
	loader := NewLoader(dir, zap.NewNop())
	if err := loader.Upload(target, "dso6022be"); err != nil {
		t.Fatalf("Upload() = %v", err)
	}

	if target.opened != 1 || target.closed != 1 {
		t.Errorf("open/close counts = %d/%d, want 1/1", target.opened, target.closed)
	}
	if len(target.claimed) != 1 || target.claimed[0] != 0 {
		t.Errorf("claimed interfaces %v, want [0]", target.claimed)
	}

	if len(target.writes) != 3 {
		t.Fatalf("%d control writes, want hold, data, run", len(target.writes))
	}
	if !isCPUCS(target.writes[0], cpuHold) {
		t.Errorf("first write %+v, want cpu hold", target.writes[0])
	}
	data := target.writes[1]
	if data.request != requestInternalRAM || data.value != 0x0100 || data.index != 0 {
		t.Errorf("data write = request %#02x value %#04x index %d", data.request, data.value, data.index)
	}
	if !bytes.Equal(data.data, []byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02}) {
		t.Errorf("data write payload = % 02x, want the merged records", data.data)
	}
	if !isCPUCS(target.writes[2], cpuRun) {
		t.Errorf("last write %+v, want cpu run", target.writes[2])
	}
}

func TestUploadTwoStage(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, dir, "dso2090x86-loader.hex",
		":0100000000FF",
		":00000001FF",
	)
	writeImage(t, dir, "dso2090x86-firmware.hex",
		":04010000DEADBEEFC3",
		":0240000011228B",
		":00000001FF",
	)

	target := &fakeTarget{}
	loader := NewLoader(dir, zap.NewNop())
	if err := loader.Upload(target, "dso2090x86"); err != nil {
		t.Fatalf("Upload() = %v", err)
	}

	// Loader stage: hold, internal write, run. Firmware stage: external
	// write while the loader runs, hold, internal write, run.
	if len(target.writes) != 7 {
		t.Fatalf("%d control writes, want 7", len(target.writes))
	}
	if !isCPUCS(target.writes[0], cpuHold) || !isCPUCS(target.writes[2], cpuRun) {
		t.Error("loader stage is not bracketed by cpu hold and run")
	}
	if target.writes[1].value != 0x0000 || target.writes[1].request != requestInternalRAM {
		t.Errorf("loader write = %+v, want internal write at 0x0000", target.writes[1])
	}

	external := target.writes[3]
	if external.request != requestExternalRAM || external.value != 0x4000 {
		t.Errorf("external write = request %#02x value %#04x, want %#02x at 0x4000",
			external.request, external.value, requestExternalRAM)
	}
	if !bytes.Equal(external.data, []byte{0x11, 0x22}) {
		t.Errorf("external payload = % 02x, want 11 22", external.data)
	}
	if !isCPUCS(target.writes[4], cpuHold) || !isCPUCS(target.writes[6], cpuRun) {
		t.Error("firmware stage is not bracketed by cpu hold and run")
	}
	if target.writes[5].value != 0x0100 || target.writes[5].request != requestInternalRAM {
		t.Errorf("firmware internal write = %+v, want internal write at 0x0100", target.writes[5])
	}
}

func TestUploadExternalWithoutLoader(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, dir, "dso2090x86-firmware.hex",
		":0240000011228B",
		":00000001FF",
	)

	target := &fakeTarget{}
	loader := NewLoader(dir, zap.NewNop())
	if err := loader.Upload(target, "dso2090x86"); err == nil {
		t.Error("Upload() = nil for an external image without a loader")
	}
	if len(target.writes) != 0 {
		t.Errorf("%d writes went out for a rejected image", len(target.writes))
	}
}

func TestUploadMissingFirmware(t *testing.T) {
	loader := NewLoader(t.TempDir(), zap.NewNop())
	if err := loader.Upload(&fakeTarget{}, "dso2090x86"); err == nil {
		t.Error("Upload() = nil without a firmware image")
	}
}

func TestUploadReleasesOnError(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, dir, "dso6022be-firmware.hex",
		":04010000DEADBEEFC3",
		":00000001FF",
	)

	target := &fakeTarget{failAt: 2, err: os.ErrDeadlineExceeded}
	loader := NewLoader(dir, zap.NewNop())
	if err := loader.Upload(target, "dso6022be"); err == nil {
		t.Fatal("Upload() = nil with a failing ram write")
	}
	if target.closed != 1 || len(target.released) != 1 {
		t.Errorf("close/release counts = %d/%d after failure, want 1/1", target.closed, len(target.released))
	}
}
