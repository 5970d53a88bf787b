// internal/dso/control_test.go
package dso

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/rogovsky/openhantek-1/internal/hantek"
	"github.com/rogovsky/openhantek-1/internal/hantek/models"
	"github.com/rogovsky/openhantek-1/internal/usb"
)

type transferResult struct {
	n    int
	err  error
	data []byte // copied into the caller buffer on reads
}

type bulkCall struct {
	endpoint uint8
	length   int
}

type controlCall struct {
	requestType uint8
	request     uint8
	value       uint16
	index       uint16
	data        []byte
}

// fakeBackend scripts transfer outcomes and logs every call. Without a
// scripted result a transfer succeeds with the full buffer length.
type fakeBackend struct {
	info       usb.DeviceInfo
	interfaces []usb.InterfaceInfo

	openErr   error
	openCount int
	closed    int
	claimed   []int
	released  []int

	bulkCalls    []bulkCall
	bulkQueue    []transferResult
	controlCalls []controlCall
	controlQueue []transferResult
}

func newFakeBackend(vendorID, productID uint16) *fakeBackend {
	return &fakeBackend{
		info: usb.DeviceInfo{Bus: 1, Address: 4, VendorID: vendorID, ProductID: productID},
		interfaces: []usb.InterfaceInfo{{
			Number: 0,
			Class:  0xff,
			Endpoints: []usb.EndpointInfo{
				{Address: 0x02, MaxPacketSize: 512},
				{Address: 0x86, MaxPacketSize: 512},
			},
		}},
	}
}

func (f *fakeBackend) Info() usb.DeviceInfo { return f.info }

func (f *fakeBackend) Interfaces() ([]usb.InterfaceInfo, error) { return f.interfaces, nil }

func (f *fakeBackend) Open() error {
	if f.openErr != nil {
		return f.openErr
	}
	f.openCount++
	return nil
}

func (f *fakeBackend) Close() error {
	f.closed++
	return nil
}

func (f *fakeBackend) ClaimInterface(number int) error {
	f.claimed = append(f.claimed, number)
	return nil
}

func (f *fakeBackend) ReleaseInterface(number int) error {
	f.released = append(f.released, number)
	return nil
}

func (f *fakeBackend) BulkTransfer(endpoint uint8, p []byte, timeout time.Duration) (int, error) {
	f.bulkCalls = append(f.bulkCalls, bulkCall{endpoint: endpoint, length: len(p)})
	if len(f.bulkQueue) == 0 {
		return len(p), nil
	}
	result := f.bulkQueue[0]
	f.bulkQueue = f.bulkQueue[1:]
	copy(p, result.data)
	return result.n, result.err
}

func (f *fakeBackend) ControlTransfer(requestType, request uint8, value, index uint16, p []byte, timeout time.Duration) (int, error) {
	f.controlCalls = append(f.controlCalls, controlCall{
		requestType: requestType,
		request:     request,
		value:       value,
		index:       index,
		data:        append([]byte(nil), p...),
	})
	if len(f.controlQueue) == 0 {
		return len(p), nil
	}
	result := f.controlQueue[0]
	f.controlQueue = f.controlQueue[1:]
	copy(p, result.data)
	return result.n, result.err
}

// reset drops the recorded calls but keeps the scripted queues
func (f *fakeBackend) reset() {
	f.bulkCalls = nil
	f.controlCalls = nil
}

// requests lists the request bytes of the recorded control transfers
func (f *fakeBackend) requests() []uint8 {
	requests := make([]uint8, 0, len(f.controlCalls))
	for _, call := range f.controlCalls {
		requests = append(requests, call.request)
	}
	return requests
}

// bulkCount returns how many bulk transfers ran on each direction
func (f *fakeBackend) bulkCount() (out, in int) {
	for _, call := range f.bulkCalls {
		if call.endpoint&0x80 != 0 {
			in++
		} else {
			out++
		}
	}
	return out, in
}

func connectDevice(t *testing.T, f *fakeBackend) *usb.Device {
	t.Helper()
	model := models.ByFlashedID(f.info.VendorID, f.info.ProductID)
	if model == nil {
		model = models.ByRawID(f.info.VendorID, f.info.ProductID)
	}
	if model == nil {
		t.Fatalf("no model for %04x:%04x", f.info.VendorID, f.info.ProductID)
	}
	d := usb.NewDevice(f, model, usb.DefaultConfig(), zap.NewNop())
	if err := d.Connect(); err != nil {
		t.Fatalf("Connect() = %v", err)
	}
	return d
}

func newTestControl(t *testing.T, f *fakeBackend) *Control {
	t.Helper()
	return NewControl(connectDevice(t, f), DefaultConfig(), zap.NewNop())
}

func TestNewControlStagesDefaults(t *testing.T) {
	f := newFakeBackend(0x04b5, 0x2090)
	c := newTestControl(t, f)

	if len(f.controlCalls) != 1 {
		t.Fatalf("control transfers during setup = %d, want only the calibration read", len(f.controlCalls))
	}
	read := f.controlCalls[0]
	if read.request != uint8(hantek.ControlCodeValue) || read.value != uint16(hantek.ValueOffsetLimits) {
		t.Errorf("calibration read = request %#02x value %#02x, want %#02x %#02x",
			read.request, read.value, uint8(hantek.ControlCodeValue), uint16(hantek.ValueOffsetLimits))
	}
	if len(read.data) != hantek.OffsetLimitsSize {
		t.Errorf("calibration read length = %d, want %d", len(read.data), hantek.OffsetLimitsSize)
	}

	if got := c.Samplerate(); got != 10e6 {
		t.Errorf("Samplerate() = %v, want 10e6 for a 1 ms record", got)
	}
	if got := c.RecordLength(); got != 10240 {
		t.Errorf("RecordLength() = %d, want 10240", got)
	}
	if c.Sampling() {
		t.Error("Sampling() = true on a fresh control")
	}

	tas := c.commands.triggerAndSamplerate
	if got := tas.UsedChannels(); got != hantek.UsedCh1 {
		t.Errorf("staged used channels = %v, want %v", got, hantek.UsedCh1)
	}
	if got := tas.RecordLength(); got != hantek.RecordLengthSmall {
		t.Errorf("staged record length id = %v, want %v", got, hantek.RecordLengthSmall)
	}
	if got := tas.SamplerateID(); got != 3 {
		t.Errorf("staged samplerate id = %d, want 3", got)
	}
	if tas.DownsamplingMode() {
		t.Error("staged downsampling mode = true, want false")
	}
	if got := tas.Downsampler(); got != 0xffff {
		t.Errorf("staged downsampler = %#x, want 0xffff", got)
	}
	if tas.FastRate() {
		t.Error("staged fast rate = true, want false")
	}
	if got := tas.TriggerSource(); got != 1 {
		t.Errorf("staged trigger source = %d, want 1 for channel 1", got)
	}
	if got := tas.TriggerSlope(); got != 0 {
		t.Errorf("staged trigger slope = %d, want 0", got)
	}
	// Half a millisecond at 10 MS/s, counted back from the end of the
	// sample memory
	if got := tas.TriggerPosition(); got != 0x7ffff-10240+5000 {
		t.Errorf("staged trigger position = %#x, want %#x", got, 0x7ffff-10240+5000)
	}

	for channel := 0; channel < hantek.ChannelCount; channel++ {
		if got := c.commands.setGain.Gain(channel); got != 1 {
			t.Errorf("staged gain index of channel %d = %d, want 1 for 1V/div", channel, got)
		}
		if c.commands.setRelays.Below1V(channel) {
			t.Errorf("staged below 1V relay of channel %d engaged at 1V/div", channel)
		}
		if !c.commands.setRelays.Below100mV(channel) {
			t.Errorf("staged below 100mV relay of channel %d released at 1V/div", channel)
		}
		if !c.commands.setRelays.Coupling(channel) {
			t.Errorf("staged coupling of channel %d = ac, want dc", channel)
		}
	}
	if c.commands.setRelays.Trigger() {
		t.Error("staged trigger relay = ext, want channel")
	}
	if got := c.commands.setOffset.Channel(0); got != 0 {
		t.Errorf("staged offset = %d, want 0 for a zeroed calibration", got)
	}
	if got := c.commands.setOffset.Trigger(); got != 0 {
		t.Errorf("staged trigger level = %d, want 0", got)
	}
}

func TestSetSamplerateSelectsDivider(t *testing.T) {
	c := newTestControl(t, newFakeBackend(0x04b5, 0x2090))
	tas := c.commands.triggerAndSamplerate

	cases := []struct {
		name         string
		samplerate   float64
		id           uint8
		downsampler  uint16
		downsampling bool
		want         float64
	}{
		{"base rate", 50e6, 1, 0, false, 50e6},
		{"half rate", 25e6, 2, 0, false, 25e6},
		{"divided rate", 1e6, 0, 0xffe8, true, 1e6},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := c.SetSamplerate(tc.samplerate); err != nil {
				t.Fatalf("SetSamplerate(%v) = %v", tc.samplerate, err)
			}
			if got := tas.SamplerateID(); got != tc.id {
				t.Errorf("samplerate id = %d, want %d", got, tc.id)
			}
			if got := tas.Downsampler(); got != tc.downsampler {
				t.Errorf("downsampler = %#x, want %#x", got, tc.downsampler)
			}
			if got := tas.DownsamplingMode(); got != tc.downsampling {
				t.Errorf("downsampling mode = %v, want %v", got, tc.downsampling)
			}
			if got := c.Samplerate(); got != tc.want {
				t.Errorf("Samplerate() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSetSamplerateFastRate(t *testing.T) {
	c := newTestControl(t, newFakeBackend(0x04b5, 0x2090))

	if err := c.SetSamplerate(100e6); err != nil {
		t.Fatalf("SetSamplerate(100e6) = %v", err)
	}
	if got := c.Samplerate(); got != 100e6 {
		t.Errorf("Samplerate() = %v, want 100e6", got)
	}
	if got := c.RecordLength(); got != 20480 {
		t.Errorf("RecordLength() = %d, want the dual buffer length 20480", got)
	}
	if got := c.commands.triggerAndSamplerate.SamplerateID(); got != 1 {
		t.Errorf("samplerate id = %d, want 1", got)
	}
	// The wire flag stays off, the hardware misbehaves with it set
	if c.commands.triggerAndSamplerate.FastRate() {
		t.Error("staged fast rate flag = true, want false")
	}

	// A second channel caps the rate at the single channel maximum
	if err := c.SetChannelUsed(1, true); err != nil {
		t.Fatalf("SetChannelUsed(1, true) = %v", err)
	}
	if got := c.Samplerate(); got != 50e6 {
		t.Errorf("Samplerate() with channel 2 enabled = %v, want 50e6", got)
	}
	if got := c.RecordLength(); got != 10240 {
		t.Errorf("RecordLength() with channel 2 enabled = %d, want 10240", got)
	}
}

func TestSetRecordTimeTargetsDuration(t *testing.T) {
	c := newTestControl(t, newFakeBackend(0x04b5, 0x2090))

	// 10240 samples in 2 ms allow at most 5.12 MS/s, the next reachable
	// rate below that is 50 MS/s divided by 10
	if err := c.SetRecordTime(2e-3); err != nil {
		t.Fatalf("SetRecordTime(2e-3) = %v", err)
	}
	if got := c.Samplerate(); got != 5e6 {
		t.Errorf("Samplerate() = %v, want 5e6", got)
	}
	tas := c.commands.triggerAndSamplerate
	if !tas.DownsamplingMode() {
		t.Error("downsampling mode = false, want true for divider 10")
	}
	if got := tas.Downsampler(); got != 0xfffc {
		t.Errorf("downsampler = %#x, want 0xfffc", got)
	}
}

func TestSetRecordLengthRollMode(t *testing.T) {
	c := newTestControl(t, newFakeBackend(0x04b5, 0x2090))

	if err := c.SetRecordLength(0); err != nil {
		t.Fatalf("SetRecordLength(0) = %v", err)
	}
	if got := c.RecordLength(); got != int(models.RollingRecordLength) {
		t.Errorf("RecordLength() = %d, want the rolling sentinel", got)
	}
	// The 1000x buffer divider of the rolling entry caps the rate
	if got := c.Samplerate(); got != 1e5 {
		t.Errorf("Samplerate() = %v, want 1e5", got)
	}
	tas := c.commands.triggerAndSamplerate
	if got := tas.RecordLength(); got != 0 {
		t.Errorf("staged record length id = %d, want 0", got)
	}
	if got := tas.TriggerPosition(); got != 1 {
		t.Errorf("staged trigger position = %#x, want the roll mode marker 1", got)
	}

	if err := c.SetRecordLength(5); !errors.Is(err, ErrParameter) {
		t.Errorf("SetRecordLength(5) = %v, want ErrParameter", err)
	}
}

func TestSetGainPicksStep(t *testing.T) {
	c := newTestControl(t, newFakeBackend(0x04b5, 0x2090))

	cases := []struct {
		gain       float64
		gainID     int
		gainIndex  uint8
		below1V    bool
		below100mV bool
	}{
		{0.08, 0, 0, true, true},
		{0.2, 2, 2, true, true},
		{2, 5, 2, false, true},
		{5, 6, 0, false, false},
		{100, 8, 2, false, false},
	}
	for _, tc := range cases {
		if err := c.SetGain(0, tc.gain); err != nil {
			t.Fatalf("SetGain(0, %v) = %v", tc.gain, err)
		}
		if got := c.settings.voltage[0].gainID; got != tc.gainID {
			t.Errorf("gain %v: gain step = %d, want %d", tc.gain, got, tc.gainID)
		}
		if got := c.commands.setGain.Gain(0); got != tc.gainIndex {
			t.Errorf("gain %v: staged gain index = %d, want %d", tc.gain, got, tc.gainIndex)
		}
		if got := c.commands.setRelays.Below1V(0); got != tc.below1V {
			t.Errorf("gain %v: below 1V relay = %v, want %v", tc.gain, got, tc.below1V)
		}
		if got := c.commands.setRelays.Below100mV(0); got != tc.below100mV {
			t.Errorf("gain %v: below 100mV relay = %v, want %v", tc.gain, got, tc.below100mV)
		}
	}
}

func TestSetCouplingSwitchesRelay(t *testing.T) {
	c := newTestControl(t, newFakeBackend(0x04b5, 0x2090))

	if err := c.SetCoupling(0, CouplingAC); err != nil {
		t.Fatalf("SetCoupling(0, CouplingAC) = %v", err)
	}
	if c.commands.setRelays.Coupling(0) {
		t.Error("coupling relay still dc after CouplingAC")
	}
	if err := c.SetCoupling(0, CouplingDC); err != nil {
		t.Fatalf("SetCoupling(0, CouplingDC) = %v", err)
	}
	if !c.commands.setRelays.Coupling(0) {
		t.Error("coupling relay not back to dc")
	}
}

func TestSetOffsetUsesCalibration(t *testing.T) {
	f := newFakeBackend(0x04b5, 0x2090)
	// Calibrated range 2048..3072 for channel 1 at the 1V/div gain step
	calibration := make([]byte, hantek.OffsetLimitsSize)
	calibration[16] = 0x08
	calibration[18] = 0x0c
	f.controlQueue = []transferResult{{n: len(calibration), data: calibration}}
	c := newTestControl(t, f)

	// The default midpoint offset quantizes into the calibrated range
	if got := c.commands.setOffset.Channel(0); got != 2560 {
		t.Errorf("staged offset = %d, want 2560", got)
	}
	if got := c.settings.voltage[0].offsetReal; got != 0.5 {
		t.Errorf("quantized offset = %v, want 0.5", got)
	}
	if got := c.commands.setOffset.Trigger(); got != 127 {
		t.Errorf("staged trigger level = %d, want 127", got)
	}

	if err := c.SetOffset(0, 1); err != nil {
		t.Fatalf("SetOffset(0, 1) = %v", err)
	}
	if got := c.commands.setOffset.Channel(0); got != 3072 {
		t.Errorf("staged offset = %d, want 3072", got)
	}
	// The trigger level tracks the offset and clamps at the range top
	if got := c.commands.setOffset.Trigger(); got != 253 {
		t.Errorf("staged trigger level = %d, want 253", got)
	}
}

func TestSetTriggerSourceByModel(t *testing.T) {
	t.Run("DSO-2090", func(t *testing.T) {
		c := newTestControl(t, newFakeBackend(0x04b5, 0x2090))
		if err := c.SetTriggerSource(false, 1); err != nil {
			t.Fatalf("SetTriggerSource(false, 1) = %v", err)
		}
		if got := c.commands.triggerAndSamplerate.TriggerSource(); got != 0 {
			t.Errorf("trigger source value = %d, want 0 for channel 2", got)
		}
		if err := c.SetTriggerSource(true, 0); err != nil {
			t.Fatalf("SetTriggerSource(true, 0) = %v", err)
		}
		if got := c.commands.triggerAndSamplerate.TriggerSource(); got != 3 {
			t.Errorf("trigger source value = %d, want 3 for EXT", got)
		}
		if !c.commands.setRelays.Trigger() {
			t.Error("trigger relay not switched to EXT")
		}
		if got := c.commands.setOffset.Trigger(); got != 0x7f {
			t.Errorf("trigger level = %#x, want the EXT midpoint 0x7f", got)
		}
	})

	t.Run("DSO-2250", func(t *testing.T) {
		c := newTestControl(t, newFakeBackend(0x04b5, 0x2250))
		if err := c.SetTriggerSource(false, 0); err != nil {
			t.Fatalf("SetTriggerSource(false, 0) = %v", err)
		}
		if got := c.commands.trigger2250.TriggerSource(); got != 2 {
			t.Errorf("trigger source value = %d, want 2 for channel 1", got)
		}
		if err := c.SetTriggerSource(true, 0); err != nil {
			t.Fatalf("SetTriggerSource(true, 0) = %v", err)
		}
		if got := c.commands.trigger2250.TriggerSource(); got != 0 {
			t.Errorf("trigger source value = %d, want 0 for EXT", got)
		}
	})

	t.Run("DSO-5200", func(t *testing.T) {
		c := newTestControl(t, newFakeBackend(0x04b5, 0x5200))
		if err := c.SetTriggerSource(false, 1); err != nil {
			t.Fatalf("SetTriggerSource(false, 1) = %v", err)
		}
		if got := c.commands.trigger5200.TriggerSource(); got != 0 {
			t.Errorf("trigger source value = %d, want 0 for channel 2", got)
		}
	})

	t.Run("DSO-6022BE", func(t *testing.T) {
		c := newTestControl(t, newFakeBackend(0x04b5, 0x6022))
		if err := c.SetTriggerSource(false, 0); !errors.Is(err, ErrUnsupported) {
			t.Errorf("SetTriggerSource(false, 0) = %v, want ErrUnsupported", err)
		}
	})
}

func TestSetTriggerSlope(t *testing.T) {
	c := newTestControl(t, newFakeBackend(0x04b5, 0x2090))

	if err := c.SetTriggerSlope(SlopeNegative); err != nil {
		t.Fatalf("SetTriggerSlope(SlopeNegative) = %v", err)
	}
	if got := c.commands.triggerAndSamplerate.TriggerSlope(); got != 1 {
		t.Errorf("staged trigger slope = %d, want 1", got)
	}
}

func TestControlDSO6022UsesControlRequests(t *testing.T) {
	c := newTestControl(t, newFakeBackend(0x04b5, 0x6022))

	if got := c.Device().InPacketSize(); got != 16384 {
		t.Errorf("InPacketSize() = %d, want the 16384 override", got)
	}
	if got := c.commands.voltDivCh1.Div(); got != 10 {
		t.Errorf("staged channel 1 voltage divider = %d, want 10", got)
	}
	if got := c.commands.voltDivCh2.Div(); got != 10 {
		t.Errorf("staged channel 2 voltage divider = %d, want 10", got)
	}
	if got := c.commands.timeDiv.Div(); got != 8 {
		t.Errorf("staged time divider = %d, want 8 for 8 MS/s", got)
	}
	if got := c.Samplerate(); got != 8e6 {
		t.Errorf("Samplerate() = %v, want 8e6 for a 1 ms record", got)
	}

	if err := c.SetSamplerate(24e6); err != nil {
		t.Fatalf("SetSamplerate(24e6) = %v", err)
	}
	if got := c.commands.timeDiv.Div(); got != 24 {
		t.Errorf("time divider = %d, want 24", got)
	}
	if got := c.Samplerate(); got != 24e6 {
		t.Errorf("Samplerate() = %v, want 24e6", got)
	}

	// Rates between two steps snap up to the next one
	if err := c.SetSamplerate(3e6); err != nil {
		t.Fatalf("SetSamplerate(3e6) = %v", err)
	}
	if got := c.Samplerate(); got != 4e6 {
		t.Errorf("Samplerate() = %v, want 4e6", got)
	}

	if err := c.SetGain(0, 5); err != nil {
		t.Fatalf("SetGain(0, 5) = %v", err)
	}
	if got := c.commands.voltDivCh1.Div(); got != 2 {
		t.Errorf("channel 1 voltage divider = %d, want 2", got)
	}

	if err := c.SetRecordLength(1); !errors.Is(err, ErrParameter) {
		t.Errorf("SetRecordLength(1) = %v, want ErrParameter", err)
	}
	if err := c.SetPretriggerPosition(1e-4); !errors.Is(err, ErrUnsupported) {
		t.Errorf("SetPretriggerPosition(1e-4) = %v, want ErrUnsupported", err)
	}
}

func TestSettersRequireConnection(t *testing.T) {
	f := newFakeBackend(0x04b5, 0x2090)
	model := models.ByFlashedID(0x04b5, 0x2090)
	if model == nil {
		t.Fatal("DSO-2090 descriptor missing")
	}
	c := NewControl(usb.NewDevice(f, model, usb.DefaultConfig(), zap.NewNop()),
		DefaultConfig(), zap.NewNop())

	if err := c.SetGain(0, 1); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SetGain() = %v, want ErrNotConnected", err)
	}
	if err := c.SetSamplerate(1e6); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SetSamplerate() = %v, want ErrNotConnected", err)
	}
	if err := c.StartSampling(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("StartSampling() = %v, want ErrNotConnected", err)
	}
	if _, _, err := c.CaptureState(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("CaptureState() = %v, want ErrNotConnected", err)
	}
	if _, err := c.FetchSamples(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("FetchSamples() = %v, want ErrNotConnected", err)
	}
}

func TestSetterValidation(t *testing.T) {
	c := newTestControl(t, newFakeBackend(0x04b5, 0x2090))

	if err := c.SetGain(2, 1); !errors.Is(err, ErrParameter) {
		t.Errorf("SetGain(2, 1) = %v, want ErrParameter", err)
	}
	if err := c.SetOffset(-1, 0.5); !errors.Is(err, ErrParameter) {
		t.Errorf("SetOffset(-1, 0.5) = %v, want ErrParameter", err)
	}
	if err := c.SetTriggerMode(TriggerMode(9)); !errors.Is(err, ErrParameter) {
		t.Errorf("SetTriggerMode(9) = %v, want ErrParameter", err)
	}
	if err := c.SetTriggerSource(false, 2); !errors.Is(err, ErrParameter) {
		t.Errorf("SetTriggerSource(false, 2) = %v, want ErrParameter", err)
	}
	if err := c.SetSamplerate(-1); !errors.Is(err, ErrParameter) {
		t.Errorf("SetSamplerate(-1) = %v, want ErrParameter", err)
	}
	if err := c.SetRecordTime(-1); !errors.Is(err, ErrParameter) {
		t.Errorf("SetRecordTime(-1) = %v, want ErrParameter", err)
	}
	if err := c.SetPretriggerPosition(-0.1); !errors.Is(err, ErrParameter) {
		t.Errorf("SetPretriggerPosition(-0.1) = %v, want ErrParameter", err)
	}
}
