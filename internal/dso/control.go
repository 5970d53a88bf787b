// internal/dso/control.go
package dso

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rogovsky/openhantek-1/internal/hantek"
	"github.com/rogovsky/openhantek-1/internal/hantek/models"
	"github.com/rogovsky/openhantek-1/internal/usb"
)

var (
	// ErrNotConnected is returned when the device link is down
	ErrNotConnected = errors.New("device not connected")
	// ErrUnsupported is returned when the model has no command for the
	// requested operation
	ErrUnsupported = errors.New("operation not supported by this model")
	// ErrParameter is returned for values outside the hardware limits
	ErrParameter = errors.New("parameter out of range")
)

// Sampling loop tuning
const (
	DefaultPollInterval     = 10 * time.Millisecond
	DefaultSubscriberBuffer = 4
)

// defaultRecordTime is the record duration staged on a fresh Control,
// one millisecond per record
const defaultRecordTime = 1e-3

// Config tunes the acquisition loop of a Control
type Config struct {
	// PollInterval is the lower bound for the capture state poll cycle
	PollInterval time.Duration
	// SubscriberBuffer is the capture channel depth per subscriber
	SubscriberBuffer int
}

// DefaultConfig returns the loop tuning the hardware is known to work with
func DefaultConfig() Config {
	return Config{
		PollInterval:     DefaultPollInterval,
		SubscriberBuffer: DefaultSubscriberBuffer,
	}
}

// rollState sequences the capture cycle in roll mode
type rollState int

const (
	rollStartSampling rollState = iota
	rollEnableTrigger
	rollForceTrigger
	rollGetData
	rollStateCount
)

// Control owns the acquisition state of one connected device. Setters
// stage protocol commands which the sampling loop flushes before the next
// capture state poll; Run drives that loop until the context ends or the
// device disappears. All exported methods are safe for concurrent use.
type Control struct {
	device *usb.Device
	spec   *models.ControlSpecification
	config Config
	logger *zap.Logger

	mu           sync.Mutex
	commands     *commandSet
	settings     settings
	offsetLimits [hantek.ChannelCount][hantek.GainStepCount]hantek.OffsetLimit

	sampling  bool
	lastState hantek.CaptureState

	rollState           rollState
	samplingStarted     bool
	cycleCounter        int
	startCycle          int
	lastTriggerMode     TriggerMode
	cycleTime           time.Duration
	previousSampleCount int

	subscribers map[uuid.UUID]chan Capture
}

// NewControl prepares the acquisition state machine for a connected
// device. The staged commands start out pending, so the first loop cycle
// pushes a complete configuration to the hardware.
func NewControl(device *usb.Device, config Config, logger *zap.Logger) *Control {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.SubscriberBuffer <= 0 {
		config.SubscriberBuffer = DefaultSubscriberBuffer
	}

	spec := &device.Model().Spec
	c := &Control{
		device:          device,
		spec:            spec,
		config:          config,
		logger:          logger.With(zap.String("model", device.Model().Name)),
		commands:        newCommandSet(spec),
		settings:        defaultSettings(spec),
		lastTriggerMode: TriggerMode(-1),
		cycleTime:       config.PollInterval,
		subscribers:     make(map[uuid.UUID]chan Capture),
	}

	if err := c.retrieveOffsetLimits(); err != nil {
		c.logger.Warn("Channel calibration unavailable", zap.Error(err))
	}
	if err := c.applyDefaults(); err != nil {
		c.logger.Error("Staging the default configuration failed", zap.Error(err))
	}
	return c
}

// applyDefaults stages a complete initial configuration: channel 1 at
// 1V/div with DC coupling, one millisecond per record and a centered
// normal trigger on channel 1. Hardware trigger commands are skipped on
// models that trigger in software.
func (c *Control) applyDefaults() error {
	for channel := 0; channel < hantek.ChannelCount; channel++ {
		if err := c.setGain(channel, 1); err != nil {
			return err
		}
		if err := c.setOffset(channel, 0.5); err != nil {
			return err
		}
		if err := c.setCoupling(channel, CouplingDC); err != nil {
			return err
		}
		if err := c.setChannelUsed(channel, channel == 0); err != nil {
			return err
		}
	}
	if err := c.setRecordTime(defaultRecordTime); err != nil {
		return err
	}
	if !c.spec.SoftwareTrigger {
		if err := c.setRecordLength(c.settings.recordLengthID); err != nil {
			return err
		}
	}
	if err := c.setPretriggerPosition(defaultRecordTime / 2); err != nil && !errors.Is(err, ErrUnsupported) {
		return err
	}
	if err := c.setTriggerSlope(SlopePositive); err != nil && !errors.Is(err, ErrUnsupported) {
		return err
	}
	if err := c.setTriggerSource(false, 0); err != nil && !errors.Is(err, ErrUnsupported) {
		return err
	}
	return c.setTriggerLevel(0, 0)
}

// Device returns the driven usb device
func (c *Control) Device() *usb.Device { return c.device }

// retrieveOffsetLimits reads the factory calibration that bounds the
// hardware offset range per channel and gain step. Models without the
// calibration block answer with an error and keep the zeroed table.
func (c *Control) retrieveOffsetLimits() error {
	raw := make([]byte, hantek.OffsetLimitsSize)
	if _, err := c.device.ControlRead(uint8(hantek.ControlCodeValue),
		uint16(hantek.ValueOffsetLimits), 0, raw); err != nil {
		return fmt.Errorf("reading offset limits: %w", err)
	}
	c.offsetLimits = hantek.ParseOffsetLimits(raw)
	return nil
}

// guard validates the connection and a channel number ahead of a setter
func (c *Control) guard(channel int) error {
	if !c.device.Connected() {
		return ErrNotConnected
	}
	if channel < 0 || channel >= hantek.ChannelCount {
		return fmt.Errorf("%w: channel %d", ErrParameter, channel)
	}
	return nil
}

func (c *Control) isRollMode() bool {
	return c.settings.samplerate.limits.RecordLengths[c.settings.recordLengthID] == models.RollingRecordLength
}

func (c *Control) isFastRate() bool {
	return c.settings.samplerate.limits == &c.spec.Samplerate.Multi
}

// recordLength returns the active record length in samples. In roll mode
// this is the RollingRecordLength sentinel.
func (c *Control) recordLength() int {
	return int(c.settings.samplerate.limits.RecordLengths[c.settings.recordLengthID])
}

// Sampling reports whether the acquisition loop is armed
func (c *Control) Sampling() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sampling
}

// Samplerate returns the effective samplerate in S/s
func (c *Control) Samplerate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings.samplerate.current
}

// RecordLength returns the active record length in samples, or the
// RollingRecordLength sentinel in roll mode
func (c *Control) RecordLength() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recordLength()
}

// StartSampling arms the acquisition loop
func (c *Control) StartSampling() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.device.Connected() {
		return ErrNotConnected
	}
	c.sampling = true
	c.logger.Info("Sampling started")
	return nil
}

// StopSampling disarms the acquisition loop
func (c *Control) StopSampling() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopSampling()
}

func (c *Control) stopSampling() {
	if c.sampling {
		c.logger.Info("Sampling stopped")
	}
	c.sampling = false
}

// ForceTrigger schedules a trigger force for the next loop cycle
func (c *Control) ForceTrigger() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.device.Connected() {
		return ErrNotConnected
	}
	c.commands.markBulk(hantek.BulkCodeForceTrigger)
	return nil
}

// SetChannelUsed includes or excludes a channel from acquisition
func (c *Control) SetChannelUsed(channel int, used bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guard(channel); err != nil {
		return err
	}
	return c.setChannelUsed(channel, used)
}

func (c *Control) setChannelUsed(channel int, used bool) error {
	c.settings.voltage[channel].used = used
	count := 0
	for ch := 0; ch < hantek.ChannelCount; ch++ {
		if c.settings.voltage[ch].used {
			count++
		}
	}

	value := hantek.UsedCh1
	if c.settings.voltage[1].used {
		switch {
		case c.settings.voltage[0].used:
			value = hantek.UsedCh1Ch2
		case c.spec.Commands.Bulk.SetChannels == hantek.BulkCodeBSetChannels:
			// The 2250 dialect codes a single second channel differently
			value = hantek.Used2250Ch2
		default:
			value = hantek.UsedCh2
		}
	}

	switch c.spec.Commands.Bulk.SetChannels {
	case hantek.BulkCodeSetTriggerAndSamplerate:
		c.commands.triggerAndSamplerate.SetUsedChannels(value)
		c.commands.markBulk(hantek.BulkCodeSetTriggerAndSamplerate)
	case hantek.BulkCodeBSetChannels:
		c.commands.channels2250.SetUsedChannels(value)
		c.commands.markBulk(hantek.BulkCodeBSetChannels)
	case hantek.BulkCodeESetTriggerOrSamplerate:
		c.commands.trigger5200.SetUsedChannels(value)
		c.commands.markBulk(hantek.BulkCodeESetTriggerOrSamplerate)
	}

	// Crossing the single/dual channel boundary changes the reachable
	// samplerates, so the stored target has to be applied again
	fastRateChanged := (c.settings.usedChannels <= 1) != (count <= 1)
	c.settings.usedChannels = count
	if fastRateChanged {
		c.restoreTargets()
	}
	return nil
}

// SetCoupling selects the input coupling of a channel. Models without
// coupling relays accept and ignore the setting.
func (c *Control) SetCoupling(channel int, coupling Coupling) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guard(channel); err != nil {
		return err
	}
	if coupling < CouplingAC || coupling > CouplingGND {
		return fmt.Errorf("%w: coupling %d", ErrParameter, coupling)
	}
	return c.setCoupling(channel, coupling)
}

func (c *Control) setCoupling(channel int, coupling Coupling) error {
	if c.spec.SupportsCouplingRelays {
		c.commands.setRelays.SetCoupling(channel, coupling != CouplingAC)
		c.commands.markControl(c.spec.Commands.Control.SetRelays)
	}
	c.settings.voltage[channel].coupling = coupling
	return nil
}

// SetGain commands the lowest gain step that covers the requested
// voltage per screen
func (c *Control) SetGain(channel int, gain float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guard(channel); err != nil {
		return err
	}
	return c.setGain(channel, gain)
}

func (c *Control) setGain(channel int, gain float64) error {
	gainID := 0
	for gainID = 0; gainID < len(c.spec.GainSteps)-1; gainID++ {
		if c.spec.GainSteps[gainID] >= gain {
			break
		}
	}

	if c.spec.UseControlNoBulk {
		if channel == 0 {
			c.commands.voltDivCh1.SetDiv(c.spec.GainDiv[gainID])
			c.commands.markControl(hantek.ControlCodeSetVoltDivCh1)
		} else {
			c.commands.voltDivCh2.SetDiv(c.spec.GainDiv[gainID])
			c.commands.markControl(hantek.ControlCodeSetVoltDivCh2)
		}
	} else {
		c.commands.setGain.SetGain(channel, c.spec.GainIndex[gainID])
		c.commands.markBulk(hantek.BulkCodeSetGain)

		c.commands.setRelays.SetBelow1V(channel, gainID < 3)
		c.commands.setRelays.SetBelow100mV(channel, gainID < 6)
		c.commands.markControl(c.spec.Commands.Control.SetRelays)
	}

	c.settings.voltage[channel].gainID = gainID

	// The offset range depends on the gain step
	return c.setOffset(channel, c.settings.voltage[channel].offset)
}

// SetOffset moves the trace of a channel, 0.0 is the screen bottom and
// 1.0 the top
func (c *Control) SetOffset(channel int, offset float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guard(channel); err != nil {
		return err
	}
	if offset < 0 || offset > 1 {
		return fmt.Errorf("%w: offset %v", ErrParameter, offset)
	}
	return c.setOffset(channel, offset)
}

func (c *Control) setOffset(channel int, offset float64) error {
	limit := c.offsetLimits[channel][c.settings.voltage[channel].gainID]
	minimum := float64(limit.Start)
	maximum := float64(limit.End)

	// Quantize to the calibrated range and keep the offset error for the
	// sample conversion. A zeroed calibration collapses to the minimum.
	value := uint16(limit.Start)
	offsetReal := 0.0
	if maximum > minimum {
		value = uint16(offset*(maximum-minimum) + minimum + 0.5)
		offsetReal = (float64(value) - minimum) / (maximum - minimum)
	}

	if c.spec.SupportsOffset {
		c.commands.setOffset.SetChannel(channel, value)
		c.commands.markControl(c.spec.Commands.Control.SetOffset)
	}

	c.settings.voltage[channel].offset = offset
	c.settings.voltage[channel].offsetReal = offsetReal

	// The trigger level is relative to the offset
	return c.setTriggerLevel(channel, c.settings.voltage[channel].level)
}

// SetTriggerMode selects when captures are started and delivered
func (c *Control) SetTriggerMode(mode TriggerMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.device.Connected() {
		return ErrNotConnected
	}
	if mode < TriggerAuto || mode > TriggerSingle {
		return fmt.Errorf("%w: trigger mode %d", ErrParameter, mode)
	}
	c.settings.trigger.mode = mode
	return nil
}

// SetTriggerSource selects the trigger input: a channel number, or with
// special set one of the EXT inputs
func (c *Control) SetTriggerSource(special bool, id int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.device.Connected() {
		return ErrNotConnected
	}
	if id < 0 ||
		(!special && id >= hantek.ChannelCount) ||
		(special && id >= hantek.SpecialChannelCount) {
		return fmt.Errorf("%w: trigger source %d", ErrParameter, id)
	}
	return c.setTriggerSource(special, id)
}

func (c *Control) setTriggerSource(special bool, id int) error {
	switch c.spec.Commands.Bulk.SetTrigger {
	case hantek.BulkCodeSetTriggerAndSamplerate:
		value := uint8(1 - id)
		if special {
			value = uint8(3 + id)
		}
		c.commands.triggerAndSamplerate.SetTriggerSource(value)
		c.commands.markBulk(hantek.BulkCodeSetTriggerAndSamplerate)
	case hantek.BulkCodeCSetTriggerOrSamplerate:
		value := uint8(2 + id)
		if special {
			value = 0
		}
		c.commands.trigger2250.SetTriggerSource(value)
		c.commands.markBulk(hantek.BulkCodeCSetTriggerOrSamplerate)
	case hantek.BulkCodeESetTriggerOrSamplerate:
		value := uint8(1 - id)
		if special {
			value = uint8(3 + id)
		}
		c.commands.trigger5200.SetTriggerSource(value)
		c.commands.markBulk(hantek.BulkCodeESetTriggerOrSamplerate)
	default:
		return ErrUnsupported
	}

	// The external trigger input needs its relay engaged
	c.commands.setRelays.SetTrigger(special)
	c.commands.markControl(c.spec.Commands.Control.SetRelays)

	c.settings.trigger.special = special
	c.settings.trigger.source = id

	if special {
		// No calibrated level for the EXT inputs, use the midpoint
		c.commands.setOffset.SetTrigger(0x7f)
		c.commands.markControl(c.spec.Commands.Control.SetOffset)
		return nil
	}
	return c.setTriggerLevel(id, c.settings.voltage[id].level)
}

// SetTriggerLevel sets the trigger level of a channel in V
func (c *Control) SetTriggerLevel(channel int, level float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guard(channel); err != nil {
		return err
	}
	return c.setTriggerLevel(channel, level)
}

func (c *Control) setTriggerLevel(channel int, level float64) error {
	// 10 bit models use the same range as the offsets, 8 bit models a
	// fixed one
	var minimum, maximum float64
	if c.spec.SampleSize > 8 {
		limit := c.offsetLimits[channel][c.settings.voltage[channel].gainID]
		minimum = float64(limit.Start)
		maximum = float64(limit.End)
	} else {
		minimum = 0x00
		maximum = 0xfd
	}

	offsetReal := c.settings.voltage[channel].offsetReal
	gainStep := c.spec.GainSteps[c.settings.voltage[channel].gainID]
	value := (offsetReal+level/gainStep)*(maximum-minimum) + 0.5 + minimum
	switch {
	case !(value > minimum): // NaN from a zeroed calibration lands here
		value = minimum
	case value > maximum:
		value = maximum
	}

	if !c.settings.trigger.special && channel == c.settings.trigger.source &&
		c.spec.SupportsOffset {
		c.commands.setOffset.SetTrigger(uint16(value))
		c.commands.markControl(c.spec.Commands.Control.SetOffset)
	}

	c.settings.voltage[channel].level = level
	return nil
}

// SetTriggerSlope selects the edge the trigger fires on
func (c *Control) SetTriggerSlope(slope Slope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.device.Connected() {
		return ErrNotConnected
	}
	if slope < SlopePositive || slope > SlopeNegative {
		return fmt.Errorf("%w: slope %d", ErrParameter, slope)
	}
	return c.setTriggerSlope(slope)
}

func (c *Control) setTriggerSlope(slope Slope) error {
	switch c.spec.Commands.Bulk.SetTrigger {
	case hantek.BulkCodeSetTriggerAndSamplerate:
		c.commands.triggerAndSamplerate.SetTriggerSlope(uint8(slope))
		c.commands.markBulk(hantek.BulkCodeSetTriggerAndSamplerate)
	case hantek.BulkCodeCSetTriggerOrSamplerate:
		c.commands.trigger2250.SetTriggerSlope(uint8(slope))
		c.commands.markBulk(hantek.BulkCodeCSetTriggerOrSamplerate)
	case hantek.BulkCodeESetTriggerOrSamplerate:
		c.commands.trigger5200.SetTriggerSlope(uint8(slope))
		c.commands.markBulk(hantek.BulkCodeESetTriggerOrSamplerate)
	default:
		return ErrUnsupported
	}
	c.settings.trigger.slope = slope
	return nil
}

// SetPretriggerPosition places the trigger point inside the record, in
// seconds from the record start
func (c *Control) SetPretriggerPosition(position float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.device.Connected() {
		return ErrNotConnected
	}
	if position < 0 {
		return fmt.Errorf("%w: pretrigger position %v", ErrParameter, position)
	}
	return c.setPretriggerPosition(position)
}

func (c *Control) setPretriggerPosition(position float64) error {
	// Trigger positions are measured in samples
	samples := int64(position * c.settings.samplerate.current)
	recordLength := int64(c.recordLength())
	// Fast rate mode spreads the record over both channel buffers
	if c.isFastRate() {
		samples /= hantek.ChannelCount
	}

	switch c.spec.Commands.Bulk.SetPretrigger {
	case hantek.BulkCodeSetTriggerAndSamplerate:
		value := uint32(0x1)
		if !c.isRollMode() {
			// Start point counted back from the end of the memory
			value = uint32(0x7ffff - recordLength + samples)
		}
		c.commands.triggerAndSamplerate.SetTriggerPosition(value)
		c.commands.markBulk(hantek.BulkCodeSetTriggerAndSamplerate)
	case hantek.BulkCodeFSetBuffer:
		// Inverse positions, maximum is 0x7ffff
		c.commands.buffer2250.SetTriggerPositionPre(uint32(0x7ffff - recordLength + samples))
		c.commands.buffer2250.SetTriggerPositionPost(uint32(0x7ffff - samples))
		c.commands.markBulk(hantek.BulkCodeFSetBuffer)
	case hantek.BulkCodeESetTriggerOrSamplerate:
		// Inverse positions, maximum is 0xffff
		c.commands.buffer5200.SetTriggerPositionPre(uint16(0xffff - recordLength + samples))
		c.commands.buffer5200.SetTriggerPositionPost(uint16(0xffff - samples))
		c.commands.markBulk(hantek.BulkCodeDSetBuffer)
	default:
		return ErrUnsupported
	}

	c.settings.trigger.position = position
	return nil
}

// SetRecordLength selects an entry of the model's record length table.
// Index 0 is roll mode on models that list it.
func (c *Control) SetRecordLength(index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.device.Connected() {
		return ErrNotConnected
	}
	return c.setRecordLength(index)
}

func (c *Control) setRecordLength(index int) error {
	if !c.updateRecordLength(index) {
		return fmt.Errorf("%w: record length index %d", ErrParameter, index)
	}
	c.restoreTargets()
	c.setPretriggerPosition(c.settings.trigger.position)
	return nil
}

// updateRecordLength stages the record length commands and reapplies the
// samplerate target when the buffer divider changes with the new length
func (c *Control) updateRecordLength(index int) bool {
	if index < 0 || index >= len(c.settings.samplerate.limits.RecordLengths) {
		return false
	}

	switch c.spec.Commands.Bulk.SetRecordLength {
	case hantek.BulkCodeSetTriggerAndSamplerate:
		c.commands.triggerAndSamplerate.SetRecordLength(hantek.RecordLengthID(index))
		c.commands.markBulk(hantek.BulkCodeSetTriggerAndSamplerate)
	case hantek.BulkCodeDSetBuffer:
		if c.spec.Commands.Bulk.SetPretrigger == hantek.BulkCodeFSetBuffer {
			c.commands.recordLength2250.SetRecordLength(hantek.RecordLengthID(index))
		} else {
			c.commands.buffer5200.SetUsedPre(hantek.TriggerPositionOn)
			c.commands.buffer5200.SetUsedPost(hantek.TriggerPositionOn)
			c.commands.buffer5200.SetRecordLength(hantek.RecordLengthID(index))
		}
		c.commands.markBulk(hantek.BulkCodeDSetBuffer)
	default:
		return false
	}

	dividerChanged := c.spec.BufferDividers[index] != c.spec.BufferDividers[c.settings.recordLengthID]
	c.settings.recordLengthID = index
	if dividerChanged {
		c.restoreTargets()
	}
	return true
}

// SetSamplerate commands the nearest samplerate of at least the given
// rate in S/s. Zero reapplies the stored target.
func (c *Control) SetSamplerate(samplerate float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.device.Connected() {
		return ErrNotConnected
	}
	if samplerate < 0 {
		return fmt.Errorf("%w: samplerate %v", ErrParameter, samplerate)
	}
	return c.setSamplerate(samplerate)
}

func (c *Control) setSamplerate(samplerate float64) error {
	if samplerate == 0 {
		samplerate = c.settings.samplerate.target.samplerate
	} else {
		c.settings.samplerate.target.samplerate = samplerate
		c.settings.samplerate.target.byRate = true
	}

	if c.spec.SoftwareTrigger {
		// Direct samplerate steps, pick the lowest that reaches the rate
		id := 0
		for id = 0; id < len(c.spec.SampleSteps)-1; id++ {
			if c.spec.SampleSteps[id] >= samplerate {
				break
			}
		}
		c.commands.timeDiv.SetDiv(c.spec.SampleDiv[id])
		c.commands.markControl(hantek.ControlCodeSetTimeDiv)
		c.settings.samplerate.current = c.spec.SampleSteps[id]
		return nil
	}

	// Enable fast rate when it is needed to reach the requested rate
	divider := float64(c.spec.BufferDividers[c.settings.recordLengthID])
	fastRate := c.settings.usedChannels <= 1 &&
		samplerate > c.spec.Samplerate.Single.Max/divider

	downsampler, _ := c.bestSamplerate(samplerate, fastRate, false)
	return c.updateSamplerate(downsampler, fastRate)
}

// SetRecordTime adapts the samplerate so one record covers the given
// duration in seconds. Zero reapplies the stored target.
func (c *Control) SetRecordTime(duration float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.device.Connected() {
		return ErrNotConnected
	}
	if duration < 0 {
		return fmt.Errorf("%w: record time %v", ErrParameter, duration)
	}
	return c.setRecordTime(duration)
}

func (c *Control) setRecordTime(duration float64) error {
	if duration == 0 {
		duration = c.settings.samplerate.target.duration
	} else {
		c.settings.samplerate.target.duration = duration
		c.settings.samplerate.target.byRate = false
	}

	if c.spec.SoftwareTrigger {
		// Only the 10240 sample record works reliably; leave margin for
		// the software trigger
		const sampleMargin = 2000
		const sampleCount = 10240
		bestID := 0
		for id := range c.spec.SampleSteps {
			if c.spec.SampleSteps[id]*duration < sampleCount-sampleMargin {
				bestID = id
			}
		}
		c.commands.timeDiv.SetDiv(c.spec.SampleDiv[bestID])
		c.commands.markControl(hantek.ControlCodeSetTimeDiv)
		c.settings.samplerate.current = c.spec.SampleSteps[bestID]
		return nil
	}

	// The highest samplerate that still covers the duration
	maxSamplerate := float64(c.spec.Samplerate.Single.RecordLengths[c.settings.recordLengthID]) / duration

	// Enable fast rate when the record time cannot be reached without it
	divider := float64(c.spec.BufferDividers[c.settings.recordLengthID])
	fastRate := c.settings.usedChannels <= 1 &&
		maxSamplerate >= c.spec.Samplerate.Multi.Base/divider

	downsampler, _ := c.bestSamplerate(maxSamplerate, fastRate, true)
	return c.updateSamplerate(downsampler, fastRate)
}

// restoreTargets applies the stored samplerate target again after a
// change that shifts the reachable samplerates
func (c *Control) restoreTargets() {
	if c.settings.samplerate.target.byRate {
		c.setSamplerate(0)
	} else {
		c.setRecordTime(0)
	}
}

// bestSamplerate returns the downsampler value whose samplerate comes
// nearest to the requested rate, and that samplerate. With maximum set
// the result stays at or below the request, otherwise at or above.
func (c *Control) bestSamplerate(samplerate float64, fastRate, maximum bool) (uint32, float64) {
	if samplerate <= 0 {
		return 0, 0
	}

	limits := &c.spec.Samplerate.Single
	if fastRate {
		limits = &c.spec.Samplerate.Multi
	}
	divider := float64(c.spec.BufferDividers[c.settings.recordLengthID])

	best := limits.Base / divider / samplerate
	if best < 1 && (samplerate <= limits.Max/divider || !maximum) {
		// The undivided base rate is not needed, the maximum rate serves
		return 0, limits.Max / divider
	}

	switch c.spec.Commands.Bulk.SetSamplerate {
	case hantek.BulkCodeSetTriggerAndSamplerate:
		// Factors 1, 2 and 5 come from the samplerate id, larger even
		// factors from the divider value. 3 and 4 do not exist on this
		// hardware.
		if (maximum && best <= 5) || (!maximum && best < 6) {
			if maximum {
				best = math.Ceil(best)
				if best > 2 {
					best = 5
				}
			} else {
				best = math.Floor(best)
				if best > 2 && best < 5 {
					best = 2
				}
			}
		} else {
			if maximum {
				best = math.Ceil(best/2) * 2
			} else {
				best = math.Floor(best/2) * 2
			}
			if best > 2*0x10001 {
				best = 2 * 0x10001
			}
		}
	case hantek.BulkCodeCSetTriggerOrSamplerate, hantek.BulkCodeESetTriggerOrSamplerate:
		// These dividers take any integer factor
		if maximum {
			best = math.Ceil(best)
		} else {
			best = math.Floor(best)
		}
	default:
		return 0, 0
	}

	if best > float64(limits.MaxDownsampler) {
		best = float64(limits.MaxDownsampler)
	}
	return uint32(best), limits.Base / best / divider
}

// updateSamplerate stages the samplerate commands for the given
// downsampler value and channel mode, updates the effective samplerate
// and moves the pretrigger position to match
func (c *Control) updateSamplerate(downsampler uint32, fastRate bool) error {
	limits := &c.spec.Samplerate.Single
	if fastRate {
		limits = &c.spec.Samplerate.Multi
	}

	switch c.spec.Commands.Bulk.SetSamplerate {
	case hantek.BulkCodeSetTriggerAndSamplerate:
		var value uint16
		var samplerateID uint8
		downsampling := false

		if downsampler <= 5 {
			// Factors up to 5 are done with the samplerate ids
			switch {
			case downsampler == 0 && limits.Base >= limits.Max:
				samplerateID = 1
			case downsampler <= 2:
				samplerateID = uint8(downsampler)
			default:
				// 3 and 4 are not supported
				samplerateID = 3
				downsampler = 5
				value = 0xffff
			}
		} else {
			// Above that the divider takes over, even values only
			downsampler &^= 1
			value = uint16(0x10001 - (downsampler >> 1))
			downsampling = true
		}

		c.commands.triggerAndSamplerate.SetDownsamplingMode(downsampling)
		c.commands.triggerAndSamplerate.SetSamplerateID(samplerateID)
		c.commands.triggerAndSamplerate.SetDownsampler(value)
		// Fast rate stays off for this dialect
		c.commands.triggerAndSamplerate.SetFastRate(false)
		c.commands.markBulk(hantek.BulkCodeSetTriggerAndSamplerate)

	case hantek.BulkCodeCSetTriggerOrSamplerate:
		// Split the factor into the slow and fast dividers, the fast one
		// stays at 4 or 3 for slow rates
		slow := (int64(downsampler) - 3) / 2
		if slow < 0 {
			slow = 0
		}
		fast := uint8(int64(downsampler) - slow*2)

		c.commands.samplerate5200.SetSamplerateFast(4 - fast)
		if slow == 0 {
			c.commands.samplerate5200.SetSamplerateSlow(0)
		} else {
			c.commands.samplerate5200.SetSamplerateSlow(uint16(0xffff - slow))
		}
		c.commands.trigger5200.SetFastRate(fastRate)
		c.commands.markBulk(hantek.BulkCodeCSetTriggerOrSamplerate)
		c.commands.markBulk(hantek.BulkCodeESetTriggerOrSamplerate)

	case hantek.BulkCodeESetTriggerOrSamplerate:
		c.commands.samplerate2250.SetDownsampling(downsampler >= 1)
		if downsampler > 1 {
			c.commands.samplerate2250.SetSamplerate(uint16(0x10001 - downsampler))
		} else {
			c.commands.samplerate2250.SetSamplerate(0)
		}
		c.commands.samplerate2250.SetFastRate(fastRate)
		c.commands.markBulk(hantek.BulkCodeESetTriggerOrSamplerate)

	default:
		return ErrUnsupported
	}

	if fastRate != c.isFastRate() {
		c.settings.samplerate.limits = limits
	}

	c.settings.samplerate.downsampler = downsampler
	divider := float64(c.spec.BufferDividers[c.settings.recordLengthID])
	if downsampler != 0 {
		c.settings.samplerate.current = c.settings.samplerate.limits.Base / divider / float64(downsampler)
	} else {
		c.settings.samplerate.current = c.settings.samplerate.limits.Max / divider
	}

	// The pretrigger position is measured in samples, move it along
	c.setPretriggerPosition(c.settings.trigger.position)
	return nil
}
