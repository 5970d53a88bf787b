// internal/dso/acquire.go
package dso

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rogovsky/openhantek-1/internal/hantek"
	"github.com/rogovsky/openhantek-1/internal/usb"
)

// unfoldTriggerPoint decodes the hardware coding of the trigger point,
// where each set bit inverts all bits below it
func unfoldTriggerPoint(value uint32) uint32 {
	result := value
	for bit := uint32(1); bit != 0; bit <<= 1 {
		if result&bit != 0 {
			result ^= bit - 1
		}
	}
	return result
}

// CaptureState polls the acquisition state of the hardware. The second
// return value is the trigger point, still in the hardware coding.
// Models without capture state support always report ready.
func (c *Control) CaptureState() (hantek.CaptureState, uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.device.Connected() {
		return 0, 0, ErrNotConnected
	}
	return c.captureState()
}

func (c *Control) captureState() (hantek.CaptureState, uint32, error) {
	if !c.spec.SupportsCaptureState {
		return hantek.CaptureReady, 0, nil
	}
	if _, err := c.device.BulkCommand(c.commands.getCaptureState, 1); err != nil {
		return 0, 0, fmt.Errorf("requesting capture state: %w", err)
	}
	response := hantek.NewCaptureStateResponse()
	if _, err := c.device.BulkRead(response.Bytes()); err != nil {
		return 0, 0, fmt.Errorf("reading capture state: %w", err)
	}
	return response.CaptureState(), response.TriggerPoint(), nil
}

// FetchSamples reads the raw data of one capture from the hardware. A
// short transfer truncates the result instead of failing.
func (c *Control) FetchSamples() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.device.Connected() {
		return nil, ErrNotConnected
	}
	return c.fetchSamples()
}

func (c *Control) fetchSamples() ([]byte, error) {
	if !c.spec.UseControlNoBulk {
		if _, err := c.device.BulkCommand(c.commands.getData, 1); err != nil {
			return nil, fmt.Errorf("requesting sample data: %w", err)
		}
	}

	// The scope buffer may still hold a capture from the previous, longer
	// record configuration
	total := c.sampleCount()
	if total < c.previousSampleCount {
		total, c.previousSampleCount = c.previousSampleCount, total
	} else {
		c.previousSampleCount = total
	}

	length := total
	if c.spec.SampleSize > 8 {
		length = total * 2
	}

	raw := make([]byte, length)
	n, err := c.device.BulkReadMulti(raw)
	if err != nil {
		return nil, fmt.Errorf("reading sample data: %w", err)
	}
	return raw[:n], nil
}

// sampleCount is the raw sample count of the next capture
func (c *Control) sampleCount() int {
	if c.isRollMode() {
		return c.device.InPacketSize()
	}
	if c.isFastRate() {
		return c.recordLength()
	}
	return c.recordLength() * hantek.ChannelCount
}

// convertSamples scales one raw capture into voltage samples per channel
func (c *Control) convertSamples(raw []byte) Capture {
	total := len(raw)
	if c.spec.SampleSize > 8 {
		total = len(raw) / 2
	}

	capture := Capture{
		ID:         uuid.New(),
		Samplerate: c.settings.samplerate.current,
		Append:     c.isRollMode(),
	}
	if total == 0 {
		return capture
	}

	extraBits := uint(c.spec.SampleSize) - 8
	mask := uint16(0xff<<extraBits) & 0xff00

	if c.isFastRate() {
		// All samples belong to the first used channel
		channel := 0
		for channel < hantek.ChannelCount && !c.settings.voltage[channel].used {
			channel++
		}
		if channel >= hantek.ChannelCount {
			return capture
		}

		gainID := c.settings.voltage[channel].gainID
		limit := float64(c.spec.VoltageLimit[channel][gainID])
		offset := c.settings.voltage[channel].offsetReal
		gainStep := c.spec.GainSteps[gainID]

		samples := make([]float64, total)
		pos := int(c.settings.trigger.point) * 2
		if c.spec.SampleSize > 8 {
			// The extra most significant bits are packed after the
			// normal data
			for i := 0; i < total; i, pos = i+1, pos+1 {
				if pos >= total {
					pos %= total
				}
				extraPos := pos % hantek.ChannelCount
				shift := 8 - (hantek.ChannelCount-1-extraPos)*int(extraBits)
				low := uint16(raw[pos])
				high := uint16(raw[total+pos-extraPos]) << shift & mask
				samples[i] = (float64(low+high)/limit - offset) * gainStep
			}
		} else {
			for i := 0; i < total; i, pos = i+1, pos+1 {
				if pos >= total {
					pos %= total
				}
				samples[i] = (float64(raw[pos])/limit - offset) * gainStep
			}
		}
		capture.Channels[channel] = samples
		return capture
	}

	size := total / hantek.ChannelCount
	for channel := 0; channel < hantek.ChannelCount; channel++ {
		gainID := c.settings.voltage[channel].gainID
		limit := float64(c.spec.VoltageLimit[channel][gainID])
		offset := c.settings.voltage[channel].offsetReal
		gainStep := c.spec.GainSteps[gainID]

		pos := int(c.settings.trigger.point) * 2
		switch {
		case c.spec.SampleSize > 8:
			shift := 8 - channel*2
			samples := make([]float64, size)
			for i := 0; i < size; i, pos = i+1, pos+hantek.ChannelCount {
				if pos >= total {
					pos %= total
				}
				low := uint16(raw[pos+hantek.ChannelCount-1-channel])
				high := uint16(raw[total+pos]) << shift & mask
				samples[i] = (float64(low+high)/limit - offset) * gainStep
			}
			capture.Channels[channel] = samples

		case c.spec.UseControlNoBulk:
			// The head and tail of these captures are unusable
			// artifacts of the capture start
			const head = 0x410
			const tail = 0x3f0
			count := size
			if !c.isRollMode() {
				count -= head + tail
				if count < 0 {
					count = 0
				}
				pos += head * hantek.ChannelCount
			}
			pos += channel
			samples := make([]float64, count)
			for i := 0; i < count; i, pos = i+1, pos+hantek.ChannelCount {
				if pos >= total {
					pos %= total
				}
				// The ADC of these models is centered around 0x83
				samples[i] = float64(int(raw[pos])-0x83) / limit * gainStep
			}
			capture.Channels[channel] = samples

		default:
			samples := make([]float64, size)
			pos += hantek.ChannelCount - 1 - channel
			for i := 0; i < size; i, pos = i+1, pos+hantek.ChannelCount {
				if pos >= total {
					pos %= total
				}
				samples[i] = (float64(raw[pos])/limit - offset) * gainStep
			}
			capture.Channels[channel] = samples
		}
	}
	return capture
}

// flushPending sends all staged commands to the hardware. A failed bulk
// command aborts the cycle, a failed control command stays pending for
// the next one unless the device is gone.
func (c *Control) flushPending() error {
	for code := 0; code < len(c.commands.bulk); code++ {
		slot := c.commands.bulk[code]
		if slot == nil || !slot.pending {
			continue
		}
		if _, err := c.device.BulkCommand(slot.command, usb.DefaultAttempts); err != nil {
			return fmt.Errorf("sending bulk command 0x%02x: %w", code, err)
		}
		slot.pending = false
	}

	for _, slot := range c.commands.control {
		if !slot.pending {
			continue
		}
		if _, err := c.device.ControlWrite(uint8(slot.code), 0, 0, slot.command.Bytes()); err != nil {
			if errors.Is(err, usb.ErrNoDevice) {
				return fmt.Errorf("sending control command 0x%02x: %w", uint8(slot.code), err)
			}
			c.logger.Warn("Control command failed, kept pending",
				zap.Uint8("code", uint8(slot.code)), zap.Error(err))
			continue
		}
		slot.pending = false
	}
	return nil
}

// sendBulk sends one acquisition loop command. Transient transfer errors
// are logged and reported as not ok so the cycle can go on, a vanished
// device aborts the loop.
func (c *Control) sendBulk(command hantek.Command, what string) (bool, error) {
	if _, err := c.device.BulkCommand(command, usb.DefaultAttempts); err != nil {
		if errors.Is(err, usb.ErrNoDevice) {
			return false, fmt.Errorf("%s: %w", what, err)
		}
		c.logger.Warn("Bulk command failed", zap.String("command", what), zap.Error(err))
		return false, nil
	}
	return true, nil
}

// step runs one cycle of the acquisition loop
func (c *Control) step() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.flushPending(); err != nil {
		return err
	}

	var err error
	if c.isRollMode() {
		err = c.stepRoll()
	} else {
		err = c.stepStandard()
	}
	if err != nil {
		return err
	}

	c.updateInterval()
	return nil
}

// stepRoll advances the rolling acquisition state machine by one state
func (c *Control) stepRoll() error {
	c.lastState = hantek.CaptureWaiting

	advance := true
	switch c.rollState {
	case rollStartSampling:
		if !c.sampling {
			advance = false
			break
		}
		c.previousSampleCount = c.sampleCount()
		ok, err := c.sendBulk(c.commands.captureStart, "starting capture")
		if err != nil {
			return err
		}
		if ok {
			c.samplingStarted = true
		}

	case rollEnableTrigger:
		if _, err := c.sendBulk(c.commands.triggerEnabled, "enabling trigger"); err != nil {
			return err
		}

	case rollForceTrigger:
		if _, err := c.sendBulk(c.commands.forceTrigger, "forcing trigger"); err != nil {
			return err
		}

	case rollGetData:
		if err := c.finishCapture(); err != nil {
			return err
		}
	}

	if advance {
		c.rollState = (c.rollState + 1) % rollStateCount
	}
	return nil
}

// stepStandard polls the capture state and reacts to it
func (c *Control) stepStandard() error {
	c.rollState = rollStartSampling

	state, point, err := c.captureState()
	if err != nil {
		if errors.Is(err, usb.ErrNoDevice) {
			return err
		}
		c.logger.Warn("Getting capture state failed", zap.Error(err))
		return nil
	}
	c.settings.trigger.point = unfoldTriggerPoint(point)
	if state != c.lastState {
		c.logger.Debug("Capture state changed", zap.Int("state", int(state)))
	}
	c.lastState = state

	switch {
	case state.Ready():
		if err := c.finishCapture(); err != nil {
			return err
		}
		if c.sampling {
			return c.stepWaiting()
		}

	case state == hantek.CaptureWaiting:
		return c.stepWaiting()
	}
	return nil
}

// stepWaiting arms the next capture. While a capture is underway it
// paces the trigger enable command and the auto trigger timeout.
func (c *Control) stepWaiting() error {
	c.previousSampleCount = c.sampleCount()

	if c.samplingStarted && c.lastTriggerMode == c.settings.trigger.mode {
		c.cycleCounter++

		if c.cycleCounter == c.startCycle && !c.isRollMode() {
			// The buffer has refilled since the capture started, the
			// trigger can be enabled now
			if ok, err := c.sendBulk(c.commands.triggerEnabled, "enabling trigger"); err != nil || !ok {
				return err
			}
		} else if c.cycleCounter >= 8+c.startCycle && c.settings.trigger.mode == TriggerAuto {
			if ok, err := c.sendBulk(c.commands.forceTrigger, "forcing trigger"); err != nil || !ok {
				return err
			}
		}

		if c.cycleCounter < 20 || float64(c.cycleCounter) < float64(4*time.Second)/float64(c.cycleTime) {
			return nil
		}
	}

	if ok, err := c.sendBulk(c.commands.captureStart, "starting capture"); err != nil || !ok {
		return err
	}
	c.samplingStarted = true
	c.cycleCounter = 0
	c.startCycle = int(c.settings.trigger.position*float64(time.Second)/float64(c.cycleTime)) + 1
	c.lastTriggerMode = c.settings.trigger.mode
	return nil
}

// finishCapture fetches a completed capture and hands it to the
// subscribers
func (c *Control) finishCapture() error {
	raw, err := c.fetchSamples()
	if err != nil {
		if errors.Is(err, usb.ErrNoDevice) {
			return err
		}
		c.logger.Warn("Fetching samples failed", zap.Error(err))
		raw = nil
	}
	if c.samplingStarted && raw != nil {
		c.publish(c.convertSamples(raw))
	}
	if c.settings.trigger.mode == TriggerSingle && c.samplingStarted {
		c.stopSampling()
	}
	c.samplingStarted = false
	return nil
}

// updateInterval adapts the poll cycle to a quarter of the time the
// hardware needs to refill its sample buffer
func (c *Control) updateInterval() {
	rate := c.settings.samplerate.current
	if rate <= 0 {
		c.cycleTime = c.config.PollInterval
		return
	}

	var samples float64
	if c.isRollMode() {
		samples = float64(c.device.InPacketSize())
		if c.isFastRate() {
			samples /= hantek.ChannelCount
		}
	} else {
		samples = float64(c.recordLength())
	}

	c.cycleTime = time.Duration(samples / rate / 4 * float64(time.Second))
	if c.cycleTime < c.config.PollInterval {
		c.cycleTime = c.config.PollInterval
	}
	if c.cycleTime > time.Second {
		c.cycleTime = time.Second
	}
}

// Subscribe registers a capture consumer. Consumers that fall behind
// miss captures instead of stalling the acquisition loop.
func (c *Control) Subscribe() (uuid.UUID, <-chan Capture) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := uuid.New()
	ch := make(chan Capture, c.config.SubscriberBuffer)
	c.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a capture consumer and closes its channel
func (c *Control) Unsubscribe(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.subscribers[id]; ok {
		delete(c.subscribers, id)
		close(ch)
	}
}

func (c *Control) publish(capture Capture) {
	for _, ch := range c.subscribers {
		select {
		case ch <- capture:
		default:
		}
	}
}

// Run drives the acquisition loop until the context is done or the
// device disappears. It returns nil on a clean stop and the fatal
// transfer error otherwise.
func (c *Control) Run(ctx context.Context) error {
	c.logger.Info("Acquisition loop started")
	defer c.logger.Info("Acquisition loop finished")

	for {
		if err := c.step(); err != nil {
			c.logger.Error("Acquisition loop failed", zap.Error(err))
			return err
		}

		c.mu.Lock()
		wait := c.cycleTime
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case <-c.device.Disconnected():
			c.logger.Info("Device disconnected, stopping acquisition")
			return nil
		case <-time.After(wait):
		}
	}
}
