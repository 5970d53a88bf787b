// internal/dso/commands.go
package dso

import (
	"github.com/rogovsky/openhantek-1/internal/hantek"
	"github.com/rogovsky/openhantek-1/internal/hantek/models"
)

// bulkSlot is one staged bulk command with its dirty flag
type bulkSlot struct {
	command hantek.Command
	pending bool
}

// controlSlot is one staged control request with its dirty flag
type controlSlot struct {
	code    hantek.ControlCode
	command hantek.Command
	pending bool
}

// commandSet stages every command the connected model understands. Setters
// mutate the packets in place and mark them pending; the sampling loop
// flushes pending commands before it polls the capture state. The typed
// pointers are nil for models whose dialect does not use that packet.
type commandSet struct {
	bulk    [hantek.BulkCodeCount]*bulkSlot
	control []*controlSlot

	forceTrigger    *hantek.BulkForceTrigger
	captureStart    *hantek.BulkCaptureStart
	triggerEnabled  *hantek.BulkTriggerEnabled
	getData         *hantek.BulkGetData
	getCaptureState *hantek.BulkGetCaptureState
	setGain         *hantek.BulkSetGain

	triggerAndSamplerate *hantek.BulkSetTriggerAndSamplerate

	channels2250     *hantek.BulkSetChannels2250
	trigger2250      *hantek.BulkSetTrigger2250
	recordLength2250 *hantek.BulkSetRecordLength2250
	samplerate2250   *hantek.BulkSetSamplerate2250
	buffer2250       *hantek.BulkSetBuffer2250

	samplerate5200 *hantek.BulkSetSamplerate5200
	buffer5200     *hantek.BulkSetBuffer5200
	trigger5200    *hantek.BulkSetTrigger5200

	setOffset *hantek.ControlSetOffset
	setRelays *hantek.ControlSetRelays

	voltDivCh1      *hantek.ControlSetVoltDiv
	voltDivCh2      *hantek.ControlSetVoltDiv
	timeDiv         *hantek.ControlSetTimeDiv
	acquireHardData *hantek.ControlAcquireHardData
}

// newCommandSet builds the command set for one protocol dialect. Commands
// that configure hardware state start out pending so the first flush puts
// the device into a known state.
func newCommandSet(spec *models.ControlSpecification) *commandSet {
	c := &commandSet{
		forceTrigger:    hantek.NewBulkForceTrigger(),
		captureStart:    hantek.NewBulkCaptureStart(),
		triggerEnabled:  hantek.NewBulkTriggerEnabled(),
		getData:         hantek.NewBulkGetData(),
		getCaptureState: hantek.NewBulkGetCaptureState(),
		setGain:         hantek.NewBulkSetGain(),
	}
	c.addBulk(hantek.BulkCodeForceTrigger, c.forceTrigger)
	c.addBulk(hantek.BulkCodeStartSampling, c.captureStart)
	c.addBulk(hantek.BulkCodeEnableTrigger, c.triggerEnabled)
	c.addBulk(hantek.BulkCodeGetData, c.getData)
	c.addBulk(hantek.BulkCodeGetCaptureState, c.getCaptureState)
	c.addBulk(hantek.BulkCodeSetGain, c.setGain)

	if spec.Commands.Control.SetOffset != hantek.ControlCodeNone {
		c.setOffset = hantek.NewControlSetOffset()
		c.addControl(spec.Commands.Control.SetOffset, c.setOffset)
		c.markControl(spec.Commands.Control.SetOffset)
	}
	if spec.Commands.Control.SetRelays != hantek.ControlCodeNone {
		c.setRelays = hantek.NewControlSetRelays()
		c.addControl(spec.Commands.Control.SetRelays, c.setRelays)
		c.markControl(spec.Commands.Control.SetRelays)
	}

	switch {
	case spec.UseControlNoBulk:
		c.voltDivCh1 = hantek.NewControlSetVoltDiv()
		c.addControl(hantek.ControlCodeSetVoltDivCh1, c.voltDivCh1)
		c.voltDivCh2 = hantek.NewControlSetVoltDiv()
		c.addControl(hantek.ControlCodeSetVoltDivCh2, c.voltDivCh2)
		c.timeDiv = hantek.NewControlSetTimeDiv()
		c.addControl(hantek.ControlCodeSetTimeDiv, c.timeDiv)
		c.acquireHardData = hantek.NewControlAcquireHardData()
		c.addControl(hantek.ControlCodeAcquireHardData, c.acquireHardData)
		for _, slot := range c.control {
			slot.pending = true
		}
	case spec.Commands.Bulk.SetChannels == hantek.BulkCodeSetTriggerAndSamplerate:
		c.triggerAndSamplerate = hantek.NewBulkSetTriggerAndSamplerate()
		c.addBulk(hantek.BulkCodeSetTriggerAndSamplerate, c.triggerAndSamplerate)
		c.markBulk(hantek.BulkCodeSetTriggerAndSamplerate)
	case spec.Commands.Bulk.SetChannels == hantek.BulkCodeBSetChannels:
		c.channels2250 = hantek.NewBulkSetChannels2250()
		c.addBulk(hantek.BulkCodeBSetChannels, c.channels2250)
		c.trigger2250 = hantek.NewBulkSetTrigger2250()
		c.addBulk(hantek.BulkCodeCSetTriggerOrSamplerate, c.trigger2250)
		c.recordLength2250 = hantek.NewBulkSetRecordLength2250()
		c.addBulk(hantek.BulkCodeDSetBuffer, c.recordLength2250)
		c.samplerate2250 = hantek.NewBulkSetSamplerate2250()
		c.addBulk(hantek.BulkCodeESetTriggerOrSamplerate, c.samplerate2250)
		c.buffer2250 = hantek.NewBulkSetBuffer2250()
		c.addBulk(hantek.BulkCodeFSetBuffer, c.buffer2250)
		for code := hantek.BulkCodeBSetChannels; code <= hantek.BulkCodeFSetBuffer; code++ {
			c.markBulk(code)
		}
	case spec.Commands.Bulk.SetChannels == hantek.BulkCodeESetTriggerOrSamplerate:
		c.samplerate5200 = hantek.NewBulkSetSamplerate5200()
		c.addBulk(hantek.BulkCodeCSetTriggerOrSamplerate, c.samplerate5200)
		c.buffer5200 = hantek.NewBulkSetBuffer5200()
		c.addBulk(hantek.BulkCodeDSetBuffer, c.buffer5200)
		c.trigger5200 = hantek.NewBulkSetTrigger5200()
		c.addBulk(hantek.BulkCodeESetTriggerOrSamplerate, c.trigger5200)
		for code := hantek.BulkCodeCSetTriggerOrSamplerate; code <= hantek.BulkCodeESetTriggerOrSamplerate; code++ {
			c.markBulk(code)
		}
	}

	return c
}

func (c *commandSet) addBulk(code hantek.BulkCode, command hantek.Command) {
	c.bulk[code] = &bulkSlot{command: command}
}

func (c *commandSet) addControl(code hantek.ControlCode, command hantek.Command) {
	c.control = append(c.control, &controlSlot{code: code, command: command})
}

// markBulk flags a staged bulk command for the next flush. Codes the model
// does not stage are ignored.
func (c *commandSet) markBulk(code hantek.BulkCode) {
	if int(code) < len(c.bulk) && c.bulk[code] != nil {
		c.bulk[code].pending = true
	}
}

// markControl flags a staged control request for the next flush
func (c *commandSet) markControl(code hantek.ControlCode) {
	for _, slot := range c.control {
		if slot.code == code {
			slot.pending = true
		}
	}
}
