// internal/hantek/control.go
package hantek

// Control command packets. Unlike bulk packets these carry no opcode byte;
// the control request code addresses them instead.

// ControlBeginCommand is the 10 byte packet every bulk command must be
// announced with (request 0xb3)
type ControlBeginCommand struct {
	packet
}

func NewControlBeginCommand(index CommandIndex) *ControlBeginCommand {
	c := &ControlBeginCommand{newPacket(10)}
	c.raw[0] = 0x0f
	c.raw[1] = byte(index)
	return c
}

func (c *ControlBeginCommand) Index() CommandIndex { return CommandIndex(c.raw[1]) }

func (c *ControlBeginCommand) SetIndex(index CommandIndex) { c.raw[1] = byte(index) }

// ControlGetSpeed is the 10 byte response of the speed request (0xb2)
type ControlGetSpeed struct {
	packet
}

func NewControlGetSpeed() *ControlGetSpeed {
	return &ControlGetSpeed{newPacket(10)}
}

// Speed returns the speed level the device reported in byte 0
func (c *ControlGetSpeed) Speed() ConnectionSpeed { return ConnectionSpeed(c.raw[0]) }

// ControlSetOffset carries the offset calibration values (request 0xb4).
// Each 10 bit offset is stored high byte first; reads mask the high byte
// down to its low nibble like the hardware does.
type ControlSetOffset struct {
	packet
}

func NewControlSetOffset() *ControlSetOffset {
	return &ControlSetOffset{newPacket(17)}
}

// Channel returns the offset of the given channel (0 or 1)
func (c *ControlSetOffset) Channel(channel int) uint16 {
	if channel == 0 {
		return uint16(c.raw[0]&0x0f)<<8 | uint16(c.raw[1])
	}
	return uint16(c.raw[2]&0x0f)<<8 | uint16(c.raw[3])
}

// SetChannel sets the offset for the given channel (0 or 1)
func (c *ControlSetOffset) SetChannel(channel int, offset uint16) {
	if channel == 0 {
		c.raw[0] = byte(offset >> 8)
		c.raw[1] = byte(offset)
	} else {
		c.raw[2] = byte(offset >> 8)
		c.raw[3] = byte(offset)
	}
}

// Trigger returns the trigger level offset
func (c *ControlSetOffset) Trigger() uint16 {
	return uint16(c.raw[4]&0x0f)<<8 | uint16(c.raw[5])
}

// SetTrigger sets the trigger level offset
func (c *ControlSetOffset) SetTrigger(level uint16) {
	c.raw[4] = byte(level >> 8)
	c.raw[5] = byte(level)
}

// ControlSetRelays switches the input stage relays (request 0xb5). Each
// relay owns one byte holding either its select bit or the complement of
// it; a relay reads as engaged when its select bit is absent.
type ControlSetRelays struct {
	packet
}

func NewControlSetRelays() *ControlSetRelays {
	c := &ControlSetRelays{newPacket(17)}
	c.SetBelow1V(0, false)
	c.SetBelow100mV(0, false)
	c.SetCoupling(0, false)
	c.SetBelow1V(1, false)
	c.SetBelow100mV(1, false)
	c.SetCoupling(1, false)
	c.SetTrigger(false)
	return c
}

// Below1V reports whether the gain relay of the channel is set below 1 V
func (c *ControlSetRelays) Below1V(channel int) bool {
	if channel == 0 {
		return c.raw[1]&0x04 == 0
	}
	return c.raw[4]&0x20 == 0
}

func (c *ControlSetRelays) SetBelow1V(channel int, below bool) {
	if channel == 0 {
		c.raw[1] = relayByte(below, 0x04)
	} else {
		c.raw[4] = relayByte(below, 0x20)
	}
}

// Below100mV reports whether the gain relay of the channel is set below
// 100 mV
func (c *ControlSetRelays) Below100mV(channel int) bool {
	if channel == 0 {
		return c.raw[2]&0x08 == 0
	}
	return c.raw[5]&0x40 == 0
}

func (c *ControlSetRelays) SetBelow100mV(channel int, below bool) {
	if channel == 0 {
		c.raw[2] = relayByte(below, 0x08)
	} else {
		c.raw[5] = relayByte(below, 0x40)
	}
}

// Coupling reports whether the channel coupling relay is set to DC
func (c *ControlSetRelays) Coupling(channel int) bool {
	if channel == 0 {
		return c.raw[3]&0x02 == 0
	}
	return c.raw[6]&0x10 == 0
}

func (c *ControlSetRelays) SetCoupling(channel int, dc bool) {
	if channel == 0 {
		c.raw[3] = relayByte(dc, 0x02)
	} else {
		c.raw[6] = relayByte(dc, 0x10)
	}
}

// Trigger reports whether the external trigger relay is engaged
func (c *ControlSetRelays) Trigger() bool { return c.raw[7]&0x01 == 0 }

func (c *ControlSetRelays) SetTrigger(ext bool) { c.raw[7] = relayByte(ext, 0x01) }

// relayByte encodes one relay state: the select bit when disengaged, its
// complement when engaged
func relayByte(engaged bool, bit byte) byte {
	if engaged {
		return ^bit
	}
	return bit
}

// ControlSetVoltDiv sets the voltage divider of one 6022 channel
// (requests 0xe0/0xe1, single gain index byte)
type ControlSetVoltDiv struct {
	packet
}

func NewControlSetVoltDiv() *ControlSetVoltDiv {
	c := &ControlSetVoltDiv{newPacket(1)}
	c.SetDiv(5)
	return c
}

func (c *ControlSetVoltDiv) Div() uint8 { return c.raw[0] }

func (c *ControlSetVoltDiv) SetDiv(val uint8) { c.raw[0] = val }

// ControlSetTimeDiv sets the 6022 timebase divider (request 0xe2)
type ControlSetTimeDiv struct {
	packet
}

func NewControlSetTimeDiv() *ControlSetTimeDiv {
	c := &ControlSetTimeDiv{newPacket(1)}
	c.SetDiv(1)
	return c
}

func (c *ControlSetTimeDiv) Div() uint8 { return c.raw[0] }

func (c *ControlSetTimeDiv) SetDiv(val uint8) { c.raw[0] = val }

// ControlAcquireHardData starts a 6022 hardware acquisition (request 0xe3)
type ControlAcquireHardData struct {
	packet
}

func NewControlAcquireHardData() *ControlAcquireHardData {
	c := &ControlAcquireHardData{newPacket(1)}
	c.raw[0] = 0x01
	return c
}

// OffsetLimits holds the offset calibration range the device reports per
// gain step: the raw sample value at the bottom and top of the screen.
type OffsetLimit struct {
	Start uint16
	End   uint16
}

// OffsetLimitsSize is the byte length of the ValueOffsetLimits response:
// two channels of GainStepCount start/end pairs, 16 bit big endian.
const OffsetLimitsSize = ChannelCount * GainStepCount * 4

// ParseOffsetLimits decodes the ValueOffsetLimits calibration block into
// per-channel, per-gain-step limits. The calibration values arrive high
// byte first, like the offsets in the SetOffset command.
func ParseOffsetLimits(raw []byte) [ChannelCount][GainStepCount]OffsetLimit {
	var limits [ChannelCount][GainStepCount]OffsetLimit
	offset := 0
	for channel := 0; channel < ChannelCount; channel++ {
		for step := 0; step < GainStepCount; step++ {
			limits[channel][step] = OffsetLimit{
				Start: uint16(raw[offset])<<8 | uint16(raw[offset+1]),
				End:   uint16(raw[offset+2])<<8 | uint16(raw[offset+3]),
			}
			offset += 4
		}
	}
	return limits
}
