// internal/hantek/bulk.go
package hantek

// Bulk command packets. Byte 0 carries the opcode, byte 1 a sub-index
// (0x00 everywhere except BulkSetFilter). The remaining layout differs per
// command and per hardware model; several models share an opcode slot with
// structurally different packets, so each variant is its own type.

// BulkSetFilter sets the channel and trigger filter (opcode 0x00).
// Byte 2 packs one enable bit per source.
type BulkSetFilter struct {
	packet
}

func NewBulkSetFilter() *BulkSetFilter {
	c := &BulkSetFilter{newPacket(8)}
	c.raw[0] = byte(BulkCodeSetFilter)
	c.raw[1] = 0x0f
	return c
}

// Channel reports whether the given channel (0 or 1) is filtered out
func (c *BulkSetFilter) Channel(channel int) bool {
	if channel == 0 {
		return getFlag(c.raw[2], 0)
	}
	return getFlag(c.raw[2], 1)
}

// SetChannel filters the given channel (0 or 1) out of the acquisition
func (c *BulkSetFilter) SetChannel(channel int, filtered bool) {
	if channel == 0 {
		setFlag(&c.raw[2], 0, filtered)
	} else {
		setFlag(&c.raw[2], 1, filtered)
	}
}

// Trigger reports whether the trigger is filtered out
func (c *BulkSetFilter) Trigger() bool { return getFlag(c.raw[2], 2) }

// SetTrigger filters the trigger out of the acquisition
func (c *BulkSetFilter) SetTrigger(filtered bool) { setFlag(&c.raw[2], 2, filtered) }

// BulkSetTriggerAndSamplerate carries trigger and timebase settings for the
// DSO-2090 and DSO-2150 (opcode 0x01). Byte 2 packs trigger source, record
// length id and samplerate id, byte 3 the channel and slope bits. The
// downsampler divider sits at bytes 4-5 little endian. The 24-bit trigger
// position is split: low and mid byte at 6-7, high byte at 10.
type BulkSetTriggerAndSamplerate struct {
	packet
}

func NewBulkSetTriggerAndSamplerate() *BulkSetTriggerAndSamplerate {
	c := &BulkSetTriggerAndSamplerate{newPacket(12)}
	c.raw[0] = byte(BulkCodeSetTriggerAndSamplerate)
	return c
}

func (c *BulkSetTriggerAndSamplerate) TriggerSource() uint8 { return getBits(c.raw[2], 0, 2) }

func (c *BulkSetTriggerAndSamplerate) SetTriggerSource(value uint8) {
	setBits(&c.raw[2], 0, 2, value)
}

func (c *BulkSetTriggerAndSamplerate) RecordLength() RecordLengthID {
	return RecordLengthID(getBits(c.raw[2], 2, 3))
}

func (c *BulkSetTriggerAndSamplerate) SetRecordLength(value RecordLengthID) {
	setBits(&c.raw[2], 2, 3, uint8(value))
}

func (c *BulkSetTriggerAndSamplerate) SamplerateID() uint8 { return getBits(c.raw[2], 5, 2) }

func (c *BulkSetTriggerAndSamplerate) SetSamplerateID(value uint8) {
	setBits(&c.raw[2], 5, 2, value)
}

func (c *BulkSetTriggerAndSamplerate) DownsamplingMode() bool { return getFlag(c.raw[2], 7) }

func (c *BulkSetTriggerAndSamplerate) SetDownsamplingMode(downsampling bool) {
	setFlag(&c.raw[2], 7, downsampling)
}

func (c *BulkSetTriggerAndSamplerate) UsedChannels() UsedChannels {
	return UsedChannels(getBits(c.raw[3], 0, 2))
}

func (c *BulkSetTriggerAndSamplerate) SetUsedChannels(value UsedChannels) {
	setBits(&c.raw[3], 0, 2, uint8(value))
}

func (c *BulkSetTriggerAndSamplerate) FastRate() bool { return getFlag(c.raw[3], 2) }

func (c *BulkSetTriggerAndSamplerate) SetFastRate(fastRate bool) { setFlag(&c.raw[3], 2, fastRate) }

func (c *BulkSetTriggerAndSamplerate) TriggerSlope() uint8 { return getBits(c.raw[3], 3, 1) }

func (c *BulkSetTriggerAndSamplerate) SetTriggerSlope(slope uint8) {
	setBits(&c.raw[3], 3, 1, slope)
}

// Downsampler is the 16 bit samplerate divider value
func (c *BulkSetTriggerAndSamplerate) Downsampler() uint16 { return getUint16(c.raw, 4) }

func (c *BulkSetTriggerAndSamplerate) SetDownsampler(downsampler uint16) {
	putUint16(c.raw, 4, downsampler)
}

// TriggerPosition is the pretrigger position in samples
func (c *BulkSetTriggerAndSamplerate) TriggerPosition() uint32 {
	return uint32(c.raw[6]) | uint32(c.raw[7])<<8 | uint32(c.raw[10])<<16
}

func (c *BulkSetTriggerAndSamplerate) SetTriggerPosition(position uint32) {
	c.raw[6] = byte(position)
	c.raw[7] = byte(position >> 8)
	c.raw[10] = byte(position >> 16)
}

// BulkForceTrigger forces triggering (opcode 0x02)
type BulkForceTrigger struct {
	packet
}

func NewBulkForceTrigger() *BulkForceTrigger {
	c := &BulkForceTrigger{newPacket(2)}
	c.raw[0] = byte(BulkCodeForceTrigger)
	return c
}

// BulkCaptureStart starts capturing (opcode 0x03)
type BulkCaptureStart struct {
	packet
}

func NewBulkCaptureStart() *BulkCaptureStart {
	c := &BulkCaptureStart{newPacket(2)}
	c.raw[0] = byte(BulkCodeStartSampling)
	return c
}

// BulkTriggerEnabled enables the trigger (opcode 0x04)
type BulkTriggerEnabled struct {
	packet
}

func NewBulkTriggerEnabled() *BulkTriggerEnabled {
	c := &BulkTriggerEnabled{newPacket(2)}
	c.raw[0] = byte(BulkCodeEnableTrigger)
	return c
}

// BulkGetData requests the sample buffer (opcode 0x05)
type BulkGetData struct {
	packet
}

func NewBulkGetData() *BulkGetData {
	c := &BulkGetData{newPacket(2)}
	c.raw[0] = byte(BulkCodeGetData)
	return c
}

// BulkGetCaptureState requests the capture state (opcode 0x06)
type BulkGetCaptureState struct {
	packet
}

func NewBulkGetCaptureState() *BulkGetCaptureState {
	c := &BulkGetCaptureState{newPacket(2)}
	c.raw[0] = byte(BulkCodeGetCaptureState)
	return c
}

// CaptureStateResponse is the 512 byte answer the device returns after a
// BulkGetCaptureState command
type CaptureStateResponse struct {
	packet
}

func NewCaptureStateResponse() *CaptureStateResponse {
	return &CaptureStateResponse{newPacket(512)}
}

// CaptureState returns the acquisition state from byte 0
func (r *CaptureStateResponse) CaptureState() CaptureState {
	return CaptureState(r.raw[0])
}

// TriggerPoint reassembles the trigger point from its hardware byte order:
// bytes 2 and 3 are the low and mid byte, byte 1 the high byte. The value
// still needs the gray-like decode done by the acquisition layer.
func (r *CaptureStateResponse) TriggerPoint() uint32 {
	return uint32(r.raw[2]) | uint32(r.raw[3])<<8 | uint32(r.raw[1])<<16
}

// BulkSetGain sets the internal gain relays (opcode 0x07). Byte 2 packs two
// bits per channel, usually sent together with the relay control packet.
type BulkSetGain struct {
	packet
}

func NewBulkSetGain() *BulkSetGain {
	c := &BulkSetGain{newPacket(8)}
	c.raw[0] = byte(BulkCodeSetGain)
	return c
}

// Gain returns the gain value of the given channel (0 or 1)
func (c *BulkSetGain) Gain(channel int) uint8 {
	if channel == 0 {
		return getBits(c.raw[2], 0, 2)
	}
	return getBits(c.raw[2], 2, 2)
}

// SetGain sets the gain value for the given channel (0 or 1)
func (c *BulkSetGain) SetGain(channel int, value uint8) {
	if channel == 0 {
		setBits(&c.raw[2], 0, 2, value)
	} else {
		setBits(&c.raw[2], 2, 2, value)
	}
}

// BulkSetLogicalData sets the data for the logic analyzer add-on
// (opcode 0x08)
type BulkSetLogicalData struct {
	packet
}

func NewBulkSetLogicalData() *BulkSetLogicalData {
	c := &BulkSetLogicalData{newPacket(8)}
	c.raw[0] = byte(BulkCodeSetLogicalData)
	return c
}

func (c *BulkSetLogicalData) Data() uint8 { return c.raw[2] }

func (c *BulkSetLogicalData) SetData(data uint8) { c.raw[2] = data }

// BulkGetLogicalData reads back the logic analyzer data (opcode 0x09)
type BulkGetLogicalData struct {
	packet
}

func NewBulkGetLogicalData() *BulkGetLogicalData {
	c := &BulkGetLogicalData{newPacket(2)}
	c.raw[0] = byte(BulkCodeGetLogicalData)
	return c
}

// BulkSetChannels2250 selects the used channels on the DSO-2250
// (opcode 0x0b). The channel assignment differs from the other models,
// see the Used2250 constants.
type BulkSetChannels2250 struct {
	packet
}

func NewBulkSetChannels2250() *BulkSetChannels2250 {
	c := &BulkSetChannels2250{newPacket(4)}
	c.raw[0] = byte(BulkCodeBSetChannels)
	return c
}

func (c *BulkSetChannels2250) UsedChannels() UsedChannels { return UsedChannels(c.raw[2]) }

func (c *BulkSetChannels2250) SetUsedChannels(value UsedChannels) { c.raw[2] = byte(value) }

// BulkSetTrigger2250 carries the DSO-2250 trigger settings (opcode 0x0c)
type BulkSetTrigger2250 struct {
	packet
}

func NewBulkSetTrigger2250() *BulkSetTrigger2250 {
	c := &BulkSetTrigger2250{newPacket(8)}
	c.raw[0] = byte(BulkCodeCSetTriggerOrSamplerate)
	return c
}

func (c *BulkSetTrigger2250) TriggerSource() uint8 { return getBits(c.raw[2], 0, 2) }

func (c *BulkSetTrigger2250) SetTriggerSource(value uint8) { setBits(&c.raw[2], 0, 2, value) }

func (c *BulkSetTrigger2250) TriggerSlope() uint8 { return getBits(c.raw[2], 2, 1) }

func (c *BulkSetTrigger2250) SetTriggerSlope(slope uint8) { setBits(&c.raw[2], 2, 1, slope) }

// BulkSetSamplerate5200 carries the DSO-5200 samplerate divider
// (opcode 0x0c): slow divider at bytes 2-3 little endian, fast divider at
// byte 4
type BulkSetSamplerate5200 struct {
	packet
}

func NewBulkSetSamplerate5200() *BulkSetSamplerate5200 {
	c := &BulkSetSamplerate5200{newPacket(6)}
	c.raw[0] = byte(BulkCodeCSetTriggerOrSamplerate)
	return c
}

func (c *BulkSetSamplerate5200) SamplerateFast() uint8 { return c.raw[4] }

func (c *BulkSetSamplerate5200) SetSamplerateFast(value uint8) { c.raw[4] = value }

func (c *BulkSetSamplerate5200) SamplerateSlow() uint16 { return getUint16(c.raw, 2) }

func (c *BulkSetSamplerate5200) SetSamplerateSlow(samplerate uint16) {
	putUint16(c.raw, 2, samplerate)
}

// BulkSetRecordLength2250 selects the DSO-2250 record length (opcode 0x0d)
type BulkSetRecordLength2250 struct {
	packet
}

func NewBulkSetRecordLength2250() *BulkSetRecordLength2250 {
	c := &BulkSetRecordLength2250{newPacket(4)}
	c.raw[0] = byte(BulkCodeDSetBuffer)
	return c
}

func (c *BulkSetRecordLength2250) RecordLength() RecordLengthID { return RecordLengthID(c.raw[2]) }

func (c *BulkSetRecordLength2250) SetRecordLength(value RecordLengthID) { c.raw[2] = byte(value) }

// BulkSetBuffer5200 carries the DSO-5200 trigger position and buffer
// configuration (opcode 0x0d). The pre position sits at bytes 2-3 with its
// used marker as a plain byte at 4; the post position at bytes 6-7 with its
// used marker bit-packed into byte 8 next to the record length. Bytes 5
// and 9 are fixed 0xff.
type BulkSetBuffer5200 struct {
	packet
}

func NewBulkSetBuffer5200() *BulkSetBuffer5200 {
	c := &BulkSetBuffer5200{newPacket(10)}
	c.raw[0] = byte(BulkCodeDSetBuffer)
	c.raw[5] = 0xff
	c.raw[9] = 0xff
	return c
}

func (c *BulkSetBuffer5200) TriggerPositionPre() uint16 { return getUint16(c.raw, 2) }

func (c *BulkSetBuffer5200) SetTriggerPositionPre(position uint16) {
	putUint16(c.raw, 2, position)
}

func (c *BulkSetBuffer5200) TriggerPositionPost() uint16 { return getUint16(c.raw, 6) }

func (c *BulkSetBuffer5200) SetTriggerPositionPost(position uint16) {
	putUint16(c.raw, 6, position)
}

func (c *BulkSetBuffer5200) UsedPre() TriggerPositionUsed { return TriggerPositionUsed(c.raw[4]) }

func (c *BulkSetBuffer5200) SetUsedPre(value TriggerPositionUsed) { c.raw[4] = byte(value) }

func (c *BulkSetBuffer5200) UsedPost() TriggerPositionUsed {
	return TriggerPositionUsed(getBits(c.raw[8], 0, 3))
}

func (c *BulkSetBuffer5200) SetUsedPost(value TriggerPositionUsed) {
	setBits(&c.raw[8], 0, 3, uint8(value))
}

func (c *BulkSetBuffer5200) RecordLength() RecordLengthID {
	return RecordLengthID(getBits(c.raw[8], 3, 3))
}

func (c *BulkSetBuffer5200) SetRecordLength(value RecordLengthID) {
	setBits(&c.raw[8], 3, 3, uint8(value))
}

// BulkSetSamplerate2250 carries the DSO-2250 samplerate settings
// (opcode 0x0e): mode bits at byte 2, divider at bytes 4-5 little endian
type BulkSetSamplerate2250 struct {
	packet
}

func NewBulkSetSamplerate2250() *BulkSetSamplerate2250 {
	c := &BulkSetSamplerate2250{newPacket(8)}
	c.raw[0] = byte(BulkCodeESetTriggerOrSamplerate)
	return c
}

func (c *BulkSetSamplerate2250) FastRate() bool { return getFlag(c.raw[2], 0) }

func (c *BulkSetSamplerate2250) SetFastRate(fastRate bool) { setFlag(&c.raw[2], 0, fastRate) }

func (c *BulkSetSamplerate2250) Downsampling() bool { return getFlag(c.raw[2], 1) }

func (c *BulkSetSamplerate2250) SetDownsampling(downsampling bool) {
	setFlag(&c.raw[2], 1, downsampling)
}

func (c *BulkSetSamplerate2250) Samplerate() uint16 { return getUint16(c.raw, 4) }

func (c *BulkSetSamplerate2250) SetSamplerate(samplerate uint16) { putUint16(c.raw, 4, samplerate) }

// BulkSetTrigger5200 carries the DSO-5200 trigger and channel settings
// (opcode 0x0e). Byte 2 packs all fields; the fast rate flag is stored
// inverted on the wire. Byte 4 is fixed 0x02.
type BulkSetTrigger5200 struct {
	packet
}

func NewBulkSetTrigger5200() *BulkSetTrigger5200 {
	c := &BulkSetTrigger5200{newPacket(8)}
	c.raw[0] = byte(BulkCodeESetTriggerOrSamplerate)
	c.raw[4] = 0x02
	return c
}

func (c *BulkSetTrigger5200) TriggerSource() uint8 { return getBits(c.raw[2], 3, 2) }

func (c *BulkSetTrigger5200) SetTriggerSource(value uint8) { setBits(&c.raw[2], 3, 2, value) }

func (c *BulkSetTrigger5200) UsedChannels() UsedChannels {
	return UsedChannels(getBits(c.raw[2], 1, 2))
}

func (c *BulkSetTrigger5200) SetUsedChannels(value UsedChannels) {
	setBits(&c.raw[2], 1, 2, uint8(value))
}

// FastRate reports the fast rate state, undoing the wire inversion
func (c *BulkSetTrigger5200) FastRate() bool { return !getFlag(c.raw[2], 0) }

// SetFastRate stores the fast rate state inverted, as the hardware expects
func (c *BulkSetTrigger5200) SetFastRate(fastRate bool) { setFlag(&c.raw[2], 0, !fastRate) }

func (c *BulkSetTrigger5200) TriggerSlope() uint8 { return getBits(c.raw[2], 5, 2) }

func (c *BulkSetTrigger5200) SetTriggerSlope(slope uint8) { setBits(&c.raw[2], 5, 2, slope) }

func (c *BulkSetTrigger5200) TriggerPulse() bool { return getFlag(c.raw[2], 7) }

func (c *BulkSetTrigger5200) SetTriggerPulse(pulse bool) { setFlag(&c.raw[2], 7, pulse) }

// BulkSetBuffer2250 carries the DSO-2250 trigger position configuration
// (opcode 0x0f): post position as 3 byte little endian at 2-4, pre
// position as 3 byte little endian at 6-8
type BulkSetBuffer2250 struct {
	packet
}

func NewBulkSetBuffer2250() *BulkSetBuffer2250 {
	c := &BulkSetBuffer2250{newPacket(12)}
	c.raw[0] = byte(BulkCodeFSetBuffer)
	return c
}

func (c *BulkSetBuffer2250) TriggerPositionPost() uint32 {
	return uint32(c.raw[2]) | uint32(c.raw[3])<<8 | uint32(c.raw[4])<<16
}

func (c *BulkSetBuffer2250) SetTriggerPositionPost(position uint32) {
	c.raw[2] = byte(position)
	c.raw[3] = byte(position >> 8)
	c.raw[4] = byte(position >> 16)
}

func (c *BulkSetBuffer2250) TriggerPositionPre() uint32 {
	return uint32(c.raw[6]) | uint32(c.raw[7])<<8 | uint32(c.raw[8])<<16
}

func (c *BulkSetBuffer2250) SetTriggerPositionPre(position uint32) {
	c.raw[6] = byte(position)
	c.raw[7] = byte(position >> 8)
	c.raw[8] = byte(position >> 16)
}
