// internal/hantek/codes.go
package hantek

// ChannelCount is the number of physical scope channels
const ChannelCount = 2

// GainStepCount is the number of hardware gain steps
const GainStepCount = 9

// SpecialChannelCount is the number of special trigger sources (EXT and
// EXT/10)
const SpecialChannelCount = 2

// BulkCode identifies a bulk command opcode (first byte of every bulk packet)
type BulkCode uint8

const (
	BulkCodeSetFilter               BulkCode = 0x00
	BulkCodeSetTriggerAndSamplerate BulkCode = 0x01
	BulkCodeForceTrigger            BulkCode = 0x02
	BulkCodeStartSampling           BulkCode = 0x03
	BulkCodeEnableTrigger           BulkCode = 0x04
	BulkCodeGetData                 BulkCode = 0x05
	BulkCodeGetCaptureState         BulkCode = 0x06
	BulkCodeSetGain                 BulkCode = 0x07
	BulkCodeSetLogicalData          BulkCode = 0x08
	BulkCodeGetLogicalData          BulkCode = 0x09
	BulkCodeAUnknown                BulkCode = 0x0a
	BulkCodeBSetChannels            BulkCode = 0x0b
	BulkCodeCSetTriggerOrSamplerate BulkCode = 0x0c
	BulkCodeDSetBuffer              BulkCode = 0x0d
	BulkCodeESetTriggerOrSamplerate BulkCode = 0x0e
	BulkCodeFSetBuffer              BulkCode = 0x0f

	// BulkCodeNone marks an operation a model does not support
	BulkCodeNone BulkCode = 0xff
)

// BulkCodeCount is the size of the bulk opcode space
const BulkCodeCount = 16

// ControlCode identifies a vendor control request
type ControlCode uint8

const (
	ControlCodeValue           ControlCode = 0xa2
	ControlCodeGetSpeed        ControlCode = 0xb2
	ControlCodeBeginCommand    ControlCode = 0xb3
	ControlCodeSetOffset       ControlCode = 0xb4
	ControlCodeSetRelays       ControlCode = 0xb5
	ControlCodeSetVoltDivCh1   ControlCode = 0xe0
	ControlCodeSetVoltDivCh2   ControlCode = 0xe1
	ControlCodeSetTimeDiv      ControlCode = 0xe2
	ControlCodeAcquireHardData ControlCode = 0xe3

	// ControlCodeNone marks an operation a model does not support
	ControlCodeNone ControlCode = 0x00
)

// ControlValue selects the data addressed by a ControlCodeValue request
type ControlValue uint8

const (
	// ValueOffsetLimits reads the channel offset calibration data
	ValueOffsetLimits ControlValue = 0x08
	// ValueDeviceAddress reads the USB address of the device
	ValueDeviceAddress ControlValue = 0x0a
	// ValueFastRateCalibration is only written, meaning unknown
	ValueFastRateCalibration ControlValue = 0x60
	// ValueEtsCorrection is used for DSO-5200 voltage limit correction
	ValueEtsCorrection ControlValue = 0x70
)

// CommandIndex is the selector byte of the begin-command control packet
type CommandIndex uint8

const (
	CommandIndex0 CommandIndex = 0x03 // used for most bulk commands
	CommandIndex1 CommandIndex = 0x0a
	CommandIndex2 CommandIndex = 0x09
	CommandIndex3 CommandIndex = 0x01
	CommandIndex4 CommandIndex = 0x02
	CommandIndex5 CommandIndex = 0x08
)

// ConnectionSpeed is the USB speed level the device reports
type ConnectionSpeed int

const (
	// ConnectionFullSpeed means 64 byte bulk transfers
	ConnectionFullSpeed ConnectionSpeed = 0
	// ConnectionHighSpeed means 512 byte bulk transfers
	ConnectionHighSpeed ConnectionSpeed = 1
)

// CaptureState reports acquisition progress of the hardware
type CaptureState int

const (
	CaptureWaiting   CaptureState = 0
	CaptureSampling  CaptureState = 1
	CaptureReady     CaptureState = 2
	CaptureReady2250 CaptureState = 3
	CaptureReady5200 CaptureState = 7
)

// Ready reports whether the state is one of the per-model ready values
func (s CaptureState) Ready() bool {
	return s == CaptureReady || s == CaptureReady2250 || s == CaptureReady5200
}

// UsedChannels encodes the enabled channel combination
type UsedChannels uint8

const (
	UsedCh1    UsedChannels = 0
	UsedCh2    UsedChannels = 1
	UsedCh1Ch2 UsedChannels = 2
	UsedNone   UsedChannels = 3

	// The DSO-2250 uses a different assignment in its channels command.
	Used2250Ch1    UsedChannels = 0
	Used2250None   UsedChannels = 1
	Used2250Ch1Ch2 UsedChannels = 2
	Used2250Ch2    UsedChannels = 3
)

// TriggerPositionUsed is the trigger position state for the 0x0d command
type TriggerPositionUsed uint8

const (
	TriggerPositionOff TriggerPositionUsed = 0 // roll mode
	TriggerPositionOn  TriggerPositionUsed = 7 // normal operation
)

// RecordLengthID selects one of the per-model record length table entries
type RecordLengthID uint8

const (
	RecordLengthRoll  RecordLengthID = 0
	RecordLengthSmall RecordLengthID = 1
	RecordLengthLarge RecordLengthID = 2
)
