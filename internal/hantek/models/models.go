// internal/hantek/models/models.go
package models

import (
	"math"

	"github.com/rogovsky/openhantek-1/internal/hantek"
)

// RollingRecordLength marks the record length table entry used for roll
// mode
const RollingRecordLength = math.MaxUint32

// ID identifies a supported hardware model
type ID int

const (
	DSO2090 ID = iota
	DSO2090A
	DSO2150
	DSO2250
	DSO5200
	DSO5200A
	DSO6022BE
	DSO6022LE
)

// BulkCommands maps each logical bulk operation onto the opcode a model
// uses for it. Several operations can share one opcode when the hardware
// folds them into a single packet.
type BulkCommands struct {
	SetChannels     hantek.BulkCode
	SetSamplerate   hantek.BulkCode
	SetGain         hantek.BulkCode
	SetRecordLength hantek.BulkCode
	SetTrigger      hantek.BulkCode
	SetPretrigger   hantek.BulkCode
}

// ControlCommands maps the logical control operations onto request codes
type ControlCommands struct {
	SetOffset hantek.ControlCode
	SetRelays hantek.ControlCode
}

// Commands bundles the command codes a model understands
type Commands struct {
	Bulk    BulkCommands
	Control ControlCommands
}

// SamplerateLimits bound samplerate calculations for one channel mode
type SamplerateLimits struct {
	Base           float64  // base samplerate for divider calculations
	Max            float64  // maximum samplerate
	MaxDownsampler uint32   // maximum downsampling ratio
	RecordLengths  []uint32 // RollingRecordLength means roll mode
}

// Samplerate holds the limits for single and multi channel mode
type Samplerate struct {
	Single SamplerateLimits
	Multi  SamplerateLimits
}

// ControlSpecification describes the protocol dialect and the hardware
// limits of one model
type ControlSpecification struct {
	Commands   Commands
	Samplerate Samplerate

	BufferDividers []uint32
	GainSteps      []float64 // available voltage steps in V/screenheight
	SampleSize     uint8     // bits per sample

	// VoltageLimit holds the raw sample value at the top of the screen
	// per channel and gain step
	VoltageLimit [hantek.ChannelCount][]uint16
	// GainIndex maps each gain step onto the hardware gain id
	GainIndex []uint8

	// 6022 specific tables
	GainDiv     []uint8
	SampleSteps []float64
	SampleDiv   []uint8

	SoftwareTrigger        bool // trigger is evaluated in software
	UseControlNoBulk       bool // all commands go through control requests
	SupportsCaptureState   bool
	SupportsOffset         bool
	SupportsCouplingRelays bool
}

// Model describes one supported oscilloscope: the USB identity to find it
// on the bus, the firmware it needs, and its protocol specification.
type Model struct {
	ID        ID
	VendorID  uint16
	ProductID uint16
	// Identity before firmware upload
	VendorIDNoFirmware  uint16
	ProductIDNoFirmware uint16
	// FirmwareToken names the <token>-loader.hex/<token>-firmware.hex pair
	FirmwareToken string
	Name          string
	Spec          ControlSpecification

	// InPacketSizeOverride replaces the endpoint packet size used for
	// chunked sample reads when nonzero
	InPacketSizeOverride int
}

// HasFirmware reports whether the given USB identity is the flashed one
func (m *Model) HasFirmware(vendorID, productID uint16) bool {
	return vendorID == m.VendorID && productID == m.ProductID
}

// MatchesRaw reports whether the given USB identity is the pre-firmware one
func (m *Model) MatchesRaw(vendorID, productID uint16) bool {
	return vendorID == m.VendorIDNoFirmware && productID == m.ProductIDNoFirmware
}

var stdGainSteps = []float64{0.08, 0.16, 0.40, 0.80, 1.60, 4.00, 8.0, 16.0, 40.0}

func flatVoltageLimit(value uint16) []uint16 {
	limit := make([]uint16, hantek.GainStepCount)
	for i := range limit {
		limit[i] = value
	}
	return limit
}

// dso2090 and dso2150 fold channels, samplerate, record length, trigger and
// pretrigger into the single 0x01 packet.
func commandSet2090() Commands {
	return Commands{
		Bulk: BulkCommands{
			SetChannels:     hantek.BulkCodeSetTriggerAndSamplerate,
			SetSamplerate:   hantek.BulkCodeSetTriggerAndSamplerate,
			SetGain:         hantek.BulkCodeSetGain,
			SetRecordLength: hantek.BulkCodeSetTriggerAndSamplerate,
			SetTrigger:      hantek.BulkCodeSetTriggerAndSamplerate,
			SetPretrigger:   hantek.BulkCodeSetTriggerAndSamplerate,
		},
		Control: ControlCommands{
			SetOffset: hantek.ControlCodeSetOffset,
			SetRelays: hantek.ControlCodeSetRelays,
		},
	}
}

func newDSO2090() *Model {
	return &Model{
		ID:                  DSO2090,
		VendorID:            0x04b5,
		ProductID:           0x2090,
		VendorIDNoFirmware:  0x04b4,
		ProductIDNoFirmware: 0x2090,
		FirmwareToken:       "dso2090x86",
		Name:                "DSO-2090",
		Spec: ControlSpecification{
			Commands: commandSet2090(),
			Samplerate: Samplerate{
				Single: SamplerateLimits{
					Base:           50e6,
					Max:            50e6,
					MaxDownsampler: 131072,
					RecordLengths:  []uint32{RollingRecordLength, 10240, 32768},
				},
				Multi: SamplerateLimits{
					Base:           100e6,
					Max:            100e6,
					MaxDownsampler: 131072,
					RecordLengths:  []uint32{RollingRecordLength, 20480, 65536},
				},
			},
			BufferDividers: []uint32{1000, 1, 1},
			GainSteps:      stdGainSteps,
			VoltageLimit: [hantek.ChannelCount][]uint16{
				flatVoltageLimit(255),
				flatVoltageLimit(255),
			},
			GainIndex:              []uint8{0, 1, 2, 0, 1, 2, 0, 1, 2},
			SampleSize:             8,
			SupportsCaptureState:   true,
			SupportsOffset:         true,
			SupportsCouplingRelays: true,
		},
	}
}

// The DSO-2090A ships with a blank Cypress controller, so it enumerates
// with the default EZ-USB product id until firmware is uploaded.
func newDSO2090A() *Model {
	m := newDSO2090()
	m.ID = DSO2090A
	m.ProductIDNoFirmware = 0x8613
	return m
}

func newDSO2150() *Model {
	return &Model{
		ID:                  DSO2150,
		VendorID:            0x04b5,
		ProductID:           0x2150,
		VendorIDNoFirmware:  0x04b4,
		ProductIDNoFirmware: 0x2150,
		FirmwareToken:       "dso2150x86",
		Name:                "DSO-2150",
		Spec: ControlSpecification{
			Commands: commandSet2090(),
			Samplerate: Samplerate{
				Single: SamplerateLimits{
					Base:           50e6,
					Max:            75e6,
					MaxDownsampler: 131072,
					RecordLengths:  []uint32{RollingRecordLength, 10240, 32768},
				},
				Multi: SamplerateLimits{
					Base:           100e6,
					Max:            150e6,
					MaxDownsampler: 131072,
					RecordLengths:  []uint32{RollingRecordLength, 20480, 65536},
				},
			},
			BufferDividers: []uint32{1000, 1, 1},
			GainSteps:      stdGainSteps,
			VoltageLimit: [hantek.ChannelCount][]uint16{
				flatVoltageLimit(255),
				flatVoltageLimit(255),
			},
			GainIndex:              []uint8{0, 1, 2, 0, 1, 2, 0, 1, 2},
			SampleSize:             8,
			SupportsCaptureState:   true,
			SupportsOffset:         true,
			SupportsCouplingRelays: true,
		},
	}
}

func newDSO2250() *Model {
	return &Model{
		ID:                  DSO2250,
		VendorID:            0x04b5,
		ProductID:           0x2250,
		VendorIDNoFirmware:  0x04b4,
		ProductIDNoFirmware: 0x2250,
		FirmwareToken:       "dso2250x86",
		Name:                "DSO-2250",
		Spec: ControlSpecification{
			Commands: Commands{
				Bulk: BulkCommands{
					SetChannels:     hantek.BulkCodeBSetChannels,
					SetSamplerate:   hantek.BulkCodeESetTriggerOrSamplerate,
					SetGain:         hantek.BulkCodeSetGain,
					SetRecordLength: hantek.BulkCodeDSetBuffer,
					SetTrigger:      hantek.BulkCodeCSetTriggerOrSamplerate,
					SetPretrigger:   hantek.BulkCodeFSetBuffer,
				},
				Control: ControlCommands{
					SetOffset: hantek.ControlCodeSetOffset,
					SetRelays: hantek.ControlCodeSetRelays,
				},
			},
			Samplerate: Samplerate{
				Single: SamplerateLimits{
					Base:           100e6,
					Max:            100e6,
					MaxDownsampler: 65536,
					RecordLengths:  []uint32{RollingRecordLength, 10240, 524288},
				},
				Multi: SamplerateLimits{
					Base:           200e6,
					Max:            250e6,
					MaxDownsampler: 65536,
					RecordLengths:  []uint32{RollingRecordLength, 20480, 1048576},
				},
			},
			BufferDividers: []uint32{1000, 1, 1},
			GainSteps:      stdGainSteps,
			VoltageLimit: [hantek.ChannelCount][]uint16{
				flatVoltageLimit(255),
				flatVoltageLimit(255),
			},
			GainIndex:              []uint8{0, 2, 3, 0, 2, 3, 0, 2, 3},
			SampleSize:             8,
			SupportsCaptureState:   true,
			SupportsOffset:         true,
			SupportsCouplingRelays: true,
		},
	}
}

func newDSO5200() *Model {
	return &Model{
		ID:                  DSO5200,
		VendorID:            0x04b5,
		ProductID:           0x5200,
		VendorIDNoFirmware:  0x04b4,
		ProductIDNoFirmware: 0x5200,
		FirmwareToken:       "dso5200x86",
		Name:                "DSO-5200",
		Spec: ControlSpecification{
			Commands: Commands{
				Bulk: BulkCommands{
					SetChannels:     hantek.BulkCodeESetTriggerOrSamplerate,
					SetSamplerate:   hantek.BulkCodeCSetTriggerOrSamplerate,
					SetGain:         hantek.BulkCodeSetGain,
					SetRecordLength: hantek.BulkCodeDSetBuffer,
					SetTrigger:      hantek.BulkCodeESetTriggerOrSamplerate,
					SetPretrigger:   hantek.BulkCodeESetTriggerOrSamplerate,
				},
				Control: ControlCommands{
					SetOffset: hantek.ControlCodeSetOffset,
					SetRelays: hantek.ControlCodeSetRelays,
				},
			},
			Samplerate: Samplerate{
				Single: SamplerateLimits{
					Base:           100e6,
					Max:            125e6,
					MaxDownsampler: 131072,
					RecordLengths:  []uint32{RollingRecordLength, 10240, 14336},
				},
				Multi: SamplerateLimits{
					Base:           200e6,
					Max:            250e6,
					MaxDownsampler: 131072,
					RecordLengths:  []uint32{RollingRecordLength, 20480, 28672},
				},
			},
			BufferDividers: []uint32{1000, 1, 1},
			GainSteps:      []float64{0.16, 0.40, 0.80, 1.60, 4.00, 8.0, 16.0, 40.0, 80.0},
			VoltageLimit: [hantek.ChannelCount][]uint16{
				{368, 454, 908, 368, 454, 908, 368, 454, 908},
				{368, 454, 908, 368, 454, 908, 368, 454, 908},
			},
			GainIndex:              []uint8{1, 0, 0, 1, 0, 0, 1, 0, 0},
			SampleSize:             10,
			SupportsCaptureState:   true,
			SupportsOffset:         true,
			SupportsCouplingRelays: true,
		},
	}
}

func newDSO5200A() *Model {
	m := newDSO5200()
	m.ID = DSO5200A
	m.ProductID = 0x520a
	m.ProductIDNoFirmware = 0x520a
	m.FirmwareToken = "dso5200ax86"
	m.Name = "DSO-5200A"
	return m
}

// The 6022 models speak no bulk commands at all; everything is driven
// through the 0xe0..0xe3 control requests and samples are fetched with
// oversized chunked reads.
func newDSO6022BE() *Model {
	return &Model{
		ID:                   DSO6022BE,
		VendorID:             0x04b5,
		ProductID:            0x6022,
		VendorIDNoFirmware:   0x04b4,
		ProductIDNoFirmware:  0x6022,
		FirmwareToken:        "dso6022be",
		Name:                 "DSO-6022BE",
		InPacketSizeOverride: 16384,
		Spec: ControlSpecification{
			Commands: Commands{
				Bulk: BulkCommands{
					SetChannels:     hantek.BulkCodeNone,
					SetSamplerate:   hantek.BulkCodeNone,
					SetGain:         hantek.BulkCodeNone,
					SetRecordLength: hantek.BulkCodeNone,
					SetTrigger:      hantek.BulkCodeNone,
					SetPretrigger:   hantek.BulkCodeNone,
				},
			},
			Samplerate: Samplerate{
				Single: SamplerateLimits{
					Base:           1e6,
					Max:            48e6,
					MaxDownsampler: 10,
					RecordLengths:  []uint32{RollingRecordLength, 10240},
				},
				Multi: SamplerateLimits{
					Base:           1e6,
					Max:            48e6,
					MaxDownsampler: 10,
					RecordLengths:  []uint32{RollingRecordLength, 20480},
				},
			},
			BufferDividers: []uint32{1000, 1, 1},
			GainSteps:      stdGainSteps,
			VoltageLimit: [hantek.ChannelCount][]uint16{
				{25, 51, 103, 206, 412, 196, 392, 784, 1000},
				{25, 51, 103, 206, 412, 196, 392, 784, 1000},
			},
			GainDiv:     []uint8{10, 10, 10, 10, 10, 2, 2, 2, 1},
			SampleSteps: []float64{1e5, 2e5, 5e5, 1e6, 2e6, 4e6, 8e6, 16e6, 24e6, 48e6},
			SampleDiv:   []uint8{10, 20, 50, 1, 2, 4, 8, 16, 24, 48},
			SampleSize:  8,

			SoftwareTrigger:        true,
			UseControlNoBulk:       true,
			SupportsCaptureState:   false,
			SupportsOffset:         false,
			SupportsCouplingRelays: false,
		},
	}
}

func newDSO6022LE() *Model {
	m := newDSO6022BE()
	m.ID = DSO6022LE
	m.ProductID = 0x602a
	m.ProductIDNoFirmware = 0x602a
	m.Name = "DSO-6022LE"
	return m
}

// Supported returns the descriptors of all supported hardware models
func Supported() []*Model {
	return []*Model{
		newDSO2090(), newDSO2090A(), newDSO2150(), newDSO2250(),
		newDSO5200(), newDSO5200A(), newDSO6022BE(), newDSO6022LE(),
	}
}

// ByFlashedID returns the first model matching a flashed USB identity
func ByFlashedID(vendorID, productID uint16) *Model {
	for _, m := range Supported() {
		if m.HasFirmware(vendorID, productID) {
			return m
		}
	}
	return nil
}

// ByRawID returns the first model matching a pre-firmware USB identity
func ByRawID(vendorID, productID uint16) *Model {
	for _, m := range Supported() {
		if m.MatchesRaw(vendorID, productID) {
			return m
		}
	}
	return nil
}
