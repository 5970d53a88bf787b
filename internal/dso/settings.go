// internal/dso/settings.go

// Package dso drives a connected oscilloscope: it stages protocol commands
// for the configured acquisition state, runs the sampling loop and converts
// raw capture data into voltage samples.
package dso

import (
	"github.com/google/uuid"

	"github.com/rogovsky/openhantek-1/internal/hantek"
	"github.com/rogovsky/openhantek-1/internal/hantek/models"
)

// Coupling selects how a channel input is wired to the ADC
type Coupling int

const (
	CouplingAC Coupling = iota
	CouplingDC
	CouplingGND
)

func (c Coupling) String() string {
	switch c {
	case CouplingAC:
		return "ac"
	case CouplingDC:
		return "dc"
	case CouplingGND:
		return "gnd"
	}
	return "unknown"
}

// TriggerMode selects when a capture is started and delivered
type TriggerMode int

const (
	// TriggerAuto forces a trigger when no event shows up for a while
	TriggerAuto TriggerMode = iota
	// TriggerNormal waits for a real trigger event
	TriggerNormal
	// TriggerSingle stops sampling after one capture
	TriggerSingle
)

func (m TriggerMode) String() string {
	switch m {
	case TriggerAuto:
		return "auto"
	case TriggerNormal:
		return "normal"
	case TriggerSingle:
		return "single"
	}
	return "unknown"
}

// Slope selects the signal edge a trigger fires on
type Slope int

const (
	SlopePositive Slope = iota
	SlopeNegative
)

func (s Slope) String() string {
	switch s {
	case SlopePositive:
		return "positive"
	case SlopeNegative:
		return "negative"
	}
	return "unknown"
}

// channelSettings holds the commanded state of one channel
type channelSettings struct {
	used       bool
	coupling   Coupling
	gainID     int     // index into ControlSpecification.GainSteps
	offset     float64 // requested trace offset, 0..1 of screen height
	offsetReal float64 // offset after hardware quantization
	level      float64 // trigger level in V
}

// triggerSettings holds the commanded trigger state
type triggerSettings struct {
	mode     TriggerMode
	slope    Slope
	special  bool // trigger source is EXT instead of a channel
	source   int
	position float64 // trigger point in seconds from the record start
	point    uint32  // trigger position in the last capture
}

// samplerateTarget remembers what the caller asked for, so the effective
// samplerate can be recomputed when channels or record length change
type samplerateTarget struct {
	samplerate float64
	duration   float64
	byRate     bool
}

// samplerateSettings holds the commanded samplerate state
type samplerateSettings struct {
	target      samplerateTarget
	limits      *models.SamplerateLimits // limits of the active channel mode
	downsampler uint32                   // downsampling ratio, 0 disables downsampling
	current     float64                  // effective samplerate in S/s
}

// settings mirrors the state the hardware has been commanded into
type settings struct {
	samplerate     samplerateSettings
	voltage        [hantek.ChannelCount]channelSettings
	trigger        triggerSettings
	recordLengthID int
	usedChannels   int // number of enabled channels
}

func defaultSettings(spec *models.ControlSpecification) settings {
	return settings{
		samplerate: samplerateSettings{
			limits:      &spec.Samplerate.Single,
			downsampler: 1,
			current:     1e8,
		},
		trigger: triggerSettings{
			mode:  TriggerNormal,
			slope: SlopePositive,
		},
		recordLengthID: int(hantek.RecordLengthSmall),
	}
}

// Capture is one converted block of samples handed to subscribers. Unused
// channels carry a nil slice. In roll mode Append marks continuation
// chunks of the rolling record.
type Capture struct {
	ID         uuid.UUID                      `json:"id"`
	Samplerate float64                        `json:"samplerate"`
	Append     bool                           `json:"append"`
	Channels   [hantek.ChannelCount][]float64 `json:"channels"`
}
