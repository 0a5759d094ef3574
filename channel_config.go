package syncdaq

import (
	"fmt"
	"time"
)

// SourceMode selects between a single output level and sequence playback.
type SourceMode int

// Names for the possible values of SourceMode
const (
	SinglePoint SourceMode = iota
	SequenceMode
)

// OutputFunction selects what the source engine regulates.
type OutputFunction int

// Names for the possible values of OutputFunction
const (
	DCVoltage OutputFunction = iota
	DCCurrent
	PulseVoltage
	PulseCurrent
	ArbWaveform
	MeasureOnly // no source engine (DMM)
)

var outputFunctionNames = map[OutputFunction]string{
	DCVoltage:    "DCVoltage",
	DCCurrent:    "DCCurrent",
	PulseVoltage: "PulseVoltage",
	PulseCurrent: "PulseCurrent",
	ArbWaveform:  "ArbWaveform",
	MeasureOnly:  "MeasureOnly",
}

func (f OutputFunction) String() string {
	if name, ok := outputFunctionNames[f]; ok {
		return name
	}
	return fmt.Sprintf("OutputFunction(%d)", int(f))
}

// regulatesCurrent tells whether the output function forces a current (and limits voltage).
func (f OutputFunction) regulatesCurrent() bool {
	return f == DCCurrent || f == PulseCurrent
}

// TransientResponse selects the control-loop compensation preset.
type TransientResponse int

// Names for the possible values of TransientResponse
const (
	NormalResponse TransientResponse = iota
	SlowResponse
	FastResponse
	CustomResponse
)

// CustomTransient holds loop compensation values used with CustomResponse.
type CustomTransient struct {
	GainBandwidth         float64 // Hz, 10 to 20e6
	CompensationFrequency float64 // Hz, 20 to 20e6
	PoleZeroRatio         float64 // 0.125 to 8
}

func (ct CustomTransient) validate() error {
	switch {
	case ct.GainBandwidth < 10 || ct.GainBandwidth > 20e6:
		return fmt.Errorf("%w: gain bandwidth %v Hz outside [10, 2e7]", ErrInvalidConfig, ct.GainBandwidth)
	case ct.CompensationFrequency < 20 || ct.CompensationFrequency > 20e6:
		return fmt.Errorf("%w: compensation frequency %v Hz outside [20, 2e7]", ErrInvalidConfig, ct.CompensationFrequency)
	case ct.PoleZeroRatio < 0.125 || ct.PoleZeroRatio > 8:
		return fmt.Errorf("%w: pole-zero ratio %v outside [0.125, 8]", ErrInvalidConfig, ct.PoleZeroRatio)
	}
	return nil
}

// MeasureWhen selects what starts each measurement.
type MeasureWhen int

// Names for the possible values of MeasureWhen
const (
	AutomaticallyAfterSourceComplete MeasureWhen = iota
	OnMeasureTrigger
	OnDemand
)

// ChannelConfig holds every setting applied to a channel before it is armed.
// It replaces free-form property assignment so bad combinations fail in Validate.
type ChannelConfig struct {
	SourceMode        SourceMode
	OutputFunction    OutputFunction
	LevelRange        float64
	Limit             float64 // current limit when forcing voltage, voltage limit when forcing current
	LimitRange        float64
	TransientResponse TransientResponse
	CustomTransient   CustomTransient

	ApertureTime time.Duration // requested sample period
	MeasureWhen  MeasureWhen

	RecordLength         int  // samples; 0 means derive from the sequence duration
	RecordLengthIsFinite bool // false means acquire continuously
	BufferCapacity       int  // samples the device holds before overflowing

	SequenceLoopCount    int
	SequenceLoopIsFinite bool
}

// DefaultChannelConfig returns a DC-voltage sequence configuration with a finite record.
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		SourceMode:           SequenceMode,
		OutputFunction:       DCVoltage,
		LevelRange:           6,
		Limit:                0.01,
		LimitRange:           0.01,
		ApertureTime:         100 * time.Microsecond,
		RecordLength:         100,
		RecordLengthIsFinite: true,
		BufferCapacity:       100000,
		SequenceLoopCount:    1,
		SequenceLoopIsFinite: true,
	}
}

// Validate checks the configuration for internal consistency.
func (cc *ChannelConfig) Validate() error {
	if cc.ApertureTime <= 0 {
		return fmt.Errorf("%w: aperture time %v must be positive", ErrInvalidConfig, cc.ApertureTime)
	}
	if cc.BufferCapacity <= 0 {
		return fmt.Errorf("%w: buffer capacity %d must be positive", ErrInvalidConfig, cc.BufferCapacity)
	}
	if cc.RecordLength < 0 {
		return fmt.Errorf("%w: record length %d is negative", ErrInvalidConfig, cc.RecordLength)
	}
	if cc.RecordLengthIsFinite && cc.RecordLength > cc.BufferCapacity {
		return fmt.Errorf("%w: record length %d exceeds buffer capacity %d", ErrInvalidConfig,
			cc.RecordLength, cc.BufferCapacity)
	}
	if !cc.RecordLengthIsFinite && cc.RecordLength == 0 {
		return fmt.Errorf("%w: continuous acquisition needs an explicit record length", ErrInvalidConfig)
	}
	if cc.LevelRange < 0 || cc.Limit < 0 || cc.LimitRange < 0 {
		return fmt.Errorf("%w: ranges and limits must be non-negative", ErrInvalidConfig)
	}
	if cc.LimitRange > 0 && cc.Limit > cc.LimitRange {
		return fmt.Errorf("%w: limit %v exceeds limit range %v", ErrInvalidConfig, cc.Limit, cc.LimitRange)
	}
	if cc.SequenceLoopIsFinite && cc.SequenceLoopCount < 1 {
		return fmt.Errorf("%w: finite sequence loop count %d < 1", ErrInvalidConfig, cc.SequenceLoopCount)
	}
	if _, ok := outputFunctionNames[cc.OutputFunction]; !ok {
		return fmt.Errorf("%w: unknown output function %d", ErrInvalidConfig, cc.OutputFunction)
	}
	switch cc.TransientResponse {
	case NormalResponse, SlowResponse, FastResponse:
	case CustomResponse:
		if err := cc.CustomTransient.validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown transient response %d", ErrInvalidConfig, cc.TransientResponse)
	}
	switch cc.MeasureWhen {
	case AutomaticallyAfterSourceComplete, OnMeasureTrigger, OnDemand:
	default:
		return fmt.Errorf("%w: unknown measure-when %d", ErrInvalidConfig, cc.MeasureWhen)
	}
	if cc.OutputFunction == MeasureOnly && cc.SourceMode == SequenceMode {
		return fmt.Errorf("%w: a measure-only channel cannot use sequence source mode", ErrInvalidConfig)
	}
	return nil
}

// checkSequenceKind verifies that def can be played by this output function.
func (cc *ChannelConfig) checkSequenceKind(def SequenceDefinition) error {
	ok := false
	switch def.(type) {
	case *StepSequence:
		ok = cc.OutputFunction == DCVoltage || cc.OutputFunction == DCCurrent
		if ok && cc.SourceMode == SinglePoint && len(def.(*StepSequence).Steps) != 1 {
			return fmt.Errorf("%w: single-point source mode takes exactly one step", ErrInvalidConfig)
		}
	case *PulseSequence:
		ok = cc.OutputFunction == PulseVoltage || cc.OutputFunction == PulseCurrent
	case *WaveformSequence:
		ok = cc.OutputFunction == ArbWaveform
	}
	if !ok {
		return fmt.Errorf("%w: %T cannot be played with output function %v", ErrInvalidConfig, def, cc.OutputFunction)
	}
	return nil
}

// pulseRecordGuard is added to a pulse's duration when deriving its record length, so
// the trailing edge lands inside the record.
const pulseRecordGuard = 10 * time.Microsecond

// deriveRecordLength computes a record length from the sequence and the device-confirmed
// sample period, used when RecordLength is 0.
func deriveRecordLength(def SequenceDefinition, confirmed time.Duration) int {
	if def == nil || confirmed <= 0 {
		return 0
	}
	d := def.Duration(confirmed)
	if _, ok := def.(*PulseSequence); ok {
		d += pulseRecordGuard
	}
	return int(d / confirmed)
}
