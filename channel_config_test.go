package syncdaq

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestChannelConfigValidate(t *testing.T) {
	def := DefaultChannelConfig()
	if err := def.Validate(); err != nil {
		t.Fatalf("DefaultChannelConfig().Validate() = %v, want nil", err)
	}

	tests := []struct {
		name   string
		modify func(*ChannelConfig)
	}{
		{"zero aperture", func(c *ChannelConfig) { c.ApertureTime = 0 }},
		{"zero capacity", func(c *ChannelConfig) { c.BufferCapacity = 0 }},
		{"negative record", func(c *ChannelConfig) { c.RecordLength = -1 }},
		{"record beyond capacity", func(c *ChannelConfig) { c.RecordLength = c.BufferCapacity + 1 }},
		{"continuous without record length", func(c *ChannelConfig) {
			c.RecordLengthIsFinite = false
			c.RecordLength = 0
		}},
		{"limit above range", func(c *ChannelConfig) { c.Limit = 2 * c.LimitRange }},
		{"zero finite loops", func(c *ChannelConfig) { c.SequenceLoopCount = 0 }},
		{"unknown function", func(c *ChannelConfig) { c.OutputFunction = OutputFunction(99) }},
		{"custom transient out of range", func(c *ChannelConfig) {
			c.TransientResponse = CustomResponse
			c.CustomTransient = CustomTransient{GainBandwidth: 1, CompensationFrequency: 100, PoleZeroRatio: 1}
		}},
		{"unknown measure-when", func(c *ChannelConfig) { c.MeasureWhen = MeasureWhen(7) }},
		{"measure-only sequence", func(c *ChannelConfig) { c.OutputFunction = MeasureOnly }},
	}
	for _, tc := range tests {
		cfg := DefaultChannelConfig()
		tc.modify(&cfg)
		if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%s: Validate() = %v, want ErrInvalidConfig", tc.name, err)
		}
	}

	good := DefaultChannelConfig()
	good.TransientResponse = CustomResponse
	good.CustomTransient = CustomTransient{GainBandwidth: 1e5, CompensationFrequency: 1e5, PoleZeroRatio: 1}
	assert.NoError(t, good.Validate())

	continuous := DefaultChannelConfig()
	continuous.RecordLengthIsFinite = false
	continuous.RecordLength = 10 * continuous.BufferCapacity
	assert.NoError(t, continuous.Validate(), "a continuous record may exceed the buffer")
}

func TestCheckSequenceKind(t *testing.T) {
	steps := &StepSequence{Steps: []SequenceStep{{Level: 1}, {Level: 2}}}
	pulse := &PulseSequence{Level: 1, OnTime: time.Millisecond}
	wave := &WaveformSequence{Waveforms: [][]float64{{0}}, LoopCounts: []int{1}, SampleRate: 1}

	tests := []struct {
		function OutputFunction
		def      SequenceDefinition
		ok       bool
	}{
		{DCVoltage, steps, true},
		{DCCurrent, steps, true},
		{PulseVoltage, pulse, true},
		{PulseCurrent, pulse, true},
		{ArbWaveform, wave, true},
		{DCVoltage, pulse, false},
		{PulseVoltage, steps, false},
		{ArbWaveform, steps, false},
		{DCCurrent, wave, false},
	}
	for _, tc := range tests {
		cfg := DefaultChannelConfig()
		cfg.OutputFunction = tc.function
		err := cfg.checkSequenceKind(tc.def)
		if tc.ok && err != nil {
			t.Errorf("checkSequenceKind(%v, %T) = %v, want nil", tc.function, tc.def, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("checkSequenceKind(%v, %T) = %v, want ErrInvalidConfig", tc.function, tc.def, err)
		}
	}

	single := DefaultChannelConfig()
	single.SourceMode = SinglePoint
	if err := single.checkSequenceKind(steps); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("single-point mode with 2 steps: err = %v, want ErrInvalidConfig", err)
	}
}
