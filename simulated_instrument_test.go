package syncdaq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualClock(t *testing.T) {
	clock := NewManualClock(testEpoch)
	clock.Sleep(3 * time.Millisecond)
	clock.Advance(-time.Second)
	if got := clock.Now().Sub(testEpoch); got != 3*time.Millisecond {
		t.Errorf("clock moved %v, want 3ms", got)
	}
}

func TestTriggerBusEdges(t *testing.T) {
	bus := NewTriggerBus()
	var rising, falling []time.Time
	cancelRise := bus.Subscribe("PXI_Trig2", RisingEdge, func(at time.Time) { rising = append(rising, at) })
	bus.Subscribe("PXI_Trig2", FallingEdge, func(at time.Time) { falling = append(falling, at) })

	bus.Assert("PXI_Trig2", testEpoch)
	bus.Assert("PXI_Trig3", testEpoch) // nobody listens
	cancelRise()
	bus.Assert("PXI_Trig2", testEpoch.Add(time.Millisecond))

	assert.Equal(t, []time.Time{testEpoch}, rising)
	assert.Equal(t, []time.Time{
		testEpoch.Add(DefaultTriggerPulseWidth),
		testEpoch.Add(time.Millisecond + DefaultTriggerPulseWidth),
	}, falling)
	assert.Equal(t, 2, bus.Pulses("PXI_Trig2"))
	assert.Equal(t, 1, bus.Pulses("PXI_Trig3"))
}

func TestSimulatedConfigure(t *testing.T) {
	clock := NewManualClock(testEpoch)
	bus := NewTriggerBus()
	tests := []struct {
		kind     SimKind
		function OutputFunction
		ok       bool
	}{
		{SimSMU, DCVoltage, true},
		{SimSMU, PulseCurrent, true},
		{SimSMU, ArbWaveform, false},
		{SimSMU, MeasureOnly, false},
		{SimDMM, MeasureOnly, true},
		{SimDMM, DCVoltage, false},
		{SimFGEN, ArbWaveform, true},
		{SimFGEN, DCCurrent, false},
	}
	for _, tc := range tests {
		inst := NewSimulatedInstrument("x", tc.kind, bus, clock)
		cfg := DefaultChannelConfig()
		cfg.OutputFunction = tc.function
		_, err := inst.Configure(cfg)
		if tc.ok && err != nil {
			t.Errorf("%v with %v: Configure() = %v, want nil", tc.kind, tc.function, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("%v with %v: Configure() = nil, want an error", tc.kind, tc.function)
		}
	}

	inst := NewSimulatedInstrument("smu", SimSMU, bus, clock)
	for _, tc := range []struct{ aperture, want time.Duration }{
		{100 * time.Microsecond, 100 * time.Microsecond},
		{104 * time.Microsecond, 100 * time.Microsecond},
		{106 * time.Microsecond, 110 * time.Microsecond},
		{time.Microsecond, 10 * time.Microsecond},
	} {
		cfg := DefaultChannelConfig()
		cfg.ApertureTime = tc.aperture
		got, err := inst.Configure(cfg)
		require.NoError(t, err)
		if got != tc.want {
			t.Errorf("Configure(aperture %v) confirmed %v, want %v", tc.aperture, got, tc.want)
		}
	}

	dmm := NewSimulatedInstrument("dmm", SimDMM, bus, clock)
	assert.Error(t, dmm.InstallSequence(oneStep(1, 0)), "a DMM has no source")
	assert.Error(t, dmm.ExportTrigger(MeasureCompleteEvent, "PXI_Trig0"), "a DMM exports nothing")
	assert.NoError(t, dmm.Close())
	assert.Error(t, dmm.Close(), "closing twice fails")
}

// startSim configures, installs and initiates a simulated SMU.
func startSim(t *testing.T, inst *SimulatedInstrument, cfg ChannelConfig, def SequenceDefinition) {
	t.Helper()
	_, err := inst.Configure(cfg)
	require.NoError(t, err)
	require.NoError(t, inst.InstallSequence(def))
	require.NoError(t, inst.Initiate())
}

func TestCompliance(t *testing.T) {
	clock := NewManualClock(testEpoch)
	inst := NewSimulatedInstrument("smu", SimSMU, NewTriggerBus(), clock)
	cfg := DefaultChannelConfig()
	cfg.Limit = 0.001
	// 5 V into 1 kOhm wants 5 mA; the 1 mA limit clamps the output to 1 V.
	startSim(t, inst, cfg, oneStep(5, 0))
	clock.Advance(time.Millisecond)
	samples, err := inst.Fetch(3, time.Second)
	require.NoError(t, err)
	require.Len(t, samples, 3)
	for _, s := range samples {
		assert.True(t, s.Status.Has(InCompliance))
		assert.InDelta(t, 1.0, s.Primary, 1e-9)
		assert.InDelta(t, 0.001, s.Secondary, 1e-12)
	}

	clock2 := NewManualClock(testEpoch)
	over := NewSimulatedInstrument("smu2", SimSMU, NewTriggerBus(), clock2)
	cfg2 := DefaultChannelConfig()
	cfg2.LevelRange = 2
	cfg2.Limit = 0.01
	over.Load = 1e6
	startSim(t, over, cfg2, oneStep(3, 0))
	clock2.Advance(time.Millisecond)
	samples, err = over.Fetch(1, time.Second)
	require.NoError(t, err)
	assert.True(t, samples[0].Status.Has(OverRange))
	assert.False(t, samples[0].Status.Has(InCompliance))
}

func TestCurrentSource(t *testing.T) {
	clock := NewManualClock(testEpoch)
	inst := NewSimulatedInstrument("smu", SimSMU, NewTriggerBus(), clock)
	cfg := DefaultChannelConfig()
	cfg.OutputFunction = DCCurrent
	cfg.Limit = 2 // volts
	cfg.LimitRange = 6
	inst.Load = 100
	startSim(t, inst, cfg, oneStep(0.01, 0))
	clock.Advance(time.Millisecond)
	samples, err := inst.Fetch(1, time.Second)
	require.NoError(t, err)
	// 10 mA into 100 Ohm is 1 V, below the 2 V limit.
	assert.InDelta(t, 1.0, samples[0].Primary, 1e-9)
	assert.InDelta(t, 0.01, samples[0].Secondary, 1e-12)
	assert.False(t, samples[0].Status.Has(InCompliance))
}

func TestStepSettling(t *testing.T) {
	clock := NewManualClock(testEpoch)
	inst := NewSimulatedInstrument("smu", SimSMU, NewTriggerBus(), clock)
	cfg := DefaultChannelConfig()
	cfg.ApertureTime = 10 * time.Microsecond
	cfg.TransientResponse = SlowResponse
	seq := &StepSequence{Steps: []SequenceStep{{Level: 0, Delay: time.Millisecond}, {Level: 1, Delay: 2 * time.Millisecond}}}
	startSim(t, inst, cfg, seq)

	// The second step begins 1.01 ms after the origin; one time constant later the output
	// has covered 1-1/e of the step.
	stepStart := time.Millisecond + 10*time.Microsecond
	v := inst.OutputAt(testEpoch.Add(stepStart + 200*time.Microsecond))
	assert.InDelta(t, 0.632, v, 0.001)
	v = inst.OutputAt(testEpoch.Add(stepStart + 2*time.Millisecond))
	assert.InDelta(t, 1.0, v, 1e-3)
	assert.Equal(t, 0.0, inst.OutputAt(testEpoch.Add(-time.Millisecond)))

	require.NoError(t, inst.Abort())
	assert.Equal(t, 0.0, inst.OutputAt(testEpoch.Add(stepStart)), "no output once aborted")
}

func TestDMMProbe(t *testing.T) {
	clock := NewManualClock(testEpoch)
	dmm := NewSimulatedInstrument("dmm", SimDMM, NewTriggerBus(), clock)
	dmm.Probe = func(at time.Time) float64 { return at.Sub(testEpoch).Seconds() * 1000 }
	cfg := DefaultChannelConfig()
	cfg.OutputFunction = MeasureOnly
	cfg.SourceMode = SinglePoint
	cfg.RecordLength = 4
	_, err := dmm.Configure(cfg)
	require.NoError(t, err)
	require.NoError(t, dmm.Initiate())

	clock.Advance(time.Second)
	n, err := dmm.Backlog()
	require.NoError(t, err)
	assert.Equal(t, 4, n, "a finite record stops at its length")
	samples, err := dmm.Fetch(10, time.Second)
	require.NoError(t, err)
	require.Len(t, samples, 4)
	for i, s := range samples {
		// Sample i is taken (i+1) apertures after initiate: 0.1 ms per aperture.
		assert.InDelta(t, 0.1*float64(i+1), s.Primary, 1e-9)
	}
	_, err = dmm.Fetch(10, time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout, "nothing more arrives after the record")
}

func TestWaveformOutput(t *testing.T) {
	clock := NewManualClock(testEpoch)
	fgen := NewSimulatedInstrument("fgen", SimFGEN, NewTriggerBus(), clock)
	cfg := DefaultChannelConfig()
	cfg.OutputFunction = ArbWaveform
	cfg.SequenceLoopIsFinite = false
	cfg.SequenceLoopCount = 0
	wave := &WaveformSequence{Waveforms: [][]float64{{-1, 1}}, LoopCounts: []int{1}, SampleRate: 1000, Gain: 2, Offset: 0.5}
	startSim(t, fgen, cfg, wave)

	assert.InDelta(t, -1.5, fgen.OutputAt(testEpoch.Add(500*time.Microsecond)), 1e-9)
	assert.InDelta(t, 2.5, fgen.OutputAt(testEpoch.Add(1500*time.Microsecond)), 1e-9)
	assert.InDelta(t, -1.5, fgen.OutputAt(testEpoch.Add(2500*time.Microsecond)), 1e-9, "the waveform repeats")
}

func TestSoftwareStart(t *testing.T) {
	clock := NewManualClock(testEpoch)
	inst := NewSimulatedInstrument("smu", SimSMU, NewTriggerBus(), clock)
	_, err := inst.Configure(DefaultChannelConfig())
	require.NoError(t, err)
	require.NoError(t, inst.InstallSequence(oneStep(1, 0)))
	require.NoError(t, inst.ImportTrigger(StartTrigger, SoftwareLine, RisingEdge))
	assert.Error(t, inst.SendSoftwareEdgeTrigger(StartTrigger), "not running yet")
	assert.Error(t, inst.SendSoftwareEdgeTrigger(MeasureTrigger), "not imported")
	require.NoError(t, inst.Initiate())

	clock.Advance(time.Millisecond)
	n, err := inst.Backlog()
	require.NoError(t, err)
	assert.Equal(t, 0, n, "nothing is measured before the start trigger")

	require.NoError(t, inst.SendSoftwareEdgeTrigger(StartTrigger))
	clock.Advance(250 * time.Microsecond)
	n, err = inst.Backlog()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
