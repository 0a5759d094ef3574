package syncdaq

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPlanYAML = `
fetch:
  timeout: 250ms
  maxcount: 500
session:
  name: sweep
  instruments:
    - name: smu1
      kind: smu
      function: DCVoltage
      limit: 0.005
      transient: fast
      aperture: 100us
      recordlength: 20
      steps:
        - level: 0.5
          delay: 1ms
        - level: 1.5
          delay: 1ms
      loopcount: 1
    - name: dmm
      kind: dmm
      function: MeasureOnly
      probe: smu1
      measurewhen: trigger
      recordlength: 20
    - name: fgen
      kind: fgen
      function: ArbWaveform
      recordlength: 10
      waveformrate: 10000
      waveformgain: 1
      waveforms:
        - samples: [0, 0.5, 1]
          loops: 2
      loopcount: 1
  routes:
    - from: smu1/SourceCompleteEvent
      to: dmm/MeasureTrigger
    - from: software
      to: fgen/StartTrigger
`

// loadTestConfig replaces the global viper configuration with text.
func loadTestConfig(t *testing.T, text string) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	SetDefaults()
	viper.SetConfigType("yaml")
	require.NoError(t, viper.ReadConfig(strings.NewReader(text)))
}

func TestLoadSettings(t *testing.T) {
	loadTestConfig(t, testPlanYAML)
	s, err := LoadSettings()
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, s.FetchTimeout)
	assert.Equal(t, 500, s.FetchMaxCount)
	assert.Equal(t, DefaultSettings().HighWater, s.HighWater, "unset values keep their defaults")

	loadTestConfig(t, "fetch:\n  highwater: 1.5\n")
	_, err = LoadSettings()
	assert.Error(t, err)
}

func TestLoadPlan(t *testing.T) {
	loadTestConfig(t, testPlanYAML)
	plan, err := LoadPlan("session")
	require.NoError(t, err)
	assert.Equal(t, "sweep", plan.Name)
	require.Len(t, plan.Instruments, 3)
	require.Len(t, plan.Routes, 2)

	smu := plan.Instruments[0]
	assert.Equal(t, []StepPlan{{0.5, time.Millisecond}, {1.5, time.Millisecond}}, smu.Steps)
	cfg, err := smu.ChannelConfig()
	require.NoError(t, err)
	assert.Equal(t, DCVoltage, cfg.OutputFunction)
	assert.Equal(t, FastResponse, cfg.TransientResponse)
	assert.Equal(t, 0.005, cfg.Limit)
	assert.True(t, cfg.RecordLengthIsFinite)
	assert.True(t, cfg.SequenceLoopIsFinite)
	def, err := smu.Sequence()
	require.NoError(t, err)
	assert.IsType(t, &StepSequence{}, def)

	dmm := plan.Instruments[1]
	cfg, err = dmm.ChannelConfig()
	require.NoError(t, err)
	assert.Equal(t, SinglePoint, cfg.SourceMode)
	assert.Equal(t, OnMeasureTrigger, cfg.MeasureWhen)
	def, err = dmm.Sequence()
	require.NoError(t, err)
	assert.Nil(t, def)

	wave, err := plan.Instruments[2].Sequence()
	require.NoError(t, err)
	assert.Equal(t, []int{2}, wave.(*WaveformSequence).LoopCounts)

	_, err = LoadPlan("nosuchkey")
	assert.Error(t, err)
}

func TestRoutePlans(t *testing.T) {
	tests := []struct {
		plan RoutePlan
		want TriggerRoute
		err  error
	}{
		{RoutePlan{From: "a/SourceCompleteEvent", To: "b/MeasureTrigger"},
			route("a", SourceCompleteEvent, "b", MeasureTrigger), nil},
		{RoutePlan{From: "Software", To: "b/StartTrigger"},
			TriggerRoute{Consumer: Endpoint{Channel: "b", Event: StartTrigger}}, nil},
		{RoutePlan{From: "a/StartTrigger", To: "b/StartTrigger", Edge: "falling", Line: "PXI_Trig5"},
			TriggerRoute{Producer: Endpoint{Channel: "a", Event: StartTrigger},
				Consumer: Endpoint{Channel: "b", Event: StartTrigger}, Edge: FallingEdge, Line: "PXI_Trig5"}, nil},
		{RoutePlan{From: "a", To: "b/StartTrigger"}, TriggerRoute{}, ErrUnknownTerminal},
		{RoutePlan{From: "a/Bogus", To: "b/StartTrigger"}, TriggerRoute{}, ErrUnknownTerminal},
		{RoutePlan{From: "a/StartTrigger", To: "b/StartTrigger", Edge: "sideways"}, TriggerRoute{}, ErrInvalidConfig},
	}
	for _, tc := range tests {
		got, err := tc.plan.Route()
		if tc.err != nil {
			if !errors.Is(err, tc.err) {
				t.Errorf("%+v.Route() error = %v, want %v", tc.plan, err, tc.err)
			}
			continue
		}
		if err != nil {
			t.Errorf("%+v.Route() error = %v", tc.plan, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%+v.Route() = %v, want %v", tc.plan, got, tc.want)
		}
	}
}

func TestInstrumentPlanErrors(t *testing.T) {
	bad := []InstrumentPlan{
		{Name: "x", Function: "Plasma"},
		{Name: "x", Function: "DCVoltage", Transient: "sluggish"},
		{Name: "x", Function: "DCVoltage", MeasureWhen: "never"},
	}
	for _, ip := range bad {
		if _, err := ip.ChannelConfig(); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%+v.ChannelConfig() error = %v, want ErrInvalidConfig", ip, err)
		}
	}
	both := InstrumentPlan{Name: "x", Steps: []StepPlan{{Level: 1}}, Pulse: &PulsePlan{On: time.Millisecond}}
	_, err := both.Sequence()
	assert.ErrorIs(t, err, ErrInvalidSequence)
	badPulse := InstrumentPlan{Name: "x", Pulse: &PulsePlan{}}
	_, err = badPulse.Sequence()
	assert.ErrorIs(t, err, ErrInvalidSequence)
}

func TestBuildSimulatedSession(t *testing.T) {
	loadTestConfig(t, testPlanYAML)
	plan, err := LoadPlan("session")
	require.NoError(t, err)

	clock := NewManualClock(testEpoch)
	coord, err := NewCoordinator(DefaultSettings(), WithClock(clock))
	require.NoError(t, err)
	insts, err := BuildSimulatedSession(plan, coord, NewTriggerBus(), clock)
	require.NoError(t, err)
	assert.Len(t, insts, 3)
	assert.Equal(t, []string{"smu1", "dmm", "fgen"}, coord.ChannelNames())
	assert.Len(t, coord.Routes().Routes(), 2)

	result, err := coord.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, result.Channels["dmm"].Samples, 20)
	assert.Len(t, result.Channels["fgen"].Samples, 10)
	// The first reading falls as the second step begins; later ones see it settled.
	dmm := result.Channels["dmm"].Samples
	assert.InDelta(t, 0.5, dmm[0].Primary, 1e-3)
	assert.InDelta(t, 1.5, dmm[5].Primary, 1e-3)

	plan.Instruments[1].Probe = "ghost"
	coord2, err := NewCoordinator(DefaultSettings(), WithClock(clock))
	require.NoError(t, err)
	_, err = BuildSimulatedSession(plan, coord2, NewTriggerBus(), clock)
	assert.ErrorIs(t, err, ErrUnknownChannel)
}
