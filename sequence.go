package syncdaq

import (
	"fmt"
	"math"
	"time"
)

// SequenceStep is one level of a source sequence plus the settle delay before measuring it.
type SequenceStep struct {
	Level float64
	Delay time.Duration
}

// SequenceDefinition is what a source engine plays back. The implementations are
// StepSequence, PulseSequence and WaveformSequence; no others exist.
type SequenceDefinition interface {
	// Validate returns an error wrapping ErrInvalidSequence if the definition cannot be played.
	Validate() error
	// Duration is the length of one pass through the sequence at the given sample period.
	Duration(samplePeriod time.Duration) time.Duration
	sequence()
}

// StepSequence is an ordered list of (level, delay) steps.
type StepSequence struct {
	Steps []SequenceStep
}

// NewStepSequence pairs levels with delays. The two slices must have equal length.
func NewStepSequence(levels []float64, delays []time.Duration) (*StepSequence, error) {
	if len(levels) != len(delays) {
		return nil, fmt.Errorf("%w: %d levels but %d delays", ErrInvalidSequence, len(levels), len(delays))
	}
	seq := &StepSequence{Steps: make([]SequenceStep, len(levels))}
	for i := range levels {
		seq.Steps[i] = SequenceStep{Level: levels[i], Delay: delays[i]}
	}
	return seq, nil
}

func (s *StepSequence) sequence() {}

// Validate checks that the sequence is non-empty and that no delay is negative.
func (s *StepSequence) Validate() error {
	if s == nil || len(s.Steps) == 0 {
		return fmt.Errorf("%w: step sequence is empty", ErrInvalidSequence)
	}
	for i, step := range s.Steps {
		if step.Delay < 0 {
			return fmt.Errorf("%w: step %d has negative delay %v", ErrInvalidSequence, i, step.Delay)
		}
		if math.IsNaN(step.Level) || math.IsInf(step.Level, 0) {
			return fmt.Errorf("%w: step %d level is %v", ErrInvalidSequence, i, step.Level)
		}
	}
	return nil
}

// Duration is the sum of the step delays plus one sample period per step.
func (s *StepSequence) Duration(samplePeriod time.Duration) time.Duration {
	var total time.Duration
	for _, step := range s.Steps {
		total += step.Delay + samplePeriod
	}
	return total
}

// stepAt returns the index of the step active at time t into the pass.
func (s *StepSequence) stepAt(t, samplePeriod time.Duration) int {
	var end time.Duration
	for i, step := range s.Steps {
		end += step.Delay + samplePeriod
		if t < end {
			return i
		}
	}
	return len(s.Steps) - 1
}

// PulseSequence is a single pulse: after Delay+BiasDelay at BiasLevel the output goes to
// Level for OnTime, then back to BiasLevel for OffTime.
type PulseSequence struct {
	Level     float64
	BiasLevel float64
	OnTime    time.Duration
	OffTime   time.Duration
	BiasDelay time.Duration
	Delay     time.Duration
}

func (p *PulseSequence) sequence() {}

// Validate checks the pulse timing.
func (p *PulseSequence) Validate() error {
	switch {
	case p == nil:
		return fmt.Errorf("%w: pulse sequence is nil", ErrInvalidSequence)
	case p.OnTime <= 0:
		return fmt.Errorf("%w: pulse on time %v must be positive", ErrInvalidSequence, p.OnTime)
	case p.OffTime < 0:
		return fmt.Errorf("%w: pulse off time %v is negative", ErrInvalidSequence, p.OffTime)
	case p.BiasDelay < 0:
		return fmt.Errorf("%w: pulse bias delay %v is negative", ErrInvalidSequence, p.BiasDelay)
	case p.Delay < 0:
		return fmt.Errorf("%w: pulse source delay %v is negative", ErrInvalidSequence, p.Delay)
	}
	return nil
}

// Duration of one pulse, including one sample period to measure it.
func (p *PulseSequence) Duration(samplePeriod time.Duration) time.Duration {
	return p.Delay + p.BiasDelay + p.OnTime + p.OffTime + samplePeriod
}

// levelAt returns the output level at time t into the pulse.
func (p *PulseSequence) levelAt(t time.Duration) float64 {
	onStart := p.Delay + p.BiasDelay
	if t >= onStart && t < onStart+p.OnTime {
		return p.Level
	}
	return p.BiasLevel
}

// WaveformSequence plays each waveform LoopCounts[i] times, in order, at SampleRate.
// Waveform samples are normalized to [-1, 1] and scaled by Gain then shifted by Offset.
type WaveformSequence struct {
	Waveforms  [][]float64
	LoopCounts []int
	SampleRate float64
	Gain       float64
	Offset     float64
}

func (w *WaveformSequence) sequence() {}

// Validate checks waveforms, loop counts and sample rate.
func (w *WaveformSequence) Validate() error {
	if w == nil || len(w.Waveforms) == 0 {
		return fmt.Errorf("%w: waveform sequence is empty", ErrInvalidSequence)
	}
	if len(w.LoopCounts) != len(w.Waveforms) {
		return fmt.Errorf("%w: %d waveforms but %d loop counts", ErrInvalidSequence,
			len(w.Waveforms), len(w.LoopCounts))
	}
	if w.SampleRate <= 0 {
		return fmt.Errorf("%w: waveform sample rate %v must be positive", ErrInvalidSequence, w.SampleRate)
	}
	for i, wave := range w.Waveforms {
		if len(wave) == 0 {
			return fmt.Errorf("%w: waveform %d is empty", ErrInvalidSequence, i)
		}
		if w.LoopCounts[i] < 1 {
			return fmt.Errorf("%w: waveform %d loop count %d < 1", ErrInvalidSequence, i, w.LoopCounts[i])
		}
		for j, v := range wave {
			if v < -1 || v > 1 || math.IsNaN(v) {
				return fmt.Errorf("%w: waveform %d sample %d = %v outside [-1, 1]", ErrInvalidSequence, i, j, v)
			}
		}
	}
	return nil
}

// Duration of one pass through every waveform and its loops. The sample period of the
// measuring channel does not enter.
func (w *WaveformSequence) Duration(samplePeriod time.Duration) time.Duration {
	n := 0
	for i, wave := range w.Waveforms {
		n += len(wave) * w.LoopCounts[i]
	}
	return time.Duration(float64(n) / w.SampleRate * float64(time.Second))
}

// levelAt returns the generator output at time t into one pass.
func (w *WaveformSequence) levelAt(t time.Duration) float64 {
	k := int(t.Seconds() * w.SampleRate)
	for i, wave := range w.Waveforms {
		n := len(wave) * w.LoopCounts[i]
		if k < n {
			return w.Gain*wave[k%len(wave)] + w.Offset
		}
		k -= n
	}
	last := w.Waveforms[len(w.Waveforms)-1]
	return w.Gain*last[len(last)-1] + w.Offset
}

// sequenceLevel returns the programmed source level at time t after the source origin,
// for a sequence played loops times (loops <= 0 means forever).
func sequenceLevel(def SequenceDefinition, t, samplePeriod time.Duration, loops int) float64 {
	if def == nil || t < 0 {
		return 0
	}
	d := def.Duration(samplePeriod)
	if d > 0 {
		if loops <= 0 || t < time.Duration(loops)*d {
			t %= d
		} else {
			t = d - 1
		}
	}
	switch s := def.(type) {
	case *StepSequence:
		return s.Steps[s.stepAt(t, samplePeriod)].Level
	case *PulseSequence:
		return s.levelAt(t)
	case *WaveformSequence:
		return s.levelAt(t)
	}
	return 0
}
