package syncdaq

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// SimKind selects which instrument class a SimulatedInstrument models.
type SimKind int

// Names for the possible values of SimKind
const (
	SimSMU  SimKind = iota // source-measure unit
	SimDMM                 // passive digital multimeter
	SimFGEN                // arbitrary waveform generator
)

var simKindNames = map[SimKind]string{SimSMU: "SMU", SimDMM: "DMM", SimFGEN: "FGEN"}

func (k SimKind) String() string {
	if name, ok := simKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("SimKind(%d)", int(k))
}

// ParseSimKind converts "smu", "dmm" or "fgen" (any case) into a SimKind.
func ParseSimKind(name string) (SimKind, error) {
	switch name {
	case "smu", "SMU":
		return SimSMU, nil
	case "dmm", "DMM":
		return SimDMM, nil
	case "fgen", "FGEN":
		return SimFGEN, nil
	}
	return 0, fmt.Errorf("unknown instrument kind %q", name)
}

// Defaults of the simulated instruments
const (
	DefaultSimLoad     = 1000.0                 // ohms
	DefaultSimTimebase = 10 * time.Microsecond  // sample periods are rounded to this
	simPollInterval    = 100 * time.Microsecond // fetch poll step while waiting for a trigger
)

type simImport struct {
	line string
	edge EdgeType
}

type simAssertion struct {
	line string
	at   time.Time
}

// SimulatedInstrument is a drop-in Instrument that requires no hardware. Samples are
// computed from the clock: sample k of a run exists once the clock passes
// measureOrigin + (k+1)*period. Triggers travel over a shared TriggerBus.
type SimulatedInstrument struct {
	Load     float64                    // resistance across the output, ohms
	Timebase time.Duration              // sample periods are rounded to a multiple of this
	Probe    func(at time.Time) float64 // what a DMM reads; nil reads 0

	name  string
	kind  SimKind
	caps  Capabilities
	bus   *TriggerBus
	clock Clock

	mu         sync.Mutex
	cfg        ChannelConfig
	configured bool
	confirmed  time.Duration
	seq        SequenceDefinition
	exports    map[TriggerEvent]string
	imports    map[TriggerEvent]simImport
	running    bool
	closed     bool

	cancels       []func()
	runStart      time.Time
	edges         map[TriggerEvent]time.Time // first edge of each import this run
	emitted       map[TriggerEvent]bool
	sourceOrigin  time.Time
	sourceKnown   bool
	measureOrigin time.Time
	measureKnown  bool
	fetched       int
	overflow      bool
}

// NewSimulatedInstrument creates a simulated instrument of the given kind, attached to
// bus and timed by clock.
func NewSimulatedInstrument(name string, kind SimKind, bus *TriggerBus, clock Clock) *SimulatedInstrument {
	s := &SimulatedInstrument{
		Load:     DefaultSimLoad,
		Timebase: DefaultSimTimebase,
		name:     name,
		kind:     kind,
		bus:      bus,
		clock:    clock,
		exports:  make(map[TriggerEvent]string),
		imports:  make(map[TriggerEvent]simImport),
	}
	switch kind {
	case SimDMM:
		s.caps = DMMCapabilities
	case SimFGEN:
		s.caps = FGENCapabilities
	default:
		s.caps = SMUCapabilities
	}
	return s
}

// Name returns the instrument's name.
func (s *SimulatedInstrument) Name() string { return s.name }

// Capabilities returns the trigger capabilities of the instrument's class.
func (s *SimulatedInstrument) Capabilities() Capabilities { return s.caps }

func (s *SimulatedInstrument) quantize(d time.Duration) time.Duration {
	if s.Timebase <= 0 {
		return d
	}
	q := d.Round(s.Timebase)
	if q < s.Timebase {
		q = s.Timebase
	}
	return q
}

// Configure applies cfg and returns the aperture rounded to the timebase.
func (s *SimulatedInstrument) Configure(cfg ChannelConfig) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("%s: session is closed", s.name)
	}
	if s.running {
		return 0, fmt.Errorf("%s: cannot configure while running", s.name)
	}
	ok := false
	switch s.kind {
	case SimSMU:
		ok = cfg.OutputFunction != ArbWaveform && cfg.OutputFunction != MeasureOnly
	case SimDMM:
		ok = cfg.OutputFunction == MeasureOnly
	case SimFGEN:
		ok = cfg.OutputFunction == ArbWaveform
	}
	if !ok {
		return 0, fmt.Errorf("%s: a simulated %v cannot use output function %v", s.name, s.kind, cfg.OutputFunction)
	}
	s.cfg = cfg
	s.confirmed = s.quantize(cfg.ApertureTime)
	s.configured = true
	return s.confirmed, nil
}

// InstallSequence stores the sequence the source engine will play.
func (s *SimulatedInstrument) InstallSequence(def SequenceDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kind == SimDMM {
		return fmt.Errorf("%s: a DMM has no source engine", s.name)
	}
	if s.running {
		return fmt.Errorf("%s: cannot change the sequence while running", s.name)
	}
	s.seq = def
	return nil
}

// ExportTrigger routes an internally generated event to line.
func (s *SimulatedInstrument) ExportTrigger(event TriggerEvent, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.caps.Exports[event] {
		return fmt.Errorf("%s: cannot export %v", s.name, event)
	}
	if line == "" || line == SoftwareLine {
		return fmt.Errorf("%s: cannot export %v to line %q", s.name, event, line)
	}
	s.exports[event] = line
	return nil
}

// ImportTrigger makes the instrument wait for an edge on line before the given event.
func (s *SimulatedInstrument) ImportTrigger(event TriggerEvent, line string, edge EdgeType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.caps.Imports[event] {
		return fmt.Errorf("%s: cannot import %v", s.name, event)
	}
	if line == "" {
		return fmt.Errorf("%s: no line given for %v", s.name, event)
	}
	s.imports[event] = simImport{line: line, edge: edge}
	return nil
}

// ClearTriggers drops every export and import.
func (s *SimulatedInstrument) ClearTriggers() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exports = make(map[TriggerEvent]string)
	s.imports = make(map[TriggerEvent]simImport)
	return nil
}

// Initiate starts the run. Imports start listening now; an edge that was asserted
// earlier is never seen.
func (s *SimulatedInstrument) Initiate() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("%s: session is closed", s.name)
	}
	if !s.configured {
		s.mu.Unlock()
		return fmt.Errorf("%s: not configured", s.name)
	}
	if s.kind != SimDMM && s.seq == nil {
		s.mu.Unlock()
		return fmt.Errorf("%s: no sequence installed", s.name)
	}
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("%s: already running", s.name)
	}
	s.running = true
	s.runStart = s.clock.Now()
	s.edges = make(map[TriggerEvent]time.Time)
	s.emitted = make(map[TriggerEvent]bool)
	s.sourceKnown = false
	s.measureKnown = false
	s.fetched = 0
	s.overflow = false
	for event, imp := range s.imports {
		if imp.line == SoftwareLine {
			continue
		}
		event := event
		s.cancels = append(s.cancels, s.bus.Subscribe(imp.line, imp.edge, func(at time.Time) {
			s.onEdge(event, at)
		}))
	}
	pending := s.resolveOrigins()
	s.mu.Unlock()
	s.assert(pending)
	return nil
}

func (s *SimulatedInstrument) assert(pending []simAssertion) {
	for _, a := range pending {
		s.bus.Assert(a.line, a.at)
	}
}

// onEdge records the first edge of an imported event in this run.
func (s *SimulatedInstrument) onEdge(event TriggerEvent, at time.Time) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	if _, seen := s.edges[event]; seen {
		s.mu.Unlock()
		return
	}
	s.edges[event] = at
	pending := s.resolveOrigins()
	s.mu.Unlock()
	s.assert(pending)
}

// resolveOrigins fixes the source and measure origins once their triggers have all
// arrived, and returns the exported events that became due.
// The source engine starts on the latest of its start and source triggers (or at
// initiate when it imports neither); the measure engine starts on its measure trigger
// but never before the source. A SequenceAdvanceTrigger is accepted but the simulated
// engine advances on its step delays.
func (s *SimulatedInstrument) resolveOrigins() []simAssertion {
	if !s.sourceKnown {
		origin := s.runStart
		ready := true
		for _, e := range []TriggerEvent{StartTrigger, SourceTrigger} {
			if _, ok := s.imports[e]; !ok {
				continue
			}
			at, ok := s.edges[e]
			if !ok {
				ready = false
				break
			}
			if at.After(origin) {
				origin = at
			}
		}
		if ready {
			s.sourceOrigin = origin
			s.sourceKnown = true
		}
	}
	if s.sourceKnown && !s.measureKnown {
		origin := s.sourceOrigin
		ready := true
		if _, ok := s.imports[MeasureTrigger]; ok {
			at, ok := s.edges[MeasureTrigger]
			ready = ok
			if ok && at.After(origin) {
				origin = at
			}
		}
		if ready {
			s.measureOrigin = origin
			s.measureKnown = true
		}
	}

	var pending []simAssertion
	for event, line := range s.exports {
		if s.emitted[event] {
			continue
		}
		if at, ok := s.eventTime(event); ok {
			s.emitted[event] = true
			pending = append(pending, simAssertion{line: line, at: at})
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].at.Equal(pending[j].at) {
			return pending[i].line < pending[j].line
		}
		return pending[i].at.Before(pending[j].at)
	})
	return pending
}

// eventTime returns when an exported event fires in this run, if that is known yet.
func (s *SimulatedInstrument) eventTime(event TriggerEvent) (time.Time, bool) {
	switch event {
	case StartTrigger, MarkerEvent:
		return s.sourceOrigin, s.sourceKnown
	case SourceCompleteEvent:
		var settle time.Duration
		switch seq := s.seq.(type) {
		case *StepSequence:
			settle = seq.Steps[0].Delay
		case *PulseSequence:
			settle = seq.Delay
		}
		return s.sourceOrigin.Add(settle), s.sourceKnown
	case MeasureCompleteEvent:
		return s.measureOrigin.Add(s.confirmed), s.measureKnown
	case SequenceIterationCompleteEvent:
		if s.seq == nil {
			return time.Time{}, false
		}
		return s.sourceOrigin.Add(s.seq.Duration(s.confirmed)), s.sourceKnown
	}
	return time.Time{}, false
}

// SendSoftwareEdgeTrigger fires event now, if it is imported on the software line.
func (s *SimulatedInstrument) SendSoftwareEdgeTrigger(event TriggerEvent) error {
	s.mu.Lock()
	imp, ok := s.imports[event]
	running := s.running
	now := s.clock.Now()
	s.mu.Unlock()
	if !ok || imp.line != SoftwareLine {
		return fmt.Errorf("%s: %v is not imported on the %s line", s.name, event, SoftwareLine)
	}
	if !running {
		return fmt.Errorf("%s: not running", s.name)
	}
	s.onEdge(event, now)
	return nil
}

// available is the number of finished but unfetched samples at now.
func (s *SimulatedInstrument) available(now time.Time) int {
	if !s.measureKnown || now.Before(s.measureOrigin) {
		return 0
	}
	done := int(now.Sub(s.measureOrigin) / s.confirmed)
	if s.cfg.RecordLengthIsFinite && done > s.cfg.RecordLength {
		done = s.cfg.RecordLength
	}
	return done - s.fetched
}

// Fetch waits up to timeout for at least one sample and returns up to max of them.
func (s *SimulatedInstrument) Fetch(max int, timeout time.Duration) ([]Sample, error) {
	deadline := s.clock.Now().Add(timeout)
	for {
		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			return nil, fmt.Errorf("%s: not running", s.name)
		}
		now := s.clock.Now()
		avail := s.available(now)
		if avail > s.cfg.BufferCapacity {
			s.overflow = true
		}
		if s.overflow {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: %s buffer of %d samples filled", ErrBufferOverflow, s.name, s.cfg.BufferCapacity)
		}
		if avail > 0 {
			n := avail
			if max < n {
				n = max
			}
			samples := make([]Sample, n)
			for i := range samples {
				samples[i] = s.sampleAt(s.fetched + i)
			}
			s.fetched += n
			s.mu.Unlock()
			return samples, nil
		}

		remaining := deadline.Sub(now)
		wait := remaining
		complete := s.cfg.RecordLengthIsFinite && s.fetched >= s.cfg.RecordLength
		if !s.measureKnown {
			wait = simPollInterval
		} else if !complete {
			next := s.measureOrigin.Add(time.Duration(s.fetched+1) * s.confirmed)
			wait = next.Sub(now)
		}
		s.mu.Unlock()

		if remaining <= 0 {
			return nil, fmt.Errorf("%w: %s returned no samples in %v", ErrTimeout, s.name, timeout)
		}
		if wait > remaining {
			wait = remaining
		}
		if wait <= 0 {
			wait = time.Nanosecond
		}
		s.clock.Sleep(wait)
	}
}

// Backlog returns the number of samples held in the buffer, which never exceeds its capacity.
func (s *SimulatedInstrument) Backlog() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return 0, nil
	}
	avail := s.available(s.clock.Now())
	if avail > s.cfg.BufferCapacity {
		s.overflow = true
		return s.cfg.BufferCapacity, nil
	}
	return avail, nil
}

// Abort stops the run and stops listening to the bus. It is safe to call at any time.
func (s *SimulatedInstrument) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	for _, cancel := range s.cancels {
		cancel()
	}
	s.cancels = nil
	return nil
}

// Close aborts and closes the session.
func (s *SimulatedInstrument) Close() error {
	s.Abort()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%s: already closed", s.name)
	}
	s.closed = true
	return nil
}

// OutputAt returns the output voltage at time at. It is 0 when the instrument is not
// sourcing. A DMM's Probe is usually the OutputAt of the SMU it is wired to.
func (s *SimulatedInstrument) OutputAt(at time.Time) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || !s.sourceKnown || s.kind == SimDMM {
		return 0
	}
	v, _, _ := s.terminals(at.Sub(s.sourceOrigin))
	return v
}

// sampleAt computes sample idx of the current run. The caller holds s.mu.
func (s *SimulatedInstrument) sampleAt(idx int) Sample {
	at := s.measureOrigin.Add(time.Duration(idx+1) * s.confirmed)
	sample := Sample{Index: SampleIndex(idx)}
	if s.kind == SimDMM {
		if s.Probe != nil {
			sample.Primary = s.Probe(at)
		}
		if s.cfg.LevelRange > 0 && math.Abs(sample.Primary) > s.cfg.LevelRange {
			sample.Status |= OverRange
		}
		return sample
	}
	sample.Primary, sample.Secondary, sample.Status = s.terminals(at.Sub(s.sourceOrigin))
	return sample
}

// terminals returns voltage, current and status at time rel after the source origin.
func (s *SimulatedInstrument) terminals(rel time.Duration) (v, i float64, status StatusFlags) {
	if rel < 0 {
		return 0, 0, 0
	}
	level := s.programmed(rel)
	load := s.Load
	if load <= 0 {
		load = DefaultSimLoad
	}
	limit := s.cfg.Limit
	if s.cfg.OutputFunction.regulatesCurrent() {
		i = level
		v = i * load
		if limit > 0 && math.Abs(v) > limit {
			v = math.Copysign(limit, v)
			i = v / load
			status |= InCompliance
		}
	} else {
		v = level
		i = v / load
		if s.kind == SimSMU && limit > 0 && math.Abs(i) > limit {
			i = math.Copysign(limit, i)
			v = i * load
			status |= InCompliance
		}
	}
	if s.cfg.LevelRange > 0 && math.Abs(level) > s.cfg.LevelRange {
		status |= OverRange
	}
	return v, i, status
}

// settlingTime is the time constant of the output for the configured transient response.
func (s *SimulatedInstrument) settlingTime() time.Duration {
	switch s.cfg.TransientResponse {
	case FastResponse:
		return 5 * time.Microsecond
	case SlowResponse:
		return 200 * time.Microsecond
	case CustomResponse:
		return time.Duration(float64(time.Second) / (2 * math.Pi * s.cfg.CustomTransient.GainBandwidth))
	}
	return 20 * time.Microsecond
}

// programmed returns the regulated level at rel, with steps settling exponentially from
// the previous level.
func (s *SimulatedInstrument) programmed(rel time.Duration) float64 {
	loops := 0
	if s.cfg.SequenceLoopIsFinite {
		loops = s.cfg.SequenceLoopCount
	}
	steps, ok := s.seq.(*StepSequence)
	if !ok {
		return sequenceLevel(s.seq, rel, s.confirmed, loops)
	}

	d := steps.Duration(s.confirmed)
	last := steps.Steps[len(steps.Steps)-1].Level
	pass := int(rel / d)
	if loops > 0 && pass >= loops {
		return last
	}
	t := rel % d
	idx := steps.stepAt(t, s.confirmed)
	var start time.Duration
	for _, step := range steps.Steps[:idx] {
		start += step.Delay + s.confirmed
	}
	prev := 0.0
	switch {
	case idx > 0:
		prev = steps.Steps[idx-1].Level
	case pass > 0:
		prev = last
	}
	level := steps.Steps[idx].Level
	tau := s.settlingTime()
	if tau <= 0 {
		return level
	}
	return level + (prev-level)*math.Exp(-float64(t-start)/float64(tau))
}
