package syncdaq

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// SessionPlan describes a whole session in the config file: the instruments, what each
// sources and measures, and the trigger routes between them.
type SessionPlan struct {
	Name        string           `mapstructure:"name" yaml:"name"`
	Instruments []InstrumentPlan `mapstructure:"instruments" yaml:"instruments"`
	Routes      []RoutePlan      `mapstructure:"routes" yaml:"routes"`
}

// InstrumentPlan is one simulated instrument and the configuration of its channel.
type InstrumentPlan struct {
	Name  string  `mapstructure:"name" yaml:"name"`
	Kind  string  `mapstructure:"kind" yaml:"kind"`   // smu, dmm or fgen
	Load  float64 `mapstructure:"load" yaml:"load"`   // ohms
	Probe string  `mapstructure:"probe" yaml:"probe"` // DMM only: the instrument whose output it reads

	Function         string        `mapstructure:"function" yaml:"function"`
	LevelRange       float64       `mapstructure:"levelrange" yaml:"levelrange"`
	Limit            float64       `mapstructure:"limit" yaml:"limit"`
	LimitRange       float64       `mapstructure:"limitrange" yaml:"limitrange"`
	Transient        string        `mapstructure:"transient" yaml:"transient"`
	GainBandwidth    float64       `mapstructure:"gainbandwidth" yaml:"gainbandwidth,omitempty"`
	CompensationFreq float64       `mapstructure:"compensationfrequency" yaml:"compensationfrequency,omitempty"`
	PoleZeroRatio    float64       `mapstructure:"polezeroratio" yaml:"polezeroratio,omitempty"`
	Aperture         time.Duration `mapstructure:"aperture" yaml:"aperture"`
	MeasureWhen      string        `mapstructure:"measurewhen" yaml:"measurewhen"`
	RecordLength     int           `mapstructure:"recordlength" yaml:"recordlength"`
	Continuous       bool          `mapstructure:"continuous" yaml:"continuous"`
	BufferCapacity   int           `mapstructure:"buffercapacity" yaml:"buffercapacity"`
	LoopCount        int           `mapstructure:"loopcount" yaml:"loopcount"` // 0 loops forever
	Steps            []StepPlan    `mapstructure:"steps" yaml:"steps,omitempty"`
	Pulse            *PulsePlan    `mapstructure:"pulse" yaml:"pulse,omitempty"`
	Waveforms        []WavePlan    `mapstructure:"waveforms" yaml:"waveforms,omitempty"`
	WaveformRate     float64       `mapstructure:"waveformrate" yaml:"waveformrate,omitempty"`
	WaveformGain     float64       `mapstructure:"waveformgain" yaml:"waveformgain,omitempty"`
	WaveformOffset   float64       `mapstructure:"waveformoffset" yaml:"waveformoffset,omitempty"`
}

// StepPlan is one source step.
type StepPlan struct {
	Level float64       `mapstructure:"level" yaml:"level"`
	Delay time.Duration `mapstructure:"delay" yaml:"delay"`
}

// PulsePlan describes a pulse.
type PulsePlan struct {
	Level     float64       `mapstructure:"level" yaml:"level"`
	Bias      float64       `mapstructure:"bias" yaml:"bias"`
	On        time.Duration `mapstructure:"on" yaml:"on"`
	Off       time.Duration `mapstructure:"off" yaml:"off"`
	BiasDelay time.Duration `mapstructure:"biasdelay" yaml:"biasdelay"`
	Delay     time.Duration `mapstructure:"delay" yaml:"delay"`
}

// WavePlan is one waveform of an arbitrary sequence.
type WavePlan struct {
	Samples []float64 `mapstructure:"samples" yaml:"samples"`
	Loops   int       `mapstructure:"loops" yaml:"loops"`
}

// RoutePlan is one trigger route written as "channel/Event" endpoints. A From of
// "software" makes a software route.
type RoutePlan struct {
	From string `mapstructure:"from" yaml:"from"`
	To   string `mapstructure:"to" yaml:"to"`
	Edge string `mapstructure:"edge" yaml:"edge,omitempty"`
	Line string `mapstructure:"line" yaml:"line,omitempty"`
}

// LoadPlan decodes the session plan stored under key in the viper configuration.
func LoadPlan(key string) (*SessionPlan, error) {
	if !viper.IsSet(key) {
		return nil, fmt.Errorf("config has no %q section", key)
	}
	plan := new(SessionPlan)
	if err := viper.UnmarshalKey(key, plan); err != nil {
		return nil, fmt.Errorf("decoding %q: %w", key, err)
	}
	if len(plan.Instruments) == 0 {
		return nil, fmt.Errorf("%w: plan %q lists no instruments", ErrInvalidConfig, plan.Name)
	}
	return plan, nil
}

func parseOutputFunction(name string) (OutputFunction, error) {
	for f, n := range outputFunctionNames {
		if strings.EqualFold(n, name) {
			return f, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown output function %q", ErrInvalidConfig, name)
}

func parseTransient(name string) (TransientResponse, error) {
	switch strings.ToLower(name) {
	case "", "normal":
		return NormalResponse, nil
	case "slow":
		return SlowResponse, nil
	case "fast":
		return FastResponse, nil
	case "custom":
		return CustomResponse, nil
	}
	return 0, fmt.Errorf("%w: unknown transient response %q", ErrInvalidConfig, name)
}

func parseMeasureWhen(name string) (MeasureWhen, error) {
	switch strings.ToLower(name) {
	case "", "auto", "automatic":
		return AutomaticallyAfterSourceComplete, nil
	case "trigger", "onmeasuretrigger":
		return OnMeasureTrigger, nil
	case "demand", "ondemand":
		return OnDemand, nil
	}
	return 0, fmt.Errorf("%w: unknown measure-when %q", ErrInvalidConfig, name)
}

// parseEndpoint converts "channel/Event" into an Endpoint.
func parseEndpoint(text string) (Endpoint, error) {
	channel, event, ok := strings.Cut(text, "/")
	if !ok || channel == "" {
		return Endpoint{}, fmt.Errorf("%w: endpoint %q is not channel/Event", ErrUnknownTerminal, text)
	}
	e, err := ParseTriggerEvent(event)
	if err != nil {
		return Endpoint{}, err
	}
	return Endpoint{Channel: channel, Event: e}, nil
}

// Route converts the plan into a TriggerRoute.
func (rp RoutePlan) Route() (TriggerRoute, error) {
	var route TriggerRoute
	consumer, err := parseEndpoint(rp.To)
	if err != nil {
		return route, err
	}
	route.Consumer = consumer
	if !strings.EqualFold(rp.From, "software") {
		producer, err := parseEndpoint(rp.From)
		if err != nil {
			return route, err
		}
		route.Producer = producer
	}
	if route.Edge, err = ParseEdgeType(rp.Edge); err != nil {
		return route, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	route.Line = rp.Line
	return route, nil
}

// ChannelConfig converts the plan into a ChannelConfig.
func (ip InstrumentPlan) ChannelConfig() (ChannelConfig, error) {
	cfg := DefaultChannelConfig()
	var err error
	if cfg.OutputFunction, err = parseOutputFunction(ip.Function); err != nil {
		return cfg, err
	}
	if cfg.TransientResponse, err = parseTransient(ip.Transient); err != nil {
		return cfg, err
	}
	if cfg.MeasureWhen, err = parseMeasureWhen(ip.MeasureWhen); err != nil {
		return cfg, err
	}
	cfg.CustomTransient = CustomTransient{
		GainBandwidth:         ip.GainBandwidth,
		CompensationFrequency: ip.CompensationFreq,
		PoleZeroRatio:         ip.PoleZeroRatio,
	}
	if cfg.OutputFunction == MeasureOnly {
		cfg.SourceMode = SinglePoint
	}
	if ip.LevelRange > 0 {
		cfg.LevelRange = ip.LevelRange
	}
	if ip.Limit > 0 {
		cfg.Limit = ip.Limit
	}
	if ip.LimitRange > 0 {
		cfg.LimitRange = ip.LimitRange
	}
	if ip.Aperture > 0 {
		cfg.ApertureTime = ip.Aperture
	}
	if ip.BufferCapacity > 0 {
		cfg.BufferCapacity = ip.BufferCapacity
	}
	cfg.RecordLength = ip.RecordLength
	cfg.RecordLengthIsFinite = !ip.Continuous
	cfg.SequenceLoopCount = ip.LoopCount
	cfg.SequenceLoopIsFinite = ip.LoopCount > 0
	return cfg, cfg.Validate()
}

// Sequence converts the plan into a SequenceDefinition, or nil for a measure-only channel.
func (ip InstrumentPlan) Sequence() (SequenceDefinition, error) {
	given := 0
	if len(ip.Steps) > 0 {
		given++
	}
	if ip.Pulse != nil {
		given++
	}
	if len(ip.Waveforms) > 0 {
		given++
	}
	if given > 1 {
		return nil, fmt.Errorf("%w: instrument %s gives more than one kind of sequence", ErrInvalidSequence, ip.Name)
	}
	var def SequenceDefinition
	switch {
	case len(ip.Steps) > 0:
		seq := &StepSequence{Steps: make([]SequenceStep, len(ip.Steps))}
		for i, s := range ip.Steps {
			seq.Steps[i] = SequenceStep{Level: s.Level, Delay: s.Delay}
		}
		def = seq
	case ip.Pulse != nil:
		p := ip.Pulse
		def = &PulseSequence{Level: p.Level, BiasLevel: p.Bias, OnTime: p.On, OffTime: p.Off,
			BiasDelay: p.BiasDelay, Delay: p.Delay}
	case len(ip.Waveforms) > 0:
		seq := &WaveformSequence{SampleRate: ip.WaveformRate, Gain: ip.WaveformGain, Offset: ip.WaveformOffset}
		for _, w := range ip.Waveforms {
			seq.Waveforms = append(seq.Waveforms, w.Samples)
			seq.LoopCounts = append(seq.LoopCounts, w.Loops)
		}
		def = seq
	default:
		return nil, nil
	}
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("instrument %s: %w", ip.Name, err)
	}
	return def, nil
}

// BuildSimulatedSession creates a simulated instrument per plan entry on bus, adds its
// channel and sequence to coord, and connects the planned routes.
func BuildSimulatedSession(plan *SessionPlan, coord *Coordinator, bus *TriggerBus, clock Clock) (map[string]*SimulatedInstrument, error) {
	instruments := make(map[string]*SimulatedInstrument)
	for _, ip := range plan.Instruments {
		kind, err := ParseSimKind(ip.Kind)
		if err != nil {
			return nil, fmt.Errorf("%w: instrument %s: %v", ErrInvalidConfig, ip.Name, err)
		}
		cfg, err := ip.ChannelConfig()
		if err != nil {
			return nil, fmt.Errorf("instrument %s: %w", ip.Name, err)
		}
		inst := NewSimulatedInstrument(ip.Name, kind, bus, clock)
		if ip.Load > 0 {
			inst.Load = ip.Load
		}
		if _, err := coord.AddChannel(ip.Name, inst, cfg); err != nil {
			return nil, err
		}
		def, err := ip.Sequence()
		if err != nil {
			return nil, err
		}
		if def != nil {
			if err := coord.SetSequence(ip.Name, def); err != nil {
				return nil, err
			}
		}
		instruments[ip.Name] = inst
	}

	for _, ip := range plan.Instruments {
		if ip.Probe == "" {
			continue
		}
		source, ok := instruments[ip.Probe]
		if !ok {
			return nil, fmt.Errorf("%w: instrument %s probes unknown instrument %q", ErrUnknownChannel, ip.Name, ip.Probe)
		}
		instruments[ip.Name].Probe = source.OutputAt
	}

	for _, rp := range plan.Routes {
		route, err := rp.Route()
		if err != nil {
			return nil, err
		}
		if _, err := coord.Connect(route); err != nil {
			return nil, err
		}
	}
	return instruments, nil
}
