package syncdaq

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ChannelState is the acquisition state of one BufferedChannel.
type ChannelState int

// Names for the possible values of ChannelState
const (
	Idle       ChannelState = iota // nothing applied yet
	Configured                     // sequence and measurement settings applied
	Armed                          // triggers installed, waiting to start
	Running                        // initiated; the device fills its buffer
	Aborted                        // stopped on request
	Error                          // stopped by a driver fault or overflow
)

var channelStateNames = map[ChannelState]string{
	Idle:       "Idle",
	Configured: "Configured",
	Armed:      "Armed",
	Running:    "Running",
	Aborted:    "Aborted",
	Error:      "Error",
}

func (s ChannelState) String() string {
	if name, ok := channelStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("ChannelState(%d)", int(s))
}

// BufferedChannel is one source/measure channel with a bounded on-device sample buffer.
// Only one goroutine may drive a channel; State may be read from any goroutine.
type BufferedChannel struct {
	name   string
	inst   Instrument
	cfg    ChannelConfig
	routes *RouteTable

	stateLock sync.Mutex
	state     ChannelState

	sequence     SequenceDefinition
	confirmed    time.Duration // sample period reported by the device
	duration     time.Duration // one pass of the sequence at the confirmed period
	recordLength int
	nextIndex    SampleIndex
}

// NewBufferedChannel validates cfg and registers the instrument's trigger capabilities
// with routes under name.
func NewBufferedChannel(name string, inst Instrument, cfg ChannelConfig, routes *RouteTable) (*BufferedChannel, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: channel name is empty", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("channel %s: %w", name, err)
	}
	routes.Register(name, inst.Capabilities())
	return &BufferedChannel{name: name, inst: inst, cfg: cfg, routes: routes}, nil
}

// Name returns the channel's name.
func (c *BufferedChannel) Name() string {
	return c.name
}

// Config returns the requested configuration.
func (c *BufferedChannel) Config() ChannelConfig {
	return c.cfg
}

// State returns the current acquisition state.
func (c *BufferedChannel) State() ChannelState {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	return c.state
}

func (c *BufferedChannel) setState(s ChannelState) {
	c.stateLock.Lock()
	old := c.state
	c.state = s
	c.stateLock.Unlock()
	if old != s {
		UpdateLogger.Printf("channel %s: %v -> %v", c.name, old, s)
	}
}

// fault moves the channel to Error and wraps err as a DeviceFault.
func (c *BufferedChannel) fault(op string, err error) error {
	c.setState(Error)
	err = asDeviceFault(c.inst.Name(), op, err)
	ProblemLogger.Printf("channel %s: %v", c.name, err)
	return err
}

// ConfirmedSamplePeriod is the sample period the device reported, which may differ from
// the requested ApertureTime. It is zero until the channel is configured.
func (c *BufferedChannel) ConfirmedSamplePeriod() time.Duration {
	return c.confirmed
}

// SequenceDuration is the length of one pass through the installed sequence.
func (c *BufferedChannel) SequenceDuration() time.Duration {
	return c.duration
}

// RecordLength is the effective record length: the requested one, or the one derived
// from the sequence when the request was 0.
func (c *BufferedChannel) RecordLength() int {
	return c.recordLength
}

// IsFinite tells whether a run stops after RecordLength samples.
func (c *BufferedChannel) IsFinite() bool {
	return c.cfg.RecordLengthIsFinite
}

// BufferCapacity is the number of samples the device holds before overflowing.
func (c *BufferedChannel) BufferCapacity() int {
	return c.cfg.BufferCapacity
}

// checkReconfigurable returns ErrInvalidState unless the channel may take new settings.
func (c *BufferedChannel) checkReconfigurable() error {
	switch s := c.State(); s {
	case Idle, Configured, Aborted:
		return nil
	default:
		return fmt.Errorf("%w: channel %s is %v", ErrInvalidState, c.name, s)
	}
}

// InstallSequence applies the configuration and the sequence to the device and moves
// the channel to Configured.
func (c *BufferedChannel) InstallSequence(def SequenceDefinition) error {
	if err := c.checkReconfigurable(); err != nil {
		return err
	}
	if def == nil {
		return fmt.Errorf("%w: channel %s: no sequence given", ErrInvalidSequence, c.name)
	}
	if err := def.Validate(); err != nil {
		return fmt.Errorf("channel %s: %w", c.name, err)
	}
	if c.cfg.OutputFunction == MeasureOnly {
		return fmt.Errorf("%w: channel %s is measure-only and takes no sequence", ErrInvalidConfig, c.name)
	}
	if err := c.cfg.checkSequenceKind(def); err != nil {
		return fmt.Errorf("channel %s: %w", c.name, err)
	}

	confirmed, err := c.inst.Configure(c.cfg)
	if err != nil {
		return c.fault("configure", err)
	}
	recordLength := c.cfg.RecordLength
	if recordLength == 0 {
		recordLength = deriveRecordLength(def, confirmed)
		if recordLength < 1 || recordLength > c.cfg.BufferCapacity {
			return fmt.Errorf("%w: channel %s: derived record length %d not in [1, %d]", ErrInvalidConfig,
				c.name, recordLength, c.cfg.BufferCapacity)
		}
		// The device needs the derived length, which depends on the period it confirmed.
		cfg := c.cfg
		cfg.RecordLength = recordLength
		if _, err := c.inst.Configure(cfg); err != nil {
			return c.fault("configure", err)
		}
	}
	if err := c.inst.InstallSequence(def); err != nil {
		return c.fault("install sequence", err)
	}

	c.sequence = def
	c.confirmed = confirmed
	c.duration = def.Duration(confirmed)
	c.recordLength = recordLength
	c.setState(Configured)
	return nil
}

// Configure applies the configuration of a measure-only channel, which has no sequence.
func (c *BufferedChannel) Configure() error {
	if err := c.checkReconfigurable(); err != nil {
		return err
	}
	if c.cfg.OutputFunction != MeasureOnly {
		return fmt.Errorf("%w: channel %s sources %v and needs a sequence", ErrNotConfigured,
			c.name, c.cfg.OutputFunction)
	}
	if c.cfg.RecordLength == 0 {
		return fmt.Errorf("%w: measure-only channel %s needs an explicit record length", ErrInvalidConfig, c.name)
	}
	confirmed, err := c.inst.Configure(c.cfg)
	if err != nil {
		return c.fault("configure", err)
	}
	c.sequence = nil
	c.confirmed = confirmed
	c.duration = 0
	c.recordLength = c.cfg.RecordLength
	c.setState(Configured)
	return nil
}

// InstallRoute programs this channel's side of route into the device: an export when
// role is Producer, an import when it is Consumer.
func (c *BufferedChannel) InstallRoute(route TriggerRoute, role TriggerRole) error {
	if s := c.State(); s != Configured {
		return fmt.Errorf("%w: channel %s is %v; routes are installed while Configured", ErrInvalidState, c.name, s)
	}
	var err error
	switch role {
	case Producer:
		if route.Producer.Channel != c.name {
			return fmt.Errorf("%w: route %v is not produced by channel %s", ErrUnsupportedRole, route, c.name)
		}
		err = c.inst.ExportTrigger(route.Producer.Event, route.Line)
	case Consumer:
		if route.Consumer.Channel != c.name {
			return fmt.Errorf("%w: route %v is not consumed by channel %s", ErrUnsupportedRole, route, c.name)
		}
		err = c.inst.ImportTrigger(route.Consumer.Event, route.Line, route.Edge)
	default:
		return fmt.Errorf("%w: %v", ErrUnsupportedRole, role)
	}
	if err != nil {
		return c.fault("install route", err)
	}
	c.routes.MarkInstalled(route, role)
	return nil
}

// ClearRoutes removes every trigger binding from the device. Driver errors are logged.
func (c *BufferedChannel) ClearRoutes() {
	if err := c.inst.ClearTriggers(); err != nil {
		ProblemLogger.Printf("channel %s: clearing triggers: %v", c.name, err)
	}
}

// Arm checks that the channel is configured and its wiring is complete.
func (c *BufferedChannel) Arm() error {
	if s := c.State(); s != Configured {
		return fmt.Errorf("%w: channel %s is %v", ErrNotConfigured, c.name, s)
	}
	if pending := c.routes.Pending(c.name); len(pending) > 0 {
		return fmt.Errorf("%w: channel %s has %d route(s) not installed on both ends, first %v",
			ErrIncompleteWiring, c.name, len(pending), pending[0])
	}
	if c.cfg.MeasureWhen == OnMeasureTrigger && !c.routes.HasImport(c.name, MeasureTrigger) {
		return fmt.Errorf("%w: channel %s measures on a trigger but no route delivers %v",
			ErrIncompleteWiring, c.name, MeasureTrigger)
	}
	c.setState(Armed)
	return nil
}

// Start initiates the device; from here it fills its buffer.
func (c *BufferedChannel) Start() error {
	if s := c.State(); s != Armed {
		return fmt.Errorf("%w: channel %s is %v, not Armed", ErrInvalidState, c.name, s)
	}
	c.nextIndex = 0
	if err := c.inst.Initiate(); err != nil {
		return c.fault("initiate", err)
	}
	c.setState(Running)
	return nil
}

// SendSoftwareEdgeTrigger fires event on a channel waiting on the software line.
func (c *BufferedChannel) SendSoftwareEdgeTrigger(event TriggerEvent) error {
	if s := c.State(); s != Running {
		return fmt.Errorf("%w: channel %s is %v", ErrNotRunning, c.name, s)
	}
	if err := c.inst.SendSoftwareEdgeTrigger(event); err != nil {
		return c.fault("software trigger", err)
	}
	return nil
}

// Fetch waits up to timeout for at least one sample and returns up to maxCount of them
// along with the backlog left on the device.
func (c *BufferedChannel) Fetch(maxCount int, timeout time.Duration) (FetchResult, error) {
	if s := c.State(); s != Running {
		return FetchResult{}, fmt.Errorf("%w: channel %s is %v", ErrNotRunning, c.name, s)
	}
	if maxCount < 1 {
		return FetchResult{}, fmt.Errorf("%w: fetch of %d samples", ErrInvalidConfig, maxCount)
	}
	samples, err := c.inst.Fetch(maxCount, timeout)
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			return FetchResult{}, fmt.Errorf("channel %s: %w", c.name, err)
		}
		return FetchResult{}, c.fault("fetch", err)
	}
	for _, s := range samples {
		if s.Index != c.nextIndex {
			return FetchResult{}, c.fault("fetch", fmt.Errorf("%w: sample %d arrived when %d was expected",
				ErrBufferOverflow, s.Index, c.nextIndex))
		}
		c.nextIndex++
	}
	backlog, err := c.inst.Backlog()
	if err != nil {
		return FetchResult{}, c.fault("backlog", err)
	}
	return FetchResult{Samples: samples, Backlog: backlog}, nil
}

// Backlog returns the number of samples waiting on the device without blocking.
func (c *BufferedChannel) Backlog() (int, error) {
	if s := c.State(); s != Running {
		return 0, fmt.Errorf("%w: channel %s is %v", ErrNotRunning, c.name, s)
	}
	n, err := c.inst.Backlog()
	if err != nil {
		return 0, c.fault("backlog", err)
	}
	return n, nil
}

// Abort stops the channel from any state. It is idempotent, and driver errors are
// logged rather than returned so teardown always proceeds.
func (c *BufferedChannel) Abort() {
	c.stateLock.Lock()
	if c.state == Aborted {
		c.stateLock.Unlock()
		return
	}
	c.stateLock.Unlock()
	if err := c.inst.Abort(); err != nil {
		ProblemLogger.Printf("channel %s: abort: %v", c.name, err)
	}
	c.setState(Aborted)
}
