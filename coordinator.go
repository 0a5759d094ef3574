package syncdaq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/usnistgov/syncdaq/internal/sessiondb"
	"github.com/usnistgov/syncdaq/internal/unboundedchan"
)

// SessionRecorder stores a summary of each channel's run, e.g. in the session database.
type SessionRecorder interface {
	RecordChannelRun(msg *sessiondb.ChannelRunMessage)
}

// ChannelResult is what one channel produced in a session.
type ChannelResult struct {
	Channel               string
	Instrument            string
	Function              OutputFunction
	State                 ChannelState
	ConfirmedSamplePeriod time.Duration
	SequenceDuration      time.Duration
	RecordLength          int
	Stats                 FetchStats
	Samples               []Sample // kept only when the coordinator keeps samples
	Warnings              []*DrainingTooSlow
	Summary               ChannelSummary
	Err                   error
	Start                 time.Time
	End                   time.Time
}

// SessionResult is what a whole session produced.
type SessionResult struct {
	ID         string
	Start      time.Time
	End        time.Time
	StartOrder []string
	Routes     []TriggerRoute
	Channels   map[string]*ChannelResult
	Err        error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithSink hands every FetchResult to sink as well.
func WithSink(sink SampleSink) Option {
	return func(c *Coordinator) { c.sink = sink }
}

// WithStatusUpdates publishes session, channel, backlog and warning updates on updates.
// The caller must keep reading updates until the session has finished.
func WithStatusUpdates(updates chan<- ClientUpdate) Option {
	return func(c *Coordinator) { c.updates = updates }
}

// WithMetrics records fetches, backlogs and failures in m.
func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithSessionRecorder stores a summary of every channel run in rec.
func WithSessionRecorder(rec SessionRecorder) Option {
	return func(c *Coordinator) { c.recorder = rec }
}

// WithBacklogTrace writes a line per fetch to bt.
func WithBacklogTrace(bt *BacklogTrace) Option {
	return func(c *Coordinator) { c.trace = bt }
}

// WithClock timestamps results and warnings with clock instead of the wall clock.
func WithClock(clock Clock) Option {
	return func(c *Coordinator) { c.now = clock.Now }
}

// WithSessionID uses id as the session ID instead of a new one.
func WithSessionID(id string) Option {
	return func(c *Coordinator) { c.id = id }
}

// WithKeepSamples chooses whether fetched samples are kept in the ChannelResults (default true).
func WithKeepSamples(keep bool) Option {
	return func(c *Coordinator) { c.keepSamples = keep }
}

// WithLogger sends warnings and faults to problems and state changes to updates.
// Either may be nil to leave that logger alone.
func WithLogger(problems, updates Logger) Option {
	return func(c *Coordinator) {
		if problems != nil {
			c.problems = problems
		}
		if updates != nil {
			c.updatesLog = updates
		}
	}
}

// Logger is the part of *log.Logger the coordinator uses.
type Logger interface {
	Printf(format string, v ...interface{})
}

// statusInterval limits how often backlog updates are published per channel.
const statusInterval = 250 * time.Millisecond

// Coordinator runs one acquisition session: it owns the channels and the route table,
// sets them up in a safe order, drains every channel concurrently and tears it all down.
type Coordinator struct {
	id       string
	settings Settings
	routes   *RouteTable

	mu        sync.Mutex // serializes setup and teardown
	names     []string   // in the order added
	channels  map[string]*BufferedChannel
	sequences map[string]SequenceDefinition
	order     []string
	started   bool
	finished  bool
	cancel    context.CancelFunc

	sink        SampleSink
	updates     chan<- ClientUpdate
	metrics     *Metrics
	recorder    SessionRecorder
	trace       *BacklogTrace
	keepSamples bool
	now         func() time.Time
	problems    Logger
	updatesLog  Logger

	events    *unboundedchan.UnboundedChannel[ClientUpdate]
	pumpDone  chan struct{}
	result    *SessionResult
	lastShown map[string]time.Time
}

// NewCoordinator creates a Coordinator with no channels.
func NewCoordinator(settings Settings, opts ...Option) (*Coordinator, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	c := &Coordinator{
		settings:    settings,
		routes:      NewRouteTable(),
		channels:    make(map[string]*BufferedChannel),
		sequences:   make(map[string]SequenceDefinition),
		keepSamples: true,
		now:         time.Now,
		problems:    ProblemLogger,
		updatesLog:  UpdateLogger,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.id == "" {
		c.id = sessiondb.NewID()
	}
	c.result = &SessionResult{ID: c.id, Channels: make(map[string]*ChannelResult)}
	return c, nil
}

// ID returns the session's ID.
func (c *Coordinator) ID() string {
	return c.result.ID
}

// Routes returns the session's route table.
func (c *Coordinator) Routes() *RouteTable {
	return c.routes
}

// Channel returns the named channel.
func (c *Coordinator) Channel(name string) (*BufferedChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, name)
	}
	return ch, nil
}

// ChannelNames returns the channel names in the order they were added.
func (c *Coordinator) ChannelNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.names...)
}

// AddChannel adds a channel driven by inst.
func (c *Coordinator) AddChannel(name string, inst Instrument, cfg ChannelConfig) (*BufferedChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.finished {
		return nil, fmt.Errorf("%w: cannot add channel %s after setup", ErrInvalidState, name)
	}
	if _, ok := c.channels[name]; ok {
		return nil, fmt.Errorf("%w: channel %s added twice", ErrInvalidConfig, name)
	}
	ch, err := NewBufferedChannel(name, inst, cfg, c.routes)
	if err != nil {
		return nil, err
	}
	c.channels[name] = ch
	c.names = append(c.names, name)
	return ch, nil
}

// SetSequence chooses the sequence that Setup installs on the named channel.
func (c *Coordinator) SetSequence(name string, def SequenceDefinition) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.channels[name]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, name)
	}
	if def == nil {
		return fmt.Errorf("%w: channel %s: no sequence given", ErrInvalidSequence, name)
	}
	if err := def.Validate(); err != nil {
		return fmt.Errorf("channel %s: %w", name, err)
	}
	c.sequences[name] = def
	return nil
}

// Connect adds a trigger route and returns it with its line resolved.
func (c *Coordinator) Connect(route TriggerRoute) (TriggerRoute, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.finished {
		return route, fmt.Errorf("%w: cannot connect %v after setup", ErrInvalidState, route)
	}
	return c.routes.Connect(route)
}

// Setup installs every sequence, installs every route on both of its ends, and arms the
// channels in start order. Any error aborts every channel.
func (c *Coordinator) Setup() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.finished {
		return fmt.Errorf("%w: session %s is already set up", ErrInvalidState, c.result.ID)
	}
	if len(c.names) == 0 {
		return fmt.Errorf("%w: session has no channels", ErrNotConfigured)
	}
	c.started = true
	c.startPump()
	c.result.Start = c.now()
	c.publish(TagSession, SessionStatusMessage{ID: c.result.ID, State: "setup"})

	if err := c.setup(); err != nil {
		c.result.Err = err
		c.teardownLocked()
		return err
	}
	return nil
}

func (c *Coordinator) setup() error {
	for _, name := range c.names {
		ch := c.channels[name]
		var err error
		if def, ok := c.sequences[name]; ok {
			err = ch.InstallSequence(def)
		} else {
			err = ch.Configure()
		}
		if err != nil {
			return fmt.Errorf("configuring channel %s: %w", name, err)
		}
		c.publishChannel(ch, nil)
	}

	for _, route := range c.routes.Routes() {
		if !route.isSoftware() {
			if err := c.channels[route.Producer.Channel].InstallRoute(route, Producer); err != nil {
				return fmt.Errorf("installing %v: %w", route, err)
			}
		}
		if err := c.channels[route.Consumer.Channel].InstallRoute(route, Consumer); err != nil {
			return fmt.Errorf("installing %v: %w", route, err)
		}
	}
	c.result.Routes = c.routes.Routes()
	c.publish(TagRoutes, c.routes.State())

	order, err := c.routes.StartOrder(c.names)
	if err != nil {
		return err
	}
	c.order = order
	c.result.StartOrder = order
	for _, name := range order {
		ch := c.channels[name]
		if err := ch.Arm(); err != nil {
			return err
		}
		c.publishChannel(ch, nil)
	}
	return nil
}

// Start initiates the channels in start order, so every consumer is listening before
// the producers it depends on fire.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started || c.finished || c.order == nil {
		return fmt.Errorf("%w: session is not set up", ErrNotConfigured)
	}
	for _, name := range c.order {
		ch := c.channels[name]
		if err := ch.Start(); err != nil {
			err = fmt.Errorf("starting channel %s: %w", name, err)
			c.result.Err = err
			c.teardownLocked()
			return err
		}
		c.channelResult(name).Start = c.now()
		c.publishChannel(ch, nil)
	}
	c.publish(TagSession, SessionStatusMessage{ID: c.result.ID, State: "running"})
	return nil
}

// SendSoftwareEdgeTrigger fires event on a running channel that waits on the software line.
func (c *Coordinator) SendSoftwareEdgeTrigger(channel string, event TriggerEvent) error {
	ch, err := c.Channel(channel)
	if err != nil {
		return err
	}
	return ch.SendSoftwareEdgeTrigger(event)
}

// fireSoftwareRoutes sends the edge of every software route.
func (c *Coordinator) fireSoftwareRoutes() error {
	for _, route := range c.routes.Routes() {
		if !route.isSoftware() {
			continue
		}
		if err := c.SendSoftwareEdgeTrigger(route.Consumer.Channel, route.Consumer.Event); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) channelResult(name string) *ChannelResult {
	res, ok := c.result.Channels[name]
	if !ok {
		ch := c.channels[name]
		res = &ChannelResult{
			Channel:    name,
			Instrument: ch.inst.Name(),
			Function:   ch.cfg.OutputFunction,
		}
		c.result.Channels[name] = res
	}
	return res
}

// Drain runs one FetchLoop per channel until each finishes (finite channels) or ctx is
// cancelled (continuous channels). The first fatal error stops every loop. Afterwards
// all channels are aborted and the routes torn down.
func (c *Coordinator) Drain(ctx context.Context) (*SessionResult, error) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return c.result, fmt.Errorf("%w: session %s is finished", ErrInvalidState, c.result.ID)
	}
	for _, name := range c.order {
		if s := c.channels[name].State(); s != Running {
			c.mu.Unlock()
			return c.result, fmt.Errorf("%w: channel %s is %v", ErrNotRunning, name, s)
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	// Results must exist before the loops start; the map is only read from here on.
	for _, name := range c.order {
		c.channelResult(name)
	}
	c.lastShown = make(map[string]time.Time)
	c.mu.Unlock()
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	var shownLock sync.Mutex
	for _, name := range c.order {
		ch := c.channels[name]
		res := c.result.Channels[name]
		loop := NewFetchLoop(ch, FetchLoopConfigFrom(c.settings), c.sink)
		loop.Now = c.now
		loop.OnFetch = func(channel string, fr FetchResult) {
			if c.keepSamples {
				res.Samples = append(res.Samples, fr.Samples...)
			}
			capacity := ch.BufferCapacity()
			c.metrics.observeFetch(channel, fr, capacity)
			now := c.now()
			if c.trace != nil {
				c.trace.Record(now, channel, len(fr.Samples), fr.Backlog, capacity)
			}
			shownLock.Lock()
			due := now.Sub(c.lastShown[channel]) >= statusInterval
			if due {
				c.lastShown[channel] = now
			}
			shownLock.Unlock()
			if due {
				c.publish(TagBacklog, BacklogMessage{Channel: channel, Fetched: len(fr.Samples),
					Backlog: fr.Backlog, Capacity: capacity})
			}
		}
		loop.OnWarning = func(w *DrainingTooSlow) {
			res.Warnings = append(res.Warnings, w)
			c.problems.Printf("%v", w)
			c.metrics.observeWarning(w.Channel)
			c.publish(TagWarning, newWarningMessage(w))
		}
		g.Go(func() error {
			stats, err := loop.Run(gctx)
			res.Stats = stats
			res.End = c.now()
			if err != nil {
				res.Err = err
				// Loops stopped because a sibling failed are not failures of their own.
				if !errors.Is(err, context.Canceled) || ctx.Err() != nil {
					c.metrics.observeFailure(ch.Name(), errors.Is(err, ErrBufferOverflow))
					c.problems.Printf("channel %s: %v", ch.Name(), err)
				}
				return fmt.Errorf("channel %s: %w", ch.Name(), err)
			}
			return nil
		})
	}
	err := g.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.result.Err = err
	c.teardownLocked()
	return c.result, err
}

// Run sets up, starts, fires the software routes, and drains the session.
func (c *Coordinator) Run(ctx context.Context) (*SessionResult, error) {
	if err := c.Setup(); err != nil {
		return c.result, err
	}
	if err := c.Start(); err != nil {
		return c.result, err
	}
	if err := c.fireSoftwareRoutes(); err != nil {
		c.mu.Lock()
		c.result.Err = err
		c.teardownLocked()
		c.mu.Unlock()
		return c.result, err
	}
	return c.Drain(ctx)
}

// Abort stops a running drain, aborts every channel and tears down the routes.
// It is safe to call more than once and at any stage.
func (c *Coordinator) Abort() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		// Drain tears down once its loops have returned.
		cancel()
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
}

// teardownLocked aborts every channel, clears the routes in reverse connection order and
// finishes the result. The caller holds c.mu.
func (c *Coordinator) teardownLocked() {
	if c.finished {
		return
	}
	c.finished = true
	for i := len(c.names) - 1; i >= 0; i-- {
		c.channels[c.names[i]].Abort()
	}
	cleared := make(map[string]bool)
	clearOnce := func(name string) {
		if name == "" || cleared[name] {
			return
		}
		cleared[name] = true
		c.channels[name].ClearRoutes()
	}
	c.routes.Teardown(func(route TriggerRoute) error {
		clearOnce(route.Consumer.Channel)
		clearOnce(route.Producer.Channel)
		return nil
	})

	c.result.End = c.now()
	for name, res := range c.result.Channels {
		ch := c.channels[name]
		res.State = ch.State()
		res.ConfirmedSamplePeriod = ch.ConfirmedSamplePeriod()
		res.SequenceDuration = ch.SequenceDuration()
		res.RecordLength = ch.RecordLength()
		res.Summary = Summarize(res.Samples)
		if res.End.IsZero() {
			res.End = c.result.End
		}
		c.publishChannel(ch, res.Err)
		c.recordRun(res)
	}
	status := SessionStatusMessage{ID: c.result.ID, State: "done"}
	if c.result.Err != nil {
		status.State = "failed"
		status.Error = c.result.Err.Error()
		c.problems.Printf("session %s failed: %v", c.result.ID, c.result.Err)
	}
	c.updatesLog.Printf("session %s %s", c.result.ID, status.State)
	c.publish(TagSession, status)
	c.stopPump()
}

func (c *Coordinator) recordRun(res *ChannelResult) {
	if c.recorder == nil {
		return
	}
	outcome := "ok"
	if res.Err != nil {
		outcome = res.Err.Error()
	}
	c.recorder.RecordChannelRun(&sessiondb.ChannelRunMessage{
		SessionID:    c.result.ID,
		Channel:      res.Channel,
		Instrument:   res.Instrument,
		Function:     res.Function.String(),
		SamplePeriod: res.ConfirmedSamplePeriod.Seconds(),
		RecordLength: res.RecordLength,
		Samples:      res.Stats.Fetched,
		Fetches:      res.Stats.Fetches,
		MaxBacklog:   res.Stats.MaxBacklog,
		Warnings:     res.Stats.Warnings,
		Mean:         res.Summary.MeanPrimary,
		StdDev:       res.Summary.StdPrimary,
		Outcome:      outcome,
		Start:        res.Start,
		End:          res.End,
	})
}

// startPump begins forwarding queued events to the status channel.
func (c *Coordinator) startPump() {
	if c.updates == nil {
		return
	}
	c.events = unboundedchan.NewUnboundedChannel[ClientUpdate]()
	c.pumpDone = make(chan struct{})
	go func() {
		defer close(c.pumpDone)
		for u := range c.events.Out() {
			c.metrics.setQueued(c.events.Len())
			c.updates <- u
		}
	}()
}

// stopPump delivers the events still queued and waits for the pump to finish.
func (c *Coordinator) stopPump() {
	if c.events == nil {
		return
	}
	c.events.Close()
	<-c.pumpDone
	c.events = nil
}

// publish queues an update; it never blocks the caller on the reader.
func (c *Coordinator) publish(tag string, state interface{}) {
	if c.events == nil {
		return
	}
	c.events.Send(ClientUpdate{Tag: tag, State: state})
	c.metrics.setQueued(c.events.Len())
}

func (c *Coordinator) publishChannel(ch *BufferedChannel, err error) {
	msg := ChannelStatusMessage{Channel: ch.Name(), State: ch.State().String()}
	if err != nil {
		msg.Error = err.Error()
	}
	c.publish(TagChannel, msg)
}
