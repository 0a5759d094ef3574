package syncdaq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// FetchLoopState is the state of one FetchLoop.
type FetchLoopState int

// Names for the possible values of FetchLoopState
const (
	Waiting  FetchLoopState = iota // backlog was empty; blocked in fetch
	Draining                       // fetching what the backlog reported
	Done                           // stop condition met
	Failed                         // stopped by a fatal error
)

func (s FetchLoopState) String() string {
	switch s {
	case Waiting:
		return "Waiting"
	case Draining:
		return "Draining"
	case Done:
		return "Done"
	case Failed:
		return "Failed"
	}
	return fmt.Sprintf("FetchLoopState(%d)", int(s))
}

// DrainableChannel is what a FetchLoop drains. *BufferedChannel implements it.
type DrainableChannel interface {
	Name() string
	Fetch(maxCount int, timeout time.Duration) (FetchResult, error)
	Backlog() (int, error)
	RecordLength() int
	IsFinite() bool
	BufferCapacity() int
}

// SampleSink receives every FetchResult a loop produces, in order.
type SampleSink interface {
	Consume(channel string, res FetchResult) error
}

// SampleSinkFunc adapts a function to the SampleSink interface.
type SampleSinkFunc func(channel string, res FetchResult) error

// Consume calls f(channel, res).
func (f SampleSinkFunc) Consume(channel string, res FetchResult) error {
	return f(channel, res)
}

// FetchLoopConfig holds the drain policy of a FetchLoop.
type FetchLoopConfig struct {
	Timeout                time.Duration // bound on each blocking fetch
	MaxCount               int           // cap on samples per fetch
	HighWater              float64       // fraction of buffer capacity
	MaxConsecutiveTimeouts int           // continuous mode; 0 means retry forever
}

// FetchLoopConfigFrom takes the drain policy from the session settings.
func FetchLoopConfigFrom(s Settings) FetchLoopConfig {
	return FetchLoopConfig{
		Timeout:                s.FetchTimeout,
		MaxCount:               s.FetchMaxCount,
		HighWater:              s.HighWater,
		MaxConsecutiveTimeouts: s.MaxConsecutiveTimeouts,
	}
}

// FetchStats summarizes one run of a FetchLoop.
type FetchStats struct {
	Fetched    int
	Fetches    int
	Timeouts   int
	Warnings   int
	MaxBacklog int
}

// FetchLoop repeatedly checks a channel's backlog and fetches what is ready, adapting
// each fetch size to the backlog instead of polling for a fixed count.
type FetchLoop struct {
	ch   DrainableChannel
	cfg  FetchLoopConfig
	sink SampleSink

	// OnFetch, if set, sees every successful fetch.
	OnFetch func(channel string, res FetchResult)
	// OnWarning, if set, receives each non-fatal DrainingTooSlow warning.
	OnWarning func(w *DrainingTooSlow)
	// Now returns the time stamped on warnings.
	Now func() time.Time

	stateLock sync.Mutex
	state     FetchLoopState
	stats     FetchStats

	lastBacklog  int
	growthStreak int
}

// NewFetchLoop creates a loop that drains ch into sink (which may be nil).
func NewFetchLoop(ch DrainableChannel, cfg FetchLoopConfig, sink SampleSink) *FetchLoop {
	if cfg.MaxCount < 1 {
		cfg.MaxCount = 1
	}
	return &FetchLoop{ch: ch, cfg: cfg, sink: sink, Now: time.Now}
}

// State returns the loop's state; it is safe to call from any goroutine.
func (fl *FetchLoop) State() FetchLoopState {
	fl.stateLock.Lock()
	defer fl.stateLock.Unlock()
	return fl.state
}

func (fl *FetchLoop) setState(s FetchLoopState) {
	fl.stateLock.Lock()
	defer fl.stateLock.Unlock()
	fl.state = s
}

// Stats returns counts gathered so far.
func (fl *FetchLoop) Stats() FetchStats {
	fl.stateLock.Lock()
	defer fl.stateLock.Unlock()
	return fl.stats
}

func (fl *FetchLoop) fail(err error) (FetchStats, error) {
	fl.setState(Failed)
	return fl.Stats(), err
}

// Run drains the channel until its stop condition: RecordLength samples fetched for a
// finite channel, or ctx cancelled for a continuous one. Cancellation is noticed only
// between fetches. Cancelling a finite loop before it finishes returns ctx.Err().
func (fl *FetchLoop) Run(ctx context.Context) (FetchStats, error) {
	name := fl.ch.Name()
	finite := fl.ch.IsFinite()
	recordLength := fl.ch.RecordLength()
	timeouts := 0
	fl.lastBacklog = 0
	fl.growthStreak = 0

	for {
		fetched := fl.Stats().Fetched
		if finite && fetched >= recordLength {
			fl.setState(Done)
			return fl.Stats(), nil
		}
		select {
		case <-ctx.Done():
			if finite {
				return fl.fail(fmt.Errorf("channel %s stopped after %d of %d samples: %w",
					name, fetched, recordLength, ctx.Err()))
			}
			fl.setState(Done)
			return fl.Stats(), nil
		default:
		}

		backlog, err := fl.ch.Backlog()
		if err != nil {
			return fl.fail(err)
		}
		fl.watchBacklog(name, backlog)

		n := fl.cfg.MaxCount
		if finite && recordLength-fetched < n {
			n = recordLength - fetched
		}
		if backlog > 0 {
			if backlog < n {
				n = backlog
			}
			fl.setState(Draining)
		} else {
			fl.setState(Waiting)
		}

		res, err := fl.ch.Fetch(n, fl.cfg.Timeout)
		if err != nil {
			if !errors.Is(err, ErrTimeout) || finite {
				return fl.fail(err)
			}
			timeouts++
			fl.stateLock.Lock()
			fl.stats.Timeouts++
			fl.stateLock.Unlock()
			if fl.cfg.MaxConsecutiveTimeouts > 0 && timeouts >= fl.cfg.MaxConsecutiveTimeouts {
				return fl.fail(fmt.Errorf("%d consecutive timeouts: %w", timeouts, err))
			}
			ProblemLogger.Printf("channel %s: %v (retrying)", name, err)
			continue
		}
		timeouts = 0

		fl.stateLock.Lock()
		fl.stats.Fetched += len(res.Samples)
		fl.stats.Fetches++
		if res.Backlog > fl.stats.MaxBacklog {
			fl.stats.MaxBacklog = res.Backlog
		}
		fl.stateLock.Unlock()

		if fl.OnFetch != nil {
			fl.OnFetch(name, res)
		}
		if fl.sink != nil {
			if err := fl.sink.Consume(name, res); err != nil {
				return fl.fail(fmt.Errorf("channel %s: sink: %w", name, err))
			}
		}
	}
}

// watchBacklog raises DrainingTooSlow when two consecutive iterations see the backlog
// grow while above the high-water mark.
func (fl *FetchLoop) watchBacklog(name string, backlog int) {
	capacity := fl.ch.BufferCapacity()
	highWater := fl.cfg.HighWater * float64(capacity)
	if float64(backlog) > highWater && backlog > fl.lastBacklog {
		fl.growthStreak++
	} else {
		fl.growthStreak = 0
	}
	fl.lastBacklog = backlog

	fl.stateLock.Lock()
	if backlog > fl.stats.MaxBacklog {
		fl.stats.MaxBacklog = backlog
	}
	fl.stateLock.Unlock()

	if fl.growthStreak < 2 {
		return
	}
	fl.growthStreak = 0
	w := &DrainingTooSlow{Channel: name, Backlog: backlog, Capacity: capacity, Time: fl.Now()}
	fl.stateLock.Lock()
	fl.stats.Warnings++
	fl.stateLock.Unlock()
	if fl.OnWarning != nil {
		fl.OnWarning(w)
	} else {
		ProblemLogger.Print(w)
	}
}
