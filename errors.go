package syncdaq

import (
	"errors"
	"fmt"
	"time"
)

// Errors returned by channels, the route table, fetch loops and the coordinator.
// Callers should test for them with errors.Is; most are wrapped with details.
var (
	ErrInvalidSequence  = errors.New("invalid sequence")
	ErrInvalidState     = errors.New("invalid channel state")
	ErrInvalidConfig    = errors.New("invalid channel configuration")
	ErrUnknownTerminal  = errors.New("unknown trigger terminal")
	ErrRouteConflict    = errors.New("trigger route conflict")
	ErrIncompleteWiring = errors.New("incomplete trigger wiring")
	ErrUnsupportedRole  = errors.New("unsupported trigger role")
	ErrCyclicWiring     = errors.New("cyclic trigger wiring")
	ErrNotConfigured    = errors.New("channel not configured")
	ErrNotRunning       = errors.New("channel not running")
	ErrTimeout          = errors.New("fetch timed out")
	ErrBufferOverflow   = errors.New("sample buffer overflow")
	ErrDrainingTooSlow  = errors.New("draining too slow")
	ErrUnknownChannel   = errors.New("unknown channel")
)

// DeviceFault carries an error reported by the instrument driver. It is never retried.
type DeviceFault struct {
	Instrument string
	Op         string
	Err        error
}

func (f *DeviceFault) Error() string {
	return fmt.Sprintf("device fault on %s during %s: %v", f.Instrument, f.Op, f.Err)
}

func (f *DeviceFault) Unwrap() error {
	return f.Err
}

// asDeviceFault wraps a driver error unless it already is one of ours.
func asDeviceFault(instrument, op string, err error) error {
	if err == nil {
		return nil
	}
	var fault *DeviceFault
	if errors.As(err, &fault) || errors.Is(err, ErrBufferOverflow) || errors.Is(err, ErrTimeout) {
		return err
	}
	return &DeviceFault{Instrument: instrument, Op: op, Err: err}
}

// DrainingTooSlow is the non-fatal warning a FetchLoop raises when the backlog keeps
// growing above the high-water mark.
type DrainingTooSlow struct {
	Channel  string
	Backlog  int
	Capacity int
	Time     time.Time
}

func (w *DrainingTooSlow) Error() string {
	return fmt.Sprintf("%v: channel %s backlog %d of %d samples", ErrDrainingTooSlow,
		w.Channel, w.Backlog, w.Capacity)
}

func (w *DrainingTooSlow) Unwrap() error {
	return ErrDrainingTooSlow
}
