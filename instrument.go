package syncdaq

import "time"

// SampleIndex counts samples on one channel, starting at 0 each run.
type SampleIndex int64

// StatusFlags are the per-sample status bits reported by the device.
type StatusFlags uint8

// Bits of StatusFlags
const (
	InCompliance StatusFlags = 1 << iota // output clamped at its limit
	OverRange                            // measurement exceeded the range
)

// Has tells whether all bits of f are set.
func (s StatusFlags) Has(f StatusFlags) bool {
	return s&f == f
}

// Sample is one measurement: primary is voltage (or the DMM reading), secondary is current.
type Sample struct {
	Index     SampleIndex
	Primary   float64
	Secondary float64
	Status    StatusFlags
}

// FetchResult is what one fetch returns: the samples plus the backlog left on the device.
type FetchResult struct {
	Samples []Sample
	Backlog int
}

// Instrument is the vendor driver seen from one channel. Implementations are not
// required to be safe for concurrent use; BufferedChannel serializes access.
type Instrument interface {
	Name() string
	Capabilities() Capabilities

	// Configure applies cfg and returns the sample period the device actually uses.
	Configure(cfg ChannelConfig) (confirmed time.Duration, err error)
	InstallSequence(def SequenceDefinition) error

	ExportTrigger(event TriggerEvent, line string) error
	ImportTrigger(event TriggerEvent, line string, edge EdgeType) error
	ClearTriggers() error
	SendSoftwareEdgeTrigger(event TriggerEvent) error

	Initiate() error
	Abort() error

	// Fetch waits up to timeout for at least one sample and returns up to max of them.
	// It returns an error wrapping ErrTimeout if none arrive and ErrBufferOverflow if the
	// device dropped samples.
	Fetch(max int, timeout time.Duration) ([]Sample, error)
	// Backlog is the number of samples held on the device, without blocking.
	Backlog() (int, error)
	Close() error
}
