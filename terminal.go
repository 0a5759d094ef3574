package syncdaq

import "fmt"

// TriggerEvent names a trigger an instrument can consume or an event it can export.
type TriggerEvent int

// Names for the possible values of TriggerEvent
const (
	StartTrigger                   TriggerEvent = iota // begins source and measure engines
	SourceTrigger                                      // begins one source step
	SequenceAdvanceTrigger                             // advances the sequence one step
	MeasureTrigger                                     // begins the measure engine
	SourceCompleteEvent                                // emitted after a source step settles
	MeasureCompleteEvent                               // emitted after each measurement
	SequenceIterationCompleteEvent                     // emitted after one pass of the sequence
	MarkerEvent                                        // waveform generator marker
)

var triggerEventNames = map[TriggerEvent]string{
	StartTrigger:                   "StartTrigger",
	SourceTrigger:                  "SourceTrigger",
	SequenceAdvanceTrigger:         "SequenceAdvanceTrigger",
	MeasureTrigger:                 "MeasureTrigger",
	SourceCompleteEvent:            "SourceCompleteEvent",
	MeasureCompleteEvent:           "MeasureCompleteEvent",
	SequenceIterationCompleteEvent: "SequenceIterationCompleteEvent",
	MarkerEvent:                    "MarkerEvent",
}

func (e TriggerEvent) String() string {
	if name, ok := triggerEventNames[e]; ok {
		return name
	}
	return fmt.Sprintf("TriggerEvent(%d)", int(e))
}

// ParseTriggerEvent converts a name such as "SourceCompleteEvent" into a TriggerEvent.
func ParseTriggerEvent(name string) (TriggerEvent, error) {
	for e, n := range triggerEventNames {
		if n == name {
			return e, nil
		}
	}
	return 0, fmt.Errorf("%w: no trigger event named %q", ErrUnknownTerminal, name)
}

// EdgeType selects which edge of a trigger line a consumer responds to.
type EdgeType int

// Names for the possible values of EdgeType
const (
	RisingEdge EdgeType = iota
	FallingEdge
)

func (e EdgeType) String() string {
	switch e {
	case RisingEdge:
		return "Rising"
	case FallingEdge:
		return "Falling"
	}
	return fmt.Sprintf("EdgeType(%d)", int(e))
}

// ParseEdgeType converts "rising" or "falling" (any case) into an EdgeType; "" is rising.
func ParseEdgeType(name string) (EdgeType, error) {
	switch name {
	case "", "rising", "Rising", "RISING":
		return RisingEdge, nil
	case "falling", "Falling", "FALLING":
		return FallingEdge, nil
	}
	return 0, fmt.Errorf("unknown edge type %q", name)
}

// TriggerRole is the side of a route a channel plays.
type TriggerRole int

// Names for the possible values of TriggerRole
const (
	Producer TriggerRole = iota
	Consumer
)

func (r TriggerRole) String() string {
	switch r {
	case Producer:
		return "Producer"
	case Consumer:
		return "Consumer"
	}
	return fmt.Sprintf("TriggerRole(%d)", int(r))
}

// SoftwareLine is the pseudo-line on which an imported trigger waits for
// SendSoftwareEdgeTrigger instead of a hardware edge.
const SoftwareLine = "Software"

// Capabilities lists which events an instrument can export and which triggers it can import.
// An instrument with no exports (e.g., a passive DMM) may only ever be a route consumer.
type Capabilities struct {
	Exports map[TriggerEvent]bool
	Imports map[TriggerEvent]bool
}

// NewCapabilities builds a Capabilities from two lists.
func NewCapabilities(exports, imports []TriggerEvent) Capabilities {
	c := Capabilities{Exports: make(map[TriggerEvent]bool), Imports: make(map[TriggerEvent]bool)}
	for _, e := range exports {
		c.Exports[e] = true
	}
	for _, e := range imports {
		c.Imports[e] = true
	}
	return c
}

// CanProduce tells whether the instrument can drive any trigger line.
func (c Capabilities) CanProduce() bool {
	return len(c.Exports) > 0
}

// Standard capability sets for the simulated instrument classes.
var (
	SMUCapabilities = NewCapabilities(
		[]TriggerEvent{StartTrigger, SourceCompleteEvent, MeasureCompleteEvent, SequenceIterationCompleteEvent},
		[]TriggerEvent{StartTrigger, SourceTrigger, SequenceAdvanceTrigger, MeasureTrigger},
	)
	DMMCapabilities  = NewCapabilities(nil, []TriggerEvent{StartTrigger, MeasureTrigger})
	FGENCapabilities = NewCapabilities(
		[]TriggerEvent{StartTrigger, MarkerEvent},
		[]TriggerEvent{StartTrigger},
	)
)
