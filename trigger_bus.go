package syncdaq

import (
	"sync"
	"time"
)

// DefaultTriggerPulseWidth is the width of an edge asserted on a simulated line.
const DefaultTriggerPulseWidth = 250 * time.Nanosecond

type busSubscriber struct {
	id      int
	edge    EdgeType
	deliver func(at time.Time)
}

// TriggerBus is the simulated chassis backplane: named lines on which exported events
// are asserted and delivered to every instrument currently listening. A line keeps no
// history, so a listener that subscribes after an edge never sees it.
type TriggerBus struct {
	PulseWidth time.Duration

	mu       sync.Mutex
	lines    map[string][]*busSubscriber
	asserted map[string]int
	nextID   int
}

// NewTriggerBus creates a bus with no listeners.
func NewTriggerBus() *TriggerBus {
	return &TriggerBus{
		PulseWidth: DefaultTriggerPulseWidth,
		lines:      make(map[string][]*busSubscriber),
		asserted:   make(map[string]int),
	}
}

// Subscribe calls deliver for each later pulse on line, at the time of the chosen edge.
// The returned function cancels the subscription.
func (bus *TriggerBus) Subscribe(line string, edge EdgeType, deliver func(at time.Time)) (cancel func()) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	bus.nextID++
	sub := &busSubscriber{id: bus.nextID, edge: edge, deliver: deliver}
	bus.lines[line] = append(bus.lines[line], sub)
	return func() {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		subs := bus.lines[line]
		for i, s := range subs {
			if s.id == sub.id {
				bus.lines[line] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Assert drives a pulse onto line whose rising edge is at time at. Listeners are
// called without the bus lock held, so they may assert further lines.
func (bus *TriggerBus) Assert(line string, at time.Time) {
	bus.mu.Lock()
	subs := make([]*busSubscriber, len(bus.lines[line]))
	copy(subs, bus.lines[line])
	bus.asserted[line]++
	width := bus.PulseWidth
	bus.mu.Unlock()

	for _, s := range subs {
		t := at
		if s.edge == FallingEdge {
			t = at.Add(width)
		}
		s.deliver(t)
	}
}

// Pulses returns how many times line has been asserted.
func (bus *TriggerBus) Pulses(line string) int {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	return bus.asserted[line]
}
