package syncdaq

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/davecgh/go-spew/spew"
)

// Endpoint names one trigger terminal: an event on a channel.
type Endpoint struct {
	Channel string
	Event   TriggerEvent
}

func (ep Endpoint) String() string {
	if ep.Channel == "" {
		return "software/" + ep.Event.String()
	}
	return ep.Channel + "/" + ep.Event.String()
}

// TriggerRoute binds a producing terminal to a consuming terminal over a shared line.
// A route with an empty Producer.Channel is a software route: the consumer waits on
// SoftwareLine and the caller fires it with SendSoftwareEdgeTrigger.
type TriggerRoute struct {
	Producer Endpoint
	Consumer Endpoint
	Edge     EdgeType
	Line     string // "" means allocate the lowest free PXI_TrigN
}

func (r TriggerRoute) String() string {
	return fmt.Sprintf("%v -> %v (%v edge on %s)", r.Producer, r.Consumer, r.Edge, r.Line)
}

// isSoftware tells whether the route has no producing instrument.
func (r TriggerRoute) isSoftware() bool {
	return r.Producer.Channel == ""
}

// isSelf tells whether the route starts and ends on one channel.
func (r TriggerRoute) isSelf() bool {
	return r.Producer.Channel == r.Consumer.Channel
}

// touches tells whether the route has either end on the named channel.
func (r TriggerRoute) touches(channel string) bool {
	return r.Producer.Channel == channel || r.Consumer.Channel == channel
}

// backplaneLinePrefix names the shared trigger lines of the chassis backplane.
const backplaneLinePrefix = "PXI_Trig"

// maxBackplaneLines is the number of PXI_TrigN lines available for allocation.
const maxBackplaneLines = 8

type routeEntry struct {
	route             TriggerRoute
	producerInstalled bool
	consumerInstalled bool
}

func (e *routeEntry) installed() bool {
	return (e.producerInstalled || e.route.isSoftware()) && e.consumerInstalled
}

// RouteState describes one route for status publishing.
type RouteState struct {
	Producer  string
	Consumer  string
	Edge      string
	Line      string
	Installed bool
}

// RouteTableState contains all the state of the trigger wiring. It is also used
// to communicate with clients about the routes.
type RouteTableState struct {
	Routes []RouteState
}

// RouteTable holds the trigger wiring of one session. Connect and Disconnect are
// serialized; after setup the table is only read.
type RouteTable struct {
	mu           sync.Mutex
	capabilities map[string]Capabilities
	entries      []*routeEntry // in connection order
}

// NewRouteTable creates an empty RouteTable.
func NewRouteTable() *RouteTable {
	return &RouteTable{capabilities: make(map[string]Capabilities)}
}

// Register records the trigger capabilities of a channel's instrument.
func (rt *RouteTable) Register(channel string, caps Capabilities) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.capabilities[channel] = caps
}

// Connect adds a route and returns it with its line resolved. It is safe to connect
// a route that already exists.
func (rt *RouteTable) Connect(route TriggerRoute) (TriggerRoute, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if err := rt.checkTerminals(route); err != nil {
		return route, err
	}
	if existing := rt.findConsumer(route.Consumer); existing != nil {
		r := existing.route
		if r.Producer == route.Producer && r.Edge == route.Edge && (route.Line == "" || route.Line == r.Line) {
			return r, nil
		}
		ProblemLogger.Printf("Route conflict on %v; routes are:\n%s", route.Consumer, spew.Sdump(rt.routes()))
		return route, fmt.Errorf("%w: %v already has route %v", ErrRouteConflict, route.Consumer, r)
	}

	switch {
	case route.isSoftware():
		route.Line = SoftwareLine
	case route.Line == "":
		route.Line = rt.lineFor(route.Producer)
		if route.Line == "" {
			return route, fmt.Errorf("%w: all %d backplane lines are in use", ErrRouteConflict, maxBackplaneLines)
		}
	default:
		for _, e := range rt.entries {
			if e.route.Line == route.Line && e.route.Producer != route.Producer {
				return route, fmt.Errorf("%w: line %s is already driven by %v", ErrRouteConflict,
					route.Line, e.route.Producer)
			}
		}
	}
	rt.entries = append(rt.entries, &routeEntry{route: route})
	return route, nil
}

// checkTerminals verifies that both ends of the route exist and can play their roles.
func (rt *RouteTable) checkTerminals(route TriggerRoute) error {
	if route.isSoftware() {
		if route.Line != "" && route.Line != SoftwareLine {
			return fmt.Errorf("%w: a route with no producer must use line %s", ErrUnknownTerminal, SoftwareLine)
		}
	} else {
		pcaps, ok := rt.capabilities[route.Producer.Channel]
		if !ok {
			return fmt.Errorf("%w: channel %q is not registered", ErrUnknownTerminal, route.Producer.Channel)
		}
		if !pcaps.CanProduce() {
			return fmt.Errorf("%w: channel %q cannot emit triggers and may only be a consumer",
				ErrUnsupportedRole, route.Producer.Channel)
		}
		if !pcaps.Exports[route.Producer.Event] {
			return fmt.Errorf("%w: channel %q cannot export %v", ErrUnknownTerminal,
				route.Producer.Channel, route.Producer.Event)
		}
		if route.Line == SoftwareLine {
			return fmt.Errorf("%w: line %s is reserved for software routes", ErrUnknownTerminal, SoftwareLine)
		}
	}
	ccaps, ok := rt.capabilities[route.Consumer.Channel]
	if !ok {
		return fmt.Errorf("%w: channel %q is not registered", ErrUnknownTerminal, route.Consumer.Channel)
	}
	if !ccaps.Imports[route.Consumer.Event] {
		return fmt.Errorf("%w: channel %q cannot import %v", ErrUnknownTerminal,
			route.Consumer.Channel, route.Consumer.Event)
	}
	return nil
}

func (rt *RouteTable) findConsumer(ep Endpoint) *routeEntry {
	for _, e := range rt.entries {
		if e.route.Consumer == ep {
			return e
		}
	}
	return nil
}

// lineFor returns the line already driven by producer, else the lowest free backplane
// line, else "".
func (rt *RouteTable) lineFor(producer Endpoint) string {
	used := make(map[string]bool)
	for _, e := range rt.entries {
		if e.route.Producer == producer {
			return e.route.Line
		}
		used[e.route.Line] = true
	}
	for i := 0; i < maxBackplaneLines; i++ {
		line := fmt.Sprintf("%s%d", backplaneLinePrefix, i)
		if !used[line] {
			return line
		}
	}
	return ""
}

// Disconnect removes the route feeding route.Consumer, if it comes from route.Producer.
// It is safe to disconnect a route whether it exists or not; the result tells which.
func (rt *RouteTable) Disconnect(route TriggerRoute) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for i, e := range rt.entries {
		if e.route.Consumer == route.Consumer && e.route.Producer == route.Producer {
			rt.entries = append(rt.entries[:i], rt.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Routes returns every route in connection order.
func (rt *RouteTable) Routes() []TriggerRoute {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.routes()
}

func (rt *RouteTable) routes() []TriggerRoute {
	routes := make([]TriggerRoute, len(rt.entries))
	for i, e := range rt.entries {
		routes[i] = e.route
	}
	return routes
}

// RoutesFor returns the routes with either end on channel, in connection order.
func (rt *RouteTable) RoutesFor(channel string) []TriggerRoute {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	var routes []TriggerRoute
	for _, e := range rt.entries {
		if e.route.touches(channel) {
			routes = append(routes, e.route)
		}
	}
	return routes
}

// MarkInstalled records that route has been programmed into the instrument on one side.
func (rt *RouteTable) MarkInstalled(route TriggerRoute, role TriggerRole) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	e := rt.findConsumer(route.Consumer)
	if e == nil || e.route.Producer != route.Producer {
		return
	}
	switch role {
	case Producer:
		e.producerInstalled = true
	case Consumer:
		e.consumerInstalled = true
	}
}

// Pending returns the routes touching channel that are not yet installed on both sides.
func (rt *RouteTable) Pending(channel string) []TriggerRoute {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	var pending []TriggerRoute
	for _, e := range rt.entries {
		if e.route.touches(channel) && !e.installed() {
			pending = append(pending, e.route)
		}
	}
	return pending
}

// HasImport tells whether some route delivers event to channel.
func (rt *RouteTable) HasImport(channel string, event TriggerEvent) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.findConsumer(Endpoint{Channel: channel, Event: event}) != nil
}

// StartOrder sorts channels so that every consumer comes before the producers it listens
// to. Ties keep the order of the channels argument. Routes from a channel to itself impose
// no order. It fails with ErrCyclicWiring if no such order exists.
func (rt *RouteTable) StartOrder(channels []string) ([]string, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	position := make(map[string]int)
	for i, name := range channels {
		position[name] = i
	}
	// producersOf[c] are the channels that must start after c.
	producersOf := make(map[string]map[string]bool)
	waitingOn := make(map[string]int) // number of distinct consumers a producer waits for
	for _, e := range rt.entries {
		r := e.route
		if r.isSoftware() || r.isSelf() {
			continue
		}
		_, pok := position[r.Producer.Channel]
		_, cok := position[r.Consumer.Channel]
		if !pok || !cok {
			continue
		}
		if producersOf[r.Consumer.Channel] == nil {
			producersOf[r.Consumer.Channel] = make(map[string]bool)
		}
		if !producersOf[r.Consumer.Channel][r.Producer.Channel] {
			producersOf[r.Consumer.Channel][r.Producer.Channel] = true
			waitingOn[r.Producer.Channel]++
		}
	}

	var ready []string
	for _, name := range channels {
		if waitingOn[name] == 0 {
			ready = append(ready, name)
		}
	}
	order := make([]string, 0, len(channels))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		for p := range producersOf[name] {
			waitingOn[p]--
			if waitingOn[p] == 0 {
				ready = append(ready, p)
			}
		}
		sort.Slice(ready, func(i, j int) bool { return position[ready[i]] < position[ready[j]] })
	}

	if len(order) < len(channels) {
		var stuck []string
		for _, name := range channels {
			if waitingOn[name] > 0 {
				stuck = append(stuck, name)
			}
		}
		ProblemLogger.Printf("No start order exists for channels %v; routes are:\n%s", stuck, spew.Sdump(rt.routes()))
		return nil, fmt.Errorf("%w: channels %s wait on each other", ErrCyclicWiring, strings.Join(stuck, ", "))
	}
	return order, nil
}

// State returns a snapshot of the wiring.
func (rt *RouteTable) State() RouteTableState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	state := RouteTableState{Routes: make([]RouteState, len(rt.entries))}
	for i, e := range rt.entries {
		state.Routes[i] = RouteState{
			Producer:  e.route.Producer.String(),
			Consumer:  e.route.Consumer.String(),
			Edge:      e.route.Edge.String(),
			Line:      e.route.Line,
			Installed: e.installed(),
		}
	}
	return state
}

// Teardown calls fn on every route in reverse connection order and marks each
// uninstalled. Every route is visited even if fn fails; the first error is returned.
func (rt *RouteTable) Teardown(fn func(TriggerRoute) error) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	var firstErr error
	for i := len(rt.entries) - 1; i >= 0; i-- {
		e := rt.entries[i]
		if err := fn(e.route); err != nil && firstErr == nil {
			firstErr = err
		}
		e.producerInstalled = false
		e.consumerInstalled = false
	}
	return firstErr
}
