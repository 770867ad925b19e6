// README: Circular geofence monitor turning position samples into enter/exit events.
package geofence

import (
	"errors"
	"sort"
	"sync"
	"time"

	"escort/internal/modules/location"
	"escort/internal/observability"
	"escort/internal/types"
)

var ErrInvalidRegion = errors.New("invalid geofence region")

type EventType string

const (
	EventEnter EventType = "enter"
	EventExit  EventType = "exit"
)

type Region struct {
	ID            string      `json:"id"`
	Center        types.Point `json:"center"`
	RadiusM       float64     `json:"radius_m"`
	NotifyOnEntry bool        `json:"notify_on_entry"`
	NotifyOnExit  bool        `json:"notify_on_exit"`
}

type Event struct {
	RegionID  string      `json:"region_id"`
	Type      EventType   `json:"type"`
	DistanceM float64     `json:"distance_m"`
	Point     types.Point `json:"point"`
	At        time.Time   `json:"at"`
	// Notify is set when the region asked for a notification in this direction.
	Notify bool `json:"notify"`
}

type regionState struct {
	region Region
	inside bool
}

// Monitor keeps one inside/outside flag per region, seeded to outside, and emits an event
// only when a sample flips it.
type Monitor struct {
	mu      sync.Mutex
	regions map[string]*regionState
	onEvent func(Event)
	now     func() time.Time
}

func NewMonitor() *Monitor {
	return &Monitor{regions: make(map[string]*regionState), now: time.Now}
}

// Start replaces the monitored regions and the event callback.
func (m *Monitor) Start(regions []Region, onEvent func(Event)) error {
	for _, r := range regions {
		if err := validate(r); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regions = make(map[string]*regionState, len(regions))
	for _, r := range regions {
		m.regions[r.ID] = &regionState{region: r}
	}
	m.onEvent = onEvent
	return nil
}

// Stop forgets every region and the callback. Safe to call repeatedly.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regions = make(map[string]*regionState)
	m.onEvent = nil
}

// AddRegion registers r, replacing any region with the same id; the inside flag restarts at false.
func (m *Monitor) AddRegion(r Region) error {
	if err := validate(r); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regions[r.ID] = &regionState{region: r}
	return nil
}

func (m *Monitor) RemoveRegion(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.regions, id)
}

func (m *Monitor) IsInside(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.regions[id]
	return ok && st.inside
}

// DistanceTo returns the distance in meters from p to the center of region id.
func (m *Monitor) DistanceTo(id string, p types.Point) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.regions[id]
	if !ok {
		return 0, false
	}
	return location.DistanceMeters(p, st.region.Center), true
}

func (m *Monitor) Regions() []Region {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Region, 0, len(m.regions))
	for _, st := range m.regions {
		out = append(out, st.region)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Process evaluates one sample against every region and returns the transitions it caused,
// ordered by region id. The callback runs after the monitor lock is released.
func (m *Monitor) Process(p types.Point) []Event {
	m.mu.Lock()
	now := m.now()
	var events []Event
	for id, st := range m.regions {
		dist := location.DistanceMeters(p, st.region.Center)
		inside := dist <= st.region.RadiusM
		if inside == st.inside {
			continue
		}
		st.inside = inside
		ev := Event{RegionID: id, Type: EventExit, DistanceM: dist, Point: p, At: now, Notify: st.region.NotifyOnExit}
		if inside {
			ev.Type = EventEnter
			ev.Notify = st.region.NotifyOnEntry
		}
		events = append(events, ev)
	}
	fn := m.onEvent
	m.mu.Unlock()

	sort.Slice(events, func(i, j int) bool { return events[i].RegionID < events[j].RegionID })
	for _, ev := range events {
		observability.GeofenceEventsTotal.WithLabelValues(string(ev.Type)).Inc()
		if fn != nil {
			fn(ev)
		}
	}
	return events
}

func validate(r Region) error {
	if r.ID == "" || r.RadiusM <= 0 || !r.Center.Valid() {
		return ErrInvalidRegion
	}
	return nil
}
