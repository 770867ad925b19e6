// README: Latched proximity alerts firing each distance threshold once until reset.
package geofence

import (
	"errors"
	"sort"
	"sync"

	"escort/internal/modules/location"
	"escort/internal/types"
)

var ErrInvalidAlert = errors.New("invalid proximity alert")

// Crossing reports that a sample came within Threshold meters of an alert center.
type Crossing struct {
	AlertID   string  `json:"alert_id"`
	Threshold float64 `json:"threshold_m"`
	DistanceM float64 `json:"distance_m"`
}

type alert struct {
	center     types.Point
	thresholds []float64
	fired      map[float64]bool
	fn         func(Crossing)
}

// Proximity holds alerts; a fired threshold stays latched until ResetAlert.
type Proximity struct {
	mu     sync.Mutex
	alerts map[string]*alert
}

func NewProximity() *Proximity {
	return &Proximity{alerts: make(map[string]*alert)}
}

// AddAlert registers thresholds in meters around center. They are evaluated in descending order.
func (p *Proximity) AddAlert(id string, center types.Point, thresholds []float64, onThreshold func(Crossing)) error {
	if id == "" || !center.Valid() || len(thresholds) == 0 {
		return ErrInvalidAlert
	}
	sorted := make([]float64, 0, len(thresholds))
	for _, t := range thresholds {
		if t <= 0 {
			return ErrInvalidAlert
		}
		sorted = append(sorted, t)
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))

	p.mu.Lock()
	defer p.mu.Unlock()
	p.alerts[id] = &alert{center: center, thresholds: sorted, fired: make(map[float64]bool), fn: onThreshold}
	return nil
}

func (p *Proximity) RemoveAlert(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.alerts, id)
}

// ResetAlert unlatches every threshold of id. It reports whether the alert exists.
func (p *Proximity) ResetAlert(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.alerts[id]
	if ok {
		a.fired = make(map[float64]bool)
	}
	return ok
}

// Clear removes every alert.
func (p *Proximity) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alerts = make(map[string]*alert)
}

// Triggered lists the latched thresholds of id, largest first.
func (p *Proximity) Triggered(id string) []float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.alerts[id]
	if !ok {
		return nil
	}
	var out []float64
	for _, t := range a.thresholds {
		if a.fired[t] {
			out = append(out, t)
		}
	}
	return out
}

// Process fires every unlatched threshold the sample is within. Callbacks run after the lock
// is released, in descending threshold order per alert.
func (p *Proximity) Process(pt types.Point) []Crossing {
	type firing struct {
		c  Crossing
		fn func(Crossing)
	}
	p.mu.Lock()
	ids := make([]string, 0, len(p.alerts))
	for id := range p.alerts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var fired []firing
	for _, id := range ids {
		a := p.alerts[id]
		dist := location.DistanceMeters(pt, a.center)
		for _, t := range a.thresholds {
			if dist <= t && !a.fired[t] {
				a.fired[t] = true
				fired = append(fired, firing{c: Crossing{AlertID: id, Threshold: t, DistanceM: dist}, fn: a.fn})
			}
		}
	}
	p.mu.Unlock()

	out := make([]Crossing, 0, len(fired))
	for _, f := range fired {
		if f.fn != nil {
			f.fn(f.c)
		}
		out = append(out, f.c)
	}
	return out
}
