package geofence

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escort/internal/types"
)

var pickup = types.Point{Lat: 6.4541, Lng: 3.3947}

// north returns the point meters due north of p.
func north(p types.Point, meters float64) types.Point {
	metersPerDegree := 6371000.0 * math.Pi / 180
	return types.Point{Lat: p.Lat + meters/metersPerDegree, Lng: p.Lng}
}

func TestMonitor_EnterAndExitOnce(t *testing.T) {
	m := NewMonitor()
	var got []Event
	require.NoError(t, m.Start([]Region{{ID: "pickup", Center: pickup, RadiusM: 100, NotifyOnEntry: true}}, func(e Event) {
		got = append(got, e)
	}))
	assert.False(t, m.IsInside("pickup"))

	for _, d := range []float64{400, 250, 120} {
		assert.Empty(t, m.Process(north(pickup, d)))
	}
	events := m.Process(north(pickup, 90))
	require.Len(t, events, 1)
	assert.Equal(t, EventEnter, events[0].Type)
	assert.True(t, events[0].Notify)
	assert.InDelta(t, 90, events[0].DistanceM, 0.5)
	assert.True(t, m.IsInside("pickup"))

	for _, d := range []float64{50, 10, 99} {
		assert.Empty(t, m.Process(north(pickup, d)))
	}

	events = m.Process(north(pickup, 130))
	require.Len(t, events, 1)
	assert.Equal(t, EventExit, events[0].Type)
	assert.False(t, events[0].Notify)
	assert.Empty(t, m.Process(north(pickup, 500)))

	require.Len(t, got, 2)
	assert.Equal(t, EventEnter, got[0].Type)
	assert.Equal(t, EventExit, got[1].Type)
}

func TestMonitor_BoundaryIsInside(t *testing.T) {
	m := NewMonitor()
	require.NoError(t, m.AddRegion(Region{ID: "r", Center: pickup, RadiusM: 100}))
	events := m.Process(pickup)
	require.Len(t, events, 1)
	assert.Equal(t, EventEnter, events[0].Type)
}

func TestMonitor_MultipleRegions(t *testing.T) {
	m := NewMonitor()
	dest := north(pickup, 5000)
	require.NoError(t, m.Start([]Region{
		{ID: "pickup", Center: pickup, RadiusM: 100},
		{ID: "destination", Center: dest, RadiusM: 150, NotifyOnEntry: true},
	}, nil))

	events := m.Process(pickup)
	require.Len(t, events, 1)
	assert.Equal(t, "pickup", events[0].RegionID)

	events = m.Process(north(dest, -100))
	require.Len(t, events, 2)
	assert.Equal(t, "destination", events[0].RegionID)
	assert.Equal(t, EventEnter, events[0].Type)
	assert.Equal(t, "pickup", events[1].RegionID)
	assert.Equal(t, EventExit, events[1].Type)

	d, ok := m.DistanceTo("destination", pickup)
	require.True(t, ok)
	assert.InDelta(t, 5000, d, 1)
	_, ok = m.DistanceTo("nowhere", pickup)
	assert.False(t, ok)
}

func TestMonitor_RemoveAndStop(t *testing.T) {
	m := NewMonitor()
	calls := 0
	require.NoError(t, m.Start([]Region{{ID: "pickup", Center: pickup, RadiusM: 100}}, func(Event) { calls++ }))
	m.Process(pickup)
	assert.Equal(t, 1, calls)

	m.RemoveRegion("pickup")
	assert.False(t, m.IsInside("pickup"))
	assert.Empty(t, m.Process(north(pickup, 1000)))

	require.NoError(t, m.AddRegion(Region{ID: "pickup", Center: pickup, RadiusM: 100}))
	m.Stop()
	m.Stop()
	assert.Empty(t, m.Regions())
	assert.Empty(t, m.Process(pickup))
	assert.Equal(t, 1, calls)
}

func TestMonitor_InvalidRegion(t *testing.T) {
	m := NewMonitor()
	assert.ErrorIs(t, m.AddRegion(Region{ID: "", Center: pickup, RadiusM: 10}), ErrInvalidRegion)
	assert.ErrorIs(t, m.AddRegion(Region{ID: "x", Center: pickup, RadiusM: 0}), ErrInvalidRegion)
	assert.ErrorIs(t, m.Start([]Region{{ID: "x", RadiusM: 10}}, nil), ErrInvalidRegion)
}

func TestProximity_FiresEachThresholdOnceInOrder(t *testing.T) {
	p := NewProximity()
	var fired []float64
	require.NoError(t, p.AddAlert("guard", pickup, []float64{100, 500, 200}, func(c Crossing) {
		fired = append(fired, c.Threshold)
	}))

	approach := func() {
		for d := 600.0; d >= 50; d -= 25 {
			p.Process(north(pickup, d))
		}
	}
	approach()
	assert.Equal(t, []float64{500, 200, 100}, fired)

	// Hovering around a boundary does not re-trigger.
	for _, d := range []float64{210, 190, 210, 95, 105, 95} {
		p.Process(north(pickup, d))
	}
	assert.Equal(t, []float64{500, 200, 100}, fired)
	assert.Equal(t, []float64{500, 200, 100}, p.Triggered("guard"))

	require.True(t, p.ResetAlert("guard"))
	assert.Empty(t, p.Triggered("guard"))
	fired = nil
	approach()
	assert.Equal(t, []float64{500, 200, 100}, fired)
}

func TestProximity_JumpFiresAllInDescendingOrder(t *testing.T) {
	p := NewProximity()
	require.NoError(t, p.AddAlert("guard", pickup, []float64{500, 200, 100}, nil))

	crossings := p.Process(north(pickup, 40))
	require.Len(t, crossings, 3)
	assert.Equal(t, 500.0, crossings[0].Threshold)
	assert.Equal(t, 200.0, crossings[1].Threshold)
	assert.Equal(t, 100.0, crossings[2].Threshold)
	assert.InDelta(t, 40, crossings[2].DistanceM, 0.5)
}

func TestProximity_RemoveAndClear(t *testing.T) {
	p := NewProximity()
	require.NoError(t, p.AddAlert("a", pickup, []float64{500}, nil))
	require.NoError(t, p.AddAlert("b", pickup, []float64{500}, nil))

	p.RemoveAlert("a")
	crossings := p.Process(pickup)
	require.Len(t, crossings, 1)
	assert.Equal(t, "b", crossings[0].AlertID)

	p.Clear()
	assert.False(t, p.ResetAlert("b"))
	assert.Empty(t, p.Process(pickup))
}

func TestProximity_InvalidAlert(t *testing.T) {
	p := NewProximity()
	assert.ErrorIs(t, p.AddAlert("a", pickup, nil, nil), ErrInvalidAlert)
	assert.ErrorIs(t, p.AddAlert("a", pickup, []float64{100, -1}, nil), ErrInvalidAlert)
	assert.ErrorIs(t, p.AddAlert("a", types.Point{}, []float64{100}, nil), ErrInvalidAlert)
}
