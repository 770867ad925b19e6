package location

import (
	"math"
	"testing"

	"escort/internal/types"
)

func TestHaversineKm_KnownDistances(t *testing.T) {
	tests := []struct {
		name      string
		a, b      types.Point
		wantKm    float64
		tolerance float64
	}{
		{
			name:      "same point",
			a:         types.Point{Lat: 6.4541, Lng: 3.3947},
			b:         types.Point{Lat: 6.4541, Lng: 3.3947},
			wantKm:    0,
			tolerance: 0.001,
		},
		{
			name:      "Victoria Island to Ikeja (~21km)",
			a:         types.Point{Lat: 6.4281, Lng: 3.4219},
			b:         types.Point{Lat: 6.6018, Lng: 3.3515},
			wantKm:    20.8,
			tolerance: 1.5,
		},
		{
			name:      "New York to Los Angeles (~3944km)",
			a:         types.Point{Lat: 40.7128, Lng: -74.0060},
			b:         types.Point{Lat: 34.0522, Lng: -118.2437},
			wantKm:    3944,
			tolerance: 50,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := HaversineKm(tt.a, tt.b)
			if math.Abs(got-tt.wantKm) > tt.tolerance {
				t.Errorf("HaversineKm() = %f, want %f (±%f)", got, tt.wantKm, tt.tolerance)
			}
		})
	}
}

func TestHaversineKm_Symmetry(t *testing.T) {
	a := types.Point{Lat: 25.0, Lng: 121.0}
	b := types.Point{Lat: 26.0, Lng: 122.0}
	if math.Abs(HaversineKm(a, b)-HaversineKm(b, a)) > 0.0001 {
		t.Errorf("haversine is not symmetric")
	}
}

func TestDistanceMeters_OneDegreeLatitude(t *testing.T) {
	got := DistanceMeters(types.Point{Lat: 0, Lng: 10}, types.Point{Lat: 1, Lng: 10})
	want := 2 * math.Pi * earthRadiusKm * 1000 / 360
	if math.Abs(got-want) > 1 {
		t.Errorf("DistanceMeters() = %f, want %f", got, want)
	}
}

func TestSortByDistance_Guards(t *testing.T) {
	guards := []NearbyGuard{
		{GuardID: types.ID("c"), Distance: 5.0},
		{GuardID: types.ID("a"), Distance: 1.0},
		{GuardID: types.ID("b"), Distance: 3.0},
	}

	sortByDistance(guards, func(g NearbyGuard) float64 { return g.Distance })

	if guards[0].GuardID != "a" || guards[1].GuardID != "b" || guards[2].GuardID != "c" {
		t.Errorf("unexpected sort order: %v", guards)
	}
}

func TestSortByDistance_Empty(t *testing.T) {
	var guards []NearbyGuard
	sortByDistance(guards, func(g NearbyGuard) float64 { return g.Distance })
}

func TestNearest_FiltersByRadius(t *testing.T) {
	center := types.Point{Lat: 6.4541, Lng: 3.3947}
	data := map[string]rtdbGuardEntry{
		"far":  {Lat: 6.6018, Lng: 3.3515, Status: GuardOnline},
		"near": {Lat: 6.4550, Lng: 3.3950, Status: GuardOnline},
		"mid":  {Lat: 6.4700, Lng: 3.4000, Status: GuardOnline},
	}

	got := nearest(data, center, 5)
	if len(got) != 2 {
		t.Fatalf("expected 2 guards within 5km, got %d", len(got))
	}
	if got[0].GuardID != "near" || got[1].GuardID != "mid" {
		t.Errorf("unexpected order: %v", got)
	}
}
