// README: Route/ETA providers: Google Directions when a key is configured, straight-line otherwise.
package maps

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"googlemaps.github.io/maps"

	"escort/internal/modules/location"
	"escort/internal/types"
)

var ErrNoRoute = errors.New("no route found")

// Estimate is an opaque travel estimate between two points.
type Estimate struct {
	Duration  time.Duration `json:"duration"`
	DistanceM float64       `json:"distance_m"`
	Summary   string        `json:"summary,omitempty"`
}

type ETAProvider interface {
	Estimate(ctx context.Context, from, to types.Point) (Estimate, error)
}

// RouteService handles interactions with Google Maps API.
type RouteService struct {
	client *maps.Client
}

// NewRouteService creates a new RouteService with the given API Key.
func NewRouteService(apiKey string) (*RouteService, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &RouteService{client: client}, nil
}

// Estimate asks for a driving route and returns its first leg.
func (s *RouteService) Estimate(ctx context.Context, from, to types.Point) (Estimate, error) {
	r := &maps.DirectionsRequest{
		Origin:      latLng(from),
		Destination: latLng(to),
		Mode:        maps.TravelModeDriving,
	}

	routes, _, err := s.client.Directions(ctx, r)
	if err != nil {
		return Estimate{}, fmt.Errorf("maps api error: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return Estimate{}, ErrNoRoute
	}

	leg := routes[0].Legs[0]
	return Estimate{Duration: leg.Duration, DistanceM: float64(leg.Distance.Meters), Summary: leg.Distance.HumanReadable}, nil
}

func latLng(p types.Point) string {
	return strconv.FormatFloat(p.Lat, 'f', 6, 64) + "," + strconv.FormatFloat(p.Lng, 'f', 6, 64)
}

// urbanSpeedMps is about 20 km/h.
const urbanSpeedMps = 5.56

// StraightLine estimates travel from great-circle distance at urban speed.
type StraightLine struct{}

func (StraightLine) Estimate(_ context.Context, from, to types.Point) (Estimate, error) {
	d := location.DistanceMeters(from, to)
	secs := math.Ceil(d / urbanSpeedMps)
	return Estimate{Duration: time.Duration(secs) * time.Second, DistanceM: d}, nil
}

// Fallback tries Primary and falls back to Secondary when it fails.
type Fallback struct {
	Primary   ETAProvider
	Secondary ETAProvider
}

func (f Fallback) Estimate(ctx context.Context, from, to types.Point) (Estimate, error) {
	if f.Primary != nil {
		if est, err := f.Primary.Estimate(ctx, from, to); err == nil {
			return est, nil
		}
	}
	return f.Secondary.Estimate(ctx, from, to)
}
