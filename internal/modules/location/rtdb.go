// README: Firebase RTDB mirror of live guard positions under /guard_locations, and nearby-guard queries.
package location

import (
	"context"
	"fmt"

	"firebase.google.com/go/v4/db"

	"escort/internal/types"
)

const (
	rtdbGuardNode = "guard_locations"

	GuardOnline  = "online"
	GuardOffline = "offline"
)

// rtdbGuardEntry mirrors a single guard entry stored under /guard_locations.
type rtdbGuardEntry struct {
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Status    string  `json:"status"`
	Timestamp int64   `json:"timestamp"`
}

type RTDBMirror struct {
	client *db.Client
}

func NewRTDBMirror(client *db.Client) *RTDBMirror {
	return &RTDBMirror{client: client}
}

// Publish writes the latest guard position; client samples are not mirrored.
func (m *RTDBMirror) Publish(ctx context.Context, s Sample) error {
	if s.UserType != UserTypeGuard {
		return nil
	}
	ref := m.client.NewRef(rtdbGuardNode).Child(string(s.UserID))
	entry := rtdbGuardEntry{Lat: s.Point.Lat, Lng: s.Point.Lng, Status: GuardOnline, Timestamp: s.RecordedAt.UnixMilli()}
	if err := ref.Set(ctx, entry); err != nil {
		return fmt.Errorf("rtdb set guard %s: %w", s.UserID, err)
	}
	return nil
}

func (m *RTDBMirror) SetStatus(ctx context.Context, guardID types.ID, status string) error {
	ref := m.client.NewRef(rtdbGuardNode).Child(string(guardID)).Child("status")
	if err := ref.Set(ctx, status); err != nil {
		return fmt.Errorf("rtdb status %s: %w", guardID, err)
	}
	return nil
}

// NearbyGuards returns online guards within radiusKm of center, closest first.
func (m *RTDBMirror) NearbyGuards(ctx context.Context, center types.Point, radiusKm float64) ([]NearbyGuard, error) {
	var data map[string]rtdbGuardEntry
	ref := m.client.NewRef(rtdbGuardNode)
	if err := ref.OrderByChild("status").EqualTo(GuardOnline).Get(ctx, &data); err != nil {
		return nil, fmt.Errorf("querying online guards: %w", err)
	}
	return nearest(data, center, radiusKm), nil
}

func nearest(data map[string]rtdbGuardEntry, center types.Point, radiusKm float64) []NearbyGuard {
	var out []NearbyGuard
	for id, entry := range data {
		dist := HaversineKm(center, types.Point{Lat: entry.Lat, Lng: entry.Lng})
		if dist <= radiusKm {
			out = append(out, NearbyGuard{GuardID: types.ID(id), Lat: entry.Lat, Lng: entry.Lng, Distance: dist})
		}
	}
	sortByDistance(out, func(g NearbyGuard) float64 { return g.Distance })
	return out
}
