// README: Position samples and persisted location snapshots.
package location

import (
	"time"

	"escort/internal/types"
)

const (
	UserTypeGuard  = "guard"
	UserTypeClient = "client"
)

// Sample is one position report from a device.
type Sample struct {
	UserID     types.ID    `json:"user_id"`
	UserType   string      `json:"user_type"`
	Point      types.Point `json:"point"`
	AccuracyM  float64     `json:"accuracy_m,omitempty"`
	RecordedAt time.Time   `json:"recorded_at"`
}

type Snapshot struct {
	ID         int64
	UserID     types.ID
	UserType   string
	Position   types.Point
	AccuracyM  float64
	RecordedAt time.Time
}

// NearbyGuard is an online guard with its distance from a queried origin.
type NearbyGuard struct {
	GuardID  types.ID `json:"guard_id"`
	Lat      float64  `json:"lat"`
	Lng      float64  `json:"lng"`
	Distance float64  `json:"distance_km"`
}
