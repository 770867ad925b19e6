// README: Location store backed by Redis GEO and Postgres snapshots.
package location

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"escort/internal/types"
)

// geoKey holds the latest position per user type, e.g. geo:guards.
func geoKey(userType string) string {
	return "geo:" + userType + "s"
}

type Store struct {
	db    *pgxpool.Pool
	redis *redis.Client
}

// NewStore accepts a nil db, in which case snapshots are not persisted, and a nil redis,
// in which case positions are only kept in memory by the service.
func NewStore(db *pgxpool.Pool, redis *redis.Client) *Store {
	return &Store{db: db, redis: redis}
}

func (s *Store) SetGeo(ctx context.Context, id types.ID, pos types.Point, userType string) error {
	if s.redis == nil {
		return nil
	}
	err := s.redis.GeoAdd(ctx, geoKey(userType), &redis.GeoLocation{
		Name:      string(id),
		Longitude: pos.Lng,
		Latitude:  pos.Lat,
	}).Err()
	if err != nil {
		return fmt.Errorf("geoadd %s: %w", id, err)
	}
	return nil
}

func (s *Store) AppendSnapshot(ctx context.Context, snap Snapshot) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO location_snapshots (user_id, user_type, lat, lng, accuracy_m, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		string(snap.UserID), snap.UserType, snap.Position.Lat, snap.Position.Lng, snap.AccuracyM, snap.RecordedAt)
	if err != nil {
		return fmt.Errorf("append snapshot %s: %w", snap.UserID, err)
	}
	return nil
}
