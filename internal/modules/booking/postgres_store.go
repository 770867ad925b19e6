// README: Local booking cache backed by PostgreSQL.
package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escort/internal/types"
)

type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

const bookingColumns = `
	id, client_id, guard_id, booking_type, status, version,
	scheduled_date, scheduled_time, scheduled_start, duration_hours,
	pickup_lat, pickup_lng, pickup_address, pickup_city,
	destination_lat, destination_lng, destination_address, destination_city,
	start_code, start_code_verified,
	created_at, updated_at, accepted_at, rejected_at, rejection_reason,
	started_at, completed_at, cancelled_at, cancelled_by, cancellation_reason,
	extension_count, near_pickup_at,
	amount, platform_fee, guard_payout, currency, payment_status, rating`

func (s *PostgresStore) Create(ctx context.Context, b *Booking) error {
	args, err := bookingArgs(b)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO bookings (`+bookingColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14,
			$15, $16, $17, $18,
			$19, $20,
			$21, $22, $23, $24, $25,
			$26, $27, $28, $29, $30,
			$31, $32,
			$33, $34, $35, $36, $37, $38
		)`, args...)
	if err != nil {
		return fmt.Errorf("insert booking %s: %w", b.ID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id types.ID) (*Booking, error) {
	row := s.db.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, string(id))
	b, err := scanBooking(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get booking %s: %w", id, err)
	}
	return b, nil
}

func (s *PostgresStore) Update(ctx context.Context, b *Booking, expectedVersion int) (bool, error) {
	args, err := bookingArgs(b)
	if err != nil {
		return false, err
	}
	args = append(args, expectedVersion)
	tag, err := s.db.Exec(ctx, `
		UPDATE bookings SET
			client_id = $2, guard_id = $3, booking_type = $4, status = $5, version = $6,
			scheduled_date = $7, scheduled_time = $8, scheduled_start = $9, duration_hours = $10,
			pickup_lat = $11, pickup_lng = $12, pickup_address = $13, pickup_city = $14,
			destination_lat = $15, destination_lng = $16, destination_address = $17, destination_city = $18,
			start_code = $19, start_code_verified = $20,
			created_at = $21, updated_at = $22, accepted_at = $23, rejected_at = $24, rejection_reason = $25,
			started_at = $26, completed_at = $27, cancelled_at = $28, cancelled_by = $29, cancellation_reason = $30,
			extension_count = $31, near_pickup_at = $32,
			amount = $33, platform_fee = $34, guard_payout = $35, currency = $36, payment_status = $37, rating = $38
		WHERE id = $1 AND version = $39`, args...)
	if err != nil {
		return false, fmt.Errorf("update booking %s: %w", b.ID, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	// Distinguish a lost race from a missing row.
	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM bookings WHERE id = $1)`, string(b.ID)).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID types.ID, role Role) ([]*Booking, error) {
	column := "client_id"
	if role == RoleGuard {
		column = "guard_id"
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE `+column+` = $1
		ORDER BY scheduled_start DESC`, string(userID))
	if err != nil {
		return nil, err
	}
	return collectBookings(rows)
}

func (s *PostgresStore) ListUpdatedSince(ctx context.Context, since time.Time) ([]*Booking, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE updated_at > $1
		ORDER BY updated_at ASC`, since)
	if err != nil {
		return nil, err
	}
	return collectBookings(rows)
}

func (s *PostgresStore) StartCodeInUse(ctx context.Context, code string) (bool, error) {
	row := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM bookings
			WHERE start_code = $1
			  AND status NOT IN ('completed','cancelled','rejected')
		)`, code)
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func bookingArgs(b *Booking) ([]any, error) {
	var rating []byte
	if b.Rating != nil {
		var err error
		rating, err = json.Marshal(b.Rating)
		if err != nil {
			return nil, fmt.Errorf("encode rating: %w", err)
		}
	}
	var destLat, destLng *float64
	var destAddr, destCity *string
	if b.Destination != nil {
		destLat, destLng = &b.Destination.Point.Lat, &b.Destination.Point.Lng
		destAddr, destCity = &b.Destination.Address, &b.Destination.City
	}
	return []any{
		string(b.ID), string(b.ClientID), toStringPtr(b.GuardID), string(b.Type), string(b.Status), b.Version,
		b.ScheduledDate, b.ScheduledTime, b.ScheduledStart, b.Duration,
		b.Pickup.Point.Lat, b.Pickup.Point.Lng, b.Pickup.Address, b.Pickup.City,
		destLat, destLng, destAddr, destCity,
		b.StartCode, b.StartCodeVerified,
		b.CreatedAt, b.UpdatedAt, b.AcceptedAt, b.RejectedAt, b.RejectionReason,
		b.StartedAt, b.CompletedAt, b.CancelledAt, b.CancelledBy, b.CancellationReason,
		b.ExtensionCount, b.NearPickupAt,
		b.Amount.Amount, b.PlatformFee.Amount, b.GuardPayout.Amount, b.Amount.Currency, b.PaymentStatus, rating,
	}, nil
}

func scanBooking(row pgx.Row) (*Booking, error) {
	var b Booking
	var guardID *string
	var destLat, destLng *float64
	var destAddr, destCity *string
	var currency string
	var rating []byte

	err := row.Scan(
		&b.ID, &b.ClientID, &guardID, &b.Type, &b.Status, &b.Version,
		&b.ScheduledDate, &b.ScheduledTime, &b.ScheduledStart, &b.Duration,
		&b.Pickup.Point.Lat, &b.Pickup.Point.Lng, &b.Pickup.Address, &b.Pickup.City,
		&destLat, &destLng, &destAddr, &destCity,
		&b.StartCode, &b.StartCodeVerified,
		&b.CreatedAt, &b.UpdatedAt, &b.AcceptedAt, &b.RejectedAt, &b.RejectionReason,
		&b.StartedAt, &b.CompletedAt, &b.CancelledAt, &b.CancelledBy, &b.CancellationReason,
		&b.ExtensionCount, &b.NearPickupAt,
		&b.Amount.Amount, &b.PlatformFee.Amount, &b.GuardPayout.Amount, &currency, &b.PaymentStatus, &rating,
	)
	if err != nil {
		return nil, err
	}
	if guardID != nil {
		g := types.ID(*guardID)
		b.GuardID = &g
	}
	if destLat != nil && destLng != nil {
		d := Place{Point: types.Point{Lat: *destLat, Lng: *destLng}}
		if destAddr != nil {
			d.Address = *destAddr
		}
		if destCity != nil {
			d.City = *destCity
		}
		b.Destination = &d
	}
	b.Amount.Currency = currency
	b.PlatformFee.Currency = currency
	b.GuardPayout.Currency = currency
	if len(rating) > 0 {
		var r Rating
		if err := json.Unmarshal(rating, &r); err != nil {
			return nil, fmt.Errorf("decode rating: %w", err)
		}
		b.Rating = &r
	}
	return &b, nil
}

func collectBookings(rows pgx.Rows) ([]*Booking, error) {
	defer rows.Close()
	var out []*Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}
