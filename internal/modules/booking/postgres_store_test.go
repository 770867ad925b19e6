// README: PostgreSQL local cache tests; skipped unless ESCORT_TEST_DSN points at a disposable database.
package booking

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escort/internal/types"
)

func TestPostgresStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := setupPostgresStore(t)

	guard := idPtr("guard-1")
	b := seedBooking(t, store, "pg-1", StatusPending)

	got, err := store.Get(ctx, "pg-1")
	require.NoError(t, err)
	assert.Equal(t, b.ClientID, got.ClientID)
	assert.Nil(t, got.GuardID)
	assert.Nil(t, got.Destination)
	assert.True(t, got.ScheduledStart.Equal(b.ScheduledStart))

	now := baseTime.Add(time.Hour)
	got.GuardID = guard
	got.Status = StatusCompleted
	got.Version = 2
	got.UpdatedAt = now
	got.CompletedAt = &now
	got.Destination = &Place{Point: types.Point{Lat: 6.6, Lng: 3.3}, Address: "Ikeja", City: "Lagos"}
	got.Rating = &Rating{Score: 5, Breakdown: map[string]int{"safety": 5}, RatedAt: now}
	ok, err := store.Update(ctx, got, 1)
	require.NoError(t, err)
	require.True(t, ok)

	again, err := store.Get(ctx, "pg-1")
	require.NoError(t, err)
	require.NotNil(t, again.GuardID)
	assert.Equal(t, types.ID("guard-1"), *again.GuardID)
	require.NotNil(t, again.Destination)
	assert.Equal(t, "Ikeja", again.Destination.Address)
	require.NotNil(t, again.Rating)
	assert.Equal(t, 5, again.Rating.Breakdown["safety"])

	ok, err = store.Update(ctx, got, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Update(ctx, &Booking{ID: "missing", Pickup: b.Pickup}, 0)
	assert.ErrorIs(t, err, ErrNotFound)

	inUse, err := store.StartCodeInUse(ctx, b.StartCode)
	require.NoError(t, err)
	assert.False(t, inUse, "completed bookings release their code")

	list, err := store.ListByUser(ctx, "guard-1", RoleGuard)
	require.NoError(t, err)
	assert.Len(t, list, 1)
	list, err = store.ListUpdatedSince(ctx, baseTime)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestPostgresStore_ServiceFlow(t *testing.T) {
	ctx := context.Background()
	store := setupPostgresStore(t)
	svc := NewService(store, WithClock(func() time.Time { return baseTime }))

	b, err := svc.Create(ctx, createCommand())
	require.NoError(t, err)
	_, err = svc.UpdateStatus(ctx, StatusCommand{BookingID: b.ID, Status: StatusAccepted, ActorID: "guard-1"})
	require.NoError(t, err)
	res, err := svc.VerifyStartCode(ctx, VerifyCommand{BookingID: b.ID, Code: b.StartCode, ActorID: "guard-1", RequireAssignedGuard: true})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 3, res.Booking.Version)
}

func setupPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()

	dsn := os.Getenv("ESCORT_TEST_DSN")
	if dsn == "" {
		t.Skip("ESCORT_TEST_DSN not set; skipping DB-backed store tests")
	}

	ctx := context.Background()
	db, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	require.NoError(t, applyMigration(ctx, db))
	_, err = db.Exec(ctx, "TRUNCATE TABLE bookings")
	require.NoError(t, err)
	return NewPostgresStore(db)
}

func applyMigration(ctx context.Context, db *pgxpool.Pool) error {
	root, err := repoRoot()
	if err != nil {
		return err
	}
	content, err := os.ReadFile(filepath.Join(root, "migrations", "0001_init.sql"))
	if err != nil {
		return err
	}
	for _, stmt := range splitSQL(stripSQLComments(string(content))) {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func repoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for i := 0; i < 6; i++ {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", os.ErrNotExist
}

func stripSQLComments(input string) string {
	var b strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(input))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		b.WriteString(scanner.Text())
		b.WriteString("\n")
	}
	return b.String()
}

func splitSQL(input string) []string {
	var out []string
	for _, p := range strings.Split(input, ";") {
		if stmt := strings.TrimSpace(p); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
