package booking

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escort/internal/types"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusAccepted, true},
		{StatusPending, StatusRejected, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusCompleted, false},
		{StatusAccepted, StatusActive, true},
		{StatusAccepted, StatusCancelled, true},
		{StatusAccepted, StatusRejected, false},
		{StatusActive, StatusCompleted, true},
		{StatusActive, StatusCancelled, true},
		{StatusActive, StatusPending, false},
		{StatusAssigned, StatusEnRoute, true},
		{StatusEnRoute, StatusEnRoute, false},
		{StatusConfirmed, StatusActive, true},
		{StatusPending, StatusAssigned, true},
		{StatusCompleted, StatusCancelled, false},
		{StatusCancelled, StatusActive, false},
		{StatusRejected, StatusAccepted, false},
		{StatusPending, Status("teleported"), false},
	}
	for _, tc := range cases {
		assert.Equalf(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestCanVerifyFrom(t *testing.T) {
	assert.True(t, CanVerifyFrom(StatusPending))
	assert.True(t, CanVerifyFrom(StatusAccepted))
	assert.True(t, CanVerifyFrom(StatusEnRoute))
	assert.False(t, CanVerifyFrom(StatusActive))
	assert.False(t, CanVerifyFrom(StatusCompleted))
	assert.False(t, CanVerifyFrom(StatusCancelled))
}

func TestCloneIsDeep(t *testing.T) {
	guard := idPtr("g1")
	now := time.Now()
	b := &Booking{
		ID:          "b1",
		GuardID:     guard,
		Destination: &Place{Address: "Mall"},
		AcceptedAt:  &now,
		Rating:      &Rating{Score: 4, Breakdown: map[string]int{"punctuality": 5}},
	}
	c := b.Clone()
	*c.GuardID = "g2"
	c.Destination.Address = "Airport"
	c.Rating.Breakdown["punctuality"] = 1
	*c.AcceptedAt = now.Add(time.Hour)

	assert.Equal(t, "g1", string(*b.GuardID))
	assert.Equal(t, "Mall", b.Destination.Address)
	assert.Equal(t, 5, b.Rating.Breakdown["punctuality"])
	assert.True(t, b.AcceptedAt.Equal(now))
}

func TestClassify(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	assert.Equal(t, TypeInstant, Classify("Lagos", "Lagos", now.Add(20*time.Minute), now))
	assert.Equal(t, TypeInstant, Classify("", "", now.Add(30*time.Minute), now))
	assert.Equal(t, TypeInstant, Classify("Lagos", "", now.Add(-5*time.Minute), now))
	assert.Equal(t, TypeScheduled, Classify("Lagos", "lagos", now.Add(2*time.Hour), now))
	assert.Equal(t, TypeCrossCity, Classify("Lagos", "Abuja", now.Add(10*time.Minute), now))
	assert.Equal(t, TypeScheduled, Classify("Lagos", " ", now.Add(31*time.Minute), now))
}

func TestParseSchedule(t *testing.T) {
	loc := time.FixedZone("WAT", 3600)

	got, err := ParseSchedule("2026-03-01", "14:30", loc)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 14, 30, 0, 0, loc), got)

	got, err = ParseSchedule("2026-03-01", "14:30:59", loc)
	require.NoError(t, err)
	assert.Equal(t, 30, got.Minute())
	assert.Equal(t, 0, got.Second())

	_, err = ParseSchedule("01/03/2026", "14:30", loc)
	assert.ErrorIs(t, err, ErrValidation)
	_, err = ParseSchedule("2026-03-01", "", loc)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestNewStartCode(t *testing.T) {
	digits := regexp.MustCompile(`^[1-9][0-9]{5}$`)
	for i := 0; i < 200; i++ {
		code, err := NewStartCode()
		require.NoError(t, err)
		require.Regexp(t, digits, code)
	}
}

func idPtr(s string) *types.ID {
	id := types.ID(s)
	return &id
}
