package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ESCORT_ENV", "test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 30*time.Second, cfg.Sync.PollIdle)
	assert.Equal(t, 10*time.Second, cfg.Sync.PollActive)
	assert.Equal(t, []float64{500, 200, 100}, cfg.Tracking.ProximityThresholds)
	assert.Equal(t, time.UTC, cfg.Location)
	assert.Equal(t, 5, cfg.Verify.MaxFailures)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ESCORT_ENV", "test")
	t.Setenv("ESCORT_POLL_IDLE", "1m")
	t.Setenv("ESCORT_POLL_ACTIVE", "5s")
	t.Setenv("ESCORT_PROXIMITY_THRESHOLDS_M", "100, 1000,300")
	t.Setenv("ESCORT_TIMEZONE", "Asia/Taipei")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, time.Minute, cfg.Sync.PollIdle)
	assert.Equal(t, 5*time.Second, cfg.Sync.PollActive)
	assert.Equal(t, []float64{1000, 300, 100}, cfg.Tracking.ProximityThresholds)
	assert.Equal(t, "Asia/Taipei", cfg.Location.String())
}

func TestLoad_InvalidValuesAreJoined(t *testing.T) {
	t.Setenv("ESCORT_ENV", "test")
	t.Setenv("ESCORT_POLL_IDLE", "soon")
	t.Setenv("ESCORT_PROXIMITY_THRESHOLDS_M", "500,-1")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ESCORT_POLL_IDLE")
	assert.Contains(t, err.Error(), "ESCORT_PROXIMITY_THRESHOLDS_M")
}

func TestLoad_ActiveSlowerThanIdleRejected(t *testing.T) {
	t.Setenv("ESCORT_ENV", "test")
	t.Setenv("ESCORT_POLL_IDLE", "5s")
	t.Setenv("ESCORT_POLL_ACTIVE", "10s")

	_, err := Load()
	require.Error(t, err)
}
