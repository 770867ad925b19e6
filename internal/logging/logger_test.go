package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithOutput_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithOutput("debug", &buf)

	logger.WithField("booking_id", "b1").Info("booking created")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "booking created", entry["message"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "b1", entry["booking_id"])
	assert.Contains(t, entry, "timestamp")
}

func TestNewWithOutput_UnknownLevelDefaultsToInfo(t *testing.T) {
	logger := NewWithOutput("loud", &bytes.Buffer{})
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
}
