package alogger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerJSONFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, zerolog.DebugLevel, FormatJSON)

	log.With("module", "test").Infow("request processed",
		"request_id", uint64(42),
		"elapsed", 1500*time.Millisecond,
		"error", errors.New("boom"),
		"dangling",
	)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "request processed", entry["message"])
	assert.Equal(t, "test", entry["module"])
	assert.EqualValues(t, 42, entry["request_id"])
	assert.Equal(t, "boom", entry["error"])
	assert.Contains(t, entry, "caller")
	assert.NotContains(t, entry, "dangling")
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, zerolog.WarnLevel, FormatJSON)

	log.Debugf("hidden %d", 1)
	log.Infow("hidden")
	assert.Zero(t, buf.Len())

	log.Warnf("shown %d", 2)
	assert.Contains(t, buf.String(), "shown 2")
}

func TestWithDoesNotLeak(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, zerolog.InfoLevel, FormatJSON)

	_ = log.With("a", "1")
	log.Infow("plain")

	assert.NotContains(t, buf.String(), `"a"`)
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, zerolog.InfoLevel, level)

	level, err = ParseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, zerolog.DebugLevel, level)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestNop(t *testing.T) {
	log := OrNop(nil)
	log.With("k", "v").Errorw("nothing")
	log.Info().Str("k", "v").Msg("nothing")
	assert.NotNil(t, log)
}
