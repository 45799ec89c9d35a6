package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetLogging(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		mu.Lock()
		stderrWriter = os.Stderr
		fileSink = nil
		mu.Unlock()
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	})
}

func TestInitJSONFormatStampsComponent(t *testing.T) {
	resetLogging(t)
	var buf bytes.Buffer
	stderrWriter = &buf

	Init(Config{Level: "debug", Format: "json", Component: "gateway"})
	log.Debug().Str("k", "v").Msg("hello")

	var event map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &event))
	assert.Equal(t, "gateway", event["component"])
	assert.Equal(t, "hello", event["message"])
	assert.Equal(t, "v", event["k"])
}

func TestInitLevelFiltersBelowThreshold(t *testing.T) {
	resetLogging(t)
	var buf bytes.Buffer
	stderrWriter = &buf

	Init(Config{Level: "warn", Format: "json"})
	log.Info().Msg("dropped")
	log.Warn().Msg("kept")

	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")
}

func TestInitUnknownLevelDefaultsToInfo(t *testing.T) {
	resetLogging(t)
	Init(Config{Level: "shouting", Format: "json"})
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}

func TestFileSinkWritesAndCloses(t *testing.T) {
	resetLogging(t)
	var buf bytes.Buffer
	stderrWriter = &buf
	logPath := filepath.Join(t.TempDir(), "gateway.log")

	Init(Config{Level: "info", Format: "json", File: logPath})
	log.Info().Msg("to file")
	require.NoError(t, Close())

	content, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "to file")

	// Close is idempotent once the sink is gone.
	require.NoError(t, Close())
}
