package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"depthbook/internal/config"
)

func TestNewWithWriterLevelsAndFields(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)

	var cfg config.Config
	cfg.Symbol = "ETHBTC"
	cfg.Logging.Level = "warn"

	var buf bytes.Buffer
	var log zerolog.Logger = NewWithWriter(cfg, &buf)
	log.Info().Msg("hidden")
	log.Warn().Msg("shown")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "shown", entry["message"])
	assert.Equal(t, "ETHBTC", entry["symbol"])
}

func TestNewWithWriterBadLevelFallsBackToInfo(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)

	var cfg config.Config
	cfg.Logging.Level = "loud"
	NewWithWriter(cfg, &bytes.Buffer{})
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}
