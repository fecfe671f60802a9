package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kawsbot/a2a-pay/config"
)

func TestNew_JSONRespectsLevel(t *testing.T) {
	c := require.New(t)
	var buf bytes.Buffer

	logger := New(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info().Msg("dropped")
	logger.Warn().Str("op", "dispute").Msg("kept")

	var line map[string]any
	c.NoError(json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	c.Equal("kept", line["message"])
	c.Equal("warn", line["level"])
	c.Equal("dispute", line["op"])
	c.Equal("a2a-pay", line["service"])
}

func TestNew_UnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := New(config.LogConfig{Level: "chatty"}, &buf)
	logger.Debug().Msg("hidden")
	require.Zero(t, buf.Len())
	logger.Info().Msg("shown")
	require.NotZero(t, buf.Len())
}

func TestNew_Console(t *testing.T) {
	var buf bytes.Buffer
	logger := New(config.LogConfig{Level: "info", Format: "console"}, &buf)
	logger.Info().Msg("hello")
	require.Contains(t, buf.String(), "hello")
}
