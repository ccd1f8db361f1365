package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Options{Level: "warn", Format: "json", Writer: &buf})
	require.NoError(t, err)

	log.Info().Msg("hidden")
	log.Warn().Str("scope", "111122223333/aws/us-east-1").Msg("visible")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "visible", entry["message"])
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "111122223333/aws/us-east-1", entry["scope"])
	assert.Contains(t, entry, "time")
}

func TestNew_ConsoleHasNoColourOffTerminal(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Options{Writer: &buf})
	require.NoError(t, err)
	assert.Equal(t, zerolog.InfoLevel, log.GetLevel())

	log.Info().Msg("scope finished")
	assert.Contains(t, buf.String(), "scope finished")
	assert.NotContains(t, buf.String(), "\x1b[")
}

func TestNew_Invalid(t *testing.T) {
	_, err := New(Options{Level: "loud"})
	require.Error(t, err)
	_, err = New(Options{Format: "xml"})
	require.Error(t, err)
}
