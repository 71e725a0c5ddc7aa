package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestJSONLoggerCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Level: "debug", Format: "json", Out: &buf}).
		With(String("component", "dispatcher"))

	log.Info("email sent", Int64("email_id", 42), Err(errors.New("boom")))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "info", entry["level"])
	require.Equal(t, "email sent", entry["message"])
	require.Equal(t, "dispatcher", entry["component"])
	require.EqualValues(t, 42, entry["email_id"])
	require.Equal(t, "boom", entry["err"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Level: "warn", Format: "json", Out: &buf})

	log.Info("dropped")
	require.Zero(t, buf.Len())

	log.Warn("kept")
	require.NotZero(t, buf.Len())
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var log Logger
	require.True(t, log.IsZero())
	log.Error("nothing happens", String("k", "v"))
	Nop().Info("still nothing")
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG", zerolog.InfoLevel))
	require.Equal(t, zerolog.WarnLevel, ParseLevel("warning", zerolog.InfoLevel))
	require.Equal(t, zerolog.InfoLevel, ParseLevel("loud", zerolog.InfoLevel))
}
