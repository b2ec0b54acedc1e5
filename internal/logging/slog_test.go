package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitStructured_JSON(t *testing.T) {
	var buf bytes.Buffer
	initTo(&buf, "json", "debug")
	t.Cleanup(func() { InitStructured("text", "warn") })

	Op().Debug("drain recovered", "cache", "users")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "drain recovered", rec["msg"])
	require.Equal(t, "users", rec["cache"])
}

func TestSetLevelFromString(t *testing.T) {
	t.Cleanup(func() { SetLevel(slog.LevelWarn) })

	SetLevelFromString("error")
	require.Equal(t, slog.LevelError, logLevel.Level())

	SetLevelFromString("bogus")
	require.Equal(t, slog.LevelError, logLevel.Level(), "unknown levels are ignored")

	SetLevelFromString("INFO")
	require.Equal(t, slog.LevelInfo, logLevel.Level())
}
