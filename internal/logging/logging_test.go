package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in    string
		level slog.Level
		ok    bool
	}{
		{"debug", slog.LevelDebug, true},
		{"TRACE", slog.LevelDebug, true},
		{" info ", slog.LevelInfo, true},
		{"warning", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"", slog.LevelInfo, false},
		{"loud", slog.LevelInfo, false},
	}
	for _, c := range cases {
		level, ok := ParseLevel(c.in)
		assert.Equal(t, c.level, level, c.in)
		assert.Equal(t, c.ok, ok, c.in)
	}
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, Config{Level: "warn", Format: FormatJSON})
	log.Info("hidden")
	log.Warn("shown", "session", "abc")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "shown", rec["msg"])
	assert.Equal(t, "abc", rec["session"])
}

func TestNewConsole(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, Config{Level: "debug", Format: FormatConsole})
	log.Debug("starting", "addr", ":8080")
	assert.Contains(t, buf.String(), "starting")
	assert.Contains(t, buf.String(), ":8080")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvLogFormat, "json")
	var buf bytes.Buffer
	log := New(&buf, Config{Level: "debug", Format: FormatText})
	log.Warn("hidden")
	assert.Empty(t, buf.String())
	log.Error("shown")
	assert.True(t, json.Valid(bytes.TrimSpace(buf.Bytes())))
}

func TestZerologHandlerAttrsAndGroups(t *testing.T) {
	var buf bytes.Buffer
	zl := zerolog.New(&buf)
	log := slog.New(NewZerologHandler(zl, slog.LevelInfo)).
		With("session", "s1").
		WithGroup("req").
		With("seq", "q1")
	log.Debug("dropped")
	assert.Empty(t, buf.String())

	log.Info("sent", "size", 12, "err", errors.New("boom"),
		slog.Group("peer", slog.String("addr", "x")))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "info", rec["level"])
	assert.Equal(t, "sent", rec["message"])
	assert.Equal(t, "s1", rec["session"])
	assert.Equal(t, "q1", rec["req.seq"])
	assert.Equal(t, float64(12), rec["req.size"])
	assert.Equal(t, "boom", rec["req.err"])
	assert.Equal(t, "x", rec["req.peer.addr"])
}
