package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(Config{Level: "WARN", Format: "json"}, &buf)
	log.Info("hidden")
	log.Warn("shown", "path", "/logs/a.log")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"path":"/logs/a.log"`)
}
