package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerFormatsTabSeparatedLine(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(NewHandler(&buf, slog.LevelInfo))

	ctx := WithRunID(context.Background(), "run-123")
	l.InfoContext(ctx, "transfer started", "volume", "home", "bytes", 1024)

	line := buf.String()
	require.True(t, strings.HasSuffix(line, "\n"))
	fields := strings.Split(strings.TrimSuffix(line, "\n"), "\t")
	require.GreaterOrEqual(t, len(fields), 6)
	assert.Equal(t, "INFO", fields[1])
	assert.Equal(t, "run-123", fields[2])
	assert.Equal(t, "transfer started", fields[3])
	assert.Contains(t, line, "volume=home")
	assert.Contains(t, line, "bytes=1024")
}

func TestHandlerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(NewHandler(&buf, slog.LevelWarn))
	l.Info("should be dropped")
	assert.Empty(t, buf.String())
	l.Warn("should appear")
	assert.Contains(t, buf.String(), "should appear")
}

func TestMissingRunIDRendersDash(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(NewHandler(&buf, slog.LevelInfo))
	l.Info("no run id")
	fields := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\t")
	assert.Equal(t, "-", fields[2])
}
