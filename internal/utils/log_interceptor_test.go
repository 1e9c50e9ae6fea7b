package utils

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogInterceptor_PrefixesCompleteLines(t *testing.T) {
	var out bytes.Buffer
	li := NewLogInterceptor(&out)

	_, err := li.Write([]byte("first\nsec"))
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out.String(), "\n"))

	_, err = li.Write([]byte("ond\n"))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "line=1 time="))
	assert.True(t, strings.HasSuffix(lines[0], "first"))
	assert.True(t, strings.HasPrefix(lines[1], "line=2 "))
	assert.True(t, strings.HasSuffix(lines[1], "second"))
}

func TestLogInterceptor_CloseFlushesPartial(t *testing.T) {
	var out bytes.Buffer
	li := NewLogInterceptor(&out)
	_, _ = li.Write([]byte("tail"))
	assert.Empty(t, out.String())

	require.NoError(t, li.Close())
	assert.Contains(t, out.String(), "tail\n")
}

func TestMultiLogHandler_FansOutByLevel(t *testing.T) {
	var debugBuf, infoBuf bytes.Buffer
	h := NewMultiLogHandler(
		slog.NewTextHandler(&debugBuf, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&infoBuf, &slog.HandlerOptions{Level: slog.LevelInfo}),
	)
	logger := slog.New(h).With("component", "test")

	logger.Debug("quiet")
	logger.Info("loud")

	assert.Contains(t, debugBuf.String(), "quiet")
	assert.Contains(t, debugBuf.String(), "component=test")
	assert.NotContains(t, infoBuf.String(), "quiet")
	assert.Contains(t, infoBuf.String(), "loud")
	assert.True(t, h.Enabled(context.Background(), slog.LevelDebug))
}
