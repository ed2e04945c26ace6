package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrettyHandler_PlainLine(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false))

	log.With("session_id", "s-1").WithGroup("req").Warn("http.request",
		"method", "get",
		"status", 404,
		"status_class", "4xx",
		"duration_ms", int64(12),
		"remote", "10.0.0.1:5555",
		"note", "has space",
	)

	line := strings.TrimSpace(buf.String())
	require.Contains(t, line, "[WARN] http.request")
	require.Contains(t, line, "session_id=s-1")
	require.Contains(t, line, "req.method=GET")
	require.Contains(t, line, "req.status=404")
	require.Contains(t, line, "req.class=4xx")
	require.Contains(t, line, "req.duration=12ms")
	require.Contains(t, line, `req.note="has space"`)
	require.NotContains(t, line, "\x1b[")
}

func TestPrettyHandler_LevelFilter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}, false))

	log.Info("dropped")
	log.Error("kept", "err", "boom")

	out := buf.String()
	require.NotContains(t, out, "dropped")
	require.Contains(t, out, "[ERROR] kept err=boom")
}

func TestQuoteIfNeeded(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"":        `""`,
		"plain":   "plain",
		"a b":     `"a b"`,
		`x="y"`:   `"x=\"y\""`,
		"tab\tin": `"tab\tin"`,
	}
	for in, want := range cases {
		require.Equal(t, want, quoteIfNeeded(in), in)
	}
}
