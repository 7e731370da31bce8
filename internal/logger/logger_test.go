package logger

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel(" WARN "))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestFromContextTagsAppID(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	SetupWriter(&buf, "debug")

	ctx := WithComponent(WithAppID(context.Background(), "com.example.notes"), "monitor")
	FromContext(ctx).Info("tick")

	out := buf.String()
	assert.Contains(t, out, "com.example.notes")
	assert.Contains(t, out, "monitor")
	assert.Equal(t, "com.example.notes", GetAppID(ctx))
	assert.Equal(t, "", GetAppID(context.Background()))
}
