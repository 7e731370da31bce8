package logger

import (
	"context"
	"log/slog"
)

type contextKey string

const AppIDKey contextKey = "app_id"
const ComponentKey contextKey = "component"

func WithAppID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, AppIDKey, id)
}

func GetAppID(ctx context.Context) string {
	if id, ok := ctx.Value(AppIDKey).(string); ok {
		return id
	}
	return ""
}

func WithComponent(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, ComponentKey, name)
}

func GetComponent(ctx context.Context) string {
	if name, ok := ctx.Value(ComponentKey).(string); ok {
		return name
	}
	return ""
}

// FromContext returns the default logger tagged with the app and component
// carried by ctx.
func FromContext(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if ctx == nil {
		return l
	}
	if id := GetAppID(ctx); id != "" {
		l = l.With("app_id", id)
	}
	if name := GetComponent(ctx); name != "" {
		l = l.With("component", name)
	}
	return l
}
