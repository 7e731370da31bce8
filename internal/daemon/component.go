package daemon

import (
	"context"
	"time"
)

type HealthStatus string

const (
	StatusStarting HealthStatus = "starting"
	StatusRunning  HealthStatus = "running"
	StatusStopping HealthStatus = "stopping"
	StatusStopped  HealthStatus = "stopped"
)

// Component is one unit of the daemon lifecycle. Init and Start run in
// dependency order, Stop in the reverse.
type Component interface {
	Name() string
	Dependencies() []string
	Init(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Health(ctx context.Context) (*ComponentHealth, error)
}

type ComponentHealth struct {
	Name    string
	Healthy bool
	Error   error
}

// Healthy reports a component as up.
func Healthy(name string) *ComponentHealth {
	return &ComponentHealth{Name: name, Healthy: true}
}

// Unhealthy reports a component as down because of err.
func Unhealthy(name string, err error) *ComponentHealth {
	return &ComponentHealth{Name: name, Error: err}
}

// ComponentReport is the serializable form of ComponentHealth.
type ComponentReport struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// Report summarizes the daemon for operators.
type Report struct {
	Instance   string                     `json:"instance"`
	Status     HealthStatus               `json:"status"`
	DataRoot   string                     `json:"data_root"`
	Uptime     time.Duration              `json:"-"`
	Unhealthy  int                        `json:"unhealthy"`
	Components map[string]ComponentReport `json:"components"`
}
