package components

import (
	"github.com/harunnryd/mpkd/internal/config"
	"github.com/harunnryd/mpkd/internal/daemon"
)

// Wire registers the standard mpkd components on d and returns the
// runtime component so callers can reach the live runtime.
func Wire(d *daemon.Daemon, cfg *config.Config, instance string) *RuntimeComponent {
	lock := NewDataLockComponent(instance, cfg.Daemon.DataRoot, &cfg.Store)
	rt := NewRuntimeComponent(cfg, lock)

	d.AddComponent(lock)
	d.AddComponent(rt)
	d.AddComponent(NewReaperComponent(&cfg.Process, rt))
	d.AddComponent(NewHTTPServerComponent(d, &cfg.Server).WithRuntime(rt, cfg.Metrics))
	return rt
}
