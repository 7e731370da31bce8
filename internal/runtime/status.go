package runtime

import (
	"time"

	"github.com/harunnryd/mpkd/internal/bundle"
	"github.com/harunnryd/mpkd/internal/monitor"
	"github.com/harunnryd/mpkd/internal/policy"
	"github.com/harunnryd/mpkd/internal/process"
)

// Status is a point-in-time view of one loaded app.
type Status struct {
	AppID       string                        `json:"app_id"`
	Name        string                        `json:"name"`
	Version     string                        `json:"version"`
	CodeType    bundle.CodeType               `json:"code_type"`
	Running     bool                          `json:"running"`
	LoadedAt    time.Time                     `json:"loaded_at"`
	StartedAt   *time.Time                    `json:"started_at,omitempty"`
	Isolation   policy.IsolationLevel         `json:"isolation_level"`
	SandboxRoot string                        `json:"sandbox_root"`
	Limits      policy.ResourceLimits         `json:"limits"`
	Usage       monitor.Usage                 `json:"usage"`
	Percentages map[policy.ResourceType]int64 `json:"percentages"`
	Processes   []process.Snapshot            `json:"processes"`
	Permissions []string                      `json:"permissions"`
	Undelivered int64                         `json:"undelivered_messages"`
}

func (r *Runtime) Status(appID string) (*Status, error) {
	a, err := r.mustLookup(appID)
	if err != nil {
		return nil, err
	}

	usage := a.monitor.Usage()
	limits := a.monitor.Limits()
	if size, ok := r.opts.Sandboxes.LastStorageUsage(a.id); ok {
		usage.StorageBytes = size
	}

	st := &Status{
		AppID:       a.id,
		Name:        a.pkg.Name,
		Version:     a.pkg.Version.String(),
		CodeType:    a.pkg.CodeType,
		LoadedAt:    a.loadedAt,
		Isolation:   a.env.Isolation,
		SandboxRoot: a.env.Root,
		Limits:      limits,
		Usage:       usage,
		Percentages: monitor.Percentages(usage, limits),
		Permissions: r.opts.Permissions.Granted(a.id),
		Undelivered: a.undelivered.Load(),
	}

	a.mu.Lock()
	st.Running = a.running
	if a.running {
		started := a.startedAt
		st.StartedAt = &started
	}
	a.mu.Unlock()

	for _, p := range r.opts.Supervisor.AppProcesses(a.id) {
		st.Processes = append(st.Processes, p.Snapshot())
	}
	return st, nil
}

// Statuses returns the status of every loaded app, ordered by id.
func (r *Runtime) Statuses() []*Status {
	var out []*Status
	for _, id := range r.LoadedApps() {
		if st, err := r.Status(id); err == nil {
			out = append(out, st)
		}
	}
	return out
}
