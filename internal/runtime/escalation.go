package runtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/harunnryd/mpkd/internal/events"
	"github.com/harunnryd/mpkd/internal/policy"
)

// Exceeded percentages above which the app is stopped.
const (
	ForceStopProcessPct int64 = 150
	ForceStopMemoryPct  int64 = 150
	ForceStopCPUPct     int64 = 200
	ForceStopNetworkPct int64 = 150
)

type escalationKey struct {
	appID    string
	resource policy.ResourceType
}

// onEvent counts warnings per app and resource. The counter only resets
// once it reaches the escalation threshold or the app is unloaded.
func (r *Runtime) onEvent(evt events.Event) {
	if evt.Type != events.ResourceWarning {
		return
	}

	key := escalationKey{appID: evt.AppID, resource: evt.Resource()}
	r.escMu.Lock()
	r.warnings[key]++
	reached := r.warnings[key] >= r.opts.WarningEscalation
	if reached {
		r.warnings[key] = 0
	}
	r.escMu.Unlock()

	if !reached {
		return
	}

	var actions []policy.Mitigation
	switch key.resource {
	case policy.ResourceStorage:
		actions = []policy.Mitigation{policy.MitigationClearCache, policy.MitigationClearTemp}
	case policy.ResourceMemory:
		actions = []policy.Mitigation{policy.MitigationClearCache, policy.MitigationRequestGC}
	default:
		actions = []policy.Mitigation{policy.MitigationNotice}
	}
	r.mitigate(evt, policy.TriggerWarning, actions)
}

// WarningCount returns the current consecutive warning count.
func (r *Runtime) WarningCount(appID string, rt policy.ResourceType) int {
	r.escMu.Lock()
	defer r.escMu.Unlock()
	return r.warnings[escalationKey{appID: appID, resource: rt}]
}

func (r *Runtime) forgetEscalation(appID string) {
	r.escMu.Lock()
	defer r.escMu.Unlock()
	for key := range r.warnings {
		if key.appID == appID {
			delete(r.warnings, key)
		}
	}
}

// onExceeded runs on the app's event queue right after the exceeded event
// has been delivered.
func (r *Runtime) onExceeded(evt events.Event) {
	pct := evt.Percentage()

	var actions []policy.Mitigation
	switch evt.Resource() {
	case policy.ResourceStorage:
		actions = []policy.Mitigation{policy.MitigationClearCache, policy.MitigationClearTemp}
	case policy.ResourceProcess:
		if pct > ForceStopProcessPct {
			actions = []policy.Mitigation{policy.MitigationForceStop}
		}
	case policy.ResourceMemory:
		if pct > ForceStopMemoryPct {
			actions = []policy.Mitigation{policy.MitigationForceStop}
		} else {
			actions = []policy.Mitigation{policy.MitigationClearCache, policy.MitigationRequestGC}
		}
	case policy.ResourceCPU:
		if pct > ForceStopCPUPct {
			actions = []policy.Mitigation{policy.MitigationForceStop}
		}
	case policy.ResourceNetwork:
		if pct > ForceStopNetworkPct {
			actions = []policy.Mitigation{policy.MitigationForceStop}
		}
	}

	if len(actions) == 0 {
		slog.Debug("Quota exceeded below forced-action threshold",
			"app_id", evt.AppID, "resource", evt.Resource(), "percentage", pct)
		return
	}
	r.mitigate(evt, policy.TriggerExceeded, actions)
}

func (r *Runtime) mitigate(evt events.Event, trigger policy.Trigger, actions []policy.Mitigation) {
	appID := evt.AppID
	status := "applied"
	var detail string

	for _, action := range actions {
		ok, note := r.apply(appID, action)
		if !ok {
			status = "partial"
		}
		if note != "" {
			detail = note
		}
		r.opts.Metrics.RecordMitigation(appID, action)
	}

	slog.Warn("Escalation applied",
		"app_id", appID,
		"resource", evt.Resource(),
		"trigger", trigger,
		"percentage", evt.Percentage(),
		"actions", actions,
		"status", status)

	entry := &policy.AuditEntry{
		Timestamp:  r.opts.Clock.Now(),
		AppID:      appID,
		Resource:   evt.Resource(),
		Trigger:    trigger,
		Percentage: evt.Percentage(),
		Actions:    actions,
		Status:     status,
		Detail:     detail,
	}
	if err := r.opts.Audit.Log(r.ctx, entry); err != nil {
		slog.Warn("Failed to write audit entry", "app_id", appID, "error", err)
	}
}

func (r *Runtime) apply(appID string, action policy.Mitigation) (bool, string) {
	switch action {
	case policy.MitigationClearCache:
		return r.opts.Sandboxes.ClearCache(appID), ""
	case policy.MitigationClearTemp:
		return r.opts.Sandboxes.ClearTemp(appID), ""
	case policy.MitigationRequestGC:
		a, ok := r.lookup(appID)
		if !ok {
			return false, "app not loaded"
		}
		engine := a.scriptEngine()
		if engine == nil {
			return true, "no script engine to collect"
		}
		engine.TriggerGC()
		return true, ""
	case policy.MitigationForceStop:
		return r.forceStop(appID)
	case policy.MitigationNotice:
		return true, "no automatic action for this resource"
	default:
		return false, fmt.Sprintf("unknown mitigation %s", action)
	}
}

func (r *Runtime) forceStop(appID string) (bool, string) {
	r.locks.Lock(appID)
	defer r.locks.Unlock(appID)

	a, ok := r.lookup(appID)
	if !ok {
		return false, "app not loaded"
	}
	if !a.isRunning() {
		return true, "app not running"
	}
	if err := r.stopLocked(context.Background(), a, true); err != nil {
		return false, err.Error()
	}
	return true, ""
}
