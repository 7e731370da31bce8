package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/harunnryd/mpkd/internal/bundle"
	mpkerrors "github.com/harunnryd/mpkd/internal/errors"
	"github.com/harunnryd/mpkd/internal/events"
	"github.com/harunnryd/mpkd/internal/messaging"
	"github.com/harunnryd/mpkd/internal/monitor"
	"github.com/harunnryd/mpkd/internal/pathutil"
	"github.com/harunnryd/mpkd/internal/permission"
	"github.com/harunnryd/mpkd/internal/sandbox"
)

// LoadApp parses the bundle at archivePath, installs it into a fresh
// sandbox and starts monitoring it. Loading an app that is already loaded
// returns its id without doing anything else.
func (r *Runtime) LoadApp(ctx context.Context, archivePath string) (string, error) {
	if r.closed.Load() {
		return "", mpkerrors.Closed("runtime")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	reader, err := bundle.Open(archivePath)
	if err != nil {
		return "", err
	}
	pkg := reader.Package()
	appID := pkg.ID

	if err := sandbox.ValidateAppID(appID); err != nil {
		reader.Close()
		return "", err
	}

	r.locks.Lock(appID)
	defer r.locks.Unlock(appID)

	if _, ok := r.lookup(appID); ok {
		reader.Close()
		slog.Debug("App already loaded", "app_id", appID)
		return appID, nil
	}

	limits := pkg.Limits(r.opts.Defaults)
	env, err := r.opts.Sandboxes.CreateSandbox(appID, limits, r.opts.Isolation)
	if err != nil {
		reader.Close()
		return "", err
	}

	if err := install(reader, env); err != nil {
		slog.Error("Install failed, rolling back", "app_id", appID, "error", err)
		r.opts.Sandboxes.DeleteSandbox(appID)
		reader.Close()
		return "", err
	}

	a := &app{
		id:       appID,
		reader:   reader,
		pkg:      pkg,
		env:      env,
		loadedAt: r.opts.Clock.Now(),
	}

	a.monitor = monitor.New(monitor.Config{
		AppID:            appID,
		Limits:           env.Limits,
		WarningThreshold: r.opts.WarningThreshold,
		NetworkWindow:    r.opts.NetworkWindow,
	}, monitor.Deps{
		Clock:      r.opts.Clock,
		Storage:    func() int64 { return r.opts.Sandboxes.StorageUsage(appID) },
		Processes:  r.opts.Supervisor.Tracked,
		Provider:   r.opts.Provider,
		Memory:     a.scriptMemory,
		Events:     r.opts.Events,
		Cooldown:   r.cooldown,
		Metrics:    r.opts.Metrics,
		OnExceeded: r.onExceeded,
	})
	r.opts.Sandboxes.AttachMonitor(appID, a.monitor)
	a.monitor.Start(r.ctx)

	a.unsubscribe = r.opts.Events.Subscribe(appID, r.onEvent)

	if err := r.opts.Permissions.Register(appID, pkg.Permissions); err != nil {
		slog.Warn("Failed to register permissions", "app_id", appID, "error", err)
	}
	if err := r.opts.Messenger.Register(appID, r.messageHandler(a)); err != nil {
		slog.Warn("Failed to register for messages", "app_id", appID, "error", err)
	}

	r.mu.Lock()
	r.apps[appID] = a
	r.mu.Unlock()
	r.updateGauges()

	slog.Info("App loaded", "app_id", appID, "name", pkg.Name, "version", pkg.Version.String(), "code_type", pkg.CodeType)
	r.publish(events.AppLoaded, appID, map[string]any{
		"name":         pkg.Name,
		"version":      pkg.Version.String(),
		"code_type":    string(pkg.CodeType),
		events.KeyPath: archivePath,
	})
	return appID, nil
}

// entryTarget is where the entry point lives inside the data directory.
func entryTarget(env *sandbox.Environment, pkg *bundle.Package) (string, error) {
	rel := strings.TrimPrefix(pkg.EntryPath, bundle.CodeDir)
	return pathutil.SafeJoin(env.Data, rel)
}

// install copies code into data/, assets into data/assets, unpacks the
// resource archive into data/resources and copies the manifest, signature
// and certificate into data/.
func install(reader *bundle.Reader, env *sandbox.Environment) error {
	pkg := reader.Package()

	if _, err := reader.ExtractTo(strings.TrimSuffix(bundle.CodeDir, "/"), env.Data); err != nil {
		return fmt.Errorf("install code: %w", err)
	}

	entry, err := entryTarget(env, pkg)
	if err != nil {
		return mpkerrors.InvalidInput(err.Error())
	}
	if !strings.HasPrefix(pkg.EntryPath, bundle.CodeDir) {
		if err := reader.ExtractMember(pkg.EntryPath, entry); err != nil {
			return fmt.Errorf("install entry point: %w", err)
		}
	}
	if pkg.CodeType.Kind() == bundle.CodeBinary {
		if err := os.Chmod(entry, 0o755); err != nil {
			return fmt.Errorf("mark entry point executable: %w", err)
		}
	}

	assets := filepath.Join(env.Data, "assets")
	if _, err := reader.ExtractTo(strings.TrimSuffix(bundle.AssetsDir, "/"), assets); err != nil {
		return fmt.Errorf("install assets: %w", err)
	}
	if reader.Has(bundle.ResourceArchive) {
		src := filepath.Join(env.Data, filepath.FromSlash(bundle.ResourceArchive))
		n, err := bundle.UnpackArchive(src, filepath.Join(env.Data, "resources"))
		if err != nil {
			return fmt.Errorf("unpack resources: %w", err)
		}
		slog.Debug("Resources unpacked", "app_id", pkg.ID, "files", n)
	}

	for _, name := range []string{bundle.ManifestName, bundle.SignatureName, bundle.CertificateName} {
		if !reader.Has(name) {
			continue
		}
		if err := reader.ExtractMember(name, filepath.Join(env.Data, name)); err != nil {
			return fmt.Errorf("install %s: %w", name, err)
		}
	}
	return nil
}

// UnloadApp stops the app, deletes its sandbox and forgets everything the
// runtime tracked for it.
func (r *Runtime) UnloadApp(ctx context.Context, appID string) error {
	return r.unload(ctx, appID, true)
}

func (r *Runtime) unload(ctx context.Context, appID string, purge bool) error {
	r.locks.Lock(appID)
	a, err := r.mustLookup(appID)
	if err != nil {
		r.locks.Unlock(appID)
		return err
	}

	var errs []error
	if a.isRunning() {
		if err := r.stopLocked(ctx, a, true); err != nil {
			errs = append(errs, err)
		}
	}

	a.unsubscribe()
	a.monitor.Stop()
	if purge {
		if !r.opts.Sandboxes.DeleteSandbox(appID) {
			slog.Warn("Sandbox could not be fully deleted", "app_id", appID)
		}
	} else {
		<-a.monitor.Done()
	}

	r.mu.Lock()
	delete(r.apps, appID)
	r.mu.Unlock()

	r.forgetEscalation(appID)
	r.cooldown.Forget(appID)
	if purge {
		if err := r.opts.Permissions.Unregister(appID); err != nil {
			slog.Warn("Failed to unregister permissions", "app_id", appID, "error", err)
		}
	}
	if err := r.opts.Messenger.Unregister(appID); err != nil {
		slog.Warn("Failed to unregister messaging", "app_id", appID, "error", err)
	}
	for _, p := range r.opts.Supervisor.AppProcesses(appID) {
		r.opts.Supervisor.Remove(p.PID)
	}
	if err := a.reader.Close(); err != nil {
		errs = append(errs, mpkerrors.Wrap(err, "close bundle"))
	}
	r.opts.Metrics.ForgetApp(appID)
	r.locks.Unlock(appID)

	r.updateGauges()
	slog.Info("App unloaded", "app_id", appID, "purged", purge)
	r.publish(events.AppUnloaded, appID, nil)
	r.opts.Events.Retire(appID)

	return mpkerrors.Join(errs...)
}

// messageHandler routes inbound messages to the app's script engine.
func (r *Runtime) messageHandler(a *app) messaging.Handler {
	return func(msg messaging.Message) {
		engine := a.scriptEngine()
		if engine == nil {
			a.undelivered.Add(1)
			slog.Info("Message for app without a script receiver", "app_id", a.id, "from", msg.From, "type", msg.Type)
			return
		}

		delivered, err := engine.Deliver(r.ctx, msg.From, msg.Type, msg.Data)
		switch {
		case err != nil:
			slog.Warn("Message handler failed", "app_id", a.id, "from", msg.From, "type", msg.Type, "error", err)
		case !delivered:
			a.undelivered.Add(1)
		}
	}
}

// SendMessage delivers data from one app to another. The sender must hold
// the inter-app communication permission.
func (r *Runtime) SendMessage(ctx context.Context, from, to, msgType string, data any) error {
	if !r.IsLoaded(from) {
		return mpkerrors.NotFound(fmt.Sprintf("app %s is not loaded", from))
	}
	if !r.opts.Permissions.Has(from, permission.InterAppCommunication) {
		return mpkerrors.PermissionDenied(fmt.Sprintf("app %s may not message other apps", from))
	}
	return r.opts.Messenger.Publish(ctx, messaging.Message{
		From: from,
		To:   to,
		Type: msgType,
		Data: data,
	})
}
