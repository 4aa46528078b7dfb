package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"notifyhub/internal/eventbus"
	"notifyhub/internal/runtime/supervisor"
	"notifyhub/internal/services/notify"
	"notifyhub/internal/storage"
	"notifyhub/pkg/logx"
)

// Base is a small helper to make writing plugins faster and safer.
// Typical usage:
//
//	type Plugin struct { plugin.Base }
//	func (p *Plugin) Init(ctx context.Context, deps plugin.Deps) error { p.InitBase(deps, p.Name()); return nil }
//	func (p *Plugin) Start(ctx context.Context) error { p.StartBase(ctx); p.Runner.Go(...); return nil }
//	func (p *Plugin) Stop(ctx context.Context) error { return p.StopBase(ctx) }
type Base struct {
	Log    logx.Logger
	Deps   Deps
	Runner *supervisor.Supervisor

	pluginName string
	ctx        context.Context
}

// InitBase wires deps + logger.
func (b *Base) InitBase(deps Deps, pluginName string) {
	b.Deps = deps
	b.pluginName = pluginName
	if !deps.Logger.IsZero() {
		b.Log = deps.Logger.With(logx.String("plugin", pluginName))
	} else {
		b.Log = logx.Nop().With(logx.String("plugin", pluginName))
	}
}

// StartBase creates a per-plugin supervisor tied to ctx.
func (b *Base) StartBase(ctx context.Context) {
	b.ctx = ctx
	b.Runner = supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(b.Log),
		supervisor.WithCancelOnError(false),
	)
}

// StopBase cancels the runner and waits bounded by ctx.
func (b *Base) StopBase(ctx context.Context) error {
	if b.Runner == nil {
		return nil
	}
	b.Runner.Cancel()
	err := b.Runner.Wait(ctx)
	b.Runner = nil
	return err
}

// Context returns the plugin runtime context (canceled on stop or
// disable).
func (b *Base) Context() context.Context { return b.ctx }

// Health implements HealthChecker for any plugin embedding Base. It is
// lightweight and never blocks; plugins needing richer reporting
// override it.
func (b *Base) Health(ctx context.Context) (string, error) {
	if b == nil {
		return "nil", errors.New("plugin base is nil")
	}
	if b.ctx == nil {
		return "not_started", nil
	}
	select {
	case <-b.ctx.Done():
		return "stopped", b.ctx.Err()
	default:
	}
	return "ok", nil
}

// Scheduler helpers, namespaced by plugin.

func (b *Base) Every(name string, every, timeout time.Duration, job func(ctx context.Context) error) error {
	if b.Deps.Services == nil || b.Deps.Services.Scheduler == nil {
		return errors.New("scheduler not available")
	}
	return b.Deps.Services.Scheduler.AddInterval(b.ns(name), every, timeout, job)
}

func (b *Base) Cron(name, spec string, timeout time.Duration, job func(ctx context.Context) error) error {
	if b.Deps.Services == nil || b.Deps.Services.Scheduler == nil {
		return errors.New("scheduler not available")
	}
	return b.Deps.Services.Scheduler.AddCron(b.ns(name), spec, timeout, job)
}

func (b *Base) Unschedule(name string) bool {
	if b.Deps.Services == nil || b.Deps.Services.Scheduler == nil {
		return false
	}
	return b.Deps.Services.Scheduler.Remove(b.ns(name))
}

func (b *Base) ScheduleName(name string) string { return b.ns(name) }

func (b *Base) ns(name string) string {
	if b.pluginName == "" {
		return name
	}
	if name == "" {
		return b.pluginName
	}
	return b.pluginName + ":" + name
}

// Notify pushes a notification through the async pipeline.
func (b *Base) Notify(ctx context.Context, n notify.Notification) error {
	if b.Deps.Services == nil || b.Deps.Services.Notifier == nil {
		return errors.New("notifier not available")
	}
	return b.Deps.Services.Notifier.Notify(ctx, n)
}

// AppendAudit writes an audit entry to the configured storage.
// Best-effort; returns an error when storage is disabled.
func (b *Base) AppendAudit(ctx context.Context, e storage.AuditEntry) error {
	if b == nil {
		return errors.New("plugin is nil")
	}
	st := b.Deps.Store
	if st == nil {
		return errors.New("storage not available")
	}
	return st.AppendAudit(ctx, e)
}

// PublishEvent publishes to the in-process event bus. Non-blocking.
func (b *Base) PublishEvent(typ string, data any) {
	if b == nil {
		return
	}
	bus := b.Deps.Bus
	if bus == nil {
		return
	}
	bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// DecodePluginConfig decodes a raw per-plugin blob into a typed
// config struct.
func DecodePluginConfig[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}
