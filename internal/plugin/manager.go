package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"notifyhub/internal/eventbus"
	"notifyhub/internal/transport/telegram/router"
	"notifyhub/pkg/logx"
)

type pluginEvent struct {
	Plugin string `json:"plugin"`
	Stage  string `json:"stage,omitempty"`
	Reason string `json:"reason,omitempty"`
	Err    string `json:"err,omitempty"`
	TookMS int64  `json:"took_ms,omitempty"`
	Count  int    `json:"count,omitempty"`
}

type quarantineState struct {
	rawHash uint64
	err     string
	since   time.Time
	count   int
}

type Manager struct {
	mu sync.Mutex

	log  logx.Logger
	cfgm cfgSource
	deps Deps
	reg  map[string]Plugin
	run  map[string]bool
	// inited tracks plugins that have passed Init at least once. Init
	// is not re-called on enable/disable cycles to avoid leaking
	// goroutines or resources from double initialization.
	inited map[string]bool
	// last config blob hash per running plugin, to skip redundant
	// OnConfigChange calls
	lastRawHash map[string]uint64

	// Long-lived base context for plugin contexts. The app ctx passed
	// to StartAll/OnConfigUpdate may be call-scoped, so it is only
	// bridged: when it ends, baseCancel fires.
	baseCtx    context.Context
	baseCancel context.CancelFunc
	bound      bool

	pctx    map[string]context.Context
	pcancel map[string]context.CancelFunc

	// quarantine keeps plugins disabled while their config stays
	// broken. Cleared automatically when the config blob changes.
	quarantine map[string]quarantineState

	healthLast map[string]PluginHealthResult

	cmdm *router.CommandManager
}

type cfgSource interface {
	Get() *Config
}

func NewManager(log logx.Logger, cfgm cfgSource, deps Deps, cmdm *router.CommandManager) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Manager{
		log:         log,
		cfgm:        cfgm,
		deps:        deps,
		reg:         map[string]Plugin{},
		run:         map[string]bool{},
		inited:      map[string]bool{},
		lastRawHash: map[string]uint64{},
		baseCtx:     baseCtx,
		baseCancel:  baseCancel,
		pctx:        map[string]context.Context{},
		pcancel:     map[string]context.CancelFunc{},
		quarantine:  map[string]quarantineState{},
		healthLast:  map[string]PluginHealthResult{},
		cmdm:        cmdm,
	}
}

func (pm *Manager) emit(typ string, data pluginEvent) {
	bus := pm.deps.Bus
	if bus == nil {
		return
	}
	bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// BindContext bridges appCtx into baseCtx. First non-nil bind wins, so
// plugins never die because a caller passed a short-lived ctx.
func (pm *Manager) BindContext(appCtx context.Context) {
	pm.mu.Lock()
	if pm.bound || appCtx == nil {
		pm.mu.Unlock()
		return
	}
	pm.bound = true
	baseCancel := pm.baseCancel
	pm.mu.Unlock()

	go func() {
		<-appCtx.Done()
		baseCancel()
	}()
}

func (pm *Manager) Register(p ...Plugin) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for _, pl := range p {
		pm.reg[pl.Name()] = pl
	}
	pm.refreshRegistryLocked(pm.cfgm.Get())
}

func (pm *Manager) StartAll(ctx context.Context) error {
	pm.BindContext(ctx)
	return pm.reconcile(pm.cfgm.Get())
}

func (pm *Manager) StopAll(ctx context.Context, reason StopReason) {
	pm.mu.Lock()
	names := make([]string, 0, len(pm.reg))
	for name := range pm.reg {
		names = append(names, name)
	}
	pm.mu.Unlock()

	for _, name := range names {
		pm.stopOne(ctx, name, reason)
	}

	pm.mu.Lock()
	pm.refreshRegistryLocked(pm.cfgm.Get())
	pm.mu.Unlock()
}

func (pm *Manager) OnConfigUpdate(ctx context.Context, cfg *Config) {
	pm.BindContext(ctx)
	_ = pm.reconcile(cfg)
}

// SetOwners updates the owner list in Deps so plugins observing
// deps.Owners see hot-reload changes.
func (pm *Manager) SetOwners(ids []int64) {
	cp := append([]int64(nil), ids...)
	pm.mu.Lock()
	pm.deps.Owners = cp
	pm.mu.Unlock()
}

func (pm *Manager) isQuarantined(name string, rawHash uint64) bool {
	pm.mu.Lock()
	st, ok := pm.quarantine[name]
	pm.mu.Unlock()
	return ok && st.rawHash == rawHash
}

func (pm *Manager) clearQuarantineOnChange(name string, rawHash uint64) {
	pm.mu.Lock()
	st, ok := pm.quarantine[name]
	if ok && st.rawHash != rawHash {
		delete(pm.quarantine, name)
		pm.mu.Unlock()
		pm.log.Info("plugin quarantine cleared (config changed)", logx.String("plugin", name))
		pm.emit("plugin.quarantine_cleared", pluginEvent{Plugin: name})
		return
	}
	pm.mu.Unlock()
}

func (pm *Manager) setQuarantine(name string, rawHash uint64, err error, stage string) {
	if err == nil {
		return
	}
	errStr := err.Error()
	pm.mu.Lock()
	prev, ok := pm.quarantine[name]
	// Avoid log spam when reconcile keeps seeing the same broken config.
	if ok && prev.rawHash == rawHash && prev.err == errStr {
		prev.count++
		pm.quarantine[name] = prev
		pm.mu.Unlock()
		return
	}
	count := 1
	if ok {
		count = prev.count + 1
	}
	pm.quarantine[name] = quarantineState{rawHash: rawHash, err: errStr, since: time.Now(), count: count}
	pm.mu.Unlock()

	pm.log.Error("plugin quarantined",
		logx.String("plugin", name), logx.String("stage", stage), logx.String("err", errStr))
	pm.emit("plugin.quarantined", pluginEvent{Plugin: name, Stage: stage, Err: errStr, Count: count})
}

func (pm *Manager) stopOne(stopCtx context.Context, name string, reason StopReason) {
	pm.mu.Lock()
	p := pm.reg[name]
	running := pm.run[name]
	cancel := pm.pcancel[name]
	pm.mu.Unlock()

	if !running || p == nil {
		return
	}

	start := time.Now()
	pm.log.Debug("stopping plugin", logx.String("plugin", name), logx.String("reason", string(reason)))

	// cancel plugin context first so background loops wind down promptly
	if cancel != nil {
		cancel()
	}

	// Stop gets stopCtx, but a misbehaving plugin must not block
	// shutdown forever.
	done := make(chan struct{})
	go func() {
		_ = pm.safeCall("plugin.stop."+name, func() error { return p.Stop(stopCtx) })
		close(done)
	}()
	select {
	case <-done:
	case <-stopCtx.Done():
		pm.log.Warn("plugin stop timeout (continuing)",
			logx.String("plugin", name), logx.Err(stopCtx.Err()))
		pm.emit("plugin.stop_timeout", pluginEvent{Plugin: name, Reason: string(reason), Err: stopCtx.Err().Error()})
	}

	pm.mu.Lock()
	pm.run[name] = false
	pm.healthLast[name] = PluginHealthResult{Plugin: name, At: time.Now(), Status: "stopped"}
	delete(pm.pctx, name)
	delete(pm.pcancel, name)
	delete(pm.lastRawHash, name)
	pm.mu.Unlock()

	took := time.Since(start)
	pm.emit("plugin.stopped", pluginEvent{Plugin: name, Reason: string(reason), TookMS: took.Milliseconds()})
	pm.log.Debug("plugin stopped",
		logx.String("plugin", name), logx.String("reason", string(reason)), logx.Duration("took", took))
}

func (pm *Manager) reconcile(cfg *Config) error {
	type op struct {
		name    string
		p       Plugin
		raw     PluginConfigRaw
		rawHash uint64
		enabled bool
		run     bool
	}
	pm.mu.Lock()
	ops := make([]op, 0, len(pm.reg))
	for name, p := range pm.reg {
		raw, ok := cfg.Plugins[name]
		enabled := ok && raw.Enabled
		ops = append(ops, op{
			name: name, p: p, raw: raw,
			rawHash: effectivePluginHash(raw),
			enabled: enabled, run: pm.run[name],
		})
	}
	pm.mu.Unlock()

	const callTimeout = 10 * time.Second

	for _, o := range ops {
		switch {
		case o.enabled && !o.run:
			pm.clearQuarantineOnChange(o.name, o.rawHash)
			if pm.isQuarantined(o.name, o.rawHash) {
				pm.log.Warn("plugin enable skipped (quarantined)", logx.String("plugin", o.name))
				continue
			}

			pm.log.Debug("plugin enable requested", logx.String("plugin", o.name))
			pm.emit("plugin.enable_requested", pluginEvent{Plugin: o.name})

			// long-lived plugin ctx from the internal base ctx
			pctx, cancel := context.WithCancel(pm.baseCtx)
			pm.mu.Lock()
			needInit := !pm.inited[o.name]
			deps := pm.deps
			pm.mu.Unlock()

			if needInit {
				ictx, icancel := context.WithTimeout(pctx, callTimeout)
				err := pm.safeCall("plugin.init."+o.name, func() error { return o.p.Init(ictx, deps) })
				icancel()
				if err != nil {
					pm.log.Error("plugin init failed", logx.String("plugin", o.name), logx.Err(err))
					pm.emit("plugin.init_failed", pluginEvent{Plugin: o.name, Err: err.Error()})
					cancel()
					continue
				}
				pm.mu.Lock()
				pm.inited[o.name] = true
				pm.mu.Unlock()
			}

			// validate and apply config before Start
			if v, ok := o.p.(ConfigValidator); ok {
				cctx, ccancel := context.WithTimeout(pctx, callTimeout)
				err := v.ValidateConfig(cctx, o.raw.Config)
				ccancel()
				if err != nil {
					pm.setQuarantine(o.name, o.rawHash, fmt.Errorf("config validate: %w", err), "validate")
					pm.emit("plugin.config_invalid", pluginEvent{Plugin: o.name, Err: err.Error()})
					cancel()
					continue
				}
			}
			if cp, ok := o.p.(ConfigurablePlugin); ok {
				cctx, ccancel := context.WithTimeout(pctx, callTimeout)
				err := pm.safeCall("plugin.config."+o.name, func() error { return cp.OnConfigChange(cctx, o.raw.Config) })
				ccancel()
				if err != nil {
					pm.setQuarantine(o.name, o.rawHash, fmt.Errorf("config apply: %w", err), "config")
					pm.emit("plugin.config_failed", pluginEvent{Plugin: o.name, Err: err.Error()})
					cancel()
					continue
				}
				pm.emit("plugin.config_applied", pluginEvent{Plugin: o.name})
			}

			// Start receives the long-lived pctx; the deadline is
			// enforced externally.
			if err := pm.startWithTimeout(o.name, o.p, pctx, cancel, callTimeout); err != nil {
				pm.log.Error("plugin start failed", logx.String("plugin", o.name), logx.Err(err))
				pm.emit("plugin.start_failed", pluginEvent{Plugin: o.name, Err: err.Error()})
				cancel()
				continue
			}

			pm.mu.Lock()
			pm.run[o.name] = true
			pm.pctx[o.name] = pctx
			pm.pcancel[o.name] = cancel
			pm.lastRawHash[o.name] = o.rawHash
			delete(pm.quarantine, o.name)
			pm.mu.Unlock()

			pm.log.Info("plugin started", logx.String("plugin", o.name))
			pm.emit("plugin.started", pluginEvent{Plugin: o.name})

		case !o.enabled && o.run:
			pm.log.Debug("plugin disable requested", logx.String("plugin", o.name))
			pm.emit("plugin.disable_requested", pluginEvent{Plugin: o.name})
			stopCtx, cancel := context.WithTimeout(pm.baseCtx, callTimeout)
			pm.stopOne(stopCtx, o.name, StopPluginDisable)
			cancel()

		case o.enabled && o.run:
			cp, ok := o.p.(ConfigurablePlugin)
			if !ok {
				break
			}
			pm.mu.Lock()
			oldHash := pm.lastRawHash[o.name]
			pctx := pm.pctx[o.name]
			pm.mu.Unlock()
			if o.rawHash == oldHash {
				pm.log.Debug("plugin config unchanged; skipping", logx.String("plugin", o.name))
				break
			}
			if pctx == nil {
				pctx = pm.baseCtx
			}
			cctx, ccancel := context.WithTimeout(pctx, callTimeout)
			err := pm.safeCall("plugin.config."+o.name, func() error { return cp.OnConfigChange(cctx, o.raw.Config) })
			ccancel()
			if err != nil {
				pm.setQuarantine(o.name, o.rawHash, fmt.Errorf("config apply: %w", err), "config")
				pm.emit("plugin.config_failed", pluginEvent{Plugin: o.name, Err: err.Error()})
				stopCtx, cancel := context.WithTimeout(pm.baseCtx, callTimeout)
				pm.stopOne(stopCtx, o.name, StopPluginQuarantine)
				cancel()
				break
			}
			pm.emit("plugin.config_applied", pluginEvent{Plugin: o.name})
			pm.mu.Lock()
			pm.lastRawHash[o.name] = o.rawHash
			delete(pm.quarantine, o.name)
			pm.mu.Unlock()
		}
	}

	pm.mu.Lock()
	pm.refreshRegistryLocked(cfg)
	pm.mu.Unlock()
	return nil
}

// startWithTimeout calls Start(pctx) under a deadline. On timeout the
// plugin ctx is cancelled and Start gets a short grace to return.
func (pm *Manager) startWithTimeout(name string, p Plugin, pctx context.Context, cancel context.CancelFunc, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		done <- pm.safeCall("plugin.start."+name, func() error { return p.Start(pctx) })
	}()

	if timeout <= 0 {
		return <-done
	}

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case err := <-done:
		return err
	case <-t.C:
		cancel()
		grace := time.NewTimer(2 * time.Second)
		defer grace.Stop()
		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("start timeout (%s): %w", timeout, err)
			}
			return fmt.Errorf("start timeout (%s)", timeout)
		case <-grace.C:
			return fmt.Errorf("start timeout (%s): start did not return after cancel", timeout)
		}
	}
}

func (pm *Manager) safeCall(label string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			pm.log.Error("panic in plugin call",
				logx.String("call", label),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic in %s: %v", label, r)
		}
	}()
	return fn()
}

func (pm *Manager) refreshRegistryLocked(cfg *Config) {
	if pm.cmdm == nil {
		return
	}
	cmds := []router.Command{}
	for name, p := range pm.reg {
		if !pm.run[name] {
			continue
		}
		raw, ok := cfg.Plugins[name]
		if !ok || !raw.Enabled {
			continue
		}
		pto, has := pluginCommandTimeout(raw.Config)
		for _, c := range pm.safeCommands(name, p) {
			c.PluginName = name
			if has && c.Timeout <= 0 {
				c.Timeout = pto
			}
			cmds = append(cmds, c)
		}
	}
	pm.cmdm.SetRegistry(cmds)
}

func (pm *Manager) safeCommands(name string, p Plugin) (out []router.Command) {
	if p == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			pm.log.Error("panic in plugin Commands()",
				logx.String("plugin", name),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			out = nil
		}
	}()
	return p.Commands()
}

// pluginCommandTimeout reads the standard per-plugin command timeout:
// plugin.config.timeouts.command.
func pluginCommandTimeout(raw json.RawMessage) (time.Duration, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	type wrap struct {
		Timeouts struct {
			Command string `json:"command"`
		} `json:"timeouts"`
	}
	var w wrap
	if err := json.Unmarshal(raw, &w); err != nil {
		return 0, false
	}
	if w.Timeouts.Command == "" {
		return 0, false
	}
	d, err := time.ParseDuration(w.Timeouts.Command)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}

// ValidateConfig runs per-plugin validation before the config manager
// commits a new config. It never calls Init/Start/Stop.
func (pm *Manager) ValidateConfig(ctx context.Context, cfg *Config) error {
	pm.mu.Lock()
	type item struct {
		name string
		p    Plugin
		raw  PluginConfigRaw
		en   bool
	}
	items := make([]item, 0, len(pm.reg))
	for name, p := range pm.reg {
		raw, ok := cfg.Plugins[name]
		items = append(items, item{name: name, p: p, raw: raw, en: ok && raw.Enabled})
	}
	pm.mu.Unlock()

	for _, o := range items {
		if !o.en || o.p == nil {
			continue
		}
		if v, ok := o.p.(ConfigValidator); ok {
			cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := v.ValidateConfig(cctx, o.raw.Config)
			cancel()
			if err != nil {
				return fmt.Errorf("plugin %s: config validate: %w", o.name, err)
			}
		}
	}
	return nil
}

// Snapshot implements router.PluginsPort.
func (pm *Manager) Snapshot() PluginsSnapshot {
	cfg := pm.cfgm.Get()
	pm.mu.Lock()
	names := make([]string, 0, len(pm.reg))
	for name := range pm.reg {
		names = append(names, name)
	}
	sort.Strings(names)
	out := PluginsSnapshot{Time: time.Now(), Plugins: make([]PluginStatus, 0, len(names))}
	for _, name := range names {
		enabled := false
		hasCfg := false
		if cfg != nil && cfg.Plugins != nil {
			if r, ok := cfg.Plugins[name]; ok {
				enabled = r.Enabled
				hasCfg = true
			}
		}
		q, qok := pm.quarantine[name]
		out.Plugins = append(out.Plugins, PluginStatus{
			Name:            name,
			Enabled:         enabled,
			Running:         pm.run[name],
			HasConfig:       hasCfg,
			Quarantined:     qok,
			QuarantineErr:   q.err,
			QuarantineSince: q.since,
			LastHealth:      pm.healthLast[name],
		})
	}
	pm.mu.Unlock()
	return out
}

// CheckHealth implements router.PluginsPort. If names is empty, all
// running plugins implementing HealthChecker are probed.
func (pm *Manager) CheckHealth(ctx context.Context, names []string) []PluginHealthResult {
	const perPluginTimeout = 3 * time.Second

	type target struct {
		name    string
		hc      HealthChecker
		running bool
	}

	pm.mu.Lock()
	var targets []target
	if len(names) > 0 {
		for _, name := range names {
			p := pm.reg[name]
			if p == nil {
				continue
			}
			hc, _ := p.(HealthChecker)
			targets = append(targets, target{name: name, hc: hc, running: pm.run[name]})
		}
	} else {
		for name, p := range pm.reg {
			hc, ok := p.(HealthChecker)
			if !ok || !pm.run[name] {
				continue
			}
			targets = append(targets, target{name: name, hc: hc, running: true})
		}
	}
	pm.mu.Unlock()

	sort.Slice(targets, func(i, j int) bool { return targets[i].name < targets[j].name })

	results := make([]PluginHealthResult, 0, len(targets))
	for _, t := range targets {
		at := time.Now()
		if !t.running || t.hc == nil {
			r := PluginHealthResult{Plugin: t.name, At: at, Status: "stopped"}
			pm.mu.Lock()
			pm.healthLast[t.name] = r
			pm.mu.Unlock()
			results = append(results, r)
			continue
		}

		hctx, cancel := context.WithTimeout(ctx, perPluginTimeout)
		status, err := t.hc.Health(hctx)
		cancel()

		r := PluginHealthResult{Plugin: t.name, At: at, Status: status}
		pm.mu.Lock()
		prev := pm.healthLast[t.name]
		if err != nil {
			r.Err = err.Error()
			r.Fails = prev.Fails + 1
		}
		pm.healthLast[t.name] = r
		pm.mu.Unlock()

		results = append(results, r)
	}
	return results
}
