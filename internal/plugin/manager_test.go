package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"notifyhub/internal/config"
	"notifyhub/internal/transport/telegram/router"
	"notifyhub/pkg/logx"
)

type staticCfg struct{ cfg *Config }

func (s *staticCfg) Get() *Config { return s.cfg }

type fakePlugin struct {
	name     string
	inits    atomic.Int32
	starts   atomic.Int32
	stops    atomic.Int32
	cfgCalls atomic.Int32
	cfgErr   error
	lastRaw  atomic.Value
	startErr error
	commands int
}

func (p *fakePlugin) Name() string { return p.name }

func (p *fakePlugin) Init(ctx context.Context, deps Deps) error {
	p.inits.Add(1)
	return nil
}

func (p *fakePlugin) Start(ctx context.Context) error {
	p.starts.Add(1)
	return p.startErr
}

func (p *fakePlugin) Stop(ctx context.Context) error {
	p.stops.Add(1)
	return nil
}

func (p *fakePlugin) Commands() []router.Command {
	out := make([]router.Command, 0, p.commands)
	for i := 0; i < p.commands; i++ {
		out = append(out, router.Command{Name: p.name})
	}
	return out
}

func (p *fakePlugin) OnConfigChange(ctx context.Context, raw json.RawMessage) error {
	p.cfgCalls.Add(1)
	p.lastRaw.Store(string(raw))
	return p.cfgErr
}

func cfgWith(t *testing.T, name string, enabled bool, blob string) *Config {
	t.Helper()
	raw := `{"enabled":` + boolStr(enabled)
	if blob != "" {
		raw += `,"config":` + blob
	}
	raw += `}`
	var pr config.PluginConfigRaw
	if err := json.Unmarshal([]byte(raw), &pr); err != nil {
		t.Fatalf("plugin raw: %v", err)
	}
	return &Config{Plugins: map[string]config.PluginConfigRaw{name: pr}}
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func TestReconcileEnableDisable(t *testing.T) {
	fp := &fakePlugin{name: "demo"}
	src := &staticCfg{cfg: cfgWith(t, "demo", true, "")}
	pm := NewManager(logx.Nop(), src, Deps{}, nil)
	pm.Register(fp)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := pm.StartAll(ctx); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if fp.inits.Load() != 1 || fp.starts.Load() != 1 {
		t.Fatalf("inits=%d starts=%d", fp.inits.Load(), fp.starts.Load())
	}

	// disable
	pm.OnConfigUpdate(ctx, cfgWith(t, "demo", false, ""))
	if fp.stops.Load() != 1 {
		t.Fatalf("stops=%d", fp.stops.Load())
	}

	// re-enable must not re-run Init
	pm.OnConfigUpdate(ctx, cfgWith(t, "demo", true, ""))
	if fp.inits.Load() != 1 {
		t.Fatalf("Init re-called on re-enable: %d", fp.inits.Load())
	}
	if fp.starts.Load() != 2 {
		t.Fatalf("starts=%d", fp.starts.Load())
	}
}

func TestReconcileSkipsUnchangedConfig(t *testing.T) {
	fp := &fakePlugin{name: "demo"}
	cfg := cfgWith(t, "demo", true, `{"a":1}`)
	src := &staticCfg{cfg: cfg}
	pm := NewManager(logx.Nop(), src, Deps{}, nil)
	pm.Register(fp)

	ctx := context.Background()
	if err := pm.StartAll(ctx); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	first := fp.cfgCalls.Load()

	// same blob, different key order and whitespace
	pm.OnConfigUpdate(ctx, cfgWith(t, "demo", true, `{ "a" : 1 }`))
	if fp.cfgCalls.Load() != first {
		t.Fatalf("OnConfigChange re-called for unchanged config")
	}

	pm.OnConfigUpdate(ctx, cfgWith(t, "demo", true, `{"a":2}`))
	if fp.cfgCalls.Load() != first+1 {
		t.Fatalf("OnConfigChange not called for changed config")
	}
}

func TestQuarantineOnBrokenConfig(t *testing.T) {
	fp := &fakePlugin{name: "demo", cfgErr: errors.New("bad config")}
	src := &staticCfg{cfg: cfgWith(t, "demo", true, `{"a":1}`)}
	pm := NewManager(logx.Nop(), src, Deps{}, nil)
	pm.Register(fp)

	ctx := context.Background()
	_ = pm.StartAll(ctx)

	snap := pm.Snapshot()
	if len(snap.Plugins) != 1 {
		t.Fatalf("plugins in snapshot: %d", len(snap.Plugins))
	}
	st := snap.Plugins[0]
	if !st.Quarantined || st.Running {
		t.Fatalf("status = %+v, want quarantined and not running", st)
	}

	// same broken config: still quarantined, no second apply attempt
	calls := fp.cfgCalls.Load()
	_ = pm.StartAll(ctx)
	if fp.cfgCalls.Load() != calls {
		t.Fatalf("reapplied config while quarantined")
	}

	// changed config clears quarantine and retries
	fp.cfgErr = nil
	pm.OnConfigUpdate(ctx, cfgWith(t, "demo", true, `{"a":2}`))
	snap = pm.Snapshot()
	if snap.Plugins[0].Quarantined || !snap.Plugins[0].Running {
		t.Fatalf("status after fix = %+v", snap.Plugins[0])
	}
}

func TestStartFailureDoesNotMarkRunning(t *testing.T) {
	fp := &fakePlugin{name: "demo", startErr: errors.New("boom")}
	src := &staticCfg{cfg: cfgWith(t, "demo", true, "")}
	pm := NewManager(logx.Nop(), src, Deps{}, nil)
	pm.Register(fp)

	_ = pm.StartAll(context.Background())
	if pm.Snapshot().Plugins[0].Running {
		t.Fatal("failed plugin marked running")
	}
}

func TestStopAll(t *testing.T) {
	a := &fakePlugin{name: "a"}
	b := &fakePlugin{name: "b"}
	cfg := &Config{Plugins: map[string]config.PluginConfigRaw{}}
	for _, name := range []string{"a", "b"} {
		c := cfgWith(t, name, true, "")
		cfg.Plugins[name] = c.Plugins[name]
	}
	src := &staticCfg{cfg: cfg}
	pm := NewManager(logx.Nop(), src, Deps{}, nil)
	pm.Register(a, b)
	_ = pm.StartAll(context.Background())

	sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pm.StopAll(sctx, StopShutdown)
	if a.stops.Load() != 1 || b.stops.Load() != 1 {
		t.Fatalf("stops a=%d b=%d", a.stops.Load(), b.stops.Load())
	}
}

func TestPluginCommandTimeout(t *testing.T) {
	d, ok := pluginCommandTimeout(json.RawMessage(`{"timeouts":{"command":"45s"}}`))
	if !ok || d != 45*time.Second {
		t.Fatalf("got %v %v", d, ok)
	}
	if _, ok := pluginCommandTimeout(json.RawMessage(`{}`)); ok {
		t.Fatal("expected no timeout")
	}
	if _, ok := pluginCommandTimeout(nil); ok {
		t.Fatal("expected no timeout for empty blob")
	}
}
