package metube

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"notifyhub/internal/config"
	mtb "notifyhub/internal/metube"
	"notifyhub/internal/plugin"
	"notifyhub/internal/services/notify"
	schedsvc "notifyhub/internal/services/scheduler"
	kit "notifyhub/internal/transport"
)

const scanJob = "scan"

type Plugin struct {
	plugin.Base

	mu          sync.Mutex
	cfg         Config
	client      *mtb.Client
	scanTimeout time.Duration
	schedule    string
	started     bool

	monitor *Monitor
}

func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string { return "metube" }

func (p *Plugin) Init(ctx context.Context, deps plugin.Deps) error {
	p.InitBase(deps, p.Name())
	ledger := NewLedger(deps.Store, p.Log)
	var notifier Notifier
	if deps.Services != nil && deps.Services.Notifier != nil {
		notifier = deps.Services.Notifier
	} else {
		notifier = nopNotifier{}
	}
	p.monitor = NewMonitor(nil, notifier, ledger, deps.Bus, p.Log)
	return nil
}

func (p *Plugin) ValidateConfig(ctx context.Context, raw json.RawMessage) error {
	cfg, err := plugin.DecodePluginConfig[Config](raw)
	if err != nil {
		return err
	}
	return validate(cfg)
}

func validate(cfg Config) error {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return errors.New("base_url is required")
	}
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("base_url %q is not a valid http(s) url", cfg.BaseURL)
	}
	if cfg.Schedule != "" {
		if _, err := schedsvc.ParseSchedule(cfg.Schedule); err != nil {
			return fmt.Errorf("schedule: %w", err)
		}
	}
	for _, field := range []struct{ name, val string }{
		{"request_timeout", cfg.RequestTimeout},
		{"scan_timeout", cfg.ScanTimeout},
	} {
		if field.val == "" {
			continue
		}
		if _, err := time.ParseDuration(field.val); err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
	}
	if cfg.NotifyOrphans && cfg.OrphanChatID == 0 {
		return errors.New("notify_orphans requires orphan_chat_id")
	}
	return nil
}

func (p *Plugin) OnConfigChange(ctx context.Context, raw json.RawMessage) error {
	cfg, err := plugin.DecodePluginConfig[Config](raw)
	if err != nil {
		return err
	}
	if err := validate(cfg); err != nil {
		return err
	}

	// already validated above, so errors cannot occur here
	reqTimeout, _ := config.ParseDurationOrDefault("metube.request_timeout", cfg.RequestTimeout, defaultRequestTimeout)
	scanTimeout, _ := config.ParseDurationOrDefault("metube.scan_timeout", cfg.ScanTimeout, defaultScanTimeout)
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = defaultSchedule
	}

	client, err := mtb.NewClient(cfg.BaseURL, reqTimeout, p.Log)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.cfg = cfg
	p.client = client
	p.scanTimeout = scanTimeout
	p.schedule = schedule
	started := p.started
	p.mu.Unlock()

	p.monitor.SetBackend(client)
	p.monitor.SetConfig(cfg.NotifyOrphans, chatTarget(cfg.OrphanChatID), cfg.NotifyFailures)

	if started {
		return p.reschedule(schedule, scanTimeout)
	}
	return nil
}

func (p *Plugin) Start(ctx context.Context) error {
	p.StartBase(ctx)

	p.Runner.Go0("ledger.restore", func(c context.Context) {
		rctx, cancel := context.WithTimeout(c, 10*time.Second)
		defer cancel()
		p.monitor.ledger.Restore(rctx)
	})

	p.mu.Lock()
	p.started = true
	schedule := p.schedule
	scanTimeout := p.scanTimeout
	p.mu.Unlock()

	if schedule == "" {
		return errors.New("metube plugin started without config")
	}
	return p.reschedule(schedule, scanTimeout)
}

func (p *Plugin) Stop(ctx context.Context) error {
	p.Unschedule(scanJob)
	p.mu.Lock()
	p.started = false
	p.mu.Unlock()
	return p.StopBase(ctx)
}

func (p *Plugin) reschedule(schedule string, timeout time.Duration) error {
	if p.Deps.Services == nil || p.Deps.Services.Scheduler == nil {
		return errors.New("scheduler not available")
	}
	return p.Deps.Services.Scheduler.AddSchedule(p.ScheduleName(scanJob), schedule, timeout, p.monitor.Scan)
}

// TriggerScan runs one scan now. Preferably routed through the
// scheduler so cron and manual runs share the overlap gate; the
// monitor's own single-flight gate backs both paths.
func (p *Plugin) TriggerScan(ctx context.Context) error {
	if p.Deps.Services != nil && p.Deps.Services.Scheduler != nil && p.Deps.Services.Scheduler.Enabled() {
		return p.Deps.Services.Scheduler.TriggerNow(p.ScheduleName(scanJob))
	}
	if p.Runner == nil {
		return errors.New("plugin not started")
	}
	p.Runner.Go("scan.manual", p.monitor.Scan)
	return nil
}

// Health probes backend reachability. Used by /status and the ops
// endpoint.
func (p *Plugin) Health(ctx context.Context) (string, error) {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client == nil {
		return "unconfigured", errors.New("no backend configured")
	}
	hctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(hctx); err != nil {
		return "unreachable", err
	}
	return "ok", nil
}

type nopNotifier struct{}

func (nopNotifier) Notify(ctx context.Context, n notify.Notification) error {
	return errors.New("notifier not available")
}

func chatTarget(chatID int64) kit.ChatTarget {
	return kit.ChatTarget{ChatID: chatID}
}
