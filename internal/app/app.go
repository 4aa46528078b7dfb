// Package app wires the services together: config, logging, transport,
// scheduler, notifier, storage, ops server, and the plugin host.
package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"notifyhub/internal/config"
	"notifyhub/internal/eventbus"
	"notifyhub/internal/plugin"
	"notifyhub/internal/runtime/supervisor"
	"notifyhub/internal/services/notify"
	"notifyhub/internal/services/ops"
	"notifyhub/internal/services/scheduler"
	"notifyhub/internal/storage"
	telegram "notifyhub/internal/transport/telegram/adapter"
	"notifyhub/internal/transport/telegram/router"
	"notifyhub/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter *telegram.Adapter

	sched *scheduler.Service
	notif *notify.Service
	ops   *ops.Service

	cmdm *router.CommandManager
	pm   *plugin.Manager

	serv *router.Services
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
		Workers:     cfg.Telegram.Workers,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// logx.New applies the config immediately. The chat sink target is
	// not known until after construction, so bootstrap with the chat
	// mirror disabled, set the target, then apply the real config.
	baseLogCfg := mapLogConfig(cfg)
	baseLogCfg.Chat.Enabled = false
	logSvc, log := logx.New(baseLogCfg, ad)
	log = log.With(logx.String("comp", "app"))

	if chatID := groupLogChatID(cfg); chatID != 0 {
		logSvc.SetChatTarget(chatID)
	}
	logSvc.Apply(mapLogConfig(cfg))

	bus := eventbus.New()

	var store storage.Store
	if sc, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		if st != nil {
			store = st
			log.Info("storage enabled", logx.String("driver", sc.Driver))
		}
	}

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	schedSvc := scheduler.New(schedCfg, log.With(logx.String("comp", "scheduler")), bus)

	ncfg, err := mapNotifyConfig(cfg)
	if err != nil {
		return nil, err
	}
	notifSvc := notify.New(ncfg, ad, log.With(logx.String("comp", "notify")), bus, store)

	serv := &router.Services{
		Scheduler: schedSvc,
		Notifier:  notifSvc,
	}

	cmdm := router.NewCommandManager(log.With(logx.String("comp", "commands")),
		ad, cfgm, serv, cfg.Telegram.OwnerUserIDs)

	pm := plugin.NewManager(log.With(logx.String("comp", "plugins")),
		cfgm, plugin.Deps{
			Logger:   log,
			Adapter:  ad,
			Config:   cfgm,
			Services: serv,
			Bus:      bus,
			Store:    store,
			Owners:   cfg.Telegram.OwnerUserIDs,
		}, cmdm)
	serv.Plugins = pm

	opsCfg, err := mapOpsConfig(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		sched:   schedSvc,
		notif:   notifSvc,
		cmdm:    cmdm,
		pm:      pm,
		serv:    serv,
	}
	a.ops = ops.New(opsCfg, ops.Hooks{}, log.With(logx.String("comp", "ops")))
	return a, nil
}

func (a *App) Plugins() *plugin.Manager { return a.pm }

// SetOpsHooks installs the status/manual-check callbacks served by the
// operational HTTP endpoints. Call before Start.
func (a *App) SetOpsHooks(hooks ops.Hooks) {
	opsCfg, err := mapOpsConfig(a.cfgm.Get())
	if err != nil {
		opsCfg = ops.Config{}
	}
	a.ops = ops.New(opsCfg, hooks, a.log.With(logx.String("comp", "ops")))
}

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true))
	a.serv.AppSupervisor = a.sup

	// Transactional reload: validate before commit/publish so a broken
	// edit never reaches running services.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
			return err
		}
		if cfg.Scheduler.Workers < 0 {
			return fmt.Errorf("scheduler.workers must be >= 0")
		}
		if cfg.Scheduler.QueueSize < 0 {
			return fmt.Errorf("scheduler.queue_size must be >= 0")
		}
		if cfg.Scheduler.HistorySize < 0 {
			return fmt.Errorf("scheduler.history_size must be >= 0")
		}
		if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
			}
		}
		if _, err := mapSchedulerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapNotifyConfig(cfg); err != nil {
			return err
		}
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapOpsConfig(cfg); err != nil {
			return err
		}
		return a.pm.ValidateConfig(c, cfg)
	})

	a.cmdm.Start(a.sup.Context())

	if err := a.adapter.Start(a.sup.Context(), a.cmdm); err != nil {
		return err
	}

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}
	a.ops.Start(a.sup.Context())

	if err := a.pm.StartAll(a.sup.Context()); err != nil {
		return err
	}

	// Debug visibility into the event bus; components subscribe
	// themselves for real work.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: only the latest config matters.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			sections, attrs, pluginChanged := config.SummarizeChange(lastApplied, newCfg)
			if len(sections) > 0 {
				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Debug("config change summary", fields...)
				if len(pluginChanged) > 0 {
					a.log.Debug("plugin config changes detected", logx.Any("plugins", pluginChanged))
				}
			}
			lastApplied = newCfg
			a.applyConfig(ctx, newCfg, sections, attrs)
		}
	}
}

func (a *App) applyConfig(ctx context.Context, cfg *config.Config, sections []string, attrs []logx.Field) {
	for _, s := range sections {
		if s == "storage" {
			a.log.Warn("storage config changed; restart required for changes to take effect")
			break
		}
	}

	// Chat log target first, so Apply does not warn about a missing
	// target while the mirror is enabled.
	a.logs.SetChatTarget(groupLogChatID(cfg))
	a.logs.Apply(mapLogConfig(cfg))

	a.cmdm.SetOwners(cfg.Telegram.OwnerUserIDs)
	a.pm.SetOwners(cfg.Telegram.OwnerUserIDs)

	if schedCfg, err := mapSchedulerConfig(cfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		prev := a.sched.Enabled()
		a.sched.Apply(schedCfg)
		if prev && !schedCfg.Enabled {
			a.log.Info("scheduler disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.sched.Stop(stopCtx)
			cancel()
		} else if !prev && schedCfg.Enabled {
			a.log.Info("scheduler enabled via config")
			a.sched.Start(ctx)
		}
	}

	if ncfg, err := mapNotifyConfig(cfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		prev := a.notif.Enabled()
		a.notif.Apply(ncfg)
		if prev && !ncfg.Enabled {
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		} else if !prev && ncfg.Enabled {
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	if opsCfg, err := mapOpsConfig(cfg); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(ctx, opsCfg)
	}

	a.pm.OnConfigUpdate(ctx, cfg)

	if len(sections) > 0 {
		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Info("config reloaded", fields...)
	} else {
		a.log.Info("config reloaded (no changes)")
	}
}

func (a *App) Stop(ctx context.Context, reason plugin.StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	a.sup.Cancel()

	// Each shutdown step gets an upper bound so one component cannot
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.String("err", err.Error()))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			elapsed := time.Since(start)
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.String("err", stepCtx.Err().Error()),
				logx.Duration("elapsed", elapsed))
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline",
						logx.String("name", name), logx.String("err", err.Error()), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline",
						logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Plugins first; they depend on the services below.
	step("plugins", 4*time.Second, func(c context.Context) error { a.pm.StopAll(c, reason); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("ops", 1*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("notifier", 1*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("commands", 2*time.Second, func(c context.Context) error { a.cmdm.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func groupLogChatID(cfg *config.Config) int64 {
	s := strings.TrimSpace(cfg.Telegram.GroupLog)
	if s == "" {
		return 0
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return id
}
