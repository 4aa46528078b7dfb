package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"notifyhub/internal/eventbus"
	rtsup "notifyhub/internal/runtime/supervisor"
	"notifyhub/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	return &Service{
		cfg: cfg,
		log: log,
		bus: bus,
		// SecondOptional accepts both 5-field and 6-field cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour |
			cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		lastWarn: map[string]time.Time{},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply updates runtime config. A timezone change restarts cron and
// re-registers every definition.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg.Enabled = cfg.Enabled
	s.cfg.Timezone = cfg.Timezone
	s.cfg.DefaultTimeout = cfg.DefaultTimeout
	s.cfg.HistorySize = cfg.HistorySize

	if s.c != nil && oldTZ != strings.TrimSpace(cfg.Timezone) {
		s.restartLocked()
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}

	s.q = make(chan queuedJob, s.cfg.QueueSize)
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log.With(logx.String("comp", "scheduler"))))
	for i := 0; i < s.cfg.Workers; i++ {
		s.sup.Go0(fmt.Sprintf("worker.%d", i), s.workerLoop)
	}

	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for i := range s.defs {
		if err := s.registerLocked(&s.defs[i]); err != nil {
			s.log.Error("schedule register failed",
				logx.String("name", s.defs[i].name), logx.String("spec", s.defs[i].spec), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started",
		logx.String("tz", loc.String()),
		logx.Int("schedules", len(s.defs)),
		logx.Int("workers", s.cfg.Workers))
}

func (s *Service) Stop(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	c := s.c
	s.c = nil
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for i := range s.defs {
		_ = s.registerLocked(&s.defs[i])
	}
	s.c.Start()
	s.log.Info("scheduler restarted", logx.String("tz", loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) registerLocked(d *scheduleDef) error {
	def := d
	job := cron.FuncJob(func() { s.enqueue(def, false) })
	eid, err := s.c.AddJob(d.spec, job)
	if err == nil {
		d.entryID = eid
	}
	return err
}

// enqueue pushes one run of d onto the queue, applying the overlap
// policy. force bypasses the policy (manual triggers).
func (s *Service) enqueue(d *scheduleDef, force bool) {
	tracked := false
	if !force && d.opt.Overlap == OverlapSkipIfRunning {
		if !d.state.tryAcquire() {
			s.mu.Lock()
			s.skipped++
			s.mu.Unlock()
			s.log.Debug("run skipped (previous still in-flight)", logx.String("name", d.name))
			return
		}
		tracked = true
	}

	timeout := d.timeout
	s.mu.Lock()
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	q := s.q
	s.mu.Unlock()
	if q == nil {
		if tracked {
			d.state.release()
		}
		return
	}

	qj := queuedJob{
		name:       d.name,
		timeout:    timeout,
		run:        d.job,
		opt:        d.opt.withDefaults(),
		enqueuedAt: time.Now(),
		state:      d.state,
		tracked:    tracked,
	}
	select {
	case q <- qj:
	default:
		if tracked {
			d.state.release()
		}
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		s.warnThrottled(d.name, "run dropped (queue full)")
	}
}

func (s *Service) warnThrottled(name, msg string) {
	s.warnMu.Lock()
	last := s.lastWarn[name]
	now := time.Now()
	if now.Sub(last) < warnThrottleEvery {
		s.warnMu.Unlock()
		return
	}
	s.lastWarn[name] = now
	s.warnMu.Unlock()
	s.log.Warn(msg, logx.String("name", name))
}

func (s *Service) publish(typ string, ev JobEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Enabled:  s.cfg.Enabled,
		Timezone: s.loadLocationLocked().String(),
		Workers:  s.cfg.Workers,
		Dropped:  s.dropped,
		Skipped:  s.skipped,
	}
	if s.q != nil {
		snap.QueueLen = len(s.q)
		snap.QueueCap = cap(s.q)
	}
	for _, d := range s.defs {
		info := ScheduleInfo{Name: d.name, Spec: d.spec, Timeout: d.timeout}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			info.Next = e.Next
			info.Prev = e.Prev
		}
		snap.Schedules = append(snap.Schedules, info)
	}
	s.mu.Unlock()

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}
