package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"notifyhub/pkg/logx"
)

// AddSchedule parses schedule and registers either a cron or interval
// job.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "55 * * * *", "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2.5 hours)
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job func(ctx context.Context) error) error {
	return s.AddScheduleOpt(name, schedule, timeout, JobOptions{Overlap: OverlapSkipIfRunning}, job)
}

func (s *Service) AddScheduleOpt(name, schedule string, timeout time.Duration, opt JobOptions, job func(ctx context.Context) error) error {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	spec := ps.Cron
	if ps.Kind == SpecInterval {
		spec = fmt.Sprintf("@every %s", ps.Every.String())
	}
	return s.addSpec(name, spec, timeout, opt, job)
}

func (s *Service) AddCron(name, spec string, timeout time.Duration, job func(ctx context.Context) error) error {
	return s.addSpec(name, spec, timeout, JobOptions{Overlap: OverlapSkipIfRunning}, job)
}

func (s *Service) AddInterval(name string, every time.Duration, timeout time.Duration, job func(ctx context.Context) error) error {
	if every <= 0 {
		return errors.New("interval must be > 0")
	}
	spec := fmt.Sprintf("@every %s", every.String())
	return s.addSpec(name, spec, timeout, JobOptions{Overlap: OverlapSkipIfRunning}, job)
}

// addSpec upserts by name so hot-reloads and repeated registrations do
// not accumulate duplicates.
func (s *Service) addSpec(name, spec string, timeout time.Duration, opt JobOptions, job func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.removeLocked(name)

	d := scheduleDef{
		name:    name,
		spec:    strings.TrimSpace(spec),
		timeout: timeout,
		job:     job,
		opt:     opt,
		state:   &RunState{},
	}
	s.defs = append(s.defs, d)
	if s.c == nil {
		// not started yet; registered on Start
		return nil
	}
	if err := s.registerLocked(&s.defs[len(s.defs)-1]); err != nil {
		s.log.Error("schedule register failed",
			logx.String("name", name), logx.String("spec", spec), logx.Err(err))
		return err
	}
	s.log.Debug("schedule registered",
		logx.String("name", name), logx.String("spec", spec), logx.Duration("timeout", timeout))
	return nil
}

// TriggerNow enqueues a registered job immediately. Manual runs share
// the schedule's RunState, so they cannot overlap a cron-triggered run.
func (s *Service) TriggerNow(name string) error {
	name = strings.TrimSpace(name)
	s.mu.Lock()
	var def *scheduleDef
	for i := range s.defs {
		if s.defs[i].name == name {
			def = &s.defs[i]
			break
		}
	}
	s.mu.Unlock()
	if def == nil {
		return fmt.Errorf("unknown schedule %q", name)
	}
	s.enqueue(def, false)
	return nil
}

// Remove unschedules the named job. Returns true if something was
// removed. Safe to call while stopped.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	removed := s.removeLocked(strings.TrimSpace(name))
	s.mu.Unlock()
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

func (s *Service) removeLocked(name string) bool {
	if name == "" {
		return false
	}
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}
