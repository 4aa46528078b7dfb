package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"notifyhub/pkg/logx"
)

func (s *Service) workerLoop(ctx context.Context) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	s.mu.Lock()
	q := s.q
	s.mu.Unlock()
	if q == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.execOne(ctx, j, rng)
		}
	}
}

func (s *Service) execOne(ctx context.Context, j queuedJob, rng *rand.Rand) {
	start := time.Now()
	queueDelay := start.Sub(j.enqueuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}
	if j.tracked {
		defer j.state.release()
	}

	s.log.Debug("job started", logx.String("name", j.name), logx.Duration("queue_delay", queueDelay))

	var err error
	attempts := 0
	maxAttempts := 1 + j.opt.RetryMax
attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt

		runCtx := ctx
		var cancel context.CancelFunc
		if j.timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, j.timeout)
		}
		// One bad job must not kill a worker.
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic: %v", r)
					s.log.Error("job panicked",
						logx.String("name", j.name), logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())))
				}
			}()
			err = j.run(runCtx)
		}()
		if cancel != nil {
			cancel()
		}
		if err == nil || attempt >= maxAttempts {
			break
		}

		delay := backoffDelay(j.opt, attempt, rng)
		s.log.Debug("job retry scheduled",
			logx.String("name", j.name), logx.Int("attempt", attempt+1),
			logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			err = ctx.Err()
			break attemptLoop
		case <-tmr.C:
		}
	}

	dur := time.Since(start)
	item := HistoryItem{Name: j.name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	ev := JobEvent{Name: j.name, Started: start, Duration: dur, Attempts: attempts}
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
		s.log.Warn("job failed",
			logx.String("name", j.name), logx.Err(err),
			logx.Duration("dur", dur), logx.Int("attempts", attempts))
		s.publish("job.failed", ev)
	} else {
		s.log.Debug("job completed",
			logx.String("name", j.name), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		s.publish("job.finished", ev)
	}

	s.hmu.Lock()
	s.history = append(s.history, item)
	s.mu.Lock()
	max := s.cfg.HistorySize
	s.mu.Unlock()
	if len(s.history) > max {
		s.history = s.history[len(s.history)-max:]
	}
	s.hmu.Unlock()
}

func backoffDelay(opt JobOptions, retry int, rng *rand.Rand) time.Duration {
	d := opt.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d > opt.RetryMaxDelay {
			d = opt.RetryMaxDelay
			break
		}
	}
	if opt.RetryJitter > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * opt.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > opt.RetryMaxDelay {
		d = opt.RetryMaxDelay
	}
	return d
}
