package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"notifyhub/pkg/logx"
)

func TestSchedulerRunsIntervalJob(t *testing.T) {
	s := New(Config{Enabled: true, Workers: 1, QueueSize: 8}, logx.Nop(), nil)

	var runs atomic.Int32
	if err := s.AddInterval("tick", 20*time.Millisecond, 0, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("add: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	deadline := time.After(2 * time.Second)
	for runs.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("job did not run, runs=%d", runs.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestTriggerNowSkipsWhileRunning(t *testing.T) {
	s := New(Config{Enabled: true, Workers: 1, QueueSize: 8}, logx.Nop(), nil)

	release := make(chan struct{})
	var runs atomic.Int32
	if err := s.AddCron("slow", "@every 1h", 0, func(ctx context.Context) error {
		runs.Add(1)
		<-release
		return nil
	}); err != nil {
		t.Fatalf("add: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	if err := s.TriggerNow("slow"); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	// wait until the first run is in-flight
	deadline := time.After(2 * time.Second)
	for runs.Load() == 0 {
		select {
		case <-deadline:
			t.Fatalf("job never started")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// second trigger must be gated by the shared RunState
	if err := s.TriggerNow("slow"); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := runs.Load(); got != 1 {
		t.Fatalf("overlap not gated: runs=%d", got)
	}
	close(release)

	if s.Snapshot().Skipped == 0 {
		t.Fatalf("expected a skipped run in snapshot")
	}
}

func TestTriggerNowUnknown(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)
	if err := s.TriggerNow("nope"); err == nil {
		t.Fatalf("expected error for unknown schedule")
	}
}
