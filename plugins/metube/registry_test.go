package metube

import (
	"fmt"
	"sync"
	"testing"
	"time"

	kit "notifyhub/internal/transport"
)

func TestRegisterFirstWins(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	if !r.Register("u1", kit.ChatTarget{ChatID: 1}, "first", now) {
		t.Fatal("first registration should succeed")
	}
	if r.Register("u1", kit.ChatTarget{ChatID: 2}, "second", now.Add(time.Minute)) {
		t.Fatal("duplicate registration should be rejected")
	}
	task, ok := r.Lookup("u1")
	if !ok || task.Owner.ChatID != 1 || task.Title != "first" {
		t.Fatalf("original registration overwritten: %+v", task)
	}
	if r.Register("", kit.ChatTarget{ChatID: 1}, "x", now) {
		t.Fatal("empty key must not register")
	}
}

func TestDueNeverCheckedMeasuresFromSubmission(t *testing.T) {
	r := NewRegistry()
	t0 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	r.Register("u1", kit.ChatTarget{ChatID: 1}, "t", t0)

	if due := r.Due(t0.Add(5 * time.Second)); len(due) != 0 {
		t.Fatalf("task due %v after submission, interval is 10s", 5*time.Second)
	}
	due := r.Due(t0.Add(10 * time.Second))
	if len(due) != 1 || due[0].Key != "u1" {
		t.Fatalf("task not due at the 10s boundary: %v", due)
	}
}

func TestDueMeasuresFromLastCheck(t *testing.T) {
	r := NewRegistry()
	t0 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	r.Register("u1", kit.ChatTarget{ChatID: 1}, "t", t0)

	check := t0.Add(10 * time.Second)
	if expired := r.MarkChecked("u1", check); expired {
		t.Fatal("fresh task must not expire")
	}
	if due := r.Due(check.Add(9 * time.Second)); len(due) != 0 {
		t.Fatal("task due before interval elapsed since last check")
	}
	if due := r.Due(check.Add(10 * time.Second)); len(due) != 1 {
		t.Fatal("task not due after interval elapsed since last check")
	}
}

func TestMarkCheckedAdvancesTier(t *testing.T) {
	r := NewRegistry()
	t0 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	r.Register("u1", kit.ChatTarget{ChatID: 1}, "t", t0)

	r.MarkChecked("u1", t0.Add(4*time.Minute))
	task, _ := r.Lookup("u1")
	if task.NextInterval != 60*time.Second {
		t.Fatalf("interval after 4m = %v, want 60s", task.NextInterval)
	}
	if task.CheckCount != 1 || task.Status != StatusMonitoring {
		t.Fatalf("unexpected task state: %+v", task)
	}

	r.MarkChecked("u1", t0.Add(3*time.Hour))
	task, _ = r.Lookup("u1")
	if task.NextInterval != 86400*time.Second {
		t.Fatalf("interval after 3h = %v, want 24h", task.NextInterval)
	}
}

func TestMarkCheckedExpiresAtCutoff(t *testing.T) {
	r := NewRegistry()
	t0 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	r.Register("u1", kit.ChatTarget{ChatID: 1}, "t", t0)

	if expired := r.MarkChecked("u1", t0.Add(71*time.Hour)); expired {
		t.Fatal("expired before the 72h cutoff")
	}
	if expired := r.MarkChecked("u1", t0.Add(73*time.Hour)); !expired {
		t.Fatal("not expired past the 72h cutoff")
	}
	if _, ok := r.Lookup("u1"); ok {
		t.Fatal("expired task still present")
	}
	if expired := r.MarkChecked("u1", t0); expired {
		t.Fatal("MarkChecked on a missing key must be a no-op")
	}
}

func TestConcurrentRegistrationDuringIteration(t *testing.T) {
	r := NewRegistry()
	now := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Register(fmt.Sprintf("u%d", i), kit.ChatTarget{ChatID: int64(i)}, "t", now)
		}(i)
	}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Due(now.Add(time.Minute))
			r.Snapshot()
		}()
	}
	wg.Wait()

	if r.Len() != 100 {
		t.Fatalf("registry holds %d tasks, want 100", r.Len())
	}
}
