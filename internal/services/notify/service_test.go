package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	kit "notifyhub/internal/transport"
	"notifyhub/pkg/logx"
)

type fakeAdapter struct {
	mu    sync.Mutex
	sent  []string
	fail  int // fail the first N sends
	calls int
}

func (f *fakeAdapter) Start(ctx context.Context, h kit.Handler) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error                 { return nil }
func (f *fakeAdapter) BotName() string                                { return "testbot" }

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fail {
		return kit.MessageRef{}, context.DeadlineExceeded
	}
	f.sent = append(f.sent, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: f.calls}, nil
}

func (f *fakeAdapter) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("condition not met in time")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestNotifyDelivers(t *testing.T) {
	ad := &fakeAdapter{}
	s := New(Config{Enabled: true, Workers: 1, RatePerSec: 100}, ad, logx.Nop(), nil, nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	err := s.Notify(context.Background(), Notification{
		Target: kit.ChatTarget{ChatID: 42},
		Text:   "movie.mkv finished",
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	waitFor(t, func() bool { return ad.sentCount() == 1 })
}

func TestNotifyRetriesThenSucceeds(t *testing.T) {
	ad := &fakeAdapter{fail: 2}
	s := New(Config{
		Enabled: true, Workers: 1, RatePerSec: 100,
		RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond,
	}, ad, logx.Nop(), nil, nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Notify(context.Background(), Notification{
		Target: kit.ChatTarget{ChatID: 1}, Text: "retry me",
	}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	waitFor(t, func() bool { return ad.sentCount() == 1 })
}

func TestNotifyDedupWindow(t *testing.T) {
	ad := &fakeAdapter{}
	s := New(Config{Enabled: true, Workers: 1, RatePerSec: 100, DedupWindow: time.Minute}, ad, logx.Nop(), nil, nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	n := Notification{Target: kit.ChatTarget{ChatID: 7}, Text: "same text"}
	for i := 0; i < 3; i++ {
		if err := s.Notify(context.Background(), n); err != nil {
			t.Fatalf("notify %d: %v", i, err)
		}
	}
	waitFor(t, func() bool { return ad.sentCount() == 1 })
	time.Sleep(50 * time.Millisecond)
	if got := ad.sentCount(); got != 1 {
		t.Fatalf("duplicates not suppressed: sent=%d", got)
	}
}

func TestNotifyDisabled(t *testing.T) {
	s := New(Config{Enabled: false}, &fakeAdapter{}, logx.Nop(), nil, nil)
	if err := s.Notify(context.Background(), Notification{Target: kit.ChatTarget{ChatID: 1}, Text: "x"}); err != ErrDisabled {
		t.Fatalf("want ErrDisabled, got %v", err)
	}
}

func TestStopDrainsQueue(t *testing.T) {
	ad := &fakeAdapter{}
	s := New(Config{Enabled: true, Workers: 1, RatePerSec: 1000}, ad, logx.Nop(), nil, nil)
	s.Start(context.Background())

	for i := 0; i < 5; i++ {
		if err := s.Notify(context.Background(), Notification{
			Target: kit.ChatTarget{ChatID: int64(i + 1)},
			Text:   "drain",
		}); err != nil {
			t.Fatalf("notify %d: %v", i, err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	if got := ad.sentCount(); got != 5 {
		t.Fatalf("queue not drained: sent=%d", got)
	}

	if err := s.Notify(context.Background(), Notification{Target: kit.ChatTarget{ChatID: 9}, Text: "late"}); err != ErrStopped {
		t.Fatalf("want ErrStopped after stop, got %v", err)
	}
}
