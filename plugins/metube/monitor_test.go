package metube

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	mtb "notifyhub/internal/metube"
	"notifyhub/internal/services/notify"
	kit "notifyhub/internal/transport"
	"notifyhub/pkg/logx"
)

type fakeBackend struct {
	mu      sync.Mutex
	pingErr error
	histErr error
	hist    mtb.History
	block   chan struct{}
}

func (b *fakeBackend) Ping(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pingErr
}

func (b *fakeBackend) History(context.Context) (mtb.History, error) {
	if b.block != nil {
		<-b.block
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hist, b.histErr
}

func (b *fakeBackend) DownloadLink(filename string) string {
	return "http://mt.local/download/" + filename
}

func (b *fakeBackend) setHistory(h mtb.History) {
	b.mu.Lock()
	b.hist = h
	b.mu.Unlock()
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
	err  error
}

func (n *fakeNotifier) Notify(_ context.Context, msg notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return n.err
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func (n *fakeNotifier) last() notify.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent[len(n.sent)-1]
}

func newTestMonitor(b Backend, n Notifier) *Monitor {
	return NewMonitor(b, n, NewLedger(nil, logx.Nop()), nil, logx.Nop())
}

func finished(url, title, filename string) mtb.Entry {
	return mtb.Entry{URL: url, Title: title, Filename: filename, Status: "finished"}
}

func TestScanNotifiesTrackedCompletion(t *testing.T) {
	b := &fakeBackend{}
	n := &fakeNotifier{}
	m := newTestMonitor(b, n)
	ctx := context.Background()

	m.Track("https://v.example/1", kit.ChatTarget{ChatID: 42}, "My Video")
	b.setHistory(mtb.History{Done: []mtb.Entry{finished("https://v.example/1", "My Video", "My Video.mp4")}})

	if err := m.Scan(ctx); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if n.count() != 1 {
		t.Fatalf("sent %d notifications, want 1", n.count())
	}
	msg := n.last()
	if msg.Target.ChatID != 42 {
		t.Fatalf("notified chat %d, want 42", msg.Target.ChatID)
	}
	if !strings.Contains(msg.Text, "My Video") || !strings.Contains(msg.Text, "http://mt.local/download/My Video.mp4") {
		t.Fatalf("message missing title or link: %q", msg.Text)
	}
	if m.reg.Len() != 0 {
		t.Fatal("completed task still tracked")
	}

	// The entry stays in the snapshot; later scans must not re-notify.
	for i := 0; i < 3; i++ {
		if err := m.Scan(ctx); err != nil {
			t.Fatalf("Scan: %v", err)
		}
	}
	if n.count() != 1 {
		t.Fatalf("sent %d notifications across repeated scans, want 1", n.count())
	}
}

func TestScanOrphanHandling(t *testing.T) {
	b := &fakeBackend{}
	n := &fakeNotifier{}
	m := newTestMonitor(b, n)
	m.SetConfig(true, kit.ChatTarget{ChatID: 99}, false)
	ctx := context.Background()

	b.setHistory(mtb.History{Done: []mtb.Entry{finished("https://v.example/untracked", "Stray", "stray.mkv")}})
	if err := m.Scan(ctx); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if n.count() != 1 {
		t.Fatalf("sent %d orphan notifications, want 1", n.count())
	}
	if n.last().Target.ChatID != 99 {
		t.Fatalf("orphan notified chat %d, want 99", n.last().Target.ChatID)
	}

	m.Scan(ctx)
	if n.count() != 1 {
		t.Fatal("orphan re-notified on repeat scan")
	}
}

func TestScanOrphansDisabled(t *testing.T) {
	b := &fakeBackend{}
	n := &fakeNotifier{}
	m := newTestMonitor(b, n)
	ctx := context.Background()

	b.setHistory(mtb.History{Done: []mtb.Entry{finished("https://v.example/untracked", "Stray", "stray.mkv")}})
	m.Scan(ctx)
	if n.count() != 0 {
		t.Fatal("orphan notified while disabled")
	}

	// Marked anyway, so enabling later does not flood old entries.
	m.SetConfig(true, kit.ChatTarget{ChatID: 99}, false)
	m.Scan(ctx)
	if n.count() != 0 {
		t.Fatal("previously seen orphan notified after enabling")
	}
}

func TestScanExpiresSilently(t *testing.T) {
	b := &fakeBackend{}
	n := &fakeNotifier{}
	m := newTestMonitor(b, n)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	m.clock = func() time.Time { return now }
	ctx := context.Background()

	m.Track("https://v.example/slow", kit.ChatTarget{ChatID: 1}, "slow")
	now = now.Add(73 * time.Hour)
	if err := m.Scan(ctx); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if m.reg.Len() != 0 {
		t.Fatal("expired task still tracked")
	}
	if n.count() != 0 {
		t.Fatal("expiry produced a notification")
	}
}

func TestScanSkipsWhenBackendUnreachable(t *testing.T) {
	b := &fakeBackend{pingErr: errors.New("connection refused")}
	n := &fakeNotifier{}
	m := newTestMonitor(b, n)
	ctx := context.Background()

	m.Track("https://v.example/1", kit.ChatTarget{ChatID: 1}, "t")
	if err := m.Scan(ctx); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if n.count() != 0 {
		t.Fatal("notified despite unreachable backend")
	}
	task, ok := m.reg.Lookup("https://v.example/1")
	if !ok || task.CheckCount != 0 {
		t.Fatalf("task state advanced on a skipped scan: %+v", task)
	}
	if m.LastScan().Err == "" {
		t.Fatal("scan error not recorded")
	}
}

func TestScanSkipsMalformedEntries(t *testing.T) {
	b := &fakeBackend{}
	n := &fakeNotifier{}
	m := newTestMonitor(b, n)
	ctx := context.Background()

	m.Track("https://v.example/ok", kit.ChatTarget{ChatID: 7}, "ok")
	b.setHistory(mtb.History{Done: []mtb.Entry{
		{Title: "no url", Status: "finished"},
		finished("https://v.example/ok", "ok", "ok.mp4"),
	}})
	if err := m.Scan(ctx); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if n.count() != 1 {
		t.Fatalf("sent %d notifications, want 1 (malformed entry skipped)", n.count())
	}
}

func TestFailedSendStillRecorded(t *testing.T) {
	b := &fakeBackend{}
	n := &fakeNotifier{err: errors.New("telegram down")}
	m := newTestMonitor(b, n)
	ctx := context.Background()

	m.Track("https://v.example/1", kit.ChatTarget{ChatID: 1}, "t")
	b.setHistory(mtb.History{Done: []mtb.Entry{finished("https://v.example/1", "t", "t.mp4")}})

	m.Scan(ctx)
	if n.count() != 1 {
		t.Fatalf("attempted %d sends, want 1", n.count())
	}
	m.Scan(ctx)
	if n.count() != 1 {
		t.Fatal("failed send retried on next tick")
	}
	if m.LastScan().Notified != 0 {
		t.Fatal("failed send counted as notified")
	}
}

func TestFailedDownloadNotification(t *testing.T) {
	failedEntry := mtb.Entry{URL: "https://v.example/bad", Title: "bad", Status: "error", Error: "geo blocked"}

	b := &fakeBackend{}
	n := &fakeNotifier{}
	m := newTestMonitor(b, n)
	ctx := context.Background()

	m.Track("https://v.example/bad", kit.ChatTarget{ChatID: 5}, "bad")
	b.setHistory(mtb.History{Done: []mtb.Entry{failedEntry}})
	m.Scan(ctx)
	if n.count() != 0 {
		t.Fatal("failure notified while notify_failures is off")
	}
	if m.reg.Len() != 0 {
		t.Fatal("failed task still tracked")
	}

	n2 := &fakeNotifier{}
	m2 := newTestMonitor(b, n2)
	m2.SetConfig(false, kit.ChatTarget{}, true)
	m2.Track("https://v.example/bad", kit.ChatTarget{ChatID: 5}, "bad")
	m2.Scan(ctx)
	if n2.count() != 1 {
		t.Fatalf("sent %d failure notifications, want 1", n2.count())
	}
	if !strings.Contains(n2.last().Text, "geo blocked") {
		t.Fatalf("failure message missing reason: %q", n2.last().Text)
	}
}

func TestScanSingleFlight(t *testing.T) {
	b := &fakeBackend{block: make(chan struct{})}
	n := &fakeNotifier{}
	m := newTestMonitor(b, n)
	ctx := context.Background()

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		close(started)
		m.Scan(ctx)
		close(done)
	}()
	<-started
	// Give the goroutine a moment to enter History and park.
	time.Sleep(20 * time.Millisecond)

	if !m.scanning.Load() {
		t.Fatal("first scan not marked running")
	}
	if err := m.Scan(ctx); err != nil {
		t.Fatalf("overlapping Scan: %v", err)
	}
	close(b.block)
	<-done

	if m.scanning.Load() {
		t.Fatal("scanning flag not cleared")
	}
}

func TestTrackFirstSubmissionWins(t *testing.T) {
	m := newTestMonitor(&fakeBackend{}, &fakeNotifier{})
	if !m.Track("https://v.example/1", kit.ChatTarget{ChatID: 1}, "a") {
		t.Fatal("first Track rejected")
	}
	if m.Track("https://v.example/1", kit.ChatTarget{ChatID: 2}, "b") {
		t.Fatal("duplicate Track accepted")
	}
}
