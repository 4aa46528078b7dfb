package metube

import (
	"context"
	"fmt"
	"html"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"notifyhub/internal/eventbus"
	mtb "notifyhub/internal/metube"
	"notifyhub/internal/services/notify"
	kit "notifyhub/internal/transport"
	"notifyhub/pkg/logx"
)

// Backend is the MeTube side of the monitor, satisfied by the real
// HTTP client and by test fakes.
type Backend interface {
	Ping(ctx context.Context) error
	History(ctx context.Context) (mtb.History, error)
	DownloadLink(filename string) string
}

// Notifier is the outbound messaging side. Enqueueing counts as the
// one notification attempt; delivery retries live behind it.
type Notifier interface {
	Notify(ctx context.Context, n notify.Notification) error
}

type monitorConfig struct {
	notifyOrphans  bool
	orphanTarget   kit.ChatTarget
	notifyFailures bool
}

// ScanInfo summarizes the most recent scan for /dl status and the ops
// endpoint.
type ScanInfo struct {
	At       time.Time     `json:"at"`
	Took     time.Duration `json:"took"`
	Err      string        `json:"err,omitempty"`
	Finished int           `json:"finished"`
	Notified int           `json:"notified"`
}

// Monitor owns the task registry and runs the scan cycle: reachability
// probe, snapshot fetch, due-task sweep, completion matching, orphan
// fallback. One scan at a time; a trigger firing mid-scan is dropped.
type Monitor struct {
	reg      *Registry
	ledger   *Ledger
	backend  Backend
	notifier Notifier
	bus      eventbus.Bus
	log      logx.Logger
	clock    func() time.Time

	cfgMu sync.Mutex
	cfg   monitorConfig

	scanning atomic.Bool

	lastMu sync.Mutex
	last   ScanInfo
}

func NewMonitor(backend Backend, notifier Notifier, ledger *Ledger, bus eventbus.Bus, log logx.Logger) *Monitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Monitor{
		reg:      NewRegistry(),
		ledger:   ledger,
		backend:  backend,
		notifier: notifier,
		bus:      bus,
		log:      log,
		clock:    time.Now,
	}
}

func (m *Monitor) Registry() *Registry { return m.reg }

func (m *Monitor) SetBackend(b Backend) {
	m.cfgMu.Lock()
	m.backend = b
	m.cfgMu.Unlock()
}

func (m *Monitor) SetConfig(notifyOrphans bool, orphanTarget kit.ChatTarget, notifyFailures bool) {
	m.cfgMu.Lock()
	m.cfg = monitorConfig{
		notifyOrphans:  notifyOrphans,
		orphanTarget:   orphanTarget,
		notifyFailures: notifyFailures,
	}
	m.cfgMu.Unlock()
}

func (m *Monitor) config() monitorConfig {
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	return m.cfg
}

func (m *Monitor) currentBackend() Backend {
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	return m.backend
}

// Track registers a new download. Returns false when the key is
// already tracked (first submission wins).
func (m *Monitor) Track(key string, owner kit.ChatTarget, title string) bool {
	ok := m.reg.Register(key, owner, title, m.clock())
	if ok {
		m.publish(eventbus.TypeTaskRegistered, map[string]any{"key": key, "chat_id": owner.ChatID})
	}
	return ok
}

// LastScan returns info about the most recent scan attempt.
func (m *Monitor) LastScan() ScanInfo {
	m.lastMu.Lock()
	defer m.lastMu.Unlock()
	return m.last
}

// Scan runs one full check cycle. It never returns an error: backend
// unavailability and per-entry failures are logged and retried by the
// next tick, not surfaced to the scheduler.
func (m *Monitor) Scan(ctx context.Context) error {
	if !m.scanning.CompareAndSwap(false, true) {
		m.log.Debug("scan skipped, previous scan still running")
		return nil
	}
	defer m.scanning.Store(false)

	start := m.clock()
	backend := m.currentBackend()
	if backend == nil {
		m.noteScan(start, fmt.Errorf("backend not configured"), 0, 0)
		return nil
	}

	if err := backend.Ping(ctx); err != nil {
		m.log.Warn("backend unreachable, scan skipped", logx.Err(err))
		m.noteScan(start, err, 0, 0)
		return nil
	}

	hist, err := backend.History(ctx)
	if err != nil {
		m.log.Warn("history fetch failed, scan skipped", logx.Err(err))
		m.noteScan(start, err, 0, 0)
		return nil
	}

	now := m.clock()
	inProgress := make(map[string]bool, len(hist.Queue))
	for _, e := range hist.Queue {
		if key := strings.TrimSpace(e.URL); key != "" {
			inProgress[key] = true
		}
	}

	// Due sweep. Absence from the queue is only a hint that the job
	// left it; resolution happens through the finished list below.
	for _, t := range m.reg.Due(now) {
		if expired := m.reg.MarkChecked(t.Key, now); expired {
			m.log.Info("task expired without completion",
				logx.String("key", t.Key),
				logx.Duration("age", now.Sub(t.SubmittedAt)),
				logx.Int("checks", t.CheckCount+1))
			m.publish(eventbus.TypeTaskExpired, map[string]any{"key": t.Key, "chat_id": t.Owner.ChatID})
			continue
		}
		if !inProgress[t.Key] {
			m.log.Debug("task no longer queued", logx.String("key", t.Key))
		}
	}

	notified := 0
	for _, e := range hist.Done {
		if m.processEntry(ctx, backend, e) {
			notified++
		}
	}

	m.noteScan(start, nil, len(hist.Done), notified)
	m.publish(eventbus.TypeScanFinished, map[string]any{
		"queued":   len(hist.Queue),
		"finished": len(hist.Done),
		"notified": notified,
		"tracked":  m.reg.Len(),
	})
	return nil
}

// processEntry handles one finished-list entry. A panic or error in
// one entry must not stop the rest of the snapshot, so it recovers
// locally and reports "did not resolve this tick".
func (m *Monitor) processEntry(ctx context.Context, backend Backend, e mtb.Entry) (notified bool) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic while processing history entry",
				logx.String("url", e.URL),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
			notified = false
		}
	}()

	key := strings.TrimSpace(e.URL)
	if key == "" {
		m.log.Debug("history entry without url skipped", logx.String("title", e.Title))
		return false
	}

	switch {
	case e.Failed():
		return m.processFailed(ctx, e, key)
	case e.Finished():
		return m.processFinished(ctx, backend, e, key)
	default:
		return false
	}
}

func (m *Monitor) processFinished(ctx context.Context, backend Backend, e mtb.Entry, key string) bool {
	if m.ledger.SeenDone(key) {
		return false
	}

	task, tracked := m.reg.Lookup(key)
	if !tracked {
		return m.processOrphan(ctx, backend, e, key)
	}

	title := strings.TrimSpace(e.Title)
	if title == "" {
		title = task.Title
	}
	link := backend.DownloadLink(e.Filename)

	err := m.notifier.Notify(ctx, notify.Notification{
		Target:   task.Owner,
		Text:     doneMessage(title, link),
		Options:  &kit.SendOptions{ParseMode: "HTML", DisablePreview: true},
		Priority: 5,
		Kind:     "download_done",
		TaskID:   key,
		Filename: e.Filename,
	})
	if err != nil {
		m.log.Warn("completion notify failed",
			logx.String("key", key), logx.Int64("chat_id", task.Owner.ChatID), logx.Err(err))
	}

	// The attempt is recorded even on failure. Retrying on every tick
	// would turn one broken send into a message storm; the record ages
	// out after the retention window.
	m.ledger.MarkDone(ctx, key, DedupRecord{
		Title:    title,
		Filename: e.Filename,
		ChatID:   task.Owner.ChatID,
	})
	m.reg.Remove(key)

	m.log.Info("download completed",
		logx.String("key", key),
		logx.String("filename", e.Filename),
		logx.Int64("chat_id", task.Owner.ChatID),
		logx.Int("checks", task.CheckCount))
	m.publish(eventbus.TypeTaskCompleted, map[string]any{
		"key": key, "filename": e.Filename, "chat_id": task.Owner.ChatID,
	})
	return err == nil
}

func (m *Monitor) processFailed(ctx context.Context, e mtb.Entry, key string) bool {
	if m.ledger.SeenDone(key) {
		return false
	}
	task, tracked := m.reg.Lookup(key)
	if !tracked {
		// failed orphans are nobody's problem; leave them to the
		// backend UI
		return false
	}

	cfg := m.config()
	var sendErr error
	if cfg.notifyFailures {
		title := strings.TrimSpace(e.Title)
		if title == "" {
			title = task.Title
		}
		sendErr = m.notifier.Notify(ctx, notify.Notification{
			Target:   task.Owner,
			Text:     failedMessage(title, e.Error),
			Options:  &kit.SendOptions{ParseMode: "HTML", DisablePreview: true},
			Priority: 6,
			Kind:     "download_failed",
			TaskID:   key,
		})
		if sendErr != nil {
			m.log.Warn("failure notify failed", logx.String("key", key), logx.Err(sendErr))
		}
	}

	m.ledger.MarkDone(ctx, key, DedupRecord{Title: task.Title, ChatID: task.Owner.ChatID})
	m.reg.Remove(key)
	m.log.Info("download failed on backend",
		logx.String("key", key), logx.String("err", e.Error), logx.Bool("notified", cfg.notifyFailures))
	return cfg.notifyFailures && sendErr == nil
}

func (m *Monitor) processOrphan(ctx context.Context, backend Backend, e mtb.Entry, key string) bool {
	if m.ledger.SeenOrphan(key) {
		return false
	}

	cfg := m.config()
	var sendErr error
	attempted := false
	if cfg.notifyOrphans && cfg.orphanTarget.ChatID != 0 {
		attempted = true
		link := backend.DownloadLink(e.Filename)
		sendErr = m.notifier.Notify(ctx, notify.Notification{
			Target:   cfg.orphanTarget,
			Text:     orphanMessage(e.Title, link),
			Options:  &kit.SendOptions{ParseMode: "HTML", DisablePreview: true},
			Priority: 3,
			Kind:     "download_orphan",
			TaskID:   key,
			Filename: e.Filename,
		})
		if sendErr != nil {
			m.log.Warn("orphan notify failed", logx.String("key", key), logx.Err(sendErr))
		}
	}

	// Recorded regardless of outcome so an unresolvable job does not
	// get re-attempted on every tick for a week.
	m.ledger.MarkOrphan(ctx, key, DedupRecord{
		Title:    e.Title,
		Filename: e.Filename,
		ChatID:   cfg.orphanTarget.ChatID,
	})
	m.log.Info("orphan download detected",
		logx.String("key", key), logx.String("title", e.Title), logx.Bool("notified", attempted))
	m.publish(eventbus.TypeOrphanDetected, map[string]any{"key": key, "title": e.Title})
	return attempted && sendErr == nil
}

func (m *Monitor) noteScan(start time.Time, err error, finished, notified int) {
	info := ScanInfo{
		At:       start,
		Took:     m.clock().Sub(start),
		Finished: finished,
		Notified: notified,
	}
	if err != nil {
		info.Err = err.Error()
	}
	m.lastMu.Lock()
	m.last = info
	m.lastMu.Unlock()
}

func (m *Monitor) publish(typ string, data any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

func doneMessage(title, link string) string {
	var b strings.Builder
	b.WriteString("✅ <b>Download ready</b>\n")
	if title != "" {
		b.WriteString(html.EscapeString(title) + "\n")
	}
	if link != "" {
		b.WriteString(`<a href="` + link + `">download file</a>`)
	}
	return strings.TrimRight(b.String(), "\n")
}

func failedMessage(title, reason string) string {
	var b strings.Builder
	b.WriteString("❌ <b>Download failed</b>\n")
	if title != "" {
		b.WriteString(html.EscapeString(title) + "\n")
	}
	if reason != "" {
		b.WriteString("<code>" + html.EscapeString(reason) + "</code>")
	}
	return strings.TrimRight(b.String(), "\n")
}

func orphanMessage(title, link string) string {
	var b strings.Builder
	b.WriteString("📥 <b>Untracked download finished</b>\n")
	if title != "" {
		b.WriteString(html.EscapeString(title) + "\n")
	}
	if link != "" {
		b.WriteString(`<a href="` + link + `">download file</a>`)
	}
	return strings.TrimRight(b.String(), "\n")
}
