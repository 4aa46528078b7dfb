package metube

import (
	"context"
	"strings"
	"sync"
	"time"

	"notifyhub/internal/storage"
	"notifyhub/pkg/logx"
)

const (
	doneTTL   = 24 * time.Hour
	orphanTTL = 7 * 24 * time.Hour

	donePrefix   = "done:"
	orphanPrefix = "orphan:"

	// prune every N writes keeps memory bounded under churn without a
	// sweep goroutine
	ledgerPruneEvery = 64
)

type ledgerEntry struct {
	rec   DedupRecord
	until time.Time
}

// Ledger enforces at-most-once notification per key per retention
// window. Two disjoint namespaces (done/orphan) so an orphan record
// never suppresses a normal-task notification for the same key, or
// vice versa. Expiry is lazy, checked on read. Entries are mirrored
// into storage best-effort so dedup survives a restart.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]ledgerEntry
	writes  int

	store storage.Store
	log   logx.Logger
	clock func() time.Time
}

func NewLedger(store storage.Store, log logx.Logger) *Ledger {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Ledger{
		entries: map[string]ledgerEntry{},
		store:   store,
		log:     log,
		clock:   time.Now,
	}
}

// Restore reloads live dedup keys from storage. Record metadata is not
// persisted; only the suppression fact matters after a restart.
func (l *Ledger) Restore(ctx context.Context) {
	if l.store == nil {
		return
	}
	total := 0
	for _, prefix := range []string{donePrefix, orphanPrefix} {
		m, err := l.store.ListDedup(ctx, prefix)
		if err != nil {
			l.log.Warn("dedup restore failed", logx.String("prefix", prefix), logx.Err(err))
			continue
		}
		l.mu.Lock()
		for key, until := range m {
			l.entries[key] = ledgerEntry{until: until}
		}
		l.mu.Unlock()
		total += len(m)
	}
	if total > 0 {
		l.log.Info("dedup ledger restored", logx.Int("entries", total))
	}
}

func (l *Ledger) SeenDone(key string) bool   { return l.seen(donePrefix + key) }
func (l *Ledger) SeenOrphan(key string) bool { return l.seen(orphanPrefix + key) }

func (l *Ledger) MarkDone(ctx context.Context, key string, rec DedupRecord) {
	l.mark(ctx, donePrefix+key, rec, doneTTL)
}

func (l *Ledger) MarkOrphan(ctx context.Context, key string, rec DedupRecord) {
	l.mark(ctx, orphanPrefix+key, rec, orphanTTL)
}

// Counts returns the live entry counts (done, orphan).
func (l *Ledger) Counts() (done, orphan int) {
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, e := range l.entries {
		if !e.until.After(now) {
			continue
		}
		if strings.HasPrefix(key, donePrefix) {
			done++
		} else if strings.HasPrefix(key, orphanPrefix) {
			orphan++
		}
	}
	return done, orphan
}

func (l *Ledger) seen(key string) bool {
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		return false
	}
	if !e.until.After(now) {
		delete(l.entries, key)
		return false
	}
	return true
}

func (l *Ledger) mark(ctx context.Context, key string, rec DedupRecord, ttl time.Duration) {
	now := l.clock()
	until := now.Add(ttl)
	if rec.ProcessedAt.IsZero() {
		rec.ProcessedAt = now
	}

	l.mu.Lock()
	l.entries[key] = ledgerEntry{rec: rec, until: until}
	l.writes++
	doPrune := l.writes%ledgerPruneEvery == 0
	if doPrune {
		for k, e := range l.entries {
			if !e.until.After(now) {
				delete(l.entries, k)
			}
		}
	}
	l.mu.Unlock()

	if l.store != nil {
		if err := l.store.PutDedup(ctx, key, until); err != nil {
			l.log.Warn("dedup persist failed", logx.String("key", key), logx.Err(err))
		}
	}
}
