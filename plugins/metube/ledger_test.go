package metube

import (
	"context"
	"sync"
	"testing"
	"time"

	"notifyhub/internal/storage"
	"notifyhub/pkg/logx"
)

type memStore struct {
	mu    sync.Mutex
	dedup map[string]time.Time
	puts  int
}

func newMemStore() *memStore { return &memStore{dedup: map[string]time.Time{}} }

func (s *memStore) AppendAudit(context.Context, storage.AuditEntry) error { return nil }

func (s *memStore) PutDedup(_ context.Context, key string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dedup[key] = until
	s.puts++
	return nil
}

func (s *memStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.dedup[key]
	return until, ok, nil
}

func (s *memStore) ListDedup(_ context.Context, prefix string) (map[string]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]time.Time{}
	for k, v := range s.dedup {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out[k] = v
		}
	}
	return out, nil
}

func (s *memStore) Close() error { return nil }

func TestLedgerNamespacesAreDisjoint(t *testing.T) {
	l := NewLedger(nil, logx.Nop())
	ctx := context.Background()

	l.MarkOrphan(ctx, "u1", DedupRecord{Title: "t"})
	if l.SeenDone("u1") {
		t.Fatal("orphan record must not suppress a done notification")
	}
	if !l.SeenOrphan("u1") {
		t.Fatal("orphan record not visible")
	}

	l.MarkDone(ctx, "u2", DedupRecord{Title: "t"})
	if l.SeenOrphan("u2") {
		t.Fatal("done record must not suppress an orphan notification")
	}
}

func TestLedgerTTLExpiry(t *testing.T) {
	l := NewLedger(nil, logx.Nop())
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	l.clock = func() time.Time { return now }
	ctx := context.Background()

	l.MarkDone(ctx, "u1", DedupRecord{})
	l.MarkOrphan(ctx, "u1", DedupRecord{})

	now = now.Add(23 * time.Hour)
	if !l.SeenDone("u1") {
		t.Fatal("done record expired before 24h")
	}
	now = now.Add(2 * time.Hour)
	if l.SeenDone("u1") {
		t.Fatal("done record survived past 24h")
	}
	if !l.SeenOrphan("u1") {
		t.Fatal("orphan record expired with the done TTL")
	}
	now = now.Add(7 * 24 * time.Hour)
	if l.SeenOrphan("u1") {
		t.Fatal("orphan record survived past 7d")
	}
}

func TestLedgerPersistsAndRestores(t *testing.T) {
	st := newMemStore()
	ctx := context.Background()

	l := NewLedger(st, logx.Nop())
	l.MarkDone(ctx, "u1", DedupRecord{Title: "a"})
	l.MarkOrphan(ctx, "u2", DedupRecord{Title: "b"})
	if st.puts != 2 {
		t.Fatalf("store received %d writes, want 2", st.puts)
	}

	fresh := NewLedger(st, logx.Nop())
	if fresh.SeenDone("u1") || fresh.SeenOrphan("u2") {
		t.Fatal("fresh ledger must start empty")
	}
	fresh.Restore(ctx)
	if !fresh.SeenDone("u1") {
		t.Fatal("done record lost across restart")
	}
	if !fresh.SeenOrphan("u2") {
		t.Fatal("orphan record lost across restart")
	}
	done, orphan := fresh.Counts()
	if done != 1 || orphan != 1 {
		t.Fatalf("Counts() = (%d, %d), want (1, 1)", done, orphan)
	}
}

func TestLedgerCountsSkipExpired(t *testing.T) {
	l := NewLedger(nil, logx.Nop())
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	l.clock = func() time.Time { return now }
	ctx := context.Background()

	l.MarkDone(ctx, "u1", DedupRecord{})
	l.MarkDone(ctx, "u2", DedupRecord{})
	now = now.Add(25 * time.Hour)
	l.MarkDone(ctx, "u3", DedupRecord{})

	done, orphan := l.Counts()
	if done != 1 || orphan != 0 {
		t.Fatalf("Counts() = (%d, %d), want (1, 0)", done, orphan)
	}
}
