package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"notifyhub/pkg/logx"
)

func TestFileStoreDedupRoundTrip(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "hub.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	until := time.Now().Add(time.Hour)
	if err := st.PutDedup(ctx, "done:abc", until); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, ok, err := st.GetDedup(ctx, "done:abc")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.UnixMilli() != until.UnixMilli() {
		t.Fatalf("until mismatch: got %v want %v", got, until)
	}

	if _, ok, _ := st.GetDedup(ctx, "done:missing"); ok {
		t.Fatalf("unexpected hit for missing key")
	}
}

func TestFileStoreDedupExpiry(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "hub.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	if err := st.PutDedup(ctx, "done:old", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, ok, _ := st.GetDedup(ctx, "done:old"); ok {
		t.Fatalf("expired key should not hit")
	}
	m, err := st.ListDedup(ctx, "done:")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(m) != 0 {
		t.Fatalf("expired key should not be listed, got %v", m)
	}
}

func TestFileStoreReloadSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hub.db")
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	until := time.Now().Add(24 * time.Hour)
	if err := st.PutDedup(ctx, "done:persist", until); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := st.PutDedup(ctx, "orphan:persist", until); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()

	if _, ok, _ := st2.GetDedup(ctx, "done:persist"); !ok {
		t.Fatalf("dedup key lost after restart")
	}
	m, err := st2.ListDedup(ctx, "orphan:")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(m) != 1 {
		t.Fatalf("want 1 orphan entry, got %d", len(m))
	}
}

func TestOpenDisabled(t *testing.T) {
	st, err := Open(Config{}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if st != nil {
		t.Fatalf("disabled storage should return nil store")
	}
}
