package metube

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"notifyhub/pkg/logx"
)

func newTestClient(t *testing.T, h http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL, 5*time.Second, logx.Nop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c, srv
}

func TestHistoryParsing(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/history" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"queue": []map[string]any{
				{"id": "q1", "title": "still going", "url": "https://x/1", "percent": 42.5},
			},
			"done": []map[string]any{
				{"id": "d1", "title": "ready", "status": "finished", "filename": "ready.mp4"},
				{"id": "d2", "title": "broken", "status": "error", "error": "403"},
			},
		})
	}))

	h, err := c.History(context.Background())
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(h.Queue) != 1 || len(h.Done) != 2 {
		t.Fatalf("got %d queued, %d done", len(h.Queue), len(h.Done))
	}
	if !h.Done[0].Finished() {
		t.Errorf("expected %q to be finished", h.Done[0].Title)
	}
	if !h.Done[1].Failed() {
		t.Errorf("expected %q to be failed", h.Done[1].Title)
	}
	if h.Queue[0].Finished() || h.Queue[0].Failed() {
		t.Errorf("queued entry should be neither finished nor failed")
	}
}

func TestAddSendsPayload(t *testing.T) {
	var got AddRequest
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/add" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))

	err := c.Add(context.Background(), AddRequest{URL: "https://example.com/v", Quality: "best", AutoStart: true})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if got.URL != "https://example.com/v" || got.Quality != "best" || !got.AutoStart {
		t.Fatalf("payload mismatch: %+v", got)
	}
}

func TestAddRejected(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "error", "msg": "unsupported url"})
	}))
	if err := c.Add(context.Background(), AddRequest{URL: "https://nope"}); err == nil {
		t.Fatal("expected rejection error")
	}
}

func TestAddEmptyURL(t *testing.T) {
	c, _ := newTestClient(t, http.NewServeMux())
	if err := c.Add(context.Background(), AddRequest{}); err == nil {
		t.Fatal("expected error for empty url")
	}
}

func TestPingStatusCodes(t *testing.T) {
	status := http.StatusOK
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))

	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping ok: %v", err)
	}
	status = http.StatusBadGateway
	if err := c.Ping(context.Background()); err == nil {
		t.Fatal("expected error on 502")
	}
}

func TestDownloadLinkEscaping(t *testing.T) {
	c, err := NewClient("http://media.local:8081/", 0, logx.Nop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	link := c.DownloadLink("My Video [1080p].mp4")
	want := "http://media.local:8081/download/My%20Video%20%5B1080p%5D.mp4"
	if link != want {
		t.Fatalf("link = %q, want %q", link, want)
	}
	if c.DownloadLink("") != "" {
		t.Fatal("empty filename should give empty link")
	}
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient("   ", 0, logx.Nop()); err == nil {
		t.Fatal("expected error for empty base url")
	}
}
