package ops

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"notifyhub/pkg/logx"
)

func startTestService(t *testing.T, cfg Config, hooks Hooks) *Service {
	t.Helper()
	cfg.Enabled = true
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	s := New(cfg, hooks, logx.Nop())
	s.Start(context.Background())
	addr := s.Addr()
	if addr == "" {
		t.Fatal("service did not start")
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestHealthz(t *testing.T) {
	s := startTestService(t, Config{}, Hooks{})
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestStatusReturnsJSON(t *testing.T) {
	hooks := Hooks{
		Status: func(context.Context) (any, error) {
			return map[string]int{"tracked": 3}, nil
		},
	}
	s := startTestService(t, Config{}, hooks)

	resp, err := http.Get("http://" + s.Addr() + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var got map[string]int
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["tracked"] != 3 {
		t.Fatalf("payload = %v", got)
	}
}

func TestManualCheck(t *testing.T) {
	calls := 0
	s := startTestService(t, Config{}, Hooks{
		Check: func(context.Context) error { calls++; return nil },
	})

	resp, err := http.Post("http://"+s.Addr()+"/manual-check", "", nil)
	if err != nil {
		t.Fatalf("POST /manual-check: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || calls != 1 {
		t.Fatalf("status = %d, calls = %d", resp.StatusCode, calls)
	}

	resp, err = http.Get("http://" + s.Addr() + "/manual-check")
	if err != nil {
		t.Fatalf("GET /manual-check: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET status = %d, want 405", resp.StatusCode)
	}
}

func TestManualCheckError(t *testing.T) {
	s := startTestService(t, Config{}, Hooks{
		Check: func(context.Context) error { return errors.New("backend unreachable") },
	})
	resp, err := http.Post("http://"+s.Addr()+"/manual-check", "", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "backend unreachable") {
		t.Fatalf("body = %q", body)
	}
}

func TestTokenAuth(t *testing.T) {
	s := startTestService(t, Config{Token: "secret"}, Hooks{
		Status: func(context.Context) (any, error) { return map[string]int{}, nil },
	})

	resp, _ := http.Get("http://" + s.Addr() + "/status")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, "http://"+s.Addr()+"/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("authed GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bearer auth status = %d, want 200", resp.StatusCode)
	}

	resp, _ = http.Get("http://" + s.Addr() + "/status?token=secret")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("query token status = %d, want 200", resp.StatusCode)
	}
}

func TestRefusesNonLoopbackWithoutToken(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Hooks{}, logx.Nop())
	s.Start(context.Background())
	if s.Addr() != "" {
		t.Fatal("server started on non-loopback addr without token")
	}
}
