package router

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	kit "notifyhub/internal/transport"
	"notifyhub/pkg/logx"
)

type fakeAdapter struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeAdapter) Start(ctx context.Context, h kit.Handler) error { <-ctx.Done(); return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error                 { return nil }
func (f *fakeAdapter) BotName() string                                { return "testbot" }

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	f.sent = append(f.sent, text)
	f.mu.Unlock()
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeAdapter) lastSent() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

func newTestManager(t *testing.T, owners []int64) (*CommandManager, *fakeAdapter, context.CancelFunc) {
	t.Helper()
	ad := &fakeAdapter{}
	m := NewCommandManager(logx.Nop(), ad, nil, &Services{}, owners)
	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		m.Stop(sctx)
		scancel()
		cancel()
	})
	return m, ad, cancel
}

func msg(text string, fromID int64) kit.Message {
	return kit.Message{ChatID: 100, FromID: fromID, Text: text, Received: time.Now()}
}

func TestDispatchRunsHandler(t *testing.T) {
	m, _, _ := newTestManager(t, nil)

	done := make(chan []string, 1)
	m.SetRegistry([]Command{{
		Name: "ping",
		Handle: func(ctx context.Context, req *Request) error {
			done <- req.Args
			return nil
		},
	}})

	m.HandleMessage(context.Background(), msg("/ping one two", 7))
	select {
	case args := <-done:
		if len(args) != 2 || args[0] != "one" {
			t.Fatalf("args = %v", args)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
}

func TestAliasAndBotSuffix(t *testing.T) {
	m, _, _ := newTestManager(t, nil)

	done := make(chan string, 2)
	m.SetRegistry([]Command{{
		Name:    "download",
		Aliases: []string{"dl"},
		Handle: func(ctx context.Context, req *Request) error {
			done <- req.Command
			return nil
		},
	}})

	m.HandleMessage(context.Background(), msg("/dl https://x", 7))
	m.HandleMessage(context.Background(), msg("/download@testbot https://x", 7))
	for i := 0; i < 2; i++ {
		select {
		case got := <-done:
			if got != "download" {
				t.Fatalf("command = %q", got)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("handler never ran")
		}
	}
}

func TestOwnerOnlyRejected(t *testing.T) {
	m, ad, _ := newTestManager(t, []int64{42})

	ran := make(chan struct{}, 1)
	m.SetRegistry([]Command{{
		Name:   "admin",
		Access: AccessOwnerOnly,
		Handle: func(ctx context.Context, req *Request) error {
			ran <- struct{}{}
			return nil
		},
	}})

	m.HandleMessage(context.Background(), msg("/admin", 7))
	select {
	case <-ran:
		t.Fatal("non-owner should not reach handler")
	case <-time.After(100 * time.Millisecond):
	}
	if ad.lastSent() != "unauthorized" {
		t.Fatalf("lastSent = %q", ad.lastSent())
	}

	m.HandleMessage(context.Background(), msg("/admin", 42))
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("owner should reach handler")
	}
}

func TestUnknownCommandSilentInGroups(t *testing.T) {
	m, ad, _ := newTestManager(t, nil)
	m.SetRegistry(nil)

	group := msg("/nosuch", 7)
	group.IsGroup = true
	m.HandleMessage(context.Background(), group)
	if got := ad.lastSent(); got != "" {
		t.Fatalf("group chat should stay silent, got %q", got)
	}

	m.HandleMessage(context.Background(), msg("/nosuch", 7))
	if got := ad.lastSent(); !strings.Contains(got, "unknown command") {
		t.Fatalf("private chat reply = %q", got)
	}
}

func TestHelpIsAlwaysRegistered(t *testing.T) {
	m, ad, _ := newTestManager(t, nil)
	m.SetRegistry([]Command{{
		Name:        "status",
		Description: "show hub status",
		Handle:      func(ctx context.Context, req *Request) error { return nil },
	}})

	m.HandleMessage(context.Background(), msg("/help", 7))
	deadline := time.Now().Add(2 * time.Second)
	for {
		got := ad.lastSent()
		if strings.Contains(got, "/status") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("help output = %q", got)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandlerPanicDoesNotKillWorkers(t *testing.T) {
	m, _, _ := newTestManager(t, nil)

	done := make(chan struct{}, 1)
	m.SetRegistry([]Command{
		{Name: "boom", Handle: func(ctx context.Context, req *Request) error { panic("kapow") }},
		{Name: "ok", Handle: func(ctx context.Context, req *Request) error { done <- struct{}{}; return nil }},
	})

	m.HandleMessage(context.Background(), msg("/boom", 7))
	m.HandleMessage(context.Background(), msg("/ok", 7))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker pool died after panic")
	}
}
