// Package echo is the smallest useful plugin, kept around as a liveness
// probe for the command pipeline and as a template for new plugins.
package echo

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"notifyhub/internal/plugin"
	"notifyhub/internal/transport/telegram/router"
)

type Config struct {
	Prefix string `json:"prefix"`
}

type Plugin struct {
	mu  sync.Mutex
	cfg Config
}

func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string { return "echo" }

func (p *Plugin) Init(ctx context.Context, deps plugin.Deps) error { return nil }

func (p *Plugin) OnConfigChange(ctx context.Context, raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var c Config
	if err := json.Unmarshal(raw, &c); err != nil {
		return err
	}
	p.mu.Lock()
	p.cfg = c
	p.mu.Unlock()
	return nil
}

func (p *Plugin) Start(ctx context.Context) error { return nil }
func (p *Plugin) Stop(ctx context.Context) error  { return nil }

func (p *Plugin) prefix() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.Prefix
}

func (p *Plugin) Commands() []router.Command {
	return []router.Command{
		{
			Name:        "echo",
			Description: "echo back text",
			Usage:       "/echo <text>",
			Access:      router.AccessEveryone,
			Timeout:     10 * time.Second,
			Handle: func(ctx context.Context, req *router.Request) error {
				txt := strings.Join(req.Args, " ")
				if txt == "" {
					txt = "(empty)"
				}
				_, err := req.Adapter.SendText(ctx, req.Chat, p.prefix()+txt, nil)
				return err
			},
		},
	}
}
