// Package system provides operational commands: liveness, uptime,
// runtime info, scheduler state, and plugin health.
package system

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"notifyhub/internal/plugin"
	kit "notifyhub/internal/transport"
	"notifyhub/internal/transport/telegram/router"
)

type Plugin struct {
	startedAt time.Time
}

func New() *Plugin             { return &Plugin{} }
func (p *Plugin) Name() string { return "system" }

func (p *Plugin) Init(ctx context.Context, deps plugin.Deps) error {
	if p.startedAt.IsZero() {
		p.startedAt = time.Now()
	}
	return nil
}

func (p *Plugin) Start(ctx context.Context) error { return nil }
func (p *Plugin) Stop(ctx context.Context) error  { return nil }

func (p *Plugin) Commands() []router.Command {
	return []router.Command{
		{
			Name:        "ping",
			Description: "liveness check",
			Usage:       "/ping",
			Access:      router.AccessEveryone,
			Timeout:     5 * time.Second,
			Handle: func(ctx context.Context, req *router.Request) error {
				_, err := req.Adapter.SendText(ctx, req.Chat, "pong", nil)
				return err
			},
		},
		{
			Name:        "uptime",
			Aliases:     []string{"up"},
			Description: "show process uptime",
			Usage:       "/uptime",
			Access:      router.AccessEveryone,
			Timeout:     5 * time.Second,
			Handle: func(ctx context.Context, req *router.Request) error {
				_, err := req.Adapter.SendText(ctx, req.Chat, "uptime: "+durRel(time.Since(p.startedAt)), nil)
				return err
			},
		},
		{
			Name:        "sysinfo",
			Description: "runtime info",
			Usage:       "/sysinfo",
			Access:      router.AccessOwnerOnly,
			Timeout:     10 * time.Second,
			Handle:      p.cmdSysinfo,
		},
		{
			Name:        "sched",
			Aliases:     []string{"tasks"},
			Description: "list scheduled jobs",
			Usage:       "/sched",
			Access:      router.AccessOwnerOnly,
			Timeout:     10 * time.Second,
			Handle:      p.cmdSched,
		},
		{
			Name:        "health",
			Description: "plugin and service health",
			Usage:       "/health [check]",
			Access:      router.AccessOwnerOnly,
			Timeout:     30 * time.Second,
			Handle:      p.cmdHealth,
		},
	}
}

func (p *Plugin) cmdSysinfo(ctx context.Context, req *router.Request) error {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	mod := ""
	if bi, ok := debug.ReadBuildInfo(); ok {
		mod = bi.Main.Path + " " + bi.Main.Version
	}

	msg := strings.Join([]string{
		"sysinfo",
		"- go: " + runtime.Version(),
		"- module: " + mod,
		fmt.Sprintf("- goroutines: %d", runtime.NumGoroutine()),
		"- mem_alloc: " + fmtBytes(m.Alloc),
		"- mem_sys: " + fmtBytes(m.Sys),
	}, "\n")

	_, err := req.Adapter.SendText(ctx, req.Chat, msg, nil)
	return err
}

func (p *Plugin) cmdSched(ctx context.Context, req *router.Request) error {
	s := req.Services.Scheduler
	if s == nil || !s.Enabled() {
		_, err := req.Adapter.SendText(ctx, req.Chat, "scheduler is disabled", nil)
		return err
	}

	snap := s.Snapshot()
	if len(snap.Schedules) == 0 {
		_, err := req.Adapter.SendText(ctx, req.Chat, "no scheduled jobs", nil)
		return err
	}
	sort.Slice(snap.Schedules, func(i, j int) bool { return snap.Schedules[i].Name < snap.Schedules[j].Name })

	now := time.Now()
	lines := make([]string, 0, len(snap.Schedules)+2)
	lines = append(lines, "scheduled jobs ("+snap.Timezone+"):")
	lines = append(lines, fmt.Sprintf("- workers: %d, queue: %d/%d", snap.Workers, snap.QueueLen, snap.QueueCap))
	for _, t := range snap.Schedules {
		next := "-"
		if !t.Next.IsZero() {
			next = t.Next.Local().Format("2006-01-02 15:04:05")
			if t.Next.After(now) {
				next += " (" + durRel(t.Next.Sub(now)) + ")"
			}
		}
		timeout := "-"
		if t.Timeout > 0 {
			timeout = t.Timeout.String()
		}
		lines = append(lines, fmt.Sprintf("- %s: spec=%s, next=%s, timeout=%s", t.Name, t.Spec, next, timeout))
	}

	_, err := req.Adapter.SendText(ctx, req.Chat, strings.Join(lines, "\n"), &kit.SendOptions{DisablePreview: true})
	return err
}

func (p *Plugin) cmdHealth(ctx context.Context, req *router.Request) error {
	ps := req.Services.Plugins
	if ps == nil {
		_, err := req.Adapter.SendText(ctx, req.Chat, "plugin host is unavailable", nil)
		return err
	}

	// "/health" shows the cached state; "/health check" runs bounded
	// on-demand probes first.
	refresh := len(req.Args) > 0 && strings.EqualFold(req.Args[0], "check")
	if refresh {
		cctx, cancel := context.WithTimeout(ctx, 12*time.Second)
		_ = ps.CheckHealth(cctx, nil)
		cancel()
	}

	snap := ps.Snapshot()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	enabledN, runningN, quarantinedN, unhealthyN := 0, 0, 0, 0
	for _, st := range snap.Plugins {
		if st.Enabled {
			enabledN++
		}
		if st.Running {
			runningN++
		}
		if st.Quarantined {
			quarantinedN++
		}
		if st.Enabled && st.Running && st.LastHealth.Err != "" {
			unhealthyN++
		}
	}
	status := "running"
	if quarantinedN > 0 || unhealthyN > 0 {
		status = "degraded"
	}

	// Plain text; operational output must never die on a parse error.
	var b strings.Builder
	b.WriteString("health: " + status + "\n")
	b.WriteString("uptime: " + durRel(time.Since(p.startedAt)) + "\n")
	b.WriteString(fmt.Sprintf("plugins: %d loaded (%d enabled, %d running", len(snap.Plugins), enabledN, runningN))
	if quarantinedN > 0 {
		b.WriteString(fmt.Sprintf(", %d quarantined", quarantinedN))
	}
	b.WriteString(")\n")
	b.WriteString(fmt.Sprintf("mem: alloc %s, sys %s, gc %d\n", fmtBytes(m.Alloc), fmtBytes(m.Sys), m.NumGC))
	b.WriteString(fmt.Sprintf("goroutines: %d\n", runtime.NumGoroutine()))

	if s := req.Services.Scheduler; s != nil && s.Enabled() {
		ss := s.Snapshot()
		b.WriteString(fmt.Sprintf("scheduler: %d jobs, queue %d/%d, dropped %d\n",
			len(ss.Schedules), ss.QueueLen, ss.QueueCap, ss.Dropped))
	} else {
		b.WriteString("scheduler: disabled\n")
	}

	b.WriteString("\n")
	for _, st := range snap.Plugins {
		mark := "+"
		switch {
		case st.Quarantined:
			mark = "!"
		case !st.Enabled:
			mark = "-"
		case !st.Running:
			mark = "~"
		}
		line := fmt.Sprintf("[%s] %s", mark, st.Name)
		if !st.LastHealth.At.IsZero() {
			if st.LastHealth.Err != "" {
				line += fmt.Sprintf(" fail (%s ago): %s", durRel(time.Since(st.LastHealth.At)), st.LastHealth.Err)
			} else {
				hs := st.LastHealth.Status
				if hs == "" {
					hs = "ok"
				}
				line += fmt.Sprintf(" %s (%s ago)", hs, durRel(time.Since(st.LastHealth.At)))
			}
		}
		if st.Quarantined && st.QuarantineErr != "" {
			line += " | quarantined: " + st.QuarantineErr
		}
		b.WriteString(line + "\n")
	}

	_, err := req.Adapter.SendText(ctx, req.Chat, strings.TrimRight(b.String(), "\n"), &kit.SendOptions{DisablePreview: true})
	return err
}

func fmtBytes(n uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case n >= gb:
		return fmt.Sprintf("%.1fGB", float64(n)/gb)
	case n >= mb:
		return fmt.Sprintf("%.1fMB", float64(n)/mb)
	case n >= kb:
		return fmt.Sprintf("%.1fKB", float64(n)/kb)
	default:
		return fmt.Sprintf("%dB", n)
	}
}

func durRel(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
