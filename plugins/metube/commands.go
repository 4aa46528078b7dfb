package metube

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	mtb "notifyhub/internal/metube"
	kit "notifyhub/internal/transport"
	"notifyhub/internal/transport/telegram/router"
	"notifyhub/pkg/logx"
)

func (p *Plugin) Commands() []router.Command {
	return []router.Command{
		{
			Name:        "dl",
			Aliases:     []string{"download"},
			Description: "submit a download and get notified when it finishes",
			Usage:       "/dl <url...> | /dl status | /dl check",
			Access:      router.AccessEveryone,
			Timeout:     30 * time.Second,
			Handle:      p.handleDL,
		},
	}
}

func (p *Plugin) handleDL(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		_, err := req.Adapter.SendText(ctx, req.Chat,
			"usage: /dl &lt;url&gt; | /dl status | /dl check",
			&kit.SendOptions{ParseMode: "HTML"})
		return err
	}

	switch strings.ToLower(req.Args[0]) {
	case "status":
		return p.cmdStatus(ctx, req)
	case "check":
		return p.cmdCheck(ctx, req)
	default:
		return p.cmdSubmit(ctx, req)
	}
}

func (p *Plugin) cmdSubmit(ctx context.Context, req *router.Request) error {
	urls := ExtractURLs(strings.Join(req.Args, " "))
	if len(urls) == 0 {
		_, err := req.Adapter.SendText(ctx, req.Chat, "no URLs found in message", nil)
		return err
	}

	p.mu.Lock()
	client := p.client
	cfg := p.cfg
	p.mu.Unlock()
	if client == nil {
		_, err := req.Adapter.SendText(ctx, req.Chat, "metube backend is not configured", nil)
		return err
	}

	var b strings.Builder
	accepted := 0
	for _, u := range urls {
		if !DomainAllowed(u, cfg.AllowedDomains) {
			b.WriteString("🚫 " + html.EscapeString(shorten(u)) + " (domain not allowed)\n")
			continue
		}
		err := client.Add(ctx, mtb.AddRequest{
			URL:       u,
			Quality:   cfg.Quality,
			Format:    cfg.Format,
			AutoStart: true,
		})
		if err != nil {
			p.Log.Warn("submission failed", logx.String("url", u), logx.Err(err))
			b.WriteString("⚠️ " + html.EscapeString(shorten(u)) + " (" + html.EscapeString(err.Error()) + ")\n")
			continue
		}
		p.monitor.Track(u, req.Chat, "pending")
		accepted++
		b.WriteString("✅ " + html.EscapeString(shorten(u)) + "\n")
	}
	if accepted > 0 {
		b.WriteString(fmt.Sprintf("\ntracking %d download(s), you will be notified here", accepted))
	}

	_, err := req.Adapter.SendText(ctx, req.Chat, strings.TrimRight(b.String(), "\n"),
		&kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}

func (p *Plugin) cmdStatus(ctx context.Context, req *router.Request) error {
	text := p.statusText(ctx)
	_, err := req.Adapter.SendText(ctx, req.Chat, text,
		&kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}

func (p *Plugin) cmdCheck(ctx context.Context, req *router.Request) error {
	if !ownerIn(req.FromID, req.Owners) {
		_, err := req.Adapter.SendText(ctx, req.Chat, "manual checks are owner only", nil)
		return err
	}
	if err := p.TriggerScan(ctx); err != nil {
		_, serr := req.Adapter.SendText(ctx, req.Chat, "scan trigger failed: "+err.Error(), nil)
		if serr != nil {
			return serr
		}
		return err
	}
	_, err := req.Adapter.SendText(ctx, req.Chat, "scan triggered", nil)
	return err
}

func (p *Plugin) statusText(ctx context.Context) string {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()

	var b strings.Builder
	b.WriteString("<b>MeTube monitor</b>\n")

	if client == nil {
		b.WriteString("backend: not configured\n")
		return strings.TrimRight(b.String(), "\n")
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	reachable := client.Ping(pctx) == nil
	cancel()
	if reachable {
		b.WriteString("backend: ✅ " + html.EscapeString(client.BaseURL()) + "\n")
		hctx, hcancel := context.WithTimeout(ctx, 10*time.Second)
		if hist, err := client.History(hctx); err == nil {
			b.WriteString(fmt.Sprintf("queue: %d, done: %d\n", len(hist.Queue), len(hist.Done)))
		}
		hcancel()
	} else {
		b.WriteString("backend: ❌ unreachable\n")
	}

	done, orphan := p.monitor.ledger.Counts()
	b.WriteString(fmt.Sprintf("dedup: %d done, %d orphan\n", done, orphan))

	last := p.monitor.LastScan()
	if !last.At.IsZero() {
		line := fmt.Sprintf("last scan: %s ago (%d finished, %d notified)",
			time.Since(last.At).Round(time.Second), last.Finished, last.Notified)
		if last.Err != "" {
			line += " err: " + html.EscapeString(last.Err)
		}
		b.WriteString(line + "\n")
	}

	tasks := p.monitor.reg.Snapshot()
	b.WriteString(fmt.Sprintf("\n<b>tracked: %d</b>\n", len(tasks)))
	now := time.Now()
	for i, t := range tasks {
		if i == 10 {
			b.WriteString(fmt.Sprintf("… and %d more\n", len(tasks)-i))
			break
		}
		b.WriteString(fmt.Sprintf("• %s - age %s, checks %d, next %s\n",
			html.EscapeString(shorten(t.Key)),
			now.Sub(t.SubmittedAt).Round(time.Second),
			t.CheckCount,
			t.NextInterval))
	}
	return strings.TrimRight(b.String(), "\n")
}

// StatusReport is the machine readable variant of /dl status, served by the
// operational HTTP endpoint.
type StatusReport struct {
	Backend     string        `json:"backend"`
	Reachable   bool          `json:"reachable"`
	Queue       int           `json:"queue"`
	Done        int           `json:"done"`
	Tracked     []TaskReport  `json:"tracked"`
	DedupDone   int           `json:"dedup_done"`
	DedupOrphan int           `json:"dedup_orphan"`
	LastScanAt  time.Time     `json:"last_scan_at,omitempty"`
	LastScanErr string        `json:"last_scan_err,omitempty"`
	ScanTook    time.Duration `json:"scan_took,omitempty"`
}

type TaskReport struct {
	Key         string        `json:"key"`
	SubmittedAt time.Time     `json:"submitted_at"`
	LastChecked time.Time     `json:"last_checked,omitempty"`
	CheckCount  int           `json:"check_count"`
	NextIn      time.Duration `json:"next_interval"`
	Status      TaskStatus    `json:"status"`
}

func (p *Plugin) StatusReport(ctx context.Context) StatusReport {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()

	var rep StatusReport
	if client != nil {
		rep.Backend = client.BaseURL()
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		rep.Reachable = client.Ping(pctx) == nil
		cancel()
		if rep.Reachable {
			hctx, hcancel := context.WithTimeout(ctx, 10*time.Second)
			if hist, err := client.History(hctx); err == nil {
				rep.Queue = len(hist.Queue)
				rep.Done = len(hist.Done)
			}
			hcancel()
		}
	}

	rep.DedupDone, rep.DedupOrphan = p.monitor.ledger.Counts()
	last := p.monitor.LastScan()
	rep.LastScanAt = last.At
	rep.LastScanErr = last.Err
	rep.ScanTook = last.Took

	for _, t := range p.monitor.reg.Snapshot() {
		rep.Tracked = append(rep.Tracked, TaskReport{
			Key:         t.Key,
			SubmittedAt: t.SubmittedAt,
			LastChecked: t.LastChecked,
			CheckCount:  t.CheckCount,
			NextIn:      t.NextInterval,
			Status:      t.Status,
		})
	}
	return rep
}

func shorten(u string) string {
	if len(u) <= 60 {
		return u
	}
	return u[:57] + "..."
}

func ownerIn(id int64, owners []int64) bool {
	for _, o := range owners {
		if o == id {
			return true
		}
	}
	return false
}
