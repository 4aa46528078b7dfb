// Package router dispatches inbound chat commands to registered
// handlers with access control, per-command timeouts, and a bounded
// worker pool.
package router

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"runtime"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"notifyhub/internal/config"
	"notifyhub/internal/runtime/supervisor"
	"notifyhub/internal/services/notify"
	"notifyhub/internal/services/scheduler"
	kit "notifyhub/internal/transport"
	"notifyhub/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	// Name is the command word without the leading slash, e.g. "dl".
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access

	PluginName string
	Timeout    time.Duration // optional per-command override
	Handle     HandlerFunc
}

type Request struct {
	Msg     kit.Message
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	ReqID   string

	Adapter  kit.Adapter
	Config   *config.Config
	Logger   logx.Logger
	Services *Services
	Owners   []int64
}

// Services bundles the runtime ports handed to command handlers.
type Services struct {
	Scheduler SchedulerPort
	Notifier  NotifierPort
	Plugins   PluginsPort

	// AppSupervisor is set by the app once started. May be nil in
	// minimal/test environments.
	AppSupervisor *supervisor.Supervisor
}

type SchedulerPort interface {
	Enabled() bool
	Snapshot() scheduler.Snapshot

	AddSchedule(name, schedule string, timeout time.Duration, job func(ctx context.Context) error) error
	AddCron(name, spec string, timeout time.Duration, job func(ctx context.Context) error) error
	AddInterval(name string, every time.Duration, timeout time.Duration, job func(ctx context.Context) error) error
	TriggerNow(name string) error
	Remove(name string) bool
}

type NotifierPort interface {
	Notify(ctx context.Context, n notify.Notification) error
}

// PluginsPort exposes read-only plugin runtime state for operational
// commands. Plugins are in-process; this is not a security boundary.
type PluginsPort interface {
	Snapshot() PluginsSnapshot
	CheckHealth(ctx context.Context, names []string) []PluginHealthResult
}

type CommandManager struct {
	mu     sync.RWMutex
	cmds   map[string]*Command // canonical name -> command
	alias  map[string]*Command
	owners []int64

	log     logx.Logger
	adapter kit.Adapter
	cfgm    *config.Manager
	serv    *Services

	runMu   sync.Mutex
	running bool
	sup     *supervisor.Supervisor

	jobs chan func()
}

func NewCommandManager(log logx.Logger, adapter kit.Adapter, cfgm *config.Manager, serv *Services, owners []int64) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &CommandManager{
		cmds:    map[string]*Command{},
		alias:   map[string]*Command{},
		owners:  append([]int64(nil), owners...),
		log:     log,
		adapter: adapter,
		cfgm:    cfgm,
		serv:    serv,
		jobs:    make(chan func(), 256),
	}
}

// SetOwners updates the owner list used for AccessOwnerOnly checks.
// Safe to call during hot-reload.
func (m *CommandManager) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

func (m *CommandManager) ownersSnapshot() []int64 {
	m.mu.RLock()
	cp := append([]int64(nil), m.owners...)
	m.mu.RUnlock()
	return cp
}

// SetRegistry replaces the command registry. A help command is always
// injected. The platform command menu is refreshed best-effort.
func (m *CommandManager) SetRegistry(cmds []Command) {
	helper := Command{
		Name:        "help",
		Aliases:     []string{"h"},
		Description: "show available commands",
		Usage:       "/help [cmd]",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			text := m.helpText(req.Args)
			_, _ = req.Adapter.SendText(ctx, req.Chat, text, &kit.SendOptions{DisablePreview: true, ParseMode: "HTML"})
			return nil
		},
	}
	cmds = append(cmds, helper)

	byName := map[string]*Command{}
	alias := map[string]*Command{}
	for i := range cmds {
		c := cmds[i]
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		cc := c
		cc.Name = name
		byName[name] = &cc
		for _, a := range c.Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if a == "" || strings.Contains(a, " ") {
				continue
			}
			if _, exists := alias[a]; !exists {
				alias[a] = &cc
			}
		}
	}

	m.mu.Lock()
	m.cmds = byName
	m.alias = alias
	m.mu.Unlock()

	m.updateMenu(byName)
}

func (m *CommandManager) updateMenu(byName map[string]*Command) {
	up, ok := m.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return
	}
	menu := buildMenuCommands(byName)
	run := func(parent context.Context) {
		ctx, cancel := context.WithTimeout(parent, 5*time.Second)
		defer cancel()
		_ = up.UpdateMenuCommands(ctx, menu)
	}
	if m.serv != nil && m.serv.AppSupervisor != nil {
		m.serv.AppSupervisor.Go("telegram.menu.update", func(ctx context.Context) error {
			run(ctx)
			return nil
		})
		return
	}
	go run(context.Background())
}

// Start spins up the worker pool that executes enqueued command jobs.
func (m *CommandManager) Start(ctx context.Context) {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	sup := supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(m.log.With(logx.String("comp", "router"))),
		supervisor.WithCancelOnError(false),
	)
	m.runMu.Lock()
	m.sup = sup
	m.running = true
	m.runMu.Unlock()

	m.log.Info("command dispatcher started",
		logx.Int("workers", workers), logx.Int("job_queue_cap", cap(m.jobs)))

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-m.jobs:
					if !ok {
						return nil
					}
					if job == nil {
						continue
					}
					// Middleware already recovers; keep the worker
					// alive anyway if a job slips through.
					func() {
						defer func() {
							if r := recover(); r != nil {
								m.log.Error("panic in command job",
									logx.Int("worker", idx),
									logx.Any("panic", r),
									logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			supervisor.WithStopOnCleanExit(true),
		)
	}
}

// Stop marks the manager not running, cancels workers, and waits
// bounded by ctx.
func (m *CommandManager) Stop(ctx context.Context) {
	m.runMu.Lock()
	sup := m.sup
	m.sup = nil
	m.running = false
	m.runMu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
	m.log.Info("command dispatcher stopped")
}

// Supervisor returns the internal supervisor (nil if not running).
func (m *CommandManager) Supervisor() *supervisor.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	return m.sup
}

func (m *CommandManager) tryEnqueue(fn func()) (ok bool) {
	if fn == nil {
		return false
	}
	m.runMu.Lock()
	running := m.running
	m.runMu.Unlock()
	if !running {
		return false
	}
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

// HandleMessage implements kit.Handler. It resolves the command,
// checks access, and hands the job to the worker pool.
func (m *CommandManager) HandleMessage(ctx context.Context, msg kit.Message) {
	name, args := msg.Command()
	if name == "" {
		return
	}

	m.mu.RLock()
	cmd := m.cmds[name]
	if cmd == nil {
		cmd = m.alias[name]
	}
	m.mu.RUnlock()

	if cmd == nil {
		// stay quiet in groups; unknown words are usually not for us
		if !msg.IsGroup {
			_, _ = m.adapter.SendText(ctx, msg.Target(), "unknown command, try /help", nil)
		}
		return
	}

	owners := m.ownersSnapshot()
	if cmd.Access == AccessOwnerOnly && !isOwner(msg.FromID, owners) {
		_, _ = m.adapter.SendText(ctx, msg.Target(), "unauthorized", nil)
		return
	}

	rid := newReqID()
	reqLog := m.log.With(
		logx.String("rid", rid),
		logx.Int64("chat_id", msg.ChatID),
		logx.Int64("from_id", msg.FromID),
		logx.String("cmd", cmd.Name),
	)

	var cfg *config.Config
	if m.cfgm != nil {
		cfg = m.cfgm.Get()
	}
	req := &Request{
		Msg:      msg,
		Chat:     msg.Target(),
		FromID:   msg.FromID,
		Command:  cmd.Name,
		Args:     args,
		ReqID:    rid,
		Adapter:  m.adapter,
		Config:   cfg,
		Logger:   reqLog,
		Services: m.serv,
		Owners:   owners,
	}

	final := Chain(
		cmd.Handle,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(cmd.Timeout),
	)

	root := m.rootCtx(ctx)
	if !m.tryEnqueue(func() { _ = final(root, req) }) {
		_, _ = m.adapter.SendText(ctx, req.Chat, "busy, try again", nil)
	}
}

// rootCtx prefers the long-lived supervisor context over the inbound
// dispatch ctx, which the adapter may cancel right after HandleMessage
// returns.
func (m *CommandManager) rootCtx(fallback context.Context) context.Context {
	m.runMu.Lock()
	sup := m.sup
	m.runMu.Unlock()
	if sup != nil {
		return sup.Context()
	}
	return fallback
}

func buildMenuCommands(byName map[string]*Command) []kit.BotCommand {
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]kit.BotCommand, 0, len(names))
	for _, name := range names {
		c := byName[name]
		desc := c.Description
		if desc == "" {
			desc = c.Name
		}
		out = append(out, kit.BotCommand{Command: sanitizeMenuName(name), Description: desc})
	}
	return out
}

// sanitizeMenuName maps a command word onto Telegram's [a-z0-9_]{1,32}
// menu restrictions.
func sanitizeMenuName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		case r == '-' || r == ' ':
			b.WriteByte('_')
		}
	}
	out := b.String()
	if len(out) > 32 {
		out = out[:32]
	}
	return out
}

func isOwner(id int64, owners []int64) bool {
	for _, o := range owners {
		if o == id {
			return true
		}
	}
	return false
}

func newReqID() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return hex.EncodeToString(b[:])
}
