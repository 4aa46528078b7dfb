package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"notifyhub/internal/eventbus"
	rtsup "notifyhub/internal/runtime/supervisor"
	"notifyhub/pkg/logx"
)

// Config controls the job scheduler: cron triggering plus the worker
// pool that executes triggered jobs.
type Config struct {
	Enabled        bool
	Timezone       string // IANA TZ, e.g. "Asia/Shanghai"
	Workers        int
	QueueSize      int
	DefaultTimeout time.Duration
	HistorySize    int
}

type OverlapPolicy int

const (
	// OverlapAllow lets triggers stack up in the queue.
	OverlapAllow OverlapPolicy = iota
	// OverlapSkipIfRunning drops a trigger while the previous run is
	// still in-flight or queued. Default for scheduled jobs.
	OverlapSkipIfRunning
)

type JobOptions struct {
	Overlap       OverlapPolicy
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%
}

func (o JobOptions) withDefaults() JobOptions {
	if o.RetryMax < 0 {
		o.RetryMax = 0
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 15 * time.Second
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	return o
}

// RunState gates overlap. "Skip if running" means skip if running OR
// already queued, which prevents queue blow-ups when triggers fire
// faster than execution.
type RunState struct {
	mu       sync.Mutex
	inflight int
}

func (s *RunState) tryAcquire() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *RunState) release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

type HistoryItem struct {
	Name       string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Attempts   int
	Error      string
}

// JobEvent is published on the event bus for job lifecycle events.
type JobEvent struct {
	Name     string        `json:"name"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Attempts int           `json:"attempts"`
	Error    string        `json:"error,omitempty"`
}

type scheduleDef struct {
	name    string
	spec    string // cron spec or "@every ..."
	timeout time.Duration
	job     func(ctx context.Context) error
	opt     JobOptions
	entryID cron.EntryID
	state   *RunState
}

type queuedJob struct {
	name       string
	timeout    time.Duration
	run        func(ctx context.Context) error
	opt        JobOptions
	enqueuedAt time.Time
	state      *RunState
	tracked    bool
}

type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	q   chan queuedJob
	sup *rtsup.Supervisor

	hmu     sync.Mutex
	history []HistoryItem

	dropped uint64
	skipped uint64

	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

type ScheduleInfo struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Next    time.Time
	Prev    time.Time
}

type Snapshot struct {
	Enabled   bool
	Timezone  string
	Workers   int
	QueueLen  int
	QueueCap  int
	Dropped   uint64
	Skipped   uint64
	Schedules []ScheduleInfo
	History   []HistoryItem
}
