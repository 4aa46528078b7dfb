// Package notify is the async notification pipeline: queue, worker
// pool, rate limit, bounded retry, and a short-window duplicate guard.
package notify

import (
	"time"

	kit "notifyhub/internal/transport"
)

// Config controls the pipeline. All zero fields get defaults.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// Notification is one outbound message. Kind/TaskID/Filename feed the
// audit trail; they do not affect delivery.
type Notification struct {
	Target   kit.ChatTarget
	Text     string
	Options  *kit.SendOptions
	Priority int // 0 low .. 10 high

	Kind     string
	TaskID   string
	Filename string
}

// Event is published on the bus for pipeline lifecycle moments
// (queued, sent, failed, deduped, dropped).
type Event struct {
	Kind     string    `json:"kind,omitempty"`
	TaskID   string    `json:"task_id,omitempty"`
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Key      string    `json:"key,omitempty"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}

type HistoryItem struct {
	At   time.Time
	Text string
}
