// Package metube tracks downloads submitted to a MeTube backend and
// notifies the submitting chat exactly once when each finishes.
// MeTube has no push callback, so completion is detected by polling
// its history snapshot on an adaptive schedule.
package metube

import (
	"time"

	kit "notifyhub/internal/transport"
)

type TaskStatus string

const (
	StatusSubmitted  TaskStatus = "submitted"
	StatusMonitoring TaskStatus = "monitoring"
	StatusCompleted  TaskStatus = "completed"
	StatusExpired    TaskStatus = "expired"
)

// DownloadTask is one tracked job. The key is the submitted URL,
// unique and immutable; everything else is mutated only by the scan.
type DownloadTask struct {
	Key          string
	Title        string
	Owner        kit.ChatTarget
	SubmittedAt  time.Time
	LastChecked  time.Time // zero until the first check
	CheckCount   int
	NextInterval time.Duration
	Status       TaskStatus
}

// DedupRecord is the fact "a notification attempt happened for this
// key", kept for the ledger retention window.
type DedupRecord struct {
	ProcessedAt time.Time
	Title       string
	Filename    string
	ChatID      int64
}

// Config is the plugin's raw JSON config block.
type Config struct {
	BaseURL string `json:"base_url"`
	// Schedule is the scan cadence: cron spec or duration. Default
	// "*/5 * * * *".
	Schedule       string `json:"schedule,omitempty"`
	RequestTimeout string `json:"request_timeout,omitempty"` // default 15s
	ScanTimeout    string `json:"scan_timeout,omitempty"`    // default 2m

	Quality string `json:"quality,omitempty"` // e.g. "best"
	Format  string `json:"format,omitempty"`  // e.g. "mp4"

	// AllowedDomains restricts /dl submissions by host suffix. Empty
	// means any http(s) URL is accepted.
	AllowedDomains []string `json:"allowed_domains,omitempty"`

	// Orphan handling: finished jobs nobody tracked.
	NotifyOrphans bool  `json:"notify_orphans,omitempty"`
	OrphanChatID  int64 `json:"orphan_chat_id,omitempty"`

	// NotifyFailures sends an explicit error message when a tracked
	// job shows up failed in the backend history, instead of letting
	// the task age out silently.
	NotifyFailures bool `json:"notify_failures,omitempty"`
}

const (
	defaultSchedule       = "*/5 * * * *"
	defaultRequestTimeout = 15 * time.Second
	defaultScanTimeout    = 2 * time.Minute
)
