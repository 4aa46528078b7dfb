package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config selects and configures the backend. An empty or "none" driver
// disables persistence.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records one notification attempt or operator action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At       time.Time
	Kind     string // "task_done", "orphan", "command", ...
	TaskID   string
	Filename string
	ChatID   int64
	Actor    string
	OK       bool
	Error    string
	TookMS   int64
	MetaJSON string
}
