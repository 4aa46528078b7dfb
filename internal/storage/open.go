package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"notifyhub/pkg/logx"
)

// Store is the persistence API used by the notifier and the download
// monitor's dedup ledger.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	// ListDedup returns all live entries whose key starts with prefix.
	// Used to restore the in-memory ledger after a restart.
	ListDedup(ctx context.Context, prefix string) (map[string]time.Time, error)

	Close() error
}

// Open initializes the configured store. Returns (nil, nil) when
// storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
