package storage

import (
	"context"
	"errors"
	"strings"

	logx "gardenbot/pkg/logx"
)

// Store is the persistence API used by the registry and the command layer.
type Store interface {
	// Get decodes the record stored under key into v. ok is false when no
	// record exists.
	Get(ctx context.Context, key string, v any) (ok bool, err error)
	Put(ctx context.Context, key string, v any) error
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "memory", "mem":
		log.Warn("storage is in memory only; bot state is lost on restart (set storage.driver to file or sqlite)")
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
