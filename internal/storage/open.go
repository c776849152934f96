package storage

import (
	"fmt"
	"strings"

	logx "mutebot/pkg/logx"
)

// Open initializes the configured store.
// It returns ErrDisabled for driver "none".
func Open(cfg Config, log logx.Logger) (DeadlineStore, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = "redis"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "none":
		return nil, ErrDisabled
	case "redis":
		return openRedis(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "file":
		return openFile(cfg, log)
	case "memory", "mem":
		return NewMemory(cfg.clock()), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
	}
}
