package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled      = errors.New("storage disabled")
	ErrUnknownDriver = errors.New("unknown storage driver")
	ErrContention    = errors.New("storage: too much contention")
)

// DefaultKeyPrefix namespaces redis keys: "mute:<user_id>".
const DefaultKeyPrefix = "mute:"

// sentinelAge is how far before now an absent record is considered to end.
// Any real candidate deadline beats it.
const sentinelAge = 365 * 24 * time.Hour

// DeadlineStore is the durable user id -> restricted-until mapping.
// Implementations are safe for concurrent use.
type DeadlineStore interface {
	// SetIfLater stores candidate only when it is strictly later than the
	// current deadline (absent counts as one year ago) and returns the
	// deadline in effect afterwards.
	SetIfLater(ctx context.Context, userID int64, candidate time.Time) (time.Time, error)
	// Get returns the stored deadline. ok is false when the record is absent,
	// malformed or could not be read.
	Get(ctx context.Context, userID int64) (until time.Time, ok bool)
	Delete(ctx context.Context, userID int64) error
	// DeleteIf removes the record only while it still holds until, so a
	// deadline extended after it was read survives. It reports whether a
	// record was removed.
	DeleteIf(ctx context.Context, userID int64, until time.Time) (bool, error)
	// ListKeys returns every tracked user id in no particular order.
	ListKeys(ctx context.Context) ([]int64, error)
	Close() error
}

// PoolStats is a backend-neutral view of connection pool counters.
type PoolStats struct {
	TotalConns uint32
	IdleConns  uint32
	Hits       uint32
	Misses     uint32
	Timeouts   uint32
}

// PoolReporter is implemented by backends that own a connection pool.
type PoolReporter interface {
	PoolStats() PoolStats
}

// Pinger is implemented by backends with a remote dependency worth probing
// from health checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config configures the store.
//
// Driver values:
//   - "redis": go-redis client from URL (default)
//   - "sqlite": SQLite database file
//   - "file": dependency-free JSON-lines journal plus snapshot
//   - "memory": process-local map, lost on restart
//
// Driver "none" disables storage.
type Config struct {
	Driver      string
	URL         string
	Path        string
	KeyPrefix   string
	PoolSize    int
	BusyTimeout time.Duration // sqlite only; 0 means default

	// Now overrides the clock used for the absent-record sentinel.
	Now func() time.Time
}

func (c Config) clock() func() time.Time {
	if c.Now != nil {
		return c.Now
	}
	return time.Now
}

// farPast is the deadline an absent record is compared against.
func farPast(now time.Time) time.Time {
	return now.Add(-sentinelAge)
}

// laterOf implements the extend-but-never-shorten rule on unix seconds.
// It reports the effective value and whether candidate must be written.
func laterOf(current, candidate int64) (int64, bool) {
	if candidate > current {
		return candidate, true
	}
	return current, false
}

// ceilUnix rounds up to whole seconds so a stored deadline is never
// earlier than the requested one.
func ceilUnix(t time.Time) int64 {
	sec := t.Unix()
	if t.Nanosecond() > 0 {
		sec++
	}
	return sec
}

func unixUTC(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}
