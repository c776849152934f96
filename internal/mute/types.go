package mute

import (
	"context"
	"errors"
	"time"

	"mutebot/internal/eventbus"
	"mutebot/internal/metrics"
	logx "mutebot/pkg/logx"
)

var (
	ErrInvalidDuration = errors.New("mute duration must be positive")

	// Applier errors. Lift treats ErrNotMember and ErrNotRestricted as done;
	// Resolve returns ErrNotMember for unknown, departed or banned users.
	ErrNotMember     = errors.New("user is not a chat member")
	ErrNotRestricted = errors.New("user is not restricted")
	ErrNoPermission  = errors.New("bot lacks permission to restrict members")
)

// Applier changes a member's restriction on the chat platform.
// Implementations may fail transiently.
type Applier interface {
	// Resolve checks that userID is a current chat member and returns its
	// display name, which may be empty.
	Resolve(ctx context.Context, userID int64) (string, error)
	Restrict(ctx context.Context, userID int64, until time.Time) error
	Lift(ctx context.Context, userID int64) error
}

// Deps are the optional collaborators shared by Registrar and Unmuter.
// Zero values are replaced with no-op defaults.
type Deps struct {
	Log     logx.Logger
	Metrics *metrics.Metrics
	Bus     eventbus.Bus
	Now     func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

func (d Deps) publish(typ string, data eventbus.MuteData) {
	if d.Bus == nil {
		return
	}
	d.Bus.Publish(eventbus.Event{Type: typ, Time: d.Now(), Data: data})
}

// Config tunes the Unmuter. Zero fields take the defaults below.
type Config struct {
	PollInterval    time.Duration
	QueueSize       int
	LiftConcurrency int
	LiftRatePerSec  float64
	LiftTimeout     time.Duration
}

const (
	DefaultDuration        = 15 * time.Minute
	DefaultPollInterval    = 10 * time.Second
	DefaultQueueSize       = 8
	DefaultLiftConcurrency = 1
	DefaultLiftRatePerSec  = 5
	DefaultLiftTimeout     = 10 * time.Second
)

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.LiftConcurrency <= 0 {
		c.LiftConcurrency = DefaultLiftConcurrency
	}
	if c.LiftRatePerSec <= 0 {
		c.LiftRatePerSec = DefaultLiftRatePerSec
	}
	if c.LiftTimeout <= 0 {
		c.LiftTimeout = DefaultLiftTimeout
	}
	return c
}
