package mute

import (
	"context"
	"fmt"
	"time"

	"mutebot/internal/eventbus"
	"mutebot/internal/storage"
	logx "mutebot/pkg/logx"
)

// Registrar is the only writer that creates or extends deadlines.
type Registrar struct {
	store storage.DeadlineStore
	deps  Deps
}

func NewRegistrar(store storage.DeadlineStore, deps Deps) *Registrar {
	deps = deps.withDefaults()
	deps.Log = deps.Log.With(logx.String("comp", "mute.registrar"))
	return &Registrar{store: store, deps: deps}
}

// Register asks for a restriction lasting d from now and returns the
// deadline actually in effect, which is later than now+d when an earlier
// registration already reaches further.
func (r *Registrar) Register(ctx context.Context, userID int64, d time.Duration) (time.Time, error) {
	if d <= 0 {
		return time.Time{}, ErrInvalidDuration
	}
	if r.store == nil {
		return time.Time{}, storage.ErrDisabled
	}

	candidate := r.deps.Now().Add(d)
	until, err := r.store.SetIfLater(ctx, userID, candidate)
	if err != nil {
		if r.deps.Metrics != nil {
			r.deps.Metrics.RegisterErrors.Inc()
		}
		return time.Time{}, fmt.Errorf("register mute for %d: %w", userID, err)
	}

	if r.deps.Metrics != nil {
		r.deps.Metrics.MutesRegistered.Inc()
	}
	r.deps.publish(eventbus.MuteRegistered, eventbus.MuteData{UserID: userID, Until: until})
	r.deps.Log.Info("mute registered",
		logx.Int64("user_id", userID),
		logx.Duration("duration", d),
		logx.Time("until", until),
		logx.Bool("extended", until.Sub(candidate) >= time.Second),
	)
	return until, nil
}
