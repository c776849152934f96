package mute

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"mutebot/internal/eventbus"
	"mutebot/internal/metrics"
	"mutebot/internal/runtime/supervisor"
	"mutebot/internal/storage"
	logx "mutebot/pkg/logx"
)

// Unmuter owns the poller and the reconciliation worker.
//
// The poller lists the store every PollInterval and pushes the batch onto a
// bounded queue without ever waiting for the worker; a full queue drops the
// batch because the next tick lists everything again. The worker drains the
// queue in order and lifts due restrictions.
type Unmuter struct {
	store   storage.DeadlineStore
	applier Applier
	cfg     Config
	deps    Deps

	queue   chan []int64
	limiter *rate.Limiter
}

// CycleResult counts what happened to one batch.
type CycleResult struct {
	Checked int
	Lifted  int
	Failed  int
	Pending int // tracked but not yet due
	Absent  int // listed but gone by the time it was read
}

func NewUnmuter(store storage.DeadlineStore, applier Applier, cfg Config, deps Deps) *Unmuter {
	cfg = cfg.withDefaults()
	deps = deps.withDefaults()
	deps.Log = deps.Log.With(logx.String("comp", "mute.unmuter"))
	return &Unmuter{
		store:   store,
		applier: applier,
		cfg:     cfg,
		deps:    deps,
		queue:   make(chan []int64, cfg.QueueSize),
		limiter: rate.NewLimiter(rate.Limit(cfg.LiftRatePerSec), cfg.LiftConcurrency),
	}
}

// Start runs the poller and the worker under sup; both restart on panic.
func (u *Unmuter) Start(sup *supervisor.Supervisor) {
	opts := []supervisor.RestartOption{
		supervisor.WithRestartBackoff(time.Second, 30*time.Second),
		supervisor.WithPublishFirstError(true),
	}
	sup.GoRestart("mute.poller", u.RunPoller, opts...)
	sup.GoRestart("mute.worker", u.RunWorker, opts...)
	u.deps.Log.Info("unmuter started",
		logx.Duration("poll_interval", u.cfg.PollInterval),
		logx.Int("queue_size", u.cfg.QueueSize),
		logx.Int("lift_concurrency", u.cfg.LiftConcurrency),
	)
}

// RunPoller polls immediately and then on every tick until ctx is done.
func (u *Unmuter) RunPoller(ctx context.Context) error {
	t := time.NewTicker(u.cfg.PollInterval)
	defer t.Stop()

	u.PollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			u.PollOnce(ctx)
		}
	}
}

// PollOnce lists the store and enqueues the batch. It reports whether a
// batch was enqueued.
func (u *Unmuter) PollOnce(ctx context.Context) bool {
	ids, err := u.store.ListKeys(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		if m := u.deps.Metrics; m != nil {
			m.PollErrors.Inc()
		}
		u.deps.Log.Warn("list deadlines failed; skipping tick", logx.Err(err))
		return false
	}

	if m := u.deps.Metrics; m != nil {
		m.PendingMutes.Set(float64(len(ids)))
		m.LastBatchSize.Set(float64(len(ids)))
	}
	if len(ids) == 0 {
		return false
	}

	select {
	case u.queue <- ids:
		u.deps.Log.Trace("batch queued", logx.Int("keys", len(ids)))
		return true
	default:
		if m := u.deps.Metrics; m != nil {
			m.BatchesDropped.Inc()
		}
		u.deps.publish(eventbus.BatchDropped, eventbus.MuteData{})
		u.deps.Log.Warn("worker queue full; batch dropped",
			logx.Int("keys", len(ids)),
			logx.Int("queue_size", cap(u.queue)),
		)
		return false
	}
}

// RunWorker processes queued batches in FIFO order until ctx is done.
func (u *Unmuter) RunWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ids := <-u.queue:
			res := u.ProcessBatch(ctx, ids)
			if res.Lifted > 0 || res.Failed > 0 {
				u.deps.Log.Debug("batch processed",
					logx.Int("checked", res.Checked),
					logx.Int("lifted", res.Lifted),
					logx.Int("failed", res.Failed),
					logx.Int("pending", res.Pending),
				)
			}
		}
	}
}

// RunCycle lists the store and processes the result synchronously,
// bypassing the queue. The CLI and tests use it.
func (u *Unmuter) RunCycle(ctx context.Context) (CycleResult, error) {
	ids, err := u.store.ListKeys(ctx)
	if err != nil {
		return CycleResult{}, err
	}
	return u.ProcessBatch(ctx, ids), nil
}

// ProcessBatch reconciles every id with at most LiftConcurrency lifts in
// flight. Each id re-reads its own record right before acting on it.
func (u *Unmuter) ProcessBatch(ctx context.Context, ids []int64) CycleResult {
	var lifted, failed, pending, absent atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.cfg.LiftConcurrency)
	for _, id := range ids {
		id := id
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			switch u.reconcile(gctx, id) {
			case outcomeLifted:
				lifted.Add(1)
			case outcomeFailed:
				failed.Add(1)
			case outcomePending:
				pending.Add(1)
			case outcomeAbsent:
				absent.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	return CycleResult{
		Checked: len(ids),
		Lifted:  int(lifted.Load()),
		Failed:  int(failed.Load()),
		Pending: int(pending.Load()),
		Absent:  int(absent.Load()),
	}
}

type outcome int

const (
	outcomeAbsent outcome = iota
	outcomePending
	outcomeLifted
	outcomeFailed
)

func (u *Unmuter) reconcile(ctx context.Context, userID int64) outcome {
	until, ok := u.store.Get(ctx, userID)
	if !ok {
		return outcomeAbsent
	}
	if until.After(u.deps.Now()) {
		return outcomePending
	}

	if err := u.limiter.Wait(ctx); err != nil {
		return outcomeFailed
	}

	err := u.lift(ctx, userID)
	result := metrics.LiftOK
	switch {
	case err == nil:
	case errors.Is(err, ErrNotMember), errors.Is(err, ErrNotRestricted):
		// Nothing left to undo on the platform.
		result = metrics.LiftGone
		u.deps.Log.Debug("lift not needed", logx.Int64("user_id", userID), logx.Err(err))
	default:
		if m := u.deps.Metrics; m != nil {
			m.Lifts.WithLabelValues(metrics.LiftFailed).Inc()
		}
		u.deps.publish(eventbus.MuteLiftFailed, eventbus.MuteData{UserID: userID, Until: until, Err: err})
		u.deps.Log.Warn("lift failed; will retry", logx.Int64("user_id", userID), logx.Time("until", until), logx.Err(err))
		return outcomeFailed
	}

	if m := u.deps.Metrics; m != nil {
		m.Lifts.WithLabelValues(result).Inc()
	}
	deleted, err := u.store.DeleteIf(ctx, userID, until)
	if err != nil {
		// The next cycle lifts again, which the platform treats as a no-op.
		u.deps.Log.Warn("delete after lift failed", logx.Int64("user_id", userID), logx.Err(err))
	} else if !deleted {
		return u.reapply(ctx, userID, until)
	}
	u.deps.publish(eventbus.MuteLifted, eventbus.MuteData{UserID: userID, Until: until})
	u.deps.Log.Info("mute lifted", logx.Int64("user_id", userID), logx.Time("until", until))
	return outcomeLifted
}

// reapply handles a record extended while its old deadline was being
// lifted: the newer deadline stays and the restriction is put back.
func (u *Unmuter) reapply(ctx context.Context, userID int64, lifted time.Time) outcome {
	until, ok := u.store.Get(ctx, userID)
	if !ok || !until.After(lifted) {
		return outcomeAbsent
	}
	u.deps.Log.Info("mute extended during lift; restoring",
		logx.Int64("user_id", userID), logx.Time("until", until))

	rctx, cancel := context.WithTimeout(ctx, u.cfg.LiftTimeout)
	defer cancel()
	if err := u.applier.Restrict(rctx, userID, until); err != nil {
		u.deps.Log.Warn("restore after extension failed", logx.Int64("user_id", userID), logx.Err(err))
	}
	return outcomePending
}

func (u *Unmuter) lift(ctx context.Context, userID int64) error {
	lctx, cancel := context.WithTimeout(ctx, u.cfg.LiftTimeout)
	defer cancel()

	start := time.Now()
	err := u.applier.Lift(lctx, userID)
	if m := u.deps.Metrics; m != nil {
		m.LiftLatency.Observe(time.Since(start).Seconds())
	}
	return err
}

// Release lifts a restriction right away and forgets its deadline,
// regardless of whether it was due.
func (u *Unmuter) Release(ctx context.Context, userID int64) error {
	err := u.lift(ctx, userID)
	if err != nil && !errors.Is(err, ErrNotMember) && !errors.Is(err, ErrNotRestricted) {
		return err
	}
	if err := u.store.Delete(ctx, userID); err != nil {
		return err
	}
	u.deps.publish(eventbus.MuteLifted, eventbus.MuteData{UserID: userID})
	u.deps.Log.Info("mute released early", logx.Int64("user_id", userID))
	return nil
}
