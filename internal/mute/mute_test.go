package mute

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mutebot/internal/eventbus"
	"mutebot/internal/metrics"
	"mutebot/internal/runtime/supervisor"
	"mutebot/internal/storage"
	logx "mutebot/pkg/logx"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock { return &fakeClock{t: t0} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// fakeApplier records calls. liftErrs holds per-user errors consumed one
// per Lift call; an exhausted queue means success.
type fakeApplier struct {
	mu          sync.Mutex
	lifted      []int64
	restricted  map[int64]time.Time
	liftErrs    map[int64][]error
	restrictErr error
	missing     map[int64]bool
	names       map[int64]string
	resolved    []int64
	onLift      func(userID int64)
}

func newApplier() *fakeApplier {
	return &fakeApplier{
		restricted: map[int64]time.Time{},
		liftErrs:   map[int64][]error{},
		missing:    map[int64]bool{},
		names:      map[int64]string{},
	}
}

func (a *fakeApplier) Resolve(_ context.Context, userID int64) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resolved = append(a.resolved, userID)
	if a.missing[userID] {
		return "", ErrNotMember
	}
	return a.names[userID], nil
}

func (a *fakeApplier) Restrict(_ context.Context, userID int64, until time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.restrictErr != nil {
		return a.restrictErr
	}
	a.restricted[userID] = until
	return nil
}

func (a *fakeApplier) Lift(_ context.Context, userID int64) error {
	if a.onLift != nil {
		a.onLift(userID)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if q := a.liftErrs[userID]; len(q) > 0 {
		a.liftErrs[userID] = q[1:]
		if q[0] != nil {
			return q[0]
		}
	}
	a.lifted = append(a.lifted, userID)
	delete(a.restricted, userID)
	return nil
}

func (a *fakeApplier) restrictedUntil(userID int64) (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	until, ok := a.restricted[userID]
	return until, ok
}

func (a *fakeApplier) resolvedIDs() []int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int64(nil), a.resolved...)
}

func (a *fakeApplier) Lifted() []int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int64(nil), a.lifted...)
}

// failingList wraps a store whose ListKeys always fails.
type failingList struct {
	storage.DeadlineStore
}

func (failingList) ListKeys(context.Context) ([]int64, error) {
	return nil, errors.New("connection refused")
}

type fixture struct {
	clock   *fakeClock
	store   *storage.Memory
	applier *fakeApplier
	metrics *metrics.Metrics
	bus     *eventbus.MemBus
	reg     *Registrar
	unmuter *Unmuter
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		clock:   newClock(),
		applier: newApplier(),
		metrics: metrics.New(prometheus.NewRegistry()),
		bus:     eventbus.New(),
	}
	f.store = storage.NewMemory(f.clock.Now)
	deps := Deps{Metrics: f.metrics, Bus: f.bus, Now: f.clock.Now}
	if cfg.LiftRatePerSec == 0 {
		cfg.LiftRatePerSec = 1000
	}
	f.reg = NewRegistrar(f.store, deps)
	f.unmuter = NewUnmuter(f.store, f.applier, cfg, deps)
	return f
}

func (f *fixture) keys(t *testing.T) []int64 {
	t.Helper()
	ids, err := f.store.ListKeys(context.Background())
	require.NoError(t, err)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func TestRegisterTwiceKeepsLaterDeadline(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	got, err := f.reg.Register(ctx, 1, 15*time.Minute)
	require.NoError(t, err)
	assert.True(t, t0.Add(15*time.Minute).Equal(got))

	got, err = f.reg.Register(ctx, 1, 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, t0.Add(15*time.Minute).Equal(got))

	f.clock.Set(t0.Add(10 * time.Minute))
	got, err = f.reg.Register(ctx, 1, 15*time.Minute)
	require.NoError(t, err)
	assert.True(t, t0.Add(25*time.Minute).Equal(got))
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.MutesRegistered))
}

func TestRegisterRejectsNonPositiveDuration(t *testing.T) {
	f := newFixture(t, Config{})
	for _, d := range []time.Duration{0, -time.Minute} {
		_, err := f.reg.Register(context.Background(), 1, d)
		assert.ErrorIs(t, err, ErrInvalidDuration)
	}
	assert.Empty(t, f.keys(t))
}

func TestConcurrentRegistersKeepMaximum(t *testing.T) {
	f := newFixture(t, Config{})
	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.reg.Register(context.Background(), 9, time.Duration(i)*time.Minute)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	until, ok := f.store.Get(context.Background(), 9)
	require.True(t, ok)
	assert.True(t, t0.Add(20*time.Minute).Equal(until))
}

func TestWorkerNeverLiftsFutureDeadlines(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	_, err := f.reg.Register(ctx, 1, time.Minute)
	require.NoError(t, err)
	_, err = f.reg.Register(ctx, 2, time.Hour)
	require.NoError(t, err)

	res, err := f.unmuter.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Pending)
	assert.Empty(t, f.applier.Lifted())
	assert.Equal(t, []int64{1, 2}, f.keys(t))

	f.clock.Set(t0.Add(2 * time.Minute))
	res, err = f.unmuter.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Lifted)
	assert.Equal(t, 1, res.Pending)
	assert.Equal(t, []int64{1}, f.applier.Lifted())
	assert.Equal(t, []int64{2}, f.keys(t))
}

func TestDeadlineEqualToNowIsDue(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	_, err := f.reg.Register(ctx, 5, time.Minute)
	require.NoError(t, err)

	f.clock.Set(t0.Add(time.Minute))
	res, err := f.unmuter.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Lifted)
}

func TestFailingLiftIsRetriedNextCycle(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	_, err := f.reg.Register(ctx, 3, time.Minute)
	require.NoError(t, err)
	f.applier.liftErrs[3] = []error{errors.New("telegram: 502 bad gateway")}
	events, unsub := f.bus.Subscribe(8)
	defer unsub()

	f.clock.Set(t0.Add(2 * time.Minute))
	res, err := f.unmuter.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, []int64{3}, f.keys(t), "record kept after failed lift")
	assert.Equal(t, eventbus.MuteLiftFailed, (<-events).Type)

	res, err = f.unmuter.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Lifted)
	assert.Empty(t, f.keys(t))
	assert.Equal(t, eventbus.MuteLifted, (<-events).Type)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Lifts.WithLabelValues(metrics.LiftFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Lifts.WithLabelValues(metrics.LiftOK)))
}

func TestGoneMemberCountsAsLifted(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	_, err := f.reg.Register(ctx, 4, time.Minute)
	require.NoError(t, err)
	_, err = f.reg.Register(ctx, 6, time.Minute)
	require.NoError(t, err)
	f.applier.liftErrs[4] = []error{ErrNotMember}
	f.applier.liftErrs[6] = []error{ErrNotRestricted}

	f.clock.Set(t0.Add(time.Hour))
	res, err := f.unmuter.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Lifted)
	assert.Empty(t, f.keys(t))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.Lifts.WithLabelValues(metrics.LiftGone)))
}

func TestPermissionErrorKeepsRecord(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	_, err := f.reg.Register(ctx, 8, time.Minute)
	require.NoError(t, err)
	f.applier.liftErrs[8] = []error{ErrNoPermission}

	f.clock.Set(t0.Add(time.Hour))
	res, err := f.unmuter.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, []int64{8}, f.keys(t))
}

func TestEndToEndSingleMute(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	until, err := f.reg.Register(ctx, 42, 15*time.Minute)
	require.NoError(t, err)
	assert.True(t, t0.Add(15*time.Minute).Equal(until))

	f.clock.Set(t0.Add(14 * time.Minute))
	_, err = f.unmuter.RunCycle(ctx)
	require.NoError(t, err)
	assert.Empty(t, f.applier.Lifted())
	assert.Equal(t, []int64{42}, f.keys(t))

	f.clock.Set(t0.Add(16 * time.Minute))
	_, err = f.unmuter.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{42}, f.applier.Lifted())
	assert.Empty(t, f.keys(t))
}

func TestEndToEndShorterMuteDoesNotShorten(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.reg.Register(ctx, 7, 15*time.Minute)
	require.NoError(t, err)
	until, err := f.reg.Register(ctx, 7, 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, t0.Add(15*time.Minute).Equal(until))

	f.clock.Set(t0.Add(6 * time.Minute))
	_, err = f.unmuter.RunCycle(ctx)
	require.NoError(t, err)
	assert.Empty(t, f.applier.Lifted())

	f.clock.Set(t0.Add(15*time.Minute + time.Second))
	_, err = f.unmuter.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, f.applier.Lifted())
}

func TestExtensionDuringLiftSurvives(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	_, err := f.reg.Register(ctx, 42, 15*time.Minute)
	require.NoError(t, err)
	f.clock.Set(t0.Add(16 * time.Minute))

	var (
		once     sync.Once
		extended time.Time
		regErr   error
	)
	f.applier.onLift = func(id int64) {
		once.Do(func() { extended, regErr = f.reg.Register(ctx, id, time.Minute) })
	}

	res, err := f.unmuter.RunCycle(ctx)
	require.NoError(t, err)
	require.NoError(t, regErr)
	require.True(t, t0.Add(17*time.Minute).Equal(extended))
	assert.Equal(t, 0, res.Lifted)
	assert.Equal(t, 1, res.Pending)

	got, ok := f.store.Get(ctx, 42)
	require.True(t, ok, "extended record must survive the lift")
	assert.True(t, extended.Equal(got))
	until, ok := f.applier.restrictedUntil(42)
	require.True(t, ok, "restriction restored")
	assert.True(t, extended.Equal(until))
}

func TestRegisterRoundsSubSecondDeadlineUp(t *testing.T) {
	f := newFixture(t, Config{})
	f.clock.Set(t0.Add(900 * time.Millisecond))

	got, err := f.reg.Register(context.Background(), 42, 15*time.Minute)
	require.NoError(t, err)
	assert.False(t, got.Before(t0.Add(15*time.Minute+900*time.Millisecond)))
	assert.True(t, t0.Add(15*time.Minute+time.Second).Equal(got))
}

func TestEmptyStoreLiftsNothing(t *testing.T) {
	f := newFixture(t, Config{})
	res, err := f.unmuter.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CycleResult{}, res)
	assert.Empty(t, f.applier.Lifted())
	assert.False(t, f.unmuter.PollOnce(context.Background()), "empty batches are not queued")
}

func TestParallelLiftsWithinBatch(t *testing.T) {
	f := newFixture(t, Config{LiftConcurrency: 4})
	ctx := context.Background()
	for id := int64(1); id <= 10; id++ {
		_, err := f.reg.Register(ctx, id, time.Minute)
		require.NoError(t, err)
	}

	f.clock.Set(t0.Add(time.Hour))
	res, err := f.unmuter.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, res.Lifted)
	assert.Len(t, f.applier.Lifted(), 10)
	assert.Empty(t, f.keys(t))
}

func TestPollOnceDropsBatchWhenQueueFull(t *testing.T) {
	f := newFixture(t, Config{QueueSize: 1})
	ctx := context.Background()
	_, err := f.reg.Register(ctx, 1, time.Minute)
	require.NoError(t, err)

	assert.True(t, f.unmuter.PollOnce(ctx))
	assert.False(t, f.unmuter.PollOnce(ctx))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.BatchesDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PendingMutes))
}

func TestPollOnceSkipsTickOnListFailure(t *testing.T) {
	f := newFixture(t, Config{})
	u := NewUnmuter(failingList{f.store}, f.applier, Config{}, Deps{Metrics: f.metrics, Now: f.clock.Now})

	assert.False(t, u.PollOnce(context.Background()))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PollErrors))

	_, err := u.RunCycle(context.Background())
	assert.Error(t, err)
}

func TestPollerAndWorkerUnderSupervisor(t *testing.T) {
	f := newFixture(t, Config{PollInterval: 10 * time.Millisecond})
	ctx := context.Background()
	_, err := f.reg.Register(ctx, 42, 15*time.Minute)
	require.NoError(t, err)
	_, err = f.reg.Register(ctx, 43, time.Hour)
	require.NoError(t, err)
	f.clock.Set(t0.Add(16 * time.Minute))

	sup := supervisor.New(ctx)
	f.unmuter.Start(sup)

	require.Eventually(t, func() bool {
		return len(f.keys(t)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int64{43}, f.keys(t))
	assert.Equal(t, []int64{42}, f.applier.Lifted())

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	assert.NoError(t, sup.Stop(stopCtx))
}

func TestServiceMuteRestrictsAndQuotes(t *testing.T) {
	f := newFixture(t, Config{})
	svc := NewService(f.store, f.reg, f.unmuter, f.applier, 15*time.Minute, logx.Nop())
	svc.rng = rand.New(rand.NewSource(1))

	reply, err := svc.Mute(context.Background(), Target{UserID: 42, Name: "Bob <3"})
	require.NoError(t, err)
	assert.Contains(t, reply, `<a href="tg://user?id=42">Bob &lt;3</a>`)
	assert.True(t, t0.Add(15*time.Minute).Equal(f.applier.restricted[42]))
	assert.Equal(t, []int64{42}, f.keys(t))
}

func TestServiceMuteDodgedKeepsDeadline(t *testing.T) {
	f := newFixture(t, Config{})
	f.applier.restrictErr = ErrNoPermission
	svc := NewService(f.store, f.reg, f.unmuter, f.applier, 15*time.Minute, logx.Nop())

	reply, err := svc.Mute(context.Background(), Target{UserID: 42})
	require.NoError(t, err)
	assert.Contains(t, reply, "dodged the bullet")
	assert.Equal(t, []int64{42}, f.keys(t))
}

func TestServiceMuteUnknownUserRecordsNothing(t *testing.T) {
	f := newFixture(t, Config{})
	f.applier.missing[123456789] = true
	svc := NewService(f.store, f.reg, f.unmuter, f.applier, 15*time.Minute, logx.Nop())

	reply, err := svc.Mute(context.Background(), Target{UserID: 123456789})
	require.ErrorIs(t, err, ErrNotMember)
	assert.Empty(t, reply)
	assert.Empty(t, f.keys(t))
	assert.Empty(t, f.applier.restricted)
}

func TestServiceMuteResolvesNameForBareID(t *testing.T) {
	f := newFixture(t, Config{})
	f.applier.names[42] = "Mallory"
	svc := NewService(f.store, f.reg, f.unmuter, f.applier, 15*time.Minute, logx.Nop())

	reply, err := svc.Mute(context.Background(), Target{UserID: 42})
	require.NoError(t, err)
	assert.Contains(t, reply, ">Mallory</a>")
	assert.Equal(t, []int64{42}, f.applier.resolvedIDs())
}

func TestServiceMuteVerifiedTargetSkipsLookup(t *testing.T) {
	f := newFixture(t, Config{})
	f.applier.missing[42] = true
	svc := NewService(f.store, f.reg, f.unmuter, f.applier, 15*time.Minute, logx.Nop())

	_, err := svc.Mute(context.Background(), Target{UserID: 42, Name: "Eve", Verified: true})
	require.NoError(t, err)
	assert.Empty(t, f.applier.resolvedIDs())
	assert.Equal(t, []int64{42}, f.keys(t))
}

func TestServiceMuteMemberLeftDropsDeadline(t *testing.T) {
	f := newFixture(t, Config{})
	f.applier.restrictErr = ErrNotMember
	svc := NewService(f.store, f.reg, f.unmuter, f.applier, 15*time.Minute, logx.Nop())

	_, err := svc.Mute(context.Background(), Target{UserID: 42})
	require.ErrorIs(t, err, ErrNotMember)
	assert.Empty(t, f.keys(t))
}

func TestServiceMuteStoreFailureSkipsRestrict(t *testing.T) {
	f := newFixture(t, Config{})
	broken := brokenWrites{f.store}
	reg := NewRegistrar(broken, Deps{Now: f.clock.Now, Metrics: f.metrics})
	svc := NewService(broken, reg, f.unmuter, f.applier, 15*time.Minute, logx.Nop())

	_, err := svc.Mute(context.Background(), Target{UserID: 42})
	require.Error(t, err)
	assert.Empty(t, f.applier.restricted)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RegisterErrors))
}

func TestServiceUnmuteReleasesEarly(t *testing.T) {
	f := newFixture(t, Config{})
	svc := NewService(f.store, f.reg, f.unmuter, f.applier, 15*time.Minute, logx.Nop())
	ctx := context.Background()

	_, err := svc.Mute(ctx, Target{UserID: 42})
	require.NoError(t, err)
	require.NoError(t, svc.Unmute(ctx, 42))
	assert.Equal(t, []int64{42}, f.applier.Lifted())
	assert.Empty(t, f.keys(t))

	f.applier.liftErrs[5] = []error{errors.New("timeout")}
	_, err = f.reg.Register(ctx, 5, time.Minute)
	require.NoError(t, err)
	assert.Error(t, svc.Unmute(ctx, 5))
	assert.Equal(t, []int64{5}, f.keys(t))
}

func TestServiceListIsSortedByDeadline(t *testing.T) {
	f := newFixture(t, Config{})
	svc := NewService(f.store, f.reg, f.unmuter, f.applier, 15*time.Minute, logx.Nop())
	ctx := context.Background()
	_, _ = f.reg.Register(ctx, 1, time.Hour)
	_, _ = f.reg.Register(ctx, 2, time.Minute)

	entries, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(2), entries[0].UserID)
	assert.Equal(t, int64(1), entries[1].UserID)
}

func TestQuoteAndHumanDuration(t *testing.T) {
	assert.Equal(t, "15 minutes", humanDuration(15*time.Minute))
	assert.Equal(t, "1 hour", humanDuration(time.Hour))
	assert.Equal(t, "1m30s", humanDuration(90*time.Second))

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		q := Quote(rng, "@x", 15*time.Minute, t0.Add(15*time.Minute))
		assert.Contains(t, q, "@x")
	}
	assert.Equal(t, "@x dodged the bullet this time...", Dodged("@x"))
}

type brokenWrites struct {
	storage.DeadlineStore
}

func (brokenWrites) SetIfLater(context.Context, int64, time.Time) (time.Time, error) {
	return time.Time{}, errors.New("READONLY replica")
}
