package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGoRecordsFirstError(t *testing.T) {
	s := New(context.Background())
	boom := errors.New("boom")
	s.Go("failing", func(context.Context) error { return boom })

	err := s.Wait(waitCtx(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "failing")
}

func TestGoRecoversPanic(t *testing.T) {
	s := New(context.Background())
	s.Go0("panics", func(context.Context) { panic("kaboom") })

	err := s.Wait(waitCtx(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")

	tasks := s.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, uint64(1), tasks[0].Panics)
}

func TestCancelOnError(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("blocker", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	s.Go("failing", func(context.Context) error { return errors.New("fatal") })

	require.Error(t, s.Wait(waitCtx(t)))
	assert.Error(t, s.Context().Err())
}

func TestGoRestartRestartsAfterPanic(t *testing.T) {
	var runs atomic.Int32
	var restarts atomic.Int32
	s := New(context.Background(), WithRestartHook(func(string, error) { restarts.Add(1) }))

	s.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			panic("not yet")
		}
		<-ctx.Done()
		return ctx.Err()
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop(waitCtx(t)))
	assert.Equal(t, int32(2), restarts.Load())

	var flaky TaskStats
	for _, ts := range s.Tasks() {
		if ts.Name == "flaky" {
			flaky = ts
		}
	}
	assert.Equal(t, uint64(2), flaky.Restarts)
	assert.Equal(t, uint64(2), flaky.Panics)
}

func TestGoRestartPublishFirstError(t *testing.T) {
	var runs atomic.Int32
	s := New(context.Background())
	s.GoRestart("erring", func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			return errors.New("transient")
		}
		<-ctx.Done()
		return nil
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithPublishFirstError(true))

	require.Eventually(t, func() bool { return runs.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	s.Cancel()
	err := s.Wait(waitCtx(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transient")
}

func TestGoRestartStopsOnCleanExit(t *testing.T) {
	var runs atomic.Int32
	s := New(context.Background())
	s.GoRestart("once", func(context.Context) error {
		runs.Add(1)
		return nil
	})
	require.NoError(t, s.Wait(waitCtx(t)))
	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, int64(0), s.Counters().Active)
}
