package ops

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mutebot/internal/metrics"
	rtsup "mutebot/internal/runtime/supervisor"
	"mutebot/internal/storage"
	logx "mutebot/pkg/logx"
)

func get(t *testing.T, h http.Handler, path string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthzReportsStoreAndTasks(t *testing.T) {
	mr := miniredis.RunT(t)
	store := storage.NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1}), "", nil, logx.Nop())
	t.Cleanup(func() { _ = store.Close() })

	sup := rtsup.New(context.Background())
	sup.Go0("mute.poller", func(ctx context.Context) { <-ctx.Done() })
	t.Cleanup(func() { _ = sup.Stop(context.Background()) })

	s := New(Config{}, Deps{
		Store:       store,
		Supervisors: func() map[string]*rtsup.Supervisor { return map[string]*rtsup.Supervisor{"app": sup} },
	}, logx.Nop())
	h := s.Handler()

	require.Eventually(t, func() bool { return len(sup.Tasks()) == 1 }, time.Second, 5*time.Millisecond)

	rec := get(t, h, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rep healthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	assert.Equal(t, "ok", rep.Status)
	require.Len(t, rep.Tasks, 1)
	assert.Equal(t, "mute.poller", rep.Tasks[0].Name)

	mr.Close()
	rec = get(t, h, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	assert.Equal(t, "degraded", rep.Status)
}

func TestTokenIsRequired(t *testing.T) {
	s := New(Config{Token: "s3cret"}, Deps{}, logx.Nop())
	h := s.Handler()

	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/healthz", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/healthz", map[string]string{"Authorization": "Bearer nope"}).Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz", map[string]string{"Authorization": "Bearer s3cret"}).Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz?token=s3cret", nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := metrics.NewRegistry()
	m := metrics.New(reg)
	m.MutesRegistered.Inc()

	h := New(Config{}, Deps{Registry: reg, Metrics: m}, logx.Nop()).Handler()
	rec := get(t, h, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "mutebot_mutes_registered_total 1")
}

func TestPprofOnlyWhenEnabled(t *testing.T) {
	off := New(Config{}, Deps{}, logx.Nop()).Handler()
	assert.Equal(t, http.StatusNotFound, get(t, off, "/debug/pprof/", nil).Code)

	on := New(Config{Pprof: true}, Deps{}, logx.Nop()).Handler()
	assert.Equal(t, http.StatusOK, get(t, on, "/debug/pprof/", nil).Code)
	assert.Equal(t, http.StatusOK, get(t, on, "/debug/pprof/goroutine?debug=1", nil).Code)
}

func TestRefreshStats(t *testing.T) {
	now := func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	store := storage.NewMemory(now)
	ctx := context.Background()
	for _, id := range []int64{1, 2, 3} {
		_, err := store.SetIfLater(ctx, id, now().Add(time.Minute))
		require.NoError(t, err)
	}
	m := metrics.New(metrics.NewRegistry())

	New(Config{}, Deps{Store: store, Metrics: m}, logx.Nop()).RefreshStats(ctx)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.PendingMutes))
}

func TestStartRejectsInsecureBind(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Deps{}, logx.Nop())
	assert.Error(t, s.Start(context.Background()))

	s = New(Config{StatsSchedule: "every now and then"}, Deps{}, logx.Nop())
	assert.Error(t, s.Start(context.Background()))
}

func TestStartServesAndStops(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Deps{}, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	require.NotNil(t, s.Supervisor())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))
	assert.Nil(t, s.Supervisor())
}

func TestIsLoopbackAddr(t *testing.T) {
	assert.True(t, isLoopbackAddr("127.0.0.1:9090"))
	assert.True(t, isLoopbackAddr("localhost:9090"))
	assert.True(t, isLoopbackAddr("[::1]:9090"))
	assert.False(t, isLoopbackAddr(":9090"))
	assert.False(t, isLoopbackAddr("10.0.0.1:9090"))
}
