// Package ops serves the operations endpoints: /healthz, /metrics and
// optionally /debug/pprof, plus a cron job refreshing store gauges.
package ops

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"mutebot/internal/metrics"
	rtsup "mutebot/internal/runtime/supervisor"
	"mutebot/internal/storage"
	logx "mutebot/pkg/logx"
)

const (
	DefaultAddr          = "127.0.0.1:9090"
	DefaultStatsSchedule = "@every 30s"
)

// Config controls the ops HTTP server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - A non-loopback address needs Token or AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	StatsSchedule string
}

// Deps are the live components the endpoints report on. Any may be nil.
type Deps struct {
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Store    storage.DeadlineStore
	// Supervisors returns the supervisors whose tasks /healthz lists.
	Supervisors func() map[string]*rtsup.Supervisor
}

type Service struct {
	mu   sync.Mutex
	log  logx.Logger
	cfg  Config
	deps Deps

	sup *rtsup.Supervisor
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	if strings.TrimSpace(cfg.StatsSchedule) == "" {
		cfg.StatsSchedule = DefaultStatsSchedule
	}
	return &Service{cfg: cfg, deps: deps, log: log.With(logx.String("comp", "ops"))}
}

// Supervisor returns the service's supervisor, nil when not started.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Start runs the stats job and, when enabled, the HTTP server. The stats
// job runs even with the server disabled so the gauges stay current.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}

	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(s.cfg.StatsSchedule); err != nil {
		return errors.Join(errors.New("ops.stats_schedule"), err)
	}
	if s.cfg.Enabled {
		if err := checkBind(s.cfg); err != nil {
			return err
		}
	}

	sup := rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// Observability is optional; never take the app down.
		rtsup.WithCancelOnError(false),
	)
	s.sup = sup

	sup.Go0("ops.stats", func(c context.Context) { s.runStats(c, parser) })
	if s.cfg.Enabled {
		sup.GoRestart("ops.http", s.serveOnce,
			rtsup.WithPublishFirstError(true),
			rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		)
	}
	return nil
}

// Stop shuts down the server and the stats job, bounded by ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	s.log.Info("ops stopped")
	return err
}

func (s *Service) runStats(ctx context.Context, parser cron.Parser) {
	c := cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC))
	_, _ = c.AddFunc(s.cfg.StatsSchedule, func() { s.RefreshStats(ctx) })
	s.RefreshStats(ctx)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
}

// RefreshStats updates the pending-mutes gauge and the pool metrics.
func (s *Service) RefreshStats(ctx context.Context) {
	m := s.deps.Metrics
	if m == nil || s.deps.Store == nil {
		return
	}
	lctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if ids, err := s.deps.Store.ListKeys(lctx); err == nil {
		m.PendingMutes.Set(float64(len(ids)))
	} else if ctx.Err() == nil {
		s.log.Debug("stats: list deadlines failed", logx.Err(err))
	}
	if pr, ok := s.deps.Store.(storage.PoolReporter); ok {
		m.RecordPoolStats(pr.PoolStats())
	}
}

func (s *Service) serveOnce(ctx context.Context) error {
	cfg := s.cfg
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	defer func() { _ = ln.Close() }()

	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("ops started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("pprof", cfg.Pprof),
		logx.Bool("token_set", cfg.Token != ""),
	)
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("ops server exited unexpectedly")
	}
	return err
}

// Handler builds the routed endpoints.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requireToken(s.cfg.Token, s.log))

	r.Get("/healthz", s.handleHealth)

	reg := s.deps.Registry
	if reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}

	if s.cfg.Pprof {
		r.Route("/debug/pprof", func(r chi.Router) {
			r.Get("/", hpprof.Index)
			r.Get("/cmdline", hpprof.Cmdline)
			r.Get("/profile", hpprof.Profile)
			r.Post("/symbol", hpprof.Symbol)
			r.Get("/symbol", hpprof.Symbol)
			r.Get("/trace", hpprof.Trace)
			r.Get("/{profile}", func(w http.ResponseWriter, req *http.Request) {
				hpprof.Handler(chi.URLParam(req, "profile")).ServeHTTP(w, req)
			})
		})
	}
	return r
}

type healthReport struct {
	Status string            `json:"status"`
	Store  string            `json:"store"`
	Tasks  []rtsup.TaskStats `json:"tasks,omitempty"`
	Errors map[string]string `json:"errors,omitempty"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	rep := healthReport{Status: "ok", Store: "ok"}
	code := http.StatusOK

	if p, ok := s.deps.Store.(storage.Pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := p.Ping(ctx)
		cancel()
		if err != nil {
			rep.Status = "degraded"
			rep.Store = err.Error()
			code = http.StatusServiceUnavailable
		}
	}

	if s.deps.Supervisors != nil {
		for name, sup := range s.deps.Supervisors() {
			if sup == nil {
				continue
			}
			rep.Tasks = append(rep.Tasks, sup.Tasks()...)
			if err := sup.Err(); err != nil {
				if rep.Errors == nil {
					rep.Errors = map[string]string{}
				}
				rep.Errors[name] = err.Error()
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(rep)
}

// requireToken accepts "Authorization: Bearer <token>" or ?token=<token>.
// An empty token disables the check.
func requireToken(token string, log logx.Logger) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") {
					got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
				}
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
				log.Debug("ops request rejected", logx.String("path", r.URL.Path), logx.String("remote", r.RemoteAddr))
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// checkBind refuses a non-loopback address without a token unless
// AllowInsecure is set.
func checkBind(cfg Config) error {
	if cfg.Token != "" || isLoopbackAddr(cfg.Addr) {
		return nil
	}
	if cfg.AllowInsecure {
		return nil
	}
	return errors.New("ops refused to start: non-loopback addr requires token or allow_insecure")
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// empty host means all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
