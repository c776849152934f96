// Package app wires configuration, storage, the Telegram adapter, the mute
// scheduler and the ops server into one process lifecycle.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"

	"mutebot/internal/config"
	"mutebot/internal/eventbus"
	"mutebot/internal/metrics"
	"mutebot/internal/mute"
	"mutebot/internal/observability/ops"
	"mutebot/internal/runtime/supervisor"
	"mutebot/internal/storage"
	kit "mutebot/internal/transport"
	telegram "mutebot/internal/transport/telegram/adapter"
	"mutebot/internal/transport/telegram/router"
	logx "mutebot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus

	reg     *prometheus.Registry
	metrics *metrics.Metrics
	store   storage.DeadlineStore

	adapter *telegram.Adapter
	unmuter *mute.Unmuter
	service *mute.Service
	cmdm    *router.CommandManager
	ops     *ops.Service

	updates chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.NewService(mapLoggingConfig(cfg))
	appLog := log.With(logx.String("comp", "app"))

	reg := metrics.NewRegistry()
	m := metrics.New(reg)
	bus := eventbus.New()

	sc, _ := mapStorageConfig(cfg)
	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	appLog.Info("storage ready", logx.String("driver", sc.Driver))

	pollTimeout, _ := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		ChatID:      cfg.Telegram.ChatID,
		PollTimeout: pollTimeout,
		OnDrop:      func(n uint64) { m.UpdatesDropped.Add(float64(n)) },
	}, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	muteCfg, duration, _ := mapMuteConfig(cfg)
	deps := mute.Deps{Log: log, Metrics: m, Bus: bus}
	registrar := mute.NewRegistrar(store, deps)
	unmuter := mute.NewUnmuter(store, ad.Moderator(), muteCfg, deps)
	svc := mute.NewService(store, registrar, unmuter, ad.Moderator(), duration, log)

	a := &App{
		cfgm:    cfgm,
		log:     appLog,
		logs:    logSvc,
		bus:     bus,
		reg:     reg,
		metrics: m,
		store:   store,
		adapter: ad,
		unmuter: unmuter,
		service: svc,
		updates: make(chan kit.Update, 256),
	}

	opsCfg, _ := mapOpsConfig(cfg)
	a.ops = ops.New(opsCfg, ops.Deps{
		Registry:    reg,
		Metrics:     m,
		Store:       store,
		Supervisors: a.supervisors,
	}, log)
	return a, nil
}

// supervisors lists every live supervisor for health reporting.
func (a *App) supervisors() map[string]*supervisor.Supervisor {
	out := map[string]*supervisor.Supervisor{}
	if a.sup != nil {
		out["app"] = a.sup
	}
	if a.adapter != nil {
		if s := a.adapter.Supervisor(); s != nil {
			out["telegram.adapter"] = s
		}
	}
	if a.cmdm != nil {
		if s := a.cmdm.Supervisor(); s != nil {
			out["telegram.router"] = s
		}
	}
	if a.ops != nil {
		if s := a.ops.Supervisor(); s != nil {
			out["ops"] = s
		}
	}
	return out
}

// Done is closed when the app context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true),
		supervisor.WithRestartHook(func(name string, _ error) {
			a.metrics.TaskRestarts.WithLabelValues(name).Inc()
		}),
	)

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	cfg := a.cfgm.Get()
	a.cmdm = router.NewCommandManager(a.log, a.adapter, cfg.Telegram.OwnerUserIDs, router.Options{
		Metrics:    a.metrics,
		Supervisor: a.sup,
	})
	a.cmdm.SetRegistry(router.MuteCommands(a.service, nil))

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	a.unmuter.Start(a.sup)

	if err := a.ops.Start(a.sup.Context()); err != nil {
		// Ops is optional; the bot keeps running without it.
		a.log.Error("ops not started", logx.Err(err))
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				fields := []logx.Field{logx.String("type", e.Type), logx.Time("time", e.Time)}
				if d, ok := e.Data.(eventbus.MuteData); ok {
					fields = append(fields, logx.Int64("user_id", d.UserID))
					if !d.Until.IsZero() {
						fields = append(fields, logx.Time("until", d.Until))
					}
					if d.Err != nil {
						fields = append(fields, logx.Err(d.Err))
					}
				}
				a.log.Debug("event", fields...)
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started",
		logx.Int64("chat_id", cfg.Telegram.ChatID),
		logx.Duration("mute_duration", a.service.Duration()),
	)
	return nil
}

// applyConfig applies what can change live (logging and owners) and warns
// about everything else.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)

	a.logs.Apply(mapLoggingConfig(next))
	a.cmdm.SetOwners(next.Telegram.OwnerUserIDs)

	if config.RequiresRestart(sections) {
		a.log.Warn("config changed; restart required for changes to take effect", fields...)
		return
	}
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	a.sup.Cancel()

	// step bounds each shutdown step so one component can't stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("ops", time.Second, a.ops.Stop)
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
