package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"mutebot/internal/config"
	"mutebot/internal/mute"
	"mutebot/internal/observability/ops"
	"mutebot/internal/storage"
	logx "mutebot/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	out := storage.Config{
		Driver:    driver,
		URL:       strings.TrimSpace(sc.URL),
		Path:      strings.TrimSpace(sc.Path),
		KeyPrefix: sc.KeyPrefix,
		PoolSize:  sc.PoolSize,
	}
	switch driver {
	case "", "redis":
		if out.URL == "" {
			return storage.Config{}, errors.New("storage.url is required when storage.driver=redis")
		}
	case "sqlite", "sqlite3":
		if out.Path == "" {
			return storage.Config{}, errors.New("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		out.BusyTimeout = busy
	case "file":
		if out.Path == "" {
			return storage.Config{}, errors.New("storage.path is required when storage.driver=file")
		}
	case "memory", "mem":
	case "none":
		return storage.Config{}, errors.New("storage.driver=none: the mute scheduler needs a deadline store")
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	if sc.PoolSize < 0 {
		return storage.Config{}, errors.New("storage.pool_size must be >= 0")
	}
	return out, nil
}

// mapMuteConfig returns the unmuter tuning and the mute duration.
func mapMuteConfig(cfg *config.Config) (mute.Config, time.Duration, error) {
	mc := cfg.Mute
	d, err := config.ParseDurationOrDefault("mute.duration", mc.Duration, mute.DefaultDuration)
	if err != nil {
		return mute.Config{}, 0, err
	}
	poll, err := config.ParseDurationOrDefault("mute.poll_interval", mc.PollInterval, mute.DefaultPollInterval)
	if err != nil {
		return mute.Config{}, 0, err
	}
	liftTimeout, err := config.ParseDurationOrDefault("mute.lift_timeout", mc.LiftTimeout, mute.DefaultLiftTimeout)
	if err != nil {
		return mute.Config{}, 0, err
	}
	if mc.QueueSize < 0 || mc.LiftConcurrency < 0 || mc.LiftRatePerSec < 0 {
		return mute.Config{}, 0, errors.New("mute.queue_size, mute.lift_concurrency and mute.lift_rate_per_sec must be >= 0")
	}
	return mute.Config{
		PollInterval:    poll,
		QueueSize:       mc.QueueSize,
		LiftConcurrency: mc.LiftConcurrency,
		LiftRatePerSec:  float64(mc.LiftRatePerSec),
		LiftTimeout:     liftTimeout,
	}, d, nil
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	oc := cfg.Ops
	rt, err := config.ParseDurationOrDefault("ops.read_timeout", oc.ReadTimeout, 10*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	// pprof profile and trace stream for up to 30s by default.
	wt, err := config.ParseDurationOrDefault("ops.write_timeout", oc.WriteTimeout, 60*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	it, err := config.ParseDurationOrDefault("ops.idle_timeout", oc.IdleTimeout, 60*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	return ops.Config{
		Enabled:       oc.Enabled,
		Addr:          strings.TrimSpace(oc.Addr),
		Token:         strings.TrimSpace(oc.Token),
		AllowInsecure: oc.AllowInsecure,
		Pprof:         oc.Pprof,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
		IdleTimeout:   it,
		StatsSchedule: strings.TrimSpace(oc.StatsSchedule),
	}, nil
}

// validateConfig rejects a config the app could not start with. The
// config watcher runs it before committing a reload.
func validateConfig(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required (or set %s)", config.EnvTelegramToken)
	}
	if cfg.Telegram.ChatID == 0 {
		return fmt.Errorf("telegram.chat_id is required (or set %s)", config.EnvChatID)
	}
	if len(cfg.Telegram.OwnerUserIDs) == 0 {
		return errors.New("telegram.owner_user_ids must list at least one owner")
	}
	if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapMuteConfig(cfg); err != nil {
		return err
	}
	if _, err := mapOpsConfig(cfg); err != nil {
		return err
	}
	return nil
}

// OpenStore opens only the deadline store described by the config at path.
// Operator tooling uses it without starting the bot.
func OpenStore(path string, log logx.Logger) (storage.DeadlineStore, error) {
	cfg, err := config.NewConfigManager(path).Parse()
	if err != nil {
		return nil, err
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	return storage.Open(sc, log)
}
