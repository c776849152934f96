package config

// Config is the on-disk configuration (JSON or YAML).
//
// Only the logging section is applied on hot reload. Every other section is
// read once at startup; changing it requires a restart.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Mute     MuteConfig     `json:"mute"`
	Storage  StorageConfig  `json:"storage"`
	Ops      OpsConfig      `json:"ops,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// ChatID is the group the bot moderates. Restrictions are applied and
	// lifted in this chat only.
	ChatID       int64   `json:"chat_id"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// MuteConfig controls the restriction scheduler.
//
// Durations are Go duration strings. Defaults when omitted:
//   - duration: "15m"
//   - poll_interval: "10s"
//   - queue_size: 8
//   - lift_concurrency: 1
//   - lift_rate_per_sec: 5
//   - lift_timeout: "10s"
type MuteConfig struct {
	Duration        string `json:"duration"`
	PollInterval    string `json:"poll_interval"`
	QueueSize       int    `json:"queue_size,omitempty"`
	LiftConcurrency int    `json:"lift_concurrency,omitempty"`
	LiftRatePerSec  int    `json:"lift_rate_per_sec,omitempty"`
	LiftTimeout     string `json:"lift_timeout,omitempty"`
}

// StorageConfig selects the deadline store backend.
//
// Example:
//
//	"storage": { "driver": "redis", "url": "redis://localhost:6379/0" }
type StorageConfig struct {
	Driver      string `json:"driver"`                 // redis | sqlite | file | memory
	URL         string `json:"url,omitempty"`          // redis
	Path        string `json:"path,omitempty"`         // sqlite, file
	KeyPrefix   string `json:"key_prefix,omitempty"`   // redis; default "mute:"
	PoolSize    int    `json:"pool_size,omitempty"`    // redis; 0 keeps the driver default
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// OpsConfig controls the optional operations HTTP server (/healthz, /metrics,
// /debug/pprof).
//
// Prefer a loopback address. A non-loopback bind needs a token or an explicit
// allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default "127.0.0.1:9090"
	Token         string `json:"token,omitempty"` // bearer token, never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// StatsSchedule is a cron spec for refreshing store gauges
	// (default "@every 30s").
	StatsSchedule string `json:"stats_schedule,omitempty"`
}
