package config

import (
	"slices"
	"strings"

	logx "mutebot/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections plus safe
// fields for logging. Tokens are reported only as "set"/"unset".
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.ChatID != nt.ChatID ||
		strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		ot.Token != nt.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Int64("telegram.chat_id", nt.ChatID),
			logx.Bool("telegram.token_set", strings.TrimSpace(nt.Token) != ""),
		)
	}
	// Owners are applied live, so they get their own section.
	if !slices.Equal(ot.OwnerUserIDs, nt.OwnerUserIDs) {
		changed = append(changed, "owners")
		attrs = append(attrs, logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)))
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Mute != newCfg.Mute {
		changed = append(changed, "mute")
		attrs = append(attrs,
			logx.String("mute.duration", newCfg.Mute.Duration),
			logx.String("mute.poll_interval", newCfg.Mute.PollInterval),
			logx.Int("mute.queue_size", newCfg.Mute.QueueSize),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		// The URL may carry a password; only the driver is logged.
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}

	if oldCfg.Ops != newCfg.Ops {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
		)
	}

	return changed, attrs
}

// RequiresRestart reports whether any changed section cannot be applied live.
func RequiresRestart(changed []string) bool {
	for _, s := range changed {
		if s != "logging" && s != "owners" {
			return true
		}
	}
	return false
}
