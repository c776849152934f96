package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment overrides. Secrets usually live here rather than in the
// config file.
const (
	EnvTelegramToken = "MUTEBOT_TELEGRAM_TOKEN"
	EnvChatID        = "MUTEBOT_CHAT_ID"
	EnvStorageURL    = "MUTEBOT_STORAGE_URL"
	EnvOpsToken      = "MUTEBOT_OPS_TOKEN"
)

// LoadDotEnv reads KEY=VALUE pairs from path into the process environment.
// A missing file is not an error. Variables already set win.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(path)
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvTelegramToken); ok && strings.TrimSpace(v) != "" {
		cfg.Telegram.Token = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvChatID); ok {
		if id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			cfg.Telegram.ChatID = id
		}
	}
	if v, ok := lookup(EnvStorageURL); ok && strings.TrimSpace(v) != "" {
		cfg.Storage.URL = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvOpsToken); ok && strings.TrimSpace(v) != "" {
		cfg.Ops.Token = strings.TrimSpace(v)
	}
}
