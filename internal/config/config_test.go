package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func noEnv(string) (string, bool) { return "", false }

func TestParseJSON(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.json", `{
		"telegram": {"token": "abc", "chat_id": -100123, "owner_user_ids": [1, 2]},
		"logging": {"level": "debug", "console": true},
		"mute": {"duration": "15m", "poll_interval": "10s"},
		"storage": {"driver": "redis", "url": "redis://localhost:6379/0"}
	}`)
	m := NewConfigManager(p)
	m.lookupEnv = noEnv

	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, int64(-100123), cfg.Telegram.ChatID)
	assert.Equal(t, []int64{1, 2}, cfg.Telegram.OwnerUserIDs)
	assert.Equal(t, "15m", cfg.Mute.Duration)
	assert.Equal(t, "redis", cfg.Storage.Driver)
	assert.Same(t, cfg, m.Get())
}

func TestParseYAML(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.yaml", `
telegram:
  token: abc
  chat_id: -100123
  owner_user_ids: [7]
mute:
  duration: 5m
storage:
  driver: sqlite
  path: ./mutes.db
`)
	m := NewConfigManager(p)
	m.lookupEnv = noEnv

	cfg, err := m.Parse()
	require.NoError(t, err)
	assert.Equal(t, int64(-100123), cfg.Telegram.ChatID)
	assert.Equal(t, []int64{7}, cfg.Telegram.OwnerUserIDs)
	assert.Equal(t, "5m", cfg.Mute.Duration)
	assert.Equal(t, "./mutes.db", cfg.Storage.Path)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.json", `{"telegram": {"tokn": "x"}}`)
	m := NewConfigManager(p)
	m.lookupEnv = noEnv

	_, err := m.Parse()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tokn")
}

func TestParseRejectsTrailingData(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.json", `{"mute": {}} {"mute": {}}`)
	m := NewConfigManager(p)
	m.lookupEnv = noEnv

	_, err := m.Parse()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trailing data")
}

func TestEnvOverrides(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.json", `{"telegram": {"token": "file", "chat_id": 1}}`)
	env := map[string]string{
		EnvTelegramToken: "from-env",
		EnvChatID:        "-42",
		EnvStorageURL:    "redis://cache:6379/1",
	}
	m := NewConfigManager(p)
	m.lookupEnv = func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	cfg, err := m.Parse()
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Telegram.Token)
	assert.Equal(t, int64(-42), cfg.Telegram.ChatID)
	assert.Equal(t, "redis://cache:6379/1", cfg.Storage.URL)
}

func TestLoadDotEnvMissingFileIsFine(t *testing.T) {
	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), ".env")))
	require.NoError(t, LoadDotEnv(""))
}

func TestLoadDotEnvSetsVariables(t *testing.T) {
	p := writeFile(t, t.TempDir(), ".env", "MUTEBOT_TEST_DOTENV=hello\n")
	t.Cleanup(func() { _ = os.Unsetenv("MUTEBOT_TEST_DOTENV") })

	require.NoError(t, LoadDotEnv(p))
	assert.Equal(t, "hello", os.Getenv("MUTEBOT_TEST_DOTENV"))
}

func TestParseDurationField(t *testing.T) {
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{raw: "", want: 0},
		{raw: " 15m ", want: 15 * time.Minute},
		{raw: "bogus", wantErr: true},
		{raw: "-1s", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseDurationField("mute.duration", tt.raw)
		if tt.wantErr {
			assert.Error(t, err, tt.raw)
			continue
		}
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
	}

	d, err := ParseDurationOrDefault("mute.poll_interval", "", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, d)
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg := &Config{Logging: LoggingConfig{Level: "info"}, Mute: MuteConfig{Duration: "15m"}}
	newCfg := &Config{Logging: LoggingConfig{Level: "debug"}, Mute: MuteConfig{Duration: "15m"}}

	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"logging"}, changed)
	assert.NotEmpty(t, attrs)
	assert.False(t, RequiresRestart(changed))

	newCfg.Mute.Duration = "30m"
	changed, _ = SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"logging", "mute"}, changed)
	assert.True(t, RequiresRestart(changed))

	ownersOnly := &Config{Telegram: TelegramConfig{OwnerUserIDs: []int64{1, 2}}}
	changed, _ = SummarizeConfigChange(&Config{Telegram: TelegramConfig{OwnerUserIDs: []int64{1}}}, ownersOnly)
	assert.Equal(t, []string{"owners"}, changed)
	assert.False(t, RequiresRestart(changed))
}

func TestSubscribeReceivesLatest(t *testing.T) {
	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)

	first := &Config{Logging: LoggingConfig{Level: "info"}}
	second := &Config{Logging: LoggingConfig{Level: "debug"}}
	m.publish(first)
	m.publish(second)

	select {
	case got := <-ch:
		assert.Same(t, second, got)
	default:
		t.Fatal("expected a pending config")
	}

	m.Unsubscribe(ch)
	_, ok := <-ch
	assert.False(t, ok, "channel closed after unsubscribe")
}

func TestReloadSkipsRejectedConfig(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.json", `{"logging": {"level": "info"}}`)
	m := NewConfigManager(p)
	m.lookupEnv = noEnv
	_, err := m.Load()
	require.NoError(t, err)

	ch := m.Subscribe(1)
	m.SetValidator(func(context.Context, *Config) error { return assert.AnError })
	writeFile(t, filepath.Dir(p), "config.json", `{"logging": {"level": "debug"}}`)
	m.reload(context.Background())

	assert.Equal(t, "info", m.Get().Logging.Level)
	assert.Len(t, ch, 0)

	m.SetValidator(nil)
	m.reload(context.Background())
	assert.Equal(t, "debug", m.Get().Logging.Level)
	assert.Len(t, ch, 1)
}
