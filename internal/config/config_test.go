package config_test

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/socket-chat/internal/config"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load(nil, env(nil))
	require.NoError(t, err)

	assert.Empty(t, cfg.Args)
	cfg.Args = nil
	assert.Equal(t, config.Default(), cfg)
	assert.Equal(t, ":5555", cfg.Addr)
	assert.Equal(t, 10*time.Second, cfg.WriteTimeout)
	assert.Equal(t, 50, cfg.HistoryLimit)
}

func TestLoad_Environment(t *testing.T) {
	cfg, err := config.Load(nil, env(map[string]string{
		"PORT":               "8080",
		"CHAT_DB":            "/var/lib/chat/chat.db",
		"CHAT_FILES_DIR":     "/srv/uploads",
		"CHAT_LOG_LEVEL":     "debug",
		"CHAT_HISTORY_LIMIT": "10",
	}))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "/var/lib/chat/chat.db", cfg.DBPath)
	assert.Equal(t, "/srv/uploads", cfg.FilesDir)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, 10, cfg.HistoryLimit)
}

func TestLoad_ChatAddrBeatsPort(t *testing.T) {
	cfg, err := config.Load(nil, env(map[string]string{"PORT": "8080", "CHAT_ADDR": "127.0.0.1:9000"}))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Addr)
}

func TestLoad_FlagsOverrideEnvironment(t *testing.T) {
	cfg, err := config.Load([]string{
		"-addr", ":7000",
		"-log-level", "warn",
		"-write-timeout", "3s",
		"-handshake-timeout", "1m",
		"-bcrypt-cost", "4",
		"export", "out.bin",
	}, env(map[string]string{"CHAT_ADDR": ":6000", "CHAT_LOG_LEVEL": "debug"}))
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Addr)
	assert.Equal(t, slog.LevelWarn, cfg.LogLevel)
	assert.Equal(t, 3*time.Second, cfg.WriteTimeout)
	assert.Equal(t, time.Minute, cfg.HandshakeTimeout)
	assert.Equal(t, 4, cfg.BcryptCost)
	assert.Equal(t, []string{"export", "out.bin"}, cfg.Args)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		env  map[string]string
	}{
		{"unknown flag", []string{"-nope"}, nil},
		{"bad duration", []string{"-write-timeout", "soon"}, nil},
		{"bad level env", nil, map[string]string{"CHAT_LOG_LEVEL": "loud"}},
		{"bad history env", nil, map[string]string{"CHAT_HISTORY_LIMIT": "many"}},
		{"empty addr", []string{"-addr", ""}, nil},
		{"zero history", []string{"-history-limit", "0"}, nil},
		{"negative timeout", []string{"-handshake-timeout", "-1s"}, nil},
		{"bcrypt cost too high", []string{"-bcrypt-cost", "99"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(tt.args, env(tt.env))
			assert.Error(t, err)
		})
	}
}

func TestConfig_NewLogger(t *testing.T) {
	cfg := config.Default()
	cfg.LogLevel = slog.LevelWarn

	var buf bytes.Buffer
	logger := cfg.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "user", "alice")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "msg=shown")
	assert.Contains(t, buf.String(), "user=alice")
}
