// Package config loads server settings from flags and the environment.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Config holds the server settings. Flags override environment variables,
// which override the defaults.
type Config struct {
	Addr             string
	DBPath           string
	FilesDir         string
	LogLevel         slog.Level
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	HistoryLimit     int
	BcryptCost       int

	// Args holds the positional arguments left after flag parsing.
	Args []string
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Addr:             ":5555",
		DBPath:           "chat.db",
		FilesDir:         "received_files",
		LogLevel:         slog.LevelInfo,
		WriteTimeout:     10 * time.Second,
		HandshakeTimeout: 30 * time.Second,
		HistoryLimit:     50,
		BcryptCost:       bcrypt.DefaultCost,
	}
}

// Load parses args (without the program name). getenv is usually os.Getenv.
func Load(args []string, getenv func(string) string) (Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(getenv); err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "Address to listen on for both raw and WebSocket clients (e.g., :5555)")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.FilesDir, "files", cfg.FilesDir, "Directory for received files")
	fs.TextVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "Per-frame write timeout")
	fs.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", cfg.HandshakeTimeout, "Time allowed for detection, handshake and login")
	fs.IntVar(&cfg.HistoryLimit, "history-limit", cfg.HistoryLimit, "Maximum messages returned by a history request")
	fs.IntVar(&cfg.BcryptCost, "bcrypt-cost", cfg.BcryptCost, "bcrypt cost for new passwords")
	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("failed to parse flags: %w", err)
	}
	cfg.Args = fs.Args()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if getenv == nil {
		return nil
	}
	if v := getenv("CHAT_ADDR"); v != "" {
		c.Addr = v
	} else if v := getenv("PORT"); v != "" {
		c.Addr = ":" + strings.TrimPrefix(v, ":")
	}
	if v := getenv("CHAT_DB"); v != "" {
		c.DBPath = v
	}
	if v := getenv("CHAT_FILES_DIR"); v != "" {
		c.FilesDir = v
	}
	if v := getenv("CHAT_LOG_LEVEL"); v != "" {
		if err := c.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("invalid CHAT_LOG_LEVEL: %w", err)
		}
	}
	if v := getenv("CHAT_HISTORY_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid CHAT_HISTORY_LIMIT: %w", err)
		}
		c.HistoryLimit = n
	}
	return nil
}

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Addr) == "" {
		errs = append(errs, errors.New("listen address is empty"))
	}
	if strings.TrimSpace(c.DBPath) == "" {
		errs = append(errs, errors.New("database path is empty"))
	}
	if strings.TrimSpace(c.FilesDir) == "" {
		errs = append(errs, errors.New("files directory is empty"))
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("write timeout must be positive, got %s", c.WriteTimeout))
	}
	if c.HandshakeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("handshake timeout must be positive, got %s", c.HandshakeTimeout))
	}
	if c.HistoryLimit <= 0 {
		errs = append(errs, fmt.Errorf("history limit must be positive, got %d", c.HistoryLimit))
	}
	if c.BcryptCost < bcrypt.MinCost || c.BcryptCost > bcrypt.MaxCost {
		errs = append(errs, fmt.Errorf("bcrypt cost must be between %d and %d, got %d", bcrypt.MinCost, bcrypt.MaxCost, c.BcryptCost))
	}
	return errors.Join(errs...)
}

// NewLogger returns a text logger writing to w at the configured level.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: c.LogLevel}))
}
