// Package config handles application configuration from environment
// variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jessevdk/go-flags"

	"nicorepo_bot/internal/auth"
	"nicorepo_bot/internal/fetcher"
)

// Config holds the application configuration.
type Config struct {
	TelegramBotToken string
	DatabasePath     string
	PrefsPath        string
	LogLevel         string
	AllowedUsers     []int64
	NicoUser         string
	NicoPassword     string
	ReportURL        string
	LoginURL         string
	NotifyChatID     int64
}

type rawConfig struct {
	TelegramBotToken string `long:"token" env:"TELEGRAM_BOT_TOKEN" description:"Telegram bot token (required)"`
	DatabasePath     string `long:"db" env:"DATABASE_PATH" default:"./data/report.db" description:"SQLite database path"`
	PrefsPath        string `long:"prefs" env:"PREFS_PATH" default:"./data/prefs.yaml" description:"Preferences file shared between processes"`
	LogLevel         string `long:"log-level" env:"LOG_LEVEL" default:"info" description:"Log level (debug, info, warn, error)"`
	AllowedUsers     string `long:"allowed-users" env:"ALLOWED_USERS" description:"Comma-separated Telegram user IDs, empty allows everyone"`
	NicoUser         string `long:"nico-user" env:"NICO_USER" description:"niconico account mail or phone number"`
	NicoPassword     string `long:"nico-password" env:"NICO_PASSWORD" description:"niconico account password"`
	ReportURL        string `long:"report-url" env:"REPORT_URL" description:"Activity report endpoint"`
	LoginURL         string `long:"login-url" env:"LOGIN_URL" description:"Account login endpoint"`
	NotifyChatID     int64  `long:"notify-chat" env:"NOTIFY_CHAT_ID" default:"0" description:"Chat receiving new entry notifications, 0 disables them"`
}

// Load reads configuration from the environment and args. It returns
// nil, nil when help was requested.
func Load(args []string) (*Config, error) {
	var raw rawConfig

	parser := flags.NewParser(&raw, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if raw.TelegramBotToken == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}

	allowedUsers, err := parseUserIDs(raw.AllowedUsers)
	if err != nil {
		return nil, err
	}

	reportURL := raw.ReportURL
	if reportURL == "" {
		reportURL = fetcher.DefaultReportURL
	}
	loginURL := raw.LoginURL
	if loginURL == "" {
		loginURL = auth.DefaultLoginURL
	}

	return &Config{
		TelegramBotToken: raw.TelegramBotToken,
		DatabasePath:     raw.DatabasePath,
		PrefsPath:        raw.PrefsPath,
		LogLevel:         raw.LogLevel,
		AllowedUsers:     allowedUsers,
		NicoUser:         raw.NicoUser,
		NicoPassword:     raw.NicoPassword,
		ReportURL:        reportURL,
		LoginURL:         loginURL,
		NotifyChatID:     raw.NotifyChatID,
	}, nil
}

func parseUserIDs(raw string) ([]int64, error) {
	var ids []int64
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		uid, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid user ID %q in ALLOWED_USERS: %w", s, err)
		}
		ids = append(ids, uid)
	}
	return ids, nil
}

// IsUserAllowed checks whether a user ID is in the allow list.
// Returns true if the allow list is empty (all users permitted).
func (c *Config) IsUserAllowed(userID int64) bool {
	if len(c.AllowedUsers) == 0 {
		return true
	}
	for _, id := range c.AllowedUsers {
		if id == userID {
			return true
		}
	}
	return false
}
