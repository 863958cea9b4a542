package config

import (
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"

	"nicorepo_bot/internal/auth"
	"nicorepo_bot/internal/fetcher"
)

var envKeys = []string{
	"TELEGRAM_BOT_TOKEN", "DATABASE_PATH", "PREFS_PATH", "LOG_LEVEL", "ALLOWED_USERS",
	"NICO_USER", "NICO_PASSWORD", "REPORT_URL", "LOGIN_URL", "NOTIFY_CHAT_ID",
}

// clearEnv unsets every config variable for the duration of the test.
// An empty value would override the flag default.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func defaults(token string) *Config {
	return &Config{
		TelegramBotToken: token,
		DatabasePath:     "./data/report.db",
		PrefsPath:        "./data/prefs.yaml",
		LogLevel:         "info",
		ReportURL:        fetcher.DefaultReportURL,
		LoginURL:         auth.DefaultLoginURL,
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		args    []string
		want    func() *Config
		wantErr bool
	}{
		{
			name:    "missing token",
			env:     map[string]string{},
			wantErr: true,
		},
		{
			name: "token only, defaults applied",
			env:  map[string]string{"TELEGRAM_BOT_TOKEN": "test-token"},
			want: func() *Config { return defaults("test-token") },
		},
		{
			name: "all values set",
			env: map[string]string{
				"TELEGRAM_BOT_TOKEN": "tok",
				"DATABASE_PATH":      "/tmp/report.db",
				"PREFS_PATH":         "/tmp/prefs.yaml",
				"LOG_LEVEL":          "debug",
				"ALLOWED_USERS":      "111,222,333",
				"NICO_USER":          "me@example.com",
				"NICO_PASSWORD":      "secret",
				"REPORT_URL":         "http://localhost/report",
				"LOGIN_URL":          "http://localhost/login",
				"NOTIFY_CHAT_ID":     "-100123",
			},
			want: func() *Config {
				return &Config{
					TelegramBotToken: "tok",
					DatabasePath:     "/tmp/report.db",
					PrefsPath:        "/tmp/prefs.yaml",
					LogLevel:         "debug",
					AllowedUsers:     []int64{111, 222, 333},
					NicoUser:         "me@example.com",
					NicoPassword:     "secret",
					ReportURL:        "http://localhost/report",
					LoginURL:         "http://localhost/login",
					NotifyChatID:     -100123,
				}
			},
		},
		{
			name: "flags override environment",
			env:  map[string]string{"TELEGRAM_BOT_TOKEN": "tok", "DATABASE_PATH": "/env.db"},
			args: []string{"--db", "/flag.db", "--log-level", "warn"},
			want: func() *Config {
				c := defaults("tok")
				c.DatabasePath = "/flag.db"
				c.LogLevel = "warn"
				return c
			},
		},
		{
			name: "allowed users with spaces",
			env: map[string]string{
				"TELEGRAM_BOT_TOKEN": "tok",
				"ALLOWED_USERS":      " 10 , 20 , ",
			},
			want: func() *Config {
				c := defaults("tok")
				c.AllowedUsers = []int64{10, 20}
				return c
			},
		},
		{
			name: "invalid user id",
			env: map[string]string{
				"TELEGRAM_BOT_TOKEN": "tok",
				"ALLOWED_USERS":      "123,abc",
			},
			wantErr: true,
		},
		{
			name: "invalid notify chat",
			env: map[string]string{
				"TELEGRAM_BOT_TOKEN": "tok",
				"NOTIFY_CHAT_ID":     "general",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			got, err := Load(tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want(), got); diff != "" {
				t.Errorf("Load() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestIsUserAllowed(t *testing.T) {
	tests := []struct {
		name         string
		allowedUsers []int64
		userID       int64
		want         bool
	}{
		{
			name:         "empty list allows everyone",
			allowedUsers: nil,
			userID:       42,
			want:         true,
		},
		{
			name:         "user in list",
			allowedUsers: []int64{10, 20, 30},
			userID:       20,
			want:         true,
		},
		{
			name:         "user not in list",
			allowedUsers: []int64{10, 20, 30},
			userID:       99,
			want:         false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{AllowedUsers: tt.allowedUsers}
			got := cfg.IsUserAllowed(tt.userID)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("IsUserAllowed() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
