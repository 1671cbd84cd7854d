package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	outlook "github.com/BrianLeishman/go-outlook-mail"
)

// DefaultAdminPassword is used when ADMIN_PASSWORD is unset.
const DefaultAdminPassword = "admin123"

type Config struct {
	HTTPPort      int
	AccountsFile  string
	AdminPassword string
	LogLevel      slog.Level

	IMAPHost      string
	IMAPPort      int
	TokenURL      string
	Verbose       bool
	TLSSkipVerify bool

	MaxOpenPerMailbox int
	MaxIdlePerMailbox int
	IdleTimeout       time.Duration
	AcquireTimeout    time.Duration
	DialTimeout       time.Duration
	CommandTimeout    time.Duration
}

func Load() Config {
	return Config{
		HTTPPort:          getEnvInt("HTTP_PORT", 8000),
		AccountsFile:      getEnvString("ACCOUNTS_FILE", "accounts.json"),
		AdminPassword:     getEnvString("ADMIN_PASSWORD", DefaultAdminPassword),
		LogLevel:          getEnvLevel("LOG_LEVEL", slog.LevelInfo),
		IMAPHost:          getEnvString("IMAP_HOST", outlook.DefaultIMAPHost),
		IMAPPort:          getEnvInt("IMAP_PORT", outlook.DefaultIMAPPort),
		TokenURL:          getEnvString("TOKEN_URL", outlook.DefaultTokenURL),
		Verbose:           getEnvBool("IMAP_VERBOSE", false),
		TLSSkipVerify:     getEnvBool("IMAP_TLS_SKIP_VERIFY", false),
		MaxOpenPerMailbox: getEnvInt("POOL_MAX_OPEN", 4),
		MaxIdlePerMailbox: getEnvInt("POOL_MAX_IDLE", 2),
		IdleTimeout:       getEnvDuration("POOL_IDLE_TIMEOUT", 5*time.Minute),
		AcquireTimeout:    getEnvDuration("POOL_ACQUIRE_TIMEOUT", 30*time.Second),
		DialTimeout:       getEnvDuration("IMAP_DIAL_TIMEOUT", 30*time.Second),
		CommandTimeout:    getEnvDuration("IMAP_COMMAND_TIMEOUT", 60*time.Second),
	}
}

// Options maps the config onto service options.
func (c Config) Options() outlook.Options {
	opts := outlook.DefaultOptions()
	opts.AccountsFile = c.AccountsFile
	opts.IMAPHost = c.IMAPHost
	opts.IMAPPort = c.IMAPPort
	opts.TokenURL = c.TokenURL
	opts.MaxOpenPerMailbox = c.MaxOpenPerMailbox
	opts.MaxIdlePerMailbox = c.MaxIdlePerMailbox
	opts.IdleTimeout = c.IdleTimeout
	opts.AcquireTimeout = c.AcquireTimeout
	return opts
}

// ApplyGlobals sets the package-level IMAP tunables.
func (c Config) ApplyGlobals() {
	outlook.Verbose = c.Verbose
	outlook.TLSSkipVerify = c.TLSSkipVerify
	outlook.DialTimeout = c.DialTimeout
	outlook.CommandTimeout = c.CommandTimeout
}

func getEnvString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := time.ParseDuration(strings.TrimSpace(value))
		if err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	if value, ok := os.LookupEnv(key); ok {
		var level slog.Level
		if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err == nil {
			return level
		}
	}
	return fallback
}
