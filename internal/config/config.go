package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"telegram-bridge/internal/usecase"
)

const (
	ServeHTTP   = "http"
	ServeLambda = "lambda"

	defaultListenAddr  = "127.0.0.1:8000"
	defaultBotUsername = "gpt_rubq_bot"
	defaultSessionFile = "telegram_session.json"
	defaultTimeoutSecs = 60
	defaultModelDelay  = 1000
)

// ParamGetter resolves a batch of Parameter Store names. *paramstore.Client
// satisfies it.
type ParamGetter interface {
	GetParameters(ctx context.Context, names ...string) (map[string]string, error)
}

type Telegram struct {
	AppID       int
	AppHash     string
	Phone       string
	Password    string
	BotUsername string
	SessionFile string
}

type Config struct {
	ListenAddr  string
	ServeMode   string
	LogLevel    slog.Level
	ParamPrefix string
	// SessionTable selects DynamoDB session storage when non-empty.
	SessionTable string

	Telegram Telegram

	ReplyTimeout        time.Duration
	ModelSwitchDelay    time.Duration
	KeyScheme           usecase.KeyScheme
	ForwardSystemPrompt bool
}

// Load reads configuration from getenv. Credentials may still be missing
// afterwards if they are meant to come from Parameter Store.
func Load(getenv func(string) string) (Config, error) {
	cfg := Config{
		ListenAddr:   envString(getenv, "LISTEN_ADDR", defaultListenAddr),
		ServeMode:    strings.ToLower(envString(getenv, "SERVE_MODE", ServeHTTP)),
		ParamPrefix:  strings.TrimRight(strings.TrimSpace(getenv("PARAM_PREFIX")), "/"),
		SessionTable: strings.TrimSpace(getenv("SESSION_TABLE")),
		Telegram: Telegram{
			AppHash:     strings.TrimSpace(getenv("TELEGRAM_API_HASH")),
			Phone:       strings.TrimSpace(getenv("TELEGRAM_PHONE_NUMBER")),
			Password:    getenv("TELEGRAM_PASSWORD"),
			BotUsername: envString(getenv, "TELEGRAM_BOT_USERNAME", defaultBotUsername),
			SessionFile: envString(getenv, "TELEGRAM_SESSION_FILE", defaultSessionFile),
		},
		ReplyTimeout:        time.Duration(envInt(getenv, "REPLY_TIMEOUT_SECONDS", defaultTimeoutSecs)) * time.Second,
		ModelSwitchDelay:    time.Duration(envInt(getenv, "MODEL_SWITCH_DELAY_MS", defaultModelDelay)) * time.Millisecond,
		ForwardSystemPrompt: envBool(getenv, "FORWARD_SYSTEM_PROMPT"),
	}
	if port := strings.TrimSpace(getenv("PORT")); port != "" && getenv("LISTEN_ADDR") == "" {
		cfg.ListenAddr = ":" + port
	}

	if raw := strings.TrimSpace(getenv("TELEGRAM_API_ID")); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("config: TELEGRAM_API_ID must be an integer: %w", err)
		}
		cfg.Telegram.AppID = id
	}

	if cfg.ServeMode != ServeHTTP && cfg.ServeMode != ServeLambda {
		return Config{}, fmt.Errorf("config: SERVE_MODE must be %q or %q, got %q", ServeHTTP, ServeLambda, cfg.ServeMode)
	}
	keys, err := usecase.ParseKeyScheme(getenv("CORRELATION_KEYS"))
	if err != nil {
		return Config{}, fmt.Errorf("config: CORRELATION_KEYS: %w", err)
	}
	cfg.KeyScheme = keys

	level, err := parseLevel(getenv("LOG_LEVEL"))
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel = level
	return cfg, nil
}

// ResolveCredentials fills in missing Telegram credentials from Parameter
// Store under ParamPrefix. Values already set from the environment win.
func (c *Config) ResolveCredentials(ctx context.Context, params ParamGetter) error {
	if c.ParamPrefix != "" && c.needsCredentials() {
		if params == nil {
			return errors.New("config: param getter must not be nil when PARAM_PREFIX is set")
		}
		names := map[string]string{
			"api_id":       c.ParamPrefix + "/api_id",
			"api_hash":     c.ParamPrefix + "/api_hash",
			"phone_number": c.ParamPrefix + "/phone_number",
			"password":     c.ParamPrefix + "/password",
		}
		vals, err := params.GetParameters(ctx, names["api_id"], names["api_hash"], names["phone_number"], names["password"])
		if err != nil {
			return fmt.Errorf("config: load telegram credentials: %w", err)
		}
		if c.Telegram.AppID == 0 {
			if raw := strings.TrimSpace(vals[names["api_id"]]); raw != "" {
				id, err := strconv.Atoi(raw)
				if err != nil {
					return fmt.Errorf("config: parameter %s must be an integer: %w", names["api_id"], err)
				}
				c.Telegram.AppID = id
			}
		}
		if c.Telegram.AppHash == "" {
			c.Telegram.AppHash = strings.TrimSpace(vals[names["api_hash"]])
		}
		if c.Telegram.Phone == "" {
			c.Telegram.Phone = strings.TrimSpace(vals[names["phone_number"]])
		}
		if c.Telegram.Password == "" {
			c.Telegram.Password = vals[names["password"]]
		}
	}
	return c.validateCredentials()
}

func (c *Config) needsCredentials() bool {
	return c.Telegram.AppID == 0 || c.Telegram.AppHash == "" || c.Telegram.Phone == ""
}

func (c *Config) validateCredentials() error {
	if c.Telegram.AppID == 0 {
		return errors.New("config: TELEGRAM_API_ID is not set")
	}
	if c.Telegram.AppHash == "" {
		return errors.New("config: TELEGRAM_API_HASH is not set")
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("config: unknown LOG_LEVEL %q", s)
}

func envString(getenv func(string) string, key, def string) string {
	if v := strings.TrimSpace(getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(getenv func(string) string, key string, def int) int {
	v := getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func envBool(getenv func(string) string, key string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(getenv(key)))
	return err == nil && b
}
