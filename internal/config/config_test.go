package config

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"telegram-bridge/internal/usecase"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

type fakeParams struct {
	vals  map[string]string
	err   error
	calls int
	names []string
}

func (f *fakeParams) GetParameters(_ context.Context, names ...string) (map[string]string, error) {
	f.calls++
	f.names = names
	return f.vals, f.err
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(envMap(nil))
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:8000", cfg.ListenAddr)
	require.Equal(t, ServeHTTP, cfg.ServeMode)
	require.Equal(t, slog.LevelInfo, cfg.LogLevel)
	require.Equal(t, "gpt_rubq_bot", cfg.Telegram.BotUsername)
	require.Equal(t, "telegram_session.json", cfg.Telegram.SessionFile)
	require.Equal(t, 60*time.Second, cfg.ReplyTimeout)
	require.Equal(t, time.Second, cfg.ModelSwitchDelay)
	require.Equal(t, usecase.KeyUnique, cfg.KeyScheme)
	require.False(t, cfg.ForwardSystemPrompt)
}

func TestLoad_FromEnv(t *testing.T) {
	cfg, err := Load(envMap(map[string]string{
		"PORT":                  "9000",
		"SERVE_MODE":            "Lambda",
		"TELEGRAM_API_ID":       "123",
		"TELEGRAM_API_HASH":     "hash",
		"TELEGRAM_PHONE_NUMBER": "+10000000000",
		"TELEGRAM_BOT_USERNAME": "other_bot",
		"SESSION_TABLE":         "sessions",
		"PARAM_PREFIX":          "/bridge/",
		"REPLY_TIMEOUT_SECONDS": "30",
		"MODEL_SWITCH_DELAY_MS": "250",
		"CORRELATION_KEYS":      "legacy",
		"FORWARD_SYSTEM_PROMPT": "true",
		"LOG_LEVEL":             "debug",
	}))
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.ListenAddr)
	require.Equal(t, ServeLambda, cfg.ServeMode)
	require.Equal(t, 123, cfg.Telegram.AppID)
	require.Equal(t, "hash", cfg.Telegram.AppHash)
	require.Equal(t, "+10000000000", cfg.Telegram.Phone)
	require.Equal(t, "other_bot", cfg.Telegram.BotUsername)
	require.Equal(t, "sessions", cfg.SessionTable)
	require.Equal(t, "/bridge", cfg.ParamPrefix)
	require.Equal(t, 30*time.Second, cfg.ReplyTimeout)
	require.Equal(t, 250*time.Millisecond, cfg.ModelSwitchDelay)
	require.Equal(t, usecase.KeyLegacy, cfg.KeyScheme)
	require.True(t, cfg.ForwardSystemPrompt)
	require.Equal(t, slog.LevelDebug, cfg.LogLevel)
}

func TestLoad_ListenAddrWinsOverPort(t *testing.T) {
	cfg, err := Load(envMap(map[string]string{"PORT": "9000", "LISTEN_ADDR": "0.0.0.0:7000"}))
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:7000", cfg.ListenAddr)
}

func TestLoad_InvalidNumbersFallBack(t *testing.T) {
	cfg, err := Load(envMap(map[string]string{"REPLY_TIMEOUT_SECONDS": "soon", "MODEL_SWITCH_DELAY_MS": "-5"}))
	require.NoError(t, err)
	require.Equal(t, 60*time.Second, cfg.ReplyTimeout)
	require.Equal(t, time.Second, cfg.ModelSwitchDelay)
}

func TestLoad_Errors(t *testing.T) {
	cases := map[string]map[string]string{
		"api id":     {"TELEGRAM_API_ID": "abc"},
		"serve mode": {"SERVE_MODE": "grpc"},
		"keys":       {"CORRELATION_KEYS": "sequential"},
		"log level":  {"LOG_LEVEL": "loud"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(envMap(env))
			require.Error(t, err)
		})
	}
}

func TestResolveCredentials_EnvOnly(t *testing.T) {
	cfg, err := Load(envMap(map[string]string{"TELEGRAM_API_ID": "1", "TELEGRAM_API_HASH": "h"}))
	require.NoError(t, err)
	require.NoError(t, cfg.ResolveCredentials(context.Background(), nil))
}

func TestResolveCredentials_MissingWithoutPrefix(t *testing.T) {
	cfg, err := Load(envMap(map[string]string{"TELEGRAM_API_HASH": "h"}))
	require.NoError(t, err)
	err = cfg.ResolveCredentials(context.Background(), nil)
	require.ErrorContains(t, err, "TELEGRAM_API_ID")
}

func TestResolveCredentials_FromParamStore(t *testing.T) {
	cfg, err := Load(envMap(map[string]string{"PARAM_PREFIX": "/bridge", "TELEGRAM_API_HASH": "from-env"}))
	require.NoError(t, err)

	params := &fakeParams{vals: map[string]string{
		"/bridge/api_id":       "777",
		"/bridge/api_hash":     "from-ssm",
		"/bridge/phone_number": "+15550000000",
		"/bridge/password":     "hunter2",
	}}
	require.NoError(t, cfg.ResolveCredentials(context.Background(), params))
	require.Equal(t, 1, params.calls)
	require.Equal(t, []string{"/bridge/api_id", "/bridge/api_hash", "/bridge/phone_number", "/bridge/password"}, params.names)
	require.Equal(t, 777, cfg.Telegram.AppID)
	require.Equal(t, "from-env", cfg.Telegram.AppHash, "environment wins over parameter store")
	require.Equal(t, "+15550000000", cfg.Telegram.Phone)
	require.Equal(t, "hunter2", cfg.Telegram.Password)
}

func TestResolveCredentials_SkipsParamStoreWhenComplete(t *testing.T) {
	cfg, err := Load(envMap(map[string]string{
		"PARAM_PREFIX": "/bridge", "TELEGRAM_API_ID": "1", "TELEGRAM_API_HASH": "h", "TELEGRAM_PHONE_NUMBER": "+1",
	}))
	require.NoError(t, err)
	params := &fakeParams{}
	require.NoError(t, cfg.ResolveCredentials(context.Background(), params))
	require.Zero(t, params.calls)
}

func TestResolveCredentials_ParamStoreErrors(t *testing.T) {
	cfg, err := Load(envMap(map[string]string{"PARAM_PREFIX": "/bridge"}))
	require.NoError(t, err)
	err = cfg.ResolveCredentials(context.Background(), &fakeParams{err: errors.New("AccessDenied")})
	require.ErrorContains(t, err, "AccessDenied")

	cfg, err = Load(envMap(map[string]string{"PARAM_PREFIX": "/bridge"}))
	require.NoError(t, err)
	err = cfg.ResolveCredentials(context.Background(), &fakeParams{vals: map[string]string{"/bridge/api_id": "x"}})
	require.ErrorContains(t, err, "must be an integer")

	cfg, err = Load(envMap(map[string]string{"PARAM_PREFIX": "/bridge"}))
	require.NoError(t, err)
	err = cfg.ResolveCredentials(context.Background(), nil)
	require.ErrorContains(t, err, "must not be nil")
}
