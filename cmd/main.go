package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/gotd/td/session"
	"github.com/spf13/cobra"

	"telegram-bridge/internal/config"
	"telegram-bridge/internal/integrations/paramstore"
	"telegram-bridge/internal/integrations/telegram"
	"telegram-bridge/internal/repository"
)

const sessionName = "telegram"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	serve := newServeCmd()
	root := &cobra.Command{
		Use:   "tgbridge",
		Short: "Synchronous HTTP bridge to an asynchronous Telegram chat bot",
		Long: `tgbridge exposes POST /send_message and relays each message to a Telegram
bot over a user session, waiting for the bot's reply before answering.

Run "tgbridge login" once to authorize the session, then "tgbridge serve".`,
		SilenceUsage: true,
		RunE:         serve.RunE,
	}
	root.AddCommand(serve, newLoginCmd(), newChatCmd())
	return root
}

// loadConfig reads the environment, configures logging and resolves the
// Telegram credentials, from Parameter Store when PARAM_PREFIX is set.
func loadConfig(ctx context.Context) (config.Config, *aws.Config, error) {
	cfg, err := config.Load(os.Getenv)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	var awsCfg *aws.Config
	if cfg.SessionTable != "" || cfg.ParamPrefix != "" {
		loaded, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return config.Config{}, nil, fmt.Errorf("load AWS config: %w", err)
		}
		awsCfg = &loaded
	}

	if cfg.ParamPrefix != "" {
		ssmClient, err := paramstore.New(awsssm.NewFromConfig(*awsCfg))
		if err != nil {
			return config.Config{}, nil, fmt.Errorf("create SSM client: %w", err)
		}
		err = cfg.ResolveCredentials(ctx, ssmClient)
		if err != nil {
			return config.Config{}, nil, err
		}
	} else if err := cfg.ResolveCredentials(ctx, nil); err != nil {
		return config.Config{}, nil, err
	}
	return cfg, awsCfg, nil
}

func sessionStorage(cfg config.Config, awsCfg *aws.Config) (session.Storage, error) {
	if cfg.SessionTable == "" {
		return &session.FileStorage{Path: cfg.Telegram.SessionFile}, nil
	}
	store, err := repository.NewSessionStore(awsdynamodb.NewFromConfig(*awsCfg), cfg.SessionTable, sessionName)
	if err != nil {
		return nil, fmt.Errorf("create session store: %w", err)
	}
	return store, nil
}

func newTelegramClient(cfg config.Config, awsCfg *aws.Config) (*telegram.Client, error) {
	storage, err := sessionStorage(cfg, awsCfg)
	if err != nil {
		return nil, err
	}
	client, err := telegram.New(telegram.Config{
		AppID:       cfg.Telegram.AppID,
		AppHash:     cfg.Telegram.AppHash,
		Phone:       cfg.Telegram.Phone,
		Password:    cfg.Telegram.Password,
		BotUsername: cfg.Telegram.BotUsername,
		Storage:     storage,
	}, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("create telegram client: %w", err)
	}
	return client, nil
}
