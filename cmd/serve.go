package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"telegram-bridge/handler"
	"telegram-bridge/internal/config"
	"telegram-bridge/internal/correlation"
	"telegram-bridge/internal/usecase"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Telegram session and the /send_message endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, awsCfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	logger := slog.Default()

	// ---- Transport + correlation ----
	tgClient, err := newTelegramClient(cfg, awsCfg)
	if err != nil {
		return err
	}
	registry := correlation.NewRegistry()
	dispatcher, err := correlation.NewDispatcher(registry, logger)
	if err != nil {
		return err
	}
	tgClient.OnIncoming(dispatcher.Handle)

	// ---- Bridge + handler ----
	svc, err := usecase.NewConverseService(tgClient, registry,
		usecase.WithTimeout(cfg.ReplyTimeout),
		usecase.WithModelSwitchDelay(cfg.ModelSwitchDelay),
		usecase.WithKeyScheme(cfg.KeyScheme),
		usecase.WithSystemPromptForwarding(cfg.ForwardSystemPrompt),
		usecase.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	h, err := handler.NewHandler(svc)
	if err != nil {
		return err
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := tgClient.Run(egCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("telegram session stopped", "err", err)
			return err
		}
		return nil
	})

	if cfg.ServeMode == config.ServeLambda {
		eg.Go(func() error {
			logger.Info("starting lambda handler")
			lambda.StartWithOptions(h.HandleAPIGateway, lambda.WithContext(egCtx))
			return nil
		})
		return eg.Wait()
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.ReplyTimeout + 30*time.Second,
		IdleTimeout:       120 * time.Second,
	}
	eg.Go(func() error {
		<-egCtx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "err", err)
			return err
		}
		return nil
	})
	eg.Go(func() error {
		logger.Info("starting bridge server", "addr", cfg.ListenAddr, "bot", cfg.Telegram.BotUsername,
			"timeout", cfg.ReplyTimeout, "keys", cfg.KeyScheme)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server listen error", "err", err)
			return err
		}
		return nil
	})
	return eg.Wait()
}
