package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Authorize the Telegram session interactively",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, awsCfg, err := loadConfig(cmd.Context())
			if err != nil {
				return err
			}
			client, err := newTelegramClient(cfg, awsCfg)
			if err != nil {
				return err
			}

			in := bufio.NewReader(cmd.InOrStdin())
			return client.Login(cmd.Context(), func(context.Context) (string, error) {
				fmt.Fprint(os.Stderr, "Enter the code Telegram sent you: ")
				code, err := in.ReadString('\n')
				if err != nil {
					return "", fmt.Errorf("read code: %w", err)
				}
				return strings.TrimSpace(code), nil
			})
		},
	}
}
