package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"telegram-bridge/internal/domain"
	"telegram-bridge/internal/integrations/bridgeapi"
)

func newChatCmd() *cobra.Command {
	var (
		url    string
		model  string
		system string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the bot through a running bridge",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := bridgeapi.NewClient(bridgeapi.WithBaseURL(url))
			out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()

			var turns []domain.Turn
			fmt.Fprintf(errOut, "Model: %s. Type /clear to reset, /models to list models.\n", model)
			scanner := bufio.NewScanner(cmd.InOrStdin())
			for {
				fmt.Fprint(errOut, "> ")
				if !scanner.Scan() {
					return scanner.Err()
				}
				line := strings.TrimSpace(scanner.Text())
				switch {
				case line == "":
					fmt.Fprintln(errOut, "Enter a message")
					continue
				case line == "/clear":
					turns = nil
					fmt.Fprintln(errOut, "Chat cleared")
					continue
				case line == "/models":
					fmt.Fprintln(out, strings.Join(bridgeapi.KnownModels, "\n"))
					continue
				}

				fmt.Fprintln(errOut, "Sending message to bot...")
				reply := client.Converse(cmd.Context(), line, model, turns, system)
				turns = append(turns, domain.Turn{User: line, Bot: reply})
				fmt.Fprintln(out, reply)
			}
		},
	}
	cmd.Flags().StringVar(&url, "url", "http://127.0.0.1:8000", "bridge base URL")
	cmd.Flags().StringVar(&model, "model", bridgeapi.KnownModels[0], "model selector sent to the bot")
	cmd.Flags().StringVar(&system, "system", "", "system message sent as history")
	return cmd
}
