package telegram

import (
	"context"
	"errors"
	"fmt"

	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
)

// CodePrompt returns the login code Telegram delivered to the account.
type CodePrompt func(ctx context.Context) (string, error)

// Login runs the interactive phone-code flow if the stored session is not yet
// authorized, persisting the result through the configured storage.
func (c *Client) Login(ctx context.Context, prompt CodePrompt) error {
	if c.cfg.Phone == "" {
		return errors.New("telegram: phone number is required to log in")
	}
	if prompt == nil {
		return errors.New("telegram: code prompt must not be nil")
	}

	code := auth.CodeAuthenticatorFunc(func(ctx context.Context, _ *tg.AuthSentCode) (string, error) {
		return prompt(ctx)
	})
	var user auth.UserAuthenticator = auth.CodeOnly(c.cfg.Phone, code)
	if c.cfg.Password != "" {
		user = auth.Constant(c.cfg.Phone, c.cfg.Password, code)
	}
	flow := auth.NewFlow(user, auth.SendCodeOptions{})

	return c.tg.Run(ctx, func(ctx context.Context) error {
		if err := c.tg.Auth().IfNecessary(ctx, flow); err != nil {
			return fmt.Errorf("telegram: login: %w", err)
		}
		status, err := c.tg.Auth().Status(ctx)
		if err != nil {
			return fmt.Errorf("telegram: auth status: %w", err)
		}
		if !status.Authorized {
			return errors.New("telegram: login finished but session is not authorized")
		}
		c.logger.InfoContext(ctx, "telegram login complete", "user_id", status.User.ID)
		return nil
	})
}
