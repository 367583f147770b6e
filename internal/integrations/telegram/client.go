package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"telegram-bridge/internal/domain"
)

const defaultConnectTimeout = 10 * time.Second

type Config struct {
	AppID       int
	AppHash     string
	Phone       string
	Password    string
	BotUsername string
	Storage     session.Storage
}

// IncomingHandler receives every message the bot peer sends to the account.
type IncomingHandler func(ctx context.Context, in domain.Incoming)

// Client owns the single MTProto session used to talk to the bot peer.
type Client struct {
	cfg    Config
	logger *slog.Logger
	tg     *telegram.Client

	connected   chan struct{}
	connectOnce sync.Once

	mu         sync.Mutex
	sender     *message.Sender
	authorized bool
	peer       tg.InputPeerClass

	botID  atomic.Int64
	sendMu sync.Mutex

	onIncoming     IncomingHandler
	connectTimeout time.Duration
	authStatus     func(ctx context.Context) (bool, error)
}

func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.AppID <= 0 {
		return nil, errors.New("telegram: app id must be positive")
	}
	if strings.TrimSpace(cfg.AppHash) == "" {
		return nil, errors.New("telegram: app hash must not be empty")
	}
	cfg.BotUsername = strings.TrimPrefix(strings.TrimSpace(cfg.BotUsername), "@")
	if cfg.BotUsername == "" {
		return nil, errors.New("telegram: bot username must not be empty")
	}
	if cfg.Storage == nil {
		return nil, errors.New("telegram: session storage must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		cfg:            cfg,
		logger:         logger,
		connected:      make(chan struct{}),
		connectTimeout: defaultConnectTimeout,
	}
	c.authStatus = func(ctx context.Context) (bool, error) {
		status, err := c.tg.Auth().Status(ctx)
		if err != nil {
			return false, err
		}
		return status.Authorized, nil
	}
	dispatcher := tg.NewUpdateDispatcher()
	dispatcher.OnNewMessage(c.handleNewMessage)
	c.tg = telegram.NewClient(cfg.AppID, cfg.AppHash, telegram.Options{
		SessionStorage: cfg.Storage,
		UpdateHandler:  shortMessageHandler{c: c, next: dispatcher},
	})
	return c, nil
}

// OnIncoming registers the callback for bot messages. Call before Run.
func (c *Client) OnIncoming(h IncomingHandler) {
	c.onIncoming = h
}

// Run connects and keeps the session alive until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	return c.tg.Run(ctx, func(ctx context.Context) error {
		authorized, err := c.authStatus(ctx)
		if err != nil {
			return fmt.Errorf("telegram: auth status: %w", err)
		}

		c.mu.Lock()
		c.sender = message.NewSender(c.tg.API())
		c.authorized = authorized
		c.mu.Unlock()
		c.connectOnce.Do(func() { close(c.connected) })

		if authorized {
			c.logger.InfoContext(ctx, "telegram session connected", "bot", c.cfg.BotUsername)
		} else {
			c.logger.WarnContext(ctx, "telegram session is not authorized, run the login command")
		}

		<-ctx.Done()
		return ctx.Err()
	})
}

// EnsureReady waits for the session, checks authorization and resolves the
// bot peer. An unauthorized session is re-checked on every call, so a login
// made while serving is picked up. The resolved peer is cached; a failed
// resolution is retried on the next call.
func (c *Client) EnsureReady(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()
	select {
	case <-c.connected:
	case <-waitCtx.Done():
		return fmt.Errorf("telegram: session not connected: %w", domain.ErrTransportUnavailable)
	}

	c.mu.Lock()
	authorized, sender, peer := c.authorized, c.sender, c.peer
	c.mu.Unlock()
	if !authorized {
		ok, err := c.authStatus(ctx)
		if err != nil {
			return fmt.Errorf("telegram: auth status: %w: %w", domain.ErrTransportUnavailable, err)
		}
		if !ok {
			return fmt.Errorf("telegram: session not authorized: %w", domain.ErrTransportUnavailable)
		}
		c.mu.Lock()
		c.authorized = true
		c.mu.Unlock()
		c.logger.InfoContext(ctx, "telegram session authorized")
	}
	if peer != nil {
		return nil
	}

	resolved, err := sender.Resolve(c.cfg.BotUsername).AsInputPeer(ctx)
	if err != nil {
		return fmt.Errorf("telegram: resolve %q: %w", c.cfg.BotUsername, err)
	}
	user, ok := resolved.(*tg.InputPeerUser)
	if !ok {
		return fmt.Errorf("telegram: %q is not a user peer", c.cfg.BotUsername)
	}

	c.mu.Lock()
	c.peer = resolved
	c.mu.Unlock()
	c.botID.Store(user.UserID)
	return nil
}

// SendText sends text to the bot. Sends are serialized over the session.
func (c *Client) SendText(ctx context.Context, text string) (int, error) {
	c.mu.Lock()
	sender, peer := c.sender, c.peer
	c.mu.Unlock()
	if sender == nil || peer == nil {
		return 0, fmt.Errorf("telegram: send before ready: %w", domain.ErrTransportUnavailable)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	upd, err := sender.To(peer).Text(ctx, text)
	if err != nil {
		return 0, c.sendFailed(err)
	}
	return sentMessageID(upd), nil
}

// sendFailed drops the cached authorization when Telegram rejects the
// session, so revocation surfaces as an unavailable transport.
func (c *Client) sendFailed(err error) error {
	if !tgerr.IsCode(err, 401) {
		return fmt.Errorf("telegram: send message: %w", err)
	}
	c.mu.Lock()
	c.authorized = false
	c.mu.Unlock()
	return fmt.Errorf("telegram: send message: %w: %w", domain.ErrTransportUnavailable, err)
}

func (c *Client) handleNewMessage(ctx context.Context, _ tg.Entities, u *tg.UpdateNewMessage) error {
	msg, ok := u.Message.(*tg.Message)
	if !ok {
		return nil
	}
	from, ok := msg.PeerID.(*tg.PeerUser)
	if !ok {
		return nil
	}
	c.deliver(ctx, msg.Out, from.UserID, domain.Incoming{
		Text:      msg.Message,
		MessageID: msg.ID,
		ReplyToID: replyToID(msg.GetReplyTo()),
	})
	return nil
}

func (c *Client) deliver(ctx context.Context, out bool, userID int64, in domain.Incoming) {
	if out || c.onIncoming == nil {
		return
	}
	if bot := c.botID.Load(); bot == 0 || bot != userID {
		return
	}
	c.onIncoming(ctx, in)
}

// shortMessageHandler delivers UpdateShortMessage, which the generated
// dispatcher ignores, and hands everything else on.
type shortMessageHandler struct {
	c    *Client
	next telegram.UpdateHandler
}

func (h shortMessageHandler) Handle(ctx context.Context, u tg.UpdatesClass) error {
	if short, ok := u.(*tg.UpdateShortMessage); ok {
		h.c.deliver(ctx, short.Out, short.UserID, domain.Incoming{
			Text:      short.Message,
			MessageID: short.ID,
			ReplyToID: replyToID(short.GetReplyTo()),
		})
		return nil
	}
	return h.next.Handle(ctx, u)
}

func replyToID(h tg.MessageReplyHeaderClass, ok bool) int {
	if !ok {
		return 0
	}
	if hdr, isMsg := h.(*tg.MessageReplyHeader); isMsg {
		return hdr.ReplyToMsgID
	}
	return 0
}

// sentMessageID extracts the id of our own message from a send result.
func sentMessageID(u tg.UpdatesClass) int {
	switch v := u.(type) {
	case *tg.UpdateShortSentMessage:
		return v.ID
	case *tg.Updates:
		return messageIDFrom(v.Updates)
	case *tg.UpdatesCombined:
		return messageIDFrom(v.Updates)
	}
	return 0
}

func messageIDFrom(updates []tg.UpdateClass) int {
	for _, upd := range updates {
		switch v := upd.(type) {
		case *tg.UpdateMessageID:
			return v.ID
		case *tg.UpdateNewMessage:
			if m, ok := v.Message.(*tg.Message); ok && m.Out {
				return m.ID
			}
		}
	}
	return 0
}
