package telegram

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/stretchr/testify/require"

	"telegram-bridge/internal/domain"
)

func newTestClient(t *testing.T) (*Client, *[]domain.Incoming) {
	t.Helper()
	c, err := New(Config{
		AppID:       12345,
		AppHash:     "hash",
		BotUsername: "@gpt_rubq_bot",
		Storage:     &session.StorageMemory{},
	}, nil)
	require.NoError(t, err)

	got := &[]domain.Incoming{}
	c.OnIncoming(func(_ context.Context, in domain.Incoming) {
		*got = append(*got, in)
	})
	return c, got
}

func TestNew_Validates(t *testing.T) {
	storage := &session.StorageMemory{}
	cases := []Config{
		{AppID: 0, AppHash: "h", BotUsername: "bot", Storage: storage},
		{AppID: 1, AppHash: " ", BotUsername: "bot", Storage: storage},
		{AppID: 1, AppHash: "h", BotUsername: "@", Storage: storage},
		{AppID: 1, AppHash: "h", BotUsername: "bot"},
	}
	for _, cfg := range cases {
		_, err := New(cfg, nil)
		require.Error(t, err)
	}
}

func TestNew_TrimsBotUsername(t *testing.T) {
	c, _ := newTestClient(t)
	require.Equal(t, "gpt_rubq_bot", c.cfg.BotUsername)
}

func TestHandleNewMessage_DeliversBotMessages(t *testing.T) {
	c, got := newTestClient(t)
	c.botID.Store(42)

	msg := &tg.Message{ID: 7, PeerID: &tg.PeerUser{UserID: 42}, Message: "Hi there"}
	msg.SetReplyTo(&tg.MessageReplyHeader{ReplyToMsgID: 6})
	require.NoError(t, c.handleNewMessage(context.Background(), tg.Entities{}, &tg.UpdateNewMessage{Message: msg}))

	require.Equal(t, []domain.Incoming{{Text: "Hi there", MessageID: 7, ReplyToID: 6}}, *got)
}

func TestHandleNewMessage_Filters(t *testing.T) {
	c, got := newTestClient(t)

	// Peer not resolved yet.
	msg := &tg.Message{ID: 1, PeerID: &tg.PeerUser{UserID: 42}, Message: "early"}
	require.NoError(t, c.handleNewMessage(context.Background(), tg.Entities{}, &tg.UpdateNewMessage{Message: msg}))

	c.botID.Store(42)
	others := []tg.MessageClass{
		&tg.Message{ID: 2, PeerID: &tg.PeerUser{UserID: 99}, Message: "someone else"},
		&tg.Message{ID: 3, Out: true, PeerID: &tg.PeerUser{UserID: 42}, Message: "/model GPT-4o"},
		&tg.Message{ID: 4, PeerID: &tg.PeerChat{ChatID: 42}, Message: "group"},
		&tg.MessageEmpty{ID: 5},
	}
	for _, m := range others {
		require.NoError(t, c.handleNewMessage(context.Background(), tg.Entities{}, &tg.UpdateNewMessage{Message: m}))
	}
	require.Empty(t, *got)
}

func TestShortMessageHandler(t *testing.T) {
	c, got := newTestClient(t)
	c.botID.Store(42)

	h := shortMessageHandler{c: c, next: tg.NewUpdateDispatcher()}
	short := &tg.UpdateShortMessage{ID: 11, UserID: 42, Message: "Pong"}
	require.NoError(t, h.Handle(context.Background(), short))
	require.NoError(t, h.Handle(context.Background(), &tg.UpdateShortMessage{ID: 12, UserID: 42, Out: true, Message: "Ping"}))
	require.NoError(t, h.Handle(context.Background(), &tg.UpdatesTooLong{}))

	require.Equal(t, []domain.Incoming{{Text: "Pong", MessageID: 11}}, *got)
}

func TestSentMessageID(t *testing.T) {
	require.Equal(t, 5, sentMessageID(&tg.UpdateShortSentMessage{ID: 5}))
	require.Equal(t, 8, sentMessageID(&tg.Updates{Updates: []tg.UpdateClass{
		&tg.UpdateMessageID{ID: 8, RandomID: 1},
	}}))
	require.Equal(t, 9, sentMessageID(&tg.UpdatesCombined{Updates: []tg.UpdateClass{
		&tg.UpdateNewMessage{Message: &tg.Message{ID: 3, Out: false}},
		&tg.UpdateNewMessage{Message: &tg.Message{ID: 9, Out: true}},
	}}))
	require.Zero(t, sentMessageID(&tg.UpdatesTooLong{}))
}

func TestEnsureReady_NotConnected(t *testing.T) {
	c, _ := newTestClient(t)
	c.connectTimeout = 10 * time.Millisecond

	err := c.EnsureReady(context.Background())
	require.ErrorIs(t, err, domain.ErrTransportUnavailable)
}

func TestEnsureReady_NotAuthorized(t *testing.T) {
	c, _ := newTestClient(t)
	c.connectOnce.Do(func() { close(c.connected) })
	checks := 0
	c.authStatus = func(context.Context) (bool, error) {
		checks++
		return false, nil
	}

	err := c.EnsureReady(context.Background())
	require.ErrorIs(t, err, domain.ErrTransportUnavailable)
	require.Contains(t, err.Error(), "not authorized")

	_ = c.EnsureReady(context.Background())
	require.Equal(t, 2, checks, "status is re-checked while unauthorized")
}

func TestEnsureReady_PicksUpLaterLogin(t *testing.T) {
	c, _ := newTestClient(t)
	c.connectOnce.Do(func() { close(c.connected) })
	c.peer = &tg.InputPeerUser{UserID: 7}
	c.authStatus = func(context.Context) (bool, error) { return true, nil }

	require.NoError(t, c.EnsureReady(context.Background()))
	require.True(t, c.authorized)
}

func TestEnsureReady_StatusCheckFails(t *testing.T) {
	c, _ := newTestClient(t)
	c.connectOnce.Do(func() { close(c.connected) })
	c.authStatus = func(context.Context) (bool, error) { return false, errors.New("connection reset") }

	err := c.EnsureReady(context.Background())
	require.ErrorIs(t, err, domain.ErrTransportUnavailable)
	require.ErrorContains(t, err, "connection reset")
}

func TestSendFailed_RevokedSessionIsUnavailable(t *testing.T) {
	c, _ := newTestClient(t)
	c.authorized = true

	err := c.sendFailed(tgerr.New(401, "AUTH_KEY_UNREGISTERED"))
	require.ErrorIs(t, err, domain.ErrTransportUnavailable)
	require.False(t, c.authorized)

	c.authorized = true
	err = c.sendFailed(tgerr.New(420, "FLOOD_WAIT_3"))
	require.NotErrorIs(t, err, domain.ErrTransportUnavailable)
	require.True(t, c.authorized)
}

func TestSendText_BeforeReady(t *testing.T) {
	c, _ := newTestClient(t)
	_, err := c.SendText(context.Background(), "Hello")
	require.ErrorIs(t, err, domain.ErrTransportUnavailable)
}

func TestLogin_RequiresPhone(t *testing.T) {
	c, _ := newTestClient(t)
	err := c.Login(context.Background(), func(context.Context) (string, error) { return "12345", nil })
	require.ErrorContains(t, err, "phone number")
}
