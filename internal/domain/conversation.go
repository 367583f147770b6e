package domain

import "errors"

// ErrTransportUnavailable is returned by transport adapters when the chat
// session is not connected or not authorized.
var ErrTransportUnavailable = errors.New("transport unavailable")

// Turn is one exchange shown by a front end. Bot is empty while the reply is
// still outstanding.
type Turn struct {
	User string
	Bot  string
}

// Incoming is a single message event received from the bot peer.
type Incoming struct {
	Text      string
	MessageID int
	// ReplyToID is the id of the message this one replies to, 0 if unknown.
	ReplyToID int
}
