package correlation

import (
	"context"
	"errors"
	"log/slog"

	"telegram-bridge/internal/domain"
)

// Dispatcher attributes inbound bot messages to waiting requests. It is
// called from the transport receive loop and never blocks on waiters.
type Dispatcher struct {
	registry *Registry
	logger   *slog.Logger
}

func NewDispatcher(r *Registry, logger *slog.Logger) (*Dispatcher, error) {
	if r == nil {
		return nil, errors.New("correlation: registry must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{registry: r, logger: logger}, nil
}

// Dispatch fulfills at most one entry with in.Text. An exact reply-to match
// is preferred. A reply threaded to an outbound message that no longer has a
// waiter is dropped; otherwise the oldest armed entry is chosen.
func (d *Dispatcher) Dispatch(ctx context.Context, in domain.Incoming) bool {
	if id, ok := d.registry.FulfillReplyTo(in.ReplyToID, in.Text); ok {
		d.logger.InfoContext(ctx, "bot reply matched by reply-to",
			"request_id", id, "message_id", in.MessageID, "reply_to", in.ReplyToID)
		return true
	}
	if d.registry.WasSent(in.ReplyToID) {
		d.logger.WarnContext(ctx, "correlation: reply to a message with no waiting request, discarding",
			"message_id", in.MessageID, "reply_to", in.ReplyToID)
		return false
	}

	id, pending, ok := d.registry.FulfillFirstPending(in.Text)
	if !ok {
		d.logger.DebugContext(ctx, "correlation: no pending request, discarding bot message",
			"message_id", in.MessageID)
		return false
	}
	if pending > 1 {
		d.logger.WarnContext(ctx, "possible misattributed reply",
			"request_id", id, "pending", pending, "message_id", in.MessageID)
	} else {
		d.logger.InfoContext(ctx, "bot reply received", "request_id", id, "message_id", in.MessageID)
	}
	return true
}

// Handle adapts Dispatch to the transport's incoming-message callback shape.
func (d *Dispatcher) Handle(ctx context.Context, in domain.Incoming) {
	d.Dispatch(ctx, in)
}
