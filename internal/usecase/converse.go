package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"telegram-bridge/internal/correlation"
	"telegram-bridge/internal/domain"
)

const (
	defaultTimeout          = 60 * time.Second
	defaultModelSwitchDelay = time.Second
	modelCommandPrefix      = "/model "
	errorReplyPrefix        = "Error: "
)

// KeyScheme selects how correlation identifiers are derived.
type KeyScheme string

const (
	// KeyUnique appends a random token so concurrent requests never collide.
	KeyUnique KeyScheme = "unique"
	// KeyLegacy uses only model and message length; equal pairs collide.
	KeyLegacy KeyScheme = "legacy"
)

// ParseKeyScheme maps a configuration value onto a KeyScheme.
func ParseKeyScheme(s string) (KeyScheme, error) {
	switch KeyScheme(strings.ToLower(strings.TrimSpace(s))) {
	case "", KeyUnique:
		return KeyUnique, nil
	case KeyLegacy:
		return KeyLegacy, nil
	}
	return "", fmt.Errorf("usecase: unknown correlation key scheme %q", s)
}

type Outcome string

const (
	OutcomeReplied Outcome = "replied"
	OutcomeTimeout Outcome = "timeout"
	OutcomeFailed  Outcome = "failed"
)

// Transport is the chat session capability the bridge needs.
type Transport interface {
	// EnsureReady connects, verifies authorization and resolves the bot peer.
	EnsureReady(ctx context.Context) error
	// SendText sends text to the bot peer and returns the sent message id (0 if unknown).
	SendText(ctx context.Context, text string) (int, error)
}

type ConverseInput struct {
	Message string
	Model   string
	History []domain.ChatMessage
}

type ConverseOutput struct {
	Reply     string
	RequestID string
	Outcome   Outcome
}

type ConverseService struct {
	transport        Transport
	registry         *correlation.Registry
	logger           *slog.Logger
	timeout          time.Duration
	modelSwitchDelay time.Duration
	keys             KeyScheme
	forwardSystem    bool

	// held from the model command until the request text is sent
	sendSlot chan struct{}
}

type Option func(*ConverseService)

func WithTimeout(d time.Duration) Option {
	return func(s *ConverseService) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithModelSwitchDelay(d time.Duration) Option {
	return func(s *ConverseService) {
		if d >= 0 {
			s.modelSwitchDelay = d
		}
	}
}

func WithKeyScheme(k KeyScheme) Option {
	return func(s *ConverseService) {
		s.keys = k
	}
}

// WithSystemPromptForwarding prepends system history entries to the outbound text.
func WithSystemPromptForwarding(enabled bool) Option {
	return func(s *ConverseService) {
		s.forwardSystem = enabled
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *ConverseService) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewConverseService(t Transport, r *correlation.Registry, opts ...Option) (*ConverseService, error) {
	if t == nil {
		return nil, errors.New("usecase: transport must not be nil")
	}
	if r == nil {
		return nil, errors.New("usecase: registry must not be nil")
	}
	s := &ConverseService{
		transport:        t,
		registry:         r,
		logger:           slog.Default(),
		timeout:          defaultTimeout,
		modelSwitchDelay: defaultModelSwitchDelay,
		keys:             KeyUnique,
		sendSlot:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.keys != KeyUnique && s.keys != KeyLegacy {
		return nil, fmt.Errorf("usecase: unknown correlation key scheme %q", s.keys)
	}
	return s, nil
}

// Converse sends one user message to the bot and waits for its reply. Only
// invalid input and an unavailable transport are returned as errors; every
// other failure, including a timeout, comes back as reply text.
func (s *ConverseService) Converse(ctx context.Context, in ConverseInput) (out ConverseOutput, err error) {
	var id string
	defer func() {
		if r := recover(); r != nil {
			out = s.failed(ctx, id, newError(ErrorInternal, "panic", fmt.Errorf("%v", r)))
			err = nil
		}
	}()

	if strings.TrimSpace(in.Message) == "" {
		return ConverseOutput{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	for _, m := range in.History {
		if !domain.ValidRole(m.Role) {
			return ConverseOutput{}, newError(ErrorInvalidInput, "invalid_history_role", fmt.Errorf("role %q", m.Role))
		}
	}

	if readyErr := s.transport.EnsureReady(ctx); readyErr != nil {
		if errors.Is(readyErr, domain.ErrTransportUnavailable) {
			return ConverseOutput{}, newError(ErrorTransportUnavailable, "not_authorized", readyErr)
		}
		return s.failed(ctx, "", newError(ErrorInternal, "transport_not_ready", readyErr)), nil
	}

	id = s.identifier(in.Model, in.Message)
	pending := s.registry.Register(id)
	defer s.registry.Release(pending)

	messageID, sendErr := s.send(ctx, pending, in)
	if sendErr != nil {
		if sendErr.Code == ErrorTransportUnavailable {
			s.logger.WarnContext(ctx, "telegram session lost authorization", "request_id", id, "err", sendErr.Err)
			return ConverseOutput{}, sendErr
		}
		return s.failed(ctx, id, sendErr), nil
	}
	s.logger.InfoContext(ctx, "message sent to bot",
		"request_id", id, "model", in.Model, "chars", utf8.RuneCountInString(in.Message),
		"history", len(in.History), "message_id", messageID)

	reply, waitErr := pending.Wait(ctx, s.timeout)
	switch {
	case waitErr == nil:
		return ConverseOutput{Reply: reply, RequestID: id, Outcome: OutcomeReplied}, nil
	case errors.Is(waitErr, correlation.ErrTimeout):
		s.logger.WarnContext(ctx, "bot did not reply in time", "request_id", id, "timeout", s.timeout)
		return ConverseOutput{Reply: TimeoutReply(s.timeout), RequestID: id, Outcome: OutcomeTimeout}, nil
	default:
		return s.failed(ctx, id, newError(ErrorInternal, "cancelled", waitErr)), nil
	}
}

// send writes the optional model command and the request text as one
// uninterrupted pair. pending is armed right before its text goes out, so
// whatever the bot says about the command cannot be taken as the answer.
func (s *ConverseService) send(ctx context.Context, pending *correlation.Pending, in ConverseInput) (int, *Error) {
	select {
	case s.sendSlot <- struct{}{}:
	case <-ctx.Done():
		return 0, newError(ErrorInternal, "cancelled", ctx.Err())
	}
	defer func() { <-s.sendSlot }()

	if in.Model != "" {
		commandID, err := s.transport.SendText(ctx, modelCommandPrefix+in.Model)
		if err != nil {
			return 0, sendError("model_command", err)
		}
		s.registry.RecordSent(commandID)
		if err := sleepCtx(ctx, s.modelSwitchDelay); err != nil {
			return 0, newError(ErrorInternal, "cancelled", err)
		}
	}

	s.registry.Arm(pending)
	messageID, err := s.transport.SendText(ctx, s.outboundText(in))
	if err != nil {
		return 0, sendError("user_message", err)
	}
	s.registry.Bind(pending, messageID)
	return messageID, nil
}

func sendError(reason string, err error) *Error {
	if errors.Is(err, domain.ErrTransportUnavailable) {
		return newError(ErrorTransportUnavailable, "not_authorized", err)
	}
	return newError(ErrorTransportSendFailed, reason, err)
}

func (s *ConverseService) failed(ctx context.Context, id string, e *Error) ConverseOutput {
	s.logger.ErrorContext(ctx, "converse failed", "request_id", id, "code", e.Code, "reason", e.Reason, "err", e.Err)
	return ConverseOutput{Reply: errorReplyPrefix + e.Err.Error(), RequestID: id, Outcome: OutcomeFailed}
}

func (s *ConverseService) identifier(model, text string) string {
	id := LegacyIdentifier(model, text)
	if s.keys == KeyLegacy {
		return id
	}
	return id + "#" + newToken()
}

func (s *ConverseService) outboundText(in ConverseInput) string {
	if !s.forwardSystem {
		return in.Message
	}
	var parts []string
	for _, m := range in.History {
		if m.Role == domain.RoleSystem && strings.TrimSpace(m.Content) != "" {
			parts = append(parts, strings.TrimSpace(m.Content))
		}
	}
	if len(parts) == 0 {
		return in.Message
	}
	return strings.Join(parts, "\n") + "\n\n" + in.Message
}

// LegacyIdentifier derives the weak request key from the model selector and
// the character length of the message.
func LegacyIdentifier(model, text string) string {
	return model + "_" + strconv.Itoa(utf8.RuneCountInString(text))
}

// TimeoutReply is the user-visible text returned when no reply arrived.
func TimeoutReply(timeout time.Duration) string {
	return fmt.Sprintf("The bot did not respond within %d seconds. Please try again.", int(timeout.Round(time.Second)/time.Second))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var newToken = func() string {
	return uuid.NewString()
}
