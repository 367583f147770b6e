package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"telegram-bridge/internal/domain"
	"telegram-bridge/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	maxBodyBytes      = 1 << 20
)

// Converser is the bridge operation exposed by the endpoint.
type Converser interface {
	Converse(ctx context.Context, in usecase.ConverseInput) (usecase.ConverseOutput, error)
}

type sendMessageRequest struct {
	Message string               `json:"message"`
	Model   string               `json:"model"`
	History []domain.ChatMessage `json:"history,omitempty"`
}

type sendMessageResponse struct {
	Response string `json:"response"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

type Handler struct {
	converser Converser
	logger    *slog.Logger
}

func NewHandler(c Converser) (*Handler, error) {
	if c == nil {
		return nil, errors.New("handler: converser must not be nil")
	}
	return &Handler{converser: c, logger: slog.Default()}, nil
}

// Routes mounts the endpoint on a fresh mux.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/send_message", h)
	return mux
}

// ServeHTTP handles POST /send_message.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := correlationIDOrNew(r.Header.Get(correlationHeader))
	w.Header().Set(correlationHeader, correlationID)
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Detail: "method not allowed"})
		return
	}
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: fmt.Sprintf("failed to read request: %v", err)})
		return
	}
	status, payload := h.process(r.Context(), body, correlationID)
	writeJSON(w, status, payload)
}

// HandleAPIGateway applies the same translation for API Gateway proxy events.
func (h *Handler) HandleAPIGateway(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := correlationIDOrNew(headerValue(req.Headers, correlationHeader))
	headers := map[string]string{
		"Content-Type":    "application/json",
		correlationHeader: correlationID,
	}

	status, payload := http.StatusMethodNotAllowed, any(errorResponse{Detail: "method not allowed"})
	if strings.EqualFold(req.HTTPMethod, http.MethodPost) {
		if raw, err := eventBody(req); err != nil {
			status, payload = http.StatusBadRequest, errorResponse{Detail: "invalid request body: " + err.Error()}
		} else {
			status, payload = h.process(ctx, raw, correlationID)
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return events.APIGatewayProxyResponse{}, fmt.Errorf("handler: marshal response: %w", err)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    headers,
		Body:       string(body),
	}, nil
}

func eventBody(req events.APIGatewayProxyRequest) ([]byte, error) {
	if !req.IsBase64Encoded {
		return []byte(req.Body), nil
	}
	raw, err := base64.StdEncoding.DecodeString(req.Body)
	if err != nil {
		return nil, fmt.Errorf("decode base64 body: %w", err)
	}
	return raw, nil
}

func (h *Handler) process(ctx context.Context, body []byte, correlationID string) (int, any) {
	log := h.logger.With("correlation_id", correlationID)

	if len(body) > maxBodyBytes {
		return http.StatusRequestEntityTooLarge, errorResponse{Detail: "request body too large"}
	}
	var req sendMessageRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return http.StatusBadRequest, errorResponse{Detail: fmt.Sprintf("invalid request body: %v", err)}
	}
	if strings.TrimSpace(req.Message) == "" {
		return http.StatusBadRequest, errorResponse{Detail: "message must not be empty"}
	}

	out, err := h.converser.Converse(ctx, usecase.ConverseInput{
		Message: req.Message,
		Model:   req.Model,
		History: req.History,
	})
	if err != nil {
		status, detail := mapError(err)
		log.ErrorContext(ctx, "send_message failed", "status", status, "err", err)
		return status, errorResponse{Detail: detail}
	}

	log.InfoContext(ctx, "send_message completed", "request_id", out.RequestID, "outcome", out.Outcome)
	return http.StatusOK, sendMessageResponse{Response: out.Reply}
}

func mapError(err error) (int, string) {
	var usecaseErr *usecase.Error
	if !errors.As(err, &usecaseErr) {
		return http.StatusInternalServerError, "Error: " + err.Error()
	}
	switch usecaseErr.Code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest, invalidInputDetail(usecaseErr.Reason)
	case usecase.ErrorTransportUnavailable:
		return http.StatusUnauthorized, "not authorized in Telegram"
	default:
		return http.StatusInternalServerError, "Error: " + usecaseErr.Error()
	}
}

func invalidInputDetail(reason string) string {
	switch reason {
	case "empty_message":
		return "message must not be empty"
	case "invalid_history_role":
		return "history roles must be system, user or assistant"
	}
	return "invalid input: " + reason
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func correlationIDOrNew(v string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return uuid.NewString()
}

func headerValue(headers map[string]string, key string) string {
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}
