package bridgeapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"telegram-bridge/internal/domain"
)

const defaultBaseURL = "http://127.0.0.1:8000"

// KnownModels are the model selectors the bot understands.
var KnownModels = []string{
	"GPT-4o",
	"GPT-4 Turbo",
	"Claude 3 Opus",
	"Claude 3 Sonnet",
	"Claude 3 Haiku",
	"Gemini Pro",
	"DALL-E 3",
}

type sendMessageRequest struct {
	Message string               `json:"message"`
	Model   string               `json:"model"`
	History []domain.ChatMessage `json:"history"`
}

type sendMessageResponse struct {
	Response string `json:"response"`
}

// HTTPStatusError captures non-2xx responses from the bridge endpoint.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("bridgeapi: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client calls POST /send_message on a running bridge.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient returns a client whose HTTP timeout outlasts the bridge's
// default 60s reply window.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 90 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sendMessageURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	return base + "/send_message"
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 90 * time.Second}
}

// SendMessage posts one message and returns the bridge's response text.
func (c *Client) SendMessage(ctx context.Context, message, model string, history []domain.ChatMessage) (string, error) {
	if strings.TrimSpace(message) == "" {
		return "", errors.New("bridgeapi: message must not be empty")
	}
	if history == nil {
		history = []domain.ChatMessage{}
	}

	body, err := json.Marshal(sendMessageRequest{Message: message, Model: model, History: history})
	if err != nil {
		return "", fmt.Errorf("bridgeapi: marshal request: %w", err)
	}

	url := sendMessageURL(c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("bridgeapi: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		return "", fmt.Errorf("bridgeapi: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return "", &HTTPStatusError{StatusCode: res.StatusCode, URL: url, Body: string(buf)}
	}

	var payload sendMessageResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&payload); err != nil {
		return "", fmt.Errorf("bridgeapi: decode response: %w", err)
	}
	if payload.Response == "" {
		return "No response from the bot", nil
	}
	return payload.Response, nil
}

// Converse is the front-end contract: it never fails, every problem is
// rendered as text suitable for display in the conversation.
func (c *Client) Converse(ctx context.Context, userText, model string, priorTurns []domain.Turn, systemMessage string) string {
	reply, err := c.SendMessage(ctx, userText, model, BuildHistory(priorTurns, systemMessage))
	if err == nil {
		return reply
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return fmt.Sprintf("Error contacting bot: %d", statusErr.StatusCode)
	}
	return "Error: " + err.Error()
}
