package answer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/knowstack/internal/apperr"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-4.1-mini"
	DefaultTimeout = 30 * time.Second

	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
)

// ChatConfig configures an OpenAI-compatible chat completions endpoint.
type ChatConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// ChatClient generates answers with an OpenAI-compatible
// /chat/completions endpoint.
type ChatClient struct {
	apiKey     string
	baseURL    string
	model      string
	timeout    time.Duration
	httpClient *http.Client
}

var _ Generator = (*ChatClient)(nil)

func NewChatClient(cfg ChatConfig) *ChatClient {
	c := &ChatClient{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		timeout: cfg.Timeout,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.model == "" {
		c.model = DefaultModel
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	c.httpClient = &http.Client{Timeout: c.timeout}
	return c
}

// Model returns the configured model name.
func (c *ChatClient) Model() string { return c.model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Temperature float64       `json:"temperature"`
	Messages    []chatMessage `json:"messages"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (c *ChatClient) Generate(ctx context.Context, req Request) (Answer, error) {
	if err := validate(req); err != nil {
		return Answer{}, err
	}
	if c.apiKey == "" {
		return Answer{}, apperr.New(apperr.KindStoreUnavailable, "llm api key not configured")
	}

	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Temperature: 0.15,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt(req)},
		},
	})
	if err != nil {
		return Answer{}, fmt.Errorf("marshaling request: %w", err)
	}

	var lastErr error
	for attempt := range maxRetries {
		resp, err := c.doChat(ctx, body)
		if err == nil {
			return c.toAnswer(resp)
		}
		var rl *rateLimitError
		if !errors.As(err, &rl) {
			return Answer{}, apperr.Wrap(apperr.KindStoreUnavailable, err, "llm request failed")
		}
		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return Answer{}, apperr.Wrap(apperr.KindStoreUnavailable, ctx.Err(), "llm request cancelled")
			case <-time.After(backoff):
			}
		}
	}
	return Answer{}, apperr.Wrap(apperr.KindStoreUnavailable, lastErr, "llm rate limited after %d retries", maxRetries)
}

func (c *ChatClient) toAnswer(resp chatResponse) (Answer, error) {
	if len(resp.Choices) == 0 {
		return Answer{}, apperr.New(apperr.KindStoreUnavailable, "llm returned no choices")
	}
	text := EnsureFollowUp(resp.Choices[0].Message.Content)
	if text == "" {
		return Answer{}, apperr.New(apperr.KindStoreUnavailable, "llm returned an empty answer")
	}
	model := resp.Model
	if model == "" {
		model = c.model
	}
	return Answer{Text: text, Model: model}, nil
}

// rateLimitError is returned on HTTP 429.
type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func (c *ChatClient) doChat(ctx context.Context, body []byte) (chatResponse, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return chatResponse{}, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return chatResponse{}, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return chatResponse{}, &rateLimitError{status: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return chatResponse{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return chatResponse{}, fmt.Errorf("decoding response: %w", err)
	}
	return out, nil
}
