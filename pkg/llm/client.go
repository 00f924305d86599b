// Package llm calls an OpenAI-compatible chat-completions endpoint to
// produce the bot's replies.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"meetbot-server/pkg/errors"
	"meetbot-server/pkg/util"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Config holds endpoint settings.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// Client is a chat-completions client. Each request carries the full
// conversation context; the endpoint holds no state between calls.
type Client struct {
	logger     *logrus.Entry
	config     Config
	httpClient *http.Client
	retry      util.RetryConfig
}

// NewClient creates a client with sane defaults filled in.
func NewClient(logger *logrus.Entry, config Config) *Client {
	if config.Model == "" {
		config.Model = "local"
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 512
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	retry := util.DefaultRetryConfig()
	retry.Retryable = func(err error) bool {
		return errors.Is(err, errors.ErrUpstreamUnavailable)
	}

	return &Client{
		logger:     logger,
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		retry:      retry,
	}
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete sends the full message list and returns the reply text.
// Transient upstream failures (network errors, 429, 5xx) are retried with
// backoff; anything else fails immediately.
func (c *Client) Complete(ctx context.Context, messages []Message) (string, error) {
	if len(messages) == 0 {
		return "", fmt.Errorf("no messages to complete: %w", errors.ErrInvalidInput)
	}

	var reply string
	op := func() error {
		var err error
		reply, err = c.complete(ctx, messages)
		return err
	}
	if err := util.Retry(ctx, op, c.retry); err != nil {
		return "", err
	}
	return reply, nil
}

func (c *Client) complete(ctx context.Context, messages []Message) (string, error) {
	payload := chatRequest{
		Model:       c.config.Model,
		Messages:    messages,
		MaxTokens:   c.config.MaxTokens,
		Temperature: c.config.Temperature,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal chat request: %w", err)
	}

	url := c.config.BaseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request failed: %w: %v", errors.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("chat endpoint returned %d: %w", resp.StatusCode, errors.ErrUpstreamUnavailable)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("chat endpoint rejected request with %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode chat response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("chat response contained no choices")
	}

	reply := strings.TrimSpace(out.Choices[0].Message.Content)
	c.logger.WithFields(logrus.Fields{
		"model":    c.config.Model,
		"duration": time.Since(started),
		"messages": len(messages),
	}).Debug("Chat completion finished")
	return reply, nil
}
