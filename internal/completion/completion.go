// Package completion calls an OpenAI-compatible chat completions API to
// produce the persona's conversational replies.
package completion

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
)

const defaultTimeout = 60 * time.Second

// ErrUnavailable reports that the completion backend failed: transport
// error, timeout, non-2xx status, or an unparseable or empty reply. Callers
// surface it as a request failure without touching the usage counters.
var ErrUnavailable = errors.New("completion backend unavailable")

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Client struct {
	apiBase    string
	model      string
	apiKey     string
	httpClient *http.Client
}

func NewClient(apiBase, model, apiKey string, timeout time.Duration) (*Client, error) {
	apiBase = strings.TrimRight(strings.TrimSpace(apiBase), "/")
	if apiBase == "" {
		return nil, fmt.Errorf("completion API base not configured")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, fmt.Errorf("completion model not configured")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		apiBase:    apiBase,
		model:      model,
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Complete sends the system prompt and user message and returns the
// assistant reply text.
func (c *Client) Complete(ctx context.Context, systemPrompt, userMessage string) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"model": c.model,
		"messages": []Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userMessage},
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal completion request: %w", err)
	}

	endpoint := c.apiBase + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", fmt.Errorf("%w: status=%d error=%s", ErrUnavailable, resp.StatusCode, extractAPIError(body))
	}

	reply, err := parseReply(body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return reply, nil
}

func parseReply(body []byte) (string, error) {
	var apiResponse struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &apiResponse); err != nil {
		return "", fmt.Errorf("parse response: %v", err)
	}
	if len(apiResponse.Choices) == 0 {
		return "", errors.New("response has no choices")
	}
	reply := apiResponse.Choices[0].Message.Content
	if strings.TrimSpace(reply) == "" {
		return "", errors.New("response has empty content")
	}
	return reply, nil
}

func extractAPIError(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return "empty response body"
	}
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if msg := strings.TrimSpace(payload.Error.Message); msg != "" {
			return msg
		}
		if msg := strings.TrimSpace(payload.Message); msg != "" {
			return msg
		}
	}
	if len(trimmed) > 500 {
		return trimmed[:500] + "..."
	}
	return trimmed
}
