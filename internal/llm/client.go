// Package llm provides the decision oracle: a chat client for the Anthropic
// Messages API or any OpenAI-compatible chat-completions endpoint.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"

	anthropicURL     = "https://api.anthropic.com/v1/messages"
	anthropicVersion = "2023-06-01"
	openAIURL        = "https://api.openai.com/v1"

	defaultModel     = "claude-haiku-4-5-20251001"
	defaultMaxTokens = 2048
)

// Config selects and parameterizes the backend.
type Config struct {
	Provider     string
	APIKey       string
	BaseURL      string // OpenAI-compatible base, e.g. https://api.deepseek.com/v1
	Model        string
	Temperature  float64
	MaxTokens    int
	MaxPerMinute int
	Timeout      time.Duration
}

// Client wraps a chat API for agent decisions.
type Client struct {
	cfg        Config
	httpClient *http.Client

	// Rate limiting: max calls per minute.
	mu        sync.Mutex
	callCount int
	resetAt   time.Time
}

// NewClient creates a client. Returns nil if no API key is configured
// (oracle disabled; agents stay silent).
func NewClient(cfg Config) *Client {
	if cfg.APIKey == "" {
		return nil
	}
	if cfg.Provider == "" {
		cfg.Provider = ProviderAnthropic
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.MaxPerMinute <= 0 {
		cfg.MaxPerMinute = 60
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Enabled returns true if the client has a valid API key.
func (c *Client) Enabled() bool {
	return c != nil && c.cfg.APIKey != ""
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chat sends the system prompt and history and returns the reply text.
func (c *Client) Chat(ctx context.Context, system string, history []Message) (string, error) {
	if !c.Enabled() {
		return "", fmt.Errorf("LLM client not configured")
	}
	if err := c.allow(); err != nil {
		return "", err
	}

	switch c.cfg.Provider {
	case ProviderOpenAI:
		return c.completeOpenAI(ctx, system, history)
	default:
		return c.completeAnthropic(ctx, system, history)
	}
}

// StructuredChat is Chat followed by extraction of the first JSON object in
// the reply that parses.
func (c *Client) StructuredChat(ctx context.Context, system string, history []Message) (map[string]any, error) {
	text, err := c.Chat(ctx, system, history)
	if err != nil {
		return nil, err
	}
	return ExtractObject(text)
}

func (c *Client) allow() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if now.After(c.resetAt) {
		c.callCount = 0
		c.resetAt = now.Add(time.Minute)
	}
	if c.callCount >= c.cfg.MaxPerMinute {
		return fmt.Errorf("rate limit exceeded (%d calls/min)", c.cfg.MaxPerMinute)
	}
	c.callCount++
	return nil
}

// anthropicRequest is the Messages API request body.
type anthropicRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (c *Client) completeAnthropic(ctx context.Context, system string, history []Message) (string, error) {
	url := anthropicURL
	if c.cfg.BaseURL != "" {
		url = strings.TrimRight(c.cfg.BaseURL, "/") + "/messages"
	}
	req := anthropicRequest{
		Model:       c.cfg.Model,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
		System:      system,
		Messages:    mergeRoles(history),
	}
	headers := map[string]string{
		"x-api-key":         c.cfg.APIKey,
		"anthropic-version": anthropicVersion,
	}

	var apiResp anthropicResponse
	if err := c.post(ctx, url, headers, req, &apiResp); err != nil {
		return "", err
	}
	if len(apiResp.Content) == 0 {
		return "", fmt.Errorf("empty response")
	}

	slog.Debug("oracle call",
		"provider", ProviderAnthropic,
		"input_tokens", apiResp.Usage.InputTokens,
		"output_tokens", apiResp.Usage.OutputTokens,
	)
	return apiResp.Content[0].Text, nil
}

type openAIRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	Messages    []Message `json:"messages"`
}

type openAIResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (c *Client) completeOpenAI(ctx context.Context, system string, history []Message) (string, error) {
	base := openAIURL
	if c.cfg.BaseURL != "" {
		base = strings.TrimRight(c.cfg.BaseURL, "/")
	}
	msgs := make([]Message, 0, len(history)+1)
	msgs = append(msgs, Message{Role: "system", Content: system})
	msgs = append(msgs, history...)
	req := openAIRequest{
		Model:       c.cfg.Model,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
		Messages:    msgs,
	}
	headers := map[string]string{"Authorization": "Bearer " + c.cfg.APIKey}

	var apiResp openAIResponse
	if err := c.post(ctx, base+"/chat/completions", headers, req, &apiResp); err != nil {
		return "", err
	}
	if len(apiResp.Choices) == 0 {
		return "", fmt.Errorf("empty response")
	}

	slog.Debug("oracle call",
		"provider", ProviderOpenAI,
		"input_tokens", apiResp.Usage.PromptTokens,
		"output_tokens", apiResp.Usage.CompletionTokens,
	)
	return apiResp.Choices[0].Message.Content, nil
}

func (c *Client) post(ctx context.Context, url string, headers map[string]string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("API call: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error %d: %s", resp.StatusCode, string(respBody))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// mergeRoles folds consecutive same-role messages together. The Messages API
// rejects histories that do not alternate, and a busy room easily produces
// several "user" turns in a row. It also requires a leading user turn.
func mergeRoles(history []Message) []Message {
	var out []Message
	for _, m := range history {
		if n := len(out); n > 0 && out[n-1].Role == m.Role {
			out[n-1].Content += "\n" + m.Content
			continue
		}
		out = append(out, m)
	}
	if len(out) > 0 && out[0].Role != "user" {
		out = append([]Message{{Role: "user", Content: "(conversation so far)"}}, out...)
	}
	return out
}
