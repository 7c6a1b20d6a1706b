package llm

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const envProvider = "LLM_PROVIDER" // "openai", "anthropic" or "none"

// SystemPrompt is the fixed system role for every page/link analysis request.
const SystemPrompt = "You are a page and unsubscribe analysis assistant. You inspect email links and web pages and answer strictly in the requested format."

type Client interface {
	Generate(ctx context.Context, req Request) (Response, error)
	Name() string
}

type Request struct {
	System      string
	Messages    []Message
	Temperature float32
	MaxTokens   int
	// JSON asks providers that support it to constrain output to a JSON object.
	JSON bool
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Response struct {
	Text string
}

// Ask is the single-turn shorthand used by the engine: fixed system role, one user message.
func Ask(ctx context.Context, c Client, prompt string, jsonMode bool) (string, error) {
	resp, err := c.Generate(ctx, Request{
		System:      SystemPrompt,
		Messages:    []Message{{Role: "user", Content: prompt}},
		Temperature: 0,
		MaxTokens:   600,
		JSON:        jsonMode,
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// NewClientWithLogger creates a client based on LLM_PROVIDER, wrapped in a circuit breaker.
// Provider "none" returns (nil, nil): the engine then runs without its LLM tiers.
func NewClientWithLogger(logger zerolog.Logger) (Client, error) {
	provider := strings.ToLower(strings.TrimSpace(os.Getenv(envProvider)))
	if provider == "" {
		provider = "openai"
	}

	var (
		client Client
		err    error
	)
	switch provider {
	case "openai":
		client, err = NewOpenAIWithLogger(logger)
	case "anthropic":
		client, err = NewAnthropicWithLogger(logger)
	case "none", "off":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown LLM provider: %s (use 'openai', 'anthropic' or 'none')", provider)
	}
	if err != nil {
		return nil, err
	}
	return NewBreaker(client, logger), nil
}

type timeoutClient struct {
	Client
	timeout time.Duration
}

// WithTimeout bounds every Generate call on c. A nil client stays nil.
func WithTimeout(c Client, d time.Duration) Client {
	if c == nil || d <= 0 {
		return c
	}
	return &timeoutClient{Client: c, timeout: d}
}

func (t *timeoutClient) Generate(ctx context.Context, req Request) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.Client.Generate(ctx, req)
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
