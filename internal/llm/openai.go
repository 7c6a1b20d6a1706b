package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

const (
	envOpenAIAPIKey    = "OPENAI_API_KEY"
	envOpenAIModel     = "OPENAI_MODEL"
	envOpenAIBaseURL   = "OPENAI_BASE_URL"
	defaultOpenAIModel = "gpt-4o-mini"

	openAIMaxTokens      = 600
	openAIMaxRetries     = 3
	openAIRetryBaseDelay = 500 * time.Millisecond
	openAIMaxRequestSize = 200000 // ~200KB
)

type openAIClient struct {
	client *openai.Client
	model  string
	logger zerolog.Logger
}

func NewOpenAIFromEnv() (Client, error) {
	key := strings.TrimSpace(os.Getenv(envOpenAIAPIKey))
	if key == "" {
		return nil, fmt.Errorf("missing %s", envOpenAIAPIKey)
	}
	model := strings.Trim(strings.TrimSpace(os.Getenv(envOpenAIModel)), "\"'")
	if model == "" {
		model = defaultOpenAIModel
	}
	cfg := openai.DefaultConfig(key)
	if base := strings.TrimSpace(os.Getenv(envOpenAIBaseURL)); base != "" {
		cfg.BaseURL = base
	}
	return &openAIClient{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		logger: zerolog.Nop(),
	}, nil
}

func NewOpenAIWithLogger(logger zerolog.Logger) (Client, error) {
	client, err := NewOpenAIFromEnv()
	if err != nil {
		return nil, err
	}
	if oc, ok := client.(*openAIClient); ok {
		oc.logger = logger
	}
	return client, nil
}

func (c *openAIClient) Name() string { return c.model }

func (c *openAIClient) Generate(ctx context.Context, req Request) (Response, error) {
	if len(req.Messages) == 0 {
		return Response{}, errors.New("no messages")
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: truncateString(req.System, openAIMaxRequestSize),
		})
	}
	for i, m := range req.Messages {
		content := m.Content
		if len(content) > openAIMaxRequestSize {
			c.logger.Warn().Int("message_idx", i).Int("size", len(content)).Msg("message too large, truncating")
			content = truncateString(content, openAIMaxRequestSize)
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: content})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = openAIMaxTokens
	}
	chatReq := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   maxTokens,
	}
	if req.JSON {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	var lastErr error
	for attempt := 0; attempt <= openAIMaxRetries; attempt++ {
		if attempt > 0 {
			delay := openAIRetryBaseDelay * time.Duration(1<<uint(attempt-1))
			c.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("retrying OpenAI API call")
			select {
			case <-ctx.Done():
				return Response{}, ctx.Err()
			case <-time.After(delay):
			}
		}

		c.logger.Debug().
			Str("model", c.model).
			Int("messages", len(messages)).
			Int("max_tokens", maxTokens).
			Bool("json", req.JSON).
			Msg("OpenAI API request")

		resp, err := c.client.CreateChatCompletion(ctx, chatReq)
		if err != nil {
			lastErr = fmt.Errorf("openai: %w", err)
			if ctx.Err() != nil {
				return Response{}, lastErr
			}
			if retryableOpenAI(err) && attempt < openAIMaxRetries {
				continue
			}
			return Response{}, lastErr
		}
		if len(resp.Choices) == 0 {
			return Response{}, errors.New("no choices in response")
		}

		text := resp.Choices[0].Message.Content
		if text == "" {
			return Response{}, errors.New("empty response content")
		}
		c.logger.Debug().
			Str("finish_reason", string(resp.Choices[0].FinishReason)).
			Int("total_tokens", resp.Usage.TotalTokens).
			Str("response_preview", truncateString(text, 200)).
			Msg("OpenAI API success")
		return Response{Text: text}, nil
	}

	return Response{}, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// retryableOpenAI retries rate limits, server errors and transport failures.
func retryableOpenAI(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == 429 || reqErr.HTTPStatusCode >= 500
	}
	return true
}
