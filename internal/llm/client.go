package llm

import (
	"context"
	"errors"

	"github.com/sashabaranov/go-openai"
)

// DefaultModel is used when no model is configured.
const DefaultModel = openai.GPT3Dot5Turbo

// ChatClient is the subset of the OpenAI client used here.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// ClientConfig holds OpenAI connection settings.
type ClientConfig struct {
	APIKey  string
	BaseURL string
}

// NewClient creates an OpenAI client. BaseURL may point at any
// OpenAI-compatible endpoint.
func NewClient(cfg ClientConfig) (*openai.Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return openai.NewClientWithConfig(clientCfg), nil
}

// complete runs a chat completion and returns the first choice's content
// with the reported usage.
func complete(ctx context.Context, client ChatClient, req openai.ChatCompletionRequest) (string, openai.Usage, error) {
	resp, err := client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", openai.Usage{}, err
	}
	if len(resp.Choices) == 0 {
		return "", resp.Usage, errors.New("completion returned no choices")
	}
	return resp.Choices[0].Message.Content, resp.Usage, nil
}
