package llm

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"github.com/mirchat/mir-backend/internal/session"
)

const defaultAgentPrompt = "You are Mir, a warm and practical assistant chatting over WhatsApp. " +
	"Answer briefly and in the language the user writes in."

// Reply is the agent's answer to one user message.
type Reply struct {
	Text         string
	InputTokens  int
	OutputTokens int
	Model        string
}

// AgentConfig configures an Agent.
type AgentConfig struct {
	Model        string
	SystemPrompt string
	Temperature  float32
	MaxTokens    int
}

// Agent produces replies from a session's summary, history and the new
// message.
type Agent struct {
	client  ChatClient
	breaker *CircuitBreaker
	cfg     AgentConfig
}

// NewAgent creates an Agent. breaker may be nil.
func NewAgent(client ChatClient, breaker *CircuitBreaker, cfg AgentConfig) *Agent {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultAgentPrompt
	}
	return &Agent{client: client, breaker: breaker, cfg: cfg}
}

// Reply answers text in the context of s.
func (a *Agent) Reply(ctx context.Context, s session.Session, text string) (Reply, error) {
	req := openai.ChatCompletionRequest{
		Model:       a.cfg.Model,
		Messages:    replyMessages(a.cfg.SystemPrompt, s, text),
		Temperature: a.cfg.Temperature,
		MaxTokens:   a.cfg.MaxTokens,
	}

	var (
		answer string
		usage  openai.Usage
	)
	call := func() error {
		var err error
		answer, usage, err = complete(ctx, a.client, req)
		return err
	}

	var err error
	if a.breaker != nil {
		err = a.breaker.Execute(a.cfg.Model, call)
	} else {
		err = call()
	}
	if err != nil {
		return Reply{}, fmt.Errorf("agent reply: %w", err)
	}
	return Reply{
		Text:         answer,
		InputTokens:  usage.PromptTokens,
		OutputTokens: usage.CompletionTokens,
		Model:        a.cfg.Model,
	}, nil
}

func replyMessages(systemPrompt string, s session.Session, text string) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(s.History)+3)
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: systemPrompt})
	if s.Summary != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: "Summary of the earlier conversation: " + s.Summary,
		})
	}
	for _, t := range s.History {
		role := openai.ChatMessageRoleUser
		if t.Role == session.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: t.Content})
	}
	return append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text})
}
