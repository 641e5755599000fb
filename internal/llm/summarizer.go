package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/mirchat/mir-backend/internal/metrics"
	"github.com/mirchat/mir-backend/internal/session"
)

const summarySystemPrompt = "You maintain a running summary of a support conversation. " +
	"Keep the important personal details, decisions and pending tasks. Never invent information."

const summaryMergePrompt = "Below are the latest messages to merge into the summary. " +
	"Keep the updated summary to about 150 words."

const summaryAnswerPrompt = "Reply with the updated summary only."

// SummarizerConfig configures a Summarizer.
type SummarizerConfig struct {
	Model       string
	Temperature float32
	MaxTokens   int
}

// Summarizer implements session.Summarizer on an OpenAI chat model.
type Summarizer struct {
	client  ChatClient
	breaker *CircuitBreaker
	cfg     SummarizerConfig
	logger  logrus.FieldLogger
	metrics *metrics.Collector
}

var _ session.Summarizer = (*Summarizer)(nil)

// NewSummarizer creates a Summarizer. breaker may be nil.
func NewSummarizer(client ChatClient, breaker *CircuitBreaker, cfg SummarizerConfig, logger logrus.FieldLogger, m *metrics.Collector) *Summarizer {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Summarizer{
		client:  client,
		breaker: breaker,
		cfg:     cfg,
		logger:  logger.WithField("component", "summarizer"),
		metrics: m,
	}
}

// Summarize folds historyText into existingSummary. An empty model answer
// is reported as session.ErrEmptySummary.
func (s *Summarizer) Summarize(ctx context.Context, existingSummary, historyText string) (session.Summary, error) {
	req := openai.ChatCompletionRequest{
		Model:       s.cfg.Model,
		Messages:    summaryMessages(existingSummary, historyText),
		Temperature: s.cfg.Temperature,
		MaxTokens:   s.cfg.MaxTokens,
	}

	var (
		text  string
		usage openai.Usage
	)
	call := func() error {
		var err error
		text, usage, err = complete(ctx, s.client, req)
		return err
	}

	var err error
	if s.breaker != nil {
		err = s.breaker.Execute(s.cfg.Model, call)
	} else {
		err = call()
	}
	if errors.Is(err, ErrCircuitOpen) {
		s.metrics.Inc(metrics.SummarizerBlocked)
	}
	if err != nil {
		return session.Summary{}, err
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return session.Summary{}, session.ErrEmptySummary
	}
	return session.Summary{
		Text:         text,
		InputTokens:  usage.PromptTokens,
		OutputTokens: usage.CompletionTokens,
	}, nil
}

func summaryMessages(existingSummary, historyText string) []openai.ChatCompletionMessage {
	msgs := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: summarySystemPrompt},
	}
	if existingSummary != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: "Current summary: " + existingSummary,
		})
	}
	return append(msgs,
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: summaryMergePrompt},
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: historyText},
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: summaryAnswerPrompt},
	)
}
