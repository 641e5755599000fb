package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mirchat/mir-backend/internal/llm"
	"github.com/mirchat/mir-backend/internal/models"
	"github.com/mirchat/mir-backend/internal/repository"
	"github.com/mirchat/mir-backend/internal/session"
	"github.com/mirchat/mir-backend/internal/supervisor"
	"github.com/mirchat/mir-backend/internal/writebehind"
)

// DefaultFallbackReply is sent when the agent cannot produce an answer.
const DefaultFallbackReply = "Sorry, something went wrong on our side. Please try again in a moment."

const (
	defaultLoadTimeout = 5 * time.Second
	updateTaskName     = "session_update"
)

// Replier produces the assistant's answer for a message.
type Replier interface {
	Reply(ctx context.Context, s session.Session, text string) (llm.Reply, error)
}

// Sender delivers a reply to the end user.
type Sender interface {
	SendText(ctx context.Context, to, body string) error
}

// Inbound is one user message received from a channel.
type Inbound struct {
	ExternalID string
	Name       string
	Text       string
	MessageID  string
}

// Outcome describes how a message was handled.
type Outcome struct {
	Reply    string
	Restored bool
	Fallback bool
	// Deferred is true when the session update runs in the background.
	Deferred bool
}

// ChatConfig tunes the chat flow.
type ChatConfig struct {
	MaxUnsummarisedTokens int
	// RollupIdleTTL also triggers a rollup for sessions inactive this long.
	// Zero disables the idle condition.
	RollupIdleTTL time.Duration
	FallbackReply string
	LoadTimeout   time.Duration
}

// ChatService runs the request path for an inbound message: it restores
// the session, asks the agent for a reply, sends it and hands the session
// update to the supervisor.
type ChatService struct {
	store      *session.Store
	replier    Replier
	sender     Sender
	summarizer session.Summarizer
	states     repository.UserRepository
	users      *writebehind.Queue[models.UserUpsert]
	chatLogs   *writebehind.Queue[models.ChatLog]
	supervisor *supervisor.Supervisor
	cfg        ChatConfig
	logger     logrus.FieldLogger
}

// NewChatService creates a ChatService.
func NewChatService(
	store *session.Store,
	replier Replier,
	sender Sender,
	summarizer session.Summarizer,
	states repository.UserRepository,
	users *writebehind.Queue[models.UserUpsert],
	chatLogs *writebehind.Queue[models.ChatLog],
	sup *supervisor.Supervisor,
	cfg ChatConfig,
	logger logrus.FieldLogger,
) *ChatService {
	if cfg.MaxUnsummarisedTokens <= 0 {
		cfg.MaxUnsummarisedTokens = session.DefaultMaxUnsummarisedTokens
	}
	if cfg.FallbackReply == "" {
		cfg.FallbackReply = DefaultFallbackReply
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = defaultLoadTimeout
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ChatService{
		store:      store,
		replier:    replier,
		sender:     sender,
		summarizer: summarizer,
		states:     states,
		users:      users,
		chatLogs:   chatLogs,
		supervisor: sup,
		cfg:        cfg,
		logger:     logger.WithField("component", "chat_service"),
	}
}

// HandleMessage answers one inbound message. It returns an error only when
// the reply could not be delivered; in that case the session is not
// updated.
func (s *ChatService) HandleMessage(ctx context.Context, in Inbound) (Outcome, error) {
	if in.ExternalID == "" {
		return Outcome{}, errors.New("inbound message has no sender")
	}
	log := s.logger.WithFields(logrus.Fields{
		"session":    in.ExternalID,
		"message_id": in.MessageID,
	})

	var out Outcome
	current, restored := s.liveSession(ctx, in.ExternalID, log)
	out.Restored = restored
	reply, err := s.replier.Reply(ctx, current, in.Text)
	if err != nil {
		log.WithError(err).Error("Agent failed to reply; using fallback")
		reply = llm.Reply{Text: s.cfg.FallbackReply}
		out.Fallback = true
	}
	out.Reply = reply.Text

	if err := s.sender.SendText(ctx, in.ExternalID, reply.Text); err != nil {
		log.WithError(err).Error("Failed to send reply")
		return out, fmt.Errorf("send reply to %s: %w", in.ExternalID, err)
	}

	upd := update{in: in, reply: reply}
	err = s.supervisor.Go(ctx, in.ExternalID, updateTaskName, func(ctx context.Context) error {
		return s.applyUpdate(ctx, upd, true)
	})
	if err == nil {
		out.Deferred = true
		return out, nil
	}

	// No background slot: record the exchange now and leave the rollup to
	// the next message or the idle pruner.
	log.WithError(err).Warn("Applying session update inline without rollup")
	if err := s.applyUpdate(ctx, upd, false); err != nil {
		log.WithError(err).Error("Inline session update failed")
	}
	return out, nil
}

// liveSession returns the live session for key, marking it active. When none
// exists it is seeded from durable state first; restored reports whether
// persisted state was found.
func (s *ChatService) liveSession(ctx context.Context, key string, log logrus.FieldLogger) (session.Session, bool) {
	if current, ok := s.store.Touch(key); ok {
		return current, false
	}

	loadCtx, cancel := context.WithTimeout(ctx, s.cfg.LoadTimeout)
	defer cancel()

	var seed session.Seed
	state, err := s.states.LoadState(loadCtx, key)
	if err != nil {
		log.WithError(err).Warn("Failed to load persisted state; starting a fresh session")
	}
	if state != nil {
		seed = session.Seed{
			Summary:           state.Summary,
			TotalInputTokens:  state.TotalInputTokens,
			TotalOutputTokens: state.TotalOutputTokens,
		}
	}

	current, err := s.store.CreateExclusive(key, seed)
	if err != nil {
		// A concurrent message created it first.
		return s.store.Get(key), false
	}
	if state != nil {
		log.Debug("Session restored from persisted state")
	}
	return current, state != nil
}

type update struct {
	in    Inbound
	reply llm.Reply
}

// applyUpdate records the exchange and its token usage, rolls the history
// up when the trigger fires and queues the write-behind records.
func (s *ChatService) applyUpdate(ctx context.Context, u update, allowRollup bool) error {
	key := u.in.ExternalID

	s.store.AppendExchange(key, u.in.Text, u.reply.Text)
	if err := s.store.AddTokens(key, u.reply.InputTokens, u.reply.OutputTokens, true); err != nil {
		return fmt.Errorf("add tokens: %w", err)
	}

	if allowRollup && s.store.NeedsRollup(key, s.cfg.MaxUnsummarisedTokens, s.cfg.RollupIdleTTL) {
		if _, err := s.store.Rollup(ctx, key, s.summarizer); err != nil {
			// History is kept and retried on the next trigger.
			s.logger.WithError(err).WithField("session", key).Warn("Rollup after reply failed")
		}
	}

	snap, ok := s.store.Peek(key)
	if !ok {
		return nil
	}
	now := s.store.Now()

	s.users.Enqueue(models.UserUpsert{
		ExternalID:        key,
		Name:              u.in.Name,
		Summary:           snap.Summary,
		TotalInputTokens:  snap.TotalInputTokens,
		TotalOutputTokens: snap.TotalOutputTokens,
		LastSeenAt:        now,
		CreatedAt:         now,
	})
	s.chatLogs.Enqueue(models.NewChatLog(
		key, u.in.Text, u.reply.Text,
		u.reply.InputTokens, u.reply.OutputTokens,
		u.reply.Model, now,
	))
	return nil
}

// Store exposes the session store for read-only admin views.
func (s *ChatService) Store() *session.Store {
	return s.store
}

// Rollup forces a rollup of one session.
func (s *ChatService) Rollup(ctx context.Context, key string) (session.RollupResult, error) {
	return s.store.Rollup(ctx, key, s.summarizer)
}
