package handlers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/mirchat/mir-backend/internal/services"
	"github.com/mirchat/mir-backend/internal/session"
)

var errNotFound = errors.New("session not found")

// SessionView is the admin listing entry for a live session.
type SessionView struct {
	Key                string    `json:"key"`
	Turns              int       `json:"turns"`
	Summary            string    `json:"summary"`
	TotalInputTokens   int       `json:"total_input_tokens"`
	TotalOutputTokens  int       `json:"total_output_tokens"`
	UnsummarisedTokens int       `json:"unsummarised_tokens"`
	RollupFailures     int       `json:"rollup_failures"`
	LastActive         time.Time `json:"last_active"`
	IdleSeconds        int64     `json:"idle_seconds"`
}

func newSessionView(s session.Session, now time.Time) SessionView {
	return SessionView{
		Key:                s.Key,
		Turns:              len(s.History),
		Summary:            s.Summary,
		TotalInputTokens:   s.TotalInputTokens,
		TotalOutputTokens:  s.TotalOutputTokens,
		UnsummarisedTokens: s.UnsummarisedTokens(),
		RollupFailures:     s.RollupFailures,
		LastActive:         s.LastActive,
		IdleSeconds:        int64(s.IdleFor(now).Seconds()),
	}
}

// GetSessions lists live sessions.
func GetSessions(svc *services.Services) fiber.Handler {
	return func(c *fiber.Ctx) error {
		now := svc.Sessions.Now()
		snapshot := svc.Sessions.Snapshot()

		views := make([]SessionView, 0, len(snapshot))
		for _, s := range snapshot {
			views = append(views, newSessionView(s, now))
		}
		return c.JSON(fiber.Map{
			"sessions": views,
			"count":    len(views),
		})
	}
}

// GetSession returns one live session including its history. Reading it
// does not count as activity.
func GetSession(svc *services.Services) fiber.Handler {
	return func(c *fiber.Ctx) error {
		s, ok := svc.Sessions.Peek(c.Params("id"))
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": errNotFound.Error(),
			})
		}
		return c.JSON(s)
	}
}

// RollupSession forces a rollup of one session.
func RollupSession(svc *services.Services) fiber.Handler {
	return func(c *fiber.Ctx) error {
		res, err := svc.Chat.Rollup(c.UserContext(), c.Params("id"))
		if err != nil {
			status := fiber.StatusInternalServerError
			if errors.Is(err, session.ErrRollupFailed) {
				status = fiber.StatusBadGateway
			}
			return c.Status(status).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
		if !res.Found {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": errNotFound.Error(),
			})
		}
		return c.JSON(fiber.Map{
			"summarized":    res.Summarized,
			"summary":       res.Summary,
			"input_tokens":  res.InputTokens,
			"output_tokens": res.OutputTokens,
			"session":       newSessionView(res.Session, svc.Sessions.Now()),
		})
	}
}
