package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/mirchat/mir-backend/internal/services"
)

// GetStats reports live session count, write-behind backlog and counters.
func GetStats(svc *services.Services) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"sessions": svc.Sessions.Len(),
			"queues":   svc.Queues(),
			"metrics":  svc.Metrics.Snapshot(),
		})
	}
}

// Health reports dependency health. It answers 503 when any check fails.
func Health(svc *services.Services) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var (
			checks  []services.HealthStatus
			healthy = true
		)
		if svc.Health != nil {
			checks, healthy = svc.Health.Check(c.UserContext())
		}

		status := "healthy"
		code := fiber.StatusOK
		if !healthy {
			status = "degraded"
			code = fiber.StatusServiceUnavailable
		}
		return c.Status(code).JSON(fiber.Map{
			"status":  status,
			"service": "mir-backend",
			"checks":  checks,
		})
	}
}
