package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// AdminAudit logs every admin request with the caller's subject.
func AdminAudit(logger logrus.FieldLogger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		startTime := time.Now()
		err := c.Next()

		entry := logger.WithFields(logrus.Fields{
			"subject":     AdminSubject(c),
			"method":      c.Method(),
			"path":        c.Path(),
			"status":      c.Response().StatusCode(),
			"duration_ms": time.Since(startTime).Milliseconds(),
			"ip":          c.IP(),
		})
		if err != nil {
			entry = entry.WithError(err)
		}
		entry.Info("Admin request")
		return err
	}
}
