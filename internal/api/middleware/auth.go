package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/mirchat/mir-backend/internal/auth"
)

// AdminRequired rejects requests without a valid admin bearer token.
func AdminRequired(jwtService *auth.JWTService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := auth.ExtractTokenFromBearer(c.Get(fiber.HeaderAuthorization))
		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Authentication required",
			})
		}

		claims, err := jwtService.ValidateAdminToken(token)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid or expired token",
			})
		}

		c.Locals("admin_subject", claims.Subject)
		return c.Next()
	}
}

// AdminSubject returns the authenticated admin's subject, if any.
func AdminSubject(c *fiber.Ctx) string {
	if sub, ok := c.Locals("admin_subject").(string); ok {
		return sub
	}
	return ""
}
