package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/mirchat/mir-backend/internal/services"
	"github.com/mirchat/mir-backend/internal/whatsapp"
)

// WebhookConfig holds the WhatsApp webhook secrets.
type WebhookConfig struct {
	VerifyToken string
	// AppSecret enables X-Hub-Signature-256 verification when set.
	AppSecret string
}

// VerifyWebhook answers the hub.challenge handshake.
func VerifyWebhook(cfg WebhookConfig) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if cfg.VerifyToken == "" || c.Query("hub.verify_token") != cfg.VerifyToken {
			return c.Status(fiber.StatusForbidden).SendString("Verification token mismatch")
		}
		return c.SendString(c.Query("hub.challenge"))
	}
}

// ReceiveWebhook handles inbound WhatsApp notifications. Payloads that carry
// no text are acknowledged so WhatsApp does not redeliver them.
func ReceiveWebhook(svc *services.Services, cfg WebhookConfig, logger logrus.FieldLogger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		body := c.Body()
		if cfg.AppSecret != "" {
			if err := whatsapp.VerifySignature(cfg.AppSecret, body, c.Get(whatsapp.SignatureHeader)); err != nil {
				logger.WithField("ip", c.IP()).Warn("Rejected webhook with invalid signature")
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "Invalid signature",
				})
			}
		}

		messages, err := whatsapp.ParseMessages(body)
		if err != nil {
			logger.WithError(err).Warn("Malformed webhook payload")
			return c.JSON(fiber.Map{"status": "error", "error": err.Error()})
		}
		if len(messages) == 0 {
			return c.JSON(fiber.Map{"status": "no_user_message"})
		}

		var (
			handled  int
			firstErr error
			lastID   string
		)
		for _, m := range messages {
			lastID = m.ID
			if m.Text == "" {
				continue
			}
			_, err := svc.Chat.HandleMessage(c.UserContext(), services.Inbound{
				ExternalID: m.From,
				Name:       m.Name,
				Text:       m.Text,
				MessageID:  m.ID,
			})
			if err != nil && firstErr == nil {
				firstErr = err
			}
			handled++
		}

		switch {
		case firstErr != nil:
			return c.JSON(fiber.Map{"status": "error", "error": firstErr.Error(), "message_id": lastID})
		case handled == 0:
			return c.JSON(fiber.Map{"status": "no_text", "message_id": lastID})
		default:
			return c.JSON(fiber.Map{"status": "ok", "message_id": lastID})
		}
	}
}
