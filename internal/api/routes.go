package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"

	"github.com/mirchat/mir-backend/internal/api/handlers"
	"github.com/mirchat/mir-backend/internal/api/middleware"
	"github.com/mirchat/mir-backend/internal/auth"
	"github.com/mirchat/mir-backend/internal/services"
)

// Options configures the HTTP surface.
type Options struct {
	Webhook      handlers.WebhookConfig
	RateLimit    int
	AllowOrigins string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// JWT enables the admin API when non-nil.
	JWT    *auth.JWTService
	Logger logrus.FieldLogger
	// AccessLog enables Fiber's request logger.
	AccessLog bool
}

// NewApp creates the Fiber app with middleware and routes.
func NewApp(svc *services.Services, opts Options) *fiber.App {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.AllowOrigins == "" {
		opts.AllowOrigins = "*"
	}

	app := fiber.New(fiber.Config{
		AppName:               "Mir Backend",
		ErrorHandler:          customErrorHandler,
		ReadTimeout:           opts.ReadTimeout,
		WriteTimeout:          opts.WriteTimeout,
		DisableStartupMessage: true,
	})

	// Middleware
	app.Use(recover.New())
	if opts.AccessLog {
		app.Use(logger.New())
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: opts.AllowOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, OPTIONS",
	}))

	SetupRoutes(app, svc, opts)
	return app
}

// SetupRoutes configures all routes
func SetupRoutes(app *fiber.App, svc *services.Services, opts Options) {
	log := opts.Logger.WithField("component", "http")

	// WhatsApp webhook
	webhook := app.Group("/webhook", middleware.WebhookRateLimit(opts.RateLimit))
	webhook.Get("/", handlers.VerifyWebhook(opts.Webhook))
	webhook.Post("/", handlers.ReceiveWebhook(svc, opts.Webhook, log))

	api := app.Group("/api/v1")

	// Health check
	api.Get("/health", handlers.Health(svc))

	if opts.JWT == nil {
		log.Info("Admin API disabled; set admin.jwt_secret to enable it")
		return
	}

	// Admin endpoints
	admin := api.Group("",
		middleware.AdminRequired(opts.JWT),
		middleware.AdminRateLimit(),
		middleware.AdminAudit(log),
	)
	admin.Get("/sessions", handlers.GetSessions(svc))
	admin.Get("/sessions/:id", handlers.GetSession(svc))
	admin.Post("/sessions/:id/rollup", handlers.RollupSession(svc))
	admin.Get("/stats", handlers.GetStats(svc))
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
	}

	return c.Status(code).JSON(fiber.Map{
		"error": err.Error(),
		"code":  code,
	})
}
