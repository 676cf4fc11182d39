package api

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/agentx/raven-backend/internal/api/handlers"
	"github.com/agentx/raven-backend/internal/api/middleware"
	"github.com/agentx/raven-backend/internal/services"
)

// HealthChecker reports dependency health
type HealthChecker interface {
	Check(ctx context.Context) services.HealthReport
}

// RouteConfig carries what the routes need beyond the handlers
type RouteConfig struct {
	Chat      handlers.TurnStreamer
	Tokens    middleware.TokenValidator
	Health    HealthChecker // optional
	RateLimit int
	Logger    *logrus.Logger
}

// SetupRoutes configures all API routes
func SetupRoutes(app *fiber.App, cfg RouteConfig) {
	chatHandler := handlers.NewChatHandler(cfg.Chat, cfg.Logger)
	requireUser := middleware.RequireUser(cfg.Tokens)

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		if cfg.Health == nil {
			return c.JSON(fiber.Map{
				"status":  "healthy",
				"service": "raven-backend",
			})
		}

		report := cfg.Health.Check(c.UserContext())
		status, code := "healthy", fiber.StatusOK
		if !report.Healthy {
			status, code = "unhealthy", fiber.StatusServiceUnavailable
		}
		return c.Status(code).JSON(fiber.Map{
			"status":     status,
			"service":    "raven-backend",
			"components": report.Components,
		})
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := app.Group("/api")
	api.Post("/chat", requireUser, middleware.ChatRateLimit(cfg.RateLimit), chatHandler.Chat)

	// WebSocket routes (with auth)
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return requireUser(c)
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/chat", websocket.New(chatHandler.StreamChat))
}
