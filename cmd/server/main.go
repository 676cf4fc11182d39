package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"
	"google.golang.org/genai"

	"github.com/agentx/raven-backend/internal/api"
	"github.com/agentx/raven-backend/internal/auth"
	"github.com/agentx/raven-backend/internal/config"
	"github.com/agentx/raven-backend/internal/database"
	"github.com/agentx/raven-backend/internal/providers"
	"github.com/agentx/raven-backend/internal/providers/gemini"
	"github.com/agentx/raven-backend/internal/providers/openai"
	"github.com/agentx/raven-backend/internal/repository/sqldb"
	"github.com/agentx/raven-backend/internal/services"
)

func main() {
	log := logrus.New()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	configureLogger(log, cfg.Log)

	// Run migrations
	if err := database.RunMigrations(cfg.Database); err != nil {
		log.WithError(err).Fatal("Failed to run migrations")
	}

	// Connect to database
	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var genaiClient *genai.Client
	if cfg.Gemini.Configured() {
		genaiClient, err = gemini.NewClient(ctx, cfg.Gemini, &http.Client{Timeout: 5 * time.Minute})
		if err != nil {
			log.WithError(err).Fatal("Failed to create Gemini client")
		}
	}

	generator, err := newGenerator(cfg, genaiClient)
	if err != nil {
		log.WithError(err).Fatal("Failed to create generation provider")
	}

	var counter providers.TokenCounter
	if genaiClient != nil {
		c, err := gemini.NewCounter(genaiClient, cfg.TokenCounter.Model)
		if err != nil {
			log.WithError(err).Fatal("Failed to create token counter")
		}
		counter = c
	} else {
		log.Warn("No Gemini credentials, token counts will be estimated")
	}

	cache := newTokenCache(ctx, cfg.Redis, log)

	svc := services.NewServices(cfg, services.Dependencies{
		Messages:  sqldb.NewMessageRepository(db.DB),
		Summaries: sqldb.NewSummaryRepository(db.DB),
		Generator: generator,
		Counter:   counter,
		Cache:     cache,
		DB:        db.DB,
		Logger:    log,
	})

	if cfg.SystemInstruction.Watch && cfg.SystemInstruction.LocalPath != "" {
		go func() {
			if err := svc.Instructions.Watch(ctx); err != nil {
				log.WithError(err).Warn("System instruction watcher stopped")
			}
		}()
	}

	jwtSecret := cfg.Auth.JWTSecret
	if jwtSecret == "" {
		jwtSecret = "change-me-in-production" // Default for development
		log.Warn("Using default JWT secret. Set RAVEN_JWT_SECRET in production!")
	}

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "Raven Backend",
		ErrorHandler: customErrorHandler,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Server.CORSOrigins,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization",
		AllowMethods:     "GET, POST, OPTIONS",
		AllowCredentials: true,
	}))

	api.SetupRoutes(app, api.RouteConfig{
		Chat:      svc.Chat,
		Tokens:    auth.NewJWTService(jwtSecret, cfg.Auth.Issuer),
		Health:    svc.Health,
		RateLimit: cfg.Server.RateLimit,
		Logger:    log,
	})

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Shutting down")
		cancel()
		if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
			log.WithError(err).Error("Server shutdown failed")
		}
	}()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	log.WithFields(logrus.Fields{
		"addr":     addr,
		"database": cfg.Database.Driver,
		"provider": generator.Name(),
		"model":    cfg.Provider.Model,
	}).Info("Raven backend starting")
	if err := app.Listen(addr); err != nil {
		log.WithError(err).Fatal("Failed to start server")
	}
}

func newGenerator(cfg *config.Config, client *genai.Client) (providers.Generator, error) {
	if cfg.Provider.Name == "openai" {
		return openai.NewProvider(cfg.Provider)
	}
	if client == nil {
		return nil, errors.New("gemini provider needs gemini credentials")
	}
	return gemini.NewProvider(client, cfg.Provider.Model)
}

func configureLogger(log *logrus.Logger, cfg config.LogConfig) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		log.WithField("level", cfg.Level).Warn("Unknown log level, using info")
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
}

// newTokenCache prefers the shared Redis cache and falls back to an
// in-process one when Redis is not configured or unreachable
func newTokenCache(ctx context.Context, cfg config.RedisConfig, log *logrus.Logger) services.TokenCache {
	if cfg.URL != "" {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		cache, err := services.NewRedisTokenCache(pingCtx, cfg.URL, cfg.Prefix)
		if err == nil {
			log.Info("Using Redis token cache")
			return cache
		}
		log.WithError(err).Warn("Redis unavailable, using in-memory token cache")
	}
	return services.NewMemoryTokenCache()
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}

	return c.Status(code).JSON(fiber.Map{
		"error": err.Error(),
		"code":  code,
	})
}
