package services

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentx/raven-backend/internal/config"
	"github.com/agentx/raven-backend/internal/llm"
	"github.com/agentx/raven-backend/internal/models"
	"github.com/agentx/raven-backend/internal/providers"
	"github.com/agentx/raven-backend/internal/repository"
)

// Services holds all service instances
type Services struct {
	Tokens       *TokenAccountant
	Summaries    *SummaryManager
	Windower     *HistoryWindower
	Media        *MediaSelector
	Assembler    *ContextAssembler
	Instructions *SystemInstructionCache
	Chat         *ChatService
	Health       *HealthMonitor
}

// Dependencies are the external collaborators the services need
type Dependencies struct {
	Messages  repository.MessageRepository
	Summaries repository.SummaryRepository
	Generator providers.Generator
	// Counter and Cache may be nil; counts then fall back to estimates
	Counter providers.TokenCounter
	Cache   TokenCache
	// DB is pinged by the health check when set
	DB     Pinger
	Logger *logrus.Logger
}

// NewServices creates all service instances
func NewServices(cfg *config.Config, deps Dependencies) *Services {
	logger := orStandard(deps.Logger)

	breaker := llm.NewCircuitBreaker(llm.DefaultBreakerSettings(), logger)
	tokens := NewTokenAccountant(deps.Counter, deps.Cache, breaker, TokenAccountantConfig{
		Model:    cfg.TokenCounter.Model,
		Timeout:  cfg.TokenCounter.Timeout,
		CacheTTL: cfg.Tokens.CacheTTL,
		Rates: MediaRates{
			ImageTokens:          cfg.Tokens.ImageTokens,
			VideoTokensPerSecond: cfg.Tokens.VideoTokensPerSecond,
			VideoDefaultSeconds:  cfg.Tokens.VideoDefaultSeconds,
			AudioTokensPerSecond: cfg.Tokens.AudioTokensPerSecond,
			AudioDefaultSeconds:  cfg.Tokens.AudioDefaultSeconds,
			DocumentTokens:       cfg.Tokens.DocumentTokens,
			DefaultTokens:        cfg.Tokens.DefaultMediaTokens,
		},
	}, logger)

	var summaries *SummaryManager
	if cfg.Summary.Enabled {
		var limiter llm.RateLimiter
		if cfg.Summary.AttemptsPerMinute > 0 {
			limiter = llm.NewTokenBucketLimiter(cfg.Summary.AttemptsPerMinute, cfg.Summary.AttemptsPerMinute, time.Minute)
		}
		summaries = NewSummaryManager(deps.Messages, deps.Summaries, deps.Generator, tokens, limiter, SummaryConfig{
			TriggerTokens: cfg.Summary.TriggerTokens,
			TargetTokens:  cfg.Summary.TargetTokens,
			MaxTokens:     cfg.Summary.MaxTokens,
			MinMessages:   cfg.Summary.MinMessages,
			KeepRecent:    cfg.Summary.KeepRecent,
			Temperature:   cfg.Summary.Temperature,
			Model:         cfg.Summary.Model,
			Timeout:       cfg.Summary.Timeout,
			SaveRetry:     llm.DefaultRetryPolicy(),
		}, logger)
	}

	windower := NewHistoryWindower(deps.Messages, deps.Summaries, tokens, cfg.History.MaxMessages, logger)
	media := NewMediaSelector(MediaSelectorConfig{
		MaxParts:                 cfg.Media.MaxParts,
		MaxImages:                cfg.Media.MaxImages,
		MaxVideos:                cfg.Media.MaxVideos,
		MaxAudio:                 cfg.Media.MaxAudio,
		MaxDocuments:             cfg.Media.MaxDocuments,
		AllowHistoryIfReferenced: cfg.Media.AllowHistoryIfReferenced,
		IncludeOnlyCurrentTurn:   cfg.Media.IncludeOnlyCurrentTurn,
	})
	assembler := NewContextAssembler(windower, summaries, media, logger)

	instructions := NewSystemInstructionCache(SystemInstructionConfig{
		URL:       cfg.SystemInstruction.URL,
		LocalPath: cfg.SystemInstruction.LocalPath,
		TTL:       cfg.SystemInstruction.TTL,
	}, &http.Client{Timeout: 10 * time.Second}, logger)

	streamRetry := llm.DefaultRetryPolicy()
	if cfg.Provider.StreamRetries > 0 {
		streamRetry.Attempts = cfg.Provider.StreamRetries
	}
	if cfg.Provider.RetryDelay > 0 {
		streamRetry.BaseDelay = cfg.Provider.RetryDelay
	}

	chat := NewChatService(deps.Messages, assembler, tokens, instructions, deps.Generator, ChatConfig{
		Model: cfg.Provider.Model,
		Budget: models.TokenBudget{
			MaxContextTokens:   cfg.Tokens.MaxContextTokens,
			TargetWindowTokens: cfg.Tokens.TargetWindowTokens,
		},
		StreamRetry: streamRetry,
	}, logger)

	return &Services{
		Tokens:       tokens,
		Summaries:    summaries,
		Windower:     windower,
		Media:        media,
		Assembler:    assembler,
		Instructions: instructions,
		Chat:         chat,
		Health:       NewHealthMonitor(deps.DB, breaker),
	}
}

func orStandard(l *logrus.Logger) *logrus.Logger {
	if l == nil {
		return logrus.StandardLogger()
	}
	return l
}
