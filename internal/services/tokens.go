package services

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/agentx/raven-backend/internal/llm"
	"github.com/agentx/raven-backend/internal/models"
	"github.com/agentx/raven-backend/internal/providers"
)

const tokenCounterBreaker = "token_counter"

// MediaRates are flat, deliberately high estimates for media parts. Media
// is never sent to the counting endpoint.
type MediaRates struct {
	ImageTokens          int
	VideoTokensPerSecond int
	VideoDefaultSeconds  int
	AudioTokensPerSecond int
	AudioDefaultSeconds  int
	DocumentTokens       int
	DefaultTokens        int
}

// DefaultMediaRates follows Gemini's published per-media costs
func DefaultMediaRates() MediaRates {
	return MediaRates{
		ImageTokens:          258,
		VideoTokensPerSecond: 263,
		VideoDefaultSeconds:  10,
		AudioTokensPerSecond: 32,
		AudioDefaultSeconds:  30,
		DocumentTokens:       1000,
		DefaultTokens:        100,
	}
}

// TokenAccountantConfig configures exact counting
type TokenAccountantConfig struct {
	Model    string
	Timeout  time.Duration
	CacheTTL time.Duration
	Rates    MediaRates
}

// TokenAccountant counts text through the provider and estimates
// everything else. It never fails: any problem reaching the provider
// degrades to the character estimate.
type TokenAccountant struct {
	counter providers.TokenCounter
	cache   TokenCache
	breaker *llm.CircuitBreaker
	cfg     TokenAccountantConfig
	logger  *logrus.Logger
}

// NewTokenAccountant wires the accountant. counter, cache and breaker may
// be nil.
func NewTokenAccountant(counter providers.TokenCounter, cache TokenCache, breaker *llm.CircuitBreaker, cfg TokenAccountantConfig, logger *logrus.Logger) *TokenAccountant {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 24 * time.Hour
	}
	if cfg.Rates == (MediaRates{}) {
		cfg.Rates = DefaultMediaRates()
	}
	return &TokenAccountant{
		counter: counter,
		cache:   cache,
		breaker: breaker,
		cfg:     cfg,
		logger:  orStandard(logger),
	}
}

// EstimateText is the fallback: one token per four characters, at least one
func EstimateText(text string) int {
	return max(1, utf8.RuneCountInString(text)/4)
}

// CountText returns the exact count when available, else the estimate.
// Empty text costs nothing.
func (a *TokenAccountant) CountText(ctx context.Context, text string) int {
	if text == "" {
		return 0
	}
	if a.counter == nil {
		llm.TokenCountsTotal.WithLabelValues("estimate").Inc()
		return EstimateText(text)
	}

	key := TokenCacheKey(a.cfg.Model, text)
	if a.cache != nil {
		if n, ok := a.cache.Get(ctx, key); ok {
			llm.TokenCountsTotal.WithLabelValues("cache").Inc()
			return n
		}
	}

	var n int
	call := func() error {
		callCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()
		var err error
		n, err = a.counter.CountTokens(callCtx, text)
		return err
	}

	var err error
	if a.breaker != nil {
		err = a.breaker.Execute(tokenCounterBreaker, call)
	} else {
		err = call()
	}

	if err != nil || n <= 0 {
		a.logger.WithFields(logrus.Fields{
			"chars": utf8.RuneCountInString(text),
			"error": err,
		}).Debug("Token count unavailable, using estimate")
		llm.TokenCountsTotal.WithLabelValues("estimate").Inc()
		return EstimateText(text)
	}

	llm.TokenCountsTotal.WithLabelValues("provider").Inc()
	if a.cache != nil {
		a.cache.Set(ctx, key, n, a.cfg.CacheTTL)
	}
	return n
}

// MediaTokens estimates the cost of one media reference
func (a *TokenAccountant) MediaTokens(ref models.MediaRef) int {
	r := a.cfg.Rates
	switch ref.Kind() {
	case models.MediaImage:
		return r.ImageTokens
	case models.MediaVideo:
		return r.VideoTokensPerSecond * r.VideoDefaultSeconds
	case models.MediaAudio:
		return r.AudioTokensPerSecond * r.AudioDefaultSeconds
	case models.MediaDocument:
		return r.DocumentTokens
	default:
		return r.DefaultTokens
	}
}

// CountMessage sums the text and media cost of a persisted row
func (a *TokenAccountant) CountMessage(ctx context.Context, m models.Message) int {
	total := 0
	if text, ok := m.Text(); ok {
		total += a.CountText(ctx, text)
	}
	if ref, ok := m.Media(); ok {
		total += a.MediaTokens(ref)
	}
	return total
}

// CountTurn sums every part of a turn
func (a *TokenAccountant) CountTurn(ctx context.Context, t models.Turn) int {
	total := 0
	for _, p := range t.Parts {
		if p.IsMedia() {
			total += a.MediaTokens(*p.Media)
			continue
		}
		total += a.CountText(ctx, p.Text)
	}
	return total
}
