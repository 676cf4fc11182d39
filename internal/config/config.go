package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server            ServerConfig            `mapstructure:"server"`
	Database          DatabaseConfig          `mapstructure:"database"`
	Redis             RedisConfig             `mapstructure:"redis"`
	Provider          ProviderConfig          `mapstructure:"provider"`
	Gemini            GeminiConfig            `mapstructure:"gemini"`
	TokenCounter      TokenCounterConfig      `mapstructure:"token_counter"`
	Tokens            TokenConfig             `mapstructure:"tokens"`
	History           HistoryConfig           `mapstructure:"history"`
	Summary           SummaryConfig           `mapstructure:"summary"`
	Media             MediaConfig             `mapstructure:"media"`
	SystemInstruction SystemInstructionConfig `mapstructure:"system_instruction"`
	Auth              AuthConfig              `mapstructure:"auth"`
	Log               LogConfig               `mapstructure:"log"`
}

// ServerConfig holds the HTTP listener settings. RateLimit is the number of
// chat turns one user may start per minute; zero disables the limit.
type ServerConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	CORSOrigins string `mapstructure:"cors_origins"`
	RateLimit   int    `mapstructure:"rate_limit"`
}

// DatabaseConfig selects the SQL driver. Driver is one of postgres, pgx or
// sqlite3; Path is only used by sqlite3.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
	Path     string `mapstructure:"path"`
}

// RedisConfig enables the shared token-count cache when URL is set
type RedisConfig struct {
	URL    string `mapstructure:"url"`
	Prefix string `mapstructure:"prefix"`
}

// ProviderConfig selects the generation backend. Name is gemini (the
// default, media travels as file parts) or openai for any OpenAI-compatible
// endpoint; BaseURL and APIKey only apply to openai.
type ProviderConfig struct {
	Name          string        `mapstructure:"name"`
	BaseURL       string        `mapstructure:"base_url"`
	APIKey        string        `mapstructure:"api_key"`
	Model         string        `mapstructure:"model"`
	StreamRetries int           `mapstructure:"stream_retries"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
}

// GeminiConfig holds the credentials shared by the Gemini generator and the
// token counter. Backend is gemini (API key) or vertex (project and
// location with application default credentials); gs:// media needs vertex.
type GeminiConfig struct {
	Backend  string `mapstructure:"backend"`
	APIKey   string `mapstructure:"api_key"`
	Project  string `mapstructure:"project"`
	Location string `mapstructure:"location"`
	BaseURL  string `mapstructure:"base_url"`
}

// Configured reports whether credentials for the selected backend are set
func (g GeminiConfig) Configured() bool {
	if g.Backend == "vertex" {
		return g.Project != "" && g.Location != ""
	}
	return g.APIKey != ""
}

// TokenCounterConfig describes exact counting through the Gemini client.
// Without Gemini credentials every count falls back to the estimate.
type TokenCounterConfig struct {
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type TokenConfig struct {
	MaxContextTokens     int           `mapstructure:"max_context_tokens"`
	TargetWindowTokens   int           `mapstructure:"target_window_tokens"`
	ImageTokens          int           `mapstructure:"image_tokens"`
	VideoTokensPerSecond int           `mapstructure:"video_tokens_per_second"`
	VideoDefaultSeconds  int           `mapstructure:"video_default_seconds"`
	AudioTokensPerSecond int           `mapstructure:"audio_tokens_per_second"`
	AudioDefaultSeconds  int           `mapstructure:"audio_default_seconds"`
	DocumentTokens       int           `mapstructure:"document_tokens"`
	DefaultMediaTokens   int           `mapstructure:"default_media_tokens"`
	CacheTTL             time.Duration `mapstructure:"cache_ttl"`
}

type HistoryConfig struct {
	MaxMessages int `mapstructure:"max_messages"`
}

type SummaryConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	TriggerTokens     int           `mapstructure:"trigger_tokens"`
	TargetTokens      int           `mapstructure:"target_tokens"`
	MaxTokens         int           `mapstructure:"max_tokens"`
	MinMessages       int           `mapstructure:"min_messages"`
	KeepRecent        int           `mapstructure:"keep_recent"`
	Temperature       float32       `mapstructure:"temperature"`
	Model             string        `mapstructure:"model"`
	Timeout           time.Duration `mapstructure:"timeout"`
	AttemptsPerMinute int           `mapstructure:"attempts_per_minute"`
}

type MediaConfig struct {
	MaxParts                 int  `mapstructure:"max_parts"`
	MaxImages                int  `mapstructure:"max_images"`
	MaxVideos                int  `mapstructure:"max_videos"`
	MaxAudio                 int  `mapstructure:"max_audio"`
	MaxDocuments             int  `mapstructure:"max_documents"`
	AllowHistoryIfReferenced bool `mapstructure:"allow_history_if_referenced"`
	IncludeOnlyCurrentTurn   bool `mapstructure:"include_only_current_turn"`
}

type SystemInstructionConfig struct {
	URL       string        `mapstructure:"url"`
	LocalPath string        `mapstructure:"local_path"`
	TTL       time.Duration `mapstructure:"ttl"`
	Watch     bool          `mapstructure:"watch"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// envBindings maps config keys to the environment variable names the
// deployment already uses. Every other key can be set as RAVEN_<KEY>.
var envBindings = map[string]string{
	"server.port":                            "PORT",
	"database.driver":                        "DATABASE_DRIVER",
	"database.host":                          "POSTGRES_HOST",
	"database.port":                          "POSTGRES_PORT",
	"database.user":                          "POSTGRES_USER",
	"database.password":                      "POSTGRES_PASSWORD",
	"database.database":                      "POSTGRES_DB",
	"database.path":                          "SQLITE_PATH",
	"redis.url":                              "REDIS_URL",
	"provider.api_key":                       "OPENAI_API_KEY",
	"provider.model":                         "GEMINI_MODEL",
	"gemini.api_key":                         "GEMINI_API_KEY",
	"gemini.project":                         "GOOGLE_CLOUD_PROJECT",
	"gemini.location":                        "GOOGLE_CLOUD_LOCATION",
	"token_counter.model":                    "GEMINI_MODEL",
	"tokens.max_context_tokens":              "MAX_CONTEXT_TOKENS",
	"tokens.target_window_tokens":            "TARGET_WINDOW_TOKENS",
	"history.max_messages":                   "MAX_HISTORY_MESSAGES",
	"summary.enabled":                        "SUMMARY_ENABLED",
	"summary.trigger_tokens":                 "SUMMARY_TRIGGER_TOKENS",
	"summary.target_tokens":                  "SUMMARY_TARGET_TOKENS",
	"summary.max_tokens":                     "SUMMARY_MAX_TOKENS",
	"summary.min_messages":                   "SUMMARY_MIN_MESSAGES",
	"summary.keep_recent":                    "SUMMARY_KEEP_RECENT",
	"summary.temperature":                    "SUMMARY_TEMPERATURE",
	"summary.model":                          "SUMMARY_MODEL",
	"media.max_parts":                        "MEDIA_MAX_PARTS",
	"media.max_images":                       "MEDIA_MAX_IMAGES",
	"media.max_videos":                       "MEDIA_MAX_VIDEOS",
	"media.allow_history_if_referenced":      "MEDIA_ALLOW_HISTORY_IF_REFERENCED",
	"media.include_only_current_turn":        "MEDIA_INCLUDE_ONLY_CURRENT_TURN",
	"system_instruction.url":                 "SYSTEM_INSTRUCTION_URL",
	"system_instruction.local_path":          "SYSTEM_INSTRUCTION_PATH",
	"auth.jwt_secret":                        "RAVEN_JWT_SECRET",
	"log.level":                              "LOG_LEVEL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", "http://localhost:3000,http://localhost:5173")
	v.SetDefault("server.rate_limit", 30)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "raven")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "raven")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.path", "raven.db")

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.prefix", "raven:tokens:")

	v.SetDefault("provider.name", "gemini")
	v.SetDefault("provider.base_url", "")
	v.SetDefault("provider.api_key", "")
	v.SetDefault("provider.model", "gemini-2.0-flash")
	v.SetDefault("provider.stream_retries", 3)
	v.SetDefault("provider.retry_delay", "500ms")

	v.SetDefault("gemini.backend", "gemini")
	v.SetDefault("gemini.api_key", "")
	v.SetDefault("gemini.project", "")
	v.SetDefault("gemini.location", "us-central1")
	v.SetDefault("gemini.base_url", "")

	v.SetDefault("token_counter.model", "gemini-2.0-flash")
	v.SetDefault("token_counter.timeout", "2s")

	v.SetDefault("tokens.max_context_tokens", 8000)
	v.SetDefault("tokens.target_window_tokens", 6000)
	v.SetDefault("tokens.image_tokens", 258)
	v.SetDefault("tokens.video_tokens_per_second", 263)
	v.SetDefault("tokens.video_default_seconds", 10)
	v.SetDefault("tokens.audio_tokens_per_second", 32)
	v.SetDefault("tokens.audio_default_seconds", 30)
	v.SetDefault("tokens.document_tokens", 1000)
	v.SetDefault("tokens.default_media_tokens", 100)
	v.SetDefault("tokens.cache_ttl", "24h")

	v.SetDefault("history.max_messages", 200)

	v.SetDefault("summary.enabled", true)
	v.SetDefault("summary.trigger_tokens", 3500)
	v.SetDefault("summary.target_tokens", 400)
	v.SetDefault("summary.max_tokens", 600)
	v.SetDefault("summary.min_messages", 10)
	v.SetDefault("summary.keep_recent", 5)
	v.SetDefault("summary.temperature", 0.3)
	v.SetDefault("summary.model", "gemini-2.0-flash")
	v.SetDefault("summary.timeout", "15s")
	v.SetDefault("summary.attempts_per_minute", 2)

	v.SetDefault("media.max_parts", 3)
	v.SetDefault("media.max_images", 2)
	v.SetDefault("media.max_videos", 1)
	v.SetDefault("media.max_audio", 1)
	v.SetDefault("media.max_documents", 1)
	v.SetDefault("media.allow_history_if_referenced", true)
	v.SetDefault("media.include_only_current_turn", false)

	v.SetDefault("system_instruction.url", "")
	v.SetDefault("system_instruction.local_path", "system_instruction.txt")
	v.SetDefault("system_instruction.ttl", "1h")
	v.SetDefault("system_instruction.watch", true)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "raven")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads config.json from the usual locations, then applies .env and
// environment overrides on top of the defaults.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")

	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	if homeDir, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(homeDir, ".raven"))
	}

	setDefaults(v)

	v.SetEnvPrefix("RAVEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env, "RAVEN_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_"))); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the services cannot run with
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "pgx", "sqlite3":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	switch c.Provider.Name {
	case "gemini", "openai":
	default:
		return fmt.Errorf("unsupported provider %q", c.Provider.Name)
	}
	switch c.Gemini.Backend {
	case "gemini", "vertex":
	default:
		return fmt.Errorf("unsupported gemini backend %q", c.Gemini.Backend)
	}
	if c.Tokens.TargetWindowTokens <= 0 || c.Tokens.MaxContextTokens < c.Tokens.TargetWindowTokens {
		return fmt.Errorf("invalid token budget: max=%d target=%d",
			c.Tokens.MaxContextTokens, c.Tokens.TargetWindowTokens)
	}
	if c.Media.MaxParts < 0 || c.Media.MaxImages < 0 || c.Media.MaxVideos < 0 {
		return errors.New("media caps must not be negative")
	}
	return nil
}
