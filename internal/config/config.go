// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Auth modes.
const (
	AuthModeDev   = "dev"
	AuthModeToken = "token"
)

// Config holds all application configuration.
type Config struct {
	Port        string `yaml:"port"`
	FrontendURL string `yaml:"frontend_url"`
	DevMode     bool   `yaml:"dev_mode"`
	LogLevel    string `yaml:"log_level"`
	DBPath      string `yaml:"db_path"`

	Embedding       EmbeddingConfig       `yaml:"embedding"`
	LLM             LLMConfig             `yaml:"llm"`
	VectorDB        VectorDBConfig        `yaml:"vectordb"`
	Retrieval       RetrievalConfig       `yaml:"retrieval"`
	Auth            AuthConfig            `yaml:"auth"`
	RateLimit       RateLimitConfig       `yaml:"rate_limit"`
	SSE             SSEConfig             `yaml:"sse"`
	Engagement      EngagementConfig      `yaml:"engagement"`
	ConversationLog ConversationLogConfig `yaml:"conversation_log"`
	Video           VideoConfig           `yaml:"video"`
}

// EmbeddingConfig configures the OpenAI embedding endpoint.
type EmbeddingConfig struct {
	APIKey     string        `yaml:"api_key"`
	BaseURL    string        `yaml:"base_url"`
	Model      string        `yaml:"model"`
	Dimensions int           `yaml:"dimensions"`
	Timeout    time.Duration `yaml:"timeout"`
}

// LLMConfig configures the chat completion endpoint (Groq, OpenAI compatible).
type LLMConfig struct {
	APIKey         string        `yaml:"api_key"`
	BaseURL        string        `yaml:"base_url"`
	Model          string        `yaml:"model"`
	MaxTokens      int           `yaml:"max_tokens"`
	Timeout        time.Duration `yaml:"timeout"`
	RetryAttempts  int           `yaml:"retry_attempts"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
}

// VectorDBConfig configures the Qdrant connection.
type VectorDBConfig struct {
	URL        string        `yaml:"url"`
	APIKey     string        `yaml:"api_key"`
	GRPCPort   int           `yaml:"grpc_port"`
	Collection string        `yaml:"collection"`
	Timeout    time.Duration `yaml:"timeout"`
}

// RetrievalConfig controls candidate selection.
type RetrievalConfig struct {
	TopK      int     `yaml:"top_k"`
	Threshold float64 `yaml:"threshold"`
}

// AuthConfig selects the authenticator.
type AuthConfig struct {
	Mode         string   `yaml:"mode"`
	Tokens       []string `yaml:"tokens"` // token:user[:admin]
	AdminUserIDs []string `yaml:"admin_user_ids"`
}

// RateLimitConfig bounds chat requests per user.
type RateLimitConfig struct {
	RequestsPerWindow int           `yaml:"requests_per_window"`
	WindowDuration    time.Duration `yaml:"window"`
}

// SSEConfig controls request/stream limits.
type SSEConfig struct {
	MaxRequestBodySize int64 `yaml:"max_request_body_size"`
}

// EngagementConfig bounds the in-memory engagement store.
type EngagementConfig struct {
	SessionIdleTTL      time.Duration `yaml:"session_idle_ttl"`
	ProfileIdleTTL      time.Duration `yaml:"profile_idle_ttl"`
	MaxSessions         int           `yaml:"max_sessions"`
	MaxProfiles         int           `yaml:"max_profiles"`
	EvictionInterval    time.Duration `yaml:"eviction_interval"`
	TranscriptRetention time.Duration `yaml:"transcript_retention"`
}

// ConversationLogConfig controls transcript logging.
type ConversationLogConfig struct {
	Enabled   bool `yaml:"enabled"`
	QueueSize int  `yaml:"queue_size"`
}

// VideoConfig points at the faceless video generation services.
type VideoConfig struct {
	ScriptURL    string `yaml:"script_url"`
	ImageURL     string `yaml:"image_url"`
	VideoURL     string `yaml:"video_url"`
	OutputDir    string `yaml:"output_dir"`
	DurationSecs int    `yaml:"duration_seconds"`
	MaxRetries   int    `yaml:"max_retries"`
	MaxNewTokens int    `yaml:"max_new_tokens"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:     "8080",
		DevMode:  true,
		LogLevel: "info",
		DBPath:   "./data/support.db",
		Embedding: EmbeddingConfig{
			Model:   "text-embedding-3-small",
			Timeout: 30 * time.Second,
		},
		LLM: LLMConfig{
			BaseURL:        "https://api.groq.com/openai/v1",
			Model:          "llama-3.1-8b-instant",
			MaxTokens:      500,
			Timeout:        120 * time.Second,
			RetryAttempts:  3,
			RetryBaseDelay: time.Second,
		},
		VectorDB: VectorDBConfig{
			GRPCPort:   6334,
			Collection: "support_docs",
			Timeout:    60 * time.Second,
		},
		Retrieval: RetrievalConfig{TopK: 5, Threshold: 0.7},
		Auth:      AuthConfig{Mode: AuthModeDev},
		RateLimit: RateLimitConfig{RequestsPerWindow: 30, WindowDuration: time.Minute},
		SSE:       SSEConfig{MaxRequestBodySize: 1 << 20},
		Engagement: EngagementConfig{
			SessionIdleTTL:      24 * time.Hour,
			ProfileIdleTTL:      30 * 24 * time.Hour,
			MaxSessions:         10000,
			MaxProfiles:         10000,
			EvictionInterval:    5 * time.Minute,
			TranscriptRetention: 7 * 24 * time.Hour,
		},
		ConversationLog: ConversationLogConfig{Enabled: true, QueueSize: 1000},
		Video: VideoConfig{
			ScriptURL:    "http://localhost:8000",
			ImageURL:     "http://localhost:8000",
			VideoURL:     "http://localhost:8000",
			OutputDir:    "./outputs",
			DurationSecs: 60,
			MaxRetries:   3,
			MaxNewTokens: 1024,
		},
	}
}

// Load reads configuration from defaults, an optional YAML file named by
// SUPPORTBOT_CONFIG, and environment variables, in that order.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("SUPPORTBOT_CONFIG"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = getEnv("PORT", c.Port)
	c.FrontendURL = getEnv("FRONTEND_URL", c.FrontendURL)
	c.DevMode = getEnvBool("DEV_MODE", c.DevMode)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.DBPath = getEnv("DB_PATH", c.DBPath)

	c.Embedding.APIKey = getEnv("OPENAI_API_KEY", c.Embedding.APIKey)
	c.Embedding.BaseURL = getEnv("OPENAI_BASE_URL", c.Embedding.BaseURL)
	c.Embedding.Model = getEnv("EMBEDDING_MODEL", c.Embedding.Model)
	c.Embedding.Dimensions = getEnvInt("EMBEDDING_DIMENSIONS", c.Embedding.Dimensions)
	c.Embedding.Timeout = getEnvDuration("EMBED_TIMEOUT", c.Embedding.Timeout)

	c.LLM.APIKey = getEnv("GROQ_API_KEY", c.LLM.APIKey)
	c.LLM.BaseURL = getEnv("GROQ_BASE_URL", c.LLM.BaseURL)
	c.LLM.Model = getEnv("LLM_MODEL", c.LLM.Model)
	c.LLM.MaxTokens = getEnvInt("LLM_MAX_TOKENS", c.LLM.MaxTokens)
	c.LLM.Timeout = getEnvDuration("GENERATE_TIMEOUT", c.LLM.Timeout)
	c.LLM.RetryAttempts = getEnvInt("LLM_RETRY_ATTEMPTS", c.LLM.RetryAttempts)
	c.LLM.RetryBaseDelay = getEnvDuration("LLM_RETRY_BASE_DELAY", c.LLM.RetryBaseDelay)

	c.VectorDB.URL = getEnv("QDRANT_URL", c.VectorDB.URL)
	c.VectorDB.APIKey = getEnv("QDRANT_KEY", c.VectorDB.APIKey)
	c.VectorDB.GRPCPort = getEnvInt("QDRANT_GRPC_PORT", c.VectorDB.GRPCPort)
	c.VectorDB.Collection = getEnv("QDRANT_COLLECTION", c.VectorDB.Collection)
	c.VectorDB.Timeout = getEnvDuration("RETRIEVE_TIMEOUT", c.VectorDB.Timeout)

	c.Retrieval.TopK = getEnvInt("RETRIEVAL_TOP_K", c.Retrieval.TopK)
	c.Retrieval.Threshold = getEnvFloat("RETRIEVAL_THRESHOLD", c.Retrieval.Threshold)

	c.Auth.Mode = strings.ToLower(getEnv("AUTH_MODE", c.Auth.Mode))
	c.Auth.Tokens = getEnvList("AUTH_TOKENS", c.Auth.Tokens)
	c.Auth.AdminUserIDs = getEnvList("ADMIN_USER_IDS", c.Auth.AdminUserIDs)

	c.RateLimit.RequestsPerWindow = getEnvInt("RATE_LIMIT_REQUESTS", c.RateLimit.RequestsPerWindow)
	c.RateLimit.WindowDuration = getEnvDuration("RATE_LIMIT_WINDOW", c.RateLimit.WindowDuration)
	c.SSE.MaxRequestBodySize = int64(getEnvInt("MAX_REQUEST_BODY_BYTES", int(c.SSE.MaxRequestBodySize)))

	c.Engagement.SessionIdleTTL = getEnvDuration("SESSION_IDLE_TTL", c.Engagement.SessionIdleTTL)
	c.Engagement.ProfileIdleTTL = getEnvDuration("PROFILE_IDLE_TTL", c.Engagement.ProfileIdleTTL)
	c.Engagement.MaxSessions = getEnvInt("MAX_SESSIONS", c.Engagement.MaxSessions)
	c.Engagement.MaxProfiles = getEnvInt("MAX_PROFILES", c.Engagement.MaxProfiles)
	c.Engagement.EvictionInterval = getEnvDuration("EVICTION_INTERVAL", c.Engagement.EvictionInterval)
	c.Engagement.TranscriptRetention = getEnvDuration("TRANSCRIPT_RETENTION", c.Engagement.TranscriptRetention)

	c.ConversationLog.Enabled = getEnvBool("CONVERSATION_LOG_ENABLED", c.ConversationLog.Enabled)
	c.ConversationLog.QueueSize = getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", c.ConversationLog.QueueSize)

	c.Video.ScriptURL = getEnv("LLM_API_URL", c.Video.ScriptURL)
	c.Video.ImageURL = getEnv("SD_API_URL", c.Video.ImageURL)
	c.Video.VideoURL = getEnv("VIDEO_API_URL", c.Video.VideoURL)
	c.Video.OutputDir = getEnv("OUTPUT_DIR", c.Video.OutputDir)
	c.Video.DurationSecs = getEnvInt("DEFAULT_VIDEO_DURATION", c.Video.DurationSecs)
	c.Video.MaxRetries = getEnvInt("MAX_RETRIES", c.Video.MaxRetries)
	c.Video.MaxNewTokens = getEnvInt("MAX_NEW_TOKENS", c.Video.MaxNewTokens)
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("RETRIEVAL_TOP_K must be > 0")
	}
	if c.Retrieval.Threshold < 0 || c.Retrieval.Threshold > 1 {
		return fmt.Errorf("RETRIEVAL_THRESHOLD must be within [0,1]")
	}
	if c.LLM.RetryAttempts <= 0 {
		return fmt.Errorf("LLM_RETRY_ATTEMPTS must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.SSE.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_BYTES must be > 0")
	}
	if c.Engagement.MaxSessions <= 0 || c.Engagement.MaxProfiles <= 0 {
		return fmt.Errorf("MAX_SESSIONS and MAX_PROFILES must be > 0")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	switch c.Auth.Mode {
	case AuthModeDev, AuthModeToken:
	default:
		return fmt.Errorf("AUTH_MODE must be %q or %q, got %q", AuthModeDev, AuthModeToken, c.Auth.Mode)
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.DevMode ||
		c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
