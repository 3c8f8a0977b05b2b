package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. CROPMIND_DATABASE_URL.
const EnvPrefix = "CROPMIND"

// Config models the service settings.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Knowledge KnowledgeConfig `mapstructure:"knowledge"`
	Weather   WeatherConfig   `mapstructure:"weather"`
	Crops     CropsConfig     `mapstructure:"crops"`
	Defaults  DefaultsConfig  `mapstructure:"defaults"`
	Log       LogConfig       `mapstructure:"log"`
	Webhooks  []WebhookConfig `mapstructure:"webhooks"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type ServerConfig struct {
	Addr           string   `mapstructure:"addr"`
	BasePath       string   `mapstructure:"base_path"`
	CORSOrigins    []string `mapstructure:"cors_origins"`
	AppName        string   `mapstructure:"app_name"`
	WelcomeMessage string   `mapstructure:"welcome_message"`
}

type AuthConfig struct {
	JWTSecret       string        `mapstructure:"jwt_secret"`
	JWTExpiration   time.Duration `mapstructure:"jwt_expiration"`
	AllowEmailQuery bool          `mapstructure:"allow_email_query"`
}

type LLMConfig struct {
	Enabled                bool    `mapstructure:"enabled"`
	APIKey                 string  `mapstructure:"api_key"`
	Model                  string  `mapstructure:"model"`
	MaxTokens              int64   `mapstructure:"max_tokens"`
	PlannerTemperature     float64 `mapstructure:"planner_temperature"`
	TranslationTemperature float64 `mapstructure:"translation_temperature"`
	PlannerPrompt          string  `mapstructure:"planner_prompt"`
	TranslationPrompt      string  `mapstructure:"translation_prompt"`
}

type KnowledgeConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	GenAIAPIKey    string `mapstructure:"genai_api_key"`
	EmbedModel     string `mapstructure:"embed_model"`
	PineconeHost   string `mapstructure:"pinecone_host"`
	PineconeAPIKey string `mapstructure:"pinecone_api_key"`
	Namespace      string `mapstructure:"namespace"`
	TopK           int    `mapstructure:"top_k"`
}

type WeatherConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Provider  string        `mapstructure:"provider"`
	APIKey    string        `mapstructure:"api_key"`
	Endpoint  string        `mapstructure:"endpoint"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
	CacheSize int           `mapstructure:"cache_size"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type CropsConfig struct {
	ConfigPath string `mapstructure:"config_path"`
}

type DefaultsConfig struct {
	Language string `mapstructure:"language"`
	UserName string `mapstructure:"user_name"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// WebhookConfig describes an alert delivery target. Empty Types means all.
type WebhookConfig struct {
	URL     string        `mapstructure:"url"`
	Types   []string      `mapstructure:"types"`
	Secret  string        `mapstructure:"secret"`
	Timeout time.Duration `mapstructure:"timeout"`
	Enabled *bool         `mapstructure:"enabled"`
}

const DefaultPlannerPrompt = `You are the Action Planner Agent for {app_name}.

CONTEXT:
- Current Crop Stage: {stage}
- Weather Situation: {weather}
- Agricultural Knowledge: {knowledge}
- Farmer's Input: {query}

GOAL:
Decide the SINGLE most important action for the farmer today.
Must be short, actionable, and farmer-friendly.
Explain WHY based on the situation.

Output format:
ACTION: [The Action]
REASON: [Short explanation]
`

const DefaultTranslationPrompt = "Translate the following agricultural advice to {language}. Keep the tone helpful and professional:\n\n{content}"

// SetDefaults registers every key so env overrides resolve on Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.url", "cropmind.db")
	v.SetDefault("server.addr", "127.0.0.1:8000")
	v.SetDefault("server.base_path", "")
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.app_name", "CropMind AI")
	v.SetDefault("server.welcome_message", "CropMind AI API is online")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_expiration", time.Hour)
	v.SetDefault("auth.allow_email_query", false)
	v.SetDefault("llm.enabled", true)
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "claude-sonnet-4-20250514")
	v.SetDefault("llm.max_tokens", 2048)
	v.SetDefault("llm.planner_temperature", 0.2)
	v.SetDefault("llm.translation_temperature", 0.1)
	v.SetDefault("llm.planner_prompt", DefaultPlannerPrompt)
	v.SetDefault("llm.translation_prompt", DefaultTranslationPrompt)
	v.SetDefault("knowledge.enabled", false)
	v.SetDefault("knowledge.genai_api_key", "")
	v.SetDefault("knowledge.embed_model", "gemini-embedding-001")
	v.SetDefault("knowledge.pinecone_host", "")
	v.SetDefault("knowledge.pinecone_api_key", "")
	v.SetDefault("knowledge.namespace", "")
	v.SetDefault("knowledge.top_k", 3)
	v.SetDefault("weather.enabled", false)
	v.SetDefault("weather.provider", "openweathermap")
	v.SetDefault("weather.api_key", "")
	v.SetDefault("weather.endpoint", "https://api.openweathermap.org/data/2.5")
	v.SetDefault("weather.cache_ttl", 30*time.Minute)
	v.SetDefault("weather.cache_size", 1024)
	v.SetDefault("weather.timeout", 10*time.Second)
	v.SetDefault("crops.config_path", "")
	v.SetDefault("defaults.language", "English")
	v.SetDefault("defaults.user_name", "Farmer")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// New returns a viper instance wired for CROPMIND_ env overrides.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional settings file, applies env overrides and validates.
func Load(v *viper.Viper, path string) (*Config, error) {
	cfg, err := Decode(v, path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode is Load without validation, for commands that need only part of
// the settings.
func Decode(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// Default returns the default settings without validating them.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Validate reports every missing or inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []string
	if strings.TrimSpace(c.Database.URL) == "" {
		errs = append(errs, "database.url is required")
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		errs = append(errs, "auth.jwt_secret is required")
	}
	if c.Auth.JWTExpiration <= 0 {
		errs = append(errs, "auth.jwt_expiration must be positive")
	}
	if c.LLM.Enabled && strings.TrimSpace(c.LLM.APIKey) == "" {
		errs = append(errs, "llm.api_key is required when llm.enabled is true (or set llm.enabled=false for template advice)")
	}
	if c.LLM.MaxTokens <= 0 {
		errs = append(errs, "llm.max_tokens must be positive")
	}
	if c.Knowledge.Enabled {
		if strings.TrimSpace(c.Knowledge.PineconeHost) == "" {
			errs = append(errs, "knowledge.pinecone_host is required when knowledge is enabled")
		}
		if strings.TrimSpace(c.Knowledge.PineconeAPIKey) == "" {
			errs = append(errs, "knowledge.pinecone_api_key is required when knowledge is enabled")
		}
		if strings.TrimSpace(c.Knowledge.GenAIAPIKey) == "" {
			errs = append(errs, "knowledge.genai_api_key is required when knowledge is enabled")
		}
		if c.Knowledge.TopK <= 0 {
			errs = append(errs, "knowledge.top_k must be positive")
		}
	}
	if c.Weather.Enabled {
		if c.Weather.Provider != "openweathermap" {
			errs = append(errs, fmt.Sprintf("unsupported weather provider: %s", c.Weather.Provider))
		}
		if strings.TrimSpace(c.Weather.APIKey) == "" {
			errs = append(errs, "weather.api_key is required when weather is enabled (or set weather.enabled=false to use mock data)")
		}
	}
	if c.Weather.CacheSize <= 0 {
		errs = append(errs, "weather.cache_size must be positive")
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "console", "text":
	default:
		errs = append(errs, fmt.Sprintf("log.format must be json or console, got %q", c.Log.Format))
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			errs = append(errs, fmt.Sprintf("webhooks[%d].url is required", i))
		}
	}
	if len(errs) > 0 {
		return errors.New("configuration validation failed:\n  - " + strings.Join(errs, "\n  - "))
	}
	return nil
}
